// Package paths provides centralized path construction for vhotplug's
// state directory, following the teacher's lib/paths package shape
// (a thin typed wrapper over filepath.Join for one root directory).
package paths

import "path/filepath"

// Paths provides typed path construction for the vhotplug state directory.
type Paths struct {
	stateDir string
}

// New creates a new Paths instance rooted at stateDir.
func New(stateDir string) *Paths {
	return &Paths{stateDir: stateDir}
}

// StateDir returns the root state directory.
func (p *Paths) StateDir() string {
	return p.stateDir
}

// VMLogDir returns the per-VM log directory.
func (p *Paths) VMLogDir(vmName string) string {
	return filepath.Join(p.stateDir, "vms", vmName, "logs")
}

// VMLogFile returns the path to a VM's vhotplug.log file.
func (p *Paths) VMLogFile(vmName string) string {
	return filepath.Join(p.VMLogDir(vmName), "vhotplug.log")
}

// USBIDsFile returns the first candidate path for the usb.ids database;
// callers should try it and fall back to DefaultUSBIDsPaths otherwise.
func (p *Paths) USBIDsFile() string {
	return filepath.Join(p.stateDir, "usb.ids")
}

// DefaultUSBIDsPaths lists the well-known system locations for usb.ids,
// checked in order when no state-dir override is present.
var DefaultUSBIDsPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}
