package device

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// IsBootDeviceUSB reports whether the given USB device backs the host's
// root filesystem, grounded on original_source/vhotplug/device.py's
// is_boot_device guard (the only non-stub boot-device check in the
// original; pci.go's PCI equivalent is always false, matching the
// original's stub there). A USB device is boot-critical if any block
// device enumerated under its sysfs subtree is the device backing the
// mount at "/".
func IsBootDeviceUSB(sysPath string) bool {
	rootSource, err := rootMountSource()
	if err != nil || rootSource == "" {
		return false
	}
	rootDev := filepath.Base(rootSource)

	blockDir := filepath.Join(sysPath, "block")
	if entries, err := os.ReadDir(blockDir); err == nil {
		for _, e := range entries {
			if blockDeviceMatches(e.Name(), rootDev) {
				return true
			}
		}
	}

	// Host controllers expose their storage under usbN/usbN:1.0/hostM/...
	// rather than directly under the device's own sysfs node; recurse into
	// every real subdirectory (symlinks are not followed).
	entries, err := os.ReadDir(sysPath)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() && IsBootDeviceUSB(filepath.Join(sysPath, e.Name())) {
			return true
		}
	}
	return false
}

func blockDeviceMatches(blockName, rootDev string) bool {
	return blockName == rootDev || strings.HasPrefix(rootDev, blockName)
}

// rootMountSource returns the device path mounted at "/", read from
// /proc/mounts.
func rootMountSource() (string, error) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if fields[1] == "/" {
			return fields[0], nil
		}
	}
	return "", scanner.Err()
}
