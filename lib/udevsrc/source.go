// Package udevsrc is the Kernel Device Source (spec.md §4.1): a libudev
// netlink monitor filtered to {usb, pci, input}, plus an enumerator used
// for the --attach-connected startup sweep. Grounded on
// _examples/other_examples/canonical-lxd__unix_hotplug.go, the only
// github.com/jochenvg/go-udev precedent in the retrieval pack.
package udevsrc

import (
	"context"
	"fmt"

	udev "github.com/jochenvg/go-udev"
)

// RawDevice is the attrs-map-shaped record spec.md §4.1 calls
// DeviceEvent{..., attrs: map}; lib/device normalizes it into a typed
// UsbDevice/PciDevice/EvdevDevice. Raw is kept for the Device Model's
// child-interface walk, which needs the underlying udev handle, not just
// its properties; the boot-device check reads SysPath instead.
type RawDevice struct {
	Action     string // "add" | "remove" | "change"
	Subsystem  string
	DevNode    string
	SysPath    string
	Properties map[string]string
	Raw        *udev.Device
}

// Source watches udev for {usb, pci, input} hotplug events.
type Source struct {
	u          udev.Udev
	subsystems []string
}

// New creates a Source filtered to the given subsystems.
func New(subsystems []string) *Source {
	return &Source{u: udev.Udev{}, subsystems: subsystems}
}

// EnumerateConnected lists every currently-connected device in the
// watched subsystems, used for the --attach-connected startup sweep
// (spec.md §4.1: "these and live events share the same downstream path").
func (s *Source) EnumerateConnected() ([]*RawDevice, error) {
	var out []*RawDevice
	for _, subsystem := range s.subsystems {
		e := s.u.NewEnumerate()
		if err := e.AddMatchSubsystem(subsystem); err != nil {
			return nil, fmt.Errorf("match subsystem %s: %w", subsystem, err)
		}
		if err := e.AddMatchIsInitialized(); err != nil {
			return nil, fmt.Errorf("match initialized: %w", err)
		}
		devices, err := e.Devices()
		if err != nil {
			return nil, fmt.Errorf("enumerate %s devices: %w", subsystem, err)
		}
		for _, d := range devices {
			if d == nil {
				continue
			}
			out = append(out, fromUdevDevice("add", d))
		}
	}
	return out, nil
}

// Events streams live hotplug events until ctx is cancelled. The error
// channel receives exactly one terminal error (mapped by the caller to
// vherr.SourceLost) if the monitor descriptor fails.
func (s *Source) Events(ctx context.Context) (<-chan *RawDevice, <-chan error, error) {
	mon := s.u.NewMonitorFromNetlink("udev")
	for _, subsystem := range s.subsystems {
		if err := mon.FilterAddMatchSubsystem(subsystem); err != nil {
			return nil, nil, fmt.Errorf("filter subsystem %s: %w", subsystem, err)
		}
	}

	deviceCh, err := mon.DeviceChan(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("start netlink monitor: %w", err)
	}

	out := make(chan *RawDevice, 64)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deviceCh:
				if !ok {
					errc <- fmt.Errorf("udev monitor channel closed")
					return
				}
				if d == nil {
					continue
				}
				select {
				case out <- fromUdevDevice(d.Action(), d):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, errc, nil
}

func fromUdevDevice(action string, d *udev.Device) *RawDevice {
	props := make(map[string]string)
	for k, v := range d.Properties() {
		props[k] = v
	}
	return &RawDevice{
		Action:     action,
		Subsystem:  d.Subsystem(),
		DevNode:    d.Devnode(),
		SysPath:    d.SysPath(),
		Properties: props,
		Raw:        d,
	}
}

// Children returns the devices libudev enumerates in parent's subtree
// (used to walk a USB device's interfaces). AddMatchParent matches parent
// itself and all deeper descendants, not only direct children.
func (s *Source) Children(parent *udev.Device) ([]*udev.Device, error) {
	e := s.u.NewEnumerate()
	if err := e.AddMatchParent(parent); err != nil {
		return nil, fmt.Errorf("match parent: %w", err)
	}
	if err := e.AddMatchIsInitialized(); err != nil {
		return nil, fmt.Errorf("match initialized: %w", err)
	}
	devices, err := e.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate children: %w", err)
	}
	return devices, nil
}
