package device

import (
	"fmt"

	"github.com/tiiuae/vhotplug/lib/udevsrc"
	"github.com/tiiuae/vhotplug/lib/usbids"
	"github.com/tiiuae/vhotplug/lib/vherr"
)

// Normalize lifts a raw udev device into a typed Event, dispatching by
// subsystem per spec.md §4.2. Subsystems outside {usb, pci, input} are
// rejected with vherr.Unsupported; callers drop these silently rather
// than treating them as fatal, per spec.md §4.1. db (the pre-loaded
// usb.ids database, may be nil) fills in vendor/product names udev
// itself didn't resolve.
func Normalize(src *udevsrc.Source, db *usbids.Database, raw *udevsrc.RawDevice) (Event, error) {
	action, err := parseEventType(raw.Action)
	if err != nil {
		return Event{}, err
	}

	switch raw.Subsystem {
	case "usb":
		if !IsUSBDevice(raw) {
			// Interface-level nodes arrive as separate udev events; only
			// the whole-device node carries attach/detach semantics.
			return Event{}, fmt.Errorf("%w: usb interface node", vherr.Unsupported)
		}
		usb, err := NormalizeUSB(src, db, raw)
		if err != nil {
			return Event{}, err
		}
		return Event{Type: action, Kind: KindUSB, USB: &usb}, nil

	case "pci":
		pci := NormalizePCI(raw)
		return Event{Type: action, Kind: KindPCI, PCI: &pci}, nil

	case "input":
		if raw.DevNode == "" {
			return Event{}, fmt.Errorf("%w: input node without devnode", vherr.Unsupported)
		}
		ev := EvdevDevice{
			Node:   raw.DevNode,
			Name:   raw.Properties["NAME"],
			Phys:   raw.Properties["ID_PATH"],
			Unique: raw.Properties["ID_SERIAL"],
		}
		return Event{Type: action, Kind: KindEvdev, Evdev: &ev}, nil

	default:
		return Event{}, fmt.Errorf("%w: subsystem %q", vherr.Unsupported, raw.Subsystem)
	}
}

func parseEventType(action string) (EventType, error) {
	switch action {
	case "add":
		return EventAdd, nil
	case "remove":
		return EventRemove, nil
	case "change":
		return EventChange, nil
	default:
		return "", fmt.Errorf("%w: udev action %q", vherr.Unsupported, action)
	}
}
