package device

// Event is the typed device event the Orchestrator consumes, produced by
// lifting a raw udevsrc.RawEvent through Normalize (see normalize.go).
type Event struct {
	Type    EventType
	Kind    Kind
	USB     *UsbDevice
	PCI     *PciDevice
	Evdev   *EvdevDevice
}

// Key returns the device_key for whichever typed record is populated.
func (e Event) Key() Key {
	switch e.Kind {
	case KindUSB:
		return e.USB.Key()
	case KindPCI:
		return e.PCI.Key()
	case KindEvdev:
		return e.Evdev.Key()
	default:
		return Key{}
	}
}

// FriendlyName returns a diagnostics-friendly device description.
func (e Event) FriendlyName() string {
	switch e.Kind {
	case KindUSB:
		return e.USB.FriendlyName()
	case KindPCI:
		return e.PCI.FriendlyName()
	case KindEvdev:
		return e.Evdev.Node
	default:
		return "unknown device"
	}
}

// HypervisorID computes the stable, deterministic QMP device id for a key
// per spec.md §9: "vhp-usb-<bus>-<addr>" / "vhp-pci-<address-dashed>".
func (k Key) HypervisorID() string {
	switch k.Kind {
	case KindUSB:
		return fmtHypervisorUSBID(k.Bus, k.Address)
	case KindPCI:
		return fmtHypervisorPCIID(k.PciAddr)
	default:
		return ""
	}
}
