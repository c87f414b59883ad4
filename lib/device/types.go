// Package device normalizes raw udev attributes into the typed records
// spec.md §3 defines (UsbDevice, PciDevice, EvdevDevice), the same
// dynamic-attribute-map-to-typed-record lift spec.md §9's design notes
// call out as the single place that happens.
package device

import "fmt"

// Kind identifies which typed record a Key/Event refers to.
type Kind string

const (
	KindUSB   Kind = "usb"
	KindPCI   Kind = "pci"
	KindEvdev Kind = "evdev"
)

// EventType is the udev action that produced a DeviceEvent.
type EventType string

const (
	EventAdd    EventType = "add"
	EventRemove EventType = "remove"
	EventChange EventType = "change"
)

// Interface is one USB interface descriptor tuple.
type Interface struct {
	Class    uint8
	Subclass uint8
	Protocol uint8
}

// UsbDevice is the normalized record for a connected USB device.
type UsbDevice struct {
	Bus      int
	Address  int
	Port     string
	VID      string
	PID      string
	VendorName  string
	ProductName string
	DeviceClass    uint8
	DeviceSubclass uint8
	DeviceProtocol uint8
	Interfaces     []Interface
	Driver         string
	BootDevice     bool
}

// DeviceNode is the canonical /dev/bus/usb node for a UsbDevice.
func (d UsbDevice) DeviceNode() string {
	return fmt.Sprintf("/dev/bus/usb/%03d/%03d", d.Bus, d.Address)
}

// Key returns the Attachment Registry identity for this device.
func (d UsbDevice) Key() Key {
	return Key{Kind: KindUSB, Bus: d.Bus, Address: d.Address}
}

// FriendlyName matches the original's friendly_name() diagnostics string.
func (d UsbDevice) FriendlyName() string {
	if d.VendorName != "" || d.ProductName != "" {
		return fmt.Sprintf("%s %s (%s:%s)", d.VendorName, d.ProductName, d.VID, d.PID)
	}
	return fmt.Sprintf("%s:%s", d.VID, d.PID)
}

// PciDevice is the normalized record for a PCI device.
type PciDevice struct {
	Address     string // DDDD:BB:DD.F
	VID         string
	DID         string
	Description string
	Class       uint8
	Subclass    uint8
	ProgIf      uint8
	Driver      string
}

// Key returns the Attachment Registry identity for this device.
func (d PciDevice) Key() Key {
	return Key{Kind: KindPCI, PciAddr: d.Address}
}

func (d PciDevice) FriendlyName() string {
	if d.Description != "" {
		return fmt.Sprintf("%s (%s:%s)", d.Description, d.VID, d.DID)
	}
	return fmt.Sprintf("%s:%s", d.VID, d.DID)
}

// EvdevDevice is the normalized record for an input passthrough device.
type EvdevDevice struct {
	Node   string // /dev/input/eventN
	Name   string
	Phys   string
	Unique string
}

func (d EvdevDevice) Key() Key {
	return Key{Kind: KindEvdev, Node: d.Node}
}

// Key uniquely names a device in the Attachment Registry (spec.md §3's
// device_key). Exactly the fields relevant to Kind are populated.
type Key struct {
	Kind    Kind
	Bus     int
	Address int
	PciAddr string
	Node    string
}

// String renders a Key for logging, e.g. "usb:1:4" or "pci:0000:a2:00.0".
func (k Key) String() string {
	switch k.Kind {
	case KindUSB:
		return fmt.Sprintf("usb:%d:%d", k.Bus, k.Address)
	case KindPCI:
		return fmt.Sprintf("pci:%s", k.PciAddr)
	case KindEvdev:
		return fmt.Sprintf("evdev:%s", k.Node)
	default:
		return "unknown"
	}
}
