// Package hypervisor defines the Hypervisor Adapter abstraction
// (spec.md §4.4): one adapter per VmSpec, speaking either QMP (qemu
// subpackage) or a crosvm control socket (crosvm subpackage) through a
// common capability-set interface. New hypervisors are added by
// implementing Hypervisor; unsupported operations return
// vherr.Unsupported, per spec.md §9's "adapter polymorphism" design
// note.
package hypervisor

import (
	"context"

	"github.com/tiiuae/vhotplug/lib/device"
)

// State is the adapter connection state machine of spec.md §4.4.
type State string

const (
	StateDisconnected State = "disconnected"
	StateReady        State = "ready"
	StateClosed       State = "closed"
)

// Capabilities indicates which optional attach operations an adapter
// supports; qemu supports all three, crosvm supports only USB
// (spec.md §4.4: "PCI and evdev passthrough are unsupported on crosvm").
type Capabilities struct {
	SupportsPCI   bool
	SupportsEvdev bool
}

// Hypervisor is the capability set spec.md §9 calls
// {attach_usb, detach_usb, attach_pci?, detach_pci?, attach_evdev?}.
// Every adapter owns exactly one VM's control socket. Commands reach an
// adapter one at a time from the Orchestrator's single command loop; the
// qemu adapter also holds its mutex for each whole QMP command, while the
// crosvm adapter's mutex guards only its state and index map.
type Hypervisor interface {
	// Capabilities reports which of the optional attach/detach methods
	// are meaningfully implemented.
	Capabilities() Capabilities

	// State reports the adapter's current connection state.
	State() State

	// AttachUSB issues the hypervisor-specific attach command for a USB
	// device, using id as the stable hypervisor-side device id.
	AttachUSB(ctx context.Context, id string, dev device.UsbDevice) error

	// DetachUSB issues the detach command for a previously attached USB
	// device, addressed by the same id AttachUSB used.
	DetachUSB(ctx context.Context, id string) error

	// AttachPCI issues the attach command for a PCI device.
	// Returns vherr.Unsupported if Capabilities().SupportsPCI is false.
	AttachPCI(ctx context.Context, id string, dev device.PciDevice) error

	// DetachPCI issues the detach command for a PCI device.
	DetachPCI(ctx context.Context, id string) error

	// AttachEvdev issues the attach command for an evdev passthrough
	// device. Returns vherr.Unsupported if Capabilities().SupportsEvdev
	// is false.
	AttachEvdev(ctx context.Context, id string, dev device.EvdevDevice) error

	// Shutdown closes the adapter's connection, transitioning it to the
	// terminal Closed state (spec.md §4.4: "shutdown() -> Closed").
	Shutdown(ctx context.Context) error
}
