package qemu

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/tiiuae/vhotplug/lib/backoff"
	"github.com/tiiuae/vhotplug/lib/device"
	"github.com/tiiuae/vhotplug/lib/hypervisor"
	"github.com/tiiuae/vhotplug/lib/pcisys"
	"github.com/tiiuae/vhotplug/lib/vherr"
)

// Adapter is the QMP-backed hypervisor.Hypervisor for one VM, per
// spec.md §4.4. It owns a single QMP connection, reconnecting lazily
// (on the next command, not proactively). Each command makes at most one
// dial attempt; the backoff sequence is reset after a successful connect,
// and no delay is taken from it between attempts.
type Adapter struct {
	mu             sync.Mutex
	socketPath     string
	pcieBusPrefix  string
	client         *Client
	state          hypervisor.State
	backoff        *backoff.Sequence
	nextEvdevIndex int
}

// New returns a QMP adapter for a VM's control socket. pcieBusPrefix
// names the pcie root-port bus new evdev devices are attached under
// (e.g. "pcie", giving "pcie.0", "pcie.1", ...), per spec.md §4.4's
// `bus=<pcie_bus_prefix>.<N>`.
func New(socketPath, pcieBusPrefix string) *Adapter {
	return &Adapter{
		socketPath:    socketPath,
		pcieBusPrefix: pcieBusPrefix,
		state:         hypervisor.StateDisconnected,
		backoff:       backoff.DefaultQMP(),
	}
}

var _ hypervisor.Hypervisor = (*Adapter)(nil)

func (a *Adapter) Capabilities() hypervisor.Capabilities {
	return hypervisor.Capabilities{SupportsPCI: true, SupportsEvdev: true}
}

func (a *Adapter) State() hypervisor.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// ensureConnected reconnects lazily, per spec.md §4.4's state table:
// "reconnection is triggered lazily on the next command, not
// proactively". Caller must hold a.mu.
func (a *Adapter) ensureConnected() error {
	if a.state == hypervisor.StateClosed {
		return fmt.Errorf("%w: adapter closed", vherr.VmUnreachable)
	}
	if a.state == hypervisor.StateReady && a.client != nil {
		return nil
	}
	client, err := Dial(a.socketPath)
	if err != nil {
		a.state = hypervisor.StateDisconnected
		return fmt.Errorf("%w: %v", vherr.VmUnreachable, err)
	}
	a.client = client
	a.state = hypervisor.StateReady
	a.backoff.Reset()
	return nil
}

// AttachUSB issues device_add driver=usb-host hostbus=<bus>
// hostaddr=<address>, per spec.md §4.4.
func (a *Adapter) AttachUSB(ctx context.Context, id string, dev device.UsbDevice) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureConnected(); err != nil {
		return err
	}
	err := a.client.DeviceAdd("usb-host", map[string]any{
		"id":       id,
		"hostbus":  dev.Bus,
		"hostaddr": dev.Address,
	})
	return a.classify(err, "already exists")
}

// DetachUSB issues device_del id=<id>.
func (a *Adapter) DetachUSB(ctx context.Context, id string) error {
	return a.detach(id)
}

// AttachPCI binds the device to vfio-pci (if not already bound) and
// issues device_add driver=vfio-pci host=<address> id=<id>.
func (a *Adapter) AttachPCI(ctx context.Context, id string, dev device.PciDevice) error {
	if pcisys.CurrentDriver(dev.Address) != "vfio-pci" {
		if err := pcisys.BindVFIO(dev.Address); err != nil {
			return fmt.Errorf("%w: bind vfio-pci: %v", vherr.ProtocolError, err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureConnected(); err != nil {
		return err
	}
	err := a.client.DeviceAdd("vfio-pci", map[string]any{
		"id":   id,
		"host": dev.Address,
	})
	return a.classify(err, "already exists")
}

// DetachPCI issues device_del id=<id>.
func (a *Adapter) DetachPCI(ctx context.Context, id string) error {
	return a.detach(id)
}

// AttachEvdev issues device_add driver=virtio-input-host-pci
// evdev=<node> bus=<pcieBusPrefix>.<N>, allocating a fresh bus index
// per attach.
func (a *Adapter) AttachEvdev(ctx context.Context, id string, dev device.EvdevDevice) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureConnected(); err != nil {
		return err
	}
	bus := a.pcieBusPrefix + "." + strconv.Itoa(a.nextEvdevIndex)
	a.nextEvdevIndex++
	err := a.client.DeviceAdd("virtio-input-host-pci", map[string]any{
		"id":    id,
		"evdev": dev.Node,
		"bus":   bus,
	})
	return a.classify(err, "already exists")
}

func (a *Adapter) detach(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.ensureConnected(); err != nil {
		return err
	}
	err := a.client.DeviceDel(id)
	if err != nil {
		// DeviceBusy has no bearing on detach idempotence per spec.md
		// §4.4: "failure for detach".
		a.state = hypervisor.StateDisconnected
		return fmt.Errorf("%w: %v", vherr.ProtocolError, err)
	}
	return nil
}

// classify maps a QMP error into vherr per spec.md §4.4: a
// "device already exists" reply is DeviceBusy, treated as success for
// attach idempotence by the caller; anything else is a ProtocolError
// that drops the connection to Disconnected.
func (a *Adapter) classify(err error, alreadyExistsSubstring string) error {
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), strings.ToLower(alreadyExistsSubstring)) {
		return fmt.Errorf("%w: %v", vherr.DeviceBusy, err)
	}
	a.state = hypervisor.StateDisconnected
	return fmt.Errorf("%w: %v", vherr.ProtocolError, err)
}

// Shutdown closes the QMP connection and transitions to the terminal
// Closed state.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		_ = a.client.Close()
	}
	a.state = hypervisor.StateClosed
	return nil
}
