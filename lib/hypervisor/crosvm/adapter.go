// Package crosvm is the crosvm control-socket Hypervisor Adapter
// (spec.md §4.4). crosvm exposes no Go client library anywhere in the
// retrieval pack; like original_source/vhotplug/crosvmlink.py itself,
// this adapter shells out to the `crosvm` CLI and parses its
// whitespace-tokenized stdout — a faithful port of the original's own
// approach, not an avoidable fallback (DESIGN.md).
package crosvm

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/tiiuae/vhotplug/lib/device"
	"github.com/tiiuae/vhotplug/lib/hypervisor"
	"github.com/tiiuae/vhotplug/lib/vherr"
)

// Adapter drives one VM's crosvm control socket via the crosvm CLI.
type Adapter struct {
	mu         sync.Mutex
	socketPath string
	crosvmBin  string
	state      hypervisor.State
	byID       map[string]int // our stable device id -> crosvm's numeric usb index
}

// New returns a crosvm adapter for a VM's control socket. bin defaults
// to "crosvm" (resolved via PATH) when empty, matching CrosvmLink's
// __init__.
func New(socketPath, bin string) *Adapter {
	if bin == "" {
		bin = "crosvm"
	}
	return &Adapter{
		socketPath: socketPath,
		crosvmBin:  bin,
		state:      hypervisor.StateReady,
		byID:       make(map[string]int),
	}
}

var _ hypervisor.Hypervisor = (*Adapter)(nil)

// Capabilities reports USB-only support: "PCI and evdev passthrough are
// unsupported on crosvm" (spec.md §4.4).
func (a *Adapter) Capabilities() hypervisor.Capabilities {
	return hypervisor.Capabilities{SupportsPCI: false, SupportsEvdev: false}
}

func (a *Adapter) State() hypervisor.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Adapter) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, a.crosvmBin, args...)
	out, err := cmd.Output()
	if err != nil {
		a.mu.Lock()
		a.state = hypervisor.StateDisconnected
		a.mu.Unlock()
		return "", fmt.Errorf("%w: crosvm %s: %v", vherr.VmUnreachable, strings.Join(args, " "), err)
	}
	a.mu.Lock()
	a.state = hypervisor.StateReady
	a.mu.Unlock()
	return string(out), nil
}

// AttachUSB runs `crosvm usb attach 00:00:00:00 <devnode> <socket>`,
// grounded on CrosvmLink.add_usb_device (minus its boot-wait retry loop,
// which belongs to the Orchestrator's VM-restart handling, not the
// adapter).
func (a *Adapter) AttachUSB(ctx context.Context, id string, dev device.UsbDevice) error {
	out, err := a.run(ctx, "usb", "attach", "00:00:00:00", dev.DeviceNode(), a.socketPath)
	if err != nil {
		return err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty crosvm usb attach response", vherr.ProtocolError)
	}
	switch fields[0] {
	case "ok":
		if len(fields) < 2 {
			return fmt.Errorf("%w: malformed crosvm usb attach response %q", vherr.ProtocolError, out)
		}
		index, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("%w: non-numeric crosvm usb index %q", vherr.ProtocolError, fields[1])
		}
		a.mu.Lock()
		a.byID[id] = index
		a.mu.Unlock()
		return nil
	case "no_available_port":
		return fmt.Errorf("%w: no available crosvm usb port (VM not yet booted)", vherr.VmUnreachable)
	default:
		return fmt.Errorf("%w: unexpected crosvm usb attach result %q", vherr.ProtocolError, fields[0])
	}
}

// DetachUSB runs `crosvm usb detach <index> <socket>` against the index
// recorded by the matching AttachUSB.
func (a *Adapter) DetachUSB(ctx context.Context, id string) error {
	a.mu.Lock()
	index, ok := a.byID[id]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", vherr.NotAttached, id)
	}

	out, err := a.run(ctx, "usb", "detach", strconv.Itoa(index), a.socketPath)
	if err != nil {
		return err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 || fields[0] != "ok" {
		return fmt.Errorf("%w: unexpected crosvm usb detach result %q", vherr.ProtocolError, out)
	}
	a.mu.Lock()
	delete(a.byID, id)
	a.mu.Unlock()
	return nil
}

// List runs `crosvm usb list <socket>`, grounded on CrosvmLink.usb_list.
func (a *Adapter) List(ctx context.Context) ([]int, error) {
	out, err := a.run(ctx, "usb", "list", a.socketPath)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 || fields[0] != "devices" {
		return nil, fmt.Errorf("%w: unexpected crosvm usb list result %q", vherr.ProtocolError, out)
	}
	data := fields[1:]
	indices := make([]int, 0, len(data)/3)
	for i := 0; i+2 < len(data); i += 3 {
		index, err := strconv.Atoi(data[i])
		if err != nil {
			continue
		}
		indices = append(indices, index)
	}
	return indices, nil
}

// AttachPCI always fails: crosvm has no PCI passthrough control verb.
func (a *Adapter) AttachPCI(ctx context.Context, id string, dev device.PciDevice) error {
	return fmt.Errorf("%w: pci passthrough on crosvm", vherr.Unsupported)
}

// DetachPCI always fails, symmetric with AttachPCI.
func (a *Adapter) DetachPCI(ctx context.Context, id string) error {
	return fmt.Errorf("%w: pci passthrough on crosvm", vherr.Unsupported)
}

// AttachEvdev always fails: crosvm has no evdev passthrough control verb
// exposed over this control socket.
func (a *Adapter) AttachEvdev(ctx context.Context, id string, dev device.EvdevDevice) error {
	return fmt.Errorf("%w: evdev passthrough on crosvm", vherr.Unsupported)
}

// Shutdown marks the adapter closed; crosvm owns no persistent
// connection to release.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = hypervisor.StateClosed
	return nil
}
