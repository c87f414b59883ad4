// Package qemu is the QMP Hypervisor Adapter (spec.md §4.4): a
// line-delimited JSON channel to a running QEMU's control socket, with
// device_add/device_del as the core primitive for USB/PCI/evdev
// passthrough. Grounded on the teacher's lib/hypervisor/qemu/qmp.go,
// trimmed to drop VM-lifecycle methods (Stop/Continue/Quit/Migrate/...)
// that are out of scope for a daemon that only attaches/detaches
// devices on an already-running VM.
package qemu

import (
	"fmt"
	"time"

	"github.com/digitalocean/go-qemu/qemu"
	"github.com/digitalocean/go-qemu/qmp"
)

// connectTimeout bounds the initial QMP handshake.
const connectTimeout = 1 * time.Second

// Client wraps go-qemu's SocketMonitor/Domain with the single primitive
// the Hypervisor Adapter needs: Run, the generic QMP command escape
// hatch used for device_add/device_del.
type Client struct {
	domain *qemu.Domain
	mon    *qmp.SocketMonitor
}

// Dial connects to a running QEMU's QMP socket and performs the
// capabilities handshake.
func Dial(socketPath string) (*Client, error) {
	mon, err := qmp.NewSocketMonitor("unix", socketPath, connectTimeout)
	if err != nil {
		return nil, fmt.Errorf("create socket monitor: %w", err)
	}
	if err := mon.Connect(); err != nil {
		return nil, fmt.Errorf("connect to qmp: %w", err)
	}
	domain, err := qemu.NewDomain(mon, "vm")
	if err != nil {
		mon.Disconnect()
		return nil, fmt.Errorf("create domain: %w", err)
	}
	return &Client{domain: domain, mon: mon}, nil
}

// Close disconnects from the QMP socket.
func (c *Client) Close() error {
	return c.domain.Close()
}

// Run executes a raw QMP command, the primitive device_add/device_del
// ride on.
func (c *Client) Run(cmd qmp.Command) ([]byte, error) {
	return c.domain.Run(cmd)
}

// DeviceAdd issues `device_add` with the given driver and keyword
// arguments (spec.md §4.4).
func (c *Client) DeviceAdd(driver string, args map[string]any) error {
	cmdArgs := map[string]any{"driver": driver}
	for k, v := range args {
		cmdArgs[k] = v
	}
	_, err := c.Run(qmp.Command{Execute: "device_add", Args: cmdArgs})
	return err
}

// DeviceDel issues `device_del` for the given stable device id.
func (c *Client) DeviceDel(id string) error {
	_, err := c.Run(qmp.Command{Execute: "device_del", Args: map[string]any{"id": id}})
	return err
}
