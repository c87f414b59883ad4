// Package api implements the control-plane protocol of spec.md §4.7/§6:
// newline-delimited JSON over TCP, VSOCK, and UNIX listeners, dispatched
// to an Orchestrator and fanned out as notifications. The wire shapes
// below mirror spec.md §6's action/payload table exactly.
package api

import (
	"encoding/json"
)

// Request is the inbound envelope: {"action": <string>, ...}. Extra
// fields are decoded per-action from the same raw bytes.
type Request struct {
	Action string `json:"action"`

	// USB/PCI selector fields; exactly one selector group is populated
	// per spec.md §6.
	DeviceNode string `json:"device_node"`
	Bus        *int   `json:"bus"`
	Port       string `json:"port"`
	VID        string `json:"vid"`
	PID        string `json:"pid"`
	Address    string `json:"address"`
	DID        string `json:"did"`

	// Vm scopes an attach/detach to a specific VM, or a suspend/resume
	// sweep when non-empty; omitted (or empty) on usb_suspend/usb_resume/
	// pci_suspend/pci_resume means "every VM" (spec.md §4.7's `{vm?}`).
	Vm string `json:"vm"`
}

// Response is the outbound result envelope: {"result": "ok"|"failed", ...}.
type Response struct {
	Result     string          `json:"result"`
	Error      string          `json:"error,omitempty"`
	UsbDevices []UsbDeviceJSON `json:"usb_devices,omitempty"`
	PciDevices []PciDeviceJSON `json:"pci_devices,omitempty"`
}

// Notification is the server-push envelope: {"event": <string>, ...}.
type Notification struct {
	Event      string   `json:"event"`
	Vm         string   `json:"vm,omitempty"`
	AllowedVms []string `json:"allowed_vms,omitempty"`
}

// UsbDeviceJSON is the wire shape for usb_list, per spec.md §6.
type UsbDeviceJSON struct {
	DeviceNode  string   `json:"device_node"`
	VID         string   `json:"vid"`
	PID         string   `json:"pid"`
	VendorName  string   `json:"vendor_name"`
	ProductName string   `json:"product_name"`
	Bus         int      `json:"bus"`
	Port        string   `json:"port"`
	AllowedVms  []string `json:"allowed_vms"`
	Vm          string   `json:"vm,omitempty"`
}

// PciDeviceJSON is the wire shape for pci_list, per spec.md §6.
type PciDeviceJSON struct {
	Address     string   `json:"address"`
	VID         string   `json:"vid"`
	DID         string   `json:"did"`
	Description string   `json:"description,omitempty"`
	AllowedVms  []string `json:"allowed_vms"`
	Vm          string   `json:"vm,omitempty"`
}

func okResponse() Response {
	return Response{Result: "ok"}
}

func failedResponse(msg string) Response {
	return Response{Result: "failed", Error: msg}
}

func marshalLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
