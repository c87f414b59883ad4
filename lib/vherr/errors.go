// Package vherr defines the error kinds from the daemon's error-handling
// design as sentinel errors, following the same pattern the teacher uses
// in lib/devices/errors.go: plain errors.New values, wrapped with %w at
// each layer and compared with errors.Is at response-mapping boundaries.
package vherr

import "errors"

var (
	// ConfigInvalid: rejected at startup, process exits non-zero.
	ConfigInvalid = errors.New("invalid configuration")

	// NoSuchDevice: a selector matched zero devices.
	NoSuchDevice = errors.New("no such device")

	// Ambiguous: a selector matched more than one device.
	Ambiguous = errors.New("ambiguous")

	// AlreadyAttached: the device is already bound to a VM in the registry.
	AlreadyAttached = errors.New("already attached")

	// NotAttached: the device has no registry entry.
	NotAttached = errors.New("not attached")

	// VmUnreachable: connect/IO error talking to a hypervisor adapter.
	VmUnreachable = errors.New("vm unreachable")

	// ProtocolError: malformed reply or unknown command from a hypervisor.
	ProtocolError = errors.New("protocol error")

	// Unsupported: the operation or subsystem has no adapter capability.
	Unsupported = errors.New("unsupported")

	// Timeout: a command deadline elapsed.
	Timeout = errors.New("timeout")

	// SourceLost: the kernel device source's monitor descriptor died.
	SourceLost = errors.New("device source lost")

	// DeviceBusy: the hypervisor reports the id already exists.
	DeviceBusy = errors.New("device busy")

	// UnknownAction: the API request's action field did not match any handler.
	UnknownAction = errors.New("unknown action")

	// InvalidJSON: a request line did not parse as a JSON object.
	InvalidJSON = errors.New("invalid json")

	// NoVMSelected: a rule matched more than one RuleSet and no target was chosen.
	NoVMSelected = errors.New("no vm selected")
)
