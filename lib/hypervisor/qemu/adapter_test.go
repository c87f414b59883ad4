package qemu

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tiiuae/vhotplug/lib/device"
	"github.com/tiiuae/vhotplug/lib/hypervisor"
	"github.com/tiiuae/vhotplug/lib/vherr"
)

func TestNew_DefaultsToDisconnected(t *testing.T) {
	a := New("/tmp/does-not-exist.sock", "pcie")
	assert.Equal(t, hypervisor.StateDisconnected, a.State())
}

func TestCapabilities_SupportsPCIAndEvdev(t *testing.T) {
	a := New("/tmp/does-not-exist.sock", "pcie")
	caps := a.Capabilities()
	assert.True(t, caps.SupportsPCI)
	assert.True(t, caps.SupportsEvdev)
}

func TestAttachUSB_UnreachableSocketSurfacesVmUnreachable(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "missing.sock")
	a := New(sockPath, "pcie")

	err := a.AttachUSB(context.Background(), "vhp-usb-1-1", device.UsbDevice{Bus: 1, Address: 1})
	assert.ErrorIs(t, err, vherr.VmUnreachable)
	assert.Equal(t, hypervisor.StateDisconnected, a.State())
}

func TestDetachUSB_UnreachableSocketSurfacesVmUnreachable(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "missing.sock")
	a := New(sockPath, "pcie")

	err := a.DetachUSB(context.Background(), "vhp-usb-1-1")
	assert.ErrorIs(t, err, vherr.VmUnreachable)
}

func TestShutdown_TransitionsToClosedAndRejectsFurtherCommands(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "missing.sock")
	a := New(sockPath, "pcie")

	assert.NoError(t, a.Shutdown(context.Background()))
	assert.Equal(t, hypervisor.StateClosed, a.State())

	err := a.AttachUSB(context.Background(), "vhp-usb-1-1", device.UsbDevice{Bus: 1, Address: 1})
	assert.ErrorIs(t, err, vherr.VmUnreachable)
}

func TestClassify_AlreadyExistsMapsToDeviceBusy(t *testing.T) {
	a := New("/tmp/does-not-exist.sock", "pcie")
	err := a.classify(errors.New(`Duplicate ID "vhp-usb-1-1" for device`), `Duplicate ID`)
	assert.ErrorIs(t, err, vherr.DeviceBusy)
}

func TestClassify_OtherErrorMapsToProtocolErrorAndDisconnects(t *testing.T) {
	a := New("/tmp/does-not-exist.sock", "pcie")
	a.state = hypervisor.StateReady

	err := a.classify(errors.New("some other qmp failure"), "already exists")
	assert.ErrorIs(t, err, vherr.ProtocolError)
	assert.Equal(t, hypervisor.StateDisconnected, a.State())
}

func TestClassify_NilErrorPassesThrough(t *testing.T) {
	a := New("/tmp/does-not-exist.sock", "pcie")
	assert.NoError(t, a.classify(nil, "already exists"))
}
