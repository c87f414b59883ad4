package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiiuae/vhotplug/lib/config"
	"github.com/tiiuae/vhotplug/lib/device"
	"github.com/tiiuae/vhotplug/lib/orchestrator"
	"github.com/tiiuae/vhotplug/lib/vherr"
)

type fakeDispatcher struct {
	usbDevices  []orchestrator.UsbDetail
	pciDevices  []orchestrator.PciDetail
	attachErr   error
	attachVm    string
	attachSel   orchestrator.Selector
	suspendErr  error
	suspendVm   string
	suspendKind string
}

func (f *fakeDispatcher) UsbListDetailed(ctx context.Context) ([]orchestrator.UsbDetail, error) {
	return f.usbDevices, nil
}

func (f *fakeDispatcher) PciListDetailed(ctx context.Context) ([]orchestrator.PciDetail, error) {
	return f.pciDevices, nil
}

func (f *fakeDispatcher) UsbAttach(ctx context.Context, sel orchestrator.Selector, vm string) error {
	f.attachSel = sel
	f.attachVm = vm
	return f.attachErr
}

func (f *fakeDispatcher) UsbDetach(ctx context.Context, sel orchestrator.Selector) error {
	return f.attachErr
}

func (f *fakeDispatcher) PciAttach(ctx context.Context, sel orchestrator.Selector, vm string) error {
	return f.attachErr
}

func (f *fakeDispatcher) PciDetach(ctx context.Context, sel orchestrator.Selector) error {
	return f.attachErr
}

func (f *fakeDispatcher) UsbSuspendAll(ctx context.Context, vm string) error {
	f.suspendKind, f.suspendVm = "usb_suspend", vm
	return f.suspendErr
}

func (f *fakeDispatcher) UsbResumeAll(ctx context.Context, vm string) error {
	f.suspendKind, f.suspendVm = "usb_resume", vm
	return f.suspendErr
}

func (f *fakeDispatcher) PciSuspendAll(ctx context.Context, vm string) error {
	f.suspendKind, f.suspendVm = "pci_suspend", vm
	return f.suspendErr
}

func (f *fakeDispatcher) PciResumeAll(ctx context.Context, vm string) error {
	f.suspendKind, f.suspendVm = "pci_resume", vm
	return f.suspendErr
}

func startTestServer(t *testing.T, disp Dispatcher) (*Server, string) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "vhotplug.sock")
	cfg := config.ApiConfig{
		Enable:     true,
		Transports: []string{"unix"},
		UnixSocket: sockPath,
	}
	s := NewServer(cfg, disp, nil)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop() })
	return s, sockPath
}

func dialAndRoundtrip(t *testing.T, sockPath string, req map[string]any) Response {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	b, err := json.Marshal(req)
	require.NoError(t, err)
	b = append(b, '\n')
	_, err = conn.Write(b)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())

	var resp Response
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	return resp
}

func TestServer_UsbList(t *testing.T) {
	disp := &fakeDispatcher{
		usbDevices: []orchestrator.UsbDetail{
			{
				Device:     device.UsbDevice{Bus: 1, Address: 4, VID: "1234", PID: "5678", VendorName: "Acme"},
				AllowedVms: []string{"vm1"},
			},
		},
	}
	_, sockPath := startTestServer(t, disp)

	resp := dialAndRoundtrip(t, sockPath, map[string]any{"action": "usb_list"})
	assert.Equal(t, "ok", resp.Result)
	require.Len(t, resp.UsbDevices, 1)
	assert.Equal(t, "1234", resp.UsbDevices[0].VID)
	assert.Equal(t, []string{"vm1"}, resp.UsbDevices[0].AllowedVms)
}

func TestServer_UnknownAction(t *testing.T) {
	disp := &fakeDispatcher{}
	_, sockPath := startTestServer(t, disp)

	resp := dialAndRoundtrip(t, sockPath, map[string]any{"action": "bogus"})
	assert.Equal(t, "failed", resp.Result)
	assert.Equal(t, "unknown action", resp.Error)
}

func TestServer_InvalidJSON_KeepsConnectionOpen(t *testing.T) {
	disp := &fakeDispatcher{}
	_, sockPath := startTestServer(t, disp)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("not json\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())
	var resp Response
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	assert.Equal(t, "failed", resp.Result)
	assert.Equal(t, "invalid json", resp.Error)

	b, err := json.Marshal(map[string]any{"action": "usb_list"})
	require.NoError(t, err)
	b = append(b, '\n')
	_, err = conn.Write(b)
	require.NoError(t, err)
	require.True(t, scanner.Scan())
}

func TestServer_UsbAttach_AmbiguousSurfacesAsFailed(t *testing.T) {
	disp := &fakeDispatcher{attachErr: vherr.Ambiguous}
	_, sockPath := startTestServer(t, disp)

	resp := dialAndRoundtrip(t, sockPath, map[string]any{
		"action": "usb_attach", "vid": "1111", "pid": "2222", "vm": "vm1",
	})
	assert.Equal(t, "failed", resp.Result)
	assert.Equal(t, "ambiguous", resp.Error)
}

func TestServer_UsbAttach_MissingSelector(t *testing.T) {
	disp := &fakeDispatcher{}
	_, sockPath := startTestServer(t, disp)

	resp := dialAndRoundtrip(t, sockPath, map[string]any{"action": "usb_attach", "vm": "vm1"})
	assert.Equal(t, "failed", resp.Result)
}

func TestServer_UsbSuspend_DispatchesWithVmScope(t *testing.T) {
	disp := &fakeDispatcher{}
	_, sockPath := startTestServer(t, disp)

	resp := dialAndRoundtrip(t, sockPath, map[string]any{"action": "usb_suspend", "vm": "vm1"})
	assert.Equal(t, "ok", resp.Result)
	assert.Equal(t, "usb_suspend", disp.suspendKind)
	assert.Equal(t, "vm1", disp.suspendVm)
}

func TestServer_UsbResume_NoVmMeansAll(t *testing.T) {
	disp := &fakeDispatcher{}
	_, sockPath := startTestServer(t, disp)

	resp := dialAndRoundtrip(t, sockPath, map[string]any{"action": "usb_resume"})
	assert.Equal(t, "ok", resp.Result)
	assert.Equal(t, "usb_resume", disp.suspendKind)
	assert.Equal(t, "", disp.suspendVm)
}

func TestServer_PciSuspendResume_Dispatch(t *testing.T) {
	disp := &fakeDispatcher{}
	_, sockPath := startTestServer(t, disp)

	resp := dialAndRoundtrip(t, sockPath, map[string]any{"action": "pci_suspend", "vm": "vm2"})
	assert.Equal(t, "ok", resp.Result)
	assert.Equal(t, "pci_suspend", disp.suspendKind)

	resp = dialAndRoundtrip(t, sockPath, map[string]any{"action": "pci_resume", "vm": "vm2"})
	assert.Equal(t, "ok", resp.Result)
	assert.Equal(t, "pci_resume", disp.suspendKind)
}

func TestServer_UsbSuspend_DispatcherErrorSurfacesAsFailed(t *testing.T) {
	disp := &fakeDispatcher{suspendErr: vherr.VmUnreachable}
	_, sockPath := startTestServer(t, disp)

	resp := dialAndRoundtrip(t, sockPath, map[string]any{"action": "usb_suspend"})
	assert.Equal(t, "failed", resp.Result)
	assert.Equal(t, "vm unreachable", resp.Error)
}

func TestServer_AllowedPeer_NonVsockAlwaysAllowed(t *testing.T) {
	s := &Server{cfg: config.ApiConfig{AllowedCids: []uint32{3}}}
	conn1, conn2 := net.Pipe()
	defer conn1.Close()
	defer conn2.Close()
	assert.True(t, s.allowedPeer(conn1))
}

func TestErrorMessage_MapsKnownSentinels(t *testing.T) {
	assert.Equal(t, "no such device", errorMessage(vherr.NoSuchDevice))
	assert.Equal(t, "already attached", errorMessage(errors.Join(vherr.AlreadyAttached)))
}
