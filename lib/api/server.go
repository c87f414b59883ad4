package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/nrednav/cuid2"

	"github.com/tiiuae/vhotplug/lib/config"
	"github.com/tiiuae/vhotplug/lib/logger"
	"github.com/tiiuae/vhotplug/lib/orchestrator"
	"github.com/tiiuae/vhotplug/lib/vherr"
)

const (
	writeDeadline       = 5 * time.Second
	notificationBacklog = 64
)

// Dispatcher is the subset of Orchestrator the API server drives; kept
// as an interface so server_test.go can substitute a fake.
type Dispatcher interface {
	UsbListDetailed(ctx context.Context) ([]orchestrator.UsbDetail, error)
	PciListDetailed(ctx context.Context) ([]orchestrator.PciDetail, error)
	UsbAttach(ctx context.Context, sel orchestrator.Selector, vm string) error
	UsbDetach(ctx context.Context, sel orchestrator.Selector) error
	PciAttach(ctx context.Context, sel orchestrator.Selector, vm string) error
	PciDetach(ctx context.Context, sel orchestrator.Selector) error
	UsbSuspendAll(ctx context.Context, vm string) error
	UsbResumeAll(ctx context.Context, vm string) error
	PciSuspendAll(ctx context.Context, vm string) error
	PciResumeAll(ctx context.Context, vm string) error
}

var _ Dispatcher = (*orchestrator.Orchestrator)(nil)

// Server runs the enabled transports of spec.md §4.7: TCP, VSOCK (with
// optional allowedCids filtering), and UNIX, each accepting many
// concurrent newline-JSON connections. Modeled on the teacher's
// lib/dns.Server Start/Stop/mutex+running idiom, generalized from one
// UDP socket to N listeners of mixed transport kinds.
type Server struct {
	cfg        config.ApiConfig
	dispatcher Dispatcher
	log        *slog.Logger

	mu        sync.Mutex
	listeners []net.Listener
	running   bool

	subsMu sync.Mutex
	subs   map[string]chan Notification
}

// NewServer constructs a Server that dispatches to dispatcher. dispatcher
// may be nil at construction time and set later with SetDispatcher — the
// Orchestrator and the Server are mutually referential (the Orchestrator
// needs the Server as its Notifier, the Server needs the Orchestrator as
// its Dispatcher), so callers typically wire one side after the other.
func NewServer(cfg config.ApiConfig, dispatcher Dispatcher, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		log:        log,
		subs:       make(map[string]chan Notification),
	}
}

// SetDispatcher assigns the Dispatcher a Server constructed with a nil
// dispatcher will use for subsequent requests.
func (s *Server) SetDispatcher(dispatcher Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher = dispatcher
}

// Publish implements orchestrator.Notifier: it fans event out to every
// subscribed client in commit order (spec.md §4.7, §5 — "preserve
// Orchestrator commit order" per client).
func (s *Server) Publish(event string, fields map[string]any) {
	n := Notification{Event: event}
	if vm, ok := fields["vm"].(string); ok {
		n.Vm = vm
	}
	if vms, ok := fields["allowed_vms"].([]string); ok {
		n.AllowedVms = vms
	}

	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- n:
		default:
			// Bounded queue overflow: drop the client, never drop state
			// (spec.md §4.7's explicit backpressure policy).
			close(ch)
			delete(s.subs, id)
			s.log.Warn("notification queue overflow, disconnecting client", "client", id)
		}
	}
}

func (s *Server) subscribe() (string, chan Notification) {
	id := cuid2.Generate()
	ch := make(chan Notification, notificationBacklog)
	s.subsMu.Lock()
	s.subs[id] = ch
	s.subsMu.Unlock()
	return id, ch
}

func (s *Server) unsubscribe(id string) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if ch, ok := s.subs[id]; ok {
		close(ch)
		delete(s.subs, id)
	}
}

// Start binds every enabled transport in cfg.Transports and begins
// accepting connections in background goroutines.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if !s.cfg.Enable {
		return nil
	}

	for _, transport := range s.cfg.Transports {
		l, err := s.listen(transport)
		if err != nil {
			s.closeListenersLocked()
			return fmt.Errorf("listen %s: %w", transport, err)
		}
		s.listeners = append(s.listeners, l)
		s.log.Info("api listener started", "transport", transport, "addr", l.Addr().String())
		go s.acceptLoop(ctx, l)
	}

	s.running = true
	return nil
}

func (s *Server) listen(transport string) (net.Listener, error) {
	switch transport {
	case "tcp":
		return net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
	case "vsock":
		return vsock.Listen(uint32(s.cfg.Port), nil)
	case "unix":
		return net.Listen("unix", s.cfg.UnixSocket)
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}

// Stop closes every listener. In-flight connections drain on their own.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.closeListenersLocked()
	s.running = false
	return nil
}

func (s *Server) closeListenersLocked() {
	for _, l := range s.listeners {
		_ = l.Close()
	}
	s.listeners = nil
}

func (s *Server) acceptLoop(ctx context.Context, l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "err", err)
			continue
		}
		if !s.allowedPeer(conn) {
			s.log.Warn("rejecting vsock peer outside allowedCids", "remote", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}
		go s.serve(ctx, conn)
	}
}

func (s *Server) allowedPeer(conn net.Conn) bool {
	if len(s.cfg.AllowedCids) == 0 {
		return true
	}
	addr, ok := conn.RemoteAddr().(*vsock.Addr)
	if !ok {
		return true // not a vsock connection, filter does not apply
	}
	for _, cid := range s.cfg.AllowedCids {
		if addr.ContextID == cid {
			return true
		}
	}
	return false
}

// serve drives one client connection: newline-JSON requests in,
// responses out, plus any subscribed notifications, until the
// connection closes (spec.md §4.7).
func (s *Server) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	clientID, notifyCh := s.subscribe()
	defer s.unsubscribe(clientID)

	ctx = logger.AddToContext(ctx, logger.FromContext(ctx).With("client", clientID))
	writeMu := &sync.Mutex{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readLoop(ctx, conn, writeMu)
	}()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case n, ok := <-notifyCh:
			if !ok {
				return
			}
			if err := writeLine(conn, writeMu, n); err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn net.Conn, writeMu *sync.Mutex) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		resp := s.handleLine(ctx, line)
		if err := writeLine(conn, writeMu, resp); err != nil {
			return
		}
	}
}

func writeLine(conn net.Conn, writeMu *sync.Mutex, v any) error {
	b, err := marshalLine(v)
	if err != nil {
		return err
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	_, err = conn.Write(b)
	return err
}

func (s *Server) handleLine(ctx context.Context, line []byte) Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return failedResponse("invalid json")
	}

	switch req.Action {
	case "enable_notifications":
		return okResponse()
	case "usb_list":
		return s.handleUsbList(ctx)
	case "usb_attach":
		return s.handleUsbAttach(ctx, req)
	case "usb_detach":
		return s.handleUsbDetach(ctx, req)
	case "pci_list":
		return s.handlePciList(ctx)
	case "pci_attach":
		return s.handlePciAttach(ctx, req)
	case "pci_detach":
		return s.handlePciDetach(ctx, req)
	case "usb_suspend":
		return s.handleResult(s.dispatcher.UsbSuspendAll(ctx, req.Vm))
	case "usb_resume":
		return s.handleResult(s.dispatcher.UsbResumeAll(ctx, req.Vm))
	case "pci_suspend":
		return s.handleResult(s.dispatcher.PciSuspendAll(ctx, req.Vm))
	case "pci_resume":
		return s.handleResult(s.dispatcher.PciResumeAll(ctx, req.Vm))
	default:
		return failedResponse("unknown action")
	}
}

// handleResult turns a plain dispatcher error into the ok/failed envelope
// shared by the suspend/resume actions, none of which return a payload.
func (s *Server) handleResult(err error) Response {
	if err != nil {
		return failedResponse(errorMessage(err))
	}
	return okResponse()
}

func (s *Server) handleUsbList(ctx context.Context) Response {
	details, err := s.dispatcher.UsbListDetailed(ctx)
	if err != nil {
		return failedResponse(err.Error())
	}
	devices := make([]UsbDeviceJSON, 0, len(details))
	for _, d := range details {
		devices = append(devices, toUsbDeviceJSON(d))
	}
	resp := okResponse()
	resp.UsbDevices = devices
	return resp
}

func (s *Server) handlePciList(ctx context.Context) Response {
	details, err := s.dispatcher.PciListDetailed(ctx)
	if err != nil {
		return failedResponse(err.Error())
	}
	devices := make([]PciDeviceJSON, 0, len(details))
	for _, d := range details {
		devices = append(devices, toPciDeviceJSON(d))
	}
	resp := okResponse()
	resp.PciDevices = devices
	return resp
}

func (s *Server) handleUsbAttach(ctx context.Context, req Request) Response {
	sel, err := usbSelectorFromRequest(req)
	if err != nil {
		return failedResponse(err.Error())
	}
	if err := s.dispatcher.UsbAttach(ctx, sel, req.Vm); err != nil {
		return failedResponse(errorMessage(err))
	}
	return okResponse()
}

func (s *Server) handleUsbDetach(ctx context.Context, req Request) Response {
	sel, err := usbSelectorFromRequest(req)
	if err != nil {
		return failedResponse(err.Error())
	}
	if err := s.dispatcher.UsbDetach(ctx, sel); err != nil {
		return failedResponse(errorMessage(err))
	}
	return okResponse()
}

func (s *Server) handlePciAttach(ctx context.Context, req Request) Response {
	sel, err := pciSelectorFromRequest(req)
	if err != nil {
		return failedResponse(err.Error())
	}
	if err := s.dispatcher.PciAttach(ctx, sel, req.Vm); err != nil {
		return failedResponse(errorMessage(err))
	}
	return okResponse()
}

func (s *Server) handlePciDetach(ctx context.Context, req Request) Response {
	sel, err := pciSelectorFromRequest(req)
	if err != nil {
		return failedResponse(err.Error())
	}
	if err := s.dispatcher.PciDetach(ctx, sel); err != nil {
		return failedResponse(errorMessage(err))
	}
	return okResponse()
}

// usbSelectorFromRequest enforces "exactly one of {device_node}, {bus,
// port}, {vid, pid}" (spec.md §6).
func usbSelectorFromRequest(req Request) (orchestrator.Selector, error) {
	hasNode, hasBusPort, hasVidPid := req.DeviceNode != "", req.Bus != nil && req.Port != "", req.VID != "" && req.PID != ""
	if (hasNode && hasBusPort) || (hasNode && hasVidPid) || (hasBusPort && hasVidPid) {
		return orchestrator.Selector{}, fmt.Errorf("more than one selector provided")
	}
	switch {
	case req.DeviceNode != "":
		return orchestrator.Selector{DeviceNode: req.DeviceNode}, nil
	case req.Bus != nil && req.Port != "":
		return orchestrator.Selector{Bus: req.Bus, Port: req.Port}, nil
	case req.VID != "" && req.PID != "":
		return orchestrator.Selector{VID: req.VID, PID: req.PID}, nil
	default:
		return orchestrator.Selector{}, fmt.Errorf("no selector provided")
	}
}

// pciSelectorFromRequest enforces "exactly one of {address}, {vid, did}".
func pciSelectorFromRequest(req Request) (orchestrator.Selector, error) {
	if req.Address != "" && req.VID != "" && req.DID != "" {
		return orchestrator.Selector{}, fmt.Errorf("more than one selector provided")
	}
	switch {
	case req.Address != "":
		return orchestrator.Selector{Address: req.Address}, nil
	case req.VID != "" && req.DID != "":
		return orchestrator.Selector{VID: req.VID, DID: req.DID}, nil
	default:
		return orchestrator.Selector{}, fmt.Errorf("no selector provided")
	}
}

func errorMessage(err error) string {
	switch {
	case errors.Is(err, vherr.NoSuchDevice):
		return "no such device"
	case errors.Is(err, vherr.Ambiguous):
		return "ambiguous"
	case errors.Is(err, vherr.AlreadyAttached):
		return "already attached"
	case errors.Is(err, vherr.NotAttached):
		return "not attached"
	case errors.Is(err, vherr.VmUnreachable):
		return "vm unreachable"
	case errors.Is(err, vherr.ProtocolError):
		return "protocol error"
	case errors.Is(err, vherr.Unsupported):
		return "unsupported"
	case errors.Is(err, vherr.Timeout):
		return "timeout"
	default:
		return err.Error()
	}
}

func toUsbDeviceJSON(d orchestrator.UsbDetail) UsbDeviceJSON {
	return UsbDeviceJSON{
		DeviceNode:  d.Device.DeviceNode(),
		VID:         d.Device.VID,
		PID:         d.Device.PID,
		VendorName:  d.Device.VendorName,
		ProductName: d.Device.ProductName,
		Bus:         d.Device.Bus,
		Port:        d.Device.Port,
		AllowedVms:  d.AllowedVms,
		Vm:          d.Vm,
	}
}

func toPciDeviceJSON(d orchestrator.PciDetail) PciDeviceJSON {
	return PciDeviceJSON{
		Address:     d.Device.Address,
		VID:         d.Device.VID,
		DID:         d.Device.DID,
		Description: d.Device.Description,
		AllowedVms:  d.AllowedVms,
		Vm:          d.Vm,
	}
}
