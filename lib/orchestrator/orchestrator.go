// Package orchestrator is the sole mutator (spec.md §4.6): a
// mailbox-driven actor that serializes every Registry mutation and
// every call into a Hypervisor Adapter behind one goroutine's command
// loop, fed by kernel device events and API commands. There is no
// literal "channel actor" precedent in the teacher; this is new code
// grounded on the mailbox idiom spec.md §9 calls out ("any
// implementation strategy ... acceptable provided §5 ordering holds")
// and supervised the way cmd/api/main.go supervises its goroutines, via
// golang.org/x/sync/errgroup.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tiiuae/vhotplug/lib/config"
	"github.com/tiiuae/vhotplug/lib/device"
	"github.com/tiiuae/vhotplug/lib/hypervisor"
	"github.com/tiiuae/vhotplug/lib/logger"
	"github.com/tiiuae/vhotplug/lib/registry"
	"github.com/tiiuae/vhotplug/lib/rules"
	"github.com/tiiuae/vhotplug/lib/usbids"
	"github.com/tiiuae/vhotplug/lib/vherr"
	"github.com/tiiuae/vhotplug/lib/vhtelemetry"
)

// Notifier publishes an event to every subscribed API client, in the
// Orchestrator's commit order (spec.md §4.7, §5).
type Notifier interface {
	Publish(event string, fields map[string]any)
}

// Selector resolves an API attach/detach command's device selector
// against the Device Model (spec.md §6: device_node | bus,port | vid,pid
// for USB; address | vid,did for PCI).
type Selector struct {
	DeviceNode string
	Bus        *int
	Port       string
	VID        string
	PID        string
	Address    string
	DID        string
}

// Orchestrator is the single mutator of the Attachment Registry and the
// sole caller into Hypervisor Adapters.
type Orchestrator struct {
	cfg      *config.Config
	reg      *registry.Registry
	usbDB    *usbids.Database
	notify   Notifier
	counters *vhtelemetry.Counters
	mailbox  chan func()

	hypervisors map[string]hypervisor.Hypervisor
	usbModel    map[device.Key]device.UsbDevice
	pciModel    map[device.Key]device.PciDevice
}

// New constructs an Orchestrator. hypervisors must contain one adapter
// per VmSpec named in cfg.Vms, keyed by VM name. counters may be nil
// (telemetry is best-effort, per main.go's "continuing without it" on
// init failure).
func New(cfg *config.Config, reg *registry.Registry, usbDB *usbids.Database, notify Notifier, hypervisors map[string]hypervisor.Hypervisor, counters *vhtelemetry.Counters) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		reg:         reg,
		usbDB:       usbDB,
		notify:      notify,
		counters:    counters,
		mailbox:     make(chan func(), 256),
		hypervisors: hypervisors,
		usbModel:    make(map[device.Key]device.UsbDevice),
		pciModel:    make(map[device.Key]device.PciDevice),
	}
}

func (o *Orchestrator) countAttached(ctx context.Context) {
	if o.counters != nil {
		o.counters.Attached.Add(ctx, 1)
	}
}

func (o *Orchestrator) countDetached(ctx context.Context) {
	if o.counters != nil {
		o.counters.Detached.Add(ctx, 1)
	}
}

func (o *Orchestrator) countDenied(ctx context.Context) {
	if o.counters != nil {
		o.counters.Denied.Add(ctx, 1)
	}
}

// Run drains the mailbox until ctx is cancelled, the single serialized
// command loop spec.md §4.6/§5 requires.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-o.mailbox:
			fn()
		}
	}
}

// submit enqueues fn and blocks until it has run, giving callers a
// synchronous request/response feel over the async mailbox.
func (o *Orchestrator) submit(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case o.mailbox <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleKernelEvent enqueues a normalized kernel device event for
// processing, per spec.md §4.6's "Per kernel event" handling.
func (o *Orchestrator) HandleKernelEvent(ctx context.Context, ev device.Event) error {
	return o.submit(ctx, func() {
		switch ev.Kind {
		case device.KindUSB:
			o.handleUSBEvent(ctx, ev)
		case device.KindPCI:
			o.handlePCIEvent(ctx, ev)
		case device.KindEvdev:
			o.handleEvdevEvent(ctx, ev)
		}
	})
}

func (o *Orchestrator) log(ctx context.Context) *slog.Logger {
	return logger.FromContext(ctx)
}

func (o *Orchestrator) handleUSBEvent(ctx context.Context, ev device.Event) {
	key := ev.Key()
	switch ev.Type {
	case device.EventAdd, device.EventChange:
		o.usbModel[key] = *ev.USB
		o.attachUSBFromRules(ctx, key, *ev.USB)
	case device.EventRemove:
		delete(o.usbModel, key)
		o.detachAndNotify(ctx, key, device.KindUSB, "usb_detached", "usb_disconnected")
	}
}

func (o *Orchestrator) handlePCIEvent(ctx context.Context, ev device.Event) {
	key := ev.Key()
	switch ev.Type {
	case device.EventAdd, device.EventChange:
		o.pciModel[key] = *ev.PCI
		o.attachPCIFromRules(ctx, key, *ev.PCI)
	case device.EventRemove:
		delete(o.pciModel, key)
		o.detachAndNotify(ctx, key, device.KindPCI, "pci_detached", "pci_disconnected")
	}
}

func (o *Orchestrator) handleEvdevEvent(ctx context.Context, ev device.Event) {
	if o.cfg.EvdevPassthrough == nil || o.cfg.EvdevPassthrough.Disable {
		return
	}
	if ev.Type != device.EventAdd {
		return
	}
	vm := o.cfg.EvdevPassthrough.TargetVm
	hv, ok := o.hypervisors[vm]
	if !ok || !hv.Capabilities().SupportsEvdev {
		return
	}
	key := ev.Key()
	id := key.HypervisorID()
	if err := hv.AttachEvdev(ctx, id, *ev.Evdev); err != nil {
		o.log(ctx).Warn("evdev attach failed", "device", ev.Evdev.Node, "vm", vm, "err", err)
		return
	}
	if err := o.reg.Insert(key, device.KindEvdev, vm); err != nil {
		o.log(ctx).Warn("evdev registry insert failed", "device", ev.Evdev.Node, "err", err)
		return
	}
	// No notification event: spec.md §6's event vocabulary has no evdev
	// entry, and the original (evdev.py) is likewise silent on attach.
}

// attachUSBFromRules implements spec.md §4.6's add(usb) handling: boot
// device guard, disconnected-set suppression, Rule Engine consult,
// multi-VM ambiguity detection.
func (o *Orchestrator) attachUSBFromRules(ctx context.Context, key device.Key, dev device.UsbDevice) {
	o.notify.Publish("usb_connected", usbFields(dev))

	if dev.BootDevice {
		o.log(ctx).Info("skipping boot device", "device", dev.FriendlyName())
		return
	}
	if o.reg.IsDisconnected(key) {
		o.log(ctx).Debug("device is in the disconnected set, not auto-attaching", "device", dev.FriendlyName())
		return
	}
	if rules.IsUSBHub(dev.Interfaces) {
		return
	}

	cand := rules.FromUSB(dev)
	allowing := rules.AllowingVMs(o.cfg.UsbPassthrough, cand)
	if len(allowing) > 1 {
		// Replugging a device previously disambiguated by the operator
		// (RecordSelection on a prior UsbAttach/auto-attach) re-selects
		// the same VM instead of asking again, grounded on
		// devicestate.py's get_selected_vm_for_device/_autoselect_vm.
		if vm, ok := o.reg.SelectedVM(key); ok && containsString(allowing, vm) {
			o.doAttachUSB(ctx, key, dev, vm)
			return
		}
		o.notify.Publish("usb_select_vm", map[string]any{"allowed_vms": allowing, "device_node": dev.DeviceNode()})
		return
	}

	verdict := rules.Evaluate(o.cfg.UsbPassthrough, cand)
	switch verdict.Kind {
	case rules.VerdictAllow:
		o.doAttachUSB(ctx, key, dev, verdict.TargetVm)
	case rules.VerdictDisable, rules.VerdictDeny:
		o.countDenied(ctx)
	case rules.VerdictNoMatch:
		// usb_connected already published; no attach.
	}
}

func (o *Orchestrator) doAttachUSB(ctx context.Context, key device.Key, dev device.UsbDevice, vm string) {
	hv, ok := o.hypervisors[vm]
	if !ok {
		o.log(ctx).Warn("rule targets unknown vm", "vm", vm)
		return
	}
	id := key.HypervisorID()
	// spec.md §4.4: a QMP "device already exists" reply is DeviceBusy,
	// treated as attach success for idempotence of a crash-reconnect
	// replay rather than a failure.
	if err := hv.AttachUSB(ctx, id, dev); err != nil && !errors.Is(err, vherr.DeviceBusy) {
		o.log(ctx).Warn("usb attach failed", "device", dev.FriendlyName(), "vm", vm, "err", err)
		return
	}
	if err := o.reg.Insert(key, device.KindUSB, vm); err != nil {
		o.log(ctx).Warn("usb registry insert failed", "device", dev.FriendlyName(), "err", err)
		return
	}
	o.countAttached(ctx)
	o.notify.Publish("usb_attached", map[string]any{"vm": vm})
}

func (o *Orchestrator) attachPCIFromRules(ctx context.Context, key device.Key, dev device.PciDevice) {
	o.notify.Publish("pci_connected", pciFields(dev))

	if o.reg.IsDisconnected(key) {
		return
	}

	cand := rules.FromPCI(dev)
	allowing := rules.AllowingVMs(o.cfg.PciPassthrough, cand)
	if len(allowing) > 1 {
		if vm, ok := o.reg.SelectedVM(key); ok && containsString(allowing, vm) {
			o.doAttachPCI(ctx, key, dev, vm)
			return
		}
		o.notify.Publish("pci_select_vm", map[string]any{"allowed_vms": allowing, "address": dev.Address})
		return
	}

	verdict := rules.Evaluate(o.cfg.PciPassthrough, cand)
	if verdict.Kind != rules.VerdictAllow {
		if verdict.Kind == rules.VerdictDisable || verdict.Kind == rules.VerdictDeny {
			o.countDenied(ctx)
		}
		return
	}
	o.doAttachPCI(ctx, key, dev, verdict.TargetVm)
}

func (o *Orchestrator) doAttachPCI(ctx context.Context, key device.Key, dev device.PciDevice, vm string) {
	hv, ok := o.hypervisors[vm]
	if !ok || !hv.Capabilities().SupportsPCI {
		o.log(ctx).Warn("rule targets vm without pci support", "vm", vm)
		return
	}
	id := key.HypervisorID()
	if err := hv.AttachPCI(ctx, id, dev); err != nil && !errors.Is(err, vherr.DeviceBusy) {
		o.log(ctx).Warn("pci attach failed", "address", dev.Address, "vm", vm, "err", err)
		return
	}
	if err := o.reg.Insert(key, device.KindPCI, vm); err != nil {
		o.log(ctx).Warn("pci registry insert failed", "address", dev.Address, "err", err)
		return
	}
	o.countAttached(ctx)
	o.notify.Publish("pci_attached", map[string]any{"vm": vm})
}

// detachAndNotify implements spec.md §4.6's remove(usb)/remove(pci):
// best-effort detach (failure is non-fatal, the device is already
// physically gone), Registry cleared regardless, then the detached and
// disconnected events published (scenario 5 in spec.md §8). A device with
// no Registry entry gets only the disconnected event.
func (o *Orchestrator) detachAndNotify(ctx context.Context, key device.Key, kind device.Kind, attachedEvent, disconnectedEvent string) {
	// A physical remove always clears a prior operator-initiated
	// MarkDisconnected: the device must be unplugged and replugged before
	// auto-attach resumes, and the unplug just happened (SPEC_FULL.md
	// §4.6).
	o.reg.ClearDisconnected(key)
	a, err := o.reg.Remove(key)
	if err != nil {
		o.notify.Publish(disconnectedEvent, nil)
		return
	}
	o.countDetached(ctx)
	hv, ok := o.hypervisors[a.VmName]
	if ok {
		id := key.HypervisorID()
		if detachErr := detachByKind(ctx, hv, kind, id); detachErr != nil {
			o.log(ctx).Warn("best-effort detach failed, device is gone anyway", "vm", a.VmName, "err", detachErr)
		}
	}
	o.notify.Publish(attachedEvent, map[string]any{"vm": a.VmName})
	o.notify.Publish(disconnectedEvent, nil)
}

func detachByKind(ctx context.Context, hv hypervisor.Hypervisor, kind device.Kind, id string) error {
	switch kind {
	case device.KindUSB:
		return hv.DetachUSB(ctx, id)
	case device.KindPCI:
		return hv.DetachPCI(ctx, id)
	default:
		return fmt.Errorf("%w: detach for kind %s", vherr.Unsupported, kind)
	}
}

func usbFields(d device.UsbDevice) map[string]any {
	return map[string]any{
		"device_node":  d.DeviceNode(),
		"vid":          d.VID,
		"pid":          d.PID,
		"vendor_name":  d.VendorName,
		"product_name": d.ProductName,
		"bus":          d.Bus,
		"port":         d.Port,
	}
}

func pciFields(d device.PciDevice) map[string]any {
	return map[string]any{
		"address":     d.Address,
		"vid":         d.VID,
		"did":         d.DID,
		"description": d.Description,
	}
}

// --- API-driven commands (spec.md §4.6: "bypasses the Rule Engine") ---

// UsbAttach resolves sel against the current Device Model and attaches
// the matching device to vm, bypassing the Rule Engine. Fails with
// vherr.NoSuchDevice / vherr.Ambiguous on selector resolution, or
// vherr.AlreadyAttached if I1 would be violated.
func (o *Orchestrator) UsbAttach(ctx context.Context, sel Selector, vm string) error {
	var result error
	err := o.submit(ctx, func() {
		key, dev, err := o.resolveUSB(sel)
		if err != nil {
			result = err
			return
		}
		if dev.BootDevice {
			result = fmt.Errorf("%w: %s backs the host root filesystem", vherr.Unsupported, dev.FriendlyName())
			return
		}
		if existing, ok := o.reg.Get(key); ok {
			result = fmt.Errorf("%w: %s", vherr.AlreadyAttached, existing.VmName)
			return
		}
		hv, ok := o.hypervisors[vm]
		if !ok {
			result = fmt.Errorf("%w: vm %q", vherr.ConfigInvalid, vm)
			return
		}
		id := key.HypervisorID()
		if err := hv.AttachUSB(ctx, id, dev); err != nil && !errors.Is(err, vherr.DeviceBusy) {
			result = err
			return
		}
		if err := o.reg.Insert(key, device.KindUSB, vm); err != nil {
			result = err
			return
		}
		o.reg.RecordSelection(key, vm)
		o.countAttached(ctx)
		o.notify.Publish("usb_attached", map[string]any{"vm": vm})
	})
	if err != nil {
		return err
	}
	return result
}

// UsbDetach resolves sel and detaches the matching device from whatever
// VM currently owns it. The device is added to the DisconnectedSet so a
// subsequent kernel add of the same identity is not auto-reattached
// until it is physically removed and replugged (SPEC_FULL.md §4.6).
func (o *Orchestrator) UsbDetach(ctx context.Context, sel Selector) error {
	var result error
	err := o.submit(ctx, func() {
		key, _, rerr := o.resolveUSB(sel)
		if rerr != nil {
			result = rerr
			return
		}
		a, rerr := o.reg.Remove(key)
		if rerr != nil {
			result = rerr
			return
		}
		hv, ok := o.hypervisors[a.VmName]
		if ok {
			if derr := hv.DetachUSB(ctx, key.HypervisorID()); derr != nil {
				result = derr
				return
			}
		}
		o.reg.MarkDisconnected(key)
		o.countDetached(ctx)
		o.notify.Publish("usb_detached", map[string]any{"vm": a.VmName})
	})
	if err != nil {
		return err
	}
	return result
}

// PciAttach is the PCI analogue of UsbAttach.
func (o *Orchestrator) PciAttach(ctx context.Context, sel Selector, vm string) error {
	var result error
	err := o.submit(ctx, func() {
		key, dev, rerr := o.resolvePCI(sel)
		if rerr != nil {
			result = rerr
			return
		}
		if existing, ok := o.reg.Get(key); ok {
			result = fmt.Errorf("%w: %s", vherr.AlreadyAttached, existing.VmName)
			return
		}
		hv, ok := o.hypervisors[vm]
		if !ok || !hv.Capabilities().SupportsPCI {
			result = fmt.Errorf("%w: pci on vm %q", vherr.Unsupported, vm)
			return
		}
		id := key.HypervisorID()
		if aerr := hv.AttachPCI(ctx, id, dev); aerr != nil && !errors.Is(aerr, vherr.DeviceBusy) {
			result = aerr
			return
		}
		if ierr := o.reg.Insert(key, device.KindPCI, vm); ierr != nil {
			result = ierr
			return
		}
		o.reg.RecordSelection(key, vm)
		o.countAttached(ctx)
		o.notify.Publish("pci_attached", map[string]any{"vm": vm})
	})
	if err != nil {
		return err
	}
	return result
}

// PciDetach is the PCI analogue of UsbDetach.
func (o *Orchestrator) PciDetach(ctx context.Context, sel Selector) error {
	var result error
	err := o.submit(ctx, func() {
		key, _, rerr := o.resolvePCI(sel)
		if rerr != nil {
			result = rerr
			return
		}
		a, rerr := o.reg.Remove(key)
		if rerr != nil {
			result = rerr
			return
		}
		hv, ok := o.hypervisors[a.VmName]
		if ok {
			if derr := hv.DetachPCI(ctx, key.HypervisorID()); derr != nil {
				result = derr
				return
			}
		}
		o.reg.MarkDisconnected(key)
		o.countDetached(ctx)
		o.notify.Publish("pci_detached", map[string]any{"vm": a.VmName})
	})
	if err != nil {
		return err
	}
	return result
}

// UsbList returns a snapshot of every USB device in the Device Model.
func (o *Orchestrator) UsbList(ctx context.Context) ([]device.UsbDevice, error) {
	var out []device.UsbDevice
	err := o.submit(ctx, func() {
		out = make([]device.UsbDevice, 0, len(o.usbModel))
		for _, d := range o.usbModel {
			out = append(out, d)
		}
	})
	return out, err
}

// UsbDetail pairs a normalized USB device with the API-facing fields
// that require Rule Engine/Registry access: which VMs would be eligible
// to receive it, and which VM (if any) currently owns it.
type UsbDetail struct {
	Device     device.UsbDevice
	AllowedVms []string
	Vm         string
}

// PciDetail is the PCI analogue of UsbDetail.
type PciDetail struct {
	Device     device.PciDevice
	AllowedVms []string
	Vm         string
}

// UsbListDetailed is UsbList enriched with allowed_vms/vm, the shape
// spec.md §6's UsbDeviceJson needs.
func (o *Orchestrator) UsbListDetailed(ctx context.Context) ([]UsbDetail, error) {
	var out []UsbDetail
	err := o.submit(ctx, func() {
		out = make([]UsbDetail, 0, len(o.usbModel))
		for key, d := range o.usbModel {
			detail := UsbDetail{Device: d, AllowedVms: rules.AllowingVMs(o.cfg.UsbPassthrough, rules.FromUSB(d))}
			if a, ok := o.reg.Get(key); ok {
				detail.Vm = a.VmName
			}
			out = append(out, detail)
		}
	})
	return out, err
}

// PciListDetailed is PciList enriched with allowed_vms/vm.
func (o *Orchestrator) PciListDetailed(ctx context.Context) ([]PciDetail, error) {
	var out []PciDetail
	err := o.submit(ctx, func() {
		out = make([]PciDetail, 0, len(o.pciModel))
		for key, d := range o.pciModel {
			detail := PciDetail{Device: d, AllowedVms: rules.AllowingVMs(o.cfg.PciPassthrough, rules.FromPCI(d))}
			if a, ok := o.reg.Get(key); ok {
				detail.Vm = a.VmName
			}
			out = append(out, detail)
		}
	})
	return out, err
}

// PciList returns a snapshot of every PCI device in the Device Model.
func (o *Orchestrator) PciList(ctx context.Context) ([]device.PciDevice, error) {
	var out []device.PciDevice
	err := o.submit(ctx, func() {
		out = make([]device.PciDevice, 0, len(o.pciModel))
		for _, d := range o.pciModel {
			out = append(out, d)
		}
	})
	return out, err
}

func (o *Orchestrator) resolveUSB(sel Selector) (device.Key, device.UsbDevice, error) {
	var matches []device.Key
	for k, d := range o.usbModel {
		if usbSelectorMatches(sel, d) {
			matches = append(matches, k)
		}
	}
	switch len(matches) {
	case 0:
		return device.Key{}, device.UsbDevice{}, fmt.Errorf("%w: usb selector", vherr.NoSuchDevice)
	case 1:
		return matches[0], o.usbModel[matches[0]], nil
	default:
		return device.Key{}, device.UsbDevice{}, fmt.Errorf("%w: usb selector", vherr.Ambiguous)
	}
}

func (o *Orchestrator) resolvePCI(sel Selector) (device.Key, device.PciDevice, error) {
	var matches []device.Key
	for k, d := range o.pciModel {
		if pciSelectorMatches(sel, d) {
			matches = append(matches, k)
		}
	}
	switch len(matches) {
	case 0:
		return device.Key{}, device.PciDevice{}, fmt.Errorf("%w: pci selector", vherr.NoSuchDevice)
	case 1:
		return matches[0], o.pciModel[matches[0]], nil
	default:
		return device.Key{}, device.PciDevice{}, fmt.Errorf("%w: pci selector", vherr.Ambiguous)
	}
}

func usbSelectorMatches(sel Selector, d device.UsbDevice) bool {
	switch {
	case sel.DeviceNode != "":
		return d.DeviceNode() == sel.DeviceNode
	case sel.Bus != nil:
		return *sel.Bus == d.Bus && sel.Port == d.Port
	case sel.VID != "" || sel.PID != "":
		return sel.VID == d.VID && sel.PID == d.PID
	default:
		return false
	}
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func pciSelectorMatches(sel Selector, d device.PciDevice) bool {
	switch {
	case sel.Address != "":
		return sel.Address == d.Address
	case sel.VID != "" || sel.DID != "":
		return sel.VID == d.VID && sel.DID == d.DID
	default:
		return false
	}
}

// UsbSuspendAll detaches every currently-attached USB device that isn't
// excused by its matched rule's skipOnSuspend, optionally scoped to one
// VM (vm == "" applies to all VMs), grounded on
// original_source/vhotplug/device.py's detach_connected_usb and
// apiserver.py's _on_usb_suspend. Detaching does not remove the device
// from the Device Model or mark it disconnected; UsbResumeAll
// re-attaches it.
func (o *Orchestrator) UsbSuspendAll(ctx context.Context, vm string) error {
	return o.submit(ctx, func() {
		for key, dev := range o.usbModel {
			a, ok := o.reg.Get(key)
			if !ok || (vm != "" && a.VmName != vm) {
				continue
			}
			cand := rules.FromUSB(dev)
			_, rule := rules.EvaluateWithRule(o.cfg.UsbPassthrough, cand)
			if rule != nil && rule.SkipOnSuspend {
				continue
			}
			hv, ok := o.hypervisors[a.VmName]
			if !ok {
				continue
			}
			if err := hv.DetachUSB(ctx, key.HypervisorID()); err != nil {
				o.log(ctx).Warn("suspend detach failed", "device", dev.FriendlyName(), "err", err)
				continue
			}
			if _, err := o.reg.Remove(key); err != nil {
				o.log(ctx).Warn("suspend registry remove failed", "device", dev.FriendlyName(), "err", err)
			}
		}
	})
}

// UsbResumeAll re-evaluates the Rule Engine for every USB device
// currently in the Device Model, optionally scoped to one VM, and
// re-attaches anything UsbSuspendAll detached, grounded on device.py's
// attach_connected_usb and apiserver.py's _on_usb_resume.
func (o *Orchestrator) UsbResumeAll(ctx context.Context, vm string) error {
	return o.submit(ctx, func() {
		for key, dev := range o.usbModel {
			if _, ok := o.reg.Get(key); ok {
				continue
			}
			if dev.BootDevice || o.reg.IsDisconnected(key) || rules.IsUSBHub(dev.Interfaces) {
				continue
			}
			cand := rules.FromUSB(dev)
			verdict := rules.Evaluate(o.cfg.UsbPassthrough, cand)
			if verdict.Kind != rules.VerdictAllow {
				continue
			}
			if vm != "" && verdict.TargetVm != vm {
				continue
			}
			o.doAttachUSB(ctx, key, dev, verdict.TargetVm)
		}
	})
}

// PciSuspendAll is the PCI analogue of UsbSuspendAll.
func (o *Orchestrator) PciSuspendAll(ctx context.Context, vm string) error {
	return o.submit(ctx, func() {
		for key, dev := range o.pciModel {
			a, ok := o.reg.Get(key)
			if !ok || (vm != "" && a.VmName != vm) {
				continue
			}
			cand := rules.FromPCI(dev)
			_, rule := rules.EvaluateWithRule(o.cfg.PciPassthrough, cand)
			if rule != nil && rule.SkipOnSuspend {
				continue
			}
			hv, ok := o.hypervisors[a.VmName]
			if !ok {
				continue
			}
			if err := hv.DetachPCI(ctx, key.HypervisorID()); err != nil {
				o.log(ctx).Warn("suspend detach failed", "address", dev.Address, "err", err)
				continue
			}
			if _, err := o.reg.Remove(key); err != nil {
				o.log(ctx).Warn("suspend registry remove failed", "address", dev.Address, "err", err)
			}
		}
	})
}

// PciResumeAll is the PCI analogue of UsbResumeAll.
func (o *Orchestrator) PciResumeAll(ctx context.Context, vm string) error {
	return o.submit(ctx, func() {
		for key, dev := range o.pciModel {
			if _, ok := o.reg.Get(key); ok {
				continue
			}
			if o.reg.IsDisconnected(key) {
				continue
			}
			cand := rules.FromPCI(dev)
			verdict := rules.Evaluate(o.cfg.PciPassthrough, cand)
			if verdict.Kind != rules.VerdictAllow {
				continue
			}
			if vm != "" && verdict.TargetVm != vm {
				continue
			}
			o.doAttachPCI(ctx, key, dev, verdict.TargetVm)
		}
	})
}

// AttachConnected performs the --attach-connected startup sweep
// (spec.md §4.1): every already-enumerated device is pushed through the
// same handler live events use.
func (o *Orchestrator) AttachConnected(ctx context.Context, events []device.Event) error {
	for _, ev := range events {
		if err := o.HandleKernelEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// ReattachAfterRestart is called by the VM-restart watcher
// (lib/filewatch) when a VM's control socket file is created again
// (inotify IN_CREATE), grounded on original_source/vhotplug/filewatcher.py: every
// device the Registry still shows as owned by that VM is re-attached,
// since a VM restart loses all of the hypervisor's passthrough state.
func (o *Orchestrator) ReattachAfterRestart(ctx context.Context, vmName string) error {
	return o.submit(ctx, func() {
		for _, a := range o.reg.ListByVM(vmName) {
			switch a.Kind {
			case device.KindUSB:
				if dev, ok := o.usbModel[a.Key]; ok {
					hv, ok := o.hypervisors[vmName]
					if ok {
						if err := hv.AttachUSB(ctx, a.Key.HypervisorID(), dev); err != nil {
							o.log(ctx).Warn("re-attach after vm restart failed", "device", dev.FriendlyName(), "err", err)
						}
					}
				}
			case device.KindPCI:
				if dev, ok := o.pciModel[a.Key]; ok {
					hv, ok := o.hypervisors[vmName]
					if ok {
						if err := hv.AttachPCI(ctx, a.Key.HypervisorID(), dev); err != nil {
							o.log(ctx).Warn("re-attach after vm restart failed", "address", dev.Address, "err", err)
						}
					}
				}
			}
		}
	})
}

// EnableNotifications is a no-op at the Orchestrator layer; subscription
// bookkeeping lives in the API server's per-connection state
// (spec.md §4.7). lib/api answers enable_notifications itself and does
// not call this method; its Dispatcher interface does not include it.
func (o *Orchestrator) EnableNotifications(ctx context.Context) error {
	return o.submit(ctx, func() {})
}
