// Package registry is the in-memory Attachment Registry (spec.md §4.5):
// a bidirectional device_key <-> vm_name map, generalized from the
// teacher's lib/devices/manager.go mutex-guarded CRUD shape with its
// on-disk JSON persistence dropped (vhotplug's Non-goals exclude
// cross-restart attachment-state persistence). Also holds the
// supplemented DisconnectedSet (operator-detach suppression, grounded
// on original_source/vhotplug/devicestate.py) and DeviceSelection
// (in-run VM auto-select memory, same source) records. All mutations
// originate from the Orchestrator, preserving invariant I1.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/tiiuae/vhotplug/lib/device"
	"github.com/tiiuae/vhotplug/lib/vherr"
)

// Attachment records a committed device<->VM binding (spec.md §3).
type Attachment struct {
	Key        device.Key
	VmName     string
	Kind       device.Kind
	AttachedAt time.Time
}

// Registry is the Attachment Registry.
type Registry struct {
	mu           sync.RWMutex
	byKey        map[device.Key]Attachment
	disconnected map[device.Key]bool
	selected     map[device.Key]string // last VM a device was attached/selected to
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byKey:        make(map[device.Key]Attachment),
		disconnected: make(map[device.Key]bool),
		selected:     make(map[device.Key]string),
	}
}

// Insert records a new attachment. Fails with vherr.AlreadyAttached if
// key is already bound, preserving I1.
func (r *Registry) Insert(key device.Key, kind device.Kind, vmName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byKey[key]; ok {
		return fmt.Errorf("%w: %s", vherr.AlreadyAttached, existing.VmName)
	}
	r.byKey[key] = Attachment{Key: key, VmName: vmName, Kind: kind, AttachedAt: timeNow()}
	r.selected[key] = vmName
	delete(r.disconnected, key)
	return nil
}

// Remove clears an attachment and returns it, or vherr.NotAttached if
// key wasn't bound.
func (r *Registry) Remove(key device.Key) (Attachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byKey[key]
	if !ok {
		return Attachment{}, fmt.Errorf("%w: %s", vherr.NotAttached, key)
	}
	delete(r.byKey, key)
	return a, nil
}

// Get returns the current attachment for key, if any.
func (r *Registry) Get(key device.Key) (Attachment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byKey[key]
	return a, ok
}

// ListByVM returns every attachment currently bound to vmName.
func (r *Registry) ListByVM(vmName string) []Attachment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Attachment
	for _, a := range r.byKey {
		if a.VmName == vmName {
			out = append(out, a)
		}
	}
	return out
}

// ListByKind returns every attachment of the given kind.
func (r *Registry) ListByKind(kind device.Kind) []Attachment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Attachment
	for _, a := range r.byKey {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// MarkDisconnected records key as explicitly operator-detached, so the
// Orchestrator's add(usb) handler suppresses auto-reattach until the
// device is unplugged and replugged (original_source/vhotplug/
// devicestate.py's disconnected set).
func (r *Registry) MarkDisconnected(key device.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected[key] = true
}

// ClearDisconnected removes key from the disconnected set. The
// Orchestrator calls it when the device is physically removed; Insert
// also clears the entry on every successful attach.
func (r *Registry) ClearDisconnected(key device.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.disconnected, key)
}

// IsDisconnected reports whether key is in the operator-detached set.
func (r *Registry) IsDisconnected(key device.Key) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disconnected[key]
}

// RecordSelection remembers the VM a usb_select_vm ambiguity was
// resolved to, so a future reconnect of the same device can auto-select
// it again without re-prompting (devicestate.py's
// get_selected_vm_for_device/record). This memory is in-process only
// and is lost on restart, respecting the Non-goal against persisting
// attachment state across restarts.
func (r *Registry) RecordSelection(key device.Key, vmName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selected[key] = vmName
}

// SelectedVM returns the last VM a device was attached or explicitly
// selected to, if any.
func (r *Registry) SelectedVM(key device.Key) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	vm, ok := r.selected[key]
	return vm, ok
}

var timeNow = time.Now
