package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tiiuae/vhotplug/lib/device"
	"github.com/tiiuae/vhotplug/lib/vherr"
)

func usbKey(bus, addr int) device.Key {
	return device.Key{Kind: device.KindUSB, Bus: bus, Address: addr}
}

func TestInsert_SingleOwnerInvariant(t *testing.T) {
	r := New()
	key := usbKey(1, 4)

	require.NoError(t, r.Insert(key, device.KindUSB, "vm1"))

	err := r.Insert(key, device.KindUSB, "vm2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, vherr.AlreadyAttached))

	a, ok := r.Get(key)
	require.True(t, ok)
	assert.Equal(t, "vm1", a.VmName)
}

func TestRemove_NotAttached(t *testing.T) {
	r := New()
	_, err := r.Remove(usbKey(1, 4))
	require.Error(t, err)
	assert.True(t, errors.Is(err, vherr.NotAttached))
}

func TestRemove_ClearsEntry(t *testing.T) {
	r := New()
	key := usbKey(1, 4)
	require.NoError(t, r.Insert(key, device.KindUSB, "vm1"))

	a, err := r.Remove(key)
	require.NoError(t, err)
	assert.Equal(t, "vm1", a.VmName)

	_, ok := r.Get(key)
	assert.False(t, ok)
}

func TestListByVM(t *testing.T) {
	r := New()
	require.NoError(t, r.Insert(usbKey(1, 4), device.KindUSB, "vm1"))
	require.NoError(t, r.Insert(usbKey(1, 5), device.KindUSB, "vm2"))

	got := r.ListByVM("vm1")
	require.Len(t, got, 1)
	assert.Equal(t, usbKey(1, 4), got[0].Key)
}

func TestDisconnectedSet_SuppressesUntilCleared(t *testing.T) {
	r := New()
	key := usbKey(1, 4)

	assert.False(t, r.IsDisconnected(key))
	r.MarkDisconnected(key)
	assert.True(t, r.IsDisconnected(key))
	r.ClearDisconnected(key)
	assert.False(t, r.IsDisconnected(key))
}

func TestInsert_ClearsDisconnectedAndRecordsSelection(t *testing.T) {
	r := New()
	key := usbKey(1, 4)
	r.MarkDisconnected(key)

	require.NoError(t, r.Insert(key, device.KindUSB, "vm1"))

	assert.False(t, r.IsDisconnected(key))
	vm, ok := r.SelectedVM(key)
	require.True(t, ok)
	assert.Equal(t, "vm1", vm)
}

func TestRecordSelection_SurvivesAfterRemove(t *testing.T) {
	r := New()
	key := usbKey(1, 4)
	require.NoError(t, r.Insert(key, device.KindUSB, "vm1"))
	r.RecordSelection(key, "vm2")
	_, err := r.Remove(key)
	require.NoError(t, err)

	vm, ok := r.SelectedVM(key)
	require.True(t, ok)
	assert.Equal(t, "vm2", vm)
}
