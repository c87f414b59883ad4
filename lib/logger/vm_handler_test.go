package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVMLogHandler_WritesRecordsWithVmAttrToTheirOwnFile(t *testing.T) {
	dir := t.TempDir()
	logPath := func(vm string) string { return filepath.Join(dir, vm, "vhotplug.log") }

	base := slog.NewTextHandler(os.Stderr, nil)
	h := NewVMLogHandler(base, logPath)
	log := slog.New(h)

	log.Info("usb attach failed", "vm", "vm1", "device", "/dev/bus/usb/001/004")
	log.Info("no vm attribute here")

	contents, err := os.ReadFile(logPath("vm1"))
	require.NoError(t, err)
	assert.Contains(t, string(contents), "usb attach failed")
	assert.Contains(t, string(contents), "device=/dev/bus/usb/001/004")
	assert.NotContains(t, string(contents), "vm=vm1")

	_, err = os.Stat(filepath.Join(dir, "logs-without-vm"))
	assert.True(t, os.IsNotExist(err))
}

func TestVMLogHandler_WithAttrsCarriesVmFromPreAttrs(t *testing.T) {
	dir := t.TempDir()
	logPath := func(vm string) string { return filepath.Join(dir, vm, "vhotplug.log") }

	base := slog.NewTextHandler(os.Stderr, nil)
	h := NewVMLogHandler(base, logPath)
	log := slog.New(h).With("vm", "vm2")

	log.Warn("re-attach after vm restart failed", "err", "boom")

	contents, err := os.ReadFile(logPath("vm2"))
	require.NoError(t, err)
	assert.Contains(t, string(contents), "re-attach after vm restart failed")
	assert.Contains(t, string(contents), "err=boom")
}

func TestVMLogHandler_NoVmAttrWritesNoFile(t *testing.T) {
	dir := t.TempDir()
	logPath := func(vm string) string { return filepath.Join(dir, vm, "vhotplug.log") }

	base := slog.NewTextHandler(os.Stderr, nil)
	h := NewVMLogHandler(base, logPath)
	log := slog.New(h)

	log.Info("daemon started")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestVMLogHandler_EnabledDelegatesToWrapped(t *testing.T) {
	base := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})
	h := NewVMLogHandler(base, func(string) string { return "" })

	assert.False(t, h.Enabled(context.Background(), slog.LevelDebug))
	assert.True(t, h.Enabled(context.Background(), slog.LevelWarn))
}
