package filewatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcher_DetectsSocketRecreation(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "vm1.sock")

	w, err := New()
	require.NoError(t, err)
	defer w.Close()

	restarted := make(chan string, 1)
	w.OnRestart = func(ctx context.Context, vm string) {
		restarted <- vm
	}

	require.NoError(t, w.AddSocket(sockPath, "vm1"))

	f, err := os.Create(sockPath)
	require.NoError(t, err)
	f.Close()

	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w.Poll(ctx)
		select {
		case vm := <-restarted:
			require.Equal(t, "vm1", vm)
			return
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatal("restart was not detected within the deadline")
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "vm1.sock")

	w, err := New()
	require.NoError(t, err)
	defer w.Close()

	fired := false
	w.OnRestart = func(ctx context.Context, vm string) {
		fired = true
	}

	require.NoError(t, w.AddSocket(sockPath, "vm1"))

	other := filepath.Join(dir, "unrelated.txt")
	f, err := os.Create(other)
	require.NoError(t, err)
	f.Close()

	time.Sleep(50 * time.Millisecond)
	w.Poll(context.Background())
	require.False(t, fired)
}
