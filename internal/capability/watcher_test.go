package capability

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for device event")
		return Event{}
	}
}

func TestWatcher_Events(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir, []string{"ttyUSB*", "ttyACM*"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Ignored: does not match any pattern.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o600))

	node := filepath.Join(dir, "ttyUSB0")
	require.NoError(t, os.WriteFile(node, nil, 0o600))
	ev := nextEvent(t, w.Events())
	require.Equal(t, EventConnected, ev.Kind)
	require.Equal(t, node, ev.Path)

	require.NoError(t, os.Remove(node))
	ev = nextEvent(t, w.Events())
	require.Equal(t, EventDisconnected, ev.Kind)
	require.Equal(t, node, ev.Path)

	cancel()
	require.NoError(t, <-done)
	_, open := <-w.Events()
	require.False(t, open, "events channel closes when Run returns")
}

func TestWatcher_Matches(t *testing.T) {
	w := &Watcher{patterns: []string{"ttyUSB*", "cu.*", "tty.usb*"}}
	require.True(t, w.Matches("ttyUSB12"))
	require.True(t, w.Matches("cu.usbserial-1410"))
	require.False(t, w.Matches("ttyS0"))
	require.False(t, w.Matches("null"))
}

func TestNewWatcher_Errors(t *testing.T) {
	_, err := NewWatcher(t.TempDir(), []string{"tty[USB"}, nil)
	require.Error(t, err)

	_, err = NewWatcher(filepath.Join(t.TempDir(), "missing"), []string{"tty*"}, nil)
	require.Error(t, err)
}
