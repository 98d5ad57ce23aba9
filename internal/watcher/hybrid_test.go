package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, opts Options) (*HybridWatcher, string) {
	t.Helper()
	root := t.TempDir()

	w, err := NewHybridWatcher(opts, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx, root))
	t.Cleanup(func() {
		cancel()
		_ = w.Stop()
	})

	select {
	case <-w.Ready():
	default:
		t.Fatal("Ready not closed after Start")
	}
	return w, root
}

// collect gathers batches until want events have arrived or time runs out.
func collect(t *testing.T, w *HybridWatcher, want int) []FileEvent {
	t.Helper()
	var events []FileEvent
	deadline := time.After(3 * time.Second)
	for len(events) < want {
		select {
		case batch, ok := <-w.Events():
			if !ok {
				return events
			}
			events = append(events, batch...)
		case <-deadline:
			return events
		}
	}
	return events
}

func TestHybridWatcher_ReportsDocumentsAndStubs(t *testing.T) {
	// Given: a running fsnotify watcher
	w, root := startWatcher(t, Options{DebounceWindow: 20 * time.Millisecond})
	assert.Equal(t, "fsnotify", w.WatcherType())

	// When: a container, a stub and irrelevant files appear
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".tmp-1.yianazip"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Gas.yianazip"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".Remote.yianazip.icloud"), nil, 0o644))

	// Then: only the document and the stub are reported
	events := collect(t, w, 2)
	byPath := map[string]FileEvent{}
	for _, ev := range events {
		byPath[ev.Path] = ev
	}
	require.Len(t, byPath, 2)
	assert.Equal(t, KindDocument, byPath["Gas.yianazip"].Kind)
	assert.Equal(t, KindStub, byPath["Remote.yianazip"].Kind)
}

func TestHybridWatcher_WatchesNewSubdirectories(t *testing.T) {
	// Given: a running watcher
	w, root := startWatcher(t, Options{DebounceWindow: 20 * time.Millisecond})

	// When: a directory is created and a document written inside it
	dir := filepath.Join(root, "Bills")
	require.NoError(t, os.Mkdir(dir, 0o755))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Water.yianazip"), []byte("x"), 0o644))

	// Then: the nested document is reported
	events := collect(t, w, 1)
	require.NotEmpty(t, events)
	assert.Equal(t, filepath.Join("Bills", "Water.yianazip"), events[0].Path)
}

func TestHybridWatcher_PollingFallback(t *testing.T) {
	// Given: a watcher forced into polling mode
	w, root := startWatcher(t, Options{
		DebounceWindow: 10 * time.Millisecond,
		PollInterval:   20 * time.Millisecond,
		ForcePolling:   true,
	})
	assert.Equal(t, "polling", w.WatcherType())

	// When: a document is written
	require.NoError(t, os.WriteFile(filepath.Join(root, "Poll.yianazip"), []byte("x"), 0o644))

	// Then: the next scan reports it
	events := collect(t, w, 1)
	require.Len(t, events, 1)
	assert.Equal(t, "Poll.yianazip", events[0].Path)
	assert.Equal(t, OpCreate, events[0].Operation)
}

func TestHybridWatcher_StopClosesChannels(t *testing.T) {
	w, err := NewHybridWatcher(DefaultOptions(), nil)
	require.NoError(t, err)

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	_, ok := <-w.Events()
	assert.False(t, ok)
	_, ok = <-w.Errors()
	assert.False(t, ok)
}

func TestHybridWatcher_StartAfterStop(t *testing.T) {
	w, err := NewHybridWatcher(DefaultOptions(), nil)
	require.NoError(t, err)
	require.NoError(t, w.Stop())

	err = w.Start(context.Background(), t.TempDir())

	assert.ErrorIs(t, err, ErrStopped)
}

func TestHybridWatcher_ContextCancelStops(t *testing.T) {
	// Given: a started watcher
	w, err := NewHybridWatcher(Options{PollInterval: 10 * time.Millisecond, ForcePolling: true}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx, t.TempDir()))

	// When: its context ends
	cancel()

	// Then: the batch channel is closed
	select {
	case _, ok := <-w.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed")
	}
}

func TestHybridWatcher_StatsCountBatches(t *testing.T) {
	w, root := startWatcher(t, Options{
		DebounceWindow: 10 * time.Millisecond,
		PollInterval:   20 * time.Millisecond,
		ForcePolling:   true,
	})

	require.NoError(t, os.WriteFile(filepath.Join(root, "Lease.yianazip"), []byte("x"), 0o644))
	require.NotEmpty(t, collect(t, w, 1))

	stats := w.Stats()
	assert.Equal(t, ModePolling, stats.Mode)
	assert.Equal(t, uint64(1), stats.Batches)
	assert.Zero(t, stats.DroppedBatches)
	assert.Equal(t, root, w.RootPath())
}
