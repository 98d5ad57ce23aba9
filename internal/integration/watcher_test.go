package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lh/yiana/internal/archive"
	"github.com/lh/yiana/internal/cloud"
	"github.com/lh/yiana/internal/repository"
	"github.com/lh/yiana/internal/watcher"
)

// startWatcher runs a hybrid watcher over dir until the test ends.
func startWatcher(t *testing.T, dir string, opts watcher.Options) *watcher.HybridWatcher {
	t.Helper()
	w, err := watcher.NewHybridWatcher(opts.WithDefaults(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx, dir))
	t.Cleanup(func() {
		cancel()
		_ = w.Stop()
	})
	return w
}

// waitFor collects batches until one event matches or the timeout expires.
func waitFor(t *testing.T, w *watcher.HybridWatcher, match func(watcher.FileEvent) bool) watcher.FileEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case batch := <-w.Events():
			for _, ev := range batch {
				if match(ev) {
					return ev
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for watcher event")
			return watcher.FileEvent{}
		}
	}
}

func TestWatcher_ContainerLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	modes := []struct {
		name string
		opts watcher.Options
	}{
		{"fsnotify", watcher.Options{DebounceWindow: 50 * time.Millisecond}},
		{"polling", watcher.Options{DebounceWindow: 50 * time.Millisecond, PollInterval: 50 * time.Millisecond, ForcePolling: true}},
	}
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			// Given: a watched repository
			root := t.TempDir()
			repo, err := repository.New(repository.Options{Root: root}, nil)
			require.NoError(t, err)
			w := startWatcher(t, root, mode.opts)

			// When: a container is saved
			doc, err := repo.Save(archive.NewMetadata("Gas safety certificate", 1, time.Now()), nil)
			require.NoError(t, err)
			rel, err := filepath.Rel(root, doc.Path)
			require.NoError(t, err)

			// Then: a document event is reported for it
			ev := waitFor(t, w, func(e watcher.FileEvent) bool { return e.Path == rel })
			assert.Equal(t, watcher.KindDocument, ev.Kind)

			// When: the file is evicted to a cloud placeholder
			require.NoError(t, os.Rename(doc.Path, cloud.StubPath(doc.Path)))

			// Then: the change is reported against the document path, not the stub
			ev = waitFor(t, w, func(e watcher.FileEvent) bool { return e.Kind == watcher.KindStub })
			assert.Equal(t, rel, ev.Path)
		})
	}
}

func TestWatcher_IgnoresDataDirAndForeignFiles(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	// Given: a watched repository
	root := t.TempDir()
	w := startWatcher(t, root, watcher.Options{DebounceWindow: 50 * time.Millisecond})

	// When: the index data dir and unrelated files change, then a container appears
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".yiana"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".yiana", "index.db"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))
	repo, err := repository.New(repository.Options{Root: root}, nil)
	require.NoError(t, err)
	doc, err := repo.Create("Electoral roll")
	require.NoError(t, err)
	rel, err := filepath.Rel(root, doc.Path)
	require.NoError(t, err)

	// Then: only the container is reported
	var seen []string
	waitFor(t, w, func(e watcher.FileEvent) bool {
		seen = append(seen, e.Path)
		return e.Path == rel
	})
	for _, p := range seen {
		assert.NotContains(t, p, ".yiana"+string(filepath.Separator))
		assert.NotEqual(t, "notes.txt", p)
	}
}
