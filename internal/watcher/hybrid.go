package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("watcher stopped")

// Stats counts what a watcher has delivered.
type Stats struct {
	Mode           Mode   `json:"mode"`
	Batches        uint64 `json:"batches"`
	DroppedBatches uint64 `json:"dropped_batches"`
	Rescans        uint64 `json:"rescans"`
}

// HybridWatcher watches a repository with fsnotify and falls back to
// polling when fsnotify cannot be created or cannot register the tree.
// Raw events pass through a Debouncer and come out as batches.
type HybridWatcher struct {
	opts      Options
	logger    *slog.Logger
	debouncer *Debouncer
	batches   chan []FileEvent
	errs      chan error
	ready     chan struct{}

	mu      sync.RWMutex
	src     source
	root    string
	started bool
	stopped bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
	rescans   atomic.Uint64
}

// NewHybridWatcher creates a watcher with the given options. Nothing is
// watched until Start.
func NewHybridWatcher(opts Options, logger *slog.Logger) (*HybridWatcher, error) {
	opts = opts.WithDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &HybridWatcher{
		opts:      opts,
		logger:    logger,
		debouncer: NewDebouncer(opts.DebounceWindow, logger),
		batches:   make(chan []FileEvent, opts.EventBufferSize),
		errs:      make(chan error, 10),
		ready:     make(chan struct{}),
	}, nil
}

// Start registers the tree under path and returns. Batches flow on Events
// until Stop is called or ctx ends, which also stops the watcher.
func (h *HybridWatcher) Start(ctx context.Context, path string) error {
	root, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve absolute path: %w", err)
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return ErrStopped
	}
	if h.started {
		h.mu.Unlock()
		return errors.New("watcher already started")
	}
	h.started = true
	h.mu.Unlock()

	src, err := h.openSource(root)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		_ = src.close()
		return ErrStopped
	}
	h.src = src
	h.root = root
	h.mu.Unlock()
	close(h.ready)

	go h.forward()
	go func() {
		src.run(ctx, sink{event: h.add, err: h.emitError})
		_ = h.Stop()
	}()
	return nil
}

// openSource prepares fsnotify unless polling is forced, and polling when
// fsnotify fails. Running out of inotify watches on a large archive is the
// common reason for the fallback.
func (h *HybridWatcher) openSource(root string) (source, error) {
	if !h.opts.ForcePolling {
		n, err := newNotifySource(h.logger)
		if err == nil {
			if err = n.prepare(root); err == nil {
				return n, nil
			}
			_ = n.close()
		}
		h.logger.Warn("watch_fallback_polling", slog.String("error", err.Error()))
	}

	p := newPollSource(h.opts.PollInterval)
	if err := p.prepare(root); err != nil {
		return nil, err
	}
	return p, nil
}

// Ready is closed once Start has registered the tree.
func (h *HybridWatcher) Ready() <-chan struct{} {
	return h.ready
}

func (h *HybridWatcher) add(ev FileEvent) {
	if ev.Operation == OpRescan {
		h.rescans.Add(1)
	}
	h.debouncer.Add(ev)
}

func (h *HybridWatcher) forward() {
	for batch := range h.debouncer.Output() {
		if len(batch) > 0 {
			h.emit(batch)
		}
	}
}

func (h *HybridWatcher) emit(batch []FileEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.stopped {
		return
	}
	select {
	case h.batches <- batch:
		h.delivered.Add(1)
	default:
		n := h.dropped.Add(1)
		h.logger.Warn("watch_batch_dropped",
			slog.Int("batch_size", len(batch)),
			slog.Uint64("total_dropped", n))
	}
}

func (h *HybridWatcher) emitError(err error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.stopped {
		return
	}
	select {
	case h.errs <- err:
	default:
	}
}

// Stop releases the source and closes Events and Errors. Safe to call
// multiple times.
func (h *HybridWatcher) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return nil
	}
	h.stopped = true
	h.debouncer.Stop()

	var err error
	if h.src != nil {
		err = h.src.close()
	}
	close(h.batches)
	close(h.errs)
	return err
}

// Events returns the channel of debounced batches.
func (h *HybridWatcher) Events() <-chan []FileEvent {
	return h.batches
}

// Errors returns the channel of non-fatal watcher errors.
func (h *HybridWatcher) Errors() <-chan error {
	return h.errs
}

// Mode returns the active mechanism, or the one Start will try first.
func (h *HybridWatcher) Mode() Mode {
	h.mu.RLock()
	defer h.mu.RUnlock()

	switch {
	case h.src != nil:
		return h.src.mode()
	case h.opts.ForcePolling:
		return ModePolling
	default:
		return ModeNotify
	}
}

// WatcherType returns "fsnotify" or "polling".
func (h *HybridWatcher) WatcherType() string {
	return string(h.Mode())
}

// Stats returns delivery counters.
func (h *HybridWatcher) Stats() Stats {
	return Stats{
		Mode:           h.Mode(),
		Batches:        h.delivered.Load(),
		DroppedBatches: h.dropped.Load(),
		Rescans:        h.rescans.Load(),
	}
}

// RootPath returns the root being watched.
func (h *HybridWatcher) RootPath() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.root
}
