package watcher

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Debouncer coalesces bursts of events for the same document. Within the
// window events for one path merge as follows:
//   - CREATE + MODIFY = CREATE
//   - CREATE + DELETE = nothing, or MODIFY when the kinds differ (a
//     document evicted to its stub, seen stub first)
//   - MODIFY + DELETE = DELETE
//   - DELETE + CREATE = MODIFY (a stub replaced by its download, or a save)
//
// The merged event carries the kind of the latest change.
type Debouncer struct {
	window  time.Duration
	logger  *slog.Logger
	pending map[string]*pendingEvent
	mu      sync.Mutex
	output  chan []FileEvent
	timer   *time.Timer
	stopped bool
}

type pendingEvent struct {
	event   FileEvent
	firstOp Operation
}

// NewDebouncer creates a debouncer that emits after window of quiet.
func NewDebouncer(window time.Duration, logger *slog.Logger) *Debouncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Debouncer{
		window:  window,
		logger:  logger,
		pending: make(map[string]*pendingEvent),
		output:  make(chan []FileEvent, 10),
	}
}

// Add queues an event and restarts the quiet window.
func (d *Debouncer) Add(event FileEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if existing, ok := d.pending[event.Path]; ok {
		merged, keep := coalesce(existing, event)
		if !keep {
			delete(d.pending, event.Path)
		} else {
			existing.event = merged
			existing.firstOp = merged.Operation
		}
	} else {
		d.pending[event.Path] = &pendingEvent{event: event, firstOp: event.Operation}
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

func coalesce(existing *pendingEvent, next FileEvent) (FileEvent, bool) {
	switch existing.firstOp {
	case OpCreate:
		switch next.Operation {
		case OpModify:
			merged := existing.event
			merged.Kind = next.Kind
			merged.Timestamp = next.Timestamp
			return merged, true
		case OpDelete, OpRename:
			if next.Kind != existing.event.Kind {
				merged := existing.event
				merged.Operation = OpModify
				merged.Timestamp = next.Timestamp
				return merged, true
			}
			return FileEvent{}, false
		}
	case OpDelete:
		if next.Operation == OpCreate {
			next.Operation = OpModify
			return next, true
		}
	}
	return next, true
}

// Pending returns the number of paths waiting to be flushed.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || len(d.pending) == 0 {
		return
	}

	events := make([]FileEvent, 0, len(d.pending))
	for _, pe := range d.pending {
		events = append(events, pe.event)
	}
	d.pending = make(map[string]*pendingEvent)
	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })

	select {
	case d.output <- events:
	default:
		d.logger.Warn("debouncer output full, dropping batch",
			slog.Int("batch_size", len(events)))
	}
}

// Output returns the channel of debounced batches, sorted by path.
func (d *Debouncer) Output() <-chan []FileEvent {
	return d.output
}

// Stop discards pending events and closes the output channel.
// Safe to call multiple times.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.output)
}
