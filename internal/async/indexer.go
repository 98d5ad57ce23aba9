package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/lh/yiana/internal/archive"
	"github.com/lh/yiana/internal/cloud"
	yerrors "github.com/lh/yiana/internal/errors"
	"github.com/lh/yiana/internal/repository"
	"github.com/lh/yiana/internal/store"
)

// LockFileName is the cross-process single-writer lock in the data dir.
const LockFileName = "index.lock"

// DocumentSource lists and reads containers. *repository.Repository
// satisfies it.
type DocumentSource interface {
	Walk(ctx context.Context) <-chan repository.WalkResult
	LoadMetadata(path string) (archive.Metadata, error)
}

// AvailabilityChecker reports whether a file is materialized locally.
// *cloud.Probe satisfies it.
type AvailabilityChecker interface {
	Check(path string) (cloud.State, error)
}

// IndexerConfig configures the background indexer.
type IndexerConfig struct {
	// DataDir holds index.lock. Empty disables cross-process locking.
	DataDir string

	// Deferral is the backoff policy for files still in the cloud.
	Deferral yerrors.RetryConfig

	// Now returns the current time (nil = time.Now).
	Now func() time.Time

	Logger *slog.Logger
}

type run struct {
	parent context.Context
	stop   chan struct{}
	done   chan struct{}
	stats  RunStats
	err    error
}

func (r *run) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// BackgroundIndexer keeps the search index in step with the repository.
//
// At most one run is active at a time. Cancel is observed between
// documents, never in the middle of one, and waits for the run to finish.
type BackgroundIndexer struct {
	source DocumentSource
	probe  AvailabilityChecker
	index  store.SearchIndex

	cfg      IndexerConfig
	now      func() time.Time
	logger   *slog.Logger
	progress *IndexProgress
	deferred *DeferralTracker
	events   *eventBroker

	mu      sync.Mutex
	current *run
	last    *run
	state   State
	rerun   bool

	// resetting is non-nil while Reset holds the index; it closes when the
	// post-reset run has started.
	resetting chan struct{}
}

// NewBackgroundIndexer creates an idle indexer.
func NewBackgroundIndexer(source DocumentSource, probe AvailabilityChecker, index store.SearchIndex, cfg IndexerConfig) *BackgroundIndexer {
	if cfg.Deferral.MaxRetries == 0 && cfg.Deferral.InitialDelay == 0 {
		cfg.Deferral = yerrors.DefaultDeferralConfig()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &BackgroundIndexer{
		source:   source,
		probe:    probe,
		index:    index,
		cfg:      cfg,
		now:      now,
		logger:   logger,
		progress: NewIndexProgress(),
		deferred: NewDeferralTracker(cfg.Deferral),
		events:   newEventBroker(),
		state:    StateIdle,
	}
}

// Progress returns the progress tracker for the current or last run.
func (b *BackgroundIndexer) Progress() *IndexProgress {
	return b.progress
}

// Deferrals returns the tracker for cloud files awaiting download.
func (b *BackgroundIndexer) Deferrals() *DeferralTracker {
	return b.deferred
}

// Subscribe returns a channel of indexer events and a function that
// unsubscribes and closes it.
func (b *BackgroundIndexer) Subscribe(buffer int) (<-chan Event, func()) {
	return b.events.subscribe(buffer)
}

// IsRunning reports whether a run is active.
func (b *BackgroundIndexer) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current != nil
}

// State returns the lifecycle state.
func (b *BackgroundIndexer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// LastRun returns the stats and error of the most recently finished run.
// Both are zero before the first run completes.
func (b *BackgroundIndexer) LastRun() (RunStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return RunStats{}, nil
	}
	return b.last.stats, b.last.err
}

// Start begins a run in the background. It is a no-op returning false when
// a run is already active.
func (b *BackgroundIndexer) Start(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current != nil || b.resetting != nil {
		return false
	}
	b.startLocked(ctx)
	return true
}

// Request starts a run, or schedules exactly one follow-up run if one is
// already active. Repeated requests during a run coalesce.
func (b *BackgroundIndexer) Request(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.resetting != nil:
		// Folded into the run that follows the reset.
	case b.current != nil:
		b.rerun = true
	default:
		b.startLocked(ctx)
	}
}

// IndexAllDocuments runs a full pass and waits for it. If a run is already
// active it joins that run instead of starting another.
func (b *BackgroundIndexer) IndexAllDocuments(ctx context.Context) (RunStats, error) {
	b.mu.Lock()
	for b.resetting != nil {
		wait := b.resetting
		b.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return RunStats{}, ctx.Err()
		}
		b.mu.Lock()
	}
	r := b.current
	if r == nil {
		r = b.startLocked(ctx)
	}
	b.mu.Unlock()

	select {
	case <-r.done:
		return r.stats, r.err
	case <-ctx.Done():
		return RunStats{}, ctx.Err()
	}
}

// Cancel stops the active run after its current document and waits for it
// to finish. Any pending follow-up request is dropped.
func (b *BackgroundIndexer) Cancel() {
	b.mu.Lock()
	b.rerun = false
	r := b.current
	if r == nil {
		b.mu.Unlock()
		return
	}
	if b.state != StateCancelled {
		b.state = StateCancelled
		close(r.stop)
	}
	b.mu.Unlock()

	<-r.done
}

// Reset cancels any active run, clears the index and the deferral history,
// then runs a full pass and waits for it. Requests that arrive while the
// index is being cleared are folded into that pass.
func (b *BackgroundIndexer) Reset(ctx context.Context) (RunStats, error) {
	b.mu.Lock()
	for b.resetting != nil {
		wait := b.resetting
		b.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return RunStats{}, ctx.Err()
		}
		b.mu.Lock()
	}
	gate := make(chan struct{})
	b.resetting = gate
	for b.current != nil {
		r := b.current
		b.rerun = false
		if b.state != StateCancelled {
			b.state = StateCancelled
			close(r.stop)
		}
		b.mu.Unlock()
		<-r.done
		b.mu.Lock()
	}
	b.mu.Unlock()

	b.logger.Info("index_reset_started")
	err := b.index.Reset(ctx)
	b.deferred.Clear()

	b.mu.Lock()
	b.resetting = nil
	if err != nil {
		b.mu.Unlock()
		close(gate)
		b.logger.Error("index_reset_failed", slog.Any("error", yerrors.FormatForLog(err)))
		return RunStats{}, err
	}
	r := b.startLocked(ctx)
	b.mu.Unlock()
	close(gate)

	select {
	case <-r.done:
		return r.stats, r.err
	case <-ctx.Done():
		return RunStats{}, ctx.Err()
	}
}

// Wait blocks until no run is active, including follow-up runs.
func (b *BackgroundIndexer) Wait() error {
	for {
		b.mu.Lock()
		r := b.current
		b.mu.Unlock()
		if r == nil {
			_, err := b.LastRun()
			return err
		}
		<-r.done
	}
}

func (b *BackgroundIndexer) startLocked(ctx context.Context) *run {
	r := &run{
		parent: ctx,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	b.current = r
	b.state = StateIndexing
	go b.execute(r)
	return r
}

func (b *BackgroundIndexer) execute(r *run) {
	start := b.now()
	b.progress.Begin(start)
	b.events.publish(Event{Type: EventRunStarted, Time: start})
	b.logger.Info("index_run_started")

	r.stats, r.err = b.indexAll(r.parent, r)
	r.stats.Duration = b.now().Sub(start)
	b.progress.Finish(r.stats, r.err, b.now())

	switch {
	case errors.Is(r.err, yerrors.ErrIndexBusy):
		b.logger.Warn("index_run_skipped", slog.String("reason", "index lock held by another process"))
		b.events.publish(Event{Type: EventRunFinished, Stats: r.stats, Err: r.err, Time: b.now()})
	case r.err != nil:
		b.logger.Error("index_run_failed", slog.Any("error", yerrors.FormatForLog(r.err)))
		b.events.publish(Event{Type: EventRunFinished, Stats: r.stats, Err: r.err, Time: b.now()})
	case r.stats.Cancelled:
		b.logger.Info("index_run_cancelled", slog.Int("indexed", r.stats.Indexed))
		b.events.publish(Event{Type: EventRunCancelled, Stats: r.stats, Time: b.now()})
	default:
		b.logger.Info("index_run_completed",
			slog.Int("seen", r.stats.Seen),
			slog.Int("indexed", r.stats.Indexed),
			slog.Int("unchanged", r.stats.Unchanged),
			slog.Int("deferred", r.stats.Deferred),
			slog.Int("removed", r.stats.Removed),
			slog.Int("failed", r.stats.Failed),
			slog.Duration("duration", r.stats.Duration))
		b.events.publish(Event{Type: EventRunFinished, Stats: r.stats, Time: b.now()})
	}

	b.mu.Lock()
	b.current = nil
	b.last = r
	b.state = StateIdle
	if b.rerun && !r.stats.Cancelled && r.parent.Err() == nil {
		b.rerun = false
		b.startLocked(r.parent)
	}
	b.rerun = false
	b.mu.Unlock()

	close(r.done)
}

func (b *BackgroundIndexer) acquireLock() (*flock.Flock, error) {
	if b.cfg.DataDir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(b.cfg.DataDir, 0o755); err != nil {
		return nil, yerrors.New(yerrors.ErrCodeFilePermission, "cannot create data directory", err)
	}
	lock := flock.New(filepath.Join(b.cfg.DataDir, LockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, yerrors.New(yerrors.ErrCodeIndexBusy, "cannot acquire index lock", err)
	}
	if !ok {
		return nil, yerrors.New(yerrors.ErrCodeIndexBusy, "another process is indexing", nil)
	}
	return lock, nil
}

// indexAll walks the repository once, upserting new and changed documents,
// then removes entries whose documents no longer exist.
func (b *BackgroundIndexer) indexAll(ctx context.Context, r *run) (RunStats, error) {
	var stats RunStats

	lock, err := b.acquireLock()
	if err != nil {
		return stats, err
	}
	if lock != nil {
		defer func() { _ = lock.Unlock() }()
	}

	walkCtx, cancelWalk := context.WithCancel(ctx)
	defer cancelWalk()

	seen := make(map[string]struct{})
	keep := make(map[string]struct{})

	for res := range b.source.Walk(walkCtx) {
		if r.stopped() {
			stats.Cancelled = true
			return stats, nil
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if res.Error != nil {
			stats.WalkErrors++
			b.logger.Warn("index_walk_error", slog.String("error", res.Error.Error()))
			continue
		}

		stats.Seen++
		if err := b.indexFile(ctx, res.File, &stats, seen, keep); err != nil {
			return stats, err
		}
		b.progress.Update(stats, res.File.RelPath)
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	if r.stopped() {
		stats.Cancelled = true
		return stats, nil
	}

	if stats.WalkErrors > 0 {
		b.logger.Warn("index_sweep_skipped", slog.Int("walk_errors", stats.WalkErrors))
		return stats, nil
	}
	return stats, b.sweep(ctx, r, &stats, seen, keep)
}

func (b *BackgroundIndexer) indexFile(ctx context.Context, file *repository.DocumentFile, stats *RunStats, seen, keep map[string]struct{}) error {
	now := b.now()

	// Any tracked path waits out its backoff, whether it is a stub or a
	// file with a partial download beside it.
	if !b.deferred.Eligible(file.Path, now) {
		keep[file.Path] = struct{}{}
		if b.deferred.GaveUp(file.Path) {
			stats.GaveUp++
		} else {
			stats.Deferred++
		}
		return nil
	}

	state, err := b.probe.Check(file.Path)
	if err != nil {
		keep[file.Path] = struct{}{}
		stats.Failed++
		b.logger.Warn("index_probe_failed",
			slog.String("path", file.RelPath),
			slog.String("error", err.Error()))
		return nil
	}
	if state.Deferred() {
		keep[file.Path] = struct{}{}
		attempts, gaveUp := b.deferred.Defer(file.Path, now)
		if gaveUp {
			stats.GaveUp++
			b.logger.Warn("index_deferral_exhausted",
				slog.String("path", file.RelPath),
				slog.Int("attempts", attempts))
		} else {
			stats.Deferred++
			b.logger.Debug("index_document_deferred",
				slog.String("path", file.RelPath),
				slog.String("state", state.String()),
				slog.Int("attempt", attempts))
		}
		b.events.publish(Event{Type: EventDocumentDeferred, Path: file.Path, Time: now})
		return nil
	}
	b.deferred.Forget(file.Path)

	meta, err := b.source.LoadMetadata(file.Path)
	if err != nil {
		keep[file.Path] = struct{}{}
		stats.Failed++
		b.logger.Warn("index_document_unreadable",
			slog.String("path", file.RelPath),
			slog.Any("error", yerrors.FormatForLog(err)))
		return nil
	}

	id := meta.ID.String()
	seen[id] = struct{}{}

	existing, err := b.index.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("look up %s: %w", id, err)
	}
	if existing != nil && existing.SourceURL == file.Path && existing.ModifiedAt.Equal(file.ModTime) {
		stats.Unchanged++
		return nil
	}

	entry := store.Entry{
		DocumentID: id,
		Title:      meta.Title,
		FullText:   meta.Text(),
		SourceURL:  file.Path,
		ModifiedAt: file.ModTime,
		IndexedAt:  now,
	}
	if err := b.index.Upsert(ctx, entry); err != nil {
		if yerrors.IsFatal(err) || errors.Is(err, context.Canceled) {
			return err
		}
		stats.Failed++
		b.logger.Warn("index_upsert_failed",
			slog.String("document_id", id),
			slog.Any("error", yerrors.FormatForLog(err)))
		return nil
	}
	stats.Indexed++
	b.events.publish(Event{Type: EventDocumentIndexed, DocumentID: id, Path: file.Path, Time: now})
	return nil
}

func (b *BackgroundIndexer) sweep(ctx context.Context, r *run, stats *RunStats, seen, keep map[string]struct{}) error {
	ids, err := b.index.AllIDs(ctx)
	if err != nil {
		return fmt.Errorf("list indexed documents: %w", err)
	}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		if r.stopped() {
			stats.Cancelled = true
			return nil
		}
		entry, err := b.index.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("look up %s: %w", id, err)
		}
		if entry == nil {
			continue
		}
		if _, ok := keep[entry.SourceURL]; ok {
			continue
		}
		if err := b.index.Remove(ctx, id); err != nil {
			return fmt.Errorf("remove %s: %w", id, err)
		}
		stats.Removed++
		b.events.publish(Event{Type: EventDocumentRemoved, DocumentID: id, Path: entry.SourceURL, Time: b.now()})
	}
	return nil
}
