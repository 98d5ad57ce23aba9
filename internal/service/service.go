// Package service assembles the repository, cloud probe, search index,
// background indexer and importer behind one lifetime. The CLI, the HTTP
// API and the MCP server all operate through a *Service.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lh/yiana/internal/archive"
	"github.com/lh/yiana/internal/async"
	"github.com/lh/yiana/internal/cloud"
	"github.com/lh/yiana/internal/config"
	yerrors "github.com/lh/yiana/internal/errors"
	"github.com/lh/yiana/internal/importer"
	"github.com/lh/yiana/internal/repository"
	"github.com/lh/yiana/internal/store"
	"github.com/lh/yiana/internal/telemetry"
	"github.com/lh/yiana/internal/watcher"
)

// MaxSearchLimit caps the number of results a single query may request.
const MaxSearchLimit = 200

// indexBaseName is the index file name inside the data dir, without the
// backend's extension.
const indexBaseName = "index"

// Options configures Open.
type Options struct {
	Config *config.Config
	Logger *slog.Logger

	// FlagReader reads cloud provider flags (nil = placeholder detection).
	FlagReader cloud.FlagReader

	// InMemoryIndex keeps the index out of the data dir. Used by tests and
	// dry runs.
	InMemoryIndex bool

	Now func() time.Time
}

// Service owns every long-lived component. Close releases them.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger
	now    func() time.Time

	repo     *repository.Repository
	probe    *cloud.Probe
	index    store.SearchIndex
	indexer  *async.BackgroundIndexer
	importer *importer.Engine
	metrics  *telemetry.QueryMetrics

	// ctx outlives individual requests; background runs use it.
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// Open wires the components for cfg.Repository.Root.
func Open(opts Options) (*Service, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, yerrors.ConfigError("service requires a configuration", nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	repo, err := repository.New(repository.Options{
		Root:      cfg.Repository.Root,
		CacheSize: cfg.Repository.CacheSize,
		Now:       now,
	}, logger)
	if err != nil {
		return nil, err
	}

	basePath := ""
	dataDir := ""
	if !opts.InMemoryIndex {
		dataDir = cfg.DataDir()
		basePath = IndexBasePath(cfg)
		if existing := store.DetectBackend(basePath); existing != "" && existing != store.Backend(cfg.Index.Backend) {
			logger.Warn("index_backend_changed",
				slog.String("existing", string(existing)),
				slog.String("configured", cfg.Index.Backend))
		}
	}
	index, err := store.Open(basePath, store.Backend(cfg.Index.Backend), store.Config{
		DefaultLimit:  cfg.Search.DefaultLimit,
		SnippetLength: cfg.Search.SnippetLength,
	}, logger)
	if err != nil {
		return nil, err
	}

	probe := cloud.NewProbe(opts.FlagReader, logger)

	initial, maxDelay := cfg.DeferralDelays()
	indexer := async.NewBackgroundIndexer(repo, probe, index, async.IndexerConfig{
		DataDir: dataDir,
		Deferral: yerrors.RetryConfig{
			MaxRetries:   cfg.Index.Deferral.MaxAttempts,
			InitialDelay: initial,
			MaxDelay:     maxDelay,
			Multiplier:   2.0,
		},
		Now:    now,
		Logger: logger,
	})

	engineCfg := importer.EngineConfig{
		Writer: repo,
		Gate:   probe,
		Logger: logger,
		Now:    now,
	}
	if cfg.Import.IndexOnCreate {
		engineCfg.Index = index
	}
	if cfg.Import.OCRPriority {
		engineCfg.Priority = importer.NewPrioritySignal(repo.Root())
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:      cfg,
		logger:   logger,
		now:      now,
		repo:     repo,
		probe:    probe,
		index:    index,
		indexer:  indexer,
		importer: importer.NewEngine(engineCfg),
		metrics:  telemetry.NewQueryMetrics(telemetry.DefaultConfig()),
		ctx:      ctx,
		cancel:   cancel,
	}

	logger.Info("service_opened",
		slog.String("root", repo.Root()),
		slog.String("backend", cfg.Index.Backend),
		slog.Bool("in_memory_index", opts.InMemoryIndex))
	return s, nil
}

// IndexBasePath returns the on-disk index location for cfg, without the
// backend's extension.
func IndexBasePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir(), indexBaseName)
}

// DestroyIndex deletes the configured backend's index files. It is the
// recovery path for an index that can no longer be opened, and must not
// run while a service has the index open.
func DestroyIndex(cfg *config.Config) error {
	return store.Destroy(IndexBasePath(cfg), store.Backend(cfg.Index.Backend))
}

// Config returns the configuration the service was opened with.
func (s *Service) Config() *config.Config { return s.cfg }

// Repository returns the document repository.
func (s *Service) Repository() *repository.Repository { return s.repo }

// Index returns the search index.
func (s *Service) Index() store.SearchIndex { return s.index }

// Indexer returns the background indexer.
func (s *Service) Indexer() *async.BackgroundIndexer { return s.indexer }

// Importer returns the import engine.
func (s *Service) Importer() *importer.Engine { return s.importer }

// Probe returns the cloud availability probe.
func (s *Service) Probe() *cloud.Probe { return s.probe }

// Metrics returns the query statistics collected since Open.
func (s *Service) Metrics() *telemetry.QueryMetrics { return s.metrics }

// Search runs a query. An empty query is rejected; limit <= 0 uses the
// configured default and larger limits are capped at MaxSearchLimit.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]store.Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, yerrors.New(yerrors.ErrCodeInvalidQuery, "query must not be empty", nil).
			WithSuggestion("Pass a word or phrase to search for")
	}
	if limit <= 0 {
		limit = s.cfg.Search.DefaultLimit
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}

	start := s.now()
	results, err := s.index.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	latency := s.now().Sub(start)

	event := telemetry.QueryEvent{Query: query, Latency: latency, Timestamp: start}
	for _, r := range results {
		event.DocumentIDs = append(event.DocumentIDs, r.DocumentID)
		if r.MatchType == store.MatchTitle {
			event.TitleHits++
		} else {
			event.ContentHits++
		}
	}
	s.metrics.Record(event)

	s.logger.Debug("search_completed",
		slog.Int("results", len(results)),
		slog.Int("limit", limit),
		slog.Duration("latency", latency))
	return results, nil
}

// IsDocumentIndexed reports whether the document id has an index entry.
func (s *Service) IsDocumentIndexed(ctx context.Context, id string) (bool, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return false, yerrors.ValidationError("document id must be a UUID", err)
	}
	return s.index.IsIndexed(ctx, parsed.String())
}

// Count returns the number of indexed documents.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.index.Count(ctx)
}

// Status summarizes the index for `yiana index status`, the HTTP API and
// the MCP index_status tool.
type Status struct {
	Root      string                      `json:"root"`
	Backend   string                      `json:"backend"`
	Count     int                         `json:"count"`
	State     async.State                 `json:"state"`
	Progress  async.IndexProgressSnapshot `json:"progress"`
	Deferred  int                         `json:"deferred"`
	LastError string                      `json:"last_error,omitempty"`
	Queries   telemetry.Snapshot          `json:"queries"`
}

// Status returns the current index status.
func (s *Service) Status(ctx context.Context) (Status, error) {
	count, err := s.index.Count(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Root:     s.repo.Root(),
		Backend:  s.cfg.Index.Backend,
		Count:    count,
		State:    s.indexer.State(),
		Progress: s.indexer.Progress().Snapshot(),
		Deferred: s.indexer.Deferrals().Len(),
		Queries:  s.metrics.Snapshot(),
	}
	if _, lastErr := s.indexer.LastRun(); lastErr != nil {
		st.LastError = lastErr.Error()
	}
	return st, nil
}

// RequestIndex schedules a background run on the service's own context,
// so it outlives the caller's request.
func (s *Service) RequestIndex() {
	s.indexer.Request(s.ctx)
}

// IndexAll runs a full pass and waits for it.
func (s *Service) IndexAll(ctx context.Context) (async.RunStats, error) {
	return s.indexer.IndexAllDocuments(ctx)
}

// ResetIndex cancels any run, waits for it, clears the index and rebuilds
// it.
func (s *Service) ResetIndex(ctx context.Context) (async.RunStats, error) {
	return s.indexer.Reset(ctx)
}

// Import runs a bulk import with the configured bounds, overridden by any
// non-zero field of override.
func (s *Service) Import(ctx context.Context, items []importer.Item, override importer.Options, onProgress importer.ProgressFunc) (*importer.Result, error) {
	opts := s.ImportOptions()
	if override.Workers > 0 {
		opts.Workers = override.Workers
	}
	if override.MaxItems > 0 {
		opts.MaxItems = override.MaxItems
	}
	if override.PerItemTimeout > 0 {
		opts.PerItemTimeout = override.PerItemTimeout
	}
	if override.TargetDir != "" {
		opts.TargetDir = override.TargetDir
	}
	return s.importer.ImportMany(ctx, items, opts, onProgress)
}

// ImportOptions returns the configured import bounds.
func (s *Service) ImportOptions() importer.Options {
	return importer.Options{
		MaxItems:       s.cfg.Import.MaxItems,
		Workers:        s.cfg.Import.Workers,
		PerItemTimeout: s.cfg.ImportTimeout(),
	}
}

// ApplyOCR records recognized text for the document id and requests an
// index run so the text becomes searchable. confidence must be in [0,1].
func (s *Service) ApplyOCR(ctx context.Context, id, text string, confidence float64, source archive.OCRSource) (*repository.Document, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return nil, yerrors.ValidationError("document id must be a UUID", err)
	}
	if confidence < 0 || confidence > 1 {
		return nil, yerrors.ValidationError(fmt.Sprintf("confidence %.2f is outside 0..1", confidence), nil)
	}
	switch source {
	case archive.OCRSourceEmbedded, archive.OCRSourceService, archive.OCRSourceOnDevice:
	default:
		return nil, yerrors.ValidationError(fmt.Sprintf("unknown OCR source %q", source), nil).
			WithSuggestion("Use embedded, service or onDevice")
	}

	doc, err := s.repo.Find(ctx, parsed)
	if err != nil {
		return nil, err
	}
	updated, err := s.repo.Update(doc.Path, func(m *archive.Metadata) error {
		m.ApplyOCR(text, confidence, source, s.now())
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("ocr_applied",
		slog.String("document_id", parsed.String()),
		slog.Int("text_length", len(text)),
		slog.String("source", string(source)))
	s.RequestIndex()
	return updated, nil
}

// Watch watches the repository until ctx ends, requesting an index run
// for every batch of relevant changes. It requests one run up front so the
// index converges with changes made while nothing was watching.
func (s *Service) Watch(ctx context.Context, onBatch func([]watcher.FileEvent)) error {
	w, err := watcher.NewHybridWatcher(watcher.Options{
		DebounceWindow: s.cfg.WatchDebounce(),
		PollInterval:   s.cfg.WatchPollInterval(),
		ForcePolling:   s.cfg.Watch.ForcePolling,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Start(ctx, s.repo.Root()); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer func() {
		_ = w.Stop()
		st := w.Stats()
		s.logger.Info("watch_stopped",
			slog.Uint64("batches", st.Batches),
			slog.Uint64("dropped_batches", st.DroppedBatches),
			slog.Uint64("rescans", st.Rescans))
	}()

	s.logger.Info("watch_started",
		slog.String("root", s.repo.Root()),
		slog.String("watcher", w.WatcherType()))
	s.RequestIndex()

	for {
		select {
		case <-ctx.Done():
			return nil
		case batch, ok := <-w.Events():
			if !ok {
				return nil
			}
			s.HandleBatch(batch)
			if onBatch != nil {
				onBatch(batch)
			}
		case err, ok := <-w.Errors():
			if !ok {
				return nil
			}
			s.logger.Warn("watch_error", slog.String("error", err.Error()))
		}
	}
}

// HandleBatch clears deferral history for the documents a batch touches,
// or for all of them after a rescan, and requests an index run. Config
// file changes are only logged; they take effect on restart.
func (s *Service) HandleBatch(batch []watcher.FileEvent) {
	relevant := 0
	for _, ev := range batch {
		switch {
		case ev.Operation == watcher.OpRescan:
			s.indexer.Deferrals().Clear()
		case ev.Kind == watcher.KindConfig:
			s.logger.Info("config_changed", slog.String("note", "restart to apply"))
			continue
		default:
			s.indexer.Deferrals().Forget(filepath.Join(s.repo.Root(), ev.Path))
		}
		relevant++
	}
	if relevant == 0 {
		return
	}
	s.logger.Debug("watch_batch", slog.Int("events", relevant))
	s.RequestIndex()
}

// Close cancels background work and closes the index.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.indexer.Cancel()
		s.closeErr = s.index.Close()
		if s.closeErr != nil {
			s.logger.Warn("service_close_failed", slog.String("error", s.closeErr.Error()))
		}
		s.logger.Info("service_closed")
	})
	return s.closeErr
}
