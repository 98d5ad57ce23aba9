// Package importer converts external PDF files into document containers
// with a bounded worker pool and per-item timeouts.
package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/sync/errgroup"

	"github.com/lh/yiana/internal/archive"
	yerrors "github.com/lh/yiana/internal/errors"
	"github.com/lh/yiana/internal/repository"
	"github.com/lh/yiana/internal/store"
)

const (
	// MaxBatchSize is the hard cap on items per batch.
	MaxBatchSize = 500

	// MaxWorkers bounds the worker pool.
	MaxWorkers = 32

	DefaultWorkers        = 4
	DefaultPerItemTimeout = 30 * time.Second
)

var pdfMagic = []byte("%PDF")

// Item is one source file to import.
type Item struct {
	SourcePath string
	Title      string // Empty uses SuggestTitle(SourcePath)
}

// Options bound a batch.
type Options struct {
	MaxItems       int
	Workers        int
	PerItemTimeout time.Duration

	// TargetDir is where containers are written (empty = repository root).
	TargetDir string
}

// DefaultOptions returns the default batch bounds.
func DefaultOptions() Options {
	return Options{
		MaxItems:       MaxBatchSize,
		Workers:        DefaultWorkers,
		PerItemTimeout: DefaultPerItemTimeout,
	}
}

// Validate checks the option ranges.
func (o Options) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.MaxItems, validation.Required, validation.Min(1), validation.Max(MaxBatchSize)),
		validation.Field(&o.Workers, validation.Required, validation.Min(1), validation.Max(MaxWorkers)),
		validation.Field(&o.PerItemTimeout, validation.Required, validation.Min(time.Millisecond)),
	)
}

// Progress is reported after each item starts and completes.
type Progress struct {
	Completed   int
	Total       int
	Fraction    float64
	Description string
}

// ProgressFunc receives progress updates. Calls are serialized and
// Fraction never decreases.
type ProgressFunc func(Progress)

// Failure is an item that could not be imported.
type Failure struct {
	SourcePath string
	Err        error
}

// Result groups batch outcomes. Each bucket keeps input order.
type Result struct {
	Successful []*repository.Document
	Failed     []Failure
	TimedOut   []string
	Deferred   []string // Cloud sources not yet downloaded
	Truncated  int      // Items dropped by MaxItems
}

// Total returns the number of items accounted for.
func (r *Result) Total() int {
	return len(r.Successful) + len(r.Failed) + len(r.TimedOut) + len(r.Deferred)
}

// Prepared is a container built in memory and not yet written.
type Prepared struct {
	Metadata archive.Metadata
	Payload  []byte
}

// PrepareFunc reads a source and builds its container.
type PrepareFunc func(ctx context.Context, item Item) (Prepared, error)

// DocumentWriter persists containers. *repository.Repository satisfies it.
type DocumentWriter interface {
	Root() string
	SaveIn(dir string, meta archive.Metadata, payload []byte) (*repository.Document, error)
}

// SourceGate reports whether a source can be read without blocking on a
// cloud download. *cloud.Probe satisfies it.
type SourceGate interface {
	Gate(path string) error
}

// Engine imports batches of PDFs.
type Engine struct {
	writer   DocumentWriter
	gate     SourceGate
	index    store.SearchIndex
	priority *PrioritySignal
	logger   *slog.Logger
	now      func() time.Time

	// Prepare builds a container for an item. Defaults to reading the PDF
	// from disk; replaceable for tests.
	Prepare PrepareFunc
}

// EngineConfig holds the engine's collaborators. Index and Priority are
// optional.
type EngineConfig struct {
	Writer   DocumentWriter
	Gate     SourceGate
	Index    store.SearchIndex // Title-only upsert on create
	Priority *PrioritySignal   // OCR priority signal for new containers
	Logger   *slog.Logger
	Now      func() time.Time
}

// NewEngine creates an import engine.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		writer:   cfg.Writer,
		gate:     cfg.Gate,
		index:    cfg.Index,
		priority: cfg.Priority,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.Prepare = e.preparePDF
	return e
}

type status int

const (
	statusSucceeded status = iota
	statusFailed
	statusTimedOut
	statusDeferred
	statusNotStarted
)

type outcome struct {
	status status
	doc    *repository.Document
	err    error
}

type update struct {
	idx     int
	started bool
	outcome outcome
}

// ImportMany imports items with at most opts.Workers in flight. Per-item
// errors never abort the batch; they are collected in the result. When ctx
// is cancelled, items not yet started are failed as cancelled.
func (e *Engine) ImportMany(ctx context.Context, items []Item, opts Options, onProgress ProgressFunc) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, yerrors.ValidationError("invalid import options", err)
	}

	result := &Result{}
	if len(items) > opts.MaxItems {
		result.Truncated = len(items) - opts.MaxItems
		e.logger.Warn("import_batch_truncated",
			slog.Int("submitted", len(items)),
			slog.Int("max_items", opts.MaxItems))
		items = items[:opts.MaxItems]
	}
	items = fillTitles(items)

	dir := opts.TargetDir
	if dir == "" {
		dir = e.writer.Root()
	}

	total := len(items)
	outcomes := make([]outcome, total)
	for i := range outcomes {
		outcomes[i].status = statusNotStarted
	}

	updates := make(chan update, opts.Workers)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		completed := 0
		for u := range updates {
			desc := ""
			if u.started {
				desc = "Importing " + items[u.idx].Title
			} else {
				outcomes[u.idx] = u.outcome
				completed++
				desc = describe(items[u.idx], u.outcome)
			}
			if onProgress != nil {
				onProgress(Progress{
					Completed:   completed,
					Total:       total,
					Fraction:    float64(completed) / float64(total),
					Description: desc,
				})
			}
		}
	}()

	start := e.now()
	e.logger.Info("import_batch_started",
		slog.Int("items", total),
		slog.Int("workers", opts.Workers),
		slog.Duration("per_item_timeout", opts.PerItemTimeout))

	jobs := make(chan int)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		for i := range items {
			select {
			case jobs <- i:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})
	for w := 0; w < opts.Workers; w++ {
		g.Go(func() error {
			for idx := range jobs {
				if ctx.Err() != nil {
					continue
				}
				updates <- update{idx: idx, started: true}
				updates <- update{idx: idx, outcome: e.importOne(ctx, items[idx], dir, opts.PerItemTimeout)}
			}
			return nil
		})
	}
	_ = g.Wait()
	close(updates)
	<-collected

	var names []string
	for i, o := range outcomes {
		src := items[i].SourcePath
		switch o.status {
		case statusSucceeded:
			result.Successful = append(result.Successful, o.doc)
			names = append(names, filepath.Base(o.doc.Path))
		case statusFailed:
			result.Failed = append(result.Failed, Failure{SourcePath: src, Err: o.err})
		case statusTimedOut:
			result.TimedOut = append(result.TimedOut, src)
		case statusDeferred:
			result.Deferred = append(result.Deferred, src)
		case statusNotStarted:
			result.Failed = append(result.Failed, Failure{
				SourcePath: src,
				Err:        yerrors.New(yerrors.ErrCodeImportCancelled, "import cancelled before "+filepath.Base(src)+" started", ctx.Err()),
			})
		}
	}

	if e.priority != nil && len(names) > 0 {
		if err := e.priority.Append(context.WithoutCancel(ctx), names...); err != nil {
			e.logger.Warn("ocr_priority_signal_failed", slog.String("error", err.Error()))
		}
	}

	e.logger.Info("import_batch_completed",
		slog.Int("successful", len(result.Successful)),
		slog.Int("failed", len(result.Failed)),
		slog.Int("timed_out", len(result.TimedOut)),
		slog.Int("deferred", len(result.Deferred)),
		slog.Duration("duration", e.now().Sub(start)))
	return result, nil
}

// importOne runs the prepare step under a watchdog, then commits. A unit
// abandoned by the watchdog keeps running in its goroutine but never
// reaches the commit.
func (e *Engine) importOne(ctx context.Context, item Item, dir string, timeout time.Duration) outcome {
	if e.gate != nil {
		if err := e.gate.Gate(item.SourcePath); err != nil {
			if errors.Is(err, yerrors.ErrCloudNotYetAvailable) {
				e.logger.Info("import_source_deferred", slog.String("source", item.SourcePath))
				return outcome{status: statusDeferred, err: err}
			}
			return e.fail(item, yerrors.ImportFailed("source unavailable", err))
		}
	}

	unitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type prepared struct {
		p   Prepared
		err error
	}
	done := make(chan prepared, 1)
	go func() {
		p, err := e.Prepare(unitCtx, item)
		done <- prepared{p, err}
	}()

	var res prepared
	select {
	case res = <-done:
	case <-unitCtx.Done():
		select {
		case res = <-done:
		default:
			return e.abandon(ctx, item, timeout)
		}
	}
	if res.err != nil && (errors.Is(res.err, context.DeadlineExceeded) || errors.Is(res.err, context.Canceled)) && unitCtx.Err() != nil {
		return e.abandon(ctx, item, timeout)
	}
	if res.err != nil {
		var ye *yerrors.YianaError
		if errors.As(res.err, &ye) {
			return e.fail(item, res.err)
		}
		return e.fail(item, yerrors.ImportFailed(res.err.Error(), res.err))
	}
	if ctx.Err() != nil {
		return e.fail(item, yerrors.New(yerrors.ErrCodeImportCancelled, "import cancelled", ctx.Err()))
	}

	doc, err := e.writer.SaveIn(dir, res.p.Metadata, res.p.Payload)
	if err != nil {
		return e.fail(item, yerrors.ImportFailed("write container", err))
	}
	e.indexOnCreate(ctx, doc)

	e.logger.Debug("import_item_succeeded",
		slog.String("source", item.SourcePath),
		slog.String("document_id", doc.Metadata.ID.String()),
		slog.Int("pages", doc.Metadata.PageCount))
	return outcome{status: statusSucceeded, doc: doc}
}

// abandon classifies a unit whose context ended before it finished.
func (e *Engine) abandon(ctx context.Context, item Item, timeout time.Duration) outcome {
	if ctx.Err() != nil {
		return e.fail(item, yerrors.New(yerrors.ErrCodeImportCancelled, "import cancelled", ctx.Err()))
	}
	e.logger.Warn("import_item_timed_out",
		slog.String("source", item.SourcePath),
		slog.Duration("timeout", timeout))
	return outcome{status: statusTimedOut, err: yerrors.ImportTimedOut(item.SourcePath)}
}

func (e *Engine) fail(item Item, err error) outcome {
	e.logger.Warn("import_item_failed",
		slog.String("source", item.SourcePath),
		slog.Any("error", yerrors.FormatForLog(err)))
	return outcome{status: statusFailed, err: err}
}

func (e *Engine) indexOnCreate(ctx context.Context, doc *repository.Document) {
	if e.index == nil {
		return
	}
	info, err := os.Stat(doc.Path)
	if err != nil {
		return
	}
	entry := store.Entry{
		DocumentID: doc.Metadata.ID.String(),
		Title:      doc.Metadata.Title,
		FullText:   doc.Metadata.Text(),
		SourceURL:  doc.Path,
		ModifiedAt: info.ModTime(),
		IndexedAt:  e.now(),
	}
	if err := e.index.Upsert(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.Warn("import_index_on_create_failed",
			slog.String("document_id", entry.DocumentID),
			slog.String("error", err.Error()))
	}
}

// preparePDF reads the source, checks the PDF magic, counts pages and
// wraps the bytes with fresh metadata.
func (e *Engine) preparePDF(ctx context.Context, item Item) (Prepared, error) {
	if err := ctx.Err(); err != nil {
		return Prepared{}, err
	}
	data, err := os.ReadFile(item.SourcePath)
	if err != nil {
		return Prepared{}, yerrors.ImportFailed("read source", err)
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		return Prepared{}, yerrors.New(yerrors.ErrCodeNotPDF, filepath.Base(item.SourcePath)+" is not a PDF", nil)
	}
	if err := ctx.Err(); err != nil {
		return Prepared{}, err
	}

	pages := e.pageCount(item.SourcePath, data)
	return Prepared{
		Metadata: archive.NewMetadata(item.Title, pages, e.now()),
		Payload:  data,
	}, nil
}

func (e *Engine) pageCount(source string, data []byte) int {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	n, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		e.logger.Warn("import_page_count_failed",
			slog.String("source", source),
			slog.String("error", err.Error()))
		return 0
	}
	return n
}

func describe(item Item, o outcome) string {
	switch o.status {
	case statusSucceeded:
		return "Imported " + item.Title
	case statusTimedOut:
		return "Timed out: " + item.Title
	case statusDeferred:
		return "Waiting for download: " + item.Title
	default:
		return fmt.Sprintf("Failed: %s", item.Title)
	}
}
