package importer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lh/yiana/internal/archive"
	"github.com/lh/yiana/internal/async"
	"github.com/lh/yiana/internal/cloud"
	yerrors "github.com/lh/yiana/internal/errors"
	"github.com/lh/yiana/internal/repository"
	"github.com/lh/yiana/internal/store"
)

type harness struct {
	repo   *repository.Repository
	engine *Engine
	src    string
}

func newHarness(t *testing.T, cfg EngineConfig) *harness {
	t.Helper()
	repo, err := repository.New(repository.Options{Root: filepath.Join(t.TempDir(), "docs")}, nil)
	require.NoError(t, err)
	cfg.Writer = repo
	if cfg.Gate == nil {
		cfg.Gate = cloud.NewProbe(nil, nil)
	}
	return &harness{repo: repo, engine: NewEngine(cfg), src: t.TempDir()}
}

// source writes a fake PDF and returns an item for it.
func (h *harness) source(t *testing.T, title string) Item {
	t.Helper()
	path := filepath.Join(h.src, title+".pdf")
	writeFile(t, path, "%PDF-1.4 "+title)
	return Item{SourcePath: path, Title: title}
}

func quickPrepare(_ context.Context, item Item) (Prepared, error) {
	return Prepared{
		Metadata: archive.NewMetadata(item.Title, 1, time.Now()),
		Payload:  []byte("%PDF-1.4"),
	}, nil
}

func testOptions(workers int, timeout time.Duration) Options {
	return Options{MaxItems: MaxBatchSize, Workers: workers, PerItemTimeout: timeout}
}

func titles(docs []*repository.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Metadata.Title
	}
	return out
}

// minimalPDF builds a one-page PDF with a correct cross-reference table.
func minimalPDF() []byte {
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> >>",
	}
	var b strings.Builder
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n", len(objects)+1)
	b.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return []byte(b.String())
}

func TestEngine_ImportsRealPDF(t *testing.T) {
	// Given: a valid one-page PDF on disk
	h := newHarness(t, EngineConfig{})
	path := filepath.Join(h.src, "Tax_Return-2024.pdf")
	require.NoError(t, os.WriteFile(path, minimalPDF(), 0o644))

	// When: importing it with a suggested title
	result, err := h.engine.ImportMany(context.Background(), ItemsFromPaths([]string{path}), DefaultOptions(), nil)

	// Then: a container with the PDF payload is written
	require.NoError(t, err)
	require.Len(t, result.Successful, 1)
	doc := result.Successful[0]
	assert.Equal(t, "Tax Return 2024", doc.Metadata.Title)
	assert.Equal(t, 1, doc.Metadata.PageCount)

	meta, payload, err := h.repo.Load(doc.Path)
	require.NoError(t, err)
	assert.Equal(t, doc.Metadata.ID, meta.ID)
	assert.Equal(t, minimalPDF(), payload)
}

func TestEngine_UntitledItemsGetDistinctTitles(t *testing.T) {
	// Given: two untitled sources with the same file name in different folders
	h := newHarness(t, EngineConfig{})
	h.engine.Prepare = quickPrepare
	var items []Item
	for _, dir := range []string{"2023", "2024"} {
		path := filepath.Join(h.src, dir, "report.pdf")
		writeFile(t, path, "%PDF-1.4 "+dir)
		items = append(items, Item{SourcePath: path})
	}

	// When: importing them without titles
	result, err := h.engine.ImportMany(context.Background(), items, testOptions(1, time.Second), nil)

	// Then: both are imported under different titles
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"report", "report 2"}, titles(result.Successful))
}

func TestEngine_UnparseablePDFStillImports(t *testing.T) {
	// Given: bytes with the PDF magic but no valid structure
	h := newHarness(t, EngineConfig{})
	item := h.source(t, "Damaged")

	// When: importing
	result, err := h.engine.ImportMany(context.Background(), []Item{item}, DefaultOptions(), nil)

	// Then: it is imported with zero pages
	require.NoError(t, err)
	require.Len(t, result.Successful, 1)
	assert.Equal(t, 0, result.Successful[0].Metadata.PageCount)
}

func TestEngine_RejectsNonPDF(t *testing.T) {
	// Given: a source that is not a PDF
	h := newHarness(t, EngineConfig{})
	path := filepath.Join(h.src, "photo.pdf")
	writeFile(t, path, "\x89PNG")

	// When: importing
	result, err := h.engine.ImportMany(context.Background(), []Item{{SourcePath: path}}, DefaultOptions(), nil)

	// Then: the item fails with a not-PDF error and nothing is written
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, yerrors.ErrCodeNotPDF, yerrors.GetCode(result.Failed[0].Err))
	files, err := h.repo.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestEngine_TimeoutIsolation(t *testing.T) {
	// Given: three sources where "C" never finishes preparing
	h := newHarness(t, EngineConfig{})
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	h.engine.Prepare = func(ctx context.Context, item Item) (Prepared, error) {
		if item.Title == "C" {
			<-stuck
		}
		return quickPrepare(ctx, item)
	}
	items := []Item{h.source(t, "A"), h.source(t, "B"), h.source(t, "C")}

	// When: importing with a short per-item timeout
	start := time.Now()
	result, err := h.engine.ImportMany(context.Background(), items, testOptions(2, 200*time.Millisecond), nil)

	// Then: the batch returns promptly with C timed out
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []string{"A", "B"}, titles(result.Successful))
	assert.Equal(t, []string{items[2].SourcePath}, result.TimedOut)
	assert.Empty(t, result.Failed)

	// And: indexing afterwards sees only the two committed documents
	index, err := store.Open("", store.BackendSQLite, store.DefaultConfig(), nil)
	require.NoError(t, err)
	defer func() { _ = index.Close() }()
	indexer := async.NewBackgroundIndexer(h.repo, cloud.NewProbe(nil, nil), index, async.IndexerConfig{})
	_, err = indexer.IndexAllDocuments(context.Background())
	require.NoError(t, err)
	count, err := index.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestEngine_ConcurrencyBound(t *testing.T) {
	// Given: twenty items and an instrumented prepare step
	h := newHarness(t, EngineConfig{})
	var inFlight, maxInFlight atomic.Int32
	h.engine.Prepare = func(ctx context.Context, item Item) (Prepared, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return quickPrepare(ctx, item)
	}
	var items []Item
	for i := 0; i < 20; i++ {
		items = append(items, h.source(t, fmt.Sprintf("Doc %02d", i)))
	}

	// When: importing with three workers
	result, err := h.engine.ImportMany(context.Background(), items, testOptions(3, 5*time.Second), nil)

	// Then: never more than three items were in progress
	require.NoError(t, err)
	assert.Len(t, result.Successful, 20)
	assert.LessOrEqual(t, maxInFlight.Load(), int32(3))
	assert.GreaterOrEqual(t, maxInFlight.Load(), int32(1))
}

func TestEngine_CapEnforcement(t *testing.T) {
	// Given: 1,000 items
	h := newHarness(t, EngineConfig{})
	var prepared atomic.Int32
	h.engine.Prepare = func(ctx context.Context, item Item) (Prepared, error) {
		prepared.Add(1)
		return quickPrepare(ctx, item)
	}
	items := make([]Item, 1000)
	for i := range items {
		items[i] = Item{SourcePath: filepath.Join(h.src, fmt.Sprintf("%04d.pdf", i)), Title: fmt.Sprintf("Item %04d", i)}
	}
	h.engine.gate = nil

	// When: importing with the maximum of 500
	opts := testOptions(8, 5*time.Second)
	opts.MaxItems = 500
	result, err := h.engine.ImportMany(context.Background(), items, opts, nil)

	// Then: exactly 500 are processed
	require.NoError(t, err)
	assert.Equal(t, 500, result.Total())
	assert.Equal(t, 500, result.Truncated)
	assert.Equal(t, int32(500), prepared.Load())
}

func TestEngine_ProgressIsSerializedAndMonotonic(t *testing.T) {
	// Given: a batch of ten items on four workers
	h := newHarness(t, EngineConfig{})
	h.engine.Prepare = quickPrepare
	var items []Item
	for i := 0; i < 10; i++ {
		items = append(items, h.source(t, fmt.Sprintf("P%d", i)))
	}

	var (
		mu        sync.Mutex
		active    int
		overlap   bool
		fractions []float64
		last      Progress
	)
	onProgress := func(p Progress) {
		mu.Lock()
		active++
		if active > 1 {
			overlap = true
		}
		fractions = append(fractions, p.Fraction)
		last = p
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
	}

	// When: importing
	_, err := h.engine.ImportMany(context.Background(), items, testOptions(4, 5*time.Second), onProgress)

	// Then: callbacks never overlap and fractions never decrease
	require.NoError(t, err)
	assert.False(t, overlap)
	require.NotEmpty(t, fractions)
	for i := 1; i < len(fractions); i++ {
		assert.GreaterOrEqual(t, fractions[i], fractions[i-1])
	}
	assert.Equal(t, 10, last.Completed)
	assert.Equal(t, 10, last.Total)
	assert.InDelta(t, 1.0, last.Fraction, 1e-9)
}

func TestEngine_DefersCloudSources(t *testing.T) {
	// Given: a source that only exists as a cloud stub
	h := newHarness(t, EngineConfig{})
	path := filepath.Join(h.src, "Remote.pdf")
	writeFile(t, cloud.StubPath(path), "")
	local := h.source(t, "Local")

	// When: importing both
	result, err := h.engine.ImportMany(context.Background(), []Item{{SourcePath: path}, local}, DefaultOptions(), nil)

	// Then: the stub is deferred rather than failed
	require.NoError(t, err)
	assert.Equal(t, []string{path}, result.Deferred)
	assert.Len(t, result.Successful, 1)
	assert.Empty(t, result.Failed)
}

func TestEngine_MissingSourceFails(t *testing.T) {
	h := newHarness(t, EngineConfig{})

	result, err := h.engine.ImportMany(context.Background(), []Item{{SourcePath: filepath.Join(h.src, "nope.pdf")}}, DefaultOptions(), nil)

	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	assert.ErrorIs(t, result.Failed[0].Err, yerrors.ErrImportFailed)
}

func TestEngine_CancellationStopsBatch(t *testing.T) {
	// Given: a single worker blocked on the first of five items
	h := newHarness(t, EngineConfig{})
	started := make(chan struct{})
	var once sync.Once
	h.engine.Prepare = func(ctx context.Context, item Item) (Prepared, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return Prepared{}, ctx.Err()
	}
	var items []Item
	for i := 0; i < 5; i++ {
		items = append(items, h.source(t, fmt.Sprintf("X%d", i)))
	}
	ctx, cancel := context.WithCancel(context.Background())

	// When: the caller abandons the batch
	go func() {
		<-started
		cancel()
	}()
	result, err := h.engine.ImportMany(ctx, items, testOptions(1, time.Minute), nil)

	// Then: every item is failed as cancelled and nothing is written
	require.NoError(t, err)
	assert.Equal(t, 5, result.Total())
	require.Len(t, result.Failed, 5)
	for _, f := range result.Failed {
		assert.ErrorIs(t, f.Err, yerrors.ErrImportCancelled)
	}
	files, err := h.repo.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestEngine_InvalidOptions(t *testing.T) {
	h := newHarness(t, EngineConfig{})

	tests := []struct {
		name string
		opts Options
	}{
		{"zero workers", Options{MaxItems: 10, Workers: 0, PerItemTimeout: time.Second}},
		{"too many workers", Options{MaxItems: 10, Workers: 64, PerItemTimeout: time.Second}},
		{"cap above maximum", Options{MaxItems: 501, Workers: 1, PerItemTimeout: time.Second}},
		{"no timeout", Options{MaxItems: 10, Workers: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.ImportMany(context.Background(), nil, tt.opts, nil)
			require.Error(t, err)
			assert.Equal(t, yerrors.ErrCodeInvalidInput, yerrors.GetCode(err))
		})
	}
}

func TestEngine_IndexOnCreateAndPrioritySignal(t *testing.T) {
	// Given: an engine with an index and an OCR priority signal
	index, err := store.Open("", store.BackendSQLite, store.DefaultConfig(), nil)
	require.NoError(t, err)
	defer func() { _ = index.Close() }()

	h := newHarness(t, EngineConfig{Index: index})
	h.engine.priority = NewPrioritySignal(h.repo.Root())
	h.engine.Prepare = quickPrepare

	// When: importing a document
	result, err := h.engine.ImportMany(context.Background(), []Item{h.source(t, "Electricity")}, DefaultOptions(), nil)
	require.NoError(t, err)
	require.Len(t, result.Successful, 1)
	doc := result.Successful[0]

	// Then: it is searchable by title immediately
	ok, err := index.IsIndexed(context.Background(), doc.Metadata.ID.String())
	require.NoError(t, err)
	assert.True(t, ok)

	// And: its file name is queued for OCR
	entries, err := h.engine.priority.Entries()
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Base(doc.Path)}, entries)
}
