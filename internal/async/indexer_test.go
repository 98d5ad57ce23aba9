package async

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lh/yiana/internal/archive"
	"github.com/lh/yiana/internal/cloud"
	yerrors "github.com/lh/yiana/internal/errors"
	"github.com/lh/yiana/internal/repository"
	"github.com/lh/yiana/internal/store"
)

type fixture struct {
	repo    *repository.Repository
	index   store.SearchIndex
	dataDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo, err := repository.New(repository.Options{Root: filepath.Join(t.TempDir(), "docs")}, nil)
	require.NoError(t, err)

	dataDir := t.TempDir()
	index, err := store.Open(filepath.Join(dataDir, "index"), store.BackendSQLite, store.DefaultConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	return &fixture{repo: repo, index: index, dataDir: dataDir}
}

func (f *fixture) indexer(checker AvailabilityChecker) *BackgroundIndexer {
	if checker == nil {
		checker = cloud.NewProbe(nil, nil)
	}
	return NewBackgroundIndexer(f.repo, checker, f.index, IndexerConfig{DataDir: f.dataDir})
}

func (f *fixture) save(t *testing.T, title, text string) *repository.Document {
	t.Helper()
	meta := archive.NewMetadata(title, 1, time.Now())
	if text != "" {
		meta.ApplyOCR(text, 0.9, archive.OCRSourceEmbedded, time.Now())
	}
	doc, err := f.repo.Save(meta, []byte("%PDF-1.4 test"))
	require.NoError(t, err)
	return doc
}

func (f *fixture) count(t *testing.T) int {
	t.Helper()
	n, err := f.index.Count(context.Background())
	require.NoError(t, err)
	return n
}

// blockingChecker blocks the Nth check until release is closed.
type blockingChecker struct {
	inner   AvailabilityChecker
	blockOn int32
	calls   atomic.Int32
	reached chan struct{}
	release chan struct{}
}

func newBlockingChecker(blockOn int32) *blockingChecker {
	return &blockingChecker{
		inner:   cloud.NewProbe(nil, nil),
		blockOn: blockOn,
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (c *blockingChecker) Check(path string) (cloud.State, error) {
	if c.calls.Add(1) == c.blockOn {
		close(c.reached)
		<-c.release
	}
	return c.inner.Check(path)
}

func TestBackgroundIndexer_NewIsIdle(t *testing.T) {
	// Given/When: a new indexer
	f := newFixture(t)
	indexer := f.indexer(nil)

	// Then: it is idle with no run recorded
	assert.False(t, indexer.IsRunning())
	assert.Equal(t, StateIdle, indexer.State())
	assert.Equal(t, string(RunStatusNone), indexer.Progress().Snapshot().Status)
}

func TestBackgroundIndexer_IndexAllDocuments(t *testing.T) {
	// Given: three documents on disk
	f := newFixture(t)
	doc := f.save(t, "Gas bill", "British Gas quarterly statement")
	f.save(t, "Car insurance", "")
	f.save(t, "Passport", "renewal form")
	indexer := f.indexer(nil)

	// When: indexing everything
	stats, err := indexer.IndexAllDocuments(context.Background())

	// Then: every document is searchable
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Seen)
	assert.Equal(t, 3, stats.Indexed)
	assert.Equal(t, 3, f.count(t))

	results, err := f.index.Query(context.Background(), "quarterly", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, doc.Metadata.ID.String(), results[0].DocumentID)
	assert.Equal(t, doc.Path, results[0].SourceURL)

	assert.Equal(t, StateIdle, indexer.State())
	assert.Equal(t, string(RunStatusCompleted), indexer.Progress().Snapshot().Status)
}

func TestBackgroundIndexer_SecondRunIsIdempotent(t *testing.T) {
	// Given: an indexed repository
	f := newFixture(t)
	f.save(t, "One", "first")
	f.save(t, "Two", "second")
	indexer := f.indexer(nil)
	_, err := indexer.IndexAllDocuments(context.Background())
	require.NoError(t, err)

	// When: indexing again with no changes
	stats, err := indexer.IndexAllDocuments(context.Background())

	// Then: nothing is re-indexed and the count is unchanged
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Indexed)
	assert.Equal(t, 2, stats.Unchanged)
	assert.Equal(t, 0, stats.Removed)
	assert.Equal(t, 2, f.count(t))
}

func TestBackgroundIndexer_ReindexesModifiedDocument(t *testing.T) {
	// Given: an indexed document
	f := newFixture(t)
	doc := f.save(t, "Draft", "")
	indexer := f.indexer(nil)
	_, err := indexer.IndexAllDocuments(context.Background())
	require.NoError(t, err)

	// When: its title changes on disk
	_, err = f.repo.Update(doc.Path, func(m *archive.Metadata) error {
		m.Title = "Signed contract"
		return nil
	})
	require.NoError(t, err)
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(doc.Path, later, later))
	stats, err := indexer.IndexAllDocuments(context.Background())

	// Then: the new title is searchable
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Indexed)
	results, err := f.index.Query(context.Background(), "contract", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, store.MatchTitle, results[0].MatchType)
}

func TestBackgroundIndexer_RemovesDeletedDocuments(t *testing.T) {
	// Given: two indexed documents
	f := newFixture(t)
	keep := f.save(t, "Keep", "")
	gone := f.save(t, "Gone", "")
	indexer := f.indexer(nil)
	_, err := indexer.IndexAllDocuments(context.Background())
	require.NoError(t, err)

	// When: one is deleted and the index is refreshed
	require.NoError(t, f.repo.Delete(gone.Path))
	stats, err := indexer.IndexAllDocuments(context.Background())

	// Then: only the surviving document remains
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Removed)
	ok, err := f.index.IsIndexed(context.Background(), keep.Metadata.ID.String())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.index.IsIndexed(context.Background(), gone.Metadata.ID.String())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBackgroundIndexer_DefersCloudStubs(t *testing.T) {
	// Given: an indexed document that is then evicted to a cloud stub
	f := newFixture(t)
	doc := f.save(t, "Evicted", "cloud only")
	f.save(t, "Local", "")
	indexer := f.indexer(nil)
	_, err := indexer.IndexAllDocuments(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.Remove(doc.Path))
	require.NoError(t, os.WriteFile(cloud.StubPath(doc.Path), nil, 0o644))

	// When: indexing again
	stats, err := indexer.IndexAllDocuments(context.Background())

	// Then: the stub is deferred and its existing entry survives the sweep
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deferred)
	assert.Equal(t, 0, stats.Removed)
	assert.Equal(t, 2, f.count(t))
	assert.Equal(t, 1, indexer.Deferrals().Len())
}

// countingChecker counts checks per path.
type countingChecker struct {
	inner AvailabilityChecker
	calls map[string]int
}

func (c *countingChecker) Check(path string) (cloud.State, error) {
	c.calls[path]++
	return c.inner.Check(path)
}

func TestBackgroundIndexer_PartialDownloadWaitsOutBackoff(t *testing.T) {
	// Given: a container with a partial download beside it
	f := newFixture(t)
	doc := f.save(t, "Downloading", "")
	require.NoError(t, os.WriteFile(doc.Path+".download", []byte("part"), 0o644))
	checker := &countingChecker{inner: cloud.NewProbe(nil, nil), calls: map[string]int{}}
	indexer := f.indexer(checker)

	// When: indexing twice within the initial backoff
	first, err := indexer.IndexAllDocuments(context.Background())
	require.NoError(t, err)
	second, err := indexer.IndexAllDocuments(context.Background())
	require.NoError(t, err)

	// Then: it is checked once and reported deferred both times
	assert.Equal(t, 1, checker.calls[doc.Path])
	assert.Equal(t, 1, first.Deferred)
	assert.Equal(t, 1, second.Deferred)
	assert.Equal(t, 0, f.count(t))
}

func TestBackgroundIndexer_PendingFileNotIndexed(t *testing.T) {
	// Given: a repository holding only a cloud stub
	f := newFixture(t)
	stub := cloud.StubPath(filepath.Join(f.repo.Root(), "Remote.yianazip"))
	require.NoError(t, os.WriteFile(stub, nil, 0o644))
	indexer := f.indexer(nil)

	// When: indexing
	stats, err := indexer.IndexAllDocuments(context.Background())

	// Then: nothing is indexed and nothing fails
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deferred)
	assert.Equal(t, 0, stats.Failed)
	assert.Equal(t, 0, f.count(t))
}

func TestBackgroundIndexer_CorruptContainerCountedAsFailed(t *testing.T) {
	// Given: one good document and one corrupt container
	f := newFixture(t)
	f.save(t, "Good", "")
	bad := filepath.Join(f.repo.Root(), "Broken.yianazip")
	require.NoError(t, os.WriteFile(bad, []byte("not a container"), 0o644))
	indexer := f.indexer(nil)

	// When: indexing
	stats, err := indexer.IndexAllDocuments(context.Background())

	// Then: the run completes and reports the failure
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Indexed)
	assert.Equal(t, 1, stats.Failed)
}

func TestBackgroundIndexer_ResetThenReindexConverges(t *testing.T) {
	// Given: an indexed repository
	f := newFixture(t)
	for _, title := range []string{"A", "B", "C", "D"} {
		f.save(t, title, "")
	}
	indexer := f.indexer(nil)
	_, err := indexer.IndexAllDocuments(context.Background())
	require.NoError(t, err)

	// When: the index is reset and rebuilt
	require.NoError(t, f.index.Reset(context.Background()))
	require.Equal(t, 0, f.count(t))
	stats, err := indexer.IndexAllDocuments(context.Background())

	// Then: the count matches the repository again
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Indexed)
	assert.Equal(t, 4, f.count(t))
}

func TestBackgroundIndexer_ResetDuringRun(t *testing.T) {
	// Given: a run blocked on its second document
	f := newFixture(t)
	for _, title := range []string{"A", "B", "C"} {
		f.save(t, title, "")
	}
	checker := newBlockingChecker(2)
	indexer := f.indexer(checker)
	require.True(t, indexer.Start(context.Background()))
	<-checker.reached

	// When: resetting while that run is active
	type outcome struct {
		stats RunStats
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		stats, err := indexer.Reset(context.Background())
		done <- outcome{stats, err}
	}()
	require.Eventually(t, func() bool { return indexer.State() == StateCancelled }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, indexer.Start(context.Background()), "no run may start while resetting")
	close(checker.release)

	// Then: the old run stops, the index is cleared and fully rebuilt
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, 3, res.stats.Indexed)
	assert.Equal(t, 3, f.count(t))
	assert.Equal(t, StateIdle, indexer.State())
}

func TestBackgroundIndexer_StartWhileRunningIsNoop(t *testing.T) {
	// Given: a run blocked on its first document
	f := newFixture(t)
	f.save(t, "Only", "")
	checker := newBlockingChecker(1)
	indexer := f.indexer(checker)

	require.True(t, indexer.Start(context.Background()))
	<-checker.reached

	// When: starting again
	started := indexer.Start(context.Background())

	// Then: no second run begins
	assert.False(t, started)
	assert.True(t, indexer.IsRunning())

	close(checker.release)
	require.NoError(t, indexer.Wait())
	assert.False(t, indexer.IsRunning())
}

func TestBackgroundIndexer_CancelBetweenDocuments(t *testing.T) {
	// Given: five documents and a run blocked on the third
	f := newFixture(t)
	for _, title := range []string{"A", "B", "C", "D", "E"} {
		f.save(t, title, "")
	}
	checker := newBlockingChecker(3)
	indexer := f.indexer(checker)
	require.True(t, indexer.Start(context.Background()))
	<-checker.reached

	// When: cancelling while the third document is in flight
	cancelled := make(chan struct{})
	go func() {
		indexer.Cancel()
		close(cancelled)
	}()
	require.Eventually(t, func() bool { return indexer.State() == StateCancelled }, time.Second, time.Millisecond)
	close(checker.release)
	<-cancelled

	// Then: the in-flight document completes and the run stops after it
	stats, err := indexer.LastRun()
	require.NoError(t, err)
	assert.True(t, stats.Cancelled)
	assert.Equal(t, 3, stats.Indexed)
	assert.Equal(t, 3, f.count(t))
	assert.Equal(t, StateIdle, indexer.State())
	assert.Equal(t, string(RunStatusCancelled), indexer.Progress().Snapshot().Status)

	// And: a fresh run finishes the job
	stats, err = indexer.IndexAllDocuments(context.Background())
	require.NoError(t, err)
	assert.False(t, stats.Cancelled)
	assert.Equal(t, 5, f.count(t))
}

func TestBackgroundIndexer_CancelWhenIdle(t *testing.T) {
	// Given: an idle indexer
	f := newFixture(t)
	indexer := f.indexer(nil)

	// When/Then: cancelling returns immediately
	indexer.Cancel()
	assert.Equal(t, StateIdle, indexer.State())
}

func TestBackgroundIndexer_RequestCoalesces(t *testing.T) {
	// Given: a run blocked on its first document
	f := newFixture(t)
	f.save(t, "Only", "")
	checker := newBlockingChecker(1)
	indexer := f.indexer(checker)
	events, unsubscribe := indexer.Subscribe(256)
	defer unsubscribe()

	indexer.Request(context.Background())
	<-checker.reached

	// When: several more requests arrive during the run
	indexer.Request(context.Background())
	indexer.Request(context.Background())
	indexer.Request(context.Background())
	close(checker.release)
	require.NoError(t, indexer.Wait())

	// Then: exactly one follow-up run happens
	starts := 0
	finishes := 0
	for done := false; !done; {
		select {
		case e := <-events:
			switch e.Type {
			case EventRunStarted:
				starts++
			case EventRunFinished:
				finishes++
			}
		default:
			done = true
		}
	}
	assert.Equal(t, 2, starts)
	assert.Equal(t, 2, finishes)
}

func TestBackgroundIndexer_LockHeldElsewhere(t *testing.T) {
	// Given: another holder of the index lock
	f := newFixture(t)
	f.save(t, "Doc", "")
	lock := flock.New(filepath.Join(f.dataDir, LockFileName))
	ok, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = lock.Unlock() }()
	indexer := f.indexer(nil)

	// When: indexing
	_, err = indexer.IndexAllDocuments(context.Background())

	// Then: the run is refused as busy and nothing is written
	require.Error(t, err)
	assert.ErrorIs(t, err, yerrors.ErrIndexBusy)
	assert.Equal(t, 0, f.count(t))
	assert.Equal(t, string(RunStatusFailed), indexer.Progress().Snapshot().Status)
}

func TestBackgroundIndexer_PublishesDocumentEvents(t *testing.T) {
	// Given: a subscriber and one document
	f := newFixture(t)
	doc := f.save(t, "Receipt", "")
	indexer := f.indexer(nil)
	events, unsubscribe := indexer.Subscribe(16)
	defer unsubscribe()

	// When: indexing
	_, err := indexer.IndexAllDocuments(context.Background())
	require.NoError(t, err)

	// Then: started, indexed and finished arrive in order
	var types []EventType
	for len(types) < 3 {
		select {
		case e := <-events:
			types = append(types, e.Type)
			if e.Type == EventDocumentIndexed {
				assert.Equal(t, doc.Metadata.ID.String(), e.DocumentID)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.Equal(t, []EventType{EventRunStarted, EventDocumentIndexed, EventRunFinished}, types)
}
