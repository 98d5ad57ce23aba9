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
	"github.com/lh/yiana/internal/config"
	"github.com/lh/yiana/internal/importer"
	"github.com/lh/yiana/internal/service"
)

// End-to-end tests drive a real service over a temporary repository:
// import, index, OCR write-back and search against both index backends.

func openService(t *testing.T, backend string, mutate func(*config.Config)) *service.Service {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Repository.Root = filepath.Join(t.TempDir(), "Documents")
	cfg.Index.Backend = backend
	cfg.Watch.Debounce = "20ms"
	cfg.Watch.PollInterval = "50ms"
	if mutate != nil {
		mutate(cfg)
	}
	svc, err := service.Open(service.Options{Config: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func writePDF(t *testing.T, dir, name string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4\n% scanned letter\n"), 0o644))
	return path
}

func titles(t *testing.T, svc *service.Service, query string) []string {
	t.Helper()
	results, err := svc.Search(context.Background(), query, 0)
	require.NoError(t, err)
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.Title)
	}
	return out
}

func TestPipeline_ImportOCRSearch(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	for _, backend := range []string{"sqlite", "bleve"} {
		t.Run(backend, func(t *testing.T) {
			// Given: a batch of scans, one of which is still in the cloud
			svc := openService(t, backend, nil)
			src := t.TempDir()
			paths := []string{
				writePDF(t, src, "Water_rates-2024.pdf"),
				writePDF(t, src, "Car insurance.pdf"),
				filepath.Join(src, "Evicted scan.pdf"),
			}
			require.NoError(t, os.WriteFile(cloud.StubPath(paths[2]), nil, 0o644))

			// When: importing the batch
			result, err := svc.Import(context.Background(), importer.ItemsFromPaths(paths), importer.Options{}, nil)
			require.NoError(t, err)

			// Then: local files are stored and indexed, the placeholder is deferred
			require.Len(t, result.Successful, 2)
			assert.Equal(t, []string{paths[2]}, result.Deferred)
			assert.Empty(t, result.Failed)
			assert.Equal(t, []string{"Water rates 2024"}, titles(t, svc, "water"))

			count, err := svc.Count(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 2, count)

			// When: OCR text arrives for the insurance letter
			var insurance *string
			for _, doc := range result.Successful {
				if doc.Metadata.Title == "Car insurance" {
					id := doc.Metadata.ID.String()
					insurance = &id
				}
			}
			require.NotNil(t, insurance)
			_, err = svc.ApplyOCR(context.Background(), *insurance, "Policy renewal for the blue hatchback", 0.88, archive.OCRSourceService)
			require.NoError(t, err)
			_, err = svc.IndexAll(context.Background())
			require.NoError(t, err)

			// Then: the body text is searchable
			assert.Equal(t, []string{"Car insurance"}, titles(t, svc, "hatchback"))
		})
	}
}

func TestPipeline_DeletedDocumentLeavesIndex(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	// Given: two indexed documents
	svc := openService(t, "sqlite", nil)
	keep, err := svc.Repository().Create("Tenancy agreement")
	require.NoError(t, err)
	gone, err := svc.Repository().Create("Old tenancy deposit")
	require.NoError(t, err)
	_, err = svc.IndexAll(context.Background())
	require.NoError(t, err)
	require.Len(t, titles(t, svc, "tenancy"), 2)

	// When: one is deleted from the repository and the index runs again
	require.NoError(t, svc.Repository().Delete(gone.Path))
	stats, err := svc.IndexAll(context.Background())
	require.NoError(t, err)

	// Then: the index sweeps it out
	assert.Equal(t, 1, stats.Removed)
	assert.Equal(t, []string{"Tenancy agreement"}, titles(t, svc, "tenancy"))
	indexed, err := svc.IsDocumentIndexed(context.Background(), gone.Metadata.ID.String())
	require.NoError(t, err)
	assert.False(t, indexed)
	indexed, err = svc.IsDocumentIndexed(context.Background(), keep.Metadata.ID.String())
	require.NoError(t, err)
	assert.True(t, indexed)
}

func TestPipeline_EvictedDocumentIsDeferredUntilDownloaded(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	// Given: a container that only exists as a cloud placeholder
	svc := openService(t, "sqlite", func(c *config.Config) {
		c.Index.Deferral.InitialDelay = "10ms"
		c.Index.Deferral.MaxDelay = "20ms"
	})
	doc, err := svc.Repository().Create("Boiler warranty")
	require.NoError(t, err)
	stub := cloud.StubPath(doc.Path)
	require.NoError(t, os.Rename(doc.Path, stub))

	// When: indexing
	stats, err := svc.IndexAll(context.Background())
	require.NoError(t, err)

	// Then: it is deferred, not failed, and nothing is indexed
	assert.Equal(t, 1, stats.Deferred)
	assert.Zero(t, stats.Failed)
	assert.Empty(t, titles(t, svc, "boiler"))

	// When: the download completes and the backoff has elapsed
	require.NoError(t, os.Rename(stub, doc.Path))
	time.Sleep(30 * time.Millisecond)
	stats, err = svc.IndexAll(context.Background())
	require.NoError(t, err)

	// Then: it is indexed
	assert.Equal(t, 1, stats.Indexed)
	assert.Equal(t, []string{"Boiler warranty"}, titles(t, svc, "boiler"))
}

func TestPipeline_InMemoryIndexWritesNoIndexFile(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Repository.Root = filepath.Join(t.TempDir(), "Documents")
	svc, err := service.Open(service.Options{Config: cfg, InMemoryIndex: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	files, err := svc.Repository().List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.NoFileExists(t, service.IndexBasePath(cfg)+".db")
}
