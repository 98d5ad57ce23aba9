package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lh/yiana/internal/archive"
	yerrors "github.com/lh/yiana/internal/errors"
	"github.com/lh/yiana/internal/importer"
	"github.com/lh/yiana/internal/store"
)

func containers(t *testing.T, root string) []string {
	t.Helper()
	var found []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".yiana" {
			return filepath.SkipDir
		}
		if filepath.Ext(path) == archive.Extension {
			found = append(found, path)
		}
		return nil
	})
	require.NoError(t, err)
	return found
}

func TestImportCmd_ImportsAndIndexes(t *testing.T) {
	// Given: two PDFs outside the repository
	root := isolate(t)
	src := t.TempDir()
	a := writePDF(t, src, "British_Gas-bill.pdf")
	b := writePDF(t, src, "passport.pdf")

	// When: importing them
	stdout, _, err := run(t, "import", "--root", root, "--skip-check", "--json", a, b)

	// Then: both are reported, stored and searchable
	require.NoError(t, err)
	var report importReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	require.Len(t, report.Imported, 2)
	assert.Equal(t, "British Gas bill", report.Imported[0].Title)
	assert.Empty(t, report.Failed)
	assert.Len(t, containers(t, root), 2)

	stdout, _, err = run(t, "search", "--root", root, "--json", "passport")
	require.NoError(t, err)
	var results []store.Result
	require.NoError(t, json.Unmarshal([]byte(stdout), &results))
	require.Len(t, results, 1)
	assert.Equal(t, report.Imported[1].ID, results[0].DocumentID)
}

func TestImportCmd_FromListIntoSubfolder(t *testing.T) {
	// Given: a file list with a comment, a valid entry and a missing entry
	root := isolate(t)
	src := t.TempDir()
	writePDF(t, src, "lease.pdf")
	list := filepath.Join(src, "list.txt")
	require.NoError(t, os.WriteFile(list, []byte("# pending\nlease.pdf\nmissing.pdf\n"), 0o644))

	// When: importing the list into a subfolder with plain output
	stdout, _, err := run(t, "import", "--root", root, "--skip-check", "--no-tui", "--list", list, "--into", "2024")

	// Then: the missing entry is warned about and the valid one lands in 2024/
	require.NoError(t, err)
	assert.Contains(t, stdout, "missing.pdf")
	assert.Contains(t, stdout, "Complete: 1 imported")
	found := containers(t, root)
	require.Len(t, found, 1)
	assert.Equal(t, filepath.Join(root, "2024"), filepath.Dir(found[0]))
}

func TestImportCmd_DryRun_ShowsBatchPlan(t *testing.T) {
	root := isolate(t)
	src := t.TempDir()
	writePDF(t, src, "a.pdf")
	writePDF(t, src, "b.pdf")
	writePDF(t, src, "c.pdf")

	stdout, _, err := run(t, "import", "--root", root, "--dry-run", "--batch-size", "2", "--delay", "5s", "--dir", src)

	require.NoError(t, err)
	assert.Contains(t, stdout, "Would import 3 files")
	assert.Contains(t, stdout, "in 2 batches of up to 2")
	assert.Contains(t, stdout, "5s pause between batches")
	assert.Contains(t, stdout, "batch 1: files 1-2")
	assert.Contains(t, stdout, "batch 2: files 3-3")
	assert.Empty(t, containers(t, root))
}

func TestImportCmd_ImportsEveryFileAcrossBatches(t *testing.T) {
	// Given: five PDFs and a batch size of two
	root := isolate(t)
	src := t.TempDir()
	for _, name := range []string{"a.pdf", "b.pdf", "c.pdf", "d.pdf", "e.pdf"} {
		writePDF(t, src, name)
	}

	// When: importing the folder
	stdout, _, err := run(t, "import", "--root", root, "--skip-check", "--json",
		"--batch-size", "2", "--delay", "1ms", "--dir", src)

	// Then: all five land in three batches with nothing truncated
	require.NoError(t, err)
	var report importReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Len(t, report.Imported, 5)
	assert.Equal(t, 3, report.Batches)
	assert.Zero(t, report.Truncated)
	assert.Len(t, containers(t, root), 5)
}

func TestImportCmd_BatchSizeOutOfRange(t *testing.T) {
	root := isolate(t)
	src := t.TempDir()
	a := writePDF(t, src, "a.pdf")

	for _, size := range []string{"-1", "501"} {
		_, _, err := run(t, "import", "--root", root, "--skip-check", "--batch-size", size, a)

		require.Error(t, err, size)
		assert.Equal(t, yerrors.ErrCodeInvalidInput, yerrors.GetCode(err), size)
	}
	assert.Empty(t, containers(t, root))
}

func TestSplitBatches(t *testing.T) {
	items := importer.ItemsFromPaths([]string{"/a.pdf", "/b.pdf", "/c.pdf", "/d.pdf", "/e.pdf"})

	batches := splitBatches(items, 2)

	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[2], 1)
	assert.Equal(t, "/e.pdf", batches[2][0].SourcePath)
	assert.Empty(t, splitBatches(nil, 2))
}

func TestImportCmd_NotPDF_FailsWithoutAbortingBatch(t *testing.T) {
	// Given: one valid PDF and one text file with a .pdf name
	root := isolate(t)
	src := t.TempDir()
	good := writePDF(t, src, "good.pdf")
	bad := filepath.Join(src, "bad.pdf")
	require.NoError(t, os.WriteFile(bad, []byte("not a pdf"), 0o644))

	// When: importing both
	stdout, _, err := run(t, "import", "--root", root, "--skip-check", "--json", good, bad)

	// Then: the command fails but the good file was still imported
	require.Error(t, err)
	assert.Equal(t, yerrors.ErrCodeImportFailed, yerrors.GetCode(err))
	var report importReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Len(t, report.Imported, 1)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, bad, report.Failed[0].Source)
}

func TestImportCmd_NoSources(t *testing.T) {
	root := isolate(t)

	_, _, err := run(t, "import", "--root", root)

	require.Error(t, err)
	assert.Equal(t, yerrors.ErrCodeInvalidInput, yerrors.GetCode(err))
}
