package cloud

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	yerrors "github.com/lh/yiana/internal/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		flags Flags
		want  State
	}{
		{name: "local file", flags: Flags{}, want: StateAvailable},
		{name: "cloud item current", flags: Flags{IsCloudItem: true, DownloadStatus: DownloadStatusCurrent}, want: StateAvailable},
		{name: "cloud item downloaded", flags: Flags{IsCloudItem: true, DownloadStatus: DownloadStatusDownloaded}, want: StateAvailable},
		{name: "not downloaded", flags: Flags{IsCloudItem: true, DownloadStatus: DownloadStatusNotDownloaded}, want: StatePending},
		{name: "downloading wins", flags: Flags{IsCloudItem: true, DownloadStatus: DownloadStatusNotDownloaded, IsDownloading: true}, want: StateDownloading},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.flags))
		})
	}
}

func TestProbe_ReaderErrorIsStateError(t *testing.T) {
	// Given: a provider that cannot read flags
	probe := NewProbe(FlagReaderFunc(func(string) (Flags, error) {
		return Flags{}, os.ErrPermission
	}), nil)

	// When: probing
	state, err := probe.Check("/docs/a.yianazip")

	// Then: error state with the cause attached
	assert.Equal(t, StateError, state)
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.Equal(t, yerrors.ErrCodeCloudProbeFailed, yerrors.GetCode(err))
	assert.Equal(t, StateError, probe.State("/docs/a.yianazip"))
}

func TestProbe_NoCaching(t *testing.T) {
	// Given: a provider whose answer changes between calls
	calls := 0
	probe := NewProbe(FlagReaderFunc(func(string) (Flags, error) {
		calls++
		if calls == 1 {
			return Flags{IsCloudItem: true, DownloadStatus: DownloadStatusNotDownloaded}, nil
		}
		return Flags{IsCloudItem: true, DownloadStatus: DownloadStatusDownloaded}, nil
	}), nil)

	// Then: each call re-reads
	assert.Equal(t, StatePending, probe.State("x"))
	assert.Equal(t, StateAvailable, probe.State("x"))
	assert.Equal(t, 2, calls)
}

func TestProbe_Gate(t *testing.T) {
	// Given: a file that is mid-download
	probe := NewProbe(FlagReaderFunc(func(string) (Flags, error) {
		return Flags{IsCloudItem: true, IsDownloading: true}, nil
	}), nil)

	// When: gating a read
	err := probe.Gate("a.pdf")

	// Then: the read is deferred, not failed
	require.ErrorIs(t, err, yerrors.ErrCloudNotYetAvailable)
	var ye *yerrors.YianaError
	require.True(t, errors.As(err, &ye))
	assert.Equal(t, "downloading", ye.Details["state"])
	assert.Equal(t, yerrors.SeverityInfo, ye.Severity)

	available := NewProbe(FlagReaderFunc(func(string) (Flags, error) { return Flags{}, nil }), nil)
	assert.NoError(t, available.Gate("a.pdf"))
}

func TestStubFlagReader(t *testing.T) {
	dir := t.TempDir()

	local := filepath.Join(dir, "local.yianazip")
	require.NoError(t, os.WriteFile(local, []byte("x"), 0o644))

	evicted := filepath.Join(dir, "evicted.yianazip")
	require.NoError(t, os.WriteFile(StubPath(evicted), []byte("stub"), 0o644))

	inflight := filepath.Join(dir, "inflight.yianazip")
	require.NoError(t, os.WriteFile(inflight+downloadSuffix, []byte("part"), 0o644))

	probe := NewProbe(StubFlagReader{}, nil)

	assert.Equal(t, StateAvailable, probe.State(local))
	assert.Equal(t, StatePending, probe.State(evicted))
	assert.Equal(t, StatePending, probe.State(StubPath(evicted)), "stub path maps to its document")
	assert.Equal(t, StateDownloading, probe.State(inflight))
	assert.Equal(t, StateError, probe.State(filepath.Join(dir, "missing.yianazip")))
	assert.Equal(t, StateError, probe.State(dir), "directories are not documents")
}

func TestStubPaths(t *testing.T) {
	stub := StubPath("/r/sub/Tax 2023.yianazip")

	assert.Equal(t, "/r/sub/.Tax 2023.yianazip.icloud", stub)
	assert.True(t, IsStub(stub))
	assert.False(t, IsStub("/r/sub/Tax 2023.yianazip"))
	assert.False(t, IsStub("/r/.icloud"))
	assert.Equal(t, "/r/sub/Tax 2023.yianazip", MaterializedPath(stub))
}
