// Package cloud classifies whether a file can be read right now without
// blocking on a cloud provider download.
package cloud

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	yerrors "github.com/lh/yiana/internal/errors"
)

// State is the derived availability of a file. It is never persisted.
type State int

const (
	// StateAvailable means the bytes are local and readable.
	StateAvailable State = iota
	// StatePending means the file exists in the cloud but is not downloaded.
	StatePending
	// StateDownloading means a download is in progress.
	StateDownloading
	// StateError means the provider flags could not be read.
	StateError
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StatePending:
		return "pending"
	case StateDownloading:
		return "downloading"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Deferred reports whether callers should skip the file for now.
func (s State) Deferred() bool {
	return s == StatePending || s == StateDownloading
}

// DownloadStatus mirrors the provider's per-file download status.
type DownloadStatus int

const (
	DownloadStatusCurrent DownloadStatus = iota
	DownloadStatusDownloaded
	DownloadStatusNotDownloaded
)

// Flags are the provider-exposed metadata for one file.
type Flags struct {
	IsCloudItem    bool
	DownloadStatus DownloadStatus
	IsDownloading  bool
}

// FlagReader reads provider flags for a path.
type FlagReader interface {
	Flags(path string) (Flags, error)
}

// FlagReaderFunc adapts a function to FlagReader.
type FlagReaderFunc func(path string) (Flags, error)

// Flags implements FlagReader.
func (f FlagReaderFunc) Flags(path string) (Flags, error) { return f(path) }

// Classify maps provider flags to an availability state.
func Classify(f Flags) State {
	if !f.IsCloudItem {
		return StateAvailable
	}
	if f.IsDownloading {
		return StateDownloading
	}
	switch f.DownloadStatus {
	case DownloadStatusCurrent, DownloadStatusDownloaded:
		return StateAvailable
	default:
		return StatePending
	}
}

// Probe answers "can this file be read now?". It keeps no cache; every
// call re-reads the flags.
type Probe struct {
	reader FlagReader
	logger *slog.Logger
}

// NewProbe creates a probe. A nil reader uses StubFlagReader.
func NewProbe(reader FlagReader, logger *slog.Logger) *Probe {
	if reader == nil {
		reader = StubFlagReader{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{reader: reader, logger: logger}
}

// State returns the availability of path. Flag read failures are logged
// and reported as StateError.
func (p *Probe) State(path string) State {
	state, err := p.Check(path)
	if err != nil {
		p.logger.Warn("cloud_probe_failed",
			slog.String("path", path),
			slog.String("error", err.Error()))
	}
	return state
}

// Check is State with the underlying error returned.
func (p *Probe) Check(path string) (State, error) {
	flags, err := p.reader.Flags(path)
	if err != nil {
		return StateError, yerrors.New(yerrors.ErrCodeCloudProbeFailed, "cannot read provider flags for "+path, err)
	}
	return Classify(flags), nil
}

// Gate returns nil when path is available, CloudNotYetAvailable when it is
// pending or downloading, and the probe error otherwise.
func (p *Probe) Gate(path string) error {
	state, err := p.Check(path)
	switch {
	case err != nil:
		return err
	case state.Deferred():
		return yerrors.CloudNotYetAvailable(path).WithDetail("state", state.String())
	default:
		return nil
	}
}

const (
	stubSuffix     = ".icloud"
	downloadSuffix = ".download"
)

// StubFlagReader derives flags from the iCloud placeholder convention on a
// plain filesystem: an evicted "dir/name" is represented by "dir/.name.icloud",
// and an in-flight download leaves "dir/name.download" beside it.
type StubFlagReader struct{}

// Flags implements FlagReader.
func (StubFlagReader) Flags(path string) (Flags, error) {
	path = MaterializedPath(path)
	stub := StubPath(path)

	if _, err := os.Stat(path + downloadSuffix); err == nil {
		return Flags{IsCloudItem: true, DownloadStatus: DownloadStatusNotDownloaded, IsDownloading: true}, nil
	}

	info, err := os.Stat(path)
	switch {
	case err == nil:
		if !info.Mode().IsRegular() {
			return Flags{}, &fs.PathError{Op: "probe", Path: path, Err: errors.New("not a regular file")}
		}
		return Flags{IsCloudItem: fileExists(stub), DownloadStatus: DownloadStatusCurrent}, nil
	case errors.Is(err, fs.ErrNotExist):
		if fileExists(stub) {
			return Flags{IsCloudItem: true, DownloadStatus: DownloadStatusNotDownloaded}, nil
		}
		return Flags{}, err
	default:
		return Flags{}, err
	}
}

// StubPath returns the placeholder path for a materialized file path.
func StubPath(path string) string {
	dir, name := filepath.Split(path)
	return filepath.Join(dir, "."+name+stubSuffix)
}

// IsStub reports whether path names a cloud placeholder stub.
func IsStub(path string) bool {
	name := filepath.Base(path)
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, stubSuffix) && len(name) > len(stubSuffix)+1
}

// MaterializedPath maps a stub path to the file it stands for. Other paths
// are returned unchanged.
func MaterializedPath(path string) string {
	if !IsStub(path) {
		return path
	}
	dir, name := filepath.Split(path)
	return filepath.Join(dir, strings.TrimSuffix(strings.TrimPrefix(name, "."), stubSuffix))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
