package watcher

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/lh/yiana/internal/archive"
	"github.com/lh/yiana/internal/cloud"
)

// ConfigFileName is the per-repository config file.
const ConfigFileName = ".yiana.yaml"

const downloadSuffix = ".download"

// Operation represents a file system operation type.
type Operation int

const (
	// OpCreate indicates a new file was created.
	OpCreate Operation = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted.
	OpDelete
	// OpRename indicates a file was renamed away.
	OpRename
	// OpRescan means events were lost and every document should be
	// looked at again. Path is empty.
	OpRescan
)

// String returns a human-readable representation of the operation.
func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	case OpRename:
		return "RENAME"
	case OpRescan:
		return "RESCAN"
	default:
		return "UNKNOWN"
	}
}

// Kind tells which file behind a document changed.
type Kind int

const (
	// KindDocument is the container file itself.
	KindDocument Kind = iota
	// KindStub is a cloud placeholder for the document.
	KindStub
	// KindDownload is an in-flight download partial for the document.
	KindDownload
	// KindConfig is the repository config file.
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindDocument:
		return "document"
	case KindStub:
		return "stub"
	case KindDownload:
		return "download"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// FileEvent represents a relevant change under the repository.
type FileEvent struct {
	// Path is relative to the root. For stubs and downloads it names the
	// document they stand for, so events about one document coalesce.
	Path string

	Operation Operation
	Kind      Kind
	Timestamp time.Time
}

// Options configures the watcher behavior.
type Options struct {
	// DebounceWindow is the time to wait before emitting coalesced events.
	// Default: 200ms
	DebounceWindow time.Duration

	// PollInterval is the interval for polling mode (fallback).
	// Default: 5s
	PollInterval time.Duration

	// EventBufferSize is the size of the batch channel buffer.
	// Default: 100
	EventBufferSize int

	// ForcePolling skips fsnotify.
	ForcePolling bool
}

// DefaultOptions returns the default watcher options.
func DefaultOptions() Options {
	return Options{
		DebounceWindow:  200 * time.Millisecond,
		PollInterval:    5 * time.Second,
		EventBufferSize: 100,
	}
}

// WithDefaults returns options with defaults applied for zero values.
func (o Options) WithDefaults() Options {
	defaults := DefaultOptions()
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = defaults.DebounceWindow
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaults.PollInterval
	}
	if o.EventBufferSize <= 0 {
		o.EventBufferSize = defaults.EventBufferSize
	}
	return o
}

// Classify maps a root-relative file path to the document path it concerns
// and the kind of file it is. ok is false for files the watcher ignores.
func Classify(relPath string) (docPath string, kind Kind, ok bool) {
	relPath = filepath.Clean(relPath)
	dir, name := filepath.Split(relPath)
	if hiddenDir(dir) {
		return "", 0, false
	}

	switch {
	case name == ConfigFileName && dir == "":
		return relPath, KindConfig, true
	case cloud.IsStub(name):
		doc := cloud.MaterializedPath(relPath)
		if !isContainer(doc) {
			return "", 0, false
		}
		return doc, KindStub, true
	case strings.HasPrefix(name, "."):
		return "", 0, false
	case strings.HasSuffix(name, downloadSuffix):
		doc := strings.TrimSuffix(relPath, downloadSuffix)
		if !isContainer(doc) {
			return "", 0, false
		}
		return doc, KindDownload, true
	case isContainer(name):
		return relPath, KindDocument, true
	default:
		return "", 0, false
	}
}

// IgnoreDir reports whether a root-relative directory is skipped.
func IgnoreDir(relDir string) bool {
	if relDir == "." || relDir == "" {
		return false
	}
	return hiddenDir(relDir + string(filepath.Separator))
}

func hiddenDir(dir string) bool {
	for _, part := range strings.Split(filepath.ToSlash(dir), "/") {
		if strings.HasPrefix(part, ".") && part != "." && part != ".." {
			return true
		}
	}
	return false
}

func isContainer(path string) bool {
	return strings.EqualFold(filepath.Ext(path), archive.Extension)
}
