package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Backend represents the search index backend type.
type Backend string

const (
	// BackendSQLite uses SQLite (default). WAL mode allows readers in
	// other processes.
	BackendSQLite Backend = "sqlite"

	// BackendBleve uses Bleve v2. Single process only.
	BackendBleve Backend = "bleve"
)

// Open creates a SearchIndex using the specified backend.
// basePath has no extension; ".db" or ".bleve" is added per backend.
// If basePath is empty, creates an in-memory index.
func Open(basePath string, backend Backend, config Config, logger *slog.Logger) (SearchIndex, error) {
	switch backend {
	case BackendSQLite, "":
		return NewSQLiteIndex(IndexPath(basePath, BackendSQLite), config, logger)
	case BackendBleve:
		return NewBleveIndex(IndexPath(basePath, BackendBleve), config, logger)
	default:
		return nil, fmt.Errorf("unknown search backend: %s (valid options: sqlite, bleve)", backend)
	}
}

// IndexPath returns the on-disk location for basePath and backend.
func IndexPath(basePath string, backend Backend) string {
	if basePath == "" {
		return ""
	}
	if backend == BackendBleve {
		return basePath + ".bleve"
	}
	return basePath + ".db"
}

// Destroy removes an index's files so a corrupt index can be rebuilt.
// It is the operator path behind "index reset" when Open fails.
func Destroy(basePath string, backend Backend) error {
	path := IndexPath(basePath, backend)
	if path == "" {
		return nil
	}
	if backend == BackendBleve {
		return os.RemoveAll(path)
	}
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

// DetectBackend reports which backend an existing index uses, or "" if none.
func DetectBackend(basePath string) Backend {
	if info, err := os.Stat(basePath + ".db"); err == nil && !info.IsDir() {
		return BackendSQLite
	}
	if info, err := os.Stat(basePath + ".bleve"); err == nil && info.IsDir() {
		return BackendBleve
	}
	return ""
}
