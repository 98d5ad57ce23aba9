// Package repository stores Yiana documents as container files in a
// directory tree, one file per document.
package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lh/yiana/internal/archive"
	"github.com/lh/yiana/internal/cloud"
	yerrors "github.com/lh/yiana/internal/errors"
)

// DefaultCacheSize is the number of metadata records kept in memory.
const DefaultCacheSize = 2048

// Options configures a Repository.
type Options struct {
	// Root is the directory holding documents (searched recursively).
	Root string

	// CacheSize bounds the metadata cache (0 = DefaultCacheSize).
	CacheSize int

	// Now returns the current time (nil = time.Now).
	Now func() time.Time
}

// DocumentFile is a container discovered on disk.
type DocumentFile struct {
	Path    string    // Absolute path of the materialized document
	RelPath string    // Path relative to the repository root
	ModTime time.Time // Zero for cloud stubs
	Size    int64
	Stub    bool // Only a cloud placeholder is present
}

// Document is a persisted container and its metadata.
type Document struct {
	Path     string
	Metadata archive.Metadata
}

// WalkResult is sent on the channel returned by Walk.
type WalkResult struct {
	File  *DocumentFile
	Error error
}

type cachedMetadata struct {
	modTime time.Time
	size    int64
	meta    archive.Metadata
}

// Repository reads and writes containers under a root directory.
// Writes are atomic per document: a temp file is renamed into place.
type Repository struct {
	root   string
	now    func() time.Time
	cache  *lru.Cache[string, cachedMetadata]
	logger *slog.Logger
}

// New opens the repository at opts.Root, creating the directory if needed.
func New(opts Options, logger *slog.Logger) (*Repository, error) {
	if opts.Root == "" {
		return nil, yerrors.ConfigError("repository root is empty", nil)
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create repository root: %w", err)
	}

	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, cachedMetadata](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata cache: %w", err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Repository{root: root, now: now, cache: cache, logger: logger}, nil
}

// Root returns the absolute repository root.
func (r *Repository) Root() string {
	return r.root
}

// Walk streams every document under the root, including cloud stubs.
// Hidden directories and in-flight temp files are skipped. The channel is
// closed when the walk completes or ctx is cancelled.
func (r *Repository) Walk(ctx context.Context) <-chan WalkResult {
	results := make(chan WalkResult, 64)

	go func() {
		defer close(results)

		send := func(res WalkResult) bool {
			select {
			case results <- res:
				return true
			case <-ctx.Done():
				return false
			}
		}

		err := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				if !send(WalkResult{Error: fmt.Errorf("walk %s: %w", path, err)}) {
					return ctx.Err()
				}
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}

			name := d.Name()
			if d.IsDir() {
				if path != r.root && strings.HasPrefix(name, ".") {
					return fs.SkipDir
				}
				return nil
			}

			file, ok := r.classify(path, d)
			if !ok {
				return nil
			}
			if !send(WalkResult{File: file}) {
				return ctx.Err()
			}
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			send(WalkResult{Error: err})
		}
	}()

	return results
}

// List collects Walk into a slice. Per-file errors are logged and skipped.
func (r *Repository) List(ctx context.Context) ([]DocumentFile, error) {
	var files []DocumentFile
	for res := range r.Walk(ctx) {
		if res.Error != nil {
			r.logger.Warn("repository_walk_error", slog.String("error", res.Error.Error()))
			continue
		}
		files = append(files, *res.File)
	}
	return files, ctx.Err()
}

func (r *Repository) classify(path string, d fs.DirEntry) (*DocumentFile, bool) {
	if cloud.IsStub(path) {
		doc := cloud.MaterializedPath(path)
		if !IsDocumentPath(doc) {
			return nil, false
		}
		// A materialized file beside its stub is reported once, as itself.
		if _, err := os.Stat(doc); err == nil {
			return nil, false
		}
		return &DocumentFile{Path: doc, RelPath: r.rel(doc), Stub: true}, true
	}
	if strings.HasPrefix(d.Name(), ".") || !IsDocumentPath(path) {
		return nil, false
	}
	info, err := d.Info()
	if err != nil {
		return nil, false
	}
	return &DocumentFile{Path: path, RelPath: r.rel(path), ModTime: info.ModTime(), Size: info.Size()}, true
}

func (r *Repository) rel(path string) string {
	rel, err := filepath.Rel(r.root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// IsDocumentPath reports whether path has the container extension.
func IsDocumentPath(path string) bool {
	return strings.EqualFold(filepath.Ext(path), archive.Extension)
}

// Load reads and decodes the whole container at path.
func (r *Repository) Load(path string) (archive.Metadata, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return archive.Metadata{}, nil, wrapFSError(path, err)
	}
	meta, payload, err := archive.Decode(data)
	if err != nil {
		return archive.Metadata{}, nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return meta, payload, nil
}

// LoadMetadata returns only the metadata at path. Results are cached and
// revalidated against the file's modification time and size.
func (r *Repository) LoadMetadata(path string) (archive.Metadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return archive.Metadata{}, wrapFSError(path, err)
	}
	if c, ok := r.cache.Get(path); ok && c.modTime.Equal(info.ModTime()) && c.size == info.Size() {
		return c.meta, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return archive.Metadata{}, wrapFSError(path, err)
	}
	defer func() { _ = f.Close() }()

	meta, _, err := archive.ReadMetadata(f)
	if err != nil {
		return archive.Metadata{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	r.cache.Add(path, cachedMetadata{modTime: info.ModTime(), size: info.Size(), meta: meta})
	return meta, nil
}

// Save writes a new document named after its title, choosing a free file
// name in the root. The write never replaces an existing file.
func (r *Repository) Save(meta archive.Metadata, payload []byte) (*Document, error) {
	return r.SaveIn(r.root, meta, payload)
}

// SaveIn is Save into dir, which must be inside the repository.
func (r *Repository) SaveIn(dir string, meta archive.Metadata, payload []byte) (*Document, error) {
	if err := r.ensureInside(dir); err != nil {
		return nil, err
	}
	data, err := archive.Encode(meta, payload, archive.CurrentVersion)
	if err != nil {
		return nil, yerrors.InternalError("encode container", err)
	}
	tmp, err := r.writeTemp(dir, data)
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.Remove(tmp) }()

	base := FileNameForTitle(meta.Title)
	for n := 1; n < 10000; n++ {
		name := base
		if n > 1 {
			name = fmt.Sprintf("%s %d", base, n)
		}
		path := filepath.Join(dir, name+archive.Extension)
		if _, err := os.Stat(cloud.StubPath(path)); err == nil {
			continue
		}
		err := os.Link(tmp, path)
		if err == nil {
			return &Document{Path: path, Metadata: meta}, nil
		}
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		// Hard links unsupported: fall back to check-then-rename.
		if _, statErr := os.Stat(path); errors.Is(statErr, fs.ErrNotExist) {
			if err := os.Rename(tmp, path); err != nil {
				return nil, yerrors.New(yerrors.ErrCodeWriteFailed, "commit "+path, err)
			}
			return &Document{Path: path, Metadata: meta}, nil
		}
	}
	return nil, yerrors.New(yerrors.ErrCodeWriteFailed, "no free file name for "+meta.Title, nil)
}

// Write atomically replaces the container at path.
func (r *Repository) Write(path string, meta archive.Metadata, payload []byte) error {
	if err := r.ensureInside(filepath.Dir(path)); err != nil {
		return err
	}
	data, err := archive.Encode(meta, payload, archive.CurrentVersion)
	if err != nil {
		return yerrors.InternalError("encode container", err)
	}
	tmp, err := r.writeTemp(filepath.Dir(path), data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return yerrors.New(yerrors.ErrCodeWriteFailed, "commit "+path, err)
	}
	r.cache.Remove(path)
	return nil
}

// Create persists a placeholder document: metadata only, zero pages.
func (r *Repository) Create(title string) (*Document, error) {
	if strings.TrimSpace(title) == "" {
		title = "Untitled"
	}
	return r.Save(archive.NewMetadata(title, 0, r.now()), nil)
}

// Update loads the container at path, applies fn to its metadata, and
// writes it back with the payload unchanged.
func (r *Repository) Update(path string, fn func(*archive.Metadata) error) (*Document, error) {
	meta, payload, err := r.Load(path)
	if err != nil {
		return nil, err
	}
	if err := fn(&meta); err != nil {
		return nil, err
	}
	if err := r.Write(path, meta, payload); err != nil {
		return nil, err
	}
	return &Document{Path: path, Metadata: meta}, nil
}

// Delete removes the document at path. Missing files are not an error.
func (r *Repository) Delete(path string) error {
	if err := r.ensureInside(filepath.Dir(path)); err != nil {
		return err
	}
	r.cache.Remove(path)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return wrapFSError(path, err)
	}
	return nil
}

// Find returns the document whose metadata id is id. Cloud stubs and
// undecodable files are skipped.
func (r *Repository) Find(ctx context.Context, id uuid.UUID) (*Document, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for res := range r.Walk(ctx) {
		if res.Error != nil || res.File.Stub {
			continue
		}
		meta, err := r.LoadMetadata(res.File.Path)
		if err != nil {
			continue
		}
		if meta.ID == id {
			return &Document{Path: res.File.Path, Metadata: meta}, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, yerrors.New(yerrors.ErrCodeFileNotFound, "no document with id "+id.String(), nil)
}

func (r *Repository) writeTemp(dir string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", yerrors.New(yerrors.ErrCodeWriteFailed, "create "+dir, err)
	}
	f, err := os.CreateTemp(dir, ".tmp-*"+archive.Extension)
	if err != nil {
		return "", yerrors.New(yerrors.ErrCodeWriteFailed, "create temp file", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", yerrors.New(yerrors.ErrCodeWriteFailed, "write temp file", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", yerrors.New(yerrors.ErrCodeWriteFailed, "sync temp file", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", yerrors.New(yerrors.ErrCodeWriteFailed, "close temp file", err)
	}
	return tmp, nil
}

func (r *Repository) ensureInside(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return yerrors.ValidationError("invalid path "+dir, err)
	}
	if abs != r.root && !strings.HasPrefix(abs, r.root+string(filepath.Separator)) {
		return yerrors.ValidationError("path outside repository: "+dir, nil)
	}
	return nil
}

func wrapFSError(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return yerrors.New(yerrors.ErrCodeFileNotFound, "file not found: "+path, err)
	case errors.Is(err, fs.ErrPermission):
		return yerrors.New(yerrors.ErrCodeFilePermission, "permission denied: "+path, err)
	default:
		return err
	}
}

// FileNameForTitle converts a title to a safe file base name.
func FileNameForTitle(title string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(title) {
		switch {
		case r == '/' || r == '\\' || r == ':' || r < 0x20 || r == 0x7f:
			b.WriteRune('-')
		default:
			b.WriteRune(r)
		}
	}
	name := strings.TrimLeft(b.String(), ".")
	name = strings.TrimSpace(name)
	if name == "" {
		return "Untitled"
	}
	const maxRunes = 120
	if rs := []rune(name); len(rs) > maxRunes {
		name = strings.TrimSpace(string(rs[:maxRunes]))
	}
	return name
}
