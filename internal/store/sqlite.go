package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	yerrors "github.com/lh/yiana/internal/errors"
)

// schemaVersion 2 replaced the FTS5 table with lowered columns.
const schemaVersion = 2

// SQLiteIndex implements SearchIndex on SQLite. Titles and text are stored
// alongside lowered copies so that LIKE matches case-insensitively for every
// script, not only ASCII.
type SQLiteIndex struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	config Config
	closed bool
	logger *slog.Logger
}

// Verify interface implementation at compile time
var _ SearchIndex = (*SQLiteIndex)(nil)

// validateSQLiteIntegrity checks an existing database before use.
// Returns nil if valid or absent, error describing corruption if not.
func validateSQLiteIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master
                       WHERE type='table' AND name = 'entries'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("cannot query schema: %w", err)
	}
	var tables int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master`).Scan(&tables); err != nil {
		return fmt.Errorf("cannot query schema: %w", err)
	}
	// An empty database is new; a populated one must carry our table.
	if tables > 0 && count < 1 {
		return fmt.Errorf("search table missing")
	}

	return nil
}

// NewSQLiteIndex opens or creates a SQLite search index at path.
// If path is empty, creates an in-memory index for testing.
// A corrupt database yields IndexUnavailable and is left untouched.
func NewSQLiteIndex(path string, config Config, logger *slog.Logger) (*SQLiteIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := ":memory:"
	if path != "" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}

		if validErr := validateSQLiteIntegrity(path); validErr != nil {
			logger.Error("search_index_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			return nil, yerrors.IndexUnavailable("search index at "+path+" is corrupt", validErr).
				WithDetail("path", path)
		}
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, yerrors.IndexUnavailable("failed to open search index", err)
	}

	// Single connection: the in-memory database lives on it, and writes
	// are serialized anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -16384",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, classifySQLiteError("failed to set pragma", err)
		}
	}

	idx := &SQLiteIndex{
		db:     db,
		path:   path,
		config: config.withDefaults(),
		logger: logger,
	}

	if err := idx.initSchema(); err != nil {
		_ = db.Close()
		return nil, classifySQLiteError("failed to initialize schema", err)
	}
	if err := idx.migrate(); err != nil {
		_ = db.Close()
		return nil, classifySQLiteError("failed to migrate schema", err)
	}

	return idx, nil
}

func (s *SQLiteIndex) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS entries (
		doc_id      TEXT PRIMARY KEY,
		title       TEXT NOT NULL,
		full_text   TEXT NOT NULL DEFAULT '',
		title_lc    TEXT NOT NULL DEFAULT '',
		text_lc     TEXT NOT NULL DEFAULT '',
		source_url  TEXT NOT NULL DEFAULT '',
		modified_at INTEGER NOT NULL,
		indexed_at  INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_modified ON entries(modified_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// migrate upgrades a version 1 database, which kept an FTS5 table instead
// of lowered columns, to the current schema.
func (s *SQLiteIndex) migrate() error {
	var version int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return err
	}
	if version >= schemaVersion {
		return nil
	}

	var hasLowered int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('entries') WHERE name = 'title_lc'`).Scan(&hasLowered)
	if err != nil {
		return err
	}

	// Read everything first: the single connection cannot serve a cursor
	// and updates at the same time.
	type row struct{ id, title, text string }
	var pending []row
	if hasLowered == 0 {
		rows, err := s.db.Query(`SELECT doc_id, title, full_text FROM entries`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.id, &r.title, &r.text); err != nil {
				_ = rows.Close()
				return err
			}
			pending = append(pending, r)
		}
		if err := rows.Close(); err != nil {
			return err
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if hasLowered == 0 {
		for _, stmt := range []string{
			`ALTER TABLE entries ADD COLUMN title_lc TEXT NOT NULL DEFAULT ''`,
			`ALTER TABLE entries ADD COLUMN text_lc TEXT NOT NULL DEFAULT ''`,
		} {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
		for _, r := range pending {
			if _, err := tx.Exec(`UPDATE entries SET title_lc = ?, text_lc = ? WHERE doc_id = ?`,
				lowerString(r.title), lowerString(r.text), r.id); err != nil {
				return err
			}
		}
	}
	if _, err := tx.Exec(`DROP TABLE IF EXISTS entries_fts`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if version > 0 {
		s.logger.Info("search_index_migrated",
			slog.Int("from", version),
			slog.Int("to", schemaVersion),
			slog.Int("entries", len(pending)))
	}
	return nil
}

// classifySQLiteError maps corruption to IndexUnavailable and everything
// else to IndexFailed.
func classifySQLiteError(msg string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	e := strings.ToLower(err.Error())
	if strings.Contains(e, "malformed") || strings.Contains(e, "not a database") ||
		strings.Contains(e, "corrupt") || strings.Contains(e, "no such table") {
		return yerrors.IndexUnavailable(msg+": index store is corrupt", err)
	}
	return yerrors.New(yerrors.ErrCodeIndexFailed, msg, err)
}

func (s *SQLiteIndex) checkOpen() error {
	if s.closed {
		return yerrors.IndexUnavailable("index is closed", nil)
	}
	return nil
}

// Upsert implements SearchIndex.
func (s *SQLiteIndex) Upsert(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	e = normalizeEntry(e, s.logger)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entries (doc_id, title, full_text, title_lc, text_lc, source_url, modified_at, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			title = excluded.title,
			full_text = excluded.full_text,
			title_lc = excluded.title_lc,
			text_lc = excluded.text_lc,
			source_url = excluded.source_url,
			modified_at = excluded.modified_at,
			indexed_at = excluded.indexed_at`,
		e.DocumentID, e.Title, e.FullText, lowerString(e.Title), lowerString(e.FullText), e.SourceURL,
		toNanos(e.ModifiedAt), toNanos(e.IndexedAt))
	return classifySQLiteError("failed to upsert "+e.DocumentID, err)
}

// Remove implements SearchIndex.
func (s *SQLiteIndex) Remove(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE doc_id = ?`, documentID)
	return classifySQLiteError("failed to delete entry", err)
}

// Query implements SearchIndex.
func (s *SQLiteIndex) Query(ctx context.Context, term string, limit int) ([]Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(term) == "" {
		return []Result{}, nil
	}

	m := newMatcher(term)
	if len(m.terms) == 0 {
		// Punctuation-only queries have no terms to look up.
		return []Result{}, nil
	}

	// Title matches sort ahead of the candidate cap so that a flood of
	// newer content matches can never push them out.
	inTitle, titleArgs := fieldMatch("title_lc", m)
	inText, textArgs := fieldMatch("text_lc", m)
	query := `
		SELECT doc_id, title, full_text, source_url, modified_at, indexed_at
		FROM entries
		WHERE ` + inTitle + ` OR ` + inText + `
		ORDER BY ` + inTitle + ` DESC, modified_at DESC
		LIMIT ?`
	args := make([]any, 0, 2*len(titleArgs)+len(textArgs)+1)
	args = append(args, titleArgs...)
	args = append(args, textArgs...)
	args = append(args, titleArgs...)
	args = append(args, s.config.CandidateLimit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLiteError("search failed", err)
	}
	defer rows.Close()

	candidates, err := scanEntries(rows)
	if err != nil {
		return nil, classifySQLiteError("search failed", err)
	}
	return rankCandidates(candidates, term, limit, s.config), nil
}

// fieldMatch renders the matcher against one lowered column: the column
// contains the whole query, or every term.
func fieldMatch(column string, m matcher) (string, []any) {
	like := column + ` LIKE ? ESCAPE '\'`
	args := []any{likePattern(m.phrase)}
	terms := make([]string, len(m.terms))
	for i, t := range m.terms {
		terms[i] = like
		args = append(args, likePattern(t))
	}
	return "(" + like + " OR (" + strings.Join(terms, " AND ") + "))", args
}

func likePattern(needle []rune) string {
	return "%" + escapeLike(string(needle)) + "%"
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var modified, indexed int64
		if err := rows.Scan(&e.DocumentID, &e.Title, &e.FullText, &e.SourceURL, &modified, &indexed); err != nil {
			return nil, err
		}
		e.ModifiedAt = fromNanos(modified)
		e.IndexedAt = fromNanos(indexed)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get implements SearchIndex.
func (s *SQLiteIndex) Get(ctx context.Context, documentID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, title, full_text, source_url, modified_at, indexed_at
		FROM entries WHERE doc_id = ?`, documentID)
	if err != nil {
		return nil, classifySQLiteError("failed to get entry", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, classifySQLiteError("failed to get entry", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// IsIndexed implements SearchIndex.
func (s *SQLiteIndex) IsIndexed(ctx context.Context, documentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOpen(); err != nil {
		return false, err
	}

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE doc_id = ?`, documentID).Scan(&n)
	if err != nil {
		return false, classifySQLiteError("failed to check entry", err)
	}
	return n > 0, nil
}

// Count implements SearchIndex.
func (s *SQLiteIndex) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, classifySQLiteError("failed to count entries", err)
	}
	return n, nil
}

// AllIDs implements SearchIndex.
func (s *SQLiteIndex) AllIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT doc_id FROM entries ORDER BY doc_id`)
	if err != nil {
		return nil, classifySQLiteError("failed to query IDs", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classifySQLiteError("failed to scan ID", err)
		}
		ids = append(ids, id)
	}
	return ids, classifySQLiteError("failed to query IDs", rows.Err())
}

// Reset implements SearchIndex.
func (s *SQLiteIndex) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return classifySQLiteError("failed to clear entries", err)
	}

	s.logger.Info("search_index_reset", slog.String("backend", string(BackendSQLite)))
	return nil
}

// Close checkpoints the WAL and closes the database.
func (s *SQLiteIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.path != "" {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return s.db.Close()
}

// normalizeEntry applies the indexing rules shared by both backends:
// undecodable text is indexed as empty, the title always survives.
func normalizeEntry(e Entry, logger *slog.Logger) Entry {
	if text, ok := sanitizeText(e.FullText); !ok {
		logger.Warn("search_index_text_dropped",
			slog.String("document_id", e.DocumentID),
			slog.String("reason", "invalid encoding"))
		e.FullText = text
	}
	e.Title = strings.ToValidUTF8(strings.ReplaceAll(e.Title, "\x00", ""), "�")
	if e.IndexedAt.IsZero() {
		e.IndexedAt = time.Now()
	}
	e.ModifiedAt = e.ModifiedAt.UTC()
	e.IndexedAt = e.IndexedAt.UTC()
	return e
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
