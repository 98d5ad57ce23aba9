package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/query"

	yerrors "github.com/lh/yiana/internal/errors"
)

const (
	// DocumentTokenizerName is the name of the word tokenizer.
	DocumentTokenizerName = "yiana_document_tokenizer"

	// DocumentAnalyzerName is the name of the title/text analyzer.
	DocumentAnalyzerName = "yiana_document_analyzer"
)

func init() {
	_ = registry.RegisterTokenizer(DocumentTokenizerName, documentTokenizerConstructor)
}

// BleveIndex implements SearchIndex on Bleve v2. Candidates are fetched
// newest first with per-term wildcard queries, title matches in a search of
// their own; ranking is shared with SQLiteIndex.
type BleveIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	config Config
	closed bool
	logger *slog.Logger
}

var _ SearchIndex = (*BleveIndex)(nil)

// bleveDocument is the stored shape of an Entry.
type bleveDocument struct {
	Title      string `json:"title"`
	FullText   string `json:"full_text"`
	SourceURL  string `json:"source_url"`
	ModifiedAt string `json:"modified_at"`
	IndexedAt  string `json:"indexed_at"`

	// ModifiedKey orders lexically like ModifiedAt orders in time.
	ModifiedKey string `json:"modified_key"`
}

var storedFields = []string{"title", "full_text", "source_url", "modified_at", "indexed_at"}

// validateIndexIntegrity checks an existing Bleve index directory.
func validateIndexIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing (corrupted index)")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty (corrupted)")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}

	return nil
}

// isCorruptionError checks if an error indicates Bleve index corruption.
func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "unexpected end of JSON") ||
		strings.Contains(errStr, "error parsing mapping JSON") ||
		strings.Contains(errStr, "failed to load segment") ||
		strings.Contains(errStr, "error opening bolt") ||
		errors.Is(err, bleve.ErrorIndexMetaCorrupt)
}

// NewBleveIndex opens or creates a Bleve index at path.
// If path is empty, creates an in-memory index.
// Corruption yields IndexUnavailable; nothing is cleared automatically.
func NewBleveIndex(path string, config Config, logger *slog.Logger) (*BleveIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}

	indexMapping, err := createIndexMapping()
	if err != nil {
		return nil, fmt.Errorf("failed to create index mapping: %w", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}

		if validErr := validateIndexIntegrity(path); validErr != nil {
			logger.Error("search_index_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			return nil, yerrors.IndexUnavailable("search index at "+path+" is corrupt", validErr).
				WithDetail("path", path)
		}

		idx, err = bleve.Open(path)
		if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			idx, err = bleve.New(path, indexMapping)
		} else if isCorruptionError(err) {
			logger.Error("search_index_open_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
			return nil, yerrors.IndexUnavailable("search index at "+path+" cannot be opened", err).
				WithDetail("path", path)
		}
	}
	if err != nil {
		return nil, yerrors.IndexUnavailable("failed to create/open index", err)
	}

	return &BleveIndex{
		index:  idx,
		path:   path,
		config: config.withDefaults(),
		logger: logger,
	}, nil
}

func createIndexMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()

	err := indexMapping.AddCustomAnalyzer(DocumentAnalyzerName, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     DocumentTokenizerName,
		"token_filters": []string{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add custom analyzer: %w", err)
	}

	text := bleve.NewTextFieldMapping()
	text.Analyzer = DocumentAnalyzerName
	text.Store = true
	text.IncludeInAll = false

	stored := bleve.NewTextFieldMapping()
	stored.Analyzer = keyword.Name
	stored.Store = true
	stored.IncludeInAll = false

	doc := bleve.NewDocumentMapping()
	doc.Dynamic = false
	doc.AddFieldMappingsAt("title", text)
	doc.AddFieldMappingsAt("full_text", text)
	doc.AddFieldMappingsAt("source_url", stored)
	doc.AddFieldMappingsAt("modified_at", stored)
	doc.AddFieldMappingsAt("indexed_at", stored)

	sortKey := bleve.NewTextFieldMapping()
	sortKey.Analyzer = keyword.Name
	sortKey.IncludeInAll = false
	doc.AddFieldMappingsAt("modified_key", sortKey)

	indexMapping.DefaultMapping = doc
	indexMapping.DefaultAnalyzer = DocumentAnalyzerName

	return indexMapping, nil
}

func (b *BleveIndex) checkOpen() error {
	if b.closed {
		return yerrors.IndexUnavailable("index is closed", nil)
	}
	return nil
}

func (b *BleveIndex) wrap(msg string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if isCorruptionError(err) {
		return yerrors.IndexUnavailable(msg+": index store is corrupt", err)
	}
	return yerrors.New(yerrors.ErrCodeIndexFailed, msg, err)
}

// Upsert implements SearchIndex.
func (b *BleveIndex) Upsert(ctx context.Context, e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e = normalizeEntry(e, b.logger)

	doc := bleveDocument{
		Title:      e.Title,
		FullText:   e.FullText,
		SourceURL:  e.SourceURL,
		ModifiedAt: strconv.FormatInt(toNanos(e.ModifiedAt), 10),
		IndexedAt:  strconv.FormatInt(toNanos(e.IndexedAt), 10),

		ModifiedKey: modifiedKey(e.ModifiedAt),
	}
	return b.wrap("failed to index "+e.DocumentID, b.index.Index(e.DocumentID, doc))
}

// Remove implements SearchIndex.
func (b *BleveIndex) Remove(ctx context.Context, documentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.wrap("failed to delete "+documentID, b.index.Delete(documentID))
}

// Query implements SearchIndex.
func (b *BleveIndex) Query(ctx context.Context, term string, limit int) ([]Result, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(term) == "" {
		return []Result{}, nil
	}

	m := newMatcher(term)
	if len(m.terms) == 0 {
		// Punctuation-only queries have no indexed terms to look up.
		return []Result{}, nil
	}

	inTitle := allTermsIn("title", m.terms)
	inText := allTermsIn("full_text", m.terms)

	// Title matches are fetched on their own so that newer content matches
	// cannot crowd them out of the candidate cap.
	titles, err := b.newest(ctx, inTitle)
	if err != nil {
		return nil, err
	}
	either, err := b.newest(ctx, bleve.NewDisjunctionQuery(inTitle, inText))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(titles)+len(either))
	candidates := make([]Entry, 0, len(titles)+len(either))
	for _, hit := range append(titles, either...) {
		if _, dup := seen[hit.ID]; dup {
			continue
		}
		seen[hit.ID] = struct{}{}
		candidates = append(candidates, entryFromHit(hit))
	}
	return rankCandidates(candidates, term, limit, b.config), nil
}

// allTermsIn matches documents whose field contains every term.
func allTermsIn(field string, terms [][]rune) query.Query {
	conjuncts := make([]query.Query, 0, len(terms))
	for _, t := range terms {
		q := bleve.NewWildcardQuery("*" + string(t) + "*")
		q.SetField(field)
		conjuncts = append(conjuncts, q)
	}
	return bleve.NewConjunctionQuery(conjuncts...)
}

// newest returns up to CandidateLimit hits for q, most recently modified first.
func (b *BleveIndex) newest(ctx context.Context, q query.Query) (search.DocumentMatchCollection, error) {
	req := bleve.NewSearchRequestOptions(q, b.config.CandidateLimit, 0, false)
	req.Fields = storedFields
	req.SortBy([]string{"-modified_key", "_id"})

	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, b.wrap("search failed", err)
	}
	return res.Hits, nil
}

// modifiedKey renders t as a fixed-width decimal, biased so that times
// before 1970 still sort correctly.
func modifiedKey(t time.Time) string {
	return fmt.Sprintf("%020d", uint64(toNanos(t))^(1<<63))
}

func entryFromHit(hit *search.DocumentMatch) Entry {
	str := func(name string) string {
		if v, ok := hit.Fields[name].(string); ok {
			return v
		}
		return ""
	}
	nanos := func(name string) int64 {
		n, _ := strconv.ParseInt(str(name), 10, 64)
		return n
	}
	return Entry{
		DocumentID: hit.ID,
		Title:      str("title"),
		FullText:   str("full_text"),
		SourceURL:  str("source_url"),
		ModifiedAt: fromNanos(nanos("modified_at")),
		IndexedAt:  fromNanos(nanos("indexed_at")),
	}
}

// Get implements SearchIndex.
func (b *BleveIndex) Get(ctx context.Context, documentID string) (*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	req := bleve.NewSearchRequestOptions(bleve.NewDocIDQuery([]string{documentID}), 1, 0, false)
	req.Fields = storedFields
	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, b.wrap("failed to get entry", err)
	}
	if len(res.Hits) == 0 {
		return nil, nil
	}
	e := entryFromHit(res.Hits[0])
	return &e, nil
}

// IsIndexed implements SearchIndex.
func (b *BleveIndex) IsIndexed(ctx context.Context, documentID string) (bool, error) {
	e, err := b.Get(ctx, documentID)
	if err != nil {
		return false, err
	}
	return e != nil, nil
}

// Count implements SearchIndex.
func (b *BleveIndex) Count(ctx context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	n, err := b.index.DocCount()
	if err != nil {
		return 0, b.wrap("failed to count entries", err)
	}
	return int(n), nil
}

// AllIDs implements SearchIndex.
func (b *BleveIndex) AllIDs(ctx context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	return b.allIDs(ctx)
}

func (b *BleveIndex) allIDs(ctx context.Context) ([]string, error) {
	docCount, err := b.index.DocCount()
	if err != nil {
		return nil, b.wrap("failed to count entries", err)
	}
	if docCount == 0 {
		return nil, nil
	}

	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), int(docCount), 0, false)
	req.Fields = []string{}
	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, b.wrap("failed to search for all IDs", err)
	}

	ids := make([]string, len(res.Hits))
	for i, hit := range res.Hits {
		ids[i] = hit.ID
	}
	return ids, nil
}

// Reset implements SearchIndex by deleting every document in one batch.
func (b *BleveIndex) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOpen(); err != nil {
		return err
	}

	ids, err := b.allIDs(ctx)
	if err != nil {
		return err
	}
	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return b.wrap("failed to reset index", err)
	}

	b.logger.Info("search_index_reset",
		slog.String("backend", string(BackendBleve)),
		slog.Int("removed", len(ids)))
	return nil
}

// Close implements SearchIndex.
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

func documentTokenizerConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.Tokenizer, error) {
	return &documentTokenizer{}, nil
}

// documentTokenizer emits lowercased letter/digit runs with byte offsets.
type documentTokenizer struct{}

// Tokenize implements analysis.Tokenizer.
func (t *documentTokenizer) Tokenize(input []byte) analysis.TokenStream {
	var stream analysis.TokenStream
	text := string(input)
	pos := 1
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		stream = append(stream, &analysis.Token{
			Term:     []byte(lowerString(text[start:end])),
			Start:    start,
			End:      end,
			Position: pos,
			Type:     analysis.AlphaNumeric,
		})
		pos++
		start = -1
	}
	for i, r := range text {
		if isSeparator(r) {
			flush(i)
			continue
		}
		if start < 0 {
			start = i
		}
	}
	flush(len(text))
	return stream
}
