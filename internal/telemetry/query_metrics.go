// Package telemetry records local search statistics. Nothing leaves the
// process.
package telemetry

import (
	"cmp"
	"slices"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LatencyBucket is a query latency histogram bucket.
type LatencyBucket string

const (
	BucketP10   LatencyBucket = "p10"   // <10ms
	BucketP50   LatencyBucket = "p50"   // 10-50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP1000 LatencyBucket = "p1000" // >=500ms
)

var bucketBounds = []struct {
	below  time.Duration
	bucket LatencyBucket
}{
	{10 * time.Millisecond, BucketP10},
	{50 * time.Millisecond, BucketP50},
	{100 * time.Millisecond, BucketP100},
	{500 * time.Millisecond, BucketP500},
}

// LatencyToBucket returns the histogram bucket for d.
func LatencyToBucket(d time.Duration) LatencyBucket {
	for _, b := range bucketBounds {
		if d < b.below {
			return b.bucket
		}
	}
	return BucketP1000
}

// QueryEvent is one search for recording.
type QueryEvent struct {
	Query       string
	TitleHits   int
	ContentHits int
	DocumentIDs []string // Documents returned, best first
	Latency     time.Duration
	Timestamp   time.Time
}

// ResultCount is the number of results returned.
func (e QueryEvent) ResultCount() int {
	return e.TitleHits + e.ContentHits
}

// stopWords are frequent in letters and bills and say nothing about what
// the user looked for.
var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "from": {}, "with": {}, "your": {}, "our": {},
}

// ExtractTerms lowercases a query and keeps words of three or more runes
// that are not stop words.
func ExtractTerms(query string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if len([]rune(w)) < 3 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		terms = append(terms, w)
	}
	return terms
}

// recentSet keeps the last n distinct values, oldest first. Re-adding a
// value moves it to the end.
type recentSet struct {
	limit  int
	values []string
}

func newRecentSet(limit int) *recentSet {
	if limit <= 0 {
		limit = 100
	}
	return &recentSet{limit: limit}
}

func (r *recentSet) add(v string) {
	if i := slices.Index(r.values, v); i >= 0 {
		r.values = slices.Delete(r.values, i, i+1)
	}
	r.values = append(r.values, v)
	if len(r.values) > r.limit {
		r.values = r.values[len(r.values)-r.limit:]
	}
}

func (r *recentSet) list() []string {
	return slices.Clone(r.values)
}

// TermCount is a term and how often it was searched.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// DocumentCount is a document ID and how often searches returned it.
type DocumentCount struct {
	ID    string `json:"id"`
	Count int64  `json:"count"`
}

// Snapshot is a point-in-time copy of the metrics.
type Snapshot struct {
	TotalQueries        int64                   `json:"total_queries"`
	ZeroResultCount     int64                   `json:"zero_result_count"`
	TitleHits           int64                   `json:"title_hits"`
	ContentHits         int64                   `json:"content_hits"`
	TopTerms            []TermCount             `json:"top_terms"`
	TopDocuments        []DocumentCount         `json:"top_documents"`
	ZeroResultQueries   []string                `json:"zero_result_queries"`
	LatencyDistribution map[LatencyBucket]int64 `json:"latency_distribution"`
	Since               time.Time               `json:"since"`
}

// ZeroResultPercentage returns the share of queries with no results.
func (s Snapshot) ZeroResultPercentage() float64 {
	if s.TotalQueries == 0 {
		return 0
	}
	return float64(s.ZeroResultCount) / float64(s.TotalQueries) * 100
}

// Config sizes the collector. Zero values use DefaultConfig.
type Config struct {
	TopTermsCapacity     int
	TopDocumentsCapacity int
	ZeroResultsCapacity  int
	SnapshotTop          int // Entries per ranking in a Snapshot
}

// DefaultConfig returns the default capacities.
func DefaultConfig() Config {
	return Config{TopTermsCapacity: 100, TopDocumentsCapacity: 200, ZeroResultsCapacity: 50, SnapshotTop: 20}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TopTermsCapacity <= 0 {
		c.TopTermsCapacity = d.TopTermsCapacity
	}
	if c.TopDocumentsCapacity <= 0 {
		c.TopDocumentsCapacity = d.TopDocumentsCapacity
	}
	if c.ZeroResultsCapacity <= 0 {
		c.ZeroResultsCapacity = d.ZeroResultsCapacity
	}
	if c.SnapshotTop <= 0 {
		c.SnapshotTop = d.SnapshotTop
	}
	return c
}

// QueryMetrics aggregates search statistics. Counters for terms and
// documents live in LRU caches so rarely seen keys age out on long runs.
// Safe for concurrent use.
type QueryMetrics struct {
	mu  sync.Mutex
	cfg Config

	terms       *lru.Cache[string, int64]
	documents   *lru.Cache[string, int64]
	zeroResults *recentSet
	latencies   map[LatencyBucket]int64

	total       int64
	zero        int64
	titleHits   int64
	contentHits int64
	since       time.Time
}

// NewQueryMetrics creates a collector.
func NewQueryMetrics(cfg Config) *QueryMetrics {
	cfg = cfg.withDefaults()
	terms, _ := lru.New[string, int64](cfg.TopTermsCapacity)
	documents, _ := lru.New[string, int64](cfg.TopDocumentsCapacity)
	return &QueryMetrics{
		cfg:         cfg,
		terms:       terms,
		documents:   documents,
		zeroResults: newRecentSet(cfg.ZeroResultsCapacity),
		latencies:   make(map[LatencyBucket]int64),
		since:       time.Now(),
	}
}

func bump(c *lru.Cache[string, int64], key string) {
	n, _ := c.Get(key)
	c.Add(key, n+1)
}

// Record captures one query. Zero-result queries are kept lowercased and
// without repeats.
func (m *QueryMetrics) Record(event QueryEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	m.titleHits += int64(event.TitleHits)
	m.contentHits += int64(event.ContentHits)
	m.latencies[LatencyToBucket(event.Latency)]++

	for _, term := range ExtractTerms(event.Query) {
		bump(m.terms, term)
	}
	for _, id := range event.DocumentIDs {
		bump(m.documents, id)
	}
	if event.ResultCount() == 0 {
		m.zero++
		m.zeroResults.add(strings.ToLower(strings.TrimSpace(event.Query)))
	}
}

type rankEntry struct {
	key   string
	count int64
}

// ranked returns the top n entries of c by count, ties broken by key.
func ranked(c *lru.Cache[string, int64], n int) []rankEntry {
	var out []rankEntry
	for _, k := range c.Keys() {
		if v, ok := c.Peek(k); ok {
			out = append(out, rankEntry{k, v})
		}
	}
	slices.SortFunc(out, func(a, b rankEntry) int {
		if c := cmp.Compare(b.count, a.count); c != 0 {
			return c
		}
		return strings.Compare(a.key, b.key)
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Snapshot returns the current metrics. Rankings are sorted by count, then
// key, and cut to Config.SnapshotTop entries.
func (m *QueryMetrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		TotalQueries:        m.total,
		ZeroResultCount:     m.zero,
		TitleHits:           m.titleHits,
		ContentHits:         m.contentHits,
		ZeroResultQueries:   m.zeroResults.list(),
		LatencyDistribution: make(map[LatencyBucket]int64, len(m.latencies)),
		Since:               m.since,
	}
	for _, e := range ranked(m.terms, m.cfg.SnapshotTop) {
		snap.TopTerms = append(snap.TopTerms, TermCount{Term: e.key, Count: e.count})
	}
	for _, e := range ranked(m.documents, m.cfg.SnapshotTop) {
		snap.TopDocuments = append(snap.TopDocuments, DocumentCount{ID: e.key, Count: e.count})
	}
	for k, v := range m.latencies {
		snap.LatencyDistribution[k] = v
	}
	return snap
}
