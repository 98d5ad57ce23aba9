// Package store provides the full-text search index over document titles
// and recognized text, with SQLite and Bleve backends.
package store

import (
	"context"
	"time"
)

// MatchType tells whether a result matched on its title or its text.
type MatchType string

const (
	MatchTitle   MatchType = "title"
	MatchContent MatchType = "content"
)

// Entry is one indexed document. Upserting replaces by DocumentID.
type Entry struct {
	DocumentID string
	Title      string
	FullText   string
	SourceURL  string    // Path of the container file
	ModifiedAt time.Time // File modification time when indexed
	IndexedAt  time.Time
}

// Highlight is a half-open [Start, End) range in runes.
type Highlight struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Result is one ranked query hit.
type Result struct {
	DocumentID        string      `json:"document_id"`
	Title             string      `json:"title"`
	Snippet           string      `json:"snippet"`
	MatchType         MatchType   `json:"match_type"`
	TitleHighlights   []Highlight `json:"title_highlights,omitempty"`
	SnippetHighlights []Highlight `json:"snippet_highlights,omitempty"`
	SourceURL         string      `json:"source_url"`
	ModifiedAt        time.Time   `json:"modified_at"`
}

// SearchIndex is a full-text index keyed by document id.
//
// Writers are expected to be single: the background indexer, the importer's
// index-on-create path, and Reset. Queries may run concurrently with writes.
type SearchIndex interface {
	// Upsert replaces any prior entry for e.DocumentID.
	Upsert(ctx context.Context, e Entry) error

	// Remove deletes the entry if present. Absent ids are not an error.
	Remove(ctx context.Context, documentID string) error

	// Query returns up to limit results, title matches first, then by recency.
	Query(ctx context.Context, term string, limit int) ([]Result, error)

	// Get returns the entry for id, or nil if it is not indexed.
	Get(ctx context.Context, documentID string) (*Entry, error)

	IsIndexed(ctx context.Context, documentID string) (bool, error)
	Count(ctx context.Context) (int, error)
	AllIDs(ctx context.Context) ([]string, error)

	// Reset drops every entry.
	Reset(ctx context.Context) error

	Close() error
}

// Config holds index tuning shared by both backends.
type Config struct {
	// DefaultLimit applies when Query is called with limit <= 0.
	DefaultLimit int

	// SnippetLength is the maximum snippet size in runes.
	SnippetLength int

	// CandidateLimit caps rows fetched from the backend before ranking.
	CandidateLimit int
}

// DefaultConfig returns the default index configuration.
func DefaultConfig() Config {
	return Config{
		DefaultLimit:   10,
		SnippetLength:  160,
		CandidateLimit: 2000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = d.DefaultLimit
	}
	if c.SnippetLength <= 0 {
		c.SnippetLength = d.SnippetLength
	}
	if c.CandidateLimit <= 0 {
		c.CandidateLimit = d.CandidateLimit
	}
	return c
}
