package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var backends = []Backend{BackendSQLite, BackendBleve}

func newMemIndex(t *testing.T, backend Backend) SearchIndex {
	t.Helper()
	idx, err := Open("", backend, DefaultConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func forEachBackend(t *testing.T, fn func(t *testing.T, idx SearchIndex)) {
	for _, b := range backends {
		t.Run(string(b), func(t *testing.T) {
			fn(t, newMemIndex(t, b))
		})
	}
}

var base = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func entry(id, title, text string, age time.Duration) Entry {
	return Entry{
		DocumentID: id,
		Title:      title,
		FullText:   text,
		SourceURL:  "/docs/" + id + ".yianazip",
		ModifiedAt: base.Add(-age),
	}
}

func TestSearchIndex_TitleMatchWithoutBody(t *testing.T) {
	forEachBackend(t, func(t *testing.T, idx SearchIndex) {
		ctx := context.Background()

		// Given: a document titled "2023 Invoice" with no body text
		require.NoError(t, idx.Upsert(ctx, entry("doc-1", "2023 Invoice", "", 0)))

		// When: searching for "invoice"
		results, err := idx.Query(ctx, "invoice", 10)

		// Then: it is a title match with an empty snippet
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "doc-1", results[0].DocumentID)
		assert.Equal(t, MatchTitle, results[0].MatchType)
		assert.Empty(t, results[0].Snippet)
		assert.Equal(t, []Highlight{{Start: 5, End: 12}}, results[0].TitleHighlights)
	})
}

func TestSearchIndex_UpsertIsIdempotent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, idx SearchIndex) {
		ctx := context.Background()

		// Given: the same id upserted three times with changing titles
		for i := 0; i < 3; i++ {
			require.NoError(t, idx.Upsert(ctx, entry("doc-1", fmt.Sprintf("Letter v%d", i), "body", 0)))
		}

		// Then: one entry, carrying the last title
		n, err := idx.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := idx.Get(ctx, "doc-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "Letter v2", got.Title)
		assert.True(t, got.ModifiedAt.Equal(base))

		results, err := idx.Query(ctx, "letter", 10)
		require.NoError(t, err)
		assert.Len(t, results, 1)
	})
}

func TestSearchIndex_CaseInsensitiveSubstring(t *testing.T) {
	forEachBackend(t, func(t *testing.T, idx SearchIndex) {
		ctx := context.Background()
		require.NoError(t, idx.Upsert(ctx, entry("doc-1", "Electricity BILL", "", 0)))
		require.NoError(t, idx.Upsert(ctx, entry("doc-2", "Garden notes", "Receipt for INVOICED plants", 0)))
		require.NoError(t, idx.Upsert(ctx, entry("doc-3", "DARÜBER BERICHT", "Straße und ÖFFNUNGSZEITEN", 0)))

		tests := []struct {
			query string
			want  []string
		}{
			{"bill", []string{"doc-1"}},
			{"TRICITY", []string{"doc-1"}},
			{"voice", []string{"doc-2"}},
			{"receipt plants", []string{"doc-2"}},
			{"receipt bill", nil},
			{"über", []string{"doc-3"}},
			{"ÜBER bericht", []string{"doc-3"}},
			{"öffnung", []string{"doc-3"}},
			{"STRASSE", nil},
		}
		for _, tt := range tests {
			results, err := idx.Query(ctx, tt.query, 10)
			require.NoError(t, err, tt.query)
			var ids []string
			for _, r := range results {
				ids = append(ids, r.DocumentID)
			}
			assert.Equal(t, tt.want, ids, tt.query)
		}
	})
}

func TestSearchIndex_OrdersTitleFirstThenRecency(t *testing.T) {
	forEachBackend(t, func(t *testing.T, idx SearchIndex) {
		ctx := context.Background()

		// Given: content matches that are newer than an older title match
		require.NoError(t, idx.Upsert(ctx, entry("old-title", "Tax return", "", 72*time.Hour)))
		require.NoError(t, idx.Upsert(ctx, entry("new-title", "Tax letter", "", 24*time.Hour)))
		require.NoError(t, idx.Upsert(ctx, entry("content-new", "Bank", "annual tax summary", 0)))
		require.NoError(t, idx.Upsert(ctx, entry("content-old", "Pension", "tax code notice", 48*time.Hour)))

		// When: querying
		results, err := idx.Query(ctx, "tax", 10)
		require.NoError(t, err)

		// Then: titles first, newest first within each class
		var ids []string
		for _, r := range results {
			ids = append(ids, r.DocumentID)
		}
		assert.Equal(t, []string{"new-title", "old-title", "content-new", "content-old"}, ids)
		assert.Equal(t, MatchContent, results[2].MatchType)
		assert.Equal(t, "annual tax summary", results[2].Snippet)
		assert.Equal(t, []Highlight{{Start: 7, End: 10}}, results[2].SnippetHighlights)

		// And: limit truncates after ranking
		limited, err := idx.Query(ctx, "tax", 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, "new-title", limited[0].DocumentID)
	})
}

func TestSearchIndex_TitleMatchSurvivesCandidateCap(t *testing.T) {
	for _, b := range backends {
		t.Run(string(b), func(t *testing.T) {
			idx, err := Open("", b, Config{CandidateLimit: 3}, nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = idx.Close() })
			ctx := context.Background()

			// Given: an old title match and more newer content matches than the cap
			require.NoError(t, idx.Upsert(ctx, entry("title-doc", "Invoice 2020", "", 5*365*24*time.Hour)))
			for i := 0; i < 5; i++ {
				id := fmt.Sprintf("content-%d", i)
				require.NoError(t, idx.Upsert(ctx, entry(id, "Scan", "invoice attached", time.Duration(i)*time.Hour)))
			}

			// When: querying
			results, err := idx.Query(ctx, "invoice", 10)
			require.NoError(t, err)

			// Then: the title match leads, followed by the newest content matches
			require.NotEmpty(t, results)
			assert.Equal(t, "title-doc", results[0].DocumentID)
			assert.Equal(t, MatchTitle, results[0].MatchType)
			require.GreaterOrEqual(t, len(results), 2)
			assert.Equal(t, "content-0", results[1].DocumentID)
		})
	}
}

func TestSearchIndex_RemoveAndIntrospection(t *testing.T) {
	forEachBackend(t, func(t *testing.T, idx SearchIndex) {
		ctx := context.Background()
		require.NoError(t, idx.Upsert(ctx, entry("a", "Alpha", "", 0)))
		require.NoError(t, idx.Upsert(ctx, entry("b", "Beta", "", 0)))

		ok, err := idx.IsIndexed(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)

		// When: removing one present and one absent id
		require.NoError(t, idx.Remove(ctx, "a"))
		require.NoError(t, idx.Remove(ctx, "missing"))

		// Then: only b remains
		ok, err = idx.IsIndexed(ctx, "a")
		require.NoError(t, err)
		assert.False(t, ok)

		ids, err := idx.AllIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, ids)

		got, err := idx.Get(ctx, "a")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestSearchIndex_ResetDropsEverything(t *testing.T) {
	forEachBackend(t, func(t *testing.T, idx SearchIndex) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, idx.Upsert(ctx, entry(fmt.Sprintf("d%d", i), "Doc", "text", 0)))
		}

		require.NoError(t, idx.Reset(ctx))

		n, err := idx.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		results, err := idx.Query(ctx, "doc", 10)
		require.NoError(t, err)
		assert.Empty(t, results)

		// And: the index is usable afterwards
		require.NoError(t, idx.Upsert(ctx, entry("new", "Doc", "", 0)))
		n, err = idx.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestSearchIndex_MalformedTextKeepsTitle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, idx SearchIndex) {
		ctx := context.Background()

		// Given: full text that is not valid UTF-8
		bad := "scan \xff\xfe garbage invoice"
		require.NoError(t, idx.Upsert(ctx, entry("doc-1", "Scanned Receipt", bad, 0)))

		// Then: the title is searchable and the text is empty
		results, err := idx.Query(ctx, "receipt", 10)
		require.NoError(t, err)
		require.Len(t, results, 1)

		got, err := idx.Get(ctx, "doc-1")
		require.NoError(t, err)
		assert.Empty(t, got.FullText)

		results, err = idx.Query(ctx, "garbage", 10)
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}

func TestSearchIndex_EmptyQuery(t *testing.T) {
	forEachBackend(t, func(t *testing.T, idx SearchIndex) {
		ctx := context.Background()
		require.NoError(t, idx.Upsert(ctx, entry("doc-1", "Anything", "", 0)))

		for _, q := range []string{"", "   ", "\t\n"} {
			results, err := idx.Query(ctx, q, 10)
			require.NoError(t, err)
			assert.Empty(t, results)
		}
	})
}

func TestSearchIndex_ClosedIsUnavailable(t *testing.T) {
	for _, b := range backends {
		t.Run(string(b), func(t *testing.T) {
			idx, err := Open("", b, DefaultConfig(), nil)
			require.NoError(t, err)
			require.NoError(t, idx.Close())
			require.NoError(t, idx.Close())

			_, err = idx.Count(context.Background())
			assert.Error(t, err)
		})
	}
}
