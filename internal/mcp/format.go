package mcp

import (
	"fmt"
	"strings"

	"github.com/lh/yiana/internal/store"
)

// FormatSearchResults formats search results as markdown. Title matches are
// listed before content matches, as ranked by the index.
func FormatSearchResults(query string, results []store.Result, indexing bool) string {
	var sb strings.Builder

	if len(results) == 0 {
		sb.WriteString(fmt.Sprintf("No documents found for \"%s\"", query))
		if indexing {
			sb.WriteString("\n\n_Indexing is in progress; try again when it finishes._")
		}
		return sb.String()
	}

	sb.WriteString(fmt.Sprintf("## Documents matching \"%s\"\n\n", query))
	sb.WriteString(fmt.Sprintf("Found %d document", len(results)))
	if len(results) != 1 {
		sb.WriteString("s")
	}
	sb.WriteString("\n\n")
	if indexing {
		sb.WriteString("_Indexing is in progress; results may be incomplete._\n\n")
	}

	for i, r := range results {
		formatResult(&sb, i+1, r)
	}
	return sb.String()
}

func formatResult(sb *strings.Builder, n int, r store.Result) {
	sb.WriteString(fmt.Sprintf("### %d. %s\n\n", n, emphasize(r.Title, r.TitleHighlights)))
	sb.WriteString(fmt.Sprintf("**Matched:** %s | **ID:** `%s`", r.MatchType, r.DocumentID))
	if !r.ModifiedAt.IsZero() {
		sb.WriteString(fmt.Sprintf(" | **Modified:** %s", r.ModifiedAt.Format("2006-01-02")))
	}
	sb.WriteString("\n\n")
	if r.Snippet != "" {
		sb.WriteString("> ")
		sb.WriteString(strings.ReplaceAll(emphasize(r.Snippet, r.SnippetHighlights), "\n", " "))
		sb.WriteString("\n\n")
	}
	if r.SourceURL != "" {
		sb.WriteString(fmt.Sprintf("`%s`\n\n", r.SourceURL))
	}
}

// emphasize wraps highlighted rune ranges in bold markers. Ranges that fall
// outside text or overlap an earlier range are skipped.
func emphasize(text string, highlights []store.Highlight) string {
	if len(highlights) == 0 {
		return text
	}
	runes := []rune(text)
	var sb strings.Builder
	pos := 0
	for _, h := range highlights {
		if h.Start < pos || h.End > len(runes) || h.Start >= h.End {
			continue
		}
		sb.WriteString(string(runes[pos:h.Start]))
		sb.WriteString("**")
		sb.WriteString(string(runes[h.Start:h.End]))
		sb.WriteString("**")
		pos = h.End
	}
	sb.WriteString(string(runes[pos:]))
	return sb.String()
}
