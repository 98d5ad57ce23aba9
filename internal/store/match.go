package store

import (
	"sort"
	"strings"
)

// matcher decides whether an entry matches a query and where.
// A field matches when it contains the whole query or every term.
type matcher struct {
	phrase []rune
	terms  [][]rune
}

func newMatcher(query string) matcher {
	q := strings.Join(strings.Fields(query), " ")
	m := matcher{phrase: lowerRunes(q)}
	for _, t := range Tokenize(q) {
		m.terms = append(m.terms, []rune(t))
	}
	return m
}

func (m matcher) empty() bool {
	return len(m.phrase) == 0
}

// needles returns the phrase followed by the distinct terms.
func (m matcher) needles() [][]rune {
	out := [][]rune{m.phrase}
	for _, t := range m.terms {
		if string(t) != string(m.phrase) {
			out = append(out, t)
		}
	}
	return out
}

// matches reports whether lowered field text satisfies the query.
func (m matcher) matches(field []rune) bool {
	if len(field) == 0 {
		return false
	}
	if indexRunes(field, m.phrase, 0) >= 0 {
		return true
	}
	if len(m.terms) == 0 {
		return false
	}
	for _, t := range m.terms {
		if indexRunes(field, t, 0) < 0 {
			return false
		}
	}
	return true
}

// occurrences returns every needle occurrence in field, merged and sorted.
func (m matcher) occurrences(field []rune) []Highlight {
	var hs []Highlight
	for _, n := range m.needles() {
		for from := 0; ; {
			i := indexRunes(field, n, from)
			if i < 0 {
				break
			}
			hs = append(hs, Highlight{Start: i, End: i + len(n)})
			from = i + 1
		}
	}
	return mergeHighlights(hs)
}

func mergeHighlights(hs []Highlight) []Highlight {
	if len(hs) == 0 {
		return nil
	}
	sort.Slice(hs, func(i, j int) bool {
		if hs[i].Start != hs[j].Start {
			return hs[i].Start < hs[j].Start
		}
		return hs[i].End > hs[j].End
	})
	out := []Highlight{hs[0]}
	for _, h := range hs[1:] {
		last := &out[len(out)-1]
		if h.Start <= last.End {
			if h.End > last.End {
				last.End = h.End
			}
			continue
		}
		out = append(out, h)
	}
	return out
}

func indexRunes(haystack, needle []rune, from int) int {
	if len(needle) == 0 {
		return -1
	}
outer:
	for i := from; i+len(needle) <= len(haystack); i++ {
		for j, r := range needle {
			if haystack[i+j] != r {
				continue outer
			}
		}
		return i
	}
	return -1
}

const ellipsis = '…'

// snippet cuts up to size runes of text around the first occurrence and
// reports highlight offsets relative to the returned snippet.
func snippet(text []rune, lowered []rune, m matcher, size int) (string, []Highlight) {
	occ := m.occurrences(lowered)
	if len(occ) == 0 {
		return "", nil
	}
	first := occ[0]

	start, end := 0, len(text)
	if len(text) > size {
		width := first.End - first.Start
		lead := (size - width) / 2
		if lead < 0 {
			lead = 0
		}
		start = first.Start - lead
		if start < 0 {
			start = 0
		}
		end = start + size
		if end > len(text) {
			end = len(text)
			start = end - size
		}
	}

	var b strings.Builder
	offset := -start
	if start > 0 {
		b.WriteRune(ellipsis)
		offset++
	}
	for _, r := range text[start:end] {
		switch r {
		case '\n', '\r', '\t':
			r = ' '
		}
		b.WriteRune(r)
	}
	if end < len(text) {
		b.WriteRune(ellipsis)
	}

	var hs []Highlight
	for _, h := range occ {
		if h.Start < start || h.End > end {
			continue
		}
		hs = append(hs, Highlight{Start: h.Start + offset, End: h.End + offset})
	}
	return b.String(), hs
}

// buildResult classifies e against m. ok is false when neither field matches.
func buildResult(e Entry, m matcher, snippetLen int) (Result, bool) {
	titleLower := lowerRunes(e.Title)
	textRunes := []rune(e.FullText)
	textLower := lowerRunes(e.FullText)

	var matchType MatchType
	switch {
	case m.matches(titleLower):
		matchType = MatchTitle
	case m.matches(textLower):
		matchType = MatchContent
	default:
		return Result{}, false
	}

	snip, snipHS := snippet(textRunes, textLower, m, snippetLen)
	return Result{
		DocumentID:        e.DocumentID,
		Title:             e.Title,
		Snippet:           snip,
		MatchType:         matchType,
		TitleHighlights:   m.occurrences(titleLower),
		SnippetHighlights: snipHS,
		SourceURL:         e.SourceURL,
		ModifiedAt:        e.ModifiedAt,
	}, true
}

// rankCandidates filters, orders and truncates backend candidates.
func rankCandidates(candidates []Entry, query string, limit int, cfg Config) []Result {
	m := newMatcher(query)
	if m.empty() {
		return []Result{}
	}

	results := make([]Result, 0, len(candidates))
	for _, e := range candidates {
		if r, ok := buildResult(e, m, cfg.SnippetLength); ok {
			results = append(results, r)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.MatchType != b.MatchType {
			return a.MatchType == MatchTitle
		}
		if !a.ModifiedAt.Equal(b.ModifiedAt) {
			return a.ModifiedAt.After(b.ModifiedAt)
		}
		if a.Title != b.Title {
			return a.Title < b.Title
		}
		return a.DocumentID < b.DocumentID
	})

	if limit <= 0 {
		limit = cfg.DefaultLimit
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}
