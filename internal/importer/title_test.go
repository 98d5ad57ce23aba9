package importer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSuggestTitle(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/in/Gas_Bill-2023.pdf", "Gas Bill 2023"},
		{"scan.PDF", "scan"},
		{"/in/__--__.pdf", "Untitled"},
		{"/in/  spaced   out .pdf", "spaced out"},
		{"/in/report.final.pdf", "report.final"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, SuggestTitle(tt.path))
		})
	}
}

func TestDisambiguateTitles(t *testing.T) {
	// Given: titles with case-insensitive repeats
	in := []string{"Invoice", "invoice", "Receipt", "INVOICE", "Invoice 2"}

	// When: disambiguating
	out := DisambiguateTitles(in)

	// Then: repeats get numeric suffixes and the input is untouched
	assert.Equal(t, []string{"Invoice", "invoice 2", "Receipt", "INVOICE 3", "Invoice 2 2"}, out)
	assert.Equal(t, "invoice", in[1])
}

func TestItemsFromPaths(t *testing.T) {
	// Given: two files that suggest the same title
	paths := []string{"/a/scan.pdf", "/b/scan.pdf", "/c/letter.pdf"}

	// When: building items
	items := ItemsFromPaths(paths)

	// Then: titles are unique within the batch
	assert.Equal(t, []Item{
		{SourcePath: "/a/scan.pdf", Title: "scan"},
		{SourcePath: "/b/scan.pdf", Title: "scan 2"},
		{SourcePath: "/c/letter.pdf", Title: "letter"},
	}, items)
}

func TestFillTitles_KeepsGivenAndNumbersSuggested(t *testing.T) {
	// Given: untitled items from different folders sharing a file name,
	// and one item whose caller already chose that title
	items := []Item{
		{SourcePath: "/2023/report.pdf"},
		{SourcePath: "/2024/report.pdf"},
		{SourcePath: "/misc/notes.pdf", Title: "Report"},
	}

	// When: filling titles
	out := fillTitles(items)

	// Then: the given title is kept and suggestions avoid it and each other
	assert.Equal(t, []string{"report 2", "report 3", "Report"},
		[]string{out[0].Title, out[1].Title, out[2].Title})
	assert.Empty(t, items[0].Title)
}
