// Package output formats human-facing CLI output: status lines, search hits
// and machine-readable JSON.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/lh/yiana/internal/store"
)

// Writer provides formatted output for the CLI.
type Writer struct {
	out   io.Writer
	title lipgloss.Style
	mark  lipgloss.Style
	dim   lipgloss.Style
}

// New creates a Writer. Color is applied only when color is true.
func New(out io.Writer, color bool) *Writer {
	w := &Writer{
		out:   out,
		title: lipgloss.NewStyle(),
		mark:  lipgloss.NewStyle(),
		dim:   lipgloss.NewStyle(),
	}
	if color {
		w.title = w.title.Bold(true)
		w.mark = w.mark.Bold(true).Foreground(lipgloss.Color("43"))
		w.dim = w.dim.Foreground(lipgloss.Color("245"))
	}
	return w
}

// Status prints a message with an icon. Write errors are ignored.
func (w *Writer) Status(icon, msg string) {
	if icon != "" {
		_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
	} else {
		_, _ = fmt.Fprintf(w.out, "   %s\n", msg)
	}
}

// Statusf prints a formatted status message with an icon.
func (w *Writer) Statusf(icon, format string, args ...any) {
	w.Status(icon, fmt.Sprintf(format, args...))
}

// Success prints a success message.
func (w *Writer) Success(msg string) { w.Status("✓", msg) }

// Successf prints a formatted success message.
func (w *Writer) Successf(format string, args ...any) { w.Success(fmt.Sprintf(format, args...)) }

// Warning prints a warning message.
func (w *Writer) Warning(msg string) { w.Status("!", msg) }

// Warningf prints a formatted warning message.
func (w *Writer) Warningf(format string, args ...any) { w.Warning(fmt.Sprintf(format, args...)) }

// Error prints an error message.
func (w *Writer) Error(msg string) { w.Status("✗", msg) }

// Errorf prints a formatted error message.
func (w *Writer) Errorf(format string, args ...any) { w.Error(fmt.Sprintf(format, args...)) }

// Newline prints an empty line.
func (w *Writer) Newline() {
	_, _ = fmt.Fprintln(w.out)
}

// JSON writes v as indented JSON.
func (w *Writer) JSON(v any) error {
	enc := json.NewEncoder(w.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// SearchResults prints ranked hits with highlighted matches.
func (w *Writer) SearchResults(query string, results []store.Result) {
	if len(results) == 0 {
		_, _ = fmt.Fprintf(w.out, "No documents match %q\n", query)
		return
	}
	for i, r := range results {
		_, _ = fmt.Fprintf(w.out, "%2d. %s %s\n", i+1,
			w.highlight(r.Title, r.TitleHighlights, w.title),
			w.dim.Render("["+string(r.MatchType)+"]"))
		if r.Snippet != "" {
			snippet := strings.Map(flattenSpace, r.Snippet)
			_, _ = fmt.Fprintf(w.out, "    %s\n", w.highlight(snippet, r.SnippetHighlights, lipgloss.NewStyle()))
		}
		_, _ = fmt.Fprintf(w.out, "    %s\n", w.dim.Render(r.SourceURL))
	}
}

// highlight renders runs of text in base and highlighted rune ranges in the
// mark style, bracketed so matches stay visible without color.
func (w *Writer) highlight(text string, highlights []store.Highlight, base lipgloss.Style) string {
	runes := []rune(text)
	var sb strings.Builder
	pos := 0
	for _, h := range highlights {
		if h.Start < pos || h.End > len(runes) || h.Start >= h.End {
			continue
		}
		sb.WriteString(base.Render(string(runes[pos:h.Start])))
		sb.WriteString(w.mark.Render("[" + string(runes[h.Start:h.End]) + "]"))
		pos = h.End
	}
	sb.WriteString(base.Render(string(runes[pos:])))
	return sb.String()
}

// flattenSpace maps line breaks and tabs to spaces, keeping rune offsets.
func flattenSpace(r rune) rune {
	switch r {
	case '\n', '\r', '\t':
		return ' '
	}
	return r
}
