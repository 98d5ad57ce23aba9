package ui

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// PlainRenderer outputs one line per update (for CI and pipes).
type PlainRenderer struct {
	mu     sync.Mutex
	out    io.Writer
	errors int
	warns  int
}

// NewPlainRenderer creates a plain text renderer.
func NewPlainRenderer(cfg Config) *PlainRenderer {
	return &PlainRenderer{out: cfg.Output}
}

// Start implements Renderer.
func (r *PlainRenderer) Start(context.Context) error { return nil }

// UpdateProgress implements Renderer.
func (r *PlainRenderer) UpdateProgress(event ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := event.Message
	if msg == "" {
		msg = event.Item
	}

	switch {
	case event.Total > 0:
		_, _ = fmt.Fprintf(r.out, "[%s] %d/%d - %s\n", event.Stage.Icon(), event.Current, event.Total, msg)
	case msg != "":
		_, _ = fmt.Fprintf(r.out, "[%s] %s\n", event.Stage.Icon(), msg)
	}
}

// AddError implements Renderer.
func (r *PlainRenderer) AddError(event ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix := "ERROR"
	if event.IsWarn {
		prefix = "WARN"
		r.warns++
	} else {
		r.errors++
	}

	if event.Item != "" {
		_, _ = fmt.Fprintf(r.out, "%s: %s: %v\n", prefix, event.Item, event.Err)
	} else {
		_, _ = fmt.Fprintf(r.out, "%s: %v\n", prefix, event.Err)
	}
}

// Complete implements Renderer.
func (r *PlainRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, _ = fmt.Fprintf(r.out, "Complete: %d imported, %d indexed in %s\n",
		stats.Imported, stats.Indexed, stats.Duration.Round(100*time.Millisecond))
	for _, line := range summaryLines(stats) {
		_, _ = fmt.Fprintf(r.out, "  %s\n", line)
	}
}

// Stop implements Renderer.
func (r *PlainRenderer) Stop() error { return nil }

// summaryLines lists the non-zero problem buckets of stats.
func summaryLines(stats CompletionStats) []string {
	var lines []string
	if stats.Failed > 0 {
		lines = append(lines, fmt.Sprintf("%d failed", stats.Failed))
	}
	if stats.TimedOut > 0 {
		lines = append(lines, fmt.Sprintf("%d timed out", stats.TimedOut))
	}
	if stats.Deferred > 0 {
		lines = append(lines, fmt.Sprintf("%d waiting for cloud download", stats.Deferred))
	}
	if stats.Truncated > 0 {
		lines = append(lines, fmt.Sprintf("%d skipped over the batch limit", stats.Truncated))
	}
	return lines
}
