package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// StatusInfo describes the repository index for `yiana index status`.
type StatusInfo struct {
	Root      string    `json:"root"`
	Backend   string    `json:"backend"`
	IndexPath string    `json:"index_path,omitempty"`
	IndexSize int64     `json:"index_size"`
	Documents int       `json:"documents"`
	State     string    `json:"state"`
	LastRun   string    `json:"last_run,omitempty"` // Run status of the last pass
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	Deferred  int       `json:"deferred"`
	LastError string    `json:"last_error,omitempty"`
	Cloud     string    `json:"cloud"`
}

// StatusRenderer displays index status.
type StatusRenderer struct {
	out    io.Writer
	styles Styles
	now    func() time.Time
}

// NewStatusRenderer creates a status renderer.
func NewStatusRenderer(out io.Writer, noColor bool) *StatusRenderer {
	return &StatusRenderer{out: out, styles: GetStyles(noColor), now: time.Now}
}

// Render writes status as aligned text.
func (r *StatusRenderer) Render(info StatusInfo) error {
	_, _ = fmt.Fprintf(r.out, "%s\n\n", r.styles.Header.Render("Index: "+info.Root))

	_, _ = fmt.Fprintf(r.out, "  Documents: %d\n", info.Documents)
	_, _ = fmt.Fprintf(r.out, "  Backend:   %s (%s)\n", info.Backend, FormatBytes(info.IndexSize))
	if info.IndexPath != "" {
		_, _ = fmt.Fprintf(r.out, "  Path:      %s\n", r.styles.Dim.Render(info.IndexPath))
	}
	_, _ = fmt.Fprintf(r.out, "  State:     %s\n", r.renderState(info.State))
	if info.LastRun != "" {
		line := r.renderState(info.LastRun)
		if !info.LastRunAt.IsZero() {
			line += " " + r.styles.Label.Render(relativeTime(info.LastRunAt, r.now()))
		}
		_, _ = fmt.Fprintf(r.out, "  Last run:  %s\n", line)
	}
	if info.Deferred > 0 {
		_, _ = fmt.Fprintf(r.out, "  Deferred:  %s\n", r.styles.Warning.Render(fmt.Sprintf("%d waiting for cloud download", info.Deferred)))
	}
	if info.Cloud != "" {
		_, _ = fmt.Fprintf(r.out, "  Cloud:     %s\n", info.Cloud)
	}
	if info.LastError != "" {
		_, _ = fmt.Fprintf(r.out, "  Error:     %s\n", r.styles.Error.Render(info.LastError))
	}
	return nil
}

// RenderJSON writes status as indented JSON.
func (r *StatusRenderer) RenderJSON(info StatusInfo) error {
	encoder := json.NewEncoder(r.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(info)
}

func (r *StatusRenderer) renderState(state string) string {
	switch state {
	case "idle", "completed", "available":
		return r.styles.Success.Render(state)
	case "indexing", "running", "cancelled", "pending":
		return r.styles.Warning.Render(state)
	case "failed":
		return r.styles.Error.Render(state)
	default:
		return state
	}
}

func relativeTime(t, now time.Time) string {
	diff := now.Sub(t)
	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return plural(int(diff.Minutes()), "minute") + " ago"
	case diff < 24*time.Hour:
		return plural(int(diff.Hours()), "hour") + " ago"
	case diff < 7*24*time.Hour:
		return plural(int(diff.Hours()/24), "day") + " ago"
	default:
		return t.Format("2006-01-02 15:04")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// FormatBytes formats bytes to human-readable format.
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
