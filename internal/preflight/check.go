package preflight

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// CheckStatus is the outcome of one check.
type CheckStatus int

const (
	// StatusPass means the check found nothing to report.
	StatusPass CheckStatus = iota
	// StatusWarn means the run can go ahead but something needs attention.
	StatusWarn
	// StatusFail means the check failed. It blocks an import only when the
	// check is required.
	StatusFail
)

// String returns PASS, WARN or FAIL.
func (s CheckStatus) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// CheckResult holds the result of a single check.
type CheckResult struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
	Required bool        `json:"required"`
}

// IsCritical reports a required check that failed.
func (r CheckResult) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

func pass(name, msg string) CheckResult {
	return CheckResult{Name: name, Status: StatusPass, Message: msg}
}

func warn(name, msg string) CheckResult {
	return CheckResult{Name: name, Status: StatusWarn, Message: msg}
}

func fail(name, msg string) CheckResult {
	return CheckResult{Name: name, Status: StatusFail, Message: msg, Required: true}
}

// Target describes what the checks run against.
type Target struct {
	// Root is the repository directory.
	Root string

	// DataDir holds the index and its lock. Empty skips the index checks.
	DataDir string

	// Workers is the planned import concurrency (0 = no import planned).
	Workers int

	// ImportBytes is the total size of the pending import sources.
	ImportBytes uint64
}

// check runs against a target. Each check owns its result name.
type check func(t Target) CheckResult

// Checker runs the preflight checks.
type Checker struct {
	verbose bool
	output  io.Writer
}

// Option configures a Checker.
type Option func(*Checker)

// WithVerbose prints check details.
func WithVerbose(verbose bool) Option {
	return func(c *Checker) { c.verbose = verbose }
}

// WithOutput sets where PrintResults writes.
func WithOutput(w io.Writer) Option {
	return func(c *Checker) { c.output = w }
}

// New creates a Checker writing to stdout.
func New(opts ...Option) *Checker {
	c := &Checker{output: os.Stdout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Checker) plan(t Target) []check {
	checks := []check{
		func(t Target) CheckResult { return c.CheckDiskSpace(t.Root, RequiredBytes(t.ImportBytes)) },
		func(t Target) CheckResult { return c.CheckWritePermissions("repository_writable", t.Root) },
	}
	if t.DataDir != "" {
		checks = append(checks,
			func(t Target) CheckResult { return c.CheckWritePermissions("data_dir_writable", t.DataDir) },
			func(t Target) CheckResult { return c.CheckIndexLock(t.DataDir) })
	}
	return append(checks,
		func(t Target) CheckResult { return c.CheckFileDescriptors(t.Workers) },
		func(t Target) CheckResult { return c.CheckCloudPlaceholders(t.Root) })
}

// RunAll runs every check that applies to target, in order. A cancelled
// context stops before the next check.
func (c *Checker) RunAll(ctx context.Context, target Target) []CheckResult {
	var results []CheckResult
	for _, run := range c.plan(target) {
		if ctx.Err() != nil {
			break
		}
		results = append(results, run(target))
	}
	return results
}

// HasCriticalFailures reports whether any required check failed.
func (c *Checker) HasCriticalFailures(results []CheckResult) bool {
	return c.Failures(results) != nil
}

// Failures joins the critical failures into one error, or returns nil.
func (c *Checker) Failures(results []CheckResult) error {
	var msgs []string
	for _, r := range results {
		if r.IsCritical() {
			msgs = append(msgs, r.Name+": "+r.Message)
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("preflight failed: %s", strings.Join(msgs, "; "))
}

// SummaryStatus returns "ready", "ready_with_warnings" or "failed".
// An optional check that failed counts as a warning.
func (c *Checker) SummaryStatus(results []CheckResult) string {
	status := "ready"
	for _, r := range results {
		switch {
		case r.IsCritical():
			return "failed"
		case r.Status != StatusPass:
			status = "ready_with_warnings"
		}
	}
	return status
}

// PrintResults writes one line per check and the summary.
func (c *Checker) PrintResults(results []CheckResult) {
	w := c.output
	_, _ = fmt.Fprintln(w, "Yiana preflight")
	_, _ = fmt.Fprintln(w, strings.Repeat("=", len("Yiana preflight")))
	_, _ = fmt.Fprintln(w)

	for _, r := range results {
		_, _ = fmt.Fprintf(w, "[%s] %s: %s\n", r.Status, r.Name, r.Message)
		if c.verbose && r.Details != "" {
			_, _ = fmt.Fprintf(w, "      %s\n", r.Details)
		}
	}

	_, _ = fmt.Fprintf(w, "\nStatus: %s\n", strings.ToUpper(c.SummaryStatus(results)))
}

// CheckWritePermissions creates dir if needed and confirms a file can be
// written in it. Imports write temp files beside their final path.
func (c *Checker) CheckWritePermissions(name, dir string) CheckResult {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail(name, fmt.Sprintf("cannot create %s: %v", dir, err))
	}

	f, err := os.CreateTemp(dir, ".yiana-preflight-*")
	if err != nil {
		return fail(name, fmt.Sprintf("permission denied: %v", err))
	}
	_ = f.Close()
	_ = os.Remove(f.Name())

	r := pass(name, "OK")
	r.Required = true
	r.Details = filepath.Clean(dir)
	return r
}
