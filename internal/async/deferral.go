package async

import (
	"sync"
	"time"

	yerrors "github.com/lh/yiana/internal/errors"
)

type deferral struct {
	attempts int
	next     time.Time
	gaveUp   bool
}

// DeferralTracker remembers cloud files that were not yet downloaded and
// spaces out re-probes with exponential backoff. After MaxRetries deferrals
// a file is given up on until Forget is called for it, typically when the
// watcher reports a change.
type DeferralTracker struct {
	mu      sync.Mutex
	cfg     yerrors.RetryConfig
	entries map[string]*deferral
}

// NewDeferralTracker creates a tracker with the given policy.
func NewDeferralTracker(cfg yerrors.RetryConfig) *DeferralTracker {
	return &DeferralTracker{cfg: cfg, entries: make(map[string]*deferral)}
}

// Eligible reports whether path may be probed at now.
func (t *DeferralTracker) Eligible(path string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.entries[path]
	if !ok {
		return true
	}
	if d.gaveUp {
		return false
	}
	return !now.Before(d.next)
}

// Defer records another not-yet-available probe. It returns the attempt
// count and whether the retry ceiling has now been reached.
func (t *DeferralTracker) Defer(path string, now time.Time) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.entries[path]
	if !ok {
		d = &deferral{}
		t.entries[path] = d
	}
	d.attempts++
	if d.attempts > t.cfg.MaxRetries {
		d.gaveUp = true
		return d.attempts, true
	}
	d.next = now.Add(t.cfg.Backoff(d.attempts))
	return d.attempts, false
}

// GaveUp reports whether path has exhausted its retries.
func (t *DeferralTracker) GaveUp(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.entries[path]
	return ok && d.gaveUp
}

// Forget clears any deferral state for path.
func (t *DeferralTracker) Forget(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.entries, path)
}

// Len returns the number of tracked paths.
func (t *DeferralTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.entries)
}

// Clear drops every tracked path.
func (t *DeferralTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = make(map[string]*deferral)
}
