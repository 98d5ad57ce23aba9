// Package async provides the background indexing infrastructure for Yiana.
package async

import (
	"sync"
	"time"
)

// State is the indexer's lifecycle state.
type State string

const (
	// StateIdle means no run is active.
	StateIdle State = "idle"
	// StateIndexing means a run is walking the repository.
	StateIndexing State = "indexing"
	// StateCancelled means cancellation was requested and the run is
	// finishing its current document.
	StateCancelled State = "cancelled"
)

// RunStatus is the outcome recorded for the most recent run.
type RunStatus string

const (
	RunStatusNone      RunStatus = "none"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// RunStats counts what one run did.
type RunStats struct {
	Seen       int           `json:"seen"`
	Indexed    int           `json:"indexed"`
	Unchanged  int           `json:"unchanged"`
	Deferred   int           `json:"deferred"`
	GaveUp     int           `json:"gave_up"`
	Failed     int           `json:"failed"`
	Removed    int           `json:"removed"`
	WalkErrors int           `json:"walk_errors"`
	Cancelled  bool          `json:"cancelled"`
	Duration   time.Duration `json:"duration"`
}

// IndexProgressSnapshot is an immutable snapshot of indexing progress.
type IndexProgressSnapshot struct {
	Status         string   `json:"status"`
	Stats          RunStats `json:"stats"`
	CurrentPath    string   `json:"current_path,omitempty"`
	ElapsedSeconds int      `json:"elapsed_seconds"`
	ErrorMessage   string   `json:"error_message,omitempty"`
}

// IndexProgress provides thread-safe tracking of the current or last run.
type IndexProgress struct {
	mu sync.RWMutex

	status       RunStatus
	stats        RunStats
	currentPath  string
	startTime    time.Time
	endTime      time.Time
	errorMessage string
}

// NewIndexProgress creates a tracker with no run recorded.
func NewIndexProgress() *IndexProgress {
	return &IndexProgress{status: RunStatusNone}
}

// Begin resets the tracker for a new run.
func (p *IndexProgress) Begin(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.status = RunStatusRunning
	p.stats = RunStats{}
	p.currentPath = ""
	p.startTime = now
	p.endTime = time.Time{}
	p.errorMessage = ""
}

// Update records the running totals and the document being processed.
func (p *IndexProgress) Update(stats RunStats, currentPath string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats = stats
	p.currentPath = currentPath
}

// Finish records the run outcome.
func (p *IndexProgress) Finish(stats RunStats, err error, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats = stats
	p.currentPath = ""
	p.endTime = now
	switch {
	case err != nil:
		p.status = RunStatusFailed
		p.errorMessage = err.Error()
	case stats.Cancelled:
		p.status = RunStatusCancelled
	default:
		p.status = RunStatusCompleted
	}
}

// Snapshot returns an immutable copy of the current progress state.
func (p *IndexProgress) Snapshot() IndexProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var elapsed time.Duration
	switch {
	case p.startTime.IsZero():
	case p.endTime.IsZero():
		elapsed = time.Since(p.startTime)
	default:
		elapsed = p.endTime.Sub(p.startTime)
	}

	return IndexProgressSnapshot{
		Status:         string(p.status),
		Stats:          p.stats,
		CurrentPath:    p.currentPath,
		ElapsedSeconds: int(elapsed.Seconds()),
		ErrorMessage:   p.errorMessage,
	}
}
