package watcher

import (
	"context"
	"time"
)

// Mode names the mechanism a watcher uses.
type Mode string

const (
	// ModeNotify uses kernel notifications through fsnotify.
	ModeNotify Mode = "fsnotify"
	// ModePolling rescans the tree on an interval.
	ModePolling Mode = "polling"
)

// sink receives raw events and non-fatal errors from a source.
type sink struct {
	event func(FileEvent)
	err   func(error)
}

// source produces raw, undebounced events for one repository tree.
type source interface {
	// prepare registers the tree (or records a baseline). It runs before
	// Start returns so a failure can be reported or fallen back from.
	prepare(root string) error
	// run delivers events until ctx ends or close is called.
	run(ctx context.Context, s sink)
	close() error
	mode() Mode
}

func rescanEvent() FileEvent {
	return FileEvent{Operation: OpRescan, Timestamp: time.Now()}
}
