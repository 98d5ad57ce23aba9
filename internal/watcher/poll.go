package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// stamp is what a scan remembers about one file.
type stamp struct {
	modTime time.Time
	size    int64
}

// tree maps root-relative paths of reportable files to their stamps.
type tree map[string]stamp

// scanTree records every file Classify accepts below root.
func scanTree(root string) (tree, error) {
	t := make(tree)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return nil
		}
		if d.IsDir() {
			if IgnoreDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if _, _, ok := Classify(rel); !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		t[rel] = stamp{modTime: info.ModTime(), size: info.Size()}
		return nil
	})
	return t, err
}

// diff returns the events that turn t into next, ordered by file path.
func (t tree) diff(next tree, now time.Time) []FileEvent {
	type change struct {
		rel string
		op  Operation
	}
	var changes []change
	for rel, s := range next {
		prev, ok := t[rel]
		switch {
		case !ok:
			changes = append(changes, change{rel, OpCreate})
		case !prev.modTime.Equal(s.modTime) || prev.size != s.size:
			changes = append(changes, change{rel, OpModify})
		}
	}
	for rel := range t {
		if _, ok := next[rel]; !ok {
			changes = append(changes, change{rel, OpDelete})
		}
	}
	// Deletes go first: an eviction removes the document and creates its
	// stub, and both report the same document path.
	sort.Slice(changes, func(i, j int) bool {
		di, dj := changes[i].op == OpDelete, changes[j].op == OpDelete
		if di != dj {
			return di
		}
		return changes[i].rel < changes[j].rel
	})

	events := make([]FileEvent, 0, len(changes))
	for _, c := range changes {
		docPath, kind, ok := Classify(c.rel)
		if !ok {
			continue
		}
		events = append(events, FileEvent{Path: docPath, Operation: c.op, Kind: kind, Timestamp: now})
	}
	return events
}

// pollSource rescans the repository on an interval. It is the fallback
// for filesystems where fsnotify is unavailable or runs out of watches.
type pollSource struct {
	interval time.Duration

	mu     sync.Mutex
	root   string
	last   tree
	done   chan struct{}
	closed bool
}

func newPollSource(interval time.Duration) *pollSource {
	return &pollSource{interval: interval, done: make(chan struct{})}
}

func (p *pollSource) mode() Mode { return ModePolling }

func (p *pollSource) prepare(root string) error {
	baseline, err := scanTree(root)
	if err != nil {
		return fmt.Errorf("perform initial scan: %w", err)
	}
	p.mu.Lock()
	p.root = root
	p.last = baseline
	p.mu.Unlock()
	return nil
}

func (p *pollSource) run(ctx context.Context, s sink) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			events, err := p.poll()
			if err != nil {
				s.err(err)
				continue
			}
			for _, ev := range events {
				s.event(ev)
			}
		}
	}
}

func (p *pollSource) poll() ([]FileEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, nil
	}
	current, err := scanTree(p.root)
	if err != nil {
		return nil, fmt.Errorf("walk directory for changes: %w", err)
	}
	events := p.last.diff(current, time.Now())
	p.last = current
	return events, nil
}

func (p *pollSource) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		close(p.done)
	}
	return nil
}
