package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// notifySource watches every non-hidden directory with fsnotify. New
// directories are registered as they appear.
type notifySource struct {
	fsw    *fsnotify.Watcher
	logger *slog.Logger
	root   string
	sink   sink
}

func newNotifySource(logger *slog.Logger) (*notifySource, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &notifySource{fsw: fsw, logger: logger}, nil
}

func (n *notifySource) mode() Mode { return ModeNotify }

func (n *notifySource) prepare(root string) error {
	n.root = root
	return n.register(root, false)
}

func (n *notifySource) run(ctx context.Context, s sink) {
	n.sink = s
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-n.fsw.Events:
			if !ok {
				return
			}
			n.handle(ev)
		case err, ok := <-n.fsw.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; the consumer has to look at everything.
				n.logger.Warn("watch_event_overflow")
				s.event(rescanEvent())
				continue
			}
			s.err(err)
		}
	}
}

func (n *notifySource) close() error {
	return n.fsw.Close()
}

func (n *notifySource) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(n.root, ev.Name)
	if err != nil {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if IgnoreDir(rel) {
				return
			}
			if err := n.register(ev.Name, true); err != nil {
				n.sink.err(err)
			}
			return
		}
	}

	op, ok := notifyOperation(ev.Op)
	if !ok {
		return
	}
	docPath, kind, ok := Classify(rel)
	if !ok {
		return
	}
	n.sink.event(FileEvent{Path: docPath, Operation: op, Kind: kind, Timestamp: time.Now()})
}

func notifyOperation(op fsnotify.Op) (Operation, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate, true
	case op.Has(fsnotify.Write):
		return OpModify, true
	case op.Has(fsnotify.Remove):
		return OpDelete, true
	case op.Has(fsnotify.Rename):
		return OpRename, true
	default:
		return 0, false
	}
}

// register adds dir and its visible subdirectories. With announce set,
// files already inside are reported as created: they may have been
// written before the directory was watched.
func (n *notifySource) register(dir string, announce bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(n.root, path)
		if !d.IsDir() {
			if !announce {
				return nil
			}
			if docPath, kind, ok := Classify(rel); ok {
				n.sink.event(FileEvent{Path: docPath, Operation: OpCreate, Kind: kind, Timestamp: time.Now()})
			}
			return nil
		}
		if rel != "." && IgnoreDir(rel) {
			return filepath.SkipDir
		}
		return n.fsw.Add(path)
	})
}
