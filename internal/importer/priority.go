package importer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	yerrors "github.com/lh/yiana/internal/errors"
)

// PriorityFileName is the OCR priority signal in the repository root.
const PriorityFileName = ".ocr_priority"

var errLockBusy = errors.New("priority file locked")

// PrioritySignal appends file names to the newline-delimited list an
// external OCR process reads to decide what to handle next.
type PrioritySignal struct {
	path  string
	retry yerrors.RetryConfig
}

// NewPrioritySignal returns a signal writing to dir/.ocr_priority.
func NewPrioritySignal(dir string) *PrioritySignal {
	return &PrioritySignal{
		path:  filepath.Join(dir, PriorityFileName),
		retry: yerrors.DefaultRetryConfig(),
	}
}

// Path returns the signal file location.
func (p *PrioritySignal) Path() string {
	return p.path
}

// Append adds names not already present, preserving existing lines. The
// file is locked for the read-modify-append; a busy lock is retried.
func (p *PrioritySignal) Append(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return nil
	}

	lock := flock.New(p.path + ".lock")
	err := yerrors.Retry(ctx, p.retry, func() error {
		ok, err := lock.TryLock()
		if err != nil {
			return yerrors.Permanent(err)
		}
		if !ok {
			return errLockBusy
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("lock %s: %w", PriorityFileName, err)
	}
	defer func() { _ = lock.Unlock() }()

	existing, err := os.ReadFile(p.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("read %s: %w", PriorityFileName, err)
	}
	present := make(map[string]struct{})
	for _, line := range strings.Split(string(existing), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			present[line] = struct{}{}
		}
	}

	var b strings.Builder
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		b.WriteByte('\n')
	}
	added := 0
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := present[name]; ok {
			continue
		}
		present[name] = struct{}{}
		added++
		b.WriteString(name)
		b.WriteByte('\n')
	}
	if added == 0 {
		return nil
	}

	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return yerrors.New(yerrors.ErrCodeWriteFailed, "open "+PriorityFileName, err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		_ = f.Close()
		return yerrors.New(yerrors.ErrCodeWriteFailed, "append "+PriorityFileName, err)
	}
	return f.Close()
}

// Entries returns the names currently listed, in file order.
func (p *PrioritySignal) Entries() ([]string, error) {
	f, err := os.Open(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", PriorityFileName, err)
	}
	defer func() { _ = f.Close() }()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			names = append(names, line)
		}
	}
	return names, scanner.Err()
}
