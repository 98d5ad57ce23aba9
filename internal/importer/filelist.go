package importer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultPattern matches PDF files during discovery.
const DefaultPattern = "*.pdf"

// SkippedLine is a file-list entry that was not usable.
type SkippedLine struct {
	Line   int
	Path   string
	Reason string
}

// ParseFileList reads a newline-delimited list of PDF paths. Blank lines and
// lines starting with '#' are ignored. Relative paths resolve against
// baseDir. Lines that do not name an existing regular PDF file are returned
// as skipped.
func ParseFileList(r io.Reader, baseDir string) ([]string, []SkippedLine, error) {
	var (
		paths   []string
		skipped []SkippedLine
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		path := line
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		if !isPDFName(path) {
			skipped = append(skipped, SkippedLine{Line: n, Path: line, Reason: "not a .pdf file"})
			continue
		}
		info, err := os.Stat(path)
		switch {
		case err != nil:
			skipped = append(skipped, SkippedLine{Line: n, Path: line, Reason: "file not found"})
		case !info.Mode().IsRegular():
			skipped = append(skipped, SkippedLine{Line: n, Path: line, Reason: "not a regular file"})
		default:
			paths = append(paths, path)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("read file list: %w", err)
	}
	return paths, skipped, nil
}

// ReadFileList opens path and parses it, resolving relative entries against
// the list's own directory.
func ReadFileList(path string) ([]string, []SkippedLine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open file list: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseFileList(f, filepath.Dir(path))
}

// Discover walks root and returns files whose names match pattern
// case-insensitively, in lexical order. Hidden directories are skipped.
// An empty pattern uses DefaultPattern.
func Discover(ctx context.Context, root, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	pattern = strings.ToLower(pattern)
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && strings.HasPrefix(name, ".") {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if ok, _ := filepath.Match(pattern, strings.ToLower(name)); ok {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", root, err)
	}
	return paths, nil
}

func isPDFName(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".pdf")
}
