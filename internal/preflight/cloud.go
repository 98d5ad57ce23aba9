package preflight

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/lh/yiana/internal/archive"
	"github.com/lh/yiana/internal/cloud"
)

// maxPlaceholderScan bounds how many directory entries the placeholder
// check looks at in a large repository.
const maxPlaceholderScan = 50_000

// CheckCloudPlaceholders counts documents present only as cloud stubs.
// They are deferred by the indexer until downloaded, so search will not
// find them yet. Never required.
func (c *Checker) CheckCloudPlaceholders(root string) CheckResult {
	const name = "cloud_placeholders"

	stubs, seen := 0, 0
	truncated := false
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		seen++
		if seen > maxPlaceholderScan {
			truncated = true
			return filepath.SkipAll
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if cloud.IsStub(path) && strings.EqualFold(filepath.Ext(cloud.MaterializedPath(path)), archive.Extension) {
			stubs++
		}
		return nil
	})
	if err != nil {
		return warn(name, fmt.Sprintf("cannot scan repository: %v", err))
	}

	switch {
	case stubs == 0 && !truncated:
		return pass(name, "all documents are downloaded")
	case stubs == 0:
		return pass(name, fmt.Sprintf("none in the first %d entries", maxPlaceholderScan))
	default:
		r := warn(name, fmt.Sprintf("%d documents not downloaded; they are indexed once available", stubs))
		r.Details = "Download them in Finder or with 'brctl download <path>'"
		return r
	}
}
