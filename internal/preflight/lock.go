package preflight

import (
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/lh/yiana/internal/async"
)

// CheckIndexLock warns when another process is writing the index. Imports
// still succeed; their index-on-create upserts wait for the next run.
func (c *Checker) CheckIndexLock(dataDir string) CheckResult {
	result := CheckResult{
		Name: "index_lock",
	}

	lock := flock.New(filepath.Join(dataDir, async.LockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		result.Status = StatusWarn
		result.Message = "cannot inspect index lock: " + err.Error()
		return result
	}
	if !locked {
		result.Status = StatusWarn
		result.Message = "another process is indexing"
		return result
	}
	_ = lock.Unlock()

	result.Status = StatusPass
	result.Message = "free"
	return result
}
