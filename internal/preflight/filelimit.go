package preflight

import (
	"fmt"
	"syscall"
)

// MinFileDescriptors is the floor for the open file limit.
const MinFileDescriptors = 256

// RequiredFileDescriptors is the limit needed for an import with the given
// worker count: each worker holds a source and a temp file, and the index,
// watcher and logs need headroom.
func RequiredFileDescriptors(workers int) uint64 {
	return max(uint64(64+4*workers), MinFileDescriptors)
}

// CheckFileDescriptors compares the soft open file limit with what the
// planned workers need.
func (c *Checker) CheckFileDescriptors(workers int) CheckResult {
	const name = "file_descriptors"

	var lim syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &lim); err != nil {
		return fail(name, fmt.Sprintf("failed to check file descriptor limit: %v", err))
	}

	need := RequiredFileDescriptors(workers)
	msg := fmt.Sprintf("%d (minimum: %d)", lim.Cur, need)
	if lim.Cur < need {
		r := fail(name, msg)
		r.Details = "Run 'ulimit -n 4096' or lower import.workers"
		return r
	}
	r := pass(name, msg)
	r.Required = true
	return r
}
