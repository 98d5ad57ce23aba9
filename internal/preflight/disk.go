package preflight

import (
	"fmt"
	"syscall"

	"github.com/lh/yiana/internal/ui"
)

// MinDiskSpaceBytes is the free space kept in reserve (100MB).
const MinDiskSpaceBytes = 100 * 1024 * 1024

// RequiredBytes is the free space needed to import importBytes of PDFs:
// the payloads plus a tenth for metadata and temp files, plus the reserve.
func RequiredBytes(importBytes uint64) uint64 {
	return importBytes + importBytes/10 + MinDiskSpaceBytes
}

// CheckDiskSpace checks that the filesystem holding path has need bytes
// available to an unprivileged user.
func (c *Checker) CheckDiskSpace(path string, need uint64) CheckResult {
	const name = "disk_space"

	var fs syscall.Statfs_t
	if err := syscall.Statfs(path, &fs); err != nil {
		return fail(name, fmt.Sprintf("failed to check disk space: %v", err))
	}

	free := fs.Bavail * uint64(fs.Bsize)
	msg := fmt.Sprintf("%s free (needed: %s)", ui.FormatBytes(int64(free)), ui.FormatBytes(int64(need)))
	if free < need {
		return fail(name, msg)
	}
	r := pass(name, msg)
	r.Required = true
	return r
}
