// Package version reports build information for the yiana binary.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Program is the binary name used in version strings.
const Program = "yiana"

// Build information, set with -ldflags "-X github.com/lh/yiana/pkg/version.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// BuildInfo is structured version information for JSON output.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// GetInfo returns build information. When ldflags left Commit or Date
// unset, the VCS stamps recorded by the go tool fill them in.
func GetInfo() BuildInfo {
	info := BuildInfo{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fillFromSettings(&info, bi.Settings)
	}
	return info
}

func fillFromSettings(info *BuildInfo, settings []debug.BuildSetting) {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "unknown" && s.Value != "" {
				info.Commit = s.Value
				if len(info.Commit) > 12 {
					info.Commit = info.Commit[:12]
				}
			}
		case "vcs.time":
			if info.Date == "unknown" && s.Value != "" {
				info.Date = s.Value
			}
		}
	}
}

// String returns a one-line version string.
func String() string {
	info := GetInfo()
	return fmt.Sprintf("%s %s (commit: %s, built: %s, go: %s, %s/%s)",
		Program, info.Version, info.Commit, info.Date, info.GoVersion, info.OS, info.Arch)
}

// Short returns just the version.
func Short() string {
	return Version
}
