package logging

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultLogDir returns ~/.yiana/logs, or a temp directory when the home
// directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".yiana", "logs")
	}
	return filepath.Join(home, ".yiana", "logs")
}

// DefaultLogPath returns the default log file.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "yiana.log")
}

// FindLogFile returns explicit if it exists, otherwise the default log
// file if it exists.
func FindLogFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("log file not found: %s", explicit)
		}
		return explicit, nil
	}

	path := DefaultLogPath()
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("no log file found at %s\nRun any yiana command to create it, or use --debug to mirror logs to stderr", path)
	}
	return path, nil
}
