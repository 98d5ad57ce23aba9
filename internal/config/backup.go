package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// MaxBackups is the number of backups kept per config file.
	MaxBackups = 3

	// BackupSuffix precedes the timestamp in backup file names.
	BackupSuffix = ".bak"
)

// Backup copies the config file at path to <path>.bak.<timestamp> and prunes
// older backups. Returns "" and nil if path does not exist.
func Backup(path string, now time.Time) (string, error) {
	if !fileExists(path) {
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read config for backup: %w", err)
	}

	backupPath := fmt.Sprintf("%s%s.%s", path, BackupSuffix, now.Format("20060102-150405.000"))
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}

	// Pruning is best effort; the backup itself succeeded.
	_ = pruneBackups(path)

	return backupPath, nil
}

// ListBackups returns the backups of the config file at path, newest first.
// Timestamps sort lexically, so names order the list.
func ListBackups(path string) ([]string, error) {
	dir := filepath.Dir(path)
	prefix := filepath.Base(path) + BackupSuffix + "."

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list config directory: %w", err)
	}

	var backups []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			backups = append(backups, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	return backups, nil
}

func pruneBackups(path string) error {
	backups, err := ListBackups(path)
	if err != nil {
		return err
	}
	if len(backups) <= MaxBackups {
		return nil
	}
	for _, old := range backups[MaxBackups:] {
		_ = os.Remove(old)
	}
	return nil
}

// Restore replaces the config file at path with backupPath, backing up the
// current file first.
func Restore(path, backupPath string, now time.Time) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("backup file not found: %w", err)
	}

	var probe Config
	if err := unmarshalStrict(data, &probe); err != nil {
		return fmt.Errorf("backup %s is not a valid config: %w", backupPath, err)
	}

	if _, err := Backup(path, now); err != nil {
		return fmt.Errorf("failed to backup current config before restore: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write restored config: %w", err)
	}
	return nil
}
