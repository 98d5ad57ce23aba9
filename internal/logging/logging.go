package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Config contains logging configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// FilePath is the log file. Empty disables file logging.
	FilePath string
	// MaxSizeMB is the size that triggers rotation.
	MaxSizeMB int
	// MaxFiles is the number of rotated files kept.
	MaxFiles int
	// WriteToStderr mirrors log lines to stderr.
	WriteToStderr bool
}

// DefaultConfig returns file logging at info level without stderr.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		FilePath:  DefaultLogPath(),
		MaxSizeMB: 10,
		MaxFiles:  5,
	}
}

// DebugConfig returns debug-level logging mirrored to stderr.
func DebugConfig() Config {
	cfg := DefaultConfig()
	cfg.Level = "debug"
	cfg.WriteToStderr = true
	return cfg
}

// Setup builds a JSON logger for cfg. The returned cleanup flushes and
// closes the log file.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	var (
		writers []io.Writer
		file    *RotatingWriter
	)

	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		w, err := NewRotatingWriter(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxFiles)
		if err != nil {
			return nil, nil, err
		}
		file = w
		writers = append(writers, w)
	}
	if cfg.WriteToStderr {
		writers = append(writers, os.Stderr)
	}

	var out io.Writer
	switch len(writers) {
	case 0:
		out = io.Discard
	case 1:
		out = writers[0]
	default:
		out = io.MultiWriter(writers...)
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: LevelFromString(cfg.Level),
	}))

	cleanup := func() {
		if file != nil {
			_ = file.Sync()
			_ = file.Close()
		}
	}
	return logger, cleanup, nil
}

// SetupQuiet configures file-only logging and installs it as the default
// logger. Used when stdout carries a protocol stream.
func SetupQuiet(level string) (func(), error) {
	cfg := DefaultConfig()
	cfg.Level = level
	cfg.WriteToStderr = false

	logger, cleanup, err := Setup(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	logger.Info("quiet_logging_initialized", slog.String("log_file", cfg.FilePath))
	return cleanup, nil
}

// LevelFromString converts a level name to slog.Level. Unknown names map
// to info.
func LevelFromString(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
