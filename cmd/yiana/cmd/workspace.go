package cmd

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lh/yiana/internal/config"
	"github.com/lh/yiana/internal/logging"
	"github.com/lh/yiana/internal/service"
)

// workspace is an opened repository: its configuration, logger and service.
type workspace struct {
	cfg    *config.Config
	svc    *service.Service
	logger *slog.Logger

	closeLog func()
}

// resolveRoot returns --root, else the nearest ancestor of the working
// directory that holds a repository config, else the working directory.
func resolveRoot() (string, error) {
	if repoDir != "" {
		return filepath.Abs(repoDir)
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return config.FindRepositoryRoot(wd)
}

// loadConfig loads the layered configuration for the resolved root.
func loadConfig() (*config.Config, error) {
	root, err := resolveRoot()
	if err != nil {
		return nil, err
	}
	return config.Load(root)
}

// openWorkspace loads configuration, sets up file logging (unless --debug
// already installed a logger) and opens the service. Nothing is written to
// stdout, so it is safe ahead of the MCP stdio transport.
func openWorkspace(opts service.Options) (*workspace, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	ws := &workspace{cfg: cfg, logger: slog.Default()}
	if !debugMode {
		logCfg := logging.Config{
			Level:     cfg.Logging.Level,
			FilePath:  cfg.Logging.FilePath,
			MaxSizeMB: cfg.Logging.MaxSizeMB,
			MaxFiles:  cfg.Logging.MaxFiles,
		}
		if logCfg.FilePath == "" {
			logCfg.FilePath = logging.DefaultLogPath()
		}
		logger, cleanup, err := logging.Setup(logCfg)
		if err != nil {
			return nil, err
		}
		ws.logger = logger
		ws.closeLog = cleanup
	}

	opts.Config = cfg
	opts.Logger = ws.logger
	svc, err := service.Open(opts)
	if err != nil {
		ws.close()
		return nil, err
	}
	ws.svc = svc
	return ws, nil
}

func (ws *workspace) close() {
	if ws.svc != nil {
		_ = ws.svc.Close()
	}
	if ws.closeLog != nil {
		ws.closeLog()
		ws.closeLog = nil
	}
}

// dirSize sums the sizes of regular files under path.
func dirSize(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if info, err := d.Info(); err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	return total
}
