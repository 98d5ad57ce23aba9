// Package cmd provides the CLI commands for Yiana.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	yerrors "github.com/lh/yiana/internal/errors"
	"github.com/lh/yiana/internal/logging"
	"github.com/lh/yiana/internal/profiling"
	"github.com/lh/yiana/pkg/version"
)

// Profiling flags
var (
	profileFlags   profiling.Flags
	profileSession *profiling.Session
)

// Logging and repository flags
var (
	debugMode      bool
	repoDir        string
	loggingCleanup func()
)

// NewRootCmd creates the root command for the yiana CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "yiana",
		Short: "Import, index and search a personal PDF archive",
		Long: `Yiana stores PDF documents as self-describing containers, imports
batches of external PDFs with bounded concurrency, and keeps a full-text
search index consistent with the repository in the background.

Files synced through a cloud provider are checked before every read; files
that are not downloaded yet are deferred rather than blocking.

Run commands from inside a repository, or point at one with --root.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.SetVersionTemplate("yiana version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&repoDir, "root", "", "Repository directory (default: nearest directory with .yiana.yaml)")

	cmd.PersistentFlags().StringVar(&profileFlags.CPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&profileFlags.Mem, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&profileFlags.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to stderr and ~/.yiana/logs/")

	cmd.PersistentPreRunE = startProfilingAndLogging
	cmd.PersistentPostRunE = stopProfilingAndLogging

	cmd.AddCommand(newImportCmd())
	cmd.AddCommand(newNewCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newOCRCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// startProfilingAndLogging starts profiling and debug logging if flags are set.
func startProfilingAndLogging(_ *cobra.Command, _ []string) error {
	if debugMode {
		logger, cleanup, err := logging.Setup(logging.DebugConfig())
		if err != nil {
			return fmt.Errorf("failed to setup debug logging: %w", err)
		}
		loggingCleanup = cleanup
		slog.SetDefault(logger)
		slog.Info("debug_logging_enabled",
			slog.String("log_file", logging.DefaultLogPath()),
			slog.String("version", version.Version))
	}

	if profileFlags.Enabled() {
		session, err := profiling.Start(profileFlags)
		if err != nil {
			return err
		}
		profileSession = session
	}
	return nil
}

// stopProfilingAndLogging stops profiling and writes the heap profile if
// requested, then closes the debug log.
func stopProfilingAndLogging(_ *cobra.Command, _ []string) error {
	var err error
	if profileSession != nil {
		err = profileSession.Stop()
		profileSession = nil
	}

	if loggingCleanup != nil {
		slog.Info("debug_logging_stopped")
		loggingCleanup()
		loggingCleanup = nil
	}
	return err
}

// Execute runs the root command with a context cancelled on SIGINT/SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := NewRootCmd().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprint(os.Stderr, yerrors.FormatForCLI(err))
	}
	return err
}
