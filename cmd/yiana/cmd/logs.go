package cmd

import (
	"context"
	"fmt"
	"regexp"

	"github.com/spf13/cobra"

	"github.com/lh/yiana/internal/logging"
)

type logsOptions struct {
	follow  bool
	lines   int
	level   string
	filter  string
	noColor bool
	logFile string
}

func newLogsCmd() *cobra.Command {
	var opts logsOptions

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "View Yiana logs",
		Long: `Show the last lines of the Yiana log file, or follow it with -f.

The file is --file, else logging.file_path from the configuration, else
~/.yiana/logs/yiana.log.`,
		Example: `  yiana logs                  # Last 50 lines
  yiana logs -n 200
  yiana logs -f               # Follow
  yiana logs --level warn     # Warnings and errors only
  yiana logs --filter import  # Lines matching a pattern`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLogs(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.follow, "follow", "f", false, "Follow log output (like tail -f)")
	cmd.Flags().IntVarP(&opts.lines, "lines", "n", 50, "Number of lines to show")
	cmd.Flags().StringVar(&opts.level, "level", "", "Minimum level (debug|info|warn|error)")
	cmd.Flags().StringVar(&opts.filter, "filter", "", "Filter by pattern (regex)")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	cmd.Flags().StringVar(&opts.logFile, "file", "", "Path to log file")

	return cmd
}

func runLogs(ctx context.Context, cmd *cobra.Command, opts logsOptions) error {
	explicit := opts.logFile
	if explicit == "" {
		if cfg, err := loadConfig(); err == nil {
			explicit = cfg.Logging.FilePath
		}
	}
	path, err := logging.FindLogFile(explicit)
	if err != nil {
		return err
	}

	var pattern *regexp.Regexp
	if opts.filter != "" {
		pattern, err = regexp.Compile(opts.filter)
		if err != nil {
			return fmt.Errorf("invalid filter pattern: %w", err)
		}
	}

	viewer := logging.NewViewer(logging.ViewerConfig{
		Level:   opts.level,
		Pattern: pattern,
		NoColor: opts.noColor,
	}, cmd.OutOrStdout())

	stderr := cmd.ErrOrStderr()
	_, _ = fmt.Fprintf(stderr, "Log file: %s\n", path)
	if opts.follow {
		_, _ = fmt.Fprintln(stderr, "Following... (Ctrl+C to stop)")
	}
	_, _ = fmt.Fprintln(stderr, "---")

	entries, err := viewer.Tail(path, opts.lines)
	if err != nil {
		return err
	}
	viewer.Print(entries)

	if !opts.follow {
		return nil
	}
	return followLog(ctx, cmd, viewer, path)
}

func followLog(ctx context.Context, cmd *cobra.Command, viewer *logging.Viewer, path string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan logging.LogEntry, 100)
	errCh := make(chan error, 1)
	go func() {
		errCh <- viewer.Follow(ctx, path, entries)
	}()

	for {
		select {
		case entry := <-entries:
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), viewer.Format(entry))
		case err := <-errCh:
			return err
		case <-ctx.Done():
			_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "\n---\nStopped.")
			return nil
		}
	}
}
