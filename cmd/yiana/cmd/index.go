package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/lh/yiana/internal/async"
	yerrors "github.com/lh/yiana/internal/errors"
	"github.com/lh/yiana/internal/output"
	"github.com/lh/yiana/internal/service"
	"github.com/lh/yiana/internal/ui"
)

func newIndexCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Bring the search index up to date",
		Long: `Walk the repository and index every document that is new or changed
since its last index entry. Documents still waiting for cloud download are
deferred and retried on a later run. Entries for deleted documents are
removed.

Without a subcommand this is the same as 'yiana index run'.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIndex(cmd, verbose, false)
		},
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Print every indexed, removed or deferred document")

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Index new and changed documents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIndex(cmd, verbose, false)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Drop the index and rebuild it from the repository",
		Long: `Stop any running pass, clear every index entry and index the whole
repository again. This is the recovery step when the index reports itself
unavailable.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIndex(cmd, verbose, true)
		},
	})
	cmd.AddCommand(newIndexStatusCmd())

	return cmd
}

func runIndex(cmd *cobra.Command, verbose, reset bool) error {
	out := output.New(cmd.OutOrStdout(), ui.IsTTY(cmd.OutOrStdout()))

	ws, err := openWorkspace(service.Options{})
	if err != nil && reset && yerrors.GetCode(err) == yerrors.ErrCodeIndexUnavailable {
		ws, err = recreateIndex(out)
	}
	if err != nil {
		return err
	}
	defer ws.close()

	if verbose {
		events, unsubscribe := ws.svc.Indexer().Subscribe(256)
		done := make(chan struct{})
		go func() {
			defer close(done)
			printIndexEvents(out, events)
		}()
		defer func() {
			unsubscribe()
			<-done
		}()
	}

	var stats async.RunStats
	if reset {
		out.Status("→", "Rebuilding index for "+ws.svc.Repository().Root())
		stats, err = ws.svc.ResetIndex(cmd.Context())
	} else {
		stats, err = ws.svc.IndexAll(cmd.Context())
	}
	if err != nil {
		return err
	}

	printRunStats(out, stats)
	return nil
}

// recreateIndex deletes an index that cannot be opened and opens the
// workspace again with an empty one.
func recreateIndex(out *output.Writer) (*workspace, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	out.Warning("Index cannot be opened; deleting it")
	if err := service.DestroyIndex(cfg); err != nil {
		return nil, err
	}
	return openWorkspace(service.Options{})
}

func printIndexEvents(out *output.Writer, events <-chan async.Event) {
	for ev := range events {
		switch ev.Type {
		case async.EventDocumentIndexed:
			out.Status("+", ev.Path)
		case async.EventDocumentRemoved:
			out.Status("-", ev.DocumentID)
		case async.EventDocumentDeferred:
			out.Status("…", ev.Path+" (waiting for download)")
		}
	}
}

func printRunStats(out *output.Writer, stats async.RunStats) {
	if stats.Cancelled {
		out.Warningf("Index run cancelled after %d documents", stats.Seen)
		return
	}
	out.Successf("Indexed %d, unchanged %d, removed %d in %s",
		stats.Indexed, stats.Unchanged, stats.Removed, stats.Duration.Round(time.Millisecond))
	if stats.Deferred > 0 {
		out.Warningf("%d waiting for cloud download", stats.Deferred)
	}
	if stats.GaveUp > 0 {
		out.Warningf("%d skipped after repeated deferrals", stats.GaveUp)
	}
	if stats.Failed > 0 {
		out.Errorf("%d could not be read", stats.Failed)
	}
	if stats.WalkErrors > 0 {
		out.Errorf("%d folders could not be walked", stats.WalkErrors)
	}
}

func newIndexStatusCmd() *cobra.Command {
	var (
		jsonOutput bool
		noColor    bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show index status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := openWorkspace(service.Options{})
			if err != nil {
				return err
			}
			defer ws.close()

			info, err := statusInfo(cmd.Context(), ws)
			if err != nil {
				return err
			}
			renderer := ui.NewStatusRenderer(cmd.OutOrStdout(), noColor || !ui.IsTTY(cmd.OutOrStdout()))
			if jsonOutput {
				return renderer.RenderJSON(info)
			}
			return renderer.Render(info)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colors")
	return cmd
}

func statusInfo(ctx context.Context, ws *workspace) (ui.StatusInfo, error) {
	st, err := ws.svc.Status(ctx)
	if err != nil {
		return ui.StatusInfo{}, err
	}
	dataDir := ws.cfg.DataDir()
	info := ui.StatusInfo{
		Root:      st.Root,
		Backend:   st.Backend,
		IndexPath: dataDir,
		IndexSize: dirSize(dataDir),
		Documents: st.Count,
		State:     string(st.State),
		Deferred:  st.Deferred,
		LastError: st.LastError,
		Cloud:     "placeholder detection (.icloud stubs)",
	}
	if st.Progress.Status != string(async.RunStatusNone) {
		info.LastRun = st.Progress.Status
	}
	return info, nil
}
