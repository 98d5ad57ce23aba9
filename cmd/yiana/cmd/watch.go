package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lh/yiana/internal/async"
	"github.com/lh/yiana/internal/output"
	"github.com/lh/yiana/internal/service"
	"github.com/lh/yiana/internal/ui"
	"github.com/lh/yiana/internal/watcher"
)

func newWatchCmd() *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the index up to date while documents change",
		Long: `Watch the repository and index documents as they are added, changed
or removed, until interrupted. Cloud placeholders that finish downloading
are picked up when their stub disappears.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ws, err := openWorkspace(service.Options{})
			if err != nil {
				return err
			}
			defer ws.close()

			out := output.New(cmd.OutOrStdout(), ui.IsTTY(cmd.OutOrStdout()))
			out.Statusf("→", "Watching %s (Ctrl+C to stop)", ws.svc.Repository().Root())

			var onBatch func([]watcher.FileEvent)
			if !quiet {
				events, unsubscribe := ws.svc.Indexer().Subscribe(256)
				done := make(chan struct{})
				go func() {
					defer close(done)
					for ev := range events {
						switch ev.Type {
						case async.EventRunFinished:
							if ev.Stats.Indexed+ev.Stats.Removed+ev.Stats.Deferred > 0 {
								printRunStats(out, ev.Stats)
							}
						case async.EventDocumentDeferred:
							out.Status("…", ev.Path+" (waiting for download)")
						}
					}
				}()
				defer func() {
					unsubscribe()
					<-done
				}()
				onBatch = func(batch []watcher.FileEvent) {
					out.Status("~", fmt.Sprintf("%d changes", len(batch)))
				}
			}

			return ws.svc.Watch(cmd.Context(), onBatch)
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only log to the log file")
	return cmd
}
