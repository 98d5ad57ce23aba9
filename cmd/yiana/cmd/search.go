package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/lh/yiana/internal/output"
	"github.com/lh/yiana/internal/service"
	"github.com/lh/yiana/internal/store"
	"github.com/lh/yiana/internal/ui"
)

func newSearchCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
		refresh    bool
		noColor    bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search document titles and recognized text",
		Long: `Search the index. Title matches are listed before content matches;
within each group newer documents come first. Matching is case-insensitive
and finds words inside longer words ("gas" matches "Gasworks").`,
		Example: `  yiana search british gas
  yiana search --limit 50 invoice
  yiana search --json passport`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(service.Options{})
			if err != nil {
				return err
			}
			defer ws.close()

			if refresh {
				if _, err := ws.svc.IndexAll(cmd.Context()); err != nil {
					return err
				}
			}

			query := strings.Join(args, " ")
			results, err := ws.svc.Search(cmd.Context(), query, limit)
			if err != nil {
				return err
			}

			out := output.New(cmd.OutOrStdout(), !noColor && ui.IsTTY(cmd.OutOrStdout()))
			if jsonOutput {
				if results == nil {
					results = []store.Result{}
				}
				return out.JSON(results)
			}
			out.SearchResults(query, results)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum results (default from config)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results as JSON")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Run an index pass before searching")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colors")
	return cmd
}
