package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/lh/yiana/internal/output"
	"github.com/lh/yiana/internal/service"
)

func newNewCmd() *cobra.Command {
	var noIndex bool

	cmd := &cobra.Command{
		Use:   "new <title>",
		Short: "Create an empty document",
		Long: `Create a placeholder document with no pages. It is indexed by title
straight away and can be filled in later.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(service.Options{})
			if err != nil {
				return err
			}
			defer ws.close()

			doc, err := ws.svc.Repository().Create(strings.Join(args, " "))
			if err != nil {
				return err
			}
			if !noIndex {
				if _, err := ws.svc.IndexAll(cmd.Context()); err != nil {
					return err
				}
			}

			out := output.New(cmd.OutOrStdout(), false)
			out.Successf("Created %q", doc.Metadata.Title)
			out.Statusf(" ", "id:   %s", doc.Metadata.ID)
			out.Statusf(" ", "path: %s", doc.Path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&noIndex, "no-index", false, "Do not index the new document")
	return cmd
}
