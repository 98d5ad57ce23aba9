package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lh/yiana/internal/archive"
	"github.com/lh/yiana/internal/output"
	"github.com/lh/yiana/pkg/version"
)

// versionReport is the --json form: build stamps plus the newest container
// format this binary writes.
type versionReport struct {
	Program string `json:"program"`
	version.BuildInfo
	Container containerFormat `json:"container"`
}

type containerFormat struct {
	Extension string `json:"extension"`
	Version   uint16 `json:"version"`
}

func newVersionReport() versionReport {
	return versionReport{
		Program:   version.Program,
		BuildInfo: version.GetInfo(),
		Container: containerFormat{Extension: archive.Extension, Version: archive.CurrentVersion},
	}
}

func newVersionCmd() *cobra.Command {
	var jsonOutput, shortOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long: `Print the release, the build stamps and the container format version.

--short prints the release alone, for scripts comparing versions.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if shortOutput {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Short())
				return err
			}
			report := newVersionReport()
			out := output.New(cmd.OutOrStdout(), false)
			if jsonOutput {
				return out.JSON(report)
			}

			out.Statusf("→", "%s %s", report.Program, report.Version)
			out.Statusf(" ", "commit     %s", report.Commit)
			out.Statusf(" ", "built      %s", report.Date)
			out.Statusf(" ", "go         %s %s/%s", report.GoVersion, report.OS, report.Arch)
			out.Statusf(" ", "container  %s v%d", report.Container.Extension, report.Container.Version)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")
	cmd.Flags().BoolVar(&shortOutput, "short", false, "Output only the release")

	return cmd
}
