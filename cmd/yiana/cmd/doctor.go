package cmd

import (
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lh/yiana/internal/config"
	"github.com/lh/yiana/internal/preflight"
)

func newDoctorCmd() *cobra.Command {
	var (
		verbose    bool
		jsonOutput bool
		workers    int
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check system requirements and diagnose issues",
		Long: `Run system diagnostics for the repository.

Checks:
  - Disk space
  - Write permissions on the repository and index directory
  - File descriptor limit for the configured import workers
  - Whether another process holds the index lock

Use --verbose for details and --json for machine-readable output.`,
		Example: `  yiana doctor
  yiana doctor --verbose
  yiana doctor --json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if workers <= 0 {
				workers = cfg.Import.Workers
			}
			return runDoctor(cmd, cfg, workers, verbose, jsonOutput)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show detailed diagnostic info")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().IntVar(&workers, "workers", 0, "Import workers to check resources for (default from config)")
	return cmd
}

func runDoctor(cmd *cobra.Command, cfg *config.Config, workers int, verbose, jsonOutput bool) error {
	checker := preflight.New(
		preflight.WithVerbose(verbose),
		preflight.WithOutput(cmd.OutOrStdout()),
	)

	results := checker.RunAll(cmd.Context(), preflight.Target{
		Root:    cfg.Repository.Root,
		DataDir: cfg.DataDir(),
		Workers: workers,
	})

	if jsonOutput {
		if err := outputDoctorJSON(cmd, checker, results); err != nil {
			return err
		}
	} else {
		checker.PrintResults(results)
	}

	if checker.HasCriticalFailures(results) {
		return &doctorError{message: "system check failed"}
	}
	return nil
}

// doctorError is returned when a required check fails.
type doctorError struct {
	message string
}

func (e *doctorError) Error() string {
	return e.message
}

type doctorCheck struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Message  string `json:"message"`
	Required bool   `json:"required"`
	Details  string `json:"details,omitempty"`
}

// doctorReport is the JSON output of doctor.
type doctorReport struct {
	Status   string        `json:"status"`
	Checks   []doctorCheck `json:"checks"`
	Warnings []string      `json:"warnings,omitempty"`
	Errors   []string      `json:"errors,omitempty"`
}

func outputDoctorJSON(cmd *cobra.Command, checker *preflight.Checker, results []preflight.CheckResult) error {
	report := doctorReport{
		Status: checker.SummaryStatus(results),
		Checks: make([]doctorCheck, len(results)),
	}
	for i, r := range results {
		report.Checks[i] = doctorCheck{
			Name:     r.Name,
			Status:   strings.ToLower(r.Status.String()),
			Message:  r.Message,
			Required: r.Required,
			Details:  r.Details,
		}
		if r.IsCritical() {
			report.Errors = append(report.Errors, r.Name+": "+r.Message)
		} else if r.Status == preflight.StatusWarn {
			report.Warnings = append(report.Warnings, r.Name+": "+r.Message)
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
