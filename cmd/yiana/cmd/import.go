package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	yerrors "github.com/lh/yiana/internal/errors"
	"github.com/lh/yiana/internal/importer"
	"github.com/lh/yiana/internal/output"
	"github.com/lh/yiana/internal/preflight"
	"github.com/lh/yiana/internal/service"
	"github.com/lh/yiana/internal/ui"
)

type importOptions struct {
	listFile   string
	dir        string
	pattern    string
	into       string
	dryRun     bool
	workers    int
	batchSize  int
	delay      time.Duration
	timeout    time.Duration
	noIndex    bool
	noTUI      bool
	noColor    bool
	skipCheck  bool
	jsonOutput bool
}

func newImportCmd() *cobra.Command {
	var opts importOptions

	cmd := &cobra.Command{
		Use:   "import [files...]",
		Short: "Import PDF files into the repository",
		Long: `Convert external PDF files into Yiana containers.

Files come from arguments, a file list (--list, one path per line, '#'
comments), or a recursive scan of a folder (--dir). Every file is imported:
the list is split into batches of --batch-size files, with --delay between
batches, and each batch is processed by --workers workers with every item
under --timeout. An item that overruns its timeout is reported as timed out,
not failed. Sources still waiting for cloud download are deferred.

After importing, an index pass makes the new documents searchable.`,
		Example: `  # Import two files
  yiana import ~/Downloads/bill.pdf ~/Downloads/lease.pdf

  # Import every PDF under a folder into a subfolder
  yiana import --dir ~/Scans --into 2024

  # Preview a file list without writing anything
  yiana import --list pending.txt --dry-run

  # A large scan folder, 50 at a time with a pause for sync to settle
  yiana import --dir ~/Archive --batch-size 50 --delay 10s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), cmd, args, opts)
		},
	}

	cmd.Flags().StringVar(&opts.listFile, "list", "", "Read source paths from a newline-delimited file")
	cmd.Flags().StringVar(&opts.dir, "dir", "", "Import every matching file under this folder")
	cmd.Flags().StringVar(&opts.pattern, "pattern", importer.DefaultPattern, "File name pattern for --dir")
	cmd.Flags().StringVar(&opts.into, "into", "", "Repository subfolder to write containers to")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Show what would be imported without writing")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "Concurrent workers (default from config)")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "Files per batch, 1-500 (default from config)")
	cmd.Flags().IntVar(&opts.batchSize, "max-items", 0, "Files per batch")
	_ = cmd.Flags().MarkDeprecated("max-items", "use --batch-size")
	cmd.Flags().DurationVar(&opts.delay, "delay", 0, "Pause between batches")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Per-file timeout (default from config)")
	cmd.Flags().BoolVar(&opts.noIndex, "no-index", false, "Skip the index pass after importing")
	cmd.Flags().BoolVar(&opts.noTUI, "no-tui", false, "Plain progress output")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "Disable colors")
	cmd.Flags().BoolVar(&opts.skipCheck, "skip-check", false, "Skip pre-flight system checks")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output the result as JSON")

	return cmd
}

// collectSources merges arguments, the file list and folder discovery,
// dropping duplicates while keeping first-seen order.
func collectSources(ctx context.Context, out *output.Writer, args []string, opts importOptions) ([]string, error) {
	var paths []string
	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, err
		}
		paths = append(paths, abs)
	}

	if opts.listFile != "" {
		listed, skipped, err := importer.ReadFileList(opts.listFile)
		if err != nil {
			return nil, yerrors.ValidationError("cannot read file list", err)
		}
		for _, s := range skipped {
			out.Warningf("%s:%d %s (%s)", opts.listFile, s.Line, s.Path, s.Reason)
		}
		paths = append(paths, listed...)
	}

	if opts.dir != "" {
		found, err := importer.Discover(ctx, opts.dir, opts.pattern)
		if err != nil {
			return nil, err
		}
		paths = append(paths, found...)
	}

	seen := make(map[string]struct{}, len(paths))
	unique := paths[:0]
	for _, p := range paths {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		unique = append(unique, p)
	}
	return unique, nil
}

func totalSize(paths []string) uint64 {
	var total uint64
	for _, p := range paths {
		if info, err := os.Stat(p); err == nil {
			total += uint64(info.Size())
		}
	}
	return total
}

func runImport(ctx context.Context, cmd *cobra.Command, args []string, opts importOptions) error {
	out := output.New(cmd.OutOrStdout(), !opts.noColor && ui.IsTTY(cmd.OutOrStdout()))

	paths, err := collectSources(ctx, out, args, opts)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return yerrors.ValidationError("no PDF files to import", nil).
			WithSuggestion("Pass file paths, --list or --dir")
	}

	if opts.batchSize != 0 && (opts.batchSize < 1 || opts.batchSize > importer.MaxBatchSize) {
		return yerrors.ValidationError(
			fmt.Sprintf("batch size %d is outside 1..%d", opts.batchSize, importer.MaxBatchSize), nil)
	}
	if opts.delay < 0 {
		return yerrors.ValidationError("delay cannot be negative", nil)
	}

	ws, err := openWorkspace(service.Options{InMemoryIndex: opts.dryRun})
	if err != nil {
		return err
	}
	defer ws.close()

	override := importer.Options{
		Workers:        opts.workers,
		MaxItems:       opts.batchSize,
		PerItemTimeout: opts.timeout,
	}
	if opts.into != "" {
		override.TargetDir = filepath.Join(ws.svc.Repository().Root(), opts.into)
	}
	bounds, err := importBounds(ws.svc, override)
	if err != nil {
		return err
	}
	override.MaxItems = bounds.MaxItems

	items := importer.ItemsFromPaths(paths)
	batches := splitBatches(items, bounds.MaxItems)

	if opts.dryRun {
		target := ws.svc.Repository().Root()
		if override.TargetDir != "" {
			target = override.TargetDir
		}
		printImportPlan(out, target, batches, bounds, opts.delay)
		return nil
	}

	if !opts.skipCheck {
		checker := preflight.New(preflight.WithOutput(cmd.ErrOrStderr()))
		results := checker.RunAll(ctx, preflight.Target{
			Root:        ws.svc.Repository().Root(),
			DataDir:     ws.cfg.DataDir(),
			Workers:     bounds.Workers,
			ImportBytes: totalSize(paths),
		})
		if checker.HasCriticalFailures(results) {
			checker.PrintResults(results)
			return checker.Failures(results)
		}
	}

	var renderer ui.Renderer
	if opts.jsonOutput {
		renderer = ui.NewPlainRenderer(ui.NewConfig(io.Discard))
	} else {
		renderer = ui.NewRenderer(ui.NewConfig(cmd.OutOrStdout(),
			ui.WithForcePlain(opts.noTUI),
			ui.WithNoColor(opts.noColor),
			ui.WithTitle("Import")))
	}
	if err := renderer.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = renderer.Stop() }()

	start := time.Now()
	result, err := importBatches(ctx, ws.svc, batches, override, opts.delay, func(p importer.Progress) {
		renderer.UpdateProgress(ui.ProgressEvent{
			Stage:   ui.StageImporting,
			Current: p.Completed,
			Total:   len(items),
			Item:    p.Description,
		})
	})
	if err != nil {
		return err
	}

	for _, f := range result.Failed {
		renderer.AddError(ui.ErrorEvent{Item: f.SourcePath, Err: f.Err})
	}
	for _, p := range result.TimedOut {
		renderer.AddError(ui.ErrorEvent{Item: p, Err: yerrors.ImportTimedOut(p), IsWarn: true})
	}
	for _, p := range result.Deferred {
		renderer.AddError(ui.ErrorEvent{Item: p, Err: yerrors.CloudNotYetAvailable(p), IsWarn: true})
	}

	indexed := 0
	if !opts.noIndex && len(result.Successful) > 0 {
		renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StageIndexing, Message: "Updating search index"})
		stats, err := ws.svc.IndexAll(ctx)
		if err != nil {
			renderer.AddError(ui.ErrorEvent{Item: "index", Err: err, IsWarn: true})
		}
		indexed = stats.Indexed
	}

	summary := ui.CompletionStats{
		Imported:  len(result.Successful),
		Failed:    len(result.Failed),
		TimedOut:  len(result.TimedOut),
		Deferred:  len(result.Deferred),
		Truncated: result.Truncated,
		Indexed:   indexed,
		Duration:  time.Since(start),
	}
	renderer.Complete(summary)

	if opts.jsonOutput {
		if err := out.JSON(newImportReport(result, len(batches), indexed)); err != nil {
			return err
		}
	}

	if len(result.Failed) > 0 {
		return yerrors.New(yerrors.ErrCodeImportFailed,
			fmt.Sprintf("%d of %d files failed to import", len(result.Failed), result.Total()), nil)
	}
	return nil
}

// importReport is the --json form of an import result.
type importReport struct {
	Imported  []importedDocument `json:"imported"`
	Failed    []failedImport     `json:"failed"`
	TimedOut  []string           `json:"timed_out"`
	Deferred  []string           `json:"deferred"`
	Truncated int                `json:"truncated"`
	Batches   int                `json:"batches"`
	Indexed   int                `json:"indexed"`
}

type importedDocument struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Path  string `json:"path"`
	Pages int    `json:"pages"`
}

type failedImport struct {
	Source string `json:"source"`
	Error  string `json:"error"`
}

func newImportReport(result *importer.Result, batches, indexed int) importReport {
	report := importReport{
		Imported:  make([]importedDocument, 0, len(result.Successful)),
		Failed:    make([]failedImport, 0, len(result.Failed)),
		TimedOut:  append([]string{}, result.TimedOut...),
		Deferred:  append([]string{}, result.Deferred...),
		Truncated: result.Truncated,
		Batches:   batches,
		Indexed:   indexed,
	}
	for _, doc := range result.Successful {
		report.Imported = append(report.Imported, importedDocument{
			ID:    doc.Metadata.ID.String(),
			Title: doc.Metadata.Title,
			Path:  doc.Path,
			Pages: doc.Metadata.PageCount,
		})
	}
	for _, f := range result.Failed {
		report.Failed = append(report.Failed, failedImport{Source: f.SourcePath, Error: f.Err.Error()})
	}
	return report
}

// importBounds fills override's zero fields from the configuration.
func importBounds(svc *service.Service, override importer.Options) (importer.Options, error) {
	bounds := svc.ImportOptions()
	if override.Workers > 0 {
		bounds.Workers = override.Workers
	}
	if override.MaxItems > 0 {
		bounds.MaxItems = override.MaxItems
	}
	if override.PerItemTimeout > 0 {
		bounds.PerItemTimeout = override.PerItemTimeout
	}
	if err := bounds.Validate(); err != nil {
		return importer.Options{}, yerrors.ValidationError("invalid import options", err)
	}
	return bounds, nil
}

// splitBatches cuts items into consecutive runs of at most size.
func splitBatches(items []importer.Item, size int) [][]importer.Item {
	var batches [][]importer.Item
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		batches = append(batches, items[start:end])
	}
	return batches
}

// importBatches feeds each batch through the service in order, pausing for
// delay between batches, and merges the results. Progress counts across the
// whole run.
func importBatches(ctx context.Context, svc *service.Service, batches [][]importer.Item, override importer.Options, delay time.Duration, onProgress importer.ProgressFunc) (*importer.Result, error) {
	merged := &importer.Result{}
	done := 0
	for i, batch := range batches {
		if i > 0 && delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		offset := done
		result, err := svc.Import(ctx, batch, override, func(p importer.Progress) {
			if onProgress != nil {
				p.Completed += offset
				onProgress(p)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("batch %d of %d: %w", i+1, len(batches), err)
		}

		merged.Successful = append(merged.Successful, result.Successful...)
		merged.Failed = append(merged.Failed, result.Failed...)
		merged.TimedOut = append(merged.TimedOut, result.TimedOut...)
		merged.Deferred = append(merged.Deferred, result.Deferred...)
		merged.Truncated += result.Truncated
		done += len(batch)
	}
	return merged, nil
}

func printImportPlan(out *output.Writer, target string, batches [][]importer.Item, bounds importer.Options, delay time.Duration) {
	total := 0
	for _, b := range batches {
		total += len(b)
	}
	out.Statusf("→", "Would import %d files into %s in %d batches of up to %d",
		total, target, len(batches), bounds.MaxItems)
	out.Statusf(" ", "workers %d, timeout %s per file", bounds.Workers, bounds.PerItemTimeout)
	if len(batches) > 1 && delay > 0 {
		out.Statusf(" ", "%s pause between batches", delay)
	}

	first := 1
	for i, batch := range batches {
		out.Statusf(" ", "batch %d: files %d-%d", i+1, first, first+len(batch)-1)
		for _, item := range batch {
			out.Statusf(" ", "  %s  ←  %s", item.Title, item.SourcePath)
		}
		first += len(batch)
	}
}
