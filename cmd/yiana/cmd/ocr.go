package cmd

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lh/yiana/internal/archive"
	yerrors "github.com/lh/yiana/internal/errors"
	"github.com/lh/yiana/internal/importer"
	"github.com/lh/yiana/internal/output"
	"github.com/lh/yiana/internal/service"
)

func newOCRCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ocr",
		Short: "Exchange work with an external OCR process",
		Long: `Yiana does not recognize text itself. An external OCR process reads
the priority queue to decide what to process next, then writes recognized
text back with 'yiana ocr apply'.`,
	}

	cmd.AddCommand(newOCRQueueCmd())
	cmd.AddCommand(newOCRApplyCmd())
	return cmd
}

func newOCRQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List container files waiting for priority OCR",
		RunE: func(cmd *cobra.Command, _ []string) error {
			root, err := resolveRoot()
			if err != nil {
				return err
			}
			entries, err := importer.NewPrioritySignal(root).Entries()
			if err != nil {
				return err
			}
			for _, name := range entries {
				if _, err := io.WriteString(cmd.OutOrStdout(), name+"\n"); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newOCRApplyCmd() *cobra.Command {
	var (
		textFile   string
		confidence float64
		source     string
	)

	cmd := &cobra.Command{
		Use:   "apply <document-id>",
		Short: "Record recognized text for a document",
		Long: `Write recognized text into a document's container, mark its pages as
processed and index the text. Read the text from --text-file, or from
stdin when the file is "-".`,
		Example: `  ocr-engine scan.pdf | yiana ocr apply 1b4e28ba-2fa1-11d2-883f-0016d3cca427 --text-file - --confidence 0.92`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if textFile == "" {
				return yerrors.ValidationError("--text-file is required", nil)
			}
			var (
				text []byte
				err  error
			)
			if textFile == "-" {
				text, err = io.ReadAll(cmd.InOrStdin())
			} else {
				text, err = os.ReadFile(textFile)
			}
			if err != nil {
				return yerrors.ValidationError("cannot read recognized text", err)
			}

			ws, err := openWorkspace(service.Options{})
			if err != nil {
				return err
			}
			defer ws.close()

			doc, err := ws.svc.ApplyOCR(cmd.Context(), args[0], string(text), confidence, archive.OCRSource(source))
			if err != nil {
				return err
			}
			if _, err := ws.svc.IndexAll(cmd.Context()); err != nil {
				return err
			}

			output.New(cmd.OutOrStdout(), false).Successf("Recorded %d characters of text for %q", len([]rune(string(text))), doc.Metadata.Title)
			return nil
		},
	}

	cmd.Flags().StringVar(&textFile, "text-file", "", `File with the recognized text ("-" for stdin)`)
	cmd.Flags().Float64Var(&confidence, "confidence", 1, "Recognition confidence between 0 and 1")
	cmd.Flags().StringVar(&source, "source", string(archive.OCRSourceService), "Text source: embedded, service or onDevice")
	return cmd
}
