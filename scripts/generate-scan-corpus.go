//go:build ignore

// Package main generates a synthetic folder of scanned PDFs for import
// benchmarks.
// Usage: go run scripts/generate-scan-corpus.go -files 500 -output testdata/scans
//
// Files are spread across year folders with scanner-style names. A share of
// them is left as iCloud placeholders (".name.pdf.icloud") so deferral paths
// get exercised, and a list file suitable for `yiana import --list` is
// written beside them.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

var (
	numFiles  = flag.Int("files", 500, "Number of scans to generate")
	outputDir = flag.String("output", "testdata/scans", "Output directory")
	evicted   = flag.Float64("evicted", 0.05, "Fraction left as cloud placeholders")
	seed      = flag.Int64("seed", 42, "Random seed for reproducibility")
)

var (
	issuers = []string{"British_Gas", "Thames Water", "HMRC", "Council-Tax", "NHS", "Aviva", "DVLA", "Barclays", "Octopus Energy", "Land Registry"}
	kinds   = []string{"bill", "statement", "letter", "receipt", "renewal", "reminder", "certificate", "invoice"}
	years   = []string{"2021", "2022", "2023", "2024", "2025"}
)

func main() {
	flag.Parse()
	rng := rand.New(rand.NewSource(*seed))

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating output directory: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generating %d scans in %s...\n", *numFiles, *outputDir)

	var list []string
	stubs := 0
	for i := 0; i < *numFiles; i++ {
		year := years[rng.Intn(len(years))]
		dir := filepath.Join(*outputDir, year)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", dir, err)
			os.Exit(1)
		}

		name := fmt.Sprintf("%s %s %s-%04d.pdf", issuers[rng.Intn(len(issuers))], kinds[rng.Intn(len(kinds))], year, i)
		path := filepath.Join(dir, name)
		list = append(list, path)

		if rng.Float64() < *evicted {
			if err := os.WriteFile(filepath.Join(dir, "."+name+".icloud"), nil, 0o644); err != nil {
				fmt.Fprintf(os.Stderr, "Error writing placeholder %d: %v\n", i, err)
			}
			stubs++
			continue
		}
		if err := os.WriteFile(path, minimalPDF(1+rng.Intn(4)), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing scan %d: %v\n", i, err)
		}
	}

	listPath := filepath.Join(*outputDir, "scans.txt")
	header := "# Generated scan list for yiana import --list\n"
	if err := os.WriteFile(listPath, []byte(header+strings.Join(list, "\n")+"\n"), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing list: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated %d scans (%d cloud placeholders). List: %s\n", len(list), stubs, listPath)
}

// minimalPDF builds a valid PDF with the given number of blank A4 pages.
func minimalPDF(pages int) []byte {
	var objects []string
	kids := make([]string, pages)
	for p := 0; p < pages; p++ {
		kids[p] = fmt.Sprintf("%d 0 R", 3+p)
	}
	objects = append(objects,
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), pages))
	for p := 0; p < pages; p++ {
		objects = append(objects, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 595 842] >>")
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}
