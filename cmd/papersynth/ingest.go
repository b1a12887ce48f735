package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"papersynth/internal/models"
	"papersynth/internal/processor"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	ingestMetadata string
	ingestJSON     bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [dir]",
	Short: "Extract, chunk and index every PDF in a directory",
	Long: `Extracts text from each PDF, splits it into overlapping chunks, embeds
them and appends them to the index. A file that cannot be read is reported and
skipped.

--metadata names a YAML file mapping file names to author, year and title.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestMetadata, "metadata", "m", "", "YAML file with per-file metadata")
	ingestCmd.Flags().BoolVar(&ingestJSON, "json", false, "output results as JSON")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	meta, err := readMetadata(ingestMetadata)
	if err != nil {
		return err
	}
	paths, err := listPDFs(args[0])
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no PDF files in %s", args[0])
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	inputs := make([]processor.Input, 0, len(paths))
	for _, p := range paths {
		inputs = append(inputs, processor.Input{Path: p, Metadata: meta[filepath.Base(p)]})
	}
	docs, fails, err := a.Session.ProcessDocuments(ctx, inputs)
	if err != nil {
		return err
	}
	if err := a.Session.BuildIndex(ctx, docs); err != nil {
		return err
	}
	if err := persist(ctx, a); err != nil {
		return err
	}

	if ingestJSON {
		return printJSON(cmd, map[string]any{"indexed": docs, "failed": fails})
	}
	for _, d := range docs {
		cmd.Printf("  indexed  %s  %s  (%d chunks)\n", d.Label(), d.Title, len(d.Chunks))
	}
	for _, f := range fails {
		cmd.Printf("  failed   %s: %s\n", f.Filename, f.Reason)
	}
	cmd.Printf("\n%d indexed, %d failed, %d chunks in index\n", len(docs), len(fails), a.Session.Index().Len())
	return nil
}

func readMetadata(path string) (map[string]models.Metadata, error) {
	out := map[string]models.Metadata{}
	if path == "" {
		return out, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return out, nil
}

func listPDFs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".pdf") {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}
