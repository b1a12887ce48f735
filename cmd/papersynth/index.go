package main

import (
	"github.com/spf13/cobra"
)

var rebuildEmbedProvider string

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Re-embed every indexed document",
	Long: `Empties the index and re-embeds every known document. Use
--embed-provider to switch to another embedding model; the index is restored
unchanged if the rebuild fails.`,
	Args: cobra.NoArgs,
	RunE: runRebuild,
}

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "List indexed documents",
	Args:  cobra.NoArgs,
	RunE:  runDocuments,
}

func init() {
	rebuildCmd.Flags().StringVar(&rebuildEmbedProvider, "embed-provider", "", "embedding provider to rebuild with (default from config)")
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(documentsCmd)
}

func runRebuild(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	embedder := a.Session.Embedder()
	if rebuildEmbedProvider != "" {
		if embedder, err = a.Providers.EmbedderFor(rebuildEmbedProvider); err != nil {
			return err
		}
	}
	if err := a.Session.Rebuild(ctx, embedder); err != nil {
		return err
	}
	if err := persist(ctx, a); err != nil {
		return err
	}
	idx := a.Session.Index()
	cmd.Printf("index rebuilt with %s: %d chunks\n", idx.Model().String(), idx.Len())
	return nil
}

func runDocuments(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	docs := a.Session.Index().Documents()
	if len(docs) == 0 {
		cmd.Println("No documents indexed.")
		return nil
	}
	for _, d := range docs {
		cmd.Printf("  %s  %s  %s  (%d chunks)\n", shortID(d.DocumentID), d.Metadata.Label(), d.Metadata.Title, d.Chunks)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
