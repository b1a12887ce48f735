package main

import (
	"fmt"

	"papersynth/internal/models"
	"papersynth/internal/synthesis"
	"papersynth/internal/util"

	"github.com/spf13/cobra"
)

var (
	synthDocs   []string
	synthFocus  string
	synthOrder  string
	synthFormat string
	synthOut    string
)

var synthesizeCmd = &cobra.Command{
	Use:   "synthesize",
	Short: "Write a comparative synthesis across indexed papers",
	Long: `Summarises each paper with the chosen focus, then merges the summaries
pairwise into one comparative narrative. Papers whose summary fails are listed
as omitted.`,
	Args: cobra.NoArgs,
	RunE: runSynthesize,
}

func init() {
	synthesizeCmd.Flags().StringSliceVar(&synthDocs, "docs", nil, "document ids to include (default all)")
	synthesizeCmd.Flags().StringVarP(&synthFocus, "focus", "f", "complete", "methodology, results, limitations or complete")
	synthesizeCmd.Flags().StringVar(&synthOrder, "order", "", "paper order; by_year sorts oldest first")
	synthesizeCmd.Flags().StringVar(&synthFormat, "format", "markdown", "markdown or text")
	synthesizeCmd.Flags().StringVarP(&synthOut, "out", "o", "", "write the report to this file")
	rootCmd.AddCommand(synthesizeCmd)
}

func runSynthesize(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	focus, err := models.ParseFocus(synthFocus)
	if err != nil {
		return err
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.Session.Synthesize(ctx, synthesis.Request{
		DocumentIDs: synthDocs,
		Focus:       focus,
		Order:       synthOrder,
		Format:      models.ParseExportFormat(synthFormat),
		OnState: func(s models.SynthesisState) {
			a.Logger.Info("synthesis state", "state", string(s))
		},
	})
	if err != nil {
		printFailedReport(cmd, report)
		return err
	}
	rendered := synthesis.Render(report, report.Format)
	if synthOut == "" {
		cmd.Println(rendered)
		return nil
	}
	if err := util.WriteTextAtomic(synthOut, rendered); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	cmd.Printf("report written to %s (%d of %d papers, %d merges)\n",
		synthOut, len(report.Succeeded), len(report.Summaries), report.MergeCalls)
	return nil
}

// printFailedReport lists what a failed synthesis managed before it stopped.
func printFailedReport(cmd *cobra.Command, report models.SynthesisReport) {
	if len(report.Succeeded) == 0 {
		return
	}
	cmd.PrintErrf("synthesis %s: %d of %d papers summarised\n", report.State, len(report.Succeeded), len(report.Summaries))
	for _, id := range report.Succeeded {
		cmd.PrintErrf("  succeeded %s\n", shortID(id))
	}
	for _, id := range report.Omitted {
		cmd.PrintErrf("  omitted   %s\n", shortID(id))
	}
}
