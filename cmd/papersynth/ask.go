package main

import (
	"papersynth/internal/models"

	"github.com/spf13/cobra"
)

var (
	askAuthor string
	askYear   int
	askK      int
	askJSON   bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a question from the indexed papers",
	Long: `Retrieves the passages most similar to the question, optionally limited
to one author or year, and answers from them with numbered citations.`,
	Args: cobra.ExactArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askAuthor, "author", "", "only use passages by this author")
	askCmd.Flags().IntVar(&askYear, "year", 0, "only use passages from this year")
	askCmd.Flags().IntVar(&askK, "k", 0, "number of passages to retrieve (default from config)")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "output the answer as JSON")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	answer, err := a.Session.Ask(ctx, args[0], models.Filter{Author: askAuthor, Year: askYear}, askK)
	if err != nil {
		return err
	}
	if askJSON {
		return printJSON(cmd, answer)
	}
	cmd.Println(answer.Text)
	if len(answer.Citations) == 0 {
		return nil
	}
	cmd.Println()
	cmd.Println("Sources:")
	for _, c := range answer.Citations {
		cmd.Printf("  [%s] %s, %s (%.2f)\n", c.RefID, c.Label, c.Title, c.Score)
		if c.Snippet != "" {
			cmd.Printf("      %s\n", c.Snippet)
		}
	}
	return nil
}
