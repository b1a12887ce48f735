package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"papersynth/internal/app"
	"papersynth/internal/config"
	"papersynth/internal/logging"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	useDB    bool
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "papersynth",
	Short: "Question answering and literature synthesis over a PDF corpus",
	Long: `papersynth indexes research papers, answers questions with citations
and writes comparative syntheses across papers.

Without --db the index lives in the snapshot file named by
PAPERSYNTH_INDEX_SNAPSHOT.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&useDB, "db", false, "use Postgres for the index and LLM call audit")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

func main() {
	_ = godotenv.Load(".env")
	// an interrupt cancels the running command; a synthesis then resolves to failed
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := execute(ctx, os.Args[1:])
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func execute(ctx context.Context, args []string) error {
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

// openApp loads configuration and the last saved index.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return app.Open(ctx, cfg, logging.New(cfg.LogLevel), app.Options{UseDB: useDB, LoadIndex: true})
}

// persist saves the index where openApp will find it next time.
func persist(ctx context.Context, a *app.App) error {
	path := a.Config.IndexSnapshotPath
	if useDB {
		path = ""
	}
	if err := a.Session.SaveIndex(ctx, path); err != nil {
		return fmt.Errorf("save index: %w", err)
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	cmd.Println(string(data))
	return nil
}
