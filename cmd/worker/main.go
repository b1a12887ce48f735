package main

import (
	"context"
	"os"

	"papersynth/internal/activities"
	"papersynth/internal/app"
	"papersynth/internal/config"
	"papersynth/internal/logging"
	"papersynth/internal/workflows"

	"github.com/joho/godotenv"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"
)

func main() {
	_ = godotenv.Load(".env")
	cfg, err := config.Load()
	logger := logging.New(cfg.LogLevel)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	a, err := app.Open(context.Background(), cfg, logger, app.Options{UseDB: true, LoadIndex: true})
	if err != nil {
		logger.Error("open app", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	c, err := client.Dial(client.Options{HostPort: cfg.TemporalAddress, Logger: tlog.NewStructuredLogger(logger)})
	if err != nil {
		logger.Error("dial temporal", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	w := worker.New(c, cfg.TemporalTaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: cfg.SynthesisConcurrency,
	})
	workflows.Register(w)
	activities.Register(w, activities.New(a.Session, a.DB, logger))

	logger.Info("papersynth worker listening", "temporal", cfg.TemporalAddress, "queue", cfg.TemporalTaskQueue,
		"llm", a.Providers.LLMRef().Raw, "embedder", a.Providers.EmbedRef().Raw)
	if err := w.Run(worker.InterruptCh()); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}
