package main

import (
	"context"
	"net/http"
	"os"

	"papersynth/internal/api"
	"papersynth/internal/app"
	"papersynth/internal/config"
	"papersynth/internal/logging"
	"papersynth/internal/storage"

	"github.com/joho/godotenv"
	tclient "go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
)

func main() {
	_ = godotenv.Load(".env")
	cfg, err := config.Load()
	logger := logging.New(cfg.LogLevel)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	a, err := app.Open(ctx, cfg, logger, app.Options{UseDB: true, LoadIndex: true})
	if err != nil {
		logger.Error("open app", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	tc, err := tclient.Dial(tclient.Options{HostPort: cfg.TemporalAddress, Logger: tlog.NewStructuredLogger(logger)})
	if err != nil {
		logger.Error("dial temporal", "error", err)
		os.Exit(1)
	}
	defer tc.Close()

	h := api.NewServer(a.Session,
		api.WithProviders(a.Providers),
		api.WithRuns(storage.NewSynthesisRunRepo(a.DB)),
		api.WithTemporal(tc),
		api.WithLogger(logger),
	)
	logger.Info("papersynth api listening", "addr", cfg.APIAddr,
		"llm", a.Providers.LLMRef().Raw, "embedder", a.Providers.EmbedRef().Raw)
	if err := http.ListenAndServe(cfg.APIAddr, h.Routes()); err != nil {
		logger.Error("serve", "error", err)
		os.Exit(1)
	}
}
