package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"papersynth/internal/config"
	"papersynth/internal/providers"
	"papersynth/internal/session"
	"papersynth/internal/storage"
	"papersynth/internal/vector"
)

// App bundles the process-wide wiring shared by the binaries.
type App struct {
	Config    config.Config
	Logger    *slog.Logger
	DB        *storage.DB
	Providers *providers.Manager
	Session   *session.Session
}

type Options struct {
	// UseDB connects to Postgres, applies the schema, stores index snapshots
	// there and audits LLM calls.
	UseDB bool
	// LoadIndex restores the last index snapshot: from the store when UseDB is
	// set, otherwise from the configured snapshot file. A missing snapshot is
	// not an error.
	LoadIndex bool
}

func Open(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pm, err := providers.NewManager(cfg)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, Providers: pm}

	llm := pm.LLM()
	sessOpts := []session.Option{session.WithLogger(logger)}
	if opts.UseDB {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		db, err := storage.NewDB(dctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		if err := db.EnsureSchema(dctx); err != nil {
			db.Close()
			return nil, err
		}
		a.DB = db
		llm = providers.WithAudit(llm, storage.NewLLMAuditRepo(db), logger)
		sessOpts = append(sessOpts, session.WithStore(storage.NewIndexRepo(db)))
	}

	sess, err := session.New(cfg, pm.Embedder(), llm, sessOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Session = sess

	if opts.LoadIndex {
		path := cfg.IndexSnapshotPath
		if opts.UseDB {
			path = ""
		}
		if err := sess.LoadIndex(ctx, path); err != nil {
			if !isMissingSnapshot(err) {
				a.Close()
				return nil, err
			}
			logger.Info("starting with an empty index", "reason", err.Error())
		} else {
			logger.Info("index loaded", "model", sess.Index().Model().String(), "entries", sess.Index().Len())
		}
	}
	return a, nil
}

// isMissingSnapshot reports an absent snapshot. A snapshot built with another
// model is a configuration error too, but that one must not be ignored.
func isMissingSnapshot(err error) bool {
	return errors.Is(err, vector.ErrNoSnapshot)
}

func (a *App) Close() {
	if a.DB != nil {
		a.DB.Close()
	}
}
