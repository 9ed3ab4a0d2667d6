package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/gridwell/datafeeds/internal/artifact"
	"github.com/gridwell/datafeeds/internal/browser"
	"github.com/gridwell/datafeeds/internal/integrate"
	"github.com/gridwell/datafeeds/internal/model"
	"github.com/gridwell/datafeeds/internal/resilience"
	"github.com/gridwell/datafeeds/internal/runner"
	"github.com/gridwell/datafeeds/internal/scrape"
	"github.com/gridwell/datafeeds/internal/secrets"
	"github.com/gridwell/datafeeds/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.DB.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		dsn := cfg.DB.URL
		if dsn == "" {
			dsn = "datafeeds.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		if cfg.DB.URL == "" {
			return nil, eris.New("database URL is required (DATAFEEDS_DB_URL)")
		}
		return store.NewPostgres(ctx, cfg.DB.URL, &store.PoolConfig{
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported db driver: %s", cfg.DB.Driver)
	}
}

// initSink prefers a local directory sink, falls back to S3, and returns nil
// (stage-and-discard) when neither is configured.
func initSink(ctx context.Context) (artifact.Sink, error) {
	if cfg.Artifact.Dir != "" {
		return artifact.NewFSSink(cfg.Artifact.Dir)
	}
	if cfg.Artifact.Bucket != "" {
		return artifact.NewS3Sink(ctx, cfg.Artifact.Bucket, cfg.Artifact.Prefix)
	}
	return nil, nil
}

func browserFactory() browser.Factory {
	return browser.RodFactory{}
}

func initSecrets() secrets.Provider {
	if cfg.Secrets.URL == "" {
		return nil
	}
	return secrets.NewClient(cfg.Secrets.URL, cfg.Secrets.Token)
}

func initRunner(ctx context.Context, st store.Store, driver model.DriverKind) (*runner.Runner, error) {
	sink, err := initSink(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "init artifact sink")
	}

	retry := resilience.DefaultRetryConfig()
	if cfg.Run.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.Run.MaxAttempts
	}

	return runner.New(runner.Options{
		Store:          st,
		Registry:       scrape.Default(),
		Browser:        browserFactory(),
		Sink:           sink,
		Secrets:        initSecrets(),
		WorkspaceRoot:  cfg.Run.WorkspaceRoot,
		KeepWorkspace:  cfg.Run.KeepWorkspace,
		Driver:         driver,
		Headless:       cfg.Browser.Headless,
		RunTimeout:     cfg.Run.RunTimeout(),
		AttemptTimeout: cfg.Run.AttemptTimeout(),
		ShutdownBudget: time.Duration(cfg.Run.ShutdownBudgetSecs) * time.Second,
		Retry:          retry,
		Tolerances: integrate.Tolerances{
			Cost: cfg.Integrate.CostTolerance,
			Used: cfg.Integrate.UsedTolerance,
			Peak: cfg.Integrate.PeakTolerance,
		},
		RequestsPerSecond: cfg.Run.RequestsPerSecond,
	}), nil
}
