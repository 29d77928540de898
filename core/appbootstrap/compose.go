// Package appbootstrap assembles the runtime: database, stores, the policy
// engine, background workers, and the HTTP server.
package appbootstrap

import (
	"context"
	"database/sql"

	"carewatch/api"
	"carewatch/config"
	"carewatch/core/consolidate"
	"carewatch/core/engine"
	"carewatch/core/evidence"
	"carewatch/core/policy"
	"carewatch/core/rbac"
	"carewatch/core/store"
	"carewatch/core/storelock"
	"carewatch/core/utils"
)

// BackgroundWorker is the lifecycle contract every long-running component
// follows.
type BackgroundWorker interface {
	StartWithContext(ctx context.Context)
	StopWithContext(ctx context.Context) error
}

type App struct {
	cfg     *config.AppConfig
	db      *sql.DB
	server  *api.Server
	workers []BackgroundWorker
	logger  *utils.Logger
}

func Compose(ctx context.Context, cfg *config.AppConfig, logger *utils.Logger) (*App, error) {
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := store.ApplyMigrations(ctx, db, cfg.DBDriver, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	incidents := store.NewIncidentsStore(db)
	tasks := store.NewTasksStore(db)
	policies := store.NewPoliciesStore(db)
	cache := store.NewCacheStore(db)
	runs := store.NewConsolidatorRunsStore(db)

	lock := storelock.New(cfg.Lock.AcquireTimeout)
	repo := policy.NewRepository(policies)
	selector := policy.NewSelector(repo, logger)

	loader := policy.NewLoader(policies, tasks, logger)
	if err := loader.SeedFromFile(ctx, cfg.PolicyPath); err != nil {
		_ = db.Close()
		return nil, err
	}

	source := evidence.NewHTTPSource(cfg.Evidence.BaseURL, cfg.Evidence.RequestTimeout)
	svc := engine.NewService(cfg, incidents, tasks, cache, repo, selector, source, lock, logger)

	views := consolidate.NewViews(incidents, tasks, cfg.Consolidator.EffectiveTTL(), cfg.Consolidator.ComplianceWindow)
	consolidator := consolidate.NewConsolidator(cfg.Consolidator, views, incidents, tasks, cache, runs, lock, logger)
	svc.SetViewComputer(consolidator)

	enforcer, err := rbac.NewEnforcer()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	server := api.NewServer(cfg, svc, consolidator, enforcer, logger)

	return &App{
		cfg:     cfg,
		db:      db,
		server:  server,
		workers: []BackgroundWorker{consolidator},
		logger:  logger,
	}, nil
}
