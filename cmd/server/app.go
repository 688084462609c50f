package main

import (
	"context"
	"fmt"

	"roadwatch-sync-server/internal/adapter"
	"roadwatch-sync-server/internal/config"
	"roadwatch-sync-server/internal/database"
	"roadwatch-sync-server/internal/domain"
	"roadwatch-sync-server/internal/engine"
	"roadwatch-sync-server/internal/metrics"
	"roadwatch-sync-server/internal/repository"
	"roadwatch-sync-server/internal/service"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// app is the wired reconciliation engine shared by every subcommand.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	primary   adapter.Store
	secondary adapter.Store
	autosync  repository.AutoSyncRepository

	orchestrator *engine.Orchestrator
	resolver     *service.ConflictService
	telemetry    *service.TelemetryService
	sync         *service.SyncService

	closers []func()
}

type stores struct {
	primary   adapter.Store
	secondary adapter.Store
	conflicts repository.ConflictRepository
	runs      repository.RunRepository
	logs      repository.LogRepository
	lineage   repository.LineageRepository
	autosync  repository.AutoSyncRepository
	lane      engine.Lane
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, memory bool, notifier engine.Notifier) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	var (
		s   *stores
		err error
	)
	if memory {
		logger.Warn("using in-memory stores, nothing will be persisted")
		s = memoryStores()
	} else {
		s, err = a.connect(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	opts := engine.Options{
		CallTimeout:  cfg.Sync.CallTimeout,
		RunTimeout:   cfg.Sync.RunTimeout,
		ProbeTimeout: cfg.Sync.ProbeTimeout,
		Retry:        engine.DefaultRetryPolicy(),
	}
	opts.Retry.Attempts = cfg.Sync.RetryAttempts
	opts.Retry.BaseDelay = cfg.Sync.RetryBase

	journal := engine.NewJournal(s.logs, logger)

	a.primary, a.secondary, a.autosync = s.primary, s.secondary, s.autosync
	a.resolver = service.NewConflictService(s.conflicts, s.lineage, s.primary, s.secondary, journal, a.metrics, notifier, opts, logger)
	a.telemetry = service.NewTelemetryService(s.primary, s.secondary, s.runs, s.logs, s.conflicts, s.lineage,
		journal, a.metrics, cfg.Sync.ProbeTimeout, cfg.Sync.RetentionDays, logger)
	a.orchestrator = engine.NewOrchestrator(engine.Deps{
		Primary:   s.primary,
		Secondary: s.secondary,
		Ledger:    a.resolver,
		Lineage:   s.lineage,
		Runs:      s.runs,
		Journal:   journal,
		Lane:      s.lane,
		Metrics:   a.metrics,
		Notifier:  notifier,
	}, opts, logger)
	a.sync = service.NewSyncService(a.orchestrator, a.resolver, a.telemetry, s.autosync, journal, notifier, cfg.Sync.DefaultInterval, logger)

	return a, nil
}

func memoryStores() *stores {
	return &stores{
		primary:   adapter.NewMemoryStore(domain.SidePrimary),
		secondary: adapter.NewMemoryStore(domain.SideSecondary),
		conflicts: repository.NewMemoryConflictRepository(),
		runs:      repository.NewMemoryRunRepository(),
		logs:      repository.NewMemoryLogRepository(),
		lineage:   repository.NewMemoryLineageRepository(),
		autosync:  repository.NewMemoryAutoSyncRepository(),
		lane:      engine.NewLocalLane(),
	}
}

func (a *app) connect(ctx context.Context) (*stores, error) {
	pool, err := openPostgres(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pool.Close)

	couch, err := database.NewCouchClient(ctx, a.cfg.CouchDB.URL(), a.cfg.CouchDB.Name, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { couch.Close() })

	s := &stores{
		primary:   adapter.NewPostgresStore(pool),
		secondary: adapter.NewCouchStore(couch, a.cfg.CouchDB.Name),
		conflicts: repository.NewPostgresConflictRepository(pool),
		runs:      repository.NewPostgresRunRepository(pool),
		logs:      repository.NewPostgresLogRepository(pool),
		lineage:   repository.NewPostgresLineageRepository(pool),
		autosync:  repository.NewPostgresAutoSyncRepository(pool),
		lane:      engine.NewLocalLane(),
	}

	if a.cfg.Redis.URL != "" {
		rdb, err := database.NewRedisClient(ctx, a.cfg.Redis.URL, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { rdb.Close() })
		s.lane = engine.NewRedisLane(rdb, a.cfg.Sync.LaneTTL, a.logger)
	}
	return s, nil
}

func openPostgres(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	pool, err := database.NewPostgresPool(ctx, cfg.Database.URL, logger)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return pool, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
