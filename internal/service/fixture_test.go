package service

import (
	"context"
	"testing"
	"time"

	"roadwatch-sync-server/internal/adapter"
	"roadwatch-sync-server/internal/domain"
	"roadwatch-sync-server/internal/engine"
	"roadwatch-sync-server/internal/metrics"
	"roadwatch-sync-server/internal/repository"

	"go.uber.org/zap"
)

var epoch = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeScheduler struct {
	applied []domain.AutoSyncConfig
	next    time.Time
}

func (f *fakeScheduler) Apply(cfg domain.AutoSyncConfig) {
	f.applied = append(f.applied, cfg)
}

func (f *fakeScheduler) NextRun() time.Time {
	return f.next
}

type fixture struct {
	primary   *adapter.MemoryStore
	secondary *adapter.MemoryStore
	conflicts *repository.MemoryConflictRepository
	runs      *repository.MemoryRunRepository
	logs      *repository.MemoryLogRepository
	lineage   *repository.MemoryLineageRepository
	autosync  *repository.MemoryAutoSyncRepository
	scheduler *fakeScheduler

	resolver  *ConflictService
	telemetry *TelemetryService
	sync      *SyncService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	f := &fixture{
		primary:   adapter.NewMemoryStore(domain.SidePrimary),
		secondary: adapter.NewMemoryStore(domain.SideSecondary),
		conflicts: repository.NewMemoryConflictRepository(),
		runs:      repository.NewMemoryRunRepository(),
		logs:      repository.NewMemoryLogRepository(),
		lineage:   repository.NewMemoryLineageRepository(),
		autosync:  repository.NewMemoryAutoSyncRepository(),
		scheduler: &fakeScheduler{},
	}

	opts := engine.Options{
		CallTimeout:  time.Second,
		RunTimeout:   10 * time.Second,
		ProbeTimeout: time.Second,
		Retry:        engine.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, Multiplier: 2},
	}
	m := metrics.New()
	journal := engine.NewJournal(f.logs, logger)

	f.resolver = NewConflictService(f.conflicts, f.lineage, f.primary, f.secondary, journal, m, nil, opts, logger)
	f.telemetry = NewTelemetryService(f.primary, f.secondary, f.runs, f.logs, f.conflicts, f.lineage, journal, m, opts.ProbeTimeout, 30, logger)
	orch := engine.NewOrchestrator(engine.Deps{
		Primary:   f.primary,
		Secondary: f.secondary,
		Ledger:    f.resolver,
		Lineage:   f.lineage,
		Runs:      f.runs,
		Journal:   journal,
		Metrics:   m,
	}, opts, logger)
	f.sync = NewSyncService(orch, f.resolver, f.telemetry, f.autosync, journal, nil, 15, logger)
	f.sync.SetScheduler(f.scheduler)
	return f
}

func report(title string) domain.ReportPayload {
	p := domain.NewReportPayload(title, domain.ReportStatusNew)
	p.Latitude = 48.85
	p.Longitude = 2.35
	p.SurfaceM2 = 3.5
	return p
}

func (f *fixture) linkedPair(id string, pRev int64, pTitle string, sRev int64, sTitle string) {
	f.primary.Put(&domain.Record{ID: id, ExternalID: id, Revision: pRev, Payload: report(pTitle), UpdatedAt: epoch})
	f.secondary.Put(&domain.Record{ID: id, ExternalID: id, Revision: sRev, Payload: report(sTitle), UpdatedAt: epoch})
}

func (f *fixture) runOnce(t *testing.T) *domain.SyncExecuteResult {
	t.Helper()
	res, err := f.sync.RunOnce(context.Background(), domain.RunRequest{Scope: domain.ScopeFull})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	return res
}

func (f *fixture) pendingConflicts(t *testing.T) []*domain.Conflict {
	t.Helper()
	list, err := f.sync.ListConflicts(context.Background(), domain.ConflictFilter{Resolution: domain.ResolutionPending})
	if err != nil {
		t.Fatalf("list conflicts: %v", err)
	}
	return list
}
