package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"roadwatch-sync-server/internal/domain"
	"roadwatch-sync-server/internal/engine"
	"roadwatch-sync-server/internal/repository"

	"go.uber.org/zap"
)

type Scheduler interface {
	Apply(cfg domain.AutoSyncConfig)
	NextRun() time.Time
}

// SyncService is the control surface of the reconciliation engine.
type SyncService struct {
	orchestrator    *engine.Orchestrator
	conflicts       *ConflictService
	telemetry       *TelemetryService
	autosyncRepo    repository.AutoSyncRepository
	scheduler       Scheduler
	journal         *engine.Journal
	notifier        engine.Notifier
	defaultInterval int
	logger          *zap.Logger

	configMu sync.Mutex
	now      func() time.Time
}

func NewSyncService(
	orchestrator *engine.Orchestrator,
	conflicts *ConflictService,
	telemetry *TelemetryService,
	autosyncRepo repository.AutoSyncRepository,
	journal *engine.Journal,
	notifier engine.Notifier,
	defaultInterval int,
	logger *zap.Logger,
) *SyncService {
	if defaultInterval <= 0 {
		defaultInterval = domain.DefaultIntervalMinutes
	}
	return &SyncService{
		orchestrator:    orchestrator,
		conflicts:       conflicts,
		telemetry:       telemetry,
		autosyncRepo:    autosyncRepo,
		journal:         journal,
		notifier:        notifier,
		defaultInterval: defaultInterval,
		logger:          logger.Named("sync"),
		now:             time.Now,
	}
}

// The scheduler is built from this service, so it is attached afterwards.
func (s *SyncService) SetScheduler(scheduler Scheduler) {
	s.scheduler = scheduler
}

func (s *SyncService) GetStatus(ctx context.Context) (*domain.SyncStatus, error) {
	status, err := s.telemetry.Status(ctx)
	if err != nil {
		return nil, err
	}
	status.Running = s.orchestrator.Running()

	cfg, err := s.GetAutoSyncConfig(ctx)
	if err != nil {
		return nil, err
	}
	status.AutoSync = &cfg
	if s.scheduler != nil && cfg.Enabled {
		if next := s.scheduler.NextRun(); !next.IsZero() {
			status.NextRunAt = &next
		}
	}
	return status, nil
}

func (s *SyncService) RunOnce(ctx context.Context, req domain.RunRequest) (*domain.SyncExecuteResult, error) {
	if req.Scope == domain.ScopeRecords && len(req.RecordIDs) == 0 {
		return nil, fmt.Errorf("%w: records scope requires record_ids", ErrInvalidRequest)
	}
	run, err := s.orchestrator.RunOnce(ctx, req)
	if err != nil {
		return nil, err
	}
	return domain.NewExecuteResult(run), nil
}

func (s *SyncService) ListConflicts(ctx context.Context, filter domain.ConflictFilter) ([]*domain.Conflict, error) {
	return s.conflicts.List(ctx, filter)
}

func (s *SyncService) GetConflict(ctx context.Context, id string) (*domain.Conflict, error) {
	return s.conflicts.Get(ctx, id)
}

func (s *SyncService) ResolveConflict(ctx context.Context, id string, req *domain.ConflictResolutionRequest, operator string) (*domain.Conflict, error) {
	choice, err := domain.ParseResolutionChoice(req.Choice)
	if err != nil {
		return nil, err
	}
	return s.conflicts.Resolve(ctx, id, choice, req.CustomData, operator)
}

func (s *SyncService) GetAutoSyncConfig(ctx context.Context) (domain.AutoSyncConfig, error) {
	cfg, found, err := s.autosyncRepo.Load(ctx)
	if err != nil {
		return domain.AutoSyncConfig{}, err
	}
	if !found {
		cfg = domain.DefaultAutoSyncConfig()
		cfg.IntervalMinutes = s.defaultInterval
	}
	return cfg, nil
}

func (s *SyncService) SetAutoSync(ctx context.Context, enabled bool, operator string) (domain.AutoSyncConfig, error) {
	return s.SetAutoSyncConfig(ctx, domain.AutoSyncPatch{Enabled: &enabled}, operator)
}

func (s *SyncService) SetAutoSyncConfig(ctx context.Context, patch domain.AutoSyncPatch, operator string) (domain.AutoSyncConfig, error) {
	s.configMu.Lock()
	defer s.configMu.Unlock()

	current, err := s.GetAutoSyncConfig(ctx)
	if err != nil {
		return domain.AutoSyncConfig{}, err
	}
	cfg := patch.ApplyTo(current)
	if err := cfg.Validate(); err != nil {
		return domain.AutoSyncConfig{}, err
	}
	cfg.UpdatedAt = s.now().UTC()
	cfg.UpdatedBy = operator

	if err := s.autosyncRepo.Save(ctx, cfg); err != nil {
		return domain.AutoSyncConfig{}, err
	}
	if s.scheduler != nil {
		s.scheduler.Apply(cfg)
	}

	s.logger.Info("auto-sync configuration changed",
		zap.Bool("enabled", cfg.Enabled),
		zap.Int("interval_minutes", cfg.IntervalMinutes),
		zap.String("start_time", cfg.StartTime),
		zap.String("end_time", cfg.EndTime),
		zap.String("operator", operator),
	)
	entry := s.journal.Entry(domain.LogInfo, domain.EventAutoSyncChanged,
		fmt.Sprintf("auto-sync enabled=%t every %d minutes", cfg.Enabled, cfg.IntervalMinutes))
	entry.Details = map[string]string{"operator": operator}
	if cfg.StartTime != "" {
		entry.Details["window"] = cfg.StartTime + "-" + cfg.EndTime
	}
	s.journal.Write(ctx, entry)
	if s.notifier != nil {
		s.notifier.Notify(domain.EventAutoSyncChanged, cfg)
	}
	return cfg, nil
}

func (s *SyncService) GetStatistics(ctx context.Context, days int) (*domain.SyncStatistics, error) {
	return s.telemetry.Statistics(ctx, days)
}

func (s *SyncService) GetHealth(ctx context.Context) (*domain.HealthStatus, error) {
	return s.telemetry.Health(ctx)
}

func (s *SyncService) GetLogs(ctx context.Context, limit, offset int) ([]*domain.LogEntry, error) {
	return s.telemetry.Logs(ctx, limit, offset)
}

func (s *SyncService) ExportLogs(ctx context.Context, format domain.ExportFormat, w io.Writer) error {
	return s.telemetry.ExportLogs(ctx, format, w)
}

func (s *SyncService) CleanupLogs(ctx context.Context, days int) (int64, error) {
	return s.telemetry.Cleanup(ctx, days)
}

func (s *SyncService) Reset(ctx context.Context) error {
	return s.telemetry.Reset(ctx)
}
