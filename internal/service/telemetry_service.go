package service

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"roadwatch-sync-server/internal/adapter"
	"roadwatch-sync-server/internal/domain"
	"roadwatch-sync-server/internal/engine"
	"roadwatch-sync-server/internal/metrics"
	"roadwatch-sync-server/internal/repository"

	"go.uber.org/zap"
)

const (
	DefaultStatisticsDays = 7
	MaxStatisticsDays     = 365
	DefaultLogLimit       = 50
	MaxLogLimit           = 500
)

var logCSVHeader = []string{"id", "timestamp", "level", "event", "run_id", "record_id", "message"}

type TelemetryService struct {
	primary       adapter.Store
	secondary     adapter.Store
	runRepo       repository.RunRepository
	logRepo       repository.LogRepository
	conflictRepo  repository.ConflictRepository
	lineageRepo   repository.LineageRepository
	journal       *engine.Journal
	metrics       *metrics.Metrics
	probeTimeout  time.Duration
	retentionDays int
	logger        *zap.Logger
	now           func() time.Time
}

func NewTelemetryService(
	primary adapter.Store,
	secondary adapter.Store,
	runRepo repository.RunRepository,
	logRepo repository.LogRepository,
	conflictRepo repository.ConflictRepository,
	lineageRepo repository.LineageRepository,
	journal *engine.Journal,
	m *metrics.Metrics,
	probeTimeout time.Duration,
	retentionDays int,
	logger *zap.Logger,
) *TelemetryService {
	return &TelemetryService{
		primary:       primary,
		secondary:     secondary,
		runRepo:       runRepo,
		logRepo:       logRepo,
		conflictRepo:  conflictRepo,
		lineageRepo:   lineageRepo,
		journal:       journal,
		metrics:       m,
		probeTimeout:  probeTimeout,
		retentionDays: retentionDays,
		logger:        logger.Named("telemetry"),
		now:           time.Now,
	}
}

func (s *TelemetryService) Health(ctx context.Context) (*domain.HealthStatus, error) {
	p, sec := engine.Probe(ctx, s.primary, s.secondary, s.probeTimeout, s.metrics)

	last, err := s.runRepo.Latest(ctx)
	if err != nil {
		return nil, err
	}

	health := &domain.HealthStatus{
		Primary:   p.Health(),
		Secondary: sec.Health(),
		CheckedAt: s.now().UTC(),
	}
	if last != nil {
		health.LastRun = &domain.RunSummary{
			ID:         last.ID,
			Outcome:    last.Outcome,
			FinishedAt: last.FinishedAt,
			Errored:    last.ItemsErrored,
		}
	}

	// The primary store is the system of record: without it no run can start.
	switch {
	case !p.Connected:
		health.Status = domain.HealthError
	case !sec.Connected:
		health.Status = domain.HealthDegraded
	case last != nil && (last.ItemsErrored > 0 || last.Outcome == domain.OutcomeFailed):
		health.Status = domain.HealthDegraded
	default:
		health.Status = domain.HealthOK
	}
	return health, nil
}

// Status builds the store-derived part of the sync status. Counts that need
// a store are left at zero when that store is down.
func (s *TelemetryService) Status(ctx context.Context) (*domain.SyncStatus, error) {
	p, sec := engine.Probe(ctx, s.primary, s.secondary, s.probeTimeout, s.metrics)
	status := &domain.SyncStatus{
		Primary:   p.Health(),
		Secondary: sec.Health(),
	}

	for _, side := range []struct {
		store     adapter.Store
		connected bool
	}{{s.primary, p.Connected}, {s.secondary, sec.Connected}} {
		if !side.connected {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
		n, err := side.store.CountUnlinked(cctx)
		cancel()
		if err != nil {
			s.logger.Warn("failed to count unlinked records", zap.String("side", string(side.store.Side())), zap.Error(err))
			continue
		}
		status.PendingRecords += n
	}

	pending, err := s.conflictRepo.PendingRecordIDs(ctx)
	if err != nil {
		return nil, err
	}
	status.PendingConflicts = len(pending)

	synced, err := s.lineageRepo.Count(ctx)
	if err != nil {
		return nil, err
	}
	status.SyncedRecords = synced

	last, err := s.runRepo.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if last != nil {
		finished := last.FinishedAt
		status.LastRunAt = &finished
		status.ErrorCount = last.ItemsErrored
	}
	return status, nil
}

func ClampStatisticsDays(days int) int {
	switch {
	case days <= 0:
		return DefaultStatisticsDays
	case days > MaxStatisticsDays:
		return MaxStatisticsDays
	default:
		return days
	}
}

func (s *TelemetryService) Statistics(ctx context.Context, days int) (*domain.SyncStatistics, error) {
	days = ClampStatisticsDays(days)
	to := s.now().UTC()
	from := to.Add(-time.Duration(days) * 24 * time.Hour)

	runs, err := s.runRepo.ListSince(ctx, from)
	if err != nil {
		return nil, err
	}

	stats := &domain.SyncStatistics{Days: days, From: from, To: to}
	var total time.Duration
	for _, run := range runs {
		stats.TotalRuns++
		switch run.Outcome {
		case domain.OutcomeSuccess:
			stats.SuccessfulRuns++
		case domain.OutcomePartial:
			stats.PartialRuns++
		case domain.OutcomeFailed:
			stats.FailedRuns++
		}
		total += run.Duration()
		stats.TotalItemsSynced += run.ItemsSynced
		stats.TotalItemsErrored += run.ItemsErrored
	}
	if len(runs) > 0 {
		stats.AverageDurationMs = (total / time.Duration(len(runs))).Milliseconds()
		stats.LastDurationMs = runs[len(runs)-1].Duration().Milliseconds()
	}

	detected, err := s.conflictRepo.List(ctx, domain.ConflictFilter{Since: from})
	if err != nil {
		return nil, err
	}
	stats.ConflictsDetected = len(detected)

	resolved, err := s.conflictRepo.List(ctx, domain.ConflictFilter{Resolution: domain.ResolutionResolved})
	if err != nil {
		return nil, err
	}
	for _, c := range resolved {
		if c.ResolvedAt != nil && !c.ResolvedAt.Before(from) {
			stats.ConflictsResolved++
		}
	}

	pending, err := s.conflictRepo.PendingRecordIDs(ctx)
	if err != nil {
		return nil, err
	}
	stats.ConflictsPending = len(pending)
	return stats, nil
}

func ClampLogLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLogLimit
	case limit > MaxLogLimit:
		return MaxLogLimit
	default:
		return limit
	}
}

func (s *TelemetryService) Logs(ctx context.Context, limit, offset int) ([]*domain.LogEntry, error) {
	if offset < 0 {
		offset = 0
	}
	return s.logRepo.List(ctx, ClampLogLimit(limit), offset)
}

// ExportLogs writes the journal oldest first.
func (s *TelemetryService) ExportLogs(ctx context.Context, format domain.ExportFormat, w io.Writer) error {
	switch format {
	case domain.ExportJSON:
		return s.exportJSON(ctx, w)
	case domain.ExportCSV:
		return s.exportCSV(ctx, w)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func (s *TelemetryService) exportJSON(ctx context.Context, w io.Writer) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	first := true
	err := s.logRepo.Each(ctx, func(e *domain.LogEntry) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if !first {
			if _, err := io.WriteString(w, ",\n"); err != nil {
				return err
			}
		} else if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
		first = false
		_, err = w.Write(data)
		return err
	})
	if err != nil {
		return err
	}
	if !first {
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	_, err = io.WriteString(w, "]\n")
	return err
}

func (s *TelemetryService) exportCSV(ctx context.Context, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(logCSVHeader); err != nil {
		return err
	}
	err := s.logRepo.Each(ctx, func(e *domain.LogEntry) error {
		return cw.Write([]string{
			e.ID,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			string(e.Level),
			string(e.Event),
			e.RunID,
			e.RecordID,
			e.Message,
		})
	})
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// Cleanup removes run and log history older than days. Conflicts are never
// touched, whatever their age.
func (s *TelemetryService) Cleanup(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = s.retentionDays
	}
	before := s.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	runs, err := s.runRepo.DeleteBefore(ctx, before)
	if err != nil {
		return 0, err
	}
	logs, err := s.logRepo.DeleteBefore(ctx, before)
	if err != nil {
		return runs, err
	}

	deleted := runs + logs
	s.logger.Info("sync history cleaned up",
		zap.Int("days", days),
		zap.Int64("runs", runs),
		zap.Int64("logs", logs),
	)
	entry := s.journal.Entry(domain.LogInfo, domain.EventCleanup,
		fmt.Sprintf("removed %d runs and %d log entries older than %d days", runs, logs, days))
	entry.Details = map[string]string{"days": fmt.Sprint(days), "deleted": fmt.Sprint(deleted)}
	s.journal.Write(ctx, entry)
	return deleted, nil
}

func (s *TelemetryService) Reset(ctx context.Context) error {
	runs, err := s.runRepo.DeleteAll(ctx)
	if err != nil {
		return err
	}
	logs, err := s.logRepo.DeleteAll(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("sync history reset", zap.Int64("runs", runs), zap.Int64("logs", logs))
	s.journal.Log(ctx, domain.LogInfo, domain.EventReset, "run and log history cleared")
	return nil
}
