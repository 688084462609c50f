package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"roadwatch-sync-server/internal/adapter"
	"roadwatch-sync-server/internal/domain"
	"roadwatch-sync-server/internal/engine"
	"roadwatch-sync-server/internal/metrics"
	"roadwatch-sync-server/internal/repository"

	"github.com/moby/locker"
	"go.uber.org/zap"
)

type ConflictService struct {
	conflictRepo repository.ConflictRepository
	lineageRepo  repository.LineageRepository
	primary      adapter.Store
	secondary    adapter.Store
	journal      *engine.Journal
	metrics      *metrics.Metrics
	notifier     engine.Notifier
	opts         engine.Options
	logger       *zap.Logger
	locks        *locker.Locker
	now          func() time.Time
}

func NewConflictService(
	conflictRepo repository.ConflictRepository,
	lineageRepo repository.LineageRepository,
	primary adapter.Store,
	secondary adapter.Store,
	journal *engine.Journal,
	m *metrics.Metrics,
	notifier engine.Notifier,
	opts engine.Options,
	logger *zap.Logger,
) *ConflictService {
	return &ConflictService{
		conflictRepo: conflictRepo,
		lineageRepo:  lineageRepo,
		primary:      primary,
		secondary:    secondary,
		journal:      journal,
		metrics:      m,
		notifier:     notifier,
		opts:         opts,
		logger:       logger.Named("resolver"),
		locks:        locker.New(),
		now:          time.Now,
	}
}

func (s *ConflictService) Append(ctx context.Context, c *domain.Conflict) (string, bool, error) {
	return s.conflictRepo.AppendPending(ctx, c)
}

func (s *ConflictService) Refresh(ctx context.Context, c *domain.Conflict) (string, bool, error) {
	return s.conflictRepo.RefreshPending(ctx, c)
}

func (s *ConflictService) PendingRecordIDs(ctx context.Context) (map[string]string, error) {
	return s.conflictRepo.PendingRecordIDs(ctx)
}

func (s *ConflictService) Get(ctx context.Context, id string) (*domain.Conflict, error) {
	return s.conflictRepo.Get(ctx, id)
}

func (s *ConflictService) List(ctx context.Context, filter domain.ConflictFilter) ([]*domain.Conflict, error) {
	return s.conflictRepo.List(ctx, filter)
}

func (s *ConflictService) MarkResolved(ctx context.Context, id string, choice domain.ResolutionChoice, resolvedBy string) error {
	return s.conflictRepo.MarkResolved(ctx, id, choice, nil, resolvedBy, s.now().UTC())
}

// Resolve writes both stores under one new revision before closing the entry.
func (s *ConflictService) Resolve(ctx context.Context, id string, choice domain.ResolutionChoice, custom *domain.ReportPayload, resolvedBy string) (*domain.Conflict, error) {
	switch choice {
	case domain.ChoiceLeft, domain.ChoiceRight:
	case domain.ChoiceCustom:
		if custom == nil {
			return nil, fmt.Errorf("%w: custom resolution requires a payload", domain.ErrInvalidResolutionChoice)
		}
		if err := custom.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidResolutionChoice, err)
		}
	default:
		return nil, domain.ErrInvalidResolutionChoice
	}

	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	c, err := s.conflictRepo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.IsPending() {
		return nil, domain.ErrConflictAlreadyResolved
	}

	p, err := s.lookup(ctx, s.primary, c.RecordID, "")
	if err != nil {
		return nil, err
	}
	sec, err := s.lookup(ctx, s.secondary, c.ExternalID, c.RecordID)
	if err != nil {
		return nil, err
	}

	payload, tombstone := c.LeftPayload, c.LeftDeleted
	switch choice {
	case domain.ChoiceRight:
		payload, tombstone = c.RightPayload, c.RightDeleted
	case domain.ChoiceCustom:
		payload, tombstone = *custom, false
	}

	revision := max(c.LeftRevision, c.RightRevision)
	if p != nil {
		revision = max(revision, p.Revision)
	}
	if sec != nil {
		revision = max(revision, sec.Revision)
	}
	revision++

	primaryID, secondaryID := c.RecordID, c.ExternalID
	if sec != nil {
		secondaryID = sec.ID
	}
	if secondaryID == "" {
		secondaryID = c.RecordID
	}

	if tombstone {
		err = s.tombstone(ctx, p, sec, revision)
	} else {
		err = s.write(ctx, primaryID, secondaryID, revision, payload)
	}
	if err != nil {
		s.logger.Warn("conflict resolution write failed", zap.String("conflict_id", id), zap.Error(err))
		return nil, err
	}

	lineage := &domain.Lineage{
		RecordID:    primaryID,
		ExternalID:  secondaryID,
		Revision:    revision,
		PayloadHash: payload.Hash(),
		Tombstoned:  tombstone,
		SyncedAt:    s.now().UTC(),
	}
	if err := s.lineageRepo.Save(ctx, lineage); err != nil {
		return nil, err
	}

	if err := s.conflictRepo.MarkResolved(ctx, id, choice, custom, resolvedBy, s.now().UTC()); err != nil {
		return nil, err
	}

	resolved, err := s.conflictRepo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveResolution(choice)
	s.logger.Info("conflict resolved",
		zap.String("conflict_id", id),
		zap.String("record_id", c.RecordID),
		zap.String("choice", string(choice)),
		zap.String("resolved_by", resolvedBy),
	)
	entry := s.journal.Entry(domain.LogInfo, domain.EventConflictResolved,
		fmt.Sprintf("%s conflict resolved with %s", c.Type, choice))
	entry.RecordID = c.RecordID
	entry.Details = map[string]string{
		"conflict_id": id,
		"resolved_by": resolvedBy,
		"revision":    fmt.Sprint(revision),
	}
	s.journal.Write(ctx, entry)
	if s.notifier != nil {
		s.notifier.Notify(domain.EventConflictResolved, *resolved)
	}
	return resolved, nil
}

func (s *ConflictService) lookup(ctx context.Context, store adapter.Store, id, counterpartID string) (*domain.Record, error) {
	var (
		rec *domain.Record
		err error
	)
	if id != "" {
		err = s.call(ctx, func(c context.Context) (err error) {
			rec, err = store.Get(c, id)
			return err
		})
	} else {
		err = domain.ErrRecordNotFound
	}
	if errors.Is(err, domain.ErrRecordNotFound) && counterpartID != "" {
		err = s.call(ctx, func(c context.Context) (err error) {
			rec, err = store.GetByExternalID(c, counterpartID)
			return err
		})
	}
	if errors.Is(err, domain.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s record: %w", store.Side(), err)
	}
	return rec, nil
}

func (s *ConflictService) write(ctx context.Context, primaryID, secondaryID string, revision int64, payload domain.ReportPayload) error {
	now := s.now().UTC()
	records := []struct {
		store adapter.Store
		rec   *domain.Record
	}{
		{s.primary, &domain.Record{ID: primaryID, ExternalID: secondaryID, Revision: revision, Payload: payload, UpdatedAt: now}},
		{s.secondary, &domain.Record{ID: secondaryID, ExternalID: primaryID, Revision: revision, Payload: payload, UpdatedAt: now}},
	}
	for _, r := range records {
		store, rec := r.store, r.rec
		err := s.opts.Retry.Do(ctx, func(c context.Context) error {
			return s.call(c, func(c context.Context) error { return store.Upsert(c, rec) })
		})
		if err != nil {
			return fmt.Errorf("write %s: %w", store.Side(), err)
		}
	}
	return nil
}

func (s *ConflictService) tombstone(ctx context.Context, p, sec *domain.Record, revision int64) error {
	for _, r := range []struct {
		store adapter.Store
		rec   *domain.Record
	}{{s.primary, p}, {s.secondary, sec}} {
		if r.rec == nil {
			continue
		}
		store, id := r.store, r.rec.ID
		err := s.opts.Retry.Do(ctx, func(c context.Context) error {
			return s.call(c, func(c context.Context) error { return store.Delete(c, id, revision) })
		})
		if err != nil {
			return fmt.Errorf("delete %s: %w", store.Side(), err)
		}
	}
	return nil
}

func (s *ConflictService) call(ctx context.Context, fn func(context.Context) error) error {
	if s.opts.CallTimeout <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	return fn(cctx)
}
