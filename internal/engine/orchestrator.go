package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"roadwatch-sync-server/internal/adapter"
	"roadwatch-sync-server/internal/domain"
	"roadwatch-sync-server/internal/metrics"
	"roadwatch-sync-server/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxRunErrors = 100

// Ledger is the part of the conflict ledger the orchestrator writes to.
type Ledger interface {
	Append(ctx context.Context, c *domain.Conflict) (id string, created bool, err error)
	// Refresh overwrites the pending entry of c.RecordID with c's sides. ok is
	// false when no entry is pending any more.
	Refresh(ctx context.Context, c *domain.Conflict) (id string, ok bool, err error)
	PendingRecordIDs(ctx context.Context) (map[string]string, error)
}

type Options struct {
	CallTimeout  time.Duration
	RunTimeout   time.Duration
	ProbeTimeout time.Duration
	Retry        RetryPolicy
}

func DefaultOptions() Options {
	return Options{
		CallTimeout:  5 * time.Second,
		RunTimeout:   10 * time.Minute,
		ProbeTimeout: 2 * time.Second,
		Retry:        DefaultRetryPolicy(),
	}
}

type Deps struct {
	Primary   adapter.Store
	Secondary adapter.Store
	Ledger    Ledger
	Lineage   repository.LineageRepository
	Runs      repository.RunRepository
	Journal   *Journal
	Lane      Lane
	Metrics   *metrics.Metrics
	Notifier  Notifier
}

// Orchestrator drives reconciliation runs between the primary and the
// secondary store.
type Orchestrator struct {
	primary   adapter.Store
	secondary adapter.Store
	ledger    Ledger
	lineage   repository.LineageRepository
	runs      repository.RunRepository
	journal   *Journal
	lane      Lane
	metrics   *metrics.Metrics
	notifier  Notifier
	logger    *zap.Logger
	opts      Options
	now       func() time.Time
}

func NewOrchestrator(deps Deps, opts Options, logger *zap.Logger) *Orchestrator {
	o := &Orchestrator{
		primary:   deps.Primary,
		secondary: deps.Secondary,
		ledger:    deps.Ledger,
		lineage:   deps.Lineage,
		runs:      deps.Runs,
		journal:   deps.Journal,
		lane:      deps.Lane,
		metrics:   deps.Metrics,
		notifier:  deps.Notifier,
		logger:    logger.Named("orchestrator"),
		opts:      opts,
		now:       time.Now,
	}
	if o.lane == nil {
		o.lane = NewLocalLane()
	}
	if o.notifier == nil {
		o.notifier = nopNotifier{}
	}
	return o
}

// Running reports whether this process currently holds the run lane.
func (o *Orchestrator) Running() bool {
	return o.lane.Held()
}

type pair struct {
	primary   *domain.Record
	secondary *domain.Record
}

func (p pair) key() string {
	switch {
	case p.primary != nil:
		return p.primary.ID
	case p.secondary.ExternalID != "":
		return p.secondary.ExternalID
	default:
		return p.secondary.ID
	}
}

// RunOnce executes one reconciliation pass. It only fails when the run could
// not start: domain.ErrAlreadyRunning or domain.ErrAdapterUnavailable. Every
// other problem is reported through the returned, sealed SyncRun.
//
// The pass is detached from ctx cancellation and bounded by the run timeout.
func (o *Orchestrator) RunOnce(ctx context.Context, req domain.RunRequest) (*domain.SyncRun, error) {
	if req.Scope == "" {
		req.Scope = domain.ScopeFull
	}
	if req.Trigger == "" {
		req.Trigger = domain.TriggerManual
	}

	release, err := o.lane.TryAcquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	base := context.WithoutCancel(ctx)

	p, s := Probe(base, o.primary, o.secondary, o.opts.ProbeTimeout, o.metrics)
	if !p.Connected || !s.Connected {
		err := unavailable(p, s)
		o.logger.Warn("sync run not started", zap.Error(err))
		entry := o.journal.Entry(domain.LogWarn, domain.EventAdapterUnavailable, err.Error())
		entry.Details = map[string]string{
			"primary_connected":   fmt.Sprint(p.Connected),
			"secondary_connected": fmt.Sprint(s.Connected),
		}
		o.journal.Write(base, entry)
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(base, o.opts.RunTimeout)
	defer cancel()

	run := &domain.SyncRun{
		ID:        uuid.NewString(),
		Scope:     req.Scope,
		Trigger:   req.Trigger,
		StartedAt: o.now().UTC(),
	}

	o.logger.Info("sync run started",
		zap.String("run_id", run.ID),
		zap.String("scope", string(run.Scope)),
		zap.String("trigger", string(run.Trigger)),
	)
	started := o.journal.Entry(domain.LogInfo, domain.EventRunStarted, fmt.Sprintf("%s run started", run.Scope))
	started.RunID = run.ID
	o.journal.Write(base, started)
	o.notifier.Notify(domain.EventRunStarted, *run)

	o.execute(runCtx, run, req)
	o.seal(base, run)
	return run, nil
}

func unavailable(p, s adapter.PingResult) error {
	var down []string
	if !p.Connected {
		down = append(down, fmt.Sprintf("primary: %v", p.Err))
	}
	if !s.Connected {
		down = append(down, fmt.Sprintf("secondary: %v", s.Err))
	}
	return fmt.Errorf("%w: %s", domain.ErrAdapterUnavailable, strings.Join(down, "; "))
}

func (o *Orchestrator) seal(ctx context.Context, run *domain.SyncRun) {
	run.FinishedAt = o.now().UTC()
	switch {
	case run.Error != "":
		run.Outcome = domain.OutcomeFailed
	case run.ItemsErrored > 0:
		run.Outcome = domain.OutcomePartial
	default:
		run.Outcome = domain.OutcomeSuccess
	}

	saveCtx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
	defer cancel()
	if err := o.runs.Save(saveCtx, run); err != nil {
		o.logger.Error("failed to persist sync run", zap.String("run_id", run.ID), zap.Error(err))
	}

	o.metrics.ObserveRun(run)

	level := domain.LogInfo
	switch run.Outcome {
	case domain.OutcomePartial:
		level = domain.LogWarn
	case domain.OutcomeFailed:
		level = domain.LogError
	}
	msg := fmt.Sprintf("run %s: %d scanned, %d synced, %d errored, %d conflicts",
		run.Outcome, run.ItemsScanned, run.ItemsSynced, run.ItemsErrored, run.ConflictsDetected)
	entry := o.journal.Entry(level, domain.EventRunFinished, msg)
	entry.RunID = run.ID
	entry.Details = map[string]string{
		"outcome":     string(run.Outcome),
		"duration_ms": fmt.Sprint(run.Duration().Milliseconds()),
	}
	if run.Error != "" {
		entry.Details["error"] = run.Error
	}
	o.journal.Write(ctx, entry)
	o.notifier.Notify(domain.EventRunFinished, domain.NewExecuteResult(run))

	o.logger.Info("sync run finished",
		zap.String("run_id", run.ID),
		zap.String("outcome", string(run.Outcome)),
		zap.Int("scanned", run.ItemsScanned),
		zap.Int("synced", run.ItemsSynced),
		zap.Int("errored", run.ItemsErrored),
		zap.Int("conflicts", run.ConflictsDetected),
		zap.Duration("duration", run.Duration()),
	)
}

func (o *Orchestrator) execute(ctx context.Context, run *domain.SyncRun, req domain.RunRequest) {
	prev, err := o.runs.LatestSuccessful(ctx)
	if err != nil {
		o.abort(ctx, run, fmt.Errorf("failed to load last successful run: %w", err))
		return
	}
	var pc, sc string
	if prev != nil {
		pc, sc = prev.PrimaryCheckpoint, prev.SecondaryCheckpoint
	}

	pending, err := o.ledger.PendingRecordIDs(ctx)
	if err != nil {
		o.abort(ctx, run, fmt.Errorf("failed to load pending conflicts: %w", err))
		return
	}

	pairs, err := o.collect(ctx, run, req, prev != nil, pc, sc)
	if err != nil {
		o.abort(ctx, run, err)
		return
	}

	for _, pr := range pairs {
		if ctx.Err() != nil {
			o.abort(ctx, run, ctx.Err())
			return
		}
		run.ItemsScanned++
		o.reconcile(ctx, run, pr, pending)
	}
	if ctx.Err() != nil {
		o.abort(ctx, run, ctx.Err())
	}
}

func (o *Orchestrator) abort(ctx context.Context, run *domain.SyncRun, err error) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = domain.ErrRunTimeout
	}
	run.Error = err.Error()
	o.logger.Error("sync run aborted", zap.String("run_id", run.ID), zap.Error(err))
}

// collect enumerates the pairs a run must look at and sets the run
// checkpoints.
func (o *Orchestrator) collect(ctx context.Context, run *domain.SyncRun, req domain.RunRequest, hasPrev bool, pc, sc string) ([]pair, error) {
	run.PrimaryCheckpoint, run.SecondaryCheckpoint = pc, sc

	switch req.Scope {
	case domain.ScopeRecords:
		return o.collectRecords(ctx, run, req.RecordIDs)
	case domain.ScopePending:
		var unlinked []*domain.Record
		err := o.call(ctx, func(c context.Context) (err error) {
			unlinked, err = o.primary.ListUnlinked(c)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list unlinked primary records: %w", err)
		}
		return o.pairUp(ctx, run, unlinked, nil), nil
	}

	var sincePrimary, sinceSecondary string
	if req.Scope == domain.ScopeChanged && hasPrev {
		sincePrimary, sinceSecondary = pc, sc
	}

	var primaries, secondaries []*domain.Record
	err := o.call(ctx, func(c context.Context) (err error) {
		primaries, run.PrimaryCheckpoint, err = o.primary.ListChangedSince(c, sincePrimary)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list primary records: %w", err)
	}
	err = o.call(ctx, func(c context.Context) (err error) {
		secondaries, run.SecondaryCheckpoint, err = o.secondary.ListChangedSince(c, sinceSecondary)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list secondary records: %w", err)
	}

	return o.pairUp(ctx, run, primaries, secondaries), nil
}

func (o *Orchestrator) collectRecords(ctx context.Context, run *domain.SyncRun, ids []string) ([]pair, error) {
	if len(ids) == 0 {
		return nil, errors.New("records scope requires record ids")
	}

	var pairs []pair
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		p, err := o.get(ctx, o.primary, id)
		if err != nil {
			o.fail(ctx, run, id, err)
			continue
		}
		var s *domain.Record
		if p != nil {
			s, err = o.counterpart(ctx, p, domain.SidePrimary)
		} else {
			s, err = o.getByExternalID(ctx, o.secondary, id)
		}
		if err != nil {
			o.fail(ctx, run, id, err)
			continue
		}
		if p == nil && s == nil {
			o.fail(ctx, run, id, domain.ErrRecordNotFound)
			continue
		}
		pairs = append(pairs, pair{primary: p, secondary: s})
	}
	return pairs, nil
}

// pairUp matches every listed record with its counterpart, once per pair.
func (o *Orchestrator) pairUp(ctx context.Context, run *domain.SyncRun, primaries, secondaries []*domain.Record) []pair {
	var pairs []pair
	seenPrimary := make(map[string]bool)
	seenSecondary := make(map[string]bool)

	add := func(p, s *domain.Record) {
		if p != nil {
			seenPrimary[p.ID] = true
		}
		if s != nil {
			seenSecondary[s.ID] = true
		}
		pairs = append(pairs, pair{primary: p, secondary: s})
	}

	for _, p := range primaries {
		if seenPrimary[p.ID] {
			continue
		}
		s, err := o.counterpart(ctx, p, domain.SidePrimary)
		if err != nil {
			o.fail(ctx, run, p.ID, err)
			continue
		}
		if s != nil && seenSecondary[s.ID] {
			continue
		}
		add(p, s)
	}
	for _, s := range secondaries {
		if seenSecondary[s.ID] {
			continue
		}
		p, err := o.counterpart(ctx, s, domain.SideSecondary)
		if err != nil {
			o.fail(ctx, run, s.ID, err)
			continue
		}
		if p != nil && seenPrimary[p.ID] {
			continue
		}
		add(p, s)
	}
	return pairs
}

// counterpart finds the record on the other side of rec, which lives on side.
// It follows rec's external id first and falls back to a reverse lookup.
func (o *Orchestrator) counterpart(ctx context.Context, rec *domain.Record, side domain.Side) (*domain.Record, error) {
	other := o.store(side.Other())
	if rec.ExternalID != "" {
		found, err := o.get(ctx, other, rec.ExternalID)
		if err != nil || found != nil {
			return found, err
		}
	}
	return o.getByExternalID(ctx, other, rec.ID)
}

func (o *Orchestrator) get(ctx context.Context, store adapter.Store, id string) (*domain.Record, error) {
	var rec *domain.Record
	err := o.call(ctx, func(c context.Context) (err error) {
		rec, err = store.Get(c, id)
		return err
	})
	if errors.Is(err, domain.ErrRecordNotFound) {
		return nil, nil
	}
	return rec, err
}

func (o *Orchestrator) getByExternalID(ctx context.Context, store adapter.Store, externalID string) (*domain.Record, error) {
	var rec *domain.Record
	err := o.call(ctx, func(c context.Context) (err error) {
		rec, err = store.GetByExternalID(c, externalID)
		return err
	})
	if errors.Is(err, domain.ErrRecordNotFound) {
		return nil, nil
	}
	return rec, err
}

func (o *Orchestrator) store(side domain.Side) adapter.Store {
	if side == domain.SidePrimary {
		return o.primary
	}
	return o.secondary
}

func (o *Orchestrator) call(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
	defer cancel()
	return fn(cctx)
}

// write runs a store mutation with the per-call timeout and the retry policy.
func (o *Orchestrator) write(ctx context.Context, fn func(context.Context) error) error {
	return o.opts.Retry.Do(ctx, func(c context.Context) error {
		return o.call(c, fn)
	})
}

func (o *Orchestrator) reconcile(ctx context.Context, run *domain.SyncRun, pr pair, pending map[string]string) {
	key := pr.key()

	var lineage *domain.Lineage
	if pr.primary != nil {
		l, err := o.lineage.Get(ctx, pr.primary.ID)
		if err != nil {
			o.fail(ctx, run, key, err)
			return
		}
		lineage = l
	}

	decision := ClassifyWithLineage(pr.primary, pr.secondary, lineage)
	_, wasPending := pending[key]
	switch {
	case decision.Conflict != nil && wasPending:
		o.refresh(ctx, run, decision.Conflict)
		return
	case decision.Conflict != nil:
		o.raise(ctx, run, decision.Conflict)
		return
	case wasPending:
		o.logger.Debug("skipping record with pending conflict", zap.String("record_id", key))
		return
	}

	if decision.IsNoop() {
		o.settle(ctx, run, pr, lineage)
		return
	}

	if err := o.apply(ctx, run, pr, decision); err != nil {
		o.fail(ctx, run, key, err)
	}
}

// settle links an already converged pair and refreshes its lineage.
func (o *Orchestrator) settle(ctx context.Context, run *domain.SyncRun, pr pair, lineage *domain.Lineage) {
	if pr.primary == nil || pr.secondary == nil {
		return
	}
	wrote, err := o.link(ctx, pr.primary, pr.secondary)
	if err != nil {
		o.fail(ctx, run, pr.primary.ID, err)
		return
	}
	if wrote {
		run.ItemsSynced++
	}
	if lineage.Matches(pr.primary) && lineage.ExternalID == pr.secondary.ID {
		return
	}
	if err := o.saveLineage(ctx, pr.primary.ID, pr.secondary.ID, pr.primary); err != nil {
		o.fail(ctx, run, pr.primary.ID, err)
	}
}

// link points each record's external id at its counterpart.
func (o *Orchestrator) link(ctx context.Context, p, s *domain.Record) (bool, error) {
	wrote := false
	if p.ExternalID != s.ID {
		linked := p.Clone()
		linked.ExternalID = s.ID
		if err := o.write(ctx, func(c context.Context) error { return o.primary.Upsert(c, linked) }); err != nil {
			return wrote, fmt.Errorf("link primary: %w", err)
		}
		p.ExternalID = s.ID
		wrote = true
	}
	if s.ExternalID != p.ID {
		linked := s.Clone()
		linked.ExternalID = p.ID
		if err := o.write(ctx, func(c context.Context) error { return o.secondary.Upsert(c, linked) }); err != nil {
			return wrote, fmt.Errorf("link secondary: %w", err)
		}
		s.ExternalID = p.ID
		wrote = true
	}
	return wrote, nil
}

func (o *Orchestrator) apply(ctx context.Context, run *domain.SyncRun, pr pair, d Decision) error {
	var source, existing *domain.Record
	if d.Target == domain.SidePrimary {
		source, existing = pr.secondary, pr.primary
	} else {
		source, existing = pr.primary, pr.secondary
	}
	target := o.store(d.Target)
	resolved := d.Resolved

	var written *domain.Record
	if resolved.IsTombstone() {
		if existing == nil {
			return nil
		}
		err := o.write(ctx, func(c context.Context) error {
			return target.Delete(c, existing.ID, resolved.Revision)
		})
		if err != nil {
			return err
		}
		written = existing.Clone()
		written.Revision = resolved.Revision
		written.DeletedAt = resolved.DeletedAt
	} else {
		rec := &domain.Record{
			ExternalID: source.ID,
			Revision:   resolved.Revision,
			Payload:    resolved.Payload,
			UpdatedAt:  resolved.UpdatedAt,
		}
		if existing != nil {
			rec.ID = existing.ID
		} else {
			id, err := o.freshID(ctx, target, source.ID)
			if err != nil {
				return err
			}
			rec.ID = id
		}
		if err := o.write(ctx, func(c context.Context) error { return target.Upsert(c, rec) }); err != nil {
			return err
		}
		written = rec

		if source.ExternalID != rec.ID {
			linked := source.Clone()
			linked.ExternalID = rec.ID
			src := o.store(d.Target.Other())
			if err := o.write(ctx, func(c context.Context) error { return src.Upsert(c, linked) }); err != nil {
				return fmt.Errorf("link source: %w", err)
			}
		}
	}

	primaryID, secondaryID := source.ID, written.ID
	if d.Target == domain.SidePrimary {
		primaryID, secondaryID = written.ID, source.ID
	}
	if err := o.saveLineage(ctx, primaryID, secondaryID, resolved); err != nil {
		return err
	}

	run.ItemsSynced++
	entry := o.journal.Entry(domain.LogInfo, domain.EventRecordSynced,
		fmt.Sprintf("revision %d written to %s", resolved.Revision, d.Target))
	entry.RunID = run.ID
	entry.RecordID = primaryID
	if resolved.IsTombstone() {
		entry.Details = map[string]string{"tombstone": "true"}
	}
	o.journal.Write(ctx, entry)
	return nil
}

// freshID reuses the counterpart id on the target store when it is free.
func (o *Orchestrator) freshID(ctx context.Context, target adapter.Store, candidate string) (string, error) {
	taken, err := o.get(ctx, target, candidate)
	if err != nil {
		return "", err
	}
	if taken == nil {
		return candidate, nil
	}
	return uuid.NewString(), nil
}

func (o *Orchestrator) saveLineage(ctx context.Context, primaryID, secondaryID string, rec *domain.Record) error {
	l := &domain.Lineage{
		RecordID:    primaryID,
		ExternalID:  secondaryID,
		Revision:    rec.Revision,
		PayloadHash: rec.Payload.Hash(),
		Tombstoned:  rec.IsTombstone(),
		SyncedAt:    o.now().UTC(),
	}
	if err := o.lineage.Save(ctx, l); err != nil {
		return fmt.Errorf("save lineage: %w", err)
	}
	return nil
}

func (o *Orchestrator) raise(ctx context.Context, run *domain.SyncRun, c *domain.Conflict) {
	now := o.now().UTC()
	c.ID = uuid.NewString()
	c.RunID = run.ID
	c.DetectedAt = now
	c.UpdatedAt = now

	id, created, err := o.ledger.Append(ctx, c)
	if err != nil {
		o.fail(ctx, run, c.RecordID, err)
		return
	}
	c.ID = id
	run.ConflictsDetected++
	if !created {
		return
	}

	o.metrics.ObserveConflict(c.Type)
	o.logger.Info("conflict detected",
		zap.String("conflict_id", id),
		zap.String("record_id", c.RecordID),
		zap.String("type", string(c.Type)),
	)
	entry := o.journal.Entry(domain.LogWarn, domain.EventConflictDetected, fmt.Sprintf("%s conflict detected", c.Type))
	entry.RunID = run.ID
	entry.RecordID = c.RecordID
	entry.Details = map[string]string{"conflict_id": id, "type": string(c.Type)}
	o.journal.Write(ctx, entry)
	o.notifier.Notify(domain.EventConflictDetected, *c)
}

// refresh updates a conflict that was already pending when the run started.
// An operator may have resolved it since; then the record is left alone until
// the next run sees the resolved state.
func (o *Orchestrator) refresh(ctx context.Context, run *domain.SyncRun, c *domain.Conflict) {
	c.ID = uuid.NewString()
	c.RunID = run.ID
	c.UpdatedAt = o.now().UTC()

	id, ok, err := o.ledger.Refresh(ctx, c)
	if err != nil {
		o.fail(ctx, run, c.RecordID, err)
		return
	}
	if !ok {
		o.logger.Debug("conflict resolved during run", zap.String("record_id", c.RecordID))
		return
	}
	c.ID = id
	run.ConflictsDetected++
}

func (o *Orchestrator) fail(ctx context.Context, run *domain.SyncRun, recordID string, err error) {
	run.ItemsErrored++
	if len(run.Errors) < maxRunErrors {
		run.Errors = append(run.Errors, domain.RunError{RecordID: recordID, Message: err.Error()})
	}
	o.logger.Warn("record reconciliation failed",
		zap.String("run_id", run.ID),
		zap.String("record_id", recordID),
		zap.Error(err),
	)
	entry := o.journal.Entry(domain.LogError, domain.EventRecordFailed, err.Error())
	entry.RunID = run.ID
	entry.RecordID = recordID
	o.journal.Write(context.WithoutCancel(ctx), entry)
}
