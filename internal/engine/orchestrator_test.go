package engine

import (
	"context"
	"testing"
	"time"

	"roadwatch-sync-server/internal/adapter"
	"roadwatch-sync-server/internal/domain"
	"roadwatch-sync-server/internal/metrics"
	"roadwatch-sync-server/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memLedger struct {
	*repository.MemoryConflictRepository
}

func (l memLedger) Append(ctx context.Context, c *domain.Conflict) (string, bool, error) {
	return l.AppendPending(ctx, c)
}

func (l memLedger) Refresh(ctx context.Context, c *domain.Conflict) (string, bool, error) {
	return l.RefreshPending(ctx, c)
}

// resolvingLedger closes every pending conflict right after handing the
// pending set to the run, as an operator resolving mid-run would.
type resolvingLedger struct {
	memLedger
}

func (l resolvingLedger) PendingRecordIDs(ctx context.Context) (map[string]string, error) {
	pending, err := l.memLedger.PendingRecordIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range pending {
		if err := l.MarkResolved(ctx, id, domain.ChoiceLeft, nil, "op", t0); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

type recordingNotifier struct {
	events []domain.LogEvent
}

func (n *recordingNotifier) Notify(event domain.LogEvent, data interface{}) {
	n.events = append(n.events, event)
}

type harness struct {
	primary   *adapter.MemoryStore
	secondary *adapter.MemoryStore
	conflicts *repository.MemoryConflictRepository
	lineage   *repository.MemoryLineageRepository
	runs      *repository.MemoryRunRepository
	logs      *repository.MemoryLogRepository
	lane      *LocalLane
	notifier  *recordingNotifier
	orch      *Orchestrator
}

func testOptions() Options {
	return Options{
		CallTimeout:  time.Second,
		RunTimeout:   10 * time.Second,
		ProbeTimeout: time.Second,
		Retry:        RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, Multiplier: 2},
	}
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		primary:   adapter.NewMemoryStore(domain.SidePrimary),
		secondary: adapter.NewMemoryStore(domain.SideSecondary),
		conflicts: repository.NewMemoryConflictRepository(),
		lineage:   repository.NewMemoryLineageRepository(),
		runs:      repository.NewMemoryRunRepository(),
		logs:      repository.NewMemoryLogRepository(),
		lane:      NewLocalLane(),
		notifier:  &recordingNotifier{},
	}
	logger := zap.NewNop()
	h.orch = NewOrchestrator(Deps{
		Primary:   h.primary,
		Secondary: h.secondary,
		Ledger:    memLedger{h.conflicts},
		Lineage:   h.lineage,
		Runs:      h.runs,
		Journal:   NewJournal(h.logs, logger),
		Lane:      h.lane,
		Metrics:   metrics.New(),
		Notifier:  h.notifier,
	}, opts, logger)
	return h
}

func (h *harness) run(t *testing.T, scope domain.Scope) *domain.SyncRun {
	t.Helper()
	run, err := h.orch.RunOnce(context.Background(), domain.RunRequest{Scope: scope})
	require.NoError(t, err)
	return run
}

func (h *harness) pending(t *testing.T) []*domain.Conflict {
	t.Helper()
	list, err := h.conflicts.List(context.Background(), domain.ConflictFilter{Resolution: domain.ResolutionPending})
	require.NoError(t, err)
	return list
}

func (h *harness) linkedPair(id string, pRev int64, pTitle string, sRev int64, sTitle string) {
	h.primary.Put(&domain.Record{ID: id, ExternalID: id, Revision: pRev, Payload: payload(pTitle), UpdatedAt: t0})
	h.secondary.Put(&domain.Record{ID: id, ExternalID: id, Revision: sRev, Payload: payload(sTitle), UpdatedAt: t0})
}

func TestRunOnce_PropagatesCreate(t *testing.T) {
	h := newHarness(t, testOptions())
	h.primary.Put(&domain.Record{ID: "R", Revision: 2, Payload: payload("P2"), UpdatedAt: t0})

	run := h.run(t, domain.ScopeFull)
	assert.Equal(t, domain.OutcomeSuccess, run.Outcome)
	assert.Equal(t, 1, run.ItemsScanned)
	assert.Equal(t, 1, run.ItemsSynced)
	assert.Zero(t, run.ConflictsDetected)

	got := h.secondary.Snapshot("R")
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.Revision)
	assert.Equal(t, "P2", got.Payload.Title)
	assert.Equal(t, "R", got.ExternalID)
	assert.Equal(t, "R", h.primary.Snapshot("R").ExternalID)
	assert.Empty(t, h.pending(t))

	l, err := h.lineage.Get(context.Background(), "R")
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, int64(2), l.Revision)

	// A second pass finds nothing to do.
	writes := h.secondary.Writes() + h.primary.Writes()
	again := h.run(t, domain.ScopeFull)
	assert.Equal(t, domain.OutcomeSuccess, again.Outcome)
	assert.Zero(t, again.ItemsSynced)
	assert.Equal(t, writes, h.secondary.Writes()+h.primary.Writes())
}

func TestRunOnce_PropagatesSecondaryCreate(t *testing.T) {
	h := newHarness(t, testOptions())
	h.secondary.Put(&domain.Record{ID: "field-1", Revision: 1, Payload: payload("from the field"), UpdatedAt: t0})

	run := h.run(t, domain.ScopeFull)
	assert.Equal(t, domain.OutcomeSuccess, run.Outcome)

	got := h.primary.Snapshot("field-1")
	require.NotNil(t, got)
	assert.Equal(t, "field-1", got.ExternalID)
	assert.Equal(t, "from the field", got.Payload.Title)
	assert.Equal(t, "field-1", h.secondary.Snapshot("field-1").ExternalID)
}

func TestRunOnce_ModificationConflictIsAppendedOnce(t *testing.T) {
	h := newHarness(t, testOptions())
	h.linkedPair("R", 3, "P3", 2, "P2")

	run := h.run(t, domain.ScopeFull)
	assert.Equal(t, domain.OutcomeSuccess, run.Outcome)
	assert.Equal(t, 1, run.ConflictsDetected)

	pending := h.pending(t)
	require.Len(t, pending, 1)
	c := pending[0]
	assert.Equal(t, domain.ConflictTypeModification, c.Type)
	assert.Equal(t, domain.ResolutionPending, c.Resolution)
	assert.Equal(t, "P3", c.LeftPayload.Title)
	assert.Equal(t, "P2", c.RightPayload.Title)
	assert.Equal(t, run.ID, c.RunID)

	h.run(t, domain.ScopeFull)
	pending = h.pending(t)
	require.Len(t, pending, 1)
	assert.Equal(t, c.ID, pending[0].ID)

	assert.Zero(t, h.primary.Writes())
	assert.Zero(t, h.secondary.Writes())
	assert.Equal(t, "P2", h.secondary.Snapshot("R").Payload.Title)
}

func TestRunOnce_PendingConflictIsRefreshedNotWritten(t *testing.T) {
	h := newHarness(t, testOptions())
	h.linkedPair("R", 3, "P3", 2, "P2")
	h.run(t, domain.ScopeFull)

	h.secondary.Put(&domain.Record{ID: "R", ExternalID: "R", Revision: 4, Payload: payload("P4"), UpdatedAt: t0})
	h.run(t, domain.ScopeFull)

	pending := h.pending(t)
	require.Len(t, pending, 1)
	assert.Equal(t, "P4", pending[0].RightPayload.Title)
	assert.Equal(t, int64(4), pending[0].RightRevision)
	assert.Zero(t, h.primary.Writes())
	assert.Zero(t, h.secondary.Writes())
}

func TestRunOnce_SilentRevisionReconciliation(t *testing.T) {
	h := newHarness(t, testOptions())
	h.linkedPair("R", 2, "same", 5, "same")

	run := h.run(t, domain.ScopeFull)
	assert.Equal(t, domain.OutcomeSuccess, run.Outcome)
	assert.Zero(t, run.ConflictsDetected)
	assert.Equal(t, int64(5), h.primary.Snapshot("R").Revision)
	assert.Empty(t, h.pending(t))
}

func TestRunOnce_PropagatesDeletion(t *testing.T) {
	h := newHarness(t, testOptions())
	h.linkedPair("R", 2, "road", 2, "road")
	h.run(t, domain.ScopeFull)

	deletedAt := t0.Add(time.Hour)
	h.primary.Put(&domain.Record{ID: "R", ExternalID: "R", Revision: 3, Payload: payload("road"), UpdatedAt: deletedAt, DeletedAt: &deletedAt})

	run := h.run(t, domain.ScopeFull)
	assert.Equal(t, domain.OutcomeSuccess, run.Outcome)
	got := h.secondary.Snapshot("R")
	assert.True(t, got.IsTombstone())
	assert.Equal(t, int64(3), got.Revision)
	assert.Empty(t, h.pending(t))
}

func TestRunOnce_AlreadyRunning(t *testing.T) {
	h := newHarness(t, testOptions())
	h.primary.Put(&domain.Record{ID: "R", Revision: 1, Payload: payload("P1"), UpdatedAt: t0})

	release, err := h.lane.TryAcquire(context.Background())
	require.NoError(t, err)
	defer release()
	assert.True(t, h.orch.Running())

	run, err := h.orch.RunOnce(context.Background(), domain.RunRequest{})
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)
	assert.Nil(t, run)
	assert.Nil(t, h.secondary.Snapshot("R"))
	assert.Zero(t, h.primary.Writes())
}

func TestRunOnce_AdapterUnavailable(t *testing.T) {
	h := newHarness(t, testOptions())
	h.primary.Put(&domain.Record{ID: "R", Revision: 1, Payload: payload("P1"), UpdatedAt: t0})
	h.primary.SetOffline(true)

	run, err := h.orch.RunOnce(context.Background(), domain.RunRequest{})
	assert.ErrorIs(t, err, domain.ErrAdapterUnavailable)
	assert.Nil(t, run)

	latest, err := h.runs.Latest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, latest)
	assert.Zero(t, h.secondary.Writes())
	assert.False(t, h.orch.Running())

	logs, err := h.logs.List(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.EventAdapterUnavailable, logs[0].Event)
	assert.Equal(t, domain.LogWarn, logs[0].Level)
}

func TestRunOnce_RetriesTransientWriteFailures(t *testing.T) {
	h := newHarness(t, testOptions())
	h.primary.Put(&domain.Record{ID: "R", Revision: 1, Payload: payload("P1"), UpdatedAt: t0})
	h.secondary.FailNextWrites(2)

	run := h.run(t, domain.ScopeFull)
	assert.Equal(t, domain.OutcomeSuccess, run.Outcome)
	assert.Equal(t, 1, run.ItemsSynced)
	assert.NotNil(t, h.secondary.Snapshot("R"))
}

func TestRunOnce_ExhaustedRetriesMakeRunPartial(t *testing.T) {
	h := newHarness(t, testOptions())
	h.primary.Put(&domain.Record{ID: "A", Revision: 1, Payload: payload("A"), UpdatedAt: t0})
	h.primary.Put(&domain.Record{ID: "B", Revision: 1, Payload: payload("B"), UpdatedAt: t0})
	h.secondary.FailNextWrites(3)

	run := h.run(t, domain.ScopeFull)
	assert.Equal(t, domain.OutcomePartial, run.Outcome)
	assert.Equal(t, 2, run.ItemsScanned)
	assert.Equal(t, 1, run.ItemsErrored)
	assert.Equal(t, 1, run.ItemsSynced)
	require.Len(t, run.Errors, 1)
	assert.Contains(t, run.Errors[0].Message, domain.ErrRecordWriteFailed.Error())

	result := domain.NewExecuteResult(run)
	assert.False(t, result.Success)
	assert.Equal(t, 1, result.ErrorCount)
}

func TestRunOnce_TimeoutSealsRunAsFailed(t *testing.T) {
	opts := testOptions()
	opts.RunTimeout = 20 * time.Millisecond
	h := newHarness(t, opts)
	h.primary.Put(&domain.Record{ID: "R", Revision: 1, Payload: payload("P1"), UpdatedAt: t0})
	h.primary.SetLatency(50 * time.Millisecond)

	run := h.run(t, domain.ScopeFull)
	assert.Equal(t, domain.OutcomeFailed, run.Outcome)
	assert.Equal(t, domain.ErrRunTimeout.Error(), run.Error)
	assert.False(t, run.FinishedAt.IsZero())

	latest, err := h.runs.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, run.ID, latest.ID)
}

func TestRunOnce_IgnoresCallerCancellation(t *testing.T) {
	h := newHarness(t, testOptions())
	h.primary.Put(&domain.Record{ID: "R", Revision: 1, Payload: payload("P1"), UpdatedAt: t0})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run, err := h.orch.RunOnce(ctx, domain.RunRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, run.Outcome)
	assert.NotNil(t, h.secondary.Snapshot("R"))
}

func TestRunOnce_ChangedScopeResumesFromCheckpoints(t *testing.T) {
	h := newHarness(t, testOptions())
	h.linkedPair("A", 3, "A", 3, "A")
	h.linkedPair("B", 5, "B", 5, "B")

	full := h.run(t, domain.ScopeFull)
	assert.Equal(t, 2, full.ItemsScanned)
	assert.NotEmpty(t, full.PrimaryCheckpoint)
	assert.NotEmpty(t, full.SecondaryCheckpoint)

	idle := h.run(t, domain.ScopeChanged)
	assert.Equal(t, domain.OutcomeSuccess, idle.Outcome)
	assert.Zero(t, idle.ItemsScanned)
	assert.Equal(t, full.PrimaryCheckpoint, idle.PrimaryCheckpoint)

	// Revisions count per record: A moves to 4 while B already sits at 5.
	h.primary.Put(&domain.Record{ID: "A", ExternalID: "A", Revision: 4, Payload: payload("A edited"), UpdatedAt: t0})
	changed := h.run(t, domain.ScopeChanged)
	assert.Equal(t, 1, changed.ItemsScanned)
	assert.Equal(t, 1, changed.ItemsSynced)
	assert.NotEqual(t, full.PrimaryCheckpoint, changed.PrimaryCheckpoint)
	assert.Equal(t, "A edited", h.secondary.Snapshot("A").Payload.Title)
	assert.Equal(t, int64(4), h.secondary.Snapshot("A").Revision)
	assert.Empty(t, h.pending(t))
}

func TestRunOnce_ChangedScopePicksUpSecondaryEdits(t *testing.T) {
	h := newHarness(t, testOptions())
	h.linkedPair("A", 2, "A", 2, "A")
	h.linkedPair("B", 9, "B", 9, "B")
	h.run(t, domain.ScopeFull)

	h.secondary.Put(&domain.Record{ID: "A", ExternalID: "A", Revision: 3, Payload: payload("A from field"), UpdatedAt: t0})
	run := h.run(t, domain.ScopeChanged)
	assert.Equal(t, 1, run.ItemsScanned)
	assert.Equal(t, "A from field", h.primary.Snapshot("A").Payload.Title)
}

func TestRunOnce_ConflictResolvedDuringRunStaysResolved(t *testing.T) {
	h := newHarness(t, testOptions())
	h.linkedPair("R", 1, "P1", 1, "P1")
	h.run(t, domain.ScopeFull)
	h.primary.Put(&domain.Record{ID: "R", ExternalID: "R", Revision: 2, Payload: payload("P2"), UpdatedAt: t0})
	h.secondary.Put(&domain.Record{ID: "R", ExternalID: "R", Revision: 2, Payload: payload("S2"), UpdatedAt: t0})
	h.run(t, domain.ScopeFull)
	require.Len(t, h.pending(t), 1)

	h.orch.ledger = resolvingLedger{memLedger{h.conflicts}}
	run := h.run(t, domain.ScopeFull)

	assert.Equal(t, domain.OutcomeSuccess, run.Outcome)
	assert.Zero(t, run.ConflictsDetected)
	assert.Empty(t, h.pending(t))
	all, err := h.conflicts.List(context.Background(), domain.ConflictFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRunOnce_PendingScopeOnlyTouchesUnlinkedPrimaries(t *testing.T) {
	h := newHarness(t, testOptions())
	h.linkedPair("A", 3, "A3", 2, "A2")
	h.primary.Put(&domain.Record{ID: "N", Revision: 1, Payload: payload("new"), UpdatedAt: t0})

	run := h.run(t, domain.ScopePending)
	assert.Equal(t, 1, run.ItemsScanned)
	assert.Zero(t, run.ConflictsDetected)
	assert.NotNil(t, h.secondary.Snapshot("N"))
}

func TestRunOnce_RecordsScope(t *testing.T) {
	h := newHarness(t, testOptions())
	h.primary.Put(&domain.Record{ID: "A", Revision: 1, Payload: payload("A"), UpdatedAt: t0})
	h.primary.Put(&domain.Record{ID: "B", Revision: 1, Payload: payload("B"), UpdatedAt: t0})

	run, err := h.orch.RunOnce(context.Background(), domain.RunRequest{
		Scope:     domain.ScopeRecords,
		RecordIDs: []string{"B", "missing"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomePartial, run.Outcome)
	assert.Equal(t, 1, run.ItemsSynced)
	require.Len(t, run.Errors, 1)
	assert.Equal(t, "missing", run.Errors[0].RecordID)
	assert.NotNil(t, h.secondary.Snapshot("B"))
	assert.Nil(t, h.secondary.Snapshot("A"))
}

func TestRunOnce_EmitsEvents(t *testing.T) {
	h := newHarness(t, testOptions())
	h.linkedPair("R", 3, "P3", 2, "P2")
	h.run(t, domain.ScopeFull)

	assert.Equal(t, []domain.LogEvent{
		domain.EventRunStarted,
		domain.EventConflictDetected,
		domain.EventRunFinished,
	}, h.notifier.events)
}
