package service

import (
	"context"
	"testing"
	"time"

	"roadwatch-sync-server/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarioA_CreatePropagatesToSecondary(t *testing.T) {
	f := newFixture(t)
	f.primary.Put(&domain.Record{ID: "R", Revision: 2, Payload: report("P2"), UpdatedAt: epoch})

	res := f.runOnce(t)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.SyncedCount)
	assert.Zero(t, res.ConflictCount)
	assert.Empty(t, res.Errors)

	got := f.secondary.Snapshot("R")
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.Revision)
	assert.True(t, got.Payload.Equal(report("P2")))
	assert.Empty(t, f.pendingConflicts(t))
}

func TestScenarioB_ModificationConflictIsLedgered(t *testing.T) {
	f := newFixture(t)
	f.linkedPair("R", 3, "P3", 2, "P2")

	res := f.runOnce(t)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.ConflictCount)

	pending := f.pendingConflicts(t)
	require.Len(t, pending, 1)
	c := pending[0]
	assert.Equal(t, domain.ConflictTypeModification, c.Type)
	assert.Equal(t, domain.ResolutionPending, c.Resolution)
	assert.Equal(t, report("P3"), c.LeftPayload)
	assert.Equal(t, report("P2"), c.RightPayload)

	// Re-running before resolution keeps a single ledger entry.
	f.runOnce(t)
	f.runOnce(t)
	again := f.pendingConflicts(t)
	require.Len(t, again, 1)
	assert.Equal(t, c.ID, again[0].ID)
}

func TestScenarioC_ResolveKeepingPrimary(t *testing.T) {
	f := newFixture(t)
	f.linkedPair("R", 3, "P3", 2, "P2")
	f.runOnce(t)
	c := f.pendingConflicts(t)[0]

	resolved, err := f.sync.ResolveConflict(context.Background(), c.ID,
		&domain.ConflictResolutionRequest{Choice: "postgres"}, "operator-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ResolutionResolved, resolved.Resolution)
	assert.Equal(t, domain.ChoiceLeft, resolved.ResolutionChoice)
	assert.Equal(t, "operator-1", resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	p, s := f.primary.Snapshot("R"), f.secondary.Snapshot("R")
	assert.Equal(t, "P3", s.Payload.Title)
	assert.Equal(t, p.Revision, s.Revision)
	assert.Equal(t, int64(4), s.Revision)

	// The converged pair stays quiet afterwards.
	res := f.runOnce(t)
	assert.True(t, res.Success)
	assert.Zero(t, res.ConflictCount)
	assert.Empty(t, f.pendingConflicts(t))
}

func TestScenarioD_PrimaryDown(t *testing.T) {
	f := newFixture(t)
	f.primary.SetOffline(true)
	ctx := context.Background()

	health, err := f.sync.GetHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.HealthError, health.Status)
	assert.False(t, health.Primary.Connected)
	assert.NotEmpty(t, health.Primary.Error)

	res, err := f.sync.RunOnce(ctx, domain.RunRequest{})
	assert.ErrorIs(t, err, domain.ErrAdapterUnavailable)
	assert.Nil(t, res)

	latest, err := f.runs.Latest(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestScenarioE_CleanupKeepsUnresolvedConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, f.runs.Save(ctx, &domain.SyncRun{
		ID: "old", StartedAt: now.AddDate(0, 0, -40), FinishedAt: now.AddDate(0, 0, -40), Outcome: domain.OutcomeSuccess,
	}))
	require.NoError(t, f.runs.Save(ctx, &domain.SyncRun{
		ID: "recent", StartedAt: now.AddDate(0, 0, -2), FinishedAt: now.AddDate(0, 0, -2), Outcome: domain.OutcomeSuccess,
	}))
	_, _, err := f.conflicts.AppendPending(ctx, &domain.Conflict{
		ID:           "ancient",
		RecordID:     "R",
		Type:         domain.ConflictTypeModification,
		LeftPayload:  report("left"),
		RightPayload: report("right"),
		DetectedAt:   now.AddDate(0, 0, -90),
	})
	require.NoError(t, err)

	deleted, err := f.sync.CleanupLogs(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	runs, err := f.runs.ListSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "recent", runs[0].ID)

	conflicts, err := f.sync.ListConflicts(ctx, domain.ConflictFilter{})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "ancient", conflicts[0].ID)
	assert.True(t, conflicts[0].IsPending())
}

func TestRunOnce_RecordsScopeRequiresIDs(t *testing.T) {
	f := newFixture(t)
	_, err := f.sync.RunOnce(context.Background(), domain.RunRequest{Scope: domain.ScopeRecords})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestGetStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.primary.Put(&domain.Record{ID: "A", Revision: 1, Payload: report("A"), UpdatedAt: epoch})
	f.primary.Put(&domain.Record{ID: "B", Revision: 1, Payload: report("B"), UpdatedAt: epoch})
	f.linkedPair("C", 3, "C3", 2, "C2")

	status, err := f.sync.GetStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.Primary.Connected)
	assert.Equal(t, 2, status.PendingRecords)
	assert.Nil(t, status.LastRunAt)
	require.NotNil(t, status.AutoSync)
	assert.False(t, status.AutoSync.Enabled)
	assert.Nil(t, status.NextRunAt)

	f.runOnce(t)
	f.scheduler.next = epoch.Add(time.Hour)
	_, err = f.sync.SetAutoSync(ctx, true, "operator-1")
	require.NoError(t, err)

	status, err = f.sync.GetStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, status.PendingRecords)
	assert.Equal(t, 1, status.PendingConflicts)
	assert.Equal(t, 2, status.SyncedRecords)
	assert.False(t, status.Running)
	require.NotNil(t, status.LastRunAt)
	require.NotNil(t, status.NextRunAt)
	assert.Equal(t, epoch.Add(time.Hour), *status.NextRunAt)
}

func TestAutoSyncConfiguration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg, err := f.sync.GetAutoSyncConfig(ctx)
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 15, cfg.IntervalMinutes)

	cfg, err = f.sync.SetAutoSync(ctx, true, "operator-1")
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "operator-1", cfg.UpdatedBy)

	interval, start, end := 30, "22:00", "06:00"
	cfg, err = f.sync.SetAutoSyncConfig(ctx, domain.AutoSyncPatch{
		IntervalMinutes: &interval,
		StartTime:       &start,
		EndTime:         &end,
	}, "operator-2")
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 30, cfg.IntervalMinutes)

	stored, found, err := f.autosync.Load(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, cfg, stored)

	require.Len(t, f.scheduler.applied, 2)
	assert.Equal(t, 30, f.scheduler.applied[1].IntervalMinutes)

	bad := 0
	_, err = f.sync.SetAutoSyncConfig(ctx, domain.AutoSyncPatch{IntervalMinutes: &bad}, "operator-2")
	assert.ErrorIs(t, err, domain.ErrInvalidAutoSyncConfig)

	onlyStart := "08:00"
	empty := ""
	_, err = f.sync.SetAutoSyncConfig(ctx, domain.AutoSyncPatch{StartTime: &onlyStart, EndTime: &empty}, "operator-2")
	assert.ErrorIs(t, err, domain.ErrInvalidAutoSyncConfig)

	// Rejected patches are not persisted nor applied.
	stored, _, err = f.autosync.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 30, stored.IntervalMinutes)
	assert.Len(t, f.scheduler.applied, 2)

	logs, err := f.sync.GetLogs(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, domain.EventAutoSyncChanged, logs[0].Event)
}
