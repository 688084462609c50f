package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScope(t *testing.T) {
	s, err := ParseScope("")
	require.NoError(t, err)
	assert.Equal(t, ScopeFull, s)

	for _, in := range []Scope{ScopeFull, ScopeChanged, ScopePending, ScopeRecords} {
		s, err := ParseScope(string(in))
		require.NoError(t, err)
		assert.Equal(t, in, s)
	}

	_, err = ParseScope("everything")
	assert.Error(t, err)
}

func TestNewExecuteResult(t *testing.T) {
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	run := &SyncRun{
		ID:                "run-1",
		StartedAt:         start,
		FinishedAt:        start.Add(1500 * time.Millisecond),
		Outcome:           OutcomePartial,
		ItemsSynced:       4,
		ItemsErrored:      1,
		ConflictsDetected: 2,
		Errors:            []RunError{{RecordID: "web-9", Message: "write failed"}},
	}

	res := NewExecuteResult(run)
	assert.False(t, res.Success)
	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, 4, res.SyncedCount)
	assert.Equal(t, 1, res.ErrorCount)
	assert.Equal(t, 2, res.ConflictCount)
	assert.Equal(t, []string{"web-9: write failed"}, res.Errors)
	assert.Equal(t, run.FinishedAt, res.Timestamp)
	assert.Equal(t, 1500*time.Millisecond, run.Duration())

	ok := NewExecuteResult(&SyncRun{ID: "run-2", Outcome: OutcomeSuccess})
	assert.True(t, ok.Success)
	assert.NotNil(t, ok.Errors)
	assert.Empty(t, ok.Errors)
	assert.Zero(t, (&SyncRun{}).Duration())

	failed := NewExecuteResult(&SyncRun{Outcome: OutcomeFailed, Error: "secondary: store offline"})
	assert.Equal(t, []string{"secondary: store offline"}, failed.Errors)
}
