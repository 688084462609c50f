package domain

import (
	"fmt"
	"time"
)

type RunOutcome string

const (
	OutcomeSuccess RunOutcome = "success"
	OutcomePartial RunOutcome = "partial"
	OutcomeFailed  RunOutcome = "failed"
)

type Scope string

const (
	ScopeFull    Scope = "full"
	ScopeChanged Scope = "changed"
	ScopePending Scope = "pending"
	ScopeRecords Scope = "records"
)

func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case "":
		return ScopeFull, nil
	case ScopeFull, ScopeChanged, ScopePending, ScopeRecords:
		return Scope(s), nil
	default:
		return "", fmt.Errorf("unknown sync scope %q", s)
	}
}

type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduler Trigger = "scheduler"
	TriggerCLI       Trigger = "cli"
)

type RunRequest struct {
	Scope     Scope    `json:"scope"`
	RecordIDs []string `json:"record_ids,omitempty"`
	Trigger   Trigger  `json:"trigger,omitempty"`
}

type RunError struct {
	RecordID string `json:"record_id"`
	Message  string `json:"message"`
}

// SyncRun is sealed once FinishedAt is set and never modified afterwards.
type SyncRun struct {
	ID                string     `json:"id"`
	Scope             Scope      `json:"scope"`
	Trigger           Trigger    `json:"trigger"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        time.Time  `json:"finished_at"`
	Outcome           RunOutcome `json:"outcome"`
	ItemsScanned      int        `json:"items_scanned"`
	ItemsSynced       int        `json:"items_synced"`
	ItemsErrored      int        `json:"items_errored"`
	ConflictsDetected int        `json:"conflicts_detected"`
	Errors            []RunError `json:"errors,omitempty"`
	Error             string     `json:"error,omitempty"`

	// Store change checkpoints the next changed-scope run resumes from.
	PrimaryCheckpoint   string `json:"primary_checkpoint,omitempty"`
	SecondaryCheckpoint string `json:"secondary_checkpoint,omitempty"`
}

func (r *SyncRun) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

type SyncExecuteResult struct {
	Success       bool       `json:"success"`
	RunID         string     `json:"run_id"`
	Outcome       RunOutcome `json:"outcome"`
	SyncedCount   int        `json:"synced_count"`
	ErrorCount    int        `json:"error_count"`
	ConflictCount int        `json:"conflict_count"`
	Errors        []string   `json:"errors"`
	Timestamp     time.Time  `json:"timestamp"`
}

func NewExecuteResult(run *SyncRun) *SyncExecuteResult {
	res := &SyncExecuteResult{
		Success:       run.Outcome == OutcomeSuccess,
		RunID:         run.ID,
		Outcome:       run.Outcome,
		SyncedCount:   run.ItemsSynced,
		ErrorCount:    run.ItemsErrored,
		ConflictCount: run.ConflictsDetected,
		Errors:        make([]string, 0, len(run.Errors)+1),
		Timestamp:     run.FinishedAt,
	}
	if run.Error != "" {
		res.Errors = append(res.Errors, run.Error)
	}
	for _, e := range run.Errors {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", e.RecordID, e.Message))
	}
	return res
}
