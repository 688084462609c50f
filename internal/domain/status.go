package domain

import "time"

type HealthState string

const (
	HealthOK       HealthState = "ok"
	HealthDegraded HealthState = "degraded"
	HealthError    HealthState = "error"
)

type AdapterHealth struct {
	Connected bool   `json:"connected"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type RunSummary struct {
	ID         string     `json:"id"`
	Outcome    RunOutcome `json:"outcome"`
	FinishedAt time.Time  `json:"finished_at"`
	Errored    int        `json:"errored"`
}

type HealthStatus struct {
	Status    HealthState   `json:"status"`
	Primary   AdapterHealth `json:"primary"`
	Secondary AdapterHealth `json:"secondary"`
	LastRun   *RunSummary   `json:"last_run,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

type SyncStatus struct {
	Primary          AdapterHealth   `json:"primary"`
	Secondary        AdapterHealth   `json:"secondary"`
	PendingRecords   int             `json:"pending_records"`
	PendingConflicts int             `json:"pending_conflicts"`
	SyncedRecords    int             `json:"synced_records"`
	ErrorCount       int             `json:"error_count"`
	Running          bool            `json:"running"`
	LastRunAt        *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt        *time.Time      `json:"next_run_at,omitempty"`
	AutoSync         *AutoSyncConfig `json:"auto_sync,omitempty"`
}

type SyncStatistics struct {
	Days              int       `json:"days"`
	From              time.Time `json:"from"`
	To                time.Time `json:"to"`
	TotalRuns         int       `json:"total_runs"`
	SuccessfulRuns    int       `json:"successful_runs"`
	PartialRuns       int       `json:"partial_runs"`
	FailedRuns        int       `json:"failed_runs"`
	AverageDurationMs int64     `json:"average_duration_ms"`
	LastDurationMs    int64     `json:"last_duration_ms"`
	TotalItemsSynced  int       `json:"total_items_synced"`
	TotalItemsErrored int       `json:"total_items_errored"`
	ConflictsDetected int       `json:"conflicts_detected"`
	ConflictsResolved int       `json:"conflicts_resolved"`
	ConflictsPending  int       `json:"conflicts_pending"`
}
