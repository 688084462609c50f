package domain

import "time"

type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

type LogEvent string

const (
	EventRunStarted         LogEvent = "run_started"
	EventRunFinished        LogEvent = "run_finished"
	EventRecordSynced       LogEvent = "record_synced"
	EventRecordFailed       LogEvent = "record_failed"
	EventConflictDetected   LogEvent = "conflict_detected"
	EventConflictResolved   LogEvent = "conflict_resolved"
	EventAutoSyncChanged    LogEvent = "autosync_changed"
	EventAdapterUnavailable LogEvent = "adapter_unavailable"
	EventCleanup            LogEvent = "cleanup"
	EventReset              LogEvent = "reset"
)

type LogEntry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Level     LogLevel          `json:"level"`
	Event     LogEvent          `json:"event"`
	Message   string            `json:"message"`
	RunID     string            `json:"run_id,omitempty"`
	RecordID  string            `json:"record_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportCSV  ExportFormat = "csv"
)
