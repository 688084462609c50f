package domain

import "errors"

var (
	ErrAlreadyRunning          = errors.New("a sync run is already in progress")
	ErrAdapterUnavailable      = errors.New("store adapter unavailable")
	ErrRecordWriteFailed       = errors.New("record write failed")
	ErrRunTimeout              = errors.New("sync run exceeded its time budget")
	ErrConflictNotFound        = errors.New("conflict not found")
	ErrConflictAlreadyResolved = errors.New("conflict already resolved")
	ErrInvalidResolutionChoice = errors.New("invalid resolution choice")
	ErrRecordNotFound          = errors.New("record not found")
	ErrInvalidPayload          = errors.New("invalid report payload")
	ErrInvalidAutoSyncConfig   = errors.New("invalid auto-sync configuration")
)
