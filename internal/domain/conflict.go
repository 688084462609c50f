package domain

import (
	"strings"
	"time"
)

type ConflictType string

const (
	ConflictTypeCreation     ConflictType = "creation"
	ConflictTypeModification ConflictType = "modification"
	ConflictTypeDeletion     ConflictType = "deletion"
)

type Resolution string

const (
	ResolutionPending  Resolution = "pending"
	ResolutionResolved Resolution = "resolved"
)

type ResolutionChoice string

const (
	ChoiceLeft   ResolutionChoice = "left"
	ChoiceRight  ResolutionChoice = "right"
	ChoiceCustom ResolutionChoice = "custom"
)

// ParseResolutionChoice accepts the canonical choices and the store names the
// admin tooling uses ("postgres" keeps the primary side, "firebase" the mobile one).
func ParseResolutionChoice(s string) (ResolutionChoice, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "left", "primary", "postgres", "postgresql":
		return ChoiceLeft, nil
	case "right", "secondary", "firebase", "couchdb", "mobile":
		return ChoiceRight, nil
	case "custom":
		return ChoiceCustom, nil
	default:
		return "", ErrInvalidResolutionChoice
	}
}

// Conflict is a ledger entry. Left is always the primary store, Right the
// secondary store.
type Conflict struct {
	ID               string           `json:"id"`
	RecordID         string           `json:"record_id"`
	ExternalID       string           `json:"external_id,omitempty"`
	RunID            string           `json:"run_id,omitempty"`
	Type             ConflictType     `json:"conflict_type"`
	LeftPayload      ReportPayload    `json:"left_payload"`
	RightPayload     ReportPayload    `json:"right_payload"`
	LeftRevision     int64            `json:"left_revision"`
	RightRevision    int64            `json:"right_revision"`
	LeftDeleted      bool             `json:"left_deleted"`
	RightDeleted     bool             `json:"right_deleted"`
	Resolution       Resolution       `json:"resolution"`
	ResolvedBy       string           `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time       `json:"resolved_at,omitempty"`
	ResolutionChoice ResolutionChoice `json:"resolution_choice,omitempty"`
	CustomPayload    *ReportPayload   `json:"custom_payload,omitempty"`
	DetectedAt       time.Time        `json:"detected_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func (c *Conflict) IsPending() bool {
	return c.Resolution == ResolutionPending
}

// SameSides reports whether both conflicts captured identical snapshots.
func (c *Conflict) SameSides(other *Conflict) bool {
	return c.Type == other.Type &&
		c.LeftRevision == other.LeftRevision &&
		c.RightRevision == other.RightRevision &&
		c.LeftDeleted == other.LeftDeleted &&
		c.RightDeleted == other.RightDeleted &&
		c.LeftPayload.Equal(other.LeftPayload) &&
		c.RightPayload.Equal(other.RightPayload)
}

type ConflictFilter struct {
	Resolution Resolution   `json:"resolution,omitempty"`
	Type       ConflictType `json:"type,omitempty"`
	RecordID   string       `json:"record_id,omitempty"`
	Since      time.Time    `json:"since,omitempty"`
	Limit      int          `json:"limit,omitempty"`
	Offset     int          `json:"offset,omitempty"`
}

func (f ConflictFilter) Match(c *Conflict) bool {
	if f.Resolution != "" && c.Resolution != f.Resolution {
		return false
	}
	if f.Type != "" && c.Type != f.Type {
		return false
	}
	if f.RecordID != "" && c.RecordID != f.RecordID {
		return false
	}
	if !f.Since.IsZero() && c.DetectedAt.Before(f.Since) {
		return false
	}
	return true
}

type ConflictResolutionRequest struct {
	Choice     string         `json:"choice" validate:"required"`
	CustomData *ReportPayload `json:"custom_data,omitempty"`
}
