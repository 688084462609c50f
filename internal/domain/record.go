package domain

import "time"

type Side string

const (
	SideNone      Side = ""
	SidePrimary   Side = "primary"
	SideSecondary Side = "secondary"
)

func (s Side) Other() Side {
	switch s {
	case SidePrimary:
		return SideSecondary
	case SideSecondary:
		return SidePrimary
	default:
		return SideNone
	}
}

type RecordState string

const (
	RecordUnsynced RecordState = "unsynced"
	RecordSynced   RecordState = "synced"
	RecordDiverged RecordState = "diverged"
)

// Record is one report as seen by a single store. ID is the identity in that
// store, ExternalID the identity of its counterpart on the other side.
type Record struct {
	ID         string        `json:"id"`
	ExternalID string        `json:"external_id,omitempty"`
	Revision   int64         `json:"revision"`
	Payload    ReportPayload `json:"payload"`
	UpdatedAt  time.Time     `json:"updated_at"`
	DeletedAt  *time.Time    `json:"deleted_at,omitempty"`
}

func (r *Record) IsTombstone() bool {
	return r != nil && r.DeletedAt != nil
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		c.DeletedAt = &t
	}
	if r.Payload.ReportedAt != nil {
		t := *r.Payload.ReportedAt
		c.Payload.ReportedAt = &t
	}
	return &c
}

// State classifies r against its counterpart on the other store.
func (r *Record) State(other *Record) RecordState {
	if r.ExternalID == "" || other == nil {
		return RecordUnsynced
	}
	if r.Revision != other.Revision || r.IsTombstone() != other.IsTombstone() {
		return RecordDiverged
	}
	return RecordSynced
}

// Lineage is the last state both stores agreed on for a linked pair.
type Lineage struct {
	RecordID    string    `json:"record_id"`
	ExternalID  string    `json:"external_id"`
	Revision    int64     `json:"revision"`
	PayloadHash string    `json:"payload_hash"`
	Tombstoned  bool      `json:"tombstoned"`
	SyncedAt    time.Time `json:"synced_at"`
}

// Matches reports whether rec is still exactly at the lineage state.
func (l *Lineage) Matches(rec *Record) bool {
	if l == nil || rec == nil {
		return false
	}
	return rec.Revision == l.Revision &&
		rec.IsTombstone() == l.Tombstoned &&
		rec.Payload.Hash() == l.PayloadHash
}
