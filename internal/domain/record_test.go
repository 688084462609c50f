package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSide_Other(t *testing.T) {
	assert.Equal(t, SideSecondary, SidePrimary.Other())
	assert.Equal(t, SidePrimary, SideSecondary.Other())
	assert.Equal(t, SideNone, SideNone.Other())
}

func TestRecord_State(t *testing.T) {
	now := time.Now()
	linked := &Record{ID: "web-1", ExternalID: "field-1", Revision: 3}

	assert.Equal(t, RecordUnsynced, (&Record{ID: "web-2", Revision: 1}).State(nil))
	assert.Equal(t, RecordUnsynced, linked.State(nil))
	assert.Equal(t, RecordSynced, linked.State(&Record{ID: "field-1", ExternalID: "web-1", Revision: 3}))
	assert.Equal(t, RecordDiverged, linked.State(&Record{ID: "field-1", ExternalID: "web-1", Revision: 4}))
	assert.Equal(t, RecordDiverged, linked.State(&Record{ID: "field-1", ExternalID: "web-1", Revision: 3, DeletedAt: &now}))
}

func TestRecord_Clone(t *testing.T) {
	at := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	orig := &Record{ID: "a", Revision: 1, Payload: NewReportPayload("crack", ReportStatusNew), DeletedAt: &at}
	orig.Payload.ReportedAt = &at

	c := orig.Clone()
	*c.DeletedAt = at.Add(time.Hour)
	*c.Payload.ReportedAt = at.Add(time.Hour)
	c.Payload.Title = "changed"

	assert.Equal(t, at, *orig.DeletedAt)
	assert.Equal(t, at, *orig.Payload.ReportedAt)
	assert.Equal(t, "crack", orig.Payload.Title)

	var nilRec *Record
	assert.Nil(t, nilRec.Clone())
	assert.False(t, nilRec.IsTombstone())
}

func TestLineage_Matches(t *testing.T) {
	payload := NewReportPayload("crack", ReportStatusNew)
	l := &Lineage{RecordID: "web-1", ExternalID: "field-1", Revision: 2, PayloadHash: payload.Hash()}
	rec := &Record{ID: "web-1", Revision: 2, Payload: payload}

	assert.True(t, l.Matches(rec))

	bumped := rec.Clone()
	bumped.Revision = 3
	assert.False(t, l.Matches(bumped))

	edited := rec.Clone()
	edited.Payload.Status = ReportStatusDone
	assert.False(t, l.Matches(edited))

	now := time.Now()
	deleted := rec.Clone()
	deleted.DeletedAt = &now
	assert.False(t, l.Matches(deleted))

	var none *Lineage
	assert.False(t, none.Matches(rec))
	assert.False(t, l.Matches(nil))
}
