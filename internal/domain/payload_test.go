package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportPayload_Validate(t *testing.T) {
	valid := NewReportPayload("pothole on D7", ReportStatusNew)
	valid.Latitude = 45.7
	valid.Longitude = 4.8
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(p *ReportPayload)
	}{
		{"wrong kind", func(p *ReportPayload) { p.Kind = "invoice" }},
		{"wrong schema version", func(p *ReportPayload) { p.SchemaVersion = 2 }},
		{"missing title", func(p *ReportPayload) { p.Title = "" }},
		{"unknown status", func(p *ReportPayload) { p.Status = "archived" }},
		{"latitude out of range", func(p *ReportPayload) { p.Latitude = 91 }},
		{"longitude out of range", func(p *ReportPayload) { p.Longitude = -181 }},
		{"negative budget", func(p *ReportPayload) { p.Budget = -1 }},
		{"negative surface", func(p *ReportPayload) { p.SurfaceM2 = -0.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			assert.ErrorIs(t, p.Validate(), ErrInvalidPayload)
		})
	}
}

func TestReportPayload_EqualAndHash(t *testing.T) {
	at := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	a := NewReportPayload("crack", ReportStatusNew)
	a.ReportedAt = &at

	b := a
	paris := at.In(time.FixedZone("CEST", 2*3600)).Add(300 * time.Microsecond)
	b.ReportedAt = &paris

	assert.True(t, a.Equal(b), "same instant at millisecond precision")
	assert.Equal(t, a.Hash(), b.Hash())

	b.Budget = 1200
	assert.False(t, a.Equal(b))
	assert.NotEqual(t, a.Hash(), b.Hash())
	assert.Len(t, a.Hash(), 64)
}

func TestReportPayload_IsZero(t *testing.T) {
	assert.True(t, ReportPayload{}.IsZero())
	assert.False(t, NewReportPayload("crack", ReportStatusNew).IsZero())
}

func TestParsePayload(t *testing.T) {
	p, err := ParsePayload([]byte(`{"kind":"road_report","schema_version":1,"title":"rut","status":"done","budget":300}`))
	require.NoError(t, err)
	assert.Equal(t, "rut", p.Title)
	assert.Equal(t, ReportStatusDone, p.Status)
	assert.Equal(t, 300.0, p.Budget)

	_, err = ParsePayload([]byte(`{"kind":`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = ParsePayload([]byte(`{"kind":"road_report","schema_version":1,"status":"done"}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
