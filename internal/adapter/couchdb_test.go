package adapter

import (
	"testing"
	"time"

	"roadwatch-sync-server/internal/domain"

	"github.com/stretchr/testify/assert"
)

func TestReportDoc_ToRecord(t *testing.T) {
	at := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	doc := reportDoc{
		ID:         docID("field-7"),
		Rev:        "3-abc",
		DocType:    reportDocType,
		ExternalID: "web-7",
		Revision:   4,
		Payload:    report("crack"),
		UpdatedAt:  at,
		DeletedAt:  &at,
	}

	assert.Equal(t, "report:field-7", doc.ID)
	rec := doc.toRecord()
	assert.Equal(t, "field-7", rec.ID)
	assert.Equal(t, "web-7", rec.ExternalID)
	assert.Equal(t, int64(4), rec.Revision)
	assert.True(t, rec.IsTombstone())
	assert.Equal(t, "crack", rec.Payload.Title)
}

func TestPingResult_Health(t *testing.T) {
	h := PingResult{Connected: true, Latency: 12 * time.Millisecond}.Health()
	assert.Equal(t, domain.AdapterHealth{Connected: true, LatencyMs: 12}, h)
}
