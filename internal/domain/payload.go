package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	PayloadKindReport    = "road_report"
	PayloadSchemaVersion = 1
)

type ReportStatus string

const (
	ReportStatusNew        ReportStatus = "new"
	ReportStatusInProgress ReportStatus = "in_progress"
	ReportStatusDone       ReportStatus = "done"
)

var validate = validator.New()

// ReportPayload is the synchronized body of a road-damage report. The Kind and
// SchemaVersion tags let both stores reject documents they do not understand.
type ReportPayload struct {
	Kind          string       `json:"kind" validate:"required,eq=road_report"`
	SchemaVersion int          `json:"schema_version" validate:"required,eq=1"`
	Title         string       `json:"title" validate:"required,max=200"`
	Description   string       `json:"description,omitempty" validate:"max=4000"`
	Latitude      float64      `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude     float64      `json:"longitude" validate:"gte=-180,lte=180"`
	Status        ReportStatus `json:"status" validate:"required,oneof=new in_progress done"`
	SurfaceM2     float64      `json:"surface_m2" validate:"gte=0"`
	Budget        float64      `json:"budget" validate:"gte=0"`
	Company       string       `json:"company,omitempty" validate:"max=200"`
	ReportedBy    string       `json:"reported_by,omitempty" validate:"max=200"`
	ReportedAt    *time.Time   `json:"reported_at,omitempty"`
}

func NewReportPayload(title string, status ReportStatus) ReportPayload {
	return ReportPayload{
		Kind:          PayloadKindReport,
		SchemaVersion: PayloadSchemaVersion,
		Title:         title,
		Status:        status,
	}
}

func (p ReportPayload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Canonical returns the stable JSON encoding used for equality and hashing.
func (p ReportPayload) Canonical() []byte {
	if p.ReportedAt != nil {
		t := p.ReportedAt.UTC().Truncate(time.Millisecond)
		p.ReportedAt = &t
	}
	data, _ := json.Marshal(p)
	return data
}

func (p ReportPayload) Equal(other ReportPayload) bool {
	return string(p.Canonical()) == string(other.Canonical())
}

func (p ReportPayload) Hash() string {
	sum := sha256.Sum256(p.Canonical())
	return hex.EncodeToString(sum[:])
}

func (p ReportPayload) IsZero() bool {
	return p.Kind == "" && p.Title == ""
}

// ParsePayload decodes and validates a payload received at a boundary.
func ParsePayload(data []byte) (ReportPayload, error) {
	var p ReportPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ReportPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := p.Validate(); err != nil {
		return ReportPayload{}, err
	}
	return p, nil
}
