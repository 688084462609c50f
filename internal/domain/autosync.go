package domain

import (
	"fmt"
	"time"
)

const (
	DefaultIntervalMinutes = 15
	MaxIntervalMinutes     = 24 * 60
)

// AutoSyncConfig is the persisted scheduler configuration. StartTime and
// EndTime are "HH:MM" bounds of the daily window; both empty means always.
type AutoSyncConfig struct {
	Enabled         bool      `json:"enabled"`
	IntervalMinutes int       `json:"interval_minutes" validate:"min=1,max=1440"`
	StartTime       string    `json:"start_time,omitempty"`
	EndTime         string    `json:"end_time,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
	UpdatedBy       string    `json:"updated_by,omitempty"`
}

func DefaultAutoSyncConfig() AutoSyncConfig {
	return AutoSyncConfig{IntervalMinutes: DefaultIntervalMinutes}
}

func (c AutoSyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

func (c AutoSyncConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAutoSyncConfig, err)
	}
	if (c.StartTime == "") != (c.EndTime == "") {
		return fmt.Errorf("%w: start_time and end_time must be set together", ErrInvalidAutoSyncConfig)
	}
	if c.StartTime != "" {
		if _, err := parseClock(c.StartTime); err != nil {
			return fmt.Errorf("%w: start_time: %v", ErrInvalidAutoSyncConfig, err)
		}
		if _, err := parseClock(c.EndTime); err != nil {
			return fmt.Errorf("%w: end_time: %v", ErrInvalidAutoSyncConfig, err)
		}
	}
	return nil
}

// InWindow reports whether t falls inside the daily window, bounds included.
// A window whose end is before its start wraps past midnight.
func (c AutoSyncConfig) InWindow(t time.Time) bool {
	if c.StartTime == "" || c.EndTime == "" {
		return true
	}
	start, err := parseClock(c.StartTime)
	if err != nil {
		return false
	}
	end, err := parseClock(c.EndTime)
	if err != nil {
		return false
	}
	now := t.Hour()*60 + t.Minute()
	if start <= end {
		return now >= start && now <= end
	}
	return now >= start || now <= end
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

type AutoSyncPatch struct {
	Enabled         *bool   `json:"enabled,omitempty"`
	IntervalMinutes *int    `json:"interval_minutes,omitempty"`
	StartTime       *string `json:"start_time,omitempty"`
	EndTime         *string `json:"end_time,omitempty"`
}

func (p AutoSyncPatch) ApplyTo(c AutoSyncConfig) AutoSyncConfig {
	if p.Enabled != nil {
		c.Enabled = *p.Enabled
	}
	if p.IntervalMinutes != nil {
		c.IntervalMinutes = *p.IntervalMinutes
	}
	if p.StartTime != nil {
		c.StartTime = *p.StartTime
	}
	if p.EndTime != nil {
		c.EndTime = *p.EndTime
	}
	return c
}
