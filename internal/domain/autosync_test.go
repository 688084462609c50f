package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func clock(h, m int) time.Time {
	return time.Date(2024, 6, 1, h, m, 0, 0, time.UTC)
}

func TestAutoSyncConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultAutoSyncConfig().Validate())
	assert.NoError(t, AutoSyncConfig{IntervalMinutes: 30, StartTime: "22:00", EndTime: "06:00"}.Validate())

	tests := []struct {
		name string
		cfg  AutoSyncConfig
	}{
		{"zero interval", AutoSyncConfig{IntervalMinutes: 0}},
		{"interval above a day", AutoSyncConfig{IntervalMinutes: MaxIntervalMinutes + 1}},
		{"start without end", AutoSyncConfig{IntervalMinutes: 5, StartTime: "08:00"}},
		{"bad clock", AutoSyncConfig{IntervalMinutes: 5, StartTime: "8h", EndTime: "18:00"}},
		{"hour out of range", AutoSyncConfig{IntervalMinutes: 5, StartTime: "08:00", EndTime: "25:00"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.cfg.Validate(), ErrInvalidAutoSyncConfig)
		})
	}
}

func TestAutoSyncConfig_InWindow(t *testing.T) {
	always := AutoSyncConfig{IntervalMinutes: 5}
	assert.True(t, always.InWindow(clock(3, 0)))

	day := AutoSyncConfig{IntervalMinutes: 5, StartTime: "08:00", EndTime: "18:00"}
	assert.True(t, day.InWindow(clock(8, 0)))
	assert.True(t, day.InWindow(clock(18, 0)))
	assert.False(t, day.InWindow(clock(18, 1)))
	assert.False(t, day.InWindow(clock(7, 59)))

	night := AutoSyncConfig{IntervalMinutes: 5, StartTime: "22:00", EndTime: "06:00"}
	assert.True(t, night.InWindow(clock(23, 30)))
	assert.True(t, night.InWindow(clock(5, 0)))
	assert.False(t, night.InWindow(clock(12, 0)))
}

func TestAutoSyncPatch_ApplyTo(t *testing.T) {
	enabled := true
	interval := 45
	start, end := "07:00", "19:00"

	cfg := DefaultAutoSyncConfig()
	got := AutoSyncPatch{Enabled: &enabled, IntervalMinutes: &interval}.ApplyTo(cfg)
	assert.True(t, got.Enabled)
	assert.Equal(t, 45*time.Minute, got.Interval())
	assert.Empty(t, got.StartTime)

	got = AutoSyncPatch{StartTime: &start, EndTime: &end}.ApplyTo(got)
	assert.True(t, got.Enabled)
	assert.Equal(t, "07:00", got.StartTime)
	assert.Equal(t, "19:00", got.EndTime)
	assert.Equal(t, DefaultIntervalMinutes, cfg.IntervalMinutes)
}
