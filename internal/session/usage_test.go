package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBumpUsageCountsBothCounters(t *testing.T) {
	s, _ := newTestStore(t)
	s.BumpUsage(100)
	s.BumpUsage(50)

	assert.Equal(t, int64(150), s.Usage())
	assert.Equal(t, int64(150), s.WeeklyUsage())
}

func TestWeeklyUsageResetsAcrossWeekBoundary(t *testing.T) {
	s, _ := newTestStore(t)
	s.BumpUsage(500)

	// Pretend the last reset happened two weeks ago.
	s.mu.Lock()
	s.weeklyResetAt = time.Now().AddDate(0, 0, -14).UnixMilli()
	s.mu.Unlock()

	assert.Equal(t, int64(0), s.WeeklyUsage(), "stale weekly counter resets before reading")
	assert.Equal(t, int64(500), s.Usage(), "lifetime counter never resets")
}

func TestWeeklyUsageSurvivesWithinWeek(t *testing.T) {
	s, _ := newTestStore(t)
	s.BumpUsage(42)
	assert.Equal(t, int64(42), s.WeeklyUsage())
	assert.Equal(t, int64(42), s.WeeklyUsage(), "reading must not reset a current-week counter")
}

func TestBumpAfterStaleWeekStartsFresh(t *testing.T) {
	s, _ := newTestStore(t)
	s.BumpUsage(300)

	s.mu.Lock()
	s.weeklyResetAt = time.Now().AddDate(0, 0, -8).UnixMilli()
	s.mu.Unlock()

	s.BumpUsage(10)
	assert.Equal(t, int64(10), s.WeeklyUsage())
	assert.Equal(t, int64(310), s.Usage())
}

func TestWeekStartIsMonday(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
	}{
		{"wednesday", time.Date(2025, 6, 11, 15, 30, 0, 0, time.Local)},
		{"monday itself", time.Date(2025, 6, 9, 0, 0, 1, 0, time.Local)},
		{"sunday maps back", time.Date(2025, 6, 15, 23, 59, 0, 0, time.Local)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := weekStart(tt.in)
			assert.Equal(t, time.Monday, got.Weekday())
			assert.Equal(t, 0, got.Hour())
			assert.False(t, got.After(tt.in))
			assert.True(t, tt.in.Sub(got) < 7*24*time.Hour)
		})
	}
}
