package session

import (
	"time"

	"winter/internal/logging"
)

// BumpUsage adds delta tokens to both the lifetime and weekly counters.
// The weekly counter is reset first if the persisted reset timestamp fell
// before the current week boundary.
func (s *Store) BumpUsage(delta int64) {
	s.mu.Lock()
	s.rollWeekLocked(time.Now())
	s.usage += delta
	s.weeklyUsage += delta
	s.mu.Unlock()

	logging.Get(logging.CategoryUsage).Debug("Usage +%d", delta)
	s.schedulePersist()
}

// Usage returns the session-lifetime token counter.
func (s *Store) Usage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// WeeklyUsage returns the token counter for the current calendar week,
// applying the weekly reset before reading.
func (s *Store) WeeklyUsage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollWeekLocked(time.Now())
	return s.weeklyUsage
}

// rollWeekLocked zeroes the weekly counter when the recorded reset
// timestamp is older than the start of the current week.
func (s *Store) rollWeekLocked(now time.Time) {
	start := weekStart(now).UnixMilli()
	if s.weeklyResetAt >= start {
		return
	}
	if s.weeklyResetAt != 0 {
		logging.Get(logging.CategoryUsage).Info("Weekly usage reset (was %d tokens)", s.weeklyUsage)
	}
	s.weeklyUsage = 0
	s.weeklyResetAt = start
}

// weekStart returns Monday 00:00 local time of the week containing t.
func weekStart(t time.Time) time.Time {
	t = t.Local()
	weekday := int(t.Weekday())
	// time.Weekday puts Sunday at 0; shift so Monday starts the week.
	offset := (weekday + 6) % 7
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return day.AddDate(0, 0, -offset)
}
