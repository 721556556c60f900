// Package scheduler fires stored schedules at their time of day.
package scheduler

import (
	"time"

	"yoto-remote/internal/models"
)

// Tolerance a schedule stays due for its scheduled minute and the one after it.
const Tolerance = time.Minute

// refireGuard minimum spacing between two fires of the same schedule.
const refireGuard = 60 * time.Second

// occurrenceAt returns the scheduled minute that now falls into, if any.
// Yesterday is checked too so 23:59 stays due at 00:00.
func occurrenceAt(s *models.Schedule, now time.Time) (time.Time, bool) {
	minute := now.Truncate(time.Minute)
	y, m, d := now.Date()
	for _, offset := range []int{0, -1} {
		at := time.Date(y, m, d+offset, s.TimeOfDay.Hour, s.TimeOfDay.Minute, 0, 0, now.Location())
		if !s.HasDay(at.Weekday()) {
			continue
		}
		if !minute.Before(at) && !minute.After(at.Add(Tolerance)) {
			return at, true
		}
	}
	return time.Time{}, false
}

// IsDue reports whether s should fire at now. now must already be in the
// scheduling location.
func IsDue(s *models.Schedule, now time.Time) bool {
	if !s.Enabled {
		return false
	}
	at, ok := occurrenceAt(s, now)
	if !ok {
		return false
	}
	if s.LastTriggeredAt == nil {
		return true
	}
	last := *s.LastTriggeredAt
	return now.Sub(last) > refireGuard && last.Before(at)
}

// NextExecutionTime returns the next scheduled minute at or after now at
// which IsDue holds. Occurrences already covered by LastTriggeredAt are
// skipped. Repeat mode does not matter here: an enabled non-repeating schedule
// fires at its next matching day and is disabled by the fire itself.
func NextExecutionTime(s *models.Schedule, now time.Time) (time.Time, bool) {
	if !s.Enabled || len(s.DaysOfWeek) == 0 {
		return time.Time{}, false
	}

	from := now
	for i := 0; i < 8; i++ {
		at, ok := firstOnOrAfter(s, from)
		if !ok {
			return time.Time{}, false
		}
		if s.LastTriggeredAt == nil || s.LastTriggeredAt.Before(at) {
			return at, true
		}
		from = at.Add(time.Minute)
	}
	return time.Time{}, false
}

func firstOnOrAfter(s *models.Schedule, from time.Time) (time.Time, bool) {
	y, m, d := from.Date()
	for i := 0; i <= 7; i++ {
		at := time.Date(y, m, d+i, s.TimeOfDay.Hour, s.TimeOfDay.Minute, 0, 0, from.Location())
		if s.HasDay(at.Weekday()) && !at.Before(from) {
			return at, true
		}
	}
	return time.Time{}, false
}
