package schedule

import (
	"time"

	"github.com/cea-systems/controld/internal/model"
)

// minuteOfDay returns t's wall-clock minute within its day.
func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// IsActive reports whether a device schedule is active at `now`, handling
// both daily schedules and day-of-week schedules that wrap past midnight.
func IsActive(s model.Schedule, now time.Time) bool {
	if !s.Enabled {
		return false
	}

	t := minuteOfDay(now)

	if s.DayOfWeek == nil {
		return IsInRange(t, s.StartMinute, s.EndMinute)
	}

	today := now.Weekday()
	scheduled := *s.DayOfWeek

	if today == scheduled {
		if s.StartMinute <= s.EndMinute {
			return IsInRange(t, s.StartMinute, s.EndMinute)
		}
		// Overnight: active from start through midnight.
		return t >= s.StartMinute
	}

	// Overnight schedules also remain active into the next calendar day,
	// from midnight until EndMinute.
	if s.StartMinute > s.EndMinute && today == scheduled+1 {
		return t < s.EndMinute
	}
	if scheduled == time.Saturday && today == time.Sunday && s.StartMinute > s.EndMinute {
		return t < s.EndMinute
	}

	return false
}

// DesiredState is the on/off schedule's output: ON unless the schedule's
// mode tag is NIGHT.
func DesiredState(s model.Schedule) int {
	if s.ModeTag == model.ModeNight {
		return 0
	}
	return 1
}
