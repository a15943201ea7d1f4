package schedule

import (
	"time"

	"github.com/cea-systems/controld/internal/model"
)

func clamp01to100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// LightIntensity computes a dimmable device's target intensity during an
// active schedule window, applying ramp-up near the start and ramp-down
// near the end of the window.
//
// minutesSinceStart and minutesUntilEnd are computed on the 0..1440 ring by
// the caller (accounting for overnight wrap) and must both be >= 0 while
// the schedule is active.
func LightIntensity(s model.Schedule, currentIntensity float64, minutesSinceStart, minutesUntilEnd float64) float64 {
	if s.TargetIntensity == nil {
		return currentIntensity
	}
	target := *s.TargetIntensity

	if s.RampUpMinutes > 0 && minutesSinceStart < s.RampUpMinutes {
		progress := minutesSinceStart / s.RampUpMinutes
		return clamp01to100(currentIntensity + (target-currentIntensity)*progress)
	}

	if s.RampDownMinutes > 0 && minutesUntilEnd < s.RampDownMinutes {
		progress := minutesUntilEnd / s.RampDownMinutes
		return clamp01to100(currentIntensity * progress)
	}

	return clamp01to100(target)
}

// MinutesSinceStart and MinutesUntilEnd compute ring-aware elapsed/remaining
// minutes for a schedule window at `now`, handling overnight wrap.
func MinutesSinceStart(s model.Schedule, now time.Time) float64 {
	t := minuteOfDay(now)
	if s.StartMinute <= s.EndMinute {
		return float64(t - s.StartMinute)
	}
	if t >= s.StartMinute {
		return float64(t - s.StartMinute)
	}
	return float64(t + minutesPerDay - s.StartMinute)
}

func MinutesUntilEnd(s model.Schedule, now time.Time) float64 {
	t := minuteOfDay(now)
	if s.StartMinute <= s.EndMinute {
		return float64(s.EndMinute - t)
	}
	if t < s.EndMinute {
		return float64(s.EndMinute - t)
	}
	return float64(s.EndMinute + minutesPerDay - t)
}
