package schedule_test

import (
	"testing"
	"time"

	"github.com/cea-systems/controld/internal/model"
	"github.com/cea-systems/controld/internal/schedule"
)

func TestIsInRangeWrap(t *testing.T) {
	// start > end (overnight window 22:00-06:00 in minutes)
	s, e := 22*60, 6*60
	cases := []struct {
		minute int
		want   bool
	}{
		{23 * 60, true},
		{5 * 60, true},
		{6 * 60, false},
		{21 * 60, false},
	}
	for _, c := range cases {
		if got := schedule.IsInRange(c.minute, s, e); got != c.want {
			t.Errorf("IsInRange(%d, %d, %d) = %v, want %v", c.minute, s, e, got, c.want)
		}
	}
}

func TestIsInRangeEmptyInterval(t *testing.T) {
	if schedule.IsInRange(100, 50, 50) {
		t.Fatal("IsInRange with s==e must be false (empty interval)")
	}
}

func TestClimateModePriorityOrder(t *testing.T) {
	ds := schedule.DaySchedule{
		DayStartMinute:      8 * 60,
		DayEndMinute:        20 * 60,
		PreDayDurationMin:   60,
		PreNightDurationMin: 30,
	}
	// 7:30 -> PRE_DAY
	w, ok := schedule.ClimateMode(7*60+30, ds, true)
	if !ok || w.Mode != model.ModePreDay {
		t.Fatalf("expected PRE_DAY at 7:30, got %v", w.Mode)
	}
	// 12:00 -> DAY
	w, ok = schedule.ClimateMode(12*60, ds, true)
	if !ok || w.Mode != model.ModeDay {
		t.Fatalf("expected DAY at 12:00, got %v", w.Mode)
	}
	// 20:15 -> PRE_NIGHT
	w, ok = schedule.ClimateMode(20*60+15, ds, true)
	if !ok || w.Mode != model.ModePreNight {
		t.Fatalf("expected PRE_NIGHT at 20:15, got %v", w.Mode)
	}
	// 23:00 -> NIGHT
	w, ok = schedule.ClimateMode(23*60, ds, true)
	if !ok || w.Mode != model.ModeNight {
		t.Fatalf("expected NIGHT at 23:00, got %v", w.Mode)
	}
}

func TestClimateModeNoSchedule(t *testing.T) {
	_, ok := schedule.ClimateMode(12*60, schedule.DaySchedule{}, false)
	if ok {
		t.Fatal("expected no climate mode when no light schedule is configured")
	}
}

func TestScheduleWrapScenario(t *testing.T) {
	mon := time.Date(2026, 7, 27, 23, 30, 0, 0, time.UTC) // a Monday
	tueEarly := time.Date(2026, 7, 28, 5, 30, 0, 0, time.UTC)
	tueLate := time.Date(2026, 7, 28, 6, 30, 0, 0, time.UTC)

	dow := time.Monday
	s := model.Schedule{
		Enabled:     true,
		DayOfWeek:   &dow,
		StartMinute: 22 * 60,
		EndMinute:   6 * 60,
	}

	if !schedule.IsActive(s, mon) {
		t.Fatal("expected active at Mon 23:30")
	}
	if !schedule.IsActive(s, tueEarly) {
		t.Fatal("expected active at Tue 05:30 (rolled over from Monday)")
	}
	if schedule.IsActive(s, tueLate) {
		t.Fatal("expected inactive at Tue 06:30")
	}
}
