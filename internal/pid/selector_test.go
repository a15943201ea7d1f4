package pid_test

import (
	"testing"
	"time"

	"github.com/cea-systems/controld/internal/model"
	"github.com/cea-systems/controld/internal/pid"
)

func TestSelectorHigherPriorityWinsWhenAboveThreshold(t *testing.T) {
	s := pid.NewSelector(pid.Params{Kp: 1, Ki: 0, Kd: 0, PWMPeriod: 100 * time.Second})
	priorities := []model.SetpointPriority{
		{Type: model.SetpointCooling, Priority: 10},
		{Type: model.SetpointVPD, Priority: 5},
	}
	setpoint := func(typ model.SetpointType) (float64, bool) {
		switch typ {
		case model.SetpointCooling:
			return 24, true
		case model.SetpointVPD:
			return 1.2, true
		}
		return 0, false
	}
	measured := func(typ model.SetpointType) (float64, bool) {
		switch typ {
		case model.SetpointCooling:
			return 0, true // error 24 with Kp 1 -> output 24, well above threshold
		case model.SetpointVPD:
			return 0, true
		}
		return 0, false
	}

	res, ok := s.Evaluate(time.Now(), priorities, setpoint, measured)
	if !ok {
		t.Fatal("expected a selection")
	}
	if res.SetpointType != model.SetpointCooling {
		t.Fatalf("expected cooling to win (higher priority, output above threshold), got %v", res.SetpointType)
	}
}

func TestSelectorFallsThroughWhenBelowThreshold(t *testing.T) {
	s := pid.NewSelector(pid.Params{Kp: 0.0001, Ki: 0, Kd: 0, PWMPeriod: 100 * time.Second})
	priorities := []model.SetpointPriority{
		{Type: model.SetpointCooling, Priority: 10},
		{Type: model.SetpointVPD, Priority: 5},
	}
	setpoint := func(typ model.SetpointType) (float64, bool) {
		switch typ {
		case model.SetpointCooling:
			return 24, true
		case model.SetpointVPD:
			return 1.2, true
		}
		return 0, false
	}
	measured := func(typ model.SetpointType) (float64, bool) {
		switch typ {
		case model.SetpointCooling:
			return 24, true // tiny error -> negligible cooling output, below threshold
		case model.SetpointVPD:
			return 0, true // vpd output (Kp 0.0001 x 1.2) is also below threshold; as the last candidate evaluated it is selected
		}
		return 0, false
	}

	res, ok := s.Evaluate(time.Now(), priorities, setpoint, measured)
	if !ok {
		t.Fatal("expected a selection")
	}
	if res.SetpointType != model.SetpointVPD {
		t.Fatalf("expected fallthrough to vpd when cooling output is below threshold, got %v", res.SetpointType)
	}
}

func TestSelectorSkipsMissingSensor(t *testing.T) {
	s := pid.NewSelector(pid.Params{Kp: 1, PWMPeriod: 100 * time.Second})
	priorities := []model.SetpointPriority{
		{Type: model.SetpointCooling, Priority: 10},
		{Type: model.SetpointHumidity, Priority: 5},
	}
	setpoint := func(typ model.SetpointType) (float64, bool) {
		if typ == model.SetpointHumidity {
			return 60, true
		}
		return 0, false // cooling setpoint unavailable
	}
	measured := func(typ model.SetpointType) (float64, bool) {
		if typ == model.SetpointHumidity {
			return 0, true
		}
		return 0, false
	}

	res, ok := s.Evaluate(time.Now(), priorities, setpoint, measured)
	if !ok {
		t.Fatal("expected a selection from the remaining candidate")
	}
	if res.SetpointType != model.SetpointHumidity {
		t.Fatalf("expected humidity candidate since cooling is unavailable, got %v", res.SetpointType)
	}
}
