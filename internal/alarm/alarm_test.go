package alarm_test

import (
	"testing"
	"time"

	"github.com/cea-systems/controld/internal/alarm"
	"github.com/cea-systems/controld/internal/model"
)

func TestRaisePreservesSinceOnSecondRaise(t *testing.T) {
	m := alarm.NewManager()
	t0 := time.Now()
	a1, latched := m.Raise("flower", "high_temp", model.SeverityWarning, "35C", t0)
	if latched {
		t.Fatal("warning severity must not latch failsafe")
	}

	t1 := t0.Add(time.Minute)
	a2, _ := m.Raise("flower", "high_temp", model.SeverityCritical, "40C", t1)
	if !a2.Since.Equal(a1.Since) {
		t.Fatalf("expected since preserved across severity change, got %v want %v", a2.Since, a1.Since)
	}
	if a2.Severity != model.SeverityCritical {
		t.Fatalf("expected severity updated in place, got %v", a2.Severity)
	}
}

func TestRaiseCriticalLatchesFailsafe(t *testing.T) {
	m := alarm.NewManager()
	now := time.Now()
	_, latched := m.Raise("flower", "sensor_fault", model.SeverityCritical, "CAN bus down", now)
	if !latched {
		t.Fatal("expected critical alarm to latch failsafe")
	}
	if !m.IsLatched("flower") {
		t.Fatal("expected zone to report latched")
	}
}

func TestClearFailsafeBlockedByActiveCritical(t *testing.T) {
	m := alarm.NewManager()
	now := time.Now()
	m.Raise("flower", "sensor_fault", model.SeverityCritical, "CAN bus down", now)

	err := m.ClearFailsafe("flower")
	if err == nil {
		t.Fatal("expected ClearFailsafe to be rejected while a critical alarm remains active")
	}
}

func TestClearFailsafeSucceedsAfterAlarmCleared(t *testing.T) {
	m := alarm.NewManager()
	now := time.Now()
	m.Raise("flower", "sensor_fault", model.SeverityCritical, "CAN bus down", now)
	m.Clear("flower", "sensor_fault")

	if err := m.ClearFailsafe("flower"); err != nil {
		t.Fatalf("expected ClearFailsafe to succeed, got %v", err)
	}
	if m.IsLatched("flower") {
		t.Fatal("expected zone failsafe to be cleared")
	}
}

func TestAcknowledgeDoesNotChangeActive(t *testing.T) {
	m := alarm.NewManager()
	now := time.Now()
	m.Raise("veg", "low_humidity", model.SeverityWarning, "30%RH", now)

	a, ok := m.Acknowledge("veg", "low_humidity")
	if !ok {
		t.Fatal("expected acknowledge to find the alarm")
	}
	if !a.Acknowledged {
		t.Fatal("expected acknowledged=true")
	}
	if !a.Active {
		t.Fatal("acknowledge must not change active")
	}
}
