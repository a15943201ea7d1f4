package pid_test

import (
	"testing"
	"time"

	"github.com/cea-systems/controld/internal/pid"
)

func TestComputeClampsOutput(t *testing.T) {
	c := pid.New(pid.Params{Kp: 1000, Ki: 0, Kd: 0, PWMPeriod: 100 * time.Second})
	t0 := time.Now()
	out := c.Compute(30, 0, t0) // huge error, should clamp at 100
	if out != 100 {
		t.Fatalf("expected clamp to 100, got %v", out)
	}
}

func TestIntegratorAntiWindup(t *testing.T) {
	c := pid.New(pid.Params{Kp: 0, Ki: 1000, Kd: 0, PWMPeriod: 100 * time.Second})
	t0 := time.Now()
	for i := 0; i < 20; i++ {
		c.Compute(50, 0, t0.Add(time.Duration(i)*time.Second))
	}
	// Integrator itself must never exceed 100 in magnitude, regardless of
	// how large ki pushes the unclamped output.
	out := c.Compute(50, 0, t0.Add(20*time.Second))
	if out != 100 {
		t.Fatalf("expected output clamped at 100, got %v", out)
	}
}

func TestResetIntegratorClearsHistory(t *testing.T) {
	c := pid.New(pid.Params{Kp: 0, Ki: 1, Kd: 5, PWMPeriod: 100 * time.Second})
	t0 := time.Now()
	c.Compute(50, 40, t0)
	c.ResetIntegrator()
	// With derivative history cleared, the next compute should behave as a
	// first sample (no D term contribution from the pre-reset error).
	out := c.Compute(50, 40, t0.Add(time.Second))
	if out < 0 || out > 100 {
		t.Fatalf("output out of bounds after reset: %v", out)
	}
}

func TestPWMDutyConservation(t *testing.T) {
	c := pid.New(pid.Params{PWMPeriod: 100 * time.Second})
	t0 := time.Now()

	onSeconds := 0
	const duty = 40.0
	for i := 0; i < 100; i++ {
		now := t0.Add(time.Duration(i) * time.Second)
		if c.PWMState(duty, now) {
			onSeconds++
		}
	}
	if onSeconds < 39 || onSeconds > 41 {
		t.Fatalf("expected ~40 ON seconds out of 100 at duty=40, got %d", onSeconds)
	}
}

func TestPWMRestartsOnDutyChange(t *testing.T) {
	c := pid.New(pid.Params{PWMPeriod: 100 * time.Second})
	t0 := time.Now()
	c.PWMState(10, t0)
	// Small change below threshold: no restart.
	on := c.PWMState(10.05, t0.Add(50*time.Second))
	_ = on
	if c.DutyCycle() != 10 {
		t.Fatalf("expected duty to remain 10 for sub-threshold change, got %v", c.DutyCycle())
	}
	// Large change: restarts cycle and duty updates.
	c.PWMState(60, t0.Add(50*time.Second))
	if c.DutyCycle() != 60 {
		t.Fatalf("expected duty to update to 60, got %v", c.DutyCycle())
	}
}
