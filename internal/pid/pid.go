// Package pid implements per-device discrete PID control converted to slow
// software PWM, grounded on the facility's original per-device PID loop and
// adapted to a priority-ordered, multi-setpoint selection shape.
package pid

import (
	"time"
)

// Params holds tunable gains and the PWM period, hot-reloadable without
// resetting integrator state.
type Params struct {
	Kp        float64
	Ki        float64
	Kd        float64
	PWMPeriod time.Duration
}

// DefaultPWMPeriod is used when a device config omits one.
const DefaultPWMPeriod = 100 * time.Second

// dutyChangeThreshold restarts the PWM cycle timer only when duty crosses it,
// avoiding jitter restarts on tiny output fluctuations.
const dutyChangeThreshold = 0.1

// Controller is a single (zone, device, setpoint type) PID+PWM instance.
// Not safe for concurrent use; the control loop drives one per tick, serially.
type Controller struct {
	params Params

	integrator  float64
	lastError   float64
	hasLast     bool
	lastSample  time.Time

	dutyCycle    float64
	pwmStart     time.Time
	pwmStarted   bool
}

// New returns a Controller with zeroed runtime state.
func New(p Params) *Controller {
	if p.PWMPeriod <= 0 {
		p.PWMPeriod = DefaultPWMPeriod
	}
	return &Controller{params: p}
}

// SetParams hot-swaps gains/period without resetting the integrator or PWM
// cycle, matching the reload-without-discontinuity requirement.
func (c *Controller) SetParams(p Params) {
	if p.PWMPeriod <= 0 {
		p.PWMPeriod = c.params.PWMPeriod
	}
	c.params = p
}

// ResetIntegrator clears accumulated integral and derivative history. Called
// on a climate-mode transition to prevent windup carrying across day/night.
func (c *Controller) ResetIntegrator() {
	c.integrator = 0
	c.lastError = 0
	c.hasLast = false
}

// Compute advances the PID by one sample at time `now`, returning a duty
// cycle percentage in [0, 100]. dt is derived from the gap to the previous
// sample; the derivative term is skipped on the first call.
func (c *Controller) Compute(setpoint, measured float64, now time.Time) float64 {
	dt := 1.0
	if !c.lastSample.IsZero() {
		if d := now.Sub(c.lastSample).Seconds(); d > 0 {
			dt = d
		}
	}

	errVal := setpoint - measured
	p := c.params.Kp * errVal

	c.integrator += errVal * dt
	if c.integrator > 100 {
		c.integrator = 100
	} else if c.integrator < -100 {
		c.integrator = -100
	}
	i := c.params.Ki * c.integrator

	var d float64
	if c.hasLast && dt > 0 {
		d = c.params.Kd * (errVal - c.lastError) / dt
	}

	output := p + i + d
	if output < 0 {
		output = 0
	} else if output > 100 {
		output = 100
	}

	c.lastError = errVal
	c.hasLast = true
	c.lastSample = now

	return output
}

// PWMState reports whether the device should be ON at time `now` given the
// PID output computed this tick. Restarts the cycle timer when duty moves by
// more than dutyChangeThreshold.
func (c *Controller) PWMState(dutyPercent float64, now time.Time) bool {
	if abs(c.dutyCycle-dutyPercent) > dutyChangeThreshold {
		c.dutyCycle = dutyPercent
		c.pwmStart = now
		c.pwmStarted = true
	}
	if !c.pwmStarted {
		c.pwmStart = now
		c.pwmStarted = true
	}

	period := c.params.PWMPeriod
	if period <= 0 {
		period = DefaultPWMPeriod
	}
	elapsed := now.Sub(c.pwmStart)
	elapsed = elapsed % period
	onDuration := time.Duration(c.dutyCycle / 100 * float64(period))
	return elapsed < onDuration
}

// DutyCycle returns the last computed duty cycle percentage.
func (c *Controller) DutyCycle() float64 {
	return c.dutyCycle
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
