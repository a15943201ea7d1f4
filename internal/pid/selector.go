package pid

import (
	"sort"
	"time"

	"github.com/cea-systems/controld/internal/model"
)

// outputThreshold is the minimum PID output a higher-priority setpoint must
// clear before it is allowed to win control of the device; below it,
// selection falls through to the next lower priority.
const outputThreshold = 0.5

// ValueFunc resolves the current value for a setpoint type, returning
// ok=false when no current or last-good reading is available. Callers are
// expected to have already applied the last-good-hold-period fallback
// (sensor:<zone>:<name>:last_good, default 30s) before returning ok=true.
type ValueFunc func(t model.SetpointType) (float64, bool)

// Selector owns one Controller per setpoint type a device can be driven by,
// and implements the priority-ordered fallthrough selection.
type Selector struct {
	controllers map[model.SetpointType]*Controller
	params      Params
}

// NewSelector returns a Selector whose controllers all start with the given
// parameters. Individual setpoint types can be retuned later via SetParams.
func NewSelector(p Params) *Selector {
	return &Selector{
		controllers: make(map[model.SetpointType]*Controller),
		params:      p,
	}
}

func (s *Selector) controllerFor(t model.SetpointType) *Controller {
	c, ok := s.controllers[t]
	if !ok {
		c = New(s.params)
		s.controllers[t] = c
	}
	return c
}

// SetParams retunes every setpoint type's controller, preserving integrator
// and PWM state.
func (s *Selector) SetParams(p Params) {
	s.params = p
	for _, c := range s.controllers {
		c.SetParams(p)
	}
}

// ResetIntegrators clears every setpoint type's integrator, e.g. on a
// climate-mode transition.
func (s *Selector) ResetIntegrators() {
	for _, c := range s.controllers {
		c.ResetIntegrator()
	}
}

// Result is the outcome of one priority-ordered selection pass.
type Result struct {
	SetpointType model.SetpointType
	Duty         float64
	On           bool
	Kp, Ki, Kd   float64
}

// Evaluate walks priorities highest-first, computing each candidate
// setpoint type's PID output in turn. The first output that clears
// outputThreshold wins. If none do, the last candidate actually evaluated
// (the lowest priority one reached) determines duty, matching a device with
// only a single low-priority setpoint still being driven by its own output.
// Candidates whose setpoint() or measured() report unavailable are skipped
// entirely and do not count as "evaluated".
func (s *Selector) Evaluate(now time.Time, priorities []model.SetpointPriority, setpoint, measured ValueFunc) (Result, bool) {
	ordered := make([]model.SetpointPriority, len(priorities))
	copy(ordered, priorities)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })

	var last *Result
	for _, p := range ordered {
		sp, ok := setpoint(p.Type)
		if !ok {
			continue
		}
		mv, ok := measured(p.Type)
		if !ok {
			continue
		}

		c := s.controllerFor(p.Type)
		duty := c.Compute(sp, mv, now)
		res := Result{
			SetpointType: p.Type,
			Duty:         duty,
			On:           c.PWMState(duty, now),
			Kp:           s.params.Kp,
			Ki:           s.params.Ki,
			Kd:           s.params.Kd,
		}
		last = &res

		if duty > outputThreshold {
			return res, true
		}
	}

	if last != nil {
		return *last, true
	}
	return Result{}, false
}
