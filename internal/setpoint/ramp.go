// Package setpoint maintains per-(zone, setpoint-type) ramp state, smoothly
// interpolating between nominal setpoint values across a climate-mode
// transition instead of stepping instantly.
package setpoint

import (
	"time"

	"github.com/cea-systems/controld/internal/model"
)

// Engine owns ramp runtime state for every (zone, setpoint type) pair it
// has seen.
type Engine struct {
	states map[string]*model.RampState
	lastMode map[string]model.ClimateMode
}

// NewEngine returns an empty ramp engine.
func NewEngine() *Engine {
	return &Engine{
		states:   make(map[string]*model.RampState),
		lastMode: make(map[string]model.ClimateMode),
	}
}

func key(zone string, t model.SetpointType) string {
	return zone + "|" + string(t)
}

// Tick advances the ramp for (zone, setpointType) given the zone's current
// climate mode, the mode's nominal value, and the configured ramp-in
// duration, returning the effective value for this tick. fallback supplies
// a value to start a cold-ramp from when no latest sensor reading is
// available (per §4.7 step 1).
func (e *Engine) Tick(zone string, t model.SetpointType, now time.Time, mode model.ClimateMode, nominal float64, rampInDuration time.Duration, fallback func() (float64, bool)) float64 {
	k := key(zone, t)
	state, exists := e.states[k]
	prevMode, modeKnown := e.lastMode[k]
	modeChanged := modeKnown && prevMode != mode
	e.lastMode[k] = mode

	switch {
	case !exists:
		// Cold start: initialise with no spurious ramp (start == target).
		state = &model.RampState{
			Start:     nominal,
			Target:    nominal,
			RampStart: now,
			Duration:  rampInDuration,
			Effective: nominal,
		}
		e.states[k] = state

	case modeChanged:
		if state.Target == nominal {
			// Re-entering the same mode within the tick: keep state, only
			// the duration may need refreshing.
			state.Duration = rampInDuration
		} else {
			start := state.Effective
			if fallback != nil {
				if v, ok := fallback(); ok {
					start = v
				}
			}
			state.Start = start
			state.Target = nominal
			state.RampStart = now
			state.Duration = rampInDuration
		}

	case state.Target != nominal:
		// Target changed without an explicit mode change (e.g. an operator
		// edit mid-mode).
		state.Start = state.Effective
		state.Target = nominal
		state.RampStart = now
		state.Duration = rampInDuration

	case state.Duration != rampInDuration:
		// Only the configured duration changed: update in place.
		state.Duration = rampInDuration
	}

	return e.computeEffective(state, now)
}

func (e *Engine) computeEffective(state *model.RampState, now time.Time) float64 {
	if state.Duration <= 0 {
		state.Effective = state.Target
		state.Progress = nil
		return state.Effective
	}

	elapsed := now.Sub(state.RampStart)
	progress := elapsed.Minutes() / state.Duration.Minutes()
	if progress >= 1 {
		state.Effective = state.Target
		state.Progress = nil
		return state.Effective
	}
	if progress < 0 {
		progress = 0
	}
	p := progress
	state.Progress = &p
	state.Effective = state.Start + (state.Target-state.Start)*progress
	return state.Effective
}

// State returns the current ramp state for (zone, setpointType), if any.
func (e *Engine) State(zone string, t model.SetpointType) (model.RampState, bool) {
	s, ok := e.states[key(zone, t)]
	if !ok {
		return model.RampState{}, false
	}
	return *s, true
}
