// Package rules evaluates prioritised if-then rules over current sensor
// values, optionally gated by an active schedule.
package rules

import (
	"math"

	"github.com/cea-systems/controld/internal/model"
)

// Match is one rule whose condition held this tick.
type Match struct {
	Device       string
	DesiredState int
	RuleID       string
	Priority     int
}

// ScheduleActive reports whether a schedule gating a rule's action device
// is currently active. Injected so this package has no dependency on the
// schedule package's clock-reading internals.
type ScheduleActive func(scheduleID, device string) bool

// Evaluate returns the single highest-priority rule whose condition holds,
// or ok=false if none match. Ties are broken arbitrarily (first found at
// that priority wins, mirroring an unordered iteration).
func Evaluate(rulesForZone []model.Rule, sensors map[string]float64, active ScheduleActive) (Match, bool) {
	var best *model.Rule
	for i := range rulesForZone {
		r := &rulesForZone[i]
		if !r.Enabled {
			continue
		}
		if r.ScheduleID != "" && active != nil && !active(r.ScheduleID, r.ActionDevice) {
			continue
		}
		v, ok := sensors[r.ConditionSensor]
		if !ok {
			continue
		}
		if !compare(v, r.ConditionOperator, r.ConditionValue) {
			continue
		}
		if best == nil || r.Priority > best.Priority {
			best = r
		}
	}
	if best == nil {
		return Match{}, false
	}
	return Match{
		Device:       best.ActionDevice,
		DesiredState: best.ActionState,
		RuleID:       best.ID,
		Priority:     best.Priority,
	}, true
}

func compare(v float64, op model.CompareOp, target float64) bool {
	switch op {
	case model.OpLT:
		return v < target
	case model.OpGT:
		return v > target
	case model.OpLE:
		return v <= target
	case model.OpGE:
		return v >= target
	case model.OpEQ:
		return math.Abs(v-target) < 0.01
	default:
		if fn, ok := lookupCustom(string(op)); ok {
			return fn(v, target)
		}
		return false
	}
}
