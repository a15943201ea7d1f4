package rules_test

import (
	"testing"

	"github.com/cea-systems/controld/internal/model"
	"github.com/cea-systems/controld/internal/rules"
)

func TestEvaluateHighestPriorityWins(t *testing.T) {
	rulesForZone := []model.Rule{
		{ID: "r1", Enabled: true, ConditionSensor: "co2", ConditionOperator: model.OpGT, ConditionValue: 1000, ActionDevice: "vent", ActionState: 1, Priority: 1},
		{ID: "r2", Enabled: true, ConditionSensor: "co2", ConditionOperator: model.OpGT, ConditionValue: 500, ActionDevice: "vent", ActionState: 2, Priority: 5},
	}
	sensors := map[string]float64{"co2": 1200}

	m, ok := rules.Evaluate(rulesForZone, sensors, nil)
	if !ok {
		t.Fatal("expected a match")
	}
	if m.RuleID != "r2" {
		t.Fatalf("expected higher-priority rule r2 to win, got %s", m.RuleID)
	}
}

func TestEvaluateSkipsDisabledRules(t *testing.T) {
	rulesForZone := []model.Rule{
		{ID: "r1", Enabled: false, ConditionSensor: "co2", ConditionOperator: model.OpGT, ConditionValue: 100, ActionDevice: "vent", Priority: 10},
	}
	sensors := map[string]float64{"co2": 1200}

	_, ok := rules.Evaluate(rulesForZone, sensors, nil)
	if ok {
		t.Fatal("expected no match since the only rule is disabled")
	}
}

func TestEvaluateSkipsMissingSensor(t *testing.T) {
	rulesForZone := []model.Rule{
		{ID: "r1", Enabled: true, ConditionSensor: "missing", ConditionOperator: model.OpGT, ConditionValue: 100, ActionDevice: "vent", Priority: 10},
	}
	sensors := map[string]float64{"co2": 1200}

	_, ok := rules.Evaluate(rulesForZone, sensors, nil)
	if ok {
		t.Fatal("expected no match since the condition sensor has no reading")
	}
}

func TestEvaluateGatedBySchedule(t *testing.T) {
	rulesForZone := []model.Rule{
		{ID: "r1", Enabled: true, ConditionSensor: "co2", ConditionOperator: model.OpGT, ConditionValue: 100, ActionDevice: "vent", Priority: 10, ScheduleID: "day"},
	}
	sensors := map[string]float64{"co2": 1200}

	inactive := func(scheduleID, device string) bool { return false }
	if _, ok := rules.Evaluate(rulesForZone, sensors, inactive); ok {
		t.Fatal("expected no match while the gating schedule is inactive")
	}

	active := func(scheduleID, device string) bool { return scheduleID == "day" && device == "vent" }
	if _, ok := rules.Evaluate(rulesForZone, sensors, active); !ok {
		t.Fatal("expected a match once the gating schedule is active")
	}
}

func TestCompareOperators(t *testing.T) {
	cases := []struct {
		op     model.CompareOp
		v      float64
		target float64
		want   bool
	}{
		{model.OpLT, 1, 2, true},
		{model.OpLT, 2, 2, false},
		{model.OpGT, 3, 2, true},
		{model.OpLE, 2, 2, true},
		{model.OpGE, 2, 2, true},
		{model.OpEQ, 2.004, 2, true},
		{model.OpEQ, 2.1, 2, false},
	}
	for _, c := range cases {
		rulesForZone := []model.Rule{
			{ID: "r", Enabled: true, ConditionSensor: "x", ConditionOperator: c.op, ConditionValue: c.target, ActionDevice: "d", Priority: 1},
		}
		_, ok := rules.Evaluate(rulesForZone, map[string]float64{"x": c.v}, nil)
		if ok != c.want {
			t.Fatalf("op %s v=%v target=%v: got %v, want %v", c.op, c.v, c.target, ok, c.want)
		}
	}
}

func TestCustomOperatorRegistry(t *testing.T) {
	rules.RegisterOperator("within_band", func(v, target float64) bool {
		const band = 0.5
		return v >= target-band && v <= target+band
	})

	rulesForZone := []model.Rule{
		{ID: "r1", Enabled: true, ConditionSensor: "vpd", ConditionOperator: "within_band", ConditionValue: 1.0, ActionDevice: "fan", Priority: 1},
	}

	if _, ok := rules.Evaluate(rulesForZone, map[string]float64{"vpd": 1.2}, nil); !ok {
		t.Fatal("expected within_band to match a reading inside the band")
	}
	if _, ok := rules.Evaluate(rulesForZone, map[string]float64{"vpd": 3.0}, nil); ok {
		t.Fatal("expected within_band to reject a reading outside the band")
	}
}

func TestUnknownOperatorNeverMatches(t *testing.T) {
	rulesForZone := []model.Rule{
		{ID: "r1", Enabled: true, ConditionSensor: "x", ConditionOperator: "nonexistent", ConditionValue: 1, ActionDevice: "d", Priority: 1},
	}
	if _, ok := rules.Evaluate(rulesForZone, map[string]float64{"x": 1}, nil); ok {
		t.Fatal("expected no match for an unregistered operator name")
	}
}
