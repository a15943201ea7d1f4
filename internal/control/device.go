package control

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cea-systems/controld/internal/model"
	"github.com/cea-systems/controld/internal/pid"
	"github.com/cea-systems/controld/internal/rules"
	"github.com/cea-systems/controld/internal/schedule"
)

func pidKey(zone, device string) string { return zone + "|" + device }

func (e *Engine) selectorFor(zone, device string, cfg *model.PIDConfig) *pid.Selector {
	k := pidKey(zone, device)
	s, ok := e.pidSelectors[k]
	if !ok {
		params := pid.Params{PWMPeriod: pid.DefaultPWMPeriod}
		if cfg != nil {
			params = pid.Params{Kp: cfg.Kp, Ki: cfg.Ki, Kd: cfg.Kd, PWMPeriod: cfg.PWMPeriod}
		}
		s = pid.NewSelector(params)
		e.pidSelectors[k] = s
	}
	return s
}

// tickDevice runs one device through the rule > schedule > PID > VPD
// pipeline, stopping at the first pass that produces a decision.
func (e *Engine) tickDevice(ctx context.Context, zc *ZoneConfig, d *model.Device, mode model.ClimateMode, modeChanged bool, effective, nominal model.Setpoint, sensorMap map[string]float64, now time.Time) {
	if d.PIDEnabled && modeChanged {
		e.selectorFor(zc.Zone, d.Name, d.PID).ResetIntegrators()
	}

	// Per-device control mode is read from the last committed relay state;
	// absence implies auto.
	if state, ok := e.Interlock.State(zc.Zone, d.Name); ok && state.ControlMode == model.ControlManual {
		return
	}

	scheduleActive := func(scheduleID, device string) bool {
		for _, s := range zc.Schedules {
			if s.ID == scheduleID && s.Device == device {
				return schedule.IsActive(s, now)
			}
		}
		return false
	}

	if match, ok := rules.Evaluate(zc.Rules, sensorMap, scheduleActive); ok && match.Device == d.Name {
		e.applyState(ctx, zc.Zone, d.Name, match.DesiredState, "rule", now)
		return
	}

	if e.schedulePass(ctx, zc, d, now) {
		return
	}

	if d.PIDEnabled {
		e.pidPass(ctx, zc.Zone, d, effective, now)
		return
	}

	e.vpdPass(ctx, zc.Zone, d, nominal, sensorMap, now)
}

// schedulePass returns true if an on/off or dimmable-light schedule is
// active for d and was applied, per §4.12 step 4.
func (e *Engine) schedulePass(ctx context.Context, zc *ZoneConfig, d *model.Device, now time.Time) bool {
	for _, s := range zc.Schedules {
		if s.Device != d.Name || !schedule.IsActive(s, now) {
			continue
		}

		if d.Dim != nil && s.TargetIntensity != nil {
			current, err := e.Cache.GetLight(ctx, zc.Zone, d.Name)
			if err != nil {
				current = 0
			}
			since := schedule.MinutesSinceStart(s, now)
			until := schedule.MinutesUntilEnd(s, now)
			intensity := schedule.LightIntensity(s, current, since, until)

			if e.Lights != nil {
				if err := e.Lights.SetIntensity(ctx, zc.Zone, d.Name, intensity); err != nil {
					e.Log.Warn("light intensity write failed", zap.Error(err), zap.String("zone", zc.Zone), zap.String("device", d.Name))
				}
			}
			if err := e.Cache.PutLight(ctx, zc.Zone, d.Name, intensity); err != nil {
				e.Log.Warn("light cache write failed", zap.Error(err))
			}

			state := 0
			if intensity > 0 {
				state = 1
			}
			e.applyState(ctx, zc.Zone, d.Name, state, "schedule", now)
			return true
		}

		e.applyState(ctx, zc.Zone, d.Name, schedule.DesiredState(s), "schedule", now)
		return true
	}
	return false
}

func (e *Engine) pidPass(ctx context.Context, zone string, d *model.Device, effective model.Setpoint, now time.Time) {
	sel := e.selectorFor(zone, d.Name, d.PID)

	setpointOf := func(t model.SetpointType) (float64, bool) {
		switch t {
		case model.SetpointHeating:
			return effective.Heating, true
		case model.SetpointCooling:
			return effective.Cooling, true
		case model.SetpointHumidity:
			return effective.Humidity, true
		case model.SetpointCO2:
			return effective.CO2, true
		case model.SetpointVPD:
			return effective.VPD, true
		}
		return 0, false
	}
	measuredOf := func(t model.SetpointType) (float64, bool) {
		return e.resolveSetpointSensor(ctx, zone, t)
	}

	res, ok := sel.Evaluate(now, d.Priorities, setpointOf, measuredOf)
	if !ok {
		return
	}

	state := 0
	if res.On {
		state = 1
	}
	duty := res.Duty
	e.applyStateWithDuty(ctx, zone, d.Name, state, "pid", duty, now, true)
}

func (e *Engine) vpdPass(ctx context.Context, zone string, d *model.Device, nominal model.Setpoint, sensorMap map[string]float64, now time.Time) {
	if d.Type != model.DeviceFan && d.Type != model.DeviceDehumidifier {
		return
	}
	vpd, ok := e.resolveSetpointSensor(ctx, zone, model.SetpointVPD)
	if !ok {
		return
	}

	prev, known := e.Interlock.State(zone, d.Name)
	state := 0
	if known {
		state = prev.State
	}

	switch {
	case vpd < nominal.VPD-vpdHysteresis:
		state = 1
	case vpd >= nominal.VPD+vpdHysteresis:
		state = 0
	}
	e.applyState(ctx, zone, d.Name, state, "vpd_control", now)
}

// driveSafeStates forces every device in zc to its configured SafeState,
// bypassing interlocks, on the tick a zone's failsafe latch engages. Run
// once per latch (not every tick): it is the "force safe outputs" action
// invariant 3 requires, not a continuous re-assertion.
func (e *Engine) driveSafeStates(ctx context.Context, zc *ZoneConfig, now time.Time) {
	e.Log.Warn("zone entering failsafe, driving devices to safe state", zap.String("zone", zc.Zone))
	for i := range zc.Devices {
		d := &zc.Devices[i]
		e.applyStateWithDuty(ctx, zc.Zone, d.Name, d.SafeState, "failsafe", 0, now, false)
	}
}

func (e *Engine) applyState(ctx context.Context, zone, device string, state int, reason string, now time.Time) {
	e.applyStateWithDuty(ctx, zone, device, state, reason, 0, now, true)
}

func (e *Engine) applyStateWithDuty(ctx context.Context, zone, device string, state int, reason string, duty float64, now time.Time, checkInterlock bool) {
	ok, blockReason, err := e.Interlock.Set(ctx, zone, device, state, model.ControlAuto, checkInterlock, nil)
	if err != nil {
		e.Log.Warn("device write failed", zap.Error(err), zap.String("zone", zone), zap.String("device", device))
	}
	if !ok && blockReason != "" {
		e.Log.Debug("device control blocked", zap.String("zone", zone), zap.String("device", device), zap.String("reason", blockReason))
		if e.Metrics != nil && blockReason != "unknown device" && blockReason != "hardware" {
			e.Metrics.InterlockBlocksTotal.WithLabelValues(zone, device).Inc()
		}
	}
	if reason == "pid" {
		e.lastLoad[pidKey(zone, device)] = duty
	}
	if e.Metrics != nil {
		e.Metrics.ControlDecisionsTotal.WithLabelValues(reason).Inc()
		if reason == "pid" {
			e.Metrics.PIDDutyPercent.WithLabelValues(zone, device).Set(duty)
		}
	}

	relay := model.RelayState{Zone: zone, Device: device, State: state, ControlMode: model.ControlAuto, UpdatedAt: now}
	if err := e.Cache.PutAutomationState(ctx, zone, device, relay); err != nil {
		e.Log.Warn("automation state cache write failed", zap.Error(err))
	}

	decision := model.ControlDecision{Zone: zone, Device: device, State: state, Reason: reason, Duty: duty, Timestamp: now}
	if err := e.DB.AppendAutomationState(decision); err != nil {
		e.Log.Warn("automation state store write failed", zap.Error(err))
	}
	if err := e.DB.AppendControlHistory(decision); err != nil {
		e.Log.Warn("control history write failed", zap.Error(err))
	}
}
