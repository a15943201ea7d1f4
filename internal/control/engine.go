// Package control is the 1Hz orchestrator tying the scheduler, setpoint
// ramp engine, rule evaluator, PID+PWM controllers, interlock/relay
// manager, and alarm/failsafe latch together into one per-zone,
// per-device decision pipeline, run once per update_interval (default
// 1s). Per-entity state is kept in maps owned by the loop, with
// structured per-tick logging and no shared mutable state crossing
// goroutine boundaries.
package control

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cea-systems/controld/internal/alarm"
	"github.com/cea-systems/controld/internal/cache"
	"github.com/cea-systems/controld/internal/interlock"
	"github.com/cea-systems/controld/internal/model"
	"github.com/cea-systems/controld/internal/observability"
	"github.com/cea-systems/controld/internal/pid"
	"github.com/cea-systems/controld/internal/schedule"
	"github.com/cea-systems/controld/internal/setpoint"
	"github.com/cea-systems/controld/internal/storage"
)

// DefaultUpdateInterval is the control loop cadence from §4.12.
const DefaultUpdateInterval = time.Second

// vpdHysteresis is the dead-band either side of the VPD setpoint before
// the VPD pass changes relay state.
const vpdHysteresis = 0.1

// heartbeatZone is the pseudo-zone alarms raised from heartbeat absence are
// filed under: producer liveness is facility-wide, not per-zone, and has no
// natural ZoneConfig to attach to.
const heartbeatZone = "system"

// monitoredProducers lists the heartbeat names §4.5 requires consumers to
// watch. WeatherProducer is deliberately excluded: it polls every 15
// minutes and writes no live keys, so heartbeat absence isn't meaningful
// for it.
var monitoredProducers = []string{"can_producer", "soil_producer"}

// LightWriter drives a dimmable light's DAC channel. Separate from the
// on/off Writer the interlock manager uses since dimming goes through a
// different board.
type LightWriter interface {
	SetIntensity(ctx context.Context, zone, device string, percent float64) error
}

// Engine runs one tick of the control pipeline across every configured
// zone.
type Engine struct {
	Snapshot  *Snapshot
	Cache     *cache.Cache
	DB        *storage.DB
	Interlock *interlock.Manager
	Alarms    *alarm.Manager
	Lights    LightWriter
	Log       *zap.Logger
	Metrics   *observability.Metrics

	// HoldPeriod overrides DefaultLastGoodHoldPeriod when positive, set
	// from control.last_good_hold_period in config.
	HoldPeriod time.Duration

	ramps          *setpoint.Engine
	pidSelectors   map[string]*pid.Selector
	lastMode       map[string]model.ClimateMode
	lastLoad       map[string]float64   // pidKey(zone,device) -> last commanded PID duty, for LoadOf
	failsafeActive map[string]bool      // zone -> latched last tick, to detect the entering transition
	missingSince   map[string]time.Time // zone|sensor -> first tick its value could not be resolved
}

// NewEngine wires an Engine from its collaborators. metrics may be nil, in
// which case the engine runs without instrumentation (e.g. in tests).
func NewEngine(snap *Snapshot, c *cache.Cache, db *storage.DB, il *interlock.Manager, al *alarm.Manager, lights LightWriter, log *zap.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		Snapshot:       snap,
		Cache:          c,
		DB:             db,
		Interlock:      il,
		Alarms:         al,
		Lights:         lights,
		Log:            log,
		Metrics:        metrics,
		ramps:          setpoint.NewEngine(),
		pidSelectors:   make(map[string]*pid.Selector),
		lastMode:       make(map[string]model.ClimateMode),
		lastLoad:       make(map[string]float64),
		failsafeActive: make(map[string]bool),
		missingSince:   make(map[string]time.Time),
	}
}

// LoadOf reports device d's current load percentage for the interlock
// manager: last commanded PID duty, or the dimmable-light intensity held
// in the cache. Wired via interlock.Manager.SetLoadOf during startup.
func (e *Engine) LoadOf(zone, device string) (float64, bool) {
	if duty, ok := e.lastLoad[pidKey(zone, device)]; ok {
		return duty, true
	}
	intensity, err := e.Cache.GetLight(context.Background(), zone, device)
	if err != nil {
		return 0, false
	}
	return intensity, true
}

// Tick runs one pass over every configured zone, serially, as the
// concurrency model requires (per-zone/per-device work is sequential;
// parallelism is unnecessary at 1Hz).
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	start := time.Now()
	e.checkHeartbeats(ctx, now)
	for _, zone := range e.Snapshot.Zones() {
		zc, ok := e.Snapshot.Zone(zone)
		if !ok {
			continue
		}
		e.tickZone(ctx, zc, now)
	}
	if e.Metrics != nil {
		e.Metrics.TicksTotal.Inc()
		e.Metrics.TickLatency.Observe(time.Since(start).Seconds())
	}
}

// checkHeartbeats raises <producer>_offline when a monitored producer's
// heartbeat key is absent (it expired: no beat within its TTL) or its age is
// at least 2x its TTL, per §4.5's "heartbeat absence may raise alarms" policy.
// It clears the alarm once the heartbeat resumes.
func (e *Engine) checkHeartbeats(ctx context.Context, now time.Time) {
	if e.Alarms == nil {
		return
	}
	for _, name := range monitoredProducers {
		age, err := e.Cache.HeartbeatAge(ctx, name)
		if err == nil && age < 2*cache.TTLHeartbeatProducer {
			e.clearOffline(heartbeatZone, name)
			continue
		}
		e.markOffline(ctx, heartbeatZone, name, cache.TTLHeartbeatProducer)
	}
}

func (e *Engine) tickZone(ctx context.Context, zc *ZoneConfig, now time.Time) {
	// The in-memory failsafe latch is authoritative and is checked before
	// anything in the cache: mode:<zone> carries a 300s TTL and would
	// silently expire back to "auto" while a critical alarm is still
	// active, which must never re-enable automatic control.
	if e.Alarms != nil {
		latched := e.Alarms.IsLatched(zc.Zone)
		wasLatched := e.failsafeActive[zc.Zone]
		e.failsafeActive[zc.Zone] = latched
		if latched {
			if !wasLatched {
				e.driveSafeStates(ctx, zc, now)
			}
			return
		}
	}

	opMode, err := e.Cache.GetMode(ctx, zc.Zone)
	if err != nil {
		e.Log.Warn("zone mode lookup failed, defaulting to auto", zap.String("zone", zc.Zone), zap.Error(err))
		opMode = model.OpAuto
	}
	if opMode == model.OpManual || opMode == model.OpFailsafe {
		// Manual intent is respected; failsafe already forced safe states
		// when it latched. No automatic control this tick.
		return
	}

	window, hasMode := schedule.ClimateMode(minuteOfDay(now), zc.Day, true)
	mode := model.ClimateMode("")
	if hasMode {
		mode = window.Mode
	}
	modeChanged := false
	if prev, known := e.lastMode[zc.Zone]; known && prev != mode {
		modeChanged = true
	}
	e.lastMode[zc.Zone] = mode

	nominal := zc.Setpoints[mode]
	effective := e.effectiveSetpoints(zc.Zone, mode, nominal, now)

	sensorMap := e.buildSensorMap(ctx, zc)

	for i := range zc.Devices {
		e.tickDevice(ctx, zc, &zc.Devices[i], mode, modeChanged, effective, nominal, sensorMap, now)
	}
}

// effectiveSetpoints advances the ramp engine for the heating, cooling,
// humidity and CO2 setpoints of a zone and returns the resulting effective
// values for this tick; VPD is returned at its nominal value, unramped.
func (e *Engine) effectiveSetpoints(zone string, mode model.ClimateMode, nominal model.Setpoint, now time.Time) model.Setpoint {
	dur := time.Duration(nominal.RampInDurationMinutes * float64(time.Minute))
	fallback := func() (float64, bool) { return 0, false }

	eff := model.Setpoint{Zone: zone, Mode: mode}
	eff.Heating = e.ramps.Tick(zone, model.SetpointHeating, now, mode, nominal.Heating, dur, fallback)
	eff.Cooling = e.ramps.Tick(zone, model.SetpointCooling, now, mode, nominal.Cooling, dur, fallback)
	eff.Humidity = e.ramps.Tick(zone, model.SetpointHumidity, now, mode, nominal.Humidity, dur, fallback)
	eff.CO2 = e.ramps.Tick(zone, model.SetpointCO2, now, mode, nominal.CO2, dur, fallback)
	// VPD deliberately uses the nominal value, not a ramped one; see the
	// documented on/off-branch divergence decision.
	eff.VPD = nominal.VPD
	return eff
}

func (e *Engine) buildSensorMap(ctx context.Context, zc *ZoneConfig) map[string]float64 {
	seen := make(map[string]bool)
	out := make(map[string]float64)
	for _, r := range zc.Rules {
		if seen[r.ConditionSensor] {
			continue
		}
		seen[r.ConditionSensor] = true
		if v, ok := e.resolveSensorValue(ctx, zc.Zone, r.ConditionSensor); ok {
			out[r.ConditionSensor] = v
		}
	}
	return out
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
