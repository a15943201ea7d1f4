package control

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cea-systems/controld/internal/cache"
	"github.com/cea-systems/controld/internal/model"
)

// DefaultLastGoodHoldPeriod is how long a last_good cache entry remains
// usable once its live sensor key has expired, absent an explicit
// Engine.HoldPeriod (§4.9 default).
const DefaultLastGoodHoldPeriod = 30 * time.Second

// offlineCriticalMultiple is how many multiples of the hold period a
// sensor must stay unresolvable before its <sensor>_offline alarm
// escalates from warning to critical, per the "escalating to critical"
// staleness policy.
const offlineCriticalMultiple = 4

func (e *Engine) holdPeriod() time.Duration {
	if e.HoldPeriod > 0 {
		return e.HoldPeriod
	}
	return DefaultLastGoodHoldPeriod
}

// resolveSensorValue reads a sensor's live value, falling back to its
// last-good cached reading if the live key has expired within the
// configured hold period, per the last-good fallback rule. A sensor that
// stays unresolvable raises a <sensor>_offline alarm; one that recovers
// clears it.
func (e *Engine) resolveSensorValue(ctx context.Context, zone, sensor string) (float64, bool) {
	hold := e.holdPeriod()
	v, err := e.Cache.GetSensor(ctx, sensor)
	if err == nil {
		_ = e.Cache.PutLastGood(ctx, zone, sensor, cache.LastGood{Value: v, Timestamp: time.Now()}, hold)
		e.clearOffline(zone, sensor)
		return v, true
	}

	lg, err := e.Cache.GetLastGood(ctx, zone, sensor)
	if err != nil || time.Since(lg.Timestamp) > hold {
		e.markOffline(ctx, zone, sensor, hold)
		return 0, false
	}
	return lg.Value, true
}

// markOffline raises (or re-raises, preserving since) the <sensor>_offline
// alarm for a sensor that has been unresolvable for at least hold, escalating
// to critical once it has stayed that way for offlineCriticalMultiple times
// the hold period. A critical raise force-syncs the zone's failsafe state
// into the cache so a status read reflects it even past mode:<zone>'s TTL.
func (e *Engine) markOffline(ctx context.Context, zone, sensor string, hold time.Duration) {
	if e.Alarms == nil {
		return
	}
	k := zone + "|" + sensor
	now := time.Now()
	since, tracked := e.missingSince[k]
	if !tracked {
		since = now
		e.missingSince[k] = since
	}

	severity := model.SeverityWarning
	if now.Sub(since) >= hold*offlineCriticalMultiple {
		severity = model.SeverityCritical
	}

	name := sensor + "_offline"
	a, latched := e.Alarms.Raise(zone, name, severity, "sensor missing beyond last-good hold period", since)
	if err := e.Cache.PutAlarm(ctx, a); err != nil {
		e.Log.Warn("offline alarm cache write failed", zap.Error(err), zap.String("zone", zone), zap.String("sensor", sensor))
	}
	if latched {
		e.syncFailsafeCache(ctx, zone)
	}
}

// clearOffline clears a previously-raised <sensor>_offline alarm once its
// sensor resolves again. Safe to call unconditionally.
func (e *Engine) clearOffline(zone, sensor string) {
	if e.Alarms == nil {
		return
	}
	k := zone + "|" + sensor
	if _, tracked := e.missingSince[k]; !tracked {
		return
	}
	delete(e.missingSince, k)
	e.Alarms.Clear(zone, sensor+"_offline")
}

// syncFailsafeCache mirrors the in-memory failsafe latch into the cache so
// an operator status read sees "failsafe" immediately, independent of
// mode:<zone>'s TTL.
func (e *Engine) syncFailsafeCache(ctx context.Context, zone string) {
	fs, ok := e.Alarms.Failsafe(zone)
	if !ok {
		return
	}
	if err := e.Cache.LatchFailsafe(ctx, fs); err != nil {
		e.Log.Warn("failsafe cache latch failed", zap.Error(err), zap.String("zone", zone))
	}
}

// resolveSetpointSensor resolves the live/last-good sensor value bound to a
// setpoint type via the zone's device mapping table (role -> sensor name).
func (e *Engine) resolveSetpointSensor(ctx context.Context, zone string, t model.SetpointType) (float64, bool) {
	dm, ok, err := e.DB.GetDeviceMapping(zone, string(t))
	if err != nil || !ok {
		return 0, false
	}
	return e.resolveSensorValue(ctx, zone, dm.Sensor)
}
