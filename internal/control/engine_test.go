package control

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/cea-systems/controld/internal/alarm"
	"github.com/cea-systems/controld/internal/cache"
	"github.com/cea-systems/controld/internal/interlock"
	"github.com/cea-systems/controld/internal/model"
	"github.com/cea-systems/controld/internal/schedule"
	"github.com/cea-systems/controld/internal/storage"
)

type fakeRelayWriter struct {
	writes map[string]bool // "zone|device" -> last commanded state
}

func newFakeRelayWriter() *fakeRelayWriter {
	return &fakeRelayWriter{writes: make(map[string]bool)}
}

func (f *fakeRelayWriter) Write(_ context.Context, zone, device string, on bool) error {
	f.writes[zone+"|"+device] = on
	return nil
}

type noopLightWriter struct{}

func (noopLightWriter) SetIntensity(_ context.Context, _, _ string, _ float64) error { return nil }

// newTestEngine wires an Engine against a miniredis instance and a temp
// BoltDB file so the pipeline can be exercised without a real cache/store.
func newTestEngine(t *testing.T) (*Engine, *fakeRelayWriter, *cache.Cache, *storage.DB) {
	t.Helper()

	mr := miniredis.RunT(t)
	c := cache.New(mr.Addr())

	db, err := storage.Open(t.TempDir() + "/control.db")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	writer := newFakeRelayWriter()
	il := interlock.NewManager(writer)
	al := alarm.NewManager()
	snap := NewSnapshot()

	e := NewEngine(snap, c, db, il, al, noopLightWriter{}, zap.NewNop(), nil)
	return e, writer, c, db
}

func noonDaySchedule() schedule.DaySchedule {
	return schedule.DaySchedule{DayStartMinute: 0, DayEndMinute: 1439, PreDayDurationMin: 0, PreNightDurationMin: 0}
}

func noon() time.Time {
	return time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
}

func TestTickDrivesPIDWhenNoRuleOrScheduleMatches(t *testing.T) {
	ctx := context.Background()
	e, writer, c, db := newTestEngine(t)

	heater := model.Device{
		Zone: "veg1", Name: "heat1", Type: model.DeviceHeater, PIDEnabled: true,
		PID:        &model.PIDConfig{Kp: 50, PWMPeriod: 10 * time.Second},
		Priorities: []model.SetpointPriority{{Type: model.SetpointHeating, Priority: 1}},
	}
	e.Interlock.RegisterDevice(heater)

	if err := db.PutDeviceMapping(model.DeviceMapping{Zone: "veg1", Role: string(model.SetpointHeating), Sensor: "temp1"}); err != nil {
		t.Fatalf("PutDeviceMapping: %v", err)
	}
	if err := c.PutSensor(ctx, "temp1", 20, noon()); err != nil {
		t.Fatalf("PutSensor: %v", err)
	}

	zc := &ZoneConfig{
		Zone:      "veg1",
		Day:       noonDaySchedule(),
		Devices:   []model.Device{heater},
		Setpoints: map[model.ClimateMode]model.Setpoint{model.ModeDay: {Zone: "veg1", Mode: model.ModeDay, Heating: 25}},
	}
	e.Snapshot.Set(zc)

	e.Tick(ctx, noon())

	on, ok := writer.writes["veg1|heat1"]
	if !ok {
		t.Fatalf("expected a relay write for heat1, got none")
	}
	if !on {
		t.Errorf("expected heater ON (measured 20 < setpoint 25, large error), got OFF")
	}

	relay, ok := e.Interlock.State("veg1", "heat1")
	if !ok || relay.State != 1 {
		t.Errorf("expected committed relay state ON, got %+v (ok=%v)", relay, ok)
	}
}

func TestTickRulePassTakesPrecedenceOverPID(t *testing.T) {
	ctx := context.Background()
	e, writer, c, _ := newTestEngine(t)

	heater := model.Device{
		Zone: "veg1", Name: "heat1", Type: model.DeviceHeater, PIDEnabled: true,
		PID:        &model.PIDConfig{Kp: 50, PWMPeriod: 10 * time.Second},
		Priorities: []model.SetpointPriority{{Type: model.SetpointHeating, Priority: 1}},
	}
	e.Interlock.RegisterDevice(heater)

	if err := c.PutSensor(ctx, "override_switch", 1, noon()); err != nil {
		t.Fatalf("PutSensor: %v", err)
	}

	zc := &ZoneConfig{
		Zone:      "veg1",
		Day:       noonDaySchedule(),
		Devices:   []model.Device{heater},
		Setpoints: map[model.ClimateMode]model.Setpoint{model.ModeDay: {Zone: "veg1", Mode: model.ModeDay, Heating: 25}},
		Rules: []model.Rule{{
			ID: "r1", Zone: "veg1", Enabled: true,
			ConditionSensor: "override_switch", ConditionOperator: model.OpGE, ConditionValue: 1,
			ActionDevice: "heat1", ActionState: 0, Priority: 10,
		}},
	}
	e.Snapshot.Set(zc)

	e.Tick(ctx, noon())

	on, ok := writer.writes["veg1|heat1"]
	if !ok {
		t.Fatalf("expected a relay write for heat1, got none")
	}
	if on {
		t.Errorf("expected rule pass to force heater OFF despite PID wanting it ON")
	}
}

func TestTickSchedulePassTurnsDeviceOn(t *testing.T) {
	ctx := context.Background()
	e, writer, _, _ := newTestEngine(t)

	fan := model.Device{Zone: "veg1", Name: "fan1", Type: model.DeviceFan}
	e.Interlock.RegisterDevice(fan)

	zc := &ZoneConfig{
		Zone:      "veg1",
		Day:       noonDaySchedule(),
		Devices:   []model.Device{fan},
		Setpoints: map[model.ClimateMode]model.Setpoint{model.ModeDay: {Zone: "veg1", Mode: model.ModeDay, VPD: 1.0}},
		Schedules: []model.Schedule{{
			ID: "s1", Zone: "veg1", Device: "fan1", Enabled: true,
			StartMinute: 0, EndMinute: 1439, ModeTag: model.ModeDay,
		}},
	}
	e.Snapshot.Set(zc)

	e.Tick(ctx, noon())

	on, ok := writer.writes["veg1|fan1"]
	if !ok {
		t.Fatalf("expected a relay write for fan1, got none")
	}
	if !on {
		t.Errorf("expected schedule pass to turn fan1 ON (ModeTag != NIGHT)")
	}
}

func TestTickSkipsDeviceInManualControlMode(t *testing.T) {
	ctx := context.Background()
	e, writer, _, _ := newTestEngine(t)

	fan := model.Device{Zone: "veg1", Name: "fan1", Type: model.DeviceFan}
	e.Interlock.RegisterDevice(fan)
	e.Interlock.RestoreState("veg1", "fan1", 1, model.ControlManual, noon())

	zc := &ZoneConfig{
		Zone:      "veg1",
		Day:       noonDaySchedule(),
		Devices:   []model.Device{fan},
		Setpoints: map[model.ClimateMode]model.Setpoint{model.ModeDay: {Zone: "veg1", Mode: model.ModeDay}},
		Schedules: []model.Schedule{{
			ID: "s1", Zone: "veg1", Device: "fan1", Enabled: true,
			StartMinute: 0, EndMinute: 1439, ModeTag: model.ModeNight,
		}},
	}
	e.Snapshot.Set(zc)

	e.Tick(ctx, noon())

	if _, ok := writer.writes["veg1|fan1"]; ok {
		t.Errorf("expected no relay write for a device in manual control mode, got one")
	}
}

func TestTickForcesFailsafeIndependentOfCacheModeTTL(t *testing.T) {
	ctx := context.Background()
	e, writer, _, _ := newTestEngine(t)

	fan := model.Device{Zone: "veg1", Name: "fan1", Type: model.DeviceFan, SafeState: 0}
	e.Interlock.RegisterDevice(fan)
	e.Interlock.RestoreState("veg1", "fan1", 1, model.ControlAuto, noon())

	zc := &ZoneConfig{
		Zone:      "veg1",
		Day:       noonDaySchedule(),
		Devices:   []model.Device{fan},
		Setpoints: map[model.ClimateMode]model.Setpoint{model.ModeDay: {Zone: "veg1", Mode: model.ModeDay}},
		Schedules: []model.Schedule{{
			ID: "s1", Zone: "veg1", Device: "fan1", Enabled: true,
			StartMinute: 0, EndMinute: 1439, ModeTag: model.ModeDay,
		}},
	}
	e.Snapshot.Set(zc)

	e.Alarms.Raise("veg1", "co2_sensor_offline", model.SeverityCritical, "sensor missing", noon())

	// mode:veg1 is absent entirely (simulating the 300s TTL having expired);
	// GetMode would report "auto" here if consulted, which must not happen.
	e.Tick(ctx, noon())

	on, ok := writer.writes["veg1|fan1"]
	if !ok {
		t.Fatalf("expected fan1 to be driven to its safe state on the latching tick")
	}
	if on {
		t.Errorf("expected fan1 forced to SafeState=0 (off) while latched, got ON")
	}

	relay, ok := e.Interlock.State("veg1", "fan1")
	if !ok || relay.State != 0 {
		t.Errorf("expected committed relay state to reflect the forced safe state, got %+v", relay)
	}

	// A second tick must not re-drive the device (only the entering
	// transition forces safe states), and must still skip automatic control.
	delete(writer.writes, "veg1|fan1")
	e.Tick(ctx, noon().Add(time.Second))
	if _, ok := writer.writes["veg1|fan1"]; ok {
		t.Errorf("expected no re-drive of fan1 on the second latched tick")
	}
}

func TestResolveSensorValueRaisesAndClearsOfflineAlarm(t *testing.T) {
	ctx := context.Background()
	e, _, c, _ := newTestEngine(t)

	if _, ok := e.resolveSensorValue(ctx, "veg1", "co2_sensor"); ok {
		t.Fatalf("expected unresolved sensor with no live or last-good value")
	}
	active := e.Alarms.Active("veg1")
	if len(active) != 1 || active[0].Name != "co2_sensor_offline" || active[0].Severity != model.SeverityWarning {
		t.Fatalf("expected a warning co2_sensor_offline alarm, got %+v", active)
	}

	if err := c.PutSensor(ctx, "co2_sensor", 800, noon()); err != nil {
		t.Fatalf("PutSensor: %v", err)
	}
	if v, ok := e.resolveSensorValue(ctx, "veg1", "co2_sensor"); !ok || v != 800 {
		t.Fatalf("expected resolved sensor value 800, got %v ok=%v", v, ok)
	}
	if active := e.Alarms.Active("veg1"); len(active) != 0 {
		t.Fatalf("expected the offline alarm cleared once the sensor recovered, got %+v", active)
	}
}

func TestResolveSensorValueEscalatesOfflineToCriticalAndLatchesCache(t *testing.T) {
	ctx := context.Background()
	e, _, c, _ := newTestEngine(t)
	e.HoldPeriod = time.Second

	if _, ok := e.resolveSensorValue(ctx, "veg1", "co2_sensor"); ok {
		t.Fatalf("expected unresolved sensor")
	}
	// Force the tracked since far enough in the past (relative to real
	// wall-clock, which resolveSensorValue's staleness tracking uses) to
	// cross the offlineCriticalMultiple*hold escalation threshold.
	e.missingSince["veg1|co2_sensor"] = time.Now().Add(-e.holdPeriod() * (offlineCriticalMultiple + 1))

	if _, ok := e.resolveSensorValue(ctx, "veg1", "co2_sensor"); ok {
		t.Fatalf("expected still-unresolved sensor")
	}

	active := e.Alarms.Active("veg1")
	if len(active) != 1 || active[0].Severity != model.SeverityCritical {
		t.Fatalf("expected the alarm to have escalated to critical, got %+v", active)
	}
	if !e.Alarms.IsLatched("veg1") {
		t.Fatalf("expected a critical offline alarm to latch failsafe")
	}

	mode, err := c.GetMode(ctx, "veg1")
	if err != nil || mode != model.OpFailsafe {
		t.Fatalf("expected cache mode:veg1 forced to failsafe, got %v err=%v", mode, err)
	}
	if _, err := c.GetFailsafe(ctx, "veg1"); err != nil {
		t.Fatalf("expected a failsafe blob stored in the cache: %v", err)
	}
}

func TestTickSkipsZoneInManualOperatingMode(t *testing.T) {
	ctx := context.Background()
	e, writer, c, _ := newTestEngine(t)

	fan := model.Device{Zone: "veg1", Name: "fan1", Type: model.DeviceFan}
	e.Interlock.RegisterDevice(fan)

	if err := c.PutMode(ctx, "veg1", model.OpManual); err != nil {
		t.Fatalf("PutMode: %v", err)
	}

	zc := &ZoneConfig{
		Zone:      "veg1",
		Day:       noonDaySchedule(),
		Devices:   []model.Device{fan},
		Setpoints: map[model.ClimateMode]model.Setpoint{model.ModeDay: {Zone: "veg1", Mode: model.ModeDay}},
		Schedules: []model.Schedule{{
			ID: "s1", Zone: "veg1", Device: "fan1", Enabled: true,
			StartMinute: 0, EndMinute: 1439, ModeTag: model.ModeDay,
		}},
	}
	e.Snapshot.Set(zc)

	e.Tick(ctx, noon())

	if _, ok := writer.writes["veg1|fan1"]; ok {
		t.Errorf("expected no relay write while zone operating mode is manual")
	}
}
