// Package storage persists the time-series measurement history and the
// relational-shaped config/audit tables (setpoints, schedules, rules,
// interlocks, PID parameters, device mappings, config versions, device
// states, alarms, control history) in a single embedded BoltDB file.
//
// Each logical table from the schema is one bucket; rows are JSON-encoded
// and keyed by a sortable composite key so range scans return entries in
// chronological or natural sort order without a secondary index.
package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cea-systems/controld/internal/model"
)

const schemaVersion = "1"

var buckets = []string{
	"meta",
	"measurements",
	"zones",
	"devices",
	"sensors",
	"setpoints",
	"schedules",
	"rules",
	"interlocks",
	"pid_parameters",
	"device_mappings",
	"config_versions",
	"device_states",
	"alarms",
	"control_history",
	"automation_state",
}

// DB wraps a BoltDB handle with the CEA control-plane schema.
type DB struct {
	bolt *bolt.DB
}

// Open creates (if needed) and opens the database at path, creating all
// buckets and verifying/writing the schema version on first open.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage.Open: %w", err)
	}

	err = bdb.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		meta := tx.Bucket([]byte("meta"))
		existing := meta.Get([]byte("schema_version"))
		if existing == nil {
			return meta.Put([]byte("schema_version"), []byte(schemaVersion))
		}
		if string(existing) != schemaVersion {
			return fmt.Errorf("storage: schema version mismatch: have %q want %q", existing, schemaVersion)
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}

	return &DB{bolt: bdb}, nil
}

// Close closes the underlying BoltDB handle.
func (d *DB) Close() error {
	return d.bolt.Close()
}

func putJSON(tx *bolt.Tx, bucket, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(bucket)).Put([]byte(key), b)
}

func getJSON(tx *bolt.Tx, bucket, key string, v any) (bool, error) {
	raw := tx.Bucket([]byte(bucket)).Get([]byte(key))
	if raw == nil {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

// sortableTime formats a time for use as a leading key component so that
// byte-lexical order equals chronological order.
func sortableTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

// --- measurements -----------------------------------------------------

// measurementKey is (sensor_id, time) so PutMeasurement is idempotent on
// (time, sensor_id): writing the same frame twice overwrites the same key.
func measurementKey(sensorID string, t time.Time) string {
	return sensorID + "|" + sortableTime(t)
}

// MeasurementRow is one (time, sensor, value) sample.
type MeasurementRow struct {
	SensorID string    `json:"sensor_id"`
	Time     time.Time `json:"time"`
	Value    float64   `json:"value"`
	Status   string    `json:"status"`
}

// PutMeasurement upserts one measurement row, satisfying the idempotent
// ingest invariant: replaying the same (sensor, time) twice yields one row.
func (d *DB) PutMeasurement(row MeasurementRow) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, "measurements", measurementKey(row.SensorID, row.Time), row)
	})
}

// PutMeasurements upserts a batch of rows in a single transaction.
func (d *DB) PutMeasurements(rows []MeasurementRow) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		for _, row := range rows {
			if err := putJSON(tx, "measurements", measurementKey(row.SensorID, row.Time), row); err != nil {
				return err
			}
		}
		return nil
	})
}

// MeasurementsSince returns all rows for a sensor at or after `since`, in
// chronological order.
func (d *DB) MeasurementsSince(sensorID string, since time.Time) ([]MeasurementRow, error) {
	var out []MeasurementRow
	prefix := []byte(sensorID + "|")
	err := d.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte("measurements")).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var row MeasurementRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if !row.Time.Before(since) {
				out = append(out, row)
			}
		}
		return nil
	})
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// PruneMeasurementsBefore deletes all measurement rows older than cutoff.
func (d *DB) PruneMeasurementsBefore(cutoff time.Time) (int, error) {
	deleted := 0
	err := d.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("measurements"))
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var row MeasurementRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.Time.Before(cutoff) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// --- setpoints ----------------------------------------------------------

func setpointKey(zone string, mode model.ClimateMode) string {
	return zone + "|" + string(mode)
}

// PutSetpoint upserts a (zone, mode) setpoint row.
func (d *DB) PutSetpoint(sp model.Setpoint) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, "setpoints", setpointKey(sp.Zone, sp.Mode), sp)
	})
}

// GetSetpoint returns the row for (zone, mode), or ok=false if absent.
func (d *DB) GetSetpoint(zone string, mode model.ClimateMode) (model.Setpoint, bool, error) {
	var sp model.Setpoint
	var ok bool
	err := d.bolt.View(func(tx *bolt.Tx) error {
		var err error
		ok, err = getJSON(tx, "setpoints", setpointKey(zone, mode), &sp)
		return err
	})
	return sp, ok, err
}

// --- schedules ------------------------------------------------------------

func scheduleKey(id string) string { return id }

// PutSchedule upserts a schedule row by ID.
func (d *DB) PutSchedule(s model.Schedule) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, "schedules", scheduleKey(s.ID), s)
	})
}

// SchedulesForZoneDevice returns all schedules for a (zone, device) pair.
func (d *DB) SchedulesForZoneDevice(zone, device string) ([]model.Schedule, error) {
	var out []model.Schedule
	err := d.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte("schedules")).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var s model.Schedule
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			if s.Zone == zone && s.Device == device {
				out = append(out, s)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// DeleteSchedulesForZone removes every schedule belonging to a zone, used
// when a room schedule edit atomically deletes-and-recreates per-device
// schedules.
func (d *DB) DeleteSchedulesForZone(zone string) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("schedules"))
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var s model.Schedule
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			if s.Zone == zone {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- rules ------------------------------------------------------------

// PutRule upserts a rule row by ID.
func (d *DB) PutRule(r model.Rule) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, "rules", r.ID, r)
	})
}

// RulesForZone returns every enabled and disabled rule configured for a zone.
func (d *DB) RulesForZone(zone string) ([]model.Rule, error) {
	var out []model.Rule
	err := d.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte("rules")).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r model.Rule
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Zone == zone {
				out = append(out, r)
			}
		}
		return nil
	})
	return out, err
}

// --- interlocks ---------------------------------------------------------

// PutInterlock upserts an interlock pair by ID.
func (d *DB) PutInterlock(p model.InterlockPair) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, "interlocks", p.ID, p)
	})
}

// InterlocksForZone returns every interlock pair configured for a zone.
func (d *DB) InterlocksForZone(zone string) ([]model.InterlockPair, error) {
	var out []model.InterlockPair
	err := d.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte("interlocks")).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var p model.InterlockPair
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Zone == zone {
				out = append(out, p)
			}
		}
		return nil
	})
	return out, err
}

// --- pid parameters -----------------------------------------------------

// PIDParamsRow is the persisted per-device-type PID tuning row.
type PIDParamsRow struct {
	DeviceType string    `json:"device_type"`
	Kp         float64   `json:"kp"`
	Ki         float64   `json:"ki"`
	Kd         float64   `json:"kd"`
	Source     string    `json:"source"`
	UpdatedBy  string    `json:"updated_by"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PutPIDParams upserts the tuning row for a device type.
func (d *DB) PutPIDParams(row PIDParamsRow) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, "pid_parameters", row.DeviceType, row)
	})
}

// GetPIDParams returns the tuning row for a device type, ok=false if unset.
func (d *DB) GetPIDParams(deviceType string) (PIDParamsRow, bool, error) {
	var row PIDParamsRow
	var ok bool
	err := d.bolt.View(func(tx *bolt.Tx) error {
		var err error
		ok, err = getJSON(tx, "pid_parameters", deviceType, &row)
		return err
	})
	return row, ok, err
}

// --- device mappings ------------------------------------------------------

func deviceMappingKey(zone, role string) string { return zone + "|" + role }

// PutDeviceMapping upserts a (zone, role) -> sensor mapping.
func (d *DB) PutDeviceMapping(dm model.DeviceMapping) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, "device_mappings", deviceMappingKey(dm.Zone, dm.Role), dm)
	})
}

// GetDeviceMapping resolves a logical role to a concrete sensor name.
func (d *DB) GetDeviceMapping(zone, role string) (model.DeviceMapping, bool, error) {
	var dm model.DeviceMapping
	var ok bool
	err := d.bolt.View(func(tx *bolt.Tx) error {
		var err error
		ok, err = getJSON(tx, "device_mappings", deviceMappingKey(zone, role), &dm)
		return err
	})
	return dm, ok, err
}

// --- config versions ------------------------------------------------------

// AppendConfigVersion appends an audit row. Every config mutation calls
// this in the same transaction discipline as its own write.
func (d *DB) AppendConfigVersion(cv model.ConfigVersion) error {
	key := sortableTime(cv.Timestamp) + "|" + cv.VersionID
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, "config_versions", key, cv)
	})
}

// --- device states --------------------------------------------------------

func deviceStateKey(zone, device string) string { return zone + "|" + device }

// DeviceStateRow is the persisted relay state for a device.
type DeviceStateRow struct {
	Zone      string            `json:"zone"`
	Device    string            `json:"device"`
	Channel   int               `json:"channel"`
	State     int               `json:"state"`
	Mode      model.ControlMode `json:"mode"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// PutDeviceState upserts the current relay state for a device.
func (d *DB) PutDeviceState(row DeviceStateRow) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, "device_states", deviceStateKey(row.Zone, row.Device), row)
	})
}

// DeviceStatesForZone returns every device's persisted state in a zone, used
// to restore hardware-matching state on startup.
func (d *DB) DeviceStatesForZone(zone string) ([]DeviceStateRow, error) {
	var out []DeviceStateRow
	err := d.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte("device_states")).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var row DeviceStateRow
			if err := json.Unmarshal(v, &row); err != nil {
				return err
			}
			if row.Zone == zone {
				out = append(out, row)
			}
		}
		return nil
	})
	return out, err
}

// --- alarms -----------------------------------------------------------

// PutAlarm upserts the persisted copy of an alarm (mirrors the live cache's
// copy so alarm state survives a cache flush/restart).
func (d *DB) PutAlarm(a model.Alarm) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, "alarms", a.Zone+"|"+a.Name, a)
	})
}

// ActiveAlarmsForZone returns all alarms in a zone with Active==true.
func (d *DB) ActiveAlarmsForZone(zone string) ([]model.Alarm, error) {
	var out []model.Alarm
	err := d.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte("alarms")).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var a model.Alarm
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.Zone == zone && a.Active {
				out = append(out, a)
			}
		}
		return nil
	})
	return out, err
}

// --- control history / automation state ------------------------------------

// AppendControlHistory appends a time-series row of one control decision.
func (d *DB) AppendControlHistory(dec model.ControlDecision) error {
	key := sortableTime(dec.Timestamp) + "|" + dec.Zone + "|" + dec.Device
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, "control_history", key, dec)
	})
}

// AppendAutomationState appends a time-series snapshot row, used for the
// every-tick "log regardless of change" dashboard feed and for restoring a
// dimmable light's last duty cycle at startup.
func (d *DB) AppendAutomationState(dec model.ControlDecision) error {
	key := sortableTime(dec.Timestamp) + "|" + dec.Zone + "|" + dec.Device
	return d.bolt.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, "automation_state", key, dec)
	})
}

// LastDutyCycle returns the most recent non-null duty cycle percent logged
// for (zone, device) in automation_state, ok=false if none exists.
func (d *DB) LastDutyCycle(zone, device string) (float64, bool, error) {
	suffix := []byte("|" + zone + "|" + device)
	var best model.ControlDecision
	found := false
	err := d.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte("automation_state")).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if !hasSuffix(k, suffix) {
				continue
			}
			var dec model.ControlDecision
			if err := json.Unmarshal(v, &dec); err != nil {
				return err
			}
			best = dec
			found = true
			return nil
		}
		return nil
	})
	return best.Duty, found, err
}

func hasSuffix(b, suffix []byte) bool {
	if len(b) < len(suffix) {
		return false
	}
	return string(b[len(b)-len(suffix):]) == string(suffix)
}
