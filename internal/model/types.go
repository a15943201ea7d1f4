// Package model holds the shared data types for the CEA control plane:
// zones, devices, sensors, setpoints, schedules, rules, interlocks, relay
// and alarm state. Every other internal package imports this one instead
// of redeclaring the same shapes.
package model

import "time"

// ClimateMode is the wall-clock-derived mode of a zone.
type ClimateMode string

const (
	ModePreDay   ClimateMode = "PRE_DAY"
	ModeDay      ClimateMode = "DAY"
	ModePreNight ClimateMode = "PRE_NIGHT"
	ModeNight    ClimateMode = "NIGHT"
)

// OperatingMode is the zone-level automation mode, distinct from ClimateMode.
type OperatingMode string

const (
	OpAuto     OperatingMode = "auto"
	OpManual   OperatingMode = "manual"
	OpOverride OperatingMode = "override"
	OpFailsafe OperatingMode = "failsafe"
)

// ControlMode is the per-device control mode.
type ControlMode string

const (
	ControlAuto      ControlMode = "auto"
	ControlManual    ControlMode = "manual"
	ControlScheduled ControlMode = "scheduled"
)

// DeviceType is the semantic role of a device.
type DeviceType string

const (
	DeviceHeater       DeviceType = "heater"
	DeviceFan          DeviceType = "fan"
	DeviceDehumidifier DeviceType = "dehumidifier"
	DeviceHumidifier   DeviceType = "humidifier"
	DeviceLight        DeviceType = "light"
	DevicePump         DeviceType = "pump"
	DeviceCO2          DeviceType = "co2"
	DeviceVent         DeviceType = "vent"
)

// SetpointType names one of the five independently-tracked setpoint kinds.
type SetpointType string

const (
	SetpointHeating  SetpointType = "heating_setpoint"
	SetpointCooling  SetpointType = "cooling_setpoint"
	SetpointHumidity SetpointType = "humidity"
	SetpointCO2      SetpointType = "co2"
	SetpointVPD      SetpointType = "vpd"
)

// Zone identifies a named room and sub-area, the unit of control.
type Zone struct {
	Name    string
	Cluster string
}

// Key returns the canonical "Name/Cluster" identifier used in cache keys.
func (z Zone) Key() string {
	if z.Cluster == "" {
		return z.Name
	}
	return z.Name + "/" + z.Cluster
}

// DimConfig describes a device's dimming capability on a DAC board.
type DimConfig struct {
	BoardID string
	Channel int
	// SafetyLevel is a conservative EEPROM-persisted ceiling set at config time.
	SafetyLevel float64
}

// PIDConfig is the per-device PID tuning and PWM period.
type PIDConfig struct {
	Kp, Ki, Kd float64
	PWMPeriod  time.Duration
}

// SetpointPriority pairs a setpoint type with its evaluation priority for a
// device's multi-setpoint PID selection (higher runs first).
type SetpointPriority struct {
	Type     SetpointType
	Priority int
}

// Device is a (zone, name) tuple describing one controllable actuator.
type Device struct {
	Zone         string
	Name         string
	Type         DeviceType
	GPIOBoardID  string
	Channel      int // 0..15 on its GPIO board
	ActiveHigh   bool
	SafeState    int // 0 or 1
	Dim          *DimConfig
	PID          *PIDConfig
	Priorities   []SetpointPriority
	InterlockIDs []string
	PIDEnabled   bool
}

// SensorReading is one decoded sample.
type SensorReading struct {
	Sensor    string
	Timestamp time.Time
	Value     float64
	Unit      string
}

// Setpoint is one (zone, mode) row; Mode == "" is the default/legacy row.
type Setpoint struct {
	Zone                   string
	Mode                   ClimateMode // "" for default
	Heating                float64
	Cooling                float64
	Humidity               float64
	CO2                    float64
	VPD                    float64
	RampInDurationMinutes  float64
}

// Schedule is a device on/off or dimming window.
type Schedule struct {
	ID               string
	Zone             string
	Device           string
	DayOfWeek        *time.Weekday // nil = daily
	StartMinute      int           // wall-clock minutes 0..1439
	EndMinute        int
	Enabled          bool
	ModeTag          ClimateMode // optional
	TargetIntensity  *float64    // 0..100
	RampUpMinutes    float64
	RampDownMinutes  float64
}

// CompareOp is a rule's condition comparator.
type CompareOp string

const (
	OpLT CompareOp = "<"
	OpGT CompareOp = ">"
	OpLE CompareOp = "<="
	OpGE CompareOp = ">="
	OpEQ CompareOp = "="
)

// Rule is a prioritised if-then rule evaluated against live sensor values.
type Rule struct {
	ID                string
	Zone              string
	Enabled           bool
	ConditionSensor   string
	ConditionOperator CompareOp
	ConditionValue    float64
	ActionDevice      string
	ActionState       int
	Priority          int
	ScheduleID        string // optional
}

// InterlockPair is a per-device or global load interlock.
type InterlockPair struct {
	ID                   string
	Zone                 string
	A                    string // blocking device
	B                    string // blocked device; "" for a global rule
	InterlockMaxAllowed  float64
	Global               bool
}

// RelayState is per-device current state and who owns it.
type RelayState struct {
	Zone        string
	Device      string
	State       int
	ControlMode ControlMode
	UpdatedAt   time.Time
}

// Severity is an alarm's severity level.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alarm is a per-(zone,name) condition.
type Alarm struct {
	Zone         string
	Name         string
	Severity     Severity
	Message      string
	Since        time.Time
	Acknowledged bool
	Active       bool
}

// Failsafe records why a zone was latched into the failsafe operating mode.
type Failsafe struct {
	Zone       string
	Reason     string
	TriggeredBy string
	Since      time.Time
}

// PIDState is the per (zone, device, setpoint type) controller runtime state.
type PIDState struct {
	Integrator   float64
	LastError    float64
	HasLastError bool
	LastSample   time.Time
	CycleStart   time.Time
	Duty         float64
}

// RampState is the per (zone, setpoint type) ramp runtime state.
type RampState struct {
	Start      float64
	Target     float64
	RampStart  time.Time
	Duration   time.Duration
	Effective  float64
	Progress   *float64 // nil once locked to target
}

// DeviceMapping associates a logical sensor role with a concrete sensor name
// within a zone (e.g. "dry_bulb" -> "dry_bulb_f").
type DeviceMapping struct {
	Zone string
	Role string
	Sensor string
}

// ConfigVersion is an audit row appended on every config mutation.
type ConfigVersion struct {
	VersionID  string
	Timestamp  time.Time
	Author     string
	Comment    string
	ConfigType string
	Zone       string
	Changes    map[string]ChangePair
}

// ChangePair holds the old and new value of one changed field.
type ChangePair struct {
	Old any
	New any
}

// ControlDecision is one logged control-loop action for a device.
type ControlDecision struct {
	Zone      string
	Device    string
	State     int
	Reason    string // "rule" | "schedule" | "pid" | "vpd_control"
	Detail    string
	Duty      float64
	Timestamp time.Time
}
