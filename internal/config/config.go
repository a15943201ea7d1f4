// Package config provides configuration loading, validation, and hot-reload
// for the cea-controld edge agent.
//
// Configuration file: /etc/cea-controld/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Agent listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Apply non-destructive changes only: each zone's day window and
//     device list, the setpoints/schedules/rules/interlocks re-read from
//     the store, and last_good_hold_period. The log level and format, and
//     the PID gains of controllers already created, are not re-applied.
//   - Destructive changes (DB path, cache address, hardware addresses)
//     require restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The agent does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (update interval > 0, hold periods >= 0).
//   - File paths must be absolute.
//   - Invalid config on startup: agent refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cea-systems/controld/internal/model"
	"github.com/cea-systems/controld/internal/schedule"
)

// Version, GitCommit, BuildTime are injected at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for cea-controld.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this controller instance in logs and alarms.
	// Default: hostname.
	NodeID string `yaml:"node_id"`

	Control  ControlConfig   `yaml:"control"`
	Hardware HardwareConfig  `yaml:"hardware"`
	Zones    []ZoneDef       `yaml:"zones"`
	Weather  WeatherConfig   `yaml:"weather"`

	Storage       StorageConfig       `yaml:"storage"`
	Cache         CacheConfig         `yaml:"cache"`
	Observability ObservabilityConfig `yaml:"observability"`
	Operator      OperatorConfig      `yaml:"operator"`
}

// ControlConfig holds control-loop-wide parameters.
type ControlConfig struct {
	// UpdateInterval is the control loop cadence. Default: 1s.
	UpdateInterval time.Duration `yaml:"update_interval"`

	// LastGoodHoldPeriod is how long a stale sensor's last-good cached
	// value remains usable. Default: 30s.
	LastGoodHoldPeriod time.Duration `yaml:"last_good_hold_period"`

	// PIDOutputThreshold is validated on load but not read by the control
	// engine: the PID selector uses a fixed output threshold of 0.5.
	// Default: 0.5.
	PIDOutputThreshold float64 `yaml:"pid_output_threshold"`

	// VPDHysteresisKPa is validated on load but not read by the control
	// engine: the VPD pass uses a fixed 0.1 kPa band either side of the
	// setpoint. Default: 0.1.
	VPDHysteresisKPa float64 `yaml:"vpd_hysteresis_kpa"`
}

// HardwareConfig holds bus-level addresses shared across zones. Individual
// device channel/address assignments live on the device itself in ZoneDef.
type HardwareConfig struct {
	// I2CBus is the device path for the I2C bus GPIO expanders and DAC
	// boards share, e.g. "/dev/i2c-1". Empty runs every driver in
	// simulation mode.
	I2CBus string `yaml:"i2c_bus"`

	// CANInterface is the SocketCAN interface name, e.g. "can0".
	CANInterface string `yaml:"can_interface"`

	// ModbusDevice is the RS-485 serial device path, e.g.
	// "/dev/ttyUSB0".
	ModbusDevice string `yaml:"modbus_device"`

	// ModbusBaud is the RS-485 line rate. Default: 9600.
	ModbusBaud int `yaml:"modbus_baud"`
}

// WeatherConfig holds the METAR feed parameters.
type WeatherConfig struct {
	Enabled      bool          `yaml:"enabled"`
	APIURL       string        `yaml:"api_url"`
	Station      string        `yaml:"station"` // ICAO code
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ZoneDef is one zone's static topology: its day/night window and the
// devices and sensor-role mappings within it. Mutable rows (setpoints,
// schedules, rules, interlocks) are not configured here; they live in the
// persistent store and are written through storage.DB's Put methods; the
// operator socket does not edit them.
type ZoneDef struct {
	Name    string              `yaml:"name"`
	Cluster string              `yaml:"cluster"`
	Day     DayScheduleDef      `yaml:"day_schedule"`
	Devices []DeviceDef         `yaml:"devices"`
	Sensors map[string]string   `yaml:"sensor_mapping"` // role -> sensor name
}

// DayScheduleDef mirrors schedule.DaySchedule with yaml tags.
type DayScheduleDef struct {
	DayStartMinute      int `yaml:"day_start_minute"`
	DayEndMinute        int `yaml:"day_end_minute"`
	PreDayDurationMin   int `yaml:"pre_day_duration_minutes"`
	PreNightDurationMin int `yaml:"pre_night_duration_minutes"`
}

func (d DayScheduleDef) toModel() schedule.DaySchedule {
	return schedule.DaySchedule{
		DayStartMinute:      d.DayStartMinute,
		DayEndMinute:        d.DayEndMinute,
		PreDayDurationMin:   d.PreDayDurationMin,
		PreNightDurationMin: d.PreNightDurationMin,
	}
}

// DeviceDef mirrors model.Device with yaml tags and an optional dimming/PID
// sub-config.
type DeviceDef struct {
	Name         string    `yaml:"name"`
	Type         string    `yaml:"type"` // heater, fan, dehumidifier, humidifier, light, pump, co2, vent
	GPIOBoardID  string    `yaml:"gpio_board_id"`
	Channel      int       `yaml:"channel"`
	ActiveHigh   bool      `yaml:"active_high"`
	SafeState    int       `yaml:"safe_state"`
	PIDEnabled   bool      `yaml:"pid_enabled"`
	Dim          *DimDef   `yaml:"dim,omitempty"`
	PID          *PIDDef   `yaml:"pid,omitempty"`
	Priorities   []PrioDef `yaml:"priorities,omitempty"`
	InterlockIDs []string  `yaml:"interlock_ids,omitempty"`
}

// DimDef mirrors model.DimConfig.
type DimDef struct {
	BoardID     string  `yaml:"board_id"`
	Channel     int     `yaml:"channel"`
	SafetyLevel float64 `yaml:"safety_level"`
}

// PIDDef mirrors model.PIDConfig.
type PIDDef struct {
	Kp        float64       `yaml:"kp"`
	Ki        float64       `yaml:"ki"`
	Kd        float64       `yaml:"kd"`
	PWMPeriod time.Duration `yaml:"pwm_period"`
}

// PrioDef mirrors model.SetpointPriority.
type PrioDef struct {
	Type     string `yaml:"type"` // heating_setpoint, cooling_setpoint, humidity, co2, vpd
	Priority int    `yaml:"priority"`
}

func (d DeviceDef) toModel(zone string) model.Device {
	dev := model.Device{
		Zone:         zone,
		Name:         d.Name,
		Type:         model.DeviceType(d.Type),
		GPIOBoardID:  d.GPIOBoardID,
		Channel:      d.Channel,
		ActiveHigh:   d.ActiveHigh,
		SafeState:    d.SafeState,
		PIDEnabled:   d.PIDEnabled,
		InterlockIDs: d.InterlockIDs,
	}
	if d.Dim != nil {
		dev.Dim = &model.DimConfig{BoardID: d.Dim.BoardID, Channel: d.Dim.Channel, SafetyLevel: d.Dim.SafetyLevel}
	}
	if d.PID != nil {
		dev.PID = &model.PIDConfig{Kp: d.PID.Kp, Ki: d.PID.Ki, Kd: d.PID.Kd, PWMPeriod: d.PID.PWMPeriod}
	}
	for _, p := range d.Priorities {
		dev.Priorities = append(dev.Priorities, model.SetpointPriority{Type: model.SetpointType(p.Type), Priority: p.Priority})
	}
	return dev
}

// ToDevices returns the zone's devices converted to model.Device.
func (z ZoneDef) ToDevices() []model.Device {
	out := make([]model.Device, len(z.Devices))
	for i, d := range z.Devices {
		out[i] = d.toModel(z.Name)
	}
	return out
}

// ToDaySchedule returns the zone's day/night window as schedule.DaySchedule.
func (z ZoneDef) ToDaySchedule() schedule.DaySchedule {
	return z.Day.toModel()
}

// StorageConfig holds BoltDB parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the BoltDB file.
	// Default: /var/lib/cea-controld/controld.db.
	DBPath string `yaml:"db_path"`

	// RetentionDays is the measurement history retention period. It is
	// validated on load; the agent does not prune measurements by it on
	// its own. Default: 90.
	RetentionDays int `yaml:"retention_days"`
}

// CacheConfig holds the live-cache (Redis) connection.
type CacheConfig struct {
	Addr string `yaml:"addr"` // Default: 127.0.0.1:6379
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds the operator override Unix socket parameters.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path local operator tooling
	// connects to for set_mode/clear_failsafe/ack_alarm/status commands.
	// Permissions: 0600. Default: /run/cea-controld/operator.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is active.
	// Default: true.
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Control: ControlConfig{
			UpdateInterval:     time.Second,
			LastGoodHoldPeriod: 30 * time.Second,
			PIDOutputThreshold: 0.5,
			VPDHysteresisKPa:   0.1,
		},
		Hardware: HardwareConfig{
			ModbusBaud: 9600,
		},
		Weather: WeatherConfig{
			PollInterval: 15 * time.Minute,
		},
		Storage: StorageConfig{
			DBPath:        DefaultDBPath,
			RetentionDays: 90,
		},
		Cache: CacheConfig{
			Addr: "127.0.0.1:6379",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/cea-controld/operator.sock",
		},
	}
}

// DefaultDBPath mirrors the storage package's default location.
const DefaultDBPath = "/var/lib/cea-controld/controld.db"

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Control.UpdateInterval <= 0 {
		errs = append(errs, fmt.Sprintf("control.update_interval must be > 0, got %s", cfg.Control.UpdateInterval))
	}
	if cfg.Control.LastGoodHoldPeriod < 0 {
		errs = append(errs, "control.last_good_hold_period must be >= 0")
	}
	if cfg.Control.PIDOutputThreshold < 0 || cfg.Control.PIDOutputThreshold > 100 {
		errs = append(errs, fmt.Sprintf("control.pid_output_threshold must be in [0,100], got %f", cfg.Control.PIDOutputThreshold))
	}
	if cfg.Control.VPDHysteresisKPa < 0 {
		errs = append(errs, "control.vpd_hysteresis_kpa must be >= 0")
	}
	if cfg.Hardware.ModbusBaud < 1 {
		errs = append(errs, fmt.Sprintf("hardware.modbus_baud must be >= 1, got %d", cfg.Hardware.ModbusBaud))
	}
	if len(cfg.Zones) == 0 {
		errs = append(errs, "at least one zone must be configured")
	}
	seenZone := make(map[string]bool)
	for _, z := range cfg.Zones {
		if z.Name == "" {
			errs = append(errs, "every zone must have a name")
			continue
		}
		if seenZone[z.Name] {
			errs = append(errs, fmt.Sprintf("duplicate zone name %q", z.Name))
		}
		seenZone[z.Name] = true
		if err := schedule.ValidateDaySchedule(z.ToDaySchedule()); err != nil {
			errs = append(errs, fmt.Sprintf("zone %q day_schedule: %s", z.Name, err))
		}
		seenDevice := make(map[string]bool)
		for _, d := range z.Devices {
			if d.Name == "" {
				errs = append(errs, fmt.Sprintf("zone %q: every device must have a name", z.Name))
				continue
			}
			if seenDevice[d.Name] {
				errs = append(errs, fmt.Sprintf("zone %q: duplicate device name %q", z.Name, d.Name))
			}
			seenDevice[d.Name] = true
		}
	}
	if cfg.Weather.Enabled {
		if cfg.Weather.APIURL == "" || cfg.Weather.Station == "" {
			errs = append(errs, "weather.api_url and weather.station are required when weather.enabled is true")
		}
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	} else if !filepath.IsAbs(cfg.Storage.DBPath) {
		errs = append(errs, fmt.Sprintf("storage.db_path must be absolute, got %q", cfg.Storage.DBPath))
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays))
	}
	if cfg.Cache.Addr == "" {
		errs = append(errs, "cache.addr must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
