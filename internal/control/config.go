package control

import (
	"sync"

	"github.com/cea-systems/controld/internal/model"
	"github.com/cea-systems/controld/internal/schedule"
	"github.com/cea-systems/controld/internal/storage"
)

// ZoneConfig is one zone's control-relevant configuration: the static
// day/night window and device list (from YAML) plus the mutable rows owned
// by the persistent store (setpoints, schedules, rules, interlocks).
// The control engine holds one snapshot per zone behind a mutex, built at
// startup and replaced on a SIGHUP config reload — the in-process lock-protected
// snapshot called for by the concurrency model instead of hitting the
// store on every tick.
type ZoneConfig struct {
	Zone    string
	Day     schedule.DaySchedule
	Devices []model.Device

	Setpoints map[model.ClimateMode]model.Setpoint
	Schedules []model.Schedule
	Rules     []model.Rule
	Interlocks []model.InterlockPair
}

// Snapshot is the lock-protected holder for every zone's ZoneConfig.
type Snapshot struct {
	mu    sync.RWMutex
	zones map[string]*ZoneConfig
}

// NewSnapshot returns an empty Snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{zones: make(map[string]*ZoneConfig)}
}

// Set installs or replaces a zone's configuration.
func (s *Snapshot) Set(zc *ZoneConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zones[zc.Zone] = zc
}

// Zone returns a zone's configuration, if known.
func (s *Snapshot) Zone(zone string) (*ZoneConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	zc, ok := s.zones[zone]
	return zc, ok
}

// Zones returns every configured zone name.
func (s *Snapshot) Zones() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.zones))
	for z := range s.zones {
		out = append(out, z)
	}
	return out
}

// ReloadZone re-reads a zone's mutable rows (setpoints, schedules, rules,
// interlocks) from the persistent store, leaving the static day/night
// window and device topology untouched. Called after any config mutation
// that touches the zone.
func ReloadZone(db *storage.DB, zc *ZoneConfig) error {
	setpoints := make(map[model.ClimateMode]model.Setpoint)
	for _, mode := range []model.ClimateMode{model.ModePreDay, model.ModeDay, model.ModePreNight, model.ModeNight} {
		sp, ok, err := db.GetSetpoint(zc.Zone, mode)
		if err != nil {
			return err
		}
		if ok {
			setpoints[mode] = sp
		}
	}
	zc.Setpoints = setpoints

	var schedules []model.Schedule
	for _, d := range zc.Devices {
		rows, err := db.SchedulesForZoneDevice(zc.Zone, d.Name)
		if err != nil {
			return err
		}
		schedules = append(schedules, rows...)
	}
	zc.Schedules = schedules

	rules, err := db.RulesForZone(zc.Zone)
	if err != nil {
		return err
	}
	zc.Rules = rules

	interlocks, err := db.InterlocksForZone(zc.Zone)
	if err != nil {
		return err
	}
	zc.Interlocks = interlocks

	return nil
}
