// Package interlock maintains the per-(zone, device) relay state map and
// enforces load-aware interlocks before committing a device ON, grounded on
// the facility's original interlock manager.
package interlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cea-systems/controld/internal/model"
)

// Writer drives the actual hardware (C1 relay/GPIO layer). Write failures
// are reported back to the caller; the manager does not retry.
type Writer interface {
	Write(ctx context.Context, zone, device string, on bool) error
}

// LoadOf returns device d's current load percentage: dimmable-light
// intensity, PID duty cycle, or ok=false if the device has no notion of
// load (plain on/off). Injected so this package never depends on the DAC
// manager or the PID engine directly, breaking the cycle described by the
// device-load-callback design note.
type LoadOf func(zone, device string) (percent float64, ok bool)

func key(zone, device string) string { return zone + "|" + device }

// Manager owns relay state and interlock evaluation for every device it has
// been told about via RegisterDevice.
type Manager struct {
	mu      sync.Mutex
	writer  Writer
	loadOf  LoadOf
	devices map[string]model.Device
	pairs   map[string][]model.InterlockPair // keyed by blocked device "zone|device"
	global  []model.InterlockPair
	relays  map[string]model.RelayState
}

// NewManager returns an empty Manager. SetLoadOf must be called once the
// control engine has a populated PID/DAC state to query.
func NewManager(w Writer) *Manager {
	return &Manager{
		writer:  w,
		devices: make(map[string]model.Device),
		pairs:   make(map[string][]model.InterlockPair),
		relays:  make(map[string]model.RelayState),
	}
}

// SetLoadOf installs the load callback. Called once during startup wiring.
func (m *Manager) SetLoadOf(fn LoadOf) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadOf = fn
}

// RegisterDevice records a device's config for channel resolution and
// interlock membership.
func (m *Manager) RegisterDevice(d model.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[key(d.Zone, d.Name)] = d
}

// RegisterInterlock adds a per-device or global interlock pair.
func (m *Manager) RegisterInterlock(p model.InterlockPair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Global {
		m.global = append(m.global, p)
		return
	}
	k := key(p.Zone, p.B)
	m.pairs[k] = append(m.pairs[k], p)
}

// RestoreState loads a persisted (state, mode) pair at startup without
// re-checking interlocks: the hardware is already in whatever state it is
// in, and re-evaluating now could contradict reality.
func (m *Manager) RestoreState(zone, device string, state int, mode model.ControlMode, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relays[key(zone, device)] = model.RelayState{
		Zone: zone, Device: device, State: state, ControlMode: mode, UpdatedAt: at,
	}
}

// State returns the current known relay state for a device.
func (m *Manager) State(zone, device string) (model.RelayState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.relays[key(zone, device)]
	return s, ok
}

// Set checks the device is registered, evaluates interlocks when turning it
// on (unless checkInterlock is false), writes to hardware, and on success
// commits the new state. Returns (false, reason) without touching hardware
// when an interlock blocks the request, and (false, "hardware") when the
// write itself fails.
func (m *Manager) Set(ctx context.Context, zone, device string, state int, mode model.ControlMode, checkInterlock bool, requestedLoad *float64) (bool, string, error) {
	m.mu.Lock()
	_, known := m.devices[key(zone, device)]
	if !known {
		m.mu.Unlock()
		return false, "unknown device", nil
	}
	if state == 1 && checkInterlock {
		if blocked, reason := m.evaluateLocked(zone, device, requestedLoad); blocked {
			m.mu.Unlock()
			return false, reason, nil
		}
	}
	m.mu.Unlock()

	if err := m.writer.Write(ctx, zone, device, state == 1); err != nil {
		return false, "hardware", err
	}

	m.mu.Lock()
	m.relays[key(zone, device)] = model.RelayState{
		Zone: zone, Device: device, State: state, ControlMode: mode, UpdatedAt: time.Now(),
	}
	m.mu.Unlock()
	return true, "", nil
}

// SetControlMode updates a device's control mode without writing to
// hardware, used by the operator socket to claim or relinquish manual
// control between ticks. Returns false if the device is unknown.
func (m *Manager) SetControlMode(zone, device string, mode model.ControlMode, at time.Time) (model.RelayState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(zone, device)
	if _, known := m.devices[k]; !known {
		return model.RelayState{}, false
	}
	s := m.relays[k]
	s.Zone, s.Device = zone, device
	s.ControlMode = mode
	s.UpdatedAt = at
	m.relays[k] = s
	return s, true
}

// evaluateLocked must be called with m.mu held.
func (m *Manager) evaluateLocked(zone, device string, requestedLoad *float64) (bool, string) {
	k := key(zone, device)

	for _, p := range m.pairs[k] {
		blocking, ok := m.relays[key(zone, p.A)]
		if !ok || blocking.State != 1 {
			continue
		}
		load, haveLoad := m.callLoadOf(zone, p.A)
		if !haveLoad {
			return true, fmt.Sprintf("interlock: %s is ON", p.A)
		}
		if load > p.InterlockMaxAllowed {
			return true, fmt.Sprintf("Interlock: %s is at %.1f%%, max allowed %.1f%%", p.A, load, p.InterlockMaxAllowed)
		}
	}

	for _, rule := range m.global {
		if rule.Zone != zone {
			continue
		}
		var whenDevice string
		switch {
		case rule.B == device:
			whenDevice = rule.A
		case rule.A == device:
			whenDevice = rule.B
		default:
			continue
		}
		whenState, ok := m.relays[key(zone, whenDevice)]
		if !ok || whenState.State != 1 {
			continue
		}
		whenLoad, haveLoad := m.callLoadOf(zone, whenDevice)
		if rule.B == device {
			if haveLoad {
				if whenLoad > rule.InterlockMaxAllowed {
					return true, fmt.Sprintf("global interlock: %s is at %.1f%% (max allowed %.1f%%)", whenDevice, whenLoad, rule.InterlockMaxAllowed)
				}
			} else {
				return true, fmt.Sprintf("global interlock: %s is ON", whenDevice)
			}
		}
		if requestedLoad != nil && *requestedLoad > rule.InterlockMaxAllowed && haveLoad && whenLoad > rule.InterlockMaxAllowed {
			return true, fmt.Sprintf("global interlock: cannot set %s to %.1f%% (max allowed %.1f%%) while %s is at %.1f%%", device, *requestedLoad, rule.InterlockMaxAllowed, whenDevice, whenLoad)
		}
	}

	return false, ""
}

func (m *Manager) callLoadOf(zone, device string) (float64, bool) {
	if m.loadOf == nil {
		return 0, false
	}
	return m.loadOf(zone, device)
}
