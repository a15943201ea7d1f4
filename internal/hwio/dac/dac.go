// Package dac drives dual-channel 0-10V dimming DAC boards over I2C,
// multiplexing several boards keyed by a caller-assigned board ID.
package dac

import (
	"fmt"
	"math"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"
)

// DefaultAddress is the first DAC board's default I2C address; subsequent
// boards are assigned distinct addresses by the caller.
const DefaultAddress = 0x58

const (
	regRange  = 0x01 // vendor range-select register; two-byte LE word write
	regOutput = 0x08 // per-channel output register, aligned << 4

	settleDelay = 50 * time.Millisecond
)

// rangeTenVolts is the vendor register word selecting the 0-10V output
// range on this DAC family.
const rangeTenVolts = 0x0FFF

// Board is one dual-channel 0-10V DAC.
type Board struct {
	mu      sync.Mutex
	dev     i2c.Dev
	sim     bool
	id      string
	percent [2]float64
	volts   [2]float64
}

// NewBoard returns a Board bound to bus at addr, identified by id. Pass a
// nil bus for simulation mode.
func NewBoard(bus i2c.Bus, addr uint16, id string) *Board {
	b := &Board{sim: bus == nil, id: id}
	if !b.sim {
		b.dev = i2c.Dev{Bus: bus, Addr: addr}
	}
	return b
}

// ID returns the board's assigned identifier.
func (b *Board) ID() string { return b.id }

// Init sets the output range to 10V on both channels.
func (b *Board) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.assertRangeLocked()
}

func (b *Board) assertRangeLocked() error {
	if b.sim {
		return nil
	}
	word := []byte{regRange, byte(rangeTenVolts >> 8), byte(rangeTenVolts & 0xFF)}
	if err := b.dev.Tx(word, nil); err != nil {
		return fmt.Errorf("dac: set range: %w", err)
	}
	return nil
}

// voltsToWire converts a 0-10V value to the board's 16-bit wire value:
// data = round(volts*1000) clamped [0,10000]; dac12 = round(data/10000*4095)
// clamped [0,4095]; wire = dac12 << 4.
func voltsToWire(volts float64) uint16 {
	data := math.Round(volts * 1000)
	if data < 0 {
		data = 0
	} else if data > 10000 {
		data = 10000
	}
	dac12 := math.Round(data / 10000 * 4095)
	if dac12 < 0 {
		dac12 = 0
	} else if dac12 > 4095 {
		dac12 = 4095
	}
	return uint16(dac12) << 4
}

// SetVoltage drives channel ch (0 or 1) to volts (0-10), re-asserting the
// output range first since it may not persist across writes. When persist
// is true, the setting is additionally committed to EEPROM.
func (b *Board) SetVoltage(ch int, volts float64, persist bool) error {
	if ch != 0 && ch != 1 {
		return fmt.Errorf("dac: channel %d out of range [0,1]", ch)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.assertRangeLocked(); err != nil {
		return err
	}
	wire := voltsToWire(volts)
	if !b.sim {
		reg := byte(regOutput + ch)
		if err := b.dev.Tx([]byte{reg, byte(wire >> 8), byte(wire & 0xFF)}, nil); err != nil {
			return fmt.Errorf("dac: write channel %d: %w", ch, err)
		}
		time.Sleep(settleDelay)
	}
	b.volts[ch] = volts
	b.percent[ch] = volts / 10 * 100
	if persist {
		return b.storeSettingsLocked()
	}
	return nil
}

// SetIntensity drives channel ch to percent (0-100), expressed in volts.
func (b *Board) SetIntensity(ch int, percent float64, persist bool) error {
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}
	return b.SetVoltage(ch, percent/100*10, persist)
}

// GetVoltage returns the last-commanded voltage for channel ch; the device
// has no readback path.
func (b *Board) GetVoltage(ch int) (float64, error) {
	if ch != 0 && ch != 1 {
		return 0, fmt.Errorf("dac: channel %d out of range [0,1]", ch)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.volts[ch], nil
}

// GetIntensity returns the last-commanded intensity percentage for ch.
func (b *Board) GetIntensity(ch int) (float64, error) {
	if ch != 0 && ch != 1 {
		return 0, fmt.Errorf("dac: channel %d out of range [0,1]", ch)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.percent[ch], nil
}

// StoreSettings issues the vendor's write-to-EEPROM command.
func (b *Board) StoreSettings() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.storeSettingsLocked()
}

func (b *Board) storeSettingsLocked() error {
	if b.sim {
		return nil
	}
	const regStore = 0x0C
	if err := b.dev.Tx([]byte{regStore}, nil); err != nil {
		return fmt.Errorf("dac: store settings: %w", err)
	}
	time.Sleep(settleDelay)
	return nil
}

// Manager multiplexes multiple DAC boards keyed by board ID.
type Manager struct {
	mu     sync.Mutex
	boards map[string]*Board
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{boards: make(map[string]*Board)}
}

// Register adds a board under its own ID.
func (m *Manager) Register(b *Board) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boards[b.ID()] = b
}

// Board returns the board registered under id, if any.
func (m *Manager) Board(id string) (*Board, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boards[id]
	return b, ok
}
