// Package gpio drives a 16-channel I2C GPIO expander board used for relay
// control, built on periph.io's I2C conn abstraction so the same code runs
// against real hardware or (with a nil bus) a pure in-memory bitmap.
package gpio

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
)

// Manager multiplexes multiple expander boards keyed by a caller-assigned
// board ID, mirroring the dac package's board registry since a facility
// may have more than one 16-channel relay board.
type Manager struct {
	mu     sync.Mutex
	boards map[string]*Expander
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{boards: make(map[string]*Expander)}
}

// Register adds an expander under id.
func (m *Manager) Register(id string, e *Expander) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boards[id] = e
}

// Board returns the expander registered under id, if any.
func (m *Manager) Board(id string) (*Expander, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.boards[id]
	return e, ok
}

// DefaultAddress is the expander's default I2C address.
const DefaultAddress = 0x20

// Two 8-bit ports; register addresses follow the PCA9555-style register
// layout (output ports 0x02/0x03, configuration 0x06/0x07).
const (
	regPort0 = 0x02
	regPort1 = 0x03
)

// Expander is a 16-channel output-only GPIO board. Channel 0-7 live on
// port 0, channel 8-15 on port 1. Nil Dev puts it into simulation mode: all
// writes land only in the in-memory bitmap, never touching a bus.
type Expander struct {
	mu    sync.Mutex
	dev   i2c.Dev
	sim   bool
	state uint16 // bit n set == channel n driven high
}

// New returns an Expander bound to an I2C bus at addr. Pass a nil bus to
// run in simulation mode.
func New(bus i2c.Bus, addr uint16) *Expander {
	e := &Expander{sim: bus == nil}
	if !e.sim {
		e.dev = i2c.Dev{Bus: bus, Addr: addr}
	}
	return e
}

// Init configures both ports as outputs and drives every channel low.
func (e *Expander) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = 0
	if err := e.writeLocked(); err != nil {
		return err
	}
	if e.sim {
		return nil
	}
	const regConfig0, regConfig1 = 0x06, 0x07
	for _, reg := range []byte{regConfig0, regConfig1} {
		if err := e.dev.Tx([]byte{reg, 0x00}, nil); err != nil {
			return fmt.Errorf("gpio: configure outputs: %w", err)
		}
	}
	return nil
}

// SetChannel drives channel ch (0-15) high (on=true) or low. Read-modify-
// write against the cached port state, then pushed to the bus.
func (e *Expander) SetChannel(ch int, on bool) error {
	if ch < 0 || ch > 15 {
		return fmt.Errorf("gpio: channel %d out of range [0,15]", ch)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if on {
		e.state |= 1 << uint(ch)
	} else {
		e.state &^= 1 << uint(ch)
	}
	return e.writeLocked()
}

// GetChannel reports the last commanded state of channel ch. The expander
// has no readback path; this reflects the driver's own bitmap.
func (e *Expander) GetChannel(ch int) (bool, error) {
	if ch < 0 || ch > 15 {
		return false, fmt.Errorf("gpio: channel %d out of range [0,15]", ch)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state&(1<<uint(ch)) != 0, nil
}

// SetAll writes a full 16-bit channel bitmask in one operation.
func (e *Expander) SetAll(bitmask uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = bitmask
	return e.writeLocked()
}

// AllOff drives every channel low.
func (e *Expander) AllOff() error {
	return e.SetAll(0)
}

func (e *Expander) writeLocked() error {
	if e.sim {
		return nil
	}
	port0 := byte(e.state & 0xFF)
	port1 := byte(e.state >> 8)
	if err := e.dev.Tx([]byte{regPort0, port0}, nil); err != nil {
		return fmt.Errorf("gpio: write port0: %w", err)
	}
	if err := e.dev.Tx([]byte{regPort1, port1}, nil); err != nil {
		return fmt.Errorf("gpio: write port1: %w", err)
	}
	return nil
}
