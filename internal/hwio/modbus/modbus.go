// Package modbus wraps an RS-485 Modbus-RTU master for soil probe polling:
// serial 8N1 at a configurable baud rate (default 9600), function 0x03
// (read holding registers), CRC-16/MODBUS framing handled by the
// underlying RTU handler.
package modbus

import (
	"fmt"
	"time"

	"github.com/goburrow/modbus"
)

// DefaultBaud is the bus default when a device config omits one.
const DefaultBaud = 9600

// Master reads holding registers from RS-485 slaves on one serial port.
type Master struct {
	handler *modbus.RTUClientHandler
	client  modbus.Client
}

// Open configures and connects an RTU master on devicePath (e.g.
// "/dev/ttyUSB0") at baud, 8N1, with the given per-request timeout.
func Open(devicePath string, baud int, timeout time.Duration) (*Master, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	handler := modbus.NewRTUClientHandler(devicePath)
	handler.BaudRate = baud
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.Timeout = timeout

	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("modbus: connect %s: %w", devicePath, err)
	}
	return &Master{handler: handler, client: modbus.NewClient(handler)}, nil
}

// Close releases the serial port.
func (m *Master) Close() error {
	return m.handler.Close()
}

// ReadHoldingRegisters issues function 0x03 against slaveID, returning
// count 16-bit big-endian registers starting at start. An exception
// response (function | 0x80) surfaces as a non-nil error from the
// underlying client.
func (m *Master) ReadHoldingRegisters(slaveID byte, start, count uint16) ([]uint16, error) {
	m.handler.SlaveId = slaveID
	raw, err := m.client.ReadHoldingRegisters(start, count)
	if err != nil {
		return nil, fmt.Errorf("modbus: read holding registers slave=%d start=%d count=%d: %w", slaveID, start, count, err)
	}
	if len(raw) != int(count)*2 {
		return nil, fmt.Errorf("modbus: short response: got %d bytes, want %d", len(raw), count*2)
	}
	regs := make([]uint16, count)
	for i := range regs {
		regs[i] = uint16(raw[2*i])<<8 | uint16(raw[2*i+1])
	}
	return regs, nil
}
