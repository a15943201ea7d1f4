// Package hwio adapts the byte-level GPIO and DAC drivers to the
// zone/device-keyed interfaces the control engine and interlock manager
// use, so neither of those packages needs to know about board IDs or
// channel numbers.
package hwio

import (
	"context"
	"fmt"

	"github.com/cea-systems/controld/internal/hwio/dac"
	"github.com/cea-systems/controld/internal/hwio/gpio"
	"github.com/cea-systems/controld/internal/model"
)

// RelayWriter resolves a (zone, device) pair to a GPIO board/channel via
// the static device topology and issues the on/off write. Implements
// interlock.Writer.
type RelayWriter struct {
	GPIO    *gpio.Manager
	Devices map[string]model.Device // key: zone+"|"+device
}

// NewRelayWriter indexes devices by zone/device for channel resolution.
func NewRelayWriter(m *gpio.Manager, devices []model.Device) *RelayWriter {
	idx := make(map[string]model.Device, len(devices))
	for _, d := range devices {
		idx[d.Zone+"|"+d.Name] = d
	}
	return &RelayWriter{GPIO: m, Devices: idx}
}

// Write resolves device's channel and drives it, honoring ActiveHigh
// polarity.
func (w *RelayWriter) Write(_ context.Context, zone, device string, on bool) error {
	d, ok := w.Devices[zone+"|"+device]
	if !ok {
		return fmt.Errorf("hwio: unknown device %s/%s", zone, device)
	}
	board, ok := w.GPIO.Board(d.GPIOBoardID)
	if !ok {
		return fmt.Errorf("hwio: unknown GPIO board %q for %s/%s", d.GPIOBoardID, zone, device)
	}
	wire := on
	if !d.ActiveHigh {
		wire = !on
	}
	return board.SetChannel(d.Channel, wire)
}

// LightController drives a dimmable device's DAC channel. Implements
// control.LightWriter.
type LightController struct {
	DAC     *dac.Manager
	Devices map[string]model.Device
}

// NewLightController indexes devices by zone/device for DAC resolution.
func NewLightController(m *dac.Manager, devices []model.Device) *LightController {
	idx := make(map[string]model.Device, len(devices))
	for _, d := range devices {
		if d.Dim != nil {
			idx[d.Zone+"|"+d.Name] = d
		}
	}
	return &LightController{DAC: m, Devices: idx}
}

// SetIntensity drives device to percent (0-100), clamped to the device's
// configured safety ceiling.
func (l *LightController) SetIntensity(_ context.Context, zone, device string, percent float64) error {
	d, ok := l.Devices[zone+"|"+device]
	if !ok || d.Dim == nil {
		return fmt.Errorf("hwio: %s/%s is not a dimmable device", zone, device)
	}
	board, ok := l.DAC.Board(d.Dim.BoardID)
	if !ok {
		return fmt.Errorf("hwio: unknown DAC board %q for %s/%s", d.Dim.BoardID, zone, device)
	}
	if d.Dim.SafetyLevel > 0 && percent > d.Dim.SafetyLevel {
		percent = d.Dim.SafetyLevel
	}
	return board.SetIntensity(d.Dim.Channel, percent, false)
}
