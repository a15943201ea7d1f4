// Package decode turns raw CAN payloads into named sensor readings, derives
// relative humidity and vapor-pressure deficit from dry/wet bulb pairs, and
// filters spurious CO2 zero readings.
package decode

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cea-systems/controld/internal/model"
)

// Message types, the low nibble of the 11-bit arbitration ID.
const (
	MsgPT100     = 0x01
	MsgBME280    = 0x02
	MsgSCD30     = 0x03
	MsgVL53      = 0x04
	MsgHeartbeat = 0x05
)

const sentinelNoReading = 0x7FFF

// Frame is one received CAN frame.
type Frame struct {
	ID      uint32
	Payload []byte
}

// NodeAndMsgType splits an 11-bit arbitration ID of the form 0xN0M.
func NodeAndMsgType(id uint32) (node int, msgType int) {
	node = int((id >> 8) & 0xF)
	msgType = int(id & 0xFF)
	return
}

// Decoder owns the per-zone psychrometric pressure state and per-sensor CO2
// filters across a stream of frames from one CAN bus.
type Decoder struct {
	FallbackZone model.Zone

	pressureHPa map[string]float64 // keyed by zone.Key()
	co2Filters  map[string]*CO2Filter
}

// NewDecoder returns a Decoder with the given fallback zone for unknown
// node IDs.
func NewDecoder(fallback model.Zone) *Decoder {
	return &Decoder{
		FallbackZone: fallback,
		pressureHPa:  make(map[string]float64),
		co2Filters:   make(map[string]*CO2Filter),
	}
}

// Decoded is the result of decoding one frame: zero or more sensor readings
// plus, for PT100 frames carrying both bulbs, the derived psychrometrics.
type Decoded struct {
	Zone     model.Zone
	Readings []model.SensorReading
}

// Decode interprets one CAN frame and returns the readings it produces.
// Bad/sentinel data is silently discarded: the returned slice may be empty
// with a nil error, which callers must treat as "nothing to publish", not
// a failure.
func (d *Decoder) Decode(f Frame, at time.Time) (Decoded, error) {
	node, msgType := NodeAndMsgType(f.ID)
	zone, ok := NodeZone[node]
	if !ok {
		zone = d.FallbackZone
	}

	var out Decoded
	out.Zone = zone

	switch msgType {
	case MsgPT100:
		if len(f.Payload) < 6 {
			return out, fmt.Errorf("decode: PT100 payload too short: %d bytes", len(f.Payload))
		}
		dryRaw := int16(binary.BigEndian.Uint16(f.Payload[0:2]))
		wetRaw := int16(binary.BigEndian.Uint16(f.Payload[2:4]))
		if dryRaw == sentinelNoReading || wetRaw == sentinelNoReading {
			return out, nil
		}
		dryC := float64(dryRaw) / 100
		wetC := float64(wetRaw) / 100

		out.Readings = append(out.Readings,
			model.SensorReading{Sensor: sensorName(zone, "dry_bulb"), Timestamp: at, Value: dryC, Unit: "C"},
			model.SensorReading{Sensor: sensorName(zone, "wet_bulb"), Timestamp: at, Value: wetC, Unit: "C"},
		)

		p := d.pressureHPa[zone.Key()]
		if p == 0 {
			p = DefaultPressureHPa
		}
		psy := DerivePsychro(dryC, wetC, p)
		out.Readings = append(out.Readings,
			model.SensorReading{Sensor: sensorName(zone, "rh"), Timestamp: at, Value: psy.RH, Unit: "%"},
			model.SensorReading{Sensor: sensorName(zone, "vpd"), Timestamp: at, Value: psy.VPD, Unit: "kPa"},
		)

	case MsgBME280:
		if len(f.Payload) < 6 {
			return out, fmt.Errorf("decode: BME280 payload too short: %d bytes", len(f.Payload))
		}
		tempRaw := int16(binary.BigEndian.Uint16(f.Payload[0:2]))
		rhRaw := binary.BigEndian.Uint16(f.Payload[2:4])
		pressRaw := binary.BigEndian.Uint16(f.Payload[4:6])

		tempC := float64(tempRaw) / 100
		rh := float64(rhRaw) / 100
		pressureHPa := float64(pressRaw) / 10

		d.pressureHPa[zone.Key()] = pressureHPa

		out.Readings = append(out.Readings,
			model.SensorReading{Sensor: sensorName(zone, "ambient_temp"), Timestamp: at, Value: tempC, Unit: "C"},
			model.SensorReading{Sensor: sensorName(zone, "ambient_rh"), Timestamp: at, Value: rh, Unit: "%"},
			model.SensorReading{Sensor: sensorName(zone, "pressure_hpa"), Timestamp: at, Value: pressureHPa, Unit: "hPa"},
		)

	case MsgSCD30:
		if len(f.Payload) < 6 {
			return out, fmt.Errorf("decode: SCD30 payload too short: %d bytes", len(f.Payload))
		}
		co2Raw := binary.BigEndian.Uint16(f.Payload[0:2])
		tempRaw := int16(binary.BigEndian.Uint16(f.Payload[2:4]))
		rhRaw := binary.BigEndian.Uint16(f.Payload[4:6])

		co2 := float64(co2Raw)
		tempC := float64(tempRaw) / 100
		rh := float64(rhRaw) / 100

		filter, ok := d.co2Filters[sensorName(zone, "co2")]
		if !ok {
			filter = NewCO2Filter()
			d.co2Filters[sensorName(zone, "co2")] = filter
		}
		if filter.Accept(co2, at) {
			out.Readings = append(out.Readings,
				model.SensorReading{Sensor: sensorName(zone, "co2"), Timestamp: at, Value: co2, Unit: "ppm"})
		}

		out.Readings = append(out.Readings,
			model.SensorReading{Sensor: sensorName(zone, "co2_temp"), Timestamp: at, Value: tempC, Unit: "C"},
			model.SensorReading{Sensor: sensorName(zone, "co2_rh"), Timestamp: at, Value: rh, Unit: "%"},
		)

	case MsgVL53:
		if len(f.Payload) < 6 {
			return out, fmt.Errorf("decode: VL53 payload too short: %d bytes", len(f.Payload))
		}
		dist := binary.BigEndian.Uint16(f.Payload[0:2])
		ambient := binary.BigEndian.Uint16(f.Payload[2:4])
		signal := binary.BigEndian.Uint16(f.Payload[4:6])

		out.Readings = append(out.Readings,
			model.SensorReading{Sensor: sensorName(zone, "distance_mm"), Timestamp: at, Value: float64(dist), Unit: "mm"},
			model.SensorReading{Sensor: sensorName(zone, "vl53_ambient"), Timestamp: at, Value: float64(ambient), Unit: ""},
			model.SensorReading{Sensor: sensorName(zone, "vl53_signal"), Timestamp: at, Value: float64(signal), Unit: ""},
		)

	case MsgHeartbeat:
		if len(f.Payload) < 6 {
			return out, fmt.Errorf("decode: heartbeat payload too short: %d bytes", len(f.Payload))
		}
		uptimeMs := binary.BigEndian.Uint32(f.Payload[2:6])
		out.Readings = append(out.Readings,
			model.SensorReading{Sensor: sensorName(zone, "uptime_ms"), Timestamp: at, Value: float64(uptimeMs), Unit: "ms"})

	default:
		return out, fmt.Errorf("decode: unknown message type 0x%02x", msgType)
	}

	return out, nil
}
