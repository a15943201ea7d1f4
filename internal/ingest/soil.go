package ingest

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/cea-systems/controld/internal/cache"
	"github.com/cea-systems/controld/internal/observability"
	"github.com/cea-systems/controld/internal/storage"
)

// DefaultSoilPollInterval is used when a probe config omits one.
const DefaultSoilPollInterval = 5 * time.Second

// soilTempRegister is the holding-register offset where a probe's reading
// block begins: temperature, RH, EC, pH, in that order, one register each.
const soilTempRegister = 0

// SoilProbe is one configured RS-485 probe.
type SoilProbe struct {
	Name    string // published sensor-name prefix
	Bed     string
	Room    string
	SlaveID byte
}

// SoilReading is one scaled four-register sample from a probe.
type SoilReading struct {
	TemperatureC float64
	HumidityPct  float64
	ECMicroSPerCm float64
	PH           float64
}

// scaleSoilRegisters applies the device manual's fixed-point scaling:
// T*0.1C, RH*0.1%, EC*1uS/cm, pH*0.01.
func scaleSoilRegisters(regs []uint16) SoilReading {
	return SoilReading{
		TemperatureC:  float64(int16(regs[0])) * 0.1,
		HumidityPct:   float64(regs[1]) * 0.1,
		ECMicroSPerCm: float64(regs[2]),
		PH:            float64(regs[3]) * 0.01,
	}
}

// RegisterSource is the subset of *modbus.Master a producer needs.
// Satisfied by *modbus.Master itself and, in cmd/cea-sim, by an in-memory
// fixture responder, so the soil pipeline runs unmodified with no RS-485
// device present.
type RegisterSource interface {
	ReadHoldingRegisters(slaveID byte, start, count uint16) ([]uint16, error)
}

// SoilProducer polls one or more RS-485 probes on a shared serial master.
type SoilProducer struct {
	Master       RegisterSource
	Probes       []SoilProbe
	PollInterval time.Duration
	Cache        *cache.Cache
	DB           *storage.DB
	Log          *zap.Logger
	Metrics      *observability.Metrics

	// Reopen recreates Master after a serial failure. Nil disables
	// reconnection (tests / simulation).
	Reopen func() (RegisterSource, error)
}

// Run polls every configured probe once per PollInterval until ctx is
// cancelled.
func (p *SoilProducer) Run(ctx context.Context) error {
	interval := p.PollInterval
	if interval <= 0 {
		interval = DefaultSoilPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastHeartbeat := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, probe := range p.Probes {
				p.pollOne(ctx, probe)
			}
			if time.Since(lastHeartbeat) >= cache.TTLHeartbeatProducer/2 {
				if err := p.Cache.Heartbeat(ctx, "soil_producer", cache.TTLHeartbeatProducer); err != nil {
					p.Log.Warn("soil producer heartbeat failed", zap.Error(err))
				}
				lastHeartbeat = time.Now()
			}
		}
	}
}

func (p *SoilProducer) pollOne(ctx context.Context, probe SoilProbe) {
	regs, err := p.Master.ReadHoldingRegisters(probe.SlaveID, soilTempRegister, 4)
	if err != nil {
		p.Log.Warn("soil probe read failed", zap.Error(err), zap.String("probe", probe.Name))
		if p.Metrics != nil {
			p.Metrics.FramesDroppedTotal.WithLabelValues("soil").Inc()
		}
		if p.Reopen != nil {
			if m, reopenErr := p.Reopen(); reopenErr == nil {
				p.Master = m
			} else {
				p.Log.Warn("soil master reconnect failed", zap.Error(reopenErr))
			}
		}
		return
	}

	reading := scaleSoilRegisters(regs)
	now := time.Now()

	fields := map[string]struct {
		sensor string
		value  float64
	}{
		"temperature": {probe.Name + "_temp", reading.TemperatureC},
		"humidity":    {probe.Name + "_rh", reading.HumidityPct},
		"ec":          {probe.Name + "_ec", reading.ECMicroSPerCm},
		"ph":          {probe.Name + "_ph", reading.PH},
	}

	rows := make([]storage.MeasurementRow, 0, len(fields))
	for _, f := range fields {
		if err := p.Cache.PutSensor(ctx, f.sensor, f.value, now); err != nil {
			p.Log.Warn("soil live-key write failed", zap.Error(err), zap.String("sensor", f.sensor))
		}
		rows = append(rows, storage.MeasurementRow{SensorID: f.sensor, Time: now, Value: f.value, Status: "ok"})
	}
	if err := p.DB.PutMeasurements(rows); err != nil {
		p.Log.Warn("soil measurement batch write failed", zap.Error(err))
	}

	readingsJSON, _ := json.Marshal(reading)
	if err := p.Cache.AppendRaw(ctx, cache.EventSoil, now.UnixMilli(), map[string]any{
		"sensor_name": probe.Name,
		"readings":    string(readingsJSON),
		"bed":         probe.Bed,
		"room":        probe.Room,
	}); err != nil {
		p.Log.Warn("soil event log append failed", zap.Error(err))
	}
}

