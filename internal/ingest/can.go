// Package ingest runs the three independent sensor producers — CAN, soil,
// weather — each a long-running task with its own failure domain, fanning
// decoded readings out to the live cache, event log, and time-series
// store. Each producer runs a tight read loop with explicit timeout-vs-
// fault classification and a consecutive-error escalation threshold
// instead of crashing the whole agent on one bad read.
package ingest

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cea-systems/controld/internal/cache"
	"github.com/cea-systems/controld/internal/decode"
	"github.com/cea-systems/controld/internal/hwio/can"
	"github.com/cea-systems/controld/internal/observability"
	"github.com/cea-systems/controld/internal/storage"
)

// maxConsecutiveErrors is the hard-error escalation threshold from §4.5:
// after this many reads in a row fail, the producer gives up and returns
// an error for the caller to restart or alarm on.
const maxConsecutiveErrors = 5

// FrameReader is the subset of *can.Reader a producer needs. Satisfied by
// *can.Reader itself and, in cmd/cea-sim, by an in-memory fixture feed, so
// the ingest pipeline runs unmodified with no SocketCAN interface present.
type FrameReader interface {
	Read(timeout time.Duration) (can.Frame, error)
}

// CANProducer reads frames from a SocketCAN interface, decodes them, and
// fans each resulting reading out to C3 (live + event log) and C4
// (measurement rows).
type CANProducer struct {
	Reader  FrameReader
	Decoder *decode.Decoder
	Cache   *cache.Cache
	DB      *storage.DB
	Log     *zap.Logger
	Metrics *observability.Metrics
}

// Run blocks until ctx is cancelled or the error budget is exhausted.
func (p *CANProducer) Run(ctx context.Context) error {
	consecutive := 0
	lastHeartbeat := time.Time{}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		frame, err := p.Reader.Read(time.Second)
		if err != nil {
			if errors.Is(err, can.ErrTimeout) {
				consecutive = 0
			} else {
				consecutive++
				p.Log.Warn("can producer read error", zap.Error(err), zap.Int("consecutive", consecutive))
				if p.Metrics != nil {
					p.Metrics.FramesDroppedTotal.WithLabelValues("can").Inc()
				}
				if consecutive >= maxConsecutiveErrors {
					return err
				}
			}
		} else {
			consecutive = 0
			p.handleFrame(ctx, frame)
		}

		if time.Since(lastHeartbeat) >= cache.TTLHeartbeatProducer/2 {
			if err := p.Cache.Heartbeat(ctx, "can_producer", cache.TTLHeartbeatProducer); err != nil {
				p.Log.Warn("can producer heartbeat failed", zap.Error(err))
			}
			lastHeartbeat = time.Now()
		}
	}
}

func (p *CANProducer) handleFrame(ctx context.Context, frame can.Frame) {
	now := time.Now()
	decoded, err := p.Decoder.Decode(decode.Frame{ID: frame.ID, Payload: frame.Payload}, now)
	if err != nil {
		p.Log.Warn("can frame decode failed", zap.Error(err), zap.Uint32("id", frame.ID))
		return
	}
	if len(decoded.Readings) == 0 {
		return
	}

	if p.Metrics != nil {
		p.Metrics.FramesProcessedTotal.WithLabelValues(decoded.Zone.Key()).Inc()
	}

	decodedJSON, _ := json.Marshal(decoded.Readings)
	if err := p.Cache.AppendRaw(ctx, cache.EventCAN, now.UnixMilli(), map[string]any{
		"data":    hex.EncodeToString(frame.Payload),
		"decoded": string(decodedJSON),
		"zone":    decoded.Zone.Key(),
	}); err != nil {
		p.Log.Warn("can event log append failed", zap.Error(err))
	}

	rows := make([]storage.MeasurementRow, 0, len(decoded.Readings))
	for _, r := range decoded.Readings {
		if err := p.Cache.PutSensor(ctx, r.Sensor, r.Value, r.Timestamp); err != nil {
			p.Log.Warn("sensor live-key write failed", zap.Error(err), zap.String("sensor", r.Sensor))
		}
		rows = append(rows, storage.MeasurementRow{
			SensorID: r.Sensor,
			Time:     r.Timestamp,
			Value:    r.Value,
			Status:   "ok",
		})
	}
	if err := p.DB.PutMeasurements(rows); err != nil {
		p.Log.Warn("measurement batch write failed", zap.Error(err))
	}
}
