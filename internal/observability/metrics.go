// Package observability — metrics.go
//
// Prometheus metrics for the cea-controld edge agent.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: controld_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Zone and device are used as labels (bounded by configured topology).
//   - Sensor name is NOT used as a label on histograms (unbounded across
//     a facility); per-sensor detail belongs in the event log, not metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for cea-controld.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Ingest ───────────────────────────────────────────────────────────────

	// FramesProcessedTotal counts decoded CAN frames, by sensor zone; the
	// weather producer also counts successful polls under zone "weather".
	FramesProcessedTotal *prometheus.CounterVec

	// FramesDroppedTotal counts failed reads (CAN read errors, soil probe
	// read failures, weather poll failures), by producer (can, soil, weather).
	FramesDroppedTotal *prometheus.CounterVec

	// IngestQueueDepth is registered but not set: producers write each
	// reading straight to the cache and store with no queue between.
	IngestQueueDepth prometheus.Gauge

	// ─── Control loop ─────────────────────────────────────────────────────────

	// TickLatency records one control-loop tick's wall-clock duration.
	TickLatency prometheus.Histogram

	// TicksTotal counts completed control-loop ticks.
	TicksTotal prometheus.Counter

	// ControlDecisionsTotal counts device decisions, by reason
	// (rule, schedule, pid, vpd_control).
	ControlDecisionsTotal *prometheus.CounterVec

	// PIDDutyPercent is the last computed PID duty cycle, by zone/device.
	PIDDutyPercent *prometheus.GaugeVec

	// ─── Interlocks & alarms ───────────────────────────────────────────────────

	// InterlockBlocksTotal counts device-on requests refused by an
	// interlock, by zone/device.
	InterlockBlocksTotal *prometheus.CounterVec

	// ActiveAlarms is the number of active alarms, by zone. Registered;
	// no package in this module sets it.
	ActiveAlarms *prometheus.GaugeVec

	// FailsafeLatchedZones is the number of zones latched into failsafe.
	// Registered; no package in this module sets it.
	FailsafeLatchedZones prometheus.Gauge

	// ─── Storage ──────────────────────────────────────────────────────────────

	// StorageWriteLatency is BoltDB write transaction latency. Registered;
	// no package in this module observes it.
	StorageWriteLatency prometheus.Histogram

	// StorageMeasurementRows is the number of measurement rows retained in
	// BoltDB. Registered; no package in this module sets it.
	StorageMeasurementRows prometheus.Gauge

	// ─── Agent ────────────────────────────────────────────────────────────────

	// AgentUptimeSeconds is the number of seconds since agent start.
	AgentUptimeSeconds prometheus.Gauge

	// startTime records when the agent started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all cea-controld Prometheus metrics.
// Returns a *Metrics with all descriptors initialised.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		FramesProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controld",
			Subsystem: "ingest",
			Name:      "frames_processed_total",
			Help:      "Total decoded sensor frames processed, by zone.",
		}, []string{"zone"}),

		FramesDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controld",
			Subsystem: "ingest",
			Name:      "frames_dropped_total",
			Help:      "Total failed sensor reads or polls, by producer.",
		}, []string{"producer"}),

		IngestQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "controld",
			Subsystem: "ingest",
			Name:      "queue_depth",
			Help:      "Current depth of the in-memory producer processing queue.",
		}),

		TickLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "controld",
			Subsystem: "control",
			Name:      "tick_latency_seconds",
			Help:      "Wall-clock duration of one control-loop tick across every zone.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),

		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "controld",
			Subsystem: "control",
			Name:      "ticks_total",
			Help:      "Total completed control-loop ticks.",
		}),

		ControlDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controld",
			Subsystem: "control",
			Name:      "decisions_total",
			Help:      "Total device decisions, by reason (rule, schedule, pid, vpd_control).",
		}, []string{"reason"}),

		PIDDutyPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "controld",
			Subsystem: "pid",
			Name:      "duty_percent",
			Help:      "Last computed PID duty cycle percentage, by zone and device.",
		}, []string{"zone", "device"}),

		InterlockBlocksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "controld",
			Subsystem: "interlock",
			Name:      "blocks_total",
			Help:      "Total device-on requests refused by an interlock, by zone and device.",
		}, []string{"zone", "device"}),

		ActiveAlarms: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "controld",
			Subsystem: "alarm",
			Name:      "active",
			Help:      "Current number of active alarms, by zone.",
		}, []string{"zone"}),

		FailsafeLatchedZones: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "controld",
			Subsystem: "alarm",
			Name:      "failsafe_latched_zones",
			Help:      "Current number of zones latched into the failsafe operating mode.",
		}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "controld",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		StorageMeasurementRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "controld",
			Subsystem: "storage",
			Name:      "measurement_rows",
			Help:      "Current number of measurement rows retained in BoltDB.",
		}),

		AgentUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "controld",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the agent started.",
		}),
	}

	reg.MustRegister(
		m.FramesProcessedTotal,
		m.FramesDroppedTotal,
		m.IngestQueueDepth,
		m.TickLatency,
		m.TicksTotal,
		m.ControlDecisionsTotal,
		m.PIDDutyPercent,
		m.InterlockBlocksTotal,
		m.ActiveAlarms,
		m.FailsafeLatchedZones,
		m.StorageWriteLatency,
		m.StorageMeasurementRows,
		m.AgentUptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
// The server binds to addr (e.g., "127.0.0.1:9091") and serves GET /metrics.
// Returns an error only if the server fails to start or encounters a fatal error.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the AgentUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.AgentUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
