// Package main — bench/cmd/tickbench/main.go
//
// Control-loop tick latency measurement tool.
//
// Measures the wall-clock time of control.Engine.Tick across a
// synthetic fleet of zones/devices, run against a miniredis cache and a
// temp-file BoltDB store so no external services are required.
//
// Output CSV columns:
//   iteration, latency_us
//
// Exits 1 if the p99 tick latency exceeds the 1-second control interval,
// the condition that would mean the control loop cannot keep up with its
// own cadence.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/cea-systems/controld/internal/alarm"
	"github.com/cea-systems/controld/internal/cache"
	"github.com/cea-systems/controld/internal/control"
	"github.com/cea-systems/controld/internal/interlock"
	"github.com/cea-systems/controld/internal/model"
	"github.com/cea-systems/controld/internal/schedule"
	"github.com/cea-systems/controld/internal/storage"
)

type noopWriter struct{}

func (noopWriter) Write(_ context.Context, _, _ string, _ bool) error { return nil }

type noopLights struct{}

func (noopLights) SetIntensity(_ context.Context, _, _ string, _ float64) error { return nil }

func main() {
	iterations := flag.Int("iterations", 1000, "Number of ticks to measure")
	zoneCount := flag.Int("zones", 8, "Number of synthetic zones")
	devicesPerZone := flag.Int("devices", 6, "Devices per zone")
	outputFile := flag.String("output", "tick_latency.csv", "Output CSV file path")
	flag.Parse()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	mr, err := miniredis.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "miniredis: %v\n", err)
		os.Exit(1)
	}
	defer mr.Close()

	dbPath, err := os.MkdirTemp("", "tickbench")
	if err != nil {
		fmt.Fprintf(os.Stderr, "tempdir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dbPath)

	db, err := storage.Open(dbPath + "/tickbench.db")
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage.Open: %v\n", err)
		os.Exit(1)
	}
	defer db.Close() //nolint:errcheck

	c := cache.New(mr.Addr())
	defer c.Close() //nolint:errcheck

	il := interlock.NewManager(noopWriter{})
	al := alarm.NewManager()
	snap := control.NewSnapshot()

	ctx := context.Background()
	buildFleet(ctx, c, db, snap, il, *zoneCount, *devicesPerZone)

	engine := control.NewEngine(snap, c, db, il, al, noopLights{}, zap.NewNop(), nil)

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "latency_us"})

	var bucket [1_000_002]int // microsecond histogram, 0-1s; the last bucket collects anything slower
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	for i := 0; i < *iterations; i++ {
		tickAt := now.Add(time.Duration(i) * time.Second)
		start := time.Now()
		engine.Tick(ctx, tickAt)
		latency := time.Since(start)

		us := int(latency.Microseconds())
		idx := us
		if idx >= len(bucket) {
			idx = len(bucket) - 1
		}
		bucket[idx]++
		_ = w.Write([]string{strconv.Itoa(i), strconv.Itoa(us)})
	}

	p50, p95, p99 := computePercentiles(bucket[:], *iterations)

	fmt.Printf("Control Loop Tick Latency (%d iterations, %d zones x %d devices)\n",
		*iterations, *zoneCount, *devicesPerZone)
	fmt.Printf("  p50: %dus\n", p50)
	fmt.Printf("  p95: %dus\n", p95)
	fmt.Printf("  p99: %dus\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)

	if p99 > 1_000_000 {
		fmt.Fprintf(os.Stderr, "FAIL: p99 %dus exceeds the 1s control interval\n", p99)
		os.Exit(1)
	}
}

// buildFleet registers zoneCount zones, each with devicesPerZone devices
// (alternating heater/fan/light), a flat day schedule, a day setpoint, and
// a live sensor reading so every PID/VPD pass in Tick has real work to do.
func buildFleet(ctx context.Context, c *cache.Cache, db *storage.DB, snap *control.Snapshot, il *interlock.Manager, zoneCount, devicesPerZone int) {
	for z := 0; z < zoneCount; z++ {
		zone := fmt.Sprintf("zone%d", z)
		tempSensor := zone + "_temp"
		vpdSensor := zone + "_vpd"
		_ = c.PutSensor(ctx, tempSensor, 21.5, time.Now())
		_ = c.PutSensor(ctx, vpdSensor, 0.8, time.Now())
		_ = db.PutDeviceMapping(model.DeviceMapping{Zone: zone, Role: string(model.SetpointHeating), Sensor: tempSensor})
		_ = db.PutDeviceMapping(model.DeviceMapping{Zone: zone, Role: string(model.SetpointVPD), Sensor: vpdSensor})

		devices := make([]model.Device, 0, devicesPerZone)
		for d := 0; d < devicesPerZone; d++ {
			var dev model.Device
			switch d % 3 {
			case 0:
				dev = model.Device{
					Zone: zone, Name: fmt.Sprintf("heat%d", d), Type: model.DeviceHeater, PIDEnabled: true,
					PID:        &model.PIDConfig{Kp: 40, PWMPeriod: 10 * time.Second},
					Priorities: []model.SetpointPriority{{Type: model.SetpointHeating, Priority: 1}},
				}
			case 1:
				dev = model.Device{
					Zone: zone, Name: fmt.Sprintf("fan%d", d), Type: model.DeviceFan, PIDEnabled: true,
					PID:        &model.PIDConfig{Kp: 20, PWMPeriod: 10 * time.Second},
					Priorities: []model.SetpointPriority{{Type: model.SetpointVPD, Priority: 1}},
				}
			default:
				dev = model.Device{
					Zone: zone, Name: fmt.Sprintf("light%d", d), Type: model.DeviceLight,
					GPIOBoardID: "sim", Dim: &model.DimConfig{BoardID: "sim", Channel: d, SafetyLevel: 100},
				}
			}
			devices = append(devices, dev)
			il.RegisterDevice(dev)
		}

		snap.Set(&control.ZoneConfig{
			Zone:    zone,
			Day:     schedule.DaySchedule{DayStartMinute: 0, DayEndMinute: 1439},
			Devices: devices,
			Setpoints: map[model.ClimateMode]model.Setpoint{
				model.ModeDay: {Zone: zone, Mode: model.ModeDay, Heating: 24, VPD: 1.0},
			},
		})
	}
}

func computePercentiles(hist []int, total int) (p50, p95, p99 int) {
	targets := []struct {
		pct float64
		out *int
	}{
		{0.50, &p50},
		{0.95, &p95},
		{0.99, &p99},
	}
	cumulative := 0
	ti := 0
	for i, count := range hist {
		cumulative += count
		for ti < len(targets) && float64(cumulative) >= targets[ti].pct*float64(total) {
			*targets[ti].out = i
			ti++
		}
		if ti == len(targets) {
			break
		}
	}
	return
}
