// Package main — cmd/cea-sim/main.go
//
// cea-sim runs the full ingest -> control -> actuation pipeline against
// synthetic hardware: in-memory CAN frames standing in for PT100/BME280/
// SCD30 nodes, in-memory Modbus registers standing in for RS-485 soil
// probes, and a canned METAR payload standing in for the weather feed.
// No SocketCAN interface, RS-485 adapter, or I2C bus is required — GPIO
// and DAC boards run in their own simulation mode (nil bus), same as
// cea-controld does when hardware.i2c_bus is left unset.
//
// Use this to exercise the control loop end to end in CI or for a demo,
// or to validate a new zone/device config before pointing it at real
// hardware.
//
// Usage:
//   cea-sim -config /etc/cea-controld/config.yaml -run 30s
package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cea-systems/controld/internal/alarm"
	"github.com/cea-systems/controld/internal/cache"
	"github.com/cea-systems/controld/internal/config"
	"github.com/cea-systems/controld/internal/control"
	"github.com/cea-systems/controld/internal/decode"
	"github.com/cea-systems/controld/internal/hwio"
	"github.com/cea-systems/controld/internal/hwio/can"
	"github.com/cea-systems/controld/internal/hwio/dac"
	"github.com/cea-systems/controld/internal/hwio/gpio"
	"github.com/cea-systems/controld/internal/ingest"
	"github.com/cea-systems/controld/internal/interlock"
	"github.com/cea-systems/controld/internal/model"
	"github.com/cea-systems/controld/internal/observability"
	"github.com/cea-systems/controld/internal/storage"
)

func main() {
	configPath := flag.String("config", "/etc/cea-controld/config.yaml", "Path to config.yaml")
	runFor := flag.Duration("run", 0, "Stop after this long (0 = run until interrupted)")
	canInterval := flag.Duration("can-interval", 200*time.Millisecond, "Interval between synthetic CAN frames")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed for synthetic sensor noise")
	statusEvery := flag.Duration("status-interval", 5*time.Second, "How often to print a zone status line")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("cea-sim starting", zap.String("config", *configPath), zap.Int64("seed", *seed))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *runFor > 0 {
		ctx, cancel = context.WithTimeout(ctx, *runFor)
		defer cancel()
	}

	dbPath := cfg.Storage.DBPath
	if dbPath == "" {
		dbPath = tempDBPath("cea-sim.db")
	}
	db, err := storage.Open(dbPath)
	if err != nil {
		log.Fatal("BoltDB open failed", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck

	c := cache.New(cfg.Cache.Addr)
	defer c.Close() //nolint:errcheck

	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	var devices []model.Device
	for _, z := range cfg.Zones {
		devices = append(devices, z.ToDevices()...)
	}

	gpioMgr := gpio.NewManager()
	dacMgr := dac.NewManager()
	registerSimulatedBoards(gpioMgr, dacMgr, devices, log)

	writer := hwio.NewRelayWriter(gpioMgr, devices)
	lights := hwio.NewLightController(dacMgr, devices)

	il := interlock.NewManager(writer)
	for _, d := range devices {
		il.RegisterDevice(d)
	}

	al := alarm.NewManager()
	snap := control.NewSnapshot()
	for _, z := range cfg.Zones {
		zc := &control.ZoneConfig{Zone: z.Name, Day: z.ToDaySchedule(), Devices: z.ToDevices()}
		if err := control.ReloadZone(db, zc); err != nil {
			log.Warn("zone reload failed, starting with empty mutable config", zap.String("zone", z.Name), zap.Error(err))
		}
		for _, p := range zc.Interlocks {
			il.RegisterInterlock(p)
		}
		snap.Set(zc)
	}

	engine := control.NewEngine(snap, c, db, il, al, lights, log, metrics)
	engine.HoldPeriod = cfg.Control.LastGoodHoldPeriod
	il.SetLoadOf(engine.LoadOf)

	rng := rand.New(rand.NewSource(*seed))

	fixture := newCANFixture(rng, *canInterval)
	canProd := &ingest.CANProducer{
		Reader:  fixture,
		Decoder: decode.NewDecoder(model.Zone{Name: "Lab"}),
		Cache:   c,
		DB:      db,
		Log:     log,
		Metrics: metrics,
	}
	go func() {
		if err := canProd.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("synthetic CAN producer stopped", zap.Error(err))
		}
	}()

	soilProd := &ingest.SoilProducer{
		Master:       newSoilFixture(rng),
		Probes:       []ingest.SoilProbe{{Name: "bed1_soil", Bed: "bed1", Room: "Veg Room", SlaveID: 1}},
		PollInterval: 2 * time.Second,
		Cache:        c,
		DB:           db,
		Log:          log,
		Metrics:      metrics,
	}
	go func() {
		if err := soilProd.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("synthetic soil producer stopped", zap.Error(err))
		}
	}()

	weatherSrv := httptest.NewServer(metarHandler(rng))
	defer weatherSrv.Close()
	weatherProd := &ingest.WeatherProducer{
		APIURL:       weatherSrv.URL,
		Station:      "KDEMO",
		PollInterval: 10 * time.Second,
		DB:           db,
		Log:          log,
		Metrics:      metrics,
	}
	go func() {
		if err := weatherProd.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("synthetic weather producer stopped", zap.Error(err))
		}
	}()

	updateInterval := cfg.Control.UpdateInterval
	if updateInterval <= 0 {
		updateInterval = control.DefaultUpdateInterval
	}
	go func() {
		ticker := time.NewTicker(updateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				engine.Tick(ctx, now)
			}
		}
	}()

	go printStatusLoop(ctx, c, cfg, *statusEvery)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ctx.Done():
		log.Info("run duration elapsed, shutting down")
	case sig := <-sigCh:
		log.Info("interrupt received, shutting down", zap.String("signal", sig.String()))
		cancel()
	}
	time.Sleep(100 * time.Millisecond)
}

// registerSimulatedBoards registers one GPIO expander and one DAC board per
// board ID named in the device topology, all bound to a nil I2C bus so
// every write lands only in the driver's in-memory bitmap.
func registerSimulatedBoards(gpioMgr *gpio.Manager, dacMgr *dac.Manager, devices []model.Device, log *zap.Logger) {
	seenGPIO := map[string]bool{}
	seenDAC := map[string]bool{}
	for _, d := range devices {
		if d.GPIOBoardID != "" && !seenGPIO[d.GPIOBoardID] {
			seenGPIO[d.GPIOBoardID] = true
			e := gpio.New(nil, gpio.DefaultAddress)
			if err := e.Init(); err != nil {
				log.Warn("simulated GPIO board init failed", zap.Error(err))
			}
			gpioMgr.Register(d.GPIOBoardID, e)
		}
		if d.Dim != nil && d.Dim.BoardID != "" && !seenDAC[d.Dim.BoardID] {
			seenDAC[d.Dim.BoardID] = true
			b := dac.NewBoard(nil, dac.DefaultAddress, d.Dim.BoardID)
			if err := b.Init(); err != nil {
				log.Warn("simulated DAC board init failed", zap.Error(err))
			}
			dacMgr.Register(b)
		}
	}
}

// canFixture implements ingest.FrameReader, emitting a round-robin cycle
// of PT100 (node 1), BME280 (node 3), and SCD30 (node 4) frames with
// jittered readings once per interval.
type canFixture struct {
	rng      *rand.Rand
	interval time.Duration
	step     int
}

func newCANFixture(rng *rand.Rand, interval time.Duration) *canFixture {
	return &canFixture{rng: rng, interval: interval}
}

func (f *canFixture) Read(_ time.Duration) (can.Frame, error) {
	time.Sleep(f.interval)
	f.step++

	switch f.step % 3 {
	case 0:
		return f.pt100Frame(1), nil
	case 1:
		return f.bme280Frame(3), nil
	default:
		return f.scd30Frame(4), nil
	}
}

func (f *canFixture) pt100Frame(node int) can.Frame {
	dryC := 24.0 + f.rng.NormFloat64()*0.5
	wetC := dryC - (4.0 + f.rng.NormFloat64()*0.3)
	payload := make([]byte, 6)
	binary.BigEndian.PutUint16(payload[0:2], uint16(int16(dryC*100)))
	binary.BigEndian.PutUint16(payload[2:4], uint16(int16(wetC*100)))
	return can.Frame{ID: uint32(node<<8) | 0x01, Payload: payload}
}

func (f *canFixture) bme280Frame(node int) can.Frame {
	tempC := 23.0 + f.rng.NormFloat64()*0.4
	rh := math.Max(30, math.Min(90, 55+f.rng.NormFloat64()*5))
	pressHPa := 1013.0 + f.rng.NormFloat64()*2
	payload := make([]byte, 6)
	binary.BigEndian.PutUint16(payload[0:2], uint16(int16(tempC*100)))
	binary.BigEndian.PutUint16(payload[2:4], uint16(rh*100))
	binary.BigEndian.PutUint16(payload[4:6], uint16(pressHPa*10))
	return can.Frame{ID: uint32(node<<8) | 0x02, Payload: payload}
}

func (f *canFixture) scd30Frame(node int) can.Frame {
	co2 := math.Max(400, 800+f.rng.NormFloat64()*100)
	tempC := 23.5 + f.rng.NormFloat64()*0.4
	rh := math.Max(30, math.Min(90, 50+f.rng.NormFloat64()*5))
	payload := make([]byte, 6)
	binary.BigEndian.PutUint16(payload[0:2], uint16(co2))
	binary.BigEndian.PutUint16(payload[2:4], uint16(int16(tempC*100)))
	binary.BigEndian.PutUint16(payload[4:6], uint16(rh*100))
	return can.Frame{ID: uint32(node<<8) | 0x03, Payload: payload}
}

// soilFixture implements ingest.RegisterSource, synthesizing the same
// fixed-point register layout a real RS-485 probe returns.
type soilFixture struct {
	rng *rand.Rand
}

func newSoilFixture(rng *rand.Rand) *soilFixture {
	return &soilFixture{rng: rng}
}

func (s *soilFixture) ReadHoldingRegisters(_ byte, _, count uint16) ([]uint16, error) {
	tempC := 21.0 + s.rng.NormFloat64()*0.5
	rh := math.Max(20, math.Min(80, 45+s.rng.NormFloat64()*5))
	ec := 1800 + s.rng.NormFloat64()*150
	ph := 6.2 + s.rng.NormFloat64()*0.1

	regs := []uint16{
		uint16(int16(tempC * 10)),
		uint16(rh * 10),
		uint16(ec),
		uint16(ph * 100),
	}
	if int(count) < len(regs) {
		return regs[:count], nil
	}
	return regs, nil
}

// metarHandler serves a single-element METAR JSON report whose readings
// are random noise around fixed means, standing in for a live feed.
func metarHandler(rng *rand.Rand) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tempC := 18.0 + rng.NormFloat64()*2
		dewC := tempC - (5 + rng.NormFloat64())
		altim := 29.92 + rng.NormFloat64()*0.05
		windSpd := math.Max(0, 6+rng.NormFloat64()*3)
		windDir := math.Mod(180+rng.NormFloat64()*30+360, 360)
		precip := math.Max(0, rng.NormFloat64()*0.02)

		reports := []map[string]float64{{
			"temp":    tempC,
			"dewp":    dewC,
			"altim":   altim,
			"wspd":    windSpd,
			"wdir":    windDir,
			"precip":  precip,
		}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reports)
	}
}

// printStatusLoop prints one line per zone, per interval, showing the
// zone's operating mode, to stdout.
func printStatusLoop(ctx context.Context, c *cache.Cache, cfg *config.Config, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	zones := make([]string, 0, len(cfg.Zones))
	for _, z := range cfg.Zones {
		zones = append(zones, z.Name)
	}
	sort.Strings(zones)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, zone := range zones {
				mode, err := c.GetMode(ctx, zone)
				if err != nil {
					continue
				}
				fmt.Printf("%s zone=%-16s mode=%s\n", now.Format(time.RFC3339), zone, mode)
			}
		}
	}
}

func tempDBPath(name string) string {
	return os.TempDir() + string(os.PathSeparator) + name
}
