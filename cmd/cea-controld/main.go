// Package main — cmd/cea-controld/main.go
//
// cea-controld agent entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/cea-controld/config.yaml.
//  2. Initialise structured logger (zap, JSON or console per observability.log_format).
//  3. Open BoltDB storage and the Redis-backed live cache.
//  4. Start the Prometheus metrics server (127.0.0.1:9091 by default).
//  5. Open the I2C bus (or run GPIO/DAC in simulation mode if unset),
//     register relay and DAC boards per the configured device topology.
//  6. Build the interlock manager, alarm manager, and control snapshot;
//     restore persisted relay/alarm state from BoltDB.
//  7. Start the CAN, soil, and weather ingest producers.
//  8. Start the control engine's 1Hz tick loop.
//  9. Start the operator Unix domain socket.
// 10. Register a SIGHUP handler for config hot-reload.
// 11. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (propagates to every goroutine).
//  2. Close the cache and BoltDB handles.
//  3. Flush the logger.
//  4. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/cea-systems/controld/internal/alarm"
	"github.com/cea-systems/controld/internal/cache"
	"github.com/cea-systems/controld/internal/config"
	"github.com/cea-systems/controld/internal/control"
	"github.com/cea-systems/controld/internal/decode"
	"github.com/cea-systems/controld/internal/hwio"
	"github.com/cea-systems/controld/internal/hwio/can"
	"github.com/cea-systems/controld/internal/hwio/dac"
	"github.com/cea-systems/controld/internal/hwio/gpio"
	"github.com/cea-systems/controld/internal/hwio/modbus"
	"github.com/cea-systems/controld/internal/ingest"
	"github.com/cea-systems/controld/internal/interlock"
	"github.com/cea-systems/controld/internal/model"
	"github.com/cea-systems/controld/internal/observability"
	"github.com/cea-systems/controld/internal/operator"
	"github.com/cea-systems/controld/internal/storage"
)

func main() {
	configPath := flag.String("config", "/etc/cea-controld/config.yaml", "Path to config.yaml")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("cea-controld %s (commit=%s built=%s)\n", config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("cea-controld starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		log.Fatal("BoltDB open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("BoltDB opened", zap.String("path", cfg.Storage.DBPath))

	c := cache.New(cfg.Cache.Addr)
	defer c.Close() //nolint:errcheck
	log.Info("cache connected", zap.String("addr", cfg.Cache.Addr))

	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	var devices []model.Device
	for _, z := range cfg.Zones {
		devices = append(devices, z.ToDevices()...)
	}

	gpioMgr, dacMgr := wireHardware(cfg, devices, log)

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
			log.Warn("zone reload from store failed, starting with empty mutable config", zap.String("zone", z.Name), zap.Error(err))
		}
		for _, p := range zc.Interlocks {
			il.RegisterInterlock(p)
		}
		snap.Set(zc)

		rows, err := db.DeviceStatesForZone(z.Name)
		if err != nil {
			log.Warn("device state restore failed", zap.String("zone", z.Name), zap.Error(err))
			continue
		}
		for _, row := range rows {
			il.RestoreState(row.Zone, row.Device, row.State, row.Mode, row.UpdatedAt)
		}

		alarms, err := db.ActiveAlarmsForZone(z.Name)
		if err != nil {
			log.Warn("alarm restore failed", zap.String("zone", z.Name), zap.Error(err))
			continue
		}
		for _, a := range alarms {
			al.Raise(a.Zone, a.Name, a.Severity, a.Message, a.Since)
		}
		if al.IsLatched(z.Name) {
			if fs, ok := al.Failsafe(z.Name); ok {
				if err := c.LatchFailsafe(ctx, fs); err != nil {
					log.Warn("failsafe cache latch restore failed", zap.String("zone", z.Name), zap.Error(err))
				}
			}
		}
	}

	engine := control.NewEngine(snap, c, db, il, al, lights, log, metrics)
	engine.HoldPeriod = cfg.Control.LastGoodHoldPeriod
	il.SetLoadOf(engine.LoadOf)

	startProducers(ctx, cfg, c, db, metrics, log)

	updateInterval := cfg.Control.UpdateInterval
	if updateInterval <= 0 {
		updateInterval = control.DefaultUpdateInterval
	}
	go runControlLoop(ctx, engine, updateInterval, log)

	if cfg.Operator.Enabled {
		opSrv := operator.NewServer(cfg.Operator.SocketPath, c, il, al, devices, log)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator socket error", zap.Error(err))
			}
		}()
		log.Info("operator socket started", zap.String("path", cfg.Operator.SocketPath))
	}

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received, reloading config")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed, retaining old config", zap.Error(err))
				continue
			}
			for _, z := range newCfg.Zones {
				// Build a fresh ZoneConfig and swap it in whole, so a tick
				// never sees a half-updated zone.
				zc := &control.ZoneConfig{Zone: z.Name, Day: z.ToDaySchedule(), Devices: z.ToDevices()}
				if err := control.ReloadZone(db, zc); err != nil {
					log.Error("zone reload failed during hot-reload, retaining old zone config", zap.String("zone", z.Name), zap.Error(err))
					continue
				}
				snap.Set(zc)
			}
			engine.HoldPeriod = newCfg.Control.LastGoodHoldPeriod
			log.Info("config hot-reload successful")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	time.Sleep(200 * time.Millisecond) // let producer/operator goroutines observe ctx.Done
	log.Info("cea-controld shutdown complete")
}

// runControlLoop ticks the control engine once per interval until ctx is
// cancelled.
func runControlLoop(ctx context.Context, engine *control.Engine, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			engine.Tick(ctx, now)
		}
	}
}

// startProducers launches the CAN, soil, and weather ingest goroutines
// configured in cfg. Hardware that failed to open is logged and skipped
// rather than treated as fatal, since a facility may not have every bus
// wired up.
func startProducers(ctx context.Context, cfg *config.Config, c *cache.Cache, db *storage.DB, metrics *observability.Metrics, log *zap.Logger) {
	if cfg.Hardware.CANInterface != "" {
		reader, err := can.Open(cfg.Hardware.CANInterface)
		if err != nil {
			log.Warn("CAN interface open failed, CAN ingest disabled", zap.Error(err), zap.String("iface", cfg.Hardware.CANInterface))
		} else {
			prod := &ingest.CANProducer{
				Reader:  reader,
				Decoder: decode.NewDecoder(model.Zone{}),
				Cache:   c,
				DB:      db,
				Log:     log,
				Metrics: metrics,
			}
			go func() {
				if err := prod.Run(ctx); err != nil {
					log.Error("CAN producer stopped", zap.Error(err))
				}
			}()
			log.Info("CAN producer started", zap.String("iface", cfg.Hardware.CANInterface))
		}
	}

	if cfg.Hardware.ModbusDevice != "" {
		master, err := modbus.Open(cfg.Hardware.ModbusDevice, cfg.Hardware.ModbusBaud, 500*time.Millisecond)
		if err != nil {
			log.Warn("Modbus master open failed, soil ingest disabled", zap.Error(err), zap.String("device", cfg.Hardware.ModbusDevice))
		} else {
			prod := &ingest.SoilProducer{
				Master:  master,
				Cache:   c,
				DB:      db,
				Log:     log,
				Metrics: metrics,
			}
			go func() {
				if err := prod.Run(ctx); err != nil {
					log.Error("soil producer stopped", zap.Error(err))
				}
			}()
			log.Info("soil producer started", zap.String("device", cfg.Hardware.ModbusDevice))
		}
	}

	if cfg.Weather.Enabled {
		prod := &ingest.WeatherProducer{
			APIURL:       cfg.Weather.APIURL,
			Station:      cfg.Weather.Station,
			PollInterval: cfg.Weather.PollInterval,
			DB:           db,
			Log:          log,
			Metrics:      metrics,
		}
		go func() {
			if err := prod.Run(ctx); err != nil {
				log.Error("weather producer stopped", zap.Error(err))
			}
		}()
		log.Info("weather producer started", zap.String("station", cfg.Weather.Station))
	}
}

// wireHardware opens the I2C bus (or runs in simulation with a nil bus)
// and registers one GPIO expander and one DAC board per board ID named in
// the device topology.
func wireHardware(cfg *config.Config, devices []model.Device, log *zap.Logger) (*gpio.Manager, *dac.Manager) {
	var bus i2c.BusCloser
	if cfg.Hardware.I2CBus != "" {
		if _, err := host.Init(); err != nil {
			log.Warn("periph host init failed, running hardware in simulation mode", zap.Error(err))
		} else {
			opened, err := i2creg.Open(cfg.Hardware.I2CBus)
			if err != nil {
				log.Warn("I2C bus open failed, running hardware in simulation mode", zap.Error(err), zap.String("bus", cfg.Hardware.I2CBus))
			} else {
				bus = opened
			}
		}
	} else {
		log.Info("no I2C bus configured, running GPIO/DAC in simulation mode")
	}

	gpioMgr := gpio.NewManager()
	dacMgr := dac.NewManager()

	gpioBoards := map[string]bool{}
	dacBoards := map[string]bool{}
	for _, d := range devices {
		if d.GPIOBoardID != "" && !gpioBoards[d.GPIOBoardID] {
			gpioBoards[d.GPIOBoardID] = true
			expander := gpio.New(busOrNil(bus), gpio.DefaultAddress)
			if err := expander.Init(); err != nil {
				log.Warn("GPIO board init failed", zap.Error(err), zap.String("board", d.GPIOBoardID))
			}
			gpioMgr.Register(d.GPIOBoardID, expander)
		}
		if d.Dim != nil && d.Dim.BoardID != "" && !dacBoards[d.Dim.BoardID] {
			dacBoards[d.Dim.BoardID] = true
			board := dac.NewBoard(busOrNil(bus), dac.DefaultAddress, d.Dim.BoardID)
			if err := board.Init(); err != nil {
				log.Warn("DAC board init failed", zap.Error(err), zap.String("board", d.Dim.BoardID))
			}
			dacMgr.Register(board)
		}
	}
	return gpioMgr, dacMgr
}

func busOrNil(bus i2c.BusCloser) i2c.Bus {
	if bus == nil {
		return nil
	}
	return bus
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
