// MMU sync-feedback host
//
// Copyright (C) 2026  MMU Sync Go Port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// mmu-sync-host runs the filament sync-feedback stack: it loads the
// printer configuration, wires the sensors and gear motor, starts the
// reactor, the sync-feedback manager, the operator command surface and
// the status API server.
//
// The machine adapters in this binary drive a simulated buffer plant so
// the stack can run on a bench without MCU hardware. The -demo-feed flag
// starts continuous simulated printing against that plant.
//
// Usage:
//
//	mmu-sync-host -config printer.cfg [options]
//
// Options:
//
//	-config string    printer configuration file (required)
//	-vars string      calibration variables file (default "mmu_vars.cfg")
//	-api string       status API listen address (default ":7125")
//	-demo-feed float  simulated print feed rate in mm/s (0 disables)
//	-debug            enable debug logging
//	-json             log in JSON format
//	-logfile string   log to a file instead of stderr
//
// Examples:
//
//	mmu-sync-host -config printer.cfg
//	mmu-sync-host -config printer.cfg -demo-feed 2.5 -debug
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"klipper-mmu-sync/pkg/api"
	"klipper-mmu-sync/pkg/calibration"
	"klipper-mmu-sync/pkg/config"
	"klipper-mmu-sync/pkg/encoder"
	"klipper-mmu-sync/pkg/gcode"
	"klipper-mmu-sync/pkg/log"
	"klipper-mmu-sync/pkg/mmu"
	"klipper-mmu-sync/pkg/reactor"
	"klipper-mmu-sync/pkg/sensor"
	"klipper-mmu-sync/pkg/syncfeedback"
)

func main() {
	var (
		configPath = flag.String("config", "", "printer configuration file")
		varsPath   = flag.String("vars", "mmu_vars.cfg", "calibration variables file")
		apiAddr    = flag.String("api", ":7125", "status API listen address")
		demoFeed   = flag.Float64("demo-feed", 0, "simulated print feed rate in mm/s (0 disables)")
		debug      = flag.Bool("debug", false, "enable debug logging")
		jsonLog    = flag.Bool("json", false, "log in JSON format")
		logFile    = flag.String("logfile", "", "log to a file instead of stderr")
	)
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "the -config flag is required")
		flag.Usage()
		os.Exit(2)
	}

	logger := log.Default()
	if *debug {
		logger.SetLevel(log.DEBUG)
	}
	if *jsonLog {
		logger.SetFormat(log.FormatJSON)
	}
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "unable to open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		logger.SetWriter(f)
	}

	logger.Info("Starting MMU sync-feedback host")
	logger.Info("Config: %s, variables: %s", *configPath, *varsPath)

	if err := run(logger, *configPath, *varsPath, *apiAddr, *demoFeed); err != nil {
		logger.Error("Fatal: %v", err)
		os.Exit(1)
	}
}

func run(logger *log.Logger, configPath, varsPath, apiAddr string, demoFeed float64) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	settings, err := mmu.LoadSettings(cfg)
	if err != nil {
		return err
	}

	// The gear stepper section supplies the nominal rotation distance used
	// when no calibrated value exists yet.
	baseRD := 20.0
	if sec := cfg.SectionOptional("stepper_mmu_gear"); sec != nil {
		if baseRD, err = sec.GetFloatBounded("rotation_distance",
			config.FloatBounds{Above: config.Float(0)}, baseRD); err != nil {
			return err
		}
	}

	sensorType, trueRD, err := machineOptions(cfg, baseRD)
	if err != nil {
		return err
	}

	store, err := calibration.Open(varsPath, baseRD, logger)
	if err != nil {
		return err
	}

	plantCfg := syncfeedback.DefaultConfig(sensorType)
	if settings.BufferRange > 0 {
		plantCfg.BufferRange = settings.BufferRange
	}
	if settings.BufferMaxRange > plantCfg.BufferRange {
		plantCfg.BufferMaxRange = settings.BufferMaxRange
	}
	plantCfg.RDStart = store.GearRD(0)
	if err := plantCfg.Validate(); err != nil {
		return err
	}
	machine := newPlant(plantCfg, trueRD)

	r := reactor.New()

	var enc *encoder.Encoder
	if cfg.HasSection("mmu_encoder") {
		opts, err := encoder.LoadOptions(cfg)
		if err != nil {
			return err
		}
		enc, err = encoder.New(opts, encoder.Deps{
			Log:        logger,
			Reactor:    r,
			Position:   machine.ExtruderPosition,
			IsPrinting: machine.IsPrinting,
			OnRunout: func(eventtime float64) {
				logger.Error("Encoder detected a filament runout")
				machine.StopFeed()
			},
			OnInsert: func(eventtime float64) {
				logger.Info("Encoder detected filament insertion")
			},
			OnDetectionLength: func(length float64) {
				if err := store.UpdateClogLength(length); err != nil {
					logger.Error("Unable to persist clog detection length: %v", err)
				}
			},
		})
		if err != nil {
			return err
		}
		machine.encoder = enc
		machine.encResolution = opts.Resolution
	}

	monitor := mmu.NewExtruderMonitor(r, machine.ExtruderPosition)

	deps := mmu.Deps{
		Log:         logger,
		Clock:       r,
		Gear:        machine,
		Sensors:     machine,
		Calibration: store,
		Monitor:     monitor,
		OnClogTangle: func(trigger, sensorName string) {
			logger.Error("Pausing print: %s reported by the %s sensor", trigger, sensorName)
			machine.StopFeed()
		},
	}
	if enc != nil {
		deps.Encoder = enc
	}
	manager, err := mmu.NewSyncFeedbackManager(settings, deps)
	if err != nil {
		return err
	}
	manager.ConfigureEncoder()

	dispatcher := gcode.NewDispatcher(logger)
	gcode.RegisterSyncFeedbackCommands(dispatcher, manager, r)

	server := api.New(api.Config{
		Addr: apiAddr,
		Source: &api.MachineSource{
			Manager:  manager,
			Encoder:  enc,
			Commands: dispatcher,
		},
		Log: logger,
	})

	for _, opt := range cfg.UnusedOptions() {
		logger.Warn("Unused config option: %s", opt)
	}

	r.Run()

	if settings.SyncFeedbackEnabled {
		now := r.Monotonic()
		manager.HandleSynced(now)
		manager.ActivateFlowguard(now)
	}
	if demoFeed > 0 {
		logger.Info("Starting demo feed at %.2f mm/s", demoFeed)
		machine.StartFeed(r, demoFeed, manager.HandleSensorEvent)
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdownCh:
		logger.Info("Received %v, shutting down", sig)
	case err := <-serverErr:
		if err != nil {
			logger.Error("Status API server failed: %v", err)
		}
	}

	machine.StopFeed()
	if settings.SyncFeedbackEnabled {
		manager.HandleUnsynced(r.Monotonic())
	}
	if err := server.Stop(); err != nil {
		logger.Error("Error stopping status API server: %v", err)
	}
	r.End()
	r.Wait()
	logger.Info("MMU sync-feedback host stopped")
	return nil
}

// machineOptions reads the optional [mmu_machine] section describing the
// bench plant: which feedback sensor the buffer carries and the gear's
// physically true rotation distance.
func machineOptions(cfg *config.Config, baseRD float64) (sensor.Type, float64, error) {
	sensorType := sensor.TypeDiscrete
	trueRD := baseRD

	sec := cfg.SectionOptional("mmu_machine")
	if sec == nil {
		return sensorType, trueRD, nil
	}

	name, err := sec.GetChoice("sensor_type", []string{
		"proportional", "discrete", "compression_only", "tension_only",
	}, "discrete")
	if err != nil {
		return sensorType, trueRD, err
	}
	switch name {
	case "proportional":
		sensorType = sensor.TypeProportional
	case "compression_only":
		sensorType = sensor.TypeCompressionOnly
	case "tension_only":
		sensorType = sensor.TypeTensionOnly
	}

	if trueRD, err = sec.GetFloatBounded("true_rotation_distance",
		config.FloatBounds{Above: config.Float(0)}, baseRD); err != nil {
		return sensorType, trueRD, err
	}
	return sensorType, trueRD, nil
}
