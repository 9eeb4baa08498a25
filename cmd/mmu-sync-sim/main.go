// MMU sync-feedback simulator
//
// Copyright (C) 2026  MMU Sync Go Port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// mmu-sync-sim runs the sync-feedback controller against a simulated
// filament buffer plant and writes per-tick telemetry as JSON lines for
// offline plotting. It answers "does the controller converge on this
// sensor with this miscalibration" without any hardware.
//
// Usage:
//
//	mmu-sync-sim [options]
//
// Options:
//
//	-sensor string    sensor type: proportional, discrete,
//	                  compression_only or tension_only (default "proportional")
//	-rd float         commanded start rotation distance (default 20.0)
//	-true-rd float    physically correct rotation distance (default 21.0)
//	-feed float       extruder feed rate in mm/s (default 2.5)
//	-dt float         tick period in seconds (default 2.0)
//	-ticks int        number of ticks to run (default 500)
//	-noise float      proportional sensor noise stddev (default 0)
//	-seed int         noise random seed (default 1)
//	-out string       telemetry output path (default "/tmp/sync.jsonl")
//
// Examples:
//
//	mmu-sync-sim -sensor proportional -rd 20 -true-rd 21.5 -noise 0.02
//	mmu-sync-sim -sensor discrete -ticks 2000 -out /tmp/discrete.jsonl
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"

	"klipper-mmu-sync/pkg/log"
	"klipper-mmu-sync/pkg/sensor"
	"klipper-mmu-sync/pkg/syncfeedback"
)

var sensorTypes = map[string]sensor.Type{
	"proportional":     sensor.TypeProportional,
	"discrete":         sensor.TypeDiscrete,
	"compression_only": sensor.TypeCompressionOnly,
	"tension_only":     sensor.TypeTensionOnly,
}

func main() {
	var (
		sensorName = flag.String("sensor", "proportional", "sensor type")
		rdStart    = flag.Float64("rd", 20.0, "commanded start rotation distance")
		trueRD     = flag.Float64("true-rd", 21.0, "physically correct rotation distance")
		feed       = flag.Float64("feed", 2.5, "extruder feed rate in mm/s")
		dt         = flag.Float64("dt", 2.0, "tick period in seconds")
		ticks      = flag.Int("ticks", 500, "number of ticks to run")
		noise      = flag.Float64("noise", 0, "proportional sensor noise stddev")
		seed       = flag.Int64("seed", 1, "noise random seed")
		outPath    = flag.String("out", "/tmp/sync.jsonl", "telemetry output path")
	)
	flag.Parse()

	if err := run(*sensorName, *rdStart, *trueRD, *feed, *dt, *ticks, *noise, *seed, *outPath); err != nil {
		log.Error("Fatal: %v", err)
		os.Exit(1)
	}
}

func run(sensorName string, rdStart, trueRD, feed, dt float64, ticks int, noise float64, seed int64, outPath string) error {
	st, ok := sensorTypes[sensorName]
	if !ok {
		return fmt.Errorf("unknown sensor type %q", sensorName)
	}
	if ticks <= 0 || dt <= 0 || feed <= 0 || rdStart <= 0 || trueRD <= 0 {
		return fmt.Errorf("ticks, dt, feed, rd and true-rd must all be positive")
	}

	cfg := syncfeedback.DefaultConfig(st)
	cfg.RDStart = rdStart
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctrl, err := syncfeedback.New(cfg)
	if err != nil {
		return err
	}

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()
	ctrl.SetTelemetry(out)

	plant := syncfeedback.NewSimulator(cfg, trueRD)
	if noise > 0 {
		rng := rand.New(rand.NewSource(seed))
		plant.SetNoise(func() float64 { return rng.NormFloat64() * noise })
	}

	log.Info("Simulating type-%s sensor: commanded rd %.4f, true rd %.4f", sensorName, rdStart, trueRD)

	var trips int
	t := 0.0
	res := ctrl.Reset(t, rdStart, plant.Reading(), true)
	for i := 0; i < ticks; i++ {
		t += dt
		d := feed * dt
		reading := plant.Step(res.RDCurrent, d)
		res = ctrl.Update(t, d, reading)
		if res.Flowguard.Trigger != "" {
			trips++
			log.Warn("FlowGuard trip at t=%.0fs: %s (%s)", t, res.Flowguard.Trigger, res.Flowguard.Reason)
			ctrl.ResetFlowguard()
		}
	}

	extruded := feed * dt * float64(ticks)
	tunedErr := math.Abs(res.RDTuned-trueRD) / trueRD * 100
	currentErr := math.Abs(res.RDCurrent-trueRD) / trueRD * 100

	fmt.Printf("Extruded %.0fmm over %d ticks (%.0fs)\n", extruded, ticks, t)
	fmt.Printf("Final rd_current: %.4f (%.2f%% from truth)\n", res.RDCurrent, currentErr)
	fmt.Printf("Final rd_tuned:   %.4f (%.2f%% from truth)\n", res.RDTuned, tunedErr)
	fmt.Printf("Buffer position:  %+.3f (normalized)\n", plant.Position())
	fmt.Printf("FlowGuard trips:  %d\n", trips)
	if res.Autotune.Note != "" {
		fmt.Printf("Last autotune:    %s\n", res.Autotune.Note)
	}
	fmt.Printf("Telemetry written to %s\n", outPath)
	return nil
}
