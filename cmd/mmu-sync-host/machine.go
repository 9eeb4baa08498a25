// Bench machine adapters for the sync-feedback host
//
// Copyright (C) 2026  MMU Sync Go Port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"math"
	"sync"

	"klipper-mmu-sync/pkg/encoder"
	"klipper-mmu-sync/pkg/mmu"
	"klipper-mmu-sync/pkg/reactor"
	"klipper-mmu-sync/pkg/sensor"
	"klipper-mmu-sync/pkg/syncfeedback"
)

// Demo feed tick period (seconds)
const feedInterval = 0.25

// plant is a bench stand-in for the MMU hardware: a simulated filament
// buffer between a gear stepper and an extruder. It implements the
// manager's GearMotor and SensorHub interfaces so the full control stack
// runs without MCU firmware; real deployments replace it with MCU backed
// adapters.
type plant struct {
	mu  sync.Mutex
	sim *syncfeedback.Simulator

	sensorType sensor.Type
	rd         float64 // commanded gear rotation distance
	trueRD     float64 // physically correct rotation distance

	extruderPos float64
	fedTotal    float64 // filament fed at the gear, for encoder counts
	feeding     bool

	encoder       *encoder.Encoder
	encResolution float64

	onSensor func(eventtime, reading float64)

	feedRate  float64
	feedTimer *reactor.Timer
}

func newPlant(cfg syncfeedback.Config, trueRD float64) *plant {
	return &plant{
		sim:           syncfeedback.NewSimulator(cfg, trueRD),
		sensorType:    cfg.SensorType,
		rd:            cfg.RDStart,
		trueRD:        trueRD,
		encResolution: 1.0,
	}
}

// GearMotor

func (p *plant) SetRotationDistance(rd float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rd = rd
}

func (p *plant) Move(distMM, speed float64) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shiftLocked(distMM)
	return distMM, nil
}

func (p *plant) HomingMove(distMM, speed float64, endstop string, homingDir int) (float64, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	step := 0.5
	if distMM < 0 {
		step = -0.5
	}
	var moved float64
	for {
		if p.endstopStateLocked(endstop) == (homingDir > 0) {
			return moved, true, nil
		}
		if math.Abs(moved) >= math.Abs(distMM) {
			return moved, false, nil
		}
		if remain := distMM - moved; math.Abs(remain) < math.Abs(step) {
			step = remain
		}
		p.shiftLocked(step)
		moved += step
	}
}

// shiftLocked applies a commanded gear move. The filament actually fed
// depends on how the commanded rotation distance compares to the truth.
func (p *plant) shiftLocked(distMM float64) {
	fed := distMM
	if math.Abs(p.rd) > 1e-9 {
		fed = distMM * (p.trueRD / p.rd)
	}
	p.sim.Shift(fed)
	p.fedTotal += math.Abs(fed)
}

func (p *plant) endstopStateLocked(endstop string) bool {
	switch endstop {
	case mmu.SensorCompression:
		return p.sim.Position() >= 1.0
	case mmu.SensorTension:
		return p.sim.Position() <= -1.0
	}
	return false
}

// SensorHub

func (p *plant) HasTension() bool {
	return p.sensorType == sensor.TypeDiscrete || p.sensorType == sensor.TypeTensionOnly
}

func (p *plant) HasCompression() bool {
	return p.sensorType == sensor.TypeDiscrete || p.sensorType == sensor.TypeCompressionOnly
}

func (p *plant) HasProportional() bool {
	return p.sensorType == sensor.TypeProportional
}

func (p *plant) State() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sim.Reading()
}

// ExtruderPosition is the monitor's position source.
func (p *plant) ExtruderPosition(eventtime float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.extruderPos
}

// IsPrinting reports whether the demo feed is running.
func (p *plant) IsPrinting(eventtime float64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.feeding
}

// StartFeed begins simulated printing at rate mm/s of extruder motion.
// Sensor changes are forwarded through onSensor.
func (p *plant) StartFeed(r *reactor.Reactor, rate float64, onSensor func(eventtime, reading float64)) {
	p.mu.Lock()
	p.feedRate = rate
	p.feeding = true
	p.onSensor = onSensor
	if p.feedTimer == nil {
		p.feedTimer = r.RegisterTimer(p.feedTick, reactor.NOW)
	}
	p.mu.Unlock()
	if p.encoder != nil {
		p.encoder.StartPrinting()
	}
}

// StopFeed halts simulated printing.
func (p *plant) StopFeed() {
	p.mu.Lock()
	p.feeding = false
	p.mu.Unlock()
	if p.encoder != nil {
		p.encoder.StopPrinting()
	}
}

// feedTick advances the extruder and the buffer by one demo step.
func (p *plant) feedTick(eventtime float64) float64 {
	p.mu.Lock()
	if !p.feeding {
		p.mu.Unlock()
		return eventtime + feedInterval
	}
	d := p.feedRate * feedInterval
	p.extruderPos += d
	before := p.sim.Reading()
	reading := p.sim.Step(p.rd, d)
	p.fedTotal += d
	counts := int64(math.Round(p.fedTotal / p.encResolution))
	enc := p.encoder
	notify := p.onSensor
	changed := reading != before
	p.mu.Unlock()

	if enc != nil {
		enc.CountUpdate(eventtime, counts, eventtime)
	}
	if changed && notify != nil {
		notify(eventtime, reading)
	}
	return eventtime + feedInterval
}
