// Simulated filament buffer plant
//
// Copyright (C) 2026  MMU Sync Go Port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package syncfeedback

import (
	"math"

	"klipper-mmu-sync/pkg/sensor"
)

// Simulator models the physical spring buffer between the MMU gear
// stepper and the extruder. The gear is commanded to mirror extruder
// motion using the controller's current RD; if that differs from the
// gear's true rotation distance the buffer drifts, which is exactly the
// condition the controller corrects.
type Simulator struct {
	cfg    Config
	trueRD float64 // physically correct gear rotation distance
	x      float64 // normalized buffer position, clamped to the physical limit
	noise  func() float64
}

// NewSimulator creates a plant with the given true gear RD. The Config
// must already be validated (NewSimulator is typically handed the same
// Config as the controller under test).
func NewSimulator(cfg Config, trueRD float64) *Simulator {
	return &Simulator{cfg: cfg, trueRD: trueRD}
}

// SetNoise installs a sensor noise source added to proportional readings.
func (s *Simulator) SetNoise(fn func() float64) { s.noise = fn }

// Step advances the buffer by one tick of extruder motion dExt while the
// gear runs at rdCurrent, and returns the new sensor reading.
func (s *Simulator) Step(rdCurrent, dExt float64) float64 {
	// Commanded gear rotations assume rdCurrent; the filament actually
	// fed depends on the true rotation distance.
	if math.Abs(rdCurrent) > 1e-9 {
		fed := dExt * (s.trueRD / rdCurrent)
		k := 2.0 / s.cfg.BufferRange
		s.x += k * (fed - dExt)
	}
	limit := s.cfg.BufferMaxRange / s.cfg.BufferRange
	s.x = clamp(s.x, -limit, limit)
	return s.Reading()
}

// Shift feeds (positive) or retracts (negative) filament at the gear
// with the extruder stationary, moving the buffer directly. distMM is the
// filament actually fed.
func (s *Simulator) Shift(distMM float64) {
	k := 2.0 / s.cfg.BufferRange
	limit := s.cfg.BufferMaxRange / s.cfg.BufferRange
	s.x = clamp(s.x+k*distMM, -limit, limit)
}

// Position returns the normalized buffer position (physical scale, may
// exceed [-1,1] up to the max range ratio).
func (s *Simulator) Position() float64 { return s.x }

// Reading returns the sensor value the configured sensor type would
// report for the current buffer position.
func (s *Simulator) Reading() float64 {
	switch s.cfg.SensorType {
	case sensor.TypeProportional:
		z := clamp(s.x, -1.0, 1.0)
		if s.noise != nil {
			z = clamp(z+s.noise(), -1.0, 1.0)
		}
		return z
	case sensor.TypeDiscrete:
		switch {
		case s.x >= 1.0:
			return 1
		case s.x <= -1.0:
			return -1
		}
		return 0
	case sensor.TypeCompressionOnly:
		if s.x >= 1.0 {
			return 1
		}
		return 0
	case sensor.TypeTensionOnly:
		if s.x <= -1.0 {
			return -1
		}
		return 0
	}
	return 0
}
