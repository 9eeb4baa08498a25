// Sync-feedback controller configuration
//
// Copyright (C) 2026  MMU Sync Go Port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package syncfeedback implements a motion-triggered filament tension
// controller that adapts the MMU gear stepper rotation distance (RD)
// dynamically based on buffer sensor feedback.
//
// Two operating modes are provided:
//
//  1. Two-level RD selection for switch sensors (compression-only,
//     tension-only, dual switch) and optionally proportional sensors.
//  2. A PD controller fed by an Extended Kalman Filter estimate for
//     proportional sensors.
//
// FlowGuard monitors all modes for clog (at extruder) and tangle (at MMU)
// conditions. Autotune optionally learns the calibrated gear rotation
// distance during steady printing.
package syncfeedback

import (
	"klipper-mmu-sync/pkg/errors"
	"klipper-mmu-sync/pkg/sensor"
)

// Autotune readiness basis choices.
const (
	BasisTime   = "time"
	BasisMotion = "motion"
	BasisEither = "either"
	BasisBoth   = "both"
)

// Config holds all controller tunables. Distances are mm, times seconds.
// Zero values for the optional window fields select derived defaults in
// Validate.
type Config struct {
	// Mechanics
	BufferRange    float64     // usable sensor travel, maps linearly to x in [-1,+1]
	BufferMaxRange float64     // physical clamp of buffer travel, >= BufferRange
	SensorType     sensor.Type // drives mode selection

	// Core lag tuning (readiness r). SensorLag is the motion required
	// before sensor changes count as fresh info; 0 disables gating.
	// InfoDelta is the minimum |dz| treated as new info (proportional only).
	SensorLag float64
	InfoDelta float64

	// PD gains on x with deadband
	Kp       float64
	Kd       float64 // derivative term, proportional sensors only
	Deadband float64 // no-action band around x=0

	// EKF noises
	QX    float64 // process noise on x
	QC    float64 // process noise on c (calibration scalar)
	RMeas float64 // measurement noise for proportional sensors

	// Calibration scalar clamps
	CMin float64
	CMax float64

	// FlowGuard
	FlowguardExtremeThreshold float64 // |x| or |z| treated as pegged
	FlowguardRelief           float64 // accumulated relief motion to trip; 0 = derive

	// Rotation distance
	RDStart             float64 // persisted baseline RD
	RDMinMaxSpeedMult   float64 // absolute RD envelope as a speed fraction
	RDTwoLevelSpeedMult float64 // two-level low/high as a speed fraction
	RDTwoLevelBoostMult float64 // extra span until first autotune candidate

	// Distance-based smoothing and slew
	RDFilterLen float64 // exp smoothing length in mm of extruder motion
	RDRatePerMM float64 // hard rate limit on |dRD| per mm; 0 disables

	// Extreme behavior
	ReadinessExtremeFloor float64 // minimum r when pegged
	RateExtremeMult       float64 // rate cap multiplier when pegged
	SnapAtExtremes        bool    // relief-biased snap when pegged
	ExtremeReliefFrac     float64 // fraction of |d_ext| of guaranteed relief

	// Autotune, EKF path
	AutotuneStableXThresh float64 // near neutral if |x| <= this
	AutotuneStableTime    float64 // min time near neutral
	AutotuneBasis         string  // which readiness tests must pass
	AutotuneMotion        float64 // motion near neutral if basis uses it; 0 = derive
	AutotuneVarRelFrac    float64 // max relative std of speed near neutral
	AutotuneVarLen        float64 // EWMA length for speed stats; 0 = derive

	// Autotune, two-level path
	AutotuneSignificanceZ float64 // z-score to accept a new RD; 0 disables

	// Autotune, shared
	AutotuneCooldownTime   float64
	AutotuneCooldownMotion float64
	AutotuneMinSaveFrac    float64 // min speed change vs persisted value to save

	// Certainty tracking of RD recommendations
	CertWindow     int     // FIFO length of certainty samples
	CertTauRel     float64 // target relative standard error
	CertN0         float64 // prior sample penalty
	CertHysteresis float64 // min score improvement to accept

	OSMinFlip float64 // minimum motion between two-level flips (anti-chatter)

	// Optional two-level mode for proportional sensors
	ForceTwoLevel bool    // run the two-level branch even with a proportional sensor
	PThreshold    float64 // proportional extreme if |z| >= this in two-level mode
	PHysteresis   float64 // shrink threshold by this when exiting an extreme
}

// DefaultConfig returns a Config with the stock tuning for the given
// sensor type.
func DefaultConfig(sensorType sensor.Type) Config {
	return Config{
		BufferRange:    8.0,
		BufferMaxRange: 14.0,
		SensorType:     sensorType,

		SensorLag: 0.0,
		InfoDelta: 0.08,

		Kp:       0.5,
		Kd:       0.4,
		Deadband: 0.1,

		QX:    1e-3,
		QC:    5e-5,
		RMeas: 2.5e-2,

		CMin: 0.25,
		CMax: 4.0,

		FlowguardExtremeThreshold: 0.9,

		RDStart:             20.0,
		RDMinMaxSpeedMult:   0.25,
		RDTwoLevelSpeedMult: 0.05,
		RDTwoLevelBoostMult: 0.05,

		RDFilterLen: 25.0,
		RDRatePerMM: 0.10,

		ReadinessExtremeFloor: 0.7,
		RateExtremeMult:       2.0,
		SnapAtExtremes:        true,
		ExtremeReliefFrac:     0.25,

		AutotuneStableXThresh: 0.12,
		AutotuneStableTime:    4.0,
		AutotuneBasis:         BasisBoth,
		AutotuneVarRelFrac:    0.004,

		AutotuneSignificanceZ: 1.0,

		AutotuneCooldownTime:   10.0,
		AutotuneCooldownMotion: 100.0,
		AutotuneMinSaveFrac:    0.001,

		CertWindow:     8,
		CertTauRel:     0.01,
		CertN0:         3.0,
		CertHysteresis: 0.001,

		OSMinFlip: 0.0,

		PThreshold:  0.80,
		PHysteresis: 0.2,
	}
}

// Validate checks invariants and fills in derived defaults for the
// optional window fields. Must be called (directly or via New) before the
// Config is used.
func (c *Config) Validate() error {
	if c.BufferRange <= 0 {
		return errors.New(errors.ErrConfigValidation, "buffer range must be > 0")
	}
	if c.BufferMaxRange <= 0 {
		return errors.New(errors.ErrConfigValidation, "buffer max range must be > 0")
	}
	if c.BufferMaxRange < c.BufferRange {
		return errors.New(errors.ErrConfigValidation,
			"buffer max range %.2f must be >= buffer range %.2f",
			c.BufferMaxRange, c.BufferRange)
	}
	if c.RDStart <= 0 {
		return errors.New(errors.ErrConfigValidation, "rotation distance start must be > 0")
	}
	switch c.AutotuneBasis {
	case BasisTime, BasisMotion, BasisEither, BasisBoth:
	case "":
		c.AutotuneBasis = BasisBoth
	default:
		return errors.New(errors.ErrConfigValidation,
			"autotune basis %q not one of time/motion/either/both", c.AutotuneBasis)
	}

	// Autotune window defaults scale with the smoothing length
	if c.AutotuneMotion <= 0 {
		c.AutotuneMotion = 3.0 * c.RDFilterLen
	}
	if c.AutotuneVarLen <= 0 {
		c.AutotuneVarLen = 1.8 * c.RDFilterLen
	}

	// FlowGuard relief threshold: how much counter-effort must be proven.
	// Proportional sensors resolve position so need less margin.
	if c.FlowguardRelief <= 0 {
		mult := 0.7
		if c.SensorType == sensor.TypeProportional {
			mult = 0.3
		}
		c.FlowguardRelief = max(mult*c.BufferRange, c.BufferMaxRange)
	}
	return nil
}

// twoLevelActive reports whether the controller runs the two-level branch
// for this configuration.
func (c *Config) twoLevelActive() bool {
	switch c.SensorType {
	case sensor.TypeCompressionOnly, sensor.TypeTensionOnly, sensor.TypeDiscrete:
		return true
	case sensor.TypeProportional:
		return c.ForceTwoLevel
	}
	return false
}
