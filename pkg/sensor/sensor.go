// Filament buffer sensor frontend
//
// Copyright (C) 2026  MMU Sync Go Port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package sensor models the filament buffer feedback hardware between the
// MMU gear stepper and the extruder: proportional (analog) sensors that
// report a continuous buffer position, and switch based sensors that only
// report contact with the compression and/or tension extremes.
package sensor

import "math"

// Type identifies the kind of buffer feedback a gate provides.
type Type int

const (
	TypeUnknown Type = iota
	TypeTensionOnly
	TypeCompressionOnly
	TypeDiscrete     // both tension and compression switches
	TypeProportional // analog sensor with continuous output
)

func (t Type) String() string {
	switch t {
	case TypeProportional:
		return "proportional"
	case TypeDiscrete:
		return "discrete"
	case TypeCompressionOnly:
		return "compression_only"
	case TypeTensionOnly:
		return "tension_only"
	default:
		return "unknown"
	}
}

// HasNeutral reports whether the sensor can represent a neutral (mid
// buffer) reading. Single switch sensors cannot: with one switch there are
// only two observable values, so a released switch is read as the opposite
// extreme rather than neutral.
func (t Type) HasNeutral() bool {
	return t == TypeProportional || t == TypeDiscrete
}

// DeriveType determines the sensor type from the hardware present on a
// gate. Precedence when multiple inputs exist: an analog input wins over
// switches, and a full switch pair wins over a single switch.
func DeriveType(hasAnalog, hasCompression, hasTension bool) Type {
	switch {
	case hasAnalog:
		return TypeProportional
	case hasCompression && hasTension:
		return TypeDiscrete
	case hasCompression:
		return TypeCompressionOnly
	case hasTension:
		return TypeTensionOnly
	default:
		return TypeUnknown
	}
}

// Buffer state extremes as reported to the controller. Positive is
// compression (buffer overfull, gear feeding too fast), negative is
// tension (buffer starved).
const (
	StateCompressed = 1.0
	StateNeutral    = 0.0
	StateTensioned  = -1.0
)

// SwitchState converts raw switch readings into a feedback state for the
// given sensor type.
//
// For a full pair, exactly one pressed switch names the extreme; both
// pressed or both released reads neutral. A single switch sensor has no
// neutral: released is reported as the opposite extreme, which the
// controller compensates for with its two-level operating mode.
func SwitchState(t Type, compression, tension bool) float64 {
	switch t {
	case TypeDiscrete:
		if compression && !tension {
			return StateCompressed
		}
		if tension && !compression {
			return StateTensioned
		}
		return StateNeutral
	case TypeCompressionOnly:
		if compression {
			return StateCompressed
		}
		return StateTensioned
	case TypeTensionOnly:
		if tension {
			return StateTensioned
		}
		return StateCompressed
	}
	return StateNeutral
}

// AnalogMapper converts a raw proportional sensor reading into the
// normalized [-1, 1] buffer position. The mapping is linear around a
// configured neutral point with independent spans toward each extreme,
// supports reversed sensor polarity, and can apply gamma shaping to
// emphasize or soften response near neutral.
type AnalogMapper struct {
	Neutral  float64 // raw value at buffer midpoint
	SpanPos  float64 // raw delta from neutral to full compression
	SpanNeg  float64 // raw delta from neutral to full tension (positive)
	Reversed bool    // sensor polarity is inverted
	Gamma    float64 // response shaping exponent, 1.0 = linear
}

// NewAnalogMapper builds a mapper from the raw values observed at full
// tension, neutral and full compression. Handles sensors wired with either
// polarity.
func NewAnalogMapper(rawTension, rawNeutral, rawCompression, gamma float64) AnalogMapper {
	m := AnalogMapper{Neutral: rawNeutral, Gamma: gamma}
	if rawCompression < rawTension {
		m.Reversed = true
		rawCompression, rawTension = rawTension, rawCompression
	}
	m.SpanPos = rawCompression - rawNeutral
	m.SpanNeg = rawNeutral - rawTension
	return m
}

// Map converts a raw reading to a buffer position in [-1, 1].
func (m AnalogMapper) Map(raw float64) float64 {
	y := raw - m.Neutral
	if y >= 0 {
		if m.SpanPos > 0 {
			y /= m.SpanPos
		}
	} else {
		if m.SpanNeg > 0 {
			y /= m.SpanNeg
		}
	}
	if m.Reversed {
		y = -y
	}
	if m.Gamma > 0 && m.Gamma != 1.0 && y != 0 {
		y = math.Copysign(math.Pow(math.Abs(y), m.Gamma), y)
	}
	if y > 1 {
		y = 1
	} else if y < -1 {
		y = -1
	}
	return y
}
