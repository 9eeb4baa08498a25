// Filament tension relaxation
//
// Copyright (C) 2026  MMU Sync Go Port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mmu

import (
	"math"

	"klipper-mmu-sync/pkg/errors"
)

// Proportional adjustment tuning. The neutral band is a fraction of the
// full sensor reading, loosely a percentage of the sensor travel: on a
// 14mm buffer a 0.1 band is roughly 1.4mm either side of center.
const (
	tensionNeutralBand    = 0.1
	tensionMinNeutralBand = 0.05
	tensionSettleTime     = 0.1 // seconds between moves for feedback to update
	tensionTimeout        = 10.0
)

// AdjustFilamentTension relaxes the filament tension in the buffer,
// preferring proportional control when available, else the sync-feedback
// switches. useGearMotor selects move direction semantics: the gear motor
// feeds toward the extruder, whereas moving the extruder pulls the same
// slack from the other side. maxMove is an advisory travel limit; <= 0
// uses the buffer maxrange. Returns the net correction distance and
// whether a neutral tension point was reached.
func (m *SyncFeedbackManager) AdjustFilamentTension(useGearMotor bool, maxMove float64) (float64, bool, error) {
	m.mu.Lock()
	settings := m.settings
	deps := m.deps
	m.mu.Unlock()

	if maxMove <= 0 {
		maxMove = settings.BufferMaxRange
	}

	if deps.Sensors.HasProportional() {
		return m.adjustTensionProportional(settings, deps)
	}
	if deps.Sensors.HasTension() || deps.Sensors.HasCompression() {
		return m.adjustTensionSwitch(settings, deps, useGearMotor, maxMove)
	}
	return 0, false, errors.New(errors.ErrSensor, "no active sync feedback sensors; cannot adjust filament tension")
}

// adjustTensionSwitch homes on (or off) a feedback switch to find neutral.
// With buffer_range 0 the neutral point overlaps both sensors, so the move
// always homes onto the opposite switch instead of backing off.
func (m *SyncFeedbackManager) adjustTensionSwitch(settings Settings, deps Deps, useGearMotor bool, maxMove float64) (float64, bool, error) {
	state := deps.Sensors.State()
	if state == StateNeutral {
		return 0, true, nil
	}

	m.logger.Debug("Monitoring buffer transition for up to %.1fmm...", maxMove)

	// Keep this tension adjustment slow
	speed := math.Min(settings.GearHomingSpeed, settings.ExtruderHomingSpeed)

	var direction float64
	var endstop string
	var homingDir int
	if state > 0 {
		m.logger.Debug("Relaxing filament compression")
		direction = -1
		if !useGearMotor {
			direction = 1
		}
		switch {
		case settings.BufferRange == 0 || !deps.Sensors.HasCompression():
			m.logger.Debug("Homing to tension sensor")
			endstop, homingDir = SensorTension, 1
		default:
			m.logger.Debug("Reverse homing off compression sensor")
			endstop, homingDir = SensorCompression, -1
		}
	} else {
		m.logger.Debug("Relaxing filament tension")
		direction = 1
		if !useGearMotor {
			direction = -1
		}
		switch {
		case settings.BufferRange == 0 || !deps.Sensors.HasTension():
			m.logger.Debug("Homing to compression sensor")
			endstop, homingDir = SensorCompression, 1
		default:
			m.logger.Debug("Reverse homing off tension sensor")
			endstop, homingDir = SensorTension, -1
		}
	}

	actual, homed, err := deps.Gear.HomingMove(maxMove*direction, speed, endstop, homingDir)
	if err != nil {
		return actual, false, err
	}

	if homed && settings.BufferRange != 0 {
		if useGearMotor {
			// Move just a little more to find the neutral spot between sensors
			if _, err := deps.Gear.Move(settings.BufferRange*direction/2.0, speed); err != nil {
				return actual, false, err
			}
		}
	} else if !homed {
		m.logger.Debug("Failed to reach neutral filament tension after moving %.1fmm", maxMove)
	}

	return actual, homed, nil
}

// adjustTensionProportional drives the buffer to neutral with one
// proportional correction followed by fine nudges, double-confirming the
// neutral reading between moves.
func (m *SyncFeedbackManager) adjustTensionProportional(settings Settings, deps Deps) (float64, bool, error) {
	band := tensionNeutralBand
	if band < tensionMinNeutralBand {
		band = tensionMinNeutralBand
	}

	// maxrange is the full end-to-end sensor span; half of it is the
	// per-side budget from neutral to either end.
	span := settings.BufferMaxRange
	if span <= 0 {
		m.logger.Debug("Proportional adjust skipped: buffer maxrange <= 0")
		return 0, false, nil
	}
	budget := 0.5 * span
	nudge := budget * band
	maxSteps := int(math.Ceil(span / nudge))

	speed := settings.GearHomingSpeed
	var movedTotal, movedInitial, movedNudges float64
	steps := 0
	tStart := deps.Clock.Monotonic()

	settle := func() {
		deps.Clock.Pause(deps.Clock.Monotonic() + tensionSettleTime)
	}

	// Initial proportional correction: negative state is tension so feed,
	// positive state is compression so retract.
	state := deps.Sensors.State()
	if math.Abs(state) > band {
		initial := -state * budget
		if math.Abs(initial) >= nudge {
			actual, err := deps.Gear.Move(initial, speed)
			if err != nil {
				return movedTotal, false, err
			}
			movedTotal += actual
			movedInitial = actual
			steps++
			settle()
		}
	}

	state = deps.Sensors.State()
	if math.Abs(state) <= band {
		m.logger.Info("Proportional adjust: neutral after initial "+
			"(nudge=%.2fmm, initial=%.2fmm, nudges=%.2fmm, total=%.2fmm, steps=%d, final_state=%.3f, success=yes)",
			nudge, movedInitial, movedNudges, movedTotal, steps, state)
		return movedTotal, true, nil
	}

	// Fine adjustment loop
	for math.Abs(movedTotal) < span && steps < maxSteps {
		state = deps.Sensors.State()

		// Hard stop to avoid hanging if the sensor never clears
		if deps.Clock.Monotonic()-tStart > tensionTimeout {
			m.logger.Info("Proportional adjust: timed out "+
				"(nudge=%.2fmm, initial=%.2fmm, nudges=%.2fmm, total=%.2fmm, steps=%d, final_state=%.3f)",
				nudge, movedInitial, movedNudges, movedTotal, steps, state)
			return movedTotal, false, nil
		}

		if math.Abs(state) <= band {
			// Confirm neutral after a short wait
			settle()
			state = deps.Sensors.State()
			if math.Abs(state) <= band {
				break
			}
		}

		// Tension feeds forward; compression retracts
		nudgeMove := nudge
		if state >= 0 {
			nudgeMove = -nudge
		}
		// The end-to-end sensor span serves as the ultimate failsafe
		if math.Abs(movedTotal+nudgeMove) >= span {
			m.logger.Info("Proportional adjust: aborted (exceeded buffer) "+
				"(nudge=%.2fmm, initial=%.2fmm, nudges=%.2fmm, total=%.2fmm, steps=%d, final_state=%.3f)",
				nudge, movedInitial, movedNudges, movedTotal, steps, state)
			return movedTotal, false, nil
		}

		actual, err := deps.Gear.Move(nudgeMove, speed)
		if err != nil {
			return movedTotal, false, err
		}
		movedTotal += actual
		movedNudges += actual
		steps++
		settle()
	}

	state = deps.Sensors.State()
	success := math.Abs(state) <= band
	result := "no"
	if success {
		result = "yes"
	}
	m.logger.Info("Proportional adjust: complete "+
		"(nudge=%.2fmm, initial=%.2fmm, nudges=%.2fmm, total=%.2fmm, steps=%d, final_state=%.3f, success=%s)",
		nudge, movedInitial, movedNudges, movedTotal, steps, state, result)
	return movedTotal, success, nil
}
