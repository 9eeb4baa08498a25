// FlowGuard clog and tangle detection
//
// Copyright (C) 2026  MMU Sync Go Port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package syncfeedback

import (
	"fmt"
	"math"

	"klipper-mmu-sync/pkg/sensor"
)

// FlowGuard trigger identifiers.
const (
	TriggerClog   = "clog"   // compression stuck despite relief effort
	TriggerTangle = "tangle" // tension stuck despite relief effort
)

// FlowguardStatus is reported on every controller update. Active reports
// armed and monitoring. Level is the current headroom marker, clog in
// [0,1] and tangle in [-1,0]. Trigger stays "" until tripped, then
// latches to "clog" or "tangle" until reset.
type FlowguardStatus struct {
	Active    bool    `json:"active"`
	Level     float64 `json:"level"`
	MaxClog   float64 `json:"max_clog"`
	MaxTangle float64 `json:"max_tangle"`
	Trigger   string  `json:"trigger"`
	Reason    string  `json:"reason"`
}

// flowguard accumulates per-side motion and relief effort while the sensor
// sits at an extreme, and trips when enough unrewarded correction effort
// has been proven. A tripped flowguard latches until reset.
type flowguard struct {
	ctrl *Controller

	compMotion float64
	tensMotion float64
	reliefComp float64
	reliefTens float64

	trigger   string
	reason    string
	level     float64
	maxClog   float64
	maxTangle float64

	// Arming: disarmed until a coarse state change while moving, which
	// prevents false triggers when starting pegged.
	armed      bool
	armMotion  float64
	armState   int
	armSampled bool
}

func newFlowguard(ctrl *Controller) *flowguard {
	fg := &flowguard{ctrl: ctrl}
	fg.reset()
	return fg
}

func (fg *flowguard) reset() {
	fg.compMotion = 0
	fg.tensMotion = 0
	fg.reliefComp = 0
	fg.reliefTens = 0

	fg.trigger = ""
	fg.reason = ""
	fg.level = 0
	fg.maxClog = 0
	fg.maxTangle = 0

	fg.armed = false
	fg.armMotion = 0
	fg.armState = 0
	fg.armSampled = false
}

// update advances accumulators for this tick and returns the new status.
func (fg *flowguard) update(dExt, sensorReading float64) FlowguardStatus {
	cfg := fg.ctrl.cfg
	effort := fg.reliefEffort(dExt) // +ve compression effort, -ve tension effort

	// Coarse state for FlowGuard purposes: single switch sensors are
	// always treated as at an extreme (open reads as the unseen side).
	state := fg.polarity(sensorReading)
	compExt, tensExt := state == 1, state == -1

	fg.armMotion += dExt
	armState := fg.ctrl.extremePolarity(sensorReading)
	if !fg.armSampled {
		fg.armState = armState
		fg.armSampled = true
	}
	if !fg.armed {
		if math.Abs(fg.armMotion) > 0 && armState != fg.armState {
			fg.armed = true
		} else {
			return fg.status()
		}
	}
	fg.armState = armState

	switch {
	case compExt:
		fg.compMotion += dExt

		// Relief for compression is tension effort
		if effort < 0 {
			fg.reliefComp += -effort
		}
		if fg.trigger == "" && math.Abs(fg.reliefComp) >= cfg.FlowguardRelief {
			fg.trigger = TriggerClog
			fg.reason = fmt.Sprintf(
				"Compression stuck after %.2f mm motion and %.2f mm relief",
				fg.compMotion, fg.reliefComp)
		}

		fg.level = math.Min(1.0, math.Abs(fg.reliefComp/cfg.FlowguardRelief))
		if fg.level > fg.maxClog {
			fg.maxClog = fg.level
		}

		fg.tensMotion = 0
		fg.reliefTens = 0

	case tensExt:
		fg.tensMotion += dExt

		// Relief for tension is compression effort
		if effort > 0 {
			fg.reliefTens += effort
		}
		if fg.trigger == "" && math.Abs(fg.reliefTens) >= cfg.FlowguardRelief {
			fg.trigger = TriggerTangle
			fg.reason = fmt.Sprintf(
				"Tension stuck after %.2f mm motion and %.2f mm relief",
				fg.tensMotion, fg.reliefTens)
		}

		fg.level = math.Max(-1.0, -math.Abs(fg.reliefTens/cfg.FlowguardRelief))
		if fg.level < fg.maxTangle {
			fg.maxTangle = fg.level
		}

		fg.compMotion = 0
		fg.reliefComp = 0

	default:
		fg.compMotion = 0
		fg.reliefComp = 0
		fg.tensMotion = 0
		fg.reliefTens = 0
	}

	return fg.status()
}

func (fg *flowguard) status() FlowguardStatus {
	return FlowguardStatus{
		Active:    fg.armed,
		Level:     fg.level,
		MaxClog:   fg.maxClog,
		MaxTangle: fg.maxTangle,
		Trigger:   fg.trigger,
		Reason:    fg.reason,
	}
}

// reliefEffort returns the signed relief effort this tick in mm. The
// baseline is the autotuner's current recommendation: in two-level mode
// that matches the RD we recenter around, in EKF mode it is the learned
// true RD even if the reference stays at the persisted value.
func (fg *flowguard) reliefEffort(dExt float64) float64 {
	rdRef := fg.ctrl.autotune.recommendedRD()
	rdCur := fg.ctrl.rdCurrent
	if math.Abs(rdCur) < 1e-9 {
		return 0
	}
	return dExt * (rdRef/rdCur - 1.0)
}

// polarity reduces the sensor to a coarse extreme state for FlowGuard.
// Single switch sensors treat open as the unseen extreme so accumulation
// tracks immediately.
func (fg *flowguard) polarity(sensorReading float64) int {
	switch fg.ctrl.cfg.SensorType {
	case sensor.TypeCompressionOnly:
		if int(sensorReading) == 1 {
			return 1
		}
		return -1
	case sensor.TypeTensionOnly:
		if int(sensorReading) == -1 {
			return -1
		}
		return 1
	}
	return fg.ctrl.extremePolarity(sensorReading)
}

