// Movement-triggered filament tension controller
//
// Copyright (C) 2026  MMU Sync Go Port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package syncfeedback

import (
	"io"
	"math"
	"sync"

	"klipper-mmu-sync/pkg/sensor"
)

// Output is returned from every Update and Reset call.
type Output struct {
	RDPrev    float64
	RDCurrent float64
	RDTuned   float64 // what autotune believes to be accurate
	SensorUI  float64 // idealized sensor estimate for visualization
	Flowguard FlowguardStatus
	Autotune  AutotuneResult

	// Diagnostics
	RDTarget float64 // unclamped target rd_current was based on
	RDRef    float64 // baseline the mapping logic recenters around
	Note     string
	XEst     float64
	CEst     float64
}

// Controller adapts the gear stepper rotation distance each tick from
// extruder motion and a sensor reading. On every update it:
//
//   - propagates the EKF with motion and measurement (proportional mode)
//   - computes the desired effective gear motion pulling x toward 0
//   - inverts the asymmetric gear mapping into an RD target, then
//     distance-smooths and rate-limits it
//   - applies a relief-biased snap when the sensor is pegged
//   - runs FlowGuard detection and the autotune engine
//
// Switch sensors (and optionally proportional ones) instead run a
// two-level flip-flop between a low and high RD around the reference.
type Controller struct {
	mu  sync.Mutex
	cfg *Config

	twoLevelActive bool
	tick           int
	lastTime       float64
	timeSeeded     bool

	k     float64 // mm of differential feed => normalized delta in x
	state ekfState

	rdCurrent float64
	rdRef     float64 // baseline for the asymmetric gear mapping
	rdMin     float64 // absolute envelope, immutable between resets
	rdMax     float64
	rdLow     float64 // current two-level (or full) working band
	rdHigh    float64

	// Wider low/high band until the first autotune candidate lands
	boostActive bool

	hysState int // last hysteretic extreme for proportional two-level

	// Readiness (lag-aware)
	mmSinceInfo float64
	lastInfoZ   float64
	lastInfoSet bool

	visEst float64

	// Two-level flip-flop state
	osTargetLevel string
	osSinceFlip   float64

	flowguard *flowguard
	autotune  *autotuner

	telemetry *telemetryLog
}

// New creates a controller. The Config is validated and derived defaults
// are filled in.
func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:            &cfg,
		twoLevelActive: cfg.twoLevelActive(),
		k:              2.0 / cfg.BufferRange,
		state:          newEKFState(),
		rdCurrent:      cfg.RDStart,
		rdRef:          cfg.RDStart,
		boostActive:    true,
		osTargetLevel:  levelLow,
	}
	c.setMinMaxRD(cfg.RDStart)
	c.flowguard = newFlowguard(c)
	c.autotune = newAutotuner(c)
	return c, nil
}

// Reset fully reinitializes the controller for a gear motor swap or cold
// start. A hard reset also rebases the autotune engine; a soft reset
// preserves its learned history. Returns the output of an initial
// zero-motion update.
func (c *Controller) Reset(eventtime, rdInit, sensorReading float64, hardReset bool) Output {
	c.mu.Lock()

	cfg := c.cfg
	c.twoLevelActive = cfg.twoLevelActive()

	c.rdCurrent = rdInit
	c.rdRef = rdInit
	c.boostActive = true
	c.setMinMaxRD(rdInit)

	// Seed the estimate from the sensor reading
	var x0 float64
	if cfg.SensorType == sensor.TypeProportional {
		x0 = clamp(sensorReading, -1.0, 1.0)
		c.hysState = 0
		if math.Abs(x0) >= 1e-6 {
			c.hysState = int(math.Copysign(1, x0))
		}
	} else {
		z := int(sensorReading)
		switch {
		case z > 0:
			x0 = 1
		case z < 0:
			x0 = -1
		}
	}

	if cfg.SensorType == sensor.TypeProportional && !c.twoLevelActive {
		c.state = newEKFState()
		c.state.x = x0
		c.state.xPrev = x0
	}

	c.mmSinceInfo = 0
	c.lastInfoZ = x0
	c.lastInfoSet = true

	c.tick = 0
	c.lastTime = eventtime
	c.timeSeeded = true

	c.visEst = sensorReading

	// Two-level init: pick the starting level from the current reading
	switch cfg.SensorType {
	case sensor.TypeCompressionOnly:
		c.osTargetLevel = levelLow
		if c.onesidedContact(sensorReading) {
			c.osTargetLevel = levelHigh
		}
		c.osSinceFlip = 0
	case sensor.TypeTensionOnly:
		c.osTargetLevel = levelHigh
		if c.onesidedContact(sensorReading) {
			c.osTargetLevel = levelLow
		}
		c.osSinceFlip = 0
	case sensor.TypeProportional, sensor.TypeDiscrete:
		if c.twoLevelActive {
			// Neutral starts low and flips on the first extreme
			c.osTargetLevel = levelLow
			if c.extremePolarity(sensorReading) > 0 {
				c.osTargetLevel = levelHigh
			}
			c.osSinceFlip = 0
		}
	}

	if hardReset {
		c.autotune.restart(rdInit, true, true, true)
	}
	c.flowguard.reset()

	if c.telemetry != nil {
		c.telemetry.writeHeader(c)
	}

	c.mu.Unlock()
	return c.Update(eventtime, 0.0, sensorReading)
}

// Update advances the controller one tick. The timestamp must be
// monotonic non-decreasing; dt is derived from the previous call.
func (c *Controller) Update(eventtime, extruderDeltaMM, sensorReading float64) Output {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg := c.cfg

	if !c.timeSeeded {
		c.lastTime = eventtime
		c.timeSeeded = true
	}

	// Tuning is only reliable while extruding
	if extruderDeltaMM < 0 {
		c.autotune.pause()
	} else {
		c.autotune.resume()
	}

	dt := math.Max(0, eventtime-c.lastTime)
	c.lastTime = eventtime
	dExt := extruderDeltaMM

	rdPrev := c.rdCurrent
	var rdNote string
	dGear := c.gearMMFromRD(dExt, rdPrev)

	var rdTarget float64
	var fgOut FlowguardStatus

	if c.twoLevelActive {
		fgOut = c.flowguard.update(dExt, sensorReading)

		prevLevel := c.osTargetLevel
		rdTarget = c.twoLevelRDTarget(dExt, sensorReading)
		flipped := c.osTargetLevel != prevLevel

		var extremeActive bool
		if !cfg.SensorType.HasNeutral() {
			extremeActive = c.onesidedContact(sensorReading)
		} else {
			extremeActive = c.extremePolarity(sensorReading) != 0
		}
		c.autotune.noteTwoLevelTick(c.osTargetLevel, flipped, dExt, extremeActive)

	} else {
		c.state.predict(c.k, dExt, dGear, cfg)
		c.state.measure(sensorReading, cfg)

		fgOut = c.flowguard.update(dExt, sensorReading)

		// PD on the estimate, mapped back through the calibration scalar
		desiredEff := c.desiredEffectiveGearMM(dExt, dt)
		cHat := clamp(c.state.c, cfg.CMin, cfg.CMax)
		uDes := desiredEff / cHat
		target, ok := c.rdFromDesiredGearMM(dExt, uDes)
		if !ok {
			target = rdPrev // no extruder motion; hold RD
		}
		rdTarget = target

		// Relief-biased snap guarantees progress away from a pegged
		// sensor regardless of what the PD term asks for.
		pol := c.extremePolarity(sensorReading)
		if cfg.SnapAtExtremes && dExt != 0 && pol != 0 {
			reliefFrac := clamp(cfg.ExtremeReliefFrac, 0.05, 0.60)
			sgn := 1.0
			if dExt < 0 {
				sgn = -1.0
			}
			// From delta_rel = d_ext * (c_hat * rd_ref / rd - 1)
			denom := math.Max(0.05, 1.0-sgn*float64(pol)*reliefFrac)
			rdTarget = cHat * c.rdRef / denom
			rdNote = "Relief-biased snap at extreme"
		}

		rdClamped := c.clampToEnvelope(rdTarget)
		rdTarget = c.smoothRDByDistance(rdPrev, rdClamped, dExt, sensorReading)
	}

	// Clamp and apply the newly decided RD for future motion
	rdApplied := c.clampToEnvelope(rdTarget)
	if math.Abs(c.rdCurrent-rdApplied) > 1e-12 {
		c.rdCurrent = rdApplied
	}

	sensorExpected := c.expectedSensorReading(sensorReading)

	atOut := c.autotune.update(dExt, dt, c.boostActive)
	if atOut.OK && c.twoLevelActive {
		// Recenter the switching band on the new recommendation, and
		// drop the wider boost band after the first candidate.
		c.rdRef = atOut.RD
		c.boostActive = false
		c.setLowHighRD(atOut.RD)
	}

	if fgOut.Trigger != "" {
		c.autotune.restart(c.rdRef, true, true, true)
	}

	out := Output{
		RDPrev:    rdPrev,
		RDCurrent: c.rdCurrent,
		RDTuned:   c.autotune.tunedRD(),
		SensorUI:  sensorExpected,
		Flowguard: fgOut,
		Autotune:  atOut,

		RDTarget: rdTarget,
		RDRef:    c.rdRef,
		Note:     rdNote,
		XEst:     c.state.x,
		CEst:     c.state.c,
	}

	if c.telemetry != nil {
		c.telemetry.writeTick(c.tick, eventtime, dt, extruderDeltaMM, sensorReading, &out)
	}

	c.state.xPrev = c.state.x
	c.tick++
	return out
}

// Polarity reduces a sensor reading to a coarse extreme state {-1,0,+1}.
func (c *Controller) Polarity(sensorReading float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.extremePolarity(sensorReading)
}

// SensorType returns the sensor type the controller was built for.
func (c *Controller) SensorType() sensor.Type {
	return c.cfg.SensorType
}

// TypeMode describes the active sensor type and operating mode.
func (c *Controller) TypeMode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.SensorType == sensor.TypeProportional {
		if c.twoLevelActive {
			return c.cfg.SensorType.String() + " (two-level mode)"
		}
		return c.cfg.SensorType.String() + " (EKF mode)"
	}
	return c.cfg.SensorType.String()
}

// CurrentRD returns the rotation distance currently in effect.
func (c *Controller) CurrentRD() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rdCurrent
}

// RecommendedRD returns the autotuner's current RD recommendation.
func (c *Controller) RecommendedRD() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autotune.recommendedRD()
}

// TunedRD returns the last RD the autotuner recommended persisting.
func (c *Controller) TunedRD() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autotune.tunedRD()
}

// PauseAutotune suspends tuning across movement known to distort it.
func (c *Controller) PauseAutotune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autotune.pause()
}

// ResumeAutotune re-enables tuning, preserving learned history.
func (c *Controller) ResumeAutotune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autotune.resume()
}

// ResetFlowguard clears a latched trigger and re-arms detection.
func (c *Controller) ResetFlowguard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flowguard.reset()
}

// FlowguardState returns the current FlowGuard status without advancing
// the controller.
func (c *Controller) FlowguardState() FlowguardStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flowguard.status()
}

// SetTelemetry directs per-tick JSONL telemetry to w; nil disables it.
func (c *Controller) SetTelemetry(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w == nil {
		c.telemetry = nil
		return
	}
	c.telemetry = newTelemetryLog(w)
	c.telemetry.writeHeader(c)
}

// ---------------------------------------------------------------------

// setMinMaxRD sets the absolute immutable RD envelope as speed bounds
// around rd, then derives the current working band.
func (c *Controller) setMinMaxRD(rd float64) {
	f := clamp(c.cfg.RDMinMaxSpeedMult, 0, 0.99)
	c.rdMin = rd / (1.0 + f)
	c.rdMax = rd / (1.0 - f)
	c.setLowHighRD(rd)
}

// setLowHighRD sets the working low/high RD band. In two-level mode this
// is a narrow band around rd (widened while boost is active); otherwise
// it spans the full envelope.
func (c *Controller) setLowHighRD(rd float64) {
	fMinMax := clamp(c.cfg.RDMinMaxSpeedMult, 0, 0.99)
	f := fMinMax
	if c.twoLevelActive {
		f = c.cfg.RDTwoLevelSpeedMult
		if c.boostActive {
			f += c.cfg.RDTwoLevelBoostMult
		}
		f = clamp(f, 0, fMinMax)
	}
	c.rdLow = rd / (1.0 + f)
	c.rdHigh = rd / (1.0 - f)
}

func (c *Controller) clampToEnvelope(rd float64) float64 {
	return clamp(rd, c.rdMin, c.rdMax)
}

// gearMMFromRD maps RD to effective gear motion for this update. The
// mapping is asymmetric so that a smaller RD always means more filament:
//
//	forward: u = d_ext * (rd_ref / rd)
//	retract: u = d_ext * (rd / rd_ref)
func (c *Controller) gearMMFromRD(dExt, rd float64) float64 {
	if math.Abs(dExt) < 1e-12 {
		return 0
	}
	if dExt > 0 {
		return dExt * (c.rdRef / math.Max(1e-9, rd))
	}
	return dExt * (math.Max(1e-9, rd) / c.rdRef)
}

// rdFromDesiredGearMM inverts the asymmetric mapping. The second return
// is false when there was no extruder motion. A desired gear motion that
// would reverse within the step is clamped to the working band instead.
func (c *Controller) rdFromDesiredGearMM(dExt, uDes float64) (float64, bool) {
	if math.Abs(dExt) < 1e-12 {
		return 0, false
	}

	if uDes*dExt <= 0 {
		if dExt > 0 {
			return c.rdHigh, true
		}
		return c.rdLow, true
	}

	if dExt > 0 {
		denom := uDes
		if math.Abs(denom) <= 1e-12 {
			denom = 1e-12
		}
		return c.rdRef * dExt / denom, true
	}
	return uDes * c.rdRef / dExt, true
}

// onesidedContact reports whether a single switch sensor is triggered.
func (c *Controller) onesidedContact(sensorReading float64) bool {
	switch c.cfg.SensorType {
	case sensor.TypeCompressionOnly:
		return int(sensorReading) == 1
	case sensor.TypeTensionOnly:
		return int(sensorReading) == -1
	}
	return false
}

// extremePolarity reduces the reading to a coarse extreme state. For
// proportional sensors in EKF mode the FlowGuard threshold applies; in
// two-level mode a lower threshold with hysteresis is used instead.
func (c *Controller) extremePolarity(sensorReading float64) int {
	cfg := c.cfg
	if cfg.SensorType != sensor.TypeProportional {
		return int(sensorReading)
	}

	z := sensorReading
	if !c.twoLevelActive {
		thr := cfg.FlowguardExtremeThreshold
		switch {
		case z >= thr:
			return 1
		case z <= -thr:
			return -1
		}
		return 0
	}

	hi := math.Abs(cfg.PThreshold)
	lo := math.Max(0, hi-cfg.PHysteresis)
	s := c.hysState
	if s != 0 {
		if float64(s)*z <= lo {
			s = 0
		}
	} else {
		switch {
		case z >= hi:
			s = 1
		case z <= -hi:
			s = -1
		}
	}
	c.hysState = s
	return s
}

func (c *Controller) isExtreme(sensorReading float64) bool {
	return c.extremePolarity(sensorReading) != 0
}

// twoLevelRDTarget runs the two-level flip-flop and returns the desired RD
// for this update (before envelope clamping).
//
// Single switch sensors seek the switch: compression-only runs low (fast)
// while open and high (slow) in contact; tension-only is mirrored. Dual
// and proportional sensors flip only at extremes; the neutral band holds
// the current level.
func (c *Controller) twoLevelRDTarget(dExt, sensorReading float64) float64 {
	cfg := c.cfg
	c.osSinceFlip += dExt

	desired := c.osTargetLevel
	switch cfg.SensorType {
	case sensor.TypeCompressionOnly:
		desired = levelLow
		if c.onesidedContact(sensorReading) {
			desired = levelHigh
		}
	case sensor.TypeTensionOnly:
		desired = levelHigh
		if c.onesidedContact(sensorReading) {
			desired = levelLow
		}
	default:
		if pol := c.extremePolarity(sensorReading); pol != 0 {
			desired = levelLow
			if pol > 0 {
				desired = levelHigh
			}
		}
	}

	// Minimum motion between flips suppresses chatter
	if desired != c.osTargetLevel && math.Abs(c.osSinceFlip) >= cfg.OSMinFlip {
		c.osTargetLevel = desired
		c.osSinceFlip = 0
	}

	if c.osTargetLevel == levelLow {
		return c.rdLow
	}
	return c.rdHigh
}

// desiredEffectiveGearMM is the PD law on the estimate with deadband.
func (c *Controller) desiredEffectiveGearMM(dExt, dt float64) float64 {
	cfg := c.cfg
	dead := math.Max(0, cfg.Deadband)
	x := c.state.x
	xCtrl := 0.0
	if math.Abs(x) >= dead {
		xCtrl = x - math.Copysign(dead, x)
	}

	var dx float64
	if cfg.Kd != 0 && dt > 0 {
		dx = (c.state.x - c.state.xPrev) / math.Max(1e-9, dt)
		return dExt - cfg.Kp*xCtrl - cfg.Kd*dx
	}
	return dExt - cfg.Kp*xCtrl
}

// smoothRDByDistance glides the current RD toward target with a
// motion-length exponential filter scaled by readiness, then applies the
// per-mm rate limit (doubled when pegged).
func (c *Controller) smoothRDByDistance(rdPrev, rdTarget, dExt, sensorReading float64) float64 {
	cfg := c.cfg
	move := math.Abs(dExt)

	alphaBase := 1.0 - math.Exp(-move/math.Max(1e-9, cfg.RDFilterLen))
	r := c.updateReadiness(sensorReading, move)
	rdFiltered := rdPrev + r*alphaBase*(rdTarget-rdPrev)

	if cfg.RDRatePerMM > 0 && move > 0 {
		rateMult := 1.0
		if c.isExtreme(sensorReading) {
			rateMult = cfg.RateExtremeMult
		}
		maxStep := cfg.RDRatePerMM * move * r * rateMult
		delta := rdFiltered - rdPrev
		if delta > maxStep {
			rdFiltered = rdPrev + maxStep
		} else if delta < -maxStep {
			rdFiltered = rdPrev - maxStep
		}
	}
	return rdFiltered
}

// updateReadiness returns lag-aware readiness in [0,1]: don't react fully
// until enough motion has passed or the sensor reported meaningful change.
// Pegged readings raise readiness to the extreme floor.
func (c *Controller) updateReadiness(sensorReading, moveAbs float64) float64 {
	cfg := c.cfg
	r := 1.0
	if cfg.SensorLag > 0 {
		c.mmSinceInfo += moveAbs
		if !c.lastInfoSet || math.Abs(sensorReading-c.lastInfoZ) >= cfg.InfoDelta {
			c.lastInfoZ = sensorReading
			c.lastInfoSet = true
			c.mmSinceInfo = 0
		}
		r = clamp(c.mmSinceInfo/math.Max(1e-6, cfg.SensorLag), 0, 1)
	}
	if c.isExtreme(sensorReading) {
		r = math.Max(r, cfg.ReadinessExtremeFloor)
	}
	return r
}

// expectedSensorReading predicts an idealized sensor value in [-1,1] for
// visualization. Proportional sensors pass through; switch sensors get a
// triangle-wave reconstruction from the two-level segment phase.
func (c *Controller) expectedSensorReading(sensorReading float64) float64 {
	cfg := c.cfg

	if cfg.SensorType == sensor.TypeProportional {
		c.visEst = sensorReading
		return c.visEst
	}

	if c.isExtreme(sensorReading) {
		c.visEst = float64(c.extremePolarity(sensorReading))
		return c.visEst
	}

	excludeExtreme := cfg.SensorType == sensor.TypeDiscrete
	phase, level, extruding, ok := c.autotune.twoLevelPhase(excludeExtreme)
	if !ok {
		c.visEst = float64(c.extremePolarity(sensorReading))
		return c.visEst
	}

	switch cfg.SensorType {
	case sensor.TypeCompressionOnly:
		c.visEst = triangleHalf(phase)
	case sensor.TypeTensionOnly:
		c.visEst = -triangleHalf(phase)
	default:
		// Dual switch: full ramp between extremes, direction depends on
		// which level we're in and the prevailing motion.
		t := -0.9 + 1.8*phase
		if level == levelLow {
			if !extruding {
				t = -t
			}
		} else {
			if extruding {
				t = -t
			}
		}
		c.visEst = t
	}
	return c.visEst
}

// triangleHalf maps segment phase to a half-range bounce between lo and
// hi, modelling the buffer rebounding off a single switch.
func triangleHalf(phase float64) float64 {
	const lo, hi = 0.3, 0.8
	base := 2.0*phase - 1.0
	if phase <= 0.5 {
		base = 1.0 - 2.0*phase
	}
	return lo + (hi-lo)*base
}
