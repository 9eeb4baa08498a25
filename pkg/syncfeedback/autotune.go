// Rotation distance autotune engine
//
// Copyright (C) 2026  MMU Sync Go Port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package syncfeedback

import (
	"fmt"
	"math"
)

// Two-level segment levels.
const (
	levelLow  = "low"
	levelHigh = "high"
)

// AutotuneResult is reported on every controller update. OK is set when a
// new RD recommendation was produced this tick; Save additionally asks the
// caller to persist it as the new calibrated value.
type AutotuneResult struct {
	RD   float64
	OK   bool
	Note string
	Save bool
}

// autotuner owns all autotune bookkeeping and decisions. Two estimation
// paths feed a shared statistical acceptance pipeline: an EWMA of speed
// gathered near neutral for the EKF branch, and a duty-cycle estimator
// over two-level flip segments for switch sensors.
type autotuner struct {
	ctrl *Controller

	totalMotion float64
	totalTime   float64
	paused      bool

	// EKF path window stats (EWMA in speed space, v = 1/rd)
	stableTime   float64
	stableMotion float64
	emaSeeded    bool
	emaMean      float64
	emaVar       float64

	// Anchors and cooldown trackers
	lastTuneTime   float64
	lastTuneMotion float64
	baseline       float64 // last persisted RD
	current        float64 // current recommendation
	minCertScore   float64 // below this, never recommend persisting

	// Certainty tracking of recommendations
	certFIFO      []float64
	certLastScore float64

	// Two-level flip evidence
	tlFlips            int
	tlUpdatesSinceFlip int

	// Segment/cycle tracking for the two-level duty estimator
	tlSegLevel       string // "" until first flip seeds a segment
	tlSegMM          float64
	tlSegMMExtreme   float64
	tlSamplesLow     []float64
	tlSamplesHigh    []float64
	tlUnpairedLow    float64
	tlUnpairedLowOK  bool
	tlUnpairedHigh   float64
	tlUnpairedHighOK bool
	tlCycles         [][2]float64
	tlSegWindow      int
	tlCycleWindow    int
	tlMinCycles      int
}

func newAutotuner(ctrl *Controller) *autotuner {
	at := &autotuner{
		ctrl:          ctrl,
		baseline:      ctrl.rdRef,
		current:       ctrl.rdRef,
		minCertScore:  0.5,
		tlSegWindow:   6,
		tlCycleWindow: 4,
	}
	// Single switch sensors see only half the buffer travel per cycle,
	// so demand more cycles before trusting the duty estimate.
	if !ctrl.cfg.SensorType.HasNeutral() {
		at.tlMinCycles = 4
	} else {
		at.tlMinCycles = 2
	}
	at.lastTuneTime = -1e12
	at.lastTuneMotion = -1e12
	at.certLastScore = -1.0
	return at
}

// restart rebases all anchors and windows on a fresh baseline RD.
func (at *autotuner) restart(rdInit float64, resetTotals, resetCooldown, resetConfidence bool) {
	at.current = rdInit
	at.paused = false

	if resetCooldown {
		at.lastTuneTime = at.totalTime
		at.lastTuneMotion = at.totalMotion
	} else {
		at.lastTuneTime = -1e12
		at.lastTuneMotion = -1e12
	}

	if resetConfidence {
		at.certFIFO = nil
		at.certLastScore = -1.0
	}

	if resetTotals {
		at.totalMotion = 0
		at.totalTime = 0
	}

	at.stableTime = 0
	at.stableMotion = 0
	at.emaSeeded = false
	at.emaMean = 0
	at.emaVar = 0

	at.tlFlips = 0
	at.tlUpdatesSinceFlip = 0
	at.tlSegLevel = ""
	at.tlSegMM = 0
	at.tlSegMMExtreme = 0
	at.tlSamplesLow = nil
	at.tlSamplesHigh = nil
	at.tlUnpairedLowOK = false
	at.tlUnpairedHighOK = false
	at.tlCycles = nil
}

// pause suspends tuning. Called on retraction or any movement known to
// cause under-extrusion, since the estimators are only reliable while
// extruding.
func (at *autotuner) pause() {
	at.paused = true
}

// resume re-enables tuning with a soft reset that preserves history.
func (at *autotuner) resume() {
	if at.paused {
		at.restart(at.current, false, false, false)
	}
}

// recommendedRD returns the current RD recommendation.
func (at *autotuner) recommendedRD() float64 { return at.current }

// tunedRD returns the last persisted RD, initially the starting value.
func (at *autotuner) tunedRD() float64 { return at.baseline }

// noteTwoLevelTick keeps segment/cycle buckets up to date. Called once per
// update in the two-level branch.
func (at *autotuner) noteTwoLevelTick(level string, flipped bool, dExt float64, isExtreme bool) {
	if at.paused {
		return
	}

	if flipped {
		at.tlUpdatesSinceFlip = 0
		at.tlFlips++
	} else {
		at.tlUpdatesSinceFlip++
	}

	// Only accumulate segments after the first flip to exclude startup
	if at.tlFlips < 1 {
		return
	}

	at.tlSegMM += dExt
	if isExtreme {
		at.tlSegMMExtreme += dExt
	}

	if !flipped {
		return
	}

	// On flip: close the previous segment and store the sample
	segMM := math.Abs(at.tlSegMM)
	switch at.tlSegLevel {
	case levelLow:
		at.tlSamplesLow = pushWindow(at.tlSamplesLow, segMM, at.tlSegWindow)
		if at.tlUnpairedHighOK {
			at.tlCycles = pushCycles(at.tlCycles, [2]float64{segMM, at.tlUnpairedHigh}, at.tlCycleWindow)
			at.tlUnpairedHighOK = false
		} else {
			at.tlUnpairedLow = segMM
			at.tlUnpairedLowOK = true
		}
	case levelHigh:
		at.tlSamplesHigh = pushWindow(at.tlSamplesHigh, segMM, at.tlSegWindow)
		if at.tlUnpairedLowOK {
			at.tlCycles = pushCycles(at.tlCycles, [2]float64{at.tlUnpairedLow, segMM}, at.tlCycleWindow)
			at.tlUnpairedLowOK = false
		} else {
			at.tlUnpairedHigh = segMM
			at.tlUnpairedHighOK = true
		}
	}

	// Start a new segment for the new level
	at.tlSegLevel = level
	at.tlSegMM = 0
	at.tlSegMMExtreme = 0
}

// update advances the tuner for this tick and returns any recommendation.
// In two-level mode only the duty estimator is queried; otherwise only the
// near-neutral EKF path. Every recommendation passes the shared bounds,
// certainty and triviality tests.
func (at *autotuner) update(dExt, dt float64, reportTrivial bool) AutotuneResult {
	var out AutotuneResult
	if at.paused {
		out.Note = "Autotune: Paused"
		return out
	}

	cfg := at.ctrl.cfg

	at.totalTime += math.Max(0, dt)
	at.totalMotion += math.Abs(dExt)
	travel := fmt.Sprintf("@%.0fs/%.0fmm", at.totalTime, at.totalMotion)

	// Cooldown: sufficient motion and time since last acceptance
	if at.totalMotion-at.lastTuneMotion < cfg.AutotuneCooldownMotion ||
		at.totalTime-at.lastTuneTime < cfg.AutotuneCooldownTime {
		return out
	}

	var recRD float64
	var recOK bool
	var note string
	if at.ctrl.twoLevelActive {
		recRD, recOK, note = at.recommendFromTwoLevel()
	} else {
		recRD, recOK, note = at.recommendFromEKF(dExt, dt)
	}

	if !recOK {
		if note != "" {
			out.Note = fmt.Sprintf("Autotune: %s %s", travel, note)
		}
		return out
	}

	if recRD < at.ctrl.rdLow || recRD > at.ctrl.rdHigh {
		out.Note = fmt.Sprintf("Autotune: %s Rejected rd %.4f because out of bounds",
			travel, recRD)
		return out
	}

	// Certainty gate makes acceptance progressively harder
	accepted, acceptOK, certNote := at.confident(recRD)
	if !acceptOK {
		if certNote != "" {
			out.Note = fmt.Sprintf("Autotune: %s %s", travel, certNote)
		}
		return out
	}
	recRD = accepted

	// Ignore truly trivial changes
	if !reportTrivial && math.Abs(recRD-at.current) <= 1e-3 {
		out.Note = fmt.Sprintf("Autotune: %s Rejected rd %.4f because too trivial a delta",
			travel, recRD)
		return out
	}

	at.current = recRD
	out.RD = recRD
	out.OK = true
	out.Note = fmt.Sprintf("Autotune: %s %s and %s", travel, note, certNote)

	// Recommend persisting only once the certainty score is high and the
	// speed change vs the saved value is non-trivial.
	if at.certLastScore >= at.minCertScore {
		if fracSpeedDelta(recRD, at.baseline) >= cfg.AutotuneMinSaveFrac {
			at.baseline = recRD
			out.Save = true
		}
	}

	at.restart(recRD, false, false, false)
	return out
}

// twoLevelPhase returns progress in [0,1] through the current two-level
// segment, the segment level, and the prevailing motion direction. The
// second return is false until enough evidence has accumulated. With
// excludeExtreme set, motion spent pegged is removed from the phase.
func (at *autotuner) twoLevelPhase(excludeExtreme bool) (phase float64, level string, extruding, ok bool) {
	level = at.tlSegLevel
	if level == "" {
		return 0, "", false, false
	}

	samples := at.tlSamplesLow
	if level == levelHigh {
		samples = at.tlSamplesHigh
	}
	if len(samples) == 0 {
		return 0, "", false, false
	}

	var sum float64
	for _, s := range samples {
		sum += s
	}
	meanLen := sum / float64(len(samples))
	travel := math.Abs(at.tlSegMM)
	if excludeExtreme {
		travel -= math.Abs(at.tlSegMMExtreme)
		meanLen -= math.Abs(at.tlSegMMExtreme)
	}
	phase = clamp(travel/math.Max(1e-6, meanLen), 0, 1)
	return phase, level, at.tlSegMM > 0, true
}

// recommendFromEKF accumulates speed statistics while the estimate sits
// near neutral and recommends the EWMA mean once the stability window and
// variance tests pass.
func (at *autotuner) recommendFromEKF(dExt, dt float64) (float64, bool, string) {
	cfg := at.ctrl.cfg

	move := math.Abs(dExt)
	if math.Abs(at.ctrl.state.x) < cfg.AutotuneStableXThresh {
		at.stableTime += dt
		at.stableMotion += move

		if move > 0 {
			alpha := 1.0 - math.Exp(-move/math.Max(1e-9, cfg.AutotuneVarLen))

			// EWMA in speed space, v = 1/rd, to remove RD-space bias
			v := 1.0 / math.Max(1e-9, at.ctrl.rdCurrent)
			if !at.emaSeeded {
				at.emaSeeded = true
				at.emaMean = v
				at.emaVar = 0
			} else {
				// EWMA mean plus West's exponentially weighted variance
				d := v - at.emaMean
				at.emaMean += alpha * d
				at.emaVar = math.Max(0, (1.0-alpha)*(at.emaVar+alpha*d*d))
			}
		}
	} else {
		// Left the stable band, drop stats so we don't carry junk
		at.stableTime = 0
		at.stableMotion = 0
		at.emaSeeded = false
		at.emaMean = 0
		at.emaVar = 0
	}

	if !at.emaSeeded {
		return 0, false, ""
	}

	timeOK := at.stableTime >= cfg.AutotuneStableTime
	motionOK := at.stableMotion >= cfg.AutotuneMotion
	var ready bool
	switch cfg.AutotuneBasis {
	case BasisTime:
		ready = timeOK
	case BasisMotion:
		ready = motionOK
	case BasisEither:
		ready = timeOK || motionOK
	default:
		ready = timeOK && motionOK
	}
	if !ready {
		return 0, false, ""
	}

	meanV := math.Max(at.emaMean, 1e-12)
	relStd := math.Sqrt(math.Max(0, at.emaVar)) / meanV
	if relStd > cfg.AutotuneVarRelFrac {
		return 0, false, fmt.Sprintf(
			"Rejected rd %.4f due to speed-relative variance %.4f > %.4f",
			1.0/meanV, relStd, cfg.AutotuneVarRelFrac)
	}

	meanRD := 1.0 / meanV
	note := fmt.Sprintf("EKF logic suggests rd~%.4f after %.1fs/%.1fmm near neutral",
		meanRD, at.stableTime, at.stableMotion)
	return meanRD, true, note
}

// recommendFromTwoLevel estimates RD from the duty cycle between the low
// and high levels. Evaluated only on flips, and gated by a z-score
// significance test against the variability of the duty across cycles.
func (at *autotuner) recommendFromTwoLevel() (float64, bool, string) {
	cfg := at.ctrl.cfg

	if at.tlUpdatesSinceFlip != 0 {
		return 0, false, ""
	}
	if len(at.tlSamplesLow) < at.tlMinCycles ||
		len(at.tlSamplesHigh) < at.tlMinCycles ||
		len(at.tlCycles) < at.tlMinCycles {
		return 0, false, ""
	}

	// Per-cycle duty fractions for variance, ratio-of-sums for the mean
	var fhList []float64
	var dlSum, dhSum float64
	for _, cyc := range at.tlCycles {
		dl, dh := cyc[0], cyc[1]
		tot := math.Max(1e-12, dl+dh)
		fhList = append(fhList, dh/tot)
		dlSum += dl
		dhSum += dh
	}
	fhMean := dhSum / math.Max(1e-12, dlSum+dhSum)

	// Duty-weighted speed estimate mapped back to RD
	vLow := 1.0 / math.Max(1e-9, at.ctrl.rdLow)
	vHigh := 1.0 / math.Max(1e-9, at.ctrl.rdHigh)
	vEst := (1.0-fhMean)*vLow + fhMean*vHigh
	rdEst := 1.0 / math.Max(1e-9, vEst)

	zStr := "perfect"
	if cfg.AutotuneSignificanceZ > 0 && len(fhList) >= 2 {
		var mu float64
		for _, f := range fhList {
			mu += f
		}
		mu /= float64(len(fhList))
		var varF float64
		for _, f := range fhList {
			varF += (f - mu) * (f - mu)
		}
		varF /= float64(len(fhList) - 1)
		seF := math.Sqrt(math.Max(0, varF)) / math.Sqrt(float64(len(fhList)))

		// Propagate duty uncertainty through rd = 1/((1-f)*vLow + f*vHigh):
		// drd/df = rd^2 * (vLow - vHigh)
		seRD := rdEst * rdEst * math.Abs(vLow-vHigh) * seF
		if seRD >= 1e-9 {
			z := math.Abs(rdEst-at.current) / seRD
			if z < cfg.AutotuneSignificanceZ {
				return 0, false, fmt.Sprintf(
					"Rejected rd %.4f because z-score %.2f not significant (<%.2f)",
					rdEst, z, cfg.AutotuneSignificanceZ)
			}
			zStr = fmt.Sprintf("%.2f", z)
		}
		// se ~ 0 passes: perfect/no-variance case
	}

	note := fmt.Sprintf("Two-level logic suggests rd~%.4f (duty %.2f over %d cycles, z-score=%s)",
		rdEst, fhMean, len(fhList), zStr)
	return rdEst, true, note
}

// confident pushes the proposal into the certainty FIFO and accepts the
// window mean only if the certainty score keeps improving.
func (at *autotuner) confident(recRD float64) (float64, bool, string) {
	cfg := at.ctrl.cfg

	window := cfg.CertWindow
	if window < 1 {
		window = 1
	}
	at.certFIFO = pushWindow(at.certFIFO, recRD, window)

	score, mean, se, n := certaintyScore(at.certFIFO, cfg.CertTauRel, cfg.CertN0)
	prev := at.certLastScore
	threshold := 0.0
	if prev != 0 {
		threshold = math.Max(prev+cfg.CertHysteresis, 0)
	}
	if score <= threshold {
		if prev < 0 {
			at.certLastScore = 0
			return 0, false, fmt.Sprintf(
				"Rejected new rd %.4f due to certainty score of zero (n=%d)", recRD, n)
		}
		return 0, false, fmt.Sprintf(
			"Rejected new rd %.4f due to certainty score %.3f <= prev %.3f (n=%d)",
			recRD, score, prev, n)
	}

	at.certLastScore = score
	note := fmt.Sprintf("with certainty score of %.3f (prev %.3f), n=%d, mean %.4f, SE %.4f",
		score, prev, n, mean, se)
	return mean, true, note
}

// certaintyScore scores a sample window in [0,1]; higher is more certain.
// Precision shrinks as the relative standard error grows past tauRel, and
// a sample-size prior with penalty n0 keeps small windows skeptical.
func certaintyScore(samples []float64, tauRel, n0 float64) (score, mean, se float64, n int) {
	n = len(samples)
	if n == 0 {
		return 0, 0, 0, 0
	}

	var sum float64
	for _, v := range samples {
		sum += v
	}
	mean = sum / float64(n)

	var std float64
	if n >= 2 {
		var meanSq float64
		for _, v := range samples {
			meanSq += v * v
		}
		meanSq /= float64(n)
		variance := math.Max(0, meanSq-mean*mean) * float64(n) / float64(n-1)
		std = math.Sqrt(variance)
	}

	se = std / math.Sqrt(float64(n))
	const eps = 1e-12
	relSE := math.Inf(1)
	if mean != 0 {
		relSE = se / math.Max(math.Abs(mean), eps)
	}

	prec := 1.0 / (1.0 + relSE/math.Max(tauRel, eps))
	size := float64(n) / (float64(n) + n0)
	if n < 2 {
		prec = 0
	}
	return prec * size, mean, se, n
}

// fracSpeedDelta is the relative speed change |v(new)-v(ref)|/v(ref) with
// v = 1/rd, which reduces to |rd_ref/rd_new - 1|.
func fracSpeedDelta(rdNew, rdRef float64) float64 {
	return math.Abs(rdRef/math.Max(1e-9, rdNew) - 1.0)
}

func pushWindow(buf []float64, v float64, limit int) []float64 {
	buf = append(buf, v)
	if len(buf) > limit {
		buf = buf[1:]
	}
	return buf
}

func pushCycles(buf [][2]float64, v [2]float64, limit int) [][2]float64 {
	buf = append(buf, v)
	if len(buf) > limit {
		buf = buf[1:]
	}
	return buf
}
