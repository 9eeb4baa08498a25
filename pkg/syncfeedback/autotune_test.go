package syncfeedback

import (
	"math"
	"testing"

	"klipper-mmu-sync/pkg/sensor"
)

func TestCertaintyScore(t *testing.T) {
	// A single sample carries no certainty
	score, _, _, n := certaintyScore([]float64{20.0}, 0.01, 3.0)
	if score != 0 || n != 1 {
		t.Errorf("single sample: score=%v n=%d, want 0, 1", score, n)
	}

	// Identical samples: certainty grows with window size
	small, _, _, _ := certaintyScore([]float64{20, 20}, 0.01, 3.0)
	large, _, _, _ := certaintyScore([]float64{20, 20, 20, 20, 20, 20}, 0.01, 3.0)
	if small <= 0 {
		t.Errorf("two identical samples should score > 0, got %v", small)
	}
	if large <= small {
		t.Errorf("more consistent samples should score higher: %v <= %v", large, small)
	}

	// Noisy samples score lower than consistent ones
	noisy, _, _, _ := certaintyScore([]float64{18, 22, 19, 21, 18, 22}, 0.01, 3.0)
	if noisy >= large {
		t.Errorf("noisy window %v should score below consistent window %v", noisy, large)
	}
}

func TestFracSpeedDelta(t *testing.T) {
	if d := fracSpeedDelta(20.0, 20.0); d != 0 {
		t.Errorf("no change should be 0, got %v", d)
	}
	// 1% slower speed: rd 20 -> 20.202
	d := fracSpeedDelta(20.202, 20.0)
	if math.Abs(d-0.01) > 1e-3 {
		t.Errorf("delta = %v, want ~0.01", d)
	}
}

func TestEKFAutotuneRecommendsNearNeutral(t *testing.T) {
	cfg := DefaultConfig(sensor.TypeProportional)
	cfg.AutotuneStableTime = 1.0
	cfg.AutotuneMotion = 10.0
	cfg.AutotuneCooldownTime = 0.5
	cfg.AutotuneCooldownMotion = 5.0
	ctrl := newTestController(t, cfg)
	ctrl.Reset(0, 20.0, 0, true)

	now := 0.0
	var sawRec bool
	var rec float64
	for i := 0; i < 300; i++ {
		now += 0.1
		out := ctrl.Update(now, 0.5, 0)
		if out.Autotune.OK {
			sawRec = true
			rec = out.Autotune.RD
		}
	}
	if !sawRec {
		t.Fatal("no autotune recommendation from steady near-neutral printing")
	}
	if math.Abs(rec-20.0) > 0.05 {
		t.Errorf("recommendation = %v, want ~20.0 for a perfectly calibrated gear", rec)
	}
}

func TestEKFAutotuneGatedAwayFromNeutral(t *testing.T) {
	cfg := DefaultConfig(sensor.TypeProportional)
	cfg.AutotuneStableTime = 1.0
	cfg.AutotuneMotion = 10.0
	cfg.AutotuneCooldownTime = 0.5
	cfg.AutotuneCooldownMotion = 5.0
	ctrl := newTestController(t, cfg)
	ctrl.Reset(0, 20.0, 0, true)

	// A buffer stuck halfway to compression is outside the stable band,
	// so the tuner must never recommend.
	now := 0.0
	for i := 0; i < 500; i++ {
		now += 0.1
		out := ctrl.Update(now, 0.5, 0.5)
		if out.Autotune.OK {
			t.Fatalf("recommendation at tick %d despite unstable estimate", i)
		}
	}
}

func TestAutotunePausesOnRetract(t *testing.T) {
	cfg := DefaultConfig(sensor.TypeProportional)
	ctrl := newTestController(t, cfg)
	ctrl.Reset(0, 20.0, 0, true)

	out := ctrl.Update(0.1, -1.0, 0)
	if out.Autotune.Note != "Autotune: Paused" {
		t.Errorf("note = %q, want paused marker on retract", out.Autotune.Note)
	}

	// Extruding resumes tuning
	out = ctrl.Update(0.2, 1.0, 0)
	if out.Autotune.Note == "Autotune: Paused" {
		t.Error("autotune still paused after resuming extrusion")
	}
}

func TestTwoLevelAutotuneConvergesOnTrueRD(t *testing.T) {
	cfg := DefaultConfig(sensor.TypeCompressionOnly)
	cfg.AutotuneCooldownTime = 0.5
	cfg.AutotuneCooldownMotion = 5.0
	cfg.AutotuneSignificanceZ = 0 // keep the sim deterministic
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	ctrl := newTestController(t, cfg)
	sim := NewSimulator(cfg, 20.6) // gear actually 3% off calibration
	ctrl.Reset(0, 20.0, sim.Reading(), true)

	now := 0.0
	var sawRec bool
	for i := 0; i < 3000; i++ {
		now += 0.1
		reading := sim.Step(ctrl.CurrentRD(), 0.5)
		out := ctrl.Update(now, 0.5, reading)
		if out.Autotune.OK {
			sawRec = true
		}
	}
	if !sawRec {
		t.Fatal("two-level autotune never produced a recommendation")
	}

	rec := ctrl.RecommendedRD()
	if rec <= 20.1 || rec >= 21.05 {
		t.Errorf("recommended rd = %v, want pulled toward true 20.6", rec)
	}
}

func TestFlowguardTripRestartsAutotune(t *testing.T) {
	cfg := DefaultConfig(sensor.TypeDiscrete)
	cfg.FlowguardRelief = 3.0
	ctrl := newTestController(t, cfg)
	ctrl.Reset(0, 20.0, 0, true)

	now := 1.0
	ctrl.Update(now, 1.0, 0)
	for i := 0; i < 500; i++ {
		now += 0.1
		if out := ctrl.Update(now, 1.0, 1); out.Flowguard.Trigger != "" {
			break
		}
	}

	// A tripped flowguard rebases the tuner on the current reference
	if got := ctrl.RecommendedRD(); got != 20.0 {
		t.Errorf("recommended rd after trip = %v, want rebased 20.0", got)
	}
}
