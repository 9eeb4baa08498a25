package syncfeedback

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
	"testing"

	"klipper-mmu-sync/pkg/sensor"
)

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig(sensor.TypeProportional)
	cfg.BufferRange = 0
	if _, err := New(cfg); err == nil {
		t.Error("zero buffer range should be rejected")
	}

	cfg = DefaultConfig(sensor.TypeProportional)
	cfg.BufferMaxRange = cfg.BufferRange - 1
	if _, err := New(cfg); err == nil {
		t.Error("max range below range should be rejected")
	}

	cfg = DefaultConfig(sensor.TypeProportional)
	cfg.AutotuneBasis = "sometimes"
	if _, err := New(cfg); err == nil {
		t.Error("unknown autotune basis should be rejected")
	}
}

func TestConfigDerivedDefaults(t *testing.T) {
	cfg := DefaultConfig(sensor.TypeDiscrete)
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.AutotuneMotion != 3.0*cfg.RDFilterLen {
		t.Errorf("AutotuneMotion = %v, want %v", cfg.AutotuneMotion, 3.0*cfg.RDFilterLen)
	}
	if cfg.FlowguardRelief != math.Max(0.7*cfg.BufferRange, cfg.BufferMaxRange) {
		t.Errorf("FlowguardRelief = %v not derived for switch sensor", cfg.FlowguardRelief)
	}

	pcfg := DefaultConfig(sensor.TypeProportional)
	if err := pcfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if pcfg.FlowguardRelief != math.Max(0.3*pcfg.BufferRange, pcfg.BufferMaxRange) {
		t.Errorf("proportional FlowguardRelief = %v", pcfg.FlowguardRelief)
	}
}

func TestRotationDistanceStaysInEnvelope(t *testing.T) {
	cfg := DefaultConfig(sensor.TypeProportional)
	ctrl := newTestController(t, cfg)
	ctrl.Reset(0, 20.0, 0, true)

	f := cfg.RDMinMaxSpeedMult
	rdMin := 20.0 / (1.0 + f)
	rdMax := 20.0 / (1.0 - f)

	// Hammer the controller with pegged readings in both directions; the
	// applied RD must never leave the absolute envelope.
	now := 0.0
	readings := []float64{1, 1, 1, -1, -1, 1, -1, -1, -1, 1}
	for i := 0; i < 1000; i++ {
		now += 0.1
		out := ctrl.Update(now, 1.0, readings[i%len(readings)])
		if out.RDCurrent < rdMin-1e-9 || out.RDCurrent > rdMax+1e-9 {
			t.Fatalf("tick %d: rd %v escaped envelope [%v, %v]", i, out.RDCurrent, rdMin, rdMax)
		}
	}
}

func TestNeutralHoldsRotationDistance(t *testing.T) {
	cfg := DefaultConfig(sensor.TypeProportional)
	ctrl := newTestController(t, cfg)
	ctrl.Reset(0, 20.0, 0, true)

	now := 0.0
	for i := 0; i < 200; i++ {
		now += 0.1
		out := ctrl.Update(now, 1.0, 0)
		if math.Abs(out.RDCurrent-20.0) > 1e-6 {
			t.Fatalf("tick %d: rd drifted to %v on a perfectly neutral buffer", i, out.RDCurrent)
		}
	}
}

func TestTwoLevelFlipDebounce(t *testing.T) {
	cfg := DefaultConfig(sensor.TypeDiscrete)
	cfg.OSMinFlip = 5.0
	ctrl := newTestController(t, cfg)
	out := ctrl.Reset(0, 20.0, 0, true)

	rdLow := out.RDCurrent
	if rdLow >= 20.0 {
		t.Fatalf("two-level start rd = %v, want low level below 20", rdLow)
	}

	// Compression demands the high level but the flip must wait for
	// 5mm of motion since the last flip.
	now := 0.0
	for i := 1; i <= 4; i++ {
		now += 0.1
		out = ctrl.Update(now, 1.0, 1)
		if out.RDCurrent != rdLow {
			t.Fatalf("tick %d: flipped after only %dmm, want debounce to 5mm", i, i)
		}
	}
	now += 0.1
	out = ctrl.Update(now, 1.0, 1)
	if out.RDCurrent <= 20.0 {
		t.Fatalf("rd = %v after 5mm, want flip to high level", out.RDCurrent)
	}
}

func TestTwoLevelSeeksSingleSwitch(t *testing.T) {
	// Compression-only runs fast while open (seeking contact) and slow
	// in contact (relieving); tension-only mirrors.
	co := newTestController(t, DefaultConfig(sensor.TypeCompressionOnly))
	out := co.Reset(0, 20.0, 0, true)
	if out.RDCurrent >= 20.0 {
		t.Errorf("CO open rd = %v, want low (fast)", out.RDCurrent)
	}
	out = co.Update(0.1, 1.0, 1)
	if out.RDCurrent <= 20.0 {
		t.Errorf("CO contact rd = %v, want high (slow)", out.RDCurrent)
	}

	to := newTestController(t, DefaultConfig(sensor.TypeTensionOnly))
	out = to.Reset(0, 20.0, 0, true)
	if out.RDCurrent <= 20.0 {
		t.Errorf("TO open rd = %v, want high (slow)", out.RDCurrent)
	}
	out = to.Update(0.1, 1.0, -1)
	if out.RDCurrent >= 20.0 {
		t.Errorf("TO contact rd = %v, want low (fast)", out.RDCurrent)
	}
}

func TestResetSemantics(t *testing.T) {
	cfg := DefaultConfig(sensor.TypeProportional)
	ctrl := newTestController(t, cfg)

	ctrl.Reset(0, 20.0, 0, true)
	if got := ctrl.RecommendedRD(); got != 20.0 {
		t.Errorf("recommended rd after hard reset = %v, want 20.0", got)
	}
	if got := ctrl.TunedRD(); got != 20.0 {
		t.Errorf("tuned rd after hard reset = %v, want 20.0", got)
	}

	// Soft reset rebases RD without touching learned autotune state
	ctrl.Reset(1, 21.0, 0, false)
	if got := ctrl.CurrentRD(); got != 21.0 {
		t.Errorf("current rd after soft reset = %v, want 21.0", got)
	}
	if got := ctrl.RecommendedRD(); got != 20.0 {
		t.Errorf("soft reset changed recommended rd to %v", got)
	}

	// Hard reset rebases everything
	ctrl.Reset(2, 19.5, 0, true)
	if got := ctrl.RecommendedRD(); got != 19.5 {
		t.Errorf("recommended rd after second hard reset = %v, want 19.5", got)
	}
}

func TestProportionalEKFConvergesOnMiscalibratedGear(t *testing.T) {
	cfg := DefaultConfig(sensor.TypeProportional)
	ctrl := newTestController(t, cfg)
	sim := NewSimulator(cfg, 21.0) // gear feeds 5% more than calibration says
	ctrl.Reset(0, 20.0, sim.Reading(), true)

	now := 0.0
	for i := 0; i < 4000; i++ {
		now += 0.1
		reading := sim.Step(ctrl.CurrentRD(), 0.5)
		ctrl.Update(now, 0.5, reading)
	}

	rd := ctrl.CurrentRD()
	if rd < 20.4 || rd > 21.6 {
		t.Errorf("rd = %v after convergence, want near true 21.0", rd)
	}
	if x := sim.Position(); math.Abs(x) > 0.6 {
		t.Errorf("buffer position = %v, want pulled back toward neutral", x)
	}
}

func TestTypeMode(t *testing.T) {
	cfg := DefaultConfig(sensor.TypeProportional)
	ctrl := newTestController(t, cfg)
	if got := ctrl.TypeMode(); !strings.Contains(got, "EKF") {
		t.Errorf("TypeMode = %q, want EKF mode marker", got)
	}

	cfg.ForceTwoLevel = true
	ctrl = newTestController(t, cfg)
	if got := ctrl.TypeMode(); !strings.Contains(got, "two-level") {
		t.Errorf("TypeMode = %q, want two-level marker", got)
	}

	ctrl = newTestController(t, DefaultConfig(sensor.TypeDiscrete))
	if got := ctrl.TypeMode(); got != "discrete" {
		t.Errorf("TypeMode = %q, want plain sensor type", got)
	}
}

func TestTelemetryStream(t *testing.T) {
	cfg := DefaultConfig(sensor.TypeProportional)
	ctrl := newTestController(t, cfg)

	var buf bytes.Buffer
	ctrl.SetTelemetry(&buf)
	ctrl.Reset(0, 20.0, 0, true)
	ctrl.Update(0.1, 1.0, 0.2)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) < 3 {
		t.Fatalf("got %d telemetry lines, want header + 2 ticks", len(lines))
	}

	var header struct {
		Header *telemetryHeader `json:"header"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &header); err != nil || header.Header == nil {
		t.Fatalf("first line is not a header: %v", err)
	}
	if header.Header.SensorType != "proportional" {
		t.Errorf("header sensor type = %q", header.Header.SensorType)
	}

	var rec telemetryRecord
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &rec); err != nil {
		t.Fatalf("tick line does not parse: %v", err)
	}
	if rec.RDCurrent == 0 {
		t.Error("tick record missing rd_current")
	}
}
