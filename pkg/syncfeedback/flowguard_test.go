package syncfeedback

import (
	"testing"

	"klipper-mmu-sync/pkg/sensor"
)

func newTestController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	ctrl, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return ctrl
}

func TestFlowguardArmsOnStateChange(t *testing.T) {
	cfg := DefaultConfig(sensor.TypeDiscrete)
	ctrl := newTestController(t, cfg)
	out := ctrl.Reset(0, 20.0, 0, true)

	if out.Flowguard.Active {
		t.Error("flowguard should start disarmed")
	}

	// Motion without any coarse state change keeps it disarmed
	out = ctrl.Update(1.0, 1.0, 0)
	if out.Flowguard.Active {
		t.Error("flowguard armed without a state change")
	}

	// A state change while moving arms it
	out = ctrl.Update(2.0, 1.0, 1)
	if !out.Flowguard.Active {
		t.Error("flowguard should arm after motion plus state change")
	}
}

func TestFlowguardClogTrip(t *testing.T) {
	cfg := DefaultConfig(sensor.TypeDiscrete)
	cfg.FlowguardRelief = 5.0
	ctrl := newTestController(t, cfg)
	ctrl.Reset(0, 20.0, 0, true)

	// Arm, then hold the sensor pegged at compression. The two-level
	// branch runs the slow RD so relief effort accumulates every tick.
	now := 1.0
	ctrl.Update(now, 1.0, 0)

	var trig string
	var reason string
	for i := 0; i < 500; i++ {
		now += 0.1
		out := ctrl.Update(now, 1.0, 1)
		if out.Flowguard.Trigger != "" {
			trig = out.Flowguard.Trigger
			reason = out.Flowguard.Reason
			break
		}
	}
	if trig != TriggerClog {
		t.Fatalf("trigger = %q, want %q", trig, TriggerClog)
	}
	if reason == "" {
		t.Error("tripped flowguard should carry a reason")
	}
}

func TestFlowguardTangleTrip(t *testing.T) {
	cfg := DefaultConfig(sensor.TypeDiscrete)
	cfg.FlowguardRelief = 5.0
	ctrl := newTestController(t, cfg)
	ctrl.Reset(0, 20.0, 0, true)

	now := 1.0
	ctrl.Update(now, 1.0, 0)

	var trig string
	for i := 0; i < 500; i++ {
		now += 0.1
		out := ctrl.Update(now, 1.0, -1)
		if out.Flowguard.Trigger != "" {
			trig = out.Flowguard.Trigger
			break
		}
	}
	if trig != TriggerTangle {
		t.Fatalf("trigger = %q, want %q", trig, TriggerTangle)
	}
}

func TestFlowguardLatchesUntilReset(t *testing.T) {
	cfg := DefaultConfig(sensor.TypeDiscrete)
	cfg.FlowguardRelief = 5.0
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

	// Returning to neutral does not clear the trigger
	now += 0.1
	out := ctrl.Update(now, 1.0, 0)
	if out.Flowguard.Trigger != TriggerClog {
		t.Errorf("trigger = %q after neutral, want latched %q", out.Flowguard.Trigger, TriggerClog)
	}

	ctrl.ResetFlowguard()
	if st := ctrl.FlowguardState(); st.Trigger != "" || st.Active {
		t.Errorf("after reset: trigger=%q active=%v, want cleared and disarmed", st.Trigger, st.Active)
	}
}

func TestFlowguardLevelTracksHeadroom(t *testing.T) {
	cfg := DefaultConfig(sensor.TypeDiscrete)
	cfg.FlowguardRelief = 100.0
	ctrl := newTestController(t, cfg)
	ctrl.Reset(0, 20.0, 0, true)

	now := 1.0
	ctrl.Update(now, 1.0, 0)

	var prev float64
	for i := 0; i < 20; i++ {
		now += 0.1
		out := ctrl.Update(now, 1.0, 1)
		if out.Flowguard.Level < prev {
			t.Fatalf("clog level decreased while pegged: %v -> %v", prev, out.Flowguard.Level)
		}
		prev = out.Flowguard.Level
		if out.Flowguard.MaxClog < out.Flowguard.Level {
			t.Fatalf("max clog %v below current level %v", out.Flowguard.MaxClog, out.Flowguard.Level)
		}
	}
	if prev <= 0 {
		t.Error("clog level never rose while pegged at compression")
	}
}

func TestFlowguardSingleSwitchOpenIsOppositeExtreme(t *testing.T) {
	// Compression-only sensor: open reads as tension for FlowGuard, so
	// tension-side accumulation starts immediately without contact.
	cfg := DefaultConfig(sensor.TypeCompressionOnly)
	cfg.FlowguardRelief = 5.0
	ctrl := newTestController(t, cfg)
	ctrl.Reset(0, 20.0, 1, true)

	now := 1.0
	ctrl.Update(now, 1.0, 1)
	ctrl.Update(now+0.1, 1.0, 0) // state change arms

	now += 0.2
	var trig string
	for i := 0; i < 1000; i++ {
		now += 0.1
		out := ctrl.Update(now, 1.0, 0)
		if out.Flowguard.Trigger != "" {
			trig = out.Flowguard.Trigger
			break
		}
	}
	if trig != TriggerTangle {
		t.Fatalf("trigger = %q, want %q from open single switch", trig, TriggerTangle)
	}
}
