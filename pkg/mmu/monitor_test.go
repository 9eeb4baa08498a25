package mmu

import (
	"testing"

	"klipper-mmu-sync/pkg/reactor"
)

type positionSource struct{ pos float64 }

func (p *positionSource) read(eventtime float64) float64 { return p.pos }

// The tests drive the sampling callback directly with synthetic event
// times instead of waiting on the reactor's wall clock.

func TestMonitorTriggersOnThreshold(t *testing.T) {
	r := reactor.New()
	src := &positionSource{}
	m := NewExtruderMonitor(r, src.read)

	var events []float64
	w := m.Register(func(eventtime, move float64) { events = append(events, move) }, 5.0)

	m.check(0.0) // first sample only seeds the position
	src.pos = 3.0
	m.check(0.5)
	if len(events) != 0 {
		t.Fatalf("triggered below threshold: %v", events)
	}

	src.pos = 6.0
	m.check(1.0)
	if len(events) != 1 || events[0] != 6.0 {
		t.Fatalf("events = %v, want one trigger with 6.0mm accumulated", events)
	}

	// The trigger consumed the accumulator
	if d := m.GetAndResetAccumulated(w); d != 0 {
		t.Errorf("accumulator = %v after trigger, want 0", d)
	}
}

func TestMonitorSignedAccumulation(t *testing.T) {
	r := reactor.New()
	src := &positionSource{}
	m := NewExtruderMonitor(r, src.read)

	var fired bool
	w := m.Register(func(eventtime, move float64) { fired = true }, 5.0)

	m.check(0.0)
	src.pos = 3.0
	m.check(0.5)
	src.pos = -3.0 // retract past the start
	m.check(1.0)

	if fired {
		t.Error("triggered although feed and retract mostly cancelled")
	}
	if d := m.GetAndResetAccumulated(w); d != -3.0 {
		t.Errorf("accumulator = %v, want signed net -3.0", d)
	}
	if d := m.GetAndResetAccumulated(w); d != 0 {
		t.Errorf("accumulator = %v after read, want reset to 0", d)
	}
}

func TestMonitorPerWatchThresholds(t *testing.T) {
	r := reactor.New()
	src := &positionSource{}
	m := NewExtruderMonitor(r, src.read)

	var coarse, fine int
	m.Register(func(eventtime, move float64) { coarse++ }, 10.0)
	m.Register(func(eventtime, move float64) { fine++ }, 2.0)

	m.check(0.0)
	src.pos = 3.0
	m.check(0.5)
	src.pos = 6.0
	m.check(1.0)

	if coarse != 0 {
		t.Errorf("coarse watch fired %d times, want 0", coarse)
	}
	if fine != 2 {
		t.Errorf("fine watch fired %d times, want 2", fine)
	}
}

func TestMonitorRemove(t *testing.T) {
	r := reactor.New()
	src := &positionSource{}
	m := NewExtruderMonitor(r, src.read)

	var fired bool
	w := m.Register(func(eventtime, move float64) { fired = true }, 1.0)
	m.check(0.0)
	m.Remove(w)

	src.pos = 10.0
	m.check(0.5)
	if fired {
		t.Error("removed watch still fired")
	}
	if d := m.GetAndResetAccumulated(w); d != 0 {
		t.Errorf("removed watch accumulator = %v, want 0", d)
	}
}

func TestMonitorDisable(t *testing.T) {
	r := reactor.New()
	src := &positionSource{}
	m := NewExtruderMonitor(r, src.read)

	var fired bool
	m.Register(func(eventtime, move float64) { fired = true }, 1.0)
	m.check(0.0)
	m.Disable()

	src.pos = 10.0
	m.check(0.5)
	if fired {
		t.Error("disabled monitor still fired")
	}

	// Re-enabling resumes from a fresh sample, not the stale position
	m.Enable()
	m.check(1.0)
	if fired {
		t.Error("first sample after enable should not fire")
	}
}
