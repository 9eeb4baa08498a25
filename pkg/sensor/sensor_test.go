package sensor

import (
	"math"
	"testing"
)

func TestDeriveTypePrecedence(t *testing.T) {
	cases := []struct {
		analog, comp, tens bool
		want               Type
	}{
		{true, true, true, TypeProportional},
		{true, false, false, TypeProportional},
		{false, true, true, TypeDiscrete},
		{false, true, false, TypeCompressionOnly},
		{false, false, true, TypeTensionOnly},
		{false, false, false, TypeUnknown},
	}
	for _, c := range cases {
		got := DeriveType(c.analog, c.comp, c.tens)
		if got != c.want {
			t.Errorf("DeriveType(%v, %v, %v) = %v, want %v",
				c.analog, c.comp, c.tens, got, c.want)
		}
	}
}

func TestHasNeutral(t *testing.T) {
	if !TypeProportional.HasNeutral() || !TypeDiscrete.HasNeutral() {
		t.Error("proportional and discrete sensors represent neutral")
	}
	if TypeCompressionOnly.HasNeutral() || TypeTensionOnly.HasNeutral() {
		t.Error("single switch sensors cannot represent neutral")
	}
}

func TestSwitchStateDiscrete(t *testing.T) {
	cases := []struct {
		comp, tens bool
		want       float64
	}{
		{true, false, StateCompressed},
		{false, true, StateTensioned},
		{false, false, StateNeutral},
		{true, true, StateNeutral},
	}
	for _, c := range cases {
		got := SwitchState(TypeDiscrete, c.comp, c.tens)
		if got != c.want {
			t.Errorf("SwitchState(discrete, %v, %v) = %v, want %v",
				c.comp, c.tens, got, c.want)
		}
	}
}

func TestSwitchStateSingleSwitch(t *testing.T) {
	// Released single switch reads as the opposite extreme, never neutral.
	if got := SwitchState(TypeCompressionOnly, true, false); got != StateCompressed {
		t.Errorf("compression pressed = %v, want %v", got, StateCompressed)
	}
	if got := SwitchState(TypeCompressionOnly, false, false); got != StateTensioned {
		t.Errorf("compression released = %v, want %v", got, StateTensioned)
	}
	if got := SwitchState(TypeTensionOnly, false, true); got != StateTensioned {
		t.Errorf("tension pressed = %v, want %v", got, StateTensioned)
	}
	if got := SwitchState(TypeTensionOnly, false, false); got != StateCompressed {
		t.Errorf("tension released = %v, want %v", got, StateCompressed)
	}
}

func TestAnalogMapperLinear(t *testing.T) {
	m := NewAnalogMapper(0.2, 1.0, 2.2, 1.0)

	if got := m.Map(1.0); got != 0 {
		t.Errorf("neutral raw = %v, want 0", got)
	}
	if got := m.Map(2.2); got != 1 {
		t.Errorf("full compression raw = %v, want 1", got)
	}
	if got := m.Map(0.2); got != -1 {
		t.Errorf("full tension raw = %v, want -1", got)
	}
	// Asymmetric spans: halfway raw values map to +-0.5
	if got := m.Map(1.6); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("half compression = %v, want 0.5", got)
	}
	if got := m.Map(0.6); math.Abs(got+0.5) > 1e-9 {
		t.Errorf("half tension = %v, want -0.5", got)
	}
}

func TestAnalogMapperReversed(t *testing.T) {
	// Sensor wired backwards: higher raw value means more tension.
	m := NewAnalogMapper(2.2, 1.0, 0.2, 1.0)
	if !m.Reversed {
		t.Fatal("mapper should detect reversed polarity")
	}
	if got := m.Map(0.2); got != 1 {
		t.Errorf("reversed full compression = %v, want 1", got)
	}
	if got := m.Map(2.2); got != -1 {
		t.Errorf("reversed full tension = %v, want -1", got)
	}
}

func TestAnalogMapperGamma(t *testing.T) {
	m := NewAnalogMapper(0.0, 1.0, 2.0, 2.0)

	// gamma=2 softens response near neutral and preserves sign
	if got := m.Map(1.5); math.Abs(got-0.25) > 1e-9 {
		t.Errorf("gamma shaped +0.5 = %v, want 0.25", got)
	}
	if got := m.Map(0.5); math.Abs(got+0.25) > 1e-9 {
		t.Errorf("gamma shaped -0.5 = %v, want -0.25", got)
	}
	// Extremes unchanged
	if got := m.Map(2.0); got != 1 {
		t.Errorf("gamma shaped extreme = %v, want 1", got)
	}
}

func TestAnalogMapperClamp(t *testing.T) {
	m := NewAnalogMapper(0.0, 1.0, 2.0, 1.0)
	if got := m.Map(5.0); got != 1 {
		t.Errorf("over-range raw = %v, want clamp to 1", got)
	}
	if got := m.Map(-5.0); got != -1 {
		t.Errorf("under-range raw = %v, want clamp to -1", got)
	}
}
