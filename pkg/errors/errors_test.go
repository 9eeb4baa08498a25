package errors

import (
	stderrors "errors"
	"strings"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := Config("mmu_sync_feedback", "sync_feedback_buffer_range", "must be > 0")
	msg := err.Error()

	if !strings.Contains(msg, "CONFIG_VALIDATION") {
		t.Errorf("missing code: %q", msg)
	}
	if !strings.Contains(msg, "mmu_sync_feedback") {
		t.Errorf("missing section: %q", msg)
	}
	if !strings.Contains(msg, "sync_feedback_buffer_range") {
		t.Errorf("missing option: %q", msg)
	}
}

func TestWrapUnwrap(t *testing.T) {
	inner := stderrors.New("disk full")
	err := Wrap(inner, ErrCalibration, "unable to save rotation distance")

	if !stderrors.Is(err, inner) {
		t.Error("wrapped error should match inner via errors.Is")
	}
	if CodeOf(err) != ErrCalibration {
		t.Errorf("CodeOf = %v, want %v", CodeOf(err), ErrCalibration)
	}
}

func TestIsConfig(t *testing.T) {
	if !IsConfig(New(ErrConfigSection, "missing section")) {
		t.Error("ErrConfigSection should be a config error")
	}
	if IsConfig(New(ErrMotor, "stalled")) {
		t.Error("ErrMotor should not be a config error")
	}
	if IsConfig(stderrors.New("plain")) {
		t.Error("plain error should not be a config error")
	}
}
