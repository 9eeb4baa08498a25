package calibration

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMissingFileUsesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mmu_vars.cfg")
	s, err := Open(path, 22.5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rd := s.GearRD(3); rd != 22.5 {
		t.Errorf("uncalibrated gate rd = %v, want default 22.5", rd)
	}
	if gates := s.Gates(); len(gates) != 0 {
		t.Errorf("gates = %v, want none", gates)
	}
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mmu_vars.cfg")
	s, err := Open(path, 20.0, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateGearRD(0, 20.87654321); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateGearRD(2, 21.5); err != nil {
		t.Fatal(err)
	}

	// Rounded at the boundary
	if rd := s.GearRD(0); rd != 20.8765 {
		t.Errorf("gate 0 rd = %v, want rounded 20.8765", rd)
	}

	// Survives a reload
	s2, err := Open(path, 20.0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rd := s2.GearRD(0); rd != 20.8765 {
		t.Errorf("reloaded gate 0 rd = %v", rd)
	}
	if rd := s2.GearRD(2); rd != 21.5 {
		t.Errorf("reloaded gate 2 rd = %v", rd)
	}
	if rd := s2.GearRD(1); rd != 20.0 {
		t.Errorf("gate 1 rd = %v, want default", rd)
	}
	if gates := s2.Gates(); len(gates) != 2 || gates[0] != 0 || gates[1] != 2 {
		t.Errorf("gates = %v, want [0 2]", gates)
	}
}

func TestPreservesUnrelatedVariables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mmu_vars.cfg")
	seed := "[Variables]\n" +
		"mmu_state_gate_selected: 1\n" +
		"mmu_calibration_rd_gate_0: 20.1000\n"
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path, 20.0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rd := s.GearRD(0); rd != 20.1 {
		t.Errorf("seeded gate 0 rd = %v", rd)
	}
	if err := s.UpdateGearRD(1, 23.0); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "mmu_state_gate_selected: 1") {
		t.Errorf("unrelated variable dropped on save:\n%s", data)
	}
	if !strings.Contains(string(data), "mmu_calibration_rd_gate_1: 23.0000") {
		t.Errorf("new gate missing from save:\n%s", data)
	}
}

func TestClogLengthRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mmu_vars.cfg")
	s, err := Open(path, 20.0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.ClogLength(); ok {
		t.Error("uncalibrated store reports a clog length")
	}

	if err := s.UpdateClogLength(14.3); err != nil {
		t.Fatal(err)
	}
	s2, err := Open(path, 20.0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if length, ok := s2.ClogLength(); !ok || length != 14.3 {
		t.Errorf("reloaded clog length = %v (%v), want 14.3", length, ok)
	}

	if err := s.UpdateClogLength(0); err == nil {
		t.Error("zero clog length accepted")
	}
}

func TestRejectsInvalidUpdates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mmu_vars.cfg")
	s, err := Open(path, 20.0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateGearRD(-1, 20.0); err == nil {
		t.Error("negative gate accepted")
	}
	if err := s.UpdateGearRD(0, 0); err == nil {
		t.Error("zero rotation distance accepted")
	}
}

func TestIgnoresMalformedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mmu_vars.cfg")
	seed := "[Variables]\n" +
		"mmu_calibration_rd_gate_x: 20.0\n" +
		"mmu_calibration_rd_gate_0: -5.0\n" +
		"mmu_calibration_rd_gate_1: 21.0\n"
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path, 20.0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rd := s.GearRD(0); rd != 20.0 {
		t.Errorf("invalid entry not ignored, gate 0 rd = %v", rd)
	}
	if rd := s.GearRD(1); rd != 21.0 {
		t.Errorf("valid entry lost, gate 1 rd = %v", rd)
	}
}
