// Per-gate gear calibration persistence
//
// Copyright (C) 2026  MMU Sync Go Port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package calibration persists per-gate gear rotation distances in a
// klipper save-variables style file. Values are rounded to 4 decimals at
// the boundary. Writes are atomic (temp file + rename) and serialized
// across processes with an advisory flock on the variables file.
package calibration

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"klipper-mmu-sync/pkg/config"
	"klipper-mmu-sync/pkg/errors"
	"klipper-mmu-sync/pkg/log"
)

const (
	variablesSection = "Variables"
	gearRDPrefix     = "mmu_calibration_rd_gate_"
	clogLengthKey    = "mmu_calibration_clog_length"
)

// Store is a file-backed per-gate rotation distance store.
type Store struct {
	mu         sync.Mutex
	path       string
	defaultRD  float64
	rds        map[int]float64
	clogLength float64           // 0 when never calibrated
	extras     map[string]string // unrelated saved variables, preserved on write
	logger     *log.Logger
}

// Open loads (or initializes) the variables file at path. A missing file
// is not an error; gates fall back to defaultRD until calibrated.
func Open(path string, defaultRD float64, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	s := &Store{
		path:      path,
		defaultRD: defaultRD,
		rds:       make(map[int]float64),
		extras:    make(map[string]string),
		logger:    logger.Component("calibration"),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCalibration, "unable to read %s", path)
	}

	cfg, err := config.LoadString(string(data))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCalibration, "unable to parse %s", path)
	}
	sec := cfg.SectionOptional(variablesSection)
	if sec == nil {
		return s, nil
	}

	for _, name := range sec.Options() {
		if name == clogLengthKey {
			length, err := sec.GetFloat(name)
			if err != nil || length <= 0 {
				s.logger.Warn("Ignoring invalid saved clog detection length")
				continue
			}
			s.clogLength = round4(length)
			continue
		}
		if !strings.HasPrefix(name, gearRDPrefix) {
			v, _ := sec.Get(name)
			s.extras[name] = v
			continue
		}
		gate, err := strconv.Atoi(name[len(gearRDPrefix):])
		if err != nil || gate < 0 {
			s.logger.Warn("Ignoring malformed calibration variable %q", name)
			continue
		}
		rd, err := sec.GetFloat(name)
		if err != nil || rd <= 0 {
			s.logger.Warn("Ignoring invalid rotation distance for gate %d", gate)
			continue
		}
		s.rds[gate] = round4(rd)
	}
	s.logger.Debug("Loaded %d gate rotation distances from %s", len(s.rds), path)
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// GearRD returns the calibrated rotation distance for a gate, or the
// default when the gate has never been calibrated.
func (s *Store) GearRD(gate int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rd, ok := s.rds[gate]; ok {
		return rd
	}
	return s.defaultRD
}

// Gates returns the calibrated gate numbers, sorted.
func (s *Store) Gates() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.rds))
	for g := range s.rds {
		out = append(out, g)
	}
	sort.Ints(out)
	return out
}

// UpdateGearRD stores a new rotation distance for a gate and writes the
// file through atomically.
func (s *Store) UpdateGearRD(gate int, rd float64) error {
	if gate < 0 {
		return errors.New(errors.ErrCalibration, "invalid gate %d", gate)
	}
	if rd <= 0 {
		return errors.New(errors.ErrCalibration,
			"invalid rotation distance %.4f for gate %d", rd, gate)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rds[gate] = round4(rd)
	return s.save()
}

// ClogLength returns the saved encoder clog detection length, if one has
// been calibrated.
func (s *Store) ClogLength() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clogLength, s.clogLength > 0
}

// UpdateClogLength stores a new encoder clog detection length and writes
// the file through atomically.
func (s *Store) UpdateClogLength(length float64) error {
	if length <= 0 {
		return errors.New(errors.ErrCalibration,
			"invalid clog detection length %.4f", length)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clogLength = round4(length)
	return s.save()
}

// save writes the variables file. Callers hold s.mu.
func (s *Store) save() error {
	// Advisory lock on the variables file keeps concurrent writers (e.g.
	// host process and a calibration tool) from interleaving replaces.
	lock, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrap(err, errors.ErrCalibration, "unable to open %s", s.path)
	}
	defer lock.Close()
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX); err != nil {
		return errors.Wrap(err, errors.ErrCalibration, "unable to lock %s", s.path)
	}
	defer unix.Flock(int(lock.Fd()), unix.LOCK_UN)

	var sb strings.Builder
	sb.WriteString("[" + variablesSection + "]\n")
	for _, name := range sortedKeys(s.extras) {
		fmt.Fprintf(&sb, "%s: %s\n", name, s.extras[name])
	}
	if s.clogLength > 0 {
		fmt.Fprintf(&sb, "%s: %.4f\n", clogLengthKey, s.clogLength)
	}
	gates := make([]int, 0, len(s.rds))
	for g := range s.rds {
		gates = append(gates, g)
	}
	sort.Ints(gates)
	for _, g := range gates {
		fmt.Fprintf(&sb, "%s%d: %.4f\n", gearRDPrefix, g, s.rds[g])
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o644); err != nil {
		return errors.Wrap(err, errors.ErrCalibration, "unable to write %s", tmp)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, errors.ErrCalibration, "unable to replace %s", s.path)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
