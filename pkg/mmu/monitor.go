// Callback based extruder movement monitoring
//
// Copyright (C) 2026  MMU Sync Go Port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mmu

import (
	"sync"

	"klipper-mmu-sync/pkg/reactor"
)

// How often the extruder position is sampled (seconds)
const checkInterval = 0.5

// PositionFunc reports the absolute extruder position at eventtime.
type PositionFunc func(eventtime float64) float64

// MovementFunc is invoked with the signed distance accumulated since the
// watch was registered or last triggered.
type MovementFunc func(eventtime, move float64)

// Watch is a handle for one registered movement subscriber.
type Watch struct {
	fn        MovementFunc
	threshold float64
	accum     float64
}

// ExtruderMonitor periodically samples the extruder position and notifies
// registered watches when their movement threshold is crossed in either
// direction. Each watch keeps its own signed accumulator.
type ExtruderMonitor struct {
	mu       sync.Mutex
	reactor  *reactor.Reactor
	position PositionFunc

	enabled bool
	lastPos float64
	started bool

	watches map[*Watch]struct{}
	timer   *reactor.Timer
}

// NewExtruderMonitor creates and starts a monitor sampling position.
func NewExtruderMonitor(r *reactor.Reactor, position PositionFunc) *ExtruderMonitor {
	m := &ExtruderMonitor{
		reactor:  r,
		position: position,
		watches:  make(map[*Watch]struct{}),
	}
	m.timer = r.RegisterTimer(m.check, reactor.NOW)
	m.enabled = true
	return m
}

// Enable starts the sampling watchdog. Motion that happened while
// disabled is not counted; sampling restarts from a fresh position.
func (m *ExtruderMonitor) Enable() {
	m.mu.Lock()
	m.enabled = true
	m.started = false
	m.mu.Unlock()
	m.reactor.UpdateTimer(m.timer, reactor.NOW)
}

// Disable stops the sampling watchdog.
func (m *ExtruderMonitor) Disable() {
	m.mu.Lock()
	m.enabled = false
	m.mu.Unlock()
	m.reactor.UpdateTimer(m.timer, reactor.NEVER)
}

// Register subscribes fn to movement events once accumulated motion
// crosses threshold mm in either direction. The accumulator starts at 0.
func (m *ExtruderMonitor) Register(fn MovementFunc, threshold float64) *Watch {
	if threshold <= 0 {
		threshold = checkInterval // nonsense threshold; keep monitor sane
	}
	w := &Watch{fn: fn, threshold: threshold}

	m.mu.Lock()
	m.watches[w] = struct{}{}
	enabled := m.enabled
	m.mu.Unlock()

	if enabled {
		m.reactor.UpdateTimer(m.timer, reactor.NOW)
	}
	return w
}

// Remove unsubscribes a watch. Unknown watches are ignored.
func (m *ExtruderMonitor) Remove(w *Watch) {
	m.mu.Lock()
	delete(m.watches, w)
	m.mu.Unlock()
}

// GetAndResetAccumulated returns the signed distance accumulated for the
// watch since registration or the last trigger, and zeroes it.
func (m *ExtruderMonitor) GetAndResetAccumulated(w *Watch) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watches[w]; !ok {
		return 0
	}
	d := w.accum
	w.accum = 0
	return d
}

// check is the reactor timer entrypoint.
func (m *ExtruderMonitor) check(eventtime float64) float64 {
	m.mu.Lock()
	if !m.enabled || len(m.watches) == 0 {
		m.mu.Unlock()
		return eventtime + checkInterval
	}

	pos := m.position(eventtime)
	if !m.started {
		m.started = true
		m.lastPos = pos
		m.mu.Unlock()
		return eventtime + checkInterval
	}

	delta := pos - m.lastPos
	m.lastPos = pos

	// Collect triggers first so callbacks can mutate subscriptions
	type fire struct {
		fn   MovementFunc
		dist float64
	}
	var fires []fire
	if delta != 0 {
		for w := range m.watches {
			w.accum += delta
			if abs(w.accum) >= w.threshold {
				fires = append(fires, fire{w.fn, w.accum})
				w.accum = 0
			}
		}
	}
	m.mu.Unlock()

	for _, f := range fires {
		f.fn(eventtime, f.dist)
	}
	return eventtime + checkInterval
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
