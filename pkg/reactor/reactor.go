// Package reactor provides the timer/event loop driving periodic work in
// the sync-feedback suite (extruder movement sampling, watchdogs). Timers
// use a monotonic float-seconds clock; callbacks return their next wake
// time, or NEVER to go dormant.
package reactor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Timer scheduling sentinels.
const (
	NOW   = 0.0
	NEVER = 9999999999999999.0
)

// TimerFunc is invoked when a timer fires. It receives the event time and
// returns the next wake time (NEVER to stop firing).
type TimerFunc func(eventtime float64) float64

// Timer is a registered timer handle.
type Timer struct {
	mu       sync.Mutex
	id       uint64
	fn       TimerFunc
	waketime float64
	running  bool
}

// Waketime returns the timer's current wake time.
func (t *Timer) Waketime() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waketime
}

// Reactor owns a set of timers and a monotonic clock.
type Reactor struct {
	mu       sync.Mutex
	timers   []*Timer
	nextID   uint64
	nextWake float64

	kick chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool
	wg      sync.WaitGroup

	start time.Time
}

// New creates a new Reactor.
func New() *Reactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		nextWake: NEVER,
		kick:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		start:    time.Now(),
	}
}

// Monotonic returns seconds since the reactor was created.
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.start).Seconds()
}

// RegisterTimer registers fn to fire at waketime.
func (r *Reactor) RegisterTimer(fn TimerFunc, waketime float64) *Timer {
	r.mu.Lock()
	r.nextID++
	t := &Timer{id: r.nextID, fn: fn, waketime: waketime}
	r.timers = append(r.timers, t)
	if waketime < r.nextWake {
		r.nextWake = waketime
	}
	r.mu.Unlock()

	r.wake()
	return t
}

// UnregisterTimer removes a timer.
func (r *Reactor) UnregisterTimer(t *Timer) {
	t.mu.Lock()
	t.waketime = NEVER
	t.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cur := range r.timers {
		if cur.id == t.id {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			break
		}
	}
}

// UpdateTimer reschedules a timer. Updating a timer whose callback is
// currently executing is a no-op; the callback's return value wins.
func (r *Reactor) UpdateTimer(t *Timer, waketime float64) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.waketime = waketime
	t.mu.Unlock()

	r.mu.Lock()
	if waketime < r.nextWake {
		r.nextWake = waketime
	}
	r.mu.Unlock()

	r.wake()
}

// Pause sleeps until waketime (monotonic seconds) or reactor shutdown,
// returning the current monotonic time.
func (r *Reactor) Pause(waketime float64) float64 {
	now := r.Monotonic()
	if waketime <= now {
		return now
	}
	if waketime >= NEVER {
		<-r.ctx.Done()
		return r.Monotonic()
	}

	delay := time.Duration((waketime - now) * float64(time.Second))
	select {
	case <-time.After(delay):
	case <-r.ctx.Done():
	}
	return r.Monotonic()
}

// Run starts the dispatch loop in a goroutine.
func (r *Reactor) Run() {
	if r.running.Swap(true) {
		return
	}
	r.wg.Add(1)
	go r.dispatch()
}

// End signals the reactor to stop.
func (r *Reactor) End() {
	r.running.Store(false)
	r.cancel()
}

// Wait blocks until the dispatch loop has exited.
func (r *Reactor) Wait() {
	r.wg.Wait()
}

func (r *Reactor) wake() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Reactor) dispatch() {
	defer r.wg.Done()

	for r.running.Load() {
		eventtime := r.Monotonic()
		delay := r.fireTimers(eventtime)

		if delay <= 0 {
			continue
		}
		sleep := time.Duration(delay * float64(time.Second))
		if sleep > time.Second {
			sleep = time.Second
		}
		select {
		case <-time.After(sleep):
		case <-r.kick:
		case <-r.ctx.Done():
			return
		}
	}
}

// fireTimers runs all due timers and returns seconds until the next wake.
func (r *Reactor) fireTimers(eventtime float64) float64 {
	r.mu.Lock()
	if eventtime < r.nextWake {
		delay := r.nextWake - eventtime
		r.mu.Unlock()
		return delay
	}
	due := make([]*Timer, len(r.timers))
	copy(due, r.timers)
	r.nextWake = NEVER
	r.mu.Unlock()

	for _, t := range due {
		t.mu.Lock()
		waketime := t.waketime
		if eventtime >= waketime {
			t.waketime = NEVER
			t.running = true
			t.mu.Unlock()

			next := t.fn(eventtime)

			t.mu.Lock()
			t.running = false
			if next < t.waketime {
				t.waketime = next
			}
		}
		waketime = t.waketime
		t.mu.Unlock()

		r.mu.Lock()
		if waketime < r.nextWake {
			r.nextWake = waketime
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	delay := r.nextWake - eventtime
	r.mu.Unlock()
	if delay < 0 {
		delay = 0
	}
	return delay
}
