// Rotary encoder with movement measurement and clog/runout detection
//
// Copyright (C) 2026  MMU Sync Go Port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package encoder tracks filament movement measured by a rotary encoder
// against commanded extruder movement. It derives a flow rate estimate and
// detects clogs/runouts: the encoder must register motion before the
// extruder advances past a moving runout position, otherwise the filament
// is considered stuck or exhausted. In automatic mode the detection length
// is retuned periodically to maintain a configured headroom.
package encoder

import (
	"math"
	"sync"

	"klipper-mmu-sync/pkg/config"
	"klipper-mmu-sync/pkg/errors"
	"klipper-mmu-sync/pkg/log"
	"klipper-mmu-sync/pkg/reactor"
)

// How often filament movement is checked while printing (seconds)
const checkMovementInterval = 0.25

// Runout/clog detection modes
const (
	RunoutDisabled  = 0
	RunoutStatic    = 1
	RunoutAutomatic = 2
)

// Options holds the [mmu_encoder] configuration.
type Options struct {
	SampleTime float64 // counter sample period (s)
	PollTime   float64 // counter poll period (s)
	Resolution float64 // mm of filament per encoder count

	// Headroom the detector tries to maintain before triggering (mm)
	DesiredHeadroom float64
	// Damping applied when averaging the detection length down
	AverageSamples int
	// Extrusion interval between automatic detection length updates (mm)
	CalibrationLength float64
	// Distance the extruder may advance without encoder movement (mm)
	DetectionLength float64
	// Minimum time between runout/insert events (s)
	EventDelay float64
	// Extra reactor pause before the runout handler runs (s)
	PauseDelay float64
	// Number of movement samples blended into the flow rate
	FlowrateSamples int
}

// DefaultOptions returns the option defaults.
func DefaultOptions() Options {
	return Options{
		SampleTime:        0.1,
		PollTime:          0.001,
		Resolution:        1.0,
		DesiredHeadroom:   6.0,
		AverageSamples:    4,
		CalibrationLength: 10000.0,
		DetectionLength:   10.0,
		EventDelay:        2.0,
		PauseDelay:        0.0,
		FlowrateSamples:   20,
	}
}

// LoadOptions reads encoder options from the [mmu_encoder] section. A
// missing section yields the defaults.
func LoadOptions(cfg *config.Config) (Options, error) {
	o := DefaultOptions()
	sec := cfg.SectionOptional("mmu_encoder")
	if sec == nil {
		return o, nil
	}

	var err error
	if o.SampleTime, err = sec.GetFloatBounded("sample_time",
		config.FloatBounds{Above: config.Float(0)}, o.SampleTime); err != nil {
		return o, err
	}
	if o.PollTime, err = sec.GetFloatBounded("poll_time",
		config.FloatBounds{Above: config.Float(0)}, o.PollTime); err != nil {
		return o, err
	}
	if o.Resolution, err = sec.GetFloatBounded("encoder_resolution",
		config.FloatBounds{Above: config.Float(0)}, o.Resolution); err != nil {
		return o, err
	}
	if o.DesiredHeadroom, err = sec.GetFloatBounded("desired_headroom",
		config.FloatBounds{Above: config.Float(0)}, o.DesiredHeadroom); err != nil {
		return o, err
	}
	if o.AverageSamples, err = sec.GetIntBounded("average_samples",
		config.IntBounds{Min: config.Int(1)}, o.AverageSamples); err != nil {
		return o, err
	}
	if o.CalibrationLength, err = sec.GetFloatBounded("calibration_length",
		config.FloatBounds{Min: config.Float(50)}, o.CalibrationLength); err != nil {
		return o, err
	}
	if o.DetectionLength, err = sec.GetFloatBounded("detection_length",
		config.FloatBounds{Above: config.Float(2)}, o.DetectionLength); err != nil {
		return o, err
	}
	if o.EventDelay, err = sec.GetFloatBounded("event_delay",
		config.FloatBounds{Above: config.Float(0)}, o.EventDelay); err != nil {
		return o, err
	}
	if o.PauseDelay, err = sec.GetFloatBounded("pause_delay",
		config.FloatBounds{Min: config.Float(0)}, o.PauseDelay); err != nil {
		return o, err
	}
	if o.FlowrateSamples, err = sec.GetIntBounded("flowrate_samples",
		config.IntBounds{Min: config.Int(5)}, o.FlowrateSamples); err != nil {
		return o, err
	}
	return o, nil
}

// PositionFunc reports the commanded extruder position (mm) at eventtime.
type PositionFunc func(eventtime float64) float64

// EventFunc handles a runout or insert event.
type EventFunc func(eventtime float64)

// Deps wires the encoder to the rest of the machine.
type Deps struct {
	Log      *log.Logger
	Reactor  *reactor.Reactor
	Position PositionFunc

	// IsPrinting gates events: runouts fire only while printing, inserts
	// only while idle. Nil means never printing.
	IsPrinting func(eventtime float64) bool

	OnRunout EventFunc
	OnInsert EventFunc

	// OnDetectionLength is invoked when automatic mode retunes the
	// detection length, so the new value can be persisted.
	OnDetectionLength func(length float64)
}

// Encoder is the filament movement sensor.
type Encoder struct {
	deps   Deps
	logger *log.Logger
	opts   Options

	mu         sync.Mutex
	resolution float64
	counts     int64
	lastCount  int64
	lastTime   float64
	haveSample bool
	movement   bool

	enabled          bool
	mode             int
	minEventTime     float64
	filamentDetected bool

	detectionLength float64
	minHeadroom     float64
	lastExtruderPos float64
	runoutPos       float64
	nextCalibration float64
	flowLastEncPos  float64
	extrusionFlow   float64
	flowSamples     []flowSample
	timer           *reactor.Timer
}

type flowSample struct {
	encoder  float64
	extruder float64
}

// New creates an encoder. The movement check timer starts disabled; call
// StartPrinting when a print begins.
func New(opts Options, deps Deps) (*Encoder, error) {
	if deps.Reactor == nil || deps.Position == nil {
		return nil, errors.New(errors.ErrSensor, "encoder requires a reactor and a position source")
	}
	logger := deps.Log
	if logger == nil {
		logger = log.Default()
	}
	e := &Encoder{
		deps:            deps,
		logger:          logger.Component("encoder"),
		opts:            opts,
		resolution:      opts.Resolution,
		enabled:         true,
		mode:            RunoutStatic,
		detectionLength: opts.DetectionLength,
		minHeadroom:     opts.DetectionLength,
		minEventTime:    deps.Reactor.Monotonic() + 2.0,
	}
	e.resetRunoutParamsLocked(deps.Reactor.Monotonic())
	e.timer = deps.Reactor.RegisterTimer(e.check, reactor.NEVER)
	return e, nil
}

// StartPrinting enables the periodic movement check.
func (e *Encoder) StartPrinting() {
	e.deps.Reactor.UpdateTimer(e.timer, reactor.NOW)
}

// StopPrinting disables the periodic movement check.
func (e *Encoder) StopPrinting() {
	e.deps.Reactor.UpdateTimer(e.timer, reactor.NEVER)
}

// CountUpdate feeds a hardware counter sample. count is the cumulative
// pulse count, countTime the time of the most recent pulse.
func (e *Encoder) CountUpdate(printTime float64, count int64, countTime float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case !e.haveSample:
		e.haveSample = true
		e.lastTime = printTime
	case countTime > e.lastTime:
		e.lastTime = countTime
		newCounts := count - e.lastCount
		e.counts += newCounts
		e.movement = newCounts > 0
	default:
		// No pulses since the previous sample
		e.lastTime = printTime
	}
	e.lastCount = count
}

// check is the reactor timer entrypoint for movement monitoring.
func (e *Encoder) check(eventtime float64) float64 {
	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		return eventtime + checkMovementInterval
	}
	extruderPos := e.deps.Position(eventtime)

	if e.movement {
		e.movement = false
		e.runoutPos = math.Max(extruderPos+e.detectionLength, e.runoutPos)
	}

	var retuned float64
	if extruderPos >= e.nextCalibration {
		if e.nextCalibration > 0 {
			retuned = e.updateDetectionLengthLocked(false)
		}
		e.nextCalibration = extruderPos + e.opts.CalibrationLength
	}

	if headroom := e.runoutPos - extruderPos; headroom < e.minHeadroom {
		e.minHeadroom = headroom
		if headroom < e.opts.DesiredHeadroom {
			switch e.mode {
			case RunoutAutomatic:
				e.logger.Info("Automatic clog detection: new min_headroom (< %.1fmm desired): %.1fmm",
					e.opts.DesiredHeadroom, headroom)
			case RunoutStatic:
				e.logger.Warn("Only %.1fmm of headroom to clog/runout", headroom)
			}
		}
	}
	event := e.filamentEventLocked(extruderPos < e.runoutPos, eventtime)

	// Flow rate depends on the calibration accuracy of the encoder
	if encoderPos := float64(e.counts) * e.resolution; encoderPos > e.flowLastEncPos {
		e.recordFlowLocked(encoderPos, extruderPos)
		e.flowLastEncPos = encoderPos
	}

	e.lastExtruderPos = extruderPos
	e.mu.Unlock()

	if retuned > 0 && e.deps.OnDetectionLength != nil {
		e.deps.OnDetectionLength(retuned)
	}
	if event != nil {
		event()
	}
	return eventtime + checkMovementInterval
}

// filamentEventLocked updates the detected state and returns the event
// callback to fire after the lock is released, if any.
func (e *Encoder) filamentEventLocked(detected bool, eventtime float64) func() {
	if e.filamentDetected == detected {
		return nil
	}
	e.filamentDetected = detected
	if eventtime < e.minEventTime || e.mode == RunoutDisabled || !e.enabled {
		return nil
	}
	printing := e.deps.IsPrinting != nil && e.deps.IsPrinting(eventtime)
	if detected {
		if printing || e.deps.OnInsert == nil {
			return nil
		}
		e.minEventTime = reactor.NEVER
		e.logger.Info("Insert event detected, time %.2f", eventtime)
		return func() {
			e.deps.OnInsert(eventtime)
			e.rearmEvents()
		}
	}
	if !printing || e.deps.OnRunout == nil {
		return nil
	}
	e.minEventTime = reactor.NEVER
	e.logger.Info("Runout event detected, time %.2f", eventtime)
	return func() {
		if e.opts.PauseDelay > 0 {
			e.deps.Reactor.Pause(eventtime + e.opts.PauseDelay)
		}
		e.deps.OnRunout(eventtime)
		e.rearmEvents()
	}
}

func (e *Encoder) rearmEvents() {
	e.mu.Lock()
	e.minEventTime = e.deps.Reactor.Monotonic() + e.opts.EventDelay
	e.mu.Unlock()
}

// resetRunoutParamsLocked re-seeds the runout tracking state. Extra
// headroom is added so the detector starts out desensitized.
func (e *Encoder) resetRunoutParamsLocked(eventtime float64) {
	e.lastExtruderPos = e.deps.Position(eventtime)
	e.flowLastEncPos = float64(e.counts) * e.resolution
	e.extrusionFlow = 0
	e.flowSamples = nil
	e.runoutPos = e.lastExtruderPos + e.detectionLength + e.opts.DesiredHeadroom
	e.nextCalibration = e.lastExtruderPos + e.opts.CalibrationLength
	e.minHeadroom = e.detectionLength
}

// updateDetectionLengthLocked retunes the detection length in automatic
// mode: grow it when the observed headroom dipped below the desired
// minimum, otherwise average it down toward the observed need. Returns
// the new length when it changed significantly, for persistence.
func (e *Encoder) updateDetectionLengthLocked(increaseOnly bool) float64 {
	if !e.enabled || e.mode != RunoutAutomatic {
		return 0
	}
	current := e.detectionLength
	if e.minHeadroom < e.opts.DesiredHeadroom {
		extra := math.Min(e.opts.DesiredHeadroom-e.minHeadroom, e.opts.DesiredHeadroom)
		e.detectionLength += extra
		e.logger.Info("Automatic clog detection: maintaining headroom by adding %.1fmm to detection_length", extra)
	} else if !increaseOnly {
		sample := e.detectionLength - (e.minHeadroom - e.opts.DesiredHeadroom)
		n := float64(e.opts.AverageSamples)
		e.detectionLength = (n*e.detectionLength + e.opts.DesiredHeadroom - e.minHeadroom) / n
		e.logger.Info("Automatic clog detection: averaging down detection_length with new %.1fmm measurement", sample)
	} else {
		return 0
	}

	e.minHeadroom = e.detectionLength
	e.runoutPos = e.lastExtruderPos + e.detectionLength
	if math.Round(e.detectionLength*10) == math.Round(current*10) {
		return 0
	}
	e.logger.Info("Automatic clog detection: reset detection_length to %.1fmm", e.detectionLength)
	e.setDetectionLengthLocked(e.detectionLength)
	return e.detectionLength
}

func (e *Encoder) setDetectionLengthLocked(length float64) {
	e.detectionLength = math.Max(length, 2.0)
	e.resetRunoutParamsLocked(e.deps.Reactor.Monotonic())
}

// recordFlowLocked blends a new encoder/extruder movement pair into the
// flow rate estimate.
func (e *Encoder) recordFlowLocked(encoderPos, extruderPos float64) {
	e.flowSamples = append(e.flowSamples, flowSample{encoderPos, extruderPos})
	if len(e.flowSamples) > e.opts.FlowrateSamples {
		e.flowSamples = e.flowSamples[len(e.flowSamples)-e.opts.FlowrateSamples:]
	}
	encoderMove := encoderPos - e.flowSamples[0].encoder
	extruderMove := extruderPos - e.flowSamples[0].extruder
	newFlow := 1.0
	if extruderMove > 0 {
		newFlow = encoderMove / extruderMove
	}
	e.extrusionFlow = (e.extrusionFlow + newFlow) / 2
}

// DetectionLength returns the current clog detection length.
func (e *Encoder) DetectionLength() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detectionLength
}

// SetDetectionLength sets the clog detection length (2mm floor) and
// re-seeds the runout tracking state.
func (e *Encoder) SetDetectionLength(length float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setDetectionLengthLocked(length)
}

// UpdateDetectionLength forces an automatic mode retune, as done on
// toolchange.
func (e *Encoder) UpdateDetectionLength() {
	e.mu.Lock()
	retuned := e.updateDetectionLengthLocked(false)
	e.mu.Unlock()
	if retuned > 0 && e.deps.OnDetectionLength != nil {
		e.deps.OnDetectionLength(retuned)
	}
}

// SetMode selects the runout detection mode. Out of range values are
// ignored.
func (e *Encoder) SetMode(mode int) {
	if mode < RunoutDisabled || mode > RunoutAutomatic {
		return
	}
	e.mu.Lock()
	e.mode = mode
	e.mu.Unlock()
}

// Mode returns the runout detection mode.
func (e *Encoder) Mode() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Enable turns runout/clog detection on, re-seeding the tracking state.
func (e *Encoder) Enable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetRunoutParamsLocked(e.deps.Reactor.Monotonic())
	e.enabled = true
}

// Disable turns runout/clog detection off. Counting continues.
func (e *Encoder) Disable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enabled = false
}

// IsEnabled reports whether runout/clog detection is on.
func (e *Encoder) IsEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// SetResolution sets the mm of filament measured per encoder count.
func (e *Encoder) SetResolution(resolution float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolution = resolution
}

// Resolution returns the mm of filament measured per encoder count.
func (e *Encoder) Resolution() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolution
}

// Counts returns the accumulated encoder pulse count.
func (e *Encoder) Counts() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts
}

// Distance returns the filament distance measured by the encoder (mm).
func (e *Encoder) Distance() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return float64(e.counts) * e.resolution
}

// SetDistance overrides the measured distance (mm).
func (e *Encoder) SetDistance(distance float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts = int64(math.Round(distance / e.resolution))
}

// ResetCounts zeroes the pulse count.
func (e *Encoder) ResetCounts() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts = 0
}

// Status is the externally visible encoder state.
type Status struct {
	EncoderPos      float64 `json:"encoder_pos"`
	DetectionLength float64 `json:"detection_length"`
	MinHeadroom     float64 `json:"min_headroom"`
	Headroom        float64 `json:"headroom"`
	DesiredHeadroom float64 `json:"desired_headroom"`
	DetectionMode   int     `json:"detection_mode"`
	Enabled         bool    `json:"enabled"`
	FlowRate        int     `json:"flow_rate"`
}

// GetStatus returns a snapshot of the encoder state.
func (e *Encoder) GetStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		EncoderPos:      round1(float64(e.counts) * e.resolution),
		DetectionLength: round1(e.detectionLength),
		MinHeadroom:     round1(e.minHeadroom),
		Headroom:        round1(e.runoutPos - e.lastExtruderPos),
		DesiredHeadroom: round1(e.opts.DesiredHeadroom),
		DetectionMode:   e.mode,
		Enabled:         e.enabled,
		FlowRate:        int(math.Round(math.Min(e.extrusionFlow, 1.0) * 100)),
	}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
