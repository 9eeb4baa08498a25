// Sync-feedback orchestration between gear stepper and extruder
//
// Copyright (C) 2026  MMU Sync Go Port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package mmu coordinates the sync-feedback controller with the rest of
// the machine: it derives the effective sensor type from the hardware
// present, feeds extruder movement and sensor events into the controller,
// applies rotation distance updates to the gear stepper, persists
// autotuned calibration, and reacts to FlowGuard trips.
package mmu

import (
	"fmt"
	"math"
	"sync"

	"klipper-mmu-sync/pkg/config"
	"klipper-mmu-sync/pkg/encoder"
	"klipper-mmu-sync/pkg/log"
	"klipper-mmu-sync/pkg/sensor"
	"klipper-mmu-sync/pkg/syncfeedback"
)

// Coarse feedback states.
const (
	StateNeutral     = 0.0
	StateCompression = 1.0
	StateTension     = -1.0
)

// Sensor names used for event attribution.
const (
	SensorTension      = "tension"
	SensorCompression  = "compression"
	SensorProportional = "proportional"
)

// GearMotor commands the MMU gear stepper.
type GearMotor interface {
	// SetRotationDistance applies a new rotation distance immediately.
	SetRotationDistance(rd float64)

	// Move feeds (positive) or retracts (negative) filament.
	// Returns the actual distance moved.
	Move(distMM, speed float64) (float64, error)

	// HomingMove moves until the named endstop triggers (homingDir > 0)
	// or releases (homingDir < 0), up to distMM. Returns the actual
	// distance moved and whether the endstop condition was reached.
	HomingMove(distMM, speed float64, endstop string, homingDir int) (float64, bool, error)
}

// SensorHub reports which buffer feedback sensors exist and their state.
type SensorHub interface {
	HasTension() bool
	HasCompression() bool
	HasProportional() bool

	// State returns the current feedback reading: a float in [-1,1] for
	// proportional sensors, otherwise -1/0/+1.
	State() float64
}

// Calibration persists per-gate gear rotation distance and the encoder
// clog detection length.
type Calibration interface {
	GearRD(gate int) float64
	UpdateGearRD(gate int, rd float64) error

	// ClogLength returns the saved encoder clog detection length, if one
	// has been calibrated.
	ClogLength() (float64, bool)
}

// EncoderSensor is the optional encoder based flow monitor.
type EncoderSensor interface {
	SetMode(mode int)
	SetDetectionLength(length float64)
}

// Clock abstracts the reactor's monotonic time for testing.
type Clock interface {
	Monotonic() float64
	Pause(waketime float64) float64
}

// Settings holds the manager tunables read from the [mmu] config section.
type Settings struct {
	SyncFeedbackEnabled bool
	BufferRange         float64
	BufferMaxRange      float64
	SpeedMultiplier     float64 // percent, half-width of the two-level band
	BoostMultiplier     float64 // percent, extra band until the first tune candidate
	ExtrudeThreshold    float64 // movement per controller update
	DebugLog            bool
	ForceTwoLevel       bool

	FlowguardEnabled bool
	FlowguardRelief  float64
	EncoderMode      int
	EncoderMaxMotion float64

	GearHomingSpeed     float64
	ExtruderHomingSpeed float64
}

// LoadSettings reads manager settings from the [mmu] section.
func LoadSettings(cfg *config.Config) (Settings, error) {
	sec, err := cfg.Section("mmu")
	if err != nil {
		return Settings{}, err
	}

	var s Settings
	if s.SyncFeedbackEnabled, err = sec.GetBool("sync_feedback_enabled", false); err != nil {
		return s, err
	}
	if s.BufferRange, err = sec.GetFloatBounded("sync_feedback_buffer_range",
		config.FloatBounds{Min: config.Float(0)}, 10.0); err != nil {
		return s, err
	}
	if s.BufferMaxRange, err = sec.GetFloatBounded("sync_feedback_buffer_maxrange",
		config.FloatBounds{Min: config.Float(0)}, 10.0); err != nil {
		return s, err
	}
	if s.SpeedMultiplier, err = sec.GetFloatBounded("sync_feedback_speed_multiplier",
		config.FloatBounds{Min: config.Float(1), Max: config.Float(50)}, 5.0); err != nil {
		return s, err
	}
	if s.BoostMultiplier, err = sec.GetFloatBounded("sync_feedback_boost_multiplier",
		config.FloatBounds{Min: config.Float(1), Max: config.Float(50)}, 5.0); err != nil {
		return s, err
	}
	if s.ExtrudeThreshold, err = sec.GetFloatBounded("sync_feedback_extrude_threshold",
		config.FloatBounds{Above: config.Float(1)}, 5.0); err != nil {
		return s, err
	}
	if s.DebugLog, err = sec.GetBool("sync_feedback_debug_log", false); err != nil {
		return s, err
	}
	if s.ForceTwoLevel, err = sec.GetBool("sync_feedback_force_twolevel", false); err != nil {
		return s, err
	}
	if s.FlowguardEnabled, err = sec.GetBool("flowguard_enabled", true); err != nil {
		return s, err
	}
	if s.FlowguardRelief, err = sec.GetFloatBounded("flowguard_max_relief",
		config.FloatBounds{Above: config.Float(1)}, 8.0); err != nil {
		return s, err
	}
	if s.EncoderMode, err = sec.GetIntBounded("flowguard_encoder_mode",
		config.IntBounds{Min: config.Int(0), Max: config.Int(2)}, 2); err != nil {
		return s, err
	}
	if s.EncoderMaxMotion, err = sec.GetFloatBounded("flowguard_encoder_max_motion",
		config.FloatBounds{Above: config.Float(0)}, 20.0); err != nil {
		return s, err
	}
	if s.GearHomingSpeed, err = sec.GetFloatBounded("gear_homing_speed",
		config.FloatBounds{Above: config.Float(0)}, 50.0); err != nil {
		return s, err
	}
	if s.ExtruderHomingSpeed, err = sec.GetFloatBounded("extruder_homing_speed",
		config.FloatBounds{Above: config.Float(0)}, 15.0); err != nil {
		return s, err
	}
	return s, nil
}

// Deps wires the manager to the rest of the machine.
type Deps struct {
	Log         *log.Logger
	Clock       Clock
	Gear        GearMotor
	Sensors     SensorHub
	Calibration Calibration
	Monitor     *ExtruderMonitor
	Encoder     EncoderSensor

	// OnClogTangle is invoked when a FlowGuard trip must be handled,
	// with the trigger kind and the sensor to attribute it to.
	OnClogTangle func(trigger, sensorName string)
}

// SyncFeedbackManager owns the sync-feedback controller lifecycle.
type SyncFeedbackManager struct {
	mu       sync.Mutex
	settings Settings
	deps     Deps
	logger   *log.Logger

	ctrl *syncfeedback.Controller

	active          bool // controller driving the gear stepper (synced)
	flowguardActive bool
	estimatedState  float64
	flowRate        float64 // estimated % flowrate (proportional only)
	gateSelected    int
	autotuneSave    bool // persist autotuned RD when recommended
	newAutotunedRD  float64
	hasAutotunedRD  bool

	watch *Watch
}

// NewSyncFeedbackManager builds the manager and its controller.
func NewSyncFeedbackManager(settings Settings, deps Deps) (*SyncFeedbackManager, error) {
	if deps.Log == nil {
		deps.Log = log.Default()
	}
	m := &SyncFeedbackManager{
		settings: settings,
		deps:     deps,
		logger:   deps.Log.Component("sync_feedback"),
		flowRate: 100.0,
	}
	if err := m.initController(); err != nil {
		return nil, err
	}
	return m, nil
}

// initController instantiates the controller for the current sensor type
// and calibrated rotation distance.
func (m *SyncFeedbackManager) initController() error {
	cfg := syncfeedback.DefaultConfig(m.sensorType())
	// A buffer_range of 0 means the neutral point overlaps both switches;
	// the controller still needs a usable scale so keep its default then.
	if m.settings.BufferRange > 0 {
		cfg.BufferRange = m.settings.BufferRange
	}
	if m.settings.BufferMaxRange > 0 {
		cfg.BufferMaxRange = m.settings.BufferMaxRange
	}
	if cfg.BufferMaxRange < cfg.BufferRange {
		cfg.BufferMaxRange = cfg.BufferRange
	}
	cfg.ForceTwoLevel = m.settings.ForceTwoLevel
	cfg.RDStart = m.deps.Calibration.GearRD(m.gateSelected)
	cfg.FlowguardRelief = m.settings.FlowguardRelief
	if m.settings.SpeedMultiplier > 0 {
		cfg.RDTwoLevelSpeedMult = m.settings.SpeedMultiplier / 100.0
	}
	if m.settings.BoostMultiplier > 0 {
		cfg.RDTwoLevelBoostMult = m.settings.BoostMultiplier / 100.0
	}

	ctrl, err := syncfeedback.New(cfg)
	if err != nil {
		return err
	}
	m.ctrl = ctrl
	return nil
}

// sensorType derives the effective sensor type from the hardware present.
func (m *SyncFeedbackManager) sensorType() sensor.Type {
	return sensor.DeriveType(
		m.deps.Sensors.HasProportional(),
		m.deps.Sensors.HasCompression(),
		m.deps.Sensors.HasTension(),
	)
}

// IsEnabled reports the user-level feature switch.
func (m *SyncFeedbackManager) IsEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings.SyncFeedbackEnabled
}

// SetEnabled flips the user-level feature switch.
func (m *SyncFeedbackManager) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings.SyncFeedbackEnabled = enabled
}

// IsActive reports whether feedback is currently driving the gear stepper.
func (m *SyncFeedbackManager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// SetAutotuneSave controls persisting of autotuned rotation distances.
func (m *SyncFeedbackManager) SetAutotuneSave(save bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autotuneSave = save
}

// SelectGate switches the managed gate and applies its calibrated RD.
func (m *SyncFeedbackManager) SelectGate(gate int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateSelected = gate
	m.setDefaultRDLocked()
}

// SetDefaultRD restores the calibrated rotation distance on the gear.
func (m *SyncFeedbackManager) SetDefaultRD() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setDefaultRDLocked()
}

func (m *SyncFeedbackManager) setDefaultRDLocked() {
	if m.gateSelected < 0 {
		return
	}
	rd := m.deps.Calibration.GearRD(m.gateSelected)
	m.logger.Debug("Setting default rotation distance for gate %d to %.4f", m.gateSelected, rd)
	m.deps.Gear.SetRotationDistance(rd)
}

// HandleSynced is called when the gear stepper becomes synced to the
// extruder. Activates feedback with a hard controller reset.
func (m *SyncFeedbackManager) HandleSynced(eventtime float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.settings.SyncFeedbackEnabled || m.active {
		return
	}
	m.logger.Info("Synced MMU to extruder (sync feedback activated)")
	m.active = true
	m.hasAutotunedRD = false

	m.resetControllerLocked(eventtime, true)

	if m.deps.Monitor != nil {
		m.watch = m.deps.Monitor.Register(m.HandleMovement, m.settings.ExtrudeThreshold)
	}
}

// HandleUnsynced is called when the gear stepper is unsynced. Deactivates
// feedback, persists any pending autotuned RD, and restores the default
// rotation distance.
func (m *SyncFeedbackManager) HandleUnsynced(eventtime float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !(m.settings.SyncFeedbackEnabled && m.active) {
		return
	}
	m.logger.Info("Unsynced MMU from extruder (sync feedback deactivated)")
	m.active = false

	if m.hasAutotunedRD {
		m.logger.Info("New autotuned rotation distance (%.4f) for gate %d",
			m.newAutotunedRD, m.gateSelected)
		if err := m.deps.Calibration.UpdateGearRD(m.gateSelected, m.newAutotunedRD); err != nil {
			m.logger.Error("Unable to persist autotuned rotation distance: %v", err)
		}
		m.hasAutotunedRD = false
	}

	m.setDefaultRDLocked()

	if m.deps.Monitor != nil && m.watch != nil {
		m.deps.Monitor.Remove(m.watch)
		m.watch = nil
	}
}

// HandleMovement is invoked when the extruder has moved more than the
// configured threshold. Drives the periodic controller update.
func (m *SyncFeedbackManager) HandleMovement(eventtime, move float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !(m.settings.SyncFeedbackEnabled && m.active) {
		return
	}
	m.logger.Trace("Extruder movement event, move=%.1f", move)

	state := m.deps.Sensors.State()
	out := m.ctrl.Update(eventtime, move, state)
	m.processStatusLocked(eventtime, out)
}

// HandleSensorEvent is invoked when the feedback sensor state changes.
// Any motion accumulated since the last periodic update is folded in.
func (m *SyncFeedbackManager) HandleSensorEvent(eventtime, state float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !(m.settings.SyncFeedbackEnabled && m.active) {
		return
	}
	m.logger.Info("Sync state changed to %s", m.feedbackStringLocked(state, false))

	var move float64
	if m.deps.Monitor != nil && m.watch != nil {
		move = m.deps.Monitor.GetAndResetAccumulated(m.watch)
	}
	out := m.ctrl.Update(eventtime, move, state)
	m.processStatusLocked(eventtime, out)
}

// ActivateFlowguard re-arms FlowGuard with a soft controller reset so the
// excluded activity does not pollute tuning.
func (m *SyncFeedbackManager) ActivateFlowguard(eventtime float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.settings.FlowguardEnabled || m.flowguardActive {
		return
	}
	m.flowguardActive = true
	m.resetControllerLocked(eventtime, false)
	m.ctrl.ResumeAutotune()
	m.logger.Info("FlowGuard monitoring activated and autotune resumed")
}

// DeactivateFlowguard pauses FlowGuard and tuning, typically across
// activity that must not count as printing.
func (m *SyncFeedbackManager) DeactivateFlowguard(eventtime float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.settings.FlowguardEnabled || !m.flowguardActive {
		return
	}
	m.flowguardActive = false
	m.ctrl.PauseAutotune()
	m.logger.Info("FlowGuard monitoring deactivated and autotune paused")
}

// SetFlowguardEnabled flips the FlowGuard feature switch.
func (m *SyncFeedbackManager) SetFlowguardEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if enabled && !m.settings.FlowguardEnabled {
		m.ctrl.ResetFlowguard()
	}
	m.settings.FlowguardEnabled = enabled
}

// ConfigureEncoder pushes the configured FlowGuard encoder mode and the
// matching clog detection length to the encoder sensor, if one exists.
// In automatic mode a previously calibrated length takes precedence over
// the configured maximum motion.
func (m *SyncFeedbackManager) ConfigureEncoder() {
	m.mu.Lock()
	mode := m.settings.EncoderMode
	length := m.settings.EncoderMaxMotion
	enc := m.deps.Encoder
	cal := m.deps.Calibration
	m.mu.Unlock()

	if enc == nil {
		return
	}
	enc.SetMode(mode)
	if mode == encoder.RunoutAutomatic {
		if saved, ok := cal.ClogLength(); ok {
			length = saved
		}
	}
	enc.SetDetectionLength(length)
}

// FlowguardEnabled reports the FlowGuard feature switch.
func (m *SyncFeedbackManager) FlowguardEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings.FlowguardEnabled
}

// FlowguardActive reports whether FlowGuard is currently armed.
func (m *SyncFeedbackManager) FlowguardActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flowguardActive
}

// Reset performs an operator-requested hard reset of the controller.
func (m *SyncFeedbackManager) Reset(eventtime float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetControllerLocked(eventtime, true)
}

// resetControllerLocked reinitializes the controller. A hard reset throws
// away autotune state and rebases on the calibrated RD; a soft reset
// rebases on the last autotune recommendation.
func (m *SyncFeedbackManager) resetControllerLocked(eventtime float64, hardReset bool) {
	// Sensor hardware can be enabled/disabled at runtime, so re-derive
	// the effective type on every reset.
	if err := m.reconfigureControllerLocked(hardReset); err != nil {
		m.logger.Error("Unable to reconfigure sync controller: %v", err)
		return
	}

	state := m.deps.Sensors.State()
	m.estimatedState = state

	rdStart := m.deps.Calibration.GearRD(m.gateSelected)
	if !hardReset {
		rdStart = m.ctrl.RecommendedRD()
	}
	out := m.ctrl.Reset(eventtime, rdStart, state, hardReset)
	m.processStatusLocked(eventtime, out)
}

// reconfigureControllerLocked rebuilds the controller when the effective
// sensor type changed; otherwise keeps it (and its learned state).
func (m *SyncFeedbackManager) reconfigureControllerLocked(hardReset bool) error {
	if !hardReset {
		return nil
	}
	current := m.sensorType()
	if m.ctrl != nil && m.ctrl.SensorType() == current {
		return nil
	}
	return m.initController()
}

// processStatusLocked applies a controller output: gear RD updates,
// autotune persistence and FlowGuard trip handling.
func (m *SyncFeedbackManager) processStatusLocked(eventtime float64, out syncfeedback.Output) {
	m.estimatedState = out.SensorUI

	if out.Flowguard.Trigger != "" {
		if m.settings.FlowguardEnabled && m.flowguardActive {
			m.logger.Error("FlowGuard detected a %s. Reason for trip: %s",
				out.Flowguard.Trigger, out.Flowguard.Reason)
			if m.deps.OnClogTangle != nil {
				m.deps.OnClogTangle(out.Flowguard.Trigger, m.tripSensorName(out.Flowguard.Trigger))
			}
			m.flowguardActive = false
			m.ctrl.PauseAutotune()
		} else {
			m.logger.Debug("FlowGuard detected a %s, but handling is disabled. Reason: %s",
				out.Flowguard.Trigger, out.Flowguard.Reason)
			m.ctrl.ResetFlowguard() // Prevent repetitive messages
		}
	}

	if out.Autotune.OK {
		m.logger.Debug("Autotune suggested new operational reference rd: %.4f (%s)",
			out.Autotune.RD, out.Autotune.Note)
		if out.Autotune.Save && m.autotuneSave {
			m.newAutotunedRD = out.Autotune.RD
			m.hasAutotunedRD = true
		}
	}

	if out.RDCurrent != out.RDPrev {
		m.logger.Debug("Altered rotation distance for gate %d from %.4f to %.4f",
			m.gateSelected, out.RDPrev, out.RDCurrent)
		m.deps.Gear.SetRotationDistance(out.RDCurrent)
	}

	// Proportional sensors with autotune allow flow rate estimation: if
	// rd_current exceeds the tuned truth, flow has been reduced.
	if m.deps.Sensors.HasProportional() && out.RDCurrent > 0 {
		m.flowRate = math.Round(math.Min(1.0, out.RDTuned/out.RDCurrent)*10000) / 100
	}
}

// tripSensorName picks the most appropriate sensor to attribute a
// FlowGuard event to.
func (m *SyncFeedbackManager) tripSensorName(trigger string) string {
	hasT, hasC, hasP := m.deps.Sensors.HasTension(), m.deps.Sensors.HasCompression(), m.deps.Sensors.HasProportional()
	switch {
	case hasP:
		return SensorProportional
	case hasC && !hasT:
		return SensorCompression
	case hasT && !hasC:
		return SensorTension
	case trigger == syncfeedback.TriggerClog:
		return SensorCompression
	default:
		return SensorTension
	}
}

// FeedbackString describes the current tension state for UIs.
func (m *SyncFeedbackManager) FeedbackString(detail bool) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.feedbackStringLocked(m.deps.Sensors.State(), detail)
}

func (m *SyncFeedbackManager) feedbackStringLocked(state float64, detail bool) string {
	if (m.settings.SyncFeedbackEnabled && m.active) || detail {
		// Polarity varies slightly between modes on proportional
		// sensors so ask the controller.
		switch p := m.ctrl.Polarity(state); {
		case p > 0:
			return "compressed"
		case p < 0:
			return "tension"
		default:
			return "neutral"
		}
	}
	if m.settings.SyncFeedbackEnabled {
		return "inactive"
	}
	return "disabled"
}

// Controller exposes the underlying controller for status reporting.
func (m *SyncFeedbackManager) Controller() *syncfeedback.Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctrl
}

// FlowguardInfo extends the controller status with the feature switch.
type FlowguardInfo struct {
	syncfeedback.FlowguardStatus
	Enabled     bool `json:"enabled"`
	EncoderMode int  `json:"encoder_mode"`
}

// Status is the externally visible manager state.
type Status struct {
	State        string        `json:"sync_feedback_state"`
	Enabled      bool          `json:"sync_feedback_enabled"`
	BiasRaw      float64       `json:"sync_feedback_bias_raw"`
	BiasModelled float64       `json:"sync_feedback_bias_modelled"`
	FlowRate     float64       `json:"sync_feedback_flow_rate"`
	Flowguard    FlowguardInfo `json:"flowguard"`
}

// GetStatus snapshots the manager state.
func (m *SyncFeedbackManager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw := m.deps.Sensors.State()
	modelled := raw
	if m.settings.SyncFeedbackEnabled && m.active {
		// The controller estimate is a better representation while active
		modelled = m.estimatedState
	}
	return Status{
		State:        m.feedbackStringLocked(raw, false),
		Enabled:      m.settings.SyncFeedbackEnabled,
		BiasRaw:      raw,
		BiasModelled: modelled,
		FlowRate:     m.flowRate,
		Flowguard: FlowguardInfo{
			FlowguardStatus: m.ctrl.FlowguardState(),
			Enabled:         m.settings.FlowguardEnabled,
			EncoderMode:     m.settings.EncoderMode,
		},
	}
}

// StatusReport renders the operator status message.
func (m *SyncFeedbackManager) StatusReport() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.settings.SyncFeedbackEnabled {
		return "Sync feedback feature is disabled"
	}
	active := " (not currently active)"
	if m.active {
		active = " and currently active"
	}
	msg := fmt.Sprintf("Sync feedback feature with type-%s sensor is enabled%s\n",
		m.ctrl.TypeMode(), active)
	msg += fmt.Sprintf("- Current RD: %.2f, Autotune recommended: %.2f, Default: %.2f\n",
		m.ctrl.CurrentRD(), m.ctrl.RecommendedRD(), m.deps.Calibration.GearRD(m.gateSelected))
	msg += fmt.Sprintf("- State: %s\n", m.feedbackStringLocked(m.deps.Sensors.State(), true))
	fg := "Inactive"
	if m.flowguardActive {
		fg = "Active"
	}
	msg += fmt.Sprintf("- FlowGuard: %s", fg)
	if m.deps.Sensors.HasProportional() {
		msg += fmt.Sprintf(" (Flowrate: %.1f%%)", m.flowRate)
	}
	return msg
}

// HasSyncFeedback reports whether any feedback sensor exists.
func (m *SyncFeedbackManager) HasSyncFeedback() bool {
	return m.deps.Sensors.HasProportional() ||
		m.deps.Sensors.HasCompression() ||
		m.deps.Sensors.HasTension()
}
