package mmu

import (
	"math"
	"testing"

	"klipper-mmu-sync/pkg/config"
	"klipper-mmu-sync/pkg/encoder"
	"klipper-mmu-sync/pkg/syncfeedback"
)

type fakeGear struct {
	rd        float64
	rdHistory []float64
	moves     []float64

	homeDist    float64
	homeEndstop string
	homeDir     int
	homed       bool
	homeActual  float64

	onMove func(dist float64)
}

func (g *fakeGear) SetRotationDistance(rd float64) {
	g.rd = rd
	g.rdHistory = append(g.rdHistory, rd)
}

func (g *fakeGear) Move(distMM, speed float64) (float64, error) {
	g.moves = append(g.moves, distMM)
	if g.onMove != nil {
		g.onMove(distMM)
	}
	return distMM, nil
}

func (g *fakeGear) HomingMove(distMM, speed float64, endstop string, homingDir int) (float64, bool, error) {
	g.homeDist = distMM
	g.homeEndstop = endstop
	g.homeDir = homingDir
	return g.homeActual, g.homed, nil
}

type fakeSensors struct {
	tension      bool
	compression  bool
	proportional bool
	state        float64
}

func (s *fakeSensors) HasTension() bool      { return s.tension }
func (s *fakeSensors) HasCompression() bool  { return s.compression }
func (s *fakeSensors) HasProportional() bool { return s.proportional }
func (s *fakeSensors) State() float64        { return s.state }

type fakeCalibration struct {
	rd         map[int]float64
	clogLength float64
}

func (c *fakeCalibration) GearRD(gate int) float64 {
	if v, ok := c.rd[gate]; ok {
		return v
	}
	return 20.0
}

func (c *fakeCalibration) UpdateGearRD(gate int, rd float64) error {
	c.rd[gate] = rd
	return nil
}

func (c *fakeCalibration) ClogLength() (float64, bool) {
	return c.clogLength, c.clogLength > 0
}

type fakeClock struct {
	now        float64
	pauseExtra float64
}

func (c *fakeClock) Monotonic() float64 { return c.now }

func (c *fakeClock) Pause(waketime float64) float64 {
	if waketime > c.now {
		c.now = waketime
	}
	c.now += c.pauseExtra
	return c.now
}

func testSettings() Settings {
	return Settings{
		SyncFeedbackEnabled: true,
		BufferRange:         8.0,
		BufferMaxRange:      14.0,
		SpeedMultiplier:     5.0,
		BoostMultiplier:     5.0,
		ExtrudeThreshold:    5.0,
		FlowguardEnabled:    true,
		FlowguardRelief:     8.0,
		GearHomingSpeed:     50.0,
		ExtruderHomingSpeed: 15.0,
	}
}

func newTestManager(t *testing.T, settings Settings, sensors *fakeSensors) (*SyncFeedbackManager, *fakeGear, *fakeCalibration, *fakeClock) {
	t.Helper()
	gear := &fakeGear{rd: 20.0}
	cal := &fakeCalibration{rd: map[int]float64{0: 20.0}}
	clk := &fakeClock{}
	m, err := NewSyncFeedbackManager(settings, Deps{
		Clock:       clk,
		Gear:        gear,
		Sensors:     sensors,
		Calibration: cal,
	})
	if err != nil {
		t.Fatalf("NewSyncFeedbackManager failed: %v", err)
	}
	return m, gear, cal, clk
}

type fakeEncoder struct {
	mode   int
	length float64
}

func (e *fakeEncoder) SetMode(mode int)                  { e.mode = mode }
func (e *fakeEncoder) SetDetectionLength(length float64) { e.length = length }

func TestConfigureEncoder(t *testing.T) {
	settings := testSettings()
	settings.EncoderMode = encoder.RunoutAutomatic
	settings.EncoderMaxMotion = 20.0

	enc := &fakeEncoder{mode: -1}
	cal := &fakeCalibration{rd: map[int]float64{0: 20.0}, clogLength: 14.5}
	m, err := NewSyncFeedbackManager(settings, Deps{
		Clock:       &fakeClock{},
		Gear:        &fakeGear{rd: 20.0},
		Sensors:     &fakeSensors{proportional: true},
		Calibration: cal,
		Encoder:     enc,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Automatic mode prefers the calibrated clog length
	m.ConfigureEncoder()
	if enc.mode != encoder.RunoutAutomatic {
		t.Errorf("encoder mode = %d", enc.mode)
	}
	if enc.length != 14.5 {
		t.Errorf("detection length = %v, want calibrated 14.5", enc.length)
	}

	// Static mode always uses the configured maximum motion
	cal.clogLength = 0
	m.settings.EncoderMode = encoder.RunoutStatic
	m.ConfigureEncoder()
	if enc.mode != encoder.RunoutStatic || enc.length != 20.0 {
		t.Errorf("mode = %d length = %v, want static with 20.0", enc.mode, enc.length)
	}
}

func TestLoadSettings(t *testing.T) {
	cfg, err := config.LoadString(`
[mmu]
sync_feedback_enabled: 1
sync_feedback_buffer_range: 12.0
sync_feedback_buffer_maxrange: 16.0
sync_feedback_extrude_threshold: 2.0
flowguard_enabled: 0
flowguard_max_relief: 6.0
flowguard_encoder_mode: 1
`)
	if err != nil {
		t.Fatal(err)
	}
	s, err := LoadSettings(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if !s.SyncFeedbackEnabled {
		t.Error("enabled flag not read")
	}
	if s.BufferRange != 12.0 || s.BufferMaxRange != 16.0 {
		t.Errorf("buffer ranges = %v/%v", s.BufferRange, s.BufferMaxRange)
	}
	if s.ExtrudeThreshold != 2.0 {
		t.Errorf("extrude threshold = %v", s.ExtrudeThreshold)
	}
	if s.FlowguardEnabled {
		t.Error("flowguard flag not read")
	}
	if s.FlowguardRelief != 6.0 || s.EncoderMode != 1 {
		t.Errorf("flowguard options = %v/%v", s.FlowguardRelief, s.EncoderMode)
	}

	// Defaults for options the file omits
	if s.SpeedMultiplier != 5.0 || s.BoostMultiplier != 5.0 {
		t.Errorf("multipliers = %v/%v, want defaults 5/5", s.SpeedMultiplier, s.BoostMultiplier)
	}
	if s.EncoderMaxMotion != 20.0 {
		t.Errorf("encoder max motion = %v, want default 20", s.EncoderMaxMotion)
	}
	if s.GearHomingSpeed != 50.0 {
		t.Errorf("gear homing speed = %v, want default 50", s.GearHomingSpeed)
	}
}

func TestLoadSettingsRejectsOutOfRange(t *testing.T) {
	cfg, err := config.LoadString("[mmu]\nflowguard_encoder_mode: 5\n")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSettings(cfg); err == nil {
		t.Error("encoder mode 5 should be rejected")
	}
}

func TestSyncActivatesAndUnsyncDeactivates(t *testing.T) {
	sensors := &fakeSensors{proportional: true}
	m, gear, _, _ := newTestManager(t, testSettings(), sensors)

	if m.IsActive() {
		t.Fatal("manager active before sync")
	}
	m.HandleSynced(0)
	if !m.IsActive() {
		t.Fatal("manager not active after sync")
	}

	m.HandleUnsynced(1.0)
	if m.IsActive() {
		t.Fatal("manager still active after unsync")
	}
	if gear.rd != 20.0 {
		t.Errorf("default rd not restored, gear rd = %v", gear.rd)
	}
}

func TestHandleSyncedIgnoredWhenDisabled(t *testing.T) {
	settings := testSettings()
	settings.SyncFeedbackEnabled = false
	m, _, _, _ := newTestManager(t, settings, &fakeSensors{proportional: true})

	m.HandleSynced(0)
	if m.IsActive() {
		t.Error("disabled manager activated on sync")
	}
}

func TestFeedbackLoopRelievesCompression(t *testing.T) {
	sensors := &fakeSensors{proportional: true, state: 1.0}
	m, gear, _, _ := newTestManager(t, testSettings(), sensors)
	m.HandleSynced(0)

	// Buffer pegged at compression: the controller must slow the gear by
	// raising its rotation distance, within the 25% speed envelope.
	now := 0.0
	for i := 0; i < 50; i++ {
		now += 0.5
		m.HandleMovement(now, 2.0)
	}
	if gear.rd <= 20.0 {
		t.Errorf("gear rd = %v, want raised above 20 under compression", gear.rd)
	}
	if gear.rd > 20.0/(1.0-0.25)+1e-9 {
		t.Errorf("gear rd = %v escaped the speed envelope", gear.rd)
	}
}

func TestAutotunePersistedOnUnsync(t *testing.T) {
	sensors := &fakeSensors{proportional: true}
	m, gear, cal, _ := newTestManager(t, testSettings(), sensors)
	m.SetAutotuneSave(true)
	m.HandleSynced(0)

	m.mu.Lock()
	m.processStatusLocked(1.0, syncfeedback.Output{
		RDPrev:    20.0,
		RDCurrent: 20.8,
		RDTuned:   20.8,
		Autotune:  syncfeedback.AutotuneResult{RD: 20.8, OK: true, Save: true},
	})
	m.mu.Unlock()

	if gear.rd != 20.8 {
		t.Errorf("gear rd = %v, want controller output 20.8 applied", gear.rd)
	}

	m.HandleUnsynced(2.0)
	if got := cal.rd[0]; got != 20.8 {
		t.Errorf("persisted rd = %v, want autotuned 20.8", got)
	}
	// Restored default now reflects the updated calibration
	if gear.rd != 20.8 {
		t.Errorf("gear rd after unsync = %v, want new default 20.8", gear.rd)
	}
}

func TestAutotuneNotPersistedWhenSavingDisabled(t *testing.T) {
	sensors := &fakeSensors{proportional: true}
	m, _, cal, _ := newTestManager(t, testSettings(), sensors)
	m.HandleSynced(0)

	m.mu.Lock()
	m.processStatusLocked(1.0, syncfeedback.Output{
		RDPrev:    20.0,
		RDCurrent: 20.8,
		RDTuned:   20.8,
		Autotune:  syncfeedback.AutotuneResult{RD: 20.8, OK: true, Save: true},
	})
	m.mu.Unlock()
	m.HandleUnsynced(2.0)

	if got := cal.rd[0]; got != 20.0 {
		t.Errorf("persisted rd = %v, want untouched 20.0", got)
	}
}

func TestFlowguardTripNotifiesAndDeactivates(t *testing.T) {
	sensors := &fakeSensors{tension: true, compression: true}
	gear := &fakeGear{rd: 20.0}
	cal := &fakeCalibration{rd: map[int]float64{0: 20.0}}

	var trips []string
	var tripSensors []string
	m, err := NewSyncFeedbackManager(testSettings(), Deps{
		Clock:       &fakeClock{},
		Gear:        gear,
		Sensors:     sensors,
		Calibration: cal,
		OnClogTangle: func(trigger, sensorName string) {
			trips = append(trips, trigger)
			tripSensors = append(tripSensors, sensorName)
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	m.HandleSynced(0)
	m.ActivateFlowguard(0.1)
	if !m.FlowguardActive() {
		t.Fatal("flowguard not active after activation")
	}

	// Motion at neutral samples the arm state, then pegged compression
	// arms FlowGuard and accumulates unrewarded relief until the trip.
	m.HandleMovement(1.0, 5.0)
	sensors.state = 1.0
	now := 1.0
	for i := 0; i < 100 && len(trips) == 0; i++ {
		now += 0.5
		m.HandleMovement(now, 5.0)
	}

	if len(trips) != 1 {
		t.Fatalf("got %d trips, want exactly one", len(trips))
	}
	if trips[0] != syncfeedback.TriggerClog {
		t.Errorf("trigger = %q, want clog", trips[0])
	}
	if tripSensors[0] != SensorCompression {
		t.Errorf("trip sensor = %q, want compression", tripSensors[0])
	}
	if m.FlowguardActive() {
		t.Error("flowguard still active after handling a trip")
	}

	// Handling is now off, so further pegged motion must not re-notify
	for i := 0; i < 50; i++ {
		now += 0.5
		m.HandleMovement(now, 5.0)
	}
	if len(trips) != 1 {
		t.Errorf("got %d trips after deactivation, want still one", len(trips))
	}
}

func TestSelectGateAppliesCalibratedRD(t *testing.T) {
	sensors := &fakeSensors{proportional: true}
	m, gear, cal, _ := newTestManager(t, testSettings(), sensors)
	cal.rd[1] = 22.5

	m.SelectGate(1)
	if gear.rd != 22.5 {
		t.Errorf("gear rd = %v after gate select, want 22.5", gear.rd)
	}
}

func TestGetStatus(t *testing.T) {
	sensors := &fakeSensors{proportional: true, state: 1.0}
	m, _, _, _ := newTestManager(t, testSettings(), sensors)
	m.HandleSynced(0)

	st := m.GetStatus()
	if !st.Enabled {
		t.Error("status not enabled")
	}
	if st.State != "compressed" {
		t.Errorf("state = %q, want compressed", st.State)
	}
	if st.BiasRaw != 1.0 {
		t.Errorf("bias raw = %v", st.BiasRaw)
	}
	if math.Abs(st.FlowRate-100.0) > 1e-9 {
		t.Errorf("flow rate = %v, want 100 before tuning diverges", st.FlowRate)
	}
	if !st.Flowguard.Enabled {
		t.Error("flowguard feature flag missing from status")
	}
}

func TestStatusReportDisabled(t *testing.T) {
	settings := testSettings()
	settings.SyncFeedbackEnabled = false
	m, _, _, _ := newTestManager(t, settings, &fakeSensors{proportional: true})

	if got := m.StatusReport(); got != "Sync feedback feature is disabled" {
		t.Errorf("report = %q", got)
	}
}
