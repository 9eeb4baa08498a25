// Per-tick JSONL telemetry for debugging and plotting
//
// Copyright (C) 2026  MMU Sync Go Port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package syncfeedback

import (
	"encoding/json"
	"io"
)

// telemetryLog streams one JSON object per line: a header describing the
// controller configuration, then a record per tick. Write errors are
// swallowed; telemetry must never interfere with control.
type telemetryLog struct {
	enc *json.Encoder
}

func newTelemetryLog(w io.Writer) *telemetryLog {
	return &telemetryLog{enc: json.NewEncoder(w)}
}

type telemetryHeader struct {
	RDStart        float64 `json:"rd_start"`
	SensorType     string  `json:"sensor_type"`
	TwoLevelActive bool    `json:"twolevel_active"`
	BufferRange    float64 `json:"buffer_range_mm"`
	BufferMaxRange float64 `json:"buffer_max_range_mm"`
}

type telemetryRecord struct {
	Tick      int     `json:"tick"`
	Time      float64 `json:"t_s"`
	Dt        float64 `json:"dt_s"`
	DeltaMM   float64 `json:"d_mm"`
	Sensor    float64 `json:"sensor"`
	RDPrev    float64 `json:"rd_prev"`
	RDCurrent float64 `json:"rd_current"`
	RDTarget  float64 `json:"rd_target"`
	RDRef     float64 `json:"rd_ref"`
	RDTuned   float64 `json:"rd_tuned"`
	SensorUI  float64 `json:"sensor_ui"`
	XEst      float64 `json:"x_est"`
	CEst      float64 `json:"c_est"`
	Note      string  `json:"rd_note,omitempty"`

	FlowguardTrigger string  `json:"fg_trigger,omitempty"`
	FlowguardLevel   float64 `json:"fg_level"`

	AutotuneRD   float64 `json:"at_rd,omitempty"`
	AutotuneNote string  `json:"at_note,omitempty"`
	AutotuneSave bool    `json:"at_save,omitempty"`
}

func (t *telemetryLog) writeHeader(c *Controller) {
	h := struct {
		Header telemetryHeader `json:"header"`
	}{telemetryHeader{
		RDStart:        c.cfg.RDStart,
		SensorType:     c.cfg.SensorType.String(),
		TwoLevelActive: c.twoLevelActive,
		BufferRange:    c.cfg.BufferRange,
		BufferMaxRange: c.cfg.BufferMaxRange,
	}}
	t.enc.Encode(&h)
}

func (t *telemetryLog) writeTick(tick int, eventtime, dt, dMM, sensorReading float64, out *Output) {
	rec := telemetryRecord{
		Tick:      tick,
		Time:      eventtime,
		Dt:        dt,
		DeltaMM:   dMM,
		Sensor:    sensorReading,
		RDPrev:    out.RDPrev,
		RDCurrent: out.RDCurrent,
		RDTarget:  out.RDTarget,
		RDRef:     out.RDRef,
		RDTuned:   out.RDTuned,
		SensorUI:  out.SensorUI,
		XEst:      out.XEst,
		CEst:      out.CEst,
		Note:      out.Note,

		FlowguardTrigger: out.Flowguard.Trigger,
		FlowguardLevel:   out.Flowguard.Level,

		AutotuneNote: out.Autotune.Note,
		AutotuneSave: out.Autotune.Save,
	}
	if out.Autotune.OK {
		rec.AutotuneRD = out.Autotune.RD
	}
	t.enc.Encode(&rec)
}
