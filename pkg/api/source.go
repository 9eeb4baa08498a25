// Status object adapter for the sync-feedback stack
//
// Copyright (C) 2026  MMU Sync Go Port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package api

import (
	"klipper-mmu-sync/pkg/encoder"
	"klipper-mmu-sync/pkg/gcode"
	"klipper-mmu-sync/pkg/mmu"
)

// Status object names served by MachineSource.
const (
	ObjectSyncFeedback = "mmu_sync_feedback"
	ObjectEncoder      = "mmu_encoder"
)

// MachineSource adapts the sync-feedback stack to the status API.
type MachineSource struct {
	Manager  *mmu.SyncFeedbackManager
	Encoder  *encoder.Encoder // optional
	Commands *gcode.Dispatcher
}

// Objects lists the available status objects.
func (s *MachineSource) Objects() []string {
	objects := []string{ObjectSyncFeedback}
	if s.Encoder != nil {
		objects = append(objects, ObjectEncoder)
	}
	return objects
}

// ObjectStatus returns one status object snapshot.
func (s *MachineSource) ObjectStatus(name string) (any, bool) {
	switch name {
	case ObjectSyncFeedback:
		return s.Manager.GetStatus(), true
	case ObjectEncoder:
		if s.Encoder != nil {
			return s.Encoder.GetStatus(), true
		}
	}
	return nil, false
}

// RunCommand executes an operator command line.
func (s *MachineSource) RunCommand(line string) (string, error) {
	return s.Commands.Execute(line)
}
