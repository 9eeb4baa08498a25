// MMU sync-feedback operator commands
//
// Copyright (C) 2026  MMU Sync Go Port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gcode

import (
	"fmt"
	"strings"

	"klipper-mmu-sync/pkg/mmu"
)

// Clock supplies the monotonic event time for controller resets.
type Clock interface {
	Monotonic() float64
}

const syncFeedbackHelp = "Controls sync feedback and applies filament tension adjustments"

const syncFeedbackParamHelp = "MMU_SYNC_FEEDBACK: " + syncFeedbackHelp + "\n" +
	"ENABLE         = [1|0] enable/disable sync feedback control\n" +
	"RESET          = [1|0] reset sync controller and return RD to last known good value\n" +
	"ADJUST_TENSION = [1|0] apply correction to neutralize filament tension\n" +
	"AUTOTUNE       = [1|0] allow saving of autotuned rotation distance\n" +
	"(no parameters for status report)"

const flowguardHelp = "Enable/disable FlowGuard (clog-tangle detection)"

const flowguardParamHelp = "MMU_FLOWGUARD: " + flowguardHelp + "\n" +
	"ENABLE = [1|0] enable/disable FlowGuard clog/tangle detection\n" +
	"(no parameters for status report)"

// RegisterSyncFeedbackCommands binds the manager's operator commands.
func RegisterSyncFeedbackCommands(d *Dispatcher, m *mmu.SyncFeedbackManager, clock Clock) {
	d.Register("MMU_SYNC_FEEDBACK", syncFeedbackParamHelp, cmdSyncFeedback(m, clock))
	d.Register("MMU_FLOWGUARD", flowguardParamHelp, cmdFlowguard(m))
}

func cmdSyncFeedback(m *mmu.SyncFeedbackManager, clock Clock) Handler {
	return func(cmd *Command) (string, error) {
		help, err := cmd.Int("HELP", 0, 0, 1)
		if err != nil {
			return "", err
		}
		if help != 0 {
			return syncFeedbackParamHelp, nil
		}

		if !m.HasSyncFeedback() {
			return "No sync-feedback sensors!", nil
		}

		enable, hasEnable, err := cmd.OptInt("ENABLE", 0, 1)
		if err != nil {
			return "", err
		}
		reset, hasReset, err := cmd.OptInt("RESET", 0, 1)
		if err != nil {
			return "", err
		}
		autotune, hasAutotune, err := cmd.OptInt("AUTOTUNE", 0, 1)
		if err != nil {
			return "", err
		}
		adjust, err := cmd.Int("ADJUST_TENSION", 0, 0, 1)
		if err != nil {
			return "", err
		}

		var msgs []string
		if hasEnable {
			m.SetEnabled(enable == 1)
			msgs = append(msgs, fmt.Sprintf("Sync feedback feature is %s", onOff(enable == 1)))
		}
		if hasReset && reset == 1 && m.IsEnabled() {
			m.Reset(clock.Monotonic())
			msgs = append(msgs, "Sync feedback reset")
		}
		if hasAutotune {
			m.SetAutotuneSave(autotune == 1)
			msgs = append(msgs, fmt.Sprintf(
				"Save Autotuned rotation distance feature is %s", onOff(autotune == 1)))
		}
		if adjust == 1 {
			moved, ok, err := m.AdjustFilamentTension(true, 0)
			switch {
			case err != nil:
				msgs = append(msgs, fmt.Sprintf("Error in MMU_SYNC_FEEDBACK: %v", err))
			case ok:
				msgs = append(msgs, fmt.Sprintf("Neutralized tension after moving %.2fmm", moved))
			default:
				msgs = append(msgs, fmt.Sprintf("Moved %.2fmm without neutralizing tension", moved))
			}
		}

		if !hasEnable && !hasAutotune && adjust == 0 {
			return m.StatusReport(), nil
		}
		return strings.Join(msgs, "\n"), nil
	}
}

func cmdFlowguard(m *mmu.SyncFeedbackManager) Handler {
	return func(cmd *Command) (string, error) {
		help, err := cmd.Int("HELP", 0, 0, 1)
		if err != nil {
			return "", err
		}
		if help != 0 {
			return flowguardParamHelp, nil
		}

		if !m.IsEnabled() {
			return "Sync feedback is disabled or not configured. FlowGuard is unavailable", nil
		}

		enable, hasEnable, err := cmd.OptInt("ENABLE", 0, 1)
		if err != nil {
			return "", err
		}
		if hasEnable {
			already := ""
			if m.FlowguardEnabled() == (enable == 1) {
				already = "already "
			}
			m.SetFlowguardEnabled(enable == 1)
			return fmt.Sprintf("FlowGuard monitoring feature %s%s", already, onOff(enable == 1)), nil
		}

		if !m.FlowguardEnabled() {
			return "FlowGuard monitoring feature is disabled", nil
		}
		active := " (not currently active)"
		if m.FlowguardActive() {
			active = " and currently active"
		}
		return "FlowGuard monitoring feature is enabled" + active, nil
	}
}

func onOff(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
