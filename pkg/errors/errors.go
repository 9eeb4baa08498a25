// Unified error handling for the MMU sync-feedback host suite
//
// Copyright (C) 2026  MMU Sync Go Port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	"errors"
	"fmt"
)

// Code represents the category of error.
type Code string

const (
	// Configuration errors (fatal at startup)
	ErrConfigSection    Code = "CONFIG_SECTION"
	ErrConfigOption     Code = "CONFIG_OPTION"
	ErrConfigValidation Code = "CONFIG_VALIDATION"

	// Operator command errors (rejected at the command boundary)
	ErrCommandUnknown      Code = "COMMAND_UNKNOWN"
	ErrCommandMissingParam Code = "COMMAND_MISSING_PARAM"
	ErrCommandInvalidParam Code = "COMMAND_INVALID_PARAM"

	// Hardware/runtime errors
	ErrSensor      Code = "SENSOR"
	ErrMotor       Code = "MOTOR"
	ErrCalibration Code = "CALIBRATION"
	ErrRuntime     Code = "RUNTIME"
)

// MMUError is the unified error type for the suite. It carries a coded
// category so callers can branch on kind without string matching, plus
// optional section/option context for configuration errors.
type MMUError struct {
	// Code is the error category
	Code Code

	// Message is a human-readable error description
	Message string

	// Section is the config section or subsystem context
	Section string

	// Option is the config option or command parameter name
	Option string

	// Err wraps the underlying error
	Err error
}

// Error implements the error interface.
func (e *MMUError) Error() string {
	switch {
	case e.Section != "" && e.Option != "":
		return fmt.Sprintf("[%s] %s in [%s] option '%s'", e.Code, e.Message, e.Section, e.Option)
	case e.Section != "":
		return fmt.Sprintf("[%s] %s in [%s]", e.Code, e.Message, e.Section)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying error.
func (e *MMUError) Unwrap() error {
	return e.Err
}

// New creates a new MMUError with the given code and message.
func New(code Code, format string, args ...interface{}) *MMUError {
	return &MMUError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with a code and message.
func Wrap(err error, code Code, format string, args ...interface{}) *MMUError {
	return &MMUError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// Config creates a configuration validation error tied to a section/option.
func Config(section, option, format string, args ...interface{}) *MMUError {
	return &MMUError{
		Code:    ErrConfigValidation,
		Message: fmt.Sprintf(format, args...),
		Section: section,
		Option:  option,
	}
}

// InvalidParam creates a command-parameter rejection error.
func InvalidParam(command, param, format string, args ...interface{}) *MMUError {
	return &MMUError{
		Code:    ErrCommandInvalidParam,
		Message: fmt.Sprintf(format, args...),
		Section: command,
		Option:  param,
	}
}

// CodeOf extracts the error code from an error chain, or "" if none.
func CodeOf(err error) Code {
	var me *MMUError
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}

// IsConfig reports whether the error is any configuration error.
func IsConfig(err error) bool {
	switch CodeOf(err) {
	case ErrConfigSection, ErrConfigOption, ErrConfigValidation:
		return true
	}
	return false
}

// Is reports whether any error in the chain matches target. Thin wrapper
// over the standard library so callers need only this package.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in the chain matching target.
func As(err error, target interface{}) bool { return errors.As(err, target) }
