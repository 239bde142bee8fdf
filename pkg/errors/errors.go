// Unified error handling for the MMU host
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Rejected configuration or scenario
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// G-code errors
	ErrGCodeParse        ErrorCode = "GCODE_PARSE"
	ErrGCodeUnknownCmd   ErrorCode = "GCODE_UNKNOWN_CMD"
	ErrGCodeMissingParam ErrorCode = "GCODE_MISSING_PARAM"
	ErrGCodeInvalidParam ErrorCode = "GCODE_INVALID_PARAM"

	// Runtime errors
	ErrRuntime ErrorCode = "RUNTIME"

	// MMU guard refusals: no side effects were performed
	ErrMMUPaused      ErrorCode = "MMU_PAUSED"
	ErrMMUNotHomed    ErrorCode = "MMU_NOT_HOMED"
	ErrMMUInvalidTool ErrorCode = "MMU_INVALID_TOOL"
	ErrMMUNoTool      ErrorCode = "MMU_NO_TOOL"

	// MMU motion failures
	ErrMMUHotendCold     ErrorCode = "MMU_HOTEND_COLD"
	ErrMMUSensorMismatch ErrorCode = "MMU_SENSOR_MISMATCH"
	ErrMMURetryExhausted ErrorCode = "MMU_RETRY_EXHAUSTED"
	ErrMMUActuator       ErrorCode = "MMU_ACTUATOR"
	ErrMMUUnsupported    ErrorCode = "MMU_UNSUPPORTED"
)

// HostError is a coded error. Stage names the MMU operation or config
// section the error came from.
type HostError struct {
	Code    ErrorCode
	Stage   string
	Message string
	Err     error
	Context map[string]any
}

func (e *HostError) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Code))
	if e.Stage != "" {
		b.WriteString(":")
		b.WriteString(e.Stage)
	}
	b.WriteString("] ")
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *HostError) Unwrap() error {
	return e.Err
}

// SetStage records the operation or section that failed.
func (e *HostError) SetStage(stage string) *HostError {
	e.Stage = stage
	return e
}

// SetContext attaches a structured field, logged with the error.
func (e *HostError) SetContext(key string, value any) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Wrap wraps err with a code and message.
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{Code: code, Message: message, Err: err}
}

// New creates a HostError.
func New(code ErrorCode, message string) *HostError {
	return &HostError{Code: code, Message: message}
}

// G-code errors

// GCodeParseError creates an error for G-code parsing failure
func GCodeParseError(line string, reason string) *HostError {
	return New(ErrGCodeParse, fmt.Sprintf("failed to parse G-code: %s (reason: %s)", line, reason))
}

// GCodeUnknownCommandError creates an error for unknown G-code command
func GCodeUnknownCommandError(command string) *HostError {
	return New(ErrGCodeUnknownCmd, fmt.Sprintf("unknown G-code command: %s", command))
}

// GCodeMissingParameterError creates an error for missing G-code parameter
func GCodeMissingParameterError(command, param string) *HostError {
	return New(ErrGCodeMissingParam, fmt.Sprintf("G-code command '%s' missing required parameter: %s", command, param))
}

// GCodeInvalidParameterError creates an error for invalid G-code parameter
func GCodeInvalidParameterError(command, param, value string, reason string) *HostError {
	return New(ErrGCodeInvalidParam, fmt.Sprintf("G-code command '%s': invalid parameter '%s=%s' (%s)", command, param, value, reason))
}

// MMU errors

// MMUPausedError is returned by every motion entry point while paused.
func MMUPausedError(op string) *HostError {
	return New(ErrMMUPaused, "MMU is paused, unlock it first").SetStage(op)
}

// MMUNotHomedError is returned when tool selection is attempted before homing.
func MMUNotHomedError(op string) *HostError {
	return New(ErrMMUNotHomed, "MMU is not homed").SetStage(op)
}

// MMUInvalidToolError reports a tool index outside the configured range.
func MMUInvalidToolError(op string, tool, count int) *HostError {
	return New(ErrMMUInvalidTool, fmt.Sprintf("tool %d out of range [0, %d)", tool, count)).
		SetStage(op).
		SetContext("tool", tool)
}

// MMUNoToolError reports that an operation needs a selected tool or filament.
func MMUNoToolError(op string, what string) *HostError {
	return New(ErrMMUNoTool, fmt.Sprintf("no %s", what)).SetStage(op)
}

// MMUHotendColdError reports the hotend below the minimum extrusion temperature.
func MMUHotendColdError(op string, current, minimum float64) *HostError {
	return New(ErrMMUHotendCold, fmt.Sprintf("hotend too cold: %.1f < %.1f", current, minimum)).
		SetStage(op).
		SetContext("temperature", current)
}

// MMUSensorMismatchError reports a sensor state contrary to expectation.
func MMUSensorMismatchError(op, sensor string, expected bool) *HostError {
	state := "absent"
	if expected {
		state = "present"
	}
	return New(ErrMMUSensorMismatch, fmt.Sprintf("%s: filament expected %s", sensor, state)).
		SetStage(op).
		SetContext("sensor", sensor)
}

// MMURetryExhaustedError reports a bounded loop that ran out of attempts.
func MMURetryExhaustedError(op string, attempts int) *HostError {
	return New(ErrMMURetryExhausted, fmt.Sprintf("gave up after %d attempts", attempts)).
		SetStage(op).
		SetContext("attempts", attempts)
}

// MMUActuatorError wraps a fault surfaced by a hardware capability.
func MMUActuatorError(op, actuator string, err error) *HostError {
	return Wrap(err, ErrMMUActuator, actuator+" failed").SetStage(op)
}

// MMUUnsupportedError reports an operation unavailable in the current mode.
func MMUUnsupportedError(op, reason string) *HostError {
	return New(ErrMMUUnsupported, reason).SetStage(op)
}

// RuntimeError creates a general runtime error
func RuntimeError(message string) *HostError {
	return New(ErrRuntime, message)
}

// CodeOf returns the code of the outermost HostError in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var hostErr *HostError
	if stderrors.As(err, &hostErr) {
		return hostErr.Code, true
	}
	return "", false
}

// Fields collects the stage and context of every HostError in err's chain
// for structured logging. Outer errors win on duplicate keys.
func Fields(err error) map[string]any {
	fields := make(map[string]any)
	for err != nil {
		if hostErr, ok := err.(*HostError); ok {
			if _, set := fields["stage"]; !set && hostErr.Stage != "" {
				fields["stage"] = hostErr.Stage
			}
			for k, v := range hostErr.Context {
				if _, set := fields[k]; !set {
					fields[k] = v
				}
			}
		}
		err = stderrors.Unwrap(err)
	}
	return fields
}

// Is checks if error matches given error code
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if hostErr, ok := err.(*HostError); ok && hostErr.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// IsGCode checks if error is a G-code error
func IsGCode(err error) bool {
	return Is(err, ErrGCodeParse) ||
		Is(err, ErrGCodeUnknownCmd) ||
		Is(err, ErrGCodeMissingParam) ||
		Is(err, ErrGCodeInvalidParam)
}

// IsGuardRefusal reports whether err is a refusal that had no side effects.
func IsGuardRefusal(err error) bool {
	return Is(err, ErrMMUPaused) ||
		Is(err, ErrMMUNotHomed) ||
		Is(err, ErrMMUInvalidTool) ||
		Is(err, ErrMMUNoTool)
}

// IsThermalGuard reports whether err came from the hotend temperature gate.
func IsThermalGuard(err error) bool {
	return Is(err, ErrMMUHotendCold)
}
