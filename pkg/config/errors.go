// Package config parses Klipper style configuration files. Every option
// read is tracked so options nobody asked for can be reported, and errors
// point at the file and line the option came from.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package config

import (
	"fmt"
	"strings"
)

// ConfigError locates a configuration problem.
type ConfigError struct {
	Section string
	Option  string
	// Origin is "file:line" of the option, empty when unknown.
	Origin  string
	Message string
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	if e.Origin != "" {
		b.WriteString(e.Origin)
		b.WriteString(": ")
	}
	if e.Section != "" {
		fmt.Fprintf(&b, "[%s] ", e.Section)
	}
	if e.Option != "" {
		b.WriteString(e.Option)
		b.WriteString(" ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// NewConfigError creates a ConfigError without a source location.
func NewConfigError(section, option, message string) *ConfigError {
	return &ConfigError{Section: section, Option: option, Message: message}
}

// Bound checks a numeric option value and describes the violation, or
// returns "" when v is acceptable.
type Bound func(v float64) string

// Min requires v >= min.
func Min(min float64) Bound {
	return func(v float64) string {
		if v < min {
			return "must have minimum of " + formatFloat(min)
		}
		return ""
	}
}

// Max requires v <= max.
func Max(max float64) Bound {
	return func(v float64) string {
		if v > max {
			return "must have maximum of " + formatFloat(max)
		}
		return ""
	}
}

// Above requires v > x.
func Above(x float64) Bound {
	return func(v float64) string {
		if v <= x {
			return "must be above " + formatFloat(x)
		}
		return ""
	}
}

// Below requires v < x.
func Below(x float64) Bound {
	return func(v float64) string {
		if v >= x {
			return "must be below " + formatFloat(x)
		}
		return ""
	}
}
