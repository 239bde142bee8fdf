// G-code command parsing
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gcode

import (
	"regexp"
	"strconv"
	"strings"

	herrors "klipper-mmu/pkg/errors"
)

var reParenComment = regexp.MustCompile(`\([^)]*\)`)

// rawCommands take the rest of the line verbatim instead of parameters.
var rawCommands = map[string]bool{
	"M117": true,
	"M118": true,
}

// Command is one parsed G-code line.
type Command struct {
	Name   string
	Params map[string]string
	Raw    string

	rest      string
	responder func(string)
}

// Parse splits a line into a command. Empty or comment-only lines return nil.
//
// Both traditional ("G1 E10 F600") and extended ("SET_TMC_FIELD STEPPER=x
// FIELD=sgthrs VALUE=0") parameters are accepted.
func Parse(line string) (*Command, error) {
	ln := strings.TrimSpace(line)
	if idx := strings.IndexByte(ln, ';'); idx >= 0 {
		ln = strings.TrimSpace(ln[:idx])
	}
	ln = strings.TrimSpace(reParenComment.ReplaceAllString(ln, " "))
	if ln == "" {
		return nil, nil
	}

	fields := strings.Fields(ln)
	name := strings.ToUpper(fields[0])
	if !isValidName(name) {
		return nil, herrors.GCodeParseError(line, "invalid command name")
	}

	cmd := &Command{Name: name, Params: map[string]string{}, Raw: line}
	cmd.rest = strings.TrimSpace(ln[len(fields[0]):])
	if rawCommands[name] {
		return cmd, nil
	}

	for _, f := range fields[1:] {
		if k, v, ok := strings.Cut(f, "="); ok {
			k = strings.ToUpper(strings.TrimSpace(k))
			if k == "" {
				return nil, herrors.GCodeParseError(line, "empty parameter name")
			}
			cmd.Params[k] = strings.TrimSpace(v)
			continue
		}
		if len(f) < 2 {
			continue
		}
		cmd.Params[strings.ToUpper(f[:1])] = f[1:]
	}
	return cmd, nil
}

func isValidName(name string) bool {
	for _, r := range name {
		if !(r == '_' || r == '.' || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// RawParams returns everything after the command name, e.g. the M117 text.
func (c *Command) RawParams() string {
	return c.rest
}

// Has reports whether a parameter was given.
func (c *Command) Has(name string) bool {
	_, ok := c.Params[strings.ToUpper(name)]
	return ok
}

// Get returns a string parameter or the fallback.
func (c *Command) Get(name string, fallback ...string) (string, error) {
	if v, ok := c.Params[strings.ToUpper(name)]; ok {
		return v, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return "", herrors.GCodeMissingParameterError(c.Name, name)
}

// GetInt returns an integer parameter or the fallback.
func (c *Command) GetInt(name string, fallback ...int) (int, error) {
	raw, ok := c.Params[strings.ToUpper(name)]
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, herrors.GCodeMissingParameterError(c.Name, name)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, herrors.GCodeInvalidParameterError(c.Name, name, raw, "expected integer")
	}
	return v, nil
}

// GetFloat returns a float parameter or the fallback.
func (c *Command) GetFloat(name string, fallback ...float64) (float64, error) {
	raw, ok := c.Params[strings.ToUpper(name)]
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return 0, herrors.GCodeMissingParameterError(c.Name, name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, herrors.GCodeInvalidParameterError(c.Name, name, raw, "expected number")
	}
	return v, nil
}

// RespondInfo sends an informational line back to whoever issued the command.
func (c *Command) RespondInfo(msg string) {
	if c.responder != nil {
		c.responder(msg)
	}
}
