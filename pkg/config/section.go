// Configuration sections and typed option getters
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"sort"
	"strconv"
	"strings"
	"sync"
)

type entry struct {
	value  string
	origin string
}

// Section is one [name] block. Reads mark options as used.
type Section struct {
	name    string
	options map[string]entry

	mu       sync.Mutex
	accessed map[string]struct{}
}

func newSection(name string) *Section {
	return &Section{
		name:     name,
		options:  make(map[string]entry),
		accessed: make(map[string]struct{}),
	}
}

func (s *Section) set(key, value, origin string) {
	s.options[strings.ToLower(key)] = entry{value: value, origin: origin}
}

func (s *Section) extend(key, line string) {
	key = strings.ToLower(key)
	e := s.options[key]
	if e.value != "" {
		e.value += "\n"
	}
	e.value += line
	s.options[key] = e
}

// GetName returns the section name.
func (s *Section) GetName() string {
	return s.name
}

// Origin returns "file:line" of option, or "" when it is not set.
func (s *Section) Origin(option string) string {
	return s.options[strings.ToLower(option)].origin
}

// lookup marks option as used, also when the caller falls back to a
// default.
func (s *Section) lookup(option string) (entry, bool) {
	key := strings.ToLower(option)
	s.mu.Lock()
	s.accessed[key] = struct{}{}
	s.mu.Unlock()
	e, ok := s.options[key]
	e.value = strings.TrimSpace(e.value)
	return e, ok
}

func (s *Section) errorAt(e entry, option, message string) *ConfigError {
	return &ConfigError{Section: s.name, Option: option, Origin: e.origin, Message: message}
}

func (s *Section) missing(option string) *ConfigError {
	return NewConfigError(s.name, option, "must be specified")
}

func (s *Section) invalid(e entry, option, expected string) *ConfigError {
	return s.errorAt(e, option, "invalid value '"+e.value+"', expected "+expected)
}

// GetUnusedOptions returns the sorted options that were never read.
func (s *Section) GetUnusedOptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []string
	for opt := range s.options {
		if _, ok := s.accessed[opt]; !ok {
			result = append(result, opt)
		}
	}
	sort.Strings(result)
	return result
}

// Get returns a string option, or the fallback when given.
func (s *Section) Get(option string, fallback ...string) (string, error) {
	if e, ok := s.lookup(option); ok {
		return e.value, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return "", s.missing(option)
}

// GetInt returns an integer option checked against bounds.
func (s *Section) GetInt(option string, fallback *int, bounds ...Bound) (int, error) {
	e, ok := s.lookup(option)
	if !ok {
		if fallback == nil {
			return 0, s.missing(option)
		}
		return *fallback, nil
	}
	v, err := strconv.Atoi(e.value)
	if err != nil {
		return 0, s.invalid(e, option, "integer")
	}
	if msg := check(float64(v), bounds); msg != "" {
		return 0, s.errorAt(e, option, msg)
	}
	return v, nil
}

// GetFloat returns a float option checked against bounds.
func (s *Section) GetFloat(option string, fallback *float64, bounds ...Bound) (float64, error) {
	e, ok := s.lookup(option)
	if !ok {
		if fallback == nil {
			return 0, s.missing(option)
		}
		return *fallback, nil
	}
	v, err := strconv.ParseFloat(e.value, 64)
	if err != nil {
		return 0, s.invalid(e, option, "float")
	}
	if msg := check(v, bounds); msg != "" {
		return 0, s.errorAt(e, option, msg)
	}
	return v, nil
}

// GetBool accepts True/False in any case as written by SAVE_CONFIG, plus
// yes/no, on/off and 1/0.
func (s *Section) GetBool(option string, fallback *bool) (bool, error) {
	e, ok := s.lookup(option)
	if !ok {
		if fallback == nil {
			return false, s.missing(option)
		}
		return *fallback, nil
	}
	switch strings.ToLower(e.value) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, s.invalid(e, option, "boolean")
}

// GetFloatList splits a list option on sep. A nil fallback makes the
// option required; the fallback slice is copied.
func (s *Section) GetFloatList(option, sep string, fallback []float64) ([]float64, error) {
	e, ok := s.lookup(option)
	if !ok {
		if fallback == nil {
			return nil, s.missing(option)
		}
		return append([]float64(nil), fallback...), nil
	}
	result := []float64{}
	for _, p := range strings.Split(e.value, sep) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, s.errorAt(e, option, "invalid list item '"+p+"', expected float")
		}
		result = append(result, f)
	}
	return result, nil
}

func check(v float64, bounds []Bound) string {
	for _, b := range bounds {
		if msg := b(v); msg != "" {
			return msg
		}
	}
	return ""
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
