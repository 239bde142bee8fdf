// Klipper configuration file parser
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Config is a parsed configuration: sections in file order, merged across
// includes and SAVE_CONFIG blocks.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string

	accessedSections map[string]struct{}
}

// New creates a new empty Config.
func New() *Config {
	return &Config{
		sections:         make(map[string]*Section),
		accessedSections: make(map[string]struct{}),
	}
}

// Load reads a configuration file and returns a Config.
// Supports [include path] directives, resolved relative to the including file.
func Load(path string) (*Config, error) {
	c := New()
	if err := c.parseFile(path, make(map[string]bool)); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadString parses a configuration from a string. Includes are rejected.
func LoadString(data string) (*Config, error) {
	c := New()
	if err := c.parse(strings.NewReader(data), "<string>", "", nil); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) parseFile(path string, visited map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: invalid path %s: %w", path, err)
	}
	if visited[abs] {
		return fmt.Errorf("config: recursive include: %s", path)
	}
	visited[abs] = true
	defer func() { visited[abs] = false }()

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("config: unable to open %s: %w", path, err)
	}
	defer f.Close()

	return c.parse(f, path, filepath.Dir(abs), visited)
}

// parse reads sections from r. visited is nil when includes are not allowed.
func (c *Config) parse(r io.Reader, name, dir string, visited map[string]bool) error {
	var current *Section
	var lastKey string

	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		raw := scanner.Text()
		line := stripComment(raw)
		if line == "" {
			continue
		}
		origin := fmt.Sprintf("%s:%d", name, lineNum)

		// Indented lines continue the previous option (gcode_macro bodies).
		if lastKey != "" && (raw[0] == ' ' || raw[0] == '\t') {
			current.extend(lastKey, line)
			continue
		}
		lastKey = ""

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			header := strings.TrimSpace(line[1 : len(line)-1])
			switch {
			case header == "":
				return fmt.Errorf("config: %s: empty section header", origin)
			case strings.HasPrefix(header, "include "):
				if visited == nil {
					return fmt.Errorf("config: %s: include not supported", origin)
				}
				if err := c.include(strings.TrimSpace(header[8:]), dir, visited); err != nil {
					return fmt.Errorf("config: %s: %w", origin, err)
				}
				current = nil
			default:
				current = c.section(header)
			}
			continue
		}

		// Options before the first section are ignored
		if current == nil {
			continue
		}
		key, value, ok := splitOption(line)
		if !ok {
			return fmt.Errorf("config: %s: expected 'option: value', got %q", origin, line)
		}
		current.set(key, value, origin)
		lastKey = key
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("config: error reading %s: %w", name, err)
	}
	return nil
}

func (c *Config) include(spec, dir string, visited map[string]bool) error {
	if spec == "" {
		return fmt.Errorf("empty include")
	}
	pattern := filepath.Join(dir, spec)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("invalid include pattern %q: %w", spec, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
		return fmt.Errorf("include file does not exist: %s", pattern)
	}
	sort.Strings(matches)
	for _, m := range matches {
		if err := c.parseFile(m, visited); err != nil {
			return err
		}
	}
	return nil
}

// stripComment trims whitespace and comments. SAVE_CONFIG blocks ("#*#")
// are parsed as regular configuration.
func stripComment(raw string) string {
	line := strings.TrimSpace(raw)
	if strings.HasPrefix(line, "#*#") {
		return strings.TrimSpace(line[3:])
	}
	if idx := strings.IndexAny(line, "#;"); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	return line
}

// splitOption accepts "key: value" and "key = value". Klipper allows an
// empty value.
func splitOption(line string) (string, string, bool) {
	idx := strings.IndexAny(line, ":=")
	if idx <= 0 {
		return "", "", false
	}
	key := strings.TrimSpace(line[:idx])
	if key == "" {
		return "", "", false
	}
	return key, strings.TrimSpace(line[idx+1:]), true
}

// section returns the named section, creating it on first use. A section
// repeated later, as SAVE_CONFIG does, overrides earlier options.
func (c *Config) section(name string) *Section {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sec, ok := c.sections[name]; ok {
		return sec
	}
	sec := newSection(name)
	c.sections[name] = sec
	c.order = append(c.order, name)
	return sec
}

// GetSection returns a Section by name, or error if not found.
func (c *Config) GetSection(name string) (*Section, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sec, ok := c.sections[name]
	if !ok {
		return nil, NewConfigError(name, "", "section not found")
	}
	c.accessedSections[name] = struct{}{}
	return sec, nil
}

// HasSection checks if a section exists.
func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[name]
	return ok
}

// GetSectionNames returns all section names in file order.
func (c *Config) GetSectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]string, len(c.order))
	copy(result, c.order)
	return result
}

// GetUnusedSections returns a sorted list of sections that were not accessed.
func (c *Config) GetUnusedSections() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []string
	for name := range c.sections {
		if _, ok := c.accessedSections[name]; !ok {
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result
}

// CheckUnusedOptions returns an error if an accessed section has options
// that were never read.
func (c *Config) CheckUnusedOptions() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var problems []string
	for name, sec := range c.sections {
		if _, ok := c.accessedSections[name]; !ok {
			continue
		}
		for _, opt := range sec.GetUnusedOptions() {
			problems = append(problems, fmt.Sprintf("%s: [%s] %s", sec.Origin(opt), name, opt))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return NewConfigError("", "", "unused options: "+strings.Join(problems, "; "))
	}
	return nil
}
