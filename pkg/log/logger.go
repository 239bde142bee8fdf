// Structured logging for the MMU host
//
// Per-component loggers over zerolog with:
// - Log levels (DEBUG, INFO, WARN, ERROR)
// - Text (console) or JSON output
// - ANSI colors only when stderr is a terminal
// - Optional rotating log file
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// OutputFormat specifies the output format for log messages
type OutputFormat int

const (
	// FormatText outputs human-readable text format
	FormatText OutputFormat = iota
	// FormatJSON outputs machine-readable JSON format
	FormatJSON
)

// Config describes where and how log lines are written.
type Config struct {
	Level    zerolog.Level
	Format   OutputFormat
	Caller   bool
	Colorize bool

	// File enables a rotating log file next to the console output.
	File       string
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

// DefaultConfig returns INFO level text output, colored when stderr is a tty.
func DefaultConfig() Config {
	return Config{
		Level:      zerolog.InfoLevel,
		Format:     FormatText,
		Colorize:   isTerminal(os.Stderr.Fd()) && os.Getenv("NO_COLOR") == "",
		MaxSizeMB:  10,
		MaxBackups: 5,
	}
}

var (
	mu         sync.RWMutex
	root       zerolog.Logger
	fileWriter *lumberjack.Logger
)

// ParseLevel parses a string into a zerolog level; unknown strings mean INFO.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ConfigFromEnv overlays environment settings on cfg.
// Environment variables:
//   - KLIPPER_LOG_LEVEL: DEBUG, INFO, WARN, ERROR
//   - KLIPPER_LOG_FORMAT: text, json
//   - KLIPPER_LOG_CALLER: any non-empty value enables caller info
//   - NO_COLOR: any non-empty value disables colors
func ConfigFromEnv(cfg Config) Config {
	if levelStr := os.Getenv("KLIPPER_LOG_LEVEL"); levelStr != "" {
		cfg.Level = ParseLevel(levelStr)
	}
	switch strings.ToLower(os.Getenv("KLIPPER_LOG_FORMAT")) {
	case "json":
		cfg.Format = FormatJSON
	case "text":
		cfg.Format = FormatText
	}
	if os.Getenv("KLIPPER_LOG_CALLER") != "" {
		cfg.Caller = true
	}
	if os.Getenv("NO_COLOR") != "" {
		cfg.Colorize = false
	}
	return cfg
}

// NewWriter builds the console writer for cfg on top of w.
func NewWriter(w io.Writer, cfg Config) io.Writer {
	if cfg.Format == FormatJSON {
		return w
	}
	return zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    !cfg.Colorize,
		TimeFormat: "2006-01-02 15:04:05.000",
	}
}

// Setup replaces the process-wide root logger.
func Setup(cfg Config) error {
	return SetupWriter(os.Stderr, cfg)
}

// SetupWriter is Setup with an explicit console destination.
func SetupWriter(w io.Writer, cfg Config) error {
	writers := []io.Writer{NewWriter(w, cfg)}

	var lj *lumberjack.Logger
	if cfg.File != "" {
		lj = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
		// File output is always JSON.
		writers = append(writers, lj)
	}

	ctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(cfg.Level).
		With().
		Timestamp()
	if cfg.Caller {
		ctx = ctx.Caller()
	}

	mu.Lock()
	defer mu.Unlock()
	if fileWriter != nil {
		fileWriter.Close()
	}
	fileWriter = lj
	root = ctx.Logger()
	return nil
}

// Close flushes and closes the log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if fileWriter == nil {
		return nil
	}
	err := fileWriter.Close()
	fileWriter = nil
	return err
}

// Root returns the process-wide logger.
func Root() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := root
	return &l
}

// GetLogger returns a child of the root logger tagged with component.
func GetLogger(component string) *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := root.With().Str("component", component).Logger()
	return &l
}

// Nop returns a disabled logger for tests and library callers.
func Nop() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	_ = Setup(ConfigFromEnv(DefaultConfig()))
}
