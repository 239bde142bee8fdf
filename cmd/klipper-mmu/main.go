// klipper-mmu drives a Prusa MMU3 style filament changer against simulated
// hardware. It runs G-code from the command line, serves a
// Moonraker-compatible API, renders status and checks configuration.
//
// Usage:
//
//	klipper-mmu [global options] <run|serve|status|check-config> [options]
//
// Examples:
//
//	# Home the unit and change to tool 2
//	klipper-mmu -c printer.cfg run HOME_MMU T2
//
//	# Interactive console on stdin
//	klipper-mmu run
//
//	# API server with a slipping lane
//	klipper-mmu -s scenarios/slipping-lane.yaml serve --addr :7125
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package main

import (
	"os"

	"github.com/jessevdk/go-flags"

	"klipper-mmu/pkg/log"
)

// GlobalOptions apply to every subcommand.
type GlobalOptions struct {
	Config        string `short:"c" long:"config" description:"Printer configuration file with an [mmu3] section (defaults when omitted)"`
	Scenario      string `short:"s" long:"scenario" description:"Simulator fault scenario (YAML)"`
	RammingScript string `long:"ramming-script" description:"G-code file installed as the ramming macro"`
	LogLevel      string `short:"l" long:"log-level" description:"DEBUG, INFO, WARN or ERROR" env:"KLIPPER_LOG_LEVEL"`
	LogFormat     string `long:"log-format" description:"text or json" choice:"text" choice:"json" env:"KLIPPER_LOG_FORMAT"`
	LogFile       string `long:"log-file" description:"Also write JSON logs to a rotating file"`
}

type Options struct {
	GlobalOptions `group:"Global Options"`

	Run         RunCommand         `command:"run" description:"Execute G-code against the simulated MMU"`
	Serve       ServeCommand       `command:"serve" description:"Serve the Moonraker-compatible API"`
	Status      StatusCommand      `command:"status" description:"Show MMU and lane status"`
	CheckConfig CheckConfigCommand `command:"check-config" description:"Validate the [mmu3] configuration"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "klipper-mmu - multi-material unit host for Klipper style printers"
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if err := setupLogging(&opts.GlobalOptions); err != nil {
			return err
		}
		defer log.Close()
		return cmd.Execute(args)
	}

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}

func setupLogging(g *GlobalOptions) error {
	cfg := log.ConfigFromEnv(log.DefaultConfig())
	if g.LogLevel != "" {
		cfg.Level = log.ParseLevel(g.LogLevel)
	}
	if g.LogFormat == "json" {
		cfg.Format = log.FormatJSON
	}
	cfg.File = g.LogFile
	return log.Setup(cfg)
}
