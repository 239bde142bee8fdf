// Package mmu drives a Prusa MMU3 style multi-material unit: homing, tool
// selection, the staged load and unload pipelines, ramming eject, filament
// cutting and the pause/unlock safety gate.
//
// The MMU owns no hardware. Steppers, endstops, sensors, the heater and the
// G-code macro layer are injected through the capability interfaces in
// hardware.go, and every operation reports failure through a returned error
// carrying a pkg/errors code.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package mmu
