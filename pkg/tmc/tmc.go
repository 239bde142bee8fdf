// TMC stepper driver register image
//
// Copyright (C) 2018-2020  Kevin O'Connor <kevin@koconnor.net>
// Copyright (C) 2025  Go port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package tmc

import (
	"fmt"
	"math"
	"math/bits"
	"slices"
	"strings"
)

// register lists the bit fields of one driver register.
type register struct {
	name   string
	fields map[string]uint32
}

type field struct {
	reg   string
	mask  uint32
	shift int
}

// registerImage shadows the registers of a driver. Field names are
// matched case-insensitively, as SET_TMC_FIELD does.
type registerImage struct {
	layout []register
	fields map[string]field
	values map[string]uint32
}

func newRegisterImage(layout []register) *registerImage {
	img := &registerImage{
		layout: layout,
		fields: make(map[string]field),
		values: make(map[string]uint32),
	}
	for _, reg := range layout {
		for name, mask := range reg.fields {
			img.fields[name] = field{reg: reg.name, mask: mask, shift: bits.TrailingZeros32(mask)}
		}
	}
	return img
}

func (img *registerImage) get(name string) uint32 {
	f, ok := img.fields[strings.ToLower(name)]
	if !ok {
		return 0
	}
	return (img.values[f.reg] & f.mask) >> f.shift
}

// set stores value in a field; values wider than the field are rejected.
func (img *registerImage) set(name string, value uint32) error {
	name = strings.ToLower(name)
	f, ok := img.fields[name]
	if !ok {
		return fmt.Errorf("unknown field name '%s'", name)
	}
	if value > f.mask>>f.shift {
		return fmt.Errorf("value %d out of range for field '%s'", value, name)
	}
	img.values[f.reg] = img.values[f.reg]&^f.mask | value<<f.shift
	return nil
}

// dump formats every register as "NAME: value field=v ..." listing the
// non-zero fields from the least significant bit up.
func (img *registerImage) dump() []string {
	out := make([]string, 0, len(img.layout))
	for _, reg := range img.layout {
		value := img.values[reg.name]
		names := make([]string, 0, len(reg.fields))
		for name := range reg.fields {
			names = append(names, name)
		}
		slices.SortFunc(names, func(a, b string) int {
			return int(bits.TrailingZeros32(reg.fields[a])) - int(bits.TrailingZeros32(reg.fields[b]))
		})
		var parts []string
		for _, name := range names {
			if v := img.get(name); v != 0 {
				parts = append(parts, fmt.Sprintf("%s=%d", name, v))
			}
		}
		out = append(out, fmt.Sprintf("%-11s %08x %s", reg.name+":", value, strings.Join(parts, " ")))
	}
	return out
}

// Full scale sense voltages of the two vsense ranges.
const (
	vrefHigh = 0.325
	vrefLow  = 0.180
)

// currentBits converts amps to an IRUN/IHOLD scale, preferring the high
// sensitivity range when the current fits in it.
func currentBits(amps, senseResistor float64) (cs uint32, vsense bool) {
	scale := 32 * math.Sqrt2 * senseResistor
	if v := math.Round(amps*scale/vrefLow - 1); v >= 0 && v <= 31 {
		return uint32(v), true
	}
	v := math.Round(amps*scale/vrefHigh - 1)
	return uint32(max(0, min(31, v))), false
}

func bitsCurrent(cs uint32, vsense bool, senseResistor float64) float64 {
	vref := vrefHigh
	if vsense {
		vref = vrefLow
	}
	return float64(cs+1) * vref / (32 * math.Sqrt2 * senseResistor)
}
