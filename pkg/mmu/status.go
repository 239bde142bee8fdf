// MMU3 status reporting
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mmu

import "fmt"

// Status is the MMU view exported to status queries.
type Status struct {
	CurrentTool      int      `json:"current_tool"`
	CurrentFilament  int      `json:"current_filament"`
	IsHomed          bool     `json:"is_homed"`
	IsPaused         bool     `json:"is_paused"`
	LastExtruderTemp *float64 `json:"last_extruder_temp"`
	NumberOfTools    int      `json:"number_of_tools"`
	NoSelectorMode   bool     `json:"enable_no_selector_mode"`

	MaterialChanges   int `json:"number_of_material_changes"`
	SuccessfulChanges int `json:"number_of_successful_changes"`
	Fails             int `json:"number_of_fails"`
	Cuts              int `json:"number_of_cuts"`
}

// Status returns the current status. Safe for concurrent use.
func (m *MMU) Status() Status {
	s := m.snapshot()
	st := m.Stats()
	return Status{
		CurrentTool:       s.CurrentTool,
		CurrentFilament:   s.CurrentFilament,
		IsHomed:           s.Homed,
		IsPaused:          s.Paused,
		LastExtruderTemp:  s.LastExtruderTemp,
		NumberOfTools:     m.cfg.NumberOfTools,
		NoSelectorMode:    m.cfg.NoSelectorMode,
		MaterialChanges:   st.MaterialChanges,
		SuccessfulChanges: st.SuccessfulChanges,
		Fails:             st.Fails,
		Cuts:              st.Cuts,
	}
}

// Map returns the status as a generic object for API responses.
func (s Status) Map() map[string]any {
	var temp any
	if s.LastExtruderTemp != nil {
		temp = *s.LastExtruderTemp
	}
	return map[string]any{
		"current_tool":                 nullableTool(s.CurrentTool),
		"current_filament":             nullableTool(s.CurrentFilament),
		"is_homed":                     s.IsHomed,
		"is_paused":                    s.IsPaused,
		"last_extruder_temp":           temp,
		"number_of_tools":              s.NumberOfTools,
		"enable_no_selector_mode":      s.NoSelectorMode,
		"number_of_material_changes":   s.MaterialChanges,
		"number_of_successful_changes": s.SuccessfulChanges,
		"number_of_fails":              s.Fails,
		"number_of_cuts":               s.Cuts,
	}
}

func nullableTool(t int) any {
	if t == NoTool {
		return nil
	}
	return t
}

// Lines renders the status for the console.
func (s Status) Lines() []string {
	temp := "None"
	if s.LastExtruderTemp != nil {
		temp = fmt.Sprintf("%.1f", *s.LastExtruderTemp)
	}
	mode := "selector"
	if s.NoSelectorMode {
		mode = "no-selector (5in1)"
	}
	return []string{
		fmt.Sprintf("Tools            : %d (%s)", s.NumberOfTools, mode),
		fmt.Sprintf("Current tool     : %s", toolString(s.CurrentTool)),
		fmt.Sprintf("Current filament : %s", toolString(s.CurrentFilament)),
		fmt.Sprintf("Homed            : %s", boolString(s.IsHomed)),
		fmt.Sprintf("Paused           : %s", boolString(s.IsPaused)),
		fmt.Sprintf("Paused at temp   : %s", temp),
		fmt.Sprintf("Material changes : %d (%d successful)", s.MaterialChanges, s.SuccessfulChanges),
		fmt.Sprintf("Fails            : %d", s.Fails),
		fmt.Sprintf("Cuts             : %d", s.Cuts),
	}
}
