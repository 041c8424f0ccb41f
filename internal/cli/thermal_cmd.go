// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/jeranaias/rigroute/internal/model"
	"github.com/jeranaias/rigroute/internal/registry"
)

// thermal handles "rigroute thermal status". States come from the last
// persisted transitions; thermal models with none yet are shown at the
// configured initial state.
func (a *App) thermal(ctx context.Context) error {
	if _, _, err := a.subcommand("rigroute thermal status", nil, "status"); err != nil {
		return err
	}
	st, err := a.openState(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	stored, err := st.db.LoadThermalStates(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrBackendUnavailable, err)
	}
	initial, err := model.ParseThermalLevel(a.Config.Thermal.InitialState)
	if err != nil {
		return NewValidationError("thermal.initial_state", a.Config.Thermal.InitialState, err.Error())
	}

	byID := make(map[string]model.ThermalState, len(stored))
	for _, s := range stored {
		byID[s.ModelID] = s
	}
	for _, m := range st.registry.Snapshot().List(registry.ListFilter{ThermalOnly: true}) {
		if _, ok := byID[m.ID]; !ok {
			byID[m.ID] = model.ThermalState{ModelID: m.ID, State: initial}
		}
	}
	states := make([]model.ThermalState, 0, len(byID))
	for _, s := range byID {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ModelID < states[j].ModelID })

	if a.args.JSON {
		return a.writeJSON(states)
	}
	fmt.Fprintln(a.Out, TitleStyle.Render(fmt.Sprintf("Thermal state (%d models)", len(states))))
	fmt.Fprintln(a.Out)
	if len(states) == 0 {
		fmt.Fprintln(a.Out, DimStyle.Render("  No thermal-managed models registered."))
		return nil
	}
	now := a.Now()
	t := newTable("MODEL", "STATE", "SINCE", "LAST DEMAND", "PROVISIONS")
	for _, s := range states {
		t.add(
			s.ModelID,
			RenderThermal(s.State),
			formatAge(now, s.LastTransitionAt),
			formatAge(now, s.LastDemandAt),
			fmt.Sprint(s.ProvisionCount),
		)
	}
	t.render(a.Out)
	return nil
}
