// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jeranaias/rigroute/internal/model"
	"github.com/jeranaias/rigroute/internal/registry"
)

const modelsUsage = "rigroute models [list|show <id>|remove <id>... [--confirm]] [--tag TAG] [--provider NAME] [--thermal] [--availability up|degraded|down]"

// models handles "rigroute models".
func (a *App) models(ctx context.Context) error {
	p, sub, err := a.subcommand(modelsUsage, []string{"thermal", "confirm"}, "list", "show", "remove")
	if err != nil {
		return err
	}
	st, err := a.openState(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	snap := st.registry.Snapshot()
	switch sub {
	case "remove":
		return a.removeModels(ctx, st, p)
	case "show":
		id := p.Positional(1)
		if id == "" {
			return &UsageError{Usage: "rigroute models show <id>"}
		}
		m, ok := snap.Get(id)
		if !ok {
			return NewNotFoundError("model", id)
		}
		if a.args.JSON {
			return a.writeJSON(m)
		}
		a.printModel(m)
		return nil
	}

	filter := registry.ListFilter{
		Tags:        model.NewTagSet(p.Flags("tag")...),
		Provider:    p.Flag("provider"),
		ThermalOnly: p.BoolFlag("thermal"),
	}
	if v := p.Flag("availability"); v != "" {
		av, err := model.ParseAvailability(v)
		if err != nil {
			return NewValidationErrorWithExample("availability", v, err.Error(), "--availability up")
		}
		filter.Availability = av
	}
	models := snap.List(filter)

	if a.args.JSON {
		if models == nil {
			models = []model.ModelDescriptor{}
		}
		return a.writeJSON(models)
	}

	fmt.Fprintln(a.Out, TitleStyle.Render(fmt.Sprintf("Models (%d of %d, registry v%d)", len(models), snap.Len(), snap.Version())))
	fmt.Fprintln(a.Out)
	if len(models) == 0 {
		fmt.Fprintln(a.Out, DimStyle.Render("  No models match."))
		return nil
	}
	t := newTable("ID", "PROVIDER", "QUALITY", "COST/1K", "P95", "TIER", "CERTIFICATIONS", "AVAIL")
	for _, m := range models {
		id := m.ID
		if m.ThermalCapable {
			id += " *"
		}
		t.add(
			truncate(id, 28),
			m.Provider,
			fmt.Sprintf("%.0f", m.QualityScore),
			m.CostPer1K.String(),
			formatMs(m.LatencyP95Ms),
			tierOrDash(m.ReasoningTier),
			truncate(m.Certifications.String(), 30),
			string(m.Availability),
		)
	}
	t.render(a.Out)
	fmt.Fprintln(a.Out)
	fmt.Fprintln(a.Out, DimStyle.Render("  * thermal-managed"))
	return nil
}

func (a *App) printModel(m model.ModelDescriptor) {
	fmt.Fprintln(a.Out, TitleStyle.Render("Model "+m.ID))
	fmt.Fprintln(a.Out, RenderSeparator(50))
	printKV(a.Out, "Provider", m.Provider)
	printKV(a.Out, "Quality", fmt.Sprintf("%.1f", m.QualityScore))
	printKV(a.Out, "Reasoning", fmt.Sprintf("%.1f", m.ReasoningScore))
	printKV(a.Out, "Safety", fmt.Sprintf("%.1f", m.SafetyScore))
	printKV(a.Out, "Cost per 1K", m.CostPer1K.String())
	printKV(a.Out, "Latency p50/p95", formatMs(m.LatencyP50Ms)+" / "+formatMs(m.LatencyP95Ms))
	printKV(a.Out, "Reasoning tier", tierOrDash(m.ReasoningTier))
	printKV(a.Out, "Certifications", orDash(m.Certifications.String()))
	printKV(a.Out, "Thermal-managed", m.ThermalCapable)
	printKV(a.Out, "Availability", m.Availability)
	if m.DivergenceEstimate != nil {
		printKV(a.Out, "Divergence", fmt.Sprintf("%.3f", *m.DivergenceEstimate))
	}
	if m.HealthURL != "" {
		printKV(a.Out, "Health URL", m.HealthURL)
	}
	if len(m.DomainProficiency) > 0 {
		domains := make([]string, 0, len(m.DomainProficiency))
		for d := range m.DomainProficiency {
			domains = append(domains, d)
		}
		sort.Strings(domains)
		parts := make([]string, len(domains))
		for i, d := range domains {
			parts[i] = fmt.Sprintf("%s=%.2f", d, m.DomainProficiency[d])
		}
		printKV(a.Out, "Proficiency", strings.Join(parts, " "))
	}
}

func tierOrDash(t model.ReasoningTier) string {
	return orDash(string(t))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// removeModels deregisters models and persists the smaller registry. The
// audit trail keeps every decision that named them.
func (a *App) removeModels(ctx context.Context, st *state, p *ArgParser) error {
	ids := p.PositionalFrom(1)
	if len(ids) == 0 {
		return &UsageError{Usage: "rigroute models remove <id>... [--confirm]"}
	}
	ok, err := a.RequireConfirmation("remove "+strings.Join(ids, ", ")+" from the registry", ConfirmationOptions{
		ConfirmFlag: p.BoolFlag("confirm"),
		JSONMode:    a.args.JSON,
		Details:     map[string]string{"Database": st.db.Path()},
	})
	if err != nil || !ok {
		return err
	}

	if err := st.registry.Deregister(ids...); err != nil {
		return err
	}
	if err := st.db.SaveModels(ctx, st.registry.Snapshot().Models()); err != nil {
		return fmt.Errorf("%w: save models: %v", model.ErrBackendUnavailable, err)
	}
	for _, id := range ids {
		if err := st.db.DeleteThermalState(ctx, id); err != nil {
			a.Log.Warn().Err(err).Str("model_id", id).Msg("failed to delete thermal state")
		}
	}
	a.Log.Info().Strs("models", ids).Msg("models removed")

	if a.args.JSON {
		return a.writeJSON(map[string]any{"removed": ids, "remaining": st.registry.Snapshot().Len()})
	}
	fmt.Fprintf(a.Out, "%s removed %d model(s), %d remain\n", RenderStatus("ok"), len(ids), st.registry.Snapshot().Len())
	return nil
}
