// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jeranaias/rigroute/internal/catalog"
	"github.com/jeranaias/rigroute/internal/manifest"
	"github.com/jeranaias/rigroute/internal/model"
)

const profilesUsage = "rigroute profiles [list|show <id> [--version N]|set-weights <id> <weights>|validate <file>]"

// profiles handles "rigroute profiles".
func (a *App) profiles(ctx context.Context) error {
	p, sub, err := a.subcommand(profilesUsage, nil, "list", "show", "set-weights", "validate")
	if err != nil {
		return err
	}
	if sub == "validate" {
		return a.validateManifest(p.Positional(1))
	}

	st, err := a.openState(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	cat := st.catalog.Current()

	switch sub {
	case "show":
		return a.showProfile(cat, p)
	case "set-weights":
		return a.setWeights(ctx, st, p)
	}

	profiles := cat.Profiles()
	if a.args.JSON {
		return a.writeJSON(profiles)
	}
	fmt.Fprintln(a.Out, TitleStyle.Render(fmt.Sprintf("Weight profiles (catalog v%d)", cat.Version())))
	fmt.Fprintln(a.Out)
	t := newTable("PROFILE", "CATEGORY", "MIN QUALITY", "REQUIRED", "TIER", "VERIFY")
	for _, wp := range profiles {
		c := wp.Constraints
		t.add(
			wp.Ref(),
			string(wp.Category),
			fmt.Sprintf("%.0f", c.MinQuality),
			c.RequiredCompliance.String(),
			tierOrDash(c.ForcedReasoningTier),
			strconv.FormatBool(c.RequireVerification),
		)
	}
	t.render(a.Out)
	return nil
}

func (a *App) showProfile(cat *catalog.Catalog, p *ArgParser) error {
	id := p.Positional(1)
	if id == "" {
		return &UsageError{Usage: "rigroute profiles show <id> [--version N]"}
	}
	version, err := p.FlagInt("version", 0)
	if err != nil {
		return err
	}

	var (
		wp model.WeightProfile
		ok bool
	)
	if version > 0 {
		wp, ok = cat.ProfileVersion(id, version)
	} else {
		wp, ok = cat.Profile(id)
	}
	if !ok {
		ref := id
		if version > 0 {
			ref = fmt.Sprintf("%s@v%d", id, version)
		}
		return NewNotFoundError("profile", ref)
	}

	if a.args.JSON {
		return a.writeJSON(map[string]any{
			"profile": wp,
			"history": cat.ProfileHistory(id),
		})
	}

	fmt.Fprintln(a.Out, TitleStyle.Render("Profile "+wp.Ref()))
	fmt.Fprintln(a.Out, RenderSeparator(50))
	printKV(a.Out, "Category", wp.Category)
	if wp.Description != "" {
		printKV(a.Out, "Description", wp.Description)
	}
	printKV(a.Out, "Published", wp.PublishedAt.Format("2006-01-02 15:04:05 MST"))
	printKV(a.Out, "Min quality", wp.Constraints.MinQuality)
	printKV(a.Out, "Required compliance", wp.Constraints.RequiredCompliance)
	printKV(a.Out, "Forced tier", tierOrDash(wp.Constraints.ForcedReasoningTier))
	printKV(a.Out, "Verification", wp.Constraints.RequireVerification)
	printKV(a.Out, "Max divergence", wp.Constraints.MaxDivergenceThreshold)

	fmt.Fprintln(a.Out)
	fmt.Fprintln(a.Out, SectionStyle.Render("Weights"))
	t := newTable("DIMENSION", "WEIGHT")
	for _, d := range model.AllDimensions() {
		t.add(d.String(), strconv.FormatFloat(wp.Weights[d], 'f', -1, 64))
	}
	t.render(a.Out)

	if history := cat.ProfileHistory(id); len(history) > 1 {
		fmt.Fprintln(a.Out)
		fmt.Fprintln(a.Out, SectionStyle.Render("History"))
		for _, h := range history {
			fmt.Fprintf(a.Out, "  v%d  %s\n", h.Version, DimStyle.Render(h.PublishedAt.Format("2006-01-02 15:04")))
		}
	}
	return nil
}

// parseWeights accepts either eight positional numbers in dimension order
// or dimension=value pairs. Missing dimensions in pair form are zero.
func parseWeights(raw []string) (model.Weights, error) {
	var w model.Weights
	if len(raw) == 0 {
		return w, &UsageError{
			Usage: "rigroute profiles set-weights <id> <w1..w8 | dimension=weight ...>",
			Hint:  "dimensions: " + dimensionList(),
		}
	}

	if !strings.Contains(raw[0], "=") {
		if len(raw) != int(model.NumDimensions) {
			return w, NewValidationErrorWithExample("weights", strings.Join(raw, " "),
				fmt.Sprintf("expected %d values in order %s", model.NumDimensions, dimensionList()),
				"rigroute profiles set-weights BALANCED 0.2 0.15 0.15 0.1 0.1 0.1 0.1 0.1")
		}
		for i, s := range raw {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return w, NewValidationError("weight", s, "must be a number")
			}
			w[i] = v
		}
		return w, nil
	}

	byName := make(map[string]float64, len(raw))
	for _, pair := range raw {
		name, val, ok := strings.Cut(pair, "=")
		if !ok {
			return w, NewValidationErrorWithExample("weight", pair, "expected dimension=weight", "quality=0.5")
		}
		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return w, NewValidationError("weight", pair, "must be a number")
		}
		byName[name] = v
	}
	w, err := model.WeightsFromMap(byName)
	if err != nil {
		return w, NewValidationError("dimension", "", err.Error())
	}
	return w, nil
}

func dimensionList() string {
	names := make([]string, 0, model.NumDimensions)
	for _, d := range model.AllDimensions() {
		names = append(names, d.String())
	}
	return strings.Join(names, ", ")
}

// setWeights publishes a new version of a profile with new weights. The
// previous versions stay resolvable by pinned reference.
func (a *App) setWeights(ctx context.Context, st *state, p *ArgParser) error {
	id := p.Positional(1)
	if id == "" {
		return &UsageError{Usage: "rigroute profiles set-weights <id> <weights>"}
	}
	w, err := parseWeights(p.PositionalFrom(2))
	if err != nil {
		return err
	}
	latest, ok := st.catalog.Current().Profile(id)
	if !ok {
		return NewNotFoundError("profile", id)
	}

	var published model.WeightProfile
	next, err := st.catalog.Update(func(b *catalog.Builder) error {
		wp := latest
		wp.Weights = w
		wp.PublishedAt = a.Now().UTC()
		if d := p.Flag("description"); d != "" {
			wp.Description = d
		}
		var err error
		published, err = b.PublishProfile(wp)
		return err
	})
	if err != nil {
		return err
	}
	if err := st.db.SaveCatalog(ctx, next); err != nil {
		return fmt.Errorf("%w: %v", model.ErrBackendUnavailable, err)
	}

	changed := published.Version != latest.Version
	a.Log.Info().Str("profile", published.Ref()).Bool("changed", changed).Msg("profile weights set")
	if a.args.JSON {
		return a.writeJSON(map[string]any{"profile": published, "changed": changed})
	}
	if !changed {
		fmt.Fprintf(a.Out, "%s %s unchanged\n", RenderStatus("ok"), latest.Ref())
		return nil
	}
	fmt.Fprintf(a.Out, "%s published %s (was %s)\n", RenderStatus("ok"), published.Ref(), latest.Ref())
	return nil
}

// validateManifest parses and validates a manifest file without applying it.
func (a *App) validateManifest(path string) error {
	if path == "" {
		return &UsageError{Usage: "rigroute profiles validate <file>"}
	}
	f, err := manifest.Load(path)
	if err != nil {
		return NewValidationError("manifest", path, err.Error())
	}
	if err := f.Validate(); err != nil {
		return NewValidationError("manifest", path, err.Error())
	}

	summary := map[string]int{
		"models":    len(f.Models),
		"profiles":  len(f.Profiles),
		"domains":   len(f.Domains),
		"overrides": len(f.Overrides),
	}
	if a.args.JSON {
		return a.writeJSON(map[string]any{"path": path, "valid": true, "counts": summary})
	}
	fmt.Fprintf(a.Out, "%s %s is valid: %d models, %d profiles, %d domains, %d overrides\n",
		RenderStatus("ok"), path, summary["models"], summary["profiles"], summary["domains"], summary["overrides"])
	return nil
}
