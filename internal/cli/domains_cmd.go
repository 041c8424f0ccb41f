// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"

	"github.com/jeranaias/rigroute/internal/catalog"
	"github.com/jeranaias/rigroute/internal/compliance"
	"github.com/jeranaias/rigroute/internal/model"
)

const domainsUsage = "rigroute domains [list|show <id> [--tenant ID]|override <tenant> <domain> [--add TAG] [--profile ID] [--allow-profile-override BOOL] [--remove]]"

// domainView is the JSON shape of "domains show".
type domainView struct {
	Domain        model.EffectiveDomain  `json:"domain"`
	Profile       string                 `json:"profile"`
	ProfileSource catalog.Source         `json:"profile_source"`
	Warnings      []string               `json:"warnings,omitempty"`
	Eligible      []string               `json:"eligible"`
	Excluded      []compliance.Exclusion `json:"excluded"`
}

// domains handles "rigroute domains".
func (a *App) domains(ctx context.Context) error {
	p, sub, err := a.subcommand(domainsUsage, []string{"remove"}, "list", "show", "override")
	if err != nil {
		return err
	}
	st, err := a.openState(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	cat := st.catalog.Current()

	switch sub {
	case "show":
		return a.showDomain(st, p)
	case "override":
		return a.overrideDomain(ctx, st, p)
	}

	domains := cat.Domains()
	if a.args.JSON {
		return a.writeJSON(map[string]any{"domains": domains, "overrides": cat.Overrides()})
	}

	overrides := make(map[string]int)
	for _, o := range cat.Overrides() {
		overrides[o.DomainID]++
	}
	fmt.Fprintln(a.Out, TitleStyle.Render(fmt.Sprintf("Domains (catalog v%d)", cat.Version())))
	fmt.Fprintln(a.Out)
	t := newTable("DOMAIN", "DEFAULT PROFILE", "MANDATORY", "MIN QUALITY", "DIVERGENCE", "OVERRIDES")
	for _, d := range domains {
		t.add(
			d.ID,
			orDash(d.DefaultProfileID),
			d.MandatoryCompliance.String(),
			fmt.Sprintf("%.0f", d.MinQualityScore),
			fmt.Sprintf("%.3f", d.DivergenceThreshold),
			fmt.Sprint(overrides[d.ID]),
		)
	}
	t.render(a.Out)
	return nil
}

// showDomain resolves the domain for an optional tenant and shows which
// registered models pass its compliance gates.
func (a *App) showDomain(st *state, p *ArgParser) error {
	id := p.Positional(1)
	if id == "" {
		return &UsageError{Usage: "rigroute domains show <id> [--tenant ID]"}
	}
	cat := st.catalog.Current()
	eff, err := cat.EffectiveDomain(p.Flag("tenant"), id)
	if err != nil {
		return err
	}
	res, err := catalog.NewResolver(a.Config.ResolverConfig()).Resolve(cat, eff, "", 0)
	if err != nil {
		return err
	}
	filtered := compliance.Filter(st.registry.Snapshot().Models(), compliance.RequirementsFor(eff, res.Profile))

	view := domainView{
		Domain:        eff,
		Profile:       res.Profile.Ref(),
		ProfileSource: res.Source,
		Warnings:      res.Warnings,
		Eligible:      []string{},
		Excluded:      filtered.Excluded,
	}
	for _, m := range filtered.Eligible {
		view.Eligible = append(view.Eligible, m.ID)
	}
	if view.Excluded == nil {
		view.Excluded = []compliance.Exclusion{}
	}
	if a.args.JSON {
		return a.writeJSON(view)
	}

	fmt.Fprintln(a.Out, TitleStyle.Render("Domain "+eff.ID))
	fmt.Fprintln(a.Out, RenderSeparator(50))
	if eff.Description != "" {
		printKV(a.Out, "Description", eff.Description)
	}
	if eff.TenantID != "" {
		printKV(a.Out, "Tenant", eff.TenantID)
	}
	printKV(a.Out, "Required compliance", eff.RequiredCompliance)
	printKV(a.Out, "Optional compliance", eff.OptionalCompliance)
	printKV(a.Out, "Min quality", eff.MinQualityScore)
	printKV(a.Out, "Divergence threshold", eff.DivergenceThreshold)
	printKV(a.Out, "Profile", fmt.Sprintf("%s (%s)", view.Profile, view.ProfileSource))
	if o := eff.Override; o != nil {
		printKV(a.Out, "Tenant adds", o.AddedCompliance)
		if o.AllowProfileOverride != nil {
			printKV(a.Out, "Profile overrides", *o.AllowProfileOverride)
		}
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(a.Out, "  %s %s\n", RenderStatus("warn"), w)
	}

	fmt.Fprintln(a.Out)
	fmt.Fprintln(a.Out, SectionStyle.Render(fmt.Sprintf("Eligible models (%d)", len(view.Eligible))))
	for _, id := range view.Eligible {
		fmt.Fprintf(a.Out, "  %s\n", id)
	}
	if len(view.Excluded) > 0 {
		fmt.Fprintln(a.Out)
		fmt.Fprintln(a.Out, SectionStyle.Render(fmt.Sprintf("Excluded models (%d)", len(view.Excluded))))
		t := newTable("MODEL", "REASON", "DETAIL")
		for _, e := range view.Excluded {
			t.add(e.ModelID, e.Reason, truncate(e.Detail, 50))
		}
		t.render(a.Out)
	}
	return nil
}

// overrideDomain adds to, or removes, a tenant's override for a domain.
// Added compliance is union-only; an override never relaxes a domain.
func (a *App) overrideDomain(ctx context.Context, st *state, p *ArgParser) error {
	tenant, domain := p.Positional(1), p.Positional(2)
	if tenant == "" || domain == "" {
		return &UsageError{Usage: "rigroute domains override <tenant> <domain> [--add TAG] [--profile ID] [--allow-profile-override BOOL] [--remove]"}
	}
	if _, ok := st.catalog.Current().Domain(domain); !ok {
		return &model.UnknownDomainError{DomainID: domain}
	}

	o := model.TenantOverride{
		TenantID:        tenant,
		DomainID:        domain,
		AddedCompliance: model.NewTagSet(p.Flags("add")...),
		ProfileID:       p.Flag("profile"),
	}
	if v := p.Flag("allow-profile-override"); v != "" {
		b, err := ParseBoolString(v)
		if err != nil {
			return NewValidationErrorWithExample("allow-profile-override", v, err.Error(), "--allow-profile-override false")
		}
		o.AllowProfileOverride = &b
	}
	remove := p.BoolFlag("remove")
	if !remove && o.AddedCompliance.Len() == 0 && o.ProfileID == "" && o.AllowProfileOverride == nil {
		return NewValidationErrorWithExample("override", "", "nothing to change", "--add HITRUST")
	}

	next, err := st.catalog.Update(func(b *catalog.Builder) error {
		if remove {
			b.RemoveOverride(tenant, domain)
			return nil
		}
		return b.PutOverride(o)
	})
	if err != nil {
		return err
	}
	if err := st.db.SaveCatalog(ctx, next); err != nil {
		return fmt.Errorf("%w: %v", model.ErrBackendUnavailable, err)
	}

	a.Log.Info().Str("tenant", tenant).Str("domain", domain).Bool("removed", remove).Msg("tenant override updated")
	eff, err := next.EffectiveDomain(tenant, domain)
	if err != nil {
		return err
	}
	if a.args.JSON {
		return a.writeJSON(eff)
	}
	if remove {
		fmt.Fprintf(a.Out, "%s removed override for %s/%s\n", RenderStatus("ok"), tenant, domain)
		return nil
	}
	fmt.Fprintf(a.Out, "%s %s/%s now requires %s\n", RenderStatus("ok"), tenant, domain, eff.RequiredCompliance)
	return nil
}
