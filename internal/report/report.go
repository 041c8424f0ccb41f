// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package report builds compliance reports and evidence bundles from the
// registry, catalog and audit chain.
package report

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"github.com/jeranaias/rigroute/internal/audit"
	"github.com/jeranaias/rigroute/internal/catalog"
	"github.com/jeranaias/rigroute/internal/compliance"
	"github.com/jeranaias/rigroute/internal/model"
)

// =============================================================================
// INPUTS
// =============================================================================

// Sources is the state a report is built from.
type Sources struct {
	Models  []model.ModelDescriptor
	Catalog *catalog.Catalog
	Store   audit.Store
	Hasher  audit.Hasher

	// Resolver picks each domain's profile (default resolver when nil)
	Resolver *catalog.Resolver

	Now func() time.Time
}

// Options narrow a report. Zero fields cover everything.
type Options struct {
	TenantID string
	DomainID string
	Since    time.Time
	Until    time.Time
}

// =============================================================================
// REPORT
// =============================================================================

// ComplianceReport is a point-in-time view of what each domain requires,
// which models satisfy it and what the audit chain recorded.
type ComplianceReport struct {
	GeneratedAt    time.Time       `json:"generated_at"`
	CatalogVersion uint64          `json:"catalog_version"`
	TenantID       string          `json:"tenant_id,omitempty"`
	Since          *time.Time      `json:"since,omitempty"`
	Until          *time.Time      `json:"until,omitempty"`
	Models         int             `json:"models"`
	Domains        []DomainSection `json:"domains"`
	Chains         []audit.Report  `json:"chains"`
}

// ChainsValid reports whether every verified shard is intact.
func (r *ComplianceReport) ChainsValid() bool {
	for _, c := range r.Chains {
		if !c.Valid() {
			return false
		}
	}
	return true
}

// DomainSection covers one domain.
type DomainSection struct {
	DomainID           string                 `json:"domain_id"`
	Description        string                 `json:"description,omitempty"`
	RequiredCompliance []string               `json:"required_compliance"`
	MinQuality         float64                `json:"min_quality"`
	Profile            string                 `json:"profile"`
	ProfileSource      catalog.Source         `json:"profile_source"`
	Weights            map[string]float64     `json:"weights"`
	Eligible           []string               `json:"eligible"`
	Excluded           []compliance.Exclusion `json:"excluded"`
	Overrides          []OverrideSummary      `json:"overrides,omitempty"`
	Decisions          OutcomeCounts          `json:"decisions"`
	SelectedBy         map[string]int         `json:"selected_by_model,omitempty"`
}

// OverrideSummary describes one tenant override of a domain.
type OverrideSummary struct {
	TenantID        string   `json:"tenant_id"`
	AddedCompliance []string `json:"added_compliance"`
	ProfileID       string   `json:"profile_id,omitempty"`
}

// OutcomeCounts tallies decisions by outcome.
type OutcomeCounts struct {
	Selected int `json:"selected"`
	Degraded int `json:"degraded"`
	Failed   int `json:"failed"`
}

// Total sums every outcome.
func (c OutcomeCounts) Total() int { return c.Selected + c.Degraded + c.Failed }

func (c *OutcomeCounts) add(o model.Outcome) {
	switch o {
	case model.OutcomeSelected:
		c.Selected++
	case model.OutcomeDegraded:
		c.Degraded++
	case model.OutcomeFailed:
		c.Failed++
	}
}

// =============================================================================
// GENERATION
// =============================================================================

// Generate builds the report. An unknown DomainID is an error.
func Generate(ctx context.Context, src Sources, opts Options) (*ComplianceReport, error) {
	if src.Catalog == nil {
		return nil, fmt.Errorf("report: catalog is required")
	}
	now := time.Now
	if src.Now != nil {
		now = src.Now
	}
	resolver := src.Resolver
	if resolver == nil {
		resolver = catalog.NewResolver(catalog.DefaultResolverConfig())
	}

	rep := &ComplianceReport{
		GeneratedAt:    now().UTC(),
		CatalogVersion: src.Catalog.Version(),
		TenantID:       opts.TenantID,
		Models:         len(src.Models),
		Domains:        []DomainSection{},
		Chains:         []audit.Report{},
	}
	if !opts.Since.IsZero() {
		since := opts.Since.UTC()
		rep.Since = &since
	}
	if !opts.Until.IsZero() {
		until := opts.Until.UTC()
		rep.Until = &until
	}

	domains := src.Catalog.Domains()
	if opts.DomainID != "" {
		d, ok := src.Catalog.Domain(opts.DomainID)
		if !ok {
			return nil, &model.UnknownDomainError{DomainID: opts.DomainID}
		}
		domains = []model.Domain{d}
	}

	for _, d := range domains {
		sec, err := domainSection(src.Catalog, resolver, src.Models, d, opts.TenantID)
		if err != nil {
			return nil, err
		}
		rep.Domains = append(rep.Domains, sec)
	}

	if src.Store == nil {
		return rep, nil
	}
	if err := addDecisionStats(ctx, src.Store, rep, opts); err != nil {
		return nil, err
	}
	if src.Hasher != nil {
		chains, err := verifyChains(ctx, src.Store, src.Hasher, opts)
		if err != nil {
			return nil, err
		}
		rep.Chains = chains
	}
	return rep, nil
}

func domainSection(cat *catalog.Catalog, resolver *catalog.Resolver, models []model.ModelDescriptor, d model.Domain, tenantID string) (DomainSection, error) {
	eff, err := cat.EffectiveDomain(tenantID, d.ID)
	if err != nil {
		return DomainSection{}, err
	}
	res, err := resolver.Resolve(cat, eff, "", 0)
	if err != nil {
		return DomainSection{}, fmt.Errorf("domain %s: %w", d.ID, err)
	}
	reqs := compliance.RequirementsFor(eff, res.Profile)
	filtered := compliance.Filter(models, reqs)

	sec := DomainSection{
		DomainID:           d.ID,
		Description:        d.Description,
		RequiredCompliance: reqs.Required.Strings(),
		MinQuality:         reqs.MinQuality,
		Profile:            res.Profile.Ref(),
		ProfileSource:      res.Source,
		Weights:            res.Profile.Weights.Map(),
		Eligible:           make([]string, 0, len(filtered.Eligible)),
		Excluded:           filtered.Excluded,
	}
	if sec.Excluded == nil {
		sec.Excluded = []compliance.Exclusion{}
	}
	for _, m := range filtered.Eligible {
		sec.Eligible = append(sec.Eligible, m.ID)
	}
	for _, o := range cat.Overrides() {
		if o.DomainID != d.ID || (tenantID != "" && o.TenantID != tenantID) {
			continue
		}
		sec.Overrides = append(sec.Overrides, OverrideSummary{
			TenantID:        o.TenantID,
			AddedCompliance: o.AddedCompliance.Strings(),
			ProfileID:       o.ProfileID,
		})
	}
	return sec, nil
}

func addDecisionStats(ctx context.Context, store audit.Store, rep *ComplianceReport, opts Options) error {
	decisions, err := store.SearchDecisions(ctx, audit.Query{
		TenantID: opts.TenantID,
		DomainID: opts.DomainID,
		Since:    opts.Since,
		Until:    opts.Until,
	})
	if err != nil {
		return fmt.Errorf("search decisions: %w", err)
	}
	index := make(map[string]int, len(rep.Domains))
	for i, sec := range rep.Domains {
		index[sec.DomainID] = i
	}
	for _, d := range decisions {
		i, ok := index[d.DomainID]
		if !ok {
			continue
		}
		sec := &rep.Domains[i]
		sec.Decisions.add(d.Outcome)
		if d.SelectedModelID != "" {
			if sec.SelectedBy == nil {
				sec.SelectedBy = make(map[string]int)
			}
			sec.SelectedBy[d.SelectedModelID]++
		}
	}
	return nil
}

func verifyChains(ctx context.Context, store audit.Store, h audit.Hasher, opts Options) ([]audit.Report, error) {
	return audit.VerifyAll(ctx, store, h, audit.Query{TenantID: opts.TenantID, DomainID: opts.DomainID})
}

// =============================================================================
// MARKDOWN
// =============================================================================

// Markdown renders the report as GitHub-flavoured markdown.
func (r *ComplianceReport) Markdown() string {
	var sb strings.Builder

	sb.WriteString("# Compliance Report\n\n")
	fmt.Fprintf(&sb, "- **Generated**: %s\n", r.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&sb, "- **Catalog version**: %d\n", r.CatalogVersion)
	fmt.Fprintf(&sb, "- **Registered models**: %d\n", r.Models)
	if r.TenantID != "" {
		fmt.Fprintf(&sb, "- **Tenant**: %s\n", r.TenantID)
	}
	if r.Since != nil || r.Until != nil {
		fmt.Fprintf(&sb, "- **Window**: %s to %s\n", formatBound(r.Since, "beginning"), formatBound(r.Until, "now"))
	}
	sb.WriteString("\n")

	for _, d := range r.Domains {
		fmt.Fprintf(&sb, "## Domain `%s`\n\n", d.DomainID)
		if d.Description != "" {
			sb.WriteString(d.Description + "\n\n")
		}
		fmt.Fprintf(&sb, "- **Required compliance**: %s\n", joinOr(d.RequiredCompliance, "none"))
		fmt.Fprintf(&sb, "- **Minimum quality**: %.0f\n", d.MinQuality)
		fmt.Fprintf(&sb, "- **Profile**: %s (%s)\n", d.Profile, d.ProfileSource)
		fmt.Fprintf(&sb, "- **Eligible models**: %s\n\n", joinOr(d.Eligible, "none"))

		sb.WriteString("| Dimension | Weight |\n|---|---|\n")
		for _, dim := range model.AllDimensions() {
			fmt.Fprintf(&sb, "| %s | %.2f |\n", dim, d.Weights[dim.String()])
		}
		sb.WriteString("\n")

		if len(d.Excluded) > 0 {
			sb.WriteString("| Excluded model | Reason | Detail |\n|---|---|---|\n")
			for _, ex := range d.Excluded {
				fmt.Fprintf(&sb, "| %s | %s | %s |\n", ex.ModelID, ex.Reason, ex.Detail)
			}
			sb.WriteString("\n")
		}

		if len(d.Overrides) > 0 {
			sb.WriteString("**Tenant overrides**\n\n")
			for _, o := range d.Overrides {
				line := fmt.Sprintf("- `%s` adds %s", o.TenantID, joinOr(o.AddedCompliance, "nothing"))
				if o.ProfileID != "" {
					line += ", binds " + o.ProfileID
				}
				sb.WriteString(line + "\n")
			}
			sb.WriteString("\n")
		}

		if total := d.Decisions.Total(); total > 0 {
			fmt.Fprintf(&sb, "**Decisions**: %d (selected %d, degraded %d, failed %d)\n\n",
				total, d.Decisions.Selected, d.Decisions.Degraded, d.Decisions.Failed)
			ids := make([]string, 0, len(d.SelectedBy))
			for id := range d.SelectedBy {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool {
				if d.SelectedBy[ids[i]] != d.SelectedBy[ids[j]] {
					return d.SelectedBy[ids[i]] > d.SelectedBy[ids[j]]
				}
				return ids[i] < ids[j]
			})
			for _, id := range ids {
				fmt.Fprintf(&sb, "- %s: %d\n", id, d.SelectedBy[id])
			}
			if len(ids) > 0 {
				sb.WriteString("\n")
			}
		}
	}

	if len(r.Chains) > 0 {
		sb.WriteString("## Audit Chain Integrity\n\n")
		sb.WriteString("| Shard | Algorithm | Entries | Sequences | Status |\n|---|---|---|---|---|\n")
		for _, c := range r.Chains {
			status := "valid"
			if !c.Valid() {
				status = fmt.Sprintf("**%d issue(s)**", len(c.Issues))
			}
			fmt.Fprintf(&sb, "| %s | %s | %d | %d-%d | %s |\n",
				c.Shard, c.Algorithm, c.Entries, c.FirstSequence, c.LastSequence, status)
		}
		sb.WriteString("\n")
		for _, c := range r.Chains {
			for _, is := range c.Issues {
				fmt.Fprintf(&sb, "- %s seq %d: %s (%s)\n", c.Shard, is.Sequence, is.Kind, is.Detail)
			}
		}
	}
	return sb.String()
}

// Render styles markdown for a terminal of the given width.
func Render(markdown string, width int) (string, error) {
	if width <= 0 {
		width = 100
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", err
	}
	return r.Render(markdown)
}

func joinOr(items []string, empty string) string {
	if len(items) == 0 {
		return empty
	}
	return strings.Join(items, ", ")
}

func formatBound(t *time.Time, fallback string) string {
	if t == nil {
		return fallback
	}
	return t.Format(time.RFC3339)
}
