// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jeranaias/rigroute/internal/model"
)

// =============================================================================
// PROFILE RESOLUTION
// =============================================================================

// Source records which rule picked the effective profile.
type Source string

const (
	SourceExplicit Source = "explicit"
	SourceTenant   Source = "tenant"
	SourceDomain   Source = "domain"
	SourceGlobal   Source = "global"
)

// ResolverConfig tunes profile resolution.
type ResolverConfig struct {
	// AllowOverrideByDefault permits per-request overrides when the tenant
	// override does not say either way
	AllowOverrideByDefault bool

	// TierMinLatency is the fastest a forced reasoning tier can answer.
	// A forced tier is incompatible with budgets below this.
	TierMinLatency map[model.ReasoningTier]time.Duration
}

// DefaultResolverConfig returns the stock tier latency floors.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		AllowOverrideByDefault: true,
		TierMinLatency: map[model.ReasoningTier]time.Duration{
			model.TierFast:     0,
			model.TierStandard: time.Second,
			model.TierDeep:     5 * time.Second,
		},
	}
}

// Resolution is the outcome of resolving a profile.
type Resolution struct {
	Profile  model.WeightProfile
	Source   Source
	Warnings []string
}

// Resolver picks the effective weight profile for a request. It is a pure
// function of its inputs and safe for concurrent use.
type Resolver struct {
	cfg ResolverConfig
}

// NewResolver creates a resolver, filling missing tier floors with defaults.
func NewResolver(cfg ResolverConfig) *Resolver {
	defaults := DefaultResolverConfig()
	if cfg.TierMinLatency == nil {
		cfg.TierMinLatency = defaults.TierMinLatency
	}
	return &Resolver{cfg: cfg}
}

// Resolve walks explicit override, tenant binding, domain default, then
// BALANCED. explicit may pin a version as "ID@vN". A zero budget means the
// request has no latency budget.
func (r *Resolver) Resolve(cat *Catalog, eff model.EffectiveDomain, explicit string, budget time.Duration) (Resolution, error) {
	var res Resolution

	if explicit != "" {
		if r.overridePermitted(eff) {
			p, err := lookupRef(cat, explicit)
			if err != nil {
				return Resolution{}, err
			}
			res.Profile, res.Source = p, SourceExplicit
		} else {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("profile override %q not permitted for tenant %s in domain %s", explicit, eff.TenantID, eff.ID))
		}
	}

	if res.Source == "" && eff.Override != nil && eff.Override.ProfileID != "" {
		if p, ok := cat.Profile(eff.Override.ProfileID); ok {
			res.Profile, res.Source = p, SourceTenant
		} else {
			res.Warnings = append(res.Warnings, fmt.Sprintf("tenant profile %q not in catalog", eff.Override.ProfileID))
		}
	}

	if res.Source == "" && eff.DefaultProfileID != "" {
		if p, ok := cat.Profile(eff.DefaultProfileID); ok {
			res.Profile, res.Source = p, SourceDomain
		} else {
			res.Warnings = append(res.Warnings, fmt.Sprintf("domain default profile %q not in catalog", eff.DefaultProfileID))
		}
	}

	if res.Source == "" {
		p, ok := cat.Profile(model.BalancedProfileID)
		if !ok {
			return Resolution{}, &model.InvalidProfileError{ProfileID: model.BalancedProfileID, Reason: "global fallback profile missing"}
		}
		res.Profile, res.Source = p, SourceGlobal
	}

	if err := r.check(res.Profile, budget); err != nil {
		return Resolution{}, err
	}
	return res, nil
}

func (r *Resolver) overridePermitted(eff model.EffectiveDomain) bool {
	if eff.Override != nil && eff.Override.AllowProfileOverride != nil {
		return *eff.Override.AllowProfileOverride
	}
	return r.cfg.AllowOverrideByDefault
}

func (r *Resolver) check(p model.WeightProfile, budget time.Duration) error {
	if reason := p.Weights.Check(); reason != "" {
		return &model.InvalidProfileError{ProfileID: p.ID, Reason: reason}
	}
	tier := p.Constraints.ForcedReasoningTier
	if tier == model.TierNone || budget <= 0 {
		return nil
	}
	floor, ok := r.cfg.TierMinLatency[tier]
	if !ok {
		return &model.InvalidProfileError{ProfileID: p.ID, Reason: fmt.Sprintf("unknown forced reasoning tier %q", tier)}
	}
	if floor > budget {
		return &model.InvalidProfileError{
			ProfileID: p.ID,
			Reason:    fmt.Sprintf("forced reasoning tier %s needs at least %s, latency budget is %s", tier, floor, budget),
		}
	}
	return nil
}

// lookupRef resolves "ID" (latest) or "ID@vN" (pinned).
func lookupRef(cat *Catalog, ref string) (model.WeightProfile, error) {
	id, version := ref, 0
	if at := strings.LastIndex(ref, "@v"); at > 0 {
		n, err := strconv.Atoi(ref[at+2:])
		if err != nil || n <= 0 {
			return model.WeightProfile{}, &model.InvalidProfileError{ProfileID: ref, Reason: "malformed version pin"}
		}
		id, version = ref[:at], n
	}
	var (
		p  model.WeightProfile
		ok bool
	)
	if version > 0 {
		p, ok = cat.ProfileVersion(id, version)
	} else {
		p, ok = cat.Profile(id)
	}
	if !ok {
		return model.WeightProfile{}, &model.InvalidProfileError{ProfileID: ref, Reason: "unknown profile"}
	}
	return p, nil
}
