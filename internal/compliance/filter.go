// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package compliance is the hard pre-scoring gate. A model that fails any
// gate is removed before scoring, so no weight can buy back a missing
// certification.
package compliance

import (
	"fmt"
	"math"
	"strings"

	"github.com/jeranaias/rigroute/internal/model"
)

// Requirements is what every surviving candidate must satisfy.
type Requirements struct {
	// Required is mandatory ∪ tenant-added ∪ profile-required compliance
	Required model.TagSet

	// MinQuality is the stricter of the domain and profile floors
	MinQuality float64

	// ForcedTier, when set, must equal the model's reasoning tier
	ForcedTier model.ReasoningTier
}

// RequirementsFor combines an effective domain with a resolved profile.
func RequirementsFor(eff model.EffectiveDomain, p model.WeightProfile) Requirements {
	return Requirements{
		Required:   eff.RequiredCompliance.Union(p.Constraints.RequiredCompliance),
		MinQuality: math.Max(eff.MinQualityScore, p.Constraints.MinQuality),
		ForcedTier: p.Constraints.ForcedReasoningTier,
	}
}

// Exclusion records why a model was removed.
type Exclusion struct {
	ModelID string `json:"model_id"`
	Reason  string `json:"reason"`
	Detail  string `json:"detail,omitempty"`
}

// Result is the filter output.
type Result struct {
	Eligible []model.ModelDescriptor
	Excluded []Exclusion
}

// ExcludedMap returns model id to reason code.
func (r Result) ExcludedMap() map[string]string {
	out := make(map[string]string, len(r.Excluded))
	for _, e := range r.Excluded {
		out[e.ModelID] = e.Reason
	}
	return out
}

// Err returns a NoEligibleModelError when nothing survived, else nil.
func (r Result) Err(tenantID, domainID string) error {
	if len(r.Eligible) > 0 {
		return nil
	}
	return &model.NoEligibleModelError{
		TenantID: tenantID,
		DomainID: domainID,
		Reason:   "no candidate satisfies the compliance requirements",
		Excluded: r.ExcludedMap(),
	}
}

// Filter applies the gates in order: certification, quality floor, forced
// reasoning tier, availability. Each excluded model carries the first gate
// it failed. Input order is preserved for survivors.
func Filter(candidates []model.ModelDescriptor, req Requirements) Result {
	res := Result{Eligible: make([]model.ModelDescriptor, 0, len(candidates))}
	for _, m := range candidates {
		if ex, ok := check(m, req); !ok {
			res.Excluded = append(res.Excluded, ex)
			continue
		}
		res.Eligible = append(res.Eligible, m)
	}
	return res
}

func check(m model.ModelDescriptor, req Requirements) (Exclusion, bool) {
	if missing := m.Certifications.Missing(req.Required); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, t := range missing {
			names[i] = string(t)
		}
		return Exclusion{
			ModelID: m.ID,
			Reason:  model.ReasonMissingCertification,
			Detail:  "missing " + strings.Join(names, ","),
		}, false
	}
	if m.QualityScore < req.MinQuality {
		return Exclusion{
			ModelID: m.ID,
			Reason:  model.ReasonBelowMinQuality,
			Detail:  fmt.Sprintf("quality %.1f < %.1f", m.QualityScore, req.MinQuality),
		}, false
	}
	if req.ForcedTier != model.TierNone && m.ReasoningTier != req.ForcedTier {
		return Exclusion{
			ModelID: m.ID,
			Reason:  model.ReasonReasoningTierMismatch,
			Detail:  fmt.Sprintf("tier %q, need %q", m.ReasoningTier, req.ForcedTier),
		}, false
	}
	if m.Availability == model.AvailabilityDown {
		return Exclusion{ModelID: m.ID, Reason: model.ReasonUnavailable}, false
	}
	return Exclusion{}, true
}
