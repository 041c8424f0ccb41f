// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package compliance

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigroute/internal/catalog"
	"github.com/jeranaias/rigroute/internal/model"
	"github.com/jeranaias/rigroute/internal/modeltest"
)

func ids(models []model.ModelDescriptor) []string {
	out := make([]string, len(models))
	for i, m := range models {
		out[i] = m.ID
	}
	return out
}

func TestFilter_HealthcareKeepsExactlyHIPAA(t *testing.T) {
	fleet := modeltest.Fleet()
	require.Len(t, fleet, 12)

	// Inflate the non-HIPAA models' quality; it must not matter.
	for i := range fleet {
		if !fleet[i].Certifications.Has("HIPAA") {
			fleet[i].QualityScore = 100
		}
	}

	res := Filter(fleet, Requirements{Required: model.NewTagSet("HIPAA")})
	assert.ElementsMatch(t, modeltest.HIPAACertified, ids(res.Eligible))
	assert.Len(t, res.Excluded, 7)
	for _, ex := range res.Excluded {
		assert.Equal(t, model.ReasonMissingCertification, ex.Reason)
		assert.Equal(t, "missing HIPAA", ex.Detail)
	}
}

func TestFilter_GateOrderAndReasons(t *testing.T) {
	down := modeltest.ByID("gpt-med")
	down.Availability = model.AvailabilityDown
	degraded := modeltest.ByID("claude-med")
	degraded.Availability = model.AvailabilityDegraded

	candidates := []model.ModelDescriptor{
		modeltest.ByID("gpt-frontier"), // no HIPAA
		modeltest.ByID("phi-clinic"),   // quality 62
		modeltest.ByID("mistral-hipaa"),
		down,
		degraded,
	}
	res := Filter(candidates, Requirements{
		Required:   model.NewTagSet("hipaa"),
		MinQuality: 70,
	})

	assert.Equal(t, []string{"mistral-hipaa", "claude-med"}, ids(res.Eligible))
	assert.Equal(t, map[string]string{
		"gpt-frontier": model.ReasonMissingCertification,
		"phi-clinic":   model.ReasonBelowMinQuality,
		"gpt-med":      model.ReasonUnavailable,
	}, res.ExcludedMap())
}

func TestFilter_ForcedTier(t *testing.T) {
	res := Filter(modeltest.Fleet(), Requirements{ForcedTier: model.TierDeep})
	assert.ElementsMatch(t, []string{"claude-med", "gpt-frontier"}, ids(res.Eligible))
	for _, ex := range res.Excluded {
		assert.Equal(t, model.ReasonReasoningTierMismatch, ex.Reason)
	}
}

func TestFilter_EmptyIsNoEligibleModel(t *testing.T) {
	res := Filter(modeltest.Fleet(), Requirements{Required: model.NewTagSet("FEDRAMP_HIGH")})
	err := res.Err("acme", "defense")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNoEligibleModel))

	var nem *model.NoEligibleModelError
	require.True(t, errors.As(err, &nem))
	assert.Len(t, nem.Excluded, 12)

	assert.NoError(t, Filter(modeltest.Fleet(), Requirements{}).Err("acme", "general"))
}

func TestFilter_TenantOverrideNeverWidens(t *testing.T) {
	base := catalog.Default()
	b := catalog.NewBuilder(base)
	require.NoError(t, b.PutOverride(model.TenantOverride{
		TenantID:        "acme",
		DomainID:        "healthcare",
		AddedCompliance: model.NewTagSet("SOC2"),
	}))
	withOverride, err := b.Build()
	require.NoError(t, err)
	profile, _ := base.Profile(model.BalancedProfileID)

	plainEff, err := base.EffectiveDomain("acme", "healthcare")
	require.NoError(t, err)
	overEff, err := withOverride.EffectiveDomain("acme", "healthcare")
	require.NoError(t, err)

	plain := ids(Filter(modeltest.Fleet(), RequirementsFor(plainEff, profile)).Eligible)
	narrowed := ids(Filter(modeltest.Fleet(), RequirementsFor(overEff, profile)).Eligible)

	assert.Subset(t, plain, narrowed)
	assert.ElementsMatch(t, []string{"claude-med", "gpt-med", "mistral-hipaa"}, narrowed)
}

func TestRequirementsFor_TakesStricterFloor(t *testing.T) {
	eff := model.EffectiveDomain{
		Domain:             model.Domain{ID: "healthcare", MinQualityScore: 60},
		RequiredCompliance: model.NewTagSet("HIPAA"),
	}
	p := model.WeightProfile{Constraints: model.ProfileConstraints{
		MinQuality:          70,
		RequiredCompliance:  model.NewTagSet("HITRUST"),
		ForcedReasoningTier: model.TierStandard,
	}}

	req := RequirementsFor(eff, p)
	assert.Equal(t, 70.0, req.MinQuality)
	assert.Equal(t, "HIPAA,HITRUST", req.Required.String())
	assert.Equal(t, model.TierStandard, req.ForcedTier)
}
