// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import "github.com/jeranaias/rigroute/internal/model"

// =============================================================================
// BUILT-IN CATALOG
// =============================================================================

// Weight order: quality, cost, latency, knowledge, reasoning,
// policy_compliance, availability, ethics_safety.
var defaultProfiles = []model.WeightProfile{
	{
		ID:          model.BalancedProfileID,
		Category:    model.CategoryOptimization,
		Description: "Even trade-off across all dimensions",
		Weights:     model.Weights{0.20, 0.15, 0.15, 0.10, 0.10, 0.10, 0.10, 0.10},
	},
	{
		ID:          "COST_OPTIMIZED",
		Category:    model.CategoryOptimization,
		Description: "Cheapest model that clears the hard gates",
		Weights:     model.Weights{0.15, 0.40, 0.15, 0.05, 0.05, 0.05, 0.10, 0.05},
	},
	{
		ID:          "QUALITY_FIRST",
		Category:    model.CategoryOptimization,
		Description: "Best answers regardless of cost",
		Weights:     model.Weights{0.40, 0.05, 0.05, 0.15, 0.15, 0.05, 0.05, 0.10},
	},
	{
		ID:          "LATENCY_FIRST",
		Category:    model.CategoryOptimization,
		Description: "Fastest responding model",
		Weights:     model.Weights{0.15, 0.10, 0.40, 0.05, 0.05, 0.05, 0.15, 0.05},
	},
	{
		ID:          "HEALTHCARE",
		Category:    model.CategoryDomain,
		Description: "Clinical and patient data workloads",
		Weights:     model.Weights{0.20, 0.05, 0.05, 0.20, 0.10, 0.15, 0.10, 0.15},
		Constraints: model.ProfileConstraints{
			MinQuality:             70,
			RequiredCompliance:     model.NewTagSet("HIPAA"),
			RequireVerification:    true,
			MaxDivergenceThreshold: 0.02,
		},
	},
	{
		ID:          "FINANCIAL",
		Category:    model.CategoryDomain,
		Description: "Regulated financial analysis",
		Weights:     model.Weights{0.20, 0.10, 0.10, 0.15, 0.15, 0.15, 0.10, 0.05},
		Constraints: model.ProfileConstraints{
			MinQuality:          65,
			RequireVerification: true,
		},
	},
	{
		ID:          "LEGAL",
		Category:    model.CategoryDomain,
		Description: "Legal research and drafting",
		Weights:     model.Weights{0.25, 0.05, 0.05, 0.20, 0.20, 0.10, 0.05, 0.10},
		Constraints: model.ProfileConstraints{
			MinQuality:          65,
			RequireVerification: true,
		},
	},
	{
		ID:          "CREATIVE",
		Category:    model.CategoryDomain,
		Description: "Creative writing and ideation",
		Weights:     model.Weights{0.30, 0.20, 0.15, 0.05, 0.05, 0.05, 0.10, 0.10},
	},
	{
		ID:          "TIER_FAST",
		Category:    model.CategoryReasoningTier,
		Description: "Interactive turn-taking on fast models",
		Weights:     model.Weights{0.10, 0.20, 0.40, 0.05, 0.05, 0.05, 0.10, 0.05},
		Constraints: model.ProfileConstraints{ForcedReasoningTier: model.TierFast},
	},
	{
		ID:          "TIER_DEEP",
		Category:    model.CategoryReasoningTier,
		Description: "Multi-step reasoning on deep models",
		Weights:     model.Weights{0.25, 0.05, 0.00, 0.15, 0.40, 0.05, 0.05, 0.05},
		Constraints: model.ProfileConstraints{ForcedReasoningTier: model.TierDeep},
	},
}

var defaultDomains = []model.Domain{
	{
		ID:                  "general",
		Description:         "Unregulated general-purpose work",
		DefaultProfileID:    model.BalancedProfileID,
		OptionalCompliance:  model.NewTagSet("SOC2"),
		DivergenceThreshold: 0.30,
	},
	{
		ID:                  "healthcare",
		Description:         "Protected health information",
		DefaultProfileID:    "HEALTHCARE",
		MandatoryCompliance: model.NewTagSet("HIPAA"),
		OptionalCompliance:  model.NewTagSet("SOC2", "HITRUST"),
		DivergenceThreshold: 0.02,
		MinQualityScore:     60,
	},
	{
		ID:                  "financial",
		Description:         "Financial services data",
		DefaultProfileID:    "FINANCIAL",
		MandatoryCompliance: model.NewTagSet("SOC2"),
		OptionalCompliance:  model.NewTagSet("PCI_DSS", "ISO27001"),
		DivergenceThreshold: 0.05,
		MinQualityScore:     60,
	},
	{
		ID:                  "legal",
		Description:         "Privileged legal material",
		DefaultProfileID:    "LEGAL",
		MandatoryCompliance: model.NewTagSet("SOC2"),
		OptionalCompliance:  model.NewTagSet("GDPR", "ISO27001"),
		DivergenceThreshold: 0.05,
		MinQualityScore:     55,
	},
	{
		ID:                  "creative",
		Description:         "Creative and marketing content",
		DefaultProfileID:    "CREATIVE",
		DivergenceThreshold: 0.40,
	},
}

// Default returns the built-in catalog: the optimization, domain and
// reasoning-tier profiles plus the stock domains.
func Default() *Catalog {
	b := NewBuilder(nil)
	for _, p := range defaultProfiles {
		if _, err := b.PublishProfile(p); err != nil {
			panic("catalog: invalid built-in profile: " + err.Error())
		}
	}
	for _, d := range defaultDomains {
		if err := b.PutDomain(d); err != nil {
			panic("catalog: invalid built-in domain: " + err.Error())
		}
	}
	c, err := b.Build()
	if err != nil {
		panic("catalog: invalid built-in catalog: " + err.Error())
	}
	return c
}
