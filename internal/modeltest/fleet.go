// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package modeltest provides a fixed model fleet for tests across packages.
package modeltest

import (
	"github.com/shopspring/decimal"

	"github.com/jeranaias/rigroute/internal/model"
)

// HIPAACertified lists the fleet models holding HIPAA.
var HIPAACertified = []string{"claude-med", "gpt-med", "llama-med-70b", "mistral-hipaa", "phi-clinic"}

// ThermalModels lists the self-hosted fleet models.
var ThermalModels = []string{"llama-med-70b", "llama3-8b", "phi-clinic", "qwen-coder"}

type fleetEntry struct {
	id, provider string
	quality      float64
	cost         string
	p50, p95     float64
	tags         []string
	healthcare   float64
	reasoning    float64
	safety       float64
	tier         model.ReasoningTier
	thermal      bool
	divergence   float64
}

var fleet = []fleetEntry{
	{"claude-med", "anthropic", 92, "0.015", 800, 1800, []string{"HIPAA", "SOC2", "HITRUST"}, 0.90, 90, 95, model.TierDeep, false, 0.01},
	{"gpt-med", "openai", 90, "0.010", 700, 1500, []string{"HIPAA", "SOC2"}, 0.85, 88, 90, model.TierStandard, false, 0.03},
	{"llama-med-70b", "ollama", 78, "0.0008", 900, 2500, []string{"HIPAA"}, 0.80, 70, 80, model.TierStandard, true, 0.04},
	{"mistral-hipaa", "mistral", 74, "0.002", 400, 900, []string{"HIPAA", "SOC2"}, 0.60, 65, 78, model.TierFast, false, 0.05},
	{"phi-clinic", "ollama", 62, "0.0002", 200, 500, []string{"HIPAA"}, 0.50, 55, 70, model.TierFast, true, 0.12},
	{"gpt-frontier", "openai", 98, "0.030", 900, 2000, []string{"SOC2", "ISO27001", "GDPR"}, 0.95, 97, 92, model.TierDeep, false, 0.01},
	{"claude-fast", "anthropic", 85, "0.001", 250, 600, []string{"SOC2", "GDPR"}, 0.70, 75, 90, model.TierFast, false, 0.06},
	{"gemini-pro", "google", 88, "0.005", 600, 1400, []string{"SOC2", "ISO27001", "PCI_DSS"}, 0.75, 85, 85, model.TierStandard, false, 0.04},
	{"llama3-8b", "ollama", 60, "0.0001", 150, 400, nil, 0.30, 50, 60, model.TierFast, true, 0.20},
	{"qwen-coder", "ollama", 70, "0.0003", 300, 800, nil, 0.20, 68, 65, model.TierStandard, true, 0.15},
	{"creative-xl", "indie", 80, "0.004", 500, 1200, nil, 0.10, 60, 55, model.TierStandard, false, 0.30},
	{"budget-lite", "indie", 45, "0.00005", 120, 300, []string{"SOC2"}, 0.20, 35, 50, model.TierFast, false, 0.25},
}

// Fleet returns twelve descriptors, five of them HIPAA certified and four
// thermal capable. Each call returns fresh copies.
func Fleet() []model.ModelDescriptor {
	out := make([]model.ModelDescriptor, 0, len(fleet))
	for _, s := range fleet {
		div := s.divergence
		out = append(out, model.ModelDescriptor{
			ID:                 s.id,
			Provider:           s.provider,
			QualityScore:       s.quality,
			CostPer1K:          decimal.RequireFromString(s.cost),
			LatencyP50Ms:       s.p50,
			LatencyP95Ms:       s.p95,
			DomainProficiency:  map[string]float64{"healthcare": s.healthcare, "general": 0.7},
			Certifications:     model.NewTagSet(s.tags...),
			ReasoningScore:     s.reasoning,
			SafetyScore:        s.safety,
			ReasoningTier:      s.tier,
			ThermalCapable:     s.thermal,
			Availability:       model.AvailabilityUp,
			DivergenceEstimate: &div,
		})
	}
	return out
}

// ByID returns the fleet model with the given id.
func ByID(id string) model.ModelDescriptor {
	for _, m := range Fleet() {
		if m.ID == id {
			return m
		}
	}
	panic("modeltest: unknown model " + id)
}
