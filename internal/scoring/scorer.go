// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package scoring

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jeranaias/rigroute/internal/model"
)

// Input is the per-request context scoring depends on.
type Input struct {
	Domain model.EffectiveDomain

	// LatencyBudget caps the latency ceiling when tighter than the SLA
	LatencyBudget time.Duration

	// MaxCostPer1K caps the cost ceiling when positive and tighter
	MaxCostPer1K decimal.Decimal
}

// Scored is one ranked candidate.
type Scored struct {
	Model      model.ModelDescriptor
	Score      float64
	Normalized [model.NumDimensions]float64
}

// Scorer computes weighted scores. It holds only configuration and is safe
// for concurrent use.
type Scorer struct {
	curves Curves
}

// New creates a scorer.
func New(curves Curves) *Scorer {
	return &Scorer{curves: curves}
}

// Curves returns the configured curves.
func (s *Scorer) Curves() Curves { return s.curves }

// Normalize maps each dimension of m to [0,1].
func (s *Scorer) Normalize(m model.ModelDescriptor, in Input) [model.NumDimensions]float64 {
	var n [model.NumDimensions]float64

	latency := s.curves.Latency
	if in.LatencyBudget > 0 {
		latency = latency.WithCeiling(float64(in.LatencyBudget) / float64(time.Millisecond))
	}
	cost := s.curves.Cost
	if in.MaxCostPer1K.IsPositive() {
		cost = cost.WithCeiling(in.MaxCostPer1K.InexactFloat64())
	}

	n[model.DimQuality] = s.curves.Quality.Apply(m.QualityScore)
	n[model.DimCost] = cost.Apply(m.CostPer1K.InexactFloat64())
	n[model.DimLatency] = latency.Apply(m.LatencyP95Ms)
	n[model.DimKnowledge] = s.curves.Knowledge.Apply(m.Proficiency(in.Domain.ID))
	n[model.DimReasoning] = s.curves.Reasoning.Apply(m.ReasoningScore)
	n[model.DimPolicyCompliance] = policyCompliance(m, in.Domain)
	n[model.DimAvailability] = availability(m.Availability)
	n[model.DimEthicsSafety] = s.curves.EthicsSafety.Apply(m.SafetyScore)
	return n
}

// Score computes Σ weight_i * normalized_i.
func (s *Scorer) Score(m model.ModelDescriptor, w model.Weights, in Input) Scored {
	n := s.Normalize(m, in)
	total := 0.0
	for i := range n {
		total += w[i] * n[i]
	}
	return Scored{Model: m, Score: total, Normalized: n}
}

// Rank scores every candidate and sorts descending. Ties go to higher
// quality, then lower p95 latency, then the lexicographically smaller id,
// so identical inputs always produce an identical order.
func (s *Scorer) Rank(candidates []model.ModelDescriptor, w model.Weights, in Input) []Scored {
	out := make([]Scored, len(candidates))
	for i, m := range candidates {
		out[i] = s.Score(m, w, in)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return Less(out[i], out[j])
	})
	return out
}

// Less orders a before b in a ranking.
func Less(a, b Scored) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Model.QualityScore != b.Model.QualityScore {
		return a.Model.QualityScore > b.Model.QualityScore
	}
	if a.Model.LatencyP95Ms != b.Model.LatencyP95Ms {
		return a.Model.LatencyP95Ms < b.Model.LatencyP95Ms
	}
	return a.Model.ID < b.Model.ID
}

// policyCompliance is the fraction of the domain's optional tags the model
// holds, or 1 when the domain lists none.
func policyCompliance(m model.ModelDescriptor, d model.EffectiveDomain) float64 {
	if d.OptionalCompliance.Len() == 0 {
		return 1
	}
	return float64(m.Certifications.Intersect(d.OptionalCompliance)) / float64(d.OptionalCompliance.Len())
}

func availability(a model.Availability) float64 {
	switch a {
	case model.AvailabilityUp:
		return 1
	case model.AvailabilityDegraded:
		return 0.5
	default:
		return 0
	}
}
