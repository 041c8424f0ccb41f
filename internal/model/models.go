// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AVAILABILITY
// =============================================================================

// Availability is the health of a model as last reported by its provider probe.
type Availability string

const (
	AvailabilityUp       Availability = "up"
	AvailabilityDegraded Availability = "degraded"
	AvailabilityDown     Availability = "down"
)

// ParseAvailability parses an availability string (case-insensitive).
// An empty string is treated as up.
func ParseAvailability(s string) (Availability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "up":
		return AvailabilityUp, nil
	case "degraded":
		return AvailabilityDegraded, nil
	case "down":
		return AvailabilityDown, nil
	default:
		return "", fmt.Errorf("invalid availability %q, must be one of: up, degraded, down", s)
	}
}

// =============================================================================
// REASONING TIERS
// =============================================================================

// ReasoningTier is the depth of reasoning a model offers. Profiles may force one.
type ReasoningTier string

const (
	TierNone     ReasoningTier = ""
	TierFast     ReasoningTier = "fast"
	TierStandard ReasoningTier = "standard"
	TierDeep     ReasoningTier = "deep"
)

// ParseReasoningTier parses a tier name. Empty means no tier.
func ParseReasoningTier(s string) (ReasoningTier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return TierNone, nil
	case "fast":
		return TierFast, nil
	case "standard":
		return TierStandard, nil
	case "deep":
		return TierDeep, nil
	default:
		return "", fmt.Errorf("invalid reasoning tier %q, must be one of: fast, standard, deep", s)
	}
}

// =============================================================================
// MODEL DESCRIPTOR
// =============================================================================

// ModelDescriptor is everything the engine knows about one backing model.
// Descriptors are owned by the registry and are never mutated once a snapshot
// has been published; updates replace the descriptor in a new snapshot.
type ModelDescriptor struct {
	// ID is the unique model identifier used in responses and audit records
	ID string `json:"id"`

	// Provider names who serves the model (anthropic, openai, ollama, ...)
	Provider string `json:"provider"`

	// QualityScore is the benchmark quality on a 0..100 scale
	QualityScore float64 `json:"quality_score"`

	// CostPer1K is the price per 1000 units (tokens, requests)
	CostPer1K decimal.Decimal `json:"cost_per_1k_units"`

	// LatencyP50Ms and LatencyP95Ms are observed latencies in milliseconds
	LatencyP50Ms float64 `json:"latency_p50_ms"`
	LatencyP95Ms float64 `json:"latency_p95_ms"`

	// DomainProficiency maps domain id to a 0..1 proficiency
	DomainProficiency map[string]float64 `json:"domain_proficiency,omitempty"`

	// Certifications is the set of compliance tags the model holds
	Certifications TagSet `json:"certifications"`

	// ReasoningScore and SafetyScore are 0..100 raw inputs for the
	// Reasoning and EthicsSafety dimensions
	ReasoningScore float64 `json:"reasoning_score"`
	SafetyScore    float64 `json:"safety_score"`

	// ReasoningTier is the reasoning depth this model offers
	ReasoningTier ReasoningTier `json:"reasoning_tier,omitempty"`

	// ThermalCapable marks self-hosted targets managed by the thermal FSM
	ThermalCapable bool `json:"thermal_capable"`

	// Availability is the last probed health
	Availability Availability `json:"availability"`

	// HealthURL is probed by the registry refresher when set
	HealthURL string `json:"health_url,omitempty"`

	// DivergenceEstimate is a default output-divergence estimate in [0,1]
	// used by the verification gate when the request supplies none
	DivergenceEstimate *float64 `json:"divergence_estimate,omitempty"`
}

// Proficiency returns the model's proficiency in a domain (0 when unknown).
func (m ModelDescriptor) Proficiency(domainID string) float64 {
	return m.DomainProficiency[domainID]
}

// Clone returns a deep copy so callers can edit without touching a snapshot.
func (m ModelDescriptor) Clone() ModelDescriptor {
	out := m
	if m.DomainProficiency != nil {
		out.DomainProficiency = make(map[string]float64, len(m.DomainProficiency))
		for k, v := range m.DomainProficiency {
			out.DomainProficiency[k] = v
		}
	}
	out.Certifications = m.Certifications.Clone()
	if m.DivergenceEstimate != nil {
		d := *m.DivergenceEstimate
		out.DivergenceEstimate = &d
	}
	return out
}

// Validate checks ranges and required fields.
func (m ModelDescriptor) Validate() error {
	var problems []string
	if strings.TrimSpace(m.ID) == "" {
		problems = append(problems, "id is required")
	}
	if m.QualityScore < 0 || m.QualityScore > 100 {
		problems = append(problems, fmt.Sprintf("quality_score %.2f out of range [0,100]", m.QualityScore))
	}
	if m.ReasoningScore < 0 || m.ReasoningScore > 100 {
		problems = append(problems, fmt.Sprintf("reasoning_score %.2f out of range [0,100]", m.ReasoningScore))
	}
	if m.SafetyScore < 0 || m.SafetyScore > 100 {
		problems = append(problems, fmt.Sprintf("safety_score %.2f out of range [0,100]", m.SafetyScore))
	}
	if m.CostPer1K.IsNegative() {
		problems = append(problems, "cost_per_1k_units must not be negative")
	}
	if m.LatencyP50Ms < 0 || m.LatencyP95Ms < 0 {
		problems = append(problems, "latencies must not be negative")
	}
	if m.LatencyP95Ms > 0 && m.LatencyP50Ms > m.LatencyP95Ms {
		problems = append(problems, "latency_p50_ms must not exceed latency_p95_ms")
	}
	if _, err := ParseAvailability(string(m.Availability)); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := ParseReasoningTier(string(m.ReasoningTier)); err != nil {
		problems = append(problems, err.Error())
	}
	// Sorted so the error text is stable.
	domains := make([]string, 0, len(m.DomainProficiency))
	for d := range m.DomainProficiency {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, d := range domains {
		if p := m.DomainProficiency[d]; p < 0 || p > 1 {
			problems = append(problems, fmt.Sprintf("domain_proficiency[%s] %.2f out of range [0,1]", d, p))
		}
	}
	if m.DivergenceEstimate != nil && (*m.DivergenceEstimate < 0 || *m.DivergenceEstimate > 1) {
		problems = append(problems, "divergence_estimate out of range [0,1]")
	}
	if len(problems) > 0 {
		return fmt.Errorf("model %q: %s", m.ID, strings.Join(problems, "; "))
	}
	return nil
}
