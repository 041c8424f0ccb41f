// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "time"

// Outcome is how a selection attempt ended.
type Outcome string

const (
	OutcomeSelected Outcome = "selected"
	OutcomeDegraded Outcome = "degraded"
	OutcomeFailed   Outcome = "failed"
)

// Filter reason codes attached to excluded candidates.
const (
	ReasonMissingCertification  = "missing_certification"
	ReasonBelowMinQuality       = "below_min_quality"
	ReasonUnavailable           = "unavailable"
	ReasonReasoningTierMismatch = "reasoning_tier_mismatch"
	ReasonThermalTimeout        = "thermal_timeout"
	ReasonVerificationRejected  = "verification_rejected"
)

// CandidateRecord is one model's fate within a decision.
type CandidateRecord struct {
	ModelID      string  `json:"model_id"`
	Score        float64 `json:"score"`
	Filtered     bool    `json:"filtered"`
	FilterReason string  `json:"filter_reason,omitempty"`
	Detail       string  `json:"detail,omitempty"`
}

// SelectionDecision is the audit record for one selection attempt.
// It is immutable once chained: EntryHash covers every other field.
type SelectionDecision struct {
	ID                string            `json:"id"`
	TenantID          string            `json:"tenant_id"`
	DomainID          string            `json:"domain_id"`
	ProfileIDUsed     string            `json:"profile_id_used"`
	ProfileVersion    int               `json:"profile_version"`
	Candidates        []CandidateRecord `json:"candidates_considered"`
	SelectedModelID   string            `json:"selected_model_id"`
	FallbackRank      []string          `json:"fallback_rank"`
	DivergenceScore   *float64          `json:"divergence_score,omitempty"`
	Outcome           Outcome           `json:"outcome"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	Sequence          uint64            `json:"sequence"`
	CreatedAt         time.Time         `json:"created_at"`
	DecisionLatencyMs float64           `json:"decision_latency_ms"`
	PrevHash          string            `json:"prev_hash"`
	EntryHash         string            `json:"entry_hash"`
}

// Shard returns the tenant-domain partition this decision chains into.
func (d SelectionDecision) Shard() ShardKey {
	return ShardKey{TenantID: d.TenantID, DomainID: d.DomainID}
}
