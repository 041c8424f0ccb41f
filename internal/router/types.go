// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jeranaias/rigroute/internal/catalog"
	"github.com/jeranaias/rigroute/internal/model"
)

// ============================================================================
// REQUEST
// ============================================================================

// MaxIDLength caps tenant, domain and profile identifiers.
const MaxIDLength = 128

// ErrInvalidRequest is returned for malformed requests.
var ErrInvalidRequest = errors.New("invalid request")

// Request is the caller's selection request.
type Request struct {
	TenantID string `json:"tenant_id"`
	DomainID string `json:"domain_id"`

	// ExplicitProfileOverride names a profile, optionally pinned "ID@vN"
	ExplicitProfileOverride string `json:"explicit_profile_override,omitempty"`

	// LatencyBudget of zero means no budget
	LatencyBudget time.Duration `json:"latency_budget,omitempty"`

	// MaxCostPer1K of zero means no cost cap
	MaxCostPer1K decimal.Decimal `json:"max_cost_per_1k_units"`

	// DivergenceEstimates are caller-supplied estimates by model id
	DivergenceEstimates map[string]float64 `json:"divergence_estimates,omitempty"`

	// RequestContext is opaque caller metadata
	RequestContext map[string]string `json:"request_context,omitempty"`

	// DryRun ranks and verifies without provisioning or recording
	DryRun bool `json:"-"`
}

// Validate checks the request shape.
func (r Request) Validate() error {
	switch {
	case r.TenantID == "":
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidRequest)
	case r.DomainID == "":
		return fmt.Errorf("%w: domain_id is required", ErrInvalidRequest)
	case len(r.TenantID) > MaxIDLength, len(r.DomainID) > MaxIDLength, len(r.ExplicitProfileOverride) > MaxIDLength:
		return fmt.Errorf("%w: identifiers are limited to %d bytes", ErrInvalidRequest, MaxIDLength)
	case r.LatencyBudget < 0:
		return fmt.Errorf("%w: latency budget must not be negative", ErrInvalidRequest)
	case r.MaxCostPer1K.IsNegative():
		return fmt.Errorf("%w: max cost must not be negative", ErrInvalidRequest)
	}
	for id, v := range r.DivergenceEstimates {
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: divergence estimate for %s must be in [0,1]", ErrInvalidRequest, id)
		}
	}
	return nil
}

// ============================================================================
// RESPONSE
// ============================================================================

// Response is the selection result.
type Response struct {
	SelectedModelID string         `json:"selected_model_id"`
	FallbackRank    []string       `json:"fallback_rank"`
	ProfileUsed     string         `json:"profile_used"`
	ProfileSource   catalog.Source `json:"profile_source"`
	DecisionID      string         `json:"decision_id"`
	Outcome         model.Outcome  `json:"outcome"`
	Score           float64        `json:"score"`
	DivergenceScore *float64       `json:"divergence_score,omitempty"`
	Warnings        []string       `json:"warnings,omitempty"`

	// Decision is the audit record. Its sequence and hashes are assigned
	// when the recorder persists it.
	Decision model.SelectionDecision `json:"-"`
}

// String returns a one-line summary.
func (r Response) String() string {
	return fmt.Sprintf("%s via %s (%s, score=%.4f, decision=%s)",
		r.SelectedModelID, r.ProfileUsed, r.Outcome, r.Score, r.DecisionID)
}
