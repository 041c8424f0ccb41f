// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"strings"
)

// Domain is a regulatory or use-case category with mandatory compliance tags
// and a default weight profile.
type Domain struct {
	ID                  string  `json:"id"`
	Description         string  `json:"description,omitempty"`
	DefaultProfileID    string  `json:"default_profile_id"`
	MandatoryCompliance TagSet  `json:"mandatory_compliance"`
	OptionalCompliance  TagSet  `json:"optional_compliance"`
	DivergenceThreshold float64 `json:"divergence_threshold"`
	MinQualityScore     float64 `json:"min_quality_score"`
}

// Validate checks field ranges.
func (d Domain) Validate() error {
	var problems []string
	if strings.TrimSpace(d.ID) == "" {
		problems = append(problems, "id is required")
	}
	if d.DivergenceThreshold < 0 || d.DivergenceThreshold > 1 {
		problems = append(problems, fmt.Sprintf("divergence_threshold %.3f out of range [0,1]", d.DivergenceThreshold))
	}
	if d.MinQualityScore < 0 || d.MinQualityScore > 100 {
		problems = append(problems, fmt.Sprintf("min_quality_score %.2f out of range [0,100]", d.MinQualityScore))
	}
	if len(problems) > 0 {
		return fmt.Errorf("domain %q: %s", d.ID, strings.Join(problems, "; "))
	}
	return nil
}

// TenantOverride tightens a domain for one tenant. Compliance is union-only:
// an override can add tags but never remove mandatory ones.
type TenantOverride struct {
	TenantID        string `json:"tenant_id"`
	DomainID        string `json:"domain_id"`
	AddedCompliance TagSet `json:"added_compliance"`

	// ProfileID binds a tenant-specific profile ahead of the domain default
	ProfileID string `json:"profile_id,omitempty"`

	// AllowProfileOverride controls per-request profile overrides for this
	// tenant and domain; nil defers to engine configuration
	AllowProfileOverride *bool `json:"allow_profile_override,omitempty"`
}

// Key returns "tenant/domain".
func (o TenantOverride) Key() ShardKey {
	return ShardKey{TenantID: o.TenantID, DomainID: o.DomainID}
}

// EffectiveDomain is a domain with a tenant's override applied.
type EffectiveDomain struct {
	Domain

	TenantID string `json:"tenant_id"`

	// RequiredCompliance is mandatory_compliance ∪ tenant added_compliance
	RequiredCompliance TagSet `json:"required_compliance"`

	// Override is the tenant override that was applied, if any
	Override *TenantOverride `json:"override,omitempty"`
}

// ShardKey identifies a tenant-domain partition of the audit chain.
type ShardKey struct {
	TenantID string `json:"tenant_id"`
	DomainID string `json:"domain_id"`
}

// String renders "tenant/domain".
func (k ShardKey) String() string {
	return k.TenantID + "/" + k.DomainID
}
