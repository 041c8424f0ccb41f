// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// =============================================================================
// SCORING DIMENSIONS
// =============================================================================

// Dimension indexes one of the eight scoring dimensions.
type Dimension int

const (
	DimQuality Dimension = iota
	DimCost
	DimLatency
	DimKnowledge
	DimReasoning
	DimPolicyCompliance
	DimAvailability
	DimEthicsSafety

	// NumDimensions is the length of a weight vector.
	NumDimensions
)

var dimensionNames = [NumDimensions]string{
	"quality",
	"cost",
	"latency",
	"knowledge",
	"reasoning",
	"policy_compliance",
	"availability",
	"ethics_safety",
}

// String returns the snake_case dimension name used in catalogs and reports.
func (d Dimension) String() string {
	if d < 0 || d >= NumDimensions {
		return fmt.Sprintf("dimension(%d)", int(d))
	}
	return dimensionNames[d]
}

// ParseDimension parses a dimension name. "knowledge_proficiency" and
// "ethicssafety" style aliases are accepted.
func ParseDimension(s string) (Dimension, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.ReplaceAll(key, "-", "_")
	switch key {
	case "knowledge_proficiency", "knowledgeproficiency":
		return DimKnowledge, nil
	case "policycompliance", "compliance":
		return DimPolicyCompliance, nil
	case "ethicssafety", "safety", "ethics":
		return DimEthicsSafety, nil
	}
	for i, name := range dimensionNames {
		if key == name {
			return Dimension(i), nil
		}
	}
	return 0, fmt.Errorf("unknown dimension %q", s)
}

// AllDimensions lists the dimensions in index order.
func AllDimensions() []Dimension {
	out := make([]Dimension, NumDimensions)
	for i := range out {
		out[i] = Dimension(i)
	}
	return out
}

// =============================================================================
// WEIGHTS
// =============================================================================

// WeightTolerance is how far a weight vector may drift from summing to 1.
const WeightTolerance = 1e-6

// Weights is an importance vector indexed by Dimension.
type Weights [NumDimensions]float64

// Sum adds every weight.
func (w Weights) Sum() float64 {
	total := 0.0
	for _, v := range w {
		total += v
	}
	return total
}

// Check reports why a weight vector cannot be published, or "" when it can.
func (w Weights) Check() string {
	for i, v := range w {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Sprintf("weight %s is not a finite number", Dimension(i))
		}
		if v < 0 {
			return fmt.Sprintf("weight %s is negative (%.6f)", Dimension(i), v)
		}
	}
	if sum := w.Sum(); math.Abs(sum-1.0) > WeightTolerance {
		return fmt.Sprintf("weights sum to %.6f, expected 1.0", sum)
	}
	return ""
}

// MarshalJSON encodes weights as {"quality": 0.3, ...} in dimension order.
func (w Weights) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, v := range w {
		if i > 0 {
			b.WriteByte(',')
		}
		val, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "%q:%s", Dimension(i).String(), val)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// UnmarshalJSON accepts either an object keyed by dimension name or an
// eight-element array.
func (w *Weights) UnmarshalJSON(data []byte) error {
	var arr []float64
	if err := json.Unmarshal(data, &arr); err == nil {
		if len(arr) != int(NumDimensions) {
			return fmt.Errorf("weights array must have %d entries, got %d", NumDimensions, len(arr))
		}
		copy(w[:], arr)
		return nil
	}
	var byName map[string]float64
	if err := json.Unmarshal(data, &byName); err != nil {
		return fmt.Errorf("weights must be an object or array: %w", err)
	}
	parsed, err := WeightsFromMap(byName)
	if err != nil {
		return err
	}
	*w = parsed
	return nil
}

// WeightsFromMap builds a vector from dimension-name keys. Missing dimensions are 0.
func WeightsFromMap(byName map[string]float64) (Weights, error) {
	var w Weights
	for name, v := range byName {
		d, err := ParseDimension(name)
		if err != nil {
			return w, err
		}
		w[d] = v
	}
	return w, nil
}

// Map returns the weights keyed by dimension name.
func (w Weights) Map() map[string]float64 {
	out := make(map[string]float64, NumDimensions)
	for i, v := range w {
		out[Dimension(i).String()] = v
	}
	return out
}

// =============================================================================
// WEIGHT PROFILES
// =============================================================================

// ProfileCategory groups profiles by what they optimize for.
type ProfileCategory string

const (
	CategoryOptimization  ProfileCategory = "optimization"
	CategoryDomain        ProfileCategory = "domain"
	CategoryReasoningTier ProfileCategory = "reasoning_tier"
)

// BalancedProfileID is the global fallback profile.
const BalancedProfileID = "BALANCED"

// ProfileConstraints are hard constraints carried by a profile.
type ProfileConstraints struct {
	MinQuality             float64       `json:"min_quality"`
	RequiredCompliance     TagSet        `json:"required_compliance"`
	ForcedReasoningTier    ReasoningTier `json:"forced_reasoning_tier,omitempty"`
	RequireVerification    bool          `json:"require_verification"`
	MaxDivergenceThreshold float64       `json:"max_divergence_threshold"`
}

// WeightProfile is a named, versioned weight vector plus hard constraints.
// A published version is never edited; changes publish version+1.
type WeightProfile struct {
	ID          string             `json:"id"`
	Version     int                `json:"version"`
	Category    ProfileCategory    `json:"category"`
	Description string             `json:"description,omitempty"`
	Weights     Weights            `json:"weights"`
	Constraints ProfileConstraints `json:"constraints"`
	PublishedAt time.Time          `json:"published_at"`
}

// Validate checks the profile can be published.
func (p WeightProfile) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return &InvalidProfileError{ProfileID: p.ID, Reason: "id is required"}
	}
	switch p.Category {
	case CategoryOptimization, CategoryDomain, CategoryReasoningTier:
	default:
		return &InvalidProfileError{ProfileID: p.ID, Reason: fmt.Sprintf("unknown category %q", p.Category)}
	}
	if reason := p.Weights.Check(); reason != "" {
		return &InvalidProfileError{ProfileID: p.ID, Reason: reason}
	}
	c := p.Constraints
	if c.MinQuality < 0 || c.MinQuality > 100 {
		return &InvalidProfileError{ProfileID: p.ID, Reason: "min_quality out of range [0,100]"}
	}
	if c.MaxDivergenceThreshold < 0 || c.MaxDivergenceThreshold > 1 {
		return &InvalidProfileError{ProfileID: p.ID, Reason: "max_divergence_threshold out of range [0,1]"}
	}
	if _, err := ParseReasoningTier(string(c.ForcedReasoningTier)); err != nil {
		return &InvalidProfileError{ProfileID: p.ID, Reason: err.Error()}
	}
	return nil
}

// Ref renders "ID@vN".
func (p WeightProfile) Ref() string {
	return fmt.Sprintf("%s@v%d", p.ID, p.Version)
}
