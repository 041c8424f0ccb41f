// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TAG SET TESTS
// =============================================================================

func TestTagSet_Canonicalises(t *testing.T) {
	set := NewTagSet("hipaa", " SOC2 ", "", "Hipaa")

	assert.Equal(t, 2, set.Len())
	assert.True(t, set.Has("HIPAA"))
	assert.True(t, set.Has("SOC2"))
	assert.Equal(t, "HIPAA,SOC2", set.String())
}

func TestTagSet_CoversAndMissing(t *testing.T) {
	held := NewTagSet("HIPAA", "SOC2")

	tests := []struct {
		name     string
		required TagSet
		covers   bool
		missing  []ComplianceTag
	}{
		{"empty requirement", nil, true, nil},
		{"subset", NewTagSet("hipaa"), true, nil},
		{"equal", NewTagSet("hipaa", "soc2"), true, nil},
		{"one missing", NewTagSet("hipaa", "gdpr"), false, []ComplianceTag{"GDPR"}},
		{"two missing sorted", NewTagSet("pci", "fedramp"), false, []ComplianceTag{"FEDRAMP", "PCI"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.covers, held.Covers(tt.required))
			assert.Equal(t, tt.missing, held.Missing(tt.required))
		})
	}
}

func TestTagSet_JSONRoundTripSorted(t *testing.T) {
	data, err := json.Marshal(NewTagSet("soc2", "gdpr", "hipaa"))
	require.NoError(t, err)
	assert.Equal(t, `["GDPR","HIPAA","SOC2"]`, string(data))

	var decoded TagSet
	require.NoError(t, json.Unmarshal([]byte(`["pci","PCI","iso27001"]`), &decoded))
	assert.Equal(t, "ISO27001,PCI", decoded.String())
}

// =============================================================================
// WEIGHT TESTS
// =============================================================================

func TestWeights_Check(t *testing.T) {
	tests := []struct {
		name    string
		weights Weights
		wantOK  bool
	}{
		{"uniform", Weights{0.125, 0.125, 0.125, 0.125, 0.125, 0.125, 0.125, 0.125}, true},
		{"within tolerance", Weights{0.5, 0.5 + 5e-7}, true},
		{"under", Weights{0.5, 0.4}, false},
		{"over", Weights{0.6, 0.6}, false},
		{"negative", Weights{1.2, -0.2}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason := tt.weights.Check()
			if tt.wantOK {
				assert.Empty(t, reason)
			} else {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestWeights_JSONObjectAndArray(t *testing.T) {
	var fromObject Weights
	require.NoError(t, json.Unmarshal([]byte(`{"quality":0.6,"knowledge_proficiency":0.4}`), &fromObject))
	assert.Equal(t, 0.6, fromObject[DimQuality])
	assert.Equal(t, 0.4, fromObject[DimKnowledge])

	var fromArray Weights
	require.NoError(t, json.Unmarshal([]byte(`[0.1,0.1,0.1,0.1,0.1,0.1,0.1,0.3]`), &fromArray))
	assert.Equal(t, 0.3, fromArray[DimEthicsSafety])

	data, err := json.Marshal(fromObject)
	require.NoError(t, err)
	var back Weights
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, fromObject, back)

	assert.Error(t, json.Unmarshal([]byte(`[0.5,0.5]`), &fromArray))
	assert.Error(t, json.Unmarshal([]byte(`{"speed":1}`), &fromObject))
}

func TestWeightProfile_Validate(t *testing.T) {
	good := WeightProfile{
		ID:       "QUALITY_FIRST",
		Version:  1,
		Category: CategoryOptimization,
		Weights:  Weights{0.5, 0.1, 0.1, 0.1, 0.1, 0.05, 0.05},
	}
	require.NoError(t, good.Validate())

	bad := good
	bad.Weights[DimQuality] = 0.9
	err := bad.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidProfile))

	var ipe *InvalidProfileError
	require.True(t, errors.As(err, &ipe))
	assert.Equal(t, "QUALITY_FIRST", ipe.ProfileID)

	tier := good
	tier.Constraints.ForcedReasoningTier = "galaxy-brain"
	assert.Error(t, tier.Validate())
}

// =============================================================================
// DESCRIPTOR TESTS
// =============================================================================

func TestModelDescriptor_ValidateAndClone(t *testing.T) {
	div := 0.1
	m := ModelDescriptor{
		ID:                 "llama3:70b",
		Provider:           "ollama",
		QualityScore:       80,
		CostPer1K:          decimal.RequireFromString("0.0004"),
		LatencyP50Ms:       400,
		LatencyP95Ms:       900,
		DomainProficiency:  map[string]float64{"healthcare": 0.7},
		Certifications:     NewTagSet("hipaa"),
		Availability:       AvailabilityUp,
		DivergenceEstimate: &div,
	}
	require.NoError(t, m.Validate())

	clone := m.Clone()
	clone.DomainProficiency["healthcare"] = 0.1
	clone.Certifications["GDPR"] = struct{}{}
	*clone.DivergenceEstimate = 0.9
	assert.Equal(t, 0.7, m.DomainProficiency["healthcare"])
	assert.False(t, m.Certifications.Has("GDPR"))
	assert.Equal(t, 0.1, *m.DivergenceEstimate)

	m.LatencyP50Ms = 2000
	assert.Error(t, m.Validate())
}

// =============================================================================
// ERROR TESTS
// =============================================================================

func TestErrors_MatchSentinels(t *testing.T) {
	tests := []struct {
		err      error
		sentinel error
	}{
		{&NoEligibleModelError{TenantID: "t", DomainID: "d"}, ErrNoEligibleModel},
		{&InvalidProfileError{ProfileID: "p"}, ErrInvalidProfile},
		{&ThermalProvisioningTimeout{ModelID: "m"}, ErrThermalTimeout},
		{&VerificationRejected{ModelID: "m"}, ErrVerificationRejected},
		{&AuditWriteFailure{DecisionID: "x", Cause: errors.New("disk")}, ErrAuditWrite},
		{&UnknownDomainError{DomainID: "x"}, ErrUnknownDomain},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%T", tt.err), func(t *testing.T) {
			wrapped := fmt.Errorf("select: %w", tt.err)
			assert.True(t, errors.Is(wrapped, tt.sentinel))
		})
	}
}

func TestNoEligibleModelError_WrapsCause(t *testing.T) {
	cause := &VerificationRejected{ModelID: "m1", Divergence: 0.3, Threshold: 0.05, Attempts: 2}
	err := &NoEligibleModelError{
		TenantID: "acme",
		DomainID: "healthcare",
		Excluded: map[string]string{"a": ReasonMissingCertification, "b": ReasonMissingCertification},
		Cause:    cause,
	}

	assert.True(t, errors.Is(err, ErrNoEligibleModel))
	assert.True(t, errors.Is(err, ErrVerificationRejected))
	assert.Contains(t, err.Error(), "missing_certification=2")
}

func TestThermalLevel_TextRoundTrip(t *testing.T) {
	for _, lvl := range []ThermalLevel{ThermalOff, ThermalCold, ThermalWarm, ThermalHot} {
		text, err := lvl.MarshalText()
		require.NoError(t, err)
		var back ThermalLevel
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, lvl, back)
	}
	assert.False(t, ThermalCold.Ready())
	assert.True(t, ThermalWarm.Ready())
}
