// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package manifest reads and writes the model and catalog manifest: the
// operator-edited file that seeds the registry, profiles, domains and tenant
// overrides. TOML and YAML are both accepted, chosen by file extension.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/jeranaias/rigroute/internal/catalog"
	"github.com/jeranaias/rigroute/internal/model"
	"github.com/jeranaias/rigroute/internal/util"
)

// Format is a manifest encoding.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatFor picks the format from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported manifest extension %q, use .toml, .yaml or .yml", filepath.Ext(path))
	}
}

// =============================================================================
// FILE LAYOUT
// =============================================================================

// File is one manifest. Empty sections leave the corresponding state alone.
type File struct {
	Models    []ModelEntry    `toml:"models,omitempty" yaml:"models,omitempty"`
	Profiles  []ProfileEntry  `toml:"profiles,omitempty" yaml:"profiles,omitempty"`
	Domains   []DomainEntry   `toml:"domains,omitempty" yaml:"domains,omitempty"`
	Overrides []OverrideEntry `toml:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// ModelEntry is a model descriptor as written by operators.
type ModelEntry struct {
	ID                 string             `toml:"id" yaml:"id"`
	Provider           string             `toml:"provider" yaml:"provider"`
	QualityScore       float64            `toml:"quality_score" yaml:"quality_score"`
	CostPer1K          string             `toml:"cost_per_1k_units" yaml:"cost_per_1k_units"`
	LatencyP50Ms       float64            `toml:"latency_p50_ms" yaml:"latency_p50_ms"`
	LatencyP95Ms       float64            `toml:"latency_p95_ms" yaml:"latency_p95_ms"`
	DomainProficiency  map[string]float64 `toml:"domain_proficiency,omitempty" yaml:"domain_proficiency,omitempty"`
	Certifications     []string           `toml:"certifications" yaml:"certifications"`
	ReasoningScore     float64            `toml:"reasoning_score" yaml:"reasoning_score"`
	SafetyScore        float64            `toml:"safety_score" yaml:"safety_score"`
	ReasoningTier      string             `toml:"reasoning_tier,omitempty" yaml:"reasoning_tier,omitempty"`
	ThermalCapable     bool               `toml:"thermal_capable" yaml:"thermal_capable"`
	Availability       string             `toml:"availability,omitempty" yaml:"availability,omitempty"`
	HealthURL          string             `toml:"health_url,omitempty" yaml:"health_url,omitempty"`
	DivergenceEstimate *float64           `toml:"divergence_estimate,omitempty" yaml:"divergence_estimate,omitempty"`
}

// ProfileEntry is a weight profile. Weights are keyed by dimension name.
type ProfileEntry struct {
	ID          string             `toml:"id" yaml:"id"`
	Category    string             `toml:"category" yaml:"category"`
	Description string             `toml:"description,omitempty" yaml:"description,omitempty"`
	Weights     map[string]float64 `toml:"weights" yaml:"weights"`
	Constraints ConstraintEntry    `toml:"constraints" yaml:"constraints"`
}

// ConstraintEntry holds a profile's hard constraints.
type ConstraintEntry struct {
	MinQuality             float64  `toml:"min_quality,omitempty" yaml:"min_quality,omitempty"`
	RequiredCompliance     []string `toml:"required_compliance,omitempty" yaml:"required_compliance,omitempty"`
	ForcedReasoningTier    string   `toml:"forced_reasoning_tier,omitempty" yaml:"forced_reasoning_tier,omitempty"`
	RequireVerification    bool     `toml:"require_verification,omitempty" yaml:"require_verification,omitempty"`
	MaxDivergenceThreshold float64  `toml:"max_divergence_threshold,omitempty" yaml:"max_divergence_threshold,omitempty"`
}

// DomainEntry is a domain.
type DomainEntry struct {
	ID                  string   `toml:"id" yaml:"id"`
	Description         string   `toml:"description,omitempty" yaml:"description,omitempty"`
	DefaultProfileID    string   `toml:"default_profile_id" yaml:"default_profile_id"`
	MandatoryCompliance []string `toml:"mandatory_compliance,omitempty" yaml:"mandatory_compliance,omitempty"`
	OptionalCompliance  []string `toml:"optional_compliance,omitempty" yaml:"optional_compliance,omitempty"`
	DivergenceThreshold float64  `toml:"divergence_threshold" yaml:"divergence_threshold"`
	MinQualityScore     float64  `toml:"min_quality_score,omitempty" yaml:"min_quality_score,omitempty"`
}

// OverrideEntry is a tenant override.
type OverrideEntry struct {
	TenantID             string   `toml:"tenant_id" yaml:"tenant_id"`
	DomainID             string   `toml:"domain_id" yaml:"domain_id"`
	AddedCompliance      []string `toml:"added_compliance,omitempty" yaml:"added_compliance,omitempty"`
	ProfileID            string   `toml:"profile_id,omitempty" yaml:"profile_id,omitempty"`
	AllowProfileOverride *bool    `toml:"allow_profile_override,omitempty" yaml:"allow_profile_override,omitempty"`
}

// =============================================================================
// READING AND WRITING
// =============================================================================

// Load reads and decodes path.
func Load(path string) (*File, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	f, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes a manifest. Unknown keys are rejected so typos surface.
func Parse(data []byte, format Format) (*File, error) {
	var f File
	switch format {
	case FormatTOML:
		md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&f)
		if err != nil {
			return nil, fmt.Errorf("decode toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown manifest format %q", format)
	}
	return &f, nil
}

// Encode renders f in format.
func Encode(f *File, format Format) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case FormatTOML:
		if err := toml.NewEncoder(&buf).Encode(f); err != nil {
			return nil, fmt.Errorf("encode toml: %w", err)
		}
	case FormatYAML:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(f); err != nil {
			return nil, fmt.Errorf("encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("encode yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown manifest format %q", format)
	}
	return buf.Bytes(), nil
}

// Save writes f to path atomically in the format its extension names.
func Save(path string, f *File) error {
	format, err := FormatFor(path)
	if err != nil {
		return err
	}
	data, err := Encode(f, format)
	if err != nil {
		return err
	}
	return util.AtomicWriteFile(path, data, 0644)
}

// =============================================================================
// CONVERSION
// =============================================================================

// Descriptors converts the models section.
func (f *File) Descriptors() ([]model.ModelDescriptor, error) {
	out := make([]model.ModelDescriptor, 0, len(f.Models))
	for _, e := range f.Models {
		m, err := e.Descriptor()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Descriptor converts and validates one model entry.
func (e ModelEntry) Descriptor() (model.ModelDescriptor, error) {
	cost := decimal.Zero
	if e.CostPer1K != "" {
		var err error
		cost, err = decimal.NewFromString(e.CostPer1K)
		if err != nil {
			return model.ModelDescriptor{}, fmt.Errorf("model %q: cost_per_1k_units: %w", e.ID, err)
		}
	}
	avail, err := model.ParseAvailability(e.Availability)
	if err != nil {
		return model.ModelDescriptor{}, fmt.Errorf("model %q: %w", e.ID, err)
	}
	tier, err := model.ParseReasoningTier(e.ReasoningTier)
	if err != nil {
		return model.ModelDescriptor{}, fmt.Errorf("model %q: %w", e.ID, err)
	}
	m := model.ModelDescriptor{
		ID:                 e.ID,
		Provider:           e.Provider,
		QualityScore:       e.QualityScore,
		CostPer1K:          cost,
		LatencyP50Ms:       e.LatencyP50Ms,
		LatencyP95Ms:       e.LatencyP95Ms,
		DomainProficiency:  e.DomainProficiency,
		Certifications:     model.NewTagSet(e.Certifications...),
		ReasoningScore:     e.ReasoningScore,
		SafetyScore:        e.SafetyScore,
		ReasoningTier:      tier,
		ThermalCapable:     e.ThermalCapable,
		Availability:       avail,
		HealthURL:          e.HealthURL,
		DivergenceEstimate: e.DivergenceEstimate,
	}
	return m, m.Validate()
}

// Profile converts and validates one profile entry.
func (e ProfileEntry) Profile() (model.WeightProfile, error) {
	w, err := model.WeightsFromMap(e.Weights)
	if err != nil {
		return model.WeightProfile{}, &model.InvalidProfileError{ProfileID: e.ID, Reason: err.Error()}
	}
	tier, err := model.ParseReasoningTier(e.Constraints.ForcedReasoningTier)
	if err != nil {
		return model.WeightProfile{}, &model.InvalidProfileError{ProfileID: e.ID, Reason: err.Error()}
	}
	p := model.WeightProfile{
		ID:          e.ID,
		Category:    model.ProfileCategory(strings.ToLower(e.Category)),
		Description: e.Description,
		Weights:     w,
		Constraints: model.ProfileConstraints{
			MinQuality:             e.Constraints.MinQuality,
			RequiredCompliance:     model.NewTagSet(e.Constraints.RequiredCompliance...),
			ForcedReasoningTier:    tier,
			RequireVerification:    e.Constraints.RequireVerification,
			MaxDivergenceThreshold: e.Constraints.MaxDivergenceThreshold,
		},
	}
	return p, p.Validate()
}

// Domain converts one domain entry.
func (e DomainEntry) Domain() model.Domain {
	return model.Domain{
		ID:                  e.ID,
		Description:         e.Description,
		DefaultProfileID:    e.DefaultProfileID,
		MandatoryCompliance: model.NewTagSet(e.MandatoryCompliance...),
		OptionalCompliance:  model.NewTagSet(e.OptionalCompliance...),
		DivergenceThreshold: e.DivergenceThreshold,
		MinQualityScore:     e.MinQualityScore,
	}
}

// Override converts one override entry.
func (e OverrideEntry) Override() model.TenantOverride {
	return model.TenantOverride{
		TenantID:             e.TenantID,
		DomainID:             e.DomainID,
		AddedCompliance:      model.NewTagSet(e.AddedCompliance...),
		ProfileID:            e.ProfileID,
		AllowProfileOverride: e.AllowProfileOverride,
	}
}

// ApplyCatalog stages the profiles, domains and overrides into b. Profiles
// whose content matches the latest version are left at that version.
// Domains go in before overrides so overrides can reference them.
func (f *File) ApplyCatalog(b *catalog.Builder) error {
	for _, e := range f.Profiles {
		p, err := e.Profile()
		if err != nil {
			return err
		}
		if _, err := b.PublishProfile(p); err != nil {
			return err
		}
	}
	for _, e := range f.Domains {
		if err := b.PutDomain(e.Domain()); err != nil {
			return err
		}
	}
	for _, e := range f.Overrides {
		if err := b.PutOverride(e.Override()); err != nil {
			return err
		}
	}
	return nil
}

// Validate converts every entry and reports every problem found.
func (f *File) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for _, e := range f.Models {
		if seen[e.ID] {
			errs = append(errs, fmt.Errorf("duplicate model id %q", e.ID))
		}
		seen[e.ID] = true
		if _, err := e.Descriptor(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, e := range f.Profiles {
		if _, err := e.Profile(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, e := range f.Domains {
		if err := e.Domain().Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// EXPORT
// =============================================================================

// FromState renders models and the latest catalog profiles as a manifest.
func FromState(models []model.ModelDescriptor, cat *catalog.Catalog) *File {
	f := &File{}
	for _, m := range models {
		f.Models = append(f.Models, ModelEntry{
			ID:                 m.ID,
			Provider:           m.Provider,
			QualityScore:       m.QualityScore,
			CostPer1K:          m.CostPer1K.String(),
			LatencyP50Ms:       m.LatencyP50Ms,
			LatencyP95Ms:       m.LatencyP95Ms,
			DomainProficiency:  m.DomainProficiency,
			Certifications:     m.Certifications.Strings(),
			ReasoningScore:     m.ReasoningScore,
			SafetyScore:        m.SafetyScore,
			ReasoningTier:      string(m.ReasoningTier),
			ThermalCapable:     m.ThermalCapable,
			Availability:       string(m.Availability),
			HealthURL:          m.HealthURL,
			DivergenceEstimate: m.DivergenceEstimate,
		})
	}
	if cat == nil {
		return f
	}
	for _, p := range cat.Profiles() {
		f.Profiles = append(f.Profiles, ProfileEntry{
			ID:          p.ID,
			Category:    string(p.Category),
			Description: p.Description,
			Weights:     p.Weights.Map(),
			Constraints: ConstraintEntry{
				MinQuality:             p.Constraints.MinQuality,
				RequiredCompliance:     p.Constraints.RequiredCompliance.Strings(),
				ForcedReasoningTier:    string(p.Constraints.ForcedReasoningTier),
				RequireVerification:    p.Constraints.RequireVerification,
				MaxDivergenceThreshold: p.Constraints.MaxDivergenceThreshold,
			},
		})
	}
	for _, d := range cat.Domains() {
		f.Domains = append(f.Domains, DomainEntry{
			ID:                  d.ID,
			Description:         d.Description,
			DefaultProfileID:    d.DefaultProfileID,
			MandatoryCompliance: d.MandatoryCompliance.Strings(),
			OptionalCompliance:  d.OptionalCompliance.Strings(),
			DivergenceThreshold: d.DivergenceThreshold,
			MinQualityScore:     d.MinQualityScore,
		})
	}
	for _, o := range cat.Overrides() {
		f.Overrides = append(f.Overrides, OverrideEntry{
			TenantID:             o.TenantID,
			DomainID:             o.DomainID,
			AddedCompliance:      o.AddedCompliance.Strings(),
			ProfileID:            o.ProfileID,
			AllowProfileOverride: o.AllowProfileOverride,
		})
	}
	return f
}
