// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeranaias/rigroute/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrProfileNotFound is returned when a profile id is not in the catalog.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrMissingBalanced is returned when a catalog lacks the global fallback profile.
	ErrMissingBalanced = errors.New("catalog must contain the BALANCED profile")
)

// =============================================================================
// CATALOG SNAPSHOT
// =============================================================================

// Catalog is an immutable, versioned lookup table of weight profiles, domains
// and tenant overrides. A request holds on to the snapshot it started with;
// edits go through a Builder and produce a new Catalog.
type Catalog struct {
	version   uint64
	builtAt   time.Time
	profiles  map[string][]model.WeightProfile // every published version, ascending
	domains   map[string]model.Domain
	overrides map[model.ShardKey]model.TenantOverride
}

// Version is the catalog generation, bumped on every publish.
func (c *Catalog) Version() uint64 { return c.version }

// BuiltAt is when this generation was published.
func (c *Catalog) BuiltAt() time.Time { return c.builtAt }

// Profile returns the latest published version of a profile.
func (c *Catalog) Profile(id string) (model.WeightProfile, bool) {
	history := c.profiles[id]
	if len(history) == 0 {
		return model.WeightProfile{}, false
	}
	return history[len(history)-1], true
}

// ProfileVersion returns a specific published version of a profile.
func (c *Catalog) ProfileVersion(id string, version int) (model.WeightProfile, bool) {
	for _, p := range c.profiles[id] {
		if p.Version == version {
			return p, true
		}
	}
	return model.WeightProfile{}, false
}

// ProfileHistory returns every published version of a profile, oldest first.
func (c *Catalog) ProfileHistory(id string) []model.WeightProfile {
	return append([]model.WeightProfile(nil), c.profiles[id]...)
}

// Profiles returns the latest version of every profile, sorted by id.
func (c *Catalog) Profiles() []model.WeightProfile {
	out := make([]model.WeightProfile, 0, len(c.profiles))
	for id := range c.profiles {
		p, _ := c.Profile(id)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllProfileVersions returns every published version of every profile.
func (c *Catalog) AllProfileVersions() []model.WeightProfile {
	var out []model.WeightProfile
	for _, p := range c.Profiles() {
		out = append(out, c.profiles[p.ID]...)
	}
	return out
}

// Domain looks up a domain by id.
func (c *Catalog) Domain(id string) (model.Domain, bool) {
	d, ok := c.domains[id]
	return d, ok
}

// Domains returns every domain sorted by id.
func (c *Catalog) Domains() []model.Domain {
	out := make([]model.Domain, 0, len(c.domains))
	for _, d := range c.domains {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Override returns the tenant override for a domain, if any.
func (c *Catalog) Override(tenantID, domainID string) (model.TenantOverride, bool) {
	o, ok := c.overrides[model.ShardKey{TenantID: tenantID, DomainID: domainID}]
	return o, ok
}

// Overrides returns every tenant override sorted by tenant then domain.
func (c *Catalog) Overrides() []model.TenantOverride {
	out := make([]model.TenantOverride, 0, len(c.overrides))
	for _, o := range c.overrides {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].DomainID < out[j].DomainID
	})
	return out
}

// EffectiveDomain applies a tenant's override to a domain. The required
// compliance set is the union of the domain's mandatory tags and the tenant's
// added tags, so an override can only narrow the eligible set.
func (c *Catalog) EffectiveDomain(tenantID, domainID string) (model.EffectiveDomain, error) {
	d, ok := c.domains[domainID]
	if !ok {
		return model.EffectiveDomain{}, &model.UnknownDomainError{DomainID: domainID}
	}
	eff := model.EffectiveDomain{
		Domain:             d,
		TenantID:           tenantID,
		RequiredCompliance: d.MandatoryCompliance.Clone(),
	}
	if o, ok := c.Override(tenantID, domainID); ok {
		eff.RequiredCompliance = eff.RequiredCompliance.Union(o.AddedCompliance)
		ov := o
		eff.Override = &ov
	}
	return eff, nil
}

// =============================================================================
// BUILDER
// =============================================================================

// Builder stages edits against a base catalog. Nothing is visible to readers
// until Build returns the next generation.
type Builder struct {
	version   uint64
	profiles  map[string][]model.WeightProfile
	domains   map[string]model.Domain
	overrides map[model.ShardKey]model.TenantOverride
	now       func() time.Time
}

// NewBuilder starts a builder from base (nil for an empty catalog).
func NewBuilder(base *Catalog) *Builder {
	b := &Builder{
		profiles:  make(map[string][]model.WeightProfile),
		domains:   make(map[string]model.Domain),
		overrides: make(map[model.ShardKey]model.TenantOverride),
		now:       time.Now,
	}
	if base == nil {
		return b
	}
	b.version = base.version
	for id, history := range base.profiles {
		b.profiles[id] = append([]model.WeightProfile(nil), history...)
	}
	for id, d := range base.domains {
		b.domains[id] = d
	}
	for k, o := range base.overrides {
		b.overrides[k] = o
	}
	return b
}

// PublishProfile validates p and appends it as the next version of its id.
// Publishing content identical to the latest version is a no-op, so manifest
// reloads do not inflate version numbers.
func (b *Builder) PublishProfile(p model.WeightProfile) (model.WeightProfile, error) {
	if err := p.Validate(); err != nil {
		return model.WeightProfile{}, err
	}
	history := b.profiles[p.ID]
	if n := len(history); n > 0 {
		latest := history[n-1]
		if sameContent(latest, p) {
			return latest, nil
		}
		p.Version = latest.Version + 1
	} else if p.Version <= 0 {
		p.Version = 1
	}
	if p.PublishedAt.IsZero() {
		p.PublishedAt = b.now().UTC()
	}
	p.Constraints.RequiredCompliance = p.Constraints.RequiredCompliance.Clone()
	b.profiles[p.ID] = append(history, p)
	return p, nil
}

// RestoreProfile inserts an already-published version verbatim. Used when
// loading history from storage.
func (b *Builder) RestoreProfile(p model.WeightProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.Version <= 0 {
		return &model.InvalidProfileError{ProfileID: p.ID, Reason: "restored profile must carry a version"}
	}
	history := b.profiles[p.ID]
	for _, existing := range history {
		if existing.Version == p.Version {
			if !sameContent(existing, p) {
				return &model.InvalidProfileError{
					ProfileID: p.ID,
					Reason:    fmt.Sprintf("version %d already published with different content", p.Version),
				}
			}
			return nil
		}
	}
	history = append(history, p)
	sort.Slice(history, func(i, j int) bool { return history[i].Version < history[j].Version })
	b.profiles[p.ID] = history
	return nil
}

// PutDomain adds or replaces a domain.
func (b *Builder) PutDomain(d model.Domain) error {
	if err := d.Validate(); err != nil {
		return err
	}
	d.MandatoryCompliance = d.MandatoryCompliance.Clone()
	d.OptionalCompliance = d.OptionalCompliance.Clone()
	b.domains[d.ID] = d
	return nil
}

// PutOverride adds or replaces a tenant override. AddedCompliance merges
// with any existing override for the same tenant and domain.
func (b *Builder) PutOverride(o model.TenantOverride) error {
	if o.TenantID == "" || o.DomainID == "" {
		return fmt.Errorf("tenant override requires tenant_id and domain_id")
	}
	if _, ok := b.domains[o.DomainID]; !ok {
		return &model.UnknownDomainError{DomainID: o.DomainID}
	}
	if o.ProfileID != "" {
		if _, ok := b.profiles[o.ProfileID]; !ok {
			return fmt.Errorf("tenant override %s: %w: %s", o.Key(), ErrProfileNotFound, o.ProfileID)
		}
	}
	key := o.Key()
	if existing, ok := b.overrides[key]; ok {
		o.AddedCompliance = existing.AddedCompliance.Union(o.AddedCompliance)
		if o.ProfileID == "" {
			o.ProfileID = existing.ProfileID
		}
		if o.AllowProfileOverride == nil {
			o.AllowProfileOverride = existing.AllowProfileOverride
		}
	} else {
		o.AddedCompliance = o.AddedCompliance.Clone()
	}
	b.overrides[key] = o
	return nil
}

// RemoveOverride drops a tenant override entirely.
func (b *Builder) RemoveOverride(tenantID, domainID string) {
	delete(b.overrides, model.ShardKey{TenantID: tenantID, DomainID: domainID})
}

// Build checks cross references and returns the next generation.
func (b *Builder) Build() (*Catalog, error) {
	if _, ok := b.profiles[model.BalancedProfileID]; !ok {
		return nil, ErrMissingBalanced
	}
	for id, d := range b.domains {
		if d.DefaultProfileID == "" {
			continue
		}
		if _, ok := b.profiles[d.DefaultProfileID]; !ok {
			return nil, fmt.Errorf("domain %s: default %w: %s", id, ErrProfileNotFound, d.DefaultProfileID)
		}
	}
	c := &Catalog{
		version:   b.version + 1,
		builtAt:   b.now().UTC(),
		profiles:  make(map[string][]model.WeightProfile, len(b.profiles)),
		domains:   make(map[string]model.Domain, len(b.domains)),
		overrides: make(map[model.ShardKey]model.TenantOverride, len(b.overrides)),
	}
	for id, history := range b.profiles {
		c.profiles[id] = append([]model.WeightProfile(nil), history...)
	}
	for id, d := range b.domains {
		c.domains[id] = d
	}
	for k, o := range b.overrides {
		c.overrides[k] = o
	}
	return c, nil
}

func sameContent(a, b model.WeightProfile) bool {
	return a.Category == b.Category &&
		a.Description == b.Description &&
		a.Weights == b.Weights &&
		a.Constraints.MinQuality == b.Constraints.MinQuality &&
		a.Constraints.ForcedReasoningTier == b.Constraints.ForcedReasoningTier &&
		a.Constraints.RequireVerification == b.Constraints.RequireVerification &&
		a.Constraints.MaxDivergenceThreshold == b.Constraints.MaxDivergenceThreshold &&
		reflect.DeepEqual(a.Constraints.RequiredCompliance.Strings(), b.Constraints.RequiredCompliance.Strings())
}

// =============================================================================
// HOLDER
// =============================================================================

// Holder publishes catalog generations to concurrent readers. Reads are a
// single atomic load; writers are serialised.
type Holder struct {
	current atomic.Pointer[Catalog]
	writeMu sync.Mutex
	hooks   []func(*Catalog)
}

// NewHolder wraps an initial catalog.
func NewHolder(initial *Catalog) *Holder {
	h := &Holder{}
	h.current.Store(initial)
	return h
}

// Current returns the live snapshot.
func (h *Holder) Current() *Catalog {
	return h.current.Load()
}

// OnPublish registers a hook run (under the write lock) after every publish.
func (h *Holder) OnPublish(fn func(*Catalog)) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.hooks = append(h.hooks, fn)
}

// Update applies fn to a builder seeded from the live snapshot and publishes
// the result. If fn or Build fails the live snapshot is untouched.
func (h *Holder) Update(fn func(b *Builder) error) (*Catalog, error) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	b := NewBuilder(h.current.Load())
	if err := fn(b); err != nil {
		return nil, err
	}
	next, err := b.Build()
	if err != nil {
		return nil, err
	}
	h.current.Store(next)
	for _, hook := range h.hooks {
		hook(next)
	}
	return next, nil
}
