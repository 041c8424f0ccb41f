// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigroute/internal/metrics"
	"github.com/jeranaias/rigroute/internal/model"
)

// ErrModelNotFound is returned when deregistering an unknown id.
var ErrModelNotFound = errors.New("model not found")

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is an immutable view of the registered models. Selection reads a
// single snapshot for the whole request so a concurrent refresh can never
// change the candidate set mid-selection.
type Snapshot struct {
	version uint64
	takenAt time.Time
	models  map[string]model.ModelDescriptor
	ids     []string
}

func newSnapshot(version uint64, models map[string]model.ModelDescriptor) *Snapshot {
	ids := make([]string, 0, len(models))
	for id := range models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return &Snapshot{version: version, takenAt: time.Now().UTC(), models: models, ids: ids}
}

// Version is bumped on every change.
func (s *Snapshot) Version() uint64 { return s.version }

// TakenAt is when the snapshot was published.
func (s *Snapshot) TakenAt() time.Time { return s.takenAt }

// Len returns the number of models.
func (s *Snapshot) Len() int { return len(s.ids) }

// Get returns a model by id.
func (s *Snapshot) Get(id string) (model.ModelDescriptor, bool) {
	m, ok := s.models[id]
	return m, ok
}

// Models returns every model sorted by id.
func (s *Snapshot) Models() []model.ModelDescriptor {
	out := make([]model.ModelDescriptor, len(s.ids))
	for i, id := range s.ids {
		out[i] = s.models[id]
	}
	return out
}

// ListFilter narrows Snapshot.List. Zero fields match everything.
type ListFilter struct {
	Tags         model.TagSet
	Provider     string
	ThermalOnly  bool
	Availability model.Availability
}

// List returns models matching the filter, sorted by id.
func (s *Snapshot) List(f ListFilter) []model.ModelDescriptor {
	var out []model.ModelDescriptor
	for _, id := range s.ids {
		m := s.models[id]
		if !m.Certifications.Covers(f.Tags) {
			continue
		}
		if f.Provider != "" && !strings.EqualFold(m.Provider, f.Provider) {
			continue
		}
		if f.ThermalOnly && !m.ThermalCapable {
			continue
		}
		if f.Availability != "" && m.Availability != f.Availability {
			continue
		}
		out = append(out, m)
	}
	return out
}

// =============================================================================
// REGISTRY
// =============================================================================

// Listener is told when thermal-relevant membership changes. The thermal
// manager creates state on register and destroys it on deregister.
type Listener interface {
	ModelRegistered(m model.ModelDescriptor)
	ModelDeregistered(id string)
}

// Registry owns model descriptors and publishes them as snapshots.
// Writers are serialised; readers never block.
type Registry struct {
	current   atomic.Pointer[Snapshot]
	mu        sync.Mutex
	listeners []Listener
	log       zerolog.Logger
}

// New creates an empty registry.
func New(log zerolog.Logger) *Registry {
	r := &Registry{log: log.With().Str("component", "registry").Logger()}
	r.current.Store(newSnapshot(0, map[string]model.ModelDescriptor{}))
	return r
}

// Subscribe adds a listener. Existing models are replayed to it.
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
	for _, m := range r.current.Load().Models() {
		l.ModelRegistered(m)
	}
}

// Snapshot returns the live snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Register adds or replaces models. All descriptors are validated before any
// is published.
func (r *Registry) Register(models ...model.ModelDescriptor) error {
	for _, m := range models {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	next := cloneModels(cur.models, len(models))
	for _, m := range models {
		m = normalise(m)
		next[m.ID] = m
	}
	r.publish(cur, next)
	for _, m := range models {
		r.notifyRegistered(next[m.ID])
	}
	return nil
}

// Deregister removes models. Unknown ids fail the whole call.
func (r *Registry) Deregister(ids ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	for _, id := range ids {
		if _, ok := cur.models[id]; !ok {
			return fmt.Errorf("%w: %s", ErrModelNotFound, id)
		}
	}
	next := cloneModels(cur.models, 0)
	for _, id := range ids {
		delete(next, id)
	}
	r.publish(cur, next)
	for _, id := range ids {
		r.notifyDeregistered(id)
	}
	return nil
}

// Replace swaps the full model set, notifying listeners of the difference.
// Used when a manifest is reloaded.
func (r *Registry) Replace(models []model.ModelDescriptor) error {
	next := make(map[string]model.ModelDescriptor, len(models))
	for _, m := range models {
		if err := m.Validate(); err != nil {
			return err
		}
		if _, dup := next[m.ID]; dup {
			return fmt.Errorf("duplicate model id %q", m.ID)
		}
		next[m.ID] = normalise(m)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	r.publish(cur, next)
	for id := range cur.models {
		if _, ok := next[id]; !ok {
			r.notifyDeregistered(id)
		}
	}
	for _, id := range sortedKeys(next) {
		r.notifyRegistered(next[id])
	}
	return nil
}

// UpdateAvailability applies probe results and returns how many changed.
// No snapshot is published when nothing changed.
func (r *Registry) UpdateAvailability(updates map[string]model.Availability) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.current.Load()
	var next map[string]model.ModelDescriptor
	changed := 0
	for id, avail := range updates {
		m, ok := cur.models[id]
		if !ok || m.Availability == avail {
			continue
		}
		if next == nil {
			next = cloneModels(cur.models, 0)
		}
		r.log.Info().Str("model_id", id).
			Str("from", string(m.Availability)).
			Str("to", string(avail)).
			Msg("availability changed")
		m = m.Clone()
		m.Availability = avail
		next[id] = m
		changed++
	}
	if changed > 0 {
		r.publish(cur, next)
	}
	return changed
}

// publish must be called with r.mu held.
func (r *Registry) publish(cur *Snapshot, next map[string]model.ModelDescriptor) {
	snap := newSnapshot(cur.version+1, next)
	r.current.Store(snap)

	counts := map[model.Availability]float64{
		model.AvailabilityUp:       0,
		model.AvailabilityDegraded: 0,
		model.AvailabilityDown:     0,
	}
	for _, m := range next {
		counts[m.Availability]++
	}
	for avail, n := range counts {
		metrics.RegistryModels.WithLabelValues(string(avail)).Set(n)
	}
}

func (r *Registry) notifyRegistered(m model.ModelDescriptor) {
	for _, l := range r.listeners {
		l.ModelRegistered(m)
	}
}

func (r *Registry) notifyDeregistered(id string) {
	for _, l := range r.listeners {
		l.ModelDeregistered(id)
	}
}

func normalise(m model.ModelDescriptor) model.ModelDescriptor {
	m = m.Clone()
	if m.Availability == "" {
		m.Availability = model.AvailabilityUp
	}
	if m.Certifications == nil {
		m.Certifications = model.TagSet{}
	}
	return m
}

func cloneModels(src map[string]model.ModelDescriptor, extra int) map[string]model.ModelDescriptor {
	out := make(map[string]model.ModelDescriptor, len(src)+extra)
	for id, m := range src {
		out[id] = m
	}
	return out
}

func sortedKeys(m map[string]model.ModelDescriptor) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
