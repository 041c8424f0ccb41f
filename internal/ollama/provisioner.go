// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/jeranaias/rigroute/internal/model"
	"github.com/jeranaias/rigroute/internal/registry"
	"github.com/jeranaias/rigroute/internal/thermal"
)

// Names maps registry model ids to Ollama model tags. Ids without an entry
// are used as the tag.
type Names map[string]string

// Tag returns the Ollama tag for a model.
func (n Names) Tag(m model.ModelDescriptor) string {
	if tag, ok := n[m.ID]; ok && tag != "" {
		return tag
	}
	return m.ID
}

// =============================================================================
// PROVISIONER
// =============================================================================

var _ thermal.Provisioner = (*Provisioner)(nil)

// Provisioner warms and cools Ollama models for the thermal manager.
type Provisioner struct {
	client *Client
	names  Names
	log    zerolog.Logger
}

// NewProvisioner creates a provisioner.
func NewProvisioner(client *Client, names Names, log zerolog.Logger) *Provisioner {
	return &Provisioner{
		client: client,
		names:  names,
		log:    log.With().Str("component", "ollama.provisioner").Logger(),
	}
}

// Provision loads the model's weights. Implements thermal.Provisioner.
func (p *Provisioner) Provision(ctx context.Context, m model.ModelDescriptor) error {
	tag := p.names.Tag(m)
	resp, err := p.client.Load(ctx, tag)
	if err != nil {
		return err
	}
	p.log.Info().
		Str("model_id", m.ID).
		Str("tag", tag).
		Dur("load", resp.LoadDuration()).
		Msg("model loaded")
	return nil
}

// Release unloads the model. Ollama has no notion of a reserved host slot,
// so COLD and OFF both unload. Implements thermal.Provisioner.
func (p *Provisioner) Release(ctx context.Context, m model.ModelDescriptor, to model.ThermalLevel) error {
	tag := p.names.Tag(m)
	if err := p.client.Unload(ctx, tag); err != nil {
		if IsModelNotFound(err) {
			return nil
		}
		return err
	}
	p.log.Info().Str("model_id", m.ID).Str("tag", tag).Stringer("to", to).Msg("model unloaded")
	return nil
}

// =============================================================================
// PROBER
// =============================================================================

var _ registry.Prober = (*Prober)(nil)

// Prober reports a model up when its tag is installed, down when it is not
// or the daemon is unreachable. The installed list is cached for ttl and
// concurrent probes share one fetch.
type Prober struct {
	client *Client
	names  Names
	ttl    time.Duration

	group     singleflight.Group
	mu        sync.Mutex
	installed map[string]bool
	fetchedAt time.Time
}

// NewProber creates a prober.
func NewProber(client *Client, names Names, ttl time.Duration) *Prober {
	return &Prober{client: client, names: names, ttl: ttl}
}

// Probe implements registry.Prober.
func (p *Prober) Probe(ctx context.Context, m model.ModelDescriptor) (model.Availability, error) {
	installed, err := p.list(ctx)
	if err != nil {
		return model.AvailabilityDown, err
	}
	if installed[normalizeTag(p.names.Tag(m))] {
		return model.AvailabilityUp, nil
	}
	return model.AvailabilityDown, nil
}

func (p *Prober) list(ctx context.Context) (map[string]bool, error) {
	p.mu.Lock()
	if p.installed != nil && time.Since(p.fetchedAt) < p.ttl {
		cached := p.installed
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	v, err, _ := p.group.Do("tags", func() (any, error) {
		models, err := p.client.ListModels(ctx)
		if err != nil {
			return nil, err
		}
		set := make(map[string]bool, len(models))
		for _, mi := range models {
			set[normalizeTag(mi.Name)] = true
		}
		p.mu.Lock()
		p.installed, p.fetchedAt = set, time.Now()
		p.mu.Unlock()
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]bool), nil
}

// normalizeTag appends Ollama's implicit ":latest".
func normalizeTag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if !strings.Contains(tag, ":") {
		tag += ":latest"
	}
	return tag
}
