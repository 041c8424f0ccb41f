// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jeranaias/rigroute/internal/metrics"
	"github.com/jeranaias/rigroute/internal/model"
)

// =============================================================================
// PROBERS
// =============================================================================

// Prober reports the current availability of one model. A prober that does
// not cover a model returns the model's current availability unchanged.
type Prober interface {
	Probe(ctx context.Context, m model.ModelDescriptor) (model.Availability, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, m model.ModelDescriptor) (model.Availability, error)

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, m model.ModelDescriptor) (model.Availability, error) {
	return f(ctx, m)
}

// HTTPProber issues GET HealthURL. 2xx is up, 429 and 503 are degraded,
// anything else (including transport errors) is down. Models without a
// HealthURL are left alone.
type HTTPProber struct {
	Client *http.Client
}

// NewHTTPProber creates a prober with the given per-request timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{Client: &http.Client{Timeout: timeout}}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, m model.ModelDescriptor) (model.Availability, error) {
	if m.HealthURL == "" {
		return m.Availability, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.HealthURL, nil)
	if err != nil {
		return model.AvailabilityDown, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return model.AvailabilityDown, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return model.AvailabilityUp, nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusServiceUnavailable:
		return model.AvailabilityDegraded, nil
	default:
		return model.AvailabilityDown, nil
	}
}

// ByProvider dispatches to a provider-specific prober, falling back to
// Default for providers without one.
type ByProvider struct {
	Providers map[string]Prober
	Default   Prober
}

// Probe implements Prober.
func (b ByProvider) Probe(ctx context.Context, m model.ModelDescriptor) (model.Availability, error) {
	if p, ok := b.Providers[strings.ToLower(m.Provider)]; ok {
		return p.Probe(ctx, m)
	}
	if b.Default != nil {
		return b.Default.Probe(ctx, m)
	}
	return m.Availability, nil
}

// =============================================================================
// REFRESHER
// =============================================================================

// RefresherConfig controls probe pacing.
type RefresherConfig struct {
	Interval    time.Duration
	Concurrency int
	RatePerSec  float64
	Burst       int
}

// Refresher probes every model periodically and publishes availability
// changes as a new snapshot.
type Refresher struct {
	reg     *Registry
	prober  Prober
	cfg     RefresherConfig
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewRefresher creates a refresher, filling zero config values.
func NewRefresher(reg *Registry, prober Prober, cfg RefresherConfig, log zerolog.Logger) *Refresher {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Concurrency
	}
	return &Refresher{
		reg:     reg,
		prober:  prober,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		log:     log.With().Str("component", "registry.refresher").Logger(),
	}
}

// RefreshOnce probes every model in the current snapshot and returns how
// many availabilities changed. Probe failures mark the model down; only
// context cancellation is returned as an error.
func (f *Refresher) RefreshOnce(ctx context.Context) (int, error) {
	snap := f.reg.Snapshot()

	var (
		mu      sync.Mutex
		results = make(map[string]model.Availability, snap.Len())
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Concurrency)

	for _, m := range snap.Models() {
		g.Go(func() error {
			if err := f.limiter.Wait(gctx); err != nil {
				return err
			}
			avail, err := f.prober.Probe(gctx, m)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				metrics.ProbeFailuresTotal.WithLabelValues(m.Provider).Inc()
				f.log.Warn().Err(err).Str("model_id", m.ID).Msg("health probe failed")
				avail = model.AvailabilityDown
			}
			mu.Lock()
			results[m.ID] = avail
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return f.reg.UpdateAvailability(results), nil
}

// Run refreshes on every interval until ctx is cancelled.
func (f *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	for {
		if changed, err := f.RefreshOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.log.Error().Err(err).Msg("refresh failed")
		} else if changed > 0 {
			f.log.Debug().Int("changed", changed).Msg("registry refreshed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
