// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package verify

import (
	"context"
	"fmt"
	"math"

	"github.com/jeranaias/rigroute/internal/metrics"
	"github.com/jeranaias/rigroute/internal/model"
)

// =============================================================================
// ESTIMATORS
// =============================================================================

// Estimator supplies a divergence estimate in [0,1] for a candidate. ok is
// false when it has no opinion.
type Estimator interface {
	Estimate(ctx context.Context, m model.ModelDescriptor) (divergence float64, ok bool)
}

// MapEstimator serves estimates supplied with the request.
type MapEstimator map[string]float64

// Estimate implements Estimator.
func (e MapEstimator) Estimate(_ context.Context, m model.ModelDescriptor) (float64, bool) {
	v, ok := e[m.ID]
	return v, ok
}

// DescriptorEstimator serves the registry's default estimate.
type DescriptorEstimator struct{}

// Estimate implements Estimator.
func (DescriptorEstimator) Estimate(_ context.Context, m model.ModelDescriptor) (float64, bool) {
	if m.DivergenceEstimate == nil {
		return 0, false
	}
	return *m.DivergenceEstimate, true
}

// Chain asks each estimator in order and returns the first answer.
type Chain []Estimator

// Estimate implements Estimator.
func (c Chain) Estimate(ctx context.Context, m model.ModelDescriptor) (float64, bool) {
	for _, e := range c {
		if e == nil {
			continue
		}
		if v, ok := e.Estimate(ctx, m); ok {
			return v, true
		}
	}
	return 0, false
}

// =============================================================================
// GATE
// =============================================================================

// Exhaustion policies.
const (
	OnExhaustedFail    = "fail"
	OnExhaustedDegrade = "degrade"
)

// Config tunes the gate.
type Config struct {
	// MaxRetries is how many rejected candidates are replaced before giving up
	MaxRetries int
	// OnExhausted is fail or degrade
	OnExhausted string
}

// DefaultConfig allows one retry and fails closed.
func DefaultConfig() Config {
	return Config{MaxRetries: 1, OnExhausted: OnExhaustedFail}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	}
	switch c.OnExhausted {
	case OnExhaustedFail, OnExhaustedDegrade:
		return nil
	default:
		return fmt.Errorf("on_exhausted must be %q or %q, got %q", OnExhaustedFail, OnExhaustedDegrade, c.OnExhausted)
	}
}

// Gate compares candidates' divergence estimates with the effective
// threshold. It is stateless; per-request state lives in a Run.
type Gate struct {
	cfg      Config
	fallback Estimator
}

// New creates a gate. fallback is consulted after request-supplied
// estimates; nil means DescriptorEstimator.
func New(cfg Config, fallback Estimator) *Gate {
	if cfg.OnExhausted == "" {
		cfg.OnExhausted = OnExhaustedFail
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if fallback == nil {
		fallback = DescriptorEstimator{}
	}
	return &Gate{cfg: cfg, fallback: fallback}
}

// Config returns the gate's config.
func (g *Gate) Config() Config { return g.cfg }

// Threshold is the domain's divergence threshold, tightened by the
// profile's max_divergence_threshold when that is set.
func Threshold(d model.EffectiveDomain, p model.WeightProfile) float64 {
	t := d.DivergenceThreshold
	if limit := p.Constraints.MaxDivergenceThreshold; limit > 0 && limit < t {
		t = limit
	}
	return t
}

// Check is one evaluation.
type Check struct {
	ModelID    string
	Divergence float64
	Threshold  float64
	Estimated  bool
	Passed     bool
}

// Run tracks verification across one selection. A Run from a profile that
// does not require verification passes everything.
type Run struct {
	gate       *Gate
	enabled    bool
	domainID   string
	threshold  float64
	estimator  Estimator
	rejections int
	best       *Check
	last       error
}

// Begin starts a run. requestEstimates may be nil.
func (g *Gate) Begin(d model.EffectiveDomain, p model.WeightProfile, requestEstimates map[string]float64) *Run {
	r := &Run{
		gate:      g,
		enabled:   p.Constraints.RequireVerification,
		domainID:  d.ID,
		threshold: Threshold(d, p),
	}
	if len(requestEstimates) > 0 {
		r.estimator = Chain{MapEstimator(requestEstimates), g.fallback}
	} else {
		r.estimator = g.fallback
	}
	return r
}

// Enabled reports whether the profile requires verification.
func (r *Run) Enabled() bool { return r.enabled }

// Threshold returns the effective threshold.
func (r *Run) Threshold() float64 { return r.threshold }

// Check evaluates m. A missing estimate counts as maximal divergence. A
// rejection returns *model.VerificationRejected.
func (r *Run) Check(ctx context.Context, m model.ModelDescriptor) (Check, error) {
	if !r.enabled {
		return Check{ModelID: m.ID, Threshold: r.threshold, Passed: true}, nil
	}
	div, ok := r.estimator.Estimate(ctx, m)
	if !ok || math.IsNaN(div) {
		div = 1
	}
	div = math.Max(0, math.Min(1, div))

	c := Check{ModelID: m.ID, Divergence: div, Threshold: r.threshold, Estimated: ok, Passed: div <= r.threshold}
	if c.Passed {
		return c, nil
	}

	r.rejections++
	if r.best == nil || div < r.best.Divergence {
		cc := c
		r.best = &cc
	}
	metrics.VerificationRejectionsTotal.WithLabelValues(r.domainID).Inc()
	r.last = &model.VerificationRejected{
		ModelID:    m.ID,
		Divergence: div,
		Threshold:  r.threshold,
		Attempts:   r.rejections,
	}
	return c, r.last
}

// Exhausted reports whether no further candidates may be tried.
func (r *Run) Exhausted() bool {
	return r.enabled && r.rejections > r.gate.cfg.MaxRetries
}

// Rejections is the number of rejected candidates so far.
func (r *Run) Rejections() int { return r.rejections }

// LastRejection returns the most recent *model.VerificationRejected, or nil.
func (r *Run) LastRejection() error { return r.last }

// Degraded returns the lowest-divergence rejected candidate when the gate
// is configured to degrade rather than fail. It is available as soon as
// one candidate was rejected, so a ranked list shorter than the retry
// budget still degrades.
func (r *Run) Degraded() (Check, bool) {
	if r.gate.cfg.OnExhausted != OnExhaustedDegrade || r.best == nil {
		return Check{}, false
	}
	return *r.best, true
}
