// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jeranaias/rigroute/internal/catalog"
	"github.com/jeranaias/rigroute/internal/compliance"
	"github.com/jeranaias/rigroute/internal/metrics"
	"github.com/jeranaias/rigroute/internal/model"
	"github.com/jeranaias/rigroute/internal/registry"
	"github.com/jeranaias/rigroute/internal/scoring"
	"github.com/jeranaias/rigroute/internal/verify"
)

// ============================================================================
// COLLABORATORS
// ============================================================================

// ModelSource supplies registry snapshots.
type ModelSource interface {
	Snapshot() *registry.Snapshot
}

// CatalogSource supplies catalog snapshots.
type CatalogSource interface {
	Current() *catalog.Catalog
}

// Thermal makes a candidate servable.
type Thermal interface {
	EnsureReady(ctx context.Context, m model.ModelDescriptor) error
	// ReadyNow reports readiness without waiting or provisioning
	ReadyNow(m model.ModelDescriptor) bool
	// WaitTimeout bounds the thermal waits of one selection
	WaitTimeout() time.Duration
}

// Recorder queues decisions for the audit trail.
type Recorder interface {
	Record(ctx context.Context, d model.SelectionDecision) (model.SelectionDecision, error)
}

// Deps wires an Engine. Models and Catalog are required.
type Deps struct {
	Models   ModelSource
	Catalog  CatalogSource
	Resolver *catalog.Resolver
	Scorer   *scoring.Scorer
	Thermal  Thermal
	Gate     *verify.Gate
	Recorder Recorder
	Logger   zerolog.Logger

	// Now and NewID are for tests
	Now   func() time.Time
	NewID func() string
}

// ============================================================================
// ENGINE
// ============================================================================

// Engine orchestrates a selection. It holds no per-request state and is safe
// for concurrent use.
type Engine struct {
	models   ModelSource
	catalogs CatalogSource
	resolver *catalog.Resolver
	scorer   *scoring.Scorer
	thermal  Thermal
	gate     *verify.Gate
	recorder Recorder
	log      zerolog.Logger
	now      func() time.Time
	newID    func() string
}

// NewEngine creates an engine. Missing optional collaborators get defaults:
// the default resolver and curves, no thermal management, fail-closed
// verification with one retry, and no recording.
func NewEngine(d Deps) (*Engine, error) {
	if d.Models == nil || d.Catalog == nil {
		return nil, errors.New("router: models and catalog are required")
	}
	e := &Engine{
		models:   d.Models,
		catalogs: d.Catalog,
		resolver: d.Resolver,
		scorer:   d.Scorer,
		thermal:  d.Thermal,
		gate:     d.Gate,
		recorder: d.Recorder,
		log:      d.Logger.With().Str("component", "engine").Logger(),
		now:      d.Now,
		newID:    d.NewID,
	}
	if e.resolver == nil {
		e.resolver = catalog.NewResolver(catalog.DefaultResolverConfig())
	}
	if e.scorer == nil {
		e.scorer = scoring.New(scoring.DefaultCurves())
	}
	if e.gate == nil {
		e.gate = verify.New(verify.DefaultConfig(), nil)
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e, nil
}

// attempt carries one selection's working state.
type attempt struct {
	req        Request
	started    time.Time
	cat        *catalog.Catalog
	eff        model.EffectiveDomain
	resolution catalog.Resolution
	filtered   compliance.Result
	ranked     []scoring.Scored
	rejected   map[string]model.CandidateRecord
	selected   *scoring.Scored
	divergence *float64
	outcome    model.Outcome
}

// Select picks the model for req.
//
// Returns *model.NoEligibleModelError when no compliant candidate survives
// (recorded as a failed decision), *model.UnknownDomainError or
// *model.InvalidProfileError for bad input (not recorded), and
// model.ErrBackendUnavailable when the registry is empty.
func (e *Engine) Select(ctx context.Context, req Request) (Response, error) {
	a := &attempt{req: req, started: e.now(), rejected: make(map[string]model.CandidateRecord)}

	// ========================================================================
	// CHECK ORDER (DO NOT REORDER):
	// 1. Request validation
	// 2. Domain and tenant override lookup
	// 3. Profile resolution (constraints feed the compliance gate)
	// 4. Compliance filter (hard gate, before any ranking)
	// 5. Scoring and ranking
	// 6. Thermal readiness, verification, walking down the ranked list
	// ========================================================================

	if err := req.Validate(); err != nil {
		return Response{}, err
	}

	snap := e.models.Snapshot()
	a.cat = e.catalogs.Current()
	if snap == nil || snap.Len() == 0 {
		return Response{}, fmt.Errorf("%w: model registry is empty", model.ErrBackendUnavailable)
	}

	eff, err := a.cat.EffectiveDomain(req.TenantID, req.DomainID)
	if err != nil {
		return Response{}, err
	}
	a.eff = eff

	a.resolution, err = e.resolver.Resolve(a.cat, eff, req.ExplicitProfileOverride, req.LatencyBudget)
	if err != nil {
		e.log.Error().Err(err).
			Str("tenant_id", req.TenantID).
			Str("domain_id", req.DomainID).
			Str("requested_profile", req.ExplicitProfileOverride).
			Msg("invalid profile configuration")
		return Response{}, err
	}
	profile := a.resolution.Profile

	a.filtered = compliance.Filter(snap.Models(), compliance.RequirementsFor(eff, profile))
	for _, ex := range a.filtered.Excluded {
		metrics.FilterExclusionsTotal.WithLabelValues(eff.ID, ex.Reason).Inc()
	}
	if err := a.filtered.Err(req.TenantID, req.DomainID); err != nil {
		return e.fail(ctx, a, err)
	}

	a.ranked = e.scorer.Rank(a.filtered.Eligible, profile.Weights, scoring.Input{
		Domain:        eff,
		LatencyBudget: req.LatencyBudget,
		MaxCostPer1K:  req.MaxCostPer1K,
	})

	walk := ctx
	if e.thermal != nil && !req.DryRun {
		var cancel context.CancelFunc
		walk, cancel = context.WithTimeout(ctx, e.thermal.WaitTimeout())
		defer cancel()
	}

	run := e.gate.Begin(eff, profile, req.DivergenceEstimates)
	var lastErr error
	for i := range a.ranked {
		cand := a.ranked[i]

		if e.thermal != nil && !req.DryRun {
			if err := e.ready(walk, cand.Model); err != nil {
				if ctx.Err() != nil {
					return e.fail(ctx, a, ctx.Err())
				}
				reason := model.ReasonThermalTimeout
				if !errors.Is(err, model.ErrThermalTimeout) {
					reason = model.ReasonUnavailable
				}
				a.rejected[cand.Model.ID] = model.CandidateRecord{
					ModelID: cand.Model.ID, Score: cand.Score, FilterReason: reason, Detail: err.Error(),
				}
				lastErr = err
				e.log.Debug().Err(err).Str("model_id", cand.Model.ID).Msg("candidate not ready, trying next")
				continue
			}
		}

		chk, err := run.Check(ctx, cand.Model)
		if err != nil {
			a.rejected[cand.Model.ID] = model.CandidateRecord{
				ModelID:      cand.Model.ID,
				Score:        cand.Score,
				FilterReason: model.ReasonVerificationRejected,
				Detail:       fmt.Sprintf("divergence %.3f > %.3f", chk.Divergence, chk.Threshold),
			}
			lastErr = err
			if run.Exhausted() {
				break
			}
			continue
		}

		a.selected = &a.ranked[i]
		a.outcome = model.OutcomeSelected
		if run.Enabled() {
			div := chk.Divergence
			a.divergence = &div
		}
		break
	}

	// Degrade applies once verification rejected anyone, whether the retry
	// budget or the ranked list ran out first.
	if a.selected == nil && run.Rejections() > 0 {
		if best, ok := run.Degraded(); ok {
			for i := range a.ranked {
				if a.ranked[i].Model.ID == best.ModelID {
					a.selected = &a.ranked[i]
					break
				}
			}
			delete(a.rejected, best.ModelID)
			div := best.Divergence
			a.divergence = &div
			a.outcome = model.OutcomeDegraded
		}
	}

	if a.selected == nil {
		excluded := a.filtered.ExcludedMap()
		for id, rec := range a.rejected {
			excluded[id] = rec.FilterReason
		}
		return e.fail(ctx, a, &model.NoEligibleModelError{
			TenantID: req.TenantID,
			DomainID: req.DomainID,
			Reason:   "every compliant candidate was rejected",
			Excluded: excluded,
			Cause:    lastErr,
		})
	}

	return e.succeed(ctx, a)
}

// ready waits for m inside the selection's shared thermal budget. Once the
// budget is spent only targets that can serve immediately qualify, and no
// further provisioning is started.
func (e *Engine) ready(walk context.Context, m model.ModelDescriptor) error {
	if walk.Err() == nil {
		return e.thermal.EnsureReady(walk, m)
	}
	if e.thermal.ReadyNow(m) {
		return nil
	}
	return &model.ThermalProvisioningTimeout{ModelID: m.ID, Waited: e.thermal.WaitTimeout()}
}

// ============================================================================
// OUTCOMES
// ============================================================================

func (e *Engine) succeed(ctx context.Context, a *attempt) (Response, error) {
	d := e.decision(a)
	d = e.record(ctx, a, d)

	metrics.SelectionsTotal.WithLabelValues(a.eff.ID, string(a.outcome)).Inc()
	metrics.SelectionDuration.WithLabelValues(a.eff.ID).Observe(d.DecisionLatencyMs / 1000)

	e.log.Debug().
		Str("tenant_id", a.req.TenantID).
		Str("domain_id", a.eff.ID).
		Str("profile", a.resolution.Profile.Ref()).
		Str("selected", a.selected.Model.ID).
		Str("outcome", string(a.outcome)).
		Float64("score", a.selected.Score).
		Msg("model selected")

	return Response{
		SelectedModelID: a.selected.Model.ID,
		FallbackRank:    d.FallbackRank,
		ProfileUsed:     a.resolution.Profile.Ref(),
		ProfileSource:   a.resolution.Source,
		DecisionID:      d.ID,
		Outcome:         a.outcome,
		Score:           a.selected.Score,
		DivergenceScore: a.divergence,
		Warnings:        a.resolution.Warnings,
		Decision:        d,
	}, nil
}

func (e *Engine) fail(ctx context.Context, a *attempt, cause error) (Response, error) {
	a.outcome = model.OutcomeFailed
	d := e.decision(a)
	d.FailureReason = cause.Error()
	d = e.record(ctx, a, d)

	metrics.SelectionsTotal.WithLabelValues(a.eff.ID, string(model.OutcomeFailed)).Inc()
	metrics.SelectionDuration.WithLabelValues(a.eff.ID).Observe(d.DecisionLatencyMs / 1000)

	e.log.Debug().Err(cause).
		Str("tenant_id", a.req.TenantID).
		Str("domain_id", a.eff.ID).
		Str("decision_id", d.ID).
		Msg("selection failed")
	return Response{DecisionID: d.ID, Outcome: model.OutcomeFailed, Decision: d}, cause
}

// decision builds the audit record. Candidates list ranked models first in
// rank order, then filtered models by id.
func (e *Engine) decision(a *attempt) model.SelectionDecision {
	d := model.SelectionDecision{
		ID:             e.newID(),
		TenantID:       a.req.TenantID,
		DomainID:       a.req.DomainID,
		ProfileIDUsed:  a.resolution.Profile.ID,
		ProfileVersion: a.resolution.Profile.Version,
		Outcome:        a.outcome,
		CreatedAt:      e.now().UTC(),
		FallbackRank:   []string{},
	}

	for _, sc := range a.ranked {
		rec := model.CandidateRecord{ModelID: sc.Model.ID, Score: sc.Score}
		if r, ok := a.rejected[sc.Model.ID]; ok {
			rec = r
		}
		d.Candidates = append(d.Candidates, rec)
	}
	excluded := append([]compliance.Exclusion(nil), a.filtered.Excluded...)
	sort.Slice(excluded, func(i, j int) bool { return excluded[i].ModelID < excluded[j].ModelID })
	for _, ex := range excluded {
		d.Candidates = append(d.Candidates, model.CandidateRecord{
			ModelID: ex.ModelID, Filtered: true, FilterReason: ex.Reason, Detail: ex.Detail,
		})
	}

	if a.selected != nil {
		d.SelectedModelID = a.selected.Model.ID
		d.DivergenceScore = a.divergence
		d.FallbackRank = fallbackRank(a)
	}
	d.DecisionLatencyMs = float64(e.now().Sub(a.started).Microseconds()) / 1000
	return d
}

// fallbackRank lists ranked candidates after the selected one that were not
// rejected, in rank order.
func fallbackRank(a *attempt) []string {
	out := []string{}
	past := false
	for _, sc := range a.ranked {
		if sc.Model.ID == a.selected.Model.ID {
			past = true
			continue
		}
		if _, rejected := a.rejected[sc.Model.ID]; rejected || !past {
			continue
		}
		out = append(out, sc.Model.ID)
	}
	return out
}

// record queues d for the audit trail. A recorder failure is logged, never
// returned.
func (e *Engine) record(ctx context.Context, a *attempt, d model.SelectionDecision) model.SelectionDecision {
	if e.recorder == nil || a.req.DryRun {
		return d
	}
	chained, err := e.recorder.Record(context.WithoutCancel(ctx), d)
	if err != nil {
		e.log.Error().Err(err).Str("decision_id", d.ID).Msg("failed to record decision")
		return d
	}
	return chained
}
