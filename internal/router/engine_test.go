// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigroute/internal/audit"
	"github.com/jeranaias/rigroute/internal/catalog"
	"github.com/jeranaias/rigroute/internal/model"
	"github.com/jeranaias/rigroute/internal/modeltest"
	"github.com/jeranaias/rigroute/internal/registry"
	"github.com/jeranaias/rigroute/internal/thermal"
	"github.com/jeranaias/rigroute/internal/verify"
)

// =============================================================================
// HELPERS
// =============================================================================

type harness struct {
	reg    *registry.Registry
	holder *catalog.Holder
	store  *audit.MemoryStore
	rec    *audit.Recorder
	hasher audit.Hasher
	therm  *thermal.Manager
	engine *Engine
}

type harnessOpts struct {
	models  []model.ModelDescriptor
	gate    verify.Config
	prov    thermal.Provisioner
	thermal thermal.Config
	log     *bytes.Buffer
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	if o.models == nil {
		o.models = modeltest.Fleet()
	}
	if o.gate.OnExhausted == "" {
		o.gate = verify.DefaultConfig()
	}
	if o.prov == nil {
		o.prov = thermal.NopProvisioner{}
	}

	h := &harness{
		reg:    registry.New(zerolog.Nop()),
		holder: catalog.NewHolder(catalog.Default()),
		store:  audit.NewMemoryStore(),
	}
	require.NoError(t, h.reg.Register(o.models...))

	hasher, err := audit.NewHasher(audit.AlgSHA256, nil)
	require.NoError(t, err)
	h.hasher = hasher
	h.rec = audit.NewRecorder(h.store, hasher, audit.DefaultConfig(), zerolog.Nop())
	h.therm = thermal.NewManager(o.thermal, o.prov)
	h.reg.Subscribe(h.therm)

	log := zerolog.Nop()
	if o.log != nil {
		log = zerolog.New(o.log)
	}

	h.engine, err = NewEngine(Deps{
		Models:   h.reg,
		Catalog:  h.holder,
		Thermal:  h.therm,
		Gate:     verify.New(o.gate, nil),
		Recorder: h.rec,
		Logger:   log,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.rec.Close(ctx)
	})
	return h
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.rec.Flush(ctx))
}

func candidate(d model.SelectionDecision, id string) (model.CandidateRecord, bool) {
	for _, c := range d.Candidates {
		if c.ModelID == id {
			return c, true
		}
	}
	return model.CandidateRecord{}, false
}

// blockingProvisioner never finishes until released.
type blockingProvisioner struct {
	release chan struct{}
	once    sync.Once
	calls   atomic.Int32
}

func (p *blockingProvisioner) Provision(ctx context.Context, _ model.ModelDescriptor) error {
	p.calls.Add(1)
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *blockingProvisioner) Release(context.Context, model.ModelDescriptor, model.ThermalLevel) error {
	return nil
}

func (p *blockingProvisioner) unblock() { p.once.Do(func() { close(p.release) }) }

// twoModels is a self-hosted model that wins every dimension and a cloud
// model that loses every dimension.
func twoModels() []model.ModelDescriptor {
	return []model.ModelDescriptor{
		{
			ID: "local-a", Provider: "ollama", QualityScore: 95, CostPer1K: decimal.RequireFromString("0.0001"),
			LatencyP50Ms: 100, LatencyP95Ms: 300, DomainProficiency: map[string]float64{"general": 0.9},
			Certifications: model.NewTagSet("SOC2"), ReasoningScore: 90, SafetyScore: 90,
			ReasoningTier: model.TierStandard, ThermalCapable: true, Availability: model.AvailabilityUp,
		},
		{
			ID: "cloud-b", Provider: "openai", QualityScore: 60, CostPer1K: decimal.RequireFromString("0.02"),
			LatencyP50Ms: 900, LatencyP95Ms: 2000, DomainProficiency: map[string]float64{"general": 0.5},
			ReasoningScore: 50, SafetyScore: 50, ReasoningTier: model.TierStandard, Availability: model.AvailabilityUp,
		},
	}
}

// =============================================================================
// SELECTION TESTS
// =============================================================================

func TestSelect_HealthcareComplianceGate(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	resp, err := h.engine.Select(context.Background(), Request{TenantID: "acme", DomainID: "healthcare"})
	require.NoError(t, err)

	assert.Equal(t, "claude-med", resp.SelectedModelID)
	assert.Equal(t, []string{"gpt-med", "mistral-hipaa", "llama-med-70b"}, resp.FallbackRank)
	assert.Equal(t, "HEALTHCARE@v1", resp.ProfileUsed)
	assert.Equal(t, catalog.SourceDomain, resp.ProfileSource)
	assert.Equal(t, model.OutcomeSelected, resp.Outcome)
	require.NotNil(t, resp.DivergenceScore)
	assert.InDelta(t, 0.01, *resp.DivergenceScore, 1e-9)

	d := resp.Decision
	require.Len(t, d.Candidates, 12)
	certified := 0
	for _, c := range d.Candidates {
		if !c.Filtered || c.FilterReason != model.ReasonMissingCertification {
			certified++
		}
	}
	assert.Equal(t, len(modeltest.HIPAACertified), certified, "five models clear the certification gate")

	phi, ok := candidate(d, "phi-clinic")
	require.True(t, ok)
	assert.True(t, phi.Filtered)
	assert.Equal(t, model.ReasonBelowMinQuality, phi.FilterReason)

	frontier, ok := candidate(d, "gpt-frontier")
	require.True(t, ok)
	assert.Equal(t, model.ReasonMissingCertification, frontier.FilterReason)

	for _, id := range append([]string{resp.SelectedModelID}, resp.FallbackRank...) {
		assert.Contains(t, modeltest.HIPAACertified, id)
	}

	h.flush(t)
	rep, err := audit.VerifyShard(context.Background(), h.store, h.hasher, model.ShardKey{TenantID: "acme", DomainID: "healthcare"})
	require.NoError(t, err)
	assert.True(t, rep.Valid())
	assert.Equal(t, 1, rep.Entries)
}

func TestSelect_Deterministic(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	req := Request{TenantID: "acme", DomainID: "general", ExplicitProfileOverride: "COST_OPTIMIZED"}

	first, err := h.engine.Select(context.Background(), req)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := h.engine.Select(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, first.SelectedModelID, again.SelectedModelID)
		assert.Equal(t, first.FallbackRank, again.FallbackRank)
		assert.Equal(t, first.Decision.Candidates, again.Decision.Candidates)
		assert.NotEqual(t, first.DecisionID, again.DecisionID)
	}
	assert.Equal(t, catalog.SourceExplicit, first.ProfileSource)
}

func TestSelect_TenantOverrideOnlyNarrows(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, err := h.holder.Update(func(b *catalog.Builder) error {
		return b.PutOverride(model.TenantOverride{
			TenantID: "acme", DomainID: "healthcare", AddedCompliance: model.NewTagSet("HITRUST"),
		})
	})
	require.NoError(t, err)

	resp, err := h.engine.Select(context.Background(), Request{TenantID: "acme", DomainID: "healthcare"})
	require.NoError(t, err)
	assert.Equal(t, "claude-med", resp.SelectedModelID)
	assert.Empty(t, resp.FallbackRank)

	gpt, ok := candidate(resp.Decision, "gpt-med")
	require.True(t, ok)
	assert.Equal(t, model.ReasonMissingCertification, gpt.FilterReason)

	// another tenant is unaffected
	other, err := h.engine.Select(context.Background(), Request{TenantID: "zenith", DomainID: "healthcare"})
	require.NoError(t, err)
	assert.Len(t, other.FallbackRank, 3)
}

func TestSelect_DryRunSkipsRecording(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	resp, err := h.engine.Select(context.Background(), Request{TenantID: "acme", DomainID: "healthcare", DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, "claude-med", resp.SelectedModelID)
	assert.Zero(t, resp.Decision.Sequence)

	h.flush(t)
	assert.Zero(t, h.store.AppendCalls())
}

// =============================================================================
// ERROR TESTS
// =============================================================================

func TestSelect_RequestErrors(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	tests := []struct {
		name   string
		req    Request
		target error
	}{
		{"missing tenant", Request{DomainID: "general"}, ErrInvalidRequest},
		{"negative budget", Request{TenantID: "t", DomainID: "general", LatencyBudget: -time.Second}, ErrInvalidRequest},
		{"estimate out of range", Request{TenantID: "t", DomainID: "general", DivergenceEstimates: map[string]float64{"x": 2}}, ErrInvalidRequest},
		{"unknown domain", Request{TenantID: "t", DomainID: "astrology"}, model.ErrUnknownDomain},
		{"unknown profile", Request{TenantID: "t", DomainID: "general", ExplicitProfileOverride: "NOPE"}, model.ErrInvalidProfile},
		{"tier incompatible with budget", Request{TenantID: "t", DomainID: "general", ExplicitProfileOverride: "TIER_DEEP", LatencyBudget: time.Second}, model.ErrInvalidProfile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Select(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
		})
	}

	h.flush(t)
	assert.Zero(t, h.store.AppendCalls(), "rejected requests are not recorded")
}

func TestSelect_InvalidProfileIsLoggedAsConfigError(t *testing.T) {
	var buf bytes.Buffer
	h := newHarness(t, harnessOpts{log: &buf})

	_, err := h.engine.Select(context.Background(), Request{TenantID: "t", DomainID: "general", ExplicitProfileOverride: "NOPE"})
	require.ErrorIs(t, err, model.ErrInvalidProfile)

	out := buf.String()
	assert.Contains(t, out, `"level":"error"`)
	assert.Contains(t, out, "invalid profile configuration")
	assert.Contains(t, out, `"requested_profile":"NOPE"`)
}

func TestSelect_NoEligibleIsRecorded(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, err := h.holder.Update(func(b *catalog.Builder) error {
		return b.PutOverride(model.TenantOverride{
			TenantID: "acme", DomainID: "healthcare", AddedCompliance: model.NewTagSet("FEDRAMP"),
		})
	})
	require.NoError(t, err)

	resp, err := h.engine.Select(context.Background(), Request{TenantID: "acme", DomainID: "healthcare"})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNoEligibleModel)

	var ne *model.NoEligibleModelError
	require.True(t, errors.As(err, &ne))
	assert.Len(t, ne.Excluded, 12)

	assert.Equal(t, model.OutcomeFailed, resp.Outcome)
	assert.Empty(t, resp.SelectedModelID)
	assert.NotEmpty(t, resp.DecisionID)

	h.flush(t)
	got, err := h.rec.Search(context.Background(), audit.Query{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.OutcomeFailed, got[0].Outcome)
	assert.NotEmpty(t, got[0].FailureReason)
}

func TestSelect_EmptyRegistry(t *testing.T) {
	h := newHarness(t, harnessOpts{models: []model.ModelDescriptor{}})
	_, err := h.engine.Select(context.Background(), Request{TenantID: "t", DomainID: "general"})
	assert.ErrorIs(t, err, model.ErrBackendUnavailable)
}

// =============================================================================
// VERIFICATION TESTS
// =============================================================================

func TestSelect_VerificationThresholds(t *testing.T) {
	tests := []struct {
		name     string
		domain   string
		estimate float64
		selected bool
	}{
		{"0.12 passes a 0.20 threshold", "general-verified", 0.12, true},
		{"0.12 fails a 0.05 threshold", "financial", 0.12, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{})
			_, err := h.holder.Update(func(b *catalog.Builder) error {
				return b.PutDomain(model.Domain{
					ID:                  "general-verified",
					DefaultProfileID:    "FINANCIAL",
					DivergenceThreshold: 0.20,
				})
			})
			require.NoError(t, err)

			estimates := make(map[string]float64)
			for _, m := range modeltest.Fleet() {
				estimates[m.ID] = tt.estimate
			}
			resp, err := h.engine.Select(context.Background(), Request{
				TenantID: "acme", DomainID: tt.domain, DivergenceEstimates: estimates,
			})
			if tt.selected {
				require.NoError(t, err)
				require.NotNil(t, resp.DivergenceScore)
				assert.InDelta(t, 0.12, *resp.DivergenceScore, 1e-9)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrNoEligibleModel)
			assert.ErrorIs(t, err, model.ErrVerificationRejected)

			rejected := 0
			for _, c := range resp.Decision.Candidates {
				if c.FilterReason == model.ReasonVerificationRejected {
					rejected++
				}
			}
			assert.Equal(t, 2, rejected, "one retry after the first rejection")
		})
	}
}

func TestSelect_VerificationRetryFindsNext(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	resp, err := h.engine.Select(context.Background(), Request{
		TenantID: "acme", DomainID: "healthcare",
		DivergenceEstimates: map[string]float64{"claude-med": 0.5, "gpt-med": 0.015},
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-med", resp.SelectedModelID)
	assert.Equal(t, []string{"mistral-hipaa", "llama-med-70b"}, resp.FallbackRank)

	c, ok := candidate(resp.Decision, "claude-med")
	require.True(t, ok)
	assert.Equal(t, model.ReasonVerificationRejected, c.FilterReason)
}

func TestSelect_VerificationDegrade(t *testing.T) {
	h := newHarness(t, harnessOpts{gate: verify.Config{MaxRetries: 1, OnExhausted: verify.OnExhaustedDegrade}})
	resp, err := h.engine.Select(context.Background(), Request{
		TenantID: "acme", DomainID: "healthcare",
		DivergenceEstimates: map[string]float64{"claude-med": 0.12},
	})
	require.NoError(t, err)

	// gpt-med's registry estimate of 0.03 is the lowest rejected divergence
	assert.Equal(t, "gpt-med", resp.SelectedModelID)
	assert.Equal(t, model.OutcomeDegraded, resp.Outcome)
	require.NotNil(t, resp.DivergenceScore)
	assert.InDelta(t, 0.03, *resp.DivergenceScore, 1e-9)
	assert.Equal(t, []string{"mistral-hipaa", "llama-med-70b"}, resp.FallbackRank)
}

func TestSelect_VerificationDegradeWhenCandidatesRunOut(t *testing.T) {
	h := newHarness(t, harnessOpts{gate: verify.Config{MaxRetries: 10, OnExhausted: verify.OnExhaustedDegrade}})
	estimates := map[string]float64{}
	for _, id := range modeltest.HIPAACertified {
		estimates[id] = 0.5
	}
	estimates["mistral-hipaa"] = 0.4

	resp, err := h.engine.Select(context.Background(), Request{
		TenantID: "acme", DomainID: "healthcare", DivergenceEstimates: estimates,
	})
	require.NoError(t, err)
	assert.Equal(t, "mistral-hipaa", resp.SelectedModelID)
	assert.Equal(t, model.OutcomeDegraded, resp.Outcome)
	require.NotNil(t, resp.DivergenceScore)
	assert.InDelta(t, 0.4, *resp.DivergenceScore, 1e-9)

	h.flush(t)
	stored, err := h.store.ShardDecisions(context.Background(), model.ShardKey{TenantID: "acme", DomainID: "healthcare"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, model.OutcomeDegraded, stored[0].Outcome)
}

// =============================================================================
// THERMAL TESTS
// =============================================================================

func TestSelect_ThermalTimeoutFallsThrough(t *testing.T) {
	prov := &blockingProvisioner{release: make(chan struct{})}
	h := newHarness(t, harnessOpts{
		models:  twoModels(),
		prov:    prov,
		thermal: thermal.Config{WaitTimeout: 20 * time.Millisecond},
	})
	defer prov.unblock()

	resp, err := h.engine.Select(context.Background(), Request{TenantID: "t", DomainID: "general"})
	require.NoError(t, err)
	assert.Equal(t, "cloud-b", resp.SelectedModelID)

	local, ok := candidate(resp.Decision, "local-a")
	require.True(t, ok)
	assert.Equal(t, model.ReasonThermalTimeout, local.FilterReason)
	assert.Empty(t, resp.FallbackRank)

	// once provisioning finishes the local model wins
	prov.unblock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.therm.Wait(ctx))

	resp, err = h.engine.Select(context.Background(), Request{TenantID: "t", DomainID: "general"})
	require.NoError(t, err)
	assert.Equal(t, "local-a", resp.SelectedModelID)
	assert.Equal(t, []string{"cloud-b"}, resp.FallbackRank)

	st, ok := h.therm.State("local-a")
	require.True(t, ok)
	assert.Equal(t, model.ThermalHot, st.State)
}

func TestSelect_ColdCandidatesShareOneWaitBudget(t *testing.T) {
	base := twoModels()
	models := []model.ModelDescriptor{base[1]}
	for i, q := range []float64{95, 94, 93, 92} {
		m := base[0].Clone()
		m.ID = fmt.Sprintf("local-%d", i+1)
		m.QualityScore = q
		models = append(models, m)
	}
	prov := &blockingProvisioner{release: make(chan struct{})}
	wait := 100 * time.Millisecond
	h := newHarness(t, harnessOpts{
		models:  models,
		prov:    prov,
		thermal: thermal.Config{WaitTimeout: wait},
	})
	defer prov.unblock()

	start := time.Now()
	resp, err := h.engine.Select(context.Background(), Request{TenantID: "t", DomainID: "general"})
	took := time.Since(start)
	require.NoError(t, err)
	assert.Equal(t, "cloud-b", resp.SelectedModelID)
	assert.Less(t, took, 2*wait, "four cold candidates must not stack their waits")

	// only the first cold candidate is provisioned
	assert.Eventually(t, func() bool { return prov.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), prov.calls.Load())

	for i := 1; i <= 4; i++ {
		c, ok := candidate(resp.Decision, fmt.Sprintf("local-%d", i))
		require.True(t, ok)
		assert.Equal(t, model.ReasonThermalTimeout, c.FilterReason)
	}
	for _, id := range []string{"local-2", "local-3", "local-4"} {
		st, ok := h.therm.State(id)
		require.True(t, ok)
		assert.False(t, st.InFlightProvisioning, id)
	}
}

func TestSelect_ConcurrentColdStartProvisionsOnce(t *testing.T) {
	prov := &countingProvisioner{delay: 30 * time.Millisecond}
	h := newHarness(t, harnessOpts{models: twoModels(), prov: prov})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.engine.Select(context.Background(), Request{TenantID: "t", DomainID: "general"})
			assert.NoError(t, err)
			assert.Equal(t, "local-a", resp.SelectedModelID)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, prov.count())

	h.flush(t)
	rep, err := audit.VerifyShard(context.Background(), h.store, h.hasher, model.ShardKey{TenantID: "t", DomainID: "general"})
	require.NoError(t, err)
	assert.True(t, rep.Valid())
	assert.Equal(t, 50, rep.Entries)
}

type countingProvisioner struct {
	delay time.Duration
	mu    sync.Mutex
	calls int
}

func (p *countingProvisioner) Provision(ctx context.Context, m model.ModelDescriptor) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return thermal.NopProvisioner{Delay: p.delay}.Provision(ctx, m)
}

func (p *countingProvisioner) Release(context.Context, model.ModelDescriptor, model.ThermalLevel) error {
	return nil
}

func (p *countingProvisioner) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
