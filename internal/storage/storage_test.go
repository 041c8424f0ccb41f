// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigroute/internal/audit"
	"github.com/jeranaias/rigroute/internal/catalog"
	"github.com/jeranaias/rigroute/internal/model"
	"github.com/jeranaias/rigroute/internal/modeltest"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(Config{Path: filepath.Join(t.TempDir(), "rigroute.db")}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

var shard = model.ShardKey{TenantID: "acme", DomainID: "healthcare"}

// =============================================================================
// DECISION CHAIN TESTS
// =============================================================================

func TestDecisions_RecorderRoundTrip(t *testing.T) {
	db := openTestDB(t)
	h, err := audit.NewHasher(audit.AlgSHA256, nil)
	require.NoError(t, err)
	rec := audit.NewRecorder(db, h, audit.DefaultConfig(), zerolog.Nop())

	base := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	div := 0.01
	for i := 0; i < 4; i++ {
		_, err := rec.Record(context.Background(), model.SelectionDecision{
			ID:              fmt.Sprintf("dec-%d", i),
			TenantID:        shard.TenantID,
			DomainID:        shard.DomainID,
			ProfileIDUsed:   "HEALTHCARE",
			ProfileVersion:  1,
			Candidates:      []model.CandidateRecord{{ModelID: "claude-med", Score: 0.8123456789}},
			SelectedModelID: "claude-med",
			FallbackRank:    []string{"claude-med", "gpt-med"},
			DivergenceScore: &div,
			Outcome:         model.OutcomeSelected,
			CreatedAt:       base.Add(time.Duration(i) * time.Minute).In(time.Local),
		})
		require.NoError(t, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rec.Close(ctx))

	rep, err := audit.VerifyShard(context.Background(), db, h, shard)
	require.NoError(t, err)
	assert.True(t, rep.Valid(), "%+v", rep.Issues)
	assert.Equal(t, 4, rep.Entries)

	tail, err := db.ShardTail(context.Background(), shard)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), tail.Sequence)

	n, err := db.DecisionCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestDecisions_AppendIsIdempotentByID(t *testing.T) {
	db := openTestDB(t)
	d := model.SelectionDecision{ID: "x", TenantID: "t", DomainID: "general", Sequence: 1, EntryHash: "h1", Outcome: model.OutcomeSelected}

	require.NoError(t, db.AppendDecision(context.Background(), d))
	require.NoError(t, db.AppendDecision(context.Background(), d))

	dup := d
	dup.ID = "y"
	assert.ErrorIs(t, db.AppendDecision(context.Background(), dup), audit.ErrSequenceConflict, "sequence is unique per shard")

	stale := d
	stale.ID, stale.Sequence = "z", 0
	assert.ErrorIs(t, db.AppendDecision(context.Background(), stale), audit.ErrSequenceConflict, "sequence must follow the tail")

	n, err := db.DecisionCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDecisions_TwoProcessesShareAChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rigroute.db")
	serveDB, err := Open(Config{Path: path}, zerolog.Nop())
	require.NoError(t, err)
	defer serveDB.Close()
	cliDB, err := Open(Config{Path: path}, zerolog.Nop())
	require.NoError(t, err)
	defer cliDB.Close()

	h, err := audit.NewHasher(audit.AlgSHA256, nil)
	require.NoError(t, err)
	cfg := audit.Config{BaseBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond, ReconcileAfter: 3}
	serve := audit.NewRecorder(serveDB, h, cfg, zerolog.Nop())

	base := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
	record := func(rec *audit.Recorder, id string, i int) {
		t.Helper()
		_, err := rec.Record(context.Background(), model.SelectionDecision{
			ID: id, TenantID: shard.TenantID, DomainID: shard.DomainID,
			ProfileIDUsed: "HEALTHCARE", ProfileVersion: 1, SelectedModelID: "claude-med",
			Outcome: model.OutcomeSelected, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, rec.Flush(ctx))
	}

	record(serve, "serve-1", 1)

	cli := audit.NewRecorder(cliDB, h, cfg, zerolog.Nop())
	record(cli, "cli-1", 2)
	require.NoError(t, cli.Close(context.Background()))

	// serve still holds sequence 1 as its tail
	record(serve, "serve-2", 3)
	record(serve, "serve-3", 4)
	require.NoError(t, serve.Close(context.Background()))
	assert.Empty(t, serve.Reconciliation())

	stored, err := serveDB.ShardDecisions(context.Background(), shard)
	require.NoError(t, err)
	ids := make([]string, 0, len(stored))
	for i, d := range stored {
		assert.Equal(t, uint64(i+1), d.Sequence)
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"serve-1", "cli-1", "serve-2", "serve-3"}, ids)

	rep, err := audit.VerifyShard(context.Background(), cliDB, h, shard)
	require.NoError(t, err)
	assert.True(t, rep.Valid(), "%+v", rep.Issues)
	assert.Equal(t, 4, rep.Entries)
}

func TestDecisions_SearchAndShards(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)

	add := func(id, tenant, domain string, seq uint64, outcome model.Outcome, at time.Time) {
		require.NoError(t, db.AppendDecision(ctx, model.SelectionDecision{
			ID: id, TenantID: tenant, DomainID: domain, Sequence: seq, Outcome: outcome, CreatedAt: at,
		}))
	}
	add("a", "acme", "healthcare", 1, model.OutcomeSelected, base)
	add("b", "acme", "healthcare", 2, model.OutcomeFailed, base.Add(time.Hour))
	add("c", "zenith", "financial", 1, model.OutcomeSelected, base.Add(2*time.Hour))

	got, err := db.SearchDecisions(ctx, audit.Query{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)

	got, err = db.SearchDecisions(ctx, audit.Query{Outcome: model.OutcomeSelected, Since: base.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].ID)

	got, err = db.SearchDecisions(ctx, audit.Query{Until: base.Add(time.Hour), Limit: 5})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	shards, err := db.Shards(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.ShardKey{
		{TenantID: "acme", DomainID: "healthcare"},
		{TenantID: "zenith", DomainID: "financial"},
	}, shards)
}

func TestDecisions_DeleteThroughWritesAnchor(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, db.AppendDecision(ctx, model.SelectionDecision{
			ID: fmt.Sprintf("d%d", i), TenantID: shard.TenantID, DomainID: shard.DomainID,
			Sequence: i, EntryHash: fmt.Sprintf("h%d", i), Outcome: model.OutcomeSelected,
		}))
	}

	purgedAt := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	n, err := db.DeleteThrough(ctx, audit.Anchor{Shard: shard, Sequence: 3, Hash: "h3", PurgedAt: purgedAt})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	a, ok, err := db.Anchor(ctx, shard)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), a.Sequence)
	assert.Equal(t, purgedAt, a.PurgedAt)

	tail, err := db.ShardTail(ctx, shard)
	require.NoError(t, err)
	assert.Equal(t, audit.Tail{Sequence: 3, Hash: "h3"}, tail, "empty shard resumes from its anchor")

	shards, err := db.Shards(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.ShardKey{shard}, shards)
}

// =============================================================================
// STATE TESTS
// =============================================================================

func TestModels_SaveLoad(t *testing.T) {
	db := openTestDB(t)
	fleet := modeltest.Fleet()
	require.NoError(t, db.SaveModels(context.Background(), fleet))

	got, err := db.LoadModels(context.Background())
	require.NoError(t, err)
	require.Len(t, got, len(fleet))

	want := modeltest.ByID("claude-med")
	for _, m := range got {
		if m.ID == want.ID {
			assert.True(t, m.CostPer1K.Equal(want.CostPer1K))
			assert.Equal(t, want.Certifications.Strings(), m.Certifications.Strings())
			assert.Equal(t, want.ReasoningTier, m.ReasoningTier)
		}
	}

	require.NoError(t, db.SaveModels(context.Background(), fleet[:2]))
	got, err = db.LoadModels(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 2, "save replaces the registry")
}

func TestCatalog_SaveLoadKeepsHistory(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, ok, err := db.LoadCatalog(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	holder := catalog.NewHolder(catalog.Default())
	cat, err := holder.Update(func(b *catalog.Builder) error {
		p, _ := holder.Current().Profile("COST_OPTIMIZED")
		p.Weights = model.Weights{0.10, 0.40, 0.10, 0.10, 0.05, 0.10, 0.10, 0.05}
		if _, err := b.PublishProfile(p); err != nil {
			return err
		}
		return b.PutOverride(model.TenantOverride{
			TenantID: "acme", DomainID: "healthcare", AddedCompliance: model.NewTagSet("HITRUST"),
		})
	})
	require.NoError(t, err)
	require.NoError(t, db.SaveCatalog(ctx, cat))

	loaded, ok, err := db.LoadCatalog(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Len(t, loaded.ProfileHistory("COST_OPTIMIZED"), 2)
	latest, _ := loaded.Profile("COST_OPTIMIZED")
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, 0.40, latest.Weights[model.DimCost])

	eff, err := loaded.EffectiveDomain("acme", "healthcare")
	require.NoError(t, err)
	assert.True(t, eff.RequiredCompliance.Has("HITRUST"))
	assert.True(t, eff.RequiredCompliance.Has("HIPAA"))
	assert.Len(t, loaded.Domains(), len(cat.Domains()))
}

func TestThermalStates(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	at := time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, db.SaveThermalState(ctx, model.ThermalState{ModelID: "llama3-8b", State: model.ThermalHot, LastTransitionAt: at, ProvisionCount: 1}))
	require.NoError(t, db.SaveThermalState(ctx, model.ThermalState{ModelID: "llama3-8b", State: model.ThermalWarm, LastTransitionAt: at, ProvisionCount: 1}))
	require.NoError(t, db.SaveThermalState(ctx, model.ThermalState{ModelID: "phi-clinic", State: model.ThermalCold}))

	states, err := db.LoadThermalStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, model.ThermalWarm, states[0].State)
	assert.True(t, at.Equal(states[0].LastTransitionAt))

	require.NoError(t, db.DeleteThermalState(ctx, "phi-clinic"))
	states, err = db.LoadThermalStates(ctx)
	require.NoError(t, err)
	assert.Len(t, states, 1)
}
