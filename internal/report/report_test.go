// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package report

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigroute/internal/audit"
	"github.com/jeranaias/rigroute/internal/catalog"
	"github.com/jeranaias/rigroute/internal/model"
	"github.com/jeranaias/rigroute/internal/modeltest"
)

// =============================================================================
// HELPERS
// =============================================================================

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func hasher(t *testing.T) audit.Hasher {
	t.Helper()
	h, err := audit.NewHasher(audit.AlgSHA256, nil)
	require.NoError(t, err)
	return h
}

func decision(id, tenant, domain, selected string, outcome model.Outcome) model.SelectionDecision {
	return model.SelectionDecision{
		ID:              id,
		TenantID:        tenant,
		DomainID:        domain,
		ProfileIDUsed:   "HEALTHCARE",
		ProfileVersion:  1,
		SelectedModelID: selected,
		Outcome:         outcome,
		CreatedAt:       t0,
	}
}

// seeded returns a store holding three healthcare decisions and one
// financial decision for tenant acme.
func seeded(t *testing.T) (*audit.MemoryStore, audit.Hasher) {
	t.Helper()
	store := audit.NewMemoryStore()
	h := hasher(t)
	rec := audit.NewRecorder(store, h, audit.DefaultConfig(), zerolog.Nop())

	ctx := context.Background()
	for _, d := range []model.SelectionDecision{
		decision("d1", "acme", "healthcare", "claude-med", model.OutcomeSelected),
		decision("d2", "acme", "healthcare", "claude-med", model.OutcomeSelected),
		decision("d3", "acme", "healthcare", "gpt-med", model.OutcomeDegraded),
		decision("d4", "acme", "financial", "", model.OutcomeFailed),
	} {
		_, err := rec.Record(ctx, d)
		require.NoError(t, err)
	}
	flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, rec.Close(flushCtx))
	return store, h
}

func sources(store audit.Store, h audit.Hasher) Sources {
	return Sources{
		Models:  modeltest.Fleet(),
		Catalog: catalog.Default(),
		Store:   store,
		Hasher:  h,
		Now:     func() time.Time { return t0 },
	}
}

func section(t *testing.T, rep *ComplianceReport, domainID string) DomainSection {
	t.Helper()
	for _, d := range rep.Domains {
		if d.DomainID == domainID {
			return d
		}
	}
	t.Fatalf("no section for %s", domainID)
	return DomainSection{}
}

// =============================================================================
// GENERATE
// =============================================================================

func TestGenerate_Healthcare(t *testing.T) {
	store, h := seeded(t)
	rep, err := Generate(context.Background(), sources(store, h), Options{DomainID: "healthcare"})
	require.NoError(t, err)

	require.Len(t, rep.Domains, 1)
	hc := rep.Domains[0]
	assert.Equal(t, "healthcare", hc.DomainID)
	assert.Equal(t, []string{"HIPAA"}, hc.RequiredCompliance)
	assert.Equal(t, "HEALTHCARE@v1", hc.Profile)
	assert.Equal(t, catalog.SourceDomain, hc.ProfileSource)
	assert.Equal(t, 70.0, hc.MinQuality)
	assert.ElementsMatch(t, []string{"claude-med", "gpt-med", "llama-med-70b", "mistral-hipaa"}, hc.Eligible)
	assert.Len(t, hc.Excluded, len(modeltest.Fleet())-4)

	reasons := map[string]string{}
	for _, ex := range hc.Excluded {
		reasons[ex.ModelID] = ex.Reason
	}
	assert.Equal(t, model.ReasonBelowMinQuality, reasons["phi-clinic"])
	assert.Equal(t, model.ReasonMissingCertification, reasons["gpt-frontier"])

	assert.Equal(t, OutcomeCounts{Selected: 2, Degraded: 1}, hc.Decisions)
	assert.Equal(t, map[string]int{"claude-med": 2, "gpt-med": 1}, hc.SelectedBy)

	require.Len(t, rep.Chains, 1)
	assert.Equal(t, model.ShardKey{TenantID: "acme", DomainID: "healthcare"}, rep.Chains[0].Shard)
	assert.Equal(t, 3, rep.Chains[0].Entries)
	assert.True(t, rep.ChainsValid())
}

func TestGenerate_AllDomains(t *testing.T) {
	store, h := seeded(t)
	rep, err := Generate(context.Background(), sources(store, h), Options{})
	require.NoError(t, err)

	assert.Len(t, rep.Domains, len(catalog.Default().Domains()))
	assert.Len(t, rep.Chains, 2)
	assert.Equal(t, OutcomeCounts{Failed: 1}, section(t, rep, "financial").Decisions)
	assert.Zero(t, section(t, rep, "general").Decisions.Total())
	assert.Equal(t, t0, rep.GeneratedAt)
}

func TestGenerate_UnknownDomain(t *testing.T) {
	_, err := Generate(context.Background(), sources(nil, nil), Options{DomainID: "astrology"})
	assert.ErrorIs(t, err, model.ErrUnknownDomain)
}

func TestGenerate_WithoutStore(t *testing.T) {
	rep, err := Generate(context.Background(), sources(nil, nil), Options{DomainID: "financial"})
	require.NoError(t, err)
	assert.Empty(t, rep.Chains)
	assert.Zero(t, rep.Domains[0].Decisions.Total())
}

func TestGenerate_TenantOverride(t *testing.T) {
	b := catalog.NewBuilder(catalog.Default())
	require.NoError(t, b.PutOverride(model.TenantOverride{
		TenantID:        "acme",
		DomainID:        "healthcare",
		AddedCompliance: model.NewTagSet("HITRUST"),
	}))
	cat, err := b.Build()
	require.NoError(t, err)

	src := sources(nil, nil)
	src.Catalog = cat
	rep, err := Generate(context.Background(), src, Options{TenantID: "acme", DomainID: "healthcare"})
	require.NoError(t, err)

	hc := rep.Domains[0]
	assert.Equal(t, []string{"HIPAA", "HITRUST"}, hc.RequiredCompliance)
	assert.Equal(t, []string{"claude-med"}, hc.Eligible)
	require.Len(t, hc.Overrides, 1)
	assert.Equal(t, "acme", hc.Overrides[0].TenantID)
	assert.Equal(t, []string{"HITRUST"}, hc.Overrides[0].AddedCompliance)
}

func TestGenerate_TamperedChain(t *testing.T) {
	store, h := seeded(t)
	require.True(t, store.Tamper(model.ShardKey{TenantID: "acme", DomainID: "healthcare"}, 2, func(d *model.SelectionDecision) {
		d.SelectedModelID = "budget-lite"
	}))

	rep, err := Generate(context.Background(), sources(store, h), Options{DomainID: "healthcare"})
	require.NoError(t, err)
	assert.False(t, rep.ChainsValid())
	assert.Contains(t, rep.Markdown(), "issue(s)")
}

// =============================================================================
// MARKDOWN
// =============================================================================

func TestMarkdown(t *testing.T) {
	store, h := seeded(t)
	rep, err := Generate(context.Background(), sources(store, h), Options{
		DomainID: "healthcare",
		Since:    t0.Add(-time.Hour),
	})
	require.NoError(t, err)

	md := rep.Markdown()
	for _, want := range []string{
		"# Compliance Report",
		"## Domain `healthcare`",
		"**Required compliance**: HIPAA",
		"HEALTHCARE@v1 (domain)",
		"| phi-clinic | below_min_quality |",
		"**Decisions**: 3 (selected 2, degraded 1, failed 0)",
		"- claude-med: 2",
		"## Audit Chain Integrity",
		"| acme/healthcare | sha256 | 3 |",
		"- **Window**: 2025-06-01T11:00:00Z to now",
	} {
		assert.Contains(t, md, want)
	}
}

func TestRender(t *testing.T) {
	out, err := Render("# Title\n\nbody text", 60)
	require.NoError(t, err)
	assert.Contains(t, out, "Title")
	assert.Contains(t, out, "body text")
}

// =============================================================================
// BUNDLE
// =============================================================================

func readBundle(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	out := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[hdr.Name] = body
	}
	return out
}

func TestBundle_Contents(t *testing.T) {
	store, h := seeded(t)
	ev, err := CollectEvidence(context.Background(), sources(store, h), Options{TenantID: "acme", DomainID: "healthcare"})
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := ev.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)

	files := readBundle(t, buf.Bytes())
	assert.Len(t, files, 6)
	for _, name := range []string{FileReport, FileReportJSON, FileDecisions, FileVerification, FileProfiles, FileManifest} {
		assert.Contains(t, files, name)
	}

	lines := strings.Split(strings.TrimSpace(string(files[FileDecisions])), "\n")
	require.Len(t, lines, 3)
	var first model.SelectionDecision
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "d1", first.ID)
	assert.NotEmpty(t, first.EntryHash)

	var rep ComplianceReport
	require.NoError(t, json.Unmarshal(files[FileReportJSON], &rep))
	assert.Equal(t, "acme", rep.TenantID)

	assert.Len(t, strings.Split(strings.TrimSpace(string(files[FileManifest])), "\n"), 5)

	names, err := VerifyBundle(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Len(t, names, 5)
}

func TestVerifyBundle_DetectsTampering(t *testing.T) {
	store, h := seeded(t)
	ev, err := CollectEvidence(context.Background(), sources(store, h), Options{})
	require.NoError(t, err)

	// Rewrite report.md after the manifest was computed.
	for i := range ev.Files {
		if ev.Files[i].Name == FileReport {
			ev.Files[i].Data = []byte("# nothing to see here\n")
		}
	}
	var buf bytes.Buffer
	_, err = ev.WriteTo(&buf)
	require.NoError(t, err)

	_, err = VerifyBundle(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestSaveBundle(t *testing.T) {
	ev, err := CollectEvidence(context.Background(), sources(nil, nil), Options{DomainID: "general"})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "evidence.tar.gz")
	require.NoError(t, ev.SaveBundle(path))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	names, err := VerifyBundle(f)
	require.NoError(t, err)
	assert.Contains(t, names, FileReport)
}
