// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigroute/internal/catalog"
	"github.com/jeranaias/rigroute/internal/config"
	"github.com/jeranaias/rigroute/internal/model"
	"github.com/jeranaias/rigroute/internal/registry"
	"github.com/jeranaias/rigroute/internal/router"
)

// =============================================================================
// PARSE TESTS (cli.go)
// =============================================================================

func TestParse_Commands(t *testing.T) {
	tests := []struct {
		argv []string
		want Command
		name string
	}{
		{nil, CmdHelp, ""},
		{[]string{"models", "list"}, CmdModels, "models"},
		{[]string{"model", "show", "x"}, CmdModels, "model"},
		{[]string{"Profiles"}, CmdProfiles, "profiles"},
		{[]string{"domain"}, CmdDomains, "domain"},
		{[]string{"reports"}, CmdReport, "reports"},
		{[]string{"audit", "verify"}, CmdAudit, "audit"},
		{[]string{"select"}, CmdSelect, "select"},
		{[]string{"thermal"}, CmdThermal, "thermal"},
		{[]string{"catalog", "export", "x.toml"}, CmdCatalog, "catalog"},
		{[]string{"serve"}, CmdServe, "serve"},
		{[]string{"doctor"}, CmdDoctor, "doctor"},
		{[]string{"--version"}, CmdVersion, "--version"},
		{[]string{"-h"}, CmdHelp, "-h"},
		{[]string{"modles"}, CmdUnknown, "modles"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.argv, "_"), func(t *testing.T) {
			cmd, args := Parse(tt.argv)
			assert.Equal(t, tt.want, cmd)
			assert.Equal(t, tt.name, args.Name)
		})
	}
}

func TestParse_GlobalFlagsAnywhere(t *testing.T) {
	cmd, args := Parse([]string{"--json", "select", "--tenant", "acme", "-v", "--config=/tmp/c.toml", "--domain", "general"})
	assert.Equal(t, CmdSelect, cmd)
	assert.True(t, args.JSON)
	assert.True(t, args.Verbose)
	assert.False(t, args.Quiet)
	assert.Equal(t, "/tmp/c.toml", args.ConfigPath)
	assert.Equal(t, []string{"--tenant", "acme", "--domain", "general"}, args.Raw)

	_, args = Parse([]string{"audit", "--config", "rr.toml", "-q"})
	assert.Equal(t, "rr.toml", args.ConfigPath)
	assert.True(t, args.Quiet)
	assert.Empty(t, args.Raw)
}

// =============================================================================
// ARG PARSER TESTS (args.go)
// =============================================================================

func TestArgParser_BasicParsing(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		bools    []string
		wantSub  string
		validate func(*testing.T, *ArgParser)
	}{
		{
			name:    "simple subcommand",
			args:    []string{"show"},
			wantSub: "show",
		},
		{
			name:    "flag with value",
			args:    []string{"search", "--limit", "20"},
			wantSub: "search",
			validate: func(t *testing.T, p *ArgParser) {
				assert.Equal(t, "20", p.Flag("limit"))
			},
		},
		{
			name:    "flag with equals",
			args:    []string{"search", "--since=2025-01-01"},
			wantSub: "search",
			validate: func(t *testing.T, p *ArgParser) {
				assert.Equal(t, "2025-01-01", p.Flag("since"))
			},
		},
		{
			name:    "declared boolean does not consume a value",
			args:    []string{"purge", "--confirm", "extra"},
			bools:   []string{"confirm"},
			wantSub: "purge",
			validate: func(t *testing.T, p *ArgParser) {
				assert.True(t, p.BoolFlag("confirm"))
				assert.Equal(t, "extra", p.Positional(1))
			},
		},
		{
			name:    "declared boolean with explicit false",
			args:    []string{"--record=false"},
			bools:   []string{"record"},
			wantSub: "",
			validate: func(t *testing.T, p *ArgParser) {
				assert.False(t, p.BoolFlag("record"))
				assert.True(t, p.HasFlag("record"))
			},
		},
		{
			name:    "repeated and comma separated flags",
			args:    []string{"list", "--tag", "HIPAA", "--tag", "SOC2,GDPR"},
			wantSub: "list",
			validate: func(t *testing.T, p *ArgParser) {
				assert.Equal(t, []string{"HIPAA", "SOC2", "GDPR"}, p.Flags("tag"))
				assert.Equal(t, "SOC2,GDPR", p.Flag("tag"))
			},
		},
		{
			name:    "negative numbers are values",
			args:    []string{"set-weights", "X", "-0.5", "--offset", "-3"},
			wantSub: "set-weights",
			validate: func(t *testing.T, p *ArgParser) {
				assert.Equal(t, "-0.5", p.Positional(2))
				assert.Equal(t, "-3", p.Flag("offset"))
			},
		},
		{
			name:    "double dash ends flags",
			args:    []string{"show", "--", "--not-a-flag"},
			wantSub: "show",
			validate: func(t *testing.T, p *ArgParser) {
				assert.Equal(t, []string{"--not-a-flag"}, p.PositionalFrom(1))
				assert.False(t, p.HasFlag("not-a-flag"))
			},
		},
		{
			name:    "trailing undeclared flag is boolean",
			args:    []string{"list", "--thermal"},
			wantSub: "list",
			validate: func(t *testing.T, p *ArgParser) {
				assert.True(t, p.BoolFlag("thermal"))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewArgParser(tt.args, tt.bools...)
			assert.Equal(t, tt.wantSub, p.Subcommand())
			if tt.validate != nil {
				tt.validate(t, p)
			}
		})
	}
}

func TestArgParser_TypedFlags(t *testing.T) {
	p := NewArgParser([]string{"--limit", "abc", "--budget", "750", "--wait", "2s", "--bad", "soon"})

	_, err := p.FlagInt("limit", 10)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "limit", ve.Field)

	n, err := p.FlagInt("missing", 10)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	d, err := p.FlagDuration("budget")
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, d)

	d, err = p.FlagDuration("wait")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)

	_, err = p.FlagDuration("bad")
	assert.ErrorAs(t, err, &ve)
}

func TestParseTimeArg(t *testing.T) {
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"2025-06-01T08:30:00Z", time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC), false},
		{"2025-06-01", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), false},
		{"7d", now.Add(-7 * 24 * time.Hour), false},
		{"90m", now.Add(-90 * time.Minute), false},
		{"-3d", time.Time{}, true},
		{"yesterday", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimeArg(tt.in, now)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s want %s", got, tt.want)
		})
	}
}

func TestParseBoolString(t *testing.T) {
	for _, s := range []string{"true", "YES", "y", "1", "on"} {
		b, err := ParseBoolString(s)
		require.NoError(t, err, s)
		assert.True(t, b, s)
	}
	for _, s := range []string{"false", "no", "N", "0", "off"} {
		b, err := ParseBoolString(s)
		require.NoError(t, err, s)
		assert.False(t, b, s)
	}
	_, err := ParseBoolString("maybe")
	assert.Error(t, err)
}

// =============================================================================
// EXIT CODE TESTS (errors.go)
// =============================================================================

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"no eligible model", &model.NoEligibleModelError{}, ExitNoEligibleModel},
		{"verification rejected", fmt.Errorf("gate: %w", model.ErrVerificationRejected), ExitNoEligibleModel},
		{"backend unavailable", fmt.Errorf("%w: sqlite locked", model.ErrBackendUnavailable), ExitUnavailable},
		{"invalid request", router.ErrInvalidRequest, ExitValidation},
		{"unknown domain", &model.UnknownDomainError{DomainID: "x"}, ExitValidation},
		{"invalid profile", &model.InvalidProfileError{ProfileID: "P", Reason: "bad"}, ExitValidation},
		{"profile not found", catalog.ErrProfileNotFound, ExitValidation},
		{"missing balanced", catalog.ErrMissingBalanced, ExitValidation},
		{"model not found", registry.ErrModelNotFound, ExitValidation},
		{"validation", NewValidationError("limit", "x", "must be an integer"), ExitValidation},
		{"usage", &UsageError{Usage: "rigroute x"}, ExitValidation},
		{"not found", NewNotFoundError("model", "m"), ExitValidation},
		{"config", config.ValidateErrors{{Field: "server.mode", Message: "bad"}}, ExitValidation},
		{"chain integrity", &ChainIntegrityError{Broken: 1}, ExitUnavailable},
		{"doctor", &DoctorError{Summary: DoctorSummary{Failed: 1}}, ExitUnavailable},
		{"command error keeps its cause", NewCommandError("catalog", "export", NewValidationError("file", "x", "bad")), ExitValidation},
		{"anything else", errors.New("boom"), ExitUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCodeFor(tt.err))
		})
	}
}

func TestDisplayError_JSONCarriesPayload(t *testing.T) {
	var buf bytes.Buffer
	DisplayError(&buf, "audit", &ChainIntegrityError{Broken: 2}, true)

	var env struct {
		Success   bool           `json:"success"`
		ErrorType string         `json:"error_type"`
		ExitCode  int            `json:"exit_code"`
		Data      map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &env))
	assert.False(t, env.Success)
	assert.Equal(t, "chain_integrity", env.ErrorType)
	assert.Equal(t, ExitUnavailable, env.ExitCode)
	assert.Contains(t, env.Data, "chains")
}

// =============================================================================
// SUGGESTION TESTS (suggest.go)
// =============================================================================

func TestSuggestCommand(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"modles", "models"},
		{"selct", "select"},
		{"docter", "doctor"},
		{"profils", "profiles"},
		{"models", ""},
		{"x", ""},
		{"kubernetes", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, SuggestCommand(tt.input))
		})
	}
}

// =============================================================================
// END-TO-END TESTS (Run)
// =============================================================================

const fleetManifest = `
[[models]]
id = "claude-med"
provider = "anthropic"
quality_score = 92
cost_per_1k_units = "0.015"
latency_p50_ms = 800
latency_p95_ms = 1800
certifications = ["HIPAA", "SOC2"]
reasoning_score = 90
safety_score = 95
reasoning_tier = "deep"
divergence_estimate = 0.01

[[models]]
id = "llama3-8b"
provider = "ollama"
quality_score = 60
cost_per_1k_units = "0.0001"
latency_p50_ms = 150
latency_p95_ms = 400
certifications = []
reasoning_score = 50
safety_score = 60
thermal_capable = true
`

type testEnv struct {
	dir    string
	config string
}

// newTestEnv writes a config whose database lives in a temp directory.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.toml")
	body := fmt.Sprintf("[storage]\npath = %q\n\n[log]\nlevel = \"error\"\n", filepath.Join(dir, "rigroute.db"))
	require.NoError(t, os.WriteFile(cfg, []byte(body), 0o600))
	return &testEnv{dir: dir, config: cfg}
}

type runResult struct {
	code           int
	stdout, stderr string
}

func (e *testEnv) run(t *testing.T, argv ...string) runResult {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"--config", e.config}, argv...), strings.NewReader(""), &stdout, &stderr)
	return runResult{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

// runJSON runs with --json and decodes the envelope's data into v.
func (e *testEnv) runJSON(t *testing.T, v any, argv ...string) runResult {
	t.Helper()
	res := e.run(t, append([]string{"--json"}, argv...)...)
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &env), "stdout: %s\nstderr: %s", res.stdout, res.stderr)
	if v != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		require.NoError(t, json.Unmarshal(env.Data, v))
	}
	return res
}

// withFleet imports the two-model manifest.
func (e *testEnv) withFleet(t *testing.T) *testEnv {
	t.Helper()
	path := filepath.Join(e.dir, "fleet.toml")
	require.NoError(t, os.WriteFile(path, []byte(fleetManifest), 0o600))
	res := e.run(t, "catalog", "import", path)
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	return e
}

func TestRun_HelpAndVersion(t *testing.T) {
	var out bytes.Buffer
	assert.Equal(t, ExitSuccess, Run(nil, strings.NewReader(""), &out, &out))
	assert.Contains(t, out.String(), "Exit codes:")

	out.Reset()
	assert.Equal(t, ExitSuccess, Run([]string{"version", "--json"}, strings.NewReader(""), &out, &out))
	var env struct {
		Data VersionData `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &env))
	assert.Equal(t, Version, env.Data.Version)
}

func TestRun_UnknownCommandSuggests(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"modles"}, strings.NewReader(""), &stdout, &stderr)
	assert.Equal(t, ExitValidation, code)
	assert.Contains(t, stderr.String(), "Did you mean 'models'?")
}

func TestRun_MissingExplicitConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"--config", filepath.Join(t.TempDir(), "absent.toml"), "models"}, strings.NewReader(""), &stdout, &stderr)
	assert.Equal(t, ExitValidation, code)
}

func TestRun_SelectEmptyRegistryIsUnavailable(t *testing.T) {
	env := newTestEnv(t)
	res := env.run(t, "select", "--tenant", "acme", "--domain", "general")
	assert.Equal(t, ExitUnavailable, res.code, res.stderr)
}

func TestRun_SelectRequiresTenantAndDomain(t *testing.T) {
	env := newTestEnv(t).withFleet(t)
	res := env.run(t, "select", "--domain", "general")
	assert.Equal(t, ExitValidation, res.code)
	assert.Contains(t, res.stderr, "--tenant and --domain are required")
}

func TestRun_SelectDryRun(t *testing.T) {
	env := newTestEnv(t).withFleet(t)

	var view struct {
		SelectedModelID string `json:"selected_model_id"`
		Outcome         string `json:"outcome"`
		Recorded        bool   `json:"recorded"`
		Candidates      []struct {
			ModelID string `json:"model_id"`
		} `json:"candidates_considered"`
	}
	res := env.runJSON(t, &view, "select", "--tenant", "acme", "--domain", "general")
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Contains(t, []string{"claude-med", "llama3-8b"}, view.SelectedModelID)
	assert.False(t, view.Recorded)
	assert.Len(t, view.Candidates, 2)

	// A dry run leaves nothing in the audit trail.
	var decisions []map[string]any
	res = env.runJSON(t, &decisions, "audit", "search")
	require.Equal(t, ExitSuccess, res.code)
	assert.Empty(t, decisions)
}

func TestRun_SelectUnknownDomain(t *testing.T) {
	env := newTestEnv(t).withFleet(t)
	res := env.run(t, "select", "--tenant", "acme", "--domain", "astrology")
	assert.Equal(t, ExitValidation, res.code, res.stderr)
}

func TestRun_SelectHealthcareFiltersUncertified(t *testing.T) {
	env := newTestEnv(t).withFleet(t)
	var view struct {
		SelectedModelID string `json:"selected_model_id"`
	}
	res := env.runJSON(t, &view, "select", "--tenant", "acme", "--domain", "healthcare")
	require.Equal(t, ExitSuccess, res.code, res.stdout)
	assert.Equal(t, "claude-med", view.SelectedModelID)
}

func TestRun_TenantOverrideLeavesNoEligibleModel(t *testing.T) {
	env := newTestEnv(t).withFleet(t)

	res := env.run(t, "domains", "override", "acme", "general", "--add", "HITRUST")
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Contains(t, res.stdout, "HITRUST")

	res = env.run(t, "select", "--tenant", "acme", "--domain", "general")
	assert.Equal(t, ExitNoEligibleModel, res.code, res.stderr)

	// Other tenants are unaffected.
	res = env.run(t, "select", "--tenant", "globex", "--domain", "general")
	assert.Equal(t, ExitSuccess, res.code, res.stderr)

	// The JSON error names every exclusion.
	res = env.run(t, "--json", "select", "--tenant", "acme", "--domain", "general")
	assert.Equal(t, ExitNoEligibleModel, res.code)
	assert.Contains(t, res.stdout, `"no_eligible_model"`)
	assert.Contains(t, res.stdout, `"excluded"`)
}

func TestRun_OverrideUnknownDomain(t *testing.T) {
	env := newTestEnv(t)
	res := env.run(t, "domains", "override", "acme", "astrology", "--add", "HIPAA")
	assert.Equal(t, ExitValidation, res.code)
}

func TestRun_RecordedSelectionsVerify(t *testing.T) {
	env := newTestEnv(t).withFleet(t)
	for i := 0; i < 3; i++ {
		res := env.run(t, "select", "--tenant", "acme", "--domain", "general", "--record")
		require.Equal(t, ExitSuccess, res.code, res.stderr)
	}

	var decisions []struct {
		Sequence uint64 `json:"sequence"`
		TenantID string `json:"tenant_id"`
	}
	res := env.runJSON(t, &decisions, "audit", "search", "--tenant", "acme")
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Len(t, decisions, 3)

	var verified struct {
		Valid  bool `json:"valid"`
		Chains []struct {
			Entries int `json:"entries"`
		} `json:"chains"`
	}
	res = env.runJSON(t, &verified, "audit", "verify")
	require.Equal(t, ExitSuccess, res.code, res.stdout)
	assert.True(t, verified.Valid)
	require.Len(t, verified.Chains, 1)
	assert.Equal(t, 3, verified.Chains[0].Entries)
}

func TestRun_AuditSearchValidatesFlags(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, ExitValidation, env.run(t, "audit", "search", "--limit", "0").code)
	assert.Equal(t, ExitValidation, env.run(t, "audit", "search", "--outcome", "maybe").code)
	assert.Equal(t, ExitValidation, env.run(t, "audit", "rewrite").code)
}

func TestRun_AuditPurgeNeedsConfirmation(t *testing.T) {
	env := newTestEnv(t).withFleet(t)
	require.Equal(t, ExitSuccess, env.run(t, "select", "--tenant", "acme", "--domain", "general", "--record").code)

	res := env.run(t, "audit", "purge", "--before", "1d")
	assert.Equal(t, ExitValidation, res.code)
	assert.Contains(t, res.stderr, "--confirm")

	var purged struct {
		Removed int `json:"removed"`
	}
	res = env.runJSON(t, &purged, "audit", "purge", "--before", "2000-01-01", "--confirm")
	require.Equal(t, ExitSuccess, res.code, res.stdout)
	assert.Equal(t, 0, purged.Removed)
}

func TestRun_ReportsAndBundles(t *testing.T) {
	env := newTestEnv(t).withFleet(t)
	require.Equal(t, ExitSuccess, env.run(t, "select", "--tenant", "acme", "--domain", "healthcare", "--record").code)

	res := env.run(t, "report", "compliance", "--domain", "healthcare")
	require.Equal(t, ExitSuccess, res.code, res.stderr)
	assert.Contains(t, res.stdout, "healthcare")
	assert.Contains(t, res.stdout, "claude-med")

	var rep struct {
		Models  int `json:"models"`
		Domains []struct {
			DomainID string   `json:"domain_id"`
			Eligible []string `json:"eligible"`
		} `json:"domains"`
	}
	res = env.runJSON(t, &rep, "report", "compliance", "--domain", "healthcare")
	require.Equal(t, ExitSuccess, res.code)
	assert.Equal(t, 2, rep.Models)
	require.Len(t, rep.Domains, 1)
	assert.Equal(t, []string{"claude-med"}, rep.Domains[0].Eligible)

	bundle := filepath.Join(env.dir, "evidence.tar.gz")
	var written struct {
		Files       map[string]string `json:"files"`
		ChainsValid bool              `json:"chains_valid"`
	}
	res = env.runJSON(t, &written, "report", "bundle", "--output", bundle)
	require.Equal(t, ExitSuccess, res.code, res.stdout)
	assert.True(t, written.ChainsValid)
	assert.NotEmpty(t, written.Files)

	res = env.run(t, "report", "verify-bundle", bundle)
	assert.Equal(t, ExitSuccess, res.code, res.stderr)

	// A truncated archive fails verification.
	data, err := os.ReadFile(bundle)
	require.NoError(t, err)
	broken := filepath.Join(env.dir, "broken.tar.gz")
	require.NoError(t, os.WriteFile(broken, data[:len(data)/2], 0o600))
	res = env.run(t, "report", "verify-bundle", broken)
	assert.Equal(t, ExitUnavailable, res.code)

	assert.Equal(t, ExitValidation, env.run(t, "report", "bundle").code)
	assert.Equal(t, ExitValidation, env.run(t, "report", "compliance", "--since", "1d", "--until", "7d").code)
}

func TestRun_SetWeightsPublishesNewVersion(t *testing.T) {
	env := newTestEnv(t)

	var out struct {
		Profile struct {
			ID      string `json:"id"`
			Version int    `json:"version"`
		} `json:"profile"`
		Changed bool `json:"changed"`
	}
	res := env.runJSON(t, &out, "profiles", "set-weights", "BALANCED", "0.3", "0.1", "0.1", "0.1", "0.1", "0.1", "0.1", "0.1")
	require.Equal(t, ExitSuccess, res.code, res.stdout)
	assert.True(t, out.Changed)
	assert.Equal(t, 2, out.Profile.Version)

	// Same weights again publish nothing.
	res = env.runJSON(t, &out, "profiles", "set-weights", "BALANCED", "0.3", "0.1", "0.1", "0.1", "0.1", "0.1", "0.1", "0.1")
	require.Equal(t, ExitSuccess, res.code)
	assert.False(t, out.Changed)
	assert.Equal(t, 2, out.Profile.Version)

	var shown struct {
		History []struct {
			Version int `json:"version"`
		} `json:"history"`
	}
	res = env.runJSON(t, &shown, "profiles", "show", "BALANCED")
	require.Equal(t, ExitSuccess, res.code)
	assert.Len(t, shown.History, 2)

	assert.Equal(t, ExitValidation, env.run(t, "profiles", "set-weights", "BALANCED", "0.5", "0.5").code)
	assert.Equal(t, ExitValidation, env.run(t, "profiles", "set-weights", "NOPE", "quality=1").code)
}

func TestRun_CatalogRoundTrip(t *testing.T) {
	env := newTestEnv(t).withFleet(t)
	out := filepath.Join(env.dir, "export.yaml")
	res := env.run(t, "catalog", "export", out)
	require.Equal(t, ExitSuccess, res.code, res.stderr)

	// The export imports cleanly into a fresh store.
	fresh := newTestEnv(t)
	res = fresh.run(t, "catalog", "import", out)
	require.Equal(t, ExitSuccess, res.code, res.stderr)

	var models []struct {
		ID string `json:"id"`
	}
	res = fresh.runJSON(t, &models, "models", "list")
	require.Equal(t, ExitSuccess, res.code)
	assert.Len(t, models, 2)

	assert.Equal(t, ExitValidation, env.run(t, "catalog", "export", filepath.Join(env.dir, "x.ini")).code)
}

func TestRun_ModelsFilters(t *testing.T) {
	env := newTestEnv(t).withFleet(t)

	var models []struct {
		ID string `json:"id"`
	}
	res := env.runJSON(t, &models, "models", "list", "--tag", "HIPAA")
	require.Equal(t, ExitSuccess, res.code)
	require.Len(t, models, 1)
	assert.Equal(t, "claude-med", models[0].ID)

	res = env.runJSON(t, &models, "models", "list", "--thermal")
	require.Equal(t, ExitSuccess, res.code)
	require.Len(t, models, 1)
	assert.Equal(t, "llama3-8b", models[0].ID)

	assert.Equal(t, ExitValidation, env.run(t, "models", "show", "gpt-99").code)
}

func TestRun_ModelsRemove(t *testing.T) {
	env := newTestEnv(t).withFleet(t)

	assert.Equal(t, ExitValidation, env.run(t, "models", "remove", "llama3-8b").code, "needs confirmation")
	assert.Equal(t, ExitValidation, env.run(t, "models", "remove").code)
	assert.Equal(t, ExitValidation, env.run(t, "models", "remove", "ghost", "--confirm").code)

	res := env.run(t, "models", "remove", "llama3-8b", "--confirm")
	require.Equal(t, ExitSuccess, res.code, res.stderr)

	var models []struct {
		ID string `json:"id"`
	}
	res = env.runJSON(t, &models, "models", "list")
	require.Equal(t, ExitSuccess, res.code)
	require.Len(t, models, 1)
	assert.Equal(t, "claude-med", models[0].ID)

	var states []struct {
		ModelID string `json:"model_id"`
	}
	res = env.runJSON(t, &states, "thermal", "status")
	require.Equal(t, ExitSuccess, res.code)
	assert.Empty(t, states)
}

func TestRun_ThermalStatusShowsInitialState(t *testing.T) {
	env := newTestEnv(t).withFleet(t)
	var states []struct {
		ModelID string `json:"model_id"`
	}
	res := env.runJSON(t, &states, "thermal", "status")
	require.Equal(t, ExitSuccess, res.code, res.stdout)
	require.Len(t, states, 1)
	assert.Equal(t, "llama3-8b", states[0].ModelID)
}

func TestRun_DoctorWarnsOnEmptyRegistry(t *testing.T) {
	env := newTestEnv(t)
	var out struct {
		Checks []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"checks"`
		Summary DoctorSummary `json:"summary"`
	}
	res := env.runJSON(t, &out, "doctor")
	require.Equal(t, ExitSuccess, res.code, res.stdout)
	assert.True(t, out.Summary.Healthy)
	assert.Zero(t, out.Summary.Failed)

	status := map[string]string{}
	for _, c := range out.Checks {
		status[c.Name] = c.Status
	}
	assert.Equal(t, "pass", status["Storage"])
	assert.Equal(t, "warn", status["Registry"])
	assert.Equal(t, "warn", status["Audit trail"])
}

func TestRun_DoctorFailsWhenOllamaIsDown(t *testing.T) {
	env := newTestEnv(t)
	f, err := os.OpenFile(env.config, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("\n[thermal]\nprovisioner = \"ollama\"\n\n[ollama]\nurl = \"http://127.0.0.1:1\"\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	type check struct {
		Name   string `json:"name"`
		Status string `json:"status"`
		Fix    string `json:"fix"`
	}
	var out struct {
		Checks []check `json:"checks"`
	}
	res := env.runJSON(t, &out, "doctor")
	assert.Equal(t, ExitUnavailable, res.code)

	var ollamaCheck *check
	for i := range out.Checks {
		if out.Checks[i].Name == "Ollama" {
			ollamaCheck = &out.Checks[i]
		}
	}
	require.NotNil(t, ollamaCheck, res.stdout)
	assert.Equal(t, "fail", ollamaCheck.Status)
	assert.Contains(t, ollamaCheck.Fix, "ollama serve")
}
