// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigroute/internal/audit"
	"github.com/jeranaias/rigroute/internal/model"
	"github.com/jeranaias/rigroute/internal/verify"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

// =============================================================================
// LOAD TESTS
// =============================================================================

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.Verification.MaxRetries)
	assert.Equal(t, verify.OnExhaustedFail, cfg.Verification.OnExhausted)
	assert.Equal(t, "COLD", cfg.Thermal.InitialState)
	assert.True(t, cfg.Engine.AllowProfileOverride)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeFile(t, `
[thermal]
wait_timeout = "45s"

[verification]
on_exhausted = "degrade"

[audit]
algorithm = "blake2b-256"
retention_days = 90

[ollama.models]
llama3-8b = "llama3:8b"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Thermal.WaitTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Thermal.MinDwell, "untouched keys keep defaults")
	assert.Equal(t, verify.OnExhaustedDegrade, cfg.Verification.OnExhausted)
	assert.Equal(t, 1, cfg.Verification.MaxRetries)
	assert.Equal(t, audit.AlgBLAKE2b256, cfg.Audit.Algorithm)
	assert.Equal(t, 90*24*time.Hour, cfg.Retention())
	assert.Equal(t, "llama3:8b", cfg.Ollama.Models["llama3-8b"])
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "[thermal]\nwait_timeout = \"45s\"\n")
	t.Setenv("RIGROUTE_THERMAL_WAIT_TIMEOUT", "5s")
	t.Setenv("RIGROUTE_VERIFY_MAX_RETRIES", "3")
	t.Setenv("RIGROUTE_NATS_ENABLED", "true")
	t.Setenv("RIGROUTE_ENGINE_ALLOW_PROFILE_OVERRIDE", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Thermal.WaitTimeout, "environment wins over the file")
	assert.Equal(t, 3, cfg.Verification.MaxRetries)
	assert.True(t, cfg.NATS.Enabled)
	assert.False(t, cfg.ResolverConfig().AllowOverrideByDefault)
}

func TestSave_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Thermal.WaitTimeout = 12 * time.Second
	cfg.Audit.Algorithm = audit.AlgSHA256
	path := filepath.Join(t.TempDir(), "out", "config.toml")
	require.NoError(t, cfg.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12*time.Second, loaded.Thermal.WaitTimeout)
	assert.Equal(t, audit.AlgSHA256, loaded.Audit.Algorithm)
}

// =============================================================================
// VALIDATION TESTS
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad initial state", func(c *Config) { c.Thermal.InitialState = "LUKEWARM" }, "thermal.initial_state"},
		{"ready initial state", func(c *Config) { c.Thermal.InitialState = "HOT" }, "thermal.initial_state"},
		{"bad provisioner", func(c *Config) { c.Thermal.Provisioner = "vllm" }, "thermal.provisioner"},
		{"bad on_exhausted", func(c *Config) { c.Verification.OnExhausted = "ignore" }, "verification"},
		{"negative retries", func(c *Config) { c.Verification.MaxRetries = -1 }, "verification"},
		{"bad algorithm", func(c *Config) { c.Audit.Algorithm = "md5" }, "audit.algorithm"},
		{"hmac without key", func(c *Config) { c.Audit.Algorithm = audit.AlgHMACSHA256 }, "audit.key"},
		{"backoff inverted", func(c *Config) { c.Audit.MaxBackoff = time.Millisecond }, "audit.max_backoff"},
		{"bad server mode", func(c *Config) { c.Server.Mode = "prod" }, "server.mode"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }, "redis.addr"},
		{"watch without manifest", func(c *Config) { c.Catalog.Watch = true }, "catalog.manifest_path"},
		{"bad curve", func(c *Config) { c.Scoring.Cost.Ceiling = 0 }, "scoring"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)

			var verrs ValidateErrors
			require.True(t, errors.As(err, &verrs))
			fields := make([]string, len(verrs))
			for i, e := range verrs {
				fields[i] = e.Field
			}
			assert.Contains(t, fields, tt.field)
		})
	}
}

func TestComponentConfigs(t *testing.T) {
	cfg := Default()
	cfg.Thermal.InitialState = "off"

	tc := cfg.ThermalManagerConfig()
	assert.Equal(t, model.ThermalOff, tc.InitialState)
	assert.Equal(t, cfg.Thermal.WaitTimeout, tc.WaitTimeout)

	rc := cfg.ResolverConfig()
	assert.Equal(t, 5*time.Second, rc.TierMinLatency[model.TierDeep])

	assert.Equal(t, audit.DefaultConfig(), cfg.RecorderConfig())
	assert.Equal(t, verify.DefaultConfig(), cfg.VerifyConfig())
}
