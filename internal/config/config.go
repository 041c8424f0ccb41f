// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v10"

	"github.com/jeranaias/rigroute/internal/audit"
	"github.com/jeranaias/rigroute/internal/catalog"
	"github.com/jeranaias/rigroute/internal/model"
	"github.com/jeranaias/rigroute/internal/scoring"
	"github.com/jeranaias/rigroute/internal/thermal"
	"github.com/jeranaias/rigroute/internal/util"
	"github.com/jeranaias/rigroute/internal/verify"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RIGROUTE_"

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete rigroute configuration.
type Config struct {
	Engine       EngineConfig       `toml:"engine" envPrefix:"ENGINE_"`
	Scoring      scoring.Curves     `toml:"scoring"`
	Thermal      ThermalConfig      `toml:"thermal" envPrefix:"THERMAL_"`
	Verification VerificationConfig `toml:"verification" envPrefix:"VERIFY_"`
	Audit        AuditConfig        `toml:"audit" envPrefix:"AUDIT_"`
	Storage      StorageConfig      `toml:"storage" envPrefix:"STORAGE_"`
	Server       ServerConfig       `toml:"server" envPrefix:"SERVER_"`
	Log          LogConfig          `toml:"log" envPrefix:"LOG_"`
	Redis        RedisConfig        `toml:"redis" envPrefix:"REDIS_"`
	NATS         NATSConfig         `toml:"nats" envPrefix:"NATS_"`
	Probe        ProbeConfig        `toml:"probe" envPrefix:"PROBE_"`
	Catalog      CatalogConfig      `toml:"catalog" envPrefix:"CATALOG_"`
	Ollama       OllamaConfig       `toml:"ollama" envPrefix:"OLLAMA_"`
}

// EngineConfig tunes profile resolution.
type EngineConfig struct {
	// AllowProfileOverride permits per-request overrides unless a tenant
	// override says otherwise
	AllowProfileOverride bool `toml:"allow_profile_override" env:"ALLOW_PROFILE_OVERRIDE"`

	// Fastest a forced reasoning tier can answer
	TierMinLatencyFast     time.Duration `toml:"tier_min_latency_fast" env:"TIER_MIN_LATENCY_FAST"`
	TierMinLatencyStandard time.Duration `toml:"tier_min_latency_standard" env:"TIER_MIN_LATENCY_STANDARD"`
	TierMinLatencyDeep     time.Duration `toml:"tier_min_latency_deep" env:"TIER_MIN_LATENCY_DEEP"`
}

// ThermalConfig tunes the thermal state machine.
type ThermalConfig struct {
	WaitTimeout       time.Duration `toml:"wait_timeout" env:"WAIT_TIMEOUT"`
	ProvisionDeadline time.Duration `toml:"provision_deadline" env:"PROVISION_DEADLINE"`
	MaxWaiters        int           `toml:"max_waiters" env:"MAX_WAITERS"`
	MinDwell          time.Duration `toml:"min_dwell" env:"MIN_DWELL"`
	HotIdle           time.Duration `toml:"hot_idle" env:"HOT_IDLE"`
	WarmIdle          time.Duration `toml:"warm_idle" env:"WARM_IDLE"`
	ColdIdle          time.Duration `toml:"cold_idle" env:"COLD_IDLE"`
	SweepInterval     time.Duration `toml:"sweep_interval" env:"SWEEP_INTERVAL"`
	InitialState      string        `toml:"initial_state" env:"INITIAL_STATE"`

	// Provisioner is "ollama" or "none"
	Provisioner string `toml:"provisioner" env:"PROVISIONER"`
}

// VerificationConfig tunes the verification gate.
type VerificationConfig struct {
	MaxRetries  int    `toml:"max_retries" env:"MAX_RETRIES"`
	OnExhausted string `toml:"on_exhausted" env:"ON_EXHAUSTED"`
}

// AuditConfig tunes the decision recorder.
type AuditConfig struct {
	// Algorithm is hmac-sha256, sha256 or blake2b-256. Empty picks
	// hmac-sha256 when a key is configured.
	Algorithm string `toml:"algorithm" env:"ALGORITHM"`

	// Key is a hex chain key; KeyFile wins when both are set
	Key     string `toml:"key" env:"KEY"`
	KeyFile string `toml:"key_file" env:"KEY_FILE"`

	BaseBackoff    time.Duration `toml:"base_backoff" env:"BASE_BACKOFF"`
	MaxBackoff     time.Duration `toml:"max_backoff" env:"MAX_BACKOFF"`
	ReconcileAfter int           `toml:"reconcile_after" env:"RECONCILE_AFTER"`
	WriteTimeout   time.Duration `toml:"write_timeout" env:"WRITE_TIMEOUT"`

	// RetentionDays of zero keeps decisions forever
	RetentionDays int `toml:"retention_days" env:"RETENTION_DAYS"`
}

// StorageConfig locates the sqlite database.
type StorageConfig struct {
	Path          string `toml:"path" env:"PATH"`
	TailCacheSize int    `toml:"tail_cache_size" env:"TAIL_CACHE_SIZE"`
}

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	Addr            string        `toml:"addr" env:"ADDR"`
	Mode            string        `toml:"mode" env:"MODE"`
	ReadTimeout     time.Duration `toml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `toml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// AuthToken enables bearer authentication on /v1 routes when set
	AuthToken  string   `toml:"auth_token" env:"AUTH_TOKEN"`
	AllowedIPs []string `toml:"allowed_ips" env:"ALLOWED_IPS" envSeparator:","`

	// RateLimit is requests per second per client IP; 0 disables
	RateLimit float64 `toml:"rate_limit" env:"RATE_LIMIT"`
	RateBurst int     `toml:"rate_burst" env:"RATE_BURST"`
}

// LogConfig selects level and format.
type LogConfig struct {
	Level  string `toml:"level" env:"LEVEL"`
	Format string `toml:"format" env:"FORMAT"`
}

// RedisConfig enables the distributed provisioning lock.
type RedisConfig struct {
	Enabled    bool          `toml:"enabled" env:"ENABLED"`
	Addr       string        `toml:"addr" env:"ADDR"`
	Password   string        `toml:"password" env:"PASSWORD"`
	DB         int           `toml:"db" env:"DB"`
	LockExpiry time.Duration `toml:"lock_expiry" env:"LOCK_EXPIRY"`
}

// NATSConfig enables decision event publication.
type NATSConfig struct {
	Enabled       bool   `toml:"enabled" env:"ENABLED"`
	URL           string `toml:"url" env:"URL"`
	SubjectPrefix string `toml:"subject_prefix" env:"SUBJECT_PREFIX"`
}

// ProbeConfig paces registry health probes.
type ProbeConfig struct {
	Enabled     bool          `toml:"enabled" env:"ENABLED"`
	Interval    time.Duration `toml:"interval" env:"INTERVAL"`
	Timeout     time.Duration `toml:"timeout" env:"TIMEOUT"`
	Concurrency int           `toml:"concurrency" env:"CONCURRENCY"`
	RatePerSec  float64       `toml:"rate_per_sec" env:"RATE_PER_SEC"`
	Burst       int           `toml:"burst" env:"BURST"`
}

// CatalogConfig points at the model and catalog manifest.
type CatalogConfig struct {
	ManifestPath string        `toml:"manifest_path" env:"MANIFEST_PATH"`
	Watch        bool          `toml:"watch" env:"WATCH"`
	Debounce     time.Duration `toml:"debounce" env:"DEBOUNCE"`
}

// OllamaConfig reaches the self-hosted daemon.
type OllamaConfig struct {
	URL       string            `toml:"url" env:"URL"`
	Timeout   time.Duration     `toml:"timeout" env:"TIMEOUT"`
	KeepAlive time.Duration     `toml:"keep_alive" env:"KEEP_ALIVE"`
	Models    map[string]string `toml:"models"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	th := thermal.DefaultConfig()
	vc := verify.DefaultConfig()
	ac := audit.DefaultConfig()
	rc := catalog.DefaultResolverConfig()
	return &Config{
		Engine: EngineConfig{
			AllowProfileOverride:   rc.AllowOverrideByDefault,
			TierMinLatencyFast:     rc.TierMinLatency[model.TierFast],
			TierMinLatencyStandard: rc.TierMinLatency[model.TierStandard],
			TierMinLatencyDeep:     rc.TierMinLatency[model.TierDeep],
		},
		Scoring: scoring.DefaultCurves(),
		Thermal: ThermalConfig{
			WaitTimeout:       th.WaitTimeout,
			ProvisionDeadline: th.ProvisionDeadline,
			MaxWaiters:        th.MaxWaiters,
			MinDwell:          th.MinDwell,
			HotIdle:           th.HotIdle,
			WarmIdle:          th.WarmIdle,
			ColdIdle:          th.ColdIdle,
			SweepInterval:     th.SweepInterval,
			InitialState:      th.InitialState.String(),
			Provisioner:       "none",
		},
		Verification: VerificationConfig{
			MaxRetries:  vc.MaxRetries,
			OnExhausted: vc.OnExhausted,
		},
		Audit: AuditConfig{
			BaseBackoff:    ac.BaseBackoff,
			MaxBackoff:     ac.MaxBackoff,
			ReconcileAfter: ac.ReconcileAfter,
			WriteTimeout:   ac.WriteTimeout,
		},
		Storage: StorageConfig{
			Path:          defaultDataPath("rigroute.db"),
			TailCacheSize: 1024,
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8787",
			Mode:            "release",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    time.Minute,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       50,
			RateBurst:       100,
		},
		Log:   LogConfig{Level: "info", Format: "console"},
		Redis: RedisConfig{Addr: "127.0.0.1:6379", LockExpiry: 15 * time.Minute},
		NATS:  NATSConfig{URL: "nats://127.0.0.1:4222", SubjectPrefix: "rigroute.decisions"},
		Probe: ProbeConfig{
			Interval:    30 * time.Second,
			Timeout:     5 * time.Second,
			Concurrency: 4,
			RatePerSec:  10,
			Burst:       4,
		},
		Catalog: CatalogConfig{Debounce: 500 * time.Millisecond},
		Ollama: OllamaConfig{
			URL:       "http://127.0.0.1:11434",
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Minute,
		},
	}
}

// Dir returns ~/.rigroute.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".rigroute"), nil
}

// DefaultPath returns ~/.rigroute/config.toml.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func defaultDataPath(name string) string {
	dir, err := Dir()
	if err != nil {
		return name
	}
	return filepath.Join(dir, name)
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads path over the defaults, applies RIGROUTE_* environment
// overrides, fills zero values and validates. An empty path uses the
// default location, and a missing default file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err == nil {
			path = p
		}
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to decode %s: %w", path, err)
			}
		} else if explicit {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides applies RIGROUTE_<SECTION>_<KEY> variables, e.g.
// RIGROUTE_THERMAL_WAIT_TIMEOUT=45s or RIGROUTE_AUDIT_KEY_FILE=/run/key.
// Unset variables leave the current value alone.
func (c *Config) ApplyEnvOverrides() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// fillDefaults replaces zero values a partial file or override left behind.
func (c *Config) fillDefaults() {
	d := Default()

	if c.Thermal.WaitTimeout <= 0 {
		c.Thermal.WaitTimeout = d.Thermal.WaitTimeout
	}
	if c.Thermal.ProvisionDeadline <= 0 {
		c.Thermal.ProvisionDeadline = d.Thermal.ProvisionDeadline
	}
	if c.Thermal.MaxWaiters <= 0 {
		c.Thermal.MaxWaiters = d.Thermal.MaxWaiters
	}
	if c.Thermal.SweepInterval <= 0 {
		c.Thermal.SweepInterval = d.Thermal.SweepInterval
	}
	if c.Thermal.InitialState == "" {
		c.Thermal.InitialState = d.Thermal.InitialState
	}
	if c.Thermal.Provisioner == "" {
		c.Thermal.Provisioner = d.Thermal.Provisioner
	}
	if c.Verification.OnExhausted == "" {
		c.Verification.OnExhausted = d.Verification.OnExhausted
	}
	if c.Audit.BaseBackoff <= 0 {
		c.Audit.BaseBackoff = d.Audit.BaseBackoff
	}
	if c.Audit.MaxBackoff <= 0 {
		c.Audit.MaxBackoff = d.Audit.MaxBackoff
	}
	if c.Audit.ReconcileAfter <= 0 {
		c.Audit.ReconcileAfter = d.Audit.ReconcileAfter
	}
	if c.Audit.WriteTimeout <= 0 {
		c.Audit.WriteTimeout = d.Audit.WriteTimeout
	}
	if c.Storage.Path == "" {
		c.Storage.Path = d.Storage.Path
	}
	if c.Storage.TailCacheSize <= 0 {
		c.Storage.TailCacheSize = d.Storage.TailCacheSize
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.Mode == "" {
		c.Server.Mode = d.Server.Mode
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Redis.LockExpiry <= 0 {
		c.Redis.LockExpiry = d.Redis.LockExpiry
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = d.NATS.SubjectPrefix
	}
	if c.Probe.Interval <= 0 {
		c.Probe.Interval = d.Probe.Interval
	}
	if c.Probe.Timeout <= 0 {
		c.Probe.Timeout = d.Probe.Timeout
	}
	if c.Catalog.Debounce <= 0 {
		c.Catalog.Debounce = d.Catalog.Debounce
	}
	if c.Ollama.URL == "" {
		c.Ollama.URL = d.Ollama.URL
	}
}

// =============================================================================
// SAVING
// =============================================================================

// Save writes c as TOML.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	buf.WriteString("# rigroute configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	// The file may hold an audit key.
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors collects every invalid field.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every section and returns ValidateErrors.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// ==========================================================================
	// Engine and scoring
	// ==========================================================================

	if c.Engine.TierMinLatencyFast < 0 || c.Engine.TierMinLatencyStandard < 0 || c.Engine.TierMinLatencyDeep < 0 {
		add("engine.tier_min_latency", "must not be negative")
	}
	if err := c.Scoring.Validate(); err != nil {
		add("scoring", "%v", err)
	}

	// ==========================================================================
	// Thermal and verification
	// ==========================================================================

	if _, err := model.ParseThermalLevel(c.Thermal.InitialState); err != nil {
		add("thermal.initial_state", "%v", err)
	} else if lvl, _ := model.ParseThermalLevel(c.Thermal.InitialState); lvl.Ready() {
		add("thermal.initial_state", "must be OFF or COLD, got %s", lvl)
	}
	if c.Thermal.MinDwell < 0 {
		add("thermal.min_dwell", "must not be negative")
	}
	switch strings.ToLower(c.Thermal.Provisioner) {
	case "none", "ollama":
	default:
		add("thermal.provisioner", "invalid provisioner %q, must be one of: none, ollama", c.Thermal.Provisioner)
	}
	if err := c.VerifyConfig().Validate(); err != nil {
		add("verification", "%v", err)
	}

	// ==========================================================================
	// Audit
	// ==========================================================================

	switch c.Audit.Algorithm {
	case "", audit.AlgHMACSHA256, audit.AlgSHA256, audit.AlgBLAKE2b256:
	default:
		add("audit.algorithm", "invalid algorithm %q, must be one of: %s, %s, %s",
			c.Audit.Algorithm, audit.AlgHMACSHA256, audit.AlgSHA256, audit.AlgBLAKE2b256)
	}
	if c.Audit.Algorithm == audit.AlgHMACSHA256 && c.Audit.Key == "" && c.Audit.KeyFile == "" {
		add("audit.key", "%s requires key or key_file", audit.AlgHMACSHA256)
	}
	if c.Audit.MaxBackoff < c.Audit.BaseBackoff {
		add("audit.max_backoff", "must be >= base_backoff (%s)", c.Audit.BaseBackoff)
	}
	if c.Audit.RetentionDays < 0 {
		add("audit.retention_days", "must not be negative")
	}

	// ==========================================================================
	// Surfaces
	// ==========================================================================

	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		add("server.mode", "invalid mode %q, must be one of: debug, release, test", c.Server.Mode)
	}
	if c.Server.RateLimit < 0 {
		add("server.rate_limit", "must not be negative")
	}
	for _, ip := range c.Server.AllowedIPs {
		if _, err := netip.ParsePrefix(ip); err != nil {
			if _, err := netip.ParseAddr(ip); err != nil {
				add("server.allowed_ips", "invalid address or CIDR %q", ip)
			}
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		add("log.format", "invalid format %q, must be one of: console, json", c.Log.Format)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		add("redis.addr", "required when redis is enabled")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		add("nats.url", "required when nats is enabled")
	}
	if c.Probe.Concurrency < 0 || c.Probe.RatePerSec < 0 || c.Probe.Burst < 0 {
		add("probe", "concurrency, rate_per_sec and burst must not be negative")
	}
	if c.Catalog.Watch && c.Catalog.ManifestPath == "" {
		add("catalog.manifest_path", "required when watch is enabled")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// COMPONENT CONFIGS
// =============================================================================

// ResolverConfig builds the profile resolver configuration.
func (c *Config) ResolverConfig() catalog.ResolverConfig {
	return catalog.ResolverConfig{
		AllowOverrideByDefault: c.Engine.AllowProfileOverride,
		TierMinLatency: map[model.ReasoningTier]time.Duration{
			model.TierFast:     c.Engine.TierMinLatencyFast,
			model.TierStandard: c.Engine.TierMinLatencyStandard,
			model.TierDeep:     c.Engine.TierMinLatencyDeep,
		},
	}
}

// ThermalManagerConfig builds the thermal manager configuration.
func (c *Config) ThermalManagerConfig() thermal.Config {
	lvl, err := model.ParseThermalLevel(c.Thermal.InitialState)
	if err != nil {
		lvl = model.ThermalCold
	}
	return thermal.Config{
		WaitTimeout:       c.Thermal.WaitTimeout,
		ProvisionDeadline: c.Thermal.ProvisionDeadline,
		MaxWaiters:        c.Thermal.MaxWaiters,
		MinDwell:          c.Thermal.MinDwell,
		HotIdle:           c.Thermal.HotIdle,
		WarmIdle:          c.Thermal.WarmIdle,
		ColdIdle:          c.Thermal.ColdIdle,
		SweepInterval:     c.Thermal.SweepInterval,
		InitialState:      lvl,
	}
}

// VerifyConfig builds the verification gate configuration.
func (c *Config) VerifyConfig() verify.Config {
	return verify.Config{MaxRetries: c.Verification.MaxRetries, OnExhausted: c.Verification.OnExhausted}
}

// RecorderConfig builds the decision recorder configuration.
func (c *Config) RecorderConfig() audit.Config {
	return audit.Config{
		BaseBackoff:    c.Audit.BaseBackoff,
		MaxBackoff:     c.Audit.MaxBackoff,
		ReconcileAfter: c.Audit.ReconcileAfter,
		WriteTimeout:   c.Audit.WriteTimeout,
	}
}

// Retention returns the audit retention window, zero meaning forever.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Audit.RetentionDays) * 24 * time.Hour
}
