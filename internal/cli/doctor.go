// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// doctor.go - configuration and backend health checks.
//
// Command: doctor
//
// Checks, in order:
//  1. Config       - the configuration loaded and validated
//  2. Storage      - the sqlite database opens and answers
//  3. Audit trail  - decisions recorded and the chain key in use
//  4. Catalog      - profiles and domains are available
//  5. Registry     - at least one model is registered
//  6. Manifest     - the configured manifest parses and validates
//  7. Ollama       - the daemon answers (provisioner = ollama only)
//  8. Redis        - the lock backend answers (redis.enabled only)
//  9. NATS         - the event bus accepts a connection (nats.enabled only)
//
// Any failed check exits with code 3.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/redis/go-redis/v9"

	"github.com/jeranaias/rigroute/internal/audit"
	"github.com/jeranaias/rigroute/internal/events"
	"github.com/jeranaias/rigroute/internal/manifest"
	"github.com/jeranaias/rigroute/internal/model"
	"github.com/jeranaias/rigroute/internal/ollama"
	"github.com/jeranaias/rigroute/internal/storage"
)

// checkTimeout bounds each network check.
const checkTimeout = 3 * time.Second

var (
	checkPassStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("82")).Bold(true)
	checkWarnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("220")).Bold(true)
	checkFailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	fixStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true).PaddingLeft(2)
)

// =============================================================================
// HEALTH CHECK TYPES
// =============================================================================

// CheckStatus represents the status of a health check.
type CheckStatus int

const (
	CheckPass CheckStatus = iota
	CheckWarn
	CheckFail
)

func (s CheckStatus) String() string {
	switch s {
	case CheckPass:
		return "pass"
	case CheckWarn:
		return "warn"
	case CheckFail:
		return "fail"
	default:
		return "unknown"
	}
}

// MarshalText renders the status as pass, warn or fail.
func (s CheckStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Symbol returns the bracketed marker for the status.
func (s CheckStatus) Symbol() string {
	switch s {
	case CheckPass:
		return checkPassStyle.Render("[OK]")
	case CheckWarn:
		return checkWarnStyle.Render("[!!]")
	default:
		return checkFailStyle.Render("[FAIL]")
	}
}

// HealthCheck is a single check result.
type HealthCheck struct {
	Name    string      `json:"name"`
	Status  CheckStatus `json:"status"`
	Message string      `json:"message"`
	Fix     string      `json:"fix,omitempty"`
}

// Render formats the check with its fix hint when it did not pass.
func (c HealthCheck) Render() string {
	out := fmt.Sprintf("%s %-12s %s", c.Status.Symbol(), c.Name, c.Message)
	if c.Status != CheckPass && c.Fix != "" {
		out += "\n" + fixStyle.Render("-> "+c.Fix)
	}
	return out
}

// DoctorSummary counts check outcomes.
type DoctorSummary struct {
	Passed  int  `json:"passed"`
	Warned  int  `json:"warned"`
	Failed  int  `json:"failed"`
	Healthy bool `json:"healthy"`
}

// DoctorError is returned when at least one check failed.
type DoctorError struct {
	Checks  []HealthCheck
	Summary DoctorSummary
}

func (e *DoctorError) Error() string {
	return fmt.Sprintf("%d health check(s) failed", e.Summary.Failed)
}

// Is makes failed checks map to the unavailable exit code.
func (e *DoctorError) Is(target error) bool { return target == model.ErrBackendUnavailable }

// ErrorData carries the check list into JSON error output.
func (e *DoctorError) ErrorData() any {
	return map[string]any{"checks": e.Checks, "summary": e.Summary}
}

// =============================================================================
// HANDLE DOCTOR
// =============================================================================

func (a *App) doctor(ctx context.Context) error {
	checks := a.runChecks(ctx)

	var sum DoctorSummary
	for _, c := range checks {
		switch c.Status {
		case CheckPass:
			sum.Passed++
		case CheckWarn:
			sum.Warned++
		case CheckFail:
			sum.Failed++
		}
	}
	sum.Healthy = sum.Failed == 0

	if !a.args.JSON {
		fmt.Fprintln(a.Out, TitleStyle.Render("rigroute doctor"))
		fmt.Fprintln(a.Out, RenderSeparator(41))
		for _, c := range checks {
			fmt.Fprintln(a.Out, c.Render())
		}
		fmt.Fprintln(a.Out, SeparatorStyle.Render(strings.Repeat("-", 41)))
		parts := []string{fmt.Sprintf("%d passed", sum.Passed)}
		if sum.Warned > 0 {
			parts = append(parts, checkWarnStyle.Render(fmt.Sprintf("%d warning", sum.Warned)))
		}
		if sum.Failed > 0 {
			parts = append(parts, checkFailStyle.Render(fmt.Sprintf("%d failed", sum.Failed)))
		}
		fmt.Fprintln(a.Out, DimStyle.Render(strings.Join(parts, ", ")))
	}

	if sum.Failed > 0 {
		return &DoctorError{Checks: checks, Summary: sum}
	}
	if a.args.JSON {
		return a.writeJSON(map[string]any{"checks": checks, "summary": sum})
	}
	return nil
}

// runChecks runs every check. Later checks that need storage are skipped
// when it cannot be opened.
func (a *App) runChecks(ctx context.Context) []HealthCheck {
	cfg := a.Config
	checks := []HealthCheck{a.checkConfig()}

	db, storageCheck := a.checkStorage(ctx)
	checks = append(checks, storageCheck)
	if db != nil {
		defer db.Close()
		checks = append(checks,
			a.checkAuditTrail(ctx, db),
			checkCatalog(ctx, db),
			checkRegistry(ctx, db),
		)
	}
	if cfg.Catalog.ManifestPath != "" {
		checks = append(checks, checkManifest(cfg.Catalog.ManifestPath))
	}
	if strings.EqualFold(cfg.Thermal.Provisioner, "ollama") {
		checks = append(checks, a.checkOllama(ctx))
	}
	if cfg.Redis.Enabled {
		checks = append(checks, a.checkRedis(ctx))
	}
	if cfg.NATS.Enabled {
		checks = append(checks, a.checkNATS())
	}
	return checks
}

// =============================================================================
// HEALTH CHECK FUNCTIONS
// =============================================================================

func (a *App) checkConfig() HealthCheck {
	c := HealthCheck{Name: "Config", Status: CheckPass}
	switch path := a.args.ConfigPath; {
	case path != "":
		c.Message = "loaded " + path
	default:
		c.Message = "defaults and RIGROUTE_* environment"
	}
	return c
}

func (a *App) checkStorage(ctx context.Context) (*storage.DB, HealthCheck) {
	c := HealthCheck{Name: "Storage"}
	db, err := storage.Open(storage.Config{Path: a.Config.Storage.Path, TailCacheSize: a.Config.Storage.TailCacheSize}, a.Log)
	if err != nil {
		c.Status = CheckFail
		c.Message = err.Error()
		c.Fix = "Check storage.path is writable: " + a.Config.Storage.Path
		return nil, c
	}
	pingCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if err := db.Ping(pingCtx); err != nil {
		_ = db.Close()
		c.Status = CheckFail
		c.Message = err.Error()
		return nil, c
	}
	c.Status = CheckPass
	c.Message = db.Path()
	return db, c
}

func (a *App) checkAuditTrail(ctx context.Context, db *storage.DB) HealthCheck {
	c := HealthCheck{Name: "Audit trail"}
	h, err := chainHasher(a.Config)
	if err != nil {
		c.Status = CheckFail
		c.Message = err.Error()
		c.Fix = "Set audit.key or audit.key_file to a 32-byte hex key"
		return c
	}
	n, err := db.DecisionCount(ctx)
	if err != nil {
		c.Status = CheckFail
		c.Message = err.Error()
		return c
	}
	c.Message = fmt.Sprintf("%d decisions, %s chain", n, h.Algorithm())
	if h.Algorithm() == audit.AlgSHA256 {
		c.Status = CheckWarn
		c.Fix = "Unkeyed chains detect corruption but not forgery; set audit.key_file"
		return c
	}
	c.Status = CheckPass
	return c
}

func checkCatalog(ctx context.Context, db *storage.DB) HealthCheck {
	c := HealthCheck{Name: "Catalog"}
	cat, ok, err := db.LoadCatalog(ctx)
	if err != nil {
		c.Status = CheckFail
		c.Message = err.Error()
		return c
	}
	if !ok {
		c.Status = CheckPass
		c.Message = "built-in catalog (nothing saved yet)"
		return c
	}
	c.Status = CheckPass
	c.Message = fmt.Sprintf("v%d, %d profiles, %d domains, %d overrides", cat.Version(), len(cat.Profiles()), len(cat.Domains()), len(cat.Overrides()))
	return c
}

func checkRegistry(ctx context.Context, db *storage.DB) HealthCheck {
	c := HealthCheck{Name: "Registry"}
	models, err := db.LoadModels(ctx)
	if err != nil {
		c.Status = CheckFail
		c.Message = err.Error()
		return c
	}
	if len(models) == 0 {
		c.Status = CheckWarn
		c.Message = "no models registered"
		c.Fix = "Run: rigroute catalog import fleet.toml"
		return c
	}
	thermal := 0
	for _, m := range models {
		if m.ThermalCapable {
			thermal++
		}
	}
	c.Status = CheckPass
	c.Message = fmt.Sprintf("%d models (%d thermal-managed)", len(models), thermal)
	return c
}

func checkManifest(path string) HealthCheck {
	c := HealthCheck{Name: "Manifest"}
	if _, err := os.Stat(path); err != nil {
		c.Status = CheckWarn
		c.Message = "not found: " + path
		c.Fix = "Run: rigroute catalog export " + path
		return c
	}
	f, err := manifest.Load(path)
	if err == nil {
		err = f.Validate()
	}
	if err != nil {
		c.Status = CheckFail
		c.Message = err.Error()
		c.Fix = "Run: rigroute profiles validate " + path
		return c
	}
	c.Status = CheckPass
	c.Message = fmt.Sprintf("%s (%d models, %d profiles)", path, len(f.Models), len(f.Profiles))
	return c
}

func (a *App) checkOllama(ctx context.Context) HealthCheck {
	c := HealthCheck{Name: "Ollama"}
	client := ollama.NewClient(ollama.Config{BaseURL: a.Config.Ollama.URL, Timeout: checkTimeout})
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if err := client.CheckRunning(ctx); err != nil {
		c.Status = CheckFail
		c.Message = err.Error()
		switch {
		case ollama.IsNotRunning(err):
			c.Fix = "Run: ollama serve (or set ollama.url)"
		case ollama.IsTimeout(err):
			c.Fix = "Ollama is slow to answer; check host load or raise the timeout"
		default:
			c.Fix = "Check ollama.url"
		}
		return c
	}
	c.Status = CheckPass
	c.Message = "running at " + client.Config().BaseURL
	return c
}

func (a *App) checkRedis(ctx context.Context) HealthCheck {
	c := HealthCheck{Name: "Redis"}
	client := redis.NewClient(&redis.Options{
		Addr:        a.Config.Redis.Addr,
		Password:    a.Config.Redis.Password,
		DB:          a.Config.Redis.DB,
		DialTimeout: checkTimeout,
	})
	defer client.Close()
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		c.Status = CheckFail
		c.Message = err.Error()
		c.Fix = "Check redis.addr or set redis.enabled = false"
		return c
	}
	c.Status = CheckPass
	c.Message = "ping ok at " + a.Config.Redis.Addr
	return c
}

func (a *App) checkNATS() HealthCheck {
	c := HealthCheck{Name: "NATS"}
	cfg := events.DefaultConfig(a.Config.NATS.URL)
	cfg.MaxReconnects = 0
	cfg.ConnectTimeout = checkTimeout
	conn, err := events.Connect(cfg, a.Log)
	if err != nil {
		c.Status = CheckFail
		c.Message = err.Error()
		c.Fix = "Check nats.url or set nats.enabled = false"
		return c
	}
	conn.Close()
	c.Status = CheckPass
	c.Message = "connected to " + a.Config.NATS.URL
	return c
}
