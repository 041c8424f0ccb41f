// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jeranaias/rigroute/internal/catalog"
	"github.com/jeranaias/rigroute/internal/model"
	"github.com/jeranaias/rigroute/internal/registry"
	"github.com/jeranaias/rigroute/internal/router"
)

// Version is reported by /health. Set by the CLI at startup.
var Version = "dev"

// ============================================================================
// DEPENDENCIES
// ============================================================================

// Selector runs selections. Implemented by *router.Engine.
type Selector interface {
	Select(ctx context.Context, req router.Request) (router.Response, error)
}

// ModelSource exposes registry snapshots.
type ModelSource interface {
	Snapshot() *registry.Snapshot
}

// ThermalSource exposes thermal states.
type ThermalSource interface {
	States() []model.ThermalState
}

// CatalogSource exposes the live catalog.
type CatalogSource interface {
	Current() *catalog.Catalog
}

// Deps are the collaborators behind the HTTP surface. Thermal may be nil.
type Deps struct {
	Engine  Selector
	Models  ModelSource
	Catalog CatalogSource
	Thermal ThermalSource

	// Pending reports decisions chained but not yet persisted
	Pending func() int
}

// Config tunes the server.
type Config struct {
	Addr            string
	Mode            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	Auth      *AuthConfig
	RateLimit float64
	RateBurst int
}

// ============================================================================
// SERVER
// ============================================================================

// Server wraps a gin engine with graceful shutdown.
type Server struct {
	cfg     Config
	deps    Deps
	engine  *gin.Engine
	log     zerolog.Logger
	started time.Time
}

// New builds the server and its routes.
func New(cfg Config, deps Deps, log zerolog.Logger) (*Server, error) {
	if deps.Engine == nil || deps.Models == nil || deps.Catalog == nil {
		return nil, errors.New("server: engine, models and catalog are required")
	}
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	if err := registerValidators(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		engine:  gin.New(),
		log:     log.With().Str("component", "server").Logger(),
		started: time.Now(),
	}
	s.engine.Use(
		Recovery(s.log),
		SecurityHeaders(),
		RequestLogger(s.log),
	)
	s.setupRoutes()
	return s, nil
}

// Handler returns the root handler (for tests and embedding).
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/v1")
	if s.cfg.Auth != nil && s.cfg.Auth.Enabled {
		v1.Use(Auth(s.cfg.Auth, s.log))
	}
	if s.cfg.RateLimit > 0 {
		v1.Use(RateLimit(NewRateLimiter(s.cfg.RateLimit, s.cfg.RateBurst), s.log))
	}
	v1.POST("/select", s.handleSelect)
	v1.GET("/models", s.handleModels)
	v1.GET("/thermal", s.handleThermal)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Str("version", Version).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.log.Info().Msg("http server shutting down")
	return srv.Shutdown(shutdownCtx)
}

// ============================================================================
// SELECT
// ============================================================================

// SelectRequest is the POST /v1/select body.
type SelectRequest struct {
	TenantID                string             `json:"tenant_id" binding:"required,max=128,ident"`
	DomainID                string             `json:"domain_id" binding:"required,max=128,ident"`
	ExplicitProfileOverride string             `json:"explicit_profile_override" binding:"omitempty,max=128,ident"`
	LatencyBudgetMs         int64              `json:"latency_budget_ms" binding:"gte=0"`
	MaxCostPer1K            string             `json:"max_cost_per_1k_units" binding:"omitempty,numeric"`
	DivergenceEstimates     map[string]float64 `json:"divergence_estimates" binding:"omitempty,dive,gte=0,lte=1"`
	RequestContext          map[string]string  `json:"request_context" binding:"omitempty,max=64"`
	DryRun                  bool               `json:"dry_run"`
}

func (r SelectRequest) toEngine() (router.Request, error) {
	req := router.Request{
		TenantID:                r.TenantID,
		DomainID:                r.DomainID,
		ExplicitProfileOverride: r.ExplicitProfileOverride,
		LatencyBudget:           time.Duration(r.LatencyBudgetMs) * time.Millisecond,
		DivergenceEstimates:     r.DivergenceEstimates,
		RequestContext:          r.RequestContext,
		DryRun:                  r.DryRun,
	}
	if r.MaxCostPer1K != "" {
		cost, err := decimal.NewFromString(r.MaxCostPer1K)
		if err != nil {
			return req, fmt.Errorf("%w: max_cost_per_1k_units: %v", router.ErrInvalidRequest, err)
		}
		req.MaxCostPer1K = cost
	}
	return req, nil
}

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Fields     map[string]string `json:"fields,omitempty"`
	DecisionID string            `json:"decision_id,omitempty"`
	Excluded   map[string]string `json:"excluded,omitempty"`
}

func (s *Server) handleSelect(c *gin.Context) {
	var body SelectRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorBody{Error: bindError(err)})
		return
	}
	req, err := body.toEngine()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorBody{Error: ErrorDetail{Code: "invalid_request", Message: err.Error()}})
		return
	}

	resp, err := s.deps.Engine.Select(c.Request.Context(), req)
	if err != nil {
		status, detail := selectError(err)
		detail.DecisionID = resp.DecisionID
		c.JSON(status, ErrorBody{Error: detail})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// StatusFor maps an engine error to its HTTP status.
func StatusFor(err error) int {
	status, _ := selectError(err)
	return status
}

func selectError(err error) (int, ErrorDetail) {
	detail := ErrorDetail{Message: err.Error()}
	var noEligible *model.NoEligibleModelError
	switch {
	case errors.Is(err, router.ErrInvalidRequest):
		detail.Code = "invalid_request"
		return http.StatusBadRequest, detail
	case errors.Is(err, model.ErrUnknownDomain):
		detail.Code = "unknown_domain"
		return http.StatusBadRequest, detail
	case errors.Is(err, model.ErrInvalidProfile):
		detail.Code = "invalid_profile"
		return http.StatusBadRequest, detail
	case errors.As(err, &noEligible):
		detail.Code = "no_eligible_model"
		detail.Excluded = noEligible.Excluded
		return http.StatusUnprocessableEntity, detail
	case errors.Is(err, model.ErrVerificationRejected):
		detail.Code = "verification_rejected"
		return http.StatusUnprocessableEntity, detail
	case errors.Is(err, model.ErrBackendUnavailable):
		detail.Code = "backend_unavailable"
		return http.StatusServiceUnavailable, detail
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		detail.Code = "cancelled"
		return http.StatusServiceUnavailable, detail
	default:
		detail.Code = "internal"
		return http.StatusInternalServerError, detail
	}
}

// ============================================================================
// VALIDATION
// ============================================================================

var (
	validatorsOnce sync.Once
	validatorsErr  error
)

// registerValidators adds the "ident" rule to gin's validator: identifiers
// are printable and contain no whitespace or path separators.
func registerValidators() error {
	validatorsOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			validatorsErr = errors.New("server: unexpected validator engine")
			return
		}
		validatorsErr = v.RegisterValidation("ident", func(fl validator.FieldLevel) bool {
			return validIdent(fl.Field().String())
		})
	})
	return validatorsErr
}

func validIdent(s string) bool {
	for _, r := range s {
		if r <= ' ' || r == 0x7f || r == '/' || r == '\\' {
			return false
		}
	}
	return true
}

func bindError(err error) ErrorDetail {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ErrorDetail{Code: "invalid_request", Message: "malformed request body: " + err.Error()}
	}
	fields := make(map[string]string, len(verrs))
	names := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := jsonName(fe.Field())
		fields[name] = describe(fe)
		names = append(names, name)
	}
	sort.Strings(names)
	return ErrorDetail{
		Code:    "invalid_request",
		Message: "invalid fields: " + strings.Join(names, ", "),
		Fields:  fields,
	}
}

var jsonNames = map[string]string{
	"TenantID":                "tenant_id",
	"DomainID":                "domain_id",
	"ExplicitProfileOverride": "explicit_profile_override",
	"LatencyBudgetMs":         "latency_budget_ms",
	"MaxCostPer1K":            "max_cost_per_1k_units",
	"DivergenceEstimates":     "divergence_estimates",
	"RequestContext":          "request_context",
}

func jsonName(field string) string {
	// Map values report as "DivergenceEstimates[model-id]".
	base, key, _ := strings.Cut(field, "[")
	name, ok := jsonNames[base]
	if !ok {
		name = base
	}
	if key != "" {
		return name + "[" + key
	}
	return name
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " long"
	case "gte":
		return "must be >= " + fe.Param()
	case "lte":
		return "must be <= " + fe.Param()
	case "numeric":
		return "must be a decimal number"
	case "ident":
		return "must not contain whitespace or slashes"
	default:
		return "failed " + fe.Tag()
	}
}

// ============================================================================
// MODELS
// ============================================================================

// ModelsResponse is the GET /v1/models body.
type ModelsResponse struct {
	RegistryVersion uint64                  `json:"registry_version"`
	Models          []model.ModelDescriptor `json:"models"`
}

func (s *Server) handleModels(c *gin.Context) {
	filter := registry.ListFilter{
		Provider:    c.Query("provider"),
		ThermalOnly: c.Query("thermal") == "true",
	}
	if tags := c.QueryArray("tag"); len(tags) > 0 {
		filter.Tags = model.NewTagSet(tags...)
	}
	snap := s.deps.Models.Snapshot()
	models := snap.List(filter)
	if models == nil {
		models = []model.ModelDescriptor{}
	}
	c.JSON(http.StatusOK, ModelsResponse{RegistryVersion: snap.Version(), Models: models})
}

// ============================================================================
// THERMAL
// ============================================================================

func (s *Server) handleThermal(c *gin.Context) {
	states := []model.ThermalState{}
	if s.deps.Thermal != nil {
		states = append(states, s.deps.Thermal.States()...)
	}
	c.JSON(http.StatusOK, gin.H{"states": states})
}

// ============================================================================
// HEALTH
// ============================================================================

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status         string  `json:"status"`
	Version        string  `json:"version"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	Models         int     `json:"models"`
	CatalogVersion uint64  `json:"catalog_version"`
	AuditPending   int     `json:"audit_pending"`
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status:         "ok",
		Version:        Version,
		UptimeSeconds:  time.Since(s.started).Seconds(),
		Models:         s.deps.Models.Snapshot().Len(),
		CatalogVersion: s.deps.Catalog.Current().Version(),
	}
	if s.deps.Pending != nil {
		resp.AuditPending = s.deps.Pending()
	}
	status := http.StatusOK
	if resp.Models == 0 {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}
