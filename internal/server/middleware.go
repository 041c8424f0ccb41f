// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/netip"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jeranaias/rigroute/internal/metrics"
)

// ============================================================================
// AUTH
// ============================================================================

// AuthConfig holds bearer token and IP allowlist settings.
type AuthConfig struct {
	Enabled     bool
	BearerToken string

	// AllowedIPs holds addresses or CIDR ranges. Empty allows every address.
	AllowedIPs []string

	prefixes []netip.Prefix
}

// NewAuthConfig parses the allowlist. Auth is enabled when token is set.
func NewAuthConfig(token string, allowed []string) (*AuthConfig, error) {
	c := &AuthConfig{Enabled: token != "", BearerToken: token, AllowedIPs: allowed}
	for _, raw := range allowed {
		if p, err := netip.ParsePrefix(raw); err == nil {
			c.prefixes = append(c.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("allowed ip %q: %w", raw, err)
		}
		c.prefixes = append(c.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return c, nil
}

func (c *AuthConfig) ipAllowed(ip string) bool {
	if len(c.prefixes) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range c.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Auth rejects requests from addresses outside the allowlist and requests
// without the bearer token, in that order.
func Auth(cfg *AuthConfig, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !cfg.ipAllowed(ip) {
			log.Warn().Str("ip", ip).Str("reason", "ip_not_allowed").Msg("auth denied")
			abort(c, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || !ValidateBearerToken(token, cfg.BearerToken) {
			log.Warn().Str("ip", ip).Str("reason", "invalid_token").Msg("auth denied")
			abort(c, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		c.Next()
	}
}

// ValidateBearerToken compares tokens in constant time. Empty tokens never match.
func ValidateBearerToken(token, expected string) bool {
	if token == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

// ============================================================================
// RATE LIMIT
// ============================================================================

// maxTrackedClients bounds the per-client limiter cache.
const maxTrackedClients = 4096

// RateLimiter is a token bucket per client IP. The least recently seen
// clients are evicted once maxTrackedClients is reached.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	clients *lru.Cache
}

// NewRateLimiter allows perSecond requests per client with the given burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New(maxTrackedClients)
	return &RateLimiter{limit: rate.Limit(perSecond), burst: burst, clients: cache}
}

// Allow reports whether ip may make a request now.
func (rl *RateLimiter) Allow(ip string) bool {
	if v, ok := rl.clients.Get(ip); ok {
		return v.(*rate.Limiter).Allow()
	}
	l := rate.NewLimiter(rl.limit, rl.burst)
	// Another request may have raced us; keep whichever landed first.
	if prev, found, _ := rl.clients.PeekOrAdd(ip, l); found {
		l = prev.(*rate.Limiter)
	}
	return l.Allow()
}

// RateLimit answers 429 once a client exhausts its bucket.
func RateLimit(rl *RateLimiter, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !rl.Allow(ip) {
			retry := 1
			if rl.limit > 0 && rl.limit < 1 {
				retry = int(1/float64(rl.limit)) + 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			log.Warn().Str("ip", ip).Float64("limit", float64(rl.limit)).Msg("rate limit exceeded")
			abort(c, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		c.Next()
	}
}

// ============================================================================
// LOGGING AND METRICS
// ============================================================================

// RequestLogger logs each request and records the HTTP metrics. Routes are
// labelled by their pattern so ids in paths do not explode cardinality.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(elapsed.Seconds())

		ev := log.Debug()
		if status >= http.StatusInternalServerError {
			ev = log.Error()
		} else if status >= http.StatusBadRequest {
			ev = log.Info()
		}
		ev.Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", elapsed).
			Str("ip", c.ClientIP()).
			Msg("request")
	}
}

// ============================================================================
// SECURITY HEADERS
// ============================================================================

// SecurityHeaders sets conservative response headers. Decision responses
// must never be cached by intermediaries.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'")
		h.Set("Cache-Control", "no-store")
		h.Set("Referrer-Policy", "no-referrer")
		c.Next()
	}
}

// ============================================================================
// RECOVERY
// ============================================================================

// Recovery turns a handler panic into a 500 and logs the stack.
func Recovery(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("method", c.Request.Method).
					Str("path", c.Request.URL.Path).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")
				abort(c, http.StatusInternalServerError, "internal", "internal server error")
			}
		}()
		c.Next()
	}
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, ErrorBody{Error: ErrorDetail{Code: code, Message: msg}})
}
