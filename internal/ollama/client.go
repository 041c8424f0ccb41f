// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ClientError is an error from the Ollama daemon or the transport to it.
type ClientError struct {
	Type    ErrorType
	Model   string
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	msg := e.Message
	if e.Model != "" {
		msg = e.Model + ": " + msg
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// ErrorType categorizes client errors.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotRunning
	ErrTypeTimeout
	ErrTypeModelNotFound
	ErrTypeInvalidResponse
)

func (t ErrorType) String() string {
	switch t {
	case ErrTypeNotRunning:
		return "not_running"
	case ErrTypeTimeout:
		return "timeout"
	case ErrTypeModelNotFound:
		return "model_not_found"
	case ErrTypeInvalidResponse:
		return "invalid_response"
	default:
		return "unknown"
	}
}

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// Config holds client options.
type Config struct {
	// BaseURL of the daemon (default: http://127.0.0.1:11434)
	BaseURL string

	// Timeout for list and unload calls. Loads use the caller's context
	// because pulling weights into memory can take minutes.
	Timeout time.Duration

	// KeepAlive is sent with loads so Ollama keeps the weights resident at
	// least as long as the thermal manager expects (default: 30m)
	KeepAlive time.Duration
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:   "http://127.0.0.1:11434",
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Minute,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the Ollama model-management API. It is safe for
// concurrent use.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates a client, filling zero config values with defaults.
func NewClient(cfg Config) *Client {
	d := DefaultConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = d.BaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = d.KeepAlive
	}
	return &Client{cfg: cfg, http: &http.Client{}}
}

// Config returns the client configuration.
func (c *Client) Config() Config { return c.cfg }

// CheckRunning verifies the daemon answers.
func (c *Client) CheckRunning(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, "/", nil, "")
	if err != nil {
		return err
	}
	drainAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &ClientError{Type: ErrTypeNotRunning, Message: "unexpected status " + resp.Status}
	}
	return nil
}

// ListModels returns the installed models.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var out ListModelsResponse
	if err := c.getJSON(ctx, "/api/tags", &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

// Running returns the models currently loaded in memory.
func (c *Client) Running(ctx context.Context) ([]RunningModel, error) {
	var out RunningModelsResponse
	if err := c.getJSON(ctx, "/api/ps", &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

// Load brings name into memory and keeps it resident for the configured
// keep-alive. It blocks until Ollama reports the load finished or ctx ends.
func (c *Client) Load(ctx context.Context, name string) (GenerateResponse, error) {
	return c.generate(ctx, name, formatKeepAlive(c.cfg.KeepAlive))
}

// Unload evicts name from memory.
func (c *Client) Unload(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	_, err := c.generate(ctx, name, "0")
	return err
}

func (c *Client) generate(ctx context.Context, name, keepAlive string) (GenerateResponse, error) {
	body, err := json.Marshal(GenerateRequest{Model: name, Stream: false, KeepAlive: keepAlive})
	if err != nil {
		return GenerateResponse{}, &ClientError{Type: ErrTypeInvalidResponse, Model: name, Message: "failed to marshal request", Cause: err}
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/generate", bytes.NewReader(body), name)
	if err != nil {
		return GenerateResponse{}, err
	}
	defer drainAndClose(resp.Body)

	if err := checkStatus(resp, name); err != nil {
		return GenerateResponse{}, err
	}
	var out GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return GenerateResponse{}, &ClientError{Type: ErrTypeInvalidResponse, Model: name, Message: "failed to decode response", Cause: err}
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	if err := checkStatus(resp, ""); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode " + path, Cause: err}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, name string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeUnknown, Model: name, Message: "failed to create request", Cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &ClientError{Type: ErrTypeTimeout, Model: name, Message: "request timed out", Cause: err}
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &ClientError{Type: ErrTypeNotRunning, Model: name, Message: "ollama is not reachable", Cause: err}
	}
	return resp, nil
}

func checkStatus(resp *http.Response, name string) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var e errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
	msg := e.Error
	if msg == "" {
		msg = resp.Status
	}
	if resp.StatusCode == http.StatusNotFound {
		return &ClientError{Type: ErrTypeModelNotFound, Model: name, Message: msg}
	}
	return &ClientError{Type: ErrTypeInvalidResponse, Model: name, Message: fmt.Sprintf("status %d: %s", resp.StatusCode, msg)}
}

// formatKeepAlive renders a duration the way Ollama parses it.
func formatKeepAlive(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	return fmt.Sprintf("%ds", int64(d/time.Second))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func errorType(err error) ErrorType {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ErrTypeUnknown
}

// IsModelNotFound reports whether err means the model is not installed.
func IsModelNotFound(err error) bool { return errorType(err) == ErrTypeModelNotFound }

// IsNotRunning reports whether err means the daemon is unreachable.
func IsNotRunning(err error) bool { return errorType(err) == ErrTypeNotRunning }

// IsTimeout reports whether err is a client-side timeout.
func IsTimeout(err error) bool { return errorType(err) == ErrTypeTimeout }

func drainAndClose(r io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 1<<20))
	r.Close()
}
