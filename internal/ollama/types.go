// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import "time"

// =============================================================================
// REQUEST TYPES
// =============================================================================

// GenerateRequest is the body for /api/generate. With no prompt Ollama only
// loads (or, with keep_alive 0, unloads) the model.
type GenerateRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt,omitempty"`
	Stream    bool   `json:"stream"`
	KeepAlive string `json:"keep_alive,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// GenerateResponse is the non-streaming /api/generate response.
type GenerateResponse struct {
	Model      string `json:"model"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason,omitempty"` // "load" or "unload"
	LoadNanos  int64  `json:"load_duration,omitempty"`
}

// LoadDuration returns how long Ollama spent loading weights.
func (r GenerateResponse) LoadDuration() time.Duration {
	return time.Duration(r.LoadNanos)
}

// ModelInfo is one installed model from /api/tags.
type ModelInfo struct {
	Name       string    `json:"name"`
	Model      string    `json:"model,omitempty"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest"`
	ModifiedAt time.Time `json:"modified_at"`
}

// ListModelsResponse is the /api/tags response.
type ListModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// RunningModel is one loaded model from /api/ps.
type RunningModel struct {
	Name      string    `json:"name"`
	Model     string    `json:"model,omitempty"`
	Size      int64     `json:"size"`
	SizeVRAM  int64     `json:"size_vram"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RunningModelsResponse is the /api/ps response.
type RunningModelsResponse struct {
	Models []RunningModel `json:"models"`
}

// errorResponse is Ollama's error body.
type errorResponse struct {
	Error string `json:"error"`
}
