// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the selection engine over HTTP.
//
// # Endpoints
//
//   - POST /v1/select  - run a selection
//   - GET  /v1/models  - list registered models (?tag=HIPAA&provider=ollama&thermal=true)
//   - GET  /v1/thermal - thermal state of self-hosted models
//   - GET  /health     - liveness with registry and catalog versions
//   - GET  /metrics    - prometheus exposition
//
// # Status Codes
//
// Request validation failures, unknown domains and invalid profiles answer
// 400. No eligible model answers 422 with the per-model exclusion reasons.
// An empty or unreachable registry answers 503.
//
// # Security
//
// /v1 routes take an optional bearer token with constant-time comparison,
// an IP allowlist and a per-client token bucket. Every response carries
// no-store and nosniff headers.
package server
