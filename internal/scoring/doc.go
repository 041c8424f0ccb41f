// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package scoring ranks compliant candidates by an 8-dimension weighted score.
//
// Each raw dimension is normalized to [0,1] by a configurable Curve (linear or
// inverse-linear between a floor and a ceiling), then combined as
// score = Σ weight_i * normalized_i. Ranking is deterministic: equal scores
// fall back to quality, p95 latency, then model id.
package scoring
