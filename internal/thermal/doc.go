// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package thermal tracks the OFF/COLD/WARM/HOT lifecycle of self-hosted
// models and makes cold targets ready on demand.
//
// Demand only moves a model upward; the periodic sweep moves idle models
// downward one step at a time, never sooner than the minimum dwell time
// after their last transition. However many callers arrive for a cold
// model, exactly one provisioning action runs; the rest wait on it.
package thermal
