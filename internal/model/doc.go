// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures shared by every part of the
// selection engine.
//
// # Key Types
//
//   - ModelDescriptor: capabilities, scores, certifications and health of a backing model
//   - WeightProfile: a versioned 8-dimension weight vector plus hard constraints
//   - Domain / TenantOverride: regulatory categories and per-tenant tightening
//   - ThermalState: readiness of a self-hosted target (OFF, COLD, WARM, HOT)
//   - SelectionDecision: the hash-chained audit record of one selection
//
// # Errors
//
// Typed errors match sentinels so callers can branch with errors.Is:
//
//	if errors.Is(err, model.ErrNoEligibleModel) {
//	    os.Exit(2)
//	}
//
// Compliance tags are canonicalised on construction:
//
//	tags := model.NewTagSet("hipaa", "SOC2")
//	tags.Has("HIPAA") // true
package model
