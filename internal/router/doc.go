// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package router selects the model that serves a request.
//
// Engine.Select runs one selection attempt against a consistent pair of
// registry and catalog snapshots:
//
//	compliance filter -> profile resolution -> scoring -> thermal readiness
//	-> verification (strict domains) -> decision record
//
// # Key Types
//
//   - Engine: the orchestrator; safe for concurrent use
//   - Request: tenant, domain, optional profile override and budgets
//   - Response: selected model, fallback rank, profile used, decision id
//
// # Security
//
// Compliance is a hard gate evaluated before any ranking. A model missing a
// required certification is never selected, not even as a last resort:
// when nothing compliant survives, Select fails with NoEligibleModelError.
//
// # Usage
//
//	eng, err := router.NewEngine(router.Deps{
//	    Models:   reg,
//	    Catalog:  holder,
//	    Thermal:  mgr,
//	    Recorder: rec,
//	})
//	resp, err := eng.Select(ctx, router.Request{TenantID: "acme", DomainID: "healthcare"})
package router
