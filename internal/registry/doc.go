// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package registry holds model descriptors and publishes them as immutable
// snapshots. A Refresher keeps availability current from health probes.
//
//	reg := registry.New(log)
//	reg.Register(descriptors...)
//	snap := reg.Snapshot() // stable for the whole request
package registry
