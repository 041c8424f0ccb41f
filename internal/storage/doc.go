// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists engine state in SQLite.
//
// One database file holds the model registry, every published profile
// version, domains, tenant overrides, the per-shard decision chains with
// their retention anchors, and thermal states.
//
// # Key Types
//
//   - DB: the database handle. It implements audit.Store and
//     thermal.StateStore.
//
// # Usage
//
//	db, err := storage.Open(path, log)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	rec := audit.NewRecorder(db, hasher, audit.DefaultConfig(), log)
//	mgr := thermal.NewManager(cfg, prov, thermal.WithStore(db))
package storage
