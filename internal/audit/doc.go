// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit records selection decisions in tamper-evident hash chains.
//
// Every tenant-domain pair is its own chain (a shard). Each decision gets the
// next sequence number in its shard and
//
//	entry_hash = H(prev_hash || canonical(decision))
//
// where H is HMAC-SHA256 when a key is configured, else SHA-256 or
// BLAKE2b-256. Record only queues a decision. A per-shard writer assigns the
// sequence and hashes when it persists, retries with backoff, and re-chains
// from the stored tail when another process has appended first, so a failing
// or shared store never delays a selection.
//
//	rec := audit.NewRecorder(store, hasher, audit.DefaultConfig(), log)
//	defer rec.Close(ctx)
//
//	_, err := rec.Record(ctx, decision)
//	reports, err := audit.VerifyAll(ctx, store, hasher, audit.Query{})
//
// Retention purges a shard's oldest entries and keeps the last purged hash
// as an anchor, from which verification resumes.
package audit
