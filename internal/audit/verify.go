// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"crypto/hmac"
	"fmt"

	"github.com/jeranaias/rigroute/internal/model"
)

// Issue kinds reported by Verify.
const (
	IssueSequenceGap  = "sequence_gap"
	IssueLinkageBreak = "linkage_break"
	IssueHashMismatch = "hash_mismatch"
)

// Issue is one integrity problem in a shard.
type Issue struct {
	Sequence uint64 `json:"sequence"`
	Kind     string `json:"kind"`
	Detail   string `json:"detail"`
}

// Report is the result of verifying one shard.
type Report struct {
	Shard         model.ShardKey `json:"shard"`
	Algorithm     string         `json:"algorithm"`
	Entries       int            `json:"entries"`
	FirstSequence uint64         `json:"first_sequence"`
	LastSequence  uint64         `json:"last_sequence"`
	Anchor        *Anchor        `json:"anchor,omitempty"`
	Issues        []Issue        `json:"issues"`
}

// Valid reports whether the shard verified cleanly.
func (r Report) Valid() bool { return len(r.Issues) == 0 }

// VerifyAll verifies every shard in store whose tenant and domain match q.
// Other Query fields are ignored.
func VerifyAll(ctx context.Context, store Store, h Hasher, q Query) ([]Report, error) {
	shards, err := store.Shards(ctx)
	if err != nil {
		return nil, fmt.Errorf("list shards: %w", err)
	}
	reports := []Report{}
	for _, key := range shards {
		if (q.TenantID != "" && key.TenantID != q.TenantID) || (q.DomainID != "" && key.DomainID != q.DomainID) {
			continue
		}
		rep, err := VerifyShard(ctx, store, h, key)
		if err != nil {
			return nil, fmt.Errorf("verify %s: %w", key, err)
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

// VerifyShard verifies one shard held by store.
func VerifyShard(ctx context.Context, store Store, h Hasher, key model.ShardKey) (Report, error) {
	rep := Report{Shard: key, Algorithm: h.Algorithm(), Issues: []Issue{}}

	entries, err := store.ShardDecisions(ctx, key)
	if err != nil {
		return rep, fmt.Errorf("read shard %s: %w", key, err)
	}
	anchor, anchored, err := store.Anchor(ctx, key)
	if err != nil {
		return rep, fmt.Errorf("read anchor %s: %w", key, err)
	}

	expectSeq, expectPrev := uint64(1), ""
	if anchored {
		rep.Anchor = &anchor
		expectSeq, expectPrev = anchor.Sequence+1, anchor.Hash
	}

	rep.Entries = len(entries)
	if len(entries) > 0 {
		rep.FirstSequence = entries[0].Sequence
		rep.LastSequence = entries[len(entries)-1].Sequence
	}

	for _, d := range entries {
		if d.Sequence != expectSeq {
			rep.Issues = append(rep.Issues, Issue{
				Sequence: d.Sequence,
				Kind:     IssueSequenceGap,
				Detail:   fmt.Sprintf("expected sequence %d, found %d", expectSeq, d.Sequence),
			})
		}
		if !hmac.Equal([]byte(d.PrevHash), []byte(expectPrev)) {
			rep.Issues = append(rep.Issues, Issue{
				Sequence: d.Sequence,
				Kind:     IssueLinkageBreak,
				Detail:   "prev_hash does not match the preceding entry",
			})
		}
		computed, err := EntryHash(h, d)
		if err != nil {
			return rep, err
		}
		if !hmac.Equal([]byte(d.EntryHash), []byte(computed)) {
			rep.Issues = append(rep.Issues, Issue{
				Sequence: d.Sequence,
				Kind:     IssueHashMismatch,
				Detail:   "entry_hash does not match recomputed hash",
			})
		}
		expectSeq, expectPrev = d.Sequence+1, d.EntryHash
	}
	return rep, nil
}
