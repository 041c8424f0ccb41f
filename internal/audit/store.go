// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jeranaias/rigroute/internal/model"
)

// ErrSequenceConflict is returned by Store.AppendDecision when the shard
// already holds an entry at the decision's sequence, meaning another writer
// advanced the chain.
var ErrSequenceConflict = errors.New("shard sequence already taken")

// Tail is the last chained entry of a shard.
type Tail struct {
	Sequence uint64
	Hash     string
}

// Anchor records where a purged shard's chain now starts: the sequence
// and entry hash of the last purged decision.
type Anchor struct {
	Shard    model.ShardKey `json:"shard"`
	Sequence uint64         `json:"sequence"`
	Hash     string         `json:"hash"`
	PurgedAt time.Time      `json:"purged_at"`
}

// Query filters decisions for search. Zero fields match everything.
type Query struct {
	TenantID string
	DomainID string
	Outcome  model.Outcome
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Match reports whether d satisfies q.
func (q Query) Match(d model.SelectionDecision) bool {
	if q.TenantID != "" && d.TenantID != q.TenantID {
		return false
	}
	if q.DomainID != "" && d.DomainID != q.DomainID {
		return false
	}
	if q.Outcome != "" && d.Outcome != q.Outcome {
		return false
	}
	if !q.Since.IsZero() && d.CreatedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !d.CreatedAt.Before(q.Until) {
		return false
	}
	return true
}

// Store persists chained decisions.
type Store interface {
	// AppendDecision persists d. Appending an id that already exists is a
	// no-op so retries are safe. A sequence that is not after the stored
	// tail fails with ErrSequenceConflict.
	AppendDecision(ctx context.Context, d model.SelectionDecision) error
	// ShardTail returns the shard's last entry, falling back to its anchor.
	// An unknown shard has a zero Tail. After ErrSequenceConflict it must
	// reflect the entries other writers stored.
	ShardTail(ctx context.Context, shard model.ShardKey) (Tail, error)
	// ShardDecisions returns a shard's decisions in sequence order.
	ShardDecisions(ctx context.Context, shard model.ShardKey) ([]model.SelectionDecision, error)
	// Shards lists every shard with decisions or an anchor.
	Shards(ctx context.Context) ([]model.ShardKey, error)
	// SearchDecisions returns matches newest first.
	SearchDecisions(ctx context.Context, q Query) ([]model.SelectionDecision, error)
	// Anchor returns the shard's anchor, if purged.
	Anchor(ctx context.Context, shard model.ShardKey) (Anchor, bool, error)
	// DeleteThrough removes a shard's decisions with sequence <= a.Sequence
	// and stores a as its anchor, atomically.
	DeleteThrough(ctx context.Context, a Anchor) (int, error)
}

// =============================================================================
// MEMORY STORE
// =============================================================================

// ErrInjected is returned by MemoryStore when a failure is injected.
var ErrInjected = errors.New("injected store failure")

// MemoryStore is an in-process Store for tests and store-less runs.
type MemoryStore struct {
	mu      sync.Mutex
	shards  map[model.ShardKey][]model.SelectionDecision
	ids     map[string]struct{}
	anchors map[model.ShardKey]Anchor

	// failAppends makes the next n appends fail
	failAppends int
	appendCalls int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		shards:  make(map[model.ShardKey][]model.SelectionDecision),
		ids:     make(map[string]struct{}),
		anchors: make(map[model.ShardKey]Anchor),
	}
}

// FailNextAppends makes the next n AppendDecision calls fail.
func (s *MemoryStore) FailNextAppends(n int) {
	s.mu.Lock()
	s.failAppends = n
	s.mu.Unlock()
}

// AppendCalls returns how many appends were attempted.
func (s *MemoryStore) AppendCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendCalls
}

// Tamper rewrites a stored decision in place. Tests only.
func (s *MemoryStore) Tamper(shard model.ShardKey, seq uint64, fn func(*model.SelectionDecision)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.shards[shard] {
		if s.shards[shard][i].Sequence == seq {
			fn(&s.shards[shard][i])
			return true
		}
	}
	return false
}

// AppendDecision implements Store.
func (s *MemoryStore) AppendDecision(_ context.Context, d model.SelectionDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendCalls++
	if s.failAppends > 0 {
		s.failAppends--
		return ErrInjected
	}
	if _, ok := s.ids[d.ID]; ok {
		return nil
	}
	key := d.Shard()
	entries := s.shards[key]
	if n := len(entries); n > 0 && entries[n-1].Sequence >= d.Sequence {
		return fmt.Errorf("shard %s: sequence %d not after %d: %w", key, d.Sequence, entries[n-1].Sequence, ErrSequenceConflict)
	}
	s.ids[d.ID] = struct{}{}
	s.shards[key] = append(entries, d)
	return nil
}

// ShardTail implements Store.
func (s *MemoryStore) ShardTail(_ context.Context, shard model.ShardKey) (Tail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entries := s.shards[shard]; len(entries) > 0 {
		last := entries[len(entries)-1]
		return Tail{Sequence: last.Sequence, Hash: last.EntryHash}, nil
	}
	if a, ok := s.anchors[shard]; ok {
		return Tail{Sequence: a.Sequence, Hash: a.Hash}, nil
	}
	return Tail{}, nil
}

// ShardDecisions implements Store.
func (s *MemoryStore) ShardDecisions(_ context.Context, shard model.ShardKey) ([]model.SelectionDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.SelectionDecision(nil), s.shards[shard]...), nil
}

// Shards implements Store.
func (s *MemoryStore) Shards(context.Context) ([]model.ShardKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[model.ShardKey]struct{})
	for k := range s.shards {
		seen[k] = struct{}{}
	}
	for k := range s.anchors {
		seen[k] = struct{}{}
	}
	out := make([]model.ShardKey, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// SearchDecisions implements Store.
func (s *MemoryStore) SearchDecisions(_ context.Context, q Query) ([]model.SelectionDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SelectionDecision
	for _, entries := range s.shards {
		for _, d := range entries {
			if q.Match(d) {
				out = append(out, d)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Anchor implements Store.
func (s *MemoryStore) Anchor(_ context.Context, shard model.ShardKey) (Anchor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.anchors[shard]
	return a, ok, nil
}

// DeleteThrough implements Store.
func (s *MemoryStore) DeleteThrough(_ context.Context, a Anchor) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.shards[a.Shard]
	keep := entries[:0:0]
	removed := 0
	for _, d := range entries {
		if d.Sequence <= a.Sequence {
			delete(s.ids, d.ID)
			removed++
			continue
		}
		keep = append(keep, d)
	}
	if len(keep) == 0 {
		delete(s.shards, a.Shard)
	} else {
		s.shards[a.Shard] = keep
	}
	s.anchors[a.Shard] = a
	return removed, nil
}
