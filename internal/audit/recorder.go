// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigroute/internal/metrics"
	"github.com/jeranaias/rigroute/internal/model"
)

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("recorder closed")

// Config tunes write retry.
type Config struct {
	// BaseBackoff is the first retry wait; each retry doubles it
	BaseBackoff time.Duration
	// MaxBackoff caps the retry wait
	MaxBackoff time.Duration
	// ReconcileAfter is the failed attempt count at which a decision is
	// flagged for reconciliation. Retries continue past it.
	ReconcileAfter int
	// WriteTimeout bounds one store append
	WriteTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BaseBackoff:    100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		ReconcileAfter: 3,
		WriteTimeout:   10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.ReconcileAfter <= 0 {
		c.ReconcileAfter = d.ReconcileAfter
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

// shard is one tenant-domain chain. mu guards outbox; seq, tail and loaded
// belong to the shard's writer goroutine.
type shard struct {
	key model.ShardKey

	mu     sync.Mutex
	outbox []model.SelectionDecision

	loaded bool
	seq    uint64
	tail   string

	notify chan struct{}
}

// Recorder chains and persists selection decisions. Record never touches
// the store: decisions are queued in memory and a per-shard writer chains
// each one onto the stored tail as it persists it, retrying with backoff.
type Recorder struct {
	store  Store
	hasher Hasher
	cfg    Config
	log    zerolog.Logger

	mu     sync.Mutex
	shards map[model.ShardKey]*shard
	hooks  []func(model.SelectionDecision)
	closed bool

	flagMu  sync.Mutex
	flagged map[string]model.ShardKey

	pending atomic.Int64
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewRecorder creates a recorder.
func NewRecorder(store Store, hasher Hasher, cfg Config, log zerolog.Logger) *Recorder {
	return &Recorder{
		store:   store,
		hasher:  hasher,
		cfg:     cfg.withDefaults(),
		log:     log.With().Str("component", "audit").Logger(),
		shards:  make(map[model.ShardKey]*shard),
		flagged: make(map[string]model.ShardKey),
		stop:    make(chan struct{}),
	}
}

// OnPersisted registers fn to run after each decision is durably stored.
// Hooks see the final sequence and hashes, run on the shard's writer
// goroutine and must not block for long.
func (r *Recorder) OnPersisted(fn func(model.SelectionDecision)) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// Record queues d for chaining and persistence on its shard. Sequence and
// hashes are assigned by the writer when d is appended, so the returned
// decision carries none; another process appending to the same shard only
// moves d further down the chain.
func (r *Recorder) Record(_ context.Context, d model.SelectionDecision) (model.SelectionDecision, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return d, &model.AuditWriteFailure{DecisionID: d.ID, Shard: d.Shard().String(), Cause: ErrClosed}
	}
	s := r.shardLocked(d.Shard())
	r.mu.Unlock()

	d.Sequence, d.PrevHash, d.EntryHash = 0, "", ""
	if _, err := Canonical(d); err != nil {
		return d, &model.AuditWriteFailure{DecisionID: d.ID, Shard: s.key.String(), Cause: err}
	}
	s.mu.Lock()
	s.outbox = append(s.outbox, d)
	s.mu.Unlock()

	r.pending.Add(1)
	metrics.AuditOutboxDepth.Inc()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return d, nil
}

// chain assigns d the sequence and hashes that follow the shard tail.
func (r *Recorder) chain(s *shard, d *model.SelectionDecision) error {
	d.Sequence = s.seq + 1
	d.PrevHash = s.tail
	d.EntryHash = ""
	h, err := EntryHash(r.hasher, *d)
	if err != nil {
		return err
	}
	d.EntryHash = h
	return nil
}

// shardLocked returns the shard for key, starting its writer. r.mu must be held.
func (r *Recorder) shardLocked(key model.ShardKey) *shard {
	s, ok := r.shards[key]
	if !ok {
		s = &shard{key: key, notify: make(chan struct{}, 1)}
		r.shards[key] = s
		r.wg.Add(1)
		go r.writer(s)
	}
	return s
}

// =============================================================================
// WRITER
// =============================================================================

func (r *Recorder) writer(s *shard) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case <-s.notify:
			if !r.drain(s) {
				return
			}
		}
	}
}

// drain chains and persists the outbox head-first. Returns false when
// stopped.
func (r *Recorder) drain(s *shard) bool {
	for {
		s.mu.Lock()
		if len(s.outbox) == 0 {
			s.mu.Unlock()
			return true
		}
		d := s.outbox[0]
		s.mu.Unlock()

		if !s.loaded && !r.loadTail(s) {
			return false
		}
		if err := r.chain(s, &d); err != nil {
			r.log.Error().Err(err).Str("decision_id", d.ID).Msg("failed to chain decision, dropping")
			r.flag(d)
			r.pop(s)
			continue
		}

		ok, conflict := r.persist(s, d)
		if !ok {
			return false
		}
		if conflict {
			r.log.Warn().Str("shard", s.key.String()).Uint64("sequence", d.Sequence).
				Msg("shard advanced by another writer, rechaining from stored tail")
			metrics.AuditRechainTotal.Inc()
			s.loaded = false
			continue
		}

		s.seq, s.tail = d.Sequence, d.EntryHash
		r.pop(s)

		r.mu.Lock()
		hooks := r.hooks
		r.mu.Unlock()
		for _, fn := range hooks {
			fn(d)
		}
	}
}

func (r *Recorder) pop(s *shard) {
	s.mu.Lock()
	s.outbox = s.outbox[1:]
	s.mu.Unlock()
	r.pending.Add(-1)
	metrics.AuditOutboxDepth.Dec()
}

// loadTail reads the stored shard tail with backoff. Returns false when
// stopped.
func (r *Recorder) loadTail(s *shard) bool {
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		tail, err := r.store.ShardTail(ctx, s.key)
		cancel()
		if err == nil {
			s.seq, s.tail, s.loaded = tail.Sequence, tail.Hash, true
			return true
		}
		r.log.Warn().Err(err).Str("shard", s.key.String()).Int("attempt", attempt).Msg("shard tail read failed")
		if !r.sleep(attempt) {
			return false
		}
	}
}

// persist appends d with exponential backoff until it succeeds, the store
// reports that d's sequence is taken, or the recorder stops. ok is false
// only when stopped.
func (r *Recorder) persist(s *shard, d model.SelectionDecision) (ok, conflict bool) {
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		err := r.store.AppendDecision(ctx, d)
		cancel()
		if err == nil {
			if attempt > 1 {
				r.log.Info().Str("decision_id", d.ID).Int("attempt", attempt).Msg("audit write succeeded after retry")
			}
			return true, false
		}
		if errors.Is(err, ErrSequenceConflict) {
			return true, true
		}

		metrics.AuditWriteFailuresTotal.Inc()
		failure := &model.AuditWriteFailure{DecisionID: d.ID, Shard: s.key.String(), Attempts: attempt, Cause: err}
		if attempt == r.cfg.ReconcileAfter {
			r.flag(d)
			r.log.Error().Err(failure).Msg("audit write flagged for reconciliation")
		} else {
			r.log.Warn().Err(failure).Msg("audit write failed, retrying")
		}
		if !r.sleep(attempt) {
			return false, false
		}
	}
}

// sleep waits base*2^(attempt-1), capped. Returns false when stopped.
func (r *Recorder) sleep(attempt int) bool {
	wait := r.cfg.BaseBackoff
	for i := 1; i < attempt && wait < r.cfg.MaxBackoff; i++ {
		wait *= 2
	}
	if wait > r.cfg.MaxBackoff {
		wait = r.cfg.MaxBackoff
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.stop:
		return false
	}
}

func (r *Recorder) flag(d model.SelectionDecision) {
	metrics.AuditReconcileTotal.Inc()
	r.flagMu.Lock()
	r.flagged[d.ID] = d.Shard()
	r.flagMu.Unlock()
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Pending is the number of decisions not yet persisted.
func (r *Recorder) Pending() int { return int(r.pending.Load()) }

// Reconciliation lists decision ids whose writes needed repeated retries,
// sorted.
func (r *Recorder) Reconciliation() []string {
	r.flagMu.Lock()
	defer r.flagMu.Unlock()
	out := make([]string, 0, len(r.flagged))
	for id := range r.flagged {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Flush waits until every recorded decision is persisted or ctx ends.
func (r *Recorder) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for r.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("flush: %d decisions pending: %w", r.pending.Load(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops accepting decisions, flushes until ctx ends, then stops the
// writers. Decisions still pending are reported in the error.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	err := r.Flush(ctx)
	close(r.stop)
	r.wg.Wait()
	return err
}

// =============================================================================
// QUERIES
// =============================================================================

// Search returns persisted decisions matching q, newest first.
func (r *Recorder) Search(ctx context.Context, q Query) ([]model.SelectionDecision, error) {
	return r.store.SearchDecisions(ctx, q)
}

// PurgeResult summarizes a retention pass.
type PurgeResult struct {
	Removed int      `json:"removed"`
	Anchors []Anchor `json:"anchors"`
}

// PurgeBefore removes, per shard, the longest prefix of decisions created
// before cutoff and anchors the shard at the last one removed so the
// remaining chain still verifies.
func (r *Recorder) PurgeBefore(ctx context.Context, cutoff time.Time) (PurgeResult, error) {
	var res PurgeResult
	shards, err := r.store.Shards(ctx)
	if err != nil {
		return res, fmt.Errorf("list shards: %w", err)
	}
	for _, key := range shards {
		entries, err := r.store.ShardDecisions(ctx, key)
		if err != nil {
			return res, fmt.Errorf("read shard %s: %w", key, err)
		}
		last := -1
		for i, d := range entries {
			if !d.CreatedAt.Before(cutoff) {
				break
			}
			last = i
		}
		if last < 0 {
			continue
		}
		a := Anchor{Shard: key, Sequence: entries[last].Sequence, Hash: entries[last].EntryHash, PurgedAt: time.Now().UTC()}
		n, err := r.store.DeleteThrough(ctx, a)
		if err != nil {
			return res, fmt.Errorf("purge shard %s: %w", key, err)
		}
		res.Removed += n
		res.Anchors = append(res.Anchors, a)
		r.log.Info().Str("shard", key.String()).Int("removed", n).Uint64("anchor_sequence", a.Sequence).Msg("audit retention purge")
	}
	return res, nil
}
