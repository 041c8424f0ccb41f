// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/jeranaias/rigroute/internal/audit"
	"github.com/jeranaias/rigroute/internal/model"
)

// =============================================================================
// DECISION CHAINS (audit.Store)
// =============================================================================

var _ audit.Store = (*DB)(nil)

// AppendDecision implements audit.Store. A duplicate id is ignored. The
// insert only lands when no stored entry or anchor in the shard is at or
// past d's sequence, so a writer chaining from a stale tail gets
// audit.ErrSequenceConflict instead of forking the chain. Other processes
// may share the file, so a conflict also drops the cached tail.
func (s *DB) AppendDecision(ctx context.Context, d model.SelectionDecision) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision %s: %w", d.ID, err)
	}
	key := d.Shard().String()
	seq := int64(d.Sequence)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, tenant_id, domain_id, sequence, created_at, outcome,
			selected_model_id, profile_id, prev_hash, entry_hash, body)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM decisions WHERE tenant_id = ? AND domain_id = ? AND sequence >= ?
		) AND NOT EXISTS (
			SELECT 1 FROM chain_anchors WHERE tenant_id = ? AND domain_id = ? AND sequence >= ?
		)
		ON CONFLICT(id) DO NOTHING`,
		d.ID, d.TenantID, d.DomainID, seq, unixNano(d.CreatedAt), string(d.Outcome),
		d.SelectedModelID, d.ProfileIDUsed, d.PrevHash, d.EntryHash, string(body),
		d.TenantID, d.DomainID, seq,
		d.TenantID, d.DomainID, seq)
	if err != nil {
		if isConstraint(err) {
			s.tails.Remove(key)
			return fmt.Errorf("append decision %s: %w", d.ID, audit.ErrSequenceConflict)
		}
		return fmt.Errorf("%w: append decision %s: %v", ErrDatabaseError, d.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: append decision %s: %v", ErrDatabaseError, d.ID, err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decisions WHERE id = ?`, d.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("%w: append decision %s: %v", ErrDatabaseError, d.ID, err)
		}
		if exists > 0 {
			return nil
		}
		s.tails.Remove(key)
		return fmt.Errorf("append decision %s at sequence %d: %w", d.ID, d.Sequence, audit.ErrSequenceConflict)
	}

	if cached, ok := s.tails.Get(key); !ok || cached.(audit.Tail).Sequence < d.Sequence {
		s.tails.Add(key, audit.Tail{Sequence: d.Sequence, Hash: d.EntryHash})
	}
	return nil
}

// isConstraint reports a sqlite constraint violation, which the UNIQUE
// (tenant_id, domain_id, sequence) key raises when two writers race.
func isConstraint(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

// ShardTail implements audit.Store.
func (s *DB) ShardTail(ctx context.Context, shard model.ShardKey) (audit.Tail, error) {
	if cached, ok := s.tails.Get(shard.String()); ok {
		return cached.(audit.Tail), nil
	}

	var tail audit.Tail
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT sequence, entry_hash FROM decisions
		WHERE tenant_id = ? AND domain_id = ?
		ORDER BY sequence DESC LIMIT 1`,
		shard.TenantID, shard.DomainID).Scan(&seq, &tail.Hash)
	switch {
	case err == nil:
		tail.Sequence = uint64(seq)
	case errors.Is(err, sql.ErrNoRows):
		a, ok, err := s.Anchor(ctx, shard)
		if err != nil {
			return audit.Tail{}, err
		}
		if ok {
			tail = audit.Tail{Sequence: a.Sequence, Hash: a.Hash}
		}
	default:
		return audit.Tail{}, fmt.Errorf("%w: shard tail %s: %v", ErrDatabaseError, shard, err)
	}
	s.tails.Add(shard.String(), tail)
	return tail, nil
}

// ShardDecisions implements audit.Store.
func (s *DB) ShardDecisions(ctx context.Context, shard model.ShardKey) ([]model.SelectionDecision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM decisions
		WHERE tenant_id = ? AND domain_id = ?
		ORDER BY sequence`,
		shard.TenantID, shard.DomainID)
	if err != nil {
		return nil, fmt.Errorf("%w: read shard %s: %v", ErrDatabaseError, shard, err)
	}
	return scanDecisions(rows)
}

// Shards implements audit.Store.
func (s *DB) Shards(ctx context.Context) ([]model.ShardKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, domain_id FROM decisions
		UNION
		SELECT tenant_id, domain_id FROM chain_anchors
		ORDER BY 1, 2`)
	if err != nil {
		return nil, fmt.Errorf("%w: list shards: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	var out []model.ShardKey
	for rows.Next() {
		var k model.ShardKey
		if err := rows.Scan(&k.TenantID, &k.DomainID); err != nil {
			return nil, fmt.Errorf("%w: scan shard: %v", ErrDatabaseError, err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// SearchDecisions implements audit.Store.
func (s *DB) SearchDecisions(ctx context.Context, q audit.Query) ([]model.SelectionDecision, error) {
	var where []string
	var args []any
	if q.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, q.TenantID)
	}
	if q.DomainID != "" {
		where = append(where, "domain_id = ?")
		args = append(args, q.DomainID)
	}
	if q.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(q.Outcome))
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, q.Until.UnixNano())
	}

	query := "SELECT body FROM decisions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: search decisions: %v", ErrDatabaseError, err)
	}
	return scanDecisions(rows)
}

// Anchor implements audit.Store.
func (s *DB) Anchor(ctx context.Context, shard model.ShardKey) (audit.Anchor, bool, error) {
	a := audit.Anchor{Shard: shard}
	var seq, purged int64
	err := s.db.QueryRowContext(ctx, `
		SELECT sequence, hash, purged_at FROM chain_anchors
		WHERE tenant_id = ? AND domain_id = ?`,
		shard.TenantID, shard.DomainID).Scan(&seq, &a.Hash, &purged)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Anchor{}, false, nil
	}
	if err != nil {
		return audit.Anchor{}, false, fmt.Errorf("%w: read anchor %s: %v", ErrDatabaseError, shard, err)
	}
	a.Sequence = uint64(seq)
	a.PurgedAt = fromUnixNano(purged)
	return a, true, nil
}

// DeleteThrough implements audit.Store.
func (s *DB) DeleteThrough(ctx context.Context, a audit.Anchor) (int, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM decisions
			WHERE tenant_id = ? AND domain_id = ? AND sequence <= ?`,
			a.Shard.TenantID, a.Shard.DomainID, int64(a.Sequence))
		if err != nil {
			return fmt.Errorf("%w: purge %s: %v", ErrDatabaseError, a.Shard, err)
		}
		removed, _ = res.RowsAffected()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chain_anchors (tenant_id, domain_id, sequence, hash, purged_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(tenant_id, domain_id) DO UPDATE SET
				sequence = excluded.sequence, hash = excluded.hash, purged_at = excluded.purged_at`,
			a.Shard.TenantID, a.Shard.DomainID, int64(a.Sequence), a.Hash, unixNano(a.PurgedAt))
		if err != nil {
			return fmt.Errorf("%w: write anchor %s: %v", ErrDatabaseError, a.Shard, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.tails.Remove(a.Shard.String())
	return int(removed), nil
}

// DecisionCount returns the number of stored decisions.
func (s *DB) DecisionCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM decisions").Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count decisions: %v", ErrDatabaseError, err)
	}
	return n, nil
}

func scanDecisions(rows *sql.Rows) ([]model.SelectionDecision, error) {
	defer rows.Close()
	var out []model.SelectionDecision
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("%w: scan decision: %v", ErrDatabaseError, err)
		}
		var d model.SelectionDecision
		if err := json.Unmarshal([]byte(body), &d); err != nil {
			return nil, fmt.Errorf("%w: decode decision: %v", ErrDatabaseError, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
