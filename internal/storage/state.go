// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jeranaias/rigroute/internal/catalog"
	"github.com/jeranaias/rigroute/internal/model"
	"github.com/jeranaias/rigroute/internal/thermal"
)

// =============================================================================
// MODELS
// =============================================================================

// SaveModels replaces the stored registry with models.
func (s *DB) SaveModels(ctx context.Context, models []model.ModelDescriptor) error {
	now := time.Now().UnixNano()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM models"); err != nil {
			return fmt.Errorf("%w: clear models: %v", ErrDatabaseError, err)
		}
		for _, m := range models {
			body, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("marshal model %s: %w", m.ID, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO models (id, provider, body, updated_at) VALUES (?, ?, ?, ?)",
				m.ID, m.Provider, string(body), now); err != nil {
				return fmt.Errorf("%w: save model %s: %v", ErrDatabaseError, m.ID, err)
			}
		}
		return nil
	})
}

// LoadModels returns the stored registry sorted by id.
func (s *DB) LoadModels(ctx context.Context) ([]model.ModelDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT body FROM models ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("%w: load models: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	var out []model.ModelDescriptor
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("%w: scan model: %v", ErrDatabaseError, err)
		}
		var m model.ModelDescriptor
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return nil, fmt.Errorf("%w: decode model: %v", ErrDatabaseError, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// =============================================================================
// CATALOG
// =============================================================================

// SaveCatalog persists every profile version, domain and override in cat.
// Profile rows are append-only: an existing (id, version) is left as is.
func (s *DB) SaveCatalog(ctx context.Context, cat *catalog.Catalog) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range cat.AllProfileVersions() {
			body, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("marshal profile %s: %w", p.Ref(), err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO profiles (id, version, body, published_at) VALUES (?, ?, ?, ?)
				ON CONFLICT(id, version) DO NOTHING`,
				p.ID, p.Version, string(body), unixNano(p.PublishedAt)); err != nil {
				return fmt.Errorf("%w: save profile %s: %v", ErrDatabaseError, p.Ref(), err)
			}
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM domains"); err != nil {
			return fmt.Errorf("%w: clear domains: %v", ErrDatabaseError, err)
		}
		for _, d := range cat.Domains() {
			body, err := json.Marshal(d)
			if err != nil {
				return fmt.Errorf("marshal domain %s: %w", d.ID, err)
			}
			if _, err := tx.ExecContext(ctx, "INSERT INTO domains (id, body) VALUES (?, ?)", d.ID, string(body)); err != nil {
				return fmt.Errorf("%w: save domain %s: %v", ErrDatabaseError, d.ID, err)
			}
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM tenant_overrides"); err != nil {
			return fmt.Errorf("%w: clear overrides: %v", ErrDatabaseError, err)
		}
		for _, o := range cat.Overrides() {
			body, err := json.Marshal(o)
			if err != nil {
				return fmt.Errorf("marshal override %s: %w", o.Key(), err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO tenant_overrides (tenant_id, domain_id, body) VALUES (?, ?, ?)",
				o.TenantID, o.DomainID, string(body)); err != nil {
				return fmt.Errorf("%w: save override %s: %v", ErrDatabaseError, o.Key(), err)
			}
		}
		return nil
	})
}

// LoadCatalog rebuilds the stored catalog. ok is false when nothing has
// been saved yet.
func (s *DB) LoadCatalog(ctx context.Context) (cat *catalog.Catalog, ok bool, err error) {
	b := catalog.NewBuilder(nil)

	var profiles int
	err = s.eachBody(ctx, "SELECT body FROM profiles ORDER BY id, version", func(body []byte) error {
		var p model.WeightProfile
		if err := json.Unmarshal(body, &p); err != nil {
			return fmt.Errorf("decode profile: %w", err)
		}
		profiles++
		return b.RestoreProfile(p)
	})
	if err != nil {
		return nil, false, err
	}
	if profiles == 0 {
		return nil, false, nil
	}

	err = s.eachBody(ctx, "SELECT body FROM domains ORDER BY id", func(body []byte) error {
		var d model.Domain
		if err := json.Unmarshal(body, &d); err != nil {
			return fmt.Errorf("decode domain: %w", err)
		}
		return b.PutDomain(d)
	})
	if err != nil {
		return nil, false, err
	}

	err = s.eachBody(ctx, "SELECT body FROM tenant_overrides ORDER BY tenant_id, domain_id", func(body []byte) error {
		var o model.TenantOverride
		if err := json.Unmarshal(body, &o); err != nil {
			return fmt.Errorf("decode override: %w", err)
		}
		return b.PutOverride(o)
	})
	if err != nil {
		return nil, false, err
	}

	cat, err = b.Build()
	if err != nil {
		return nil, false, fmt.Errorf("rebuild catalog: %w", err)
	}
	return cat, true, nil
}

func (s *DB) eachBody(ctx context.Context, query string, fn func([]byte) error) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer rows.Close()
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return fmt.Errorf("%w: scan: %v", ErrDatabaseError, err)
		}
		if err := fn([]byte(body)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// =============================================================================
// THERMAL STATE (thermal.StateStore)
// =============================================================================

var _ thermal.StateStore = (*DB)(nil)

// SaveThermalState implements thermal.StateStore.
func (s *DB) SaveThermalState(ctx context.Context, st model.ThermalState) error {
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal thermal state %s: %w", st.ModelID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO thermal_states (model_id, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(model_id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		st.ModelID, string(body), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("%w: save thermal state %s: %v", ErrDatabaseError, st.ModelID, err)
	}
	return nil
}

// DeleteThermalState implements thermal.StateStore.
func (s *DB) DeleteThermalState(ctx context.Context, modelID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM thermal_states WHERE model_id = ?", modelID); err != nil {
		return fmt.Errorf("%w: delete thermal state %s: %v", ErrDatabaseError, modelID, err)
	}
	return nil
}

// LoadThermalStates returns every stored thermal state sorted by model id.
func (s *DB) LoadThermalStates(ctx context.Context) ([]model.ThermalState, error) {
	var out []model.ThermalState
	err := s.eachBody(ctx, "SELECT body FROM thermal_states ORDER BY model_id", func(body []byte) error {
		var st model.ThermalState
		if err := json.Unmarshal(body, &st); err != nil {
			return fmt.Errorf("decode thermal state: %w", err)
		}
		out = append(out, st)
		return nil
	})
	return out, err
}
