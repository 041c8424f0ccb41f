// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jeranaias/rigroute/internal/audit"
	"github.com/jeranaias/rigroute/internal/catalog"
	"github.com/jeranaias/rigroute/internal/config"
	"github.com/jeranaias/rigroute/internal/manifest"
	"github.com/jeranaias/rigroute/internal/model"
	"github.com/jeranaias/rigroute/internal/registry"
	"github.com/jeranaias/rigroute/internal/router"
	"github.com/jeranaias/rigroute/internal/scoring"
	"github.com/jeranaias/rigroute/internal/storage"
	"github.com/jeranaias/rigroute/internal/verify"
)

// state is the persisted engine state loaded into memory.
type state struct {
	db       *storage.DB
	registry *registry.Registry
	catalog  *catalog.Holder
	applier  *manifest.Applier
}

// Close releases the database.
func (s *state) Close() error { return s.db.Close() }

// persist saves the registry contents and cat.
func (s *state) persist(ctx context.Context, models *registry.Snapshot, cat *catalog.Catalog) error {
	if err := s.db.SaveModels(ctx, models.Models()); err != nil {
		return err
	}
	return s.db.SaveCatalog(ctx, cat)
}

// openState opens storage and loads models and the catalog. The built-in
// catalog is used until one has been saved. A configured manifest that
// exists is applied on top and persisted.
func (a *App) openState(ctx context.Context) (*state, error) {
	db, err := storage.Open(storage.Config{
		Path:          a.Config.Storage.Path,
		TailCacheSize: a.Config.Storage.TailCacheSize,
	}, a.Log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrBackendUnavailable, err)
	}

	st, err := loadState(ctx, db, a)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func loadState(ctx context.Context, db *storage.DB, a *App) (*state, error) {
	models, err := db.LoadModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load models: %v", model.ErrBackendUnavailable, err)
	}
	cat, ok, err := db.LoadCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load catalog: %v", model.ErrBackendUnavailable, err)
	}
	if !ok {
		cat = catalog.Default()
	}

	reg := registry.New(a.Log)
	if len(models) > 0 {
		if err := reg.Register(models...); err != nil {
			return nil, fmt.Errorf("load models: %w", err)
		}
	}

	st := &state{db: db, registry: reg, catalog: catalog.NewHolder(cat)}
	st.applier = &manifest.Applier{
		Registry: reg,
		Catalog:  st.catalog,
		Log:      a.Log,
		AfterApply: func(models *registry.Snapshot, cat *catalog.Catalog) error {
			return st.persist(context.WithoutCancel(ctx), models, cat)
		},
	}

	if path := a.Config.Catalog.ManifestPath; path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := st.applier.ApplyPath(path); err != nil {
				return nil, manifestError(path, err)
			}
		}
	}
	return st, nil
}

// manifestError classifies a manifest failure: storage problems stay
// backend errors, everything else is invalid input.
func manifestError(path string, err error) error {
	if errors.Is(err, storage.ErrDatabaseError) {
		return fmt.Errorf("%w: %v", model.ErrBackendUnavailable, err)
	}
	return NewValidationError("manifest", path, err.Error())
}

// chainHasher builds the audit hasher from config.
func chainHasher(cfg *config.Config) (audit.Hasher, error) {
	key, _, err := audit.LoadKey(cfg.Audit.Key, cfg.Audit.KeyFile)
	if err != nil {
		return nil, NewValidationError("audit.key", "", err.Error())
	}
	h, err := audit.NewHasher(cfg.Audit.Algorithm, key)
	if err != nil {
		return nil, NewValidationError("audit.algorithm", cfg.Audit.Algorithm, err.Error())
	}
	return h, nil
}

// newEngine wires an engine over st. thermal and recorder may be nil for
// dry runs.
func (a *App) newEngine(st *state, thermal router.Thermal, recorder router.Recorder) (*router.Engine, error) {
	return router.NewEngine(router.Deps{
		Models:   st.registry,
		Catalog:  st.catalog,
		Resolver: catalog.NewResolver(a.Config.ResolverConfig()),
		Scorer:   scoring.New(a.Config.Scoring),
		Thermal:  thermal,
		Gate:     verify.New(a.Config.VerifyConfig(), verify.DescriptorEstimator{}),
		Recorder: recorder,
		Logger:   a.Log,
		Now:      a.Now,
	})
}
