// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package manifest

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/jeranaias/rigroute/internal/catalog"
	"github.com/jeranaias/rigroute/internal/registry"
)

// =============================================================================
// APPLIER
// =============================================================================

// Applier pushes a manifest into the live registry and catalog.
type Applier struct {
	Registry *registry.Registry
	Catalog  *catalog.Holder
	Log      zerolog.Logger

	// AfterApply runs once the registry and catalog hold the new state,
	// typically to persist it. Its error is returned from Apply.
	AfterApply func(models *registry.Snapshot, cat *catalog.Catalog) error
}

// Apply validates f completely before touching anything, then replaces the
// registry contents (when the manifest lists models) and publishes the
// catalog changes as one generation.
func (a *Applier) Apply(f *File) error {
	if err := f.Validate(); err != nil {
		return err
	}
	models, err := f.Descriptors()
	if err != nil {
		return err
	}
	next, err := a.Catalog.Update(f.ApplyCatalog)
	if err != nil {
		return fmt.Errorf("apply catalog: %w", err)
	}
	if len(models) > 0 {
		if err := a.Registry.Replace(models); err != nil {
			return fmt.Errorf("apply models: %w", err)
		}
	}
	a.Log.Info().
		Int("models", len(models)).
		Int("profiles", len(f.Profiles)).
		Int("domains", len(f.Domains)).
		Int("overrides", len(f.Overrides)).
		Uint64("catalog_version", next.Version()).
		Msg("manifest applied")
	if a.AfterApply != nil {
		if err := a.AfterApply(a.Registry.Snapshot(), next); err != nil {
			return fmt.Errorf("after apply: %w", err)
		}
	}
	return nil
}

// ApplyPath loads and applies the manifest at path.
func (a *Applier) ApplyPath(path string) error {
	f, err := Load(path)
	if err != nil {
		return err
	}
	return a.Apply(f)
}

// =============================================================================
// WATCHER
// =============================================================================

// Watcher reapplies the manifest when its file changes. Editors often save
// by writing a temp file and renaming it over the original, so the parent
// directory is watched and events are filtered by name.
type Watcher struct {
	path     string
	applier  *Applier
	debounce time.Duration
	log      zerolog.Logger

	watcher *fsnotify.Watcher

	mu        sync.Mutex
	changedAt time.Time
	pending   bool

	// reloaded is signalled after each reload attempt (tests)
	reloaded func(error)
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, applier *Applier, debounce time.Duration, log zerolog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		path:     abs,
		applier:  applier,
		debounce: debounce,
		log:      log.With().Str("component", "manifest.watcher").Str("path", abs).Logger(),
		watcher:  fw,
	}, nil
}

// Run processes events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	tick := w.debounce / 5
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.mu.Lock()
				w.changedAt, w.pending = time.Now(), true
				w.mu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("watch error")

		case <-ticker.C:
			w.mu.Lock()
			due := w.pending && time.Since(w.changedAt) >= w.debounce
			if due {
				w.pending = false
			}
			w.mu.Unlock()
			if due {
				w.reload()
			}
		}
	}
}

func (w *Watcher) reload() {
	err := w.applier.ApplyPath(w.path)
	if err != nil {
		// The previous registry and catalog stay live.
		w.log.Error().Err(err).Msg("manifest reload rejected")
	}
	if w.reloaded != nil {
		w.reloaded(err)
	}
}
