// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/rigroute/internal/audit"
	"github.com/jeranaias/rigroute/internal/catalog"
	"github.com/jeranaias/rigroute/internal/events"
	"github.com/jeranaias/rigroute/internal/logger"
	"github.com/jeranaias/rigroute/internal/manifest"
	"github.com/jeranaias/rigroute/internal/model"
	"github.com/jeranaias/rigroute/internal/ollama"
	"github.com/jeranaias/rigroute/internal/registry"
	"github.com/jeranaias/rigroute/internal/server"
	"github.com/jeranaias/rigroute/internal/thermal"
)

// retentionInterval is how often serve applies audit retention.
const retentionInterval = time.Hour

// serve handles "rigroute serve": the HTTP surface plus every background
// loop (thermal sweeps, probes, manifest watching, retention). It returns
// when ctx is cancelled or a loop fails.
func (a *App) serve(ctx context.Context) error {
	cfg := a.Config
	st, err := a.openState(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	h, err := chainHasher(cfg)
	if err != nil {
		return err
	}

	// Thermal manager. Stored states are read before subscribing because
	// registering a model persists its initial state.
	stored, err := st.db.LoadThermalStates(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrBackendUnavailable, err)
	}
	var ollamaClient *ollama.Client
	var prov thermal.Provisioner = thermal.NopProvisioner{}
	if strings.EqualFold(cfg.Thermal.Provisioner, "ollama") {
		ollamaClient = ollama.NewClient(ollama.Config{
			BaseURL:   cfg.Ollama.URL,
			Timeout:   cfg.Ollama.Timeout,
			KeepAlive: cfg.Ollama.KeepAlive,
		})
		prov = ollama.NewProvisioner(ollamaClient, ollama.Names(cfg.Ollama.Models), a.Log)
	}
	opts := []thermal.Option{
		thermal.WithStore(st.db),
		thermal.WithLogger(logger.Component(a.Log, "thermal")),
	}
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("%w: redis %s: %v", model.ErrBackendUnavailable, cfg.Redis.Addr, err)
		}
		opts = append(opts, thermal.WithLocker(thermal.NewRedisLocker(redisClient, cfg.Redis.LockExpiry, a.Log)))
	}
	manager := thermal.NewManager(cfg.ThermalManagerConfig(), prov, opts...)
	st.registry.Subscribe(manager)
	manager.Restore(stored)
	for _, s := range manager.States() {
		if err := st.db.SaveThermalState(ctx, s); err != nil {
			a.Log.Warn().Err(err).Str("model_id", s.ModelID).Msg("failed to persist restored thermal state")
		}
	}

	// Audit recorder and decision events.
	recorder := audit.NewRecorder(st.db, h, cfg.RecorderConfig(), logger.Component(a.Log, "audit"))
	var publisher *events.Publisher
	if cfg.NATS.Enabled {
		ecfg := events.DefaultConfig(cfg.NATS.URL)
		if cfg.NATS.SubjectPrefix != "" {
			ecfg.SubjectPrefix = cfg.NATS.SubjectPrefix
		}
		conn, err := events.Connect(ecfg, a.Log)
		if err != nil {
			return fmt.Errorf("%w: %v", model.ErrBackendUnavailable, err)
		}
		publisher = events.NewPublisher(conn, ecfg, a.Log)
		recorder.OnPersisted(publisher.Enqueue)
	}

	// Catalog changes made while serving are persisted as they publish.
	st.catalog.OnPublish(func(cat *catalog.Catalog) {
		if err := st.db.SaveCatalog(context.WithoutCancel(ctx), cat); err != nil {
			a.Log.Error().Err(err).Uint64("catalog_version", cat.Version()).Msg("failed to persist catalog")
		}
	})
	st.applier.AfterApply = func(models *registry.Snapshot, _ *catalog.Catalog) error {
		return st.db.SaveModels(context.WithoutCancel(ctx), models.Models())
	}

	engine, err := a.newEngine(st, manager, recorder)
	if err != nil {
		return err
	}
	var auth *server.AuthConfig
	if cfg.Server.AuthToken != "" || len(cfg.Server.AllowedIPs) > 0 {
		auth, err = server.NewAuthConfig(cfg.Server.AuthToken, cfg.Server.AllowedIPs)
		if err != nil {
			return NewValidationError("server.allowed_ips", fmt.Sprint(cfg.Server.AllowedIPs), err.Error())
		}
	}
	srv, err := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		Mode:            cfg.Server.Mode,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Auth:            auth,
		RateLimit:       cfg.Server.RateLimit,
		RateBurst:       cfg.Server.RateBurst,
	}, server.Deps{
		Engine:  engine,
		Models:  st.registry,
		Catalog: st.catalog,
		Thermal: manager,
		Pending: recorder.Pending,
	}, a.Log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return manager.Run(gctx) })

	if cfg.Probe.Enabled {
		prober := registry.ByProvider{
			Providers: map[string]registry.Prober{},
			Default:   registry.NewHTTPProber(cfg.Probe.Timeout),
		}
		if ollamaClient != nil {
			prober.Providers["ollama"] = ollama.NewProber(ollamaClient, ollama.Names(cfg.Ollama.Models), cfg.Probe.Interval/2)
		}
		refresher := registry.NewRefresher(st.registry, prober, registry.RefresherConfig{
			Interval:    cfg.Probe.Interval,
			Concurrency: cfg.Probe.Concurrency,
			RatePerSec:  cfg.Probe.RatePerSec,
			Burst:       cfg.Probe.Burst,
		}, logger.Component(a.Log, "probe"))
		g.Go(func() error { return refresher.Run(gctx) })
	}

	if cfg.Catalog.Watch && cfg.Catalog.ManifestPath != "" {
		watcher, err := manifest.NewWatcher(cfg.Catalog.ManifestPath, st.applier, cfg.Catalog.Debounce, logger.Component(a.Log, "manifest"))
		if err != nil {
			return fmt.Errorf("watch manifest: %w", err)
		}
		g.Go(func() error { return watcher.Run(gctx) })
	}

	if retention := cfg.Retention(); retention > 0 {
		g.Go(func() error { return a.retentionLoop(gctx, recorder, retention) })
	}

	a.Log.Info().
		Str("addr", cfg.Server.Addr).
		Str("storage", st.db.Path()).
		Int("models", st.registry.Snapshot().Len()).
		Uint64("catalog_version", st.catalog.Current().Version()).
		Str("hash", h.Algorithm()).
		Bool("redis", cfg.Redis.Enabled).
		Bool("nats", cfg.NATS.Enabled).
		Msg("rigroute serving")

	runErr := g.Wait()

	// Drain in dependency order: decisions, then their events, then any
	// provisioning still running.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer cancel()
	var errs []error
	if err := recorder.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("close recorder: %w", err))
	}
	if publisher != nil {
		if err := publisher.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if err := manager.Wait(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("wait for provisioning: %w", err))
	}
	if len(errs) > 0 {
		a.Log.Warn().Err(errors.Join(errs...)).Msg("shutdown incomplete")
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("%w: %v", model.ErrBackendUnavailable, runErr)
	}
	a.Log.Info().Msg("rigroute stopped")
	return nil
}

// retentionLoop purges decisions older than retention every
// retentionInterval, starting immediately.
func (a *App) retentionLoop(ctx context.Context, recorder *audit.Recorder, retention time.Duration) error {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		res, err := recorder.PurgeBefore(ctx, a.Now().Add(-retention))
		switch {
		case err != nil && ctx.Err() == nil:
			a.Log.Warn().Err(err).Msg("retention purge failed")
		case res.Removed > 0:
			a.Log.Info().Int("removed", res.Removed).Dur("retention", retention).Msg("retention purge")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
