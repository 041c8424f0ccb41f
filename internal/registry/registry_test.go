// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigroute/internal/model"
	"github.com/jeranaias/rigroute/internal/modeltest"
)

type recordingListener struct {
	mu           sync.Mutex
	registered   []string
	deregistered []string
}

func (l *recordingListener) ModelRegistered(m model.ModelDescriptor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.registered = append(l.registered, m.ID)
}

func (l *recordingListener) ModelDeregistered(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deregistered = append(l.deregistered, id)
}

func newFleetRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(zerolog.Nop())
	require.NoError(t, r.Register(modeltest.Fleet()...))
	return r
}

// =============================================================================
// SNAPSHOT TESTS
// =============================================================================

func TestRegistry_SnapshotIsImmutable(t *testing.T) {
	r := newFleetRegistry(t)
	before := r.Snapshot()
	require.Equal(t, 12, before.Len())

	require.NoError(t, r.Deregister("budget-lite"))
	after := r.Snapshot()

	assert.Equal(t, 12, before.Len())
	_, ok := before.Get("budget-lite")
	assert.True(t, ok)
	assert.Equal(t, 11, after.Len())
	assert.Greater(t, after.Version(), before.Version())
}

func TestRegistry_ListFilter(t *testing.T) {
	snap := newFleetRegistry(t).Snapshot()

	hipaa := snap.List(ListFilter{Tags: model.NewTagSet("hipaa")})
	assert.Len(t, hipaa, len(modeltest.HIPAACertified))

	thermal := snap.List(ListFilter{ThermalOnly: true})
	ids := make([]string, len(thermal))
	for i, m := range thermal {
		ids[i] = m.ID
	}
	assert.Equal(t, modeltest.ThermalModels, ids)

	openai := snap.List(ListFilter{Provider: "OpenAI"})
	assert.Len(t, openai, 2)
}

func TestRegistry_RegisterValidates(t *testing.T) {
	r := New(zerolog.Nop())
	bad := modeltest.ByID("gpt-med")
	bad.QualityScore = 140

	err := r.Register(modeltest.ByID("claude-med"), bad)
	require.Error(t, err)
	assert.Equal(t, 0, r.Snapshot().Len(), "nothing published on validation failure")
}

func TestRegistry_DeregisterUnknown(t *testing.T) {
	r := newFleetRegistry(t)
	err := r.Deregister("claude-med", "ghost")
	assert.True(t, errors.Is(err, ErrModelNotFound))
	_, ok := r.Snapshot().Get("claude-med")
	assert.True(t, ok)
}

func TestRegistry_ListenersSeeDiffs(t *testing.T) {
	r := newFleetRegistry(t)
	l := &recordingListener{}
	r.Subscribe(l)
	assert.Len(t, l.registered, 12, "existing models replayed")

	fleet := modeltest.Fleet()
	require.NoError(t, r.Replace(fleet[:10]))
	assert.ElementsMatch(t, []string{"creative-xl", "budget-lite"}, l.deregistered)

	assert.Error(t, r.Replace([]model.ModelDescriptor{fleet[0], fleet[0]}))
}

func TestRegistry_UpdateAvailability(t *testing.T) {
	r := newFleetRegistry(t)
	v := r.Snapshot().Version()

	assert.Equal(t, 0, r.UpdateAvailability(map[string]model.Availability{"gpt-med": model.AvailabilityUp}))
	assert.Equal(t, v, r.Snapshot().Version(), "no-op update publishes nothing")

	changed := r.UpdateAvailability(map[string]model.Availability{
		"gpt-med":   model.AvailabilityDown,
		"ghost":     model.AvailabilityDown,
		"llama3-8b": model.AvailabilityDegraded,
	})
	assert.Equal(t, 2, changed)
	m, _ := r.Snapshot().Get("gpt-med")
	assert.Equal(t, model.AvailabilityDown, m.Availability)
}

// =============================================================================
// REFRESHER TESTS
// =============================================================================

func TestRefresher_RefreshOnce(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	busy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer busy.Close()

	r := New(zerolog.Nop())
	a := modeltest.ByID("gpt-med")
	a.HealthURL = healthy.URL
	a.Availability = model.AvailabilityDown
	b := modeltest.ByID("claude-med")
	b.HealthURL = busy.URL
	c := modeltest.ByID("llama3-8b")
	require.NoError(t, r.Register(a, b, c))

	var ollamaCalls atomic.Int32
	prober := ByProvider{
		Providers: map[string]Prober{
			"ollama": ProberFunc(func(ctx context.Context, m model.ModelDescriptor) (model.Availability, error) {
				ollamaCalls.Add(1)
				return model.AvailabilityDown, errors.New("connection refused")
			}),
		},
		Default: NewHTTPProber(time.Second),
	}
	f := NewRefresher(r, prober, RefresherConfig{Concurrency: 2, RatePerSec: 1000}, zerolog.Nop())

	changed, err := f.RefreshOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, changed)
	assert.Equal(t, int32(1), ollamaCalls.Load())

	snap := r.Snapshot()
	got := func(id string) model.Availability {
		m, _ := snap.Get(id)
		return m.Availability
	}
	assert.Equal(t, model.AvailabilityUp, got("gpt-med"))
	assert.Equal(t, model.AvailabilityDegraded, got("claude-med"))
	assert.Equal(t, model.AvailabilityDown, got("llama3-8b"))
}

func TestRefresher_RunStopsOnCancel(t *testing.T) {
	r := newFleetRegistry(t)
	f := NewRefresher(r, ProberFunc(func(ctx context.Context, m model.ModelDescriptor) (model.Availability, error) {
		return m.Availability, nil
	}), RefresherConfig{Interval: 10 * time.Millisecond, RatePerSec: 1000}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, f.Run(ctx))
}
