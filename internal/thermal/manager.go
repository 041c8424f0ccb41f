// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package thermal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigroute/internal/metrics"
	"github.com/jeranaias/rigroute/internal/model"
)

// ErrProvisionFailed wraps a provisioner error seen by waiting callers.
var ErrProvisionFailed = errors.New("provisioning failed")

// =============================================================================
// COLLABORATORS
// =============================================================================

// Provisioner performs the actual work of warming and cooling a target.
// Provision must bring the model to a servable state; Release steps it
// down to the given level (COLD unloads weights, OFF frees the host slot).
type Provisioner interface {
	Provision(ctx context.Context, m model.ModelDescriptor) error
	Release(ctx context.Context, m model.ModelDescriptor, to model.ThermalLevel) error
}

// StateStore persists thermal state. Writes are best-effort.
type StateStore interface {
	SaveThermalState(ctx context.Context, st model.ThermalState) error
	DeleteThermalState(ctx context.Context, modelID string) error
}

// NopProvisioner succeeds after Delay. Used for registries with no
// self-hosted targets and in tests.
type NopProvisioner struct {
	Delay time.Duration
}

// Provision implements Provisioner.
func (p NopProvisioner) Provision(ctx context.Context, _ model.ModelDescriptor) error {
	if p.Delay <= 0 {
		return nil
	}
	t := time.NewTimer(p.Delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release implements Provisioner.
func (NopProvisioner) Release(context.Context, model.ModelDescriptor, model.ThermalLevel) error {
	return nil
}

// =============================================================================
// CONFIG
// =============================================================================

// Config tunes the state machine.
type Config struct {
	// WaitTimeout bounds how long a caller blocks on a cold target
	WaitTimeout time.Duration
	// ProvisionDeadline bounds the provisioning action itself
	ProvisionDeadline time.Duration
	// MaxWaiters caps callers queued behind one provisioning
	MaxWaiters int
	// MinDwell is the minimum time between downward transitions
	MinDwell time.Duration
	// Idle thresholds for HOT→WARM, WARM→COLD, COLD→OFF
	HotIdle  time.Duration
	WarmIdle time.Duration
	ColdIdle time.Duration
	// SweepInterval is how often Run applies cool-down
	SweepInterval time.Duration
	// InitialState for newly registered targets
	InitialState model.ThermalLevel
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		WaitTimeout:       30 * time.Second,
		ProvisionDeadline: 10 * time.Minute,
		MaxWaiters:        256,
		MinDwell:          2 * time.Minute,
		HotIdle:           5 * time.Minute,
		WarmIdle:          15 * time.Minute,
		ColdIdle:          time.Hour,
		SweepInterval:     30 * time.Second,
		InitialState:      model.ThermalCold,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = d.WaitTimeout
	}
	if c.ProvisionDeadline <= 0 {
		c.ProvisionDeadline = d.ProvisionDeadline
	}
	if c.MaxWaiters <= 0 {
		c.MaxWaiters = d.MaxWaiters
	}
	if c.MinDwell < 0 {
		c.MinDwell = 0
	}
	if c.HotIdle <= 0 {
		c.HotIdle = d.HotIdle
	}
	if c.WarmIdle <= 0 {
		c.WarmIdle = d.WarmIdle
	}
	if c.ColdIdle <= 0 {
		c.ColdIdle = d.ColdIdle
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

// =============================================================================
// MANAGER
// =============================================================================

// provision is one in-flight provisioning action. done is closed when it
// finishes; err is written before close.
type provision struct {
	done    chan struct{}
	err     error
	started time.Time
}

// entry is the per-model state. mu is the per-model lock.
type entry struct {
	mu             sync.Mutex
	desc           model.ModelDescriptor
	state          model.ThermalLevel
	lastTransition time.Time
	lastDemand     time.Time
	inflight       *provision
	waiters        int
	provisions     int
	removed        bool
}

func (e *entry) snapshot() model.ThermalState {
	return model.ThermalState{
		ModelID:              e.desc.ID,
		State:                e.state,
		LastTransitionAt:     e.lastTransition,
		LastDemandAt:         e.lastDemand,
		InFlightProvisioning: e.inflight != nil,
		PendingWaiters:       e.waiters,
		ProvisionCount:       e.provisions,
	}
}

// Manager runs the OFF/COLD/WARM/HOT state machine for every
// thermal-capable model and guarantees one provisioning action per cold
// model no matter how many callers arrive at once.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry

	cfg    Config
	prov   Provisioner
	locker Locker
	store  StateStore
	now    func() time.Time
	log    zerolog.Logger

	inflight sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLocker sets the cross-replica provisioning lock.
func WithLocker(l Locker) Option { return func(m *Manager) { m.locker = l } }

// WithStore persists transitions.
func WithStore(s StateStore) Option { return func(m *Manager) { m.store = s } }

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l.With().Str("component", "thermal").Logger() }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager creates a manager.
func NewManager(cfg Config, prov Provisioner, opts ...Option) *Manager {
	if prov == nil {
		prov = NopProvisioner{}
	}
	m := &Manager{
		entries: make(map[string]*entry),
		cfg:     cfg.withDefaults(),
		prov:    prov,
		locker:  LocalLocker{},
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ModelRegistered creates state for a new thermal-capable model, or updates
// the descriptor of an existing one. Implements registry.Listener.
func (m *Manager) ModelRegistered(d model.ModelDescriptor) {
	if !d.ThermalCapable {
		m.ModelDeregistered(d.ID)
		return
	}
	m.register(d)
}

// register returns d's entry, creating it if needed.
func (m *Manager) register(d model.ModelDescriptor) *entry {
	m.mu.Lock()
	e, ok := m.entries[d.ID]
	if !ok {
		now := m.now()
		e = &entry{desc: d, state: m.cfg.InitialState, lastTransition: now}
		m.entries[d.ID] = e
	}
	m.mu.Unlock()

	e.mu.Lock()
	e.desc = d
	st := e.snapshot()
	e.mu.Unlock()
	if !ok {
		m.persist(st)
	}
	return e
}

// ModelDeregistered destroys a model's state. An in-flight provisioning is
// left to finish; its result is discarded.
func (m *Manager) ModelDeregistered(id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	delete(m.entries, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	if m.store != nil {
		if err := m.store.DeleteThermalState(context.Background(), id); err != nil {
			m.log.Warn().Err(err).Str("model_id", id).Msg("failed to delete thermal state")
		}
	}
}

// Restore seeds states loaded from storage. Unknown models are ignored.
func (m *Manager) Restore(states []model.ThermalState) {
	for _, st := range states {
		e := m.lookup(st.ModelID)
		if e == nil {
			continue
		}
		e.mu.Lock()
		e.state = st.State
		e.lastTransition = st.LastTransitionAt
		e.lastDemand = st.LastDemandAt
		e.provisions = st.ProvisionCount
		e.mu.Unlock()
	}
}

func (m *Manager) lookup(id string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[id]
}

// WaitTimeout is the longest a caller may block on cold targets.
func (m *Manager) WaitTimeout() time.Duration { return m.cfg.WaitTimeout }

// entryFor returns d's entry, registering d on first demand. The entry may
// be removed concurrently; callers check e.removed under e.mu.
func (m *Manager) entryFor(d model.ModelDescriptor) *entry {
	if e := m.lookup(d.ID); e != nil {
		return e
	}
	return m.register(d)
}

// ReadyNow reports whether d can serve without waiting. A WARM target is
// promoted to HOT; a COLD or OFF target is left alone and no provisioning
// starts.
func (m *Manager) ReadyNow(d model.ModelDescriptor) bool {
	if !d.ThermalCapable {
		return true
	}
	e := m.entryFor(d)
	e.mu.Lock()
	if e.removed || !e.state.Ready() {
		e.mu.Unlock()
		return false
	}
	now := m.now()
	e.lastDemand = now
	promoted := e.state == model.ThermalWarm
	if promoted {
		m.transition(e, model.ThermalHot, now)
	}
	st := e.snapshot()
	e.mu.Unlock()
	if promoted {
		m.persist(st)
	}
	return true
}

// EnsureReady blocks until d is servable, up to the wait timeout or ctx's
// deadline, whichever is sooner. Targets that
// are not thermal capable are always ready. WARM targets are promoted to HOT
// without provisioning. For COLD or OFF targets the first caller starts one
// provisioning action and every concurrent caller waits on it.
//
// A caller that times out gets *model.ThermalProvisioningTimeout; the
// provisioning keeps running so later callers find the target warm.
func (m *Manager) EnsureReady(ctx context.Context, d model.ModelDescriptor) error {
	if !d.ThermalCapable {
		return nil
	}
	e := m.entryFor(d)

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s: deregistered", ErrProvisionFailed, d.ID)
	}
	now := m.now()
	e.lastDemand = now
	if e.state.Ready() {
		var st *model.ThermalState
		if e.state == model.ThermalWarm {
			m.transition(e, model.ThermalHot, now)
			s := e.snapshot()
			st = &s
		}
		e.mu.Unlock()
		if st != nil {
			m.persist(*st)
		}
		return nil
	}

	p := e.inflight
	if p == nil {
		p = m.startProvision(e, now)
	} else if e.waiters >= m.cfg.MaxWaiters {
		e.mu.Unlock()
		metrics.ThermalTimeoutsTotal.Inc()
		return &model.ThermalProvisioningTimeout{ModelID: d.ID, QueueFull: true}
	}
	e.waiters++
	e.mu.Unlock()

	start := time.Now()
	timer := time.NewTimer(m.cfg.WaitTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-p.done:
		if p.err != nil {
			err = fmt.Errorf("%w: %s: %v", ErrProvisionFailed, d.ID, p.err)
		}
	case <-timer.C:
		metrics.ThermalTimeoutsTotal.Inc()
		err = &model.ThermalProvisioningTimeout{ModelID: d.ID, Waited: time.Since(start)}
	case <-ctx.Done():
		err = ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			metrics.ThermalTimeoutsTotal.Inc()
			err = &model.ThermalProvisioningTimeout{ModelID: d.ID, Waited: time.Since(start)}
		}
	}

	e.mu.Lock()
	e.waiters--
	e.mu.Unlock()
	return err
}

// startProvision must be called with e.mu held.
func (m *Manager) startProvision(e *entry, now time.Time) *provision {
	p := &provision{done: make(chan struct{}), started: now}
	e.inflight = p
	if e.state == model.ThermalOff {
		m.transition(e, model.ThermalCold, now)
	}
	desc := e.desc
	m.inflight.Add(1)
	metrics.ProvisioningsTotal.WithLabelValues("started").Inc()
	m.log.Info().Str("model_id", desc.ID).Msg("provisioning started")
	go m.runProvision(e, desc, p)
	return p
}

// runProvision is detached from any request context: callers that give up
// do not cancel it.
func (m *Manager) runProvision(e *entry, desc model.ModelDescriptor, p *provision) {
	defer m.inflight.Done()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProvisionDeadline)
	defer cancel()

	err := m.provisionLocked(ctx, desc)

	e.mu.Lock()
	now := m.now()
	if err == nil && !e.removed {
		e.provisions++
		m.transition(e, model.ThermalWarm, now)
		m.transition(e, model.ThermalHot, now)
	}
	e.inflight = nil
	p.err = err
	close(p.done)
	st := e.snapshot()
	removed := e.removed
	e.mu.Unlock()

	if err != nil {
		metrics.ProvisioningsTotal.WithLabelValues("failed").Inc()
		m.log.Error().Err(err).Str("model_id", desc.ID).Msg("provisioning failed")
		return
	}
	metrics.ProvisioningsTotal.WithLabelValues("succeeded").Inc()
	metrics.ProvisioningDuration.Observe(time.Since(p.started).Seconds())
	m.log.Info().Str("model_id", desc.ID).Dur("took", time.Since(p.started)).Msg("provisioning complete")
	if !removed {
		m.persist(st)
	}
}

func (m *Manager) provisionLocked(ctx context.Context, desc model.ModelDescriptor) error {
	unlock, err := m.locker.Acquire(ctx, "rigroute:thermal:"+desc.ID)
	if err != nil {
		return fmt.Errorf("acquire provisioning lock: %w", err)
	}
	defer unlock()
	return m.prov.Provision(ctx, desc)
}

// transition must be called with e.mu held.
func (m *Manager) transition(e *entry, to model.ThermalLevel, now time.Time) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	e.lastTransition = now
	metrics.ThermalTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
	m.log.Debug().Str("model_id", e.desc.ID).Str("from", from.String()).Str("to", to.String()).Msg("thermal transition")
}

// =============================================================================
// COOL-DOWN
// =============================================================================

// Sweep applies at most one downward step per idle model. A model steps
// down only when it has been idle past the threshold for its level and has
// dwelt in its level for at least MinDwell. Models with callers or an
// in-flight provisioning are skipped. Returns the number of transitions.
func (m *Manager) Sweep(ctx context.Context) int {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	type release struct {
		desc model.ModelDescriptor
		to   model.ThermalLevel
		st   model.ThermalState
	}
	var releases []release

	now := m.now()
	for _, e := range entries {
		e.mu.Lock()
		if e.removed || e.inflight != nil || e.waiters > 0 || now.Sub(e.lastTransition) < m.cfg.MinDwell {
			e.mu.Unlock()
			continue
		}
		idle := now.Sub(e.lastDemand)
		if e.lastDemand.IsZero() {
			idle = now.Sub(e.lastTransition)
		}
		var to model.ThermalLevel
		switch {
		case e.state == model.ThermalHot && idle >= m.cfg.HotIdle:
			to = model.ThermalWarm
		case e.state == model.ThermalWarm && idle >= m.cfg.WarmIdle:
			to = model.ThermalCold
		case e.state == model.ThermalCold && idle >= m.cfg.ColdIdle:
			to = model.ThermalOff
		default:
			e.mu.Unlock()
			continue
		}
		m.transition(e, to, now)
		releases = append(releases, release{desc: e.desc, to: to, st: e.snapshot()})
		e.mu.Unlock()
	}

	for _, r := range releases {
		if r.to <= model.ThermalCold {
			if err := m.prov.Release(ctx, r.desc, r.to); err != nil {
				m.log.Warn().Err(err).Str("model_id", r.desc.ID).Str("to", r.to.String()).Msg("release failed")
			}
		}
		m.persist(r.st)
	}
	return len(releases)
}

// Run sweeps on every interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Wait blocks until in-flight provisionings finish or ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// INSPECTION
// =============================================================================

// State returns one model's state.
func (m *Manager) State(id string) (model.ThermalState, bool) {
	e := m.lookup(id)
	if e == nil {
		return model.ThermalState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), true
}

// States returns every model's state sorted by id.
func (m *Manager) States() []model.ThermalState {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]model.ThermalState, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.snapshot())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

func (m *Manager) persist(st model.ThermalState) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveThermalState(context.Background(), st); err != nil {
		m.log.Warn().Err(err).Str("model_id", st.ModelID).Msg("failed to persist thermal state")
	}
}
