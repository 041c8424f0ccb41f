// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package events publishes persisted selection decisions to NATS so
// downstream consumers (dashboards, SIEM forwarders) see them without
// polling the audit store.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/jeranaias/rigroute/internal/metrics"
	"github.com/jeranaias/rigroute/internal/model"
)

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

var _ Conn = (*nats.Conn)(nil)

// Config holds connection and queueing options.
type Config struct {
	URL           string
	Name          string
	SubjectPrefix string

	// Buffer is how many events may wait for the publishing goroutine.
	// Events beyond it are dropped; the audit store remains authoritative.
	Buffer int

	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
}

// DefaultConfig returns defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		Name:           "rigroute",
		SubjectPrefix:  "rigroute.decisions",
		Buffer:         1024,
		MaxReconnects:  -1,
		ReconnectWait:  time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// Connect dials NATS with reconnect handlers that log through log.
func Connect(cfg Config, log zerolog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}

// =============================================================================
// EVENT
// =============================================================================

// DecisionEvent is the published message body. It is a summary: consumers
// needing the candidate list fetch the decision from the audit API.
type DecisionEvent struct {
	DecisionID      string        `json:"decision_id"`
	TenantID        string        `json:"tenant_id"`
	DomainID        string        `json:"domain_id"`
	Outcome         model.Outcome `json:"outcome"`
	SelectedModelID string        `json:"selected_model_id,omitempty"`
	Profile         string        `json:"profile"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	Sequence        uint64        `json:"sequence"`
	EntryHash       string        `json:"entry_hash"`
	CreatedAt       time.Time     `json:"created_at"`
	LatencyMs       float64       `json:"decision_latency_ms"`
}

// NewDecisionEvent summarises d.
func NewDecisionEvent(d model.SelectionDecision) DecisionEvent {
	return DecisionEvent{
		DecisionID:      d.ID,
		TenantID:        d.TenantID,
		DomainID:        d.DomainID,
		Outcome:         d.Outcome,
		SelectedModelID: d.SelectedModelID,
		Profile:         fmt.Sprintf("%s@v%d", d.ProfileIDUsed, d.ProfileVersion),
		FailureReason:   d.FailureReason,
		Sequence:        d.Sequence,
		EntryHash:       d.EntryHash,
		CreatedAt:       d.CreatedAt,
		LatencyMs:       d.DecisionLatencyMs,
	}
}

// Subject returns "<prefix>.<tenant>.<domain>" with each token made safe
// for NATS.
func Subject(prefix string, d model.SelectionDecision) string {
	return prefix + "." + token(d.TenantID) + "." + token(d.DomainID)
}

func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// =============================================================================
// PUBLISHER
// =============================================================================

// Publisher queues decisions and publishes them from one goroutine, so the
// audit writer that calls Enqueue never waits on the network.
type Publisher struct {
	conn   Conn
	prefix string
	log    zerolog.Logger

	queue chan model.SelectionDecision
	done  chan struct{}

	closeOnce sync.Once
}

// NewPublisher starts the publishing goroutine.
func NewPublisher(conn Conn, cfg Config, log zerolog.Logger) *Publisher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultConfig("").Buffer
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultConfig("").SubjectPrefix
	}
	p := &Publisher{
		conn:   conn,
		prefix: strings.TrimSuffix(cfg.SubjectPrefix, "."),
		log:    log.With().Str("component", "events").Logger(),
		queue:  make(chan model.SelectionDecision, cfg.Buffer),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Enqueue hands d to the publishing goroutine, dropping it when the queue
// is full. Its signature matches audit.Recorder.OnPersisted.
func (p *Publisher) Enqueue(d model.SelectionDecision) {
	defer func() {
		// Enqueue after Close lands on a closed channel.
		if recover() != nil {
			metrics.EventsTotal.WithLabelValues("dropped").Inc()
		}
	}()
	select {
	case p.queue <- d:
	default:
		metrics.EventsTotal.WithLabelValues("dropped").Inc()
		p.log.Warn().Str("decision_id", d.ID).Msg("event queue full, dropping")
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for d := range p.queue {
		if err := p.publish(d); err != nil {
			metrics.EventsTotal.WithLabelValues("failed").Inc()
			p.log.Warn().Err(err).Str("decision_id", d.ID).Msg("publish failed")
			continue
		}
		metrics.EventsTotal.WithLabelValues("published").Inc()
	}
}

func (p *Publisher) publish(d model.SelectionDecision) error {
	body, err := json.Marshal(NewDecisionEvent(d))
	if err != nil {
		return err
	}
	return p.conn.Publish(Subject(p.prefix, d), body)
}

// Close drains the queue, flushes the connection and closes it.
func (p *Publisher) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		close(p.queue)
		select {
		case <-p.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		timeout := 5 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if timeout > 0 {
			if ferr := p.conn.FlushTimeout(timeout); ferr != nil && err == nil {
				err = ferr
			}
		}
		p.conn.Close()
	})
	return err
}
