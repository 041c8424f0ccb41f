// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigroute/internal/model"
)

type message struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu      sync.Mutex
	msgs    []message
	fail    bool
	block   chan struct{}
	flushed bool
	closed  bool
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("nats: connection closed")
	}
	c.msgs = append(c.msgs, message{subject, data})
	return nil
}

func (c *fakeConn) FlushTimeout(time.Duration) error {
	c.mu.Lock()
	c.flushed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) messages() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.msgs...)
}

func decision(id, tenant, domain string) model.SelectionDecision {
	return model.SelectionDecision{
		ID:              id,
		TenantID:        tenant,
		DomainID:        domain,
		ProfileIDUsed:   "HEALTHCARE",
		ProfileVersion:  2,
		SelectedModelID: "claude-med",
		Outcome:         model.OutcomeSelected,
		Sequence:        7,
		EntryHash:       "abc",
	}
}

// =============================================================================
// SUBJECTS
// =============================================================================

func TestSubject(t *testing.T) {
	tests := []struct {
		tenant, domain string
		want           string
	}{
		{"acme", "healthcare", "rigroute.decisions.acme.healthcare"},
		{"acme.eu", "healthcare", "rigroute.decisions.acme_eu.healthcare"},
		{"a b", "x>*", "rigroute.decisions.a_b.x__"},
		{"", "general", "rigroute.decisions._.general"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Subject("rigroute.decisions", decision("d", tt.tenant, tt.domain)))
		})
	}
}

// =============================================================================
// PUBLISHER
// =============================================================================

func TestPublisher_PublishesInOrder(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, Config{SubjectPrefix: "audit."}, zerolog.Nop())

	p.Enqueue(decision("d1", "acme", "healthcare"))
	p.Enqueue(decision("d2", "acme", "financial"))
	require.NoError(t, p.Close(context.Background()))

	msgs := conn.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "audit.acme.healthcare", msgs[0].subject)
	assert.Equal(t, "audit.acme.financial", msgs[1].subject)

	var ev DecisionEvent
	require.NoError(t, json.Unmarshal(msgs[0].data, &ev))
	assert.Equal(t, "d1", ev.DecisionID)
	assert.Equal(t, "HEALTHCARE@v2", ev.Profile)
	assert.Equal(t, model.OutcomeSelected, ev.Outcome)
	assert.Equal(t, uint64(7), ev.Sequence)

	assert.True(t, conn.flushed)
	assert.True(t, conn.closed)
}

func TestPublisher_FailuresDoNotStopTheQueue(t *testing.T) {
	conn := &fakeConn{fail: true}
	p := NewPublisher(conn, Config{}, zerolog.Nop())
	p.Enqueue(decision("d1", "acme", "general"))
	p.Enqueue(decision("d2", "acme", "general"))
	require.NoError(t, p.Close(context.Background()))
	assert.Empty(t, conn.messages())
}

func TestPublisher_FullQueueDrops(t *testing.T) {
	conn := &fakeConn{block: make(chan struct{})}
	p := NewPublisher(conn, Config{Buffer: 1}, zerolog.Nop())

	// One event is held by the blocked Publish, one fills the buffer.
	p.Enqueue(decision("d1", "acme", "general"))
	require.Eventually(t, func() bool { return len(p.queue) == 0 }, time.Second, 5*time.Millisecond)
	p.Enqueue(decision("d2", "acme", "general"))

	done := make(chan struct{})
	go func() {
		p.Enqueue(decision("d3", "acme", "general"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}

	close(conn.block)
	require.NoError(t, p.Close(context.Background()))
	assert.Len(t, conn.messages(), 2)
}

func TestPublisher_EnqueueAfterClose(t *testing.T) {
	p := NewPublisher(&fakeConn{}, Config{}, zerolog.Nop())
	require.NoError(t, p.Close(context.Background()))
	assert.NotPanics(t, func() { p.Enqueue(decision("late", "acme", "general")) })
	assert.NoError(t, p.Close(context.Background()), "second close is a no-op")
}
