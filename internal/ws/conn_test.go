// ABOUTME: Tests for the connection outbox and backpressure policy
// ABOUTME: Verifies drop-oldest-non-critical shedding and delivery ordering

package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskhop/deskhop/internal/broker"
)

func TestDeliver_QueuesInOrder(t *testing.T) {
	c := newConn("c1", roleCustomer, "s1", nil, nil)

	c.Deliver(broker.NewEnvelope(broker.EventChatMessage, "a"))
	c.Deliver(broker.NewEnvelope(broker.EventChatMessage, "b"))

	out := c.drain()
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].Data)
	assert.Equal(t, "b", out[1].Data)
}

func TestDeliver_ShedsOldestNonCritical(t *testing.T) {
	c := newConn("c1", roleCustomer, "s1", nil, nil)

	// Fill to the brim: one droppable typing event buried among messages
	c.Deliver(broker.NewEnvelope(broker.EventChatMessage, 0))
	c.Deliver(broker.NewEnvelope(broker.EventCustomerTyping, "droppable"))
	for i := 2; i < maxOutbox; i++ {
		c.Deliver(broker.NewEnvelope(broker.EventChatMessage, i))
	}

	// One more: the typing event must be shed, not the new message
	c.Deliver(broker.NewEnvelope(broker.EventChatMessage, "newest"))

	out := c.drain()
	require.Len(t, out, maxOutbox)
	for _, env := range out {
		assert.NotEqual(t, broker.EventCustomerTyping, env.Event)
	}
	assert.Equal(t, "newest", out[len(out)-1].Data)
}

func TestDeliver_ShedsOldestFirst(t *testing.T) {
	c := newConn("c1", roleCustomer, "s1", nil, nil)

	c.Deliver(broker.NewEnvelope(broker.EventCustomerTyping, "first"))
	c.Deliver(broker.NewEnvelope(broker.EventCustomerTyping, "second"))
	for i := 2; i < maxOutbox; i++ {
		c.Deliver(broker.NewEnvelope(broker.EventChatMessage, i))
	}

	c.Deliver(broker.NewEnvelope(broker.EventChatMessage, "overflow"))

	out := c.drain()
	require.Len(t, out, maxOutbox)
	// "first" was shed; "second" survives
	assert.Equal(t, "second", out[0].Data)
}

func TestDeliver_AfterCloseIsNoop(t *testing.T) {
	c := newConn("c1", roleCustomer, "s1", nil, nil)
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.Deliver(broker.NewEnvelope(broker.EventChatMessage, "late"))
	assert.Empty(t, c.drain())
}

func TestShedOldestDroppable_AllCritical(t *testing.T) {
	c := newConn("c1", roleCustomer, "s1", nil, nil)
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < 5; i++ {
		c.outbox = append(c.outbox, broker.NewEnvelope(broker.EventChatMessage, i))
	}
	assert.False(t, c.shedOldestDroppable())
	assert.Len(t, c.outbox, 5)
}
