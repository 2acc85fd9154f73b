// ABOUTME: In-process pub/sub broker fanning chat events out to WebSocket connections
// ABOUTME: Topics cover sessions, agents, the waiting queue, admin stats, and broadcast

package broker

import (
	"log/slog"
	"sync"
	"time"
)

// Event names carried in the wire envelope. These are part of the client
// contract and must not change.
const (
	EventChatStarted        = "chat:started"
	EventChatAssigned       = "chat:assigned"
	EventChatNewAssigned    = "chat:new_assigned"
	EventChatMessage        = "chat:message"
	EventCustomerTyping     = "chat:customer_typing"
	EventCSTyping           = "chat:cs_typing"
	EventQueuePosition      = "chat:queue_position"
	EventChatTransferred    = "chat:transferred"
	EventChatTransferredIn  = "chat:transferred_in"
	EventChatTransferredOut = "chat:transferred_out"
	EventChatResolved       = "chat:resolved"
	EventChatEnded          = "chat:ended"
	EventCustomerLeft       = "chat:customer_left"
	EventQueueUpdate        = "queue:update"
	EventQueueNewChat       = "queue:new_chat"
	EventStatusChanged      = "cs:status_changed"
	EventStatsUpdate        = "stats:update"
	EventSessionRestored    = "session:restored"
	EventError              = "system:error"
	EventConnected          = "connected"
	EventBroadcast          = "broadcast"
	EventPong               = "pong"
)

// Well-known topics. Per-session and per-agent topics are built with
// SessionTopic and AgentTopic.
const (
	TopicQueue      = "queue"
	TopicAdminStats = "admin-stats"
	TopicBroadcast  = "broadcast"
)

// SessionTopic returns the topic carrying events for one session.
func SessionTopic(sessionID string) string {
	return "session:" + sessionID
}

// AgentTopic returns the topic carrying events addressed to one agent.
func AgentTopic(agentID string) string {
	return "agent:" + agentID
}

// Envelope is the unit published through the broker and written to the wire.
// Timestamps are unix milliseconds.
type Envelope struct {
	Event     string `json:"event"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
	RequestID string `json:"request_id,omitempty"`
}

// NewEnvelope builds an envelope stamped with the current time.
func NewEnvelope(event string, data any) *Envelope {
	return &Envelope{
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Critical reports whether the envelope must not be silently dropped by a
// backpressured connection. Ephemeral signals (typing, presence, stats,
// queue positions) are safe to shed; everything else carries state the
// client cannot reconstruct.
func (e *Envelope) Critical() bool {
	switch e.Event {
	case EventCustomerTyping, EventCSTyping, EventStatusChanged,
		EventStatsUpdate, EventQueuePosition:
		return false
	}
	return true
}

// Subscriber receives envelopes published to subscribed topics. Deliver must
// not block; connections buffer into a bounded outbox.
type Subscriber interface {
	Deliver(env *Envelope)
}

// Broker fans envelopes out to subscribers by topic.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[string]Subscriber

	logger *slog.Logger
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		topics: make(map[string]map[string]Subscriber),
		logger: slog.Default().With("component", "broker"),
	}
}

// Subscribe registers sub under id on the given topic. Re-subscribing the
// same id replaces the previous subscriber.
func (b *Broker) Subscribe(topic, id string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]Subscriber)
		b.topics[topic] = subs
	}
	subs[id] = sub
}

// Unsubscribe removes id from a topic. Empty topics are pruned.
func (b *Broker) Unsubscribe(topic, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.topics[topic]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}

// UnsubscribeAll removes id from every topic. Used when a connection closes.
func (b *Broker) UnsubscribeAll(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.topics {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
}

// Publish delivers the envelope to every subscriber of the topic. Delivery
// order across subscribers is unspecified.
func (b *Broker) Publish(topic string, env *Envelope) {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.topics[topic]))
	for _, sub := range b.topics[topic] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.Deliver(env)
	}

	if len(subs) > 0 {
		b.logger.Debug("published", "topic", topic, "event", env.Event, "subscribers", len(subs))
	}
}

// Subscribers returns how many subscribers a topic currently has.
func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
