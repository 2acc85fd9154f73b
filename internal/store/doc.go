// Package store provides persistence for chat sessions, messages, agent
// presence, and the activity log.
//
// # Session Lifecycle
//
// Sessions move through four states: waiting, active, resolved, abandoned.
// The transition methods are transactional: claiming a session, adjusting the
// affected agents' chat counters, and appending the lifecycle system message
// all commit or roll back together. Two agents racing for the same waiting
// session are serialized by a guarded UPDATE; exactly one wins, the other
// receives ErrAlreadyAssigned.
//
// # Capacity Accounting
//
// agent_presence.current_chats is incremented only by a reservation that
// checks state='online' and current_chats < max_chats in the same statement,
// so the counter can never exceed max_chats even under concurrent claims.
//
// # Timestamps
//
// All timestamps are stored as RFC 3339 text with nanosecond precision.
// Messages are totally ordered within a session by (created_at, id).
package store
