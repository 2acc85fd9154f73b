// ABOUTME: Package documentation for the WebSocket transport
// ABOUTME: Describes endpoints, close codes, and the backpressure policy

// Package ws serves the three WebSocket endpoints: /ws/customer,
// /ws/cs, and /ws/admin.
//
// # Authentication
//
// Returning customers present the opaque session token issued when the
// chat started; a tokenless customer connection is accepted latent and
// binds a session on customer:start_chat. Staff present a bearer JWT.
// Failures close the socket after the upgrade so the client can read
// the close code: 4401 unauthenticated, 4403 forbidden, 4408 idle
// timeout, 1011 internal.
//
// # Backpressure
//
// Each connection buffers outbound envelopes in a bounded outbox
// drained by a single write pump. When the outbox is full the oldest
// non-critical envelope (typing, presence, stats, queue positions) is
// shed; if every buffered envelope is critical the connection is
// closed instead, and the client reconnects against the durable
// transcript. Chat messages are never silently dropped.
//
// # Agent fan-in
//
// An agent may hold several connections (multiple tabs). The hub
// tracks them per agent id; session topic subscriptions are rebound
// on accept and transfer, and the agent goes offline only when its
// last connection closes.
package ws
