// Package session implements the chat lifecycle: starting sessions, claiming
// them for agents, message fan-out, transfers, resolution, and ratings.
//
// # Transition Ordering
//
// Every lifecycle transition persists through the store's transactional
// methods first. Only after the transaction commits does the service mirror
// the presence counters, rebind connections, and publish events; a failed
// transition therefore has no observable side effects.
//
// # Events
//
// Transitions publish to the session's topic (both participants), the
// affected agents' topics, and the queue/admin topics as appropriate. Event
// names and topics live in the broker package.
package session
