// ABOUTME: Store interface and data types for deskhop persistence
// ABOUTME: Defines ChatSession, Message, AgentPresence structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrAlreadyAssigned is returned when an assignment races with another claim
// or the session is no longer waiting
var ErrAlreadyAssigned = errors.New("session already assigned")

// ErrAtCapacity is returned when reserving an agent would exceed max_chats
var ErrAtCapacity = errors.New("agent at capacity")

// ErrNotOnline is returned when reserving an agent that is not online
var ErrNotOnline = errors.New("agent not online")

// ErrNotAssigned is returned when an agent acts on a session it does not own
// or the session is not active
var ErrNotAssigned = errors.New("agent not assigned to session")

// ErrSessionClosed is returned when appending to a resolved or abandoned session
var ErrSessionClosed = errors.New("session closed")

// ErrNotResolved is returned when rating a session that is not resolved
var ErrNotResolved = errors.New("session not resolved")

// SessionStatus is the lifecycle state of a chat session
type SessionStatus string

const (
	StatusWaiting   SessionStatus = "waiting"
	StatusActive    SessionStatus = "active"
	StatusResolved  SessionStatus = "resolved"
	StatusAbandoned SessionStatus = "abandoned"
)

// Terminal reports whether the status is a terminal state.
func (s SessionStatus) Terminal() bool {
	return s == StatusResolved || s == StatusAbandoned
}

// ChatSession represents a single customer conversation from start to terminal state
type ChatSession struct {
	ID            string
	CustomerName  string
	CustomerEmail string
	CustomerToken string // opaque resume credential, unique per session
	SourceURL     string
	Status        SessionStatus
	AssignedAgent string // empty while waiting
	CreatedAt     time.Time
	AssignedAt    *time.Time
	ResolvedAt    *time.Time
	LastMessageAt time.Time
	Rating        int // 0 = unrated, otherwise 1..5
	Feedback      string
}

// SenderType identifies who authored a message
type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderAgent    SenderType = "agent"
	SenderSystem   SenderType = "system"
)

// MessageKind constants for message kinds
const (
	KindText   = "text"
	KindImage  = "image"
	KindFile   = "file"
	KindSystem = "system"
)

// Message represents a single message within a session.
// Messages are immutable once appended and totally ordered within a session
// by created_at with ties broken by id.
type Message struct {
	ID         string
	SessionID  string
	SenderType SenderType
	SenderID   string // agent user id; empty for customer and system
	Content    string
	Kind       string // "text", "image", "file", "system"
	FileRef    string
	CreatedAt  time.Time
}

// AgentState is the presence state of an agent
type AgentState string

const (
	AgentOnline  AgentState = "online"
	AgentBusy    AgentState = "busy"
	AgentOffline AgentState = "offline"
)

// AgentPresence tracks an agent's availability and chat load.
// Invariant: 0 <= CurrentChats <= MaxChats.
type AgentPresence struct {
	UserID       string
	State        AgentState
	CurrentChats int
	MaxChats     int
	LastActiveAt time.Time
}

// Available reports whether the agent can take another chat.
func (p *AgentPresence) Available() bool {
	return p.State == AgentOnline && p.CurrentChats < p.MaxChats
}

// User represents an authenticated staff member
type User struct {
	ID        string
	Name      string
	Email     string
	Role      string // "cs" or "admin"
	CreatedAt time.Time
}

// Staff roles
const (
	RoleCS    = "cs"
	RoleAdmin = "admin"
)

// CannedResponse is a reusable reply snippet for agents
type CannedResponse struct {
	ID        string
	Title     string
	Content   string
	CreatedAt time.Time
}

// Activity log actions
const (
	ActivitySessionCreated     = "session_created"
	ActivitySessionAssigned    = "session_assigned"
	ActivitySessionTransferred = "session_transferred"
	ActivitySessionResolved    = "session_resolved"
	ActivitySessionAbandoned   = "session_abandoned"
	ActivityAgentStatus        = "agent_status"
	ActivityRatingSubmitted    = "rating_submitted"
)

// ActivityEntry records a lifecycle transition for audit
type ActivityEntry struct {
	ID        string
	SessionID string
	AgentID   string
	Action    string
	Detail    string
	CreatedAt time.Time
}

// Store defines the interface for session, message, and presence persistence.
//
// The transition methods (AssignSession, TransferSession, ResolveSession,
// AbandonSession) each execute as a single transaction that also adjusts the
// affected agents' current_chats counters. A system message passed to a
// transition is appended within the same transaction.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, session *ChatSession, welcome *Message) error
	GetSessionByID(ctx context.Context, id string) (*ChatSession, error)
	GetSessionByToken(ctx context.Context, token string) (*ChatSession, error)
	GetWaitingSessionsOrdered(ctx context.Context) ([]*ChatSession, error)
	GetActiveSessionsForAgent(ctx context.Context, agentID string) ([]*ChatSession, error)
	GetIdleSessions(ctx context.Context, cutoff time.Time) ([]*ChatSession, error)
	SetRating(ctx context.Context, sessionID string, rating int, feedback string) error

	// Transitions (transactional with presence counters). AbandonSession
	// additionally returns the id of the agent whose capacity it released,
	// empty when the session was still waiting.
	AssignSession(ctx context.Context, sessionID, agentID string, sysMsg *Message) (*ChatSession, error)
	TransferSession(ctx context.Context, sessionID, fromAgentID, toAgentID string, sysMsg *Message) (*ChatSession, error)
	ResolveSession(ctx context.Context, sessionID, agentID string, sysMsg *Message) (*ChatSession, error)
	AbandonSession(ctx context.Context, sessionID string, sysMsg *Message) (*ChatSession, string, error)

	// Messages
	AppendMessage(ctx context.Context, msg *Message) error
	GetSessionMessages(ctx context.Context, sessionID string) ([]*Message, error)

	// Presence
	UpsertPresence(ctx context.Context, presence *AgentPresence) error
	SetAgentState(ctx context.Context, userID string, state AgentState) error
	ListPresence(ctx context.Context) ([]*AgentPresence, error)
	CountActiveSessions(ctx context.Context, agentID string) (int, error)

	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)

	// Canned responses
	ListCannedResponses(ctx context.Context) ([]*CannedResponse, error)

	// Activity log
	LogActivity(ctx context.Context, entry *ActivityEntry) error
	ListActivity(ctx context.Context, limit int) ([]*ActivityEntry, error)

	// Close releases any resources held by the store
	Close() error
}
