// ABOUTME: JSON view types shared by the WebSocket events and the REST API
// ABOUTME: Converts store entities into their client-facing shapes

package session

import (
	"time"

	"github.com/deskhop/deskhop/internal/store"
)

// SessionView is the client-facing shape of a chat session.
type SessionView struct {
	ID            string     `json:"id"`
	CustomerName  string     `json:"customerName,omitempty"`
	CustomerEmail string     `json:"customerEmail,omitempty"`
	SourceURL     string     `json:"sourceUrl,omitempty"`
	Status        string     `json:"status"`
	AssignedAgent string     `json:"assignedCs,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	AssignedAt    *time.Time `json:"assignedAt,omitempty"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
	LastMessageAt time.Time  `json:"lastMessageAt"`
	Rating        int        `json:"rating,omitempty"`
	Feedback      string     `json:"feedback,omitempty"`
}

// NewSessionView converts a store session. The customer token never appears
// in a view; it travels only in the chat init response.
func NewSessionView(s *store.ChatSession) *SessionView {
	return &SessionView{
		ID:            s.ID,
		CustomerName:  s.CustomerName,
		CustomerEmail: s.CustomerEmail,
		SourceURL:     s.SourceURL,
		Status:        string(s.Status),
		AssignedAgent: s.AssignedAgent,
		CreatedAt:     s.CreatedAt,
		AssignedAt:    s.AssignedAt,
		ResolvedAt:    s.ResolvedAt,
		LastMessageAt: s.LastMessageAt,
		Rating:        s.Rating,
		Feedback:      s.Feedback,
	}
}

// MessageView is the client-facing shape of a message.
type MessageView struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	SenderType string    `json:"senderType"`
	SenderID   string    `json:"senderId,omitempty"`
	Content    string    `json:"content"`
	Kind       string    `json:"kind"`
	FileRef    string    `json:"fileRef,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// NewMessageView converts a store message.
func NewMessageView(m *store.Message) *MessageView {
	return &MessageView{
		ID:         m.ID,
		SessionID:  m.SessionID,
		SenderType: string(m.SenderType),
		SenderID:   m.SenderID,
		Content:    m.Content,
		Kind:       m.Kind,
		FileRef:    m.FileRef,
		CreatedAt:  m.CreatedAt,
	}
}

// NewMessageViews converts a transcript.
func NewMessageViews(msgs []*store.Message) []*MessageView {
	out := make([]*MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, NewMessageView(m))
	}
	return out
}

// QueueEntry is one waiting session with its 1-based queue position.
type QueueEntry struct {
	Session  *SessionView `json:"session"`
	Position int          `json:"position"`
}

// AgentView is the client-facing shape of an agent's presence.
type AgentView struct {
	AgentID      string `json:"csId"`
	State        string `json:"state"`
	CurrentChats int    `json:"currentChats"`
	MaxChats     int    `json:"maxChats"`
}

// NewAgentView converts a presence entry.
func NewAgentView(p *store.AgentPresence) *AgentView {
	return &AgentView{
		AgentID:      p.UserID,
		State:        string(p.State),
		CurrentChats: p.CurrentChats,
		MaxChats:     p.MaxChats,
	}
}

// Stats is the admin dashboard snapshot.
type Stats struct {
	WaitingSessions int          `json:"waitingSessions"`
	ActiveSessions  int          `json:"activeSessions"`
	OnlineAgents    int          `json:"onlineAgents"`
	BusyAgents      int          `json:"busyAgents"`
	Agents          []*AgentView `json:"agents"`
}
