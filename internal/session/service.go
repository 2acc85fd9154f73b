// ABOUTME: Session service implementing the chat lifecycle operations
// ABOUTME: Coordinates the store, presence registry, and broker for every transition

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deskhop/deskhop/internal/auth"
	"github.com/deskhop/deskhop/internal/broker"
	"github.com/deskhop/deskhop/internal/presence"
	"github.com/deskhop/deskhop/internal/store"
)

// Binder attaches an agent's live connections to a session's event stream.
// Implemented by the WebSocket hub; nil-safe so the service can be tested
// without a transport.
type Binder interface {
	BindAgent(agentID, sessionID string)
	UnbindAgent(agentID, sessionID string)
}

// EndReason distinguishes why a session was abandoned.
type EndReason string

const (
	ReasonCustomerLeft EndReason = "customer_left"
	ReasonIdle         EndReason = "idle"
)

const welcomeText = "Welcome! An agent will be with you shortly."

// maxMessageRunes bounds stored message content.
const maxMessageRunes = 2000

// Service implements the chat session lifecycle. Every transition persists
// through the store first, then mirrors presence counters and publishes
// events; a failed transaction publishes nothing.
type Service struct {
	store    store.Store
	presence *presence.Registry
	broker   *broker.Broker

	binder Binder
	wake   func()

	logger *slog.Logger
}

// NewService creates a session service.
func NewService(st store.Store, reg *presence.Registry, br *broker.Broker) *Service {
	return &Service{
		store:    st,
		presence: reg,
		broker:   br,
		logger:   slog.Default().With("component", "session"),
	}
}

// SetBinder wires the connection binder. Called once during startup.
func (s *Service) SetBinder(b Binder) { s.binder = b }

// SetWake wires the dispatcher wake callback. Called once during startup.
func (s *Service) SetWake(f func()) { s.wake = f }

func (s *Service) wakeDispatcher() {
	if s.wake != nil {
		s.wake()
	}
}

func (s *Service) bindAgent(agentID, sessionID string) {
	if s.binder != nil {
		s.binder.BindAgent(agentID, sessionID)
	}
}

func (s *Service) unbindAgent(agentID, sessionID string) {
	if s.binder != nil {
		s.binder.UnbindAgent(agentID, sessionID)
	}
}

// logActivity records an audit entry. Audit failures are logged, not fatal:
// the transition itself has already committed.
func (s *Service) logActivity(ctx context.Context, sessionID, agentID, action, detail string) {
	err := s.store.LogActivity(ctx, &store.ActivityEntry{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		AgentID:   agentID,
		Action:    action,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("activity log write failed", "action", action, "error", err)
	}
}

// agentName resolves an agent's display name, falling back to the id.
func (s *Service) agentName(ctx context.Context, agentID string) string {
	user, err := s.store.GetUser(ctx, agentID)
	if err != nil {
		return agentID
	}
	return user.Name
}

func systemMessage(sessionID, content string) *store.Message {
	return &store.Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		SenderType: store.SenderSystem,
		Content:    content,
		Kind:       store.KindSystem,
		CreatedAt:  time.Now().UTC(),
	}
}

// StartRequest carries the customer-provided fields for a new session.
type StartRequest struct {
	CustomerName  string
	CustomerEmail string
	SourceURL     string
}

// Start creates a new waiting session with a welcome message and an opaque
// resume token, then wakes the dispatcher. The returned session carries the
// token; it is the only place the token is ever handed out.
func (s *Service) Start(ctx context.Context, req StartRequest) (*store.ChatSession, error) {
	token, err := auth.NewCustomerToken()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &store.ChatSession{
		ID:            uuid.NewString(),
		CustomerName:  strings.TrimSpace(req.CustomerName),
		CustomerEmail: strings.TrimSpace(req.CustomerEmail),
		CustomerToken: token,
		SourceURL:     req.SourceURL,
		Status:        store.StatusWaiting,
		CreatedAt:     now,
		LastMessageAt: now,
	}

	welcome := systemMessage(sess.ID, welcomeText)
	welcome.CreatedAt = now

	if err := s.store.CreateSession(ctx, sess, welcome); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	s.logActivity(ctx, sess.ID, "", store.ActivitySessionCreated, req.SourceURL)
	s.logger.Info("session started", "session_id", sess.ID)

	s.broker.Publish(broker.TopicQueue,
		broker.NewEnvelope(broker.EventQueueNewChat, map[string]any{
			"session": NewSessionView(sess),
		}))
	s.PublishQueueUpdate(ctx)
	s.wakeDispatcher()
	return sess, nil
}

// Restore looks a session up by its customer token and returns it with the
// full transcript. Terminal sessions are returned as-is so a reconnecting
// customer sees how the chat ended.
func (s *Service) Restore(ctx context.Context, token string) (*store.ChatSession, []*store.Message, error) {
	sess, err := s.store.GetSessionByToken(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.store.GetSessionMessages(ctx, sess.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading transcript: %w", err)
	}
	return sess, msgs, nil
}

// Transcript returns a session's messages in order.
func (s *Service) Transcript(ctx context.Context, sessionID string) ([]*store.Message, error) {
	if _, err := s.store.GetSessionByID(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.GetSessionMessages(ctx, sessionID)
}

// SendCustomerMessage appends a customer message and fans it out to the
// session topic. Customers may write while waiting or active.
func (s *Service) SendCustomerMessage(ctx context.Context, sessionID, content, kind, fileRef string) (*store.Message, error) {
	return s.appendMessage(ctx, sessionID, store.SenderCustomer, "", content, kind, fileRef)
}

// SendAgentMessage appends an agent message. The agent must own the session.
func (s *Service) SendAgentMessage(ctx context.Context, agentID, sessionID, content, kind, fileRef string) (*store.Message, error) {
	sess, err := s.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != store.StatusActive || sess.AssignedAgent != agentID {
		return nil, store.ErrNotAssigned
	}
	return s.appendMessage(ctx, sessionID, store.SenderAgent, agentID, content, kind, fileRef)
}

func (s *Service) appendMessage(ctx context.Context, sessionID string, sender store.SenderType, senderID, content, kind, fileRef string) (*store.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	if runes := []rune(content); len(runes) > maxMessageRunes {
		content = string(runes[:maxMessageRunes])
	}
	if kind == "" {
		kind = store.KindText
	}

	msg := &store.Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		SenderType: sender,
		SenderID:   senderID,
		Content:    content,
		Kind:       kind,
		FileRef:    fileRef,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}

	s.broker.Publish(broker.SessionTopic(sessionID),
		broker.NewEnvelope(broker.EventChatMessage, NewMessageView(msg)))
	return msg, nil
}

// Typing fans a typing indicator out to the session topic. Nothing persists;
// the event is droppable under backpressure. Customer and agent indicators
// are distinct events so each side only renders the other's.
func (s *Service) Typing(sessionID string, sender store.SenderType, senderID string, isTyping bool) {
	event := broker.EventCustomerTyping
	data := map[string]any{
		"sessionId": sessionID,
		"isTyping":  isTyping,
	}
	if sender == store.SenderAgent {
		event = broker.EventCSTyping
		data["csId"] = senderID
	}
	s.broker.Publish(broker.SessionTopic(sessionID), broker.NewEnvelope(event, data))
}

// Accept claims a waiting session for an agent. The claim, the agent's
// capacity reservation, and the join system message commit atomically; the
// loser of a race gets ErrAlreadyAssigned and no side effects.
func (s *Service) Accept(ctx context.Context, sessionID, agentID string) (*store.ChatSession, error) {
	name := s.agentName(ctx, agentID)
	sysMsg := systemMessage(sessionID, fmt.Sprintf("%s joined the chat", name))

	sess, err := s.store.AssignSession(ctx, sessionID, agentID, sysMsg)
	if err != nil {
		return nil, err
	}

	s.presence.Adjust(agentID, +1)
	s.bindAgent(agentID, sessionID)

	view := NewSessionView(sess)
	s.broker.Publish(broker.SessionTopic(sessionID),
		broker.NewEnvelope(broker.EventChatAssigned, map[string]any{
			"sessionId": sessionID,
			"cs":        map[string]string{"id": agentID, "name": name},
			"session":   view,
		}))
	s.broker.Publish(broker.AgentTopic(agentID),
		broker.NewEnvelope(broker.EventChatNewAssigned, map[string]any{
			"sessionId": sessionID,
			"session":   view,
		}))

	s.logActivity(ctx, sessionID, agentID, store.ActivitySessionAssigned, "")
	s.logger.Info("session assigned", "session_id", sessionID, "agent_id", agentID)

	s.PublishQueueUpdate(ctx)
	return sess, nil
}

// Transfer moves an active session between agents. Capacity errors on the
// target are reported as target-side codes so the initiating agent can tell
// them apart from its own.
func (s *Service) Transfer(ctx context.Context, sessionID, fromAgentID, toAgentID string) (*store.ChatSession, error) {
	toName := s.agentName(ctx, toAgentID)
	sysMsg := systemMessage(sessionID, fmt.Sprintf("Chat transferred to %s", toName))

	sess, err := s.store.TransferSession(ctx, sessionID, fromAgentID, toAgentID, sysMsg)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrAtCapacity):
			return nil, ErrTargetAtCapacity
		case errors.Is(err, store.ErrNotOnline):
			return nil, ErrTargetNotOnline
		}
		return nil, err
	}

	s.presence.Adjust(fromAgentID, -1)
	s.presence.Adjust(toAgentID, +1)
	s.unbindAgent(fromAgentID, sessionID)
	s.bindAgent(toAgentID, sessionID)

	s.broker.Publish(broker.SessionTopic(sessionID),
		broker.NewEnvelope(broker.EventChatTransferred, map[string]any{
			"sessionId": sessionID,
			"newCs":     map[string]string{"id": toAgentID, "name": toName},
		}))
	s.broker.Publish(broker.AgentTopic(fromAgentID),
		broker.NewEnvelope(broker.EventChatTransferredOut, map[string]any{
			"sessionId": sessionID,
			"toCsId":    toAgentID,
		}))
	s.broker.Publish(broker.AgentTopic(toAgentID),
		broker.NewEnvelope(broker.EventChatTransferredIn, map[string]any{
			"sessionId": sessionID,
			"session":   NewSessionView(sess),
		}))

	s.logActivity(ctx, sessionID, fromAgentID, store.ActivitySessionTransferred,
		fmt.Sprintf("to %s", toAgentID))
	s.logger.Info("session transferred",
		"session_id", sessionID, "from", fromAgentID, "to", toAgentID)

	// Capacity freed on the source
	s.wakeDispatcher()
	return sess, nil
}

// Resolve closes an active session owned by the agent and frees its capacity.
func (s *Service) Resolve(ctx context.Context, sessionID, agentID string) (*store.ChatSession, error) {
	name := s.agentName(ctx, agentID)
	sysMsg := systemMessage(sessionID, fmt.Sprintf("%s resolved the chat", name))

	sess, err := s.store.ResolveSession(ctx, sessionID, agentID, sysMsg)
	if err != nil {
		return nil, err
	}

	s.presence.Adjust(agentID, -1)
	s.unbindAgent(agentID, sessionID)

	s.broker.Publish(broker.SessionTopic(sessionID),
		broker.NewEnvelope(broker.EventChatEnded, map[string]any{
			"sessionId": sessionID,
			"reason":    "resolved",
		}))
	s.broker.Publish(broker.AgentTopic(agentID),
		broker.NewEnvelope(broker.EventChatResolved, map[string]any{
			"sessionId": sessionID,
			"session":   NewSessionView(sess),
		}))

	s.logActivity(ctx, sessionID, agentID, store.ActivitySessionResolved, "")
	s.logger.Info("session resolved", "session_id", sessionID, "agent_id", agentID)

	s.wakeDispatcher()
	return sess, nil
}

// End abandons a session on behalf of the customer or the idle reaper.
// Waiting sessions leave the queue; active sessions free the agent.
func (s *Service) End(ctx context.Context, sessionID string, reason EndReason) (*store.ChatSession, error) {
	text := "The customer left the chat"
	if reason == ReasonIdle {
		text = "Chat closed due to inactivity"
	}

	// The transaction reports which agent it released, so the capacity
	// mirror follows the committed state rather than a pre-read.
	sess, released, err := s.store.AbandonSession(ctx, sessionID, systemMessage(sessionID, text))
	if err != nil {
		return nil, err
	}

	s.broker.Publish(broker.SessionTopic(sessionID),
		broker.NewEnvelope(broker.EventChatEnded, map[string]any{
			"sessionId": sessionID,
			"reason":    string(reason),
		}))

	if released != "" {
		s.presence.Adjust(released, -1)
		s.unbindAgent(released, sessionID)

		event := broker.EventChatEnded
		if reason == ReasonCustomerLeft {
			event = broker.EventCustomerLeft
		}
		s.broker.Publish(broker.AgentTopic(released),
			broker.NewEnvelope(event, map[string]any{
				"sessionId": sessionID,
				"reason":    string(reason),
			}))
	}

	s.logActivity(ctx, sessionID, released, store.ActivitySessionAbandoned, string(reason))
	s.logger.Info("session ended", "session_id", sessionID, "reason", string(reason))

	if released == "" {
		// The session was still waiting; its slot in the queue is gone
		s.PublishQueueUpdate(ctx)
	}
	s.wakeDispatcher()
	return sess, nil
}

// Rate records a customer rating against a resolved session, looked up by
// the customer token.
func (s *Service) Rate(ctx context.Context, token string, rating int, feedback string) error {
	if rating < 1 || rating > 5 {
		return ErrInvalidRating
	}

	sess, err := s.store.GetSessionByToken(ctx, token)
	if err != nil {
		return err
	}
	if err := s.store.SetRating(ctx, sess.ID, rating, feedback); err != nil {
		return err
	}

	s.logActivity(ctx, sess.ID, sess.AssignedAgent, store.ActivityRatingSubmitted,
		fmt.Sprintf("rating=%d", rating))
	return nil
}

// AgentConnected marks the agent online and returns its active sessions so
// the transport can rebind their event streams.
func (s *Service) AgentConnected(ctx context.Context, agentID string) ([]*store.ChatSession, error) {
	if _, err := s.presence.AgentConnected(ctx, agentID); err != nil {
		return nil, err
	}

	active, err := s.store.GetActiveSessionsForAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	s.publishAgentStatus(agentID, store.AgentOnline)
	s.logActivity(ctx, "", agentID, store.ActivityAgentStatus, "online")
	s.wakeDispatcher()
	return active, nil
}

// AgentDisconnected marks the agent offline. Its sessions stay assigned.
func (s *Service) AgentDisconnected(ctx context.Context, agentID string) error {
	if err := s.presence.AgentDisconnected(ctx, agentID); err != nil {
		return err
	}
	s.publishAgentStatus(agentID, store.AgentOffline)
	s.logActivity(ctx, "", agentID, store.ActivityAgentStatus, "offline")
	return nil
}

// SetAgentStatus toggles an agent between online and busy. Going online can
// unblock the dispatcher.
func (s *Service) SetAgentStatus(ctx context.Context, agentID string, state store.AgentState) error {
	if err := s.presence.SetState(ctx, agentID, state); err != nil {
		return err
	}
	s.publishAgentStatus(agentID, state)
	s.logActivity(ctx, "", agentID, store.ActivityAgentStatus, string(state))
	if state == store.AgentOnline {
		s.wakeDispatcher()
	}
	return nil
}

func (s *Service) publishAgentStatus(agentID string, state store.AgentState) {
	env := broker.NewEnvelope(broker.EventStatusChanged, map[string]string{
		"csId":   agentID,
		"status": string(state),
	})
	s.broker.Publish(broker.TopicQueue, env)
	s.broker.Publish(broker.TopicAdminStats, env)
}

// Queue returns the waiting sessions with 1-based positions in FIFO order.
func (s *Service) Queue(ctx context.Context) ([]*QueueEntry, error) {
	waiting, err := s.store.GetWaitingSessionsOrdered(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]*QueueEntry, 0, len(waiting))
	for i, sess := range waiting {
		entries = append(entries, &QueueEntry{
			Session:  NewSessionView(sess),
			Position: i + 1,
		})
	}
	return entries, nil
}

// PublishQueueUpdate pushes the current queue to agent dashboards and each
// waiting customer's own position to its session topic.
func (s *Service) PublishQueueUpdate(ctx context.Context) {
	entries, err := s.Queue(ctx)
	if err != nil {
		s.logger.Warn("queue update failed", "error", err)
		return
	}

	s.broker.Publish(broker.TopicQueue,
		broker.NewEnvelope(broker.EventQueueUpdate, map[string]any{
			"queue": entries,
			"count": len(entries),
		}))

	for _, entry := range entries {
		s.broker.Publish(broker.SessionTopic(entry.Session.ID),
			broker.NewEnvelope(broker.EventQueuePosition, map[string]any{
				"sessionId": entry.Session.ID,
				"position":  entry.Position,
			}))
	}
}

// QueuePosition returns the 1-based position of a waiting session, or 0 when
// the session is not in the queue.
func (s *Service) QueuePosition(ctx context.Context, sessionID string) int {
	entries, err := s.Queue(ctx)
	if err != nil {
		return 0
	}
	for _, entry := range entries {
		if entry.Session.ID == sessionID {
			return entry.Position
		}
	}
	return 0
}

// Stats builds the admin dashboard snapshot from the presence registry and
// the waiting queue.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	waiting, err := s.store.GetWaitingSessionsOrdered(ctx)
	if err != nil {
		return nil, err
	}

	online, busy := s.presence.OnlineAgents()
	snapshot := s.presence.Snapshot()

	active := 0
	agents := make([]*AgentView, 0, len(snapshot))
	for _, p := range snapshot {
		active += p.CurrentChats
		agents = append(agents, NewAgentView(p))
	}

	return &Stats{
		WaitingSessions: len(waiting),
		ActiveSessions:  active,
		OnlineAgents:    online,
		BusyAgents:      busy,
		Agents:          agents,
	}, nil
}

// PublishStats pushes a stats snapshot to the admin topic.
func (s *Service) PublishStats(ctx context.Context) {
	stats, err := s.Stats(ctx)
	if err != nil {
		s.logger.Warn("stats snapshot failed", "error", err)
		return
	}
	s.broker.Publish(broker.TopicAdminStats,
		broker.NewEnvelope(broker.EventStatsUpdate, stats))
}

// Broadcast fans an operator announcement out to every connected client.
func (s *Service) Broadcast(message string) {
	s.broker.Publish(broker.TopicBroadcast,
		broker.NewEnvelope(broker.EventBroadcast, map[string]string{
			"message": message,
		}))
}

// ReapIdle abandons open sessions whose last message predates the cutoff.
// Returns how many sessions were closed.
func (s *Service) ReapIdle(ctx context.Context, cutoff time.Time) (int, error) {
	idle, err := s.store.GetIdleSessions(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, sess := range idle {
		if _, err := s.End(ctx, sess.ID, ReasonIdle); err != nil {
			// A racing transition is fine; the session is no longer idle
			s.logger.Debug("idle reap skipped", "session_id", sess.ID, "error", err)
			continue
		}
		closed++
	}
	if closed > 0 {
		s.logger.Info("idle sessions reaped", "count", closed)
	}
	return closed, nil
}
