// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers session lifecycle transitions, capacity accounting, and message ordering

package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newWaitingSession(t *testing.T, s *SQLiteStore) *ChatSession {
	t.Helper()
	now := time.Now().UTC()
	sess := &ChatSession{
		ID:            uuid.NewString(),
		CustomerName:  "Ada",
		CustomerEmail: "ada@example.com",
		CustomerToken: uuid.NewString(),
		SourceURL:     "https://example.com/pricing",
		Status:        StatusWaiting,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	welcome := &Message{
		ID:         uuid.NewString(),
		SessionID:  sess.ID,
		SenderType: SenderSystem,
		Content:    "Welcome! An agent will be with you shortly.",
		Kind:       KindSystem,
		CreatedAt:  now,
	}
	if err := s.CreateSession(context.Background(), sess, welcome); err != nil {
		t.Fatalf("creating session: %v", err)
	}
	return sess
}

func addOnlineAgent(t *testing.T, s *SQLiteStore, id string, maxChats int) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateUser(ctx, &User{
		ID:        id,
		Name:      "Agent " + id,
		Email:     id + "@example.com",
		Role:      RoleCS,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("creating user: %v", err)
	}
	if err := s.UpsertPresence(ctx, &AgentPresence{
		UserID:       id,
		State:        AgentOnline,
		CurrentChats: 0,
		MaxChats:     maxChats,
		LastActiveAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("upserting presence: %v", err)
	}
}

func sysMsg(sessionID, content string) *Message {
	return &Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		SenderType: SenderSystem,
		Content:    content,
		Kind:       KindSystem,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newWaitingSession(t, s)

	got, err := s.GetSessionByID(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSessionByID: %v", err)
	}
	if got.Status != StatusWaiting {
		t.Errorf("expected waiting, got %s", got.Status)
	}
	if got.CustomerName != "Ada" {
		t.Errorf("customer name mismatch: %q", got.CustomerName)
	}

	byToken, err := s.GetSessionByToken(ctx, sess.CustomerToken)
	if err != nil {
		t.Fatalf("GetSessionByToken: %v", err)
	}
	if byToken.ID != sess.ID {
		t.Errorf("token lookup returned wrong session")
	}

	msgs, err := s.GetSessionMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSessionMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].SenderType != SenderSystem {
		t.Errorf("expected one welcome message, got %d", len(msgs))
	}
}

func TestGetSession_NotFound(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetSessionByID(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetSessionByToken(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAssignSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newWaitingSession(t, s)
	addOnlineAgent(t, s, "agent-1", 5)

	got, err := s.AssignSession(ctx, sess.ID, "agent-1", sysMsg(sess.ID, "Agent joined"))
	if err != nil {
		t.Fatalf("AssignSession: %v", err)
	}
	if got.Status != StatusActive {
		t.Errorf("expected active, got %s", got.Status)
	}
	if got.AssignedAgent != "agent-1" {
		t.Errorf("expected agent-1, got %q", got.AssignedAgent)
	}
	if got.AssignedAt == nil {
		t.Error("assigned_at should be set")
	}

	presences, err := s.ListPresence(ctx)
	if err != nil {
		t.Fatalf("ListPresence: %v", err)
	}
	if len(presences) != 1 || presences[0].CurrentChats != 1 {
		t.Errorf("expected current_chats=1, got %+v", presences)
	}
}

func TestAssignSession_Race(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newWaitingSession(t, s)
	addOnlineAgent(t, s, "agent-1", 5)
	addOnlineAgent(t, s, "agent-2", 5)

	if _, err := s.AssignSession(ctx, sess.ID, "agent-1", nil); err != nil {
		t.Fatalf("first claim failed: %v", err)
	}

	_, err := s.AssignSession(ctx, sess.ID, "agent-2", nil)
	if !errors.Is(err, ErrAlreadyAssigned) {
		t.Errorf("expected ErrAlreadyAssigned, got %v", err)
	}

	// The loser's counter must be untouched
	presences, _ := s.ListPresence(ctx)
	for _, p := range presences {
		if p.UserID == "agent-2" && p.CurrentChats != 0 {
			t.Errorf("losing agent's counter changed: %d", p.CurrentChats)
		}
	}
}

func TestAssignSession_ConcurrentRace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newWaitingSession(t, s)
	addOnlineAgent(t, s, "agent-1", 1)
	addOnlineAgent(t, s, "agent-2", 1)

	// Two agents claim the same waiting session at the same moment.
	// Exactly one transaction commits; the other must see the guarded
	// UPDATE miss and classify as ErrAlreadyAssigned, never a raw
	// driver error.
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, agent := range []string{"agent-1", "agent-2"} {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			_, err := s.AssignSession(ctx, sess.ID, agentID, nil)
			errs <- err
		}(agent)
	}
	wg.Wait()
	close(errs)

	var wins, losses int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyAssigned):
			losses++
		default:
			t.Errorf("loser got unclassified error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Errorf("expected 1 winner and 1 classified loser, got %d/%d", wins, losses)
	}

	// Exactly one counter moved
	total := 0
	presences, _ := s.ListPresence(ctx)
	for _, p := range presences {
		total += p.CurrentChats
	}
	if total != 1 {
		t.Errorf("expected exactly one reserved slot, got %d", total)
	}
}

func TestAssignSession_AtCapacity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addOnlineAgent(t, s, "agent-1", 1)

	first := newWaitingSession(t, s)
	if _, err := s.AssignSession(ctx, first.ID, "agent-1", nil); err != nil {
		t.Fatalf("first assignment: %v", err)
	}

	second := newWaitingSession(t, s)
	_, err := s.AssignSession(ctx, second.ID, "agent-1", nil)
	if !errors.Is(err, ErrAtCapacity) {
		t.Errorf("expected ErrAtCapacity, got %v", err)
	}

	// The failed claim must roll back, leaving the session waiting
	got, _ := s.GetSessionByID(ctx, second.ID)
	if got.Status != StatusWaiting {
		t.Errorf("session should remain waiting after rollback, got %s", got.Status)
	}
	if got.AssignedAgent != "" {
		t.Errorf("session should have no agent after rollback, got %q", got.AssignedAgent)
	}
}

func TestAssignSession_AgentOffline(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addOnlineAgent(t, s, "agent-1", 5)
	if err := s.SetAgentState(ctx, "agent-1", AgentOffline); err != nil {
		t.Fatalf("SetAgentState: %v", err)
	}

	sess := newWaitingSession(t, s)
	_, err := s.AssignSession(ctx, sess.ID, "agent-1", nil)
	if !errors.Is(err, ErrNotOnline) {
		t.Errorf("expected ErrNotOnline, got %v", err)
	}
}

func TestAssignSession_UnknownAgent(t *testing.T) {
	s := newTestStore(t)

	sess := newWaitingSession(t, s)
	_, err := s.AssignSession(context.Background(), sess.ID, "ghost", nil)
	if !errors.Is(err, ErrNotOnline) {
		t.Errorf("expected ErrNotOnline for unknown agent, got %v", err)
	}
}

func TestTransferSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addOnlineAgent(t, s, "agent-1", 5)
	addOnlineAgent(t, s, "agent-2", 5)

	sess := newWaitingSession(t, s)
	if _, err := s.AssignSession(ctx, sess.ID, "agent-1", nil); err != nil {
		t.Fatalf("assign: %v", err)
	}

	got, err := s.TransferSession(ctx, sess.ID, "agent-1", "agent-2", sysMsg(sess.ID, "Transferred"))
	if err != nil {
		t.Fatalf("TransferSession: %v", err)
	}
	if got.AssignedAgent != "agent-2" {
		t.Errorf("expected agent-2, got %q", got.AssignedAgent)
	}
	if got.Status != StatusActive {
		t.Errorf("transfer should keep session active, got %s", got.Status)
	}

	presences, _ := s.ListPresence(ctx)
	counts := map[string]int{}
	for _, p := range presences {
		counts[p.UserID] = p.CurrentChats
	}
	if counts["agent-1"] != 0 || counts["agent-2"] != 1 {
		t.Errorf("counter mismatch after transfer: %v", counts)
	}
}

func TestTransferSession_TargetAtCapacity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addOnlineAgent(t, s, "agent-1", 5)
	addOnlineAgent(t, s, "agent-2", 1)

	other := newWaitingSession(t, s)
	if _, err := s.AssignSession(ctx, other.ID, "agent-2", nil); err != nil {
		t.Fatalf("filling target: %v", err)
	}

	sess := newWaitingSession(t, s)
	if _, err := s.AssignSession(ctx, sess.ID, "agent-1", nil); err != nil {
		t.Fatalf("assign: %v", err)
	}

	_, err := s.TransferSession(ctx, sess.ID, "agent-1", "agent-2", nil)
	if !errors.Is(err, ErrAtCapacity) {
		t.Errorf("expected ErrAtCapacity, got %v", err)
	}

	// Source must retain the chat on failure
	got, _ := s.GetSessionByID(ctx, sess.ID)
	if got.AssignedAgent != "agent-1" {
		t.Errorf("source should retain session, got %q", got.AssignedAgent)
	}
	presences, _ := s.ListPresence(ctx)
	for _, p := range presences {
		if p.UserID == "agent-1" && p.CurrentChats != 1 {
			t.Errorf("source counter changed on failed transfer: %d", p.CurrentChats)
		}
	}
}

func TestTransferSession_NotOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addOnlineAgent(t, s, "agent-1", 5)
	addOnlineAgent(t, s, "agent-2", 5)

	sess := newWaitingSession(t, s)
	if _, err := s.AssignSession(ctx, sess.ID, "agent-1", nil); err != nil {
		t.Fatalf("assign: %v", err)
	}

	_, err := s.TransferSession(ctx, sess.ID, "agent-2", "agent-1", nil)
	if !errors.Is(err, ErrNotAssigned) {
		t.Errorf("expected ErrNotAssigned, got %v", err)
	}
}

func TestResolveSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addOnlineAgent(t, s, "agent-1", 5)
	sess := newWaitingSession(t, s)
	if _, err := s.AssignSession(ctx, sess.ID, "agent-1", nil); err != nil {
		t.Fatalf("assign: %v", err)
	}

	got, err := s.ResolveSession(ctx, sess.ID, "agent-1", sysMsg(sess.ID, "Chat resolved"))
	if err != nil {
		t.Fatalf("ResolveSession: %v", err)
	}
	if got.Status != StatusResolved {
		t.Errorf("expected resolved, got %s", got.Status)
	}
	if got.ResolvedAt == nil {
		t.Error("resolved_at should be set")
	}

	presences, _ := s.ListPresence(ctx)
	if presences[0].CurrentChats != 0 {
		t.Errorf("capacity should be released, got %d", presences[0].CurrentChats)
	}
}

func TestResolveSession_NotOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addOnlineAgent(t, s, "agent-1", 5)
	addOnlineAgent(t, s, "agent-2", 5)
	sess := newWaitingSession(t, s)
	if _, err := s.AssignSession(ctx, sess.ID, "agent-1", nil); err != nil {
		t.Fatalf("assign: %v", err)
	}

	_, err := s.ResolveSession(ctx, sess.ID, "agent-2", nil)
	if !errors.Is(err, ErrNotAssigned) {
		t.Errorf("expected ErrNotAssigned, got %v", err)
	}

	// Failed resolve must not leak a system message
	msgs, _ := s.GetSessionMessages(ctx, sess.ID)
	if len(msgs) != 1 {
		t.Errorf("expected only welcome message, got %d", len(msgs))
	}
}

func TestAbandonSession_Waiting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newWaitingSession(t, s)
	got, released, err := s.AbandonSession(ctx, sess.ID, sysMsg(sess.ID, "Customer left"))
	if err != nil {
		t.Fatalf("AbandonSession: %v", err)
	}
	if got.Status != StatusAbandoned {
		t.Errorf("expected abandoned, got %s", got.Status)
	}
	if released != "" {
		t.Errorf("waiting session released agent %q", released)
	}
}

func TestAbandonSession_ActiveReleasesAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addOnlineAgent(t, s, "agent-1", 5)
	sess := newWaitingSession(t, s)
	if _, err := s.AssignSession(ctx, sess.ID, "agent-1", nil); err != nil {
		t.Fatalf("assign: %v", err)
	}

	_, released, err := s.AbandonSession(ctx, sess.ID, nil)
	if err != nil {
		t.Fatalf("AbandonSession: %v", err)
	}
	if released != "agent-1" {
		t.Errorf("expected released agent-1, got %q", released)
	}

	presences, _ := s.ListPresence(ctx)
	if presences[0].CurrentChats != 0 {
		t.Errorf("capacity should be released, got %d", presences[0].CurrentChats)
	}
}

func TestAbandonSession_AlreadyTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newWaitingSession(t, s)
	if _, _, err := s.AbandonSession(ctx, sess.ID, nil); err != nil {
		t.Fatalf("first abandon: %v", err)
	}

	_, _, err := s.AbandonSession(ctx, sess.ID, nil)
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestAppendMessage_ClosedSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newWaitingSession(t, s)
	if _, _, err := s.AbandonSession(ctx, sess.ID, nil); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	err := s.AppendMessage(ctx, &Message{
		ID:         uuid.NewString(),
		SessionID:  sess.ID,
		SenderType: SenderCustomer,
		Content:    "hello?",
		Kind:       KindText,
		CreatedAt:  time.Now().UTC(),
	})
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
}

func TestAppendMessage_UpdatesLastMessageAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newWaitingSession(t, s)
	later := time.Now().UTC().Add(time.Minute)

	err := s.AppendMessage(ctx, &Message{
		ID:         uuid.NewString(),
		SessionID:  sess.ID,
		SenderType: SenderCustomer,
		Content:    "are you there?",
		Kind:       KindText,
		CreatedAt:  later,
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	got, _ := s.GetSessionByID(ctx, sess.ID)
	if !got.LastMessageAt.Equal(later) {
		t.Errorf("last_message_at not updated: %v vs %v", got.LastMessageAt, later)
	}
}

func TestMessageOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newWaitingSession(t, s)
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		err := s.AppendMessage(ctx, &Message{
			ID:         fmt.Sprintf("msg-%d", i),
			SessionID:  sess.ID,
			SenderType: SenderCustomer,
			Content:    fmt.Sprintf("message %d", i),
			Kind:       KindText,
			CreatedAt:  base.Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	msgs, err := s.GetSessionMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSessionMessages: %v", err)
	}
	// welcome + 5 appended
	if len(msgs) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Errorf("messages out of order at index %d", i)
		}
	}
}

func TestGetWaitingSessionsOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		now := time.Now().UTC().Add(time.Duration(i) * time.Second)
		sess := &ChatSession{
			ID:            fmt.Sprintf("sess-%d", i),
			CustomerToken: uuid.NewString(),
			Status:        StatusWaiting,
			CreatedAt:     now,
			LastMessageAt: now,
		}
		if err := s.CreateSession(ctx, sess, nil); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		ids = append(ids, sess.ID)
	}

	waiting, err := s.GetWaitingSessionsOrdered(ctx)
	if err != nil {
		t.Fatalf("GetWaitingSessionsOrdered: %v", err)
	}
	if len(waiting) != 3 {
		t.Fatalf("expected 3 waiting, got %d", len(waiting))
	}
	for i, sess := range waiting {
		if sess.ID != ids[i] {
			t.Errorf("FIFO order broken at %d: got %s", i, sess.ID)
		}
	}
}

func TestGetIdleSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	stale := &ChatSession{
		ID:            "stale",
		CustomerToken: uuid.NewString(),
		Status:        StatusWaiting,
		CreatedAt:     old,
		LastMessageAt: old,
	}
	if err := s.CreateSession(ctx, stale, nil); err != nil {
		t.Fatalf("create stale: %v", err)
	}
	newWaitingSession(t, s) // fresh

	idle, err := s.GetIdleSessions(ctx, time.Now().UTC().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("GetIdleSessions: %v", err)
	}
	if len(idle) != 1 || idle[0].ID != "stale" {
		t.Errorf("expected only the stale session, got %d", len(idle))
	}
}

func TestGetIdleSessions_ExactBoundary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	last := time.Now().UTC().Add(-30 * time.Minute)
	sess := &ChatSession{
		ID:            "boundary",
		CustomerToken: uuid.NewString(),
		Status:        StatusWaiting,
		CreatedAt:     last,
		LastMessageAt: last,
	}
	if err := s.CreateSession(ctx, sess, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A cutoff exactly at last_message_at counts the session as idle
	idle, err := s.GetIdleSessions(ctx, last)
	if err != nil {
		t.Fatalf("GetIdleSessions: %v", err)
	}
	if len(idle) != 1 {
		t.Fatalf("session at the exact cutoff should be idle, got %d", len(idle))
	}

	// A cutoff just before it does not
	idle, err = s.GetIdleSessions(ctx, last.Add(-time.Millisecond))
	if err != nil {
		t.Fatalf("GetIdleSessions: %v", err)
	}
	if len(idle) != 0 {
		t.Errorf("session newer than the cutoff reaped early")
	}
}

func TestSetRating(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addOnlineAgent(t, s, "agent-1", 5)
	sess := newWaitingSession(t, s)
	if _, err := s.AssignSession(ctx, sess.ID, "agent-1", nil); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// Rating before resolve is rejected
	if err := s.SetRating(ctx, sess.ID, 5, "great"); !errors.Is(err, ErrNotResolved) {
		t.Errorf("expected ErrNotResolved, got %v", err)
	}

	if _, err := s.ResolveSession(ctx, sess.ID, "agent-1", nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := s.SetRating(ctx, sess.ID, 5, "great"); err != nil {
		t.Fatalf("SetRating: %v", err)
	}

	got, _ := s.GetSessionByID(ctx, sess.ID)
	if got.Rating != 5 || got.Feedback != "great" {
		t.Errorf("rating not stored: %d %q", got.Rating, got.Feedback)
	}

	if err := s.SetRating(ctx, "nope", 3, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCountActiveSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	addOnlineAgent(t, s, "agent-1", 5)
	for i := 0; i < 3; i++ {
		sess := newWaitingSession(t, s)
		if _, err := s.AssignSession(ctx, sess.ID, "agent-1", nil); err != nil {
			t.Fatalf("assign %d: %v", i, err)
		}
	}

	count, err := s.CountActiveSessions(ctx, "agent-1")
	if err != nil {
		t.Fatalf("CountActiveSessions: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3, got %d", count)
	}
}

func TestActivityLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		err := s.LogActivity(ctx, &ActivityEntry{
			ID:        fmt.Sprintf("act-%d", i),
			SessionID: "sess-1",
			AgentID:   "agent-1",
			Action:    ActivitySessionAssigned,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("LogActivity %d: %v", i, err)
		}
	}

	entries, err := s.ListActivity(ctx, 2)
	if err != nil {
		t.Fatalf("ListActivity: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID != "act-2" {
		t.Errorf("expected newest first, got %s", entries[0].ID)
	}
}
