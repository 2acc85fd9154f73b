// ABOUTME: Tests for the session service lifecycle operations
// ABOUTME: Exercises start, accept, messaging, transfer, resolve, end, and rating

package session

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskhop/deskhop/internal/broker"
	"github.com/deskhop/deskhop/internal/presence"
	"github.com/deskhop/deskhop/internal/store"
)

// recordingSub captures envelopes delivered on a topic
type recordingSub struct {
	mu   sync.Mutex
	envs []*broker.Envelope
}

func (r *recordingSub) Deliver(env *broker.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *recordingSub) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.envs))
	for i, e := range r.envs {
		out[i] = e.Event
	}
	return out
}

type testEnv struct {
	svc *Service
	st  *store.SQLiteStore
	reg *presence.Registry
	br  *broker.Broker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := presence.NewRegistry(st, 5)
	br := broker.New()
	return &testEnv{
		svc: NewService(st, reg, br),
		st:  st,
		reg: reg,
		br:  br,
	}
}

func (e *testEnv) addAgent(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.st.CreateUser(ctx, &store.User{
		ID:        id,
		Name:      "Agent " + id,
		Email:     id + "@example.com",
		Role:      store.RoleCS,
		CreatedAt: time.Now().UTC(),
	}))
	_, err := e.svc.AgentConnected(ctx, id)
	require.NoError(t, err)
}

func (e *testEnv) startSession(t *testing.T) *store.ChatSession {
	t.Helper()
	sess, err := e.svc.Start(context.Background(), StartRequest{
		CustomerName:  "Ada",
		CustomerEmail: "ada@example.com",
		SourceURL:     "https://example.com",
	})
	require.NoError(t, err)
	return sess
}

func TestStart(t *testing.T) {
	e := newTestEnv(t)
	sess := e.startSession(t)

	assert.Equal(t, store.StatusWaiting, sess.Status)
	assert.NotEmpty(t, sess.CustomerToken)

	msgs, err := e.st.GetSessionMessages(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.SenderSystem, msgs[0].SenderType)
}

func TestStart_WakesDispatcher(t *testing.T) {
	e := newTestEnv(t)
	woken := make(chan struct{}, 1)
	e.svc.SetWake(func() {
		select {
		case woken <- struct{}{}:
		default:
		}
	})

	e.startSession(t)

	select {
	case <-woken:
	default:
		t.Fatal("dispatcher not woken")
	}
}

func TestRestore(t *testing.T) {
	e := newTestEnv(t)
	sess := e.startSession(t)

	got, msgs, err := e.svc.Restore(context.Background(), sess.CustomerToken)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Len(t, msgs, 1)

	_, _, err = e.svc.Restore(context.Background(), "bogus")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAccept(t *testing.T) {
	e := newTestEnv(t)
	e.addAgent(t, "a1")
	sess := e.startSession(t)

	sessionSub := &recordingSub{}
	agentSub := &recordingSub{}
	e.br.Subscribe(broker.SessionTopic(sess.ID), "cust", sessionSub)
	e.br.Subscribe(broker.AgentTopic("a1"), "agent", agentSub)

	got, err := e.svc.Accept(context.Background(), sess.ID, "a1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, got.Status)

	assert.Contains(t, sessionSub.events(), broker.EventChatAssigned)
	assert.Contains(t, agentSub.events(), broker.EventChatNewAssigned)

	p, ok := e.reg.Get("a1")
	require.True(t, ok)
	assert.Equal(t, 1, p.CurrentChats)

	// Join system message was appended
	msgs, _ := e.st.GetSessionMessages(context.Background(), sess.ID)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "joined the chat")
}

func TestAccept_Race(t *testing.T) {
	e := newTestEnv(t)
	e.addAgent(t, "a1")
	e.addAgent(t, "a2")
	sess := e.startSession(t)

	_, err := e.svc.Accept(context.Background(), sess.ID, "a1")
	require.NoError(t, err)

	_, err = e.svc.Accept(context.Background(), sess.ID, "a2")
	assert.ErrorIs(t, err, store.ErrAlreadyAssigned)

	// Loser's mirror untouched
	p, _ := e.reg.Get("a2")
	assert.Equal(t, 0, p.CurrentChats)
}

func TestSendMessages(t *testing.T) {
	e := newTestEnv(t)
	e.addAgent(t, "a1")
	sess := e.startSession(t)
	ctx := context.Background()

	sub := &recordingSub{}
	e.br.Subscribe(broker.SessionTopic(sess.ID), "cust", sub)

	// Customer can write while waiting
	_, err := e.svc.SendCustomerMessage(ctx, sess.ID, "hello", "", "")
	require.NoError(t, err)

	// Agent cannot write before claiming
	_, err = e.svc.SendAgentMessage(ctx, "a1", sess.ID, "hi", "", "")
	assert.ErrorIs(t, err, store.ErrNotAssigned)

	_, err = e.svc.Accept(ctx, sess.ID, "a1")
	require.NoError(t, err)

	_, err = e.svc.SendAgentMessage(ctx, "a1", sess.ID, "hi, how can I help?", "", "")
	require.NoError(t, err)

	assert.Contains(t, sub.events(), broker.EventChatMessage)
}

func TestSendMessage_TruncatesLongContent(t *testing.T) {
	e := newTestEnv(t)
	sess := e.startSession(t)

	long := strings.Repeat("héllo", 500) // 2500 runes
	msg, err := e.svc.SendCustomerMessage(context.Background(), sess.ID, long, "", "")
	require.NoError(t, err)
	assert.Len(t, []rune(msg.Content), 2000)

	msgs, _ := e.st.GetSessionMessages(context.Background(), sess.ID)
	stored := msgs[len(msgs)-1]
	assert.Len(t, []rune(stored.Content), 2000)
}

func TestSendMessage_Empty(t *testing.T) {
	e := newTestEnv(t)
	sess := e.startSession(t)

	_, err := e.svc.SendCustomerMessage(context.Background(), sess.ID, "   ", "", "")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSendAgentMessage_NotOwner(t *testing.T) {
	e := newTestEnv(t)
	e.addAgent(t, "a1")
	e.addAgent(t, "a2")
	sess := e.startSession(t)
	ctx := context.Background()

	_, err := e.svc.Accept(ctx, sess.ID, "a1")
	require.NoError(t, err)

	_, err = e.svc.SendAgentMessage(ctx, "a2", sess.ID, "hi", "", "")
	assert.ErrorIs(t, err, store.ErrNotAssigned)
}

func TestTyping_NotPersisted(t *testing.T) {
	e := newTestEnv(t)
	sess := e.startSession(t)

	sub := &recordingSub{}
	e.br.Subscribe(broker.SessionTopic(sess.ID), "cust", sub)

	e.svc.Typing(sess.ID, store.SenderCustomer, "", true)
	e.svc.Typing(sess.ID, store.SenderAgent, "a1", false)

	events := sub.events()
	assert.Contains(t, events, broker.EventCustomerTyping)
	assert.Contains(t, events, broker.EventCSTyping)
	msgs, _ := e.st.GetSessionMessages(context.Background(), sess.ID)
	assert.Len(t, msgs, 1, "typing must not persist a message")
}

func TestTransfer(t *testing.T) {
	e := newTestEnv(t)
	e.addAgent(t, "a1")
	e.addAgent(t, "a2")
	sess := e.startSession(t)
	ctx := context.Background()

	_, err := e.svc.Accept(ctx, sess.ID, "a1")
	require.NoError(t, err)

	got, err := e.svc.Transfer(ctx, sess.ID, "a1", "a2")
	require.NoError(t, err)
	assert.Equal(t, "a2", got.AssignedAgent)

	p1, _ := e.reg.Get("a1")
	p2, _ := e.reg.Get("a2")
	assert.Equal(t, 0, p1.CurrentChats)
	assert.Equal(t, 1, p2.CurrentChats)
}

func TestTransfer_TargetErrors(t *testing.T) {
	e := newTestEnv(t)
	e.addAgent(t, "a1")
	e.addAgent(t, "a2")
	ctx := context.Background()

	// Fill a2 to capacity
	require.NoError(t, e.st.UpsertPresence(ctx, &store.AgentPresence{
		UserID: "a2", State: store.AgentOnline,
		CurrentChats: 0, MaxChats: 1,
		LastActiveAt: time.Now().UTC(),
	}))
	filler := e.startSession(t)
	_, err := e.svc.Accept(ctx, filler.ID, "a2")
	require.NoError(t, err)

	sess := e.startSession(t)
	_, err = e.svc.Accept(ctx, sess.ID, "a1")
	require.NoError(t, err)

	_, err = e.svc.Transfer(ctx, sess.ID, "a1", "a2")
	assert.ErrorIs(t, err, ErrTargetAtCapacity)

	// Offline target
	require.NoError(t, e.svc.AgentDisconnected(ctx, "a2"))
	_, _ = e.svc.Resolve(ctx, filler.ID, "a2") // won't matter; a2 offline now
	_, err = e.svc.Transfer(ctx, sess.ID, "a1", "a2")
	assert.ErrorIs(t, err, ErrTargetNotOnline)
}

func TestResolve(t *testing.T) {
	e := newTestEnv(t)
	e.addAgent(t, "a1")
	sess := e.startSession(t)
	ctx := context.Background()

	_, err := e.svc.Accept(ctx, sess.ID, "a1")
	require.NoError(t, err)

	custSub := &recordingSub{}
	agentSub := &recordingSub{}
	e.br.Subscribe(broker.SessionTopic(sess.ID), "cust", custSub)
	e.br.Subscribe(broker.AgentTopic("a1"), "agent", agentSub)

	got, err := e.svc.Resolve(ctx, sess.ID, "a1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusResolved, got.Status)

	// The customer sees the chat end; the agent sees its resolution
	assert.Contains(t, custSub.events(), broker.EventChatEnded)
	assert.Contains(t, agentSub.events(), broker.EventChatResolved)

	p, _ := e.reg.Get("a1")
	assert.Equal(t, 0, p.CurrentChats)
}

func TestEnd_Waiting(t *testing.T) {
	e := newTestEnv(t)
	sess := e.startSession(t)

	got, err := e.svc.End(context.Background(), sess.ID, ReasonCustomerLeft)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAbandoned, got.Status)
}

func TestEnd_ActiveFreesAgent(t *testing.T) {
	e := newTestEnv(t)
	e.addAgent(t, "a1")
	sess := e.startSession(t)
	ctx := context.Background()

	_, err := e.svc.Accept(ctx, sess.ID, "a1")
	require.NoError(t, err)

	agentSub := &recordingSub{}
	e.br.Subscribe(broker.AgentTopic("a1"), "agent", agentSub)

	_, err = e.svc.End(ctx, sess.ID, ReasonCustomerLeft)
	require.NoError(t, err)

	p, _ := e.reg.Get("a1")
	assert.Equal(t, 0, p.CurrentChats)
	assert.Contains(t, agentSub.events(), broker.EventCustomerLeft)
}

func TestEnd_IdleReason(t *testing.T) {
	e := newTestEnv(t)
	sess := e.startSession(t)

	sub := &recordingSub{}
	e.br.Subscribe(broker.SessionTopic(sess.ID), "cust", sub)

	_, err := e.svc.End(context.Background(), sess.ID, ReasonIdle)
	require.NoError(t, err)

	var ended *broker.Envelope
	sub.mu.Lock()
	for _, env := range sub.envs {
		if env.Event == broker.EventChatEnded {
			ended = env
		}
	}
	sub.mu.Unlock()
	require.NotNil(t, ended)
	data := ended.Data.(map[string]any)
	assert.Equal(t, "idle", data["reason"])
}

func TestRate(t *testing.T) {
	e := newTestEnv(t)
	e.addAgent(t, "a1")
	sess := e.startSession(t)
	ctx := context.Background()

	assert.ErrorIs(t, e.svc.Rate(ctx, sess.CustomerToken, 0, ""), ErrInvalidRating)
	assert.ErrorIs(t, e.svc.Rate(ctx, sess.CustomerToken, 6, ""), ErrInvalidRating)
	assert.ErrorIs(t, e.svc.Rate(ctx, sess.CustomerToken, 4, ""), store.ErrNotResolved)

	_, err := e.svc.Accept(ctx, sess.ID, "a1")
	require.NoError(t, err)
	_, err = e.svc.Resolve(ctx, sess.ID, "a1")
	require.NoError(t, err)

	require.NoError(t, e.svc.Rate(ctx, sess.CustomerToken, 4, "helpful"))

	got, _ := e.st.GetSessionByID(ctx, sess.ID)
	assert.Equal(t, 4, got.Rating)
}

func TestQueue(t *testing.T) {
	e := newTestEnv(t)
	first := e.startSession(t)
	second := e.startSession(t)

	entries, err := e.svc.Queue(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first.ID, entries[0].Session.ID)
	assert.Equal(t, 1, entries[0].Position)
	assert.Equal(t, second.ID, entries[1].Session.ID)
	assert.Equal(t, 2, entries[1].Position)
}

func TestPublishQueueUpdate_PerSessionPositions(t *testing.T) {
	e := newTestEnv(t)
	first := e.startSession(t)
	second := e.startSession(t)

	s1 := &recordingSub{}
	s2 := &recordingSub{}
	e.br.Subscribe(broker.SessionTopic(first.ID), "c1", s1)
	e.br.Subscribe(broker.SessionTopic(second.ID), "c2", s2)

	e.svc.PublishQueueUpdate(context.Background())

	assert.Contains(t, s1.events(), broker.EventQueuePosition)
	assert.Contains(t, s2.events(), broker.EventQueuePosition)
}

func TestStats(t *testing.T) {
	e := newTestEnv(t)
	e.addAgent(t, "a1")
	e.addAgent(t, "a2")
	ctx := context.Background()

	sess := e.startSession(t)
	e.startSession(t) // still waiting
	_, err := e.svc.Accept(ctx, sess.ID, "a1")
	require.NoError(t, err)
	require.NoError(t, e.svc.SetAgentStatus(ctx, "a2", store.AgentBusy))

	stats, err := e.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.WaitingSessions)
	assert.Equal(t, 1, stats.ActiveSessions)
	assert.Equal(t, 1, stats.OnlineAgents)
	assert.Equal(t, 1, stats.BusyAgents)
	assert.Len(t, stats.Agents, 2)
}

func TestReapIdle(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	// Backdate a session past the cutoff
	old := time.Now().UTC().Add(-time.Hour)
	stale := &store.ChatSession{
		ID:            "stale",
		CustomerToken: "tok-stale",
		Status:        store.StatusWaiting,
		CreatedAt:     old,
		LastMessageAt: old,
	}
	require.NoError(t, e.st.CreateSession(ctx, stale, nil))
	e.startSession(t) // fresh, untouched

	closed, err := e.svc.ReapIdle(ctx, time.Now().UTC().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	got, _ := e.st.GetSessionByID(ctx, "stale")
	assert.Equal(t, store.StatusAbandoned, got.Status)
}

func TestErrorCode(t *testing.T) {
	cases := map[string]struct {
		err  error
		code string
	}{
		"not found":      {store.ErrNotFound, CodeSessionNotFound},
		"closed":         {store.ErrSessionClosed, CodeInvalidSession},
		"already":        {store.ErrAlreadyAssigned, CodeAlreadyAssigned},
		"capacity":       {store.ErrAtCapacity, CodeAtCapacity},
		"offline":        {store.ErrNotOnline, CodeNotOnline},
		"not assigned":   {store.ErrNotAssigned, CodeNotAssigned},
		"not resolved":   {store.ErrNotResolved, CodeRatingFailed},
		"empty":          {ErrEmptyMessage, CodeEmptyMessage},
		"bad rating":     {ErrInvalidRating, CodeInvalidRating},
		"target full":    {ErrTargetAtCapacity, CodeTargetAtCapacity},
		"target offline": {ErrTargetNotOnline, CodeTargetNotOnline},
		"unknown":        {assert.AnError, CodeServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.code, ErrorCode(tc.err))
		})
	}
}
