// ABOUTME: Tests for the dispatcher's auto-assignment and idle reaping
// ABOUTME: Runs the real service against a temp store and drives wakes directly

package dispatch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskhop/deskhop/internal/broker"
	"github.com/deskhop/deskhop/internal/presence"
	"github.com/deskhop/deskhop/internal/session"
	"github.com/deskhop/deskhop/internal/store"
)

type testEnv struct {
	svc *session.Service
	st  *store.SQLiteStore
	reg *presence.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := presence.NewRegistry(st, 5)
	svc := session.NewService(st, reg, broker.New())
	return &testEnv{svc: svc, st: st, reg: reg}
}

func (e *testEnv) addAgent(t *testing.T, id string, maxChats int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.st.CreateUser(ctx, &store.User{
		ID:        id,
		Name:      "Agent " + id,
		Email:     id + "@example.com",
		Role:      store.RoleCS,
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, e.st.UpsertPresence(ctx, &store.AgentPresence{
		UserID:       id,
		State:        store.AgentOffline,
		MaxChats:     maxChats,
		LastActiveAt: time.Now().UTC(),
	}))
	require.NoError(t, e.reg.Rehydrate(ctx))
	_, err := e.svc.AgentConnected(ctx, id)
	require.NoError(t, err)
}

func (e *testEnv) startSession(t *testing.T) *store.ChatSession {
	t.Helper()
	sess, err := e.svc.Start(context.Background(), session.StartRequest{CustomerName: "Ada"})
	require.NoError(t, err)
	return sess
}

func testConfig() Config {
	return Config{
		AutoAssign:     true,
		IdleTimeout:    30 * time.Minute,
		ReaperInterval: time.Hour, // ticker effectively disabled in tests
	}
}

func TestAssignPass_AssignsWaiting(t *testing.T) {
	e := newTestEnv(t)
	e.addAgent(t, "a1", 5)
	sess := e.startSession(t)

	d := New(e.svc, e.reg, testConfig())
	d.assignPass(context.Background())

	got, err := e.st.GetSessionByID(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, got.Status)
	assert.Equal(t, "a1", got.AssignedAgent)
}

func TestAssignPass_FIFOOrder(t *testing.T) {
	e := newTestEnv(t)
	first := e.startSession(t)
	time.Sleep(2 * time.Millisecond)
	second := e.startSession(t)

	// One slot only
	e.addAgent(t, "a1", 1)

	d := New(e.svc, e.reg, testConfig())
	d.assignPass(context.Background())

	gotFirst, _ := e.st.GetSessionByID(context.Background(), first.ID)
	gotSecond, _ := e.st.GetSessionByID(context.Background(), second.ID)
	assert.Equal(t, store.StatusActive, gotFirst.Status, "oldest session assigned first")
	assert.Equal(t, store.StatusWaiting, gotSecond.Status, "newer session keeps waiting")
}

func TestAssignPass_SpreadsLoad(t *testing.T) {
	e := newTestEnv(t)
	e.addAgent(t, "a1", 5)
	e.addAgent(t, "a2", 5)
	for i := 0; i < 4; i++ {
		e.startSession(t)
	}

	d := New(e.svc, e.reg, testConfig())
	d.assignPass(context.Background())

	c1, _ := e.st.CountActiveSessions(context.Background(), "a1")
	c2, _ := e.st.CountActiveSessions(context.Background(), "a2")
	assert.Equal(t, 2, c1)
	assert.Equal(t, 2, c2)
}

func TestAssignPass_NoAgents(t *testing.T) {
	e := newTestEnv(t)
	sess := e.startSession(t)

	d := New(e.svc, e.reg, testConfig())
	d.assignPass(context.Background())

	got, _ := e.st.GetSessionByID(context.Background(), sess.ID)
	assert.Equal(t, store.StatusWaiting, got.Status)
}

func TestAssignPass_Disabled(t *testing.T) {
	e := newTestEnv(t)
	e.addAgent(t, "a1", 5)
	sess := e.startSession(t)

	cfg := testConfig()
	cfg.AutoAssign = false
	d := New(e.svc, e.reg, cfg)
	d.assignPass(context.Background())

	got, _ := e.st.GetSessionByID(context.Background(), sess.ID)
	assert.Equal(t, store.StatusWaiting, got.Status)
}

func TestAssignPass_StopsAtCapacity(t *testing.T) {
	e := newTestEnv(t)
	e.addAgent(t, "a1", 2)
	for i := 0; i < 3; i++ {
		e.startSession(t)
	}

	d := New(e.svc, e.reg, testConfig())
	d.assignPass(context.Background())

	count, _ := e.st.CountActiveSessions(context.Background(), "a1")
	assert.Equal(t, 2, count)

	waiting, _ := e.st.GetWaitingSessionsOrdered(context.Background())
	assert.Len(t, waiting, 1)
}

func TestReapIdle(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-time.Hour)
	stale := &store.ChatSession{
		ID:            "stale",
		CustomerToken: "tok-stale",
		Status:        store.StatusWaiting,
		CreatedAt:     old,
		LastMessageAt: old,
	}
	require.NoError(t, e.st.CreateSession(ctx, stale, nil))

	d := New(e.svc, e.reg, testConfig())
	d.reapIdle(ctx)

	got, _ := e.st.GetSessionByID(ctx, "stale")
	assert.Equal(t, store.StatusAbandoned, got.Status)
}

func TestRun_WakeDrivesAssignment(t *testing.T) {
	e := newTestEnv(t)
	e.addAgent(t, "a1", 5)

	d := New(e.svc, e.reg, testConfig())
	e.svc.SetWake(d.Wake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	sess := e.startSession(t)

	require.Eventually(t, func() bool {
		got, err := e.st.GetSessionByID(context.Background(), sess.ID)
		return err == nil && got.Status == store.StatusActive
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWake_NeverBlocks(t *testing.T) {
	d := New(nil, nil, testConfig())
	for i := 0; i < 100; i++ {
		d.Wake()
	}
}
