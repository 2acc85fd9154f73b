// ABOUTME: In-memory registry of agent presence mirrored to the store
// ABOUTME: Tracks online state and chat load, picks the least-loaded available agent

package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/deskhop/deskhop/internal/store"
)

// ErrUnknownAgent is returned when acting on an agent with no presence entry
var ErrUnknownAgent = errors.New("unknown agent")

// Registry caches agent presence in memory for fast availability checks.
// The store remains authoritative for capacity: transition transactions adjust
// current_chats there, and callers mirror the result here with Adjust. State
// changes (online/busy/offline) are written through to the store.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*store.AgentPresence

	store           store.Store
	defaultMaxChats int
	logger          *slog.Logger
}

// NewRegistry creates a presence registry backed by the given store.
func NewRegistry(st store.Store, defaultMaxChats int) *Registry {
	return &Registry{
		agents:          make(map[string]*store.AgentPresence),
		store:           st,
		defaultMaxChats: defaultMaxChats,
		logger:          slog.Default().With("component", "presence"),
	}
}

// Rehydrate loads presence rows from the store at startup. All agents are
// marked offline (their connections did not survive the restart) and chat
// counters are resynced against the actual active session set.
func (r *Registry) Rehydrate(ctx context.Context) error {
	rows, err := r.store.ListPresence(ctx)
	if err != nil {
		return fmt.Errorf("loading presence: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range rows {
		count, err := r.store.CountActiveSessions(ctx, p.UserID)
		if err != nil {
			return fmt.Errorf("counting active sessions for %s: %w", p.UserID, err)
		}
		p.State = store.AgentOffline
		p.CurrentChats = count
		if err := r.store.UpsertPresence(ctx, p); err != nil {
			return fmt.Errorf("rehydrating %s: %w", p.UserID, err)
		}
		r.agents[p.UserID] = p
	}

	r.logger.Info("presence rehydrated", "agents", len(rows))
	return nil
}

// Flush marks every agent offline in the store. Called during shutdown.
func (r *Registry) Flush(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, p := range r.agents {
		if p.State == store.AgentOffline {
			continue
		}
		p.State = store.AgentOffline
		if err := r.store.SetAgentState(ctx, id, store.AgentOffline); err != nil {
			return fmt.Errorf("flushing %s: %w", id, err)
		}
	}
	return nil
}

// AgentConnected marks an agent online when its WebSocket attaches. A presence
// row is created on first connect, and the chat counter is resynced from the
// session set so a reconnecting agent resumes with an accurate load.
func (r *Registry) AgentConnected(ctx context.Context, userID string) (*store.AgentPresence, error) {
	count, err := r.store.CountActiveSessions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("counting active sessions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.agents[userID]
	if !ok {
		p = &store.AgentPresence{
			UserID:   userID,
			MaxChats: r.defaultMaxChats,
		}
		r.agents[userID] = p
	}
	p.State = store.AgentOnline
	p.CurrentChats = count
	p.LastActiveAt = time.Now().UTC()

	if err := r.store.UpsertPresence(ctx, p); err != nil {
		return nil, fmt.Errorf("persisting presence: %w", err)
	}

	r.logger.Debug("agent online", "agent_id", userID, "current_chats", count)
	snapshot := *p
	return &snapshot, nil
}

// AgentDisconnected marks an agent offline when its last WebSocket drops.
// Assigned sessions stay assigned; the agent resumes them on reconnect.
func (r *Registry) AgentDisconnected(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.agents[userID]
	if !ok {
		return ErrUnknownAgent
	}
	p.State = store.AgentOffline

	if err := r.store.SetAgentState(ctx, userID, store.AgentOffline); err != nil {
		return fmt.Errorf("persisting offline state: %w", err)
	}

	r.logger.Debug("agent offline", "agent_id", userID)
	return nil
}

// SetState changes an agent's availability state. A busy or offline agent
// keeps its active chats but is skipped by the dispatcher.
func (r *Registry) SetState(ctx context.Context, userID string, state store.AgentState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.agents[userID]
	if !ok {
		return ErrUnknownAgent
	}
	p.State = state
	p.LastActiveAt = time.Now().UTC()

	if err := r.store.SetAgentState(ctx, userID, state); err != nil {
		return fmt.Errorf("persisting state: %w", err)
	}
	return nil
}

// Adjust mirrors a chat counter change that already committed in the store.
// delta is +1 for a claim and -1 for a release; the counter never goes
// negative.
func (r *Registry) Adjust(userID string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.agents[userID]
	if !ok {
		return
	}
	p.CurrentChats += delta
	if p.CurrentChats < 0 {
		p.CurrentChats = 0
	}
	p.LastActiveAt = time.Now().UTC()
}

// Get returns a copy of an agent's presence entry.
func (r *Registry) Get(userID string) (*store.AgentPresence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.agents[userID]
	if !ok {
		return nil, false
	}
	snapshot := *p
	return &snapshot, true
}

// Snapshot returns copies of all presence entries sorted by agent id.
func (r *Registry) Snapshot() []*store.AgentPresence {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*store.AgentPresence, 0, len(r.agents))
	for _, p := range r.agents {
		snapshot := *p
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// PickAvailable returns the online agent with free capacity carrying the
// fewest active chats. Ties break to the agent idle longest (earliest
// last_active_at), then by agent id for determinism.
func (r *Registry) PickAvailable() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *store.AgentPresence
	for _, p := range r.agents {
		if !p.Available() {
			continue
		}
		if best == nil {
			best = p
			continue
		}
		if p.CurrentChats < best.CurrentChats {
			best = p
			continue
		}
		if p.CurrentChats == best.CurrentChats {
			if p.LastActiveAt.Before(best.LastActiveAt) ||
				(p.LastActiveAt.Equal(best.LastActiveAt) && p.UserID < best.UserID) {
				best = p
			}
		}
	}
	if best == nil {
		return "", false
	}
	return best.UserID, true
}

// OnlineAgents returns how many agents are online or busy.
func (r *Registry) OnlineAgents() (online, busy int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.agents {
		switch p.State {
		case store.AgentOnline:
			online++
		case store.AgentBusy:
			busy++
		}
	}
	return online, busy
}
