// ABOUTME: Dispatcher assigning waiting sessions to available agents
// ABOUTME: Runs the auto-assign loop, the idle session reaper, and periodic stats

package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/deskhop/deskhop/internal/presence"
	"github.com/deskhop/deskhop/internal/session"
	"github.com/deskhop/deskhop/internal/store"
)

// Config controls dispatcher behavior.
type Config struct {
	// AutoAssign enables automatic assignment of waiting sessions. When
	// false, agents claim sessions manually and the dispatcher only reaps.
	AutoAssign bool

	// IdleTimeout is how long a session may go without messages before the
	// reaper abandons it.
	IdleTimeout time.Duration

	// ReaperInterval is how often the reaper and stats publisher run.
	ReaperInterval time.Duration
}

// Dispatcher matches waiting sessions with available agents. It wakes on
// demand (new session, freed capacity, agent online) rather than polling.
type Dispatcher struct {
	svc      *session.Service
	presence *presence.Registry
	cfg      Config

	wake chan struct{}

	logger *slog.Logger
}

// New creates a dispatcher. Call Run to start it and wire Wake into the
// session service.
func New(svc *session.Service, reg *presence.Registry, cfg Config) *Dispatcher {
	return &Dispatcher{
		svc:      svc,
		presence: reg,
		cfg:      cfg,
		wake:     make(chan struct{}, 1),
		logger:   slog.Default().With("component", "dispatch"),
	}
}

// Wake nudges the dispatcher to run an assignment pass. Never blocks; a
// pending wake coalesces with new ones.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run drives the dispatcher until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started",
		"auto_assign", d.cfg.AutoAssign,
		"idle_timeout", d.cfg.IdleTimeout,
		"reaper_interval", d.cfg.ReaperInterval)

	ticker := time.NewTicker(d.cfg.ReaperInterval)
	defer ticker.Stop()

	// Initial pass picks up work persisted before a restart
	d.assignPass(ctx)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return
		case <-d.wake:
			d.assignPass(ctx)
		case <-ticker.C:
			d.reapIdle(ctx)
			d.assignPass(ctx)
			d.svc.PublishStats(ctx)
		}
	}
}

// assignPass drains the waiting queue while agents have capacity. Each
// iteration re-picks the least-loaded agent so chats spread evenly.
func (d *Dispatcher) assignPass(ctx context.Context) {
	if !d.cfg.AutoAssign {
		return
	}

	for {
		entries, err := d.svc.Queue(ctx)
		if err != nil {
			d.logger.Error("queue read failed", "error", err)
			return
		}
		if len(entries) == 0 {
			return
		}

		agentID, ok := d.presence.PickAvailable()
		if !ok {
			return
		}

		sessionID := entries[0].Session.ID
		if _, err := d.svc.Accept(ctx, sessionID, agentID); err != nil {
			switch {
			case errors.Is(err, store.ErrAlreadyAssigned):
				// Someone claimed it first; move on to the next entry
				continue
			case errors.Is(err, store.ErrAtCapacity), errors.Is(err, store.ErrNotOnline):
				// The registry mirror lagged the store; it will catch up on
				// the next wake
				d.logger.Debug("auto-assign skipped",
					"session_id", sessionID, "agent_id", agentID, "error", err)
				return
			default:
				d.logger.Error("auto-assign failed",
					"session_id", sessionID, "agent_id", agentID, "error", err)
				return
			}
		}

		d.logger.Info("auto-assigned", "session_id", sessionID, "agent_id", agentID)
	}
}

// reapIdle abandons sessions with no messages inside the idle window.
func (d *Dispatcher) reapIdle(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-d.cfg.IdleTimeout)
	if _, err := d.svc.ReapIdle(ctx, cutoff); err != nil {
		d.logger.Error("idle reap failed", "error", err)
	}
}
