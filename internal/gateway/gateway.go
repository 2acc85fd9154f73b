// ABOUTME: Gateway orchestrator wiring the store, presence, broker, dispatcher, and transports
// ABOUTME: Owns startup order, the HTTP server, and graceful shutdown

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/deskhop/deskhop/internal/auth"
	"github.com/deskhop/deskhop/internal/broker"
	"github.com/deskhop/deskhop/internal/config"
	"github.com/deskhop/deskhop/internal/dispatch"
	"github.com/deskhop/deskhop/internal/presence"
	"github.com/deskhop/deskhop/internal/session"
	"github.com/deskhop/deskhop/internal/store"
	"github.com/deskhop/deskhop/internal/ws"
)

const shutdownTimeout = 10 * time.Second

// Gateway is the top-level server. Construction wires every component;
// Run serves until the context is canceled, then shuts down gracefully.
type Gateway struct {
	cfg *config.Config

	store      store.Store
	registry   *presence.Registry
	broker     *broker.Broker
	svc        *session.Service
	hub        *ws.Hub
	dispatcher *dispatch.Dispatcher
	verifier   *auth.JWTVerifier

	httpServer *http.Server

	logger *slog.Logger
}

// New builds a gateway from configuration. The presence registry is
// rehydrated from the store so active sessions survive restarts.
func New(cfg *config.Config) (*Gateway, error) {
	logger := slog.Default().With("component", "gateway")

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	registry := presence.NewRegistry(st, cfg.Chat.MaxChatsPerAgent)
	if err := registry.Rehydrate(context.Background()); err != nil {
		st.Close()
		return nil, fmt.Errorf("rehydrating presence: %w", err)
	}

	br := broker.New()
	svc := session.NewService(st, registry, br)
	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	hub := ws.NewHub(svc, br, verifier)
	svc.SetBinder(hub)

	dispatcher := dispatch.New(svc, registry, dispatch.Config{
		AutoAssign:     cfg.Chat.AutoAssignEnabled(),
		IdleTimeout:    cfg.Chat.IdleTimeout,
		ReaperInterval: cfg.Chat.ReaperInterval,
	})
	svc.SetWake(dispatcher.Wake)

	g := &Gateway{
		cfg:        cfg,
		store:      st,
		registry:   registry,
		broker:     br,
		svc:        svc,
		hub:        hub,
		dispatcher: dispatcher,
		verifier:   verifier,
		logger:     logger,
	}

	g.httpServer = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      g.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
	}

	return g, nil
}

// routes builds the HTTP mux: WebSocket endpoints, the REST API, and health.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoints
	mux.HandleFunc("GET /ws/customer", g.hub.HandleCustomer)
	mux.HandleFunc("GET /ws/cs", g.hub.HandleAgent)
	mux.HandleFunc("GET /ws/admin", g.hub.HandleAdmin)

	// Customer REST
	mux.HandleFunc("POST /api/chat/init", g.handleChatInit)
	mux.HandleFunc("GET /api/chat/session/{token}", g.handleChatSession)
	mux.HandleFunc("POST /api/chat/rating", g.handleChatRating)

	// Staff REST
	mux.HandleFunc("GET /api/agent/chats", g.requireStaff(g.handleAgentChats))
	mux.HandleFunc("GET /api/agent/queue", g.requireStaff(g.handleAgentQueue))
	mux.HandleFunc("GET /api/agent/history/{session_id}", g.requireStaff(g.handleAgentHistory))
	mux.HandleFunc("GET /api/agent/canned", g.requireStaff(g.handleAgentCanned))

	// Admin REST
	mux.HandleFunc("GET /api/admin/stats", g.requireAdmin(g.handleAdminStats))
	mux.HandleFunc("GET /api/admin/activity", g.requireAdmin(g.handleAdminActivity))

	// Health
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	return mux
}

// Run serves HTTP and drives the dispatcher until ctx is canceled.
func (g *Gateway) Run(ctx context.Context) error {
	go g.dispatcher.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("listening", "addr", g.httpServer.Addr)
		if err := g.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	return g.Shutdown()
}

// Shutdown stops the HTTP server, marks agents offline, and closes the store.
func (g *Gateway) Shutdown() error {
	g.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := g.httpServer.Shutdown(ctx); err != nil {
		g.logger.Warn("http shutdown incomplete", "error", err)
	}

	if err := g.registry.Flush(ctx); err != nil {
		g.logger.Warn("presence flush failed", "error", err)
	}

	if err := g.store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}

	g.logger.Info("shutdown complete")
	return nil
}
