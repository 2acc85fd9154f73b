// ABOUTME: WebSocket hub managing customer, agent, and admin connections
// ABOUTME: Handles upgrade, authentication, topic subscriptions, and session binding

package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/deskhop/deskhop/internal/auth"
	"github.com/deskhop/deskhop/internal/broker"
	"github.com/deskhop/deskhop/internal/session"
)

// Connection roles
const (
	roleCustomer = "customer"
	roleCS       = "cs"
	roleAdmin    = "admin"
)

// clientFrame is the shape of every message a client sends.
type clientFrame struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"request_id"`
}

// Hub owns all live WebSocket connections. It tracks agents' connections so
// session assignment can bind their event streams, which makes it the
// session service's Binder.
type Hub struct {
	svc      *session.Service
	broker   *broker.Broker
	verifier auth.TokenVerifier

	upgrader websocket.Upgrader

	mu         sync.RWMutex
	agentConns map[string]map[string]*Conn // agent id -> conn id -> conn

	logger *slog.Logger
}

// NewHub creates the hub. Wire it into the session service with SetBinder.
func NewHub(svc *session.Service, br *broker.Broker, verifier auth.TokenVerifier) *Hub {
	return &Hub{
		svc:      svc,
		broker:   br,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The widget embeds on arbitrary customer sites
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		agentConns: make(map[string]map[string]*Conn),
		logger:     slog.Default().With("component", "ws"),
	}
}

// BindAgent subscribes all of an agent's live connections to a session's
// event stream. Implements session.Binder.
func (h *Hub) BindAgent(agentID, sessionID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conn := range h.agentConns[agentID] {
		h.broker.Subscribe(broker.SessionTopic(sessionID), conn.id, conn)
	}
}

// UnbindAgent removes an agent's connections from a session's event stream.
func (h *Hub) UnbindAgent(agentID, sessionID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conn := range h.agentConns[agentID] {
		h.broker.Unsubscribe(broker.SessionTopic(sessionID), conn.id)
	}
}

// registerAgentConn tracks an agent connection. Returns true if this is the
// agent's first live connection.
func (h *Hub) registerAgentConn(agentID string, conn *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.agentConns[agentID]
	if !ok {
		conns = make(map[string]*Conn)
		h.agentConns[agentID] = conns
	}
	conns[conn.id] = conn
	return len(conns) == 1
}

// dropAgentConn untracks an agent connection. Returns true if it was the
// agent's last live connection.
func (h *Hub) dropAgentConn(agentID string, conn *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.agentConns[agentID]
	if !ok {
		return false
	}
	delete(conns, conn.id)
	if len(conns) == 0 {
		delete(h.agentConns, agentID)
		return true
	}
	return false
}

// upgrade performs the HTTP->WebSocket upgrade.
func (h *Hub) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", "error", err)
		return nil, false
	}
	return ws, true
}

// rejectWS sends an application close code on a socket that failed auth.
func rejectWS(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	ws.Close()
}

// readLoop pumps inbound frames to the handler until the socket closes.
// The pong handler refreshes the read deadline; a peer that stops answering
// pings times out.
func (h *Hub) readLoop(conn *Conn, handle func(clientFrame)) {
	conn.ws.SetReadLimit(maxMessageSize)
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("read loop ended", "conn_id", conn.id, "error", err)
			}
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))

		// A malformed frame is the client's problem, not grounds to kill
		// the connection
		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.logger.Warn("malformed frame dropped", "conn_id", conn.id, "error", err)
			continue
		}

		if frame.Event == "ping" {
			env := broker.NewEnvelope(broker.EventPong, nil)
			env.RequestID = frame.RequestID
			conn.Send(env)
			continue
		}
		handle(frame)
	}
}

// newConnID returns a unique broker subscriber id for a connection.
func newConnID() string {
	return uuid.NewString()
}
