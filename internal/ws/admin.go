// ABOUTME: Admin WebSocket endpoint: live stats, queue, and broadcast announcements
// ABOUTME: Requires a staff JWT carrying the admin role

package ws

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/deskhop/deskhop/internal/auth"
	"github.com/deskhop/deskhop/internal/broker"
	"github.com/deskhop/deskhop/internal/session"
)

type broadcastData struct {
	Message string `json:"message"`
}

type forceAssignData struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"csId"`
}

// HandleAdmin serves /ws/admin. Non-admin staff tokens close with 4403.
func (h *Hub) HandleAdmin(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.upgrade(w, r)
	if !ok {
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		rejectWS(ws, CloseUnauthorized, "missing token")
		return
	}

	principal, err := h.verifier.Verify(token)
	if err != nil {
		rejectWS(ws, CloseUnauthorized, "invalid token")
		return
	}
	if !requireRole(principal, auth.RoleAdmin) {
		rejectWS(ws, CloseForbidden, "admin role required")
		return
	}

	ctx := r.Context()
	connID := newConnID()
	conn := newConn(connID, roleAdmin, principal.UserID, ws, func(c *Conn) {
		h.broker.UnsubscribeAll(c.id)
	})

	h.broker.Subscribe(broker.TopicAdminStats, connID, conn)
	h.broker.Subscribe(broker.TopicQueue, connID, conn)
	h.broker.Subscribe(broker.TopicBroadcast, connID, conn)

	go conn.writePump()

	stats, _ := h.svc.Stats(ctx)
	queue, _ := h.svc.Queue(ctx)
	conn.Send(broker.NewEnvelope(broker.EventConnected, map[string]any{
		"adminId": principal.UserID,
		"stats":   stats,
		"queue":   queue,
	}))

	h.logger.Info("admin connected", "admin_id", principal.UserID, "conn_id", connID)

	h.readLoop(conn, func(frame clientFrame) {
		frameCtx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		h.handleAdminFrame(frameCtx, conn, frame)
	})

	conn.Close()
	h.logger.Info("admin disconnected", "admin_id", principal.UserID, "conn_id", connID)
}

func (h *Hub) handleAdminFrame(ctx context.Context, conn *Conn, frame clientFrame) {
	switch frame.Event {
	case "broadcast":
		var data broadcastData
		if err := json.Unmarshal(frame.Data, &data); err != nil || data.Message == "" {
			conn.SendError(session.CodeEmptyMessage, "missing message", frame.RequestID)
			return
		}
		h.svc.Broadcast(data.Message)

	case "admin:subscribe_stats":
		stats, err := h.svc.Stats(ctx)
		if err != nil {
			conn.SendError(session.ErrorCode(err), err.Error(), frame.RequestID)
			return
		}
		env := broker.NewEnvelope(broker.EventStatsUpdate, stats)
		env.RequestID = frame.RequestID
		conn.Send(env)

	case "admin:force_assign":
		var data forceAssignData
		if err := json.Unmarshal(frame.Data, &data); err != nil || data.SessionID == "" || data.AgentID == "" {
			conn.SendError(session.CodeSessionNotFound, "missing sessionId or csId", frame.RequestID)
			return
		}
		if _, err := h.svc.Accept(ctx, data.SessionID, data.AgentID); err != nil {
			conn.SendError(session.ErrorCode(err), err.Error(), frame.RequestID)
		}

	default:
		h.logger.Debug("unknown admin event", "event", frame.Event)
	}
}
