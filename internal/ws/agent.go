// ABOUTME: Agent WebSocket endpoint: claim, chat, transfer, resolve, presence
// ABOUTME: Authenticates staff JWTs; admins may also connect here to take chats

package ws

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/deskhop/deskhop/internal/auth"
	"github.com/deskhop/deskhop/internal/broker"
	"github.com/deskhop/deskhop/internal/session"
	"github.com/deskhop/deskhop/internal/store"
)

type agentMessageData struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
	Kind      string `json:"messageType"`
	FileRef   string `json:"fileRef"`
}

type sessionRefData struct {
	SessionID string `json:"sessionId"`
}

type agentTypingData struct {
	SessionID string `json:"sessionId"`
	IsTyping  bool   `json:"isTyping"`
}

type transferData struct {
	SessionID string `json:"sessionId"`
	ToAgentID string `json:"toCsId"`
}

type setStatusData struct {
	Status string `json:"status"`
}

// HandleAgent serves /ws/cs for customer-service staff.
func (h *Hub) HandleAgent(w http.ResponseWriter, r *http.Request) {
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

	agentID := principal.UserID
	ctx := r.Context()

	connID := newConnID()
	conn := newConn(connID, roleCS, agentID, ws, func(c *Conn) {
		h.broker.UnsubscribeAll(c.id)
		if h.dropAgentConn(agentID, c) {
			if err := h.svc.AgentDisconnected(context.Background(), agentID); err != nil {
				h.logger.Warn("agent disconnect cleanup failed",
					"agent_id", agentID, "error", err)
			}
		}
	})

	h.registerAgentConn(agentID, conn)

	active, err := h.svc.AgentConnected(ctx, agentID)
	if err != nil {
		h.logger.Error("agent connect failed", "agent_id", agentID, "error", err)
		h.dropAgentConn(agentID, conn)
		rejectWS(ws, CloseInternal, "connect failed")
		return
	}

	h.broker.Subscribe(broker.AgentTopic(agentID), connID, conn)
	h.broker.Subscribe(broker.TopicQueue, connID, conn)
	h.broker.Subscribe(broker.TopicBroadcast, connID, conn)
	for _, sess := range active {
		h.broker.Subscribe(broker.SessionTopic(sess.ID), connID, conn)
	}

	go conn.writePump()

	chats := make([]*session.SessionView, 0, len(active))
	for _, sess := range active {
		chats = append(chats, session.NewSessionView(sess))
	}
	queue, _ := h.svc.Queue(ctx)
	conn.Send(broker.NewEnvelope(broker.EventConnected, map[string]any{
		"csId":        agentID,
		"activeChats": chats,
		"queue":       queue,
	}))

	h.logger.Info("agent connected", "agent_id", agentID, "conn_id", connID)

	h.readLoop(conn, func(frame clientFrame) {
		frameCtx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		h.handleAgentFrame(frameCtx, conn, agentID, frame)
	})

	conn.Close()
	h.logger.Info("agent conn closed", "agent_id", agentID, "conn_id", connID)
}

func (h *Hub) handleAgentFrame(ctx context.Context, conn *Conn, agentID string, frame clientFrame) {
	switch frame.Event {
	case "cs:send_message":
		var data agentMessageData
		if err := json.Unmarshal(frame.Data, &data); err != nil || data.SessionID == "" {
			conn.SendError(session.CodeEmptyMessage, "malformed message", frame.RequestID)
			return
		}
		if _, err := h.svc.SendAgentMessage(ctx, agentID, data.SessionID, data.Content, data.Kind, data.FileRef); err != nil {
			conn.SendError(session.ErrorCode(err), err.Error(), frame.RequestID)
		}

	case "cs:typing":
		var data agentTypingData
		if err := json.Unmarshal(frame.Data, &data); err != nil || data.SessionID == "" {
			return
		}
		h.svc.Typing(data.SessionID, store.SenderAgent, agentID, data.IsTyping)

	case "cs:accept_chat":
		var data sessionRefData
		if err := json.Unmarshal(frame.Data, &data); err != nil || data.SessionID == "" {
			conn.SendError(session.CodeSessionNotFound, "missing sessionId", frame.RequestID)
			return
		}
		if _, err := h.svc.Accept(ctx, data.SessionID, agentID); err != nil {
			conn.SendError(session.ErrorCode(err), err.Error(), frame.RequestID)
		}

	case "cs:resolve_chat":
		var data sessionRefData
		if err := json.Unmarshal(frame.Data, &data); err != nil || data.SessionID == "" {
			conn.SendError(session.CodeSessionNotFound, "missing sessionId", frame.RequestID)
			return
		}
		if _, err := h.svc.Resolve(ctx, data.SessionID, agentID); err != nil {
			conn.SendError(session.ErrorCode(err), err.Error(), frame.RequestID)
		}

	case "cs:transfer_chat":
		var data transferData
		if err := json.Unmarshal(frame.Data, &data); err != nil || data.SessionID == "" || data.ToAgentID == "" {
			conn.SendError(session.CodeSessionNotFound, "missing sessionId or toCsId", frame.RequestID)
			return
		}
		if _, err := h.svc.Transfer(ctx, data.SessionID, agentID, data.ToAgentID); err != nil {
			conn.SendError(session.ErrorCode(err), err.Error(), frame.RequestID)
		}

	case "cs:set_status":
		var data setStatusData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return
		}
		state := store.AgentState(data.Status)
		switch state {
		case store.AgentOnline, store.AgentBusy, store.AgentOffline:
		default:
			conn.SendError(session.CodeServerError, "status must be online, busy, or offline", frame.RequestID)
			return
		}
		if err := h.svc.SetAgentStatus(ctx, agentID, state); err != nil {
			conn.SendError(session.ErrorCode(err), err.Error(), frame.RequestID)
		}

	default:
		h.logger.Debug("unknown agent event", "event", frame.Event)
	}
}

// requireRole checks the principal against the endpoint's role requirement.
func requireRole(p *auth.Principal, role string) bool {
	return p.Role == role
}
