// ABOUTME: Customer WebSocket endpoint: start or resume a chat, message, rate
// ABOUTME: Connections may arrive tokenless and start a session over the socket

package ws

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/deskhop/deskhop/internal/broker"
	"github.com/deskhop/deskhop/internal/session"
	"github.com/deskhop/deskhop/internal/store"
)

type customerStartData struct {
	CustomerName  string `json:"customerName"`
	CustomerEmail string `json:"customerEmail"`
	SourceURL     string `json:"sourceUrl"`
}

type customerMessageData struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
	Kind      string `json:"messageType"`
	FileRef   string `json:"fileRef"`
}

type customerTypingData struct {
	SessionID string `json:"sessionId"`
	IsTyping  bool   `json:"isTyping"`
}

type customerRatingData struct {
	Rating   int    `json:"rating"`
	Feedback string `json:"feedback"`
}

// customerState is the connection's bound session. It is only touched from
// the read loop, which serializes all frames.
type customerState struct {
	sessionID string
	token     string
}

// HandleCustomer serves /ws/customer. A returning customer presents its
// session token in the "token" query parameter and gets the session restored;
// a tokenless connection is latent until it sends customer:start_chat. Only
// an invalid token is rejected, closed with 4401 after the upgrade so the
// client can read the code.
func (h *Hub) HandleCustomer(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.upgrade(w, r)
	if !ok {
		return
	}

	connID := newConnID()
	conn := newConn(connID, roleCustomer, "", ws, func(c *Conn) {
		h.broker.UnsubscribeAll(c.id)
	})

	state := &customerState{}

	if token := r.URL.Query().Get("token"); token != "" {
		sess, msgs, err := h.svc.Restore(r.Context(), token)
		if err != nil {
			rejectWS(ws, CloseUnauthorized, "invalid token")
			return
		}
		state.sessionID = sess.ID
		state.token = token

		h.broker.Subscribe(broker.SessionTopic(sess.ID), connID, conn)
		h.broker.Subscribe(broker.TopicBroadcast, connID, conn)
		go conn.writePump()

		conn.Send(broker.NewEnvelope(broker.EventSessionRestored, map[string]any{
			"sessionId":     sess.ID,
			"status":        string(sess.Status),
			"assignedCs":    sess.AssignedAgent,
			"messages":      session.NewMessageViews(msgs),
			"queuePosition": h.svc.QueuePosition(r.Context(), sess.ID),
		}))
		h.logger.Info("customer reconnected", "session_id", sess.ID, "conn_id", connID)
	} else {
		h.broker.Subscribe(broker.TopicBroadcast, connID, conn)
		go conn.writePump()
		h.logger.Info("customer connected", "conn_id", connID)
	}

	h.readLoop(conn, func(frame clientFrame) {
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		h.handleCustomerFrame(ctx, conn, state, frame)
	})

	conn.Close()
	h.logger.Info("customer disconnected", "session_id", state.sessionID, "conn_id", connID)
}

func (h *Hub) handleCustomerFrame(ctx context.Context, conn *Conn, state *customerState, frame clientFrame) {
	switch frame.Event {
	case "customer:start_chat":
		if state.sessionID != "" {
			conn.SendError(session.CodeInvalidSession, "chat already started", frame.RequestID)
			return
		}
		var data customerStartData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			conn.SendError(session.CodeInvalidSession, "malformed start_chat", frame.RequestID)
			return
		}
		sess, err := h.svc.Start(ctx, session.StartRequest{
			CustomerName:  data.CustomerName,
			CustomerEmail: data.CustomerEmail,
			SourceURL:     data.SourceURL,
		})
		if err != nil {
			conn.SendError(session.ErrorCode(err), err.Error(), frame.RequestID)
			return
		}
		state.sessionID = sess.ID
		state.token = sess.CustomerToken
		h.broker.Subscribe(broker.SessionTopic(sess.ID), conn.id, conn)

		env := broker.NewEnvelope(broker.EventChatStarted, map[string]any{
			"sessionId":     sess.ID,
			"customerToken": sess.CustomerToken,
			"queuePosition": h.svc.QueuePosition(ctx, sess.ID),
		})
		env.RequestID = frame.RequestID
		conn.Send(env)

	case "customer:send_message":
		var data customerMessageData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			conn.SendError(session.CodeEmptyMessage, "malformed message", frame.RequestID)
			return
		}
		if state.sessionID == "" || data.SessionID != state.sessionID {
			conn.SendError(session.CodeInvalidSession, "no such session on this connection", frame.RequestID)
			return
		}
		if _, err := h.svc.SendCustomerMessage(ctx, state.sessionID, data.Content, data.Kind, data.FileRef); err != nil {
			conn.SendError(session.ErrorCode(err), err.Error(), frame.RequestID)
		}

	case "customer:typing":
		var data customerTypingData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			return
		}
		if state.sessionID == "" || data.SessionID != state.sessionID {
			return
		}
		h.svc.Typing(state.sessionID, store.SenderCustomer, "", data.IsTyping)

	case "customer:end_chat":
		if state.sessionID == "" {
			conn.SendError(session.CodeInvalidSession, "no active chat", frame.RequestID)
			return
		}
		if _, err := h.svc.End(ctx, state.sessionID, session.ReasonCustomerLeft); err != nil {
			conn.SendError(session.ErrorCode(err), err.Error(), frame.RequestID)
		}

	case "customer:rating":
		if state.token == "" {
			conn.SendError(session.CodeInvalidSession, "no chat to rate", frame.RequestID)
			return
		}
		var data customerRatingData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			conn.SendError(session.CodeInvalidRating, "malformed rating", frame.RequestID)
			return
		}
		if err := h.svc.Rate(ctx, state.token, data.Rating, data.Feedback); err != nil {
			conn.SendError(session.ErrorCode(err), err.Error(), frame.RequestID)
		}

	default:
		h.logger.Debug("unknown customer event", "event", frame.Event)
	}
}
