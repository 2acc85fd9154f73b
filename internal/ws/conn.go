// ABOUTME: WebSocket connection wrapper with a bounded outbox and writer pump
// ABOUTME: Applies drop-oldest-non-critical backpressure so slow clients shed ephemera first

package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deskhop/deskhop/internal/broker"
)

// Close codes sent to clients. 4xxx codes are application-defined.
const (
	CloseUnauthorized = 4401
	CloseForbidden    = 4403
	CloseTimeout      = 4408
	CloseInternal     = 1011
)

const (
	// maxOutbox bounds the per-connection send queue
	maxOutbox = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second

	// handlerTimeout bounds the work done for a single inbound frame
	handlerTimeout = 5 * time.Second

	maxMessageSize = 64 * 1024
)

// Conn wraps a WebSocket connection with a bounded outbox. Deliver never
// blocks: when the outbox is full, the oldest droppable envelope is shed;
// if every queued envelope is critical the connection is closed instead of
// silently losing state the client cannot reconstruct.
type Conn struct {
	id        string
	role      string // "customer", "cs", "admin"
	principal string // agent user id or customer session id

	ws *websocket.Conn

	mu     sync.Mutex
	outbox []*broker.Envelope
	closed bool

	notify chan struct{}
	done   chan struct{}

	onClose func(*Conn)

	logger *slog.Logger
}

func newConn(id, role, principal string, ws *websocket.Conn, onClose func(*Conn)) *Conn {
	return &Conn{
		id:        id,
		role:      role,
		principal: principal,
		ws:        ws,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		onClose:   onClose,
		logger: slog.Default().With(
			"component", "ws", "conn_id", id, "role", role),
	}
}

// ID returns the connection's broker subscriber id.
func (c *Conn) ID() string { return c.id }

// Deliver queues an envelope for the writer pump. Implements broker.Subscriber.
func (c *Conn) Deliver(env *broker.Envelope) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	if len(c.outbox) >= maxOutbox {
		if !c.shedOldestDroppable() {
			// Every queued envelope is critical; the client is too far
			// behind to catch up safely
			c.closed = true
			c.mu.Unlock()
			c.logger.Warn("outbox overflow with critical backlog, closing")
			c.closeWithCode(CloseInternal, "backpressure")
			return
		}
	}

	c.outbox = append(c.outbox, env)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// shedOldestDroppable removes the oldest non-critical envelope. Caller holds mu.
func (c *Conn) shedOldestDroppable() bool {
	for i, env := range c.outbox {
		if !env.Critical() {
			c.outbox = append(c.outbox[:i], c.outbox[i+1:]...)
			c.logger.Debug("dropped envelope under backpressure", "event", env.Event)
			return true
		}
	}
	return false
}

// drain takes the queued envelopes. Caller must not hold mu.
func (c *Conn) drain() []*broker.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.outbox
	c.outbox = nil
	return out
}

// Send queues an envelope directly, bypassing the broker. Used for replies
// addressed to this connection only.
func (c *Conn) Send(env *broker.Envelope) {
	c.Deliver(env)
}

// SendError queues an error envelope carrying a stable code, optionally
// echoing the request id the client sent.
func (c *Conn) SendError(code, message, requestID string) {
	env := broker.NewEnvelope(broker.EventError, map[string]string{
		"code":    code,
		"message": message,
	})
	env.RequestID = requestID
	c.Deliver(env)
}

// writePump serializes all writes to the socket. Runs until the connection
// closes.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
			for _, env := range c.drain() {
				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.ws.WriteJSON(env); err != nil {
					c.logger.Debug("write failed", "error", err)
					c.Close()
					return
				}
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// closeWithCode sends a close frame and tears the socket down.
func (c *Conn) closeWithCode(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	c.ws.Close()

	select {
	case <-c.done:
	default:
		close(c.done)
	}

	if c.onClose != nil {
		c.onClose(c)
	}
}

// Close tears the connection down with a normal closure.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.closeWithCode(websocket.CloseNormalClosure, "")
}
