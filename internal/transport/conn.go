package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabwiki/api/internal/collab"
	"collabwiki/api/internal/crdt"
	"collabwiki/api/internal/rbac"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20
	sendBufferSize = 256
)

// Identity is who a connection acts as, fixed at handshake.
type Identity struct {
	UserID string
	Name   string
	TeamID string
	// Verified is true when the identity came from a verified token.
	Verified bool
}

// Conn is one websocket connection (one browser tab).
type Conn struct {
	id       string
	identity Identity
	ws       *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc

	sendMu sync.Mutex
	send   chan []byte
	closed bool

	mu         sync.Mutex
	documentID string
	user       collab.User
	level      rbac.Level
	mode       collab.Mode
	awareness  *crdt.Awareness
	// presence holds the awareness client ids this connection announced.
	presence map[string]struct{}
}

func newConn(id string, identity Identity, ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:       id,
		identity: identity,
		ws:       ws,
		ctx:      ctx,
		cancel:   cancel,
		send:     make(chan []byte, sendBufferSize),
	}
}

func (c *Conn) ID() string {
	return c.id
}

// enqueue queues a frame for the write pump. A connection that cannot keep
// up is closed rather than silently missing frames.
func (c *Conn) enqueue(frame []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		slog.Warn("closing slow websocket connection", "conn_id", c.id)
		c.closeSendLocked()
		return false
	}
}

func (c *Conn) emit(event string, payload any) {
	frame, err := encodeEnvelope(event, payload)
	if err != nil {
		slog.Error("encode outbound event", "event", event, "error", err)
		return
	}
	c.enqueue(frame)
}

func (c *Conn) emitError(pe *ProtocolError) {
	protocolErrorsTotal.WithLabelValues(pe.Code).Inc()
	c.emit(EventError, pe)
}

func (c *Conn) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.closeSendLocked()
}

func (c *Conn) closeSendLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	c.cancel()
}

type joinState struct {
	documentID string
	user       collab.User
	level      rbac.Level
	mode       collab.Mode
	awareness  *crdt.Awareness
}

func (c *Conn) joined() joinState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return joinState{
		documentID: c.documentID,
		user:       c.user,
		level:      c.level,
		mode:       c.mode,
		awareness:  c.awareness,
	}
}

func (c *Conn) setJoined(state joinState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.documentID != state.documentID {
		c.presence = nil
	}
	c.documentID = state.documentID
	c.user = state.user
	c.level = state.level
	c.mode = state.mode
	c.awareness = state.awareness
}

// clearJoined resets the document state and returns what it was, with the
// awareness clients this connection had announced.
func (c *Conn) clearJoined() (joinState, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := joinState{
		documentID: c.documentID,
		user:       c.user,
		level:      c.level,
		mode:       c.mode,
		awareness:  c.awareness,
	}
	clients := make([]string, 0, len(c.presence))
	for client := range c.presence {
		clients = append(clients, client)
	}
	c.documentID = ""
	c.user = collab.User{}
	c.level = rbac.LevelNone
	c.mode = ""
	c.awareness = nil
	c.presence = nil
	return prev, clients
}

func (c *Conn) notePresence(clients []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.presence == nil {
		c.presence = make(map[string]struct{})
	}
	for _, client := range clients {
		c.presence[client] = struct{}{}
	}
}

// readPump dispatches inbound frames in arrival order until the socket
// fails, then unregisters the connection.
func (c *Conn) readPump(h *Hub) {
	defer func() {
		h.unregister(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read failed", "conn_id", c.id, "error", err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil || env.Event == "" {
			c.emitError(invalidPayload("frames must be {event, data} JSON objects"))
			continue
		}
		h.dispatch(c, env)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
