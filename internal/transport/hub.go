package transport

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"collabwiki/api/internal/collab"
	"collabwiki/api/internal/pubsub"
	"collabwiki/api/internal/ratelimit"
	"collabwiki/api/internal/rbac"
	"collabwiki/api/internal/store"
)

const (
	permissionTimeout = 5 * time.Second
	publishTimeout    = 2 * time.Second
	roomLockStripes   = 64
)

// PermissionOracle classifies a user's access to a page.
type PermissionOracle interface {
	PageRole(ctx context.Context, pageID, userID string) (rbac.Level, error)
}

// SnapshotLoader reads the stored state used to seed CRDT sessions.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, pageID string) (store.Snapshot, error)
}

type HubOptions struct {
	Limits ratelimit.Limits
	// Fabric carries room traffic to other processes. Nil means a single
	// process deployment.
	Fabric pubsub.Fabric
	Now    func() time.Time
}

// Hub maps websocket events onto registry operations and fans room traffic
// out to the members of each document.
type Hub struct {
	registry  *collab.Registry
	oracle    PermissionOracle
	snapshots SnapshotLoader
	gate      *ratelimit.Gate
	fabric    pubsub.Fabric
	now       func() time.Time

	mu    sync.RWMutex
	conns map[string]*Conn
	rooms map[string]map[string]*Conn

	// roomLocks order apply-then-relay per document, striped by id.
	roomLocks [roomLockStripes]sync.Mutex
}

func NewHub(registry *collab.Registry, oracle PermissionOracle, snapshots SnapshotLoader, opts HubOptions) *Hub {
	fabric := opts.Fabric
	if fabric == nil {
		fabric = pubsub.Local{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Hub{
		registry:  registry,
		oracle:    oracle,
		snapshots: snapshots,
		gate:      ratelimit.NewGate(opts.Limits),
		fabric:    fabric,
		now:       now,
		conns:     make(map[string]*Conn),
		rooms:     make(map[string]map[string]*Conn),
	}
}

// Start subscribes to room traffic from other processes.
func (h *Hub) Start(ctx context.Context) error {
	return h.fabric.Start(ctx, h.deliverRemote)
}

// Close disconnects every connection. Their read pumps clean up the
// sessions as the sockets close.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
	if err := h.fabric.Close(); err != nil {
		slog.Warn("close room fabric", "error", err)
	}
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	connectionsActive.Inc()
	slog.Debug("websocket connected", "conn_id", c.id, "user_id", c.identity.UserID)
}

// unregister runs once per connection, whether it left cleanly or dropped.
func (h *Hub) unregister(c *Conn) {
	h.leave(c)
	h.gate.Forget(c.id)
	h.mu.Lock()
	_, known := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()
	c.close()
	if known {
		connectionsActive.Dec()
	}
	slog.Debug("websocket disconnected", "conn_id", c.id)
}

func (h *Hub) addToRoom(documentID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[documentID]
	if !ok {
		room = make(map[string]*Conn)
		h.rooms[documentID] = room
	}
	room[c.id] = c
}

func (h *Hub) removeFromRoom(documentID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[documentID]
	if !ok {
		return
	}
	delete(room, c.id)
	if len(room) == 0 {
		delete(h.rooms, documentID)
	}
}

// leave removes c from its document, if any, and tells the room.
func (h *Hub) leave(c *Conn) {
	prev, presence := c.clearJoined()
	documentID, user, ok := h.registry.LeaveSession(c.id)
	if documentID == "" {
		documentID = prev.documentID
	}
	if documentID == "" {
		return
	}
	h.removeFromRoom(documentID, c)

	if prev.awareness != nil && len(presence) > 0 {
		frame, err := prev.awareness.Remove(presence...)
		if err != nil {
			slog.Warn("encode awareness removal", "document_id", documentID, "error", err)
		} else if frame != nil {
			h.broadcast(documentID, c.id, EventDocAwareness, crdtFramePayload{
				DocumentID:   documentID,
				UpdateBase64: encodeFrame(frame),
			})
		}
	}
	if ok {
		h.broadcast(documentID, c.id, EventUserLeft, userLeftPayload{
			DocumentID:   documentID,
			ID:           user.ID,
			ConnectionID: c.id,
		})
	}
}

// broadcast sends an event to every member of the room except the sender,
// here and on other nodes.
func (h *Hub) broadcast(documentID, exceptConnID, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("encode room event", "event", event, "error", err)
		return
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		slog.Error("encode room event", "event", event, "error", err)
		return
	}
	h.fanout(documentID, exceptConnID, frame)

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	err = h.fabric.Publish(ctx, pubsub.Message{
		DocumentID: documentID,
		OriginConn: exceptConnID,
		Event:      event,
		Payload:    data,
	})
	if err != nil {
		slog.Warn("publish room event", "document_id", documentID, "event", event, "error", err)
	}
}

func (h *Hub) fanout(documentID, exceptConnID string, frame []byte) {
	h.mu.RLock()
	members := make([]*Conn, 0, len(h.rooms[documentID]))
	for id, c := range h.rooms[documentID] {
		if id != exceptConnID {
			members = append(members, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range members {
		c.enqueue(frame)
	}
}

// deliverRemote handles room traffic published by another node. CRDT frames
// are merged into the local replica so local newcomers start from the full
// state; the originating node owns persistence.
func (h *Hub) deliverRemote(msg pubsub.Message) {
	switch msg.Event {
	case EventDocUpdate, EventDocAwareness:
		var p crdtFramePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			slog.Warn("malformed remote crdt frame", "document_id", msg.DocumentID, "error", err)
			return
		}
		update, err := decodeFrame(p.UpdateBase64)
		if err != nil {
			slog.Warn("malformed remote crdt frame", "document_id", msg.DocumentID, "error", err)
			return
		}
		if msg.Event == EventDocUpdate {
			err = h.registry.ApplyRemoteUpdate(msg.DocumentID, update)
		} else if awareness, ok := h.registry.Awareness(msg.DocumentID); ok {
			_, err = awareness.ApplyUpdate(update)
		}
		if err != nil && !errors.Is(err, collab.ErrSessionNotFound) {
			slog.Warn("apply remote crdt frame", "document_id", msg.DocumentID, "error", err)
		}
	}

	frame, err := json.Marshal(Envelope{Event: msg.Event, Data: msg.Payload})
	if err != nil {
		return
	}
	h.fanout(msg.DocumentID, msg.OriginConn, frame)
}

// lockRoom serializes edits to documentID so peers receive relays in the
// order the registry applied them. It returns the unlock func.
func (h *Hub) lockRoom(documentID string) func() {
	sum := fnv.New32a()
	_, _ = sum.Write([]byte(documentID))
	mu := &h.roomLocks[sum.Sum32()%roomLockStripes]
	mu.Lock()
	return mu.Unlock
}

func (h *Hub) allow(c *Conn, category ratelimit.Category) bool {
	if h.gate.Allow(c.id, category) {
		return true
	}
	throttledTotal.WithLabelValues(string(category)).Inc()
	return false
}
