package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"collabwiki/api/internal/collab"
	"collabwiki/api/internal/crdt"
	"collabwiki/api/internal/ratelimit"
	"collabwiki/api/internal/rbac"
	"collabwiki/api/internal/store"
)

var inboundEvents = map[string]bool{
	EventJoinDocument:   true,
	EventDocumentChange: true,
	EventCursorUpdate:   true,
	EventTypingStart:    true,
	EventTypingStop:     true,
	EventLeaveDocument:  true,
	EventDocJoin:        true,
	EventDocUpdate:      true,
	EventDocAwareness:   true,
	EventDocSave:        true,
}

func (h *Hub) dispatch(c *Conn, env Envelope) {
	if !inboundEvents[env.Event] {
		eventsTotal.WithLabelValues("unknown").Inc()
		slog.Debug("ignoring unknown event", "conn_id", c.id, "event", env.Event)
		return
	}
	eventsTotal.WithLabelValues(env.Event).Inc()

	switch env.Event {
	case EventJoinDocument:
		var p joinDocumentPayload
		if !decode(c, env.Data, &p) {
			return
		}
		h.join(c, p, collab.ModeBroadcast)
	case EventDocJoin:
		var p joinDocumentPayload
		if !decode(c, env.Data, &p) {
			return
		}
		h.join(c, p, collab.ModeCRDT)
	case EventDocumentChange:
		h.handleDocumentChange(c, env.Data)
	case EventCursorUpdate:
		h.handleCursor(c, env.Data)
	case EventTypingStart, EventTypingStop:
		h.handleTyping(c, env.Event, env.Data)
	case EventLeaveDocument:
		h.handleLeave(c, env.Data)
	case EventDocUpdate:
		h.handleDocUpdate(c, env.Data)
	case EventDocAwareness:
		h.handleDocAwareness(c, env.Data)
	case EventDocSave:
		h.handleDocSave(c, env.Data)
	}
}

func decode(c *Conn, data json.RawMessage, dst any) bool {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.emitError(invalidPayload("malformed event payload"))
		return false
	}
	return true
}

func (h *Hub) join(c *Conn, p joinDocumentPayload, mode collab.Mode) {
	documentID := strings.TrimSpace(p.DocumentID)
	if documentID == "" {
		c.emitError(invalidPayload("documentId is required"))
		return
	}

	user := collab.User{
		ID:     c.identity.UserID,
		Name:   firstNonEmpty(c.identity.Name, p.UserName),
		TeamID: firstNonEmpty(c.identity.TeamID, p.TeamID),
	}
	if !c.identity.Verified && strings.TrimSpace(p.UserID) != "" {
		user.ID = strings.TrimSpace(p.UserID)
	}
	if user.Name == "" {
		user.Name = user.ID
	}

	level, err := h.pageRole(c.ctx, documentID, user.ID)
	if err != nil {
		slog.Warn("permission lookup failed", "document_id", documentID, "user_id", user.ID, "error", err)
		c.emitError(errDenied)
		return
	}
	if !rbac.Can(level, rbac.ActionRead) {
		c.emitError(errDenied)
		return
	}

	prev := c.joined()
	rejoin := prev.documentID == documentID && prev.mode == mode
	if prev.documentID != "" && !rejoin {
		h.leave(c)
	}

	var seed []byte
	if mode == collab.ModeCRDT {
		seed, err = h.loadSeed(c.ctx, documentID)
		if err != nil {
			slog.Warn("load crdt seed failed", "document_id", documentID, "error", err)
			c.emitError(fromRegistryError(err))
			return
		}
	}

	result, err := h.registry.JoinSession(c.ctx, documentID, collab.JoinRequest{
		ConnID: c.id,
		User:   user,
		Mode:   mode,
		Seed:   seed,
	})
	if err != nil {
		c.emitError(fromRegistryError(err))
		return
	}

	c.setJoined(joinState{documentID: documentID, user: user, level: level, mode: mode, awareness: result.Awareness})
	h.addToRoom(documentID, c)

	c.emit(EventSessionUsers, sessionUsersPayload{DocumentID: documentID, Users: result.Users})
	if mode == collab.ModeCRDT {
		state, err := result.Replica.EncodeStateAsUpdate()
		if err != nil {
			slog.Error("encode replica state", "document_id", documentID, "error", err)
			c.emitError(fromRegistryError(err))
			return
		}
		c.emit(EventDocInit, docInitPayload{
			DocumentID:     documentID,
			SnapshotBase64: encodeFrame(state),
			UserCount:      len(result.Users),
		})
		if frame, err := result.Awareness.Encode(); err == nil && frame != nil {
			c.emit(EventDocAwareness, crdtFramePayload{DocumentID: documentID, UpdateBase64: encodeFrame(frame)})
		}
	}

	if !rejoin {
		h.broadcast(documentID, c.id, EventUserJoined, userJoinedPayload{
			DocumentID:   documentID,
			ID:           user.ID,
			Name:         user.Name,
			ConnectionID: c.id,
		})
	}
}

func (h *Hub) pageRole(ctx context.Context, documentID, userID string) (rbac.Level, error) {
	ctx, cancel := context.WithTimeout(ctx, permissionTimeout)
	defer cancel()
	return h.oracle.PageRole(ctx, documentID, userID)
}

// loadSeed returns the stored replica state of a document that is not loaded
// yet. Pages that were only ever edited as block lists are imported.
func (h *Hub) loadSeed(ctx context.Context, documentID string) ([]byte, error) {
	if h.snapshots == nil {
		return nil, nil
	}
	if mode, loaded := h.registry.Mode(documentID); loaded {
		if mode != collab.ModeCRDT {
			return nil, collab.ErrModeConflict
		}
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, permissionTimeout)
	defer cancel()
	snapshot, err := h.snapshots.LoadSnapshot(ctx, documentID)
	if errors.Is(err, store.ErrPageNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(snapshot.CRDTState) > 0 {
		return snapshot.CRDTState, nil
	}
	var blocks []json.RawMessage
	if len(snapshot.Content) == 0 || json.Unmarshal(snapshot.Content, &blocks) != nil || len(blocks) == 0 {
		return nil, nil
	}
	return crdt.SeedFromBlocks(blocks)
}

// requireJoined checks that c is in documentID. An empty mode accepts
// either convergence mode.
func requireJoined(c *Conn, documentID string, mode collab.Mode) (joinState, *ProtocolError) {
	state := c.joined()
	if state.documentID == "" || state.documentID != documentID {
		return state, errNotJoined
	}
	if mode != "" && state.mode != mode {
		return state, fromRegistryError(collab.ErrModeConflict)
	}
	return state, nil
}

func (h *Hub) handleDocumentChange(c *Conn, data json.RawMessage) {
	var p documentChangePayload
	if !decode(c, data, &p) {
		return
	}
	state, pe := requireJoined(c, p.DocumentID, collab.ModeBroadcast)
	if pe != nil {
		c.emitError(pe)
		return
	}
	if !rbac.Can(state.level, rbac.ActionWrite) {
		c.emitError(errEditRequired)
		return
	}
	if !h.allow(c, ratelimit.CategoryChange) {
		return
	}
	if !collab.ValidOpType(p.OpType) {
		c.emitError(invalidPayload("opType must be insert, update or delete"))
		return
	}
	if len(p.Snapshot) > 0 && !isJSONArray(p.Snapshot) {
		c.emitError(invalidPayload("snapshot must be a block array"))
		return
	}

	unlock := h.lockRoom(p.DocumentID)
	defer unlock()
	now := h.now().UTC()
	err := h.registry.AddChange(p.DocumentID, collab.Change{
		BlockID:   p.BlockID,
		OpType:    collab.OpType(p.OpType),
		Payload:   p.Data,
		Timestamp: now,
		AuthorID:  state.user.ID,
		Snapshot:  p.Snapshot,
	})
	if err != nil {
		c.emitError(fromRegistryError(err))
		return
	}
	h.broadcast(p.DocumentID, c.id, EventDocumentChange, documentChangeRelay{
		DocumentID: p.DocumentID,
		BlockID:    p.BlockID,
		OpType:     p.OpType,
		Data:       p.Data,
		Snapshot:   p.Snapshot,
		UserID:     state.user.ID,
		Timestamp:  now,
	})
}

func (h *Hub) handleCursor(c *Conn, data json.RawMessage) {
	var p cursorPayload
	if !decode(c, data, &p) {
		return
	}
	state, pe := requireJoined(c, p.DocumentID, "")
	if pe != nil {
		c.emitError(pe)
		return
	}
	if !h.allow(c, ratelimit.CategoryCursor) {
		return
	}
	h.broadcast(p.DocumentID, c.id, EventCursorUpdate, cursorRelay{
		DocumentID: p.DocumentID,
		UserID:     state.user.ID,
		UserName:   state.user.Name,
		Position:   p.Position,
		Selection:  p.Selection,
		Timestamp:  h.now().UTC(),
	})
}

func (h *Hub) handleTyping(c *Conn, event string, data json.RawMessage) {
	var p documentRef
	if !decode(c, data, &p) {
		return
	}
	state, pe := requireJoined(c, p.DocumentID, "")
	if pe != nil {
		c.emitError(pe)
		return
	}
	if !h.allow(c, ratelimit.CategoryTyping) {
		return
	}
	h.broadcast(p.DocumentID, c.id, event, typingRelay{
		DocumentID: p.DocumentID,
		UserID:     state.user.ID,
		UserName:   state.user.Name,
		Timestamp:  h.now().UTC(),
	})
}

func (h *Hub) handleLeave(c *Conn, data json.RawMessage) {
	var p documentRef
	if !decode(c, data, &p) {
		return
	}
	state := c.joined()
	if state.documentID == "" || (p.DocumentID != "" && p.DocumentID != state.documentID) {
		c.emitError(errNotJoined)
		return
	}
	h.leave(c)
}

func (h *Hub) handleDocUpdate(c *Conn, data json.RawMessage) {
	var p crdtFramePayload
	if !decode(c, data, &p) {
		return
	}
	state, pe := requireJoined(c, p.DocumentID, collab.ModeCRDT)
	if pe != nil {
		c.emitError(pe)
		return
	}
	if !rbac.Can(state.level, rbac.ActionWrite) {
		c.emitError(errEditRequired)
		return
	}
	if !h.allow(c, ratelimit.CategoryChange) {
		return
	}
	update, err := decodeFrame(p.UpdateBase64)
	if err != nil {
		c.emitError(invalidPayload("updateBase64 is not valid base64"))
		return
	}
	unlock := h.lockRoom(p.DocumentID)
	defer unlock()
	if err := h.registry.ApplyUpdate(p.DocumentID, c.id, state.user.ID, update); err != nil {
		if errors.Is(err, crdt.ErrMalformedUpdate) {
			c.emitError(invalidPayload("malformed update frame"))
			return
		}
		c.emitError(fromRegistryError(err))
		return
	}
	h.broadcast(p.DocumentID, c.id, EventDocUpdate, crdtFramePayload{DocumentID: p.DocumentID, UpdateBase64: p.UpdateBase64})
}

func (h *Hub) handleDocAwareness(c *Conn, data json.RawMessage) {
	var p crdtFramePayload
	if !decode(c, data, &p) {
		return
	}
	state, pe := requireJoined(c, p.DocumentID, collab.ModeCRDT)
	if pe != nil {
		c.emitError(pe)
		return
	}
	if !h.allow(c, ratelimit.CategoryCursor) {
		return
	}
	update, err := decodeFrame(p.UpdateBase64)
	if err != nil {
		c.emitError(invalidPayload("updateBase64 is not valid base64"))
		return
	}
	changed, err := state.awareness.ApplyOwnedUpdate(c.id, update)
	if errors.Is(err, crdt.ErrForeignClient) {
		c.emitError(protocolError(CodePermissionDenied, "awareness entry belongs to another connection"))
		return
	}
	if err != nil {
		c.emitError(invalidPayload("malformed awareness frame"))
		return
	}
	if len(changed) == 0 {
		return
	}
	c.notePresence(changed)
	h.broadcast(p.DocumentID, c.id, EventDocAwareness, crdtFramePayload{DocumentID: p.DocumentID, UpdateBase64: p.UpdateBase64})
}

func (h *Hub) handleDocSave(c *Conn, data json.RawMessage) {
	var p documentRef
	if !decode(c, data, &p) {
		return
	}
	state, pe := requireJoined(c, p.DocumentID, "")
	if pe != nil {
		c.emitError(pe)
		return
	}
	if !rbac.Can(state.level, rbac.ActionWrite) {
		c.emitError(errEditRequired)
		return
	}
	outcome, err := h.registry.SaveSession(c.ctx, p.DocumentID, collab.ReasonManual)
	if errors.Is(err, collab.ErrSessionNotFound) {
		c.emitError(errNotJoined)
		return
	}
	switch outcome {
	case collab.SaveSucceeded, collab.SaveSkippedClean:
		c.emit(EventSaved, savedPayload{DocumentID: p.DocumentID, Timestamp: h.now().UTC()})
	default:
		// Throttled, in flight or failed: a later trigger persists the state.
		slog.Debug("manual save not completed", "document_id", p.DocumentID, "outcome", outcome)
	}
}

func encodeFrame(frame []byte) string {
	return base64.StdEncoding.EncodeToString(frame)
}

func decodeFrame(value string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(value)
}

func isJSONArray(raw json.RawMessage) bool {
	var list []json.RawMessage
	return json.Unmarshal(raw, &list) == nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
