package transport

import (
	"encoding/json"
	"time"

	"collabwiki/api/internal/collab"
)

// Inbound events.
const (
	EventJoinDocument   = "join-document"
	EventDocumentChange = "document-change"
	EventCursorUpdate   = "cursor-update"
	EventTypingStart    = "typing-start"
	EventTypingStop     = "typing-stop"
	EventLeaveDocument  = "leave-document"
	EventDocJoin        = "doc:join"
	EventDocUpdate      = "doc:update"
	EventDocAwareness   = "doc:awareness"
	EventDocSave        = "doc:save"
)

// Outbound events. Relays reuse the inbound names.
const (
	EventSessionUsers = "session-users"
	EventUserJoined   = "user-joined"
	EventUserLeft     = "user-left"
	EventError        = "collab:error"
	EventDocInit      = "doc:init"
	EventSaved        = "saved"
)

// Envelope is the frame of every websocket text message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type joinDocumentPayload struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId,omitempty"`
	UserName   string `json:"userName"`
	TeamID     string `json:"teamId"`
}

type documentChangePayload struct {
	DocumentID string          `json:"documentId"`
	BlockID    string          `json:"blockId"`
	OpType     string          `json:"opType"`
	Data       json.RawMessage `json:"data,omitempty"`
	// Snapshot is the full block list after the change, when the client
	// sends one.
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

type documentChangeRelay struct {
	DocumentID string          `json:"documentId"`
	BlockID    string          `json:"blockId"`
	OpType     string          `json:"opType"`
	Data       json.RawMessage `json:"data,omitempty"`
	Snapshot   json.RawMessage `json:"snapshot,omitempty"`
	UserID     string          `json:"userId"`
	Timestamp  time.Time       `json:"timestamp"`
}

type cursorPayload struct {
	DocumentID string          `json:"documentId"`
	Position   json.RawMessage `json:"position,omitempty"`
	Selection  json.RawMessage `json:"selection,omitempty"`
}

type cursorRelay struct {
	DocumentID string          `json:"documentId"`
	UserID     string          `json:"userId"`
	UserName   string          `json:"userName"`
	Position   json.RawMessage `json:"position,omitempty"`
	Selection  json.RawMessage `json:"selection,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

type documentRef struct {
	DocumentID string `json:"documentId"`
}

type typingRelay struct {
	DocumentID string    `json:"documentId"`
	UserID     string    `json:"userId"`
	UserName   string    `json:"userName"`
	Timestamp  time.Time `json:"timestamp"`
}

type crdtFramePayload struct {
	DocumentID   string `json:"documentId"`
	UpdateBase64 string `json:"updateBase64"`
}

type sessionUsersPayload struct {
	DocumentID string        `json:"documentId"`
	Users      []collab.User `json:"users"`
}

type userJoinedPayload struct {
	DocumentID   string `json:"documentId"`
	ID           string `json:"id"`
	Name         string `json:"name"`
	ConnectionID string `json:"connectionId"`
}

type userLeftPayload struct {
	DocumentID   string `json:"documentId"`
	ID           string `json:"id"`
	ConnectionID string `json:"connectionId"`
}

type docInitPayload struct {
	DocumentID     string `json:"documentId"`
	SnapshotBase64 string `json:"snapshotBase64"`
	UserCount      int    `json:"userCount"`
}

type savedPayload struct {
	DocumentID string    `json:"documentId"`
	Timestamp  time.Time `json:"timestamp"`
}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
