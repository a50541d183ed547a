// Package collab keeps the documents that are being edited in memory and
// decides when their state is written back to the durable store.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"collabwiki/api/internal/store"
)

var (
	ErrCapacityExceeded = errors.New("session capacity exceeded")
	ErrRoomFull         = errors.New("document room is full")
	ErrModeConflict     = errors.New("document is bound to another sync mode")
	ErrSessionNotFound  = errors.New("session not loaded")
	ErrSessionBusy      = errors.New("session is busy")
	ErrClosed           = errors.New("registry closed")
)

// Mode is the convergence model a loaded document is bound to.
type Mode string

const (
	ModeBroadcast Mode = "broadcast"
	ModeCRDT      Mode = "crdt"
)

type SaveReason string

const (
	ReasonDebounce SaveReason = "debounce"
	ReasonInterval SaveReason = "interval"
	ReasonTTL      SaveReason = "ttl"
	ReasonEviction SaveReason = "eviction"
	ReasonManual   SaveReason = "manual"
	ReasonShutdown SaveReason = "shutdown"
)

// final reports whether the save precedes removal of the session. Those
// saves are not subject to the per-document save ceiling.
func (r SaveReason) final() bool {
	return r == ReasonTTL || r == ReasonEviction || r == ReasonShutdown
}

type SaveOutcome string

const (
	SaveSkippedClean SaveOutcome = "clean"
	SaveInFlight     SaveOutcome = "in_flight"
	SaveThrottled    SaveOutcome = "throttled"
	SaveFailed       SaveOutcome = "failed"
	SaveSucceeded    SaveOutcome = "saved"
)

type OpType string

const (
	OpInsert OpType = "insert"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

func ValidOpType(value string) bool {
	switch OpType(value) {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	TeamID string `json:"teamId,omitempty"`
}

// Change is one accepted edit. Snapshot, when set, is the full block list
// after the edit and becomes the state to persist.
type Change struct {
	BlockID   string          `json:"blockId"`
	OpType    OpType          `json:"opType"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	AuthorID  string          `json:"authorId"`
	Snapshot  json.RawMessage `json:"-"`
}

type SessionMetrics struct {
	SavesAttempted   int64         `json:"savesAttempted"`
	SavesSucceeded   int64         `json:"savesSucceeded"`
	SavesFailed      int64         `json:"savesFailed"`
	LastSaveAt       time.Time     `json:"lastSaveAt,omitempty"`
	LastSaveReason   SaveReason    `json:"lastSaveReason,omitempty"`
	LastSaveDuration time.Duration `json:"lastSaveDurationNs,omitempty"`
}

// Persister is the durable store the registry writes snapshots to.
type Persister interface {
	SaveSnapshot(ctx context.Context, documentID string, snapshot store.Snapshot, savedBy string) error
}

type Options struct {
	DebounceSave     time.Duration
	SnapshotInterval time.Duration
	DocTTL           time.Duration
	SaveTimeout      time.Duration
	MaxDocs          int
	MaxClientsPerDoc int
	SavesPerMinute   int

	// OnSaved runs after every successful save, outside the registry lock.
	OnSaved func(documentID string, snapshot store.Snapshot, savedBy string)
	Clock   Clock
}

func DefaultOptions() Options {
	return Options{
		DebounceSave:     3 * time.Second,
		SnapshotInterval: 60 * time.Second,
		DocTTL:           5 * time.Minute,
		SaveTimeout:      10 * time.Second,
		MaxDocs:          500,
		MaxClientsPerDoc: 50,
		SavesPerMinute:   10,
	}
}
