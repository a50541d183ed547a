package store

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrPageNotFound = errors.New("page not found")

// Snapshot is the durable form of a page: its materialized block list and,
// for pages edited through the CRDT path, the encoded replica state.
type Snapshot struct {
	Content   json.RawMessage
	CRDTState []byte
}

type PagePermission struct {
	PageID    string
	UserID    string
	Role      string
	GrantedAt time.Time
}
