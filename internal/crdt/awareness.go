package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
)

// ErrForeignClient rejects an awareness frame naming a live client that
// another owner announced.
var ErrForeignClient = errors.New("awareness client belongs to another connection")

// Awareness is the presence table of a document: client id to an opaque
// JSON state (name, color, cursor). It is never persisted and is independent
// of the document replica.
type Awareness struct {
	mu      sync.Mutex
	entries map[string]awarenessEntry
}

type awarenessEntry struct {
	Client string `bson:"c"`
	Clock  int64  `bson:"n"`
	// State is nil for a removed client.
	State []byte `bson:"s,omitempty"`
	// owner is the connection that announced the client; empty for remote
	// and local writes.
	owner string
}

type awarenessFrame struct {
	Entries []awarenessEntry `bson:"entries"`
}

func NewAwareness() *Awareness {
	return &Awareness{entries: make(map[string]awarenessEntry)}
}

// SetLocalState records state for client and returns the frame announcing it.
func (a *Awareness) SetLocalState(client string, state json.RawMessage) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry := awarenessEntry{Client: client, Clock: a.entries[client].Clock + 1, State: cloneRaw(state)}
	a.entries[client] = entry
	return encodeAwareness([]awarenessEntry{entry})
}

// ApplyUpdate merges a remote frame. Entries older than what is known are
// ignored. It returns the clients whose state changed, sorted.
func (a *Awareness) ApplyUpdate(update []byte) ([]string, error) {
	return a.apply("", update)
}

// ApplyOwnedUpdate merges a frame sent by owner. A live client may only be
// changed by the owner that announced it; otherwise nothing is applied and
// ErrForeignClient is returned. Removed clients can be claimed again.
func (a *Awareness) ApplyOwnedUpdate(owner string, update []byte) ([]string, error) {
	return a.apply(owner, update)
}

func (a *Awareness) apply(owner string, update []byte) ([]string, error) {
	var f awarenessFrame
	if err := bson.Unmarshal(update, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if owner != "" {
		for _, entry := range f.Entries {
			current, ok := a.entries[entry.Client]
			if ok && current.State != nil && current.owner != owner {
				return nil, fmt.Errorf("%w: %s", ErrForeignClient, entry.Client)
			}
		}
	}
	var changed []string
	for _, entry := range f.Entries {
		if entry.Client == "" {
			continue
		}
		current, ok := a.entries[entry.Client]
		if ok && entry.Clock <= current.Clock {
			continue
		}
		entry.owner = owner
		a.entries[entry.Client] = entry
		changed = append(changed, entry.Client)
	}
	sort.Strings(changed)
	return changed, nil
}

// Remove marks clients as gone and returns the frame that tells peers.
// Unknown or already removed clients are skipped; a nil frame means nothing
// changed.
func (a *Awareness) Remove(clients ...string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var removed []awarenessEntry
	for _, client := range clients {
		current, ok := a.entries[client]
		if !ok || current.State == nil {
			continue
		}
		entry := awarenessEntry{Client: client, Clock: current.Clock + 1}
		a.entries[client] = entry
		removed = append(removed, entry)
	}
	if len(removed) == 0 {
		return nil, nil
	}
	return encodeAwareness(removed)
}

// Encode returns a frame with every live entry, for a client that just joined.
// A nil frame means the table is empty.
func (a *Awareness) Encode() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var live []awarenessEntry
	for _, entry := range a.entries {
		if entry.State != nil {
			live = append(live, entry)
		}
	}
	if len(live) == 0 {
		return nil, nil
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Client < live[j].Client })
	return encodeAwareness(live)
}

// States returns the live states keyed by client id.
func (a *Awareness) States() map[string]json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	states := make(map[string]json.RawMessage, len(a.entries))
	for client, entry := range a.entries {
		if entry.State != nil {
			states[client] = cloneRaw(entry.State)
		}
	}
	return states
}

func encodeAwareness(entries []awarenessEntry) ([]byte, error) {
	data, err := bson.Marshal(awarenessFrame{Entries: entries})
	if err != nil {
		return nil, fmt.Errorf("encode awareness: %w", err)
	}
	return data, nil
}
