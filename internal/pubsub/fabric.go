// Package pubsub carries room traffic between API processes so that members
// of the same document converge even when connected to different nodes.
package pubsub

import (
	"context"
	"encoding/json"
)

// Message is one room event crossing process boundaries.
type Message struct {
	NodeID     string          `json:"nodeId"`
	DocumentID string          `json:"documentId"`
	OriginConn string          `json:"originConn,omitempty"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type Fabric interface {
	// Publish sends msg to every other node.
	Publish(ctx context.Context, msg Message) error
	// Start begins delivering messages published by other nodes.
	Start(ctx context.Context, deliver func(Message)) error
	Close() error
}

// Local is the fabric of a single-process deployment: there is nobody to
// tell.
type Local struct{}

func (Local) Publish(context.Context, Message) error { return nil }

func (Local) Start(context.Context, func(Message)) error { return nil }

func (Local) Close() error { return nil }
