package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const roomChannelPrefix = "collab:room:"

// Redis fans room events out over Redis pub/sub, one channel per document.
type Redis struct {
	client *redis.Client
	nodeID string

	mu     sync.Mutex
	sub    *redis.PubSub
	done   chan struct{}
	closed bool
}

func NewRedis(client *redis.Client, nodeID string) *Redis {
	return &Redis{client: client, nodeID: nodeID}
}

func RoomChannel(documentID string) string {
	return roomChannelPrefix + documentID
}

func (r *Redis) Publish(ctx context.Context, msg Message) error {
	msg.NodeID = r.nodeID
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode room message: %w", err)
	}
	if err := r.client.Publish(ctx, RoomChannel(msg.DocumentID), data).Err(); err != nil {
		return fmt.Errorf("publish room message: %w", err)
	}
	return nil
}

// Start subscribes to every room channel and returns once the subscription
// is confirmed. Messages from this node are dropped.
func (r *Redis) Start(ctx context.Context, deliver func(Message)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return fmt.Errorf("room fabric already started")
	}

	sub := r.client.PSubscribe(ctx, roomChannelPrefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe room channels: %w", err)
	}
	r.sub = sub
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		for raw := range sub.Channel() {
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				slog.Warn("dropping malformed room message", "channel", raw.Channel, "error", err)
				continue
			}
			if msg.NodeID == r.nodeID {
				continue
			}
			deliver(msg)
		}
	}()
	return nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed || r.sub == nil {
		r.closed = true
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sub := r.sub
	done := r.done
	r.mu.Unlock()

	err := sub.Close()
	<-done
	return err
}
