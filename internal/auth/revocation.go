package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRevocations stores revoked access token ids until they would have
// expired anyway.
type RedisRevocations struct {
	client *redis.Client
	prefix string
}

// NewRedisRevocations creates a revocation list from an existing Redis client
func NewRedisRevocations(client *redis.Client) *RedisRevocations {
	return &RedisRevocations{
		client: client,
		prefix: "revoked:",
	}
}

func (s *RedisRevocations) key(jti string) string {
	return s.prefix + jti
}

// Revoke marks jti as revoked until expiresAt
func (s *RedisRevocations) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.key(jti), expiresAt.Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

// IsRevoked reports whether jti is on the list
func (s *RedisRevocations) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return n > 0, nil
}
