package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRevocations(t *testing.T) (*RedisRevocations, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisRevocations(client), s
}

func TestRevokeAndCheck(t *testing.T) {
	list, _ := setupRevocations(t)
	ctx := context.Background()

	revoked, err := list.IsRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("IsRevoked failed: %v", err)
	}
	if revoked {
		t.Fatal("expected fresh jti to be valid")
	}

	if err := list.Revoke(ctx, "jti-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	revoked, err = list.IsRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("IsRevoked failed: %v", err)
	}
	if !revoked {
		t.Fatal("expected jti-1 to be revoked")
	}
}

func TestRevocationExpiresWithToken(t *testing.T) {
	list, s := setupRevocations(t)
	ctx := context.Background()

	if err := list.Revoke(ctx, "jti-2", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	s.FastForward(2 * time.Minute)

	revoked, err := list.IsRevoked(ctx, "jti-2")
	if err != nil {
		t.Fatalf("IsRevoked failed: %v", err)
	}
	if revoked {
		t.Fatal("expected revocation entry to expire with the token")
	}
}

func TestVerifierRejectsRevokedToken(t *testing.T) {
	list, _ := setupRevocations(t)
	ctx := context.Background()
	token := issueToken(t, []byte("secret"), Claims{
		Sub: "user-1",
		JTI: "jti-3",
		Exp: time.Now().Add(time.Hour).Unix(),
	})

	verifier := NewVerifier("secret", list)
	if _, err := verifier.Verify(ctx, token); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if err := list.Revoke(ctx, "jti-3", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if _, err := verifier.Verify(ctx, token); !errors.Is(err, ErrRevokedToken) {
		t.Fatalf("expected ErrRevokedToken, got %v", err)
	}
}

func TestVerifierRejectsEmptyToken(t *testing.T) {
	verifier := NewVerifier("secret", nil)
	if _, err := verifier.Verify(context.Background(), "  "); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
