package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// issueToken signs claims the way the main application does.
func issueToken(t *testing.T, secret []byte, claims Claims) string {
	t.Helper()
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return payload + "." + sign(secret, payload)
}

func TestParseToken(t *testing.T) {
	secret := []byte("secret")
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	valid := issueToken(t, secret, Claims{
		Sub:    "user-1",
		Name:   "Avery",
		TeamID: "team-1",
		JTI:    "jti-1",
		Exp:    now.Add(time.Hour).Unix(),
	})

	claims, err := ParseToken(secret, valid, now)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != "user-1" || claims.Name != "Avery" || claims.TeamID != "team-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	cases := []struct {
		name  string
		token string
		want  error
	}{
		{"expired", issueToken(t, secret, Claims{Sub: "user-1", JTI: "jti-1", Exp: now.Add(-time.Minute).Unix()}), ErrExpiredToken},
		{"expires now", issueToken(t, secret, Claims{Sub: "user-1", JTI: "jti-1", Exp: now.Unix()}), ErrExpiredToken},
		{"foreign signature", issueToken(t, []byte("other"), Claims{Sub: "user-1", JTI: "jti-1", Exp: now.Add(time.Hour).Unix()}), ErrInvalidToken},
		{"missing jti", issueToken(t, secret, Claims{Sub: "user-1", Exp: now.Add(time.Hour).Unix()}), ErrInvalidToken},
		{"missing subject", issueToken(t, secret, Claims{JTI: "jti-1", Exp: now.Add(time.Hour).Unix()}), ErrInvalidToken},
		{"no separator", "garbage", ErrInvalidToken},
		{"extra segment", valid + ".x", ErrInvalidToken},
		{"empty payload", "." + sign(secret, ""), ErrInvalidToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseToken(secret, tc.token, now); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
