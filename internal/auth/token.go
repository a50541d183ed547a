package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Claims are issued by the main application; the collaboration engine only
// verifies them.
type Claims struct {
	Sub    string `json:"sub"`
	Name   string `json:"name"`
	TeamID string `json:"teamId,omitempty"`
	JTI    string `json:"jti"`
	Exp    int64  `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
	ErrRevokedToken = errors.New("revoked token")
)

// ParseToken checks a "<payload>.<signature>" access token, where payload is
// the base64url JSON claims and signature its base64url HMAC-SHA256.
func ParseToken(secret []byte, token string, now time.Time) (Claims, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || payload == "" || strings.Contains(signature, ".") {
		return Claims{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(signature), []byte(sign(secret, payload))) {
		return Claims{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if err := claims.validate(now); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

func (c Claims) validate(now time.Time) error {
	switch {
	case c.Sub == "" || c.JTI == "" || c.Exp == 0:
		return ErrInvalidToken
	case now.Unix() >= c.Exp:
		return ErrExpiredToken
	}
	return nil
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}
