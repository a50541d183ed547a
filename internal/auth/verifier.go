package auth

import (
	"context"
	"strings"
	"time"
)

type revocationList interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Verifier checks a connection's token once, at handshake time.
type Verifier struct {
	secret      []byte
	revocations revocationList
	now         func() time.Time
}

// NewVerifier builds a verifier. revocations may be nil.
func NewVerifier(secret string, revocations revocationList) *Verifier {
	return &Verifier{secret: []byte(secret), revocations: revocations, now: time.Now}
}

func (v *Verifier) Verify(ctx context.Context, token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrInvalidToken
	}
	claims, err := ParseToken(v.secret, token, v.now())
	if err != nil {
		return Claims{}, err
	}
	if v.revocations != nil {
		revoked, err := v.revocations.IsRevoked(ctx, claims.JTI)
		if err != nil {
			return Claims{}, err
		}
		if revoked {
			return Claims{}, ErrRevokedToken
		}
	}
	return claims, nil
}
