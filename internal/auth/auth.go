// Package auth supplies the Authenticator collaborator RetryingRequest
// attaches to each attempt. It deliberately does not define a custom token
// format: a JWTAuthenticator signs standard claims with a secret obtained
// from a pluggable SecretProvider (Vault, AWS Secrets Manager, or GCP
// Secret Manager), matching the non-goal that excludes inventing a new
// authentication token scheme.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SecretProvider resolves the current signing secret for a named key.
// Implementations may cache, rotate, or fetch on every call.
type SecretProvider interface {
	Secret(ctx context.Context, keyID string) ([]byte, error)
}

// Claims is the standard claim set signed into every outbound attempt's
// bearer token. Only registered JWT claims plus an issuer-defined subject;
// no bespoke fields.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTAuthenticator issues short-lived bearer tokens, caching the signed
// value between attempts and minting a new one once it has expired.
type JWTAuthenticator struct {
	provider SecretProvider
	keyID    string
	issuer   string
	subject  string
	ttl      time.Duration

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

// NewJWTAuthenticator constructs a JWTAuthenticator. ttl controls how long
// a signed token is reused before a fresh one is minted.
func NewJWTAuthenticator(provider SecretProvider, keyID, issuer, subject string, ttl time.Duration) *JWTAuthenticator {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &JWTAuthenticator{
		provider: provider,
		keyID:    keyID,
		issuer:   issuer,
		subject:  subject,
		ttl:      ttl,
	}
}

// Authenticate returns the Authorization header to attach to an outbound
// attempt, minting a new token if the cached one has expired.
func (a *JWTAuthenticator) Authenticate(ctx context.Context) (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if a.cached != "" && now.Before(a.expiresAt) {
		return map[string]string{"Authorization": "Bearer " + a.cached}, nil
	}

	secret, err := a.provider.Secret(ctx, a.keyID)
	if err != nil {
		return nil, fmt.Errorf("auth: resolve secret %q: %w", a.keyID, err)
	}

	expiresAt := now.Add(a.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   a.subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = a.keyID

	signed, err := token.SignedString(secret)
	if err != nil {
		return nil, fmt.Errorf("auth: sign token: %w", err)
	}

	a.cached = signed
	a.expiresAt = expiresAt

	return map[string]string{"Authorization": "Bearer " + signed}, nil
}
