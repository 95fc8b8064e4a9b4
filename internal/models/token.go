package models

import (
	"time"

	"github.com/google/uuid"
)

// AccessToken is an issued bearer token record. The token value itself is
// never stored, only its fingerprint (base58-encoded SHA256), so a leaked
// store dump cannot be replayed against the gateway.
type AccessToken struct {
	TokenID     uuid.UUID // UUIDv7, the handle used for self-service revocation
	Fingerprint string    // base58(SHA256(token)), storage key
	UserID      string
	Login       string
	AgentName   string
	Project     string
	ClientID    string // OAuth client that obtained the token, empty for direct issue
	Scope       string
	Note        string // operator-facing label from /tokens/issue

	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsExpired returns true if the token has expired.
func (t *AccessToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// RefreshToken is an issued refresh token record, stored by fingerprint like
// access tokens. Redeeming it mints a fresh access token for the same grant.
// Refresh tokens are not consumed on use and lapse only by TTL.
type RefreshToken struct {
	Fingerprint string
	UserID      string
	Login       string
	AgentName   string
	Project     string
	ClientID    string
	Scope       string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsExpired returns true if the refresh token has expired.
func (t *RefreshToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}
