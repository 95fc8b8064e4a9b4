package models

import (
	"time"

	"github.com/google/uuid"
)

// LoginSession represents a browser session established via the identity
// provider. The session ID is stored in an opaque cookie, while all session
// data lives server-side in the credential store.
type LoginSession struct {
	SessionID uuid.UUID // UUIDv7 - this is the only value stored in the cookie
	UserID    string    // stable subject, e.g. "github:1234567"
	Login     string
	Email     string
	AvatarURL string

	CreatedAt  time.Time
	ExpiresAt  time.Time
	LastUsedAt time.Time

	// Optional audit metadata
	UserAgent string
	IPAddress string
}

// IsExpired returns true if the session has expired.
func (s *LoginSession) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}
