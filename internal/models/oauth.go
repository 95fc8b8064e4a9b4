package models

import (
	"time"
)

// OAuthClient is a dynamically registered OAuth client (RFC 7591). Clients
// are public: no secret is issued and the token endpoint authenticates them
// by PKCE alone.
type OAuthClient struct {
	ClientID                string
	ClientName              string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	TokenEndpointAuthMethod string
	Scope                   string

	CreatedAt time.Time
}

// AuthorizationCode is a single-use code issued by the authorize endpoint and
// redeemed at the token endpoint. PKCE parameters are carried so the exchange
// can verify the caller holds the original verifier.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string

	// Identity captured at authorization time.
	UserID    string
	Login     string
	AgentName string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsExpired returns true if the code has expired.
func (c *AuthorizationCode) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}

// LoginState is the CSRF nonce minted when redirecting a browser to the
// identity provider. It is consumed exactly once on callback. ReturnTo
// carries the path to resume, which for client authorizations is the
// original /authorize URL.
type LoginState struct {
	State    string
	ReturnTo string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsExpired returns true if the state has expired.
func (s *LoginState) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}
