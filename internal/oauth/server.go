// Package oauth implements the gateway's authorization server: RFC 8414
// discovery, RFC 7591 dynamic client registration, and the authorization-code
// flow with mandatory PKCE. Agent clients discover the server, register,
// drive a browser through /authorize, and exchange the resulting code for
// gateway bearer tokens.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/wolfeidau/toolgate/internal/credentials"
	"github.com/wolfeidau/toolgate/internal/kv"
	"github.com/wolfeidau/toolgate/internal/models"
)

const (
	codeTTL        = 10 * time.Minute
	codeBytes      = 32
	accessTTL      = 24 * time.Hour
	maxRequestBody = 1 << 20 // 1 MiB
)

// LoginPath is where unauthenticated browsers are sent to establish a
// session before the authorization can proceed.
const LoginPath = "/auth/login"

// SessionResolver resolves the browser session cookie on a request. The
// login package provides the implementation.
type SessionResolver interface {
	SessionFromRequest(ctx context.Context, r *http.Request) (*models.LoginSession, error)
}

// Server holds the authorization server's dependencies.
type Server struct {
	issuer   string
	store    kv.Store
	tokens   *credentials.Service
	sessions SessionResolver
}

// NewServer creates an authorization server. issuer is the gateway's
// external base URL without a trailing slash.
func NewServer(issuer string, store kv.Store, tokens *credentials.Service, sessions SessionResolver) (*Server, error) {
	if issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	return &Server{
		issuer:   issuer,
		store:    store,
		tokens:   tokens,
		sessions: sessions,
	}, nil
}

// getClient loads a registered client by ID.
func (s *Server) getClient(ctx context.Context, clientID string) (*models.OAuthClient, error) {
	value, err := s.store.Get(ctx, kv.Key(kv.NamespaceClient, clientID))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	var client models.OAuthClient
	if err := json.Unmarshal(value, &client); err != nil {
		return nil, fmt.Errorf("failed to decode client: %w", err)
	}

	return &client, nil
}

// writeJSONError writes an RFC 6749 error body.
func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}
