package oauth

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/toolgate/internal/kv"
	"github.com/wolfeidau/toolgate/internal/models"
)

// HandleAuthorize serves GET /authorize. Unknown clients and unvalidated
// redirect URIs always fail with a direct 400; once the redirect target is
// trusted, protocol errors return via redirect per RFC 6749 Section 4.1.2.1.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()

	clientID := q.Get("client_id")
	if clientID == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "client_id is required")
		return
	}

	client, err := s.getClient(r.Context(), clientID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load client")
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to load client")
		return
	}
	if client == nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "unknown client_id")
		return
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		// RFC 6749 Section 3.1.2.3: when only one redirect URI is
		// registered, use it. Otherwise require an explicit value.
		if len(client.RedirectURIs) == 1 {
			redirectURI = client.RedirectURIs[0]
		} else {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "redirect_uri is required when multiple URIs are registered")
			return
		}
	} else if !validateRedirectURI(client, redirectURI) {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "redirect_uri not registered for this client")
		return
	}

	state := q.Get("state")

	responseType := q.Get("response_type")
	if responseType != "code" {
		errCode := "unsupported_response_type"
		if responseType == "" {
			errCode = "invalid_request"
		}
		redirectWithError(w, r, redirectURI, state, errCode, `response_type must be "code"`)
		return
	}

	codeChallenge := q.Get("code_challenge")
	if codeChallenge == "" {
		redirectWithError(w, r, redirectURI, state, "invalid_request", "code_challenge is required (PKCE)")
		return
	}

	codeChallengeMethod := q.Get("code_challenge_method")
	if codeChallengeMethod != "" && codeChallengeMethod != "S256" {
		redirectWithError(w, r, redirectURI, state, "invalid_request", "only S256 code_challenge_method is supported")
		return
	}

	// The browser must carry a gateway session before we can bind a code to
	// a user. Send it through the login flow and back here.
	session, err := s.sessions.SessionFromRequest(r.Context(), r)
	if err != nil {
		returnTo := url.QueryEscape(r.URL.RequestURI())
		http.Redirect(w, r, LoginPath+"?return_to="+returnTo, http.StatusFound)
		return
	}

	code, err := s.issueCode(r, client, session, redirectURI, codeChallenge, q.Get("scope"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to issue authorization code")
		redirectWithError(w, r, redirectURI, state, "server_error", "failed to issue authorization code")
		return
	}

	params := url.Values{}
	params.Set("code", code)
	if state != "" {
		params.Set("state", state)
	}

	log.Info().
		Str("client_id", clientID).
		Str("user_id", session.UserID).
		Msg("Issued authorization code")

	http.Redirect(w, r, redirectURI+separator(redirectURI)+params.Encode(), http.StatusFound)
}

func (s *Server) issueCode(r *http.Request, client *models.OAuthClient, session *models.LoginSession, redirectURI, codeChallenge, scope string) (string, error) {
	buf := make([]byte, codeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	code := base58.Encode(buf)

	now := time.Now()
	record := &models.AuthorizationCode{
		Code:                code,
		ClientID:            client.ClientID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: "S256",
		UserID:              session.UserID,
		Login:               session.Login,
		AgentName:           client.ClientName,
		CreatedAt:           now,
		ExpiresAt:           now.Add(codeTTL),
	}

	value, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to encode code record: %w", err)
	}

	// Create-only write: a colliding code must never be overwritten.
	if err := s.store.Add(r.Context(), kv.Key(kv.NamespaceCode, code), value, codeTTL); err != nil {
		return "", fmt.Errorf("failed to store code record: %w", err)
	}

	return code, nil
}

// redirectWithError redirects the user-agent back to the client with an
// error response per RFC 6749 Section 4.1.2.1. This must only be called
// after the redirect_uri and client_id have been validated.
func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state, errCode, description string) {
	params := url.Values{}
	params.Set("error", errCode)
	params.Set("error_description", description)

	if state != "" {
		params.Set("state", state)
	}

	http.Redirect(w, r, redirectURI+separator(redirectURI)+params.Encode(), http.StatusFound)
}

func separator(redirectURI string) string {
	if strings.Contains(redirectURI, "?") {
		return "&"
	}
	return "?"
}

// validateRedirectURI checks that redirectURI matches one of the client's
// registered redirect_uris. Exact match is required for HTTPS URIs.
// For loopback URIs (http://127.0.0.1, http://[::1] or http://localhost),
// prefix matching is used so any port and path are accepted. This follows
// RFC 8252 Section 7.3 which allows dynamic ports for loopback redirects.
func validateRedirectURI(client *models.OAuthClient, redirectURI string) bool {
	for _, registered := range client.RedirectURIs {
		if redirectURI == registered {
			return true
		}

		// RFC 8252 Section 7.3: loopback redirect URIs may use any
		// port. Parse both as URLs and compare hostnames to prevent
		// DNS confusion (e.g. 127.0.0.1.evil.com).
		if isLocalhostPrefix(registered) && isLoopbackRedirect(redirectURI, registered) {
			return true
		}
	}

	return false
}

// isLocalhostPrefix returns true if the URI is an HTTP loopback prefix
// (http://127.0.0.1, http://[::1] or http://localhost) without a port or
// path, making it suitable for prefix matching per RFC 8252 Section 7.3.
func isLocalhostPrefix(uri string) bool {
	return uri == "http://127.0.0.1" || uri == "http://[::1]" || uri == "http://localhost"
}

// isLoopbackRedirect checks if redirectURI is a valid loopback redirect
// matching the registered prefix URI. It parses both as URLs and
// compares scheme and hostname to prevent DNS confusion attacks
// (e.g. 127.0.0.1.evil.com matching a 127.0.0.1 prefix).
func isLoopbackRedirect(redirectURI, registeredPrefix string) bool {
	ru, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}

	pu, err := url.Parse(registeredPrefix)
	if err != nil {
		return false
	}

	return ru.Scheme == pu.Scheme && ru.Hostname() == pu.Hostname()
}
