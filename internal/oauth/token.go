package oauth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/toolgate/internal/credentials"
	"github.com/wolfeidau/toolgate/internal/kv"
	"github.com/wolfeidau/toolgate/internal/models"
)

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	ClientID     string `json:"client_id"`
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// HandleToken serves POST /token with form- or JSON-encoded bodies for the
// authorization_code and refresh_token grants.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req tokenRequest
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
			return
		}
		req = tokenRequest{
			GrantType:    r.FormValue("grant_type"),
			Code:         r.FormValue("code"),
			RedirectURI:  r.FormValue("redirect_uri"),
			CodeVerifier: r.FormValue("code_verifier"),
			ClientID:     r.FormValue("client_id"),
			RefreshToken: r.FormValue("refresh_token"),
		}
	}

	switch req.GrantType {
	case "authorization_code":
		s.handleAuthorizationCodeGrant(w, r, &req)
	case "refresh_token":
		s.handleRefreshTokenGrant(w, r, &req)
	default:
		writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "only authorization_code and refresh_token are supported")
	}
}

func (s *Server) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, req *tokenRequest) {
	if req.Code == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}
	if req.CodeVerifier == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "code_verifier is required (PKCE)")
		return
	}

	// Take consumes atomically, so a replayed code dies here even when two
	// exchanges race.
	value, err := s.store.Take(r.Context(), kv.Key(kv.NamespaceCode, req.Code))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid or expired authorization code")
			return
		}
		log.Error().Err(err).Msg("Failed to consume authorization code")
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to consume authorization code")
		return
	}

	var code models.AuthorizationCode
	if err := json.Unmarshal(value, &code); err != nil {
		log.Error().Err(err).Msg("Failed to decode authorization code record")
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to decode authorization code")
		return
	}

	if code.IsExpired() {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid or expired authorization code")
		return
	}

	if req.ClientID != "" && req.ClientID != code.ClientID {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "client_id mismatch")
		return
	}

	if req.RedirectURI != code.RedirectURI {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}

	if !verifyPKCE(req.CodeVerifier, code.CodeChallenge) {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}

	grant := credentials.Grant{
		UserID:    code.UserID,
		Login:     code.Login,
		AgentName: code.AgentName,
		ClientID:  code.ClientID,
		Scope:     code.Scope,
	}

	accessToken, _, err := s.tokens.IssueAccessToken(r.Context(), grant, accessTTL)
	if err != nil {
		log.Error().Err(err).Msg("Failed to issue access token")
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to issue token")
		return
	}

	refreshToken, _, err := s.tokens.IssueRefreshToken(r.Context(), grant, 0)
	if err != nil {
		log.Error().Err(err).Msg("Failed to issue refresh token")
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to issue token")
		return
	}

	log.Info().
		Str("client_id", code.ClientID).
		Str("user_id", code.UserID).
		Msg("Exchanged authorization code for tokens")

	writeTokenResponse(w, tokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(accessTTL / time.Second),
		RefreshToken: refreshToken,
		Scope:        code.Scope,
	})
}

func (s *Server) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, req *tokenRequest) {
	if req.RefreshToken == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	record, err := s.tokens.LookupRefreshToken(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, credentials.ErrInvalidToken) {
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid or expired refresh token")
			return
		}
		log.Error().Err(err).Msg("Failed to look up refresh token")
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to look up refresh token")
		return
	}

	if req.ClientID != "" && req.ClientID != record.ClientID {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "client_id mismatch")
		return
	}

	accessToken, _, err := s.tokens.IssueAccessToken(r.Context(), credentials.Grant{
		UserID:    record.UserID,
		Login:     record.Login,
		AgentName: record.AgentName,
		Project:   record.Project,
		ClientID:  record.ClientID,
		Scope:     record.Scope,
	}, accessTTL)
	if err != nil {
		log.Error().Err(err).Msg("Failed to issue access token")
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to issue token")
		return
	}

	log.Info().
		Str("client_id", record.ClientID).
		Str("user_id", record.UserID).
		Msg("Refreshed access token")

	writeTokenResponse(w, tokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(accessTTL / time.Second),
		Scope:       record.Scope,
	})
}

func writeTokenResponse(w http.ResponseWriter, resp tokenResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(resp)
}

// verifyPKCE checks that SHA256(verifier) matches the challenge (S256 method).
func verifyPKCE(verifier, challenge string) bool {
	h := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(h[:])
	return computed == challenge
}
