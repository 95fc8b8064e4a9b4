package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/toolgate/internal/auth"
	"github.com/wolfeidau/toolgate/internal/credentials"
	"github.com/wolfeidau/toolgate/internal/telemetry"
)

type tokenIssueRequest struct {
	Note       string `json:"note"`
	TTLSeconds int64  `json:"ttlSeconds"`
}

type tokenIssueResponse struct {
	Token     string    `json:"token"`
	TokenID   uuid.UUID `json:"tokenId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// handleTokenIssue mints a personal access token for the browser session.
// The plaintext token appears in this response and nowhere else.
func (s *Server) handleTokenIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	identity := auth.IdentityFromContext(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	// both fields are optional, an empty body is fine
	var req tokenIssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	token, record, err := s.tokens.IssueAccessToken(r.Context(), credentials.Grant{
		UserID:    identity.UserID,
		Login:     identity.Login,
		AgentName: identity.AgentName,
		Note:      req.Note,
	}, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		log.Error().Err(err).Str("user_id", identity.UserID).Msg("Failed to issue token")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	telemetry.GetMetrics().TokensIssuedTotal.Add(r.Context(), 1)

	writeJSON(w, http.StatusOK, tokenIssueResponse{
		Token:     token,
		TokenID:   record.TokenID,
		ExpiresAt: record.ExpiresAt,
	})
}

type tokenRevokeRequest struct {
	TokenID uuid.UUID `json:"tokenId"`
}

// handleTokenRevoke deletes a token by its ID. Unknown IDs succeed so revoke
// is idempotent; tokens owned by someone else are refused.
func (s *Server) handleTokenRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	identity := auth.IdentityFromContext(r.Context())
	if identity == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req tokenRevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TokenID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if err := s.tokens.Revoke(r.Context(), identity.UserID, req.TokenID); err != nil {
		if errors.Is(err, credentials.ErrTokenNotOwned) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		log.Error().Err(err).Str("token_id", req.TokenID.String()).Msg("Failed to revoke token")
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	telemetry.GetMetrics().TokensRevokedTotal.Add(r.Context(), 1)

	w.WriteHeader(http.StatusNoContent)
}
