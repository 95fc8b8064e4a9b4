package oauth

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/toolgate/internal/kv"
	"github.com/wolfeidau/toolgate/internal/models"
)

// registrationRequest is the DCR POST body (RFC 7591).
type registrationRequest struct {
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// registrationResponse is the DCR response.
type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

// HandleRegistration serves POST /register. Clients are public: no secret is
// issued, and the record never expires.
func (s *Server) HandleRegistration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "invalid request body")
		return
	}

	if len(req.RedirectURIs) == 0 {
		writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "redirect_uris is required")
		return
	}

	for _, raw := range req.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris must be absolute URIs")
			return
		}
	}

	clientID, err := uuid.NewV7()
	if err != nil {
		log.Error().Err(err).Msg("Failed to generate client ID")
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to register client")
		return
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "none"
	}

	now := time.Now()
	client := &models.OAuthClient{
		ClientID:                clientID.String(),
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: authMethod,
		Scope:                   req.Scope,
		CreatedAt:               now,
	}

	value, err := json.Marshal(client)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode client")
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to register client")
		return
	}

	if err := s.store.Add(r.Context(), kv.Key(kv.NamespaceClient, client.ClientID), value, 0); err != nil {
		log.Error().Err(err).Msg("Failed to store client")
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to register client")
		return
	}

	log.Info().
		Str("client_id", client.ClientID).
		Str("client_name", client.ClientName).
		Strs("redirect_uris", client.RedirectURIs).
		Msg("Registered OAuth client")

	resp := registrationResponse{
		ClientID:                client.ClientID,
		ClientIDIssuedAt:        now.Unix(),
		ClientName:              client.ClientName,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		Scope:                   client.Scope,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}
