// Package login implements the browser-facing GitHub login flow. State
// nonces and session records live in the credential store rather than in
// signed cookies, so any gateway instance can serve the callback and
// logout invalidates the session server-side.
package login

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	httpmiddleware "github.com/wolfeidau/toolgate/internal/http"
	"github.com/wolfeidau/toolgate/internal/idp"
	"github.com/wolfeidau/toolgate/internal/kv"
	"github.com/wolfeidau/toolgate/internal/models"
)

var (
	ErrInvalidSession = errors.New("invalid session")
	ErrExpiredSession = errors.New("session expired")
)

const (
	// StateCookieName holds the CSRF nonce during the external round-trip.
	StateCookieName = "state"

	// SessionCookieName holds the opaque session ID after login.
	SessionCookieName = "_gateway_session"

	stateTTL = 10 * time.Minute

	// DefaultSessionTTL caps browser sessions when no TTL is configured.
	DefaultSessionTTL = 24 * time.Hour
)

// Service drives the external login round-trip and resolves session cookies
// to their server-side records.
type Service struct {
	provider   idp.Provider
	store      kv.Store
	sessionTTL time.Duration
}

// NewService creates a login service backed by the given identity provider
// and store. A sessionTTL of zero or less falls back to DefaultSessionTTL.
func NewService(provider idp.Provider, store kv.Store, sessionTTL time.Duration) *Service {
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	return &Service{provider: provider, store: store, sessionTTL: sessionTTL}
}

// LoginHandler starts the GitHub OAuth flow. An optional return_to query
// parameter is carried through the state record so the callback can resume
// an interrupted request, typically an /authorize URL.
func (s *Service) LoginHandler(w http.ResponseWriter, r *http.Request) {
	state := rand.Text()

	now := time.Now()
	record := models.LoginState{
		State:     state,
		ReturnTo:  r.URL.Query().Get("return_to"),
		CreatedAt: now,
		ExpiresAt: now.Add(stateTTL),
	}

	data, err := json.Marshal(record)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal login state")
		http.Error(w, "Authentication failed", http.StatusInternalServerError)
		return
	}

	if err := s.store.Put(r.Context(), kv.Key(kv.NamespaceState, state), data, stateTTL); err != nil {
		log.Error().Err(err).Msg("Failed to store login state")
		http.Error(w, "Authentication failed", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(stateTTL.Seconds()),
	})

	log.Debug().Msg("Initiating GitHub OAuth flow")

	http.Redirect(w, r, s.provider.AuthCodeURL(state), http.StatusFound)
}

// CallbackHandler completes the GitHub OAuth flow. The state nonce is
// consumed from the store before any other validation so a replayed
// callback dies on first contact even when a later check fails. The query
// state must also match the state cookie, which ties the callback to the
// browser that started the flow.
func (s *Service) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	log.Debug().Msg("OAuth callback received")

	state := r.FormValue("state")
	code := r.FormValue("code")

	if state == "" || code == "" {
		log.Warn().Msg("OAuth callback missing state or code")
		http.Error(w, "Authentication failed", http.StatusBadRequest)
		return
	}

	data, err := s.store.Take(r.Context(), kv.Key(kv.NamespaceState, state))
	if err != nil {
		log.Warn().Err(err).Msg("OAuth callback state not found")
		http.Error(w, "Authentication failed", http.StatusBadRequest)
		return
	}

	var stateRecord models.LoginState
	if err := json.Unmarshal(data, &stateRecord); err != nil {
		log.Warn().Err(err).Msg("Failed to unmarshal login state")
		http.Error(w, "Authentication failed", http.StatusBadRequest)
		return
	}

	if stateRecord.IsExpired() {
		log.Warn().Msg("OAuth callback state expired")
		http.Error(w, "Authentication failed", http.StatusBadRequest)
		return
	}

	cookie, err := r.Cookie(StateCookieName)
	if err != nil {
		log.Warn().Err(err).Msg("OAuth callback missing state cookie")
		http.Error(w, "Authentication failed", http.StatusBadRequest)
		return
	}

	if state != cookie.Value {
		log.Warn().Msg("OAuth callback state mismatch")
		http.Error(w, "Authentication failed", http.StatusBadRequest)
		return
	}

	log.Debug().Msg("OAuth state validated successfully")

	clearCookie(w, StateCookieName)

	profile, err := s.provider.Exchange(r.Context(), code)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to exchange OAuth code for profile")
		http.Error(w, "Authentication failed", http.StatusBadRequest)
		return
	}

	session, err := s.createSession(r, profile)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create session")
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    session.SessionID.String(),
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.sessionTTL.Seconds()),
	})

	log.Info().Str("user_id", session.UserID).Str("login", session.Login).Msg("User authenticated successfully")

	http.Redirect(w, r, sanitizeReturnTo(stateRecord.ReturnTo), http.StatusFound)
}

// LogoutHandler deletes the server-side session record and clears the
// session cookie. Logging out without a session is not an error.
func (s *Service) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(SessionCookieName)
	if err == nil && cookie.Value != "" {
		if err := s.store.Delete(r.Context(), kv.Key(kv.NamespaceSession, cookie.Value)); err != nil {
			log.Warn().Err(err).Msg("Failed to delete session record")
		} else {
			log.Debug().Msg("Session record deleted")
		}
	}

	clearCookie(w, SessionCookieName)

	w.WriteHeader(http.StatusNoContent)
}

// SessionFromRequest resolves the session cookie on r to its server-side
// record. It returns ErrInvalidSession when the cookie is missing or does
// not match a stored session, and ErrExpiredSession when the record has
// outlived its TTL but the sweeper has not caught up yet.
func (s *Service) SessionFromRequest(ctx context.Context, r *http.Request) (*models.LoginSession, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, ErrInvalidSession
	}

	sessionID, err := uuid.Parse(cookie.Value)
	if err != nil {
		log.Debug().Msg("Invalid session cookie format")
		return nil, ErrInvalidSession
	}

	data, err := s.store.Get(ctx, kv.Key(kv.NamespaceSession, sessionID.String()))
	if err != nil {
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, ErrInvalidSession
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var session models.LoginSession
	if err := json.Unmarshal(data, &session); err != nil {
		log.Debug().Msg("Failed to unmarshal session record")
		return nil, ErrInvalidSession
	}

	if session.IsExpired() {
		log.Debug().Str("user_id", session.UserID).Msg("Session expired")
		return nil, ErrExpiredSession
	}

	return &session, nil
}

func (s *Service) createSession(r *http.Request, profile *idp.Profile) (*models.LoginSession, error) {
	sessionID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := time.Now()
	session := &models.LoginSession{
		SessionID:  sessionID,
		UserID:     profile.UserID,
		Login:      profile.Login,
		Email:      profile.Email,
		AvatarURL:  profile.AvatarURL,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.sessionTTL),
		LastUsedAt: now,
		UserAgent:  r.UserAgent(),
		IPAddress:  httpmiddleware.ClientIPFromContext(r.Context()),
	}

	data, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := s.store.Put(r.Context(), kv.Key(kv.NamespaceSession, sessionID.String()), data, s.sessionTTL); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	return session, nil
}

// sanitizeReturnTo restricts post-login redirects to same-origin relative
// paths. Anything absolute, protocol-relative or otherwise unparseable
// falls back to the root.
func sanitizeReturnTo(returnTo string) string {
	if returnTo == "" {
		return "/"
	}

	if !strings.HasPrefix(returnTo, "/") || strings.HasPrefix(returnTo, "//") || strings.HasPrefix(returnTo, "/\\") {
		return "/"
	}

	u, err := url.Parse(returnTo)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}

	return returnTo
}

func clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}
