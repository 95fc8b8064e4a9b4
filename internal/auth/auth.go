// Package auth authenticates gateway requests. Programmatic clients present
// opaque bearer tokens, browsers present the gateway session cookie, and both
// resolve to the same Identity on the request context.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wolfeidau/toolgate/internal/login"
	"github.com/wolfeidau/toolgate/internal/models"
	"github.com/wolfeidau/toolgate/internal/telemetry"
)

type contextKey int

const identityContextKey contextKey = iota

// WithIdentity returns a context carrying the authenticated identity.
func WithIdentity(ctx context.Context, identity *models.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// IdentityFromContext extracts the authenticated identity from the request
// context. Returns nil if no identity is present (unauthenticated request).
func IdentityFromContext(ctx context.Context) *models.Identity {
	identity, _ := ctx.Value(identityContextKey).(*models.Identity)
	return identity
}

// TokenVerifier validates opaque bearer tokens.
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, token string) (*models.AccessToken, error)
}

// SessionResolver resolves the gateway session cookie to its server-side
// record.
type SessionResolver interface {
	SessionFromRequest(ctx context.Context, r *http.Request) (*models.LoginSession, error)
}

// DualAuthMiddleware creates an HTTP middleware that supports both bearer
// token and session cookie authentication. It tries the Authorization header
// first, then falls back to the session cookie. A present but invalid bearer
// token never falls back to the cookie.
func DualAuthMiddleware(
	tokens TokenVerifier,
	sessions SessionResolver,
	resourceMetadataURL string,
) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			authHeader := r.Header.Get("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				record, err := tokens.VerifyAccessToken(ctx, strings.TrimPrefix(authHeader, "Bearer "))
				if err != nil {
					log.Debug().Err(err).Msg("Dual auth: bearer verification failed")
					recordAuthFailure(ctx, "bearer")
					unauthorized(w, resourceMetadataURL, true)
					return
				}

				log.Debug().
					Str("user_id", record.UserID).
					Str("agent_name", record.AgentName).
					Msg("Dual auth: bearer authenticated")

				ctx = WithIdentity(ctx, &models.Identity{
					UserID:    record.UserID,
					Login:     record.Login,
					AgentName: record.AgentName,
					Project:   record.Project,
				})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			session, err := sessions.SessionFromRequest(ctx, r)
			if err != nil {
				log.Debug().Err(err).Msg("Dual auth: session authentication failed")
				recordAuthFailure(ctx, "cookie")
				unauthorized(w, resourceMetadataURL, hasSessionCookie(r))
				return
			}

			log.Debug().Str("user_id", session.UserID).Msg("Dual auth: session authenticated")

			ctx = WithIdentity(ctx, sessionIdentity(session))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionAuthMiddleware creates an HTTP middleware that accepts only the
// gateway session cookie. Token self-service routes use this so bearer
// tokens cannot mint or revoke credentials.
func SessionAuthMiddleware(
	sessions SessionResolver,
	resourceMetadataURL string,
) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session, err := sessions.SessionFromRequest(r.Context(), r)
			if err != nil {
				log.Debug().Err(err).Msg("Session auth: authentication failed")
				recordAuthFailure(r.Context(), "cookie")
				unauthorized(w, resourceMetadataURL, hasSessionCookie(r))
				return
			}

			log.Debug().Str("user_id", session.UserID).Msg("Session auth: authenticated")

			ctx := WithIdentity(r.Context(), sessionIdentity(session))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// sessionIdentity converts a browser session to an identity. Sessions carry
// no agent registration, so the login doubles as the display label.
func sessionIdentity(session *models.LoginSession) *models.Identity {
	return &models.Identity{
		UserID:    session.UserID,
		Login:     session.Login,
		AgentName: session.Login,
	}
}

func hasSessionCookie(r *http.Request) bool {
	_, err := r.Cookie(login.SessionCookieName)
	return err == nil
}

func recordAuthFailure(ctx context.Context, method string) {
	telemetry.GetMetrics().AuthFailuresTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("method", method)))
}

// unauthorized writes a 401 with the WWW-Authenticate challenge required by
// RFC 9728 section 5.1, so clients can locate the authorization server. The
// invalid_token error code is included only when a credential was actually
// presented.
func unauthorized(w http.ResponseWriter, resourceMetadataURL string, invalidToken bool) {
	challenge := fmt.Sprintf("Bearer resource_metadata=%q", resourceMetadataURL)
	if invalidToken {
		challenge = fmt.Sprintf("Bearer error=%q, resource_metadata=%q", "invalid_token", resourceMetadataURL)
	}
	w.Header().Set("WWW-Authenticate", challenge)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
