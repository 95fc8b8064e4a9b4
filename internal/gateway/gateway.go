// Package gateway assembles the HTTP surface: discovery, registration and
// token grants, browser login, token self-service, and the session stream
// pair (/sse + /messages) in front of the tool backend.
package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"filippo.io/csrf"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/cors"

	"github.com/wolfeidau/toolgate/internal/acl"
	"github.com/wolfeidau/toolgate/internal/auth"
	"github.com/wolfeidau/toolgate/internal/credentials"
	httpmiddleware "github.com/wolfeidau/toolgate/internal/http"
	"github.com/wolfeidau/toolgate/internal/login"
	"github.com/wolfeidau/toolgate/internal/oauth"
	"github.com/wolfeidau/toolgate/internal/ratelimit"
	"github.com/wolfeidau/toolgate/internal/session"
)

const defaultHeartbeatInterval = 15 * time.Second

// Config tunes the gateway surface.
type Config struct {
	// BaseURL is the externally visible base URL, no trailing slash.
	BaseURL string

	// Version is reported by /health.
	Version string

	// CORSOrigins are the allowed browser origins for the API surface.
	CORSOrigins []string

	// HeartbeatInterval is the SSE keep-alive comment cadence.
	HeartbeatInterval time.Duration

	RateLimits RateLimits
}

// RateLimits holds the per-surface fixed-window rules.
type RateLimits struct {
	Login    ratelimit.Rule
	Token    ratelimit.Rule
	Revoke   ratelimit.Rule
	Register ratelimit.Rule
}

// DefaultRateLimits returns the standard per-IP buckets.
func DefaultRateLimits() RateLimits {
	return RateLimits{
		Login:    ratelimit.Rule{Limit: 10, Window: 5 * time.Minute},
		Token:    ratelimit.Rule{Limit: 30, Window: 5 * time.Minute},
		Revoke:   ratelimit.Rule{Limit: 30, Window: 5 * time.Minute},
		Register: ratelimit.Rule{Limit: 10, Window: time.Minute},
	}
}

// Services are the assembled components the gateway composes into routes.
type Services struct {
	OAuth    *oauth.Server
	Login    *login.Service
	Tokens   *credentials.Service
	ACL      *acl.Evaluator
	Sessions *session.Registry
	Limiter  *ratelimit.Limiter
}

// Server is the gateway HTTP layer.
type Server struct {
	cfg      Config
	oauth    *oauth.Server
	login    *login.Service
	tokens   *credentials.Service
	acl      *acl.Evaluator
	sessions *session.Registry
	limiter  *ratelimit.Limiter
}

// NewServer creates the gateway server.
func NewServer(cfg Config, services Services) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}

	return &Server{
		cfg:      cfg,
		oauth:    services.OAuth,
		login:    services.Login,
		tokens:   services.Tokens,
		acl:      services.ACL,
		sessions: services.Sessions,
		limiter:  services.Limiter,
	}
}

// Handler builds the full route tree with per-route middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	clientIP := httpmiddleware.ClientIPMiddleware()
	limits := s.cfg.RateLimits

	// cookie-authenticated POSTs are CSRF-protected
	protection := csrf.New()

	resourceMetadataURL := s.cfg.BaseURL + "/.well-known/oauth-protected-resource"
	dualAuth := auth.DualAuthMiddleware(s.tokens, s.login, resourceMetadataURL)
	sessionAuth := auth.SessionAuthMiddleware(s.login, resourceMetadataURL)

	// discovery (public)
	mux.HandleFunc("/.well-known/oauth-authorization-server", s.oauth.HandleServerMetadata)
	mux.HandleFunc("/.well-known/openid-configuration", s.oauth.HandleServerMetadata)
	mux.HandleFunc("/.well-known/oauth-protected-resource", s.oauth.HandleProtectedResourceMetadata)

	// client registration and token grants (public, rate-limited)
	mux.Handle("/register", clientIP(s.limiter.Middleware("register", limits.Register)(
		http.HandlerFunc(s.oauth.HandleRegistration))))
	mux.Handle("/token", clientIP(s.limiter.Middleware("token", limits.Token)(
		http.HandlerFunc(s.oauth.HandleToken))))

	// authorization endpoint bounces unauthenticated browsers to login
	mux.Handle("/authorize", clientIP(http.HandlerFunc(s.oauth.HandleAuthorize)))

	// browser login round-trip
	mux.Handle("/auth/login", clientIP(http.HandlerFunc(s.login.LoginHandler)))
	mux.Handle("/auth/callback", clientIP(s.limiter.Middleware("login", limits.Login)(
		http.HandlerFunc(s.login.CallbackHandler))))
	mux.Handle("/auth/logout", clientIP(protection.Handler(sessionAuth(
		http.HandlerFunc(s.login.LogoutHandler)))))

	// token self-service for the browser session
	mux.Handle("/tokens/issue", clientIP(s.limiter.Middleware("token", limits.Token)(
		protection.Handler(sessionAuth(http.HandlerFunc(s.handleTokenIssue))))))
	mux.Handle("/tokens/revoke", clientIP(s.limiter.Middleware("revoke", limits.Revoke)(
		protection.Handler(sessionAuth(http.HandlerFunc(s.handleTokenRevoke))))))

	// session stream pair
	mux.Handle("/sse", clientIP(dualAuth(http.HandlerFunc(s.handleSSE))))
	mux.Handle("/messages", clientIP(dualAuth(http.HandlerFunc(s.handleMessages))))

	mux.HandleFunc("/health", s.handleHealth)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Mcp-Session-Id"},
		AllowCredentials: true,
	})

	// the event stream must never pass through the gzip writer
	stream := corsMiddleware.Handler(mux)
	api := corsMiddleware.Handler(gzhttp.GzipHandler(mux))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/sse" {
			stream.ServeHTTP(w, r)
			return
		}
		api.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.cfg.Version,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, errCode string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`+"\n", errCode)
}
