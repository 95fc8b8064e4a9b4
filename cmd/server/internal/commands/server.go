package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/wolfeidau/toolgate/internal/acl"
	"github.com/wolfeidau/toolgate/internal/backend"
	"github.com/wolfeidau/toolgate/internal/credentials"
	"github.com/wolfeidau/toolgate/internal/dispatch"
	"github.com/wolfeidau/toolgate/internal/gateway"
	"github.com/wolfeidau/toolgate/internal/idp"
	"github.com/wolfeidau/toolgate/internal/kv"
	"github.com/wolfeidau/toolgate/internal/kv/memory"
	"github.com/wolfeidau/toolgate/internal/kv/postgres"
	"github.com/wolfeidau/toolgate/internal/logger"
	"github.com/wolfeidau/toolgate/internal/login"
	"github.com/wolfeidau/toolgate/internal/oauth"
	"github.com/wolfeidau/toolgate/internal/ratelimit"
	"github.com/wolfeidau/toolgate/internal/session"
	"github.com/wolfeidau/toolgate/internal/telemetry"
)

type ServerCmd struct {
	// Server configuration
	Listen  string `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"TOOLGATE_LISTEN"`
	BaseURL string `help:"externally visible base URL, used as the OAuth issuer" default:"http://localhost:8080" env:"TOOLGATE_BASE_URL"`
	Cert    string `help:"path to TLS cert file, plain HTTP when unset" default:"" env:"TOOLGATE_TLS_CERT"`
	Key     string `help:"path to TLS key file" default:"" env:"TOOLGATE_TLS_KEY"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins for API requests" default:"https://localhost" env:"TOOLGATE_CORS_ORIGINS"`

	// GitHub OAuth configuration
	ClientID     string        `help:"GitHub client ID" default:"" env:"TOOLGATE_GITHUB_CLIENT_ID"`
	ClientSecret string        `help:"GitHub client secret" default:"" env:"TOOLGATE_GITHUB_CLIENT_SECRET"`
	CallbackURL  string        `help:"GitHub callback URL" default:"" env:"TOOLGATE_GITHUB_CALLBACK_URL"`
	SessionTTL   time.Duration `help:"browser session TTL" default:"24h" env:"TOOLGATE_SESSION_TTL"`

	// Access control configuration
	ACLFile       string `help:"path to a YAML access control seed file" default:"" env:"TOOLGATE_ACL_FILE"`
	AutoProvision bool   `help:"grant first-time users access to the default project" default:"false" env:"TOOLGATE_AUTO_PROVISION"`

	// Operational modes
	Tracing bool `help:"enable tracing" default:"false" env:"TOOLGATE_TRACING"`

	// Store configuration
	StoreType     string             `help:"store type (memory or postgres)" default:"memory" env:"TOOLGATE_STORE_TYPE" enum:"memory,postgres"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`
	Backend       BackendFlags       `embed:"" prefix:"backend-"`
	Session       SessionFlags       `embed:"" prefix:"session-"`
	RateLimit     RateLimitFlags     `embed:"" prefix:"rate-limit-"`
}

type PostgresStoreFlags struct {
	// Connection Configuration
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32 `help:"maximum number of connections in pool" default:"20"`
	MinConns        int32 `help:"minimum number of connections in pool" default:"5"`
	MaxConnLifetime int32 `help:"maximum connection lifetime in seconds" default:"3600"`
	MaxConnIdleTime int32 `help:"maximum connection idle time in seconds" default:"1800"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"TOOLGATE_POSTGRES_AUTO_MIGRATE"`
}

// BackendFlags configures the connection to the tool backend.
type BackendFlags struct {
	URL          string        `help:"tool backend base URL" default:"http://127.0.0.1:9090" env:"TOOLGATE_BACKEND_URL"`
	SharedSecret string        `help:"shared secret proving calls came through the gateway" env:"TOOLGATE_BACKEND_SECRET"`
	Timeout      time.Duration `help:"per-request timeout for backend calls" default:"30s" env:"TOOLGATE_BACKEND_TIMEOUT"`
}

func (b *BackendFlags) Validate() error {
	if b.SharedSecret == "" {
		return errors.New("backend shared secret is required (--backend-shared-secret or TOOLGATE_BACKEND_SECRET)")
	}
	if len(b.SharedSecret) < 32 {
		return errors.New("backend shared secret must be at least 32 bytes")
	}
	return nil
}

// SessionFlags configures the per-session actor store and the event stream.
type SessionFlags struct {
	MaxSessions       int           `help:"maximum number of live sessions" default:"10000" env:"TOOLGATE_SESSION_MAX"`
	MailboxSize       int           `help:"queued messages per session before submits are rejected" default:"64" env:"TOOLGATE_SESSION_MAILBOX"`
	IdleTimeout       time.Duration `help:"how long a detached session lingers before it is reaped" default:"1h" env:"TOOLGATE_SESSION_IDLE_TIMEOUT"`
	MaxLifetime       time.Duration `help:"maximum lifetime of an attached stream" default:"12h" env:"TOOLGATE_SESSION_MAX_LIFETIME"`
	HeartbeatInterval time.Duration `help:"SSE keep-alive comment cadence" default:"15s" env:"TOOLGATE_SESSION_HEARTBEAT"`
}

// RateLimitFlags overrides the fixed-window limits on abuse-prone routes.
type RateLimitFlags struct {
	Login          int64         `help:"login attempts per window" default:"10"`
	LoginWindow    time.Duration `help:"login rate limit window" default:"5m"`
	Token          int64         `help:"token requests per window" default:"30"`
	TokenWindow    time.Duration `help:"token rate limit window" default:"5m"`
	Revoke         int64         `help:"revocations per window" default:"30"`
	RevokeWindow   time.Duration `help:"revocation rate limit window" default:"5m"`
	Register       int64         `help:"client registrations per window" default:"10"`
	RegisterWindow time.Duration `help:"registration rate limit window" default:"1m"`
}

func (r *RateLimitFlags) rules() gateway.RateLimits {
	return gateway.RateLimits{
		Login:    ratelimit.Rule{Limit: r.Login, Window: r.LoginWindow},
		Token:    ratelimit.Rule{Limit: r.Token, Window: r.TokenWindow},
		Revoke:   ratelimit.Rule{Limit: r.Revoke, Window: r.RevokeWindow},
		Register: ratelimit.Rule{Limit: r.Register, Window: r.RegisterWindow},
	}
}

func (c *ServerCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting gateway")

	// Setup telemetry if enabled
	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, "toolgate-server", globals.Version)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	store, pool, err := c.createStore(ctx, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close store")
		}
		if pool != nil {
			pool.Close()
		}
	}()

	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("failed to validate backend flags: %w", err)
	}
	backendClient, err := backend.New(&backend.Config{
		BaseURL:      c.Backend.URL,
		SharedSecret: c.Backend.SharedSecret,
		Timeout:      c.Backend.Timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create backend client: %w", err)
	}

	evaluator := acl.NewEvaluator(store, backendClient, c.AutoProvision)
	if c.ACLFile != "" {
		loaded, err := evaluator.SeedFromFile(ctx, c.ACLFile)
		if err != nil {
			return fmt.Errorf("failed to seed access control entries: %w", err)
		}
		log.Info().Int("entries", loaded).Str("file", c.ACLFile).Msg("Access control entries seeded")
	}

	gh, err := idp.NewGithub(&idp.GithubConfig{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		CallbackURL:  c.CallbackURL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize GitHub provider: %w", err)
	}

	loginService := login.NewService(gh, store, c.SessionTTL)
	tokens := credentials.NewService(store)

	oauthServer, err := oauth.NewServer(c.BaseURL, store, tokens, loginService)
	if err != nil {
		return fmt.Errorf("failed to create authorization server: %w", err)
	}

	registry := session.NewRegistry(session.Config{
		MaxSessions: c.Session.MaxSessions,
		MailboxSize: c.Session.MailboxSize,
		IdleTimeout: c.Session.IdleTimeout,
		MaxLifetime: c.Session.MaxLifetime,
	}, dispatch.New(backendClient, evaluator, globals.Version))
	defer registry.Close()

	srv := gateway.NewServer(gateway.Config{
		BaseURL:           c.BaseURL,
		Version:           globals.Version,
		CORSOrigins:       c.CORSOrigins,
		HeartbeatInterval: c.Session.HeartbeatInterval,
		RateLimits:        c.RateLimit.rules(),
	}, gateway.Services{
		OAuth:    oauthServer,
		Login:    loginService,
		Tokens:   tokens,
		ACL:      evaluator,
		Sessions: registry,
		Limiter:  ratelimit.New(store),
	})

	httpServer := configureHTTPServer(c.Listen, logger.Requests(log)(srv.Handler()))

	useTLS := c.Cert != "" || c.Key != ""
	if useTLS {
		if c.Cert == "" || c.Key == "" {
			return errors.New("TLS requires both --cert and --key")
		}
		if _, err := os.Stat(c.Cert); err != nil {
			return fmt.Errorf("TLS certificate not found at %s: %w", c.Cert, err)
		}
		if _, err := os.Stat(c.Key); err != nil {
			return fmt.Errorf("TLS key not found at %s: %w", c.Key, err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", c.Listen).Bool("tls", useTLS).Msg("Starting HTTP server")
		if useTLS {
			errCh <- httpServer.ListenAndServeTLS(c.Cert, c.Key)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	}

	// Closing the registry ends the open event streams so Shutdown can
	// drain their handlers.
	registry.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}

	return nil
}

// createStore builds the configured store. For postgres the returned pool
// must be closed by the caller after the store; for memory it is nil.
func (c *ServerCmd) createStore(ctx context.Context, log zerolog.Logger) (kv.Store, *pgxpool.Pool, error) {
	switch c.StoreType {
	case "postgres":
		pool, err := postgres.NewPool(ctx, &postgres.PoolConfig{
			ConnString:      c.PostgresStore.ConnString,
			MaxConns:        c.PostgresStore.MaxConns,
			MinConns:        c.PostgresStore.MinConns,
			MaxConnLifetime: c.PostgresStore.MaxConnLifetime,
			MaxConnIdleTime: c.PostgresStore.MaxConnIdleTime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
		}

		store, err := postgres.New(ctx, pool, &postgres.Config{
			AutoMigrate: c.PostgresStore.AutoMigrate,
		})
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to create postgres store: %w", err)
		}

		log.Info().Msg("Using PostgreSQL credential store")
		return store, pool, nil

	default:
		log.Info().Msg("Using in-memory credential store")
		return memory.New(time.Minute), nil, nil
	}
}
