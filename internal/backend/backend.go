// Package backend is the gateway's client for the tool backend. Tool calls
// are forwarded with identity headers and a signed gateway-origin proof,
// while catalog reads go through a caching transport with retries.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gregjones/httpcache"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/toolgate/internal/models"
)

// Identity and origin headers attached to every forwarded tool call.
const (
	HeaderUserID  = "X-Toolgate-User-Id"
	HeaderAgent   = "X-Toolgate-Agent"
	HeaderProject = "X-Toolgate-Project"
	HeaderGateway = "X-Toolgate-Gateway"
)

const (
	// DefaultTimeout bounds a single backend round-trip.
	DefaultTimeout = 30 * time.Second

	minSecretBytes  = 32
	gatewayProofTTL = 60 * time.Second
	maxResponseBody = 4 << 20
)

// Config configures the backend client.
type Config struct {
	// BaseURL is the backend's root URL, e.g. http://127.0.0.1:9090.
	BaseURL string

	// SharedSecret signs the gateway-origin proof header. The backend holds
	// the same secret and rejects calls without a valid proof.
	SharedSecret string

	// Timeout bounds each request. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("backend base URL is required")
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend base URL must be absolute: %q", c.BaseURL)
	}

	if len(c.SharedSecret) < minSecretBytes {
		return fmt.Errorf("backend shared secret must be at least %d bytes", minSecretBytes)
	}

	return nil
}

// ToolReply is a successful backend response to a tool call. Body is the raw
// JSON payload, normalized later by dispatch.
type ToolReply struct {
	Status int
	Body   json.RawMessage
}

// CallError is a backend-reported tool failure carrying whatever detail
// payload the backend returned.
type CallError struct {
	Status int
	Detail json.RawMessage
}

func (e *CallError) Error() string {
	return fmt.Sprintf("backend returned HTTP %d", e.Status)
}

// Client calls the tool backend. It also satisfies the ACL evaluator's
// project catalog interface.
type Client struct {
	baseURL    string
	secret     []byte
	httpClient *http.Client

	// newBackOff is replaced in tests to avoid real retry delays.
	newBackOff func() backoff.BackOff

	mu              sync.Mutex
	tools           []mcp.Tool
	toolsFetched    time.Time
	projects        []string
	projectsFetched time.Time
}

// New creates a backend client. Catalog responses carry Cache-Control
// headers which the caching transport honours; tool calls are POSTs and
// pass straight through.
func New(cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		secret:  []byte(cfg.SharedSecret),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: httpcache.NewTransport(httpcache.NewMemoryCache()),
		},
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}, nil
}

// CallTool forwards a tool invocation to the backend. Identity travels as
// headers alongside the gateway-origin proof; args must be a JSON object
// and defaults to {} when empty. Non-2xx responses come back as *CallError.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage, identity *models.Identity, project string, crossProject bool) (*ToolReply, error) {
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tools/"+url.PathEscape(name), bytes.NewReader(args))
	if err != nil {
		return nil, fmt.Errorf("failed to build tool request: %w", err)
	}

	proof, err := c.gatewayProof(identity.UserID, project)
	if err != nil {
		return nil, fmt.Errorf("failed to sign gateway proof: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderUserID, identity.UserID)
	req.Header.Set(HeaderAgent, identity.AgentName)
	req.Header.Set(HeaderProject, project)
	req.Header.Set(HeaderGateway, proof)

	log.Debug().
		Str("tool", name).
		Str("user_id", identity.UserID).
		Str("project", project).
		Bool("cross_project", crossProject).
		Msg("Forwarding tool call to backend")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool call failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read tool response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warn().
			Str("tool", name).
			Int("status", resp.StatusCode).
			Msg("Backend rejected tool call")
		return nil, &CallError{Status: resp.StatusCode, Detail: data}
	}

	return &ToolReply{Status: resp.StatusCode, Body: data}, nil
}

type gatewayClaims struct {
	Project string `json:"project,omitempty"`
	jwt.RegisteredClaims
}

// gatewayProof mints the short-lived HS256 token proving the call left the
// gateway rather than a client talking to the backend directly.
func (c *Client) gatewayProof(userID, project string) (string, error) {
	now := time.Now()
	claims := &gatewayClaims{
		Project: project,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    "toolgate",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(gatewayProofTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.secret)
}
