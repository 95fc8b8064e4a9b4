package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/toolgate/internal/acl"
	"github.com/wolfeidau/toolgate/internal/models"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// The ACL evaluator consumes the client as its project catalog.
var _ acl.ProjectCatalog = (*Client)(nil)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()

	c, err := New(&Config{BaseURL: baseURL, SharedSecret: testSecret})
	require.NoError(t, err)

	// No delay between retries in tests.
	c.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	return c
}

func testIdentity() *models.Identity {
	return &models.Identity{
		UserID:    "github:1234567",
		Login:     "octocat",
		AgentName: "release-bot",
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "valid",
			cfg:  Config{BaseURL: "http://127.0.0.1:9090", SharedSecret: testSecret},
		},
		{
			name:    "missing base URL",
			cfg:     Config{SharedSecret: testSecret},
			wantErr: "base URL is required",
		},
		{
			name:    "relative base URL",
			cfg:     Config{BaseURL: "backend:9090", SharedSecret: testSecret},
			wantErr: "must be absolute",
		},
		{
			name:    "short shared secret",
			cfg:     Config{BaseURL: "http://127.0.0.1:9090", SharedSecret: "too-short"},
			wantErr: "at least 32 bytes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestClient_CallTool(t *testing.T) {
	var gotProof string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/tools/search", r.URL.Path)
		require.Equal(t, "github:1234567", r.Header.Get(HeaderUserID))
		require.Equal(t, "release-bot", r.Header.Get(HeaderAgent))
		require.Equal(t, "notes", r.Header.Get(HeaderProject))

		gotProof = r.Header.Get(HeaderGateway)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.JSONEq(t, `{"query":"meeting notes"}`, string(body))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content":[{"type":"text","text":"found 2 notes"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	reply, err := c.CallTool(context.Background(), "search", json.RawMessage(`{"query":"meeting notes"}`), testIdentity(), "notes", false)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, reply.Status)
	require.JSONEq(t, `{"content":[{"type":"text","text":"found 2 notes"}]}`, string(reply.Body))

	// The origin proof must verify against the shared secret and bind the
	// caller and project.
	claims := &gatewayClaims{}
	token, err := jwt.ParseWithClaims(gotProof, claims, func(token *jwt.Token) (any, error) {
		return []byte(testSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	require.NoError(t, err)
	require.True(t, token.Valid)
	require.Equal(t, "github:1234567", claims.Subject)
	require.Equal(t, "notes", claims.Project)
	require.Equal(t, "toolgate", claims.Issuer)
	require.WithinDuration(t, time.Now().Add(gatewayProofTTL), claims.ExpiresAt.Time, 5*time.Second)
}

func TestClient_CallTool_defaultsEmptyArgs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.JSONEq(t, `{}`, string(body))
		w.Write([]byte(`{"content":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.CallTool(context.Background(), "ping", nil, testIdentity(), "notes", false)
	require.NoError(t, err)
}

func TestClient_CallTool_backendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"tool runtime unavailable"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.CallTool(context.Background(), "search", nil, testIdentity(), "notes", false)
	require.Error(t, err)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	require.Equal(t, http.StatusBadGateway, callErr.Status)
	require.JSONEq(t, `{"error":"tool runtime unavailable"}`, string(callErr.Detail))
}

func TestClient_CallTool_missingName(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:9090")

	_, err := c.CallTool(context.Background(), "", nil, testIdentity(), "notes", false)
	require.ErrorContains(t, err, "tool name is required")
}

func TestClient_ListTools(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		require.Equal(t, "/tools", r.URL.Path)
		require.NotEmpty(t, r.Header.Get(HeaderGateway))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"tools":[{"name":"search","description":"Search notes","inputSchema":{"type":"object","properties":{"query":{"type":"string"}}}}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, "search", tools[0].Name)
	require.Equal(t, "Search notes", tools[0].Description)
	require.Equal(t, "object", tools[0].InputSchema.Type)

	// Second read within the memo window never leaves the client.
	tools, err = c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, int64(1), requests.Load())
}

func TestClient_ListTools_httpCache(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=300")
		w.Write([]byte(`{"tools":[{"name":"search"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.ListTools(context.Background())
	require.NoError(t, err)

	// Expire the memo so the next read goes back through the transport,
	// which serves it from the HTTP cache.
	c.mu.Lock()
	c.toolsFetched = time.Now().Add(-time.Minute)
	c.mu.Unlock()

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, int64(1), requests.Load())
}

func TestClient_ListTools_retriesTransient(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"tools":[{"name":"search"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, int64(3), requests.Load())
}

func TestClient_ListTools_clientErrorIsPermanent(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.ListTools(context.Background())
	require.ErrorContains(t, err, "HTTP 404")
	require.Equal(t, int64(1), requests.Load())
}

func TestClient_ListProjects(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		require.Equal(t, "/projects", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"projects":["notes","qa"]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	projects, err := c.ListProjects(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"notes", "qa"}, projects)

	projects, err = c.ListProjects(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"notes", "qa"}, projects)
	require.Equal(t, int64(1), requests.Load())
}
