package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/toolgate/internal/models"
)

const (
	testVerifier    = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testRedirectURI = "http://127.0.0.1:8123/callback"
)

func challengeFor(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

func loggedIn(sessions *fakeSessions) {
	sessions.session = &models.LoginSession{
		UserID:    "github:1234567",
		Login:     "octocat",
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

// authorize drives GET /authorize and returns the redirect Location.
func authorize(t *testing.T, srv *Server, query url.Values) *url.URL {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/authorize?"+query.Encode(), nil)
	srv.HandleAuthorize(w, r)
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())

	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)

	return loc
}

func authorizeQuery(clientID string) url.Values {
	return url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {testRedirectURI},
		"response_type":         {"code"},
		"state":                 {"xyz123"},
		"code_challenge":        {challengeFor(testVerifier)},
		"code_challenge_method": {"S256"},
	}
}

// exchange drives POST /token with a form body and returns the recorder.
func exchange(t *testing.T, srv *Server, form url.Values) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	srv.HandleToken(w, r)
	return w
}

func TestHandleAuthorize(t *testing.T) {
	t.Run("unknown client gets 400 not redirect", func(t *testing.T) {
		srv, sessions := newTestServer(t)
		loggedIn(sessions)

		w := httptest.NewRecorder()
		q := authorizeQuery("nonexistent")
		srv.HandleAuthorize(w, httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil))

		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), "unknown client_id")
	})

	t.Run("unregistered redirect uri gets 400 not redirect", func(t *testing.T) {
		srv, sessions := newTestServer(t)
		loggedIn(sessions)
		clientID := registerClient(t, srv, `{"redirect_uris":["http://127.0.0.1"]}`)

		q := authorizeQuery(clientID)
		q.Set("redirect_uri", "https://evil.example.com/steal")

		w := httptest.NewRecorder()
		srv.HandleAuthorize(w, httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil))

		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), "redirect_uri")
	})

	t.Run("wrong response type redirects with error", func(t *testing.T) {
		srv, sessions := newTestServer(t)
		loggedIn(sessions)
		clientID := registerClient(t, srv, `{"redirect_uris":["http://127.0.0.1"]}`)

		q := authorizeQuery(clientID)
		q.Set("response_type", "token")

		loc := authorize(t, srv, q)
		require.Equal(t, "unsupported_response_type", loc.Query().Get("error"))
		require.Equal(t, "xyz123", loc.Query().Get("state"))
	})

	t.Run("missing code challenge redirects with error", func(t *testing.T) {
		srv, sessions := newTestServer(t)
		loggedIn(sessions)
		clientID := registerClient(t, srv, `{"redirect_uris":["http://127.0.0.1"]}`)

		q := authorizeQuery(clientID)
		q.Del("code_challenge")

		loc := authorize(t, srv, q)
		require.Equal(t, "invalid_request", loc.Query().Get("error"))
	})

	t.Run("plain challenge method redirects with error", func(t *testing.T) {
		srv, sessions := newTestServer(t)
		loggedIn(sessions)
		clientID := registerClient(t, srv, `{"redirect_uris":["http://127.0.0.1"]}`)

		q := authorizeQuery(clientID)
		q.Set("code_challenge_method", "plain")

		loc := authorize(t, srv, q)
		require.Equal(t, "invalid_request", loc.Query().Get("error"))
	})

	t.Run("unauthenticated browser sent to login with return_to", func(t *testing.T) {
		srv, _ := newTestServer(t)
		clientID := registerClient(t, srv, `{"redirect_uris":["http://127.0.0.1"]}`)

		loc := authorize(t, srv, authorizeQuery(clientID))
		require.Equal(t, LoginPath, loc.Path)

		returnTo := loc.Query().Get("return_to")
		require.Contains(t, returnTo, "/authorize?")
		require.Contains(t, returnTo, "client_id="+clientID)
	})

	t.Run("authenticated browser gets code and state", func(t *testing.T) {
		srv, sessions := newTestServer(t)
		loggedIn(sessions)
		clientID := registerClient(t, srv, `{"redirect_uris":["http://127.0.0.1"]}`)

		loc := authorize(t, srv, authorizeQuery(clientID))
		require.Equal(t, "127.0.0.1:8123", loc.Host)
		require.NotEmpty(t, loc.Query().Get("code"))
		require.Equal(t, "xyz123", loc.Query().Get("state"))
	})
}

func TestHandleToken_AuthorizationCode(t *testing.T) {
	issueCode := func(t *testing.T, srv *Server, sessions *fakeSessions) (string, string) {
		loggedIn(sessions)
		clientID := registerClient(t, srv, `{"client_name":"research-agent","redirect_uris":["http://127.0.0.1"]}`)
		loc := authorize(t, srv, authorizeQuery(clientID))
		return clientID, loc.Query().Get("code")
	}

	t.Run("valid exchange issues tokens", func(t *testing.T) {
		srv, sessions := newTestServer(t)
		clientID, code := issueCode(t, srv, sessions)

		w := exchange(t, srv, url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"redirect_uri":  {testRedirectURI},
			"client_id":     {clientID},
			"code_verifier": {testVerifier},
		})

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		require.Equal(t, "no-store", w.Header().Get("Cache-Control"))

		var resp tokenResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.True(t, strings.HasPrefix(resp.AccessToken, "tg_"))
		require.True(t, strings.HasPrefix(resp.RefreshToken, "tgr_"))
		require.Equal(t, "Bearer", resp.TokenType)
		require.Equal(t, int(accessTTL/time.Second), resp.ExpiresIn)

		// Token verifies and carries the session identity
		record, err := srv.tokens.VerifyAccessToken(context.Background(), resp.AccessToken)
		require.NoError(t, err)
		require.Equal(t, "github:1234567", record.UserID)
		require.Equal(t, "research-agent", record.AgentName)
	})

	t.Run("code is single use", func(t *testing.T) {
		srv, sessions := newTestServer(t)
		clientID, code := issueCode(t, srv, sessions)

		form := url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"redirect_uri":  {testRedirectURI},
			"client_id":     {clientID},
			"code_verifier": {testVerifier},
		}

		require.Equal(t, http.StatusOK, exchange(t, srv, form).Code)

		w := exchange(t, srv, form)
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), "invalid_grant")
	})

	t.Run("wrong verifier fails", func(t *testing.T) {
		srv, sessions := newTestServer(t)
		clientID, code := issueCode(t, srv, sessions)

		w := exchange(t, srv, url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"redirect_uri":  {testRedirectURI},
			"client_id":     {clientID},
			"code_verifier": {"wrong-verifier-wrong-verifier-wrong-verif"},
		})

		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), "invalid_grant")
	})

	t.Run("missing verifier is invalid_request", func(t *testing.T) {
		srv, sessions := newTestServer(t)
		clientID, code := issueCode(t, srv, sessions)

		w := exchange(t, srv, url.Values{
			"grant_type":   {"authorization_code"},
			"code":         {code},
			"redirect_uri": {testRedirectURI},
			"client_id":    {clientID},
		})

		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), "invalid_request")
	})

	t.Run("redirect uri mismatch fails", func(t *testing.T) {
		srv, sessions := newTestServer(t)
		clientID, code := issueCode(t, srv, sessions)

		w := exchange(t, srv, url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"redirect_uri":  {"http://127.0.0.1:9999/other"},
			"client_id":     {clientID},
			"code_verifier": {testVerifier},
		})

		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), "invalid_grant")
	})

	t.Run("unknown code fails", func(t *testing.T) {
		srv, _ := newTestServer(t)

		w := exchange(t, srv, url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {"never-issued"},
			"redirect_uri":  {testRedirectURI},
			"code_verifier": {testVerifier},
		})

		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), "invalid_grant")
	})

	t.Run("json body works", func(t *testing.T) {
		srv, sessions := newTestServer(t)
		clientID, code := issueCode(t, srv, sessions)

		body, err := json.Marshal(map[string]string{
			"grant_type":    "authorization_code",
			"code":          code,
			"redirect_uri":  testRedirectURI,
			"client_id":     clientID,
			"code_verifier": testVerifier,
		})
		require.NoError(t, err)

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(string(body)))
		r.Header.Set("Content-Type", "application/json")
		srv.HandleToken(w, r)

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	})

	t.Run("unsupported grant type", func(t *testing.T) {
		srv, _ := newTestServer(t)

		w := exchange(t, srv, url.Values{"grant_type": {"client_credentials"}})
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), "unsupported_grant_type")
	})
}

func TestHandleToken_RefreshToken(t *testing.T) {
	obtainTokens := func(t *testing.T, srv *Server, sessions *fakeSessions) (string, tokenResponse) {
		loggedIn(sessions)
		clientID := registerClient(t, srv, `{"redirect_uris":["http://127.0.0.1"]}`)
		loc := authorize(t, srv, authorizeQuery(clientID))

		w := exchange(t, srv, url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {loc.Query().Get("code")},
			"redirect_uri":  {testRedirectURI},
			"client_id":     {clientID},
			"code_verifier": {testVerifier},
		})
		require.Equal(t, http.StatusOK, w.Code)

		var resp tokenResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

		return clientID, resp
	}

	t.Run("refresh issues a new access token", func(t *testing.T) {
		srv, sessions := newTestServer(t)
		clientID, tokens := obtainTokens(t, srv, sessions)

		w := exchange(t, srv, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {tokens.RefreshToken},
			"client_id":     {clientID},
		})

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp tokenResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.True(t, strings.HasPrefix(resp.AccessToken, "tg_"))
		require.NotEqual(t, tokens.AccessToken, resp.AccessToken)
		require.Empty(t, resp.RefreshToken)
	})

	t.Run("refresh token survives reuse", func(t *testing.T) {
		srv, sessions := newTestServer(t)
		clientID, tokens := obtainTokens(t, srv, sessions)

		form := url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {tokens.RefreshToken},
			"client_id":     {clientID},
		}

		require.Equal(t, http.StatusOK, exchange(t, srv, form).Code)
		require.Equal(t, http.StatusOK, exchange(t, srv, form).Code)
	})

	t.Run("invalid refresh token fails", func(t *testing.T) {
		srv, _ := newTestServer(t)

		w := exchange(t, srv, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {"tgr_neverissued"},
		})

		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), "invalid_grant")
	})

	t.Run("missing refresh token is invalid_request", func(t *testing.T) {
		srv, _ := newTestServer(t)

		w := exchange(t, srv, url.Values{"grant_type": {"refresh_token"}})
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), "invalid_request")
	})

	t.Run("client id mismatch fails", func(t *testing.T) {
		srv, sessions := newTestServer(t)
		_, tokens := obtainTokens(t, srv, sessions)

		w := exchange(t, srv, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {tokens.RefreshToken},
			"client_id":     {"some-other-client"},
		})

		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), "invalid_grant")
	})
}

func TestVerifyPKCE(t *testing.T) {
	require.True(t, verifyPKCE(testVerifier, challengeFor(testVerifier)))
	require.False(t, verifyPKCE("other", challengeFor(testVerifier)))
	require.False(t, verifyPKCE(testVerifier, "bogus-challenge"))
}
