package gateway

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/toolgate/internal/credentials"
)

func TestTokenIssue(t *testing.T) {
	st := newTestStack(t, nil)
	st.seedACL(t, "github:1234567", "notes")
	cookie := st.seedSessionCookie(t, "github:1234567", "octocat")

	resp := st.do(t, http.MethodPost, "/tokens/issue", `{"note":"ci runner","ttlSeconds":3600}`, requestOptions{cookie: cookie})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Token     string    `json:"token"`
		TokenID   uuid.UUID `json:"tokenId"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	decodeBody(t, resp, &body)

	require.True(t, strings.HasPrefix(body.Token, credentials.AccessTokenPrefix), body.Token)
	require.NotEqual(t, uuid.Nil, body.TokenID)
	require.WithinDuration(t, time.Now().Add(time.Hour), body.ExpiresAt, time.Minute)

	// the minted token works as a bearer credential
	record, err := st.tokens.VerifyAccessToken(context.Background(), body.Token)
	require.NoError(t, err)
	require.Equal(t, "github:1234567", record.UserID)
	require.Equal(t, "ci runner", record.Note)

	_, sessionID := st.openStream(t, requestOptions{bearer: body.Token}, "?project=notes")
	require.NotEmpty(t, sessionID)
}

func TestTokenIssue_emptyBodyUsesDefaults(t *testing.T) {
	st := newTestStack(t, nil)
	cookie := st.seedSessionCookie(t, "github:1234567", "octocat")

	resp := st.do(t, http.MethodPost, "/tokens/issue", "", requestOptions{cookie: cookie})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	decodeBody(t, resp, &body)
	require.NotEmpty(t, body.Token)
	require.WithinDuration(t, time.Now().Add(credentials.DefaultAccessTokenTTL), body.ExpiresAt, time.Minute)
}

func TestTokenIssue_bearerNotAccepted(t *testing.T) {
	st := newTestStack(t, nil)
	st.seedACL(t, "github:1234567", "notes")
	token := st.issueToken(t, "github:1234567", "octocat")

	resp := st.do(t, http.MethodPost, "/tokens/issue", `{"note":"escalation"}`, requestOptions{bearer: token})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTokenIssue_crossSiteBlocked(t *testing.T) {
	st := newTestStack(t, nil)
	cookie := st.seedSessionCookie(t, "github:1234567", "octocat")

	resp := st.do(t, http.MethodPost, "/tokens/issue", `{"note":"csrf"}`, requestOptions{
		cookie:  cookie,
		headers: map[string]string{"Sec-Fetch-Site": "cross-site"},
	})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTokenRevoke(t *testing.T) {
	st := newTestStack(t, nil)
	cookie := st.seedSessionCookie(t, "github:1234567", "octocat")

	resp := st.do(t, http.MethodPost, "/tokens/issue", `{"note":"short lived"}`, requestOptions{cookie: cookie})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var issued struct {
		Token   string    `json:"token"`
		TokenID uuid.UUID `json:"tokenId"`
	}
	decodeBody(t, resp, &issued)

	resp = st.do(t, http.MethodPost, "/tokens/revoke", `{"tokenId":"`+issued.TokenID.String()+`"}`, requestOptions{cookie: cookie})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, err := st.tokens.VerifyAccessToken(context.Background(), issued.Token)
	require.ErrorIs(t, err, credentials.ErrInvalidToken)

	// revoking again is a no-op
	resp = st.do(t, http.MethodPost, "/tokens/revoke", `{"tokenId":"`+issued.TokenID.String()+`"}`, requestOptions{cookie: cookie})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestTokenRevoke_notOwned(t *testing.T) {
	st := newTestStack(t, nil)

	token, record, err := st.tokens.IssueAccessToken(context.Background(), credentials.Grant{
		UserID: "github:1234567",
		Login:  "octocat",
	}, time.Hour)
	require.NoError(t, err)

	otherCookie := st.seedSessionCookie(t, "github:7654321", "intruder")

	resp := st.do(t, http.MethodPost, "/tokens/revoke", `{"tokenId":"`+record.TokenID.String()+`"}`, requestOptions{cookie: otherCookie})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// still valid for the owner
	_, err = st.tokens.VerifyAccessToken(context.Background(), token)
	require.NoError(t, err)
}

func TestTokenRevoke_invalidBody(t *testing.T) {
	st := newTestStack(t, nil)
	cookie := st.seedSessionCookie(t, "github:1234567", "octocat")

	for _, body := range []string{``, `{}`, `{"tokenId":"not-a-uuid"}`} {
		resp := st.do(t, http.MethodPost, "/tokens/revoke", body, requestOptions{cookie: cookie})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}
