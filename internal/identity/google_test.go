package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/gemchat/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type fakeGoogle struct {
	server   *httptest.Server
	audience string
	expires  time.Time
	revoked  atomic.Int32
	verifier atomic.Value
}

func newFakeGoogle(t *testing.T, audience string) *fakeGoogle {
	t.Helper()
	f := &fakeGoogle{audience: audience, expires: time.Now().Add(time.Hour)}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("code") != "good-code" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		f.verifier.Store(r.Form.Get("code_verifier"))

		claims := googleClaims{
			Email:         "g@b.com",
			EmailVerified: true,
			Name:          "Gee",
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "google-sub",
				Audience:  jwt.ClaimStrings{f.audience},
				ExpiresAt: jwt.NewNumericDate(f.expires),
			},
		}
		idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
		require.NoError(t, err)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access-1",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     idToken,
		})
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("token") == "access-1" {
			f.revoked.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	})
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeGoogle) signIn() *GoogleSignIn {
	return NewGoogleSignIn("secret", "http://localhost/callback",
		WithEndpoint(oauth2.Endpoint{
			AuthURL:   f.server.URL + "/auth",
			TokenURL:  f.server.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		}),
		WithRevokeURL(f.server.URL+"/revoke"),
		WithHTTPClient(f.server.Client()),
	)
}

func TestGoogleSignInRequiresConfigure(t *testing.T) {
	t.Parallel()
	g := NewGoogleSignIn("", "")
	_, err := g.BuildSignInRequest()
	assert.ErrorIs(t, err, domain.ErrNotInitialized)
}

func TestGoogleSignInRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFakeGoogle(t, "client-1")
	g := f.signIn()
	g.Configure("client-1")

	req, err := g.BuildSignInRequest()
	require.NoError(t, err)
	u, err := url.Parse(req.URL)
	require.NoError(t, err)
	assert.Equal(t, req.State, u.Query().Get("state"))
	assert.Equal(t, "S256", u.Query().Get("code_challenge_method"))
	assert.Equal(t, "client-1", u.Query().Get("client_id"))

	tok, err := g.ParseResult(context.Background(), "?state="+req.State+"&code=good-code")
	require.NoError(t, err)
	assert.Equal(t, ProviderGoogle, tok.Provider)
	assert.Equal(t, "google-sub", tok.Subject)
	assert.Equal(t, "g@b.com", tok.Email)
	assert.True(t, tok.EmailVerified)
	assert.NotEmpty(t, f.verifier.Load())

	// State is single use.
	_, err = g.ParseResult(context.Background(), "state="+req.State+"&code=good-code")
	assert.True(t, IsAuthError(err, "invalid-state"))

	require.NoError(t, g.SignOut(context.Background()))
	assert.Equal(t, int32(1), f.revoked.Load())
	require.NoError(t, g.SignOut(context.Background()))
	assert.Equal(t, int32(1), f.revoked.Load())
}

func TestGoogleSignInRejectsBadResults(t *testing.T) {
	t.Parallel()
	f := newFakeGoogle(t, "someone-else")
	g := f.signIn()
	g.Configure("client-1")

	_, err := g.ParseResult(context.Background(), "error=access_denied")
	assert.True(t, IsAuthError(err, "access_denied"))

	req, err := g.BuildSignInRequest()
	require.NoError(t, err)
	_, err = g.ParseResult(context.Background(), "state="+req.State+"&code=bad-code")
	assert.Equal(t, domain.AuthNetwork, domain.AuthCategoryOf(err))

	req, err = g.BuildSignInRequest()
	require.NoError(t, err)
	_, err = g.ParseResult(context.Background(), "state="+req.State+"&code=good-code")
	assert.True(t, IsAuthError(err, "invalid-id-token"))
}
