package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/gemchat/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const (
	googleRevokeURL = "https://oauth2.googleapis.com/revoke"
	pendingTTL      = 10 * time.Minute
)

// GoogleSignIn runs the Google OAuth2 authorization code flow with PKCE.
// Callback payloads are the raw query string of the redirect.
type GoogleSignIn struct {
	clientSecret string
	redirectURL  string
	endpoint     oauth2.Endpoint
	revokeURL    string
	httpClient   *http.Client
	now          func() time.Time

	mu      sync.Mutex
	cfg     *oauth2.Config
	pending map[string]pendingSignIn
	last    *oauth2.Token
}

type pendingSignIn struct {
	verifier string
	expires  time.Time
}

type googleClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	jwt.RegisteredClaims
}

// GoogleOption customizes a GoogleSignIn.
type GoogleOption func(*GoogleSignIn)

// WithEndpoint overrides the authorization and token endpoints.
func WithEndpoint(ep oauth2.Endpoint) GoogleOption {
	return func(g *GoogleSignIn) { g.endpoint = ep }
}

// WithRevokeURL overrides the token revocation endpoint.
func WithRevokeURL(u string) GoogleOption {
	return func(g *GoogleSignIn) { g.revokeURL = u }
}

// WithHTTPClient sets the client used for token exchange and revocation.
func WithHTTPClient(c *http.Client) GoogleOption {
	return func(g *GoogleSignIn) { g.httpClient = c }
}

// NewGoogleSignIn creates an unconfigured Google sign-in handoff.
func NewGoogleSignIn(clientSecret, redirectURL string, opts ...GoogleOption) *GoogleSignIn {
	g := &GoogleSignIn{
		clientSecret: clientSecret,
		redirectURL:  redirectURL,
		endpoint:     endpoints.Google,
		revokeURL:    googleRevokeURL,
		httpClient:   http.DefaultClient,
		now:          time.Now,
		pending:      make(map[string]pendingSignIn),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

var _ FederatedSignIn = (*GoogleSignIn)(nil)

// Configure sets the OAuth client id. Later calls replace the configuration.
func (g *GoogleSignIn) Configure(clientID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: g.clientSecret,
		Endpoint:     g.endpoint,
		RedirectURL:  g.redirectURL,
		Scopes:       []string{"openid", "email", "profile"},
	}
}

// BuildSignInRequest returns the consent URL and its state.
func (g *GoogleSignIn) BuildSignInRequest() (*SignInRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cfg == nil {
		return nil, domain.ErrNotInitialized
	}

	state, err := randomState()
	if err != nil {
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()

	now := g.now()
	for k, p := range g.pending {
		if now.After(p.expires) {
			delete(g.pending, k)
		}
	}
	g.pending[state] = pendingSignIn{verifier: verifier, expires: now.Add(pendingTTL)}

	u := g.cfg.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.S256ChallengeOption(verifier))
	return &SignInRequest{URL: u, State: state}, nil
}

// ParseResult validates the callback, exchanges the code and reads the
// id_token claims.
func (g *GoogleSignIn) ParseResult(ctx context.Context, raw string) (*FederatedToken, error) {
	values, err := url.ParseQuery(strings.TrimPrefix(raw, "?"))
	if err != nil {
		return nil, fmt.Errorf("parse callback: %w", err)
	}
	if e := values.Get("error"); e != "" {
		return nil, domain.NewAuthError(domain.AuthInvalidCredentials, e)
	}

	g.mu.Lock()
	cfg := g.cfg
	p, ok := g.pending[values.Get("state")]
	delete(g.pending, values.Get("state"))
	g.mu.Unlock()

	if cfg == nil {
		return nil, domain.ErrNotInitialized
	}
	if !ok || g.now().After(p.expires) {
		return nil, domain.NewAuthError(domain.AuthInvalidCredentials, "invalid-state")
	}
	code := values.Get("code")
	if code == "" {
		return nil, domain.NewAuthError(domain.AuthInvalidCredentials, "missing-code")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(p.verifier))
	if err != nil {
		return nil, &domain.AuthError{Category: domain.AuthNetwork, Detail: err.Error(), Err: err}
	}
	idToken, _ := tok.Extra("id_token").(string)
	if idToken == "" {
		return nil, domain.NewAuthError(domain.AuthGeneric, "missing-id-token")
	}

	claims, err := g.readClaims(cfg.ClientID, idToken)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.last = tok
	g.mu.Unlock()

	return &FederatedToken{
		Provider:      ProviderGoogle,
		Subject:       claims.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
		IDToken:       idToken,
	}, nil
}

// readClaims checks audience and expiry. The token came straight from the
// token endpoint over TLS, so its signature is not checked again.
func (g *GoogleSignIn) readClaims(clientID, idToken string) (*googleClaims, error) {
	var claims googleClaims
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, &claims); err != nil {
		return nil, &domain.AuthError{Category: domain.AuthGeneric, Detail: "invalid-id-token", Err: err}
	}
	v := jwt.NewValidator(
		jwt.WithAudience(clientID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	if err := v.Validate(claims); err != nil {
		return nil, &domain.AuthError{Category: domain.AuthInvalidCredentials, Detail: "invalid-id-token", Err: err}
	}
	if claims.Subject == "" {
		return nil, domain.NewAuthError(domain.AuthInvalidCredentials, "invalid-id-token")
	}
	return &claims, nil
}

// SignOut revokes the last access token, if any.
func (g *GoogleSignIn) SignOut(ctx context.Context) error {
	g.mu.Lock()
	tok := g.last
	g.last = nil
	g.mu.Unlock()
	if tok == nil || tok.AccessToken == "" {
		return nil
	}

	form := url.Values{"token": {tok.AccessToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			slog.Warn("failed to close revoke response", "error", cerr)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("revoke token: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ErrFederatedUnavailable is returned by NoFederatedSignIn.
var ErrFederatedUnavailable = errors.New("federated sign-in not configured")

// NoFederatedSignIn is used when no OAuth client secret is configured.
type NoFederatedSignIn struct{}

func (NoFederatedSignIn) Configure(string) {}

func (NoFederatedSignIn) BuildSignInRequest() (*SignInRequest, error) {
	return nil, domain.ErrNotInitialized
}

func (NoFederatedSignIn) ParseResult(context.Context, string) (*FederatedToken, error) {
	return nil, ErrFederatedUnavailable
}

func (NoFederatedSignIn) SignOut(context.Context) error { return nil }
