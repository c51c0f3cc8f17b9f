package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// ClientCookieName carries the signed client token for browsers.
	ClientCookieName = "gemchat_client"
	// ClientHeaderName carries the same token for native hosts without cookies.
	ClientHeaderName = "X-Gemchat-Client"
	clientTokenTTL   = 30 * 24 * time.Hour
	clientIssuer     = "gemchat"
)

type contextKey int

const clientIDKey contextKey = iota

var clientIDPattern = regexp.MustCompile(`^c_[a-f0-9]{32}$`)

// ClientIDFromContext extracts the client ID from the request context.
func ClientIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIDKey).(string); ok {
		return v
	}
	return ""
}

// WithClientID returns ctx carrying id. Used by tests and internal callers.
func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, clientIDKey, id)
}

// ClientTokens signs and verifies client tokens.
type ClientTokens struct {
	secret []byte
	now    func() time.Time
}

// NewClientTokens creates a token signer with an HMAC secret.
func NewClientTokens(secret []byte) *ClientTokens {
	return &ClientTokens{secret: secret, now: time.Now}
}

func generateClientID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate client id: %w", err)
	}
	return "c_" + hex.EncodeToString(buf), nil
}

// Issue signs a token for clientID.
func (t *ClientTokens) Issue(clientID string) (string, error) {
	now := t.now()
	claims := jwt.RegisteredClaims{
		Issuer:    clientIssuer,
		Subject:   clientID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(clientTokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign client token: %w", err)
	}
	return signed, nil
}

// Verify returns the client ID of a valid token.
func (t *ClientTokens) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(clientIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return "", err
	}
	if !clientIDPattern.MatchString(claims.Subject) {
		return "", errors.New("invalid client id")
	}
	return claims.Subject, nil
}

func (t *ClientTokens) fromRequest(r *http.Request) (string, bool) {
	if h := r.Header.Get(ClientHeaderName); h != "" {
		if id, err := t.Verify(h); err == nil {
			return id, true
		}
	}
	if c, err := r.Cookie(ClientCookieName); err == nil {
		if id, err := t.Verify(c.Value); err == nil {
			return id, true
		}
	}
	return "", false
}

// Middleware injects a per-device client ID, issuing a new signed token when
// the request carries none. The token is refreshed on every request.
func (t *ClientTokens) Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID, ok := t.fromRequest(r)
			if !ok {
				var err error
				if clientID, err = generateClientID(); err != nil {
					http.Error(w, `{"error":"failed to establish client identity"}`, http.StatusInternalServerError)
					return
				}
			}

			token, err := t.Issue(clientID)
			if err != nil {
				http.Error(w, `{"error":"failed to establish client identity"}`, http.StatusInternalServerError)
				return
			}
			http.SetCookie(w, &http.Cookie{
				Name:     ClientCookieName,
				Value:    token,
				Path:     "/",
				MaxAge:   int(clientTokenTTL.Seconds()),
				Expires:  t.now().Add(clientTokenTTL),
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
				Secure:   !isDev,
			})
			w.Header().Set(ClientHeaderName, token)

			next.ServeHTTP(w, r.WithContext(WithClientID(r.Context(), clientID)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
