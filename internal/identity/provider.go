// Package identity verifies credentials, creates accounts and tracks the
// current signed-in user of each client.
package identity

import (
	"context"

	"github.com/ashureev/gemchat/internal/domain"
)

// Provider is the identity provider consumed by the session controller.
// Fallible operations return *domain.AuthError for categorized failures.
type Provider interface {
	VerifyPassword(ctx context.Context, email, password string) (*domain.Identity, error)
	CreateAccount(ctx context.Context, email, password string) (*domain.Identity, error)
	SendPasswordReset(ctx context.Context, email string) error
	ConfirmPasswordReset(ctx context.Context, token, newPassword string) error
	SignOut()
	CurrentIdentity() *domain.Identity
	// SubscribeIdentityChanges delivers the current identity (nil when signed
	// out) immediately and again after every change.
	SubscribeIdentityChanges(fn func(*domain.Identity)) (cancel func())
	ExchangeFederatedToken(ctx context.Context, token *FederatedToken) (*domain.Identity, error)
	UpdateProfileName(ctx context.Context, id *domain.Identity, name string) error
	DeleteIdentity(ctx context.Context, id *domain.Identity) error
}

// FederatedToken is the verified result of a federated sign-in handoff.
type FederatedToken struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	IDToken       string
}

// SignInRequest is the opaque request a host UI hands to the platform's
// federated sign-in flow.
type SignInRequest struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

// FederatedSignIn is a third-party identity handoff.
type FederatedSignIn interface {
	// Configure performs one-time configuration.
	Configure(clientID string)
	// BuildSignInRequest fails with domain.ErrNotInitialized before Configure.
	BuildSignInRequest() (*SignInRequest, error)
	// ParseResult parses the platform callback payload.
	ParseResult(ctx context.Context, raw string) (*FederatedToken, error)
	// SignOut clears the federated session.
	SignOut(ctx context.Context) error
}
