package identity

import (
	"context"
	"log/slog"

	"github.com/ashureev/gemchat/internal/domain"
	"github.com/ashureev/gemchat/internal/metrics"
	"github.com/ashureev/gemchat/internal/observable"
)

// Auth is one client's view of the identity provider. It owns that client's
// current identity; accounts are shared through the Directory.
type Auth struct {
	dir     *Directory
	mailer  Mailer
	current *observable.Value[*domain.Identity]
	logger  *slog.Logger
}

var _ Provider = (*Auth)(nil)

// NewAuth creates a signed-out Auth.
func NewAuth(dir *Directory, mailer Mailer, logger *slog.Logger) *Auth {
	if logger == nil {
		logger = slog.Default()
	}
	if mailer == nil {
		mailer = &LogMailer{Logger: logger}
	}
	return &Auth{
		dir:     dir,
		mailer:  mailer,
		current: observable.New[*domain.Identity](nil),
		logger:  logger,
	}
}

func (a *Auth) signedIn(id *domain.Identity) {
	a.current.Set(id)
}

// VerifyPassword signs in with email and password.
func (a *Auth) VerifyPassword(ctx context.Context, email, password string) (*domain.Identity, error) {
	id, err := a.dir.Verify(ctx, email, password)
	metrics.RecordAuth("verify_password", err)
	if err != nil {
		return nil, err
	}
	a.signedIn(id)
	return id, nil
}

// CreateAccount registers a password account and signs it in.
func (a *Auth) CreateAccount(ctx context.Context, email, password string) (*domain.Identity, error) {
	id, err := a.dir.Create(ctx, email, password)
	metrics.RecordAuth("create_account", err)
	if err != nil {
		return nil, err
	}
	a.signedIn(id)
	return id, nil
}

// SendPasswordReset issues a reset token and mails it.
func (a *Auth) SendPasswordReset(ctx context.Context, email string) error {
	token, err := a.dir.IssueReset(ctx, email)
	if err == nil {
		if mailErr := a.mailer.SendPasswordReset(ctx, email, token); mailErr != nil {
			err = &domain.AuthError{Category: domain.AuthNetwork, Detail: mailErr.Error(), Err: mailErr}
		}
	}
	metrics.RecordAuth("send_password_reset", err)
	return err
}

// ConfirmPasswordReset sets a new password from a mailed token.
func (a *Auth) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	err := a.dir.ConfirmReset(ctx, token, newPassword)
	metrics.RecordAuth("confirm_password_reset", err)
	return err
}

// SignOut clears the current identity.
func (a *Auth) SignOut() {
	a.current.Set(nil)
	metrics.RecordAuth("sign_out", nil)
}

// CurrentIdentity returns the signed-in identity or nil.
func (a *Auth) CurrentIdentity() *domain.Identity {
	return a.current.Get()
}

// SubscribeIdentityChanges registers fn for identity changes.
func (a *Auth) SubscribeIdentityChanges(fn func(*domain.Identity)) (cancel func()) {
	return a.current.Subscribe(fn)
}

// ExchangeFederatedToken signs in with a verified federated token.
func (a *Auth) ExchangeFederatedToken(ctx context.Context, token *FederatedToken) (*domain.Identity, error) {
	id, err := a.dir.LinkFederated(ctx, token)
	metrics.RecordAuth("exchange_federated_token", err)
	if err != nil {
		return nil, err
	}
	if id.DisplayName == "" && token.Name != "" {
		id.DisplayName = token.Name
	}
	a.signedIn(id)
	return id, nil
}

// UpdateProfileName changes the display name of id.
func (a *Auth) UpdateProfileName(ctx context.Context, id *domain.Identity, name string) error {
	err := a.dir.UpdateDisplayName(ctx, id.UID, name)
	metrics.RecordAuth("update_profile_name", err)
	if err != nil {
		return err
	}
	if cur := a.current.Get(); cur != nil && cur.UID == id.UID {
		next := *cur
		next.DisplayName = name
		a.current.Set(&next)
	}
	return nil
}

// DeleteIdentity removes the account of id and signs it out if current.
func (a *Auth) DeleteIdentity(ctx context.Context, id *domain.Identity) error {
	err := a.dir.Delete(ctx, id.UID)
	metrics.RecordAuth("delete_identity", err)
	if err != nil {
		return err
	}
	if cur := a.current.Get(); cur != nil && cur.UID == id.UID {
		a.current.Set(nil)
	}
	a.logger.Info("Identity deleted", "user_id", id.UID)
	return nil
}
