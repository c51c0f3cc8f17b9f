package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/gemchat/internal/domain"
	"github.com/ashureev/gemchat/internal/identity"
	"github.com/ashureev/gemchat/internal/observable"
	"github.com/ashureev/gemchat/internal/store"
)

const defaultCommandTimeout = 30 * time.Second

// Controller owns the session state of one client. Commands return
// immediately and report through State or through callbacks. Overlapping
// commands are not serialized; the last state write wins.
type Controller struct {
	provider  identity.Provider
	federated identity.FederatedSignIn
	store     store.DocumentStore
	state     *observable.Value[State]
	logger    *slog.Logger
	now       func() time.Time
	timeout   time.Duration

	federatedReady atomic.Bool
	closed         atomic.Bool
	wg             sync.WaitGroup
	stopIdentity   func()
}

// Option customizes a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithClock overrides the time source for profile timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithCommandTimeout bounds each command's external calls.
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewController creates a controller in the Unauthenticated state and
// subscribes it to the provider's identity changes.
func NewController(provider identity.Provider, federated identity.FederatedSignIn, docs store.DocumentStore, opts ...Option) *Controller {
	if federated == nil {
		federated = identity.NoFederatedSignIn{}
	}
	c := &Controller{
		provider:  provider,
		federated: federated,
		store:     docs,
		state:     observable.New[State](Unauthenticated{}),
		logger:    slog.Default(),
		now:       time.Now,
		timeout:   defaultCommandTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.stopIdentity = provider.SubscribeIdentityChanges(func(id *domain.Identity) {
		if id != nil {
			c.state.Set(Authenticated{})
		} else {
			c.state.Set(Unauthenticated{})
		}
	})
	return c
}

// State returns the observable session state.
func (c *Controller) State() *observable.Value[State] {
	return c.state
}

// Current returns the current session state.
func (c *Controller) Current() State {
	return c.state.Get()
}

func (c *Controller) run(op string, fn func(ctx context.Context)) {
	if c.closed.Load() {
		c.logger.Warn("Session command after close", "op", op)
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		fn(ctx)
	}()
}

func (c *Controller) fail(prefix string, err error) {
	c.state.Set(Failed{Message: prefix + ": " + err.Error()})
}

// SignIn verifies email and password.
func (c *Controller) SignIn(email, password string) {
	c.state.Set(Loading{})
	c.run("sign_in", func(ctx context.Context) {
		if _, err := c.provider.VerifyPassword(ctx, email, password); err != nil {
			c.logger.Info("Sign in failed", "error", err)
			c.fail("Sign in failed", err)
			return
		}
		c.state.Set(Authenticated{})
	})
}

// SignUp creates an account and writes the initial profile.
func (c *Controller) SignUp(email, password string) {
	c.state.Set(Loading{})
	c.run("sign_up", func(ctx context.Context) {
		id, err := c.provider.CreateAccount(ctx, email, password)
		if err != nil {
			c.logger.Info("Sign up failed", "error", err)
			c.fail("Sign up failed", err)
			return
		}
		if err := c.store.Upsert(ctx, store.UserPath(id.UID), domain.NewSignUpProfile(id.Email, c.now())); err != nil {
			c.logger.Error("Error updating user profile", "user_id", id.UID, "error", err)
		}
	})
}

// ResetPassword dispatches a reset email.
func (c *Controller) ResetPassword(email string) {
	c.state.Set(Loading{})
	c.run("reset_password", func(ctx context.Context) {
		if err := c.provider.SendPasswordReset(ctx, email); err != nil {
			c.fail("Password reset failed", err)
			return
		}
		c.state.Set(Unauthenticated{})
	})
}

// ConfirmPasswordReset sets a new password from a reset token. The user
// still has to sign in afterwards.
func (c *Controller) ConfirmPasswordReset(token, newPassword string) {
	c.state.Set(Loading{})
	c.run("confirm_password_reset", func(ctx context.Context) {
		if err := c.provider.ConfirmPasswordReset(ctx, token, newPassword); err != nil {
			c.fail("Password reset failed", err)
			return
		}
		c.state.Set(Unauthenticated{})
	})
}

// SignOut signs out locally and clears the federated session in the
// background. Federated failures are only logged.
func (c *Controller) SignOut() {
	c.provider.SignOut()
	c.state.Set(Unauthenticated{})
	c.run("federated_sign_out", func(ctx context.Context) {
		if err := c.federated.SignOut(ctx); err != nil {
			c.logger.Warn("Federated sign out failed", "error", err)
		}
	})
}

// InitializeFederatedSignIn configures the federated handoff.
func (c *Controller) InitializeFederatedSignIn(clientID string) {
	c.federated.Configure(clientID)
	c.federatedReady.Store(true)
}

// FederatedSignInRequest returns the request the host UI should open.
func (c *Controller) FederatedSignInRequest() (*identity.SignInRequest, error) {
	if !c.federatedReady.Load() {
		return nil, domain.ErrNotInitialized
	}
	return c.federated.BuildSignInRequest()
}

// HandleFederatedSignInResult completes a federated sign-in from the raw
// callback payload.
func (c *Controller) HandleFederatedSignInResult(raw string) {
	c.state.Set(Loading{})
	c.run("federated_sign_in", func(ctx context.Context) {
		tok, err := c.federated.ParseResult(ctx, raw)
		if err != nil {
			c.logger.Info("Google sign in failed", "error", err)
			c.fail("Google sign in failed", err)
			return
		}
		id, err := c.provider.ExchangeFederatedToken(ctx, tok)
		if err != nil {
			c.logger.Info("Google sign in failed", "error", err)
			c.fail("Google sign in failed", err)
			return
		}
		c.recordLogin(ctx, id)
	})
}

func (c *Controller) recordLogin(ctx context.Context, id *domain.Identity) {
	path := store.UserPath(id.UID)
	snap, err := c.store.Get(ctx, path)
	if err != nil {
		c.logger.Error("Error reading user profile", "user_id", id.UID, "error", err)
		return
	}
	if err := c.store.Upsert(ctx, path, domain.NewLoginProfile(id, c.now(), !snap.Exists)); err != nil {
		c.logger.Error("Error updating user profile", "user_id", id.UID, "error", err)
	}
}

// UpdateDisplayName changes the display name of the current identity and
// mirrors it into the profile. Exactly one of onSuccess or onError runs.
func (c *Controller) UpdateDisplayName(name string, onSuccess func(), onError func(error)) {
	id := c.provider.CurrentIdentity()
	if id == nil {
		onError(domain.ErrNotAuthenticated)
		return
	}
	c.run("update_display_name", func(ctx context.Context) {
		if err := c.provider.UpdateProfileName(ctx, id, name); err != nil {
			onError(err)
			return
		}
		path := store.UserPath(id.UID)
		if err := c.store.Upsert(ctx, path, store.Fields{domain.FieldDisplayName: name}); err != nil {
			c.logger.Error("Error updating display name", "user_id", id.UID, "error", err)
			onError(&domain.PersistenceError{Op: "upsert", Path: path, Err: err})
			return
		}
		onSuccess()
	})
}

// DeleteAccount removes the profile, every chat with its messages and
// finally the identity. A missing identity is reported through onError;
// later failures land in State.
func (c *Controller) DeleteAccount(onSuccess func(), onError func(error)) {
	id := c.provider.CurrentIdentity()
	if id == nil {
		onError(domain.ErrNotAuthenticated)
		return
	}
	c.run("delete_account", func(ctx context.Context) {
		if err := c.deleteAccount(ctx, id); err != nil {
			c.logger.Error("Error deleting account", "user_id", id.UID, "error", err)
			c.fail("Error deleting account", err)
			return
		}
		c.logger.Info("Account deleted", "user_id", id.UID)
		onSuccess()
	})
}

func (c *Controller) deleteAccount(ctx context.Context, id *domain.Identity) error {
	userPath := store.UserPath(id.UID)
	if err := c.store.Delete(ctx, userPath); err != nil {
		return &domain.PersistenceError{Op: "delete", Path: userPath, Err: err}
	}

	chatsPath := store.ChatsPath(id.UID)
	chats, err := c.store.List(ctx, store.Query{Collection: chatsPath})
	if err != nil {
		return &domain.PersistenceError{Op: "list", Path: chatsPath, Err: err}
	}
	for _, chat := range chats {
		if err := c.deleteChat(ctx, id.UID, chat.ID); err != nil {
			return err
		}
	}

	return c.provider.DeleteIdentity(ctx, id)
}

func (c *Controller) deleteChat(ctx context.Context, uid, chatID string) error {
	messagesPath := store.MessagesPath(uid, chatID)
	msgs, err := c.store.List(ctx, store.Query{Collection: messagesPath})
	if err != nil {
		return &domain.PersistenceError{Op: "list", Path: messagesPath, Err: err}
	}
	for _, m := range msgs {
		if err := c.store.Delete(ctx, m.Path); err != nil {
			return &domain.PersistenceError{Op: "delete", Path: m.Path, Err: err}
		}
	}
	chatPath := store.ChatPath(uid, chatID)
	if err := c.store.Delete(ctx, chatPath); err != nil {
		return &domain.PersistenceError{Op: "delete", Path: chatPath, Err: err}
	}
	return nil
}

// CurrentIdentity returns the provider's current identity.
func (c *Controller) CurrentIdentity() *domain.Identity {
	return c.provider.CurrentIdentity()
}

// Wait blocks until every command issued so far has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close waits for in-flight commands and stops following identity changes.
func (c *Controller) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.wg.Wait()
	c.stopIdentity()
}

// UserMessage renders err the way callbacks report it to users.
func UserMessage(prefix string, err error) string {
	if errors.Is(err, domain.ErrNotAuthenticated) {
		return "User not logged in"
	}
	return fmt.Sprintf("%s: %v", prefix, err)
}
