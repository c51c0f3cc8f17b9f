package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/gemchat/internal/domain"
	"github.com/ashureev/gemchat/internal/store"
	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"
)

const (
	accountsCollection = "accounts"
	emailsCollection   = "account_emails"
	linksCollection    = "account_links"
	resetsCollection   = "password_resets"

	minPasswordLength = 6
	defaultResetTTL   = time.Hour

	// ProviderPassword marks accounts created with email and password.
	ProviderPassword = "password"
	// ProviderGoogle marks accounts created through Google sign-in.
	ProviderGoogle = "google.com"
)

// Failure details reported to users.
const (
	DetailInvalidEmail      = "invalid-email"
	DetailWeakPassword      = "weak-password"
	DetailEmailInUse        = "email-already-in-use"
	DetailUserNotFound      = "user-not-found"
	DetailInvalidPassword   = "invalid-password"
	DetailInvalidResetToken = "invalid-reset-token"
)

// Directory stores accounts as documents: accounts/{uid} holds the record,
// account_emails/{email} and account_links/{provider:subject} index it.
type Directory struct {
	store    store.DocumentStore
	mu       sync.Mutex // serializes account creation so the email index stays unique
	hashCost int
	resetTTL time.Duration
	now      func() time.Time
}

// DirectoryOption customizes a Directory.
type DirectoryOption func(*Directory)

// WithHashCost sets the bcrypt cost.
func WithHashCost(cost int) DirectoryOption {
	return func(d *Directory) { d.hashCost = cost }
}

// WithResetTTL sets how long password reset tokens stay valid.
func WithResetTTL(ttl time.Duration) DirectoryOption {
	return func(d *Directory) { d.resetTTL = ttl }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) DirectoryOption {
	return func(d *Directory) { d.now = now }
}

// NewDirectory creates an account directory on s.
func NewDirectory(s store.DocumentStore, opts ...DirectoryOption) *Directory {
	d := &Directory{
		store:    s,
		hashCost: bcrypt.DefaultCost,
		resetTTL: defaultResetTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	local, domainPart, ok := strings.Cut(email, "@")
	if !ok || local == "" || domainPart == "" || strings.ContainsAny(email, "/\x00 ") {
		return "", domain.NewAuthError(domain.AuthInvalidCredentials, DetailInvalidEmail)
	}
	return email, nil
}

func storeFailure(err error) error {
	return &domain.AuthError{Category: domain.AuthNetwork, Detail: err.Error(), Err: err}
}

const linkFieldPrefix = "link:"

func accountPath(uid string) string { return accountsCollection + "/" + uid }

func emailPath(email string) string { return emailsCollection + "/" + email }

func linkPath(provider, sub string) string { return linksCollection + "/" + provider + ":" + sub }

func resetPath(hash string) string { return resetsCollection + "/" + hash }

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func identityFromFields(uid string, f store.Fields) *domain.Identity {
	created, _ := domain.Int64Field(f, domain.FieldCreatedAt)
	return &domain.Identity{
		UID:         uid,
		Email:       domain.StringField(f, domain.FieldEmail),
		DisplayName: domain.StringField(f, domain.FieldDisplayName),
		Provider:    domain.StringField(f, "provider"),
		CreatedAt:   time.UnixMilli(created),
	}
}

func (d *Directory) uidForEmail(ctx context.Context, email string) (string, error) {
	snap, err := d.store.Get(ctx, emailPath(email))
	if err != nil {
		return "", storeFailure(err)
	}
	if !snap.Exists {
		return "", nil
	}
	return domain.StringField(snap.Fields, "uid"), nil
}

func (d *Directory) account(ctx context.Context, uid string) (store.Fields, error) {
	snap, err := d.store.Get(ctx, accountPath(uid))
	if err != nil {
		return nil, storeFailure(err)
	}
	if !snap.Exists {
		return nil, domain.NewAuthError(domain.AuthUnknownUser, DetailUserNotFound)
	}
	return snap.Fields, nil
}

// Create registers a password account.
func (d *Directory) Create(ctx context.Context, email, password string) (*domain.Identity, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < minPasswordLength {
		return nil, domain.NewAuthError(domain.AuthInvalidCredentials, DetailWeakPassword)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.hashCost)
	if err != nil {
		return nil, &domain.AuthError{Category: domain.AuthGeneric, Detail: err.Error(), Err: err}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, err := d.uidForEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != "" {
		return nil, domain.NewAuthError(domain.AuthAccountCollision, DetailEmailInUse)
	}

	return d.insertLocked(ctx, email, "", ProviderPassword, string(hash))
}

func (d *Directory) insertLocked(ctx context.Context, email, name, provider, hash string) (*domain.Identity, error) {
	uid := ulid.Make().String()
	fields := store.Fields{
		domain.FieldEmail:       email,
		domain.FieldDisplayName: name,
		domain.FieldCreatedAt:   d.now().UnixMilli(),
		"provider":              provider,
	}
	if hash != "" {
		fields["passwordHash"] = hash
	}
	if err := d.store.Upsert(ctx, accountPath(uid), fields); err != nil {
		return nil, storeFailure(err)
	}
	if err := d.store.Upsert(ctx, emailPath(email), store.Fields{"uid": uid}); err != nil {
		return nil, storeFailure(err)
	}
	return identityFromFields(uid, fields), nil
}

// Verify checks an email and password.
func (d *Directory) Verify(ctx context.Context, email, password string) (*domain.Identity, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	uid, err := d.uidForEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if uid == "" {
		return nil, domain.NewAuthError(domain.AuthUnknownUser, DetailUserNotFound)
	}
	fields, err := d.account(ctx, uid)
	if err != nil {
		return nil, err
	}

	hash := domain.StringField(fields, "passwordHash")
	if hash == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, domain.NewAuthError(domain.AuthInvalidCredentials, DetailInvalidPassword)
	}
	return identityFromFields(uid, fields), nil
}

// Lookup returns the account for uid.
func (d *Directory) Lookup(ctx context.Context, uid string) (*domain.Identity, error) {
	fields, err := d.account(ctx, uid)
	if err != nil {
		return nil, err
	}
	return identityFromFields(uid, fields), nil
}

// IssueReset creates a single-use password reset token for email.
func (d *Directory) IssueReset(ctx context.Context, email string) (string, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return "", err
	}
	uid, err := d.uidForEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if uid == "" {
		return "", domain.NewAuthError(domain.AuthUnknownUser, DetailUserNotFound)
	}

	if err := d.pruneResets(ctx, ""); err != nil {
		return "", err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate reset token: %w", err)
	}
	token := hex.EncodeToString(buf)
	err = d.store.Upsert(ctx, resetPath(hashToken(token)), store.Fields{
		"uid":       uid,
		"expiresAt": d.now().Add(d.resetTTL).UnixMilli(),
	})
	if err != nil {
		return "", storeFailure(err)
	}
	return token, nil
}

// pruneResets deletes expired reset tokens, and every token of uid when uid
// is set.
func (d *Directory) pruneResets(ctx context.Context, uid string) error {
	resets, err := d.store.List(ctx, store.Query{Collection: resetsCollection})
	if err != nil {
		return storeFailure(err)
	}
	now := d.now().UnixMilli()
	for _, r := range resets {
		expires, _ := domain.Int64Field(r.Fields, "expiresAt")
		owned := uid != "" && domain.StringField(r.Fields, "uid") == uid
		if !owned && now <= expires {
			continue
		}
		if err := d.store.Delete(ctx, r.Path); err != nil {
			return storeFailure(err)
		}
	}
	return nil
}

// ConfirmReset sets a new password using a reset token.
func (d *Directory) ConfirmReset(ctx context.Context, token, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return domain.NewAuthError(domain.AuthInvalidCredentials, DetailWeakPassword)
	}
	path := resetPath(hashToken(token))
	snap, err := d.store.Get(ctx, path)
	if err != nil {
		return storeFailure(err)
	}
	expires, _ := domain.Int64Field(snap.Fields, "expiresAt")
	if !snap.Exists || d.now().UnixMilli() > expires {
		return domain.NewAuthError(domain.AuthInvalidCredentials, DetailInvalidResetToken)
	}

	uid := domain.StringField(snap.Fields, "uid")
	if _, err := d.account(ctx, uid); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), d.hashCost)
	if err != nil {
		return &domain.AuthError{Category: domain.AuthGeneric, Detail: err.Error(), Err: err}
	}
	if err := d.store.Upsert(ctx, accountPath(uid), store.Fields{"passwordHash": string(hash)}); err != nil {
		return storeFailure(err)
	}
	if err := d.store.Delete(ctx, path); err != nil {
		return storeFailure(err)
	}
	return nil
}

// LinkFederated returns the account linked to provider/subject, linking an
// existing account with the same verified email or creating a new one.
func (d *Directory) LinkFederated(ctx context.Context, tok *FederatedToken) (*domain.Identity, error) {
	if tok == nil || tok.Subject == "" {
		return nil, domain.NewAuthError(domain.AuthInvalidCredentials, "invalid-federated-token")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	link := linkPath(tok.Provider, tok.Subject)
	snap, err := d.store.Get(ctx, link)
	if err != nil {
		return nil, storeFailure(err)
	}
	if snap.Exists {
		return d.Lookup(ctx, domain.StringField(snap.Fields, "uid"))
	}

	email, err := normalizeEmail(tok.Email)
	if err != nil {
		return nil, err
	}
	uid, err := d.uidForEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	var id *domain.Identity
	switch {
	case uid != "" && !tok.EmailVerified:
		return nil, domain.NewAuthError(domain.AuthAccountCollision, DetailEmailInUse)
	case uid != "":
		if id, err = d.Lookup(ctx, uid); err != nil {
			return nil, err
		}
	default:
		if id, err = d.insertLocked(ctx, email, tok.Name, tok.Provider, ""); err != nil {
			return nil, err
		}
	}

	if err := d.store.Upsert(ctx, link, store.Fields{"uid": id.UID}); err != nil {
		return nil, storeFailure(err)
	}
	err = d.store.Upsert(ctx, accountPath(id.UID), store.Fields{linkFieldPrefix + tok.Provider: tok.Subject})
	if err != nil {
		return nil, storeFailure(err)
	}
	return id, nil
}

// UpdateDisplayName changes the account display name.
func (d *Directory) UpdateDisplayName(ctx context.Context, uid, name string) error {
	if _, err := d.account(ctx, uid); err != nil {
		return err
	}
	if err := d.store.Upsert(ctx, accountPath(uid), store.Fields{domain.FieldDisplayName: name}); err != nil {
		return storeFailure(err)
	}
	return nil
}

// Delete removes the account, its indexes and its pending reset tokens.
func (d *Directory) Delete(ctx context.Context, uid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	fields, err := d.account(ctx, uid)
	if err != nil {
		return err
	}

	for key, v := range fields {
		provider, ok := strings.CutPrefix(key, linkFieldPrefix)
		sub, _ := v.(string)
		if !ok || sub == "" {
			continue
		}
		if err := d.store.Delete(ctx, linkPath(provider, sub)); err != nil {
			return storeFailure(err)
		}
	}

	if err := d.pruneResets(ctx, uid); err != nil {
		return err
	}
	if email := domain.StringField(fields, domain.FieldEmail); email != "" {
		if err := d.store.Delete(ctx, emailPath(email)); err != nil {
			return storeFailure(err)
		}
	}
	if err := d.store.Delete(ctx, accountPath(uid)); err != nil {
		return storeFailure(err)
	}
	return nil
}

// IsAuthError reports whether err carries the given detail.
func IsAuthError(err error, detail string) bool {
	var ae *domain.AuthError
	return errors.As(err, &ae) && ae.Detail == detail
}
