package identity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/gemchat/internal/domain"
	"github.com/ashureev/gemchat/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestDirectory(t *testing.T, opts ...DirectoryOption) (*Directory, store.DocumentStore) {
	t.Helper()
	s, err := store.NewPebbleInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	opts = append([]DirectoryOption{WithHashCost(bcrypt.MinCost)}, opts...)
	return NewDirectory(s, opts...), s
}

func TestDirectoryCreateAndVerify(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir, _ := newTestDirectory(t)

	id, err := dir.Create(ctx, " A@B.com ", "secret")
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", id.Email)
	assert.Equal(t, ProviderPassword, id.Provider)
	assert.Len(t, id.UID, 26)

	got, err := dir.Verify(ctx, "a@b.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, id.UID, got.UID)

	_, err = dir.Verify(ctx, "a@b.com", "wrong!")
	assert.True(t, IsAuthError(err, DetailInvalidPassword))
	assert.Equal(t, domain.AuthInvalidCredentials, domain.AuthCategoryOf(err))
	assert.EqualError(t, err, "invalid-password")

	_, err = dir.Verify(ctx, "nobody@b.com", "secret")
	assert.True(t, IsAuthError(err, DetailUserNotFound))
}

func TestDirectoryCreateValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir, _ := newTestDirectory(t)

	tests := []struct {
		name     string
		email    string
		password string
		detail   string
	}{
		{"no at sign", "ab.com", "secret", DetailInvalidEmail},
		{"empty local part", "@b.com", "secret", DetailInvalidEmail},
		{"short password", "a@b.com", "12345", DetailWeakPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dir.Create(ctx, tt.email, tt.password)
			assert.True(t, IsAuthError(err, tt.detail), "got %v", err)
		})
	}

	_, err := dir.Create(ctx, "a@b.com", "secret")
	require.NoError(t, err)
	_, err = dir.Create(ctx, "a@b.com", "other1")
	assert.True(t, IsAuthError(err, DetailEmailInUse))
	assert.Equal(t, domain.AuthAccountCollision, domain.AuthCategoryOf(err))
}

func TestDirectoryConcurrentCreateKeepsEmailUnique(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir, _ := newTestDirectory(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := dir.Create(ctx, "race@b.com", "secret"); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
}

func TestDirectoryPasswordReset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	dir, _ := newTestDirectory(t, WithClock(func() time.Time { return now }), WithResetTTL(time.Minute))

	_, err := dir.Create(ctx, "a@b.com", "secret")
	require.NoError(t, err)

	_, err = dir.IssueReset(ctx, "missing@b.com")
	assert.True(t, IsAuthError(err, DetailUserNotFound))

	token, err := dir.IssueReset(ctx, "a@b.com")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	assert.True(t, IsAuthError(dir.ConfirmReset(ctx, "bogus", "newsecret"), DetailInvalidResetToken))
	assert.True(t, IsAuthError(dir.ConfirmReset(ctx, token, "123"), DetailWeakPassword))

	require.NoError(t, dir.ConfirmReset(ctx, token, "newsecret"))
	_, err = dir.Verify(ctx, "a@b.com", "newsecret")
	require.NoError(t, err)

	// Tokens are single use.
	assert.True(t, IsAuthError(dir.ConfirmReset(ctx, token, "another1"), DetailInvalidResetToken))

	expired, err := dir.IssueReset(ctx, "a@b.com")
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	assert.True(t, IsAuthError(dir.ConfirmReset(ctx, expired, "another1"), DetailInvalidResetToken))
}

func TestDirectoryLinkFederated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir, _ := newTestDirectory(t)

	tok := &FederatedToken{Provider: ProviderGoogle, Subject: "g-1", Email: "g@b.com", EmailVerified: true, Name: "Gee"}
	first, err := dir.LinkFederated(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, "Gee", first.DisplayName)
	assert.Equal(t, ProviderGoogle, first.Provider)

	again, err := dir.LinkFederated(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, first.UID, again.UID)

	// A verified email links to an existing password account.
	pw, err := dir.Create(ctx, "p@b.com", "secret")
	require.NoError(t, err)
	linked, err := dir.LinkFederated(ctx, &FederatedToken{Provider: ProviderGoogle, Subject: "g-2", Email: "p@b.com", EmailVerified: true})
	require.NoError(t, err)
	assert.Equal(t, pw.UID, linked.UID)

	_, err = dir.LinkFederated(ctx, &FederatedToken{Provider: ProviderGoogle, Subject: "g-3", Email: "p@b.com"})
	assert.True(t, IsAuthError(err, DetailEmailInUse))
}

func TestDirectoryDeleteRemovesIndexes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir, s := newTestDirectory(t)

	id, err := dir.Create(ctx, "a@b.com", "secret")
	require.NoError(t, err)
	_, err = dir.LinkFederated(ctx, &FederatedToken{Provider: ProviderGoogle, Subject: "g-1", Email: "a@b.com", EmailVerified: true})
	require.NoError(t, err)

	require.NoError(t, dir.UpdateDisplayName(ctx, id.UID, "Alice"))
	got, err := dir.Lookup(ctx, id.UID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.DisplayName)

	require.NoError(t, dir.Delete(ctx, id.UID))

	for _, path := range []string{accountPath(id.UID), emailPath("a@b.com"), linkPath(ProviderGoogle, "g-1")} {
		snap, err := s.Get(ctx, path)
		require.NoError(t, err)
		assert.False(t, snap.Exists, path)
	}
	assert.True(t, IsAuthError(dir.Delete(ctx, id.UID), DetailUserNotFound))

	// The email is free again.
	_, err = dir.Create(ctx, "a@b.com", "secret")
	require.NoError(t, err)
}

func TestDirectoryResetTokensAreCleanedUp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	dir, s := newTestDirectory(t, WithClock(func() time.Time { return now }), WithResetTTL(time.Minute))
	resets := store.Query{Collection: resetsCollection}

	a, err := dir.Create(ctx, "a@b.com", "secret")
	require.NoError(t, err)
	_, err = dir.Create(ctx, "b@b.com", "secret")
	require.NoError(t, err)

	_, err = dir.IssueReset(ctx, "a@b.com")
	require.NoError(t, err)
	_, err = dir.IssueReset(ctx, "a@b.com")
	require.NoError(t, err)

	// Issuing after expiry drops the stale tokens.
	now = now.Add(2 * time.Minute)
	bToken, err := dir.IssueReset(ctx, "b@b.com")
	require.NoError(t, err)
	docs, err := s.List(ctx, resets)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, resetPath(hashToken(bToken)), docs[0].Path)

	_, err = dir.IssueReset(ctx, "a@b.com")
	require.NoError(t, err)
	require.NoError(t, dir.Delete(ctx, a.UID))

	// Only the other account's token survives the deletion.
	docs, err = s.List(ctx, resets)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, resetPath(hashToken(bToken)), docs[0].Path)
	require.NoError(t, dir.ConfirmReset(ctx, bToken, "newsecret"))
}
