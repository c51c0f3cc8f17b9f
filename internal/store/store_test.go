package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/gemchat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]DocumentStore {
	t.Helper()

	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "docs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	peb, err := NewPebbleInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = peb.Close() })

	return map[string]DocumentStore{"sqlite": sqlite, "pebble": peb}
}

func TestSplitPath(t *testing.T) {
	t.Parallel()

	coll, id, err := SplitPath("users/u1/chats/c1")
	require.NoError(t, err)
	assert.Equal(t, "users/u1/chats", coll)
	assert.Equal(t, "c1", id)

	for _, bad := range []string{"", "users", "users//x", "users/u1/chats"} {
		_, _, err := SplitPath(bad)
		assert.ErrorIs(t, err, ErrInvalidPath, bad)
	}
	assert.NoError(t, ValidateCollection(MessagesPath("u1", "c1")))
	assert.ErrorIs(t, ValidateCollection(UserPath("u1")), ErrInvalidPath)
}

func TestUpsertMergesAndGet(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			path := UserPath("u1")

			snap, err := s.Get(ctx, path)
			require.NoError(t, err)
			assert.False(t, snap.Exists)
			assert.Equal(t, "u1", snap.ID)

			require.NoError(t, s.Upsert(ctx, path, Fields{"email": "a@b.com", "createdAt": int64(1700000000123)}))
			require.NoError(t, s.Upsert(ctx, path, Fields{"displayName": "a"}))

			snap, err = s.Get(ctx, path)
			require.NoError(t, err)
			require.True(t, snap.Exists)
			assert.Equal(t, "a@b.com", snap.Fields["email"])
			assert.Equal(t, "a", snap.Fields["displayName"])
			created, err := domain.Int64Field(snap.Fields, "createdAt")
			require.NoError(t, err)
			assert.Equal(t, int64(1700000000123), created)

			require.NoError(t, s.Delete(ctx, path))
			require.NoError(t, s.Delete(ctx, path))
			snap, err = s.Get(ctx, path)
			require.NoError(t, err)
			assert.False(t, snap.Exists)
		})
	}
}

func TestUpdateRequiresExistingDocument(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			path := MessagePath("u1", "c1", "m1")

			assert.ErrorIs(t, s.Update(ctx, path, Fields{"status": "sent"}), ErrNotFound)
			snap, err := s.Get(ctx, path)
			require.NoError(t, err)
			assert.False(t, snap.Exists)

			require.NoError(t, s.Upsert(ctx, path, Fields{"text": "hi", "status": "sending"}))
			require.NoError(t, s.Update(ctx, path, Fields{"status": "sent"}))
			snap, err = s.Get(ctx, path)
			require.NoError(t, err)
			require.True(t, snap.Exists)
			assert.Equal(t, "hi", snap.Fields["text"])
			assert.Equal(t, "sent", snap.Fields["status"])

			require.NoError(t, s.Delete(ctx, path))
			assert.ErrorIs(t, s.Update(ctx, path, Fields{"status": "error"}), ErrNotFound)
			docs, err := s.List(ctx, Query{Collection: MessagesPath("u1", "c1")})
			require.NoError(t, err)
			assert.Empty(t, docs)
		})
	}
}

func TestListOrdersByFieldThenArrival(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			coll := MessagesPath("u1", "c1")

			require.NoError(t, s.Upsert(ctx, coll+"/m3", Fields{"timestamp": int64(30)}))
			require.NoError(t, s.Upsert(ctx, coll+"/m1", Fields{"timestamp": int64(10)}))
			require.NoError(t, s.Upsert(ctx, coll+"/m2b", Fields{"timestamp": int64(20)}))
			require.NoError(t, s.Upsert(ctx, coll+"/m2a", Fields{"timestamp": int64(20)}))
			// A nested collection must not leak into its parent's listing.
			require.NoError(t, s.Upsert(ctx, ChatPath("u1", "c1"), Fields{"title": "New Chat"}))

			docs, err := s.List(ctx, Query{Collection: coll, OrderBy: "timestamp"})
			require.NoError(t, err)

			ids := make([]string, 0, len(docs))
			for _, d := range docs {
				ids = append(ids, d.ID)
			}
			assert.Equal(t, []string{"m1", "m2b", "m2a", "m3"}, ids)

			chats, err := s.List(ctx, Query{Collection: ChatsPath("u1")})
			require.NoError(t, err)
			require.Len(t, chats, 1)
			assert.Equal(t, "c1", chats[0].ID)
		})
	}
}

func TestSubscribeDeliversSnapshots(t *testing.T) {
	t.Parallel()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			coll := MessagesPath("u1", "c1")

			var mu sync.Mutex
			var last []Snapshot
			calls := 0
			sub, err := s.Subscribe(ctx, Query{Collection: coll, OrderBy: "timestamp"}, func(docs []Snapshot, err error) {
				mu.Lock()
				defer mu.Unlock()
				assert.NoError(t, err)
				last = docs
				calls++
			})
			require.NoError(t, err)

			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return calls >= 1
			}, time.Second, 10*time.Millisecond)

			require.NoError(t, s.Upsert(ctx, coll+"/m1", Fields{"timestamp": int64(1), "text": "hi"}))
			require.NoError(t, s.Upsert(ctx, UserPath("u1"), Fields{"email": "x@y.z"}))

			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(last) == 1 && last[0].Fields["text"] == "hi"
			}, time.Second, 10*time.Millisecond)

			sub.Unsubscribe()
			mu.Lock()
			before := calls
			mu.Unlock()

			require.NoError(t, s.Upsert(ctx, coll+"/m2", Fields{"timestamp": int64(2)}))
			time.Sleep(50 * time.Millisecond)

			mu.Lock()
			assert.Equal(t, before, calls)
			mu.Unlock()
		})
	}
}

func TestSubscribeStopsWithContext(t *testing.T) {
	t.Parallel()

	s, err := NewPebbleInMemory()
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	_, err = s.Subscribe(ctx, Query{Collection: ChatsPath("u1")}, func([]Snapshot, error) {})
	require.NoError(t, err)
	assert.Equal(t, 1, s.hub.count())

	cancel()
	require.Eventually(t, func() bool { return s.hub.count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	t.Parallel()

	s, err := NewPebbleInMemory()
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Upsert(context.Background(), UserPath("u1"), Fields{}), ErrClosed)
}

func TestPebbleSequenceSurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewPebble(dir)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(context.Background(), "a/1", Fields{}))
	require.NoError(t, s.Close())

	s, err = NewPebble(dir)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	require.NoError(t, s.Upsert(context.Background(), "a/2", Fields{}))

	docs, err := s.List(context.Background(), Query{Collection: "a"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Less(t, docs[0].Seq, docs[1].Seq)
}
