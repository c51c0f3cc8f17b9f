package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/gemchat/internal/domain"
	"github.com/ashureev/gemchat/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGenerator struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
}

func (g *stubGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	return g.reply, g.err
}

func TestSendMessageTrimsReply(t *testing.T) {
	t.Parallel()
	gen := &stubGenerator{reply: "  Hi there!  "}
	c := NewController(gen)
	defer c.Close()

	c.SendMessage("hello")
	c.Wait()

	msgs := c.Messages().Get()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].IsUser)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, domain.StatusSent, msgs[0].Status)
	assert.False(t, msgs[1].IsUser)
	assert.Equal(t, "Hi there!", msgs[1].Text)
	assert.Equal(t, domain.StatusSent, msgs[1].Status)
	assert.Equal(t, Success{Text: "Hi there!"}, c.Request().Get())
	assert.False(t, c.Busy().Get())
	assert.Equal(t, []string{"hello"}, gen.prompts)
}

type blockingGenerator struct{ release chan struct{} }

func (g *blockingGenerator) Generate(ctx context.Context, _ string) (string, error) {
	select {
	case <-g.release:
		return "done", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestBusyWhileGenerating(t *testing.T) {
	t.Parallel()
	gen := &blockingGenerator{release: make(chan struct{})}
	c := NewController(gen)
	defer c.Close()

	c.SendMessage("hello")
	assert.True(t, c.Busy().Get())
	assert.Equal(t, KindLoading, c.Request().Get().Kind())
	msgs := c.Messages().Get()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.StatusSending, msgs[0].Status)

	close(gen.release)
	c.Wait()
	assert.False(t, c.Busy().Get())
	assert.Equal(t, Success{Text: "done"}, c.Request().Get())
}

func TestSendMessageEmptyReplyFallsBack(t *testing.T) {
	t.Parallel()
	c := NewController(&stubGenerator{reply: "   "})
	defer c.Close()

	c.SendMessage("hello")
	c.Wait()

	msgs := c.Messages().Get()
	require.Len(t, msgs, 2)
	assert.Equal(t, FallbackReply, msgs[1].Text)
	assert.Equal(t, domain.StatusSent, msgs[1].Status)
}

func TestSendMessageFailure(t *testing.T) {
	t.Parallel()
	c := NewController(&stubGenerator{err: errors.New("quota-exceeded")})
	defer c.Close()

	c.SendMessage("hello")
	c.Wait()

	msgs := c.Messages().Get()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.StatusError, msgs[0].Status)
	assert.False(t, msgs[1].IsUser)
	assert.Equal(t, domain.StatusError, msgs[1].Status)
	assert.Contains(t, msgs[1].Text, "quota-exceeded")
	assert.Equal(t, "Sorry, I encountered an error: quota-exceeded", msgs[1].Text)
	assert.Equal(t, Failed{Message: "Error: quota-exceeded"}, c.Request().Get())
	assert.Equal(t, RequestView{Kind: KindFailed, Message: "Error: quota-exceeded"}, ViewOf(c.Request().Get()))
	assert.False(t, c.Busy().Get())
}

func TestEveryCallAddsTwoMessages(t *testing.T) {
	t.Parallel()
	gen := &stubGenerator{reply: "ok"}
	c := NewController(gen)
	defer c.Close()

	for i := 0; i < 5; i++ {
		if i%2 == 1 {
			gen.mu.Lock()
			gen.err = errors.New("boom")
			gen.mu.Unlock()
		} else {
			gen.mu.Lock()
			gen.err = nil
			gen.mu.Unlock()
		}
		c.SendMessage("m")
		c.Wait()
		assert.Len(t, c.Messages().Get(), 2*(i+1))
	}
}

func TestConcurrentSendsNeverLoseMessages(t *testing.T) {
	t.Parallel()
	c := NewController(&stubGenerator{reply: "ok"})
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.SendMessage("m")
		}()
	}
	wg.Wait()
	c.Wait()
	assert.Len(t, c.Messages().Get(), 40)
	assert.False(t, c.Busy().Get())
}

func TestTimestampsNeverDecrease(t *testing.T) {
	t.Parallel()
	times := []int64{1000, 900, 900, 1200, 1100, 1300}
	var mu sync.Mutex
	i := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		ts := times[i%len(times)]
		i++
		return time.UnixMilli(ts)
	}
	c := NewController(&stubGenerator{reply: "ok"}, WithClock(clock))
	defer c.Close()

	for j := 0; j < 3; j++ {
		c.SendMessage("m")
		c.Wait()
	}
	msgs := c.Messages().Get()
	for j := 1; j < len(msgs); j++ {
		assert.GreaterOrEqual(t, msgs[j].Timestamp, msgs[j-1].Timestamp)
	}
}

func TestRetryLastUserMessage(t *testing.T) {
	t.Parallel()
	gen := &stubGenerator{reply: "ok"}
	c := NewController(gen)
	defer c.Close()

	c.RetryLastUserMessage()
	c.Wait()
	assert.Empty(t, c.Messages().Get())
	assert.Equal(t, Idle{}, c.Request().Get())

	c.SendMessage("first")
	c.Wait()
	c.SendMessage("second")
	c.Wait()
	c.RetryLastUserMessage()
	c.Wait()

	msgs := c.Messages().Get()
	require.Len(t, msgs, 6)
	assert.Equal(t, "second", msgs[4].Text)
	assert.True(t, msgs[4].IsUser)
	assert.NotEqual(t, msgs[2].ID, msgs[4].ID)
}

func TestClearChatIsIdempotent(t *testing.T) {
	t.Parallel()
	c := NewController(&stubGenerator{err: errors.New("x")})
	defer c.Close()

	c.SendMessage("m")
	c.Wait()

	c.ClearChat()
	assert.Empty(t, c.Messages().Get())
	assert.Equal(t, Idle{}, c.Request().Get())

	c.ClearChat()
	assert.Empty(t, c.Messages().Get())
	assert.Equal(t, Idle{}, c.Request().Get())
}

func TestSendAfterCloseIsIgnored(t *testing.T) {
	t.Parallel()
	c := NewController(&stubGenerator{reply: "ok"})
	c.Close()
	c.Close()

	c.SendMessage("m")
	c.Wait()
	assert.Empty(t, c.Messages().Get())
}

func newPersisted(t *testing.T, gen Generator, uid string) (*Controller, store.DocumentStore) {
	t.Helper()
	docs, err := store.NewPebbleInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = docs.Close() })
	c := NewController(gen, WithStore(docs, uid))
	t.Cleanup(c.Close)
	return c, docs
}

func TestLoadMessagesCreatesSingleChat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, docs := newPersisted(t, &stubGenerator{reply: "ok"}, "u1")

	require.NoError(t, c.LoadMessages(ctx))
	chatID := c.ChatID()
	require.NotEmpty(t, chatID)

	snap, err := docs.Get(ctx, store.ChatPath("u1", chatID))
	require.NoError(t, err)
	assert.Equal(t, "New Chat", snap.Fields["title"])
	assert.Equal(t, "", snap.Fields["lastMessage"])

	again := NewController(&stubGenerator{}, WithStore(docs, "u1"))
	defer again.Close()
	require.NoError(t, again.LoadMessages(ctx))
	assert.Equal(t, chatID, again.ChatID())
}

func TestPersistedConversationMirrorsStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, docs := newPersisted(t, &stubGenerator{reply: " hi "}, "u1")
	require.NoError(t, c.LoadMessages(ctx))

	c.SendMessage("hello")
	c.Wait()

	coll := store.MessagesPath("u1", c.ChatID())
	stored, err := docs.List(ctx, store.Query{Collection: coll, OrderBy: domain.FieldTimestamp})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "hello", stored[0].Fields[domain.FieldText])
	assert.Equal(t, string(domain.StatusSent), stored[0].Fields[domain.FieldStatus])
	assert.Equal(t, "hi", stored[1].Fields[domain.FieldText])

	chat, err := docs.Get(ctx, store.ChatPath("u1", c.ChatID()))
	require.NoError(t, err)
	assert.Equal(t, "hi", chat.Fields["lastMessage"])

	require.Eventually(t, func() bool {
		msgs := c.Messages().Get()
		return len(msgs) == 2 && msgs[0].Status == domain.StatusSent && msgs[1].Text == "hi"
	}, time.Second, 10*time.Millisecond)

	// A second controller for the same user sees the transcript.
	other := NewController(&stubGenerator{}, WithStore(docs, "u1"))
	defer other.Close()
	require.NoError(t, other.LoadMessages(ctx))
	require.Eventually(t, func() bool { return len(other.Messages().Get()) == 2 }, time.Second, 10*time.Millisecond)
}

func TestPersistedClearChatDeletesMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, docs := newPersisted(t, &stubGenerator{reply: "ok"}, "u1")
	require.NoError(t, c.LoadMessages(ctx))

	c.SendMessage("a")
	c.Wait()
	c.SendMessage("b")
	c.Wait()

	c.ClearChat()
	assert.Empty(t, c.Messages().Get())
	c.Wait()

	stored, err := docs.List(ctx, store.Query{Collection: store.MessagesPath("u1", c.ChatID())})
	require.NoError(t, err)
	assert.Empty(t, stored)
	require.Eventually(t, func() bool { return len(c.Messages().Get()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestRetryWithoutUserMessageIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	gen := &stubGenerator{reply: "ok"}
	c, docs := newPersisted(t, gen, "u1")
	require.NoError(t, c.LoadMessages(ctx))

	for i, text := range []string{"Welcome!", "How can I help?"} {
		id := fmt.Sprintf("m%d", i+1)
		require.NoError(t, docs.Upsert(ctx, store.MessagePath("u1", c.ChatID(), id), store.Fields{
			domain.FieldText:      text,
			domain.FieldIsUser:    false,
			domain.FieldTimestamp: int64(1000 + i),
			domain.FieldStatus:    string(domain.StatusSent),
		}))
	}
	require.Eventually(t, func() bool { return len(c.Messages().Get()) == 2 }, time.Second, 10*time.Millisecond)
	before := c.Messages().Get()

	c.RetryLastUserMessage()
	c.Wait()

	assert.Equal(t, before, c.Messages().Get())
	assert.Equal(t, Idle{}, c.Request().Get())
	assert.False(t, c.Busy().Get())
	assert.Empty(t, gen.prompts)
}

func TestClearChatDuringSendLeavesNoEmptyMessage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	gen := &blockingGenerator{release: make(chan struct{})}
	c, docs := newPersisted(t, gen, "u1")
	require.NoError(t, c.LoadMessages(ctx))
	coll := store.MessagesPath("u1", c.ChatID())

	c.SendMessage("hello")
	var userID string
	require.Eventually(t, func() bool {
		stored, err := docs.List(ctx, store.Query{Collection: coll})
		if err != nil || len(stored) != 1 {
			return false
		}
		userID = stored[0].ID
		return true
	}, time.Second, 10*time.Millisecond)

	c.ClearChat()
	require.Eventually(t, func() bool {
		stored, err := docs.List(ctx, store.Query{Collection: coll})
		return err == nil && len(stored) == 0
	}, time.Second, 10*time.Millisecond)

	close(gen.release)
	c.Wait()

	userDoc, err := docs.Get(ctx, store.MessagePath("u1", c.ChatID(), userID))
	require.NoError(t, err)
	assert.False(t, userDoc.Exists)

	stored, err := docs.List(ctx, store.Query{Collection: coll})
	require.NoError(t, err)
	for _, d := range stored {
		_, err := domain.MessageFromFields(d.ID, d.Fields)
		assert.NoError(t, err, d.Path)
	}
	require.Eventually(t, func() bool { return len(c.Messages().Get()) == len(stored) }, time.Second, 10*time.Millisecond)
	for _, m := range c.Messages().Get() {
		assert.NotEqual(t, userID, m.ID)
		assert.NotEmpty(t, m.Text)
		assert.NotZero(t, m.Timestamp)
	}
}

func TestCloseCancelsSubscription(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, docs := newPersisted(t, &stubGenerator{}, "u1")
	require.NoError(t, c.LoadMessages(ctx))
	chatID := c.ChatID()
	c.Close()

	require.NoError(t, docs.Upsert(ctx, store.MessagePath("u1", chatID, "m1"), store.Fields{"text": "late", "timestamp": int64(1)}))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, c.Messages().Get())
}
