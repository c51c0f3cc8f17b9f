package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/gemchat/internal/domain"
	"github.com/ashureev/gemchat/internal/observable"
	"github.com/ashureev/gemchat/internal/store"
	"github.com/google/uuid"
)

const (
	// FallbackReply replaces an empty model reply.
	FallbackReply = "Sorry, I couldn't generate a response."

	defaultChatTitle      = "New Chat"
	defaultCommandTimeout = 60 * time.Second

	fieldTitle       = "title"
	fieldLastMessage = "lastMessage"
	fieldUpdatedAt   = "updatedAt"
)

// Generator produces a reply for a single prompt. No history is sent.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Controller owns one conversation. Without a store it keeps the transcript
// in memory; with one it mirrors every message into the user's single chat
// and replaces the transcript with each live snapshot.
type Controller struct {
	gen        Generator
	docs       store.DocumentStore
	uid        string
	transcript ConversationLogger
	logger     *slog.Logger
	now        func() time.Time
	timeout    time.Duration

	messages *observable.Value[[]domain.ChatMessage]
	request  *observable.Value[RequestState]
	busy     *observable.Value[bool]

	mu     sync.Mutex
	chatID string
	lastTS int64
	sub    store.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Option customizes a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithClock overrides the time source for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithCommandTimeout bounds each model call and its writes.
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithTranscript records every turn to l.
func WithTranscript(l ConversationLogger) Option {
	return func(c *Controller) { c.transcript = l }
}

// WithStore mirrors the conversation of uid into docs.
func WithStore(docs store.DocumentStore, uid string) Option {
	return func(c *Controller) {
		c.docs = docs
		c.uid = uid
	}
}

// NewController creates an empty, idle conversation.
func NewController(gen Generator, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		gen:        gen,
		transcript: noopConversationLogger{},
		logger:     slog.Default(),
		now:        time.Now,
		timeout:    defaultCommandTimeout,
		messages:   observable.New[[]domain.ChatMessage](nil),
		request:    observable.New[RequestState](Idle{}),
		busy:       observable.New(false),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Messages returns the observable transcript.
func (c *Controller) Messages() *observable.Value[[]domain.ChatMessage] { return c.messages }

// Request returns the observable outcome of the last request.
func (c *Controller) Request() *observable.Value[RequestState] { return c.request }

// Busy returns the observable busy flag.
func (c *Controller) Busy() *observable.Value[bool] { return c.busy }

// ChatID returns the resolved chat ID, empty for in-memory conversations
// before LoadMessages.
func (c *Controller) ChatID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID
}

func (c *Controller) persisted() bool {
	return c.docs != nil
}

// nextTimestamp returns the current time in milliseconds, never earlier than
// the previous message of this conversation.
func (c *Controller) nextTimestamp() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now().UnixMilli()
	if ts < c.lastTS {
		ts = c.lastTS
	}
	c.lastTS = ts
	return time.UnixMilli(ts)
}

func (c *Controller) run(op string, fn func(ctx context.Context)) {
	if c.closed.Load() {
		c.logger.Warn("Chat command after close", "op", op, "user_id", c.uid)
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

func (c *Controller) appendMessage(m domain.ChatMessage) {
	c.messages.Update(func(cur []domain.ChatMessage) []domain.ChatMessage {
		next := make([]domain.ChatMessage, len(cur), len(cur)+1)
		copy(next, cur)
		return append(next, m)
	})
}

func (c *Controller) setStatus(ctx context.Context, id string, status domain.MessageStatus) {
	c.messages.Update(func(cur []domain.ChatMessage) []domain.ChatMessage {
		next := make([]domain.ChatMessage, len(cur))
		for i, m := range cur {
			if m.ID == id {
				m = m.WithStatus(status)
			}
			next[i] = m
		}
		return next
	})
	if !c.persisted() {
		return
	}
	// The message may have been cleared while the reply was pending.
	path := store.MessagePath(c.uid, c.ChatID(), id)
	err := c.docs.Update(ctx, path, store.Fields{domain.FieldStatus: string(status)})
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.logger.Debug("Message gone before status update", "user_id", c.uid, "path", path)
	case err != nil:
		c.logger.Error("Error updating message status", "user_id", c.uid, "path", path, "error", err)
	}
}

func (c *Controller) persist(ctx context.Context, m domain.ChatMessage) {
	if !c.persisted() {
		return
	}
	chatID := c.ChatID()
	if chatID == "" {
		c.logger.Warn("Message not persisted, chat not loaded", "user_id", c.uid)
		return
	}
	path := store.MessagePath(c.uid, chatID, m.ID)
	if err := c.docs.Upsert(ctx, path, m.Fields()); err != nil {
		c.logger.Error("Error saving message", "user_id", c.uid, "path", path, "error", err)
	}
}

func (c *Controller) touchChat(ctx context.Context, last domain.ChatMessage) {
	if !c.persisted() {
		return
	}
	path := store.ChatPath(c.uid, c.ChatID())
	err := c.docs.Upsert(ctx, path, store.Fields{fieldLastMessage: last.Text, fieldUpdatedAt: last.Timestamp})
	if err != nil {
		c.logger.Error("Error updating chat", "user_id", c.uid, "path", path, "error", err)
	}
}

func (c *Controller) logTurn(direction, eventType string, m domain.ChatMessage) {
	c.transcript.Log(ConversationLogEvent{
		Timestamp:  time.UnixMilli(m.Timestamp).UTC().Format(time.RFC3339Nano),
		UserID:     c.uid,
		ChatID:     c.ChatID(),
		Channel:    "chat",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: m.Text,
		Meta:       map[string]any{"message_id": m.ID, "status": string(m.Status)},
	})
}

// SendMessage appends a user turn, asks the model and appends its reply or
// an error turn. Every call adds exactly two messages.
func (c *Controller) SendMessage(text string) {
	if c.closed.Load() {
		c.logger.Warn("Chat command after close", "op", "send_message", "user_id", c.uid)
		return
	}
	c.busy.Set(true)
	c.request.Set(Loading{})
	user := domain.NewMessage(text, true, domain.StatusSending, c.nextTimestamp())
	c.appendMessage(user)

	c.run("send_message", func(ctx context.Context) {
		defer c.busy.Set(false)

		c.persist(ctx, user)
		c.logTurn("outbound", "chat_user_message", user)

		reply, err := c.gen.Generate(ctx, text)
		if err != nil {
			genErr := &domain.GenerationError{Err: err}
			c.logger.Warn("Error getting AI response", "user_id", c.uid, "error", genErr)
			c.setStatus(ctx, user.ID, domain.StatusError)

			msg := domain.NewMessage("Sorry, I encountered an error: "+genErr.Error(), false, domain.StatusError, c.nextTimestamp())
			c.appendMessage(msg)
			c.persist(ctx, msg)
			c.touchChat(ctx, msg)
			c.logTurn("inbound", "chat_error", msg)
			c.request.Set(Failed{Message: "Error: " + genErr.Error()})
			return
		}

		reply = strings.TrimSpace(reply)
		if reply == "" {
			reply = FallbackReply
		}
		c.setStatus(ctx, user.ID, domain.StatusSent)

		msg := domain.NewMessage(reply, false, domain.StatusSent, c.nextTimestamp())
		c.appendMessage(msg)
		c.persist(ctx, msg)
		c.touchChat(ctx, msg)
		c.logTurn("inbound", "chat_model_message", msg)
		c.request.Set(Success{Text: reply})
	})
}

// RetryLastUserMessage resends the most recent user turn as a new message.
// It does nothing when the transcript has no user turn.
func (c *Controller) RetryLastUserMessage() {
	msgs := c.messages.Get()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsUser {
			c.SendMessage(msgs[i].Text)
			return
		}
	}
}

// ClearChat empties the transcript and resets the request state. Persisted
// conversations also delete their message documents one by one, stopping
// at the first failure.
func (c *Controller) ClearChat() {
	c.messages.Set(nil)
	c.request.Set(Idle{})
	if !c.persisted() || c.ChatID() == "" {
		return
	}
	c.run("clear_chat", func(ctx context.Context) {
		coll := store.MessagesPath(c.uid, c.ChatID())
		docs, err := c.docs.List(ctx, store.Query{Collection: coll})
		if err != nil {
			c.logger.Error("Error listing messages", "user_id", c.uid, "error", err)
			return
		}
		for _, d := range docs {
			if err := c.docs.Delete(ctx, d.Path); err != nil {
				c.logger.Error("Error deleting message", "user_id", c.uid, "path", d.Path, "error", err)
				return
			}
		}
		c.touchChat(ctx, domain.ChatMessage{Timestamp: c.now().UnixMilli()})
	})
}

// LoadMessages resolves or creates the user's chat and follows its messages
// ordered by timestamp. Each snapshot replaces the transcript.
func (c *Controller) LoadMessages(ctx context.Context) error {
	if !c.persisted() {
		return nil
	}
	chatID, err := c.resolveChat(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.chatID = chatID
	c.mu.Unlock()

	coll := store.MessagesPath(c.uid, chatID)
	sub, err := c.docs.Subscribe(c.ctx, store.Query{Collection: coll, OrderBy: domain.FieldTimestamp}, c.onSnapshot)
	if err != nil {
		return &domain.PersistenceError{Op: "subscribe", Path: coll, Err: err}
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	c.logger.Info("Chat loaded", "user_id", c.uid, "chat_id", chatID)
	return nil
}

func (c *Controller) resolveChat(ctx context.Context) (string, error) {
	coll := store.ChatsPath(c.uid)
	chats, err := c.docs.List(ctx, store.Query{Collection: coll})
	if err != nil {
		return "", &domain.PersistenceError{Op: "list", Path: coll, Err: err}
	}
	if len(chats) > 0 {
		return chats[0].ID, nil
	}

	chatID := uuid.NewString()
	path := store.ChatPath(c.uid, chatID)
	err = c.docs.Upsert(ctx, path, store.Fields{
		fieldTitle:            defaultChatTitle,
		fieldLastMessage:      "",
		domain.FieldCreatedAt: c.now().UnixMilli(),
	})
	if err != nil {
		return "", &domain.PersistenceError{Op: "upsert", Path: path, Err: err}
	}
	return chatID, nil
}

func (c *Controller) onSnapshot(docs []store.Snapshot, err error) {
	if c.closed.Load() {
		return
	}
	if err != nil {
		c.logger.Warn("Message snapshot failed", "user_id", c.uid, "error", err)
		return
	}
	msgs := make([]domain.ChatMessage, 0, len(docs))
	var newest int64
	for _, d := range docs {
		m, err := domain.MessageFromFields(d.ID, d.Fields)
		if err != nil {
			c.logger.Warn("Skipping malformed message", "user_id", c.uid, "error", err)
			continue
		}
		newest = max(newest, m.Timestamp)
		msgs = append(msgs, m)
	}

	c.mu.Lock()
	c.lastTS = max(c.lastTS, newest)
	c.mu.Unlock()
	c.messages.Set(msgs)
}

// Wait blocks until every command issued so far has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close waits for in-flight commands and cancels the live subscription.
func (c *Controller) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.wg.Wait()
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
	c.cancel()
}
