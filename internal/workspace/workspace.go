// Package workspace holds the per-client controllers behind the HTTP API.
// Each client gets its own identity session and, while signed in, a
// persisted conversation for the signed-in user.
package workspace

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/gemchat/internal/chat"
	"github.com/ashureev/gemchat/internal/domain"
	"github.com/ashureev/gemchat/internal/identity"
	"github.com/ashureev/gemchat/internal/observable"
	"github.com/ashureev/gemchat/internal/session"
)

// ErrNoConversation is returned for chat commands while signed out or
// before the conversation has been attached.
var ErrNoConversation = errors.New("no conversation")

const loadTimeout = 15 * time.Second

// View is the wire snapshot of one client.
type View struct {
	Session session.View `json:"session"`
	User    *UserView    `json:"user,omitempty"`
	Chat    *ChatView    `json:"chat,omitempty"`
}

// UserView describes the signed-in identity.
type UserView struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Provider    string `json:"provider"`
}

// ChatView is the conversation part of View.
type ChatView struct {
	ChatID   string               `json:"chatId"`
	Messages []domain.ChatMessage `json:"messages"`
	Request  chat.RequestView     `json:"request"`
	Busy     bool                 `json:"busy"`
}

func userViewOf(id *domain.Identity) *UserView {
	if id == nil {
		return nil
	}
	return &UserView{UID: id.UID, Email: id.Email, DisplayName: id.DisplayName, Provider: id.Provider}
}

// Workspace is the state of one client.
type Workspace struct {
	id     string
	cfg    *Config
	logger *slog.Logger

	auth    *identity.Auth
	session *session.Controller
	view    *observable.Value[View]

	lastSeen atomic.Int64
	streams  atomic.Int32

	mu       sync.Mutex
	conv     *chat.Controller
	convUID  string
	convStop []func()
	gen      uint64

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newWorkspace(clientID string, cfg *Config) *Workspace {
	logger := cfg.Logger.With("client_id", clientID)
	w := &Workspace{
		id:     clientID,
		cfg:    cfg,
		logger: logger,
		auth:   identity.NewAuth(cfg.Directory, cfg.Mailer, logger),
		view:   observable.New(View{Session: session.ViewOf(session.Unauthenticated{})}),
		done:   make(chan struct{}),
	}
	w.touch(cfg.Now())

	var fed identity.FederatedSignIn
	if cfg.NewFederated != nil {
		fed = cfg.NewFederated()
	}
	w.session = session.NewController(w.auth, fed, cfg.Store,
		session.WithLogger(logger),
		session.WithCommandTimeout(cfg.CommandTimeout),
	)
	if fed != nil && cfg.GoogleClientID != "" {
		w.session.InitializeFederatedSignIn(cfg.GoogleClientID)
	}

	w.session.State().Subscribe(func(st session.State) {
		user := userViewOf(w.auth.CurrentIdentity())
		w.view.Update(func(v View) View {
			v.Session = session.ViewOf(st)
			v.User = user
			return v
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.follow(ctx)
	return w
}

// ID returns the client ID.
func (w *Workspace) ID() string { return w.id }

// Session returns the session controller.
func (w *Workspace) Session() *session.Controller { return w.session }

// View returns the observable client snapshot.
func (w *Workspace) View() *observable.Value[View] { return w.view }

// Conversation returns the attached conversation.
func (w *Workspace) Conversation() (*chat.Controller, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conv == nil {
		return nil, ErrNoConversation
	}
	return w.conv, nil
}

// Settle waits for pending session commands and then until the attached
// conversation matches the session: present for the signed-in user, absent
// when signed out.
func (w *Workspace) Settle(ctx context.Context) error {
	w.session.Wait()

	ctx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()
	changes := w.view.Changes(ctx)
	for {
		if w.settled() {
			return nil
		}
		if _, ok := <-changes; !ok {
			if w.settled() {
				return nil
			}
			return ctx.Err()
		}
	}
}

func (w *Workspace) settled() bool {
	kind := w.session.Current().Kind()
	id := w.auth.CurrentIdentity()

	w.mu.Lock()
	defer w.mu.Unlock()
	switch kind {
	case session.KindAuthenticated:
		if id == nil {
			return true
		}
		return w.conv != nil && w.convUID == id.UID && w.view.Get().Chat != nil
	case session.KindUnauthenticated:
		return w.conv == nil
	default:
		return true
	}
}

// Acquire marks the workspace as streamed so the sweeper keeps it. The
// returned function releases it.
func (w *Workspace) Acquire() (release func()) {
	w.streams.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			w.streams.Add(-1)
			w.touch(w.cfg.Now())
		})
	}
}

func (w *Workspace) touch(now time.Time) {
	w.lastSeen.Store(now.UnixNano())
}

func (w *Workspace) idle(now time.Time, ttl time.Duration) bool {
	if w.streams.Load() > 0 {
		return false
	}
	return now.Sub(time.Unix(0, w.lastSeen.Load())) > ttl
}

// follow attaches a conversation when the session becomes authenticated and
// detaches it when the session is signed out.
func (w *Workspace) follow(ctx context.Context) {
	defer close(w.done)
	for st := range w.session.State().Changes(ctx) {
		switch st.Kind() {
		case session.KindAuthenticated:
			if id := w.auth.CurrentIdentity(); id != nil {
				w.attach(id.UID)
			}
		case session.KindUnauthenticated:
			w.detach()
		}
	}
}

func (w *Workspace) attach(uid string) {
	w.mu.Lock()
	same := w.conv != nil && w.convUID == uid
	w.mu.Unlock()
	if same {
		return
	}
	w.detach()

	conv := chat.NewController(w.cfg.Generator,
		chat.WithStore(w.cfg.Store, uid),
		chat.WithTranscript(w.cfg.Transcript),
		chat.WithLogger(w.logger),
		chat.WithCommandTimeout(w.cfg.CommandTimeout),
		chat.WithClock(w.cfg.Now),
	)
	ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	err := conv.LoadMessages(ctx)
	cancel()
	if err != nil {
		w.logger.Error("Error loading conversation", "user_id", uid, "error", err)
	}

	w.mu.Lock()
	w.gen++
	gen := w.gen
	w.conv = conv
	w.convUID = uid
	w.mu.Unlock()

	stops := []func(){
		conv.Messages().Subscribe(func(msgs []domain.ChatMessage) {
			w.updateChat(gen, conv, func(cv *ChatView) { cv.Messages = msgs })
		}),
		conv.Request().Subscribe(func(rs chat.RequestState) {
			w.updateChat(gen, conv, func(cv *ChatView) { cv.Request = chat.ViewOf(rs) })
		}),
		conv.Busy().Subscribe(func(busy bool) {
			w.updateChat(gen, conv, func(cv *ChatView) { cv.Busy = busy })
		}),
	}

	w.mu.Lock()
	if w.gen == gen {
		w.convStop = stops
		stops = nil
	}
	w.mu.Unlock()
	// Detached while subscribing.
	for _, stop := range stops {
		stop()
	}
	w.logger.Info("Conversation attached", "user_id", uid, "chat_id", conv.ChatID())
}

func (w *Workspace) updateChat(gen uint64, conv *chat.Controller, fn func(*ChatView)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.gen {
		return
	}
	w.view.Update(func(v View) View {
		var cv ChatView
		if v.Chat != nil {
			cv = *v.Chat
		} else {
			cv.Request = chat.ViewOf(chat.Idle{})
		}
		cv.ChatID = conv.ChatID()
		fn(&cv)
		v.Chat = &cv
		return v
	})
}

func (w *Workspace) detach() {
	w.mu.Lock()
	conv, stops, uid := w.conv, w.convStop, w.convUID
	w.gen++
	w.conv, w.convStop, w.convUID = nil, nil, ""
	if conv != nil {
		w.view.Update(func(v View) View {
			v.Chat = nil
			return v
		})
	}
	w.mu.Unlock()

	if conv == nil {
		return
	}
	for _, stop := range stops {
		stop()
	}
	conv.Close()
	w.logger.Info("Conversation detached", "user_id", uid)
}

// Close stops the workspace and its controllers. It is idempotent.
func (w *Workspace) Close() {
	w.once.Do(func() {
		w.cancel()
		<-w.done
		w.detach()
		w.session.Close()
	})
}
