package workspace

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/gemchat/internal/chat"
	"github.com/ashureev/gemchat/internal/identity"
	"github.com/ashureev/gemchat/internal/metrics"
	"github.com/ashureev/gemchat/internal/store"
)

// Config wires the shared dependencies of every workspace.
type Config struct {
	Store      store.DocumentStore
	Directory  *identity.Directory
	Mailer     identity.Mailer
	Generator  chat.Generator
	Transcript chat.ConversationLogger

	// NewFederated builds the federated sign-in of one client. Nil disables
	// federated sign-in.
	NewFederated   func() identity.FederatedSignIn
	GoogleClientID string

	CommandTimeout time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// Registry maps client IDs to workspaces.
type Registry struct {
	cfg *Config

	mu      sync.Mutex
	clients map[string]*Workspace
	closed  bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Transcript == nil {
		cfg.Transcript = chat.NopConversationLogger()
	}
	return &Registry{cfg: &cfg, clients: make(map[string]*Workspace)}
}

// Get returns the workspace of clientID, creating it on first use, and marks
// it as recently seen.
func (r *Registry) Get(clientID string) *Workspace {
	r.mu.Lock()
	w, ok := r.clients[clientID]
	if !ok {
		w = newWorkspace(clientID, r.cfg)
		r.clients[clientID] = w
		metrics.SetActiveClients(len(r.clients))
		r.cfg.Logger.Debug("Workspace created", "client_id", clientID)
	}
	r.mu.Unlock()

	w.touch(r.cfg.Now())
	return w
}

// Lookup returns an existing workspace without creating one.
func (r *Registry) Lookup(clientID string) (*Workspace, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.clients[clientID]
	return w, ok
}

// Len reports the number of live workspaces.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Sweep closes workspaces idle for longer than ttl and returns how many
// were closed. Workspaces with an open stream are never idle.
func (r *Registry) Sweep(ttl time.Duration) int {
	now := r.cfg.Now()
	var expired []*Workspace

	r.mu.Lock()
	for id, w := range r.clients {
		if w.idle(now, ttl) {
			expired = append(expired, w)
			delete(r.clients, id)
		}
	}
	metrics.SetActiveClients(len(r.clients))
	r.mu.Unlock()

	for _, w := range expired {
		r.cfg.Logger.Info("Closing idle workspace", "client_id", w.ID())
		w.Close()
	}
	metrics.RecordExpired(len(expired))
	return len(expired)
}

// Close closes every workspace.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	all := make([]*Workspace, 0, len(r.clients))
	for _, w := range r.clients {
		all = append(all, w)
	}
	r.clients = make(map[string]*Workspace)
	metrics.SetActiveClients(0)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Close()
		}()
	}
	wg.Wait()
}
