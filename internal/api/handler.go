// Package api provides HTTP handlers for the gemchat API.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/gemchat/internal/identity"
	"github.com/ashureev/gemchat/internal/store"
	"github.com/ashureev/gemchat/internal/workspace"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 64 << 10

// Handler serves session and chat intents for the calling client.
type Handler struct {
	reg                 *workspace.Registry
	docs                store.DocumentStore
	limiter             *rateLimiter
	frontendRedirectURL string
	federatedEnabled    bool
	logger              *slog.Logger
}

// Options configures a Handler.
type Options struct {
	FrontendURL        string
	FederatedEnabled   bool
	RateLimitPerMinute int
	Logger             *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(reg *workspace.Registry, docs store.DocumentStore, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		reg:                 reg,
		docs:                docs,
		limiter:             newRateLimiter(opts.RateLimitPerMinute),
		frontendRedirectURL: opts.FrontendURL,
		federatedEnabled:    opts.FederatedEnabled,
		logger:              opts.Logger,
	}
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ready", h.Ready)
	r.Route("/api", func(r chi.Router) {
		r.Get("/config", h.GetConfig)
		r.Get("/state", h.GetState)

		r.Route("/session", func(r chi.Router) {
			r.Post("/sign-in", h.SignIn)
			r.Post("/sign-up", h.SignUp)
			r.Post("/sign-out", h.SignOut)
			r.Post("/reset-password", h.ResetPassword)
			r.Post("/confirm-reset", h.ConfirmPasswordReset)
			r.Put("/display-name", h.UpdateDisplayName)
			r.Delete("/account", h.DeleteAccount)
			r.Get("/federated", h.FederatedSignInRequest)
			r.Get("/federated/callback", h.FederatedCallback)
		})

		r.Route("/chat", func(r chi.Router) {
			r.Get("/", h.GetChat)
			r.Post("/messages", h.SendMessage)
			r.Post("/retry", h.RetryLastUserMessage)
			r.Delete("/messages", h.ClearChat)
		})
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

var errEmptyBody = errors.New("request body is empty")

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func (h *Handler) workspaceFor(r *http.Request) *workspace.Workspace {
	return h.reg.Get(identity.ClientIDFromContext(r.Context()))
}

// wantsWait reports whether the caller asked to block until the command
// has finished. Session commands also wait for the conversation to follow
// the new session state.
func wantsWait(r *http.Request) bool {
	switch strings.ToLower(r.URL.Query().Get("wait")) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// Ready checks the document store.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.docs.Ping(r.Context()); err != nil {
		h.logger.Warn("Readiness check failed", "error", err)
		Error(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetConfig returns the server configuration for the frontend.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"federated_enabled": h.federatedEnabled,
	})
}

// GetState returns the full client snapshot.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.workspaceFor(r).View().Get())
}
