package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ashureev/gemchat/internal/domain"
	"github.com/ashureev/gemchat/internal/session"
	"github.com/ashureev/gemchat/internal/workspace"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type resetRequest struct {
	Email string `json:"email"`
}

type confirmResetRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type displayNameRequest struct {
	Name string `json:"name"`
}

// accepted responds after a session command was issued. With ?wait=true the
// response carries the state after the command finished and the conversation
// was attached or detached to match it.
func (h *Handler) accepted(w http.ResponseWriter, r *http.Request, ws *workspace.Workspace) {
	status := http.StatusAccepted
	if wantsWait(r) {
		h.settle(r, ws)
		status = http.StatusOK
	}
	JSON(w, status, ws.View().Get())
}

func (h *Handler) settle(r *http.Request, ws *workspace.Workspace) {
	if err := ws.Settle(r.Context()); err != nil {
		h.logger.Warn("Workspace did not settle", "client_id", ws.ID(), "error", err)
	}
}

// SignIn signs in with email and password.
func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ws := h.workspaceFor(r)
	ws.Session().SignIn(strings.TrimSpace(req.Email), req.Password)
	h.accepted(w, r, ws)
}

// SignUp creates an account and signs in.
func (h *Handler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ws := h.workspaceFor(r)
	ws.Session().SignUp(strings.TrimSpace(req.Email), req.Password)
	h.accepted(w, r, ws)
}

// SignOut signs the client out.
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	ws := h.workspaceFor(r)
	ws.Session().SignOut()
	h.accepted(w, r, ws)
}

// ResetPassword dispatches a password reset.
func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ws := h.workspaceFor(r)
	ws.Session().ResetPassword(strings.TrimSpace(req.Email))
	h.accepted(w, r, ws)
}

// ConfirmPasswordReset sets a new password with a reset token.
func (h *Handler) ConfirmPasswordReset(w http.ResponseWriter, r *http.Request) {
	var req confirmResetRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ws := h.workspaceFor(r)
	ws.Session().ConfirmPasswordReset(req.Token, req.Password)
	h.accepted(w, r, ws)
}

// UpdateDisplayName changes the signed-in user's display name and waits for
// the outcome.
func (h *Handler) UpdateDisplayName(w http.ResponseWriter, r *http.Request) {
	var req displayNameRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		Error(w, http.StatusBadRequest, "name is required")
		return
	}

	done := make(chan error, 1)
	ws := h.workspaceFor(r)
	ws.Session().UpdateDisplayName(name,
		func() { done <- nil },
		func(err error) { done <- err },
	)

	select {
	case err := <-done:
		if err != nil {
			h.logger.Info("Display name update failed", "client_id", ws.ID(), "error", err)
			Error(w, statusFor(err), session.UserMessage("Failed to update name", err))
			return
		}
		JSON(w, http.StatusOK, ws.View().Get())
	case <-r.Context().Done():
	}
}

// DeleteAccount removes the signed-in user's data and identity.
func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	done := make(chan error, 1)
	ws := h.workspaceFor(r)
	ws.Session().DeleteAccount(
		func() { done <- nil },
		func(err error) { done <- err },
	)

	// Failures after the identity check only land in the session state, so
	// wait for the command and inspect it.
	finished := make(chan struct{})
	go func() {
		ws.Session().Wait()
		close(finished)
	}()

	select {
	case err := <-done:
		if err != nil {
			Error(w, statusFor(err), session.UserMessage("Error deleting account", err))
			return
		}
		JSON(w, http.StatusOK, ws.View().Get())
	case <-finished:
		select {
		case err := <-done:
			if err != nil {
				Error(w, statusFor(err), session.UserMessage("Error deleting account", err))
				return
			}
			JSON(w, http.StatusOK, ws.View().Get())
		default:
			view := session.ViewOf(ws.Session().Current())
			Error(w, http.StatusInternalServerError, view.Message)
		}
	case <-r.Context().Done():
	}
}

// FederatedSignInRequest returns the URL the host should open for Google
// sign-in.
func (h *Handler) FederatedSignInRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.workspaceFor(r).Session().FederatedSignInRequest()
	if err != nil {
		if errors.Is(err, domain.ErrNotInitialized) {
			Error(w, http.StatusServiceUnavailable, "federated sign-in is not configured")
			return
		}
		h.logger.Error("Failed to build federated sign-in request", "error", err)
		Error(w, http.StatusInternalServerError, "failed to start federated sign-in")
		return
	}
	JSON(w, http.StatusOK, req)
}

// FederatedCallback completes Google sign-in and sends the browser back to
// the frontend.
func (h *Handler) FederatedCallback(w http.ResponseWriter, r *http.Request) {
	ws := h.workspaceFor(r)
	ws.Session().HandleFederatedSignInResult(r.URL.RawQuery)
	h.settle(r, ws)

	if h.frontendRedirectURL != "" {
		http.Redirect(w, r, h.frontendRedirectURL, http.StatusFound)
		return
	}
	JSON(w, http.StatusOK, ws.View().Get())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, workspace.ErrNoConversation):
		return http.StatusConflict
	}
	switch domain.AuthCategoryOf(err) {
	case domain.AuthInvalidCredentials, domain.AuthUnknownUser:
		return http.StatusBadRequest
	case domain.AuthAccountCollision:
		return http.StatusConflict
	case domain.AuthNetwork:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
