package api

import (
	"net/http"
	"strings"

	"github.com/ashureev/gemchat/internal/chat"
	"github.com/ashureev/gemchat/internal/identity"
)

type sendMessageRequest struct {
	Text string `json:"text"`
}

func (h *Handler) conversation(w http.ResponseWriter, r *http.Request) (*chat.Controller, bool) {
	conv, err := h.workspaceFor(r).Conversation()
	if err != nil {
		Error(w, statusFor(err), "sign in to chat")
		return nil, false
	}
	return conv, true
}

func (h *Handler) chatView(w http.ResponseWriter, r *http.Request, status int) {
	view := h.workspaceFor(r).View().Get()
	if view.Chat == nil {
		Error(w, http.StatusConflict, "sign in to chat")
		return
	}
	JSON(w, status, view.Chat)
}

// GetChat returns the conversation of the signed-in user.
func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.conversation(w, r); !ok {
		return
	}
	h.chatView(w, r, http.StatusOK)
}

// SendMessage submits a user message to the model.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		Error(w, http.StatusBadRequest, "text is required")
		return
	}
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	if !h.limiter.allow(identity.ClientIDFromContext(r.Context())) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	conv.SendMessage(req.Text)
	h.finishChat(w, r, conv)
}

// RetryLastUserMessage resends the last user message.
func (h *Handler) RetryLastUserMessage(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	if !h.limiter.allow(identity.ClientIDFromContext(r.Context())) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	conv.RetryLastUserMessage()
	h.finishChat(w, r, conv)
}

// ClearChat empties the conversation.
func (h *Handler) ClearChat(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}
	conv.ClearChat()
	h.finishChat(w, r, conv)
}

func (h *Handler) finishChat(w http.ResponseWriter, r *http.Request, conv *chat.Controller) {
	status := http.StatusAccepted
	if wantsWait(r) {
		conv.Wait()
		status = http.StatusOK
	}
	h.chatView(w, r, status)
}
