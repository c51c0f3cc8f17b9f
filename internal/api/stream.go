package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ashureev/gemchat/internal/identity"
	"github.com/ashureev/gemchat/internal/workspace"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	streamPingInterval = 30 * time.Second
	streamWriteTimeout = 10 * time.Second
)

// StreamHandler pushes client snapshots over a WebSocket whenever the
// session or conversation changes.
type StreamHandler struct {
	reg            *workspace.Registry
	originPatterns []string
	isDev          bool
	pingInterval   time.Duration
}

// NewStreamHandler creates a stream handler. Browsers are accepted from the
// host of frontendURL, or from anywhere in development.
func NewStreamHandler(reg *workspace.Registry, frontendURL string, isDev bool) *StreamHandler {
	var patterns []string
	if u, err := url.Parse(frontendURL); err == nil && u.Host != "" {
		patterns = append(patterns, u.Host)
	}
	return &StreamHandler{
		reg:            reg,
		originPatterns: patterns,
		isDev:          isDev,
		pingInterval:   streamPingInterval,
	}
}

// streamFrame is one message sent to the client.
type streamFrame struct {
	Type  string         `json:"type"`
	State workspace.View `json:"state"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := identity.ClientIDFromContext(r.Context())
	slog.Info("Stream connection request", "client_id", clientID, "ip", identity.IPFromRequest(r))

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     h.originPatterns,
		InsecureSkipVerify: h.isDev,
	})
	if err != nil {
		slog.Warn("Failed to accept WebSocket", "error", err, "client_id", clientID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "client_id", clientID)
		}
	}()

	space := h.reg.Get(clientID)
	release := space.Acquire()
	defer release()

	// The stream is push-only; CloseRead discards client frames and cancels
	// ctx once the peer goes away.
	ctx := ws.CloseRead(r.Context())
	changes := space.View().Changes(ctx)

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case view, ok := <-changes:
			if !ok {
				return
			}
			if err := h.write(ctx, ws, streamFrame{Type: "state", State: view}); err != nil {
				logStreamError(err, clientID)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				logStreamError(err, clientID)
				return
			}
		case <-ctx.Done():
			slog.Debug("Stream closed", "client_id", clientID, "reason", ctx.Err())
			return
		}
	}
}

func (h *StreamHandler) write(ctx context.Context, ws *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, v)
}

func logStreamError(err error, clientID string) {
	if errors.Is(err, context.Canceled) || websocket.CloseStatus(err) != -1 {
		slog.Debug("Stream ended", "client_id", clientID, "error", err)
		return
	}
	slog.Warn("Stream write failed", "client_id", clientID, "error", err)
}
