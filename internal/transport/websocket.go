// Package transport carries protocol events over WebSocket connections.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/ashureev/facegate/internal/protocol"
)

// DefaultReadLimit caps a single inbound message.
const DefaultReadLimit = 10_000_000

// Options configures the WebSocket handler.
type Options struct {
	// ReadLimit is the maximum size of one inbound message in bytes.
	ReadLimit int64
	// AllowedOrigins are host patterns accepted by the origin check; "*" allows all.
	AllowedOrigins []string
	// NewSessionID generates session identifiers. Defaults to random UUIDs.
	NewSessionID func() string
	Logger       *slog.Logger
}

// WebSocketHandler accepts connections and feeds their events to the protocol handler.
type WebSocketHandler struct {
	protocol       *protocol.Handler
	readLimit      int64
	allowedOrigins []string
	newSessionID   func() string
	logger         *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(h *protocol.Handler, opts Options) *WebSocketHandler {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.NewSessionID == nil {
		opts.NewSessionID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &WebSocketHandler{
		protocol:       h,
		readLimit:      opts.ReadLimit,
		allowedOrigins: opts.AllowedOrigins,
		newSessionID:   opts.NewSessionID,
		logger:         opts.Logger,
	}
}

// wsHandle addresses events to one connection.
type wsHandle struct {
	conn *websocket.Conn
}

func (w *wsHandle) Emit(ctx context.Context, event string, payload any) error {
	ev, err := protocol.NewEvent(event, payload)
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, w.conn, ev)
}

func (w *wsHandle) Close(reason string) error {
	return w.conn.Close(websocket.StatusGoingAway, reason)
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.allowedOrigins,
	})
	if err != nil {
		h.logger.Warn("Failed to accept WebSocket", "error", err, "ip", r.RemoteAddr)
		return
	}
	ws.SetReadLimit(h.readLimit)

	sessionID := h.newSessionID()
	sess, err := h.protocol.Connect(sessionID, &wsHandle{conn: ws})
	if err != nil {
		h.logger.Error("Failed to register session", "error", err, "session_id", sessionID)
		_ = ws.Close(websocket.StatusPolicyViolation, "session rejected")
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()
	defer h.protocol.Disconnect(sessionID)

	h.logger.Info("Client connected", "session_id", sessionID, "ip", r.RemoteAddr)
	start := time.Now()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			h.logReadError(sessionID, err)
			break
		}

		ev, err := protocol.ParseEvent(message)
		if err != nil {
			h.logger.Warn("Dropping malformed frame", "session_id", sessionID, "error", err, "bytes", len(message))
			continue
		}
		h.protocol.HandleEvent(sess, ev)
	}

	h.logger.Info("Client disconnected", "session_id", sessionID, "duration", time.Since(start))
}

func (h *WebSocketHandler) logReadError(sessionID string, err error) {
	switch {
	case websocket.CloseStatus(err) != -1:
		h.logger.Debug("WebSocket closed by client", "session_id", sessionID, "status", websocket.CloseStatus(err))
	case errors.Is(err, context.Canceled):
		h.logger.Debug("WebSocket read canceled", "session_id", sessionID)
	default:
		h.logger.Warn("WebSocket read error", "error", err, "session_id", sessionID)
	}
}
