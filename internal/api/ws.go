package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/agentpilot/agentpilot/internal/coordinator"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// WebSocketHandler streams a session's decoded messages over a WebSocket.
// The client sends prompt frames; each decoded reply message is relayed as
// one JSON text frame.
type WebSocketHandler struct {
	coord    *coordinator.Coordinator
	registry *StreamRegistry
}

// NewWebSocketHandler creates a WebSocket stream handler.
func NewWebSocketHandler(coord *coordinator.Coordinator, registry *StreamRegistry) *WebSocketHandler {
	return &WebSocketHandler{coord: coord, registry: registry}
}

// wsRequest is an inbound client frame.
type wsRequest struct {
	Type    string `json:"type"` // "message" or "continue"
	Content string `json:"content,omitempty"`
}

// wsStatus is an outbound control frame (errors and end-of-stream marks).
type wsStatus struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	slog.Info("WebSocket stream request", "session_id", sessionID, "ip", r.RemoteAddr)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	h.registry.Attach(sessionID, ws)
	defer h.registry.Detach(sessionID, ws)

	ctx := r.Context()
	for {
		var req wsRequest
		if err := readJSON(ctx, ws, &req); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, io.EOF) && ctx.Err() == nil {
				slog.Debug("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msgStream *coordinator.MessageStream
		var opErr error
		switch req.Type {
		case "message":
			msgStream, opErr = h.coord.SendMessage(ctx, sessionID, req.Content)
		case "continue":
			msgStream, opErr = h.coord.ContinueSession(ctx, sessionID)
		default:
			opErr = errors.New("unknown request type: " + req.Type)
		}

		if opErr != nil {
			if err := writeJSON(ctx, ws, wsStatus{Type: "error", Error: opErr.Error()}); err != nil {
				return
			}
			continue
		}

		if !h.pump(ctx, ws, msgStream, sessionID) {
			return
		}
	}
}

// pump relays one message stream to the client. Returns false when the
// connection is unusable and the handler should give up.
func (h *WebSocketHandler) pump(ctx context.Context, ws *websocket.Conn, msgStream *coordinator.MessageStream, sessionID string) bool {
	for {
		msg, err := msgStream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return writeJSON(ctx, ws, wsStatus{Type: "done"}) == nil
		}
		if err != nil {
			slog.Warn("Session stream failed", "error", err, "session_id", sessionID)
			_ = writeJSON(ctx, ws, wsStatus{Type: "error", Error: err.Error()})
			return false
		}

		if err := writeJSON(ctx, ws, msg); err != nil {
			slog.Debug("Client went away mid-stream", "error", err, "session_id", sessionID)
			return false
		}
	}
}

func readJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
