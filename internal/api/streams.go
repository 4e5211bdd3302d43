package api

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// StreamRegistry tracks the active WebSocket connection per session. A
// session has at most one attached stream consumer; attaching again
// replaces the previous connection.
type StreamRegistry struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewStreamRegistry creates an empty registry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{active: make(map[string]*websocket.Conn)}
}

// Active returns the attached connection for a session, or nil.
func (r *StreamRegistry) Active(sessionID string) *websocket.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[sessionID]
}

// Attach registers conn as the session's stream consumer, closing any
// previous one.
func (r *StreamRegistry) Attach(sessionID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.active[sessionID]; ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "stream replaced")
	}
	r.active[sessionID] = conn
	slog.Info("Session stream attached", "session_id", sessionID)
}

// Detach removes conn if it is still the session's active connection.
func (r *StreamRegistry) Detach(sessionID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.active[sessionID]; ok && current == conn {
		delete(r.active, sessionID)
		slog.Info("Session stream detached", "session_id", sessionID)
	}
}

// Close force-closes the session's active connection if any.
func (r *StreamRegistry) Close(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.active[sessionID]; ok {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		delete(r.active, sessionID)
	}
}
