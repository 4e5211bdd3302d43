package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/agentpilot/agentpilot/internal/coordinator"
	"github.com/go-chi/chi/v5"
)

// SessionHandler handles session lifecycle endpoints.
type SessionHandler struct {
	coord *coordinator.Coordinator
}

// NewSessionHandler creates a session handler over the coordinator.
func NewSessionHandler(coord *coordinator.Coordinator) *SessionHandler {
	return &SessionHandler{coord: coord}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/{sessionID}", h.Get)
		r.Delete("/{sessionID}", h.Delete)
		r.Post("/{sessionID}/stop", h.Stop)
		r.Post("/{sessionID}/pause", h.Pause)
		r.Post("/{sessionID}/messages", h.SendMessage)
		r.Post("/{sessionID}/continue", h.Continue)
	})
	r.Get("/api/capabilities", h.Capabilities)
}

type createSessionRequest struct {
	WorkspacePath string         `json:"workspace_path"`
	SystemPrompt  string         `json:"system_prompt,omitempty"`
	AllowedTools  []string       `json:"allowed_tools,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type sendMessageRequest struct {
	Message string `json:"message"`
}

// Create starts a new session: record created, agent process launched.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WorkspacePath == "" {
		Error(w, http.StatusBadRequest, "workspace_path is required")
		return
	}

	session, err := h.coord.StartSession(r.Context(), req.WorkspacePath, req.SystemPrompt, req.AllowedTools, req.Metadata)
	if err != nil {
		slog.Error("Failed to start session", "error", err, "workspace", req.WorkspacePath)
		WriteDomainError(w, err)
		return
	}

	JSON(w, http.StatusCreated, session)
}

// List returns all known sessions.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"sessions": h.coord.ListSessions()})
}

// Get returns one session record.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.coord.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, session)
}

// Delete stops the session if running and removes its record.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.coord.DeleteSession(r.Context(), sessionID); err != nil {
		WriteDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Stop terminates the session.
func (h *SessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.coord.StopSession(r.Context(), sessionID); err != nil {
		WriteDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// Pause stops the agent process but leaves the session resumable.
func (h *SessionHandler) Pause(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.coord.PauseSession(r.Context(), sessionID); err != nil {
		WriteDomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// SendMessage writes the prompt to the session's agent process and streams
// decoded reply messages back as NDJSON, one object per line.
func (h *SessionHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	msgStream, err := h.coord.SendMessage(r.Context(), sessionID, req.Message)
	if err != nil {
		slog.Error("Failed to send message", "error", err, "session_id", sessionID)
		WriteDomainError(w, err)
		return
	}

	h.streamResponse(w, r, msgStream)
}

// Continue resumes consuming the session's output stream, relaunching the
// agent process first when the session is paused.
func (h *SessionHandler) Continue(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	msgStream, err := h.coord.ContinueSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to continue session", "error", err, "session_id", sessionID)
		WriteDomainError(w, err)
		return
	}

	h.streamResponse(w, r, msgStream)
}

// streamResponse pumps a message stream to the client as NDJSON. A terminal
// stream error becomes the last line; the status is already committed by
// then, which is inherent to streaming.
func (h *SessionHandler) streamResponse(w http.ResponseWriter, r *http.Request, msgStream *coordinator.MessageStream) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for {
		msg, err := msgStream.Next(r.Context())
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if encErr := enc.Encode(map[string]string{"error": err.Error()}); encErr != nil {
				slog.Debug("Failed to write stream error", "error", encErr)
			}
			return
		}

		if err := enc.Encode(msg); err != nil {
			slog.Debug("Client went away mid-stream", "error", err, "session_id", msg.SessionID)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// Capabilities lists the configured capability servers.
func (h *SessionHandler) Capabilities(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"servers": h.coord.Capabilities().List()})
}
