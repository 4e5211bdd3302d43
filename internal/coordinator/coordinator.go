// Package coordinator composes the session store, process handles, and the
// stream decoder into the public session lifecycle API. It owns exactly one
// process handle per active session and serializes access to it.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentpilot/agentpilot/internal/audit"
	"github.com/agentpilot/agentpilot/internal/capability"
	"github.com/agentpilot/agentpilot/internal/config"
	"github.com/agentpilot/agentpilot/internal/domain"
	"github.com/agentpilot/agentpilot/internal/process"
	"github.com/agentpilot/agentpilot/internal/store"
	"github.com/agentpilot/agentpilot/internal/stream"
)

// DomainError is the coordinator-level error wrapper. It carries the
// underlying cause and a details map sufficient to diagnose without
// re-running the operation.
type DomainError struct {
	Msg     string
	Details map[string]any
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *DomainError) Unwrap() error { return e.Err }

func domainErr(msg string, err error, details map[string]any) *DomainError {
	return &DomainError{Msg: msg, Err: err, Details: details}
}

// sessionSlot pairs a session with its exclusively-owned process handle.
// The slot mutex serializes process start/stop/write for one session without
// blocking other sessions.
type sessionSlot struct {
	mu     sync.Mutex
	handle *process.Handle
}

// Coordinator is the top-level session API.
type Coordinator struct {
	cfg   *config.Config
	store *store.SessionStore
	audit *audit.Logger

	mu          sync.Mutex // guards initialized and slots; never held across process I/O
	initialized bool
	sweepCancel context.CancelFunc
	slots       map[string]*sessionSlot
}

// New creates a coordinator. Nothing runs until the first public operation
// triggers initialization.
func New(cfg *config.Config, sessions *store.SessionStore, auditLog *audit.Logger) *Coordinator {
	return &Coordinator{
		cfg:   cfg,
		store: sessions,
		audit: auditLog,
		slots: make(map[string]*sessionSlot),
	}
}

// ensureInit performs one-time initialization: starting the expiry sweeper.
// Guarded so concurrent first calls do not double-initialize.
func (c *Coordinator) ensureInit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	c.sweepCancel = cancel
	c.store.StartSweeper(sweepCtx)
	c.initialized = true
	slog.Info("Coordinator initialized")
}

func (c *Coordinator) slot(sessionID string) *sessionSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[sessionID]
	if !ok {
		s = &sessionSlot{handle: process.New(c.cfg.AgentBin, slog.Default())}
		c.slots[sessionID] = s
	}
	return s
}

func (c *Coordinator) dropSlot(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.slots, sessionID)
}

// failSession transitions a session to the error state and persists it.
// Used on every propagated failure; best-effort, the original error wins.
func (c *Coordinator) failSession(ctx context.Context, session *domain.Session, cause error) {
	if err := session.UpdateState(domain.StateError, cause.Error()); err != nil {
		slog.Warn("Cannot mark session as failed", "session_id", session.ID, "error", err)
		return
	}
	if err := c.store.Update(ctx, session); err != nil {
		slog.Warn("Failed to persist session error state", "session_id", session.ID, "error", err)
	}
}

// vetTools rejects requested tools that no enabled capability server grants
// at execute level or higher. An empty registry grants everything.
func (c *Coordinator) vetTools(tools []string) error {
	reg := c.cfg.Capabilities
	if reg == nil || len(reg.List()) == 0 {
		return nil
	}
	for _, tool := range tools {
		if !reg.Grants(tool, capability.LevelExecute) {
			return domainErr("tool not granted by any capability server", nil,
				map[string]any{"tool": tool, "required_level": capability.LevelExecute.String()})
		}
	}
	return nil
}

// StartSession creates a session for the workspace and launches its agent
// process. On launch failure the record is left in the error state.
func (c *Coordinator) StartSession(ctx context.Context, workspacePath, systemPrompt string, allowedTools []string, metadata map[string]any) (*domain.Session, error) {
	c.ensureInit()

	if err := c.vetTools(allowedTools); err != nil {
		return nil, err
	}

	session, err := c.store.Create(ctx, workspacePath, systemPrompt, allowedTools, metadata)
	if err != nil {
		var capErr *store.CapacityError
		if errors.As(err, &capErr) {
			return nil, domainErr("failed to create session", err, map[string]any{"limit": capErr.Limit})
		}
		return nil, domainErr("failed to create session", err, map[string]any{"workspace_path": workspacePath})
	}

	slot := c.slot(session.ID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if err := slot.handle.Start(session.WorkspacePath, session.SystemPrompt, session.AllowedTools); err != nil {
		c.failSession(ctx, session, err)
		return nil, domainErr("failed to start agent process", err, map[string]any{
			"session_id": session.ID,
			"bin":        c.cfg.AgentBin,
			"stderr":     slot.handle.StderrTail(),
		})
	}

	if err := session.UpdateState(domain.StateRunning, ""); err != nil {
		return nil, domainErr("failed to mark session running", err, map[string]any{"session_id": session.ID})
	}
	if err := c.store.Update(ctx, session); err != nil {
		return nil, domainErr("failed to persist session", err, map[string]any{"session_id": session.ID})
	}

	slog.Info("Started session", "session_id", session.ID, "pid", slot.handle.PID())
	return session, nil
}

// SendMessage writes text to a running session's process and returns the
// lazy stream of decoded reply messages. The synthesized user message is
// appended to history and persisted before the stream is returned.
func (c *Coordinator) SendMessage(ctx context.Context, sessionID, text string) (*MessageStream, error) {
	c.ensureInit()

	session, err := c.getForUpdate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.State != domain.StateRunning {
		return nil, domainErr("session is not running", nil, map[string]any{
			"session_id": sessionID,
			"state":      string(session.State),
		})
	}

	slot := c.slot(sessionID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if !slot.handle.IsAlive() {
		cause := fmt.Errorf("agent process is gone for session %s", sessionID)
		c.failSession(ctx, session, cause)
		return nil, domainErr("failed to send message", cause, map[string]any{"session_id": sessionID})
	}

	if err := slot.handle.Write(text); err != nil {
		c.failSession(ctx, session, err)
		return nil, domainErr("failed to send message", err, map[string]any{
			"session_id": sessionID,
			"pid":        slot.handle.PID(),
		})
	}

	userMsg := domain.NewUserMessage(sessionID, text)
	session.AddMessage(userMsg)
	if err := c.store.Update(ctx, session); err != nil {
		return nil, domainErr("failed to persist session", err, map[string]any{"session_id": sessionID})
	}
	c.audit.Record(sessionID, "sent", userMsg)

	decoder := stream.NewDecoder(slot.handle.Stdout(), c.cfg.DecodePolicy, c.cfg.TraceBufferLines)
	return newMessageStream(c, sessionID, decoder), nil
}

// ContinueSession resumes consuming a session's output stream. A paused
// session gets its agent process relaunched from the stored configuration
// first; the old process is gone, so this is a resume via restart.
func (c *Coordinator) ContinueSession(ctx context.Context, sessionID string) (*MessageStream, error) {
	c.ensureInit()

	session, err := c.getForUpdate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.IsActive() {
		return nil, domainErr("session cannot be continued", nil, map[string]any{
			"session_id": sessionID,
			"state":      string(session.State),
		})
	}

	slot := c.slot(sessionID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if session.State == domain.StatePaused {
		if err := slot.handle.Start(session.WorkspacePath, session.SystemPrompt, session.AllowedTools); err != nil {
			c.failSession(ctx, session, err)
			return nil, domainErr("failed to restart agent process", err, map[string]any{
				"session_id": sessionID,
				"bin":        c.cfg.AgentBin,
				"stderr":     slot.handle.StderrTail(),
			})
		}
		if err := session.UpdateState(domain.StateRunning, ""); err != nil {
			return nil, domainErr("failed to mark session running", err, map[string]any{"session_id": sessionID})
		}
		if err := c.store.Update(ctx, session); err != nil {
			return nil, domainErr("failed to persist session", err, map[string]any{"session_id": sessionID})
		}
		slog.Info("Resumed session via restart", "session_id", sessionID, "pid", slot.handle.PID())
	}

	decoder := stream.NewDecoder(slot.handle.Stdout(), c.cfg.DecodePolicy, c.cfg.TraceBufferLines)
	return newMessageStream(c, sessionID, decoder), nil
}

// StopSession stops a running session's process and marks the record
// terminated. Not-running sessions are a no-op, so a second stop does
// nothing.
func (c *Coordinator) StopSession(ctx context.Context, sessionID string) error {
	c.ensureInit()
	return c.haltSession(ctx, sessionID, domain.StateTerminated)
}

// PauseSession stops the process like StopSession but leaves the record
// paused so it can be resumed later.
func (c *Coordinator) PauseSession(ctx context.Context, sessionID string) error {
	c.ensureInit()
	return c.haltSession(ctx, sessionID, domain.StatePaused)
}

func (c *Coordinator) haltSession(ctx context.Context, sessionID string, target domain.SessionState) error {
	session, err := c.getForUpdate(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.State != domain.StateRunning {
		slog.Debug("Session is not running, nothing to stop", "session_id", sessionID, "state", session.State)
		return nil
	}

	slot := c.slot(sessionID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if err := slot.handle.Stop(c.cfg.StopGrace, true); err != nil {
		c.failSession(ctx, session, err)
		return domainErr("failed to stop agent process", err, map[string]any{
			"session_id": sessionID,
			"pid":        slot.handle.PID(),
		})
	}

	if err := session.UpdateState(target, ""); err != nil {
		return domainErr("failed to update session state", err, map[string]any{"session_id": sessionID})
	}
	if err := c.store.Update(ctx, session); err != nil {
		return domainErr("failed to persist session", err, map[string]any{"session_id": sessionID})
	}

	slog.Info("Stopped session", "session_id", sessionID, "state", target)
	return nil
}

// DeleteSession stops the session if running (best-effort) and removes the
// record along with its persisted blob.
func (c *Coordinator) DeleteSession(ctx context.Context, sessionID string) error {
	c.ensureInit()

	session, err := c.getForUpdate(ctx, sessionID)
	if err != nil {
		return err
	}

	if session.State == domain.StateRunning {
		if err := c.StopSession(ctx, sessionID); err != nil {
			slog.Warn("Failed to stop session before delete", "session_id", sessionID, "error", err)
		}
	}

	c.dropSlot(sessionID)

	if err := c.store.Delete(ctx, sessionID); err != nil {
		return domainErr("failed to delete session", err, map[string]any{"session_id": sessionID})
	}
	return nil
}

// GetSession returns the session record for id.
func (c *Coordinator) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	c.ensureInit()
	return c.getForUpdate(ctx, sessionID)
}

// ListSessions returns all cached session records.
func (c *Coordinator) ListSessions() []*domain.Session {
	c.ensureInit()
	return c.store.List()
}

// Capabilities exposes the capability server registry.
func (c *Coordinator) Capabilities() *capability.Registry {
	return c.cfg.Capabilities
}

func (c *Coordinator) getForUpdate(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return nil, domainErr("failed to get session", err, map[string]any{"session_id": sessionID})
	}
	return session, nil
}

// Shutdown stops every running session best-effort, stops the sweeper, and
// closes the store and audit log.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.initialized = false
	if c.sweepCancel != nil {
		c.sweepCancel()
	}
	c.mu.Unlock()

	for _, session := range c.store.List() {
		if session.State != domain.StateRunning {
			continue
		}
		if err := c.haltSession(ctx, session.ID, domain.StateTerminated); err != nil {
			slog.Warn("Failed to stop session during shutdown", "session_id", session.ID, "error", err)
		}
	}

	if err := c.audit.Close(); err != nil {
		slog.Warn("Failed to close audit log", "error", err)
	}
	if err := c.store.Close(); err != nil {
		return fmt.Errorf("close session store: %w", err)
	}

	slog.Info("Coordinator shut down")
	return nil
}
