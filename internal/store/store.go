// Package store keeps session records in memory and persists them as blobs,
// with a capacity ceiling and a timed expiry sweep.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentpilot/agentpilot/internal/domain"
)

// NotFoundError reports a session id unknown to both the cache and the
// durable store.
type NotFoundError struct {
	SessionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session not found: %s", e.SessionID)
}

// CapacityError reports that the session ceiling is reached and an expiry
// sweep freed no room.
type CapacityError struct {
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("maximum number of sessions reached: %d", e.Limit)
}

// Config bounds the store.
type Config struct {
	MaxSessions     int
	SessionTimeout  time.Duration
	CleanupInterval time.Duration
}

// SessionStore is the cached, persisted home of session records. All
// mutation is serialized by one store-scoped lock; persistence happens under
// that lock, so an Update is durable before it returns.
type SessionStore struct {
	cfg  Config
	repo Repository

	mu       sync.Mutex
	sessions map[string]*domain.Session
}

// New creates a store over repo and warm-loads persisted sessions into the
// cache. Blobs that fail to load are skipped.
func New(cfg Config, repo Repository) (*SessionStore, error) {
	s := &SessionStore{
		cfg:      cfg,
		repo:     repo,
		sessions: make(map[string]*domain.Session),
	}

	loaded, err := repo.LoadAll(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load persisted sessions: %w", err)
	}
	for _, session := range loaded {
		s.sessions[session.ID] = session
	}
	if len(loaded) > 0 {
		slog.Info("Loaded persisted sessions", "count", len(loaded))
	}

	return s, nil
}

// Create builds a new session record and persists it. When the ceiling is
// reached an expiry sweep runs first; if that frees no room, Create fails
// with a CapacityError.
func (s *SessionStore) Create(ctx context.Context, workspacePath, systemPrompt string, allowedTools []string, metadata map[string]any) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.sessions) >= s.cfg.MaxSessions {
		s.sweepLocked(ctx)
		if len(s.sessions) >= s.cfg.MaxSessions {
			return nil, &CapacityError{Limit: s.cfg.MaxSessions}
		}
	}

	session, err := domain.NewSession(workspacePath, systemPrompt, allowedTools, metadata)
	if err != nil {
		return nil, err
	}

	s.sessions[session.ID] = session
	if err := s.repo.Save(ctx, session); err != nil {
		delete(s.sessions, session.ID)
		return nil, err
	}

	slog.Info("Created session", "session_id", session.ID, "workspace", session.WorkspacePath)
	return session.Clone(), nil
}

// Get returns the session for id, falling back to the durable store on a
// cache miss.
func (s *SessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, id)
}

func (s *SessionStore) getLocked(ctx context.Context, id string) (*domain.Session, error) {
	if session, ok := s.sessions[id]; ok {
		return session.Clone(), nil
	}

	session, err := s.repo.Load(ctx, id)
	if err != nil {
		slog.Warn("Failed to load session blob", "session_id", id, "error", err)
		return nil, &NotFoundError{SessionID: id}
	}
	if session == nil {
		return nil, &NotFoundError{SessionID: id}
	}

	s.sessions[id] = session
	return session.Clone(), nil
}

// Update overwrites the cached record, refreshes its modification
// timestamp, and persists it synchronously. The update is not complete
// until durable.
func (s *SessionStore) Update(ctx context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; !ok {
		return &NotFoundError{SessionID: session.ID}
	}

	session.UpdatedAt = time.Now()
	stored := session.Clone()
	s.sessions[session.ID] = stored

	if err := s.repo.Save(ctx, stored); err != nil {
		return err
	}

	slog.Debug("Updated session", "session_id", session.ID, "state", session.State)
	return nil
}

// Delete removes the session from the cache and deletes its blob. The blob
// delete is best-effort: a failure is logged, not raised.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(ctx, id)
}

func (s *SessionStore) deleteLocked(ctx context.Context, id string) error {
	if _, ok := s.sessions[id]; !ok {
		return &NotFoundError{SessionID: id}
	}

	delete(s.sessions, id)
	if err := s.repo.Delete(ctx, id); err != nil {
		slog.Warn("Failed to delete session blob", "session_id", id, "error", err)
	}

	slog.Info("Deleted session", "session_id", id)
	return nil
}

// List returns the cached sessions. It does not force-load anything from
// durable storage.
func (s *SessionStore) List() []*domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session.Clone())
	}
	return out
}

// Len returns the number of cached sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep deletes every cached session whose last activity is older than the
// session timeout, and returns how many were removed.
func (s *SessionStore) Sweep(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(ctx)
}

func (s *SessionStore) sweepLocked(ctx context.Context) int {
	now := time.Now()
	var expired []string
	for id, session := range s.sessions {
		if now.Sub(session.LastActiveAt) > s.cfg.SessionTimeout {
			expired = append(expired, id)
		}
	}

	for _, id := range expired {
		if err := s.deleteLocked(ctx, id); err != nil {
			slog.Warn("Failed to clean up expired session", "session_id", id, "error", err)
		} else {
			slog.Info("Cleaned up expired session", "session_id", id)
		}
	}
	return len(expired)
}

// StartSweeper runs a background goroutine that sweeps expired sessions on
// the configured interval until ctx is cancelled.
func (s *SessionStore) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", s.cfg.CleanupInterval, "timeout", s.cfg.SessionTimeout)

		for {
			select {
			case <-ticker.C:
				if n := s.Sweep(ctx); n > 0 {
					slog.Info("Session sweeper cleanup completed", "cleaned", n)
				}
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Close saves every cached session and closes the backing repository.
func (s *SessionStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, session := range s.sessions {
		if err := s.repo.Save(context.Background(), session); err != nil {
			slog.Warn("Failed to save session on close", "session_id", session.ID, "error", err)
		}
	}
	return s.repo.Close()
}
