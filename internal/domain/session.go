// Package domain defines the session record and the typed messages decoded
// from the agent's output stream.
package domain

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle status of a session.
type SessionState string

const (
	StateCreated    SessionState = "created"
	StateRunning    SessionState = "running"
	StatePaused     SessionState = "paused"
	StateTerminated SessionState = "terminated"
	StateError      SessionState = "error"
)

// Session pairs a workspace with a lifecycle status and an append-only
// message history. The id never changes after creation; history entries are
// never mutated or removed; state changes follow the transition rules
// enforced by UpdateState.
type Session struct {
	ID             string         `json:"id"`
	WorkspacePath  string         `json:"workspace_path"`
	SystemPrompt   string         `json:"system_prompt,omitempty"`
	AllowedTools   []string       `json:"allowed_tools,omitempty"`
	State          SessionState   `json:"state"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	LastActiveAt   time.Time      `json:"last_active_at"`
	MessageHistory []*Message     `json:"message_history"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// NewSession creates a session in the created state. The workspace path is
// resolved (symlinks followed) and must exist; it is never re-validated
// afterwards.
func NewSession(workspacePath, systemPrompt string, allowedTools []string, metadata map[string]any) (*Session, error) {
	resolved, err := filepath.EvalSymlinks(workspacePath)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace path %s: %w", workspacePath, err)
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return nil, fmt.Errorf("absolute workspace path %s: %w", resolved, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat workspace path %s: %w", resolved, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace path is not a directory: %s", resolved)
	}

	now := time.Now()
	return &Session{
		ID:            uuid.NewString(),
		WorkspacePath: resolved,
		SystemPrompt:  systemPrompt,
		AllowedTools:  allowedTools,
		State:         StateCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastActiveAt:  now,
		Metadata:      metadata,
	}, nil
}

// validTransitions holds the legal state machine edges. Terminated and error
// are terminal: no edge leaves them.
var validTransitions = map[SessionState][]SessionState{
	StateCreated: {StateRunning, StateError},
	StateRunning: {StatePaused, StateTerminated, StateError},
	StatePaused:  {StateRunning, StateTerminated, StateError},
}

// CanTransition reports whether moving to target is a legal edge.
func (s *Session) CanTransition(target SessionState) bool {
	for _, allowed := range validTransitions[s.State] {
		if allowed == target {
			return true
		}
	}
	return false
}

// UpdateState moves the session to target, refreshing the modification
// timestamp. Entering the error state records errText. Illegal edges are
// rejected.
func (s *Session) UpdateState(target SessionState, errText string) error {
	if !s.CanTransition(target) {
		return fmt.Errorf("invalid state transition %s -> %s for session %s", s.State, target, s.ID)
	}
	s.State = target
	s.UpdatedAt = time.Now()
	if target == StateError && errText != "" {
		s.Error = errText
	}
	return nil
}

// AddMessage appends a message to the history and refreshes both the
// modification and last-active timestamps.
func (s *Session) AddMessage(msg *Message) {
	s.MessageHistory = append(s.MessageHistory, msg)
	now := time.Now()
	s.UpdatedAt = now
	s.LastActiveAt = now
}

// IsActive reports whether the session is running or paused.
func (s *Session) IsActive() bool {
	return s.State == StateRunning || s.State == StatePaused
}

// IsTerminated reports whether the session has reached a terminal state.
func (s *Session) IsTerminated() bool {
	return s.State == StateTerminated || s.State == StateError
}

// Clone returns a copy safe to hand outside the store: the history slice,
// tool list, and metadata map are copied. Message pointers are shared since
// messages are never mutated after append.
func (s *Session) Clone() *Session {
	c := *s
	c.MessageHistory = make([]*Message, len(s.MessageHistory))
	copy(c.MessageHistory, s.MessageHistory)
	if s.Metadata != nil {
		c.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	if s.AllowedTools != nil {
		c.AllowedTools = append([]string(nil), s.AllowedTools...)
	}
	return &c
}
