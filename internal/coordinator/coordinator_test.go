package coordinator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentpilot/agentpilot/internal/audit"
	"github.com/agentpilot/agentpilot/internal/capability"
	"github.com/agentpilot/agentpilot/internal/config"
	"github.com/agentpilot/agentpilot/internal/domain"
	"github.com/agentpilot/agentpilot/internal/store"
	"github.com/agentpilot/agentpilot/internal/stream"
)

// echoAgent replies to each stdin line with one assistant message and keeps
// running until its stdin closes.
const echoAgent = `while IFS= read -r line; do
printf '{"type":"assistant","content":"echo:%s"}\n' "$line"
done
`

// oneShotAgent replies to the first stdin line with an assistant message and
// a correlated tool_use/tool_result pair, then exits.
const oneShotAgent = `IFS= read -r line
printf '{"type":"assistant","content":"working on %s"}\n' "$line"
printf '{"type":"tool_use","content":"","tool_name":"run","tool_input":{},"tool_use_id":"t1"}\n'
printf '{"type":"tool_result","tool_use_id":"t1","result":{"ok":true},"is_error":false,"content":""}\n'
`

// brokenAgent emits two valid messages followed by a malformed line.
const brokenAgent = `IFS= read -r line
printf '{"type":"assistant","content":"one"}\n'
printf '{"type":"assistant","content":"two"}\n'
printf 'not json at all\n'
`

func writeAgent(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("Failed to write agent script: %v", err)
	}
	return path
}

type coordOptions struct {
	maxSessions  int
	capabilities *capability.Registry
}

func newTestCoordinator(t *testing.T, agentBin string, opts coordOptions) *Coordinator {
	t.Helper()
	if opts.maxSessions == 0 {
		opts.maxSessions = 10
	}
	if opts.capabilities == nil {
		opts.capabilities = capability.NewRegistry(nil)
	}

	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	repo, err := store.NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	sessions, err := store.New(store.Config{
		MaxSessions:     opts.maxSessions,
		SessionTimeout:  time.Hour,
		CleanupInterval: time.Minute,
	}, repo)
	if err != nil {
		t.Fatalf("New store failed: %v", err)
	}
	auditLog, err := audit.New(audit.Config{}, nil)
	if err != nil {
		t.Fatalf("New audit logger failed: %v", err)
	}

	cfg := &config.Config{
		Port:             "0",
		DBPath:           dbPath,
		AgentBin:         agentBin,
		StopGrace:        2 * time.Second,
		MaxSessions:      opts.maxSessions,
		SessionTimeout:   time.Hour,
		CleanupInterval:  time.Minute,
		TraceBufferLines: 32,
		DecodePolicy:     stream.PolicyAbort,
		Capabilities:     opts.capabilities,
	}

	c := New(cfg, sessions, auditLog)
	t.Cleanup(func() {
		if err := c.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
	return c
}

func TestStartSession(t *testing.T) {
	c := newTestCoordinator(t, writeAgent(t, echoAgent), coordOptions{})
	ctx := context.Background()

	session, err := c.StartSession(ctx, t.TempDir(), "be helpful", []string{"run"}, nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if session.State != domain.StateRunning {
		t.Errorf("Expected running state, got %s", session.State)
	}

	got, err := c.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.State != domain.StateRunning {
		t.Errorf("Expected persisted running state, got %s", got.State)
	}
	if got.SystemPrompt != "be helpful" {
		t.Errorf("Expected system prompt stored, got %q", got.SystemPrompt)
	}
}

func TestStartSessionMissingWorkspace(t *testing.T) {
	c := newTestCoordinator(t, writeAgent(t, echoAgent), coordOptions{})

	_, err := c.StartSession(context.Background(), "/nonexistent/workspace", "", nil, nil)
	var domErr *DomainError
	if !errors.As(err, &domErr) {
		t.Fatalf("Expected *DomainError, got %v", err)
	}
	if len(c.ListSessions()) != 0 {
		t.Error("Expected no session created for bad workspace")
	}
}

func TestStartSessionLaunchFailure(t *testing.T) {
	c := newTestCoordinator(t, "/nonexistent/agent-binary", coordOptions{})
	ctx := context.Background()

	_, err := c.StartSession(ctx, t.TempDir(), "", nil, nil)
	var domErr *DomainError
	if !errors.As(err, &domErr) {
		t.Fatalf("Expected *DomainError, got %v", err)
	}
	sessionID, _ := domErr.Details["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("Expected session id in error details, got %v", domErr.Details)
	}

	// The record survives in the error state for inspection.
	got, err := c.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.State != domain.StateError {
		t.Errorf("Expected error state after launch failure, got %s", got.State)
	}
	if got.Error == "" {
		t.Error("Expected error text recorded on session")
	}
}

func TestSendMessageStreamsAndPersists(t *testing.T) {
	c := newTestCoordinator(t, writeAgent(t, oneShotAgent), coordOptions{})
	ctx := context.Background()

	session, err := c.StartSession(ctx, t.TempDir(), "", nil, nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	msgStream, err := c.SendMessage(ctx, session.ID, "ping")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	messages, err := msgStream.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(messages))
	}
	if messages[0].Type != domain.MessageTypeAssistant || messages[0].Content != "working on ping" {
		t.Errorf("Unexpected first message: %+v", messages[0])
	}
	if messages[1].ToolUse == nil || messages[2].ToolResult == nil {
		t.Fatalf("Expected tool_use then tool_result, got %+v %+v", messages[1], messages[2])
	}
	if messages[1].ToolUse.ToolUseID != messages[2].ToolResult.ToolUseID {
		t.Error("Expected matching tool correlation ids")
	}
	for i, msg := range messages {
		if msg.SessionID != session.ID {
			t.Errorf("Expected message %d stamped with session id, got %q", i, msg.SessionID)
		}
	}
	if msgStream.Count() != 3 {
		t.Errorf("Expected stream count 3, got %d", msgStream.Count())
	}

	got, err := c.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if len(got.MessageHistory) != 4 {
		t.Fatalf("Expected user message plus 3 replies in history, got %d", len(got.MessageHistory))
	}
	if got.MessageHistory[0].Type != domain.MessageTypeUser || got.MessageHistory[0].Content != "ping" {
		t.Errorf("Expected user message first in history, got %+v", got.MessageHistory[0])
	}
}

func TestSendMessageRejectsNonRunning(t *testing.T) {
	c := newTestCoordinator(t, writeAgent(t, echoAgent), coordOptions{})
	ctx := context.Background()

	session, err := c.StartSession(ctx, t.TempDir(), "", nil, nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if err := c.StopSession(ctx, session.ID); err != nil {
		t.Fatalf("StopSession failed: %v", err)
	}

	_, err = c.SendMessage(ctx, session.ID, "too late")
	var domErr *DomainError
	if !errors.As(err, &domErr) {
		t.Fatalf("Expected *DomainError, got %v", err)
	}
	if domErr.Details["state"] != string(domain.StateTerminated) {
		t.Errorf("Expected terminated state in details, got %v", domErr.Details)
	}

	got, err := c.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if len(got.MessageHistory) != 0 {
		t.Errorf("Rejected send must not touch history, got %d entries", len(got.MessageHistory))
	}
}

func TestSendMessageUnknownSession(t *testing.T) {
	c := newTestCoordinator(t, writeAgent(t, echoAgent), coordOptions{})

	_, err := c.SendMessage(context.Background(), "no-such-session", "hello")
	var notFound *store.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Expected *store.NotFoundError in chain, got %v", err)
	}
}

func TestStopSessionIsIdempotent(t *testing.T) {
	c := newTestCoordinator(t, writeAgent(t, echoAgent), coordOptions{})
	ctx := context.Background()

	session, err := c.StartSession(ctx, t.TempDir(), "", nil, nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	if err := c.StopSession(ctx, session.ID); err != nil {
		t.Fatalf("StopSession failed: %v", err)
	}
	got, _ := c.GetSession(ctx, session.ID)
	if got.State != domain.StateTerminated {
		t.Fatalf("Expected terminated, got %s", got.State)
	}

	if err := c.StopSession(ctx, session.ID); err != nil {
		t.Errorf("Second stop should be a no-op, got %v", err)
	}
	got, _ = c.GetSession(ctx, session.ID)
	if got.State != domain.StateTerminated {
		t.Errorf("Second stop changed state to %s", got.State)
	}
}

func TestPauseAndContinue(t *testing.T) {
	c := newTestCoordinator(t, writeAgent(t, echoAgent), coordOptions{})
	ctx := context.Background()

	session, err := c.StartSession(ctx, t.TempDir(), "", nil, nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	if err := c.PauseSession(ctx, session.ID); err != nil {
		t.Fatalf("PauseSession failed: %v", err)
	}
	got, _ := c.GetSession(ctx, session.ID)
	if got.State != domain.StatePaused {
		t.Fatalf("Expected paused, got %s", got.State)
	}

	// A paused session rejects sends.
	if _, err := c.SendMessage(ctx, session.ID, "while paused"); err == nil {
		t.Error("Expected send to paused session to fail")
	}

	if _, err := c.ContinueSession(ctx, session.ID); err != nil {
		t.Fatalf("ContinueSession failed: %v", err)
	}
	got, _ = c.GetSession(ctx, session.ID)
	if got.State != domain.StateRunning {
		t.Fatalf("Expected running after continue, got %s", got.State)
	}

	// The relaunched process answers again.
	msgStream, err := c.SendMessage(ctx, session.ID, "hello")
	if err != nil {
		t.Fatalf("SendMessage after continue failed: %v", err)
	}
	msg, err := msgStream.Next(ctx)
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if msg.Content != "echo:hello" {
		t.Errorf("Expected echo:hello, got %q", msg.Content)
	}
}

func TestContinueTerminatedSession(t *testing.T) {
	c := newTestCoordinator(t, writeAgent(t, echoAgent), coordOptions{})
	ctx := context.Background()

	session, err := c.StartSession(ctx, t.TempDir(), "", nil, nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	if err := c.StopSession(ctx, session.ID); err != nil {
		t.Fatalf("StopSession failed: %v", err)
	}

	_, err = c.ContinueSession(ctx, session.ID)
	var domErr *DomainError
	if !errors.As(err, &domErr) {
		t.Fatalf("Expected *DomainError for terminated continue, got %v", err)
	}
}

func TestDeleteSession(t *testing.T) {
	c := newTestCoordinator(t, writeAgent(t, echoAgent), coordOptions{})
	ctx := context.Background()

	session, err := c.StartSession(ctx, t.TempDir(), "", nil, nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	if err := c.DeleteSession(ctx, session.ID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}

	_, err = c.GetSession(ctx, session.ID)
	var notFound *store.NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Expected *store.NotFoundError after delete, got %v", err)
	}
}

func TestDecodeFailureMarksSessionFailed(t *testing.T) {
	c := newTestCoordinator(t, writeAgent(t, brokenAgent), coordOptions{})
	ctx := context.Background()

	session, err := c.StartSession(ctx, t.TempDir(), "", nil, nil)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	msgStream, err := c.SendMessage(ctx, session.ID, "go")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	messages, err := msgStream.Drain(ctx)
	if len(messages) != 2 {
		t.Fatalf("Expected 2 messages before the failure, got %d", len(messages))
	}
	var domErr *DomainError
	if !errors.As(err, &domErr) {
		t.Fatalf("Expected *DomainError, got %v", err)
	}
	if domErr.Details["decoded_count"] != 2 {
		t.Errorf("Expected decoded_count 2 in details, got %v", domErr.Details["decoded_count"])
	}
	if domErr.Details["line"] != "not json at all" {
		t.Errorf("Expected offending line in details, got %v", domErr.Details["line"])
	}

	got, err := c.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.State != domain.StateError {
		t.Errorf("Expected error state after decode failure, got %s", got.State)
	}
	// Messages decoded before the failure are already in history.
	if len(got.MessageHistory) != 3 {
		t.Errorf("Expected user message plus 2 replies persisted, got %d", len(got.MessageHistory))
	}

	// The stream stays terminal.
	if _, err := msgStream.Next(ctx); err == nil {
		t.Error("Expected terminal error on further Next calls")
	}
}

func TestCapacityLimit(t *testing.T) {
	c := newTestCoordinator(t, writeAgent(t, echoAgent), coordOptions{maxSessions: 1})
	ctx := context.Background()

	if _, err := c.StartSession(ctx, t.TempDir(), "", nil, nil); err != nil {
		t.Fatalf("First StartSession failed: %v", err)
	}

	_, err := c.StartSession(ctx, t.TempDir(), "", nil, nil)
	var capErr *store.CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("Expected *store.CapacityError in chain, got %v", err)
	}
	var domErr *DomainError
	if !errors.As(err, &domErr) {
		t.Fatalf("Expected *DomainError wrapper, got %v", err)
	}
	if domErr.Details["limit"] != 1 {
		t.Errorf("Expected limit in details, got %v", domErr.Details)
	}
}

func TestToolVetting(t *testing.T) {
	registry := capability.NewRegistry(map[string]capability.ServerConfig{
		"tools": {
			Enabled: true,
			Tools:   map[string]capability.Level{"run": capability.LevelExecute},
		},
	})
	c := newTestCoordinator(t, writeAgent(t, echoAgent), coordOptions{capabilities: registry})
	ctx := context.Background()

	if _, err := c.StartSession(ctx, t.TempDir(), "", []string{"run"}, nil); err != nil {
		t.Fatalf("StartSession with granted tool failed: %v", err)
	}

	_, err := c.StartSession(ctx, t.TempDir(), "", []string{"deploy"}, nil)
	var domErr *DomainError
	if !errors.As(err, &domErr) {
		t.Fatalf("Expected *DomainError for ungranted tool, got %v", err)
	}
	if domErr.Details["tool"] != "deploy" {
		t.Errorf("Expected tool name in details, got %v", domErr.Details)
	}
	if len(c.ListSessions()) != 1 {
		t.Errorf("Expected vetting to reject before creating a session, got %d sessions", len(c.ListSessions()))
	}
}

func TestShutdownStopsRunningSessions(t *testing.T) {
	c := newTestCoordinator(t, writeAgent(t, echoAgent), coordOptions{})
	ctx := context.Background()

	if _, err := c.StartSession(ctx, t.TempDir(), "", nil, nil); err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	// Second shutdown is a no-op (also covers the test cleanup call).
	if err := c.Shutdown(ctx); err != nil {
		t.Errorf("Second shutdown failed: %v", err)
	}
}
