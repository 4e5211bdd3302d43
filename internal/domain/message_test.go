package domain

import (
	"strings"
	"testing"
	"time"
)

func TestParseMessagePlain(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"assistant","content":"hello there"}`))
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	if msg.Type != MessageTypeAssistant {
		t.Errorf("Expected assistant, got %s", msg.Type)
	}
	if msg.Content != "hello there" {
		t.Errorf("Unexpected content: %q", msg.Content)
	}
	if msg.Timestamp.IsZero() {
		t.Error("Expected timestamp stamped at decode time")
	}
	if msg.ToolUse != nil || msg.ToolResult != nil {
		t.Error("Plain message should not carry variant fields")
	}
}

func TestParseMessageHonorsWireTimestamp(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"user","content":"hi","timestamp":"2026-01-02T03:04:05Z"}`))
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if !msg.Timestamp.Equal(want) {
		t.Errorf("Expected wire timestamp %v, got %v", want, msg.Timestamp)
	}
}

func TestParseMessageToolUse(t *testing.T) {
	line := `{"type":"tool_use","content":"","tool_name":"run","tool_input":{"cmd":"ls"},"tool_use_id":"t1"}`
	msg, err := ParseMessage([]byte(line))
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	if msg.ToolUse == nil {
		t.Fatal("Expected tool_use variant populated")
	}
	if msg.ToolUse.ToolName != "run" || msg.ToolUse.ToolUseID != "t1" {
		t.Errorf("Unexpected tool_use fields: %+v", msg.ToolUse)
	}
	if msg.ToolUse.ToolInput["cmd"] != "ls" {
		t.Errorf("Unexpected tool input: %v", msg.ToolUse.ToolInput)
	}
}

func TestParseMessageToolResult(t *testing.T) {
	line := `{"type":"tool_result","content":"","tool_use_id":"t1","result":{"ok":true},"is_error":true}`
	msg, err := ParseMessage([]byte(line))
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	if msg.ToolResult == nil {
		t.Fatal("Expected tool_result variant populated")
	}
	if msg.ToolResult.ToolUseID != "t1" {
		t.Errorf("Unexpected correlation id: %q", msg.ToolResult.ToolUseID)
	}
	if !msg.ToolResult.IsError {
		t.Error("Expected is_error carried through")
	}
	if string(msg.ToolResult.Result) != `{"ok":true}` {
		t.Errorf("Unexpected result payload: %s", msg.ToolResult.Result)
	}
}

func TestParseMessageUnknownTypeIsPlain(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"system","content":"booted"}`))
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	if msg.Type != MessageType("system") {
		t.Errorf("Expected type preserved, got %s", msg.Type)
	}
	if msg.ToolUse != nil || msg.ToolResult != nil {
		t.Error("Unknown type should decode as plain message")
	}
}

func TestParseMessageErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"invalid json", `not json`, "unmarshal"},
		{"missing type", `{"content":"x"}`, `"type"`},
		{"missing content", `{"type":"assistant"}`, `"content"`},
		{"tool_use without name", `{"type":"tool_use","content":"","tool_input":{},"tool_use_id":"t1"}`, `"tool_name"`},
		{"tool_use without input", `{"type":"tool_use","content":"","tool_name":"run","tool_use_id":"t1"}`, `"tool_input"`},
		{"tool_use without id", `{"type":"tool_use","content":"","tool_name":"run","tool_input":{}}`, `"tool_use_id"`},
		{"tool_result without id", `{"type":"tool_result","content":"","result":{}}`, `"tool_use_id"`},
		{"tool_result without result", `{"type":"tool_result","content":"","tool_use_id":"t1"}`, `"result"`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tc.line))
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}
}
