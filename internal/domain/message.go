package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType tags the variant of a decoded agent message.
type MessageType string

const (
	MessageTypeUser       MessageType = "user"
	MessageTypeAssistant  MessageType = "assistant"
	MessageTypeToolUse    MessageType = "tool_use"
	MessageTypeToolResult MessageType = "tool_result"
)

// Message is one decoded unit of the agent's output stream. Type selects
// which of the variant fields are populated: ToolUse for "tool_use",
// ToolResult for "tool_result", neither for plain user/assistant text.
type Message struct {
	Type      MessageType    `json:"type"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	ToolUse    *ToolUse    `json:"tool_use,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// ToolUse carries the fields specific to a tool invocation request.
type ToolUse struct {
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
	ToolUseID string         `json:"tool_use_id"`
}

// ToolResult carries the fields specific to a tool invocation result.
// ToolUseID links the result back to the request that produced it.
type ToolResult struct {
	ToolUseID string          `json:"tool_use_id"`
	IsError   bool            `json:"is_error"`
	Result    json.RawMessage `json:"result"`
}

// NewUserMessage builds a user-originated plain message for a session.
func NewUserMessage(sessionID, content string) *Message {
	return &Message{
		Type:      MessageTypeUser,
		Content:   content,
		Timestamp: time.Now(),
		SessionID: sessionID,
	}
}

// rawMessage mirrors the flat wire shape emitted by the agent CLI. Variant
// fields arrive at the top level, not nested.
type rawMessage struct {
	Type      string          `json:"type"`
	Content   *string         `json:"content"`
	Timestamp *time.Time      `json:"timestamp"`
	SessionID string          `json:"session_id"`
	Metadata  map[string]any  `json:"metadata"`
	ToolName  string          `json:"tool_name"`
	ToolInput map[string]any  `json:"tool_input"`
	ToolUseID string          `json:"tool_use_id"`
	IsError   *bool           `json:"is_error"`
	Result    json.RawMessage `json:"result"`
}

// ParseMessage decodes one NDJSON record into a Message, dispatching on the
// "type" tag. Records with an unknown type decode as plain messages carrying
// that type. Missing required variant fields are an error.
func ParseMessage(data []byte) (*Message, error) {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if raw.Type == "" {
		return nil, fmt.Errorf("message missing required field %q", "type")
	}
	if raw.Content == nil {
		return nil, fmt.Errorf("message missing required field %q", "content")
	}

	msg := &Message{
		Type:      MessageType(raw.Type),
		Content:   *raw.Content,
		Timestamp: time.Now(),
		SessionID: raw.SessionID,
		Metadata:  raw.Metadata,
	}
	if raw.Timestamp != nil {
		msg.Timestamp = *raw.Timestamp
	}

	switch MessageType(raw.Type) {
	case MessageTypeToolUse:
		if raw.ToolName == "" {
			return nil, fmt.Errorf("tool_use message missing required field %q", "tool_name")
		}
		if raw.ToolInput == nil {
			return nil, fmt.Errorf("tool_use message missing required field %q", "tool_input")
		}
		if raw.ToolUseID == "" {
			return nil, fmt.Errorf("tool_use message missing required field %q", "tool_use_id")
		}
		msg.ToolUse = &ToolUse{
			ToolName:  raw.ToolName,
			ToolInput: raw.ToolInput,
			ToolUseID: raw.ToolUseID,
		}
	case MessageTypeToolResult:
		if raw.ToolUseID == "" {
			return nil, fmt.Errorf("tool_result message missing required field %q", "tool_use_id")
		}
		if raw.Result == nil {
			return nil, fmt.Errorf("tool_result message missing required field %q", "result")
		}
		isError := false
		if raw.IsError != nil {
			isError = *raw.IsError
		}
		msg.ToolResult = &ToolResult{
			ToolUseID: raw.ToolUseID,
			IsError:   isError,
			Result:    raw.Result,
		}
	}

	return msg, nil
}
