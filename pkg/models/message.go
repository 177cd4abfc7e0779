package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single entry in a conversation transcript. The same shape is
// used for the normalized incoming request, the working transcript fed to the
// architect, and the persisted turn record.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolCall represents a model's request to execute a tool. Arguments are kept
// as raw JSON; string-encoded argument objects are decoded before the call is
// constructed, so Arguments is always a JSON object (or null).
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResultStatus is the outcome of a single tool call.
type ToolResultStatus string

const (
	ToolResultOK    ToolResultStatus = "ok"
	ToolResultError ToolResultStatus = "error"
)

// ToolResult represents the output of a tool execution. Every issued ToolCall
// produces exactly one ToolResult before the next architect step starts.
type ToolResult struct {
	ToolCallID string           `json:"tool_call_id"`
	Status     ToolResultStatus `json:"status"`
	Content    string           `json:"content"`
	Reason     string           `json:"reason,omitempty"`
	DurationMS int64            `json:"duration_ms"`
}

// IsError reports whether the result carries an error status.
func (r ToolResult) IsError() bool {
	return r.Status == ToolResultError
}

// ToolSchema describes a tool as advertised by the tool server.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatRequest is the normalized form of an incoming chat-completion request.
type ChatRequest struct {
	RequestID   string       `json:"request_id"`
	Model       string       `json:"model"`
	Messages    []Message    `json:"messages"`
	Tools       []ToolSchema `json:"tools,omitempty"`
	Temperature *float32     `json:"temperature,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
	ArrivedAt   time.Time    `json:"arrived_at"`
}

// LastUserContent returns the content of the most recent user message.
func (r *ChatRequest) LastUserContent() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}
