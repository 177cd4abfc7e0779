package models

import "time"

// Outcome is the terminal state of a request.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeIterationLimit Outcome = "iteration-limit"
	OutcomeDeadline       Outcome = "deadline"
	OutcomeModelError     Outcome = "model-error"
	OutcomeToolError      Outcome = "tool-error-terminal"
)

// Step captures one iteration of the agentic loop.
type Step struct {
	Index        int          `json:"index"`
	ResponseText string       `json:"response_text,omitempty"`
	Intent       *Intent      `json:"intent,omitempty"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults  []ToolResult `json:"tool_results,omitempty"`
	ElapsedMS    int64        `json:"elapsed_ms"`
	Terminal     bool         `json:"terminal,omitempty"`
}

// TurnRecord is the durable record of one completed request/response
// interaction. The Session Recorder exclusively owns turn records; other
// components publish events, never write records directly.
type TurnRecord struct {
	TurnID       string      `json:"turn_id"`
	ArrivedAt    time.Time   `json:"arrived_at"`
	CompletedAt  time.Time   `json:"completed_at"`
	Request      ChatRequest `json:"request"`
	Steps        []Step      `json:"steps"`
	FinalMessage Message     `json:"final_message"`
	Outcome      Outcome     `json:"outcome"`
	Error        string      `json:"error,omitempty"`
}
