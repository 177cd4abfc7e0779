package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/archonlabs/archon/pkg/models"
)

// chatCompletionRequest is the OpenAI-compatible request body.
type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCalls  []wireToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

// contentText flattens OpenAI content, which is either a plain string or an
// array of typed parts.
func contentText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", fmt.Errorf("content must be a string or an array of parts")
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "" || p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String(), nil
}

// toChatRequest converts the wire body to the internal request shape.
func (c *chatCompletionRequest) toChatRequest(requestID string) (*models.ChatRequest, error) {
	if c.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if len(c.Messages) == 0 {
		return nil, fmt.Errorf("messages must not be empty")
	}

	req := &models.ChatRequest{
		RequestID:   requestID,
		Model:       c.Model,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
		Stream:      c.Stream,
		ArrivedAt:   time.Now(),
	}

	for i, wm := range c.Messages {
		text, err := contentText(wm.Content)
		if err != nil {
			return nil, fmt.Errorf("messages[%d]: %w", i, err)
		}
		msg := models.Message{Role: models.Role(wm.Role), Content: text}
		switch msg.Role {
		case models.RoleSystem, models.RoleUser, models.RoleAssistant:
		case models.RoleTool:
			msg.Content = ""
			msg.ToolResults = []models.ToolResult{{
				ToolCallID: wm.ToolCallID,
				Status:     models.ToolResultOK,
				Content:    text,
			}}
		default:
			return nil, fmt.Errorf("messages[%d]: unknown role %q", i, wm.Role)
		}
		for _, tc := range wm.ToolCalls {
			args := json.RawMessage(tc.Function.Arguments)
			if !json.Valid(args) {
				args = json.RawMessage(`{}`)
			}
			msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: args,
			})
		}
		req.Messages = append(req.Messages, msg)
	}

	for i, wt := range c.Tools {
		if wt.Function.Name == "" {
			return nil, fmt.Errorf("tools[%d]: function.name is required", i)
		}
		req.Tools = append(req.Tools, models.ToolSchema{
			Name:        wt.Function.Name,
			Description: wt.Function.Description,
			Parameters:  wt.Function.Parameters,
		})
	}
	return req, nil
}

// chatCompletionResponse is the non-streaming OpenAI response body.
type chatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
}

type wireChoice struct {
	Index        int              `json:"index"`
	Message      *responseMessage `json:"message,omitempty"`
	Delta        *responseMessage `json:"delta,omitempty"`
	FinishReason *string          `json:"finish_reason"`
}

type responseMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

func completionResponse(requestID, model, content, finishReason string) *chatCompletionResponse {
	return &chatCompletionResponse{
		ID:      "chatcmpl-" + requestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []wireChoice{{
			Message:      &responseMessage{Role: "assistant", Content: content},
			FinishReason: &finishReason,
		}},
	}
}

func completionChunk(requestID, model, content string, finishReason *string) *chatCompletionResponse {
	chunk := &chatCompletionResponse{
		ID:      "chatcmpl-" + requestID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []wireChoice{{
			Delta:        &responseMessage{Content: content},
			FinishReason: finishReason,
		}},
	}
	return chunk
}
