package server

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/archonlabs/archon/pkg/models"
)

func TestNormalizeMergesConsecutiveSameRole(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: "rule one"},
		{Role: models.RoleSystem, Content: "rule two"},
		{Role: models.RoleUser, Content: "part one"},
		{Role: models.RoleUser, Content: "part two"},
		{Role: models.RoleAssistant, Content: "reply"},
		{Role: models.RoleAssistant, Content: "more reply"},
	}
	out := Normalize(msgs)
	if len(out) != 4 {
		t.Fatalf("got %d messages: %+v", len(out), out)
	}
	if out[0].Content != "rule one\nrule two" {
		t.Errorf("system = %q", out[0].Content)
	}
	if out[1].Content != "part one\npart two" {
		t.Errorf("user = %q", out[1].Content)
	}
	// Assistant messages are never merged.
	if out[2].Content != "reply" || out[3].Content != "more reply" {
		t.Errorf("assistant = %q / %q", out[2].Content, out[3].Content)
	}
}

func TestNormalizeEnsuresLeadingSystem(t *testing.T) {
	out := Normalize([]models.Message{
		{Role: models.RoleUser, Content: "hello"},
	})
	if out[0].Role != models.RoleSystem || out[0].Content == "" {
		t.Errorf("first = %+v", out[0])
	}
}

func TestNormalizeStripsControlCharacters(t *testing.T) {
	out := Normalize([]models.Message{
		{Role: models.RoleSystem, Content: "sys"},
		{Role: models.RoleUser, Content: "line1\nline2\ttab\x00\x08\x1b[0m"},
	})
	if out[1].Content != "line1\nline2\ttab[0m" {
		t.Errorf("content = %q", out[1].Content)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "a"},
		{Role: models.RoleUser, Content: "b"},
		{Role: models.RoleAssistant, Content: "c"},
	}
	once := Normalize(msgs)
	twice := Normalize(once)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("not idempotent:\nonce:  %+v\ntwice: %+v", once, twice)
	}
}

func TestToChatRequestContentParts(t *testing.T) {
	body := chatCompletionRequest{
		Model: "m",
		Messages: []wireMessage{
			{Role: "user", Content: json.RawMessage(`[{"type":"text","text":"hello "},{"type":"text","text":"world"}]`)},
		},
	}
	req, err := body.toChatRequest("r1")
	if err != nil {
		t.Fatal(err)
	}
	if req.Messages[0].Content != "hello world" {
		t.Errorf("content = %q", req.Messages[0].Content)
	}
}

func TestToChatRequestToolMessages(t *testing.T) {
	body := chatCompletionRequest{
		Model: "m",
		Messages: []wireMessage{
			{Role: "user", Content: json.RawMessage(`"read it"`)},
			{
				Role:    "assistant",
				Content: json.RawMessage(`"checking"`),
				ToolCalls: []wireToolCall{{
					ID:   "c1",
					Type: "function",
					Function: struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					}{Name: "read_file", Arguments: `{"path":"a.txt"}`},
				}},
			},
			{Role: "tool", Content: json.RawMessage(`"contents"`), ToolCallID: "c1"},
		},
	}
	req, err := body.toChatRequest("r1")
	if err != nil {
		t.Fatal(err)
	}
	if req.Messages[1].ToolCalls[0].Name != "read_file" {
		t.Errorf("tool call = %+v", req.Messages[1].ToolCalls)
	}
	results := req.Messages[2].ToolResults
	if len(results) != 1 || results[0].ToolCallID != "c1" || results[0].Content != "contents" {
		t.Errorf("tool results = %+v", results)
	}
}

func TestToChatRequestRejectsUnknownRole(t *testing.T) {
	body := chatCompletionRequest{
		Model: "m",
		Messages: []wireMessage{
			{Role: "narrator", Content: json.RawMessage(`"hm"`)},
		},
	}
	if _, err := body.toChatRequest("r1"); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestToChatRequestStringArgumentsDegradeToObject(t *testing.T) {
	body := chatCompletionRequest{
		Model: "m",
		Messages: []wireMessage{
			{
				Role: "assistant",
				ToolCalls: []wireToolCall{{
					ID: "c1",
					Function: struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					}{Name: "t", Arguments: `not json at all`},
				}},
			},
		},
	}
	req, err := body.toChatRequest("r1")
	if err != nil {
		t.Fatal(err)
	}
	if string(req.Messages[0].ToolCalls[0].Arguments) != `{}` {
		t.Errorf("arguments = %s", req.Messages[0].ToolCalls[0].Arguments)
	}
}
