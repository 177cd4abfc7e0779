package intent

import (
	"encoding/json"
	"testing"

	"github.com/archonlabs/archon/internal/capability"
	"github.com/archonlabs/archon/pkg/models"
)

func profileFor(format capability.WireFormat) *capability.Profile {
	return &capability.Profile{ModelID: "m", Format: format, Enabled: true}
}

func argsOf(t *testing.T, call models.ToolCall) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(call.Arguments, &out); err != nil {
		t.Fatalf("arguments %q: %v", call.Arguments, err)
	}
	return out
}

func TestParseHermesXML(t *testing.T) {
	text := "Let me check that file.\n<tool_call>\n{\"name\": \"read_file\", \"arguments\": {\"path\": \"a.txt\"}}\n</tool_call>"
	got := ParseText(profileFor(capability.WireHermesXML), text)

	if got.Kind != models.IntentCallTool {
		t.Fatalf("kind = %s", got.Kind)
	}
	if len(got.Calls) != 1 || got.Calls[0].Name != "read_file" {
		t.Fatalf("calls = %+v", got.Calls)
	}
	if argsOf(t, got.Calls[0])["path"] != "a.txt" {
		t.Errorf("args = %s", got.Calls[0].Arguments)
	}
	if got.Reasoning != "Let me check that file." {
		t.Errorf("reasoning = %q", got.Reasoning)
	}
}

func TestParseBracketed(t *testing.T) {
	text := "[TOOL_REQUEST]{\"tool\": \"list_dir\", \"params\": {\"path\": \".\"}}[END_TOOL_REQUEST]"
	got := ParseText(profileFor(capability.WireBracketed), text)

	if got.Kind != models.IntentCallTool {
		t.Fatalf("kind = %s", got.Kind)
	}
	if got.Calls[0].Name != "list_dir" {
		t.Errorf("name = %q", got.Calls[0].Name)
	}
	if argsOf(t, got.Calls[0])["path"] != "." {
		t.Errorf("args = %s", got.Calls[0].Arguments)
	}
}

func TestParseBracketedResultCloser(t *testing.T) {
	// Some models close the bracketed form with [END_TOOL_RESULT].
	text := "[TOOL_REQUEST]{\"tool\": \"list_dir\", \"params\": {\"path\": \".\"}}[END_TOOL_RESULT]"
	got := ParseText(profileFor(capability.WireBracketed), text)

	if got.Kind != models.IntentCallTool {
		t.Fatalf("kind = %s", got.Kind)
	}
	if got.Calls[0].Name != "list_dir" {
		t.Errorf("name = %q", got.Calls[0].Name)
	}
}

func TestParseRawJSON(t *testing.T) {
	text := `{"function_name": "search", "input": {"query": "golang"}}`
	got := ParseText(profileFor(capability.WireRawJSON), text)

	if got.Kind != models.IntentCallTool {
		t.Fatalf("kind = %s", got.Kind)
	}
	if got.Calls[0].Name != "search" {
		t.Errorf("name = %q", got.Calls[0].Name)
	}
	if argsOf(t, got.Calls[0])["query"] != "golang" {
		t.Errorf("args = %s", got.Calls[0].Arguments)
	}
}

func TestParseFencedJSON(t *testing.T) {
	text := "I'll call the tool:\n```json\n{\"name\": \"read_file\", \"arguments\": {\"path\": \"b.txt\"}}\n```"
	got := ParseText(profileFor(capability.WireOpenAITools), text)

	if got.Kind != models.IntentCallTool {
		t.Fatalf("kind = %s", got.Kind)
	}
	if got.Calls[0].Name != "read_file" {
		t.Errorf("name = %q", got.Calls[0].Name)
	}
}

func TestParseMultipleCalls(t *testing.T) {
	text := "<tool_call>{\"name\": \"a\", \"arguments\": {}}</tool_call>\n" +
		"<tool_call>{\"name\": \"b\", \"arguments\": {}}</tool_call>"
	got := ParseText(profileFor(capability.WireHermesXML), text)

	if len(got.Calls) != 2 {
		t.Fatalf("calls = %+v", got.Calls)
	}
	if got.Calls[0].Name != "a" || got.Calls[1].Name != "b" {
		t.Errorf("names = %q %q", got.Calls[0].Name, got.Calls[1].Name)
	}
	if got.Calls[0].ID == "" || got.Calls[0].ID == got.Calls[1].ID {
		t.Error("calls must get distinct ids")
	}
}

func TestParseStringEncodedArguments(t *testing.T) {
	// Arguments double-encoded as a JSON string.
	text := `<tool_call>{"name": "read_file", "arguments": "{\"path\": \"a.txt\"}"}</tool_call>`
	got := ParseText(profileFor(capability.WireHermesXML), text)

	if got.Kind != models.IntentCallTool {
		t.Fatalf("kind = %s", got.Kind)
	}
	if argsOf(t, got.Calls[0])["path"] != "a.txt" {
		t.Errorf("args = %s", got.Calls[0].Arguments)
	}
}

func TestParseNestedFunctionObject(t *testing.T) {
	text := `{"function": {"name": "search", "arguments": {"query": "x"}}}`
	got := ParseText(profileFor(capability.WireRawJSON), text)

	if got.Kind != models.IntentCallTool {
		t.Fatalf("kind = %s", got.Kind)
	}
	if got.Calls[0].Name != "search" {
		t.Errorf("name = %q", got.Calls[0].Name)
	}
}

func TestParseActionDirectives(t *testing.T) {
	tests := []struct {
		name string
		text string
		want models.IntentKind
	}{
		{"respond", `{"action": "respond", "text": "all done"}`, models.IntentRespond},
		{"ask user", `{"action": "ask_user", "question": "which file?"}`, models.IntentAskUser},
		{"call tool", `{"action": "call_tool", "tool": "fs.read", "parameters": {"path": "a.txt"}}`, models.IntentCallTool},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseText(profileFor(capability.WireRawJSON), tt.text)
			if got.Kind != tt.want {
				t.Fatalf("kind = %s, want %s", got.Kind, tt.want)
			}
			switch tt.want {
			case models.IntentRespond:
				if got.Text != "all done" {
					t.Errorf("text = %q", got.Text)
				}
			case models.IntentAskUser:
				if got.Question != "which file?" {
					t.Errorf("question = %q", got.Question)
				}
			case models.IntentCallTool:
				if got.Calls[0].Name != "fs.read" {
					t.Errorf("name = %q", got.Calls[0].Name)
				}
				if argsOf(t, got.Calls[0])["path"] != "a.txt" {
					t.Errorf("args = %s", got.Calls[0].Arguments)
				}
			}
		})
	}
}

func TestParseBalancedJSONInProse(t *testing.T) {
	text := `Sure, calling it now: {"name": "read_file", "arguments": {"path": "notes {x}.md"}} hope that helps`
	got := ParseText(profileFor(capability.WireNativeStructured), text)

	if got.Kind != models.IntentCallTool {
		t.Fatalf("kind = %s", got.Kind)
	}
	if argsOf(t, got.Calls[0])["path"] != "notes {x}.md" {
		t.Errorf("braces inside strings must not break matching: %s", got.Calls[0].Arguments)
	}
	if got.Reasoning != "Sure, calling it now:" {
		t.Errorf("reasoning = %q", got.Reasoning)
	}
}

func TestParsePlainResponse(t *testing.T) {
	got := ParseText(profileFor(capability.WireHermesXML), "The answer is 42.")
	if got.Kind != models.IntentRespond {
		t.Fatalf("kind = %s", got.Kind)
	}
	if got.Text != "The answer is 42." {
		t.Errorf("text = %q", got.Text)
	}
}

func TestParseStripsThinkBlocks(t *testing.T) {
	text := "<think>I should read the file. {\"name\": \"x\"}</think>The answer is 42."
	got := ParseText(profileFor(capability.WireHermesXML), text)
	if got.Kind != models.IntentRespond {
		t.Fatalf("kind = %s (think content must not be parsed)", got.Kind)
	}
	if got.Text != "The answer is 42." {
		t.Errorf("text = %q", got.Text)
	}
}

func TestParseCleansBrokenFragments(t *testing.T) {
	text := "Here you go.\n<tool_call>{not valid json}</tool_call>"
	got := ParseText(profileFor(capability.WireHermesXML), text)
	if got.Kind != models.IntentRespond {
		t.Fatalf("kind = %s", got.Kind)
	}
	if got.Text != "Here you go." {
		t.Errorf("fragments should be stripped, text = %q", got.Text)
	}
}

func TestParseEmptyAfterCleaning(t *testing.T) {
	got := ParseText(profileFor(capability.WireHermesXML), "<tool_call>{broken</tool_call>")
	if got.Kind != models.IntentRespond || got.Text != "" {
		t.Errorf("got %+v, want empty respond", got)
	}
}

func TestParseNativeCallsWin(t *testing.T) {
	native := []models.ToolCall{{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"path":"a"}`)}}
	got := Parse(profileFor(capability.WireNativeStructured), "checking the file", native)
	if got.Kind != models.IntentCallTool {
		t.Fatalf("kind = %s", got.Kind)
	}
	if got.Calls[0].ID != "c1" {
		t.Errorf("native id should be kept, got %q", got.Calls[0].ID)
	}
	if got.Reasoning != "checking the file" {
		t.Errorf("reasoning = %q", got.Reasoning)
	}
}
