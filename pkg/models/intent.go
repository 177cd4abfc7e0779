package models

import "encoding/json"

// IntentKind identifies the parsed outcome of a model response.
type IntentKind string

const (
	// IntentRespond means the model produced a final answer.
	IntentRespond IntentKind = "respond"

	// IntentCallTool means the model requested one or more tool executions.
	IntentCallTool IntentKind = "call_tool"

	// IntentAskUser means the model needs clarification from the user.
	IntentAskUser IntentKind = "ask_user"
)

// Intent is the normalized outcome of a model response. Exactly one case is
// populated: Text for respond, Calls for call_tool, Question for ask_user.
// Reasoning carries any natural-language prefix that accompanied a tool-call
// directive; it is retained as the assistant message preceding the call.
type Intent struct {
	Kind      IntentKind `json:"kind"`
	Text      string     `json:"text,omitempty"`
	Calls     []ToolCall `json:"calls,omitempty"`
	Question  string     `json:"question,omitempty"`
	Reasoning string     `json:"reasoning,omitempty"`
}

// RespondIntent builds a respond intent.
func RespondIntent(text string) Intent {
	return Intent{Kind: IntentRespond, Text: text}
}

// CallToolIntent builds a call_tool intent.
func CallToolIntent(calls ...ToolCall) Intent {
	return Intent{Kind: IntentCallTool, Calls: calls}
}

// AskUserIntent builds an ask_user intent.
func AskUserIntent(question string) Intent {
	return Intent{Kind: IntentAskUser, Question: question}
}

// Equal reports whether two intents are semantically identical. Tool-call
// arguments are compared as compacted JSON.
func (in Intent) Equal(other Intent) bool {
	if in.Kind != other.Kind || in.Text != other.Text ||
		in.Question != other.Question || in.Reasoning != other.Reasoning {
		return false
	}
	if len(in.Calls) != len(other.Calls) {
		return false
	}
	for i := range in.Calls {
		if in.Calls[i].Name != other.Calls[i].Name {
			return false
		}
		if !jsonEqual(in.Calls[i].Arguments, other.Calls[i].Arguments) {
			return false
		}
	}
	return true
}

func jsonEqual(a, b json.RawMessage) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return string(a) == string(b)
	}
	ab, _ := json.Marshal(av)
	bb, _ := json.Marshal(bv)
	return string(ab) == string(bb)
}
