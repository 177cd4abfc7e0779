// Package intent extracts the model's intent from raw response text. Models
// emit tool calls in several dialects; the parser tries each known enclosure
// pattern, falls back to a balanced-JSON scan, and finally treats the text as
// a plain response.
package intent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/archonlabs/archon/internal/capability"
	"github.com/archonlabs/archon/pkg/models"
)

// enclosure is one delimiter pair wrapping a JSON payload.
type enclosure struct {
	format capability.WireFormat
	open   string
	close  string
}

// enclosures covers the known tool-call dialects. The profile's own format is
// tried first; the rest stay as fallbacks because models drift between
// dialects in practice.
var enclosures = []enclosure{
	{capability.WireHermesXML, "<tool_call>", "</tool_call>"},
	{capability.WireHermesXML, "<function_call>", "</function_call>"},
	{capability.WireBracketed, "[TOOL_REQUEST]", "[END_TOOL_REQUEST]"},
	{capability.WireBracketed, "[TOOL_REQUEST]", "[END_TOOL_RESULT]"},
	{capability.WireBracketed, "[TOOL_CALL]", "[END_TOOL_CALL]"},
	{capability.WireOpenAITools, "```json", "```"},
	{capability.WireOpenAITools, "```", "```"},
}

// Key fallback orders for the name and arguments of a tool call.
var (
	nameKeys = []string{"name", "tool", "function", "tool_name", "function_name"}
	argKeys  = []string{"arguments", "parameters", "params", "args", "input"}
)

var thinkBlocks = regexp.MustCompile(`(?s)<(think|thinking|reasoning)>.*?</(think|thinking|reasoning)>`)

// Parse interprets one model response. Native structured tool calls, when the
// provider surfaced them, short-circuit text parsing; any prose that preceded
// them is kept as reasoning.
func Parse(profile *capability.Profile, text string, nativeCalls []models.ToolCall) models.Intent {
	if len(nativeCalls) > 0 {
		intent := models.CallToolIntent(ensureIDs(nativeCalls)...)
		intent.Reasoning = strings.TrimSpace(stripThink(text))
		return intent
	}
	return ParseText(profile, text)
}

// ParseText extracts an intent from response text alone.
func ParseText(profile *capability.Profile, text string) models.Intent {
	stripped := stripThink(text)

	for _, enc := range orderedEnclosures(profile) {
		objs, prefix, ok := scanEnclosed(stripped, enc)
		if !ok {
			continue
		}
		if len(objs) == 1 {
			if intent, handled := directiveIntent(objs[0]); handled {
				return intent
			}
		}
		var calls []models.ToolCall
		for _, obj := range objs {
			if call, err := callFromObject(obj); err == nil {
				calls = append(calls, call)
			}
		}
		if len(calls) == 0 {
			continue
		}
		intent := models.CallToolIntent(ensureIDs(calls)...)
		intent.Reasoning = strings.TrimSpace(prefix)
		return intent
	}

	// No delimited pattern matched: scan for any balanced JSON object.
	if obj, prefix, ok := scanBalancedJSON(stripped); ok {
		if intent, handled := objectIntent(obj, prefix); handled {
			return intent
		}
	}

	cleaned := strings.TrimSpace(cleanFragments(stripped))
	return models.RespondIntent(cleaned)
}

// orderedEnclosures puts the profile's own dialect first.
func orderedEnclosures(profile *capability.Profile) []enclosure {
	if profile == nil {
		return enclosures
	}
	ordered := make([]enclosure, 0, len(enclosures))
	for _, enc := range enclosures {
		if enc.format == profile.Format {
			ordered = append(ordered, enc)
		}
	}
	for _, enc := range enclosures {
		if enc.format != profile.Format {
			ordered = append(ordered, enc)
		}
	}
	return ordered
}

// scanEnclosed finds every payload wrapped by enc that parses as a JSON
// object. prefix is the text before the first match.
func scanEnclosed(text string, enc enclosure) (objs []map[string]json.RawMessage, prefix string, ok bool) {
	rest := text
	first := true
	for {
		start := strings.Index(rest, enc.open)
		if start < 0 {
			break
		}
		after := rest[start+len(enc.open):]
		end := strings.Index(after, enc.close)
		if end < 0 {
			break
		}
		payload := strings.TrimSpace(after[:end])
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(payload), &obj); err == nil && len(obj) > 0 {
			if first {
				prefix = rest[:start]
				first = false
			}
			objs = append(objs, obj)
		}
		rest = after[end+len(enc.close):]
	}
	return objs, prefix, len(objs) > 0
}

func callFromObject(obj map[string]json.RawMessage) (models.ToolCall, error) {
	name := ""
	for _, key := range nameKeys {
		if raw, present := obj[key]; present {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil && s != "" {
				name = s
				break
			}
			// {"function": {"name": ..., "arguments": ...}} nesting.
			var nested map[string]json.RawMessage
			if err := json.Unmarshal(raw, &nested); err == nil {
				if call, nerr := callFromObject(nested); nerr == nil {
					return call, nil
				}
			}
		}
	}
	if name == "" {
		return models.ToolCall{}, fmt.Errorf("no tool name under %v", nameKeys)
	}

	args := json.RawMessage(`{}`)
	for _, key := range argKeys {
		if raw, present := obj[key]; present {
			args = decodeArgs(raw)
			break
		}
	}
	return models.ToolCall{Name: name, Arguments: args}, nil
}

// decodeArgs normalizes an arguments value. String-encoded JSON is decoded
// recursively: models often double-encode, sometimes more than once.
func decodeArgs(raw json.RawMessage) json.RawMessage {
	for depth := 0; depth < 4; depth++ {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			break
		}
		if !json.Valid([]byte(s)) {
			break
		}
		raw = json.RawMessage(s)
	}
	if len(raw) == 0 || !json.Valid(raw) {
		return json.RawMessage(`{}`)
	}
	return raw
}

// directiveIntent honours a top-level action field: "respond" and "ask_user"
// short-circuit tool extraction, "call_tool" forces it.
func directiveIntent(obj map[string]json.RawMessage) (models.Intent, bool) {
	raw, present := obj["action"]
	if !present {
		return models.Intent{}, false
	}
	var action string
	if err := json.Unmarshal(raw, &action); err != nil {
		return models.Intent{}, false
	}
	switch action {
	case "respond":
		return models.RespondIntent(stringField(obj, "text", "content", "message", "response")), true
	case "ask_user":
		return models.AskUserIntent(stringField(obj, "question", "text", "message")), true
	case "call_tool":
		if call, err := callFromObject(obj); err == nil {
			return models.CallToolIntent(ensureIDs([]models.ToolCall{call})...), true
		}
	}
	return models.Intent{}, false
}

// objectIntent interprets a bare JSON object found in the text. A directive
// wins; otherwise the object is treated as a tool call.
func objectIntent(obj map[string]json.RawMessage, prefix string) (models.Intent, bool) {
	if intent, handled := directiveIntent(obj); handled {
		if intent.Kind == models.IntentCallTool {
			intent.Reasoning = strings.TrimSpace(prefix)
		}
		return intent, true
	}
	if call, err := callFromObject(obj); err == nil {
		intent := models.CallToolIntent(ensureIDs([]models.ToolCall{call})...)
		intent.Reasoning = strings.TrimSpace(prefix)
		return intent, true
	}
	return models.Intent{}, false
}

func stringField(obj map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		if raw, present := obj[key]; present {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				return s
			}
		}
	}
	return ""
}

// scanBalancedJSON finds the first balanced JSON object in text that parses.
func scanBalancedJSON(text string) (map[string]json.RawMessage, string, bool) {
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end, ok := matchBrace(text, i)
		if !ok {
			continue
		}
		candidate := text[i : end+1]
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(candidate), &obj); err == nil && len(obj) > 0 {
			return obj, text[:i], true
		}
		i = end
	}
	return nil, "", false
}

// matchBrace returns the index of the brace closing the object opened at
// start, honouring strings and escapes.
func matchBrace(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// stripThink removes chain-of-thought blocks.
func stripThink(text string) string {
	return thinkBlocks.ReplaceAllString(text, "")
}

// cleanFragments removes tool-call-looking leftovers from text that failed to
// parse as a call, so the respond fallback does not leak broken markup.
func cleanFragments(text string) string {
	out := text
	for _, enc := range enclosures {
		for {
			start := strings.Index(out, enc.open)
			if start < 0 {
				break
			}
			after := out[start+len(enc.open):]
			end := strings.Index(after, enc.close)
			if end < 0 {
				out = out[:start]
				break
			}
			out = out[:start] + after[end+len(enc.close):]
		}
	}
	return out
}

// ensureIDs fills missing tool-call ids so results can be correlated.
func ensureIDs(calls []models.ToolCall) []models.ToolCall {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + uuid.NewString()[:8]
		}
	}
	return calls
}
