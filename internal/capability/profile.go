// Package capability maintains per-model capability profiles: which tools a
// model may see, the wire format it emits tool calls in, alias mappings, and
// prompt prosthetics. Profiles are written out-of-band; the proxy core reads
// them through an immutable snapshot.
package capability

import "strings"

// WireFormat identifies how a model emits tool calls.
type WireFormat string

const (
	// WireNativeStructured uses the provider's native tool-call field.
	WireNativeStructured WireFormat = "native-structured"

	// WireOpenAITools uses an OpenAI tool_calls array.
	WireOpenAITools WireFormat = "openai-tools"

	// WireHermesXML wraps JSON in <tool_call>...</tool_call> tags.
	WireHermesXML WireFormat = "hermes-xml"

	// WireBracketed wraps JSON in [TOOL_REQUEST]...[END_TOOL_REQUEST] markers.
	WireBracketed WireFormat = "bracketed"

	// WireRawJSON emits a bare JSON object in the content.
	WireRawJSON WireFormat = "raw-json"
)

// ValidWireFormat reports whether f is a member of the closed format set.
func ValidWireFormat(f WireFormat) bool {
	switch f {
	case WireNativeStructured, WireOpenAITools, WireHermesXML, WireBracketed, WireRawJSON:
		return true
	}
	return false
}

// Profile describes one model's tool-calling capabilities.
type Profile struct {
	ModelID     string `json:"model_id"`
	DisplayName string `json:"display_name,omitempty"`
	Provider    string `json:"provider,omitempty"`

	// Format is the tool-call wire format the model emits.
	Format WireFormat `json:"format"`

	// Tools lists the canonical tool names this model should see.
	Tools []string `json:"tools,omitempty"`

	// Aliases maps the names the model tends to emit to canonical
	// supervisor tool names.
	Aliases map[string]string `json:"aliases,omitempty"`

	// Prosthetic is an optional system-prompt fragment prepended for this
	// model.
	Prosthetic string `json:"prosthetic,omitempty"`

	ContextWindow     int     `json:"context_window,omitempty"`
	Enabled           bool    `json:"enabled"`
	VerificationScore float64 `json:"verification_score,omitempty"`
}

// DefaultProfile synthesises a minimal profile for a model the store has
// never seen: native format, no aliases, no prosthetic.
func DefaultProfile(modelID string) *Profile {
	return &Profile{
		ModelID: modelID,
		Format:  WireNativeStructured,
		Enabled: true,
	}
}

// ResolveAlias maps a model-emitted name to its canonical tool name. Unknown
// names pass through unchanged.
func (p *Profile) ResolveAlias(name string) string {
	if p == nil || len(p.Aliases) == 0 {
		return name
	}
	if canonical, ok := p.Aliases[name]; ok && canonical != "" {
		return canonical
	}
	return name
}

// HasTool reports whether the profile exposes the canonical tool name.
func (p *Profile) HasTool(name string) bool {
	if p == nil {
		return false
	}
	for _, t := range p.Tools {
		if strings.EqualFold(t, name) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy, so callers can mutate without touching the
// shared snapshot.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	out := *p
	out.Tools = append([]string(nil), p.Tools...)
	if p.Aliases != nil {
		out.Aliases = make(map[string]string, len(p.Aliases))
		for k, v := range p.Aliases {
			out.Aliases[k] = v
		}
	}
	return &out
}
