package server

import (
	"strings"

	"github.com/archonlabs/archon/pkg/models"
)

// ambientInstructions seeds the leading system message when the client sends
// none.
const ambientInstructions = "You are a careful assistant operating behind a tool-enabled proxy. " +
	"Answer directly when you can; use the provided tools when the task requires them."

// Normalize prepares an incoming message list for routing: control characters
// are stripped, consecutive same-role user and system messages are merged,
// and a leading system message is guaranteed. Normalizing an already
// normalized list is a no-op.
func Normalize(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs)+1)
	for _, m := range msgs {
		m.Content = stripControl(m.Content)
		if len(out) > 0 && mergeable(m.Role) && out[len(out)-1].Role == m.Role &&
			len(m.ToolCalls) == 0 && len(out[len(out)-1].ToolCalls) == 0 {
			prev := &out[len(out)-1]
			if prev.Content == "" {
				prev.Content = m.Content
			} else if m.Content != "" {
				prev.Content += "\n" + m.Content
			}
			continue
		}
		out = append(out, m)
	}

	if len(out) == 0 || out[0].Role != models.RoleSystem {
		out = append([]models.Message{{
			Role:    models.RoleSystem,
			Content: ambientInstructions,
		}}, out...)
	}
	return out
}

func mergeable(role models.Role) bool {
	return role == models.RoleUser || role == models.RoleSystem
}

// stripControl removes control characters that break downstream tokenizers.
// Newlines and tabs survive.
func stripControl(s string) string {
	if !strings.ContainsFunc(s, isBadControl) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if !isBadControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isBadControl(r rune) bool {
	if r == '\n' || r == '\t' {
		return false
	}
	return r < 0x20 || r == 0x7f
}
