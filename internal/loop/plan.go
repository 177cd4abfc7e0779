package loop

import (
	"time"

	"github.com/archonlabs/archon/internal/capability"
)

// Strategy selects how a request is executed.
type Strategy string

const (
	// StrategyDirect proxies the request to the provider unchanged. The
	// loop never sees direct requests; the front-end short-circuits them.
	StrategyDirect Strategy = "direct"

	// StrategyAgentic runs the loop with a single model.
	StrategyAgentic Strategy = "agentic"

	// StrategyDual splits planning (architect) from tool-call extraction
	// (executor).
	StrategyDual Strategy = "dual-model"
)

// Plan is the router's decision for one request.
type Plan struct {
	Strategy Strategy

	// ArchitectModel reasons about the task. Always the configured main
	// model for agentic and dual strategies.
	ArchitectModel string

	// ExecutorModel extracts tool calls in dual-model mode.
	ExecutorModel string

	// Profile is the architect's capability profile.
	Profile *capability.Profile

	// AllowedTools is the intersection of the profile's tool set and the
	// supervisor's live advertisement. nil means every advertised tool.
	AllowedTools map[string]struct{}

	MaxIterations int
	TotalDeadline time.Duration
	StepDeadline  time.Duration
}
