// Package loop runs the agentic planner/executor state machine: call the
// architect model, parse its intent, dispatch tool calls, repeat until a
// response is produced or a budget runs out.
package loop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/archonlabs/archon/internal/bus"
	"github.com/archonlabs/archon/internal/capability"
	"github.com/archonlabs/archon/internal/intent"
	"github.com/archonlabs/archon/internal/observability"
	"github.com/archonlabs/archon/internal/providers"
	"github.com/archonlabs/archon/pkg/models"
)

// maxConsecutiveToolFailures ends the request when the same call target keeps
// failing.
const maxConsecutiveToolFailures = 3

const noResponseText = "no response generated"

// ProviderSource resolves a model id to its provider.
type ProviderSource interface {
	ForModel(model string) (providers.Provider, error)
}

// ToolDispatcher is the supervisor surface the loop depends on.
type ToolDispatcher interface {
	Execute(ctx context.Context, call models.ToolCall) models.ToolResult
	ToolNames(ctx context.Context) (map[string]struct{}, error)
	Schemas(ctx context.Context, allowed map[string]struct{}) ([]models.ToolSchema, error)
	ResolveAlias(modelID, name string) string
}

// Result is the terminal state of one loop run.
type Result struct {
	Final   models.Message
	Outcome models.Outcome
	Steps   []models.Step
	Err     error
}

// Runner executes plans. Safe for concurrent use; each Run call owns its
// transcript and shares nothing with other runs beyond the injected
// dependencies.
type Runner struct {
	providers ProviderSource
	tools     ToolDispatcher
	caps      capability.View
	bus       *bus.Bus
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewRunner builds a Runner. metrics may be nil.
func NewRunner(source ProviderSource, tools ToolDispatcher, caps capability.View, eventBus *bus.Bus, metrics *observability.Metrics, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		providers: source,
		tools:     tools,
		caps:      caps,
		bus:       eventBus,
		metrics:   metrics,
		logger:    logger.With("component", "loop"),
	}
}

// Run drives one request to a terminal outcome. It always returns a Result;
// Err is set alongside the model-error outcome.
func (r *Runner) Run(ctx context.Context, req *models.ChatRequest, plan *Plan) *Result {
	if plan.TotalDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, plan.TotalDeadline)
		defer cancel()
	}

	logger := r.logger.With("request_id", req.RequestID, "model", plan.ArchitectModel)
	transcript := r.buildTranscript(ctx, req, plan)

	result := &Result{}
	bestText := ""
	failures := make(map[string]int)

	defer func() {
		if r.metrics != nil {
			r.metrics.IterationsPerRequest.Observe(float64(len(result.Steps)))
		}
	}()

	for i := 1; ; i++ {
		if i > plan.MaxIterations {
			result.Outcome = models.OutcomeIterationLimit
			result.Final = fallbackMessage(bestText)
			return result
		}
		if ctx.Err() != nil {
			result.Outcome = models.OutcomeDeadline
			result.Final = fallbackMessage(bestText)
			return result
		}

		stepStart := time.Now()
		step := models.Step{Index: i}
		r.publish(models.NewEvent(models.EventStepStarted, req.RequestID).WithStep(i))

		text, nativeCalls, err := r.callModel(ctx, req, plan, plan.ArchitectModel, plan.Profile, transcript, i)
		if err != nil {
			if ctx.Err() != nil {
				result.Outcome = models.OutcomeDeadline
				result.Final = fallbackMessage(bestText)
				return result
			}
			logger.Error("architect call failed", "step", i, "error", err)
			result.Outcome = models.OutcomeModelError
			result.Err = err
			result.Final = fallbackMessage(bestText)
			result.Steps = append(result.Steps, step)
			return result
		}
		step.ResponseText = text

		parsed := intent.Parse(plan.Profile, text, nativeCalls)

		// Dual-model split: the architect planned a tool call; the
		// executor turns the plan into the structured call.
		if parsed.Kind == models.IntentCallTool && r.useExecutor(plan) && len(nativeCalls) == 0 {
			if extracted, ok := r.extractWithExecutor(ctx, req, plan, text, i); ok {
				parsed = extracted
			}
		}

		step.Intent = &parsed
		r.publishIntent(req.RequestID, i, &parsed)

		switch parsed.Kind {
		case models.IntentRespond:
			transcript = append(transcript, models.Message{
				Role:    models.RoleAssistant,
				Content: parsed.Text,
			})
			step.ElapsedMS = time.Since(stepStart).Milliseconds()
			step.Terminal = true
			result.Steps = append(result.Steps, step)
			r.publish(models.NewEvent(models.EventStepFinished, req.RequestID).WithStep(i))
			result.Outcome = models.OutcomeCompleted
			result.Final = models.Message{Role: models.RoleAssistant, Content: parsed.Text}
			return result

		case models.IntentAskUser:
			step.ElapsedMS = time.Since(stepStart).Milliseconds()
			step.Terminal = true
			result.Steps = append(result.Steps, step)
			r.publish(models.NewEvent(models.EventStepFinished, req.RequestID).WithStep(i))
			result.Outcome = models.OutcomeCompleted
			result.Final = models.Message{Role: models.RoleAssistant, Content: parsed.Question}
			return result

		case models.IntentCallTool:
			if parsed.Reasoning != "" {
				bestText = parsed.Reasoning
			}
			calls := r.resolveCalls(plan, parsed.Calls)
			step.ToolCalls = calls

			transcript = append(transcript, models.Message{
				Role:      models.RoleAssistant,
				Content:   parsed.Reasoning,
				ToolCalls: calls,
			})

			results := r.dispatch(ctx, req.RequestID, i, plan, calls)
			step.ToolResults = results
			for idx, res := range results {
				transcript = append(transcript, models.Message{
					Role:        models.RoleTool,
					ToolResults: []models.ToolResult{res},
				})
				name := calls[idx].Name
				if res.IsError() {
					failures[name]++
				} else {
					failures[name] = 0
				}
			}

			step.ElapsedMS = time.Since(stepStart).Milliseconds()
			result.Steps = append(result.Steps, step)
			r.publish(models.NewEvent(models.EventStepFinished, req.RequestID).WithStep(i))

			for name, n := range failures {
				if n >= maxConsecutiveToolFailures {
					logger.Warn("tool keeps failing, giving up", "tool", name, "failures", n)
					result.Outcome = models.OutcomeToolError
					result.Err = fmt.Errorf("tool %s failed %d times in a row", name, n)
					result.Final = fallbackMessage(bestText)
					return result
				}
			}
		}
	}
}

// buildTranscript assembles the architect's working transcript: the incoming
// messages with the profile prosthetic (and, for text-dialect models, the
// tool inventory) merged into the leading system message.
func (r *Runner) buildTranscript(ctx context.Context, req *models.ChatRequest, plan *Plan) []models.Message {
	transcript := make([]models.Message, len(req.Messages))
	copy(transcript, req.Messages)

	var extras []string
	if plan.Profile != nil && plan.Profile.Prosthetic != "" {
		extras = append(extras, plan.Profile.Prosthetic)
	}
	if !nativeFormat(plan.Profile) {
		if block := r.toolPromptBlock(ctx, plan); block != "" {
			extras = append(extras, block)
		}
	}
	if len(extras) == 0 {
		return transcript
	}

	addition := strings.Join(extras, "\n\n")
	if len(transcript) > 0 && transcript[0].Role == models.RoleSystem {
		transcript[0].Content = addition + "\n\n" + transcript[0].Content
		return transcript
	}
	return append([]models.Message{{Role: models.RoleSystem, Content: addition}}, transcript...)
}

// toolPromptBlock renders the allowed tools as prompt text for models that
// cannot receive structured tool schemas.
func (r *Runner) toolPromptBlock(ctx context.Context, plan *Plan) string {
	schemas, err := r.tools.Schemas(ctx, plan.AllowedTools)
	if err != nil || len(schemas) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("You can call the following tools. Emit a tool call as a JSON object with \"name\" and \"arguments\".\n")
	for _, s := range schemas {
		fmt.Fprintf(&b, "- %s", s.Name)
		if s.Description != "" {
			fmt.Fprintf(&b, ": %s", s.Description)
		}
		if len(s.Parameters) > 0 {
			fmt.Fprintf(&b, " (parameters: %s)", compactJSON(s.Parameters))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// callModel streams one completion, publishing chunk events and returning the
// accumulated text plus any native tool calls.
func (r *Runner) callModel(ctx context.Context, req *models.ChatRequest, plan *Plan, model string, profile *capability.Profile, transcript []models.Message, stepIndex int) (string, []models.ToolCall, error) {
	provider, err := r.providers.ForModel(model)
	if err != nil {
		return "", nil, err
	}

	stepCtx := ctx
	if plan.StepDeadline > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, plan.StepDeadline)
		defer cancel()
	}

	completionReq := &providers.CompletionRequest{
		Model:       model,
		Messages:    transcript,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if nativeFormat(profile) {
		schemas, serr := r.tools.Schemas(stepCtx, plan.AllowedTools)
		if serr == nil {
			completionReq.Tools = schemas
		}
	}

	start := time.Now()
	chunks, err := provider.Complete(stepCtx, completionReq)
	if err != nil {
		r.countModelCall(provider.Name(), model, "error", start)
		return "", nil, err
	}

	var text strings.Builder
	var nativeCalls []models.ToolCall
	for chunk := range chunks {
		if chunk.Err != nil {
			r.countModelCall(provider.Name(), model, "error", start)
			return text.String(), nativeCalls, chunk.Err
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			r.publish(models.NewEvent(models.EventModelChunk, req.RequestID).
				WithStep(stepIndex).WithText(chunk.Text))
		}
		if chunk.ToolCall != nil {
			nativeCalls = append(nativeCalls, *chunk.ToolCall)
		}
	}
	r.countModelCall(provider.Name(), model, "success", start)
	return text.String(), nativeCalls, nil
}

func (r *Runner) countModelCall(provider, model, status string, start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.ModelRequestCounter.WithLabelValues(provider, model, status).Inc()
	r.metrics.ModelRequestDuration.WithLabelValues(provider, model).Observe(time.Since(start).Seconds())
}

func (r *Runner) useExecutor(plan *Plan) bool {
	return plan.Strategy == StrategyDual &&
		plan.ExecutorModel != "" &&
		plan.ExecutorModel != plan.ArchitectModel
}

// extractWithExecutor gives the executor model a stripped-down transcript
// (the last user instruction plus the architect's plan) and parses its
// response. The architect reasons; the executor emits the structured call.
func (r *Runner) extractWithExecutor(ctx context.Context, req *models.ChatRequest, plan *Plan, architectPlan string, stepIndex int) (models.Intent, bool) {
	executorProfile := r.caps.ProfileFor(plan.ExecutorModel)

	system := "Extract the tool call the plan describes. Respond with exactly one JSON object " +
		"carrying \"name\" and \"arguments\". If the plan needs no tool, respond with the plan text."
	if executorProfile.Prosthetic != "" {
		system = executorProfile.Prosthetic + "\n\n" + system
	}
	stripped := []models.Message{
		{Role: models.RoleSystem, Content: system},
		{Role: models.RoleUser, Content: "Instruction:\n" + req.LastUserContent() + "\n\nPlan:\n" + architectPlan},
	}

	executorPlan := &Plan{
		Strategy:       StrategyAgentic,
		ArchitectModel: plan.ExecutorModel,
		Profile:        executorProfile,
		AllowedTools:   plan.AllowedTools,
		StepDeadline:   plan.StepDeadline,
	}
	text, nativeCalls, err := r.callModel(ctx, req, executorPlan, plan.ExecutorModel, executorProfile, stripped, stepIndex)
	if err != nil {
		r.logger.Warn("executor extraction failed, using architect intent",
			"request_id", req.RequestID, "error", err)
		return models.Intent{}, false
	}
	parsed := intent.Parse(executorProfile, text, nativeCalls)
	if parsed.Kind != models.IntentCallTool {
		return models.Intent{}, false
	}
	return parsed, true
}

// resolveCalls maps aliases to canonical names.
func (r *Runner) resolveCalls(plan *Plan, calls []models.ToolCall) []models.ToolCall {
	resolved := make([]models.ToolCall, len(calls))
	copy(resolved, calls)
	for i := range resolved {
		resolved[i].Name = r.tools.ResolveAlias(plan.ArchitectModel, resolved[i].Name)
	}
	return resolved
}

// dispatch executes the calls in parallel and returns results in issue order.
// The supervisor's semaphore bounds actual concurrency.
func (r *Runner) dispatch(ctx context.Context, requestID string, stepIndex int, plan *Plan, calls []models.ToolCall) []models.ToolResult {
	advertised, _ := r.tools.ToolNames(ctx)
	results := make([]models.ToolResult, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		if !toolAvailable(call.Name, plan.AllowedTools, advertised) {
			results[i] = models.ToolResult{
				ToolCallID: call.ID,
				Status:     models.ToolResultError,
				Content:    fmt.Sprintf("tool not available: %s", call.Name),
				Reason:     "unknown_tool",
			}
			r.publishToolEvents(requestID, stepIndex, call, results[i])
			continue
		}

		wg.Add(1)
		go func(i int, call models.ToolCall) {
			defer wg.Done()
			r.publish(models.NewEvent(models.EventToolCallStarted, requestID).
				WithStep(stepIndex).WithTool(call.Name, call.ID))
			res := r.tools.Execute(ctx, call)
			results[i] = res
			ev := models.NewEvent(models.EventToolCallFinished, requestID).
				WithStep(stepIndex).WithTool(call.Name, call.ID)
			ev.DurationMS = res.DurationMS
			ev.IsError = res.IsError()
			r.publish(ev)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (r *Runner) publishToolEvents(requestID string, stepIndex int, call models.ToolCall, res models.ToolResult) {
	r.publish(models.NewEvent(models.EventToolCallStarted, requestID).
		WithStep(stepIndex).WithTool(call.Name, call.ID))
	ev := models.NewEvent(models.EventToolCallFinished, requestID).
		WithStep(stepIndex).WithTool(call.Name, call.ID)
	ev.IsError = true
	ev.Error = res.Content
	r.publish(ev)
}

func (r *Runner) publishIntent(requestID string, stepIndex int, in *models.Intent) {
	ev := models.NewEvent(models.EventIntentParsed, requestID).WithStep(stepIndex)
	ev.Intent = in
	r.publish(ev)
}

func (r *Runner) publish(ev *models.Event) {
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}

// toolAvailable checks the allowed set and the live advertisement.
func toolAvailable(name string, allowed, advertised map[string]struct{}) bool {
	if allowed != nil {
		if _, ok := allowed[name]; !ok {
			return false
		}
	}
	if advertised != nil {
		if _, ok := advertised[name]; !ok {
			return false
		}
	}
	return true
}

// nativeFormat reports whether the profile receives structured tool schemas.
func nativeFormat(profile *capability.Profile) bool {
	if profile == nil {
		return true
	}
	return profile.Format == capability.WireNativeStructured ||
		profile.Format == capability.WireOpenAITools
}

func fallbackMessage(bestText string) models.Message {
	if strings.TrimSpace(bestText) == "" {
		bestText = noResponseText
	}
	return models.Message{Role: models.RoleAssistant, Content: bestText}
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
