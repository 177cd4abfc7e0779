package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/archonlabs/archon/internal/backoff"
	"github.com/archonlabs/archon/internal/bus"
	"github.com/archonlabs/archon/internal/capability"
	"github.com/archonlabs/archon/internal/config"
	"github.com/archonlabs/archon/internal/observability"
	"github.com/archonlabs/archon/pkg/models"
)

// Supervisor owns the tool-server connection. It selects the transport at
// startup (remote HTTP when the health probe answers, otherwise the local
// subprocess), reconnects with backoff when the transport is lost, caches the
// advertised tool list, and dispatches tool calls with per-call deadlines and
// a concurrency cap.
type Supervisor struct {
	cfg     config.ToolServerConfig
	loopCfg config.LoopConfig
	caps    capability.View
	bus     *bus.Bus
	metrics *observability.Metrics
	logger  *slog.Logger
	policy  backoff.Policy

	mu           sync.Mutex
	transport    Transport
	reconnecting bool
	generation   int

	toolsMu      sync.Mutex
	tools        []Tool
	toolsFetched time.Time
	schemas      map[string]*jsonschema.Schema

	sem    chan struct{}
	closed chan struct{}
	once   sync.Once
}

// NewSupervisor builds a supervisor. caps and metrics may be nil.
func NewSupervisor(cfg config.ToolServerConfig, loopCfg config.LoopConfig, caps capability.View, eventBus *bus.Bus, metrics *observability.Metrics, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	parallel := loopCfg.ParallelTools
	if parallel <= 0 {
		parallel = 4
	}
	return &Supervisor{
		cfg:     cfg,
		loopCfg: loopCfg,
		caps:    caps,
		bus:     eventBus,
		metrics: metrics,
		logger:  logger.With("component", "toolserver"),
		policy: backoff.Policy{
			Initial: cfg.ReconnectInitial,
			Max:     cfg.ReconnectMax,
			Factor:  2,
			Jitter:  0.2,
		},
		schemas: make(map[string]*jsonschema.Schema),
		sem:     make(chan struct{}, parallel),
		closed:  make(chan struct{}),
	}
}

// Start selects and connects the initial transport.
func (s *Supervisor) Start(ctx context.Context) error {
	t, err := s.dial(ctx)
	if err != nil {
		return err
	}
	s.install(t)
	return nil
}

// dial picks the transport: the remote server wins when its health probe
// answers in time; otherwise the local subprocess is spawned.
func (s *Supervisor) dial(ctx context.Context) (Transport, error) {
	if s.cfg.RemoteURL != "" {
		t := NewHTTPTransport(s.cfg, s.logger)
		if err := t.Connect(ctx); err == nil {
			return t, nil
		} else if s.cfg.Command == "" {
			return nil, err
		} else {
			s.logger.Warn("remote tool server unreachable, falling back to local subprocess",
				"url", s.cfg.RemoteURL, "error", err)
		}
	}
	if s.cfg.Command == "" {
		return nil, errors.New("tool server: neither remote_url nor command configured")
	}
	t := NewStdioTransport(s.cfg, s.logger)
	if err := t.Connect(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// install adopts a connected transport and starts its watchers.
func (s *Supervisor) install(t Transport) {
	s.mu.Lock()
	s.transport = t
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	s.invalidateTools()
	s.publish(models.NewEvent(models.EventToolServerConnected, "").
		WithMeta("transport", t.Kind()))

	go s.watchLoss(t, gen)
	go s.watchNotifications(t)
}

func (s *Supervisor) watchLoss(t Transport, gen int) {
	select {
	case <-t.Done():
	case <-s.closed:
		return
	}

	s.mu.Lock()
	stale := s.generation != gen
	s.mu.Unlock()
	if stale {
		return
	}

	s.publish(models.NewEvent(models.EventToolServerLost, "").
		WithMeta("transport", t.Kind()))
	s.logger.Warn("tool server connection lost", "transport", t.Kind())
	s.reconnect()
}

func (s *Supervisor) watchNotifications(t Transport) {
	for {
		select {
		case notif, ok := <-t.Notifications():
			if !ok {
				return
			}
			if notif.Method == NotifyToolsChanged {
				s.invalidateTools()
			}
		case <-t.Done():
			return
		case <-s.closed:
			return
		}
	}
}

// reconnect runs the backoff loop. At most one reconnect is in flight; a
// second loss while reconnecting is a no-op.
func (s *Supervisor) reconnect() {
	s.mu.Lock()
	if s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.reconnecting = false
			s.mu.Unlock()
		}()

		ctx := context.Background()
		for attempt := 1; ; attempt++ {
			select {
			case <-s.closed:
				return
			default:
			}

			t, err := s.dial(ctx)
			if err == nil {
				s.countReconnect(t.Kind(), "success")
				s.logger.Info("tool server reconnected",
					"transport", t.Kind(), "attempts", attempt)
				s.install(t)
				return
			}
			s.countReconnect("none", "failure")
			s.logger.Warn("tool server reconnect failed",
				"attempt", attempt, "error", err)

			sleepCtx, cancel := context.WithCancel(ctx)
			go func() {
				select {
				case <-s.closed:
					cancel()
				case <-sleepCtx.Done():
				}
			}()
			err = backoff.SleepAttempt(sleepCtx, s.policy, attempt)
			cancel()
			if err != nil {
				return
			}
		}
	}()
}

func (s *Supervisor) countReconnect(transport, result string) {
	if s.metrics != nil {
		s.metrics.ToolServerReconnects.WithLabelValues(transport, result).Inc()
	}
}

func (s *Supervisor) publish(ev *models.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

// Ready reports whether a connected transport is available.
func (s *Supervisor) Ready() bool {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	return t != nil && t.Connected()
}

func (s *Supervisor) current() (Transport, error) {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil || !t.Connected() {
		return nil, ErrNotConnected
	}
	return t, nil
}

// invalidateTools drops the cached tool list and compiled schemas.
func (s *Supervisor) invalidateTools() {
	s.toolsMu.Lock()
	s.tools = nil
	s.toolsFetched = time.Time{}
	s.schemas = make(map[string]*jsonschema.Schema)
	s.toolsMu.Unlock()
}

// Tools returns the advertised tool list, served from cache within the TTL.
func (s *Supervisor) Tools(ctx context.Context) ([]Tool, error) {
	s.toolsMu.Lock()
	if s.tools != nil && time.Since(s.toolsFetched) < s.cfg.ToolListTTL {
		cached := s.tools
		s.toolsMu.Unlock()
		return cached, nil
	}
	s.toolsMu.Unlock()

	t, err := s.current()
	if err != nil {
		return nil, err
	}
	raw, err := t.Call(ctx, MethodListTools, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse tool list: %w", err)
	}

	s.toolsMu.Lock()
	s.tools = result.Tools
	s.toolsFetched = time.Now()
	s.toolsMu.Unlock()
	return result.Tools, nil
}

// ToolNames returns the set of advertised tool names.
func (s *Supervisor) ToolNames(ctx context.Context) (map[string]struct{}, error) {
	tools, err := s.Tools(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		names[t.Name] = struct{}{}
	}
	return names, nil
}

// Schemas converts the advertised tools to provider tool schemas, filtered to
// the allowed set when allowed is non-nil.
func (s *Supervisor) Schemas(ctx context.Context, allowed map[string]struct{}) ([]models.ToolSchema, error) {
	tools, err := s.Tools(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.ToolSchema, 0, len(tools))
	for _, t := range tools {
		if allowed != nil {
			if _, ok := allowed[t.Name]; !ok {
				continue
			}
		}
		params := t.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, models.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	return out, nil
}

// ResolveAlias maps a model-emitted tool name to the canonical name using the
// model's capability profile. Unknown names pass through unchanged.
func (s *Supervisor) ResolveAlias(modelID, name string) string {
	if s.caps == nil {
		return name
	}
	return s.caps.ProfileFor(modelID).ResolveAlias(name)
}

// Execute dispatches one tool call and always returns a ToolResult; failures
// are expressed as error-status results so the loop can feed them back to the
// model. The call is bounded by the configured tool deadline and by the
// global concurrency cap.
func (s *Supervisor) Execute(ctx context.Context, call models.ToolCall) models.ToolResult {
	start := time.Now()
	result := models.ToolResult{ToolCallID: call.ID, Status: models.ToolResultOK}

	finish := func(r models.ToolResult) models.ToolResult {
		r.DurationMS = time.Since(start).Milliseconds()
		if s.metrics != nil {
			s.metrics.ToolCallCounter.WithLabelValues(call.Name, string(r.Status)).Inc()
			s.metrics.ToolCallDuration.WithLabelValues(call.Name).Observe(time.Since(start).Seconds())
		}
		return r
	}

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		result.Status = models.ToolResultError
		result.Reason = "deadline"
		result.Content = ctx.Err().Error()
		return finish(result)
	}

	if err := s.validateArgs(ctx, call); err != nil {
		result.Status = models.ToolResultError
		result.Reason = "invalid_arguments"
		result.Content = err.Error()
		return finish(result)
	}

	t, err := s.current()
	if err != nil {
		result.Status = models.ToolResultError
		result.Reason = "disconnected"
		result.Content = err.Error()
		return finish(result)
	}

	callCtx := ctx
	if s.loopCfg.ToolDeadline > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.loopCfg.ToolDeadline)
		defer cancel()
	}

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	raw, err := t.Call(callCtx, MethodCallTool, callToolParams{Name: call.Name, Arguments: args})
	if err != nil {
		result.Status = models.ToolResultError
		result.Content = err.Error()
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			result.Reason = "deadline"
		case errors.Is(err, ErrNotConnected):
			result.Reason = "disconnected"
		default:
			var rpcErr *RPCError
			switch {
			case errors.As(err, &rpcErr) && rpcErr.Code == CodeUnknownTool:
				result.Reason = "unknown_tool"
			case errors.As(err, &rpcErr):
				result.Reason = "tool_error"
			default:
				result.Reason = "transport_error"
			}
		}
		return finish(result)
	}

	var callResult callToolResult
	if err := json.Unmarshal(raw, &callResult); err != nil {
		result.Status = models.ToolResultError
		result.Reason = "bad_response"
		result.Content = err.Error()
		return finish(result)
	}
	result.Content = callResult.flatten()
	if callResult.IsError {
		result.Status = models.ToolResultError
		result.Reason = "tool_error"
	}
	return finish(result)
}

// validateArgs checks the call's arguments against the tool's advertised
// input schema. Tools without a schema accept anything.
func (s *Supervisor) validateArgs(ctx context.Context, call models.ToolCall) error {
	schema, err := s.schemaFor(ctx, call.Name)
	if err != nil || schema == nil {
		return nil
	}
	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var value any
	if err := json.Unmarshal(args, &value); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("arguments rejected by schema: %w", err)
	}
	return nil
}

func (s *Supervisor) schemaFor(ctx context.Context, name string) (*jsonschema.Schema, error) {
	s.toolsMu.Lock()
	if schema, ok := s.schemas[name]; ok {
		s.toolsMu.Unlock()
		return schema, nil
	}
	s.toolsMu.Unlock()

	tools, err := s.Tools(ctx)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	for _, t := range tools {
		if t.Name == name {
			raw = t.InputSchema
			break
		}
	}
	if len(raw) == 0 {
		return nil, nil
	}

	compiler := jsonschema.NewCompiler()
	url := "toolserver:///" + name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		s.logger.Warn("tool schema does not compile, skipping validation",
			"tool", name, "error", err)
		return nil, nil
	}

	s.toolsMu.Lock()
	s.schemas[name] = schema
	s.toolsMu.Unlock()
	return schema, nil
}

// Close tears down the transport and stops reconnecting.
func (s *Supervisor) Close() error {
	s.once.Do(func() { close(s.closed) })
	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.mu.Unlock()
	if t != nil {
		return t.Close()
	}
	return nil
}
