// Package router classifies incoming chat requests and turns each one into an
// execution plan: direct pass-through, single-model agentic, or the
// architect/executor dual-model split.
package router

import (
	"context"
	"log/slog"
	"strings"

	"github.com/archonlabs/archon/internal/bus"
	"github.com/archonlabs/archon/internal/capability"
	"github.com/archonlabs/archon/internal/config"
	"github.com/archonlabs/archon/internal/loop"
	"github.com/archonlabs/archon/pkg/models"
)

// ConfigSource yields the current configuration snapshot.
type ConfigSource interface {
	Snapshot() *config.Config
}

// ToolAdvertiser is the supervisor surface the router consults for the live
// tool advertisement.
type ToolAdvertiser interface {
	ToolNames(ctx context.Context) (map[string]struct{}, error)
}

// Router builds execution plans.
type Router struct {
	configs ConfigSource
	caps    capability.View
	tools   ToolAdvertiser
	bus     *bus.Bus
	logger  *slog.Logger
}

// New builds a Router.
func New(configs ConfigSource, caps capability.View, tools ToolAdvertiser, eventBus *bus.Bus, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		configs: configs,
		caps:    caps,
		tools:   tools,
		bus:     eventBus,
		logger:  logger.With("component", "router"),
	}
}

// Plan classifies the request. Direct requests keep the client's model id;
// agentic and dual plans always use the configured main model as architect.
func (r *Router) Plan(ctx context.Context, req *models.ChatRequest) *loop.Plan {
	cfg := r.configs.Snapshot()

	r.detectCorrection(req)

	if !cfg.Routing.DualModel && len(req.Tools) == 0 {
		return &loop.Plan{
			Strategy:       loop.StrategyDirect,
			ArchitectModel: req.Model,
			Profile:        r.profileFor(req.Model),
			MaxIterations:  1,
			TotalDeadline:  cfg.Loop.TotalDeadline,
			StepDeadline:   cfg.Loop.StepDeadline,
		}
	}

	architect := cfg.Routing.MainModel
	profile := r.profileFor(architect)

	strategy := loop.StrategyAgentic
	executor := ""
	if cfg.Routing.DualModel &&
		cfg.Routing.ExecutorModel != "" &&
		cfg.Routing.ExecutorModel != architect {
		strategy = loop.StrategyDual
		executor = cfg.Routing.ExecutorModel
	}

	return &loop.Plan{
		Strategy:       strategy,
		ArchitectModel: architect,
		ExecutorModel:  executor,
		Profile:        profile,
		AllowedTools:   r.intersectTools(ctx, req, profile),
		MaxIterations:  cfg.Loop.MaxIterations,
		TotalDeadline:  cfg.Loop.TotalDeadline,
		StepDeadline:   cfg.Loop.StepDeadline,
	}
}

// profileFor loads the model's capability profile, synthesising a minimal
// default for unknown models.
func (r *Router) profileFor(modelID string) *capability.Profile {
	if r.caps == nil {
		return capability.DefaultProfile(modelID)
	}
	if !r.caps.Known(modelID) {
		r.logger.Debug("no capability profile, using default", "model", modelID)
	}
	return r.caps.ProfileFor(modelID)
}

// intersectTools computes the tool set the architect may use: the profile's
// tool list (or everything, when the profile lists none) cut down to what the
// supervisor currently advertises. Profile tools missing from the live
// advertisement are dropped with a warning event.
func (r *Router) intersectTools(ctx context.Context, req *models.ChatRequest, profile *capability.Profile) map[string]struct{} {
	var advertised map[string]struct{}
	if r.tools != nil {
		var err error
		advertised, err = r.tools.ToolNames(ctx)
		if err != nil {
			r.logger.Warn("tool advertisement unavailable", "error", err)
			advertised = map[string]struct{}{}
		}
	}

	if profile == nil || len(profile.Tools) == 0 {
		// Everything advertised; nil also means everything to the loop,
		// but resolving it here keeps plans self-contained.
		return advertised
	}

	allowed := make(map[string]struct{}, len(profile.Tools))
	for _, name := range profile.Tools {
		if _, ok := advertised[name]; !ok {
			r.logger.Warn("profile tool not advertised, dropping",
				"model", profile.ModelID, "tool", name)
			if r.bus != nil {
				r.bus.Publish(models.NewEvent(models.EventToolDropped, req.RequestID).
					WithTool(name, "").
					WithMeta("model", profile.ModelID))
			}
			continue
		}
		allowed[name] = struct{}{}
	}
	return allowed
}

// correctionMarkers open user messages that contradict the preceding
// assistant turn.
var correctionMarkers = []string{
	"no,", "no.", "no ", "nope",
	"that's wrong", "thats wrong", "that is wrong",
	"that's not", "thats not", "that is not",
	"incorrect", "actually,", "actually ",
	"i said", "i meant", "not what i",
	"wrong,", "wrong.",
}

// detectCorrection emits an advisory learning event when the last user
// message looks like a correction of the assistant message before it. The
// event never influences plan selection.
func (r *Router) detectCorrection(req *models.ChatRequest) {
	if r.bus == nil || len(req.Messages) < 2 {
		return
	}
	last := req.Messages[len(req.Messages)-1]
	prev := req.Messages[len(req.Messages)-2]
	if last.Role != models.RoleUser || prev.Role != models.RoleAssistant {
		return
	}
	content := strings.ToLower(strings.TrimSpace(last.Content))
	for _, marker := range correctionMarkers {
		if strings.HasPrefix(content, marker) {
			r.bus.Publish(models.NewEvent(models.EventLearningPattern, req.RequestID).
				WithMeta("pattern", strings.TrimSpace(last.Content)).
				WithMeta("corrected", prev.Content))
			return
		}
	}
}
