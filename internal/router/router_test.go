package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/archonlabs/archon/internal/bus"
	"github.com/archonlabs/archon/internal/capability"
	"github.com/archonlabs/archon/internal/config"
	"github.com/archonlabs/archon/internal/loop"
	"github.com/archonlabs/archon/pkg/models"
)

type staticConfig struct {
	cfg *config.Config
}

func (s staticConfig) Snapshot() *config.Config { return s.cfg }

type staticTools map[string]struct{}

func (s staticTools) ToolNames(ctx context.Context) (map[string]struct{}, error) {
	return s, nil
}

type staticCaps map[string]*capability.Profile

func (c staticCaps) ProfileFor(modelID string) *capability.Profile {
	if p, ok := c[modelID]; ok {
		return p
	}
	return capability.DefaultProfile(modelID)
}

func (c staticCaps) Known(modelID string) bool {
	_, ok := c[modelID]
	return ok
}

func testConfig(dual bool) *config.Config {
	cfg := &config.Config{
		Routing: config.RoutingConfig{
			MainModel:     "main",
			ExecutorModel: "exec",
			DualModel:     dual,
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func chatRequest(msgs ...models.Message) *models.ChatRequest {
	return &models.ChatRequest{
		RequestID: "req-1",
		Model:     "gpt-x",
		Messages:  msgs,
	}
}

func TestPlanDirect(t *testing.T) {
	r := New(staticConfig{testConfig(false)}, staticCaps{}, staticTools{}, nil, nil)

	plan := r.Plan(context.Background(), chatRequest(
		models.Message{Role: models.RoleUser, Content: "hello"},
	))
	if plan.Strategy != loop.StrategyDirect {
		t.Fatalf("strategy = %s", plan.Strategy)
	}
	if plan.ArchitectModel != "gpt-x" {
		t.Errorf("direct plans keep the client's model, got %q", plan.ArchitectModel)
	}
}

func TestPlanAgenticWhenRequestDeclaresTools(t *testing.T) {
	tools := staticTools{"read_file": {}}
	r := New(staticConfig{testConfig(false)}, staticCaps{}, tools, nil, nil)

	req := chatRequest(models.Message{Role: models.RoleUser, Content: "read it"})
	req.Tools = []models.ToolSchema{{Name: "read_file", Parameters: json.RawMessage(`{}`)}}

	plan := r.Plan(context.Background(), req)
	if plan.Strategy != loop.StrategyAgentic {
		t.Fatalf("strategy = %s", plan.Strategy)
	}
	if plan.ArchitectModel != "main" {
		t.Errorf("architect = %q, want configured main model", plan.ArchitectModel)
	}
	if plan.MaxIterations != 8 {
		t.Errorf("iterations = %d", plan.MaxIterations)
	}
	if plan.TotalDeadline != 5*time.Minute {
		t.Errorf("total deadline = %s", plan.TotalDeadline)
	}
}

func TestPlanDualModel(t *testing.T) {
	r := New(staticConfig{testConfig(true)}, staticCaps{}, staticTools{}, nil, nil)

	plan := r.Plan(context.Background(), chatRequest(
		models.Message{Role: models.RoleUser, Content: "hello"},
	))
	if plan.Strategy != loop.StrategyDual {
		t.Fatalf("strategy = %s", plan.Strategy)
	}
	if plan.ExecutorModel != "exec" {
		t.Errorf("executor = %q", plan.ExecutorModel)
	}
}

func TestPlanDualFallsBackToAgenticWithoutDistinctExecutor(t *testing.T) {
	cfg := testConfig(true)
	cfg.Routing.ExecutorModel = "main"
	r := New(staticConfig{cfg}, staticCaps{}, staticTools{}, nil, nil)

	plan := r.Plan(context.Background(), chatRequest(
		models.Message{Role: models.RoleUser, Content: "hello"},
	))
	if plan.Strategy != loop.StrategyAgentic {
		t.Errorf("strategy = %s", plan.Strategy)
	}
	if plan.ExecutorModel != "" {
		t.Errorf("executor = %q", plan.ExecutorModel)
	}
}

func TestPlanIntersectsProfileAndAdvertisement(t *testing.T) {
	eventBus := bus.New(nil)
	defer eventBus.Close()
	sub := eventBus.Subscribe(8)
	defer sub.Cancel()

	caps := staticCaps{"main": {
		ModelID: "main",
		Format:  capability.WireNativeStructured,
		Tools:   []string{"read_file", "git_log"},
		Enabled: true,
	}}
	tools := staticTools{"read_file": {}, "list_dir": {}}
	r := New(staticConfig{testConfig(true)}, caps, tools, eventBus, nil)

	plan := r.Plan(context.Background(), chatRequest(
		models.Message{Role: models.RoleUser, Content: "hello"},
	))
	if _, ok := plan.AllowedTools["read_file"]; !ok {
		t.Error("read_file should survive the intersection")
	}
	if _, ok := plan.AllowedTools["git_log"]; ok {
		t.Error("git_log is not advertised and must be dropped")
	}
	if len(plan.AllowedTools) != 1 {
		t.Errorf("allowed = %v", plan.AllowedTools)
	}

	select {
	case ev := <-sub.C:
		if ev.Type != models.EventToolDropped || ev.ToolName != "git_log" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a tool_dropped event")
	}
}

func TestPlanEmptyProfileToolListMeansEverythingAdvertised(t *testing.T) {
	tools := staticTools{"read_file": {}, "list_dir": {}}
	r := New(staticConfig{testConfig(true)}, staticCaps{}, tools, nil, nil)

	plan := r.Plan(context.Background(), chatRequest(
		models.Message{Role: models.RoleUser, Content: "hello"},
	))
	if len(plan.AllowedTools) != 2 {
		t.Errorf("allowed = %v", plan.AllowedTools)
	}
}

func TestPlanUnknownModelGetsDefaultProfile(t *testing.T) {
	r := New(staticConfig{testConfig(true)}, staticCaps{}, staticTools{}, nil, nil)

	plan := r.Plan(context.Background(), chatRequest(
		models.Message{Role: models.RoleUser, Content: "hello"},
	))
	if plan.Profile == nil {
		t.Fatal("profile missing")
	}
	if plan.Profile.Format != capability.WireNativeStructured {
		t.Errorf("format = %s", plan.Profile.Format)
	}
	if len(plan.Profile.Aliases) != 0 || plan.Profile.Prosthetic != "" {
		t.Errorf("default profile should be minimal: %+v", plan.Profile)
	}
}

func TestDetectCorrectionEmitsLearningEvent(t *testing.T) {
	eventBus := bus.New(nil)
	defer eventBus.Close()
	sub := eventBus.Subscribe(8)
	defer sub.Cancel()

	r := New(staticConfig{testConfig(false)}, staticCaps{}, staticTools{}, eventBus, nil)
	r.Plan(context.Background(), chatRequest(
		models.Message{Role: models.RoleUser, Content: "what port does it use?"},
		models.Message{Role: models.RoleAssistant, Content: "It listens on 8080."},
		models.Message{Role: models.RoleUser, Content: "No, it listens on 8555."},
	))

	select {
	case ev := <-sub.C:
		if ev.Type != models.EventLearningPattern {
			t.Fatalf("event = %+v", ev)
		}
		if ev.Meta["pattern"] != "No, it listens on 8555." {
			t.Errorf("pattern = %v", ev.Meta["pattern"])
		}
	case <-time.After(time.Second):
		t.Fatal("expected a learning_pattern event")
	}
}

func TestDetectCorrectionIgnoresOrdinaryFollowups(t *testing.T) {
	eventBus := bus.New(nil)
	defer eventBus.Close()
	sub := eventBus.Subscribe(8)
	defer sub.Cancel()

	r := New(staticConfig{testConfig(false)}, staticCaps{}, staticTools{}, eventBus, nil)
	r.Plan(context.Background(), chatRequest(
		models.Message{Role: models.RoleAssistant, Content: "It listens on 8555."},
		models.Message{Role: models.RoleUser, Content: "thanks, and what host?"},
	))

	select {
	case ev := <-sub.C:
		if ev.Type == models.EventLearningPattern {
			t.Errorf("unexpected learning event: %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
	}
}
