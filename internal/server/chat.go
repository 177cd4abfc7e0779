package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/archonlabs/archon/internal/loop"
	"github.com/archonlabs/archon/internal/observability"
	"github.com/archonlabs/archon/internal/providers"
	"github.com/archonlabs/archon/internal/recorder"
	"github.com/archonlabs/archon/pkg/models"
)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", requestID)

	var body chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, requestID, "invalid_request_error",
			"request body is not valid JSON: "+err.Error())
		return
	}
	req, err := body.toChatRequest(requestID)
	if err != nil {
		writeError(w, http.StatusBadRequest, requestID, "invalid_request_error", err.Error())
		return
	}
	req.Messages = Normalize(req.Messages)

	ctx := observability.WithRequestID(r.Context(), requestID)
	logger := s.logger.With("request_id", requestID, "model", req.Model)
	logger.Info("chat completion request", "messages", len(req.Messages),
		"tools", len(req.Tools), "stream", req.Stream)

	plan := s.router.Plan(ctx, req)
	start := time.Now()

	s.publish(models.NewEvent(models.EventRequestStarted, requestID).
		WithMeta(recorder.MetaRequest, req).
		WithMeta("strategy", string(plan.Strategy)))

	var sse *sseRelay
	if req.Stream {
		var ok bool
		sse, ok = newSSERelay(w, s.bus, requestID, req.Model)
		if !ok {
			writeError(w, http.StatusInternalServerError, requestID, "api_error",
				"streaming is not supported by this connection")
			return
		}
	}

	var result *loop.Result
	if plan.Strategy == loop.StrategyDirect {
		result = s.runDirect(ctx, req, plan)
	} else {
		result = s.runner.Run(ctx, req, plan)
	}

	s.observe(plan, result, time.Since(start))
	s.publishFinish(requestID, result)
	logger.Info("chat completion finished", "outcome", result.Outcome,
		"steps", len(result.Steps), "elapsed", time.Since(start))

	if sse != nil {
		sse.finish(result)
		return
	}

	if result.Outcome == models.OutcomeModelError && result.Err != nil {
		writeError(w, http.StatusBadGateway, requestID, "api_error", result.Err.Error())
		return
	}
	writeJSON(w, http.StatusOK, completionResponse(
		requestID, req.Model, result.Final.Content, finishReason(result.Outcome)))
}

// runDirect proxies the request to the named model's provider in a single
// step, publishing the same chunk events the loop would.
func (s *Server) runDirect(ctx context.Context, req *models.ChatRequest, plan *loop.Plan) *loop.Result {
	modelError := func(err error, partial string) *loop.Result {
		return &loop.Result{
			Outcome: models.OutcomeModelError,
			Err:     err,
			Final:   models.Message{Role: models.RoleAssistant, Content: partial},
		}
	}

	provider, err := s.providers.ForModel(plan.ArchitectModel)
	if err != nil {
		return modelError(err, "")
	}

	chunks, err := provider.Complete(ctx, &providers.CompletionRequest{
		Model:       plan.ArchitectModel,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return modelError(err, "")
	}

	var text strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			return modelError(chunk.Err, text.String())
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			s.publish(models.NewEvent(models.EventModelChunk, req.RequestID).
				WithStep(1).WithText(chunk.Text))
		}
	}

	final := models.Message{Role: models.RoleAssistant, Content: text.String()}
	return &loop.Result{
		Outcome: models.OutcomeCompleted,
		Final:   final,
		Steps: []models.Step{{
			Index:        1,
			ResponseText: final.Content,
			Terminal:     true,
		}},
	}
}

func (s *Server) observe(plan *loop.Plan, result *loop.Result, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.RequestCounter.WithLabelValues(string(plan.Strategy), string(result.Outcome)).Inc()
	s.metrics.RequestDuration.WithLabelValues(string(plan.Strategy)).Observe(elapsed.Seconds())
}

func (s *Server) publishFinish(requestID string, result *loop.Result) {
	eventType := models.EventRequestFinished
	if result.Outcome == models.OutcomeModelError || result.Outcome == models.OutcomeToolError {
		eventType = models.EventRequestFailed
	}
	ev := models.NewEvent(eventType, requestID).
		WithMeta(recorder.MetaSteps, result.Steps).
		WithMeta(recorder.MetaFinal, result.Final)
	ev.Outcome = result.Outcome
	if result.Err != nil {
		ev.Error = result.Err.Error()
	}
	s.publish(ev)
}

func (s *Server) publish(ev *models.Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

func finishReason(outcome models.Outcome) string {
	switch outcome {
	case models.OutcomeIterationLimit, models.OutcomeDeadline:
		return "length"
	default:
		return "stop"
	}
}
