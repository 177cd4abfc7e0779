// Package server is the OpenAI-compatible HTTP front-end: it normalizes
// incoming chat requests, hands them to the router, relays streamed chunks,
// and exposes health, readiness, metrics and event-tap endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/archonlabs/archon/internal/bus"
	"github.com/archonlabs/archon/internal/config"
	"github.com/archonlabs/archon/internal/loop"
	"github.com/archonlabs/archon/internal/observability"
	"github.com/archonlabs/archon/pkg/models"
)

// ConfigSource yields the current configuration snapshot.
type ConfigSource interface {
	Snapshot() *config.Config
}

// PlanSource classifies requests into execution plans.
type PlanSource interface {
	Plan(ctx context.Context, req *models.ChatRequest) *loop.Plan
}

// LoopRunner drives agentic and dual-model plans.
type LoopRunner interface {
	Run(ctx context.Context, req *models.ChatRequest, plan *loop.Plan) *loop.Result
}

// Check probes one dependency for readiness.
type Check func() bool

// Checks carries the readiness probes surfaced by /ready.
type Checks struct {
	ToolServer   Check
	ProfileStore Check
	SessionStore Check
}

// Options wires the Server's collaborators.
type Options struct {
	Configs   ConfigSource
	Router    PlanSource
	Runner    LoopRunner
	Providers loop.ProviderSource
	Bus       *bus.Bus
	Metrics   *observability.Metrics
	Registry  prometheus.Gatherer
	Checks    Checks
	Logger    *slog.Logger
}

// Server is the HTTP front-end.
type Server struct {
	configs   ConfigSource
	router    PlanSource
	runner    LoopRunner
	providers loop.ProviderSource
	bus       *bus.Bus
	metrics   *observability.Metrics
	registry  prometheus.Gatherer
	checks    Checks
	logger    *slog.Logger

	startTime  time.Time
	httpServer *http.Server
}

// New builds a Server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		configs:   opts.Configs,
		router:    opts.Router,
		runner:    opts.Runner,
		providers: opts.Providers,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		registry:  opts.Registry,
		checks:    opts.Checks,
		logger:    logger.With("component", "server"),
		startTime: time.Now(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /events/ws", s.handleEventsWS)
	if s.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":     fmt.Sprintf("unknown route %s %s", r.Method, r.URL.Path),
			"code":      "NOT_FOUND",
			"path":      r.URL.Path,
			"requestId": requestID,
		})
	})
	return mux
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	addr := s.configs.Snapshot().Server.Addr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("starting http server", "addr", addr)

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"memory": map[string]any{
			"used":  mem.Alloc,
			"total": mem.Sys,
		},
		"goroutines": runtime.NumGoroutine(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	probe := func(c Check) bool {
		if c == nil {
			return true
		}
		return c()
	}
	services := map[string]bool{
		"tool_server":   probe(s.checks.ToolServer),
		"profile_store": probe(s.checks.ProfileStore),
		"session_store": probe(s.checks.SessionStore),
	}
	ready := true
	for _, ok := range services {
		ready = ready && ok
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "services": services})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	cfg := s.configs.Snapshot()

	seen := make(map[string]string)
	add := func(model, provider string) {
		if model == "" {
			return
		}
		if provider == "" {
			provider = cfg.ProviderFor(model)
		}
		seen[model] = provider
	}
	add(cfg.Routing.MainModel, "")
	add(cfg.Routing.ExecutorModel, "")
	for model, provider := range cfg.Models {
		add(model, provider)
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	data := make([]modelEntry, 0, len(ids))
	for _, id := range ids {
		data = append(data, modelEntry{
			ID:      id,
			Object:  "model",
			Created: s.startTime.Unix(),
			OwnedBy: seen[id],
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}
