package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the proxy's Prometheus metrics.
type Metrics struct {
	// RequestCounter counts completed chat requests.
	// Labels: strategy (direct|agentic|dual-model), outcome
	RequestCounter *prometheus.CounterVec

	// RequestDuration measures end-to-end request latency in seconds.
	// Labels: strategy
	RequestDuration *prometheus.HistogramVec

	// IterationsPerRequest observes architect iterations per request.
	IterationsPerRequest prometheus.Histogram

	// ModelRequestDuration measures upstream model call latency in seconds.
	// Labels: provider, model
	ModelRequestDuration *prometheus.HistogramVec

	// ModelRequestCounter counts upstream model calls.
	// Labels: provider, model, status (success|error)
	ModelRequestCounter *prometheus.CounterVec

	// ToolCallCounter counts tool dispatches.
	// Labels: tool_name, status (ok|error)
	ToolCallCounter *prometheus.CounterVec

	// ToolCallDuration measures tool round-trip time in seconds.
	// Labels: tool_name
	ToolCallDuration *prometheus.HistogramVec

	// ToolServerReconnects counts supervisor reconnect attempts.
	// Labels: transport (stdio|http), result (success|failure)
	ToolServerReconnects *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with reg. A nil
// registerer uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archon_requests_total",
				Help: "Completed chat-completion requests by strategy and outcome.",
			},
			[]string{"strategy", "outcome"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archon_request_duration_seconds",
				Help:    "End-to-end request latency.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"strategy"},
		),
		IterationsPerRequest: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "archon_iterations_per_request",
				Help:    "Architect iterations executed per request.",
				Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16},
			},
		),
		ModelRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archon_model_request_duration_seconds",
				Help:    "Upstream model call latency.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		ModelRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archon_model_requests_total",
				Help: "Upstream model calls by provider, model and status.",
			},
			[]string{"provider", "model", "status"},
		),
		ToolCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archon_tool_calls_total",
				Help: "Tool dispatches by tool and status.",
			},
			[]string{"tool_name", "status"},
		),
		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archon_tool_call_duration_seconds",
				Help:    "Tool round-trip time.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		ToolServerReconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archon_tool_server_reconnects_total",
				Help: "Tool-server reconnect attempts by transport and result.",
			},
			[]string{"transport", "result"},
		),
	}
}
