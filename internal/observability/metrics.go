package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the runtime.
//
// All metrics live under the nexus3_ namespace. Construct with NewMetrics;
// pass a dedicated registry in tests to avoid duplicate registration.
type Metrics struct {
	// LLMRequestDuration tracks provider request latency from first byte
	// of the request to the end of the stream.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestsTotal counts provider requests by outcome.
	LLMRequestsTotal *prometheus.CounterVec

	// LLMTokensTotal counts tokens reported by providers, split by direction.
	LLMTokensTotal *prometheus.CounterVec

	// ProviderRetriesTotal counts retried provider requests by status code.
	ProviderRetriesTotal *prometheus.CounterVec

	// ToolExecutionsTotal counts tool executions by tool name and outcome.
	ToolExecutionsTotal *prometheus.CounterVec

	// ToolExecutionDuration tracks wall-clock tool execution time.
	ToolExecutionDuration *prometheus.HistogramVec

	// ConfirmationsTotal counts user confirmation prompts by result.
	ConfirmationsTotal *prometheus.CounterVec

	// CompactionsTotal counts context compactions.
	CompactionsTotal prometheus.Counter

	// CompactionTokensReclaimed counts estimated tokens freed by compaction.
	CompactionTokensReclaimed prometheus.Counter

	// TurnsTotal counts completed turns by how they ended.
	TurnsTotal *prometheus.CounterVec

	// ActiveAgents tracks the number of live agents in the pool.
	ActiveAgents prometheus.Gauge
}

// NewMetrics creates and registers the runtime's collectors on the given
// registerer. A nil registerer falls back to prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "nexus3",
				Name:      "llm_request_duration_seconds",
				Help:      "Provider request latency in seconds.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		LLMRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nexus3",
				Name:      "llm_requests_total",
				Help:      "Provider requests by outcome.",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nexus3",
				Name:      "llm_tokens_total",
				Help:      "Tokens reported by providers.",
			},
			[]string{"provider", "model", "direction"},
		),
		ProviderRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nexus3",
				Name:      "provider_retries_total",
				Help:      "Retried provider requests by HTTP status.",
			},
			[]string{"provider", "status"},
		),
		ToolExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nexus3",
				Name:      "tool_executions_total",
				Help:      "Tool executions by tool name and outcome.",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "nexus3",
				Name:      "tool_execution_duration_seconds",
				Help:      "Tool execution wall-clock time in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		ConfirmationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nexus3",
				Name:      "confirmations_total",
				Help:      "User confirmation prompts by result.",
			},
			[]string{"result"},
		),
		CompactionsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "nexus3",
				Name:      "compactions_total",
				Help:      "Context compactions performed.",
			},
		),
		CompactionTokensReclaimed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "nexus3",
				Name:      "compaction_tokens_reclaimed_total",
				Help:      "Estimated tokens freed by compaction.",
			},
		),
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nexus3",
				Name:      "turns_total",
				Help:      "Turns by terminal state.",
			},
			[]string{"result"},
		),
		ActiveAgents: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "nexus3",
				Name:      "active_agents",
				Help:      "Agents currently registered in the pool.",
			},
		),
	}
}

// RecordLLMRequest records one provider request and its token usage.
func (m *Metrics) RecordLLMRequest(provider, model, status string, duration time.Duration, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestsTotal.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	if inputTokens > 0 {
		m.LLMTokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordRetry records one retried provider request.
func (m *Metrics) RecordRetry(provider, status string) {
	if m == nil {
		return
	}
	m.ProviderRetriesTotal.WithLabelValues(provider, status).Inc()
}

// RecordToolExecution records one tool execution.
func (m *Metrics) RecordToolExecution(tool, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutionsTotal.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordConfirmation records one confirmation prompt result.
func (m *Metrics) RecordConfirmation(result string) {
	if m == nil {
		return
	}
	m.ConfirmationsTotal.WithLabelValues(result).Inc()
}

// RecordCompaction records one compaction and the tokens it reclaimed.
func (m *Metrics) RecordCompaction(tokensReclaimed int) {
	if m == nil {
		return
	}
	m.CompactionsTotal.Inc()
	if tokensReclaimed > 0 {
		m.CompactionTokensReclaimed.Add(float64(tokensReclaimed))
	}
}

// RecordTurn records a finished turn. Result is one of
// "completed", "halted_at_limit", "cancelled", or "error".
func (m *Metrics) RecordTurn(result string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(result).Inc()
}

// AgentCreated increments the live agent gauge.
func (m *Metrics) AgentCreated() {
	if m == nil {
		return
	}
	m.ActiveAgents.Inc()
}

// AgentDestroyed decrements the live agent gauge.
func (m *Metrics) AgentDestroyed() {
	if m == nil {
		return
	}
	m.ActiveAgents.Dec()
}
