package observability

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordLLMRequest("anthropic", "claude-sonnet", "success", 250*time.Millisecond, 1200, 480)
	m.RecordLLMRequest("anthropic", "claude-sonnet", "error", time.Second, 0, 0)
	m.RecordRetry("anthropic", "429")
	m.RecordToolExecution("write_file", "success", 10*time.Millisecond)
	m.RecordToolExecution("write_file", "error", 5*time.Millisecond)
	m.RecordConfirmation("allow_once")
	m.RecordCompaction(3200)
	m.RecordTurn("completed")
	m.AgentCreated()
	m.AgentCreated()
	m.AgentDestroyed()

	tests := []struct {
		name   string
		value  float64
		want   float64
		metric string
	}{
		{
			name:   "llm success count",
			value:  testutil.ToFloat64(m.LLMRequestsTotal.WithLabelValues("anthropic", "claude-sonnet", "success")),
			want:   1,
			metric: "nexus3_llm_requests_total",
		},
		{
			name:   "input tokens",
			value:  testutil.ToFloat64(m.LLMTokensTotal.WithLabelValues("anthropic", "claude-sonnet", "input")),
			want:   1200,
			metric: "nexus3_llm_tokens_total",
		},
		{
			name:   "retries",
			value:  testutil.ToFloat64(m.ProviderRetriesTotal.WithLabelValues("anthropic", "429")),
			want:   1,
			metric: "nexus3_provider_retries_total",
		},
		{
			name:   "tool errors",
			value:  testutil.ToFloat64(m.ToolExecutionsTotal.WithLabelValues("write_file", "error")),
			want:   1,
			metric: "nexus3_tool_executions_total",
		},
		{
			name:   "confirmations",
			value:  testutil.ToFloat64(m.ConfirmationsTotal.WithLabelValues("allow_once")),
			want:   1,
			metric: "nexus3_confirmations_total",
		},
		{
			name:   "compactions",
			value:  testutil.ToFloat64(m.CompactionsTotal),
			want:   1,
			metric: "nexus3_compactions_total",
		},
		{
			name:   "reclaimed tokens",
			value:  testutil.ToFloat64(m.CompactionTokensReclaimed),
			want:   3200,
			metric: "nexus3_compaction_tokens_reclaimed_total",
		},
		{
			name:   "turns",
			value:  testutil.ToFloat64(m.TurnsTotal.WithLabelValues("completed")),
			want:   1,
			metric: "nexus3_turns_total",
		},
		{
			name:   "active agents",
			value:  testutil.ToFloat64(m.ActiveAgents),
			want:   1,
			metric: "nexus3_active_agents",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != tt.want {
				t.Errorf("%s = %v, want %v", tt.metric, tt.value, tt.want)
			}
		})
	}
}

func TestMetricsNilReceiver(t *testing.T) {
	var m *Metrics
	m.RecordLLMRequest("p", "m", "success", time.Second, 1, 1)
	m.RecordRetry("p", "500")
	m.RecordToolExecution("t", "success", time.Second)
	m.RecordConfirmation("deny")
	m.RecordCompaction(10)
	m.RecordTurn("error")
	m.AgentCreated()
	m.AgentDestroyed()
}

func TestNoopTracer(t *testing.T) {
	tracer, shutdown := NewTracer(context.Background(), TraceConfig{})
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown() = %v, want nil", err)
		}
	}()

	ctx, span := tracer.StartTurn(context.Background(), "main", 1)
	if ctx == nil {
		t.Fatal("StartTurn returned nil context")
	}
	tracer.RecordError(span, nil)
	span.End()

	_, toolSpan := tracer.StartToolExecution(ctx, "read_file")
	toolSpan.End()
}

func TestNilTracerStart(t *testing.T) {
	var tracer *Tracer
	ctx, span := tracer.Start(context.Background(), "anything")
	if ctx == nil {
		t.Fatal("Start on nil tracer returned nil context")
	}
	span.End()
}
