package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// LLMMetrics records one sample per model round-trip: call count, token
// throughput and call latency, labeled by provider and model.
type LLMMetrics struct {
	calls    metric.Int64Counter
	tokens   metric.Int64Counter
	duration metric.Float64Histogram
}

func NewLLMMetrics() (*LLMMetrics, error) {
	meter := otel.Meter("modelrelay/llms")

	calls, err := meter.Int64Counter("llm_calls_total",
		metric.WithDescription("Model round-trips performed"))
	if err != nil {
		return nil, err
	}
	tokens, err := meter.Int64Counter("llm_tokens_total",
		metric.WithDescription("Tokens consumed across calls"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("llm_call_duration_seconds",
		metric.WithDescription("Model round-trip latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &LLMMetrics{calls: calls, tokens: tokens, duration: duration}, nil
}

// RecordCall implements the gateway's CallMetrics hook.
func (m *LLMMetrics) RecordCall(ctx context.Context, provider, model string, totalTokens int, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
	)
	m.calls.Add(ctx, 1, attrs)
	m.tokens.Add(ctx, int64(totalTokens), attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}
