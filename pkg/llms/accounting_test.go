package llms

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/pkg/registry"
)

func TestComputeCostBasics(t *testing.T) {
	reg := registry.New()

	// gpt-4o: $2.50 in / $10 out per million.
	cost := computeCost(reg, registry.ProviderOpenAI, "gpt-4o",
		TokenUsage{Prompt: 1000, Completion: 500, Total: 1500}, false, 1)

	require.NotNil(t, cost)
	assert.InDelta(t, 0.0025, cost.Input, 1e-9)
	assert.InDelta(t, 0.005, cost.Output, 1e-9)
	assert.InDelta(t, 0.0075, cost.Total, 1e-9)
}

func TestComputeCostCachedInputDiscount(t *testing.T) {
	reg := registry.New()

	plain := computeCost(reg, registry.ProviderOpenAI, "gpt-4o",
		TokenUsage{Prompt: 1_000_000}, false, 1)
	cached := computeCost(reg, registry.ProviderOpenAI, "gpt-4o",
		TokenUsage{Prompt: 1_000_000}, true, 1)

	assert.InDelta(t, 2.5, plain.Input, 1e-9)
	assert.InDelta(t, 1.25, cached.Input, 1e-9)
}

func TestComputeCostMultiplierAfterDiscount(t *testing.T) {
	reg := registry.New()

	cost := computeCost(reg, registry.ProviderOpenAI, "gpt-4o",
		TokenUsage{Prompt: 1_000_000, Completion: 100_000}, true, 2)

	assert.InDelta(t, 2.5, cost.Input, 1e-9)  // 1.25 cached rate x2
	assert.InDelta(t, 2.0, cost.Output, 1e-9) // 10 per million x 0.1M x2
}

func TestComputeCostUnknownModel(t *testing.T) {
	reg := registry.New()

	cost := computeCost(reg, registry.ProviderOllama, "llama3:8b",
		TokenUsage{Prompt: 100, Completion: 100, Total: 200}, false, 1)

	assert.Nil(t, cost)
}

func TestComputeCostAnthropicPlaceholder(t *testing.T) {
	reg := registry.New()

	// An unlisted Claude model falls back to the flat per-token rate.
	cost := computeCost(reg, registry.ProviderAnthropic, "claude-experimental",
		TokenUsage{Prompt: 60, Completion: 40, Total: 100}, false, 1)

	require.NotNil(t, cost)
	assert.InDelta(t, 0.01, cost.Total, 1e-9)
}

func TestFormatCost(t *testing.T) {
	cases := []struct {
		in   *float64
		want string
	}{
		{nil, "—"},
		{floatPtr(0), "$0"},
		{floatPtr(12.345), "$12.35"},
		{floatPtr(1), "$1.00"},
		{floatPtr(0.25), "$0.250"},
		{floatPtr(0.01), "$0.010"},
		{floatPtr(0.005), "$0.0050"},
		{floatPtr(0.001), "$0.0010"},
		{floatPtr(0.0005), "$0.000500"},
		{floatPtr(0.0000075), "$0.00000750"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatCost(tc.in))
	}
}

func TestRecorderSegments(t *testing.T) {
	rec := newRecorder()
	base := rec.start

	rec.modelSegment("gpt-4o", base, base.Add(100*time.Millisecond))
	rec.toolSegment("get_time", base.Add(100*time.Millisecond), base.Add(130*time.Millisecond))
	rec.modelSegment("gpt-4o", base.Add(130*time.Millisecond), base.Add(200*time.Millisecond))
	rec.addUsage(TokenUsage{Prompt: 10, Completion: 5, Total: 15})
	rec.addUsage(TokenUsage{Prompt: 8, Completion: 4, Total: 12})

	timing := rec.snapshot()

	assert.Equal(t, 2, timing.Iterations)
	assert.Equal(t, int64(170), timing.ModelTime)
	assert.Equal(t, int64(30), timing.ToolsTime)
	assert.Equal(t, int64(100), timing.FirstResponseTime)
	require.Len(t, timing.TimeSegments, 3)
	assert.Equal(t, SegmentModel, timing.TimeSegments[0].Type)
	assert.Equal(t, SegmentTool, timing.TimeSegments[1].Type)
	assert.Equal(t, SegmentModel, timing.TimeSegments[2].Type)
	assert.Equal(t, TokenUsage{Prompt: 18, Completion: 9, Total: 27}, rec.usage)
}
