package llms

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/modelrelay/modelrelay/pkg/registry"
)

// anthropicFallbackRate is the flat USD-per-token placeholder used when no
// published rate is known for a Claude model.
const anthropicFallbackRate = 0.0001

// CostMultiplierFromEnv reads the hosted cost multiplier, defaulting to 1.
func CostMultiplierFromEnv() float64 {
	if raw := os.Getenv("MODELRELAY_COST_MULTIPLIER"); raw != "" {
		if m, err := strconv.ParseFloat(raw, 64); err == nil && m > 0 {
			return m
		}
	}
	return 1
}

// recorder accumulates timing segments and token usage across the
// iteration loop. It is not safe for concurrent use; parallel tool
// executions report their segments back on the loop goroutine.
type recorder struct {
	start         time.Time
	segments      []TimeSegment
	usage         TokenUsage
	modelTime     int64
	toolsTime     int64
	firstResponse int64
	iterations    int
}

func newRecorder() *recorder {
	return &recorder{start: time.Now()}
}

func (r *recorder) modelSegment(name string, start, end time.Time) {
	ms := end.Sub(start).Milliseconds()
	r.segments = append(r.segments, TimeSegment{
		Type: SegmentModel, Name: name, StartTime: start, EndTime: end, Duration: ms,
	})
	r.modelTime += ms
	if r.firstResponse == 0 {
		r.firstResponse = end.Sub(r.start).Milliseconds()
	}
	r.iterations++
}

func (r *recorder) toolSegment(name string, start, end time.Time) {
	ms := end.Sub(start).Milliseconds()
	r.segments = append(r.segments, TimeSegment{
		Type: SegmentTool, Name: name, StartTime: start, EndTime: end, Duration: ms,
	})
	r.toolsTime += ms
}

func (r *recorder) addUsage(u TokenUsage) {
	r.usage.Prompt += u.Prompt
	r.usage.Completion += u.Completion
	r.usage.Total += u.Total
}

// snapshot produces the timing record as of now. It is safe to call more
// than once; streaming executions snapshot early and again at stream end.
func (r *recorder) snapshot() *Timing {
	end := time.Now()
	segments := make([]TimeSegment, len(r.segments))
	copy(segments, r.segments)
	return &Timing{
		StartTime:         r.start,
		EndTime:           end,
		Duration:          end.Sub(r.start).Milliseconds(),
		ModelTime:         r.modelTime,
		ToolsTime:         r.toolsTime,
		FirstResponseTime: r.firstResponse,
		Iterations:        r.iterations,
		TimeSegments:      segments,
	}
}

// computeCost prices the accumulated usage. The cached-input rate applies
// when the request carried pre-cached context; the multiplier covers hosted
// margin and is applied after the discount. All figures are rounded to 8
// decimal places.
func computeCost(reg *registry.Registry, providerID, model string, usage TokenUsage, cachedContext bool, multiplier float64) *Cost {
	if multiplier <= 0 {
		multiplier = 1
	}
	pricing := reg.Pricing(model)

	if pricing.Input == 0 && pricing.Output == 0 {
		if providerID == registry.ProviderAnthropic {
			total := round8(float64(usage.Total) * anthropicFallbackRate * multiplier)
			return &Cost{Input: 0, Output: 0, Total: total}
		}
		return nil
	}

	inputRate := pricing.Input
	if cachedContext && pricing.CachedInput > 0 {
		inputRate = pricing.CachedInput
	}

	input := round8(float64(usage.Prompt) / 1e6 * inputRate * multiplier)
	output := round8(float64(usage.Completion) / 1e6 * pricing.Output * multiplier)
	return &Cost{Input: input, Output: output, Total: round8(input + output)}
}

func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}

// FormatCost renders a cost for display. Precision widens as the amount
// shrinks so sub-cent costs stay legible; below a tenth of a cent the
// first significant digit plus two more are shown.
func FormatCost(cost *float64) string {
	if cost == nil {
		return "—"
	}
	v := *cost
	switch {
	case v == 0:
		return "$0"
	case v >= 1:
		return fmt.Sprintf("$%.2f", v)
	case v >= 0.01:
		return fmt.Sprintf("$%.3f", v)
	case v >= 0.001:
		return fmt.Sprintf("$%.4f", v)
	default:
		digits := int(math.Ceil(-math.Log10(v))) + 2
		return fmt.Sprintf("$%.*f", digits, v)
	}
}
