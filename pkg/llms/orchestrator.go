package llms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/modelrelay/modelrelay/pkg/registry"
)

// MaxIterations caps the tool loop. Ten round-trips of tool calling is a
// model that is stuck, not one that is working.
const MaxIterations = 10

// execution carries the state of one request through the iteration loop.
type execution struct {
	g        *Gateway
	provider Provider
	req      *Request
	schema   *ResponseSchema
	plan     ToolPlan
	queue    ForcedQueue
	steering Steering
	conv     []Message
	rec      *recorder

	// separate providers reject a response schema alongside tools; the
	// schema rides a final tool-free call instead.
	separate       bool
	schemaAttached bool

	processed map[string]bool
	records   []ToolCallRecord
	results   []any
	frames    [][]byte
}

// schemaNeedsSeparation lists providers that reject structured output and
// tools on the same call.
func schemaNeedsSeparation(providerID string) bool {
	switch providerID {
	case registry.ProviderAnthropic, registry.ProviderGoogle, registry.ProviderXAI:
		return true
	default:
		return false
	}
}

func (e *execution) run(ctx context.Context) (*Response, *StreamingExecution, error) {
	if e.req.Context != "" {
		e.conv = append(e.conv, Message{Role: RoleUser, Content: e.req.Context})
	}
	e.conv = append(e.conv, e.req.Messages...)

	hasTools := len(e.plan.Tools) > 0

	// Without tools there is nothing to loop over; a streaming request
	// streams the one and only call.
	if e.req.Stream && !hasTools {
		return e.streamFinal(ctx, e.spec(nil, Steering{Mode: SteerAuto}, e.schema))
	}

	initialSchema := e.schema
	if e.separate && hasTools {
		initialSchema = nil
	} else if initialSchema != nil {
		e.schemaAttached = true
	}

	turn, err := e.call(ctx, e.spec(e.plan.Tools, e.steering, initialSchema))
	if err != nil {
		return e.fail(err)
	}

	for iteration := 1; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return e.fail(err)
		}

		calls := turn.ToolCalls
		e.queue, e.steering = e.queue.Advance(toolCallNames(calls))
		if len(calls) == 0 {
			break
		}
		if iteration >= MaxIterations {
			slog.Warn("tool loop hit the iteration cap", "model", e.req.Model, "iterations", iteration)
			break
		}

		fresh := e.filterNew(calls)
		if len(fresh) == 0 {
			// The model repeated calls it already made. Re-running them
			// would loop forever; take tools off the table and ask for a
			// final answer.
			slog.Debug("duplicate tool calls suppressed", "model", e.req.Model)
			e.steering = Steering{Mode: SteerNone}
		} else if err := e.executeTools(ctx, turn, fresh); err != nil {
			return e.fail(err)
		}

		callTools := e.plan.Tools
		var callSchema *ResponseSchema
		switch {
		case e.schema != nil && !e.separate:
			callSchema = e.schema
		case e.schema != nil && e.separate && e.queue.Empty():
			// Forced work is done; the structured answer comes from a
			// tool-free call so the schema and tools never collide.
			callTools = nil
			callSchema = e.schema
			e.schemaAttached = true
		}

		spec := e.spec(callTools, e.steering, callSchema)
		if e.req.Stream && e.queue.Empty() && (e.schema == nil || e.schemaAttached) {
			return e.streamFinal(ctx, spec)
		}
		turn, err = e.call(ctx, spec)
		if err != nil {
			return e.fail(err)
		}
	}

	// The model stopped calling tools before the structured phase ran.
	if e.schema != nil && e.separate && hasTools && !e.schemaAttached {
		spec := e.spec(nil, Steering{Mode: SteerAuto}, e.schema)
		e.schemaAttached = true
		if e.req.Stream {
			return e.streamFinal(ctx, spec)
		}
		turn, err = e.call(ctx, spec)
		if err != nil {
			return e.fail(err)
		}
	}

	if e.req.Stream {
		// The terminal text was produced by a buffered call; replay it so
		// the caller still gets the stream it asked for.
		resp := e.finish(turn.Text)
		resp.IsStreaming = true
		return nil, &StreamingExecution{
			Stream:    newReplayStream(turn.Text, e.frames),
			Execution: resp,
		}, nil
	}
	return e.finish(turn.Text), nil, nil
}

func (e *execution) spec(defs []ToolDefinition, steering Steering, schema *ResponseSchema) *CallSpec {
	return &CallSpec{
		Model:       e.req.Model,
		System:      e.req.SystemPrompt,
		Messages:    e.conv,
		Tools:       defs,
		Steering:    steering,
		Schema:      schema,
		Temperature: e.req.Temperature,
		MaxTokens:   e.req.MaxTokens,
	}
}

// call performs one buffered model round-trip with tracing and timing.
func (e *execution) call(ctx context.Context, spec *CallSpec) (*Turn, error) {
	ctx, span := e.g.tracer.Start(ctx, "llm.call", trace.WithAttributes(
		attribute.String("llm.provider", e.provider.ID()),
		attribute.String("llm.model", spec.Model),
	))
	defer span.End()

	start := time.Now()
	turn, err := e.provider.Call(ctx, spec)
	end := time.Now()
	e.rec.modelSegment(spec.Model, start, end)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	e.rec.addUsage(turn.Usage)
	if e.g.metrics != nil {
		e.g.metrics.RecordCall(ctx, e.provider.ID(), spec.Model, turn.Usage.Total, end.Sub(start))
	}
	return turn, nil
}

// streamFinal hands the caller a live stream of the given call. The
// execution record is completed as the stream drains.
func (e *execution) streamFinal(ctx context.Context, spec *CallSpec) (*Response, *StreamingExecution, error) {
	ctx, span := e.g.tracer.Start(ctx, "llm.stream", trace.WithAttributes(
		attribute.String("llm.provider", e.provider.ID()),
		attribute.String("llm.model", spec.Model),
	))

	start := time.Now()
	chunks, err := e.provider.CallStreaming(ctx, spec)
	if err != nil {
		span.RecordError(err)
		span.End()
		return e.fail(err)
	}

	exec := &Response{
		Model:       e.req.Model,
		IsStreaming: true,
		ToolCalls:   e.records,
		ToolResults: e.results,
	}
	g := e.g
	providerID := e.provider.ID()
	stream := newChunkStream(chunks, e.frames, func(text string, usage *TokenUsage, streamErr error) {
		defer span.End()
		end := time.Now()
		e.rec.modelSegment(spec.Model, start, end)
		if usage != nil {
			e.rec.addUsage(*usage)
		}
		exec.Content = text
		exec.Tokens = e.rec.usage
		exec.Timing = e.rec.snapshot()
		exec.Cost = computeCost(g.reg, providerID, e.req.Model, e.rec.usage, e.req.Context != "", g.multiplier)
		if streamErr != nil {
			span.RecordError(streamErr)
		} else if g.metrics != nil {
			g.metrics.RecordCall(ctx, providerID, spec.Model, e.rec.usage.Total, end.Sub(start))
		}
	})
	return nil, &StreamingExecution{Stream: stream, Execution: exec}, nil
}

// filterNew drops calls already executed this run, matching on id first
// and then on the (name, arguments) signature. Identical calls within the
// same response collapse to one execution as well.
func (e *execution) filterNew(calls []ToolCall) []ToolCall {
	var fresh []ToolCall
	seen := make(map[string]bool, len(calls))
	for _, call := range calls {
		sig := callSignature(call)
		if e.processed[call.ID] || e.processed[sig] || seen[sig] {
			continue
		}
		seen[sig] = true
		fresh = append(fresh, call)
	}
	return fresh
}

func callSignature(call ToolCall) string {
	keys := make([]string, 0, len(call.Arguments))
	for k := range call.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sig := call.Name
	for _, k := range keys {
		v, _ := json.Marshal(call.Arguments[k])
		sig += "|" + k + "=" + string(v)
	}
	return sig
}

// executeTools runs one iteration's fresh tool calls, appends the
// assistant/tool turns to the conversation, and records segments and
// event frames.
func (e *execution) executeTools(ctx context.Context, turn *Turn, fresh []ToolCall) error {
	emitFrames := e.req.Stream && e.req.StreamToolCalls && e.provider.ID() == registry.ProviderAnthropic

	for _, call := range fresh {
		e.processed[call.ID] = true
		e.processed[callSignature(call)] = true
		if emitFrames {
			e.frames = append(e.frames, detectedEvent(call))
		}
	}
	if emitFrames {
		e.frames = append(e.frames, startEvent(fresh))
	}

	e.conv = append(e.conv, Message{Role: RoleAssistant, Content: turn.Text, ToolCalls: fresh})

	outcomes := make([]toolOutcome, len(fresh))
	if e.provider.ID() == registry.ProviderAnthropic && len(fresh) > 1 {
		// Claude batches independent calls; run them concurrently.
		eg, egCtx := errgroup.WithContext(ctx)
		for i, call := range fresh {
			eg.Go(func() error {
				outcomes[i] = e.runTool(egCtx, call)
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return err
		}
	} else {
		for i, call := range fresh {
			outcomes[i] = e.runTool(ctx, call)
		}
	}

	for _, outcome := range outcomes {
		e.rec.toolSegment(outcome.record.Name, outcome.record.StartTime, outcome.record.EndTime)
		e.records = append(e.records, outcome.record)
		if outcome.record.Success {
			e.results = append(e.results, outcome.record.Result)
		}
		if emitFrames {
			e.frames = append(e.frames, completeEvent(outcome.record))
		}
		e.conv = append(e.conv, Message{
			Role:       RoleTool,
			Name:       outcome.record.Name,
			ToolCallID: outcome.record.ID,
			Content:    outcome.feedback,
		})
	}
	return nil
}

type toolOutcome struct {
	record   ToolCallRecord
	feedback string
}

// runTool executes one call. Failures become structured feedback for the
// model rather than terminating the loop.
func (e *execution) runTool(ctx context.Context, call ToolCall) toolOutcome {
	record := ToolCallRecord{
		ID:        call.ID,
		Name:      call.Name,
		Arguments: call.Arguments,
		StartTime: time.Now(),
	}
	done := func() {
		record.EndTime = time.Now()
		record.Duration = record.EndTime.Sub(record.StartTime).Milliseconds()
	}

	tool := e.findTool(call.Name)
	if tool == nil {
		done()
		record.Error = fmt.Sprintf("tool not declared on request: %s", call.Name)
		slog.Warn("model called an undeclared tool", "tool", call.Name, "model", e.req.Model)
		return toolOutcome{record: record, feedback: toolErrorFeedback(call.Name, record.Error)}
	}

	params := make(map[string]any, len(tool.Params)+len(call.Arguments)+3)
	for k, v := range tool.Params {
		params[k] = v
	}
	for k, v := range call.Arguments {
		// The model's value wins at a shared key.
		params[k] = v
	}
	if e.req.WorkflowID != "" {
		params["workflowId"] = e.req.WorkflowID
	}
	if e.req.ChatID != "" {
		params["chatId"] = e.req.ChatID
	}
	if len(e.req.EnvironmentVariables) > 0 {
		params["envVars"] = e.req.EnvironmentVariables
	}

	res, err := e.g.executor.Execute(ctx, call.Name, params, true)
	done()

	switch {
	case err != nil:
		record.Error = err.Error()
	case res == nil:
		record.Error = "tool returned no result"
	case !res.Success:
		record.Error = res.Error
	default:
		record.Success = true
		record.Result = res.Output
	}

	if !record.Success {
		return toolOutcome{record: record, feedback: toolErrorFeedback(call.Name, record.Error)}
	}

	feedback, merr := json.Marshal(record.Result)
	if merr != nil {
		feedback = []byte(fmt.Sprintf("%v", record.Result))
	}
	return toolOutcome{record: record, feedback: string(feedback)}
}

func toolErrorFeedback(name, message string) string {
	data, _ := json.Marshal(map[string]any{
		"error":   true,
		"message": message,
		"tool":    name,
	})
	return string(data)
}

func (e *execution) findTool(name string) *Tool {
	for i := range e.req.Tools {
		if e.req.Tools[i].ID == name {
			return &e.req.Tools[i]
		}
	}
	return nil
}

func toolCallNames(calls []ToolCall) []string {
	names := make([]string, 0, len(calls))
	for _, c := range calls {
		names = append(names, c.Name)
	}
	return names
}

// finish assembles the terminal execution record.
func (e *execution) finish(text string) *Response {
	return &Response{
		Content:     text,
		Model:       e.req.Model,
		Tokens:      e.rec.usage,
		ToolCalls:   e.records,
		ToolResults: e.results,
		Timing:      e.rec.snapshot(),
		Cost:        computeCost(e.g.reg, e.provider.ID(), e.req.Model, e.rec.usage, e.req.Context != "", e.g.multiplier),
	}
}

// fail wraps any terminating error so the timing collected so far rides
// along with it.
func (e *execution) fail(err error) (*Response, *StreamingExecution, error) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		pe.Timing = e.rec.snapshot()
		return nil, nil, pe
	}
	return nil, nil, &ProviderError{
		Provider: e.provider.ID(),
		Model:    e.req.Model,
		Message:  err.Error(),
		Timing:   e.rec.snapshot(),
		Err:      err,
	}
}
