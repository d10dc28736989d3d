package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/modelrelay/pkg/registry"
	"github.com/modelrelay/modelrelay/pkg/tools"
)

type staticKeys struct{}

func (staticKeys) RotatingKey(string) (string, error) { return "test-key", nil }

func newTestGateway(executor tools.Executor, providerID, url string) *Gateway {
	return NewGateway(registry.New(), executor,
		WithKeySource(staticKeys{}),
		WithProviderBaseURL(providerID, url),
	)
}

func clockTools() (*tools.Registry, *atomic.Int32) {
	var calls atomic.Int32
	executor := tools.NewRegistry()
	executor.Register("get_time", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{"time": "12:00"}, nil
	})
	return executor, &calls
}

func TestBufferedToolLoop(t *testing.T) {
	var bodies []chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)

		switch len(bodies) {
		case 1:
			fmt.Fprint(w, `{
				"choices":[{"message":{"tool_calls":[
					{"id":"call_1","type":"function","function":{"name":"get_time","arguments":"{\"tz\":\"UTC\"}"}}
				]},"finish_reason":"tool_calls"}],
				"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}
			}`)
		default:
			fmt.Fprint(w, `{
				"choices":[{"message":{"content":"It is noon."}}],
				"usage":{"prompt_tokens":8,"completion_tokens":4,"total_tokens":12}
			}`)
		}
	}))
	defer server.Close()

	executor, toolCalls := clockTools()
	g := newTestGateway(executor, registry.ProviderOpenAI, server.URL)

	resp, streaming, err := g.ExecuteProviderRequest(context.Background(), "", &Request{
		Model:    "gpt-4o",
		Messages: []Message{{Role: RoleUser, Content: "what time is it?"}},
		Tools:    []Tool{{ID: "get_time", Parameters: map[string]any{"type": "object"}}},
	})

	require.NoError(t, err)
	require.Nil(t, streaming)
	assert.Equal(t, "It is noon.", resp.Content)
	assert.Equal(t, int32(1), toolCalls.Load())
	assert.Equal(t, TokenUsage{Prompt: 18, Completion: 9, Total: 27}, resp.Tokens)

	require.Len(t, resp.ToolCalls, 1)
	assert.True(t, resp.ToolCalls[0].Success)
	assert.Equal(t, map[string]any{"time": "12:00"}, resp.ToolCalls[0].Result)

	require.NotNil(t, resp.Timing)
	assert.Equal(t, 2, resp.Timing.Iterations)
	require.Len(t, resp.Timing.TimeSegments, 3)
	assert.Equal(t, SegmentModel, resp.Timing.TimeSegments[0].Type)
	assert.Equal(t, SegmentTool, resp.Timing.TimeSegments[1].Type)
	assert.Equal(t, SegmentModel, resp.Timing.TimeSegments[2].Type)

	require.NotNil(t, resp.Cost)
	assert.Greater(t, resp.Cost.Total, 0.0)

	// The second request carries the assistant tool call and its result.
	require.Len(t, bodies, 2)
	second := bodies[1].Messages
	var sawAssistantCall, sawToolResult bool
	for _, m := range second {
		if m.Role == "assistant" && len(m.ToolCalls) > 0 {
			sawAssistantCall = true
		}
		if m.Role == "tool" && m.ToolCallID == "call_1" {
			sawToolResult = true
			assert.Contains(t, m.Content, "12:00")
		}
	}
	assert.True(t, sawAssistantCall)
	assert.True(t, sawToolResult)
}

func TestStructuredOutputDeferredBehindTools(t *testing.T) {
	var bodies []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)

		switch len(bodies) {
		case 1:
			fmt.Fprint(w, `{
				"choices":[{"message":{"tool_calls":[
					{"id":"call_1","type":"function","function":{"name":"get_time","arguments":"{}"}}
				]}}],
				"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}
			}`)
		default:
			fmt.Fprint(w, `{
				"choices":[{"message":{"content":"{\"time\":\"12:00\"}"}}],
				"usage":{"prompt_tokens":6,"completion_tokens":4,"total_tokens":10}
			}`)
		}
	}))
	defer server.Close()

	executor, _ := clockTools()
	g := newTestGateway(executor, registry.ProviderXAI, server.URL)

	resp, _, err := g.ExecuteProviderRequest(context.Background(), "", &Request{
		Model:    "grok-3-latest",
		Messages: []Message{{Role: RoleUser, Content: "report the time as JSON"}},
		Tools:    []Tool{{ID: "get_time"}},
		ResponseFormat: map[string]any{
			"type":       "object",
			"properties": map[string]any{"time": map[string]any{"type": "string"}},
		},
	})

	require.NoError(t, err)
	assert.JSONEq(t, `{"time":"12:00"}`, resp.Content)
	require.Len(t, bodies, 2)

	// Grok cannot take response_format and tools together: the first call
	// carries tools only, the final call the schema only.
	first, second := bodies[0], bodies[1]
	assert.Contains(t, first, "tools")
	assert.NotContains(t, first, "response_format")
	assert.NotContains(t, second, "tools")
	assert.Contains(t, second, "response_format")
	assert.Equal(t, 2, resp.Timing.Iterations)
}

func TestPlainStreamingWithoutTools(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hello \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"world\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":4,\"completion_tokens\":2,\"total_tokens\":6}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	g := newTestGateway(tools.NewRegistry(), registry.ProviderOpenAI, server.URL)

	resp, streaming, err := g.ExecuteProviderRequest(context.Background(), "", &Request{
		Model:    "gpt-4o",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Stream:   true,
	})

	require.NoError(t, err)
	require.Nil(t, resp)
	require.NotNil(t, streaming)

	data, err := io.ReadAll(streaming.Stream)
	require.NoError(t, err)
	require.NoError(t, streaming.Stream.Close())

	assert.Equal(t, "Hello world", string(data))
	assert.True(t, streaming.Execution.IsStreaming)
	assert.Equal(t, "Hello world", streaming.Execution.Content)
	assert.Equal(t, 6, streaming.Execution.Tokens.Total)
	require.NotNil(t, streaming.Execution.Timing)
	assert.Equal(t, 1, streaming.Execution.Timing.Iterations)
	require.NotNil(t, streaming.Execution.Cost)
}

func TestAnthropicStreamingWithForcedToolEmitsFrames(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		var body anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		switch requests {
		case 1:
			assert.False(t, body.Stream)
			assert.Equal(t, map[string]any{"type": "tool", "name": "get_time"}, body.ToolChoice)
			fmt.Fprint(w, `{
				"content":[{"type":"tool_use","id":"toolu_1","name":"get_time","input":{}}],
				"stop_reason":"tool_use",
				"usage":{"input_tokens":9,"output_tokens":3}
			}`)
		default:
			assert.True(t, body.Stream)
			w.Header().Set("Content-Type", "text/event-stream")
			for _, e := range []string{
				`{"type":"message_start","message":{"usage":{"input_tokens":11}}}`,
				`{"type":"content_block_delta","delta":{"type":"text_delta","text":"The time is noon."}}`,
				`{"type":"message_delta","usage":{"output_tokens":5}}`,
				`{"type":"message_stop"}`,
			} {
				fmt.Fprintf(w, "data: %s\n\n", e)
			}
		}
	}))
	defer server.Close()

	executor, toolCalls := clockTools()
	g := newTestGateway(executor, registry.ProviderAnthropic, server.URL)

	_, streaming, err := g.ExecuteProviderRequest(context.Background(), "", &Request{
		Model:           "claude-sonnet-4-0",
		Messages:        []Message{{Role: RoleUser, Content: "what time is it?"}},
		Tools:           []Tool{{ID: "get_time", UsageControl: UsageForce}},
		Stream:          true,
		StreamToolCalls: true,
	})

	require.NoError(t, err)
	require.NotNil(t, streaming)

	data, err := io.ReadAll(streaming.Stream)
	require.NoError(t, err)

	prose, events := StripToolCallEvents(string(data))
	assert.Equal(t, "The time is noon.", strings.TrimSpace(prose))
	require.Len(t, events, 3)
	assert.Equal(t, "tool_call_detected", events[0]["type"])
	assert.Equal(t, "tool_calls_start", events[1]["type"])
	assert.Equal(t, "tool_call_complete", events[2]["type"])
	assert.Equal(t, "Getting the time", events[0]["toolCall"].(map[string]any)["displayName"])

	assert.Equal(t, int32(1), toolCalls.Load())
	assert.Equal(t, 2, streaming.Execution.Timing.Iterations)
	assert.Equal(t, "The time is noon.", streaming.Execution.Content)
}

func TestForcedToolSequencing(t *testing.T) {
	var choices []any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		choices = append(choices, body["tool_choice"])

		switch len(choices) {
		case 1:
			fmt.Fprint(w, `{"choices":[{"message":{"tool_calls":[
				{"id":"c1","type":"function","function":{"name":"lookup_user","arguments":"{\"id\":\"u1\"}"}}
			]}}],"usage":{"total_tokens":5}}`)
		case 2:
			fmt.Fprint(w, `{"choices":[{"message":{"tool_calls":[
				{"id":"c2","type":"function","function":{"name":"send_email","arguments":"{\"to\":\"u1\"}"}}
			]}}],"usage":{"total_tokens":5}}`)
		default:
			fmt.Fprint(w, `{"choices":[{"message":{"content":"Sent."}}],"usage":{"total_tokens":4}}`)
		}
	}))
	defer server.Close()

	var order []string
	executor := tools.NewRegistry()
	for _, name := range []string{"lookup_user", "send_email"} {
		executor.Register(name, func(ctx context.Context, params map[string]any) (map[string]any, error) {
			order = append(order, name)
			return map[string]any{"ok": true}, nil
		})
	}

	g := newTestGateway(executor, registry.ProviderOpenAI, server.URL)
	resp, _, err := g.ExecuteProviderRequest(context.Background(), "", &Request{
		Model:    "gpt-4o",
		Messages: []Message{{Role: RoleUser, Content: "email user u1"}},
		Tools: []Tool{
			{ID: "lookup_user", UsageControl: UsageForce},
			{ID: "send_email", UsageControl: UsageForce},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "Sent.", resp.Content)
	assert.Equal(t, []string{"lookup_user", "send_email"}, order)

	require.Len(t, choices, 3)
	first := choices[0].(map[string]any)
	assert.Equal(t, "lookup_user", first["function"].(map[string]any)["name"])
	second := choices[1].(map[string]any)
	assert.Equal(t, "send_email", second["function"].(map[string]any)["name"])
	assert.Equal(t, "auto", choices[2])
	assert.Equal(t, 3, resp.Timing.Iterations)
}

func TestDuplicateToolCallGuard(t *testing.T) {
	var bodies []chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)

		switch len(bodies) {
		case 1:
			fmt.Fprint(w, `{"choices":[{"message":{"tool_calls":[
				{"id":"c1","type":"function","function":{"name":"get_time","arguments":"{}"}}
			]}}],"usage":{"total_tokens":5}}`)
		case 2:
			// Same tool, same arguments, new id: a loop in the making.
			fmt.Fprint(w, `{"choices":[{"message":{"tool_calls":[
				{"id":"c2","type":"function","function":{"name":"get_time","arguments":"{}"}}
			]}}],"usage":{"total_tokens":5}}`)
		default:
			fmt.Fprint(w, `{"choices":[{"message":{"content":"Final answer."}}],"usage":{"total_tokens":4}}`)
		}
	}))
	defer server.Close()

	executor, toolCalls := clockTools()
	g := newTestGateway(executor, registry.ProviderOpenAI, server.URL)

	resp, _, err := g.ExecuteProviderRequest(context.Background(), "", &Request{
		Model:    "gpt-4o",
		Messages: []Message{{Role: RoleUser, Content: "time?"}},
		Tools:    []Tool{{ID: "get_time"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "Final answer.", resp.Content)
	assert.Equal(t, int32(1), toolCalls.Load(), "the repeated call must not run again")
	require.Len(t, bodies, 3)
	assert.Equal(t, "none", bodies[2].ToolChoice)
	assert.Equal(t, 3, resp.Timing.Iterations)
}

func TestDuplicateCallsInOneResponseRunOnce(t *testing.T) {
	var bodies []chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)

		if len(bodies) == 1 {
			// The same call twice under different ids, in one response.
			fmt.Fprint(w, `{"choices":[{"message":{"tool_calls":[
				{"id":"c1","type":"function","function":{"name":"get_time","arguments":"{\"tz\":\"UTC\"}"}},
				{"id":"c2","type":"function","function":{"name":"get_time","arguments":"{\"tz\":\"UTC\"}"}}
			]}}],"usage":{"total_tokens":5}}`)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"It is noon."}}],"usage":{"total_tokens":4}}`)
	}))
	defer server.Close()

	executor, toolCalls := clockTools()
	g := newTestGateway(executor, registry.ProviderOpenAI, server.URL)

	resp, _, err := g.ExecuteProviderRequest(context.Background(), "", &Request{
		Model:    "gpt-4o",
		Messages: []Message{{Role: RoleUser, Content: "time?"}},
		Tools:    []Tool{{ID: "get_time"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "It is noon.", resp.Content)
	assert.Equal(t, int32(1), toolCalls.Load(), "identical calls in one response collapse to one execution")
	require.Len(t, resp.ToolCalls, 1)

	// The follow-up conversation carries the surviving call only.
	require.Len(t, bodies, 2)
	var assistantCalls, toolResults int
	for _, m := range bodies[1].Messages {
		if m.Role == "assistant" {
			assistantCalls += len(m.ToolCalls)
		}
		if m.Role == "tool" {
			toolResults++
		}
	}
	assert.Equal(t, 1, assistantCalls)
	assert.Equal(t, 1, toolResults)
}

func TestGoogleForcedToolDefersSchemaToFinalCall(t *testing.T) {
	var bodies []googleRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		var body googleRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)

		if len(bodies) == 1 {
			fmt.Fprint(w, `{
				"candidates":[{"content":{"role":"model","parts":[
					{"functionCall":{"name":"get_weather","args":{"city":"Paris"}}}
				]}}],
				"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":3,"totalTokenCount":10}
			}`)
			return
		}
		fmt.Fprint(w, `{
			"candidates":[{"content":{"role":"model","parts":[{"text":"{\"summary\":\"Sunny\"}"}]}}],
			"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":4,"totalTokenCount":13}
		}`)
	}))
	defer server.Close()

	executor := tools.NewRegistry()
	executor.Register("get_weather", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"conditions": "sunny"}, nil
	})

	g := newTestGateway(executor, registry.ProviderGoogle, server.URL)
	resp, _, err := g.ExecuteProviderRequest(context.Background(), "", &Request{
		Model:    "gemini-2.0-flash",
		Messages: []Message{{Role: RoleUser, Content: "weather in Paris as JSON"}},
		Tools: []Tool{{
			ID:           "get_weather",
			UsageControl: UsageForce,
			Parameters:   map[string]any{"type": "object", "properties": map[string]any{"city": map[string]any{"type": "string"}}},
		}},
		ResponseFormat: map[string]any{
			"name": "weather",
			"schema": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties":           map[string]any{"summary": map[string]any{"type": "string"}},
			},
		},
	})

	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"Sunny"}`, resp.Content)
	require.Len(t, bodies, 2)

	// The tool-bearing call carries the forced config and no schema.
	first := bodies[0]
	require.Len(t, first.Tools, 1)
	require.NotNil(t, first.ToolConfig)
	assert.Equal(t, "ANY", first.ToolConfig.FunctionCallingConfig.Mode)
	assert.Equal(t, []string{"get_weather"}, first.ToolConfig.FunctionCallingConfig.AllowedFunctionNames)
	if first.GenerationConfig != nil {
		assert.Empty(t, first.GenerationConfig.ResponseSchema)
		assert.Empty(t, first.GenerationConfig.ResponseMimeType)
	}

	// The final toolless call carries the cleaned schema.
	second := bodies[1]
	assert.Empty(t, second.Tools)
	assert.Nil(t, second.ToolConfig)
	require.NotNil(t, second.GenerationConfig)
	assert.Equal(t, "application/json", second.GenerationConfig.ResponseMimeType)
	schema := second.GenerationConfig.ResponseSchema
	require.NotNil(t, schema)
	assert.NotContains(t, schema, "additionalProperties")
	assert.Contains(t, schema["properties"].(map[string]any), "summary")

	assert.Equal(t, 2, resp.Timing.Iterations)
	assert.Equal(t, 23, resp.Tokens.Total)
}

func TestToolFailureFeedsBackToModel(t *testing.T) {
	var bodies []chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)

		if len(bodies) == 1 {
			fmt.Fprint(w, `{"choices":[{"message":{"tool_calls":[
				{"id":"c1","type":"function","function":{"name":"flaky","arguments":"{}"}}
			]}}],"usage":{"total_tokens":5}}`)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"I could not check."}}],"usage":{"total_tokens":4}}`)
	}))
	defer server.Close()

	executor := tools.NewRegistry()
	executor.Register("flaky", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("upstream offline")
	})

	g := newTestGateway(executor, registry.ProviderOpenAI, server.URL)
	resp, _, err := g.ExecuteProviderRequest(context.Background(), "", &Request{
		Model:    "gpt-4o",
		Messages: []Message{{Role: RoleUser, Content: "check"}},
		Tools:    []Tool{{ID: "flaky"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "I could not check.", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.False(t, resp.ToolCalls[0].Success)
	assert.Contains(t, resp.ToolCalls[0].Error, "upstream offline")
	assert.Empty(t, resp.ToolResults)

	var feedback string
	for _, m := range bodies[1].Messages {
		if m.Role == "tool" {
			feedback, _ = m.Content.(string)
		}
	}
	assert.Contains(t, feedback, `"error":true`)
	assert.Contains(t, feedback, "upstream offline")
}

func TestToolParamsMergedUnderModelArguments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if len(body.Messages) <= 2 {
			fmt.Fprint(w, `{"choices":[{"message":{"tool_calls":[
				{"id":"c1","type":"function","function":{"name":"search","arguments":"{\"query\":\"weather\"}"}}
			]}}],"usage":{"total_tokens":5}}`)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"Done."}}],"usage":{"total_tokens":4}}`)
	}))
	defer server.Close()

	var gotParams map[string]any
	executor := tools.NewRegistry()
	executor.Register("search", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		gotParams = params
		return map[string]any{"hits": 3}, nil
	})

	g := newTestGateway(executor, registry.ProviderOpenAI, server.URL)
	_, _, err := g.ExecuteProviderRequest(context.Background(), "", &Request{
		Model:      "gpt-4o",
		Messages:   []Message{{Role: RoleUser, Content: "search weather"}},
		WorkflowID: "wf-9",
		ChatID:     "chat-3",
		Tools: []Tool{{
			ID:     "search",
			Params: map[string]any{"query": "ignored", "limit": 10},
		}},
	})

	require.NoError(t, err)
	require.NotNil(t, gotParams)
	assert.Equal(t, "weather", gotParams["query"], "the model's value wins at a shared key")
	assert.Equal(t, 10, gotParams["limit"])
	assert.Equal(t, "wf-9", gotParams["workflowId"])
	assert.Equal(t, "chat-3", gotParams["chatId"])
}

func TestUndeclaredToolIsSkipped(t *testing.T) {
	var bodies int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bodies++
		if bodies == 1 {
			fmt.Fprint(w, `{"choices":[{"message":{"tool_calls":[
				{"id":"c1","type":"function","function":{"name":"phantom","arguments":"{}"}}
			]}}],"usage":{"total_tokens":5}}`)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"Moving on."}}],"usage":{"total_tokens":4}}`)
	}))
	defer server.Close()

	g := newTestGateway(tools.NewRegistry(), registry.ProviderOpenAI, server.URL)
	resp, _, err := g.ExecuteProviderRequest(context.Background(), "", &Request{
		Model:    "gpt-4o",
		Messages: []Message{{Role: RoleUser, Content: "go"}},
		Tools:    []Tool{{ID: "real_tool"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "Moving on.", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.False(t, resp.ToolCalls[0].Success)
	assert.Contains(t, resp.ToolCalls[0].Error, "not declared")
}

func TestMissingKeyFails(t *testing.T) {
	g := NewGateway(registry.New(), tools.NewRegistry(),
		WithKeySource(emptyKeys{}))

	_, _, err := g.ExecuteProviderRequest(context.Background(), "", &Request{
		Model:    "gpt-4o",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Message, "no API key")
}

type emptyKeys struct{}

func (emptyKeys) RotatingKey(string) (string, error) { return "", nil }

func TestRequestKeyFallsBackWhenPoolEmpty(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"hi"}}],"usage":{}}`)
	}))
	defer server.Close()

	g := NewGateway(registry.New(), tools.NewRegistry(),
		WithKeySource(emptyKeys{}),
		WithProviderBaseURL(registry.ProviderOpenAI, server.URL))

	_, _, err := g.ExecuteProviderRequest(context.Background(), "", &Request{
		Model:    "gpt-4o",
		APIKey:   "request-key",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "Bearer request-key", gotAuth)
}

func TestProviderErrorCarriesTiming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"bad request"}`)
	}))
	defer server.Close()

	g := newTestGateway(tools.NewRegistry(), registry.ProviderOpenAI, server.URL)
	_, _, err := g.ExecuteProviderRequest(context.Background(), "", &Request{
		Model:    "gpt-4o",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusBadRequest, pe.Status)
	require.NotNil(t, pe.Timing)
	assert.Equal(t, 1, pe.Timing.Iterations)
}

func TestContextBecomesLeadingUserTurn(t *testing.T) {
	var gotBody chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}],"usage":{}}`)
	}))
	defer server.Close()

	g := newTestGateway(tools.NewRegistry(), registry.ProviderOpenAI, server.URL)
	_, _, err := g.ExecuteProviderRequest(context.Background(), "", &Request{
		Model:        "gpt-4o",
		SystemPrompt: "Be brief.",
		Context:      "Previously discussed: invoices.",
		Messages:     []Message{{Role: RoleUser, Content: "continue"}},
	})

	require.NoError(t, err)
	require.GreaterOrEqual(t, len(gotBody.Messages), 3)
	assert.Equal(t, "system", gotBody.Messages[0].Role)
	assert.Equal(t, "Previously discussed: invoices.", gotBody.Messages[1].Content)
	assert.Equal(t, "continue", gotBody.Messages[2].Content)
}

func TestIterationCap(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		// Always demand another distinct tool call.
		fmt.Fprintf(w, `{"choices":[{"message":{"tool_calls":[
			{"id":"c%d","type":"function","function":{"name":"get_time","arguments":"{\"n\":%d}"}}
		]}}],"usage":{"total_tokens":5}}`, requests, requests)
	}))
	defer server.Close()

	executor, toolCalls := clockTools()
	g := newTestGateway(executor, registry.ProviderOpenAI, server.URL)

	resp, _, err := g.ExecuteProviderRequest(context.Background(), "", &Request{
		Model:    "gpt-4o",
		Messages: []Message{{Role: RoleUser, Content: "loop"}},
		Tools:    []Tool{{ID: "get_time"}},
	})

	require.NoError(t, err)
	assert.Equal(t, MaxIterations, resp.Timing.Iterations)
	assert.Equal(t, int32(MaxIterations-1), toolCalls.Load())
}
