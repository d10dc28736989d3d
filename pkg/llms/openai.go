package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/modelrelay/modelrelay/pkg/httpclient"
	"github.com/modelrelay/modelrelay/pkg/registry"
)

// familyProfile captures how one OpenAI-compatible backend deviates from
// the base chat completions contract.
type familyProfile struct {
	id               string
	baseURL          string
	modelPrefix      string // stripped before the wire, e.g. "groq/"
	structuredOutput bool   // native json_schema response_format
	headerParser     func(http.Header) httpclient.RateLimitInfo
}

var familyProfiles = map[string]familyProfile{
	registry.ProviderOpenAI: {
		id:               registry.ProviderOpenAI,
		baseURL:          "https://api.openai.com/v1",
		structuredOutput: true,
		headerParser:     httpclient.ParseOpenAIRateLimitHeaders,
	},
	registry.ProviderAzureOpenAI: {
		id:               registry.ProviderAzureOpenAI,
		modelPrefix:      "azure/",
		structuredOutput: true,
		headerParser:     httpclient.ParseOpenAIRateLimitHeaders,
	},
	// Grok supports json_schema but rejects it alongside tools; the loop
	// defers the schema to a final tool-free call (schemaNeedsSeparation).
	registry.ProviderXAI: {
		id:               registry.ProviderXAI,
		baseURL:          "https://api.x.ai/v1",
		structuredOutput: true,
		headerParser:     httpclient.ParseOpenAIRateLimitHeaders,
	},
	registry.ProviderDeepSeek: {
		id:               registry.ProviderDeepSeek,
		baseURL:          "https://api.deepseek.com/v1",
		structuredOutput: true,
		headerParser:     httpclient.ParseOpenAIRateLimitHeaders,
	},
	registry.ProviderGroq: {
		id:           registry.ProviderGroq,
		baseURL:      "https://api.groq.com/openai/v1",
		modelPrefix:  "groq/",
		headerParser: httpclient.ParseOpenAIRateLimitHeaders,
	},
	registry.ProviderCerebras: {
		id:           registry.ProviderCerebras,
		baseURL:      "https://api.cerebras.ai/v1",
		modelPrefix:  "cerebras/",
		headerParser: httpclient.ParseOpenAIRateLimitHeaders,
	},
}

// OpenAIFamily talks to any chat-completions compatible backend.
type OpenAIFamily struct {
	profile         familyProfile
	apiKey          string
	baseURL         string
	azureEndpoint   string
	azureAPIVersion string
	client          *httpclient.Client
	reg             *registry.Registry
}

// FamilyOption tweaks an OpenAI-family adapter.
type FamilyOption func(*OpenAIFamily)

// WithFamilyBaseURL points the adapter at a different endpoint, mainly for
// tests and proxies.
func WithFamilyBaseURL(url string) FamilyOption {
	return func(p *OpenAIFamily) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithFamilyClient substitutes the retrying HTTP client.
func WithFamilyClient(c *httpclient.Client) FamilyOption {
	return func(p *OpenAIFamily) { p.client = c }
}

// WithAzureDeployment configures the Azure endpoint and api-version used to
// build deployment URLs.
func WithAzureDeployment(endpoint, apiVersion string) FamilyOption {
	return func(p *OpenAIFamily) {
		p.azureEndpoint = strings.TrimRight(endpoint, "/")
		p.azureAPIVersion = apiVersion
	}
}

// NewOpenAIFamily builds an adapter for the given family provider id.
func NewOpenAIFamily(providerID, apiKey string, reg *registry.Registry, opts ...FamilyOption) (*OpenAIFamily, error) {
	profile, ok := familyProfiles[providerID]
	if !ok {
		return nil, fmt.Errorf("not an openai-family provider: %s", providerID)
	}
	p := &OpenAIFamily{
		profile: profile,
		apiKey:  apiKey,
		baseURL: profile.baseURL,
		reg:     reg,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = httpclient.New(httpclient.WithHeaderParser(profile.headerParser))
	}
	return p, nil
}

func (p *OpenAIFamily) ID() string { return p.profile.id }

func (p *OpenAIFamily) SupportsStructuredOutput() bool { return p.profile.structuredOutput }

// wire types

type chatRequest struct {
	Model               string              `json:"model,omitempty"`
	Messages            []chatMessage       `json:"messages"`
	Temperature         *float64            `json:"temperature,omitempty"`
	MaxTokens           int                 `json:"max_tokens,omitempty"`
	MaxCompletionTokens int                 `json:"max_completion_tokens,omitempty"`
	Tools               []chatTool          `json:"tools,omitempty"`
	ToolChoice          any                 `json:"tool_choice,omitempty"`
	ResponseFormat      *chatResponseFormat `json:"response_format,omitempty"`
	Stream              bool                `json:"stream,omitempty"`
	StreamOptions       *chatStreamOptions  `json:"stream_options,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatResponseFormat struct {
	Type       string          `json:"type"`
	JSONSchema *chatJSONSchema `json:"json_schema,omitempty"`
}

type chatJSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict"`
}

type chatStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []chatToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage chatUsage `json:"usage"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatStreamEvent struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

func (p *OpenAIFamily) wireModel(model string) string {
	return strings.TrimPrefix(model, p.profile.modelPrefix)
}

func (p *OpenAIFamily) buildRequest(spec *CallSpec, stream bool) *chatRequest {
	req := &chatRequest{
		Model:       p.wireModel(spec.Model),
		Temperature: spec.Temperature,
		Stream:      stream,
	}
	if stream {
		req.StreamOptions = &chatStreamOptions{IncludeUsage: true}
	}

	if cap, ok := p.reg.Capability(spec.Model); ok && cap.Temperature == nil {
		// Reasoning models take max_completion_tokens instead.
		req.MaxCompletionTokens = spec.MaxTokens
	} else {
		req.MaxTokens = spec.MaxTokens
	}

	system := spec.System
	if spec.Schema != nil && !p.profile.structuredOutput {
		system = appendSchemaInstructions(system, spec.Schema)
	} else if spec.Schema != nil {
		req.ResponseFormat = &chatResponseFormat{
			Type: "json_schema",
			JSONSchema: &chatJSONSchema{
				Name:   spec.Schema.Name,
				Schema: spec.Schema.Schema,
				Strict: spec.Schema.Strict,
			},
		}
	}

	if system != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: system})
	}
	for _, m := range spec.Messages {
		req.Messages = append(req.Messages, toChatMessage(m))
	}

	for _, t := range spec.Tools {
		req.Tools = append(req.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if len(req.Tools) > 0 {
		switch spec.Steering.Mode {
		case SteerForce:
			req.ToolChoice = map[string]any{
				"type":     "function",
				"function": map[string]any{"name": spec.Steering.Tool},
			}
		case SteerNone:
			req.ToolChoice = "none"
		default:
			req.ToolChoice = "auto"
		}
	}
	return req
}

func toChatMessage(m Message) chatMessage {
	cm := chatMessage{Role: string(m.Role), Content: m.Content}
	switch m.Role {
	case RoleAssistant:
		if len(m.ToolCalls) > 0 {
			cm.Content = nil
			for _, tc := range m.ToolCalls {
				wire := chatToolCall{ID: tc.ID, Type: "function"}
				wire.Function.Name = tc.Name
				wire.Function.Arguments = marshalArguments(tc.Arguments)
				cm.ToolCalls = append(cm.ToolCalls, wire)
			}
		}
	case RoleTool:
		cm.ToolCallID = m.ToolCallID
	}
	return cm
}

func marshalArguments(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func parseArguments(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		slog.Debug("unparseable tool arguments, passing empty set", "error", err)
		return map[string]any{}
	}
	return args
}

func (p *OpenAIFamily) endpoint(model string) string {
	if p.profile.id == registry.ProviderAzureOpenAI {
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			p.azureEndpoint, p.wireModel(model), p.azureAPIVersion)
	}
	return p.baseURL + "/chat/completions"
}

func (p *OpenAIFamily) do(ctx context.Context, spec *CallSpec, stream bool) (*http.Response, error) {
	body, err := json.Marshal(p.buildRequest(spec, stream))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(spec.Model), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.profile.id == registry.ProviderAzureOpenAI {
		httpReq.Header.Set("api-key", p.apiKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		perr := &ProviderError{Provider: p.profile.id, Model: spec.Model, Message: err.Error(), Err: err}
		var re *httpclient.RetryableError
		if errors.As(err, &re) {
			perr.Status = re.StatusCode
		}
		return nil, perr
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ProviderError{
			Provider: p.profile.id,
			Model:    spec.Model,
			Status:   resp.StatusCode,
			Message:  strings.TrimSpace(string(data)),
		}
	}
	return resp, nil
}

// Call performs one buffered chat completion.
func (p *OpenAIFamily) Call(ctx context.Context, spec *CallSpec) (*Turn, error) {
	resp, err := p.do(ctx, spec, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &ProviderError{Provider: p.profile.id, Model: spec.Model, Message: "failed to decode response", Err: err}
	}
	if len(wire.Choices) == 0 {
		return nil, &ProviderError{Provider: p.profile.id, Model: spec.Model, Message: "response contained no choices"}
	}

	choice := wire.Choices[0]
	turn := &Turn{
		Text: choice.Message.Content,
		Usage: TokenUsage{
			Prompt:     wire.Usage.PromptTokens,
			Completion: wire.Usage.CompletionTokens,
			Total:      wire.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		turn.ToolCalls = append(turn.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: parseArguments(tc.Function.Arguments),
		})
	}
	return turn, nil
}

// CallStreaming performs one SSE chat completion, emitting text deltas as
// they arrive and any tool calls once their fragments are complete.
func (p *OpenAIFamily) CallStreaming(ctx context.Context, spec *CallSpec) (<-chan StreamChunk, error) {
	resp, err := p.do(ctx, spec, true)
	if err != nil {
		return nil, err
	}

	chunks := make(chan StreamChunk, 16)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		type pendingCall struct {
			id   string
			name string
			args strings.Builder
		}
		pending := make(map[int]*pendingCall)
		var usage *TokenUsage

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				break
			}

			var event chatStreamEvent
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				continue
			}
			if event.Usage != nil {
				usage = &TokenUsage{
					Prompt:     event.Usage.PromptTokens,
					Completion: event.Usage.CompletionTokens,
					Total:      event.Usage.TotalTokens,
				}
			}
			for _, choice := range event.Choices {
				if choice.Delta.Content != "" {
					chunks <- StreamChunk{Type: "text", Text: choice.Delta.Content}
				}
				for _, tc := range choice.Delta.ToolCalls {
					pc := pending[tc.Index]
					if pc == nil {
						pc = &pendingCall{}
						pending[tc.Index] = pc
					}
					if tc.ID != "" {
						pc.id = tc.ID
					}
					if tc.Function.Name != "" {
						pc.name = tc.Function.Name
					}
					pc.args.WriteString(tc.Function.Arguments)
				}
			}
		}
		if err := scanner.Err(); err != nil {
			chunks <- StreamChunk{Type: "error", Err: err}
			return
		}

		indexes := make([]int, 0, len(pending))
		for i := range pending {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			pc := pending[i]
			chunks <- StreamChunk{Type: "tool_call", ToolCall: &ToolCall{
				ID:        pc.id,
				Name:      pc.name,
				Arguments: parseArguments(pc.args.String()),
			}}
		}
		chunks <- StreamChunk{Type: "done", Usage: usage}
	}()
	return chunks, nil
}

// appendSchemaInstructions folds a schema into the system prompt for
// backends without native structured output.
func appendSchemaInstructions(system string, schema *ResponseSchema) string {
	data, err := json.Marshal(schema.Schema)
	if err != nil {
		return system
	}
	instr := "Your entire response must be a single JSON object that validates against this JSON schema:\n" +
		string(data) +
		"\nReturn valid JSON only, with no surrounding prose."
	if system == "" {
		return instr
	}
	return system + "\n\n" + instr
}
