package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modelrelay/modelrelay/pkg/httpclient"
	"github.com/modelrelay/modelrelay/pkg/registry"
)

const (
	anthropicDefaultBaseURL  = "https://api.anthropic.com"
	anthropicAPIVersion      = "2023-06-01"
	anthropicDefaultMaxToken = 4096
)

// Anthropic talks to the Messages API. Structured output is driven through
// a rigid system-prompt template because the API has no response_format.
type Anthropic struct {
	apiKey  string
	baseURL string
	client  *httpclient.Client
}

// AnthropicOption tweaks the adapter.
type AnthropicOption func(*Anthropic)

func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(p *Anthropic) { p.baseURL = strings.TrimRight(url, "/") }
}

func WithAnthropicClient(c *httpclient.Client) AnthropicOption {
	return func(p *Anthropic) { p.client = c }
}

func NewAnthropic(apiKey string, opts ...AnthropicOption) *Anthropic {
	p := &Anthropic{apiKey: apiKey, baseURL: anthropicDefaultBaseURL}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = httpclient.New(httpclient.WithHeaderParser(httpclient.ParseAnthropicRateLimitHeaders))
	}
	return p
}

func (p *Anthropic) ID() string { return registry.ProviderAnthropic }

func (p *Anthropic) SupportsStructuredOutput() bool { return true }

// wire types

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	ToolChoice  map[string]any     `json:"tool_choice,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// synthesizeToolCallID fills in ids the model omitted so tool results can
// still be correlated.
func synthesizeToolCallID(name string) string {
	return fmt.Sprintf("%s-%d-%s", name, time.Now().UnixMilli(), uuid.NewString()[:8])
}

func (p *Anthropic) buildRequest(spec *CallSpec, stream bool) *anthropicRequest {
	req := &anthropicRequest{
		Model:       spec.Model,
		MaxTokens:   spec.MaxTokens,
		Temperature: spec.Temperature,
		Stream:      stream,
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = anthropicDefaultMaxToken
	}

	system := spec.System
	if spec.Schema != nil {
		system = anthropicSchemaPrompt(system, spec.Schema)
	}

	req.Messages = toAnthropicMessages(spec.Messages)
	if len(req.Messages) == 0 {
		// The Messages API rejects an empty conversation. Promote the system
		// prompt to a user turn, or fall back to a greeting.
		if system != "" {
			req.Messages = []anthropicMessage{{
				Role:    "user",
				Content: []anthropicBlock{{Type: "text", Text: system}},
			}}
			system = ""
		} else {
			req.Messages = []anthropicMessage{{
				Role:    "user",
				Content: []anthropicBlock{{Type: "text", Text: "Hello"}},
			}}
		}
	}
	req.System = system

	// Switching tools off means omitting both tools and tool_choice; an
	// explicit "none" is rejected.
	if len(spec.Tools) > 0 && spec.Steering.Mode != SteerNone {
		for _, t := range spec.Tools {
			params := t.Parameters
			if params == nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			req.Tools = append(req.Tools, anthropicTool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: params,
			})
		}
		// Auto is the API default; only a forced tool needs the parameter.
		if spec.Steering.Mode == SteerForce {
			req.ToolChoice = map[string]any{"type": "tool", "name": spec.Steering.Tool}
		}
	}
	return req
}

func toAnthropicMessages(messages []Message) []anthropicMessage {
	var out []anthropicMessage
	push := func(role string, blocks ...anthropicBlock) {
		// The API requires strict user/assistant alternation; merge
		// consecutive same-role turns into one content list.
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropicMessage{Role: role, Content: blocks})
	}

	for _, m := range messages {
		switch m.Role {
		case RoleUser:
			push("user", anthropicBlock{Type: "text", Text: m.Content})
		case RoleAssistant:
			var blocks []anthropicBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				id := tc.ID
				if id == "" {
					id = synthesizeToolCallID(tc.Name)
				}
				input := tc.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: id, Name: tc.Name, Input: input})
			}
			if len(blocks) > 0 {
				push("assistant", blocks...)
			}
		case RoleTool:
			push("user", anthropicBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content})
		case RoleSystem:
			// System turns inside the list are folded into user turns; the
			// real system prompt rides the top-level field.
			push("user", anthropicBlock{Type: "text", Text: m.Content})
		}
	}
	return out
}

func (p *Anthropic) do(ctx context.Context, spec *CallSpec, stream bool) (*http.Response, error) {
	body, err := json.Marshal(p.buildRequest(spec, stream))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		perr := &ProviderError{Provider: p.ID(), Model: spec.Model, Message: err.Error(), Err: err}
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
			Provider: p.ID(),
			Model:    spec.Model,
			Status:   resp.StatusCode,
			Message:  strings.TrimSpace(string(data)),
		}
	}
	return resp, nil
}

// Call performs one buffered Messages round-trip.
func (p *Anthropic) Call(ctx context.Context, spec *CallSpec) (*Turn, error) {
	resp, err := p.do(ctx, spec, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &ProviderError{Provider: p.ID(), Model: spec.Model, Message: "failed to decode response", Err: err}
	}

	turn := &Turn{Usage: TokenUsage{
		Prompt:     wire.Usage.InputTokens,
		Completion: wire.Usage.OutputTokens,
		Total:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
	}}
	var text strings.Builder
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			id := block.ID
			if id == "" {
				id = synthesizeToolCallID(block.Name)
			}
			args := map[string]any{}
			if len(block.Input) > 0 {
				_ = json.Unmarshal(block.Input, &args)
			}
			turn.ToolCalls = append(turn.ToolCalls, ToolCall{ID: id, Name: block.Name, Arguments: args})
		}
	}
	turn.Text = text.String()
	return turn, nil
}

// CallStreaming performs one SSE Messages round-trip. Text deltas stream
// out immediately; tool_use blocks are assembled from input_json_delta
// fragments and emitted on content_block_stop.
func (p *Anthropic) CallStreaming(ctx context.Context, spec *CallSpec) (<-chan StreamChunk, error) {
	resp, err := p.do(ctx, spec, true)
	if err != nil {
		return nil, err
	}

	chunks := make(chan StreamChunk, 16)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		type pendingTool struct {
			id   string
			name string
			args strings.Builder
		}
		var current *pendingTool
		usage := TokenUsage{}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event struct {
				Type         string `json:"type"`
				ContentBlock struct {
					Type string `json:"type"`
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"content_block"`
				Delta struct {
					Type        string `json:"type"`
					Text        string `json:"text"`
					PartialJSON string `json:"partial_json"`
				} `json:"delta"`
				Message struct {
					Usage struct {
						InputTokens int `json:"input_tokens"`
					} `json:"usage"`
				} `json:"message"`
				Usage struct {
					OutputTokens int `json:"output_tokens"`
				} `json:"usage"`
			}
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}

			switch event.Type {
			case "message_start":
				usage.Prompt = event.Message.Usage.InputTokens
			case "content_block_start":
				if event.ContentBlock.Type == "tool_use" {
					current = &pendingTool{id: event.ContentBlock.ID, name: event.ContentBlock.Name}
				}
			case "content_block_delta":
				switch event.Delta.Type {
				case "text_delta":
					chunks <- StreamChunk{Type: "text", Text: event.Delta.Text}
				case "input_json_delta":
					if current != nil {
						current.args.WriteString(event.Delta.PartialJSON)
					}
				}
			case "content_block_stop":
				if current != nil {
					id := current.id
					if id == "" {
						id = synthesizeToolCallID(current.name)
					}
					chunks <- StreamChunk{Type: "tool_call", ToolCall: &ToolCall{
						ID:        id,
						Name:      current.name,
						Arguments: parseArguments(current.args.String()),
					}}
					current = nil
				}
			case "message_delta":
				usage.Completion = event.Usage.OutputTokens
			case "message_stop":
				usage.Total = usage.Prompt + usage.Completion
				chunks <- StreamChunk{Type: "done", Usage: &usage}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			chunks <- StreamChunk{Type: "error", Err: err}
			return
		}
		usage.Total = usage.Prompt + usage.Completion
		chunks <- StreamChunk{Type: "done", Usage: &usage}
	}()
	return chunks, nil
}

// anthropicSchemaPrompt appends the structured-output contract the model
// must honor. The rules are deliberately blunt; softer phrasing produces
// wrapped or annotated JSON.
func anthropicSchemaPrompt(system string, schema *ResponseSchema) string {
	data, err := json.MarshalIndent(schema.Schema, "", "  ")
	if err != nil {
		return system
	}
	prompt := "You must respond with a JSON object matching exactly this structure:\n" +
		string(data) + "\n" +
		"Rules:\n" +
		"1. Respond with JSON only. No explanatory prose before or after.\n" +
		"2. Do not wrap the object in an array.\n" +
		"3. Do not add fields that are not in the structure.\n" +
		"4. Every field in the structure must be present.\n" +
		"5. The output must parse under a strict JSON parser."
	if system == "" {
		return prompt
	}
	return system + "\n\n" + prompt
}
