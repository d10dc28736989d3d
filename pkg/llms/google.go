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

	"github.com/modelrelay/modelrelay/pkg/httpclient"
	"github.com/modelrelay/modelrelay/pkg/registry"
)

const googleDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Google talks to the Gemini generateContent API.
type Google struct {
	apiKey  string
	baseURL string
	client  *httpclient.Client
}

// GoogleOption tweaks the adapter.
type GoogleOption func(*Google)

func WithGoogleBaseURL(url string) GoogleOption {
	return func(p *Google) { p.baseURL = strings.TrimRight(url, "/") }
}

func WithGoogleClient(c *httpclient.Client) GoogleOption {
	return func(p *Google) { p.client = c }
}

func NewGoogle(apiKey string, opts ...GoogleOption) *Google {
	p := &Google{apiKey: apiKey, baseURL: googleDefaultBaseURL}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = httpclient.New(httpclient.WithHeaderParser(httpclient.ParseGoogleRateLimitHeaders))
	}
	return p
}

func (p *Google) ID() string { return registry.ProviderGoogle }

func (p *Google) SupportsStructuredOutput() bool { return true }

// wire types

type googleRequest struct {
	Contents          []googleContent   `json:"contents"`
	SystemInstruction *googleContent    `json:"systemInstruction,omitempty"`
	Tools             []googleToolSet   `json:"tools,omitempty"`
	ToolConfig        *googleToolConfig `json:"toolConfig,omitempty"`
	GenerationConfig  *googleGenConfig  `json:"generationConfig,omitempty"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text         string              `json:"text,omitempty"`
	FunctionCall *googleFunctionCall `json:"functionCall,omitempty"`
}

type googleFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type googleToolSet struct {
	FunctionDeclarations []googleFunctionDecl `json:"functionDeclarations"`
}

type googleFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type googleToolConfig struct {
	FunctionCallingConfig googleFunctionCallingConfig `json:"functionCallingConfig"`
}

type googleFunctionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type googleGenConfig struct {
	Temperature      *float64       `json:"temperature,omitempty"`
	MaxOutputTokens  int            `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type googleResponse struct {
	Candidates []struct {
		Content googleContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (p *Google) buildRequest(spec *CallSpec) *googleRequest {
	req := &googleRequest{}

	if spec.System != "" {
		req.SystemInstruction = &googleContent{Parts: []googlePart{{Text: spec.System}}}
	}

	for _, m := range spec.Messages {
		switch m.Role {
		case RoleUser, RoleSystem:
			req.Contents = append(req.Contents, googleContent{
				Role:  "user",
				Parts: []googlePart{{Text: m.Content}},
			})
		case RoleAssistant:
			var parts []googlePart
			if m.Content != "" {
				parts = append(parts, googlePart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				parts = append(parts, googlePart{
					FunctionCall: &googleFunctionCall{Name: tc.Name, Args: args},
				})
			}
			if len(parts) > 0 {
				req.Contents = append(req.Contents, googleContent{Role: "model", Parts: parts})
			}
		case RoleTool:
			// Tool results travel as prefixed user text.
			req.Contents = append(req.Contents, googleContent{
				Role:  "user",
				Parts: []googlePart{{Text: "Function result: " + m.Content}},
			})
		}
	}

	if len(spec.Tools) > 0 && spec.Steering.Mode != SteerNone {
		decls := make([]googleFunctionDecl, 0, len(spec.Tools))
		for _, t := range spec.Tools {
			decls = append(decls, googleFunctionDecl{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  CleanGoogleSchema(t.Parameters),
			})
		}
		req.Tools = []googleToolSet{{FunctionDeclarations: decls}}

		cfg := googleFunctionCallingConfig{Mode: "AUTO"}
		if spec.Steering.Mode == SteerForce {
			cfg.Mode = "ANY"
			cfg.AllowedFunctionNames = []string{spec.Steering.Tool}
		}
		req.ToolConfig = &googleToolConfig{FunctionCallingConfig: cfg}
	}

	gen := &googleGenConfig{Temperature: spec.Temperature, MaxOutputTokens: spec.MaxTokens}
	if spec.Schema != nil {
		gen.ResponseMimeType = "application/json"
		gen.ResponseSchema = CleanGoogleSchema(spec.Schema.Schema)
	}
	if gen.Temperature != nil || gen.MaxOutputTokens > 0 || gen.ResponseMimeType != "" {
		req.GenerationConfig = gen
	}
	return req
}

// CleanGoogleSchema returns a deep copy of a JSON schema with the fields
// the Gemini API rejects removed: additionalProperties at any level and
// default on property schemas. The input is never modified and a second
// pass over the output is a no-op.
func CleanGoogleSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	cleaned := cleanGoogleValue(schema, true)
	out, _ := cleaned.(map[string]any)
	return out
}

func cleanGoogleValue(v any, isSchema bool) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if isSchema && (k == "additionalProperties" || k == "default") {
				continue
			}
			switch k {
			case "properties":
				if props, ok := inner.(map[string]any); ok {
					cleanedProps := make(map[string]any, len(props))
					for name, prop := range props {
						cleanedProps[name] = cleanGoogleValue(prop, true)
					}
					out[k] = cleanedProps
					continue
				}
			case "items":
				out[k] = cleanGoogleValue(inner, true)
				continue
			}
			out[k] = cleanGoogleValue(inner, false)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = cleanGoogleValue(inner, isSchema)
		}
		return out
	default:
		return v
	}
}

func (p *Google) do(ctx context.Context, spec *CallSpec, stream bool) (*http.Response, error) {
	body, err := json.Marshal(p.buildRequest(spec))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	verb := "generateContent"
	if stream {
		verb = "streamGenerateContent"
	}
	url := fmt.Sprintf("%s/models/%s:%s?key=%s", p.baseURL, spec.Model, verb, p.apiKey)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

// Call performs one buffered generateContent round-trip.
func (p *Google) Call(ctx context.Context, spec *CallSpec) (*Turn, error) {
	resp, err := p.do(ctx, spec, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wire googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &ProviderError{Provider: p.ID(), Model: spec.Model, Message: "failed to decode response", Err: err}
	}
	return p.toTurn(&wire), nil
}

func (p *Google) toTurn(wire *googleResponse) *Turn {
	turn := &Turn{Usage: TokenUsage{
		Prompt:     wire.UsageMetadata.PromptTokenCount,
		Completion: wire.UsageMetadata.CandidatesTokenCount,
		Total:      wire.UsageMetadata.TotalTokenCount,
	}}
	if len(wire.Candidates) == 0 {
		return turn
	}

	var text strings.Builder
	for _, part := range wire.Candidates[0].Content.Parts {
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			turn.ToolCalls = append(turn.ToolCalls, googleToolCall(part.FunctionCall))
		}
	}
	turn.Text = text.String()
	return turn
}

// googleToolCall normalizes a functionCall part. Args arrive as an object
// or, occasionally, a JSON-encoded string of one.
func googleToolCall(fc *googleFunctionCall) ToolCall {
	args := map[string]any{}
	if len(fc.Args) > 0 {
		if err := json.Unmarshal(fc.Args, &args); err != nil {
			var s string
			if err := json.Unmarshal(fc.Args, &s); err == nil {
				args = parseArguments(s)
			}
		}
	}
	return ToolCall{ID: synthesizeToolCallID(fc.Name), Name: fc.Name, Arguments: args}
}

// CallStreaming performs one streamGenerateContent round-trip. The body is
// a JSON array of response objects; a string-aware brace matcher assembles
// them from the rolling buffer. A functionCall part ends the stream after
// the call is surfaced.
func (p *Google) CallStreaming(ctx context.Context, spec *CallSpec) (<-chan StreamChunk, error) {
	resp, err := p.do(ctx, spec, true)
	if err != nil {
		return nil, err
	}

	chunks := make(chan StreamChunk, 16)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		usage := TokenUsage{}
		err := scanJSONObjects(resp.Body, func(obj []byte) bool {
			var wire googleResponse
			if err := json.Unmarshal(obj, &wire); err != nil {
				return true
			}
			if wire.UsageMetadata.TotalTokenCount > 0 {
				usage = TokenUsage{
					Prompt:     wire.UsageMetadata.PromptTokenCount,
					Completion: wire.UsageMetadata.CandidatesTokenCount,
					Total:      wire.UsageMetadata.TotalTokenCount,
				}
			}
			for _, cand := range wire.Candidates {
				for _, part := range cand.Content.Parts {
					if part.Text != "" {
						chunks <- StreamChunk{Type: "text", Text: part.Text}
					}
					if part.FunctionCall != nil {
						tc := googleToolCall(part.FunctionCall)
						chunks <- StreamChunk{Type: "tool_call", ToolCall: &tc}
						return false
					}
				}
			}
			return true
		})
		if err != nil {
			chunks <- StreamChunk{Type: "error", Err: err}
			return
		}
		chunks <- StreamChunk{Type: "done", Usage: &usage}
	}()
	return chunks, nil
}

// scanJSONObjects feeds each complete top-level JSON object in the reader
// to emit, tracking string and escape state so braces inside values do not
// confuse the depth counter. emit returning false stops the scan.
func scanJSONObjects(r io.Reader, emit func([]byte) bool) error {
	br := bufio.NewReader(r)
	var buf bytes.Buffer
	depth := 0
	inString := false
	escaped := false

	for {
		b, err := br.ReadByte()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		if depth > 0 {
			buf.WriteByte(b)
		}

		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				buf.Reset()
				buf.WriteByte(b)
			}
			depth++
		case '}':
			depth--
			if depth == 0 {
				if !emit(buf.Bytes()) {
					return nil
				}
				buf.Reset()
			}
		}
	}
}
