package llms

import (
	"context"
	"io"
	"time"
)

// Role tags one turn of the canonical conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn in the backend-independent conversation form.
type Message struct {
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`       // tool name on tool-result turns
	ToolCallID string         `json:"toolCallId,omitempty"` // links a tool result to its call
	ToolCalls  []ToolCall     `json:"toolCalls,omitempty"`  // assistant turns that requested tools
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// UsageControl steers whether the model may, must, or must not call a tool.
type UsageControl string

const (
	UsageAuto  UsageControl = "auto"
	UsageForce UsageControl = "force"
	UsageNone  UsageControl = "none"
)

// Tool is a caller-supplied tool declaration. Params are pre-bound values
// merged under whatever arguments the model supplies; at a shared key the
// model's value wins.
type Tool struct {
	ID           string         `json:"id"`
	Description  string         `json:"description,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
	UsageControl UsageControl   `json:"usageControl,omitempty"`
}

// ToolCall is a normalized tool invocation parsed from any wire format.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Request is the canonical description of one gateway turn. It is treated
// as immutable once execution begins; the sanitizer returns copies.
type Request struct {
	Model                string            `json:"model"`
	SystemPrompt         string            `json:"systemPrompt,omitempty"`
	Context              string            `json:"context,omitempty"`
	Messages             []Message         `json:"messages,omitempty"`
	Tools                []Tool            `json:"tools,omitempty"`
	ResponseFormat       any               `json:"responseFormat,omitempty"`
	Temperature          *float64          `json:"temperature,omitempty"`
	MaxTokens            int               `json:"maxTokens,omitempty"`
	Stream               bool              `json:"stream,omitempty"`
	StreamToolCalls      bool              `json:"streamToolCalls,omitempty"`
	APIKey               string            `json:"apiKey,omitempty"`
	AzureEndpoint        string            `json:"azureEndpoint,omitempty"`
	AzureAPIVersion      string            `json:"azureApiVersion,omitempty"`
	WorkflowID           string            `json:"workflowId,omitempty"`
	ChatID               string            `json:"chatId,omitempty"`
	EnvironmentVariables map[string]string `json:"environmentVariables,omitempty"`
}

// TokenUsage accumulates token counts across iterations.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// SegmentType distinguishes model round-trips from tool executions.
type SegmentType string

const (
	SegmentModel SegmentType = "model"
	SegmentTool  SegmentType = "tool"
)

// TimeSegment is one timed span of work. The segment list on a Timing is
// append-only and ordered by StartTime.
type TimeSegment struct {
	Type      SegmentType `json:"type"`
	Name      string      `json:"name"`
	StartTime time.Time   `json:"startTime"`
	EndTime   time.Time   `json:"endTime"`
	Duration  int64       `json:"duration"` // milliseconds
}

// Timing is the full wall-clock accounting for one execution.
type Timing struct {
	StartTime         time.Time     `json:"startTime"`
	EndTime           time.Time     `json:"endTime"`
	Duration          int64         `json:"duration"`  // milliseconds
	ModelTime         int64         `json:"modelTime"` // sum of model segments
	ToolsTime         int64         `json:"toolsTime"` // sum of tool segments
	FirstResponseTime int64         `json:"firstResponseTime"`
	Iterations        int           `json:"iterations"`
	TimeSegments      []TimeSegment `json:"timeSegments"`
}

// ToolCallRecord is the caller-facing view of one executed tool call.
type ToolCallRecord struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	StartTime time.Time      `json:"startTime"`
	EndTime   time.Time      `json:"endTime"`
	Duration  int64          `json:"duration"` // milliseconds
	Result    any            `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Success   bool           `json:"success"`
}

// Cost is the token-based USD cost breakdown, already multiplied by the
// hosted cost multiplier and rounded to 8 decimal places.
type Cost struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
	Total  float64 `json:"total"`
}

// Response is the terminal record of one execution.
type Response struct {
	Content     string           `json:"content"`
	Model       string           `json:"model"`
	Tokens      TokenUsage       `json:"tokens"`
	ToolCalls   []ToolCallRecord `json:"toolCalls,omitempty"`
	ToolResults []any            `json:"toolResults,omitempty"`
	Timing      *Timing          `json:"timing,omitempty"`
	Cost        *Cost            `json:"cost,omitempty"`
	IsStreaming bool             `json:"isStreaming,omitempty"`
}

// StreamingExecution pairs a lazy byte stream of assistant text (plus
// optional tool-call event frames) with a partially filled execution
// record. The record is completed as the stream drains.
type StreamingExecution struct {
	Stream    io.ReadCloser
	Execution *Response
}

// ResponseSchema is the normalized structured-output request: a JSON schema
// the final response must satisfy.
type ResponseSchema struct {
	Name   string
	Schema map[string]any
	Strict bool
}

// ToolDefinition is the provider-facing tool shape after planning.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// SteeringMode is the canonical tool_choice/toolConfig form; adapters map
// it to their wire representation.
type SteeringMode string

const (
	SteerAuto  SteeringMode = "auto"
	SteerNone  SteeringMode = "none"
	SteerForce SteeringMode = "force"
)

// Steering controls which tools the model may or must call next.
type Steering struct {
	Mode SteeringMode
	Tool string // forced tool name when Mode == SteerForce
}

// StreamChunk is one unit of an adapter's streaming response.
type StreamChunk struct {
	Type     string // "text", "tool_call", "done", "error"
	Text     string
	ToolCall *ToolCall
	Usage    *TokenUsage
	Err      error
}

// CallSpec is everything an adapter needs for one model round-trip.
type CallSpec struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	Steering    Steering
	Schema      *ResponseSchema
	Temperature *float64
	MaxTokens   int
}

// Provider is one backend adapter. Implementations own wire translation
// only; the orchestration loop lives in the gateway.
type Provider interface {
	ID() string
	Call(ctx context.Context, spec *CallSpec) (*Turn, error)
	CallStreaming(ctx context.Context, spec *CallSpec) (<-chan StreamChunk, error)
	SupportsStructuredOutput() bool
}

// Turn is a normalized model response: text, tool calls, token usage.
type Turn struct {
	Text      string
	ToolCalls []ToolCall
	Usage     TokenUsage
}
