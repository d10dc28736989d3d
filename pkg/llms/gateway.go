package llms

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelrelay/modelrelay/pkg/registry"
	"github.com/modelrelay/modelrelay/pkg/tools"
)

const (
	azureEndpointEnv       = "AZURE_OPENAI_ENDPOINT"
	azureAPIVersionEnv     = "AZURE_OPENAI_API_VERSION"
	azureDefaultAPIVersion = "2024-07-01-preview"
)

// KeySource supplies provider API keys. Implementations may rotate across
// a pool; an empty key with a nil error means "none available here".
type KeySource interface {
	RotatingKey(providerID string) (string, error)
}

// EnvKeySource reads keys from the conventional environment variables.
type EnvKeySource struct{}

var providerKeyEnv = map[string]string{
	registry.ProviderOpenAI:      "OPENAI_API_KEY",
	registry.ProviderAzureOpenAI: "AZURE_OPENAI_API_KEY",
	registry.ProviderAnthropic:   "ANTHROPIC_API_KEY",
	registry.ProviderGoogle:      "GEMINI_API_KEY",
	registry.ProviderXAI:         "XAI_API_KEY",
	registry.ProviderCerebras:    "CEREBRAS_API_KEY",
	registry.ProviderDeepSeek:    "DEEPSEEK_API_KEY",
	registry.ProviderGroq:        "GROQ_API_KEY",
}

func (EnvKeySource) RotatingKey(providerID string) (string, error) {
	return os.Getenv(providerKeyEnv[providerID]), nil
}

// RotatingKeySource round-robins over a pool of keys per provider, spreading
// rate-limit pressure across accounts.
type RotatingKeySource struct {
	mu   sync.Mutex
	keys map[string][]string
	next map[string]int
}

func NewRotatingKeySource(keys map[string][]string) *RotatingKeySource {
	return &RotatingKeySource{keys: keys, next: make(map[string]int)}
}

func (s *RotatingKeySource) RotatingKey(providerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool := s.keys[providerID]
	if len(pool) == 0 {
		return "", nil
	}
	key := pool[s.next[providerID]%len(pool)]
	s.next[providerID]++
	return key, nil
}

// CallMetrics receives one sample per model round-trip.
type CallMetrics interface {
	RecordCall(ctx context.Context, provider, model string, totalTokens int, elapsed time.Duration)
}

// Gateway executes canonical requests against whichever backend the model
// resolves to, running the tool loop and accounting along the way.
type Gateway struct {
	reg        *registry.Registry
	executor   tools.Executor
	keys       KeySource
	multiplier float64
	metrics    CallMetrics
	tracer     trace.Tracer
	baseURLs   map[string]string

	ollamaOnce sync.Once
	ollama     *Ollama
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithKeySource replaces the environment-based key lookup.
func WithKeySource(ks KeySource) Option {
	return func(g *Gateway) { g.keys = ks }
}

// WithCostMultiplier scales all computed costs, e.g. for hosted margin.
func WithCostMultiplier(m float64) Option {
	return func(g *Gateway) { g.multiplier = m }
}

// WithCallMetrics wires per-call metric recording.
func WithCallMetrics(m CallMetrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithProviderBaseURL points one provider at a different endpoint, mainly
// for tests and proxies.
func WithProviderBaseURL(providerID, url string) Option {
	return func(g *Gateway) { g.baseURLs[providerID] = url }
}

// NewGateway builds a gateway over the given registry and tool executor.
func NewGateway(reg *registry.Registry, executor tools.Executor, opts ...Option) *Gateway {
	g := &Gateway{
		reg:        reg,
		executor:   executor,
		keys:       EnvKeySource{},
		multiplier: CostMultiplierFromEnv(),
		tracer:     otel.Tracer("modelrelay/llms"),
		baseURLs:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.executor == nil {
		g.executor = tools.NewRegistry()
	}
	return g
}

// ExecuteProviderRequest runs one request end to end. Exactly one of the
// response and the streaming execution is non-nil on success; which one
// depends on the request's Stream flag.
func (g *Gateway) ExecuteProviderRequest(ctx context.Context, providerID string, req *Request) (*Response, *StreamingExecution, error) {
	if req == nil || req.Model == "" {
		return nil, nil, fmt.Errorf("request requires a model")
	}
	if providerID == "" {
		providerID = g.reg.ProviderOf(req.Model)
	}

	sreq, schema := SanitizeRequest(g.reg, req)
	provider, err := g.provider(ctx, providerID, sreq)
	if err != nil {
		return nil, nil, err
	}

	plan := PlanTools(providerID, g.reg.SupportsToolUsageControl(providerID), sreq.Tools)
	e := &execution{
		g:         g,
		provider:  provider,
		req:       sreq,
		schema:    schema,
		plan:      plan,
		queue:     plan.Queue,
		steering:  plan.Steering,
		rec:       newRecorder(),
		separate:  schemaNeedsSeparation(providerID),
		processed: make(map[string]bool),
	}
	return e.run(ctx)
}

// provider builds the adapter for one request. Keys resolve rotating pool
// first, then the key carried on the request itself.
func (g *Gateway) provider(ctx context.Context, providerID string, req *Request) (Provider, error) {
	if providerID == registry.ProviderOllama {
		g.ollamaOnce.Do(func() {
			var opts []OllamaOption
			if url := g.baseURLs[registry.ProviderOllama]; url != "" {
				opts = append(opts, WithOllamaBaseURL(url))
			}
			g.ollama = NewOllama(g.reg, opts...)
			g.ollama.DiscoverModels(ctx, g.reg)
		})
		return g.ollama, nil
	}

	key, err := g.keys.RotatingKey(providerID)
	if err != nil {
		return nil, fmt.Errorf("key lookup for %s: %w", providerID, err)
	}
	if key == "" {
		key = req.APIKey
	}
	if key == "" {
		return nil, &ProviderError{Provider: providerID, Model: req.Model, Message: "no API key available"}
	}

	switch providerID {
	case registry.ProviderAnthropic:
		var opts []AnthropicOption
		if url := g.baseURLs[providerID]; url != "" {
			opts = append(opts, WithAnthropicBaseURL(url))
		}
		return NewAnthropic(key, opts...), nil

	case registry.ProviderGoogle:
		var opts []GoogleOption
		if url := g.baseURLs[providerID]; url != "" {
			opts = append(opts, WithGoogleBaseURL(url))
		}
		return NewGoogle(key, opts...), nil

	case registry.ProviderAzureOpenAI:
		endpoint := req.AzureEndpoint
		if endpoint == "" {
			endpoint = os.Getenv(azureEndpointEnv)
		}
		if endpoint == "" {
			return nil, &ProviderError{Provider: providerID, Model: req.Model, Message: "azure endpoint is not configured"}
		}
		version := req.AzureAPIVersion
		if version == "" {
			version = os.Getenv(azureAPIVersionEnv)
		}
		if version == "" {
			version = azureDefaultAPIVersion
		}
		opts := []FamilyOption{WithAzureDeployment(endpoint, version)}
		if url := g.baseURLs[providerID]; url != "" {
			// Test servers stand in for the whole deployment endpoint.
			opts = append(opts, WithAzureDeployment(url, version))
		}
		return NewOpenAIFamily(providerID, key, g.reg, opts...)

	default:
		var opts []FamilyOption
		if url := g.baseURLs[providerID]; url != "" {
			opts = append(opts, WithFamilyBaseURL(url))
		}
		return NewOpenAIFamily(providerID, key, g.reg, opts...)
	}
}
