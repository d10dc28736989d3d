package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/modelrelay/modelrelay/pkg/httpclient"
	"github.com/modelrelay/modelrelay/pkg/registry"
)

const ollamaDefaultURL = "http://localhost:11434"

// OllamaURL resolves the daemon address from OLLAMA_URL.
func OllamaURL() string {
	if url := os.Getenv("OLLAMA_URL"); url != "" {
		return strings.TrimRight(url, "/")
	}
	return ollamaDefaultURL
}

// Ollama talks to a local daemon through its OpenAI-compatible endpoint.
// Local models love to wrap JSON answers in markdown fences, so responses
// are unfenced before they leave the adapter.
type Ollama struct {
	baseURL string
	family  *OpenAIFamily
	client  *httpclient.Client

	mu       sync.Mutex
	disabled bool
}

// OllamaOption tweaks the adapter.
type OllamaOption func(*Ollama)

func WithOllamaBaseURL(url string) OllamaOption {
	return func(p *Ollama) { p.baseURL = strings.TrimRight(url, "/") }
}

func WithOllamaClient(c *httpclient.Client) OllamaOption {
	return func(p *Ollama) { p.client = c }
}

func NewOllama(reg *registry.Registry, opts ...OllamaOption) *Ollama {
	p := &Ollama{baseURL: OllamaURL()}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		// A local daemon either answers or it doesn't; one retry is plenty.
		p.client = httpclient.New(httpclient.WithMaxRetries(1))
	}

	family, _ := NewOpenAIFamily(registry.ProviderOpenAI, "ollama", reg,
		WithFamilyBaseURL(p.baseURL+"/v1"),
		WithFamilyClient(p.client),
	)
	p.family = family
	return p
}

func (p *Ollama) ID() string { return registry.ProviderOllama }

func (p *Ollama) SupportsStructuredOutput() bool { return false }

// DiscoverModels asks the daemon for its installed models and publishes
// them to the registry. An unreachable daemon disables the provider
// quietly; local inference is optional.
func (p *Ollama) DiscoverModels(ctx context.Context, reg *registry.Registry) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		p.disable(err)
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.disable(err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		p.disable(fmt.Errorf("status %d", resp.StatusCode))
		return
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		p.disable(err)
		return
	}

	models := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, m.Name)
	}
	reg.UpdateOllamaModels(models)

	p.mu.Lock()
	p.disabled = false
	p.mu.Unlock()
	slog.Debug("discovered ollama models", "count", len(models))
}

func (p *Ollama) disable(err error) {
	p.mu.Lock()
	p.disabled = true
	p.mu.Unlock()
	slog.Debug("ollama unavailable, provider disabled", "error", err)
}

// Available reports whether the daemon answered the last discovery probe.
func (p *Ollama) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.disabled
}

func (p *Ollama) Call(ctx context.Context, spec *CallSpec) (*Turn, error) {
	if !p.Available() {
		return nil, &ProviderError{Provider: p.ID(), Model: spec.Model, Message: "ollama daemon is unreachable"}
	}
	turn, err := p.family.Call(ctx, spec)
	if err != nil {
		return nil, retagOllamaError(err)
	}
	turn.Text = stripJSONFences(turn.Text)
	return turn, nil
}

func (p *Ollama) CallStreaming(ctx context.Context, spec *CallSpec) (<-chan StreamChunk, error) {
	if !p.Available() {
		return nil, &ProviderError{Provider: p.ID(), Model: spec.Model, Message: "ollama daemon is unreachable"}
	}
	chunks, err := p.family.CallStreaming(ctx, spec)
	if err != nil {
		return nil, retagOllamaError(err)
	}
	return chunks, nil
}

func retagOllamaError(err error) error {
	if pe, ok := err.(*ProviderError); ok {
		pe.Provider = registry.ProviderOllama
	}
	return err
}

// stripJSONFences removes a markdown code fence wrapping the whole
// response. Anything other than a single full-body fence is left alone.
func stripJSONFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") || !strings.HasSuffix(trimmed, "```") {
		return text
	}
	body := strings.TrimSuffix(trimmed, "```")
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	return strings.TrimSpace(body)
}
