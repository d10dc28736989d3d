package registry

import (
	"regexp"
	"strings"
	"sync"
)

// Provider ids understood by the gateway.
const (
	ProviderOpenAI      = "openai"
	ProviderAzureOpenAI = "azure-openai"
	ProviderAnthropic   = "anthropic"
	ProviderGoogle      = "google"
	ProviderXAI         = "xai"
	ProviderCerebras    = "cerebras"
	ProviderDeepSeek    = "deepseek"
	ProviderGroq        = "groq"
	ProviderOllama      = "ollama"
)

// Pricing is USD per million tokens.
type Pricing struct {
	Input       float64
	CachedInput float64
	Output      float64
	UpdatedAt   string
}

// TemperatureRange bounds the temperature knob for a model.
type TemperatureRange struct {
	Min float64
	Max float64
}

// Capability describes what a model supports beyond plain chat.
type Capability struct {
	Temperature      *TemperatureRange
	ToolUsageControl bool
	ComputerUse      bool
}

// ProviderInfo is one row of the static provider table.
type ProviderInfo struct {
	ID           string
	Name         string
	DefaultModel string
	Models       []string
	Patterns     []*regexp.Regexp
}

// Registry resolves models to providers and answers capability and pricing
// questions. It is read-only after construction except for the Ollama model
// slot, which is replaced wholesale under the lock (copy-on-write).
type Registry struct {
	mu           sync.RWMutex
	providers    map[string]*ProviderInfo
	order        []string
	pricing      map[string]Pricing
	embedPricing map[string]Pricing
	capabilities map[string]Capability
	ollamaModels []string
}

// New returns a registry populated with the built-in provider tables.
func New() *Registry {
	r := &Registry{
		providers:    make(map[string]*ProviderInfo),
		pricing:      make(map[string]Pricing),
		embedPricing: make(map[string]Pricing),
		capabilities: make(map[string]Capability),
	}
	r.loadBuiltins()
	return r
}

// Provider returns the table row for a provider id.
func (r *Registry) Provider(id string) (*ProviderInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(id)]
	return p, ok
}

// Providers lists provider ids in table order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ProviderOf resolves a model id to its provider: exact case-insensitive
// match first, then the first provider whose pattern matches, then ollama.
func (r *Registry) ProviderOf(modelID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lower := strings.ToLower(modelID)
	for _, id := range r.order {
		for _, m := range r.providers[id].Models {
			if strings.ToLower(m) == lower {
				return id
			}
		}
	}
	for _, m := range r.ollamaModels {
		if strings.ToLower(m) == lower {
			return ProviderOllama
		}
	}
	for _, id := range r.order {
		for _, pattern := range r.providers[id].Patterns {
			if pattern.MatchString(lower) {
				return id
			}
		}
	}
	return ProviderOllama
}

// Pricing looks up per-token pricing for a model, checking the chat table
// first and then the embedding table. The zero Pricing means unknown.
func (r *Registry) Pricing(modelID string) Pricing {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lower := strings.ToLower(modelID)
	if p, ok := r.pricing[lower]; ok {
		return p
	}
	if p, ok := r.embedPricing[lower]; ok {
		return p
	}
	return Pricing{}
}

// Capability returns the capability record for a model, if any.
func (r *Registry) Capability(modelID string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capabilities[strings.ToLower(modelID)]
	return c, ok
}

// SupportsTemperature reports whether the model accepts a temperature knob.
func (r *Registry) SupportsTemperature(modelID string) bool {
	c, ok := r.Capability(modelID)
	return ok && c.Temperature != nil
}

// MaxTemperature returns the model's maximum temperature, zero if unknown.
func (r *Registry) MaxTemperature(modelID string) float64 {
	c, ok := r.Capability(modelID)
	if !ok || c.Temperature == nil {
		return 0
	}
	return c.Temperature.Max
}

// SupportsToolUsageControl reports whether the provider honors forced tool
// selection. Cerebras, Groq and Ollama only honor auto.
func (r *Registry) SupportsToolUsageControl(providerID string) bool {
	switch strings.ToLower(providerID) {
	case ProviderCerebras, ProviderGroq, ProviderOllama:
		return false
	default:
		_, ok := r.Provider(providerID)
		return ok
	}
}

// UpdateOllamaModels replaces the dynamic Ollama model list. Appended models
// carry zero pricing and empty capabilities.
func (r *Registry) UpdateOllamaModels(models []string) {
	next := make([]string, len(models))
	copy(next, models)

	r.mu.Lock()
	r.ollamaModels = next
	if p, ok := r.providers[ProviderOllama]; ok {
		clone := *p
		clone.Models = next
		if clone.DefaultModel == "" && len(next) > 0 {
			clone.DefaultModel = next[0]
		}
		r.providers[ProviderOllama] = &clone
	}
	r.mu.Unlock()
}

// OllamaModels returns the current dynamic model list.
func (r *Registry) OllamaModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.ollamaModels))
	copy(out, r.ollamaModels)
	return out
}
