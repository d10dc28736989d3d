package registry

import "regexp"

// Built-in provider, pricing and capability tables. Pricing is USD per
// million tokens. UpdatedAt records when the rate was last checked against
// the provider's published price list.

var tempZeroToTwo = &TemperatureRange{Min: 0, Max: 2}
var tempZeroToOne = &TemperatureRange{Min: 0, Max: 1}

func (r *Registry) loadBuiltins() {
	add := func(p *ProviderInfo) {
		r.providers[p.ID] = p
		r.order = append(r.order, p.ID)
	}

	add(&ProviderInfo{
		ID:           ProviderOpenAI,
		Name:         "OpenAI",
		DefaultModel: "gpt-4o",
		Models: []string{
			"gpt-4o", "gpt-4o-mini", "gpt-4.1", "gpt-4.1-mini", "gpt-4.1-nano",
			"o1", "o3", "o4-mini",
		},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`^gpt-`),
			regexp.MustCompile(`^o\d`),
		},
	})

	add(&ProviderInfo{
		ID:           ProviderAzureOpenAI,
		Name:         "Azure OpenAI",
		DefaultModel: "azure/gpt-4o",
		Models: []string{
			"azure/gpt-4o", "azure/gpt-4o-mini", "azure/gpt-4.1", "azure/o3", "azure/o4-mini",
		},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`^azure/`),
		},
	})

	add(&ProviderInfo{
		ID:           ProviderAnthropic,
		Name:         "Anthropic",
		DefaultModel: "claude-sonnet-4-0",
		Models: []string{
			"claude-sonnet-4-0", "claude-opus-4-0", "claude-3-7-sonnet-latest", "claude-3-5-haiku-latest",
		},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`^claude-`),
		},
	})

	add(&ProviderInfo{
		ID:           ProviderGoogle,
		Name:         "Google",
		DefaultModel: "gemini-2.5-pro",
		Models: []string{
			"gemini-2.5-pro", "gemini-2.5-flash", "gemini-2.0-flash",
		},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`^gemini-`),
		},
	})

	add(&ProviderInfo{
		ID:           ProviderXAI,
		Name:         "xAI",
		DefaultModel: "grok-3-latest",
		Models: []string{
			"grok-3-latest", "grok-3-fast-latest", "grok-3-mini-latest",
		},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`^grok-`),
		},
	})

	add(&ProviderInfo{
		ID:           ProviderCerebras,
		Name:         "Cerebras",
		DefaultModel: "cerebras/llama-3.3-70b",
		Models: []string{
			"cerebras/llama-3.3-70b", "cerebras/llama-4-scout-17b-16e-instruct",
		},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`^cerebras/`),
		},
	})

	add(&ProviderInfo{
		ID:           ProviderDeepSeek,
		Name:         "DeepSeek",
		DefaultModel: "deepseek-chat",
		Models: []string{
			"deepseek-chat", "deepseek-reasoner", "deepseek-r1",
		},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`^deepseek-`),
		},
	})

	add(&ProviderInfo{
		ID:           ProviderGroq,
		Name:         "Groq",
		DefaultModel: "groq/llama-3.3-70b-versatile",
		Models: []string{
			"groq/llama-3.3-70b-versatile", "groq/meta-llama/llama-4-scout-17b-16e-instruct",
			"groq/deepseek-r1-distill-llama-70b", "groq/qwen-qwq-32b",
		},
		Patterns: []*regexp.Regexp{
			regexp.MustCompile(`^groq/`),
		},
	})

	add(&ProviderInfo{
		ID:           ProviderOllama,
		Name:         "Ollama",
		DefaultModel: "",
		Models:       nil, // populated dynamically from /api/tags
	})

	r.loadPricing()
	r.loadCapabilities()
}

func (r *Registry) loadPricing() {
	chat := map[string]Pricing{
		"gpt-4o":        {Input: 2.5, CachedInput: 1.25, Output: 10, UpdatedAt: "2025-06-15"},
		"gpt-4o-mini":   {Input: 0.15, CachedInput: 0.075, Output: 0.6, UpdatedAt: "2025-06-15"},
		"gpt-4.1":       {Input: 2, CachedInput: 0.5, Output: 8, UpdatedAt: "2025-06-15"},
		"gpt-4.1-mini":  {Input: 0.4, CachedInput: 0.1, Output: 1.6, UpdatedAt: "2025-06-15"},
		"gpt-4.1-nano":  {Input: 0.1, CachedInput: 0.025, Output: 0.4, UpdatedAt: "2025-06-15"},
		"o1":            {Input: 15, CachedInput: 7.5, Output: 60, UpdatedAt: "2025-06-15"},
		"o3":            {Input: 2, CachedInput: 0.5, Output: 8, UpdatedAt: "2025-06-15"},
		"o4-mini":       {Input: 1.1, CachedInput: 0.275, Output: 4.4, UpdatedAt: "2025-06-15"},
		"azure/gpt-4o":  {Input: 2.5, CachedInput: 1.25, Output: 10, UpdatedAt: "2025-06-15"},
		"azure/gpt-4.1": {Input: 2, CachedInput: 0.5, Output: 8, UpdatedAt: "2025-06-15"},
		"azure/o3":      {Input: 2, CachedInput: 0.5, Output: 8, UpdatedAt: "2025-06-15"},
		"azure/o4-mini": {Input: 1.1, CachedInput: 0.275, Output: 4.4, UpdatedAt: "2025-06-15"},
		"azure/gpt-4o-mini": {
			Input: 0.15, CachedInput: 0.075, Output: 0.6, UpdatedAt: "2025-06-15",
		},

		"claude-sonnet-4-0":        {Input: 3, CachedInput: 0.3, Output: 15, UpdatedAt: "2025-06-15"},
		"claude-opus-4-0":          {Input: 15, CachedInput: 1.5, Output: 75, UpdatedAt: "2025-06-15"},
		"claude-3-7-sonnet-latest": {Input: 3, CachedInput: 0.3, Output: 15, UpdatedAt: "2025-06-15"},
		"claude-3-5-haiku-latest":  {Input: 0.8, CachedInput: 0.08, Output: 4, UpdatedAt: "2025-06-15"},

		"gemini-2.5-pro":   {Input: 1.25, CachedInput: 0.31, Output: 10, UpdatedAt: "2025-06-15"},
		"gemini-2.5-flash": {Input: 0.3, CachedInput: 0.075, Output: 2.5, UpdatedAt: "2025-06-15"},
		"gemini-2.0-flash": {Input: 0.1, CachedInput: 0.025, Output: 0.4, UpdatedAt: "2025-06-15"},

		"grok-3-latest":      {Input: 3, Output: 15, UpdatedAt: "2025-06-15"},
		"grok-3-fast-latest": {Input: 5, Output: 25, UpdatedAt: "2025-06-15"},
		"grok-3-mini-latest": {Input: 0.3, Output: 0.5, UpdatedAt: "2025-06-15"},

		"deepseek-chat":     {Input: 0.27, CachedInput: 0.07, Output: 1.1, UpdatedAt: "2025-06-15"},
		"deepseek-reasoner": {Input: 0.55, CachedInput: 0.14, Output: 2.19, UpdatedAt: "2025-06-15"},

		"cerebras/llama-3.3-70b":                   {Input: 0.85, Output: 1.2, UpdatedAt: "2025-06-15"},
		"cerebras/llama-4-scout-17b-16e-instruct":  {Input: 0.65, Output: 0.85, UpdatedAt: "2025-06-15"},
		"groq/llama-3.3-70b-versatile":             {Input: 0.59, Output: 0.79, UpdatedAt: "2025-06-15"},
		"groq/deepseek-r1-distill-llama-70b":       {Input: 0.75, Output: 0.99, UpdatedAt: "2025-06-15"},
		"groq/qwen-qwq-32b":                        {Input: 0.29, Output: 0.39, UpdatedAt: "2025-06-15"},
		"groq/meta-llama/llama-4-scout-17b-16e-instruct": {
			Input: 0.11, Output: 0.34, UpdatedAt: "2025-06-15",
		},
	}
	for k, v := range chat {
		r.pricing[k] = v
	}

	embed := map[string]Pricing{
		"text-embedding-3-small": {Input: 0.02, Output: 0, UpdatedAt: "2025-06-15"},
		"text-embedding-3-large": {Input: 0.13, Output: 0, UpdatedAt: "2025-06-15"},
		"text-embedding-ada-002": {Input: 0.1, Output: 0, UpdatedAt: "2025-06-15"},
	}
	for k, v := range embed {
		r.embedPricing[k] = v
	}
}

func (r *Registry) loadCapabilities() {
	caps := map[string]Capability{
		"gpt-4o":       {Temperature: tempZeroToTwo, ToolUsageControl: true},
		"gpt-4o-mini":  {Temperature: tempZeroToTwo, ToolUsageControl: true},
		"gpt-4.1":      {Temperature: tempZeroToTwo, ToolUsageControl: true},
		"gpt-4.1-mini": {Temperature: tempZeroToTwo, ToolUsageControl: true},
		"gpt-4.1-nano": {Temperature: tempZeroToTwo, ToolUsageControl: true},
		// Reasoning models reject the temperature knob outright.
		"o1":      {ToolUsageControl: true},
		"o3":      {ToolUsageControl: true},
		"o4-mini": {ToolUsageControl: true},

		"azure/gpt-4o":      {Temperature: tempZeroToTwo, ToolUsageControl: true},
		"azure/gpt-4o-mini": {Temperature: tempZeroToTwo, ToolUsageControl: true},
		"azure/gpt-4.1":     {Temperature: tempZeroToTwo, ToolUsageControl: true},
		"azure/o3":          {ToolUsageControl: true},
		"azure/o4-mini":     {ToolUsageControl: true},

		"claude-sonnet-4-0":        {Temperature: tempZeroToOne, ToolUsageControl: true, ComputerUse: true},
		"claude-opus-4-0":          {Temperature: tempZeroToOne, ToolUsageControl: true, ComputerUse: true},
		"claude-3-7-sonnet-latest": {Temperature: tempZeroToOne, ToolUsageControl: true, ComputerUse: true},
		"claude-3-5-haiku-latest":  {Temperature: tempZeroToOne, ToolUsageControl: true},

		"gemini-2.5-pro":   {Temperature: tempZeroToTwo, ToolUsageControl: true},
		"gemini-2.5-flash": {Temperature: tempZeroToTwo, ToolUsageControl: true},
		"gemini-2.0-flash": {Temperature: tempZeroToTwo, ToolUsageControl: true},

		"grok-3-latest":      {Temperature: tempZeroToTwo, ToolUsageControl: true},
		"grok-3-fast-latest": {Temperature: tempZeroToTwo, ToolUsageControl: true},
		"grok-3-mini-latest": {Temperature: tempZeroToTwo, ToolUsageControl: true},

		"deepseek-chat":     {Temperature: tempZeroToTwo, ToolUsageControl: true},
		"deepseek-reasoner": {ToolUsageControl: true},
		"deepseek-r1":       {ToolUsageControl: true},

		"cerebras/llama-3.3-70b":                  {Temperature: tempZeroToTwo},
		"cerebras/llama-4-scout-17b-16e-instruct": {Temperature: tempZeroToTwo},
		"groq/llama-3.3-70b-versatile":            {Temperature: tempZeroToTwo},
		"groq/deepseek-r1-distill-llama-70b":      {Temperature: tempZeroToTwo},
		"groq/qwen-qwq-32b":                       {Temperature: tempZeroToTwo},
		"groq/meta-llama/llama-4-scout-17b-16e-instruct": {
			Temperature: tempZeroToTwo,
		},
	}
	for k, v := range caps {
		r.capabilities[k] = v
	}
}
