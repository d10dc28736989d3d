package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full gateway configuration, usually loaded from yaml with
// ${VAR} references expanded from the environment.
type Config struct {
	Server  ServerConfig        `yaml:"server"`
	LLM     LLMConfig           `yaml:"llm"`
	Keys    map[string][]string `yaml:"keys"`
	Pricing PricingConfig       `yaml:"pricing"`
	Log     LogConfig           `yaml:"log"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

type LLMConfig struct {
	DefaultModel   string  `yaml:"default_model"`
	MaxTokens      int     `yaml:"max_tokens"`
	CostMultiplier float64 `yaml:"cost_multiplier"`
}

type PricingConfig struct {
	OverridesFile string `yaml:"overrides_file"`
	Watch         bool   `yaml:"watch"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// SetDefaults fills in anything the file left unset.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		// Streaming responses hold the connection open for a long time.
		c.Server.WriteTimeout = 10 * time.Minute
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 2 * time.Minute
	}
	if c.LLM.DefaultModel == "" {
		c.LLM.DefaultModel = "gpt-4o"
	}
	if c.LLM.CostMultiplier == 0 {
		c.LLM.CostMultiplier = 1
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if c.LLM.CostMultiplier < 0 {
		return fmt.Errorf("llm.cost_multiplier must be positive, got %v", c.LLM.CostMultiplier)
	}
	if c.LLM.MaxTokens < 0 {
		return fmt.Errorf("llm.max_tokens must not be negative, got %d", c.LLM.MaxTokens)
	}
	if c.Pricing.Watch && c.Pricing.OverridesFile == "" {
		return fmt.Errorf("pricing.watch requires pricing.overrides_file")
	}
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references. Unset variables expand to the
// empty string so optional keys can stay in the file.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads, expands, defaults and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(expandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a runnable configuration without a file.
func Default() *Config {
	var cfg Config
	cfg.SetDefaults()
	return &cfg
}
