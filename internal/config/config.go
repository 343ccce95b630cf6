package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/marketmind/marketmind/internal/budget"
)

// Config is the full service configuration, loaded from YAML with
// environment variable expansion.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Session   SessionConfig   `yaml:"session"`
	Budget    budget.Config   `yaml:"budget"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Backend   BackendConfig   `yaml:"backend"`
}

type ServerConfig struct {
	// Listen is the chat/stream listen address.
	Listen string `yaml:"listen"`

	// MetricsListen serves /metrics separately from client traffic.
	MetricsListen string `yaml:"metrics_listen"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

type SessionConfig struct {
	TTLMinutes       int `yaml:"ttl_minutes"`
	RetentionMinutes int `yaml:"retention_minutes"`
	SweepSeconds     int `yaml:"sweep_seconds"`
}

type RateLimitConfig struct {
	Capacity        float64 `yaml:"capacity"`
	RefillPerSecond float64 `yaml:"refill_per_second"`
	StaleMinutes    int     `yaml:"stale_minutes"`
	SweepSeconds    int     `yaml:"sweep_seconds"`
}

type BackendConfig struct {
	// Provider is "anthropic" or "scripted" (offline demo mode).
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`

	MaxTokens    int    `yaml:"max_tokens"`
	MaxToolTurns int    `yaml:"max_tool_turns"`
	SystemPrompt string `yaml:"system_prompt"`
}

// Default returns the baseline configuration used when fields are
// absent from the file.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:        ":8080",
			MetricsListen: ":9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Session: SessionConfig{
			TTLMinutes:       120,
			RetentionMinutes: 1440,
			SweepSeconds:     60,
		},
		Budget: budget.Config{
			Limit:       50,
			DefaultCost: budget.DefaultToolCost,
		},
		RateLimit: RateLimitConfig{
			Capacity:        10,
			RefillPerSecond: 1,
			StaleMinutes:    10,
			SweepSeconds:    300,
		},
		Backend: BackendConfig{
			Provider:  "anthropic",
			APIKey:    "${ANTHROPIC_API_KEY}",
			MaxTokens: 8192,
		},
	}
}

// Load reads the YAML config at path on top of defaults. ${VAR}
// references in the file are expanded from the environment before
// parsing. An empty path returns the defaults with expansion applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(raw))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.Backend.APIKey = os.ExpandEnv(cfg.Backend.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Session.TTLMinutes <= 0 {
		return fmt.Errorf("session.ttl_minutes must be positive")
	}
	if c.Session.RetentionMinutes <= 0 {
		return fmt.Errorf("session.retention_minutes must be positive")
	}
	if c.RateLimit.Capacity <= 0 || c.RateLimit.RefillPerSecond <= 0 {
		return fmt.Errorf("rate_limit capacity and refill_per_second must be positive")
	}
	if c.Budget.Limit < 0 {
		return fmt.Errorf("budget.limit must not be negative")
	}
	switch c.Backend.Provider {
	case "anthropic", "scripted":
	case "":
		return fmt.Errorf("backend.provider is required")
	default:
		return fmt.Errorf("unknown backend provider %q", c.Backend.Provider)
	}
	return nil
}
