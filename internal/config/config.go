// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the engine configuration.
type Config struct {
	LLM       LLMConfig       `toml:"llm"`       // Default model settings
	Synthesis LLMConfig       `toml:"synthesis"` // Model used for workflow synthesis
	Storage   StorageConfig   `toml:"storage"`
	Status    StatusConfig    `toml:"status"`    // Status broadcast transport
	Agents    AgentsConfig    `toml:"agents"`    // Agent definitions file
	Limits    LimitsConfig    `toml:"limits"`
	Webhook   WebhookConfig   `toml:"webhook"`   // Signed webhook delivery
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// LLMConfig contains model provider settings.
type LLMConfig struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"`
	BaseURL   string `toml:"base_url"` // Custom API endpoint
	MaxTokens int    `toml:"max_tokens"`
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	Path     string `toml:"path"`      // SQLite database file
	InMemory bool   `toml:"in_memory"` // true = no persistence across runs
}

// StatusConfig contains status broadcast settings.
type StatusConfig struct {
	Transport     string `toml:"transport"` // "nats", "log", or "none"
	NATSURL       string `toml:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// AgentsConfig locates the agent definitions.
type AgentsConfig struct {
	Path  string `toml:"path"`  // YAML definitions file
	Watch bool   `toml:"watch"` // hot reload on file change
}

// LimitsConfig bounds execution behavior.
type LimitsConfig struct {
	MaxSteps       int `toml:"max_steps"`       // default step budget per execution
	HistoryLimit   int `toml:"history_limit"`   // interactions replayed into context
	ChildParallel  int `toml:"child_parallel"`  // concurrent children per workflow stage
	WebhookTimeout int `toml:"webhook_timeout"` // webhook delivery timeout in seconds
}

// WebhookConfig configures signed webhook delivery.
type WebhookConfig struct {
	SecretEnv string `toml:"secret_env"` // env var holding the HMAC secret
}

// TelemetryConfig contains tracing settings.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"` // OTLP endpoint (e.g., localhost:4317)
	Insecure bool   `toml:"insecure"` // Disable TLS (default false)
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		LLM: LLMConfig{
			MaxTokens: 4096,
		},
		Storage: StorageConfig{
			Path: "conclave.db",
		},
		Status: StatusConfig{
			Transport:     "log",
			SubjectPrefix: "conclave.status",
		},
		Agents: AgentsConfig{
			Path: "agents.yaml",
		},
		Limits: LimitsConfig{
			MaxSteps:       25,
			HistoryLimit:   10,
			ChildParallel:  8,
			WebhookTimeout: 10,
		},
	}
}

// Default returns a default configuration.
func Default() *Config {
	return New()
}

// LoadFile loads configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads configuration from conclave.toml in the current directory.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	return LoadFile(filepath.Join(cwd, "conclave.toml"))
}

// GetAPIKey returns the API key from the configured environment variable.
// If api_key_env is not set, uses the default env var for the provider.
func (c *Config) GetAPIKey() string {
	return apiKey(c.LLM)
}

// GetSynthesisAPIKey returns the API key for the synthesis model, falling
// back to the default model's key.
func (c *Config) GetSynthesisAPIKey() string {
	if key := apiKey(c.Synthesis); key != "" {
		return key
	}
	return c.GetAPIKey()
}

func apiKey(llm LLMConfig) string {
	envVar := llm.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(llm.Provider)
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// DefaultAPIKeyEnv returns the default environment variable name for a provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	default:
		return ""
	}
}

// GetWebhookSecret returns the webhook signing secret from the environment.
func (c *Config) GetWebhookSecret() string {
	if c.Webhook.SecretEnv == "" {
		return os.Getenv("CONCLAVE_WEBHOOK_SECRET")
	}
	return os.Getenv(c.Webhook.SecretEnv)
}
