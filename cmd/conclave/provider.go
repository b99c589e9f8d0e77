package main

import (
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/arcov/conclave/internal/config"
)

// buildModel constructs a langchaingo model from provider config.
func buildModel(cfg config.LLMConfig, apiKey string) (llms.Model, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("no API key configured for provider %q", cfg.Provider)
	}

	switch cfg.Provider {
	case "openai", "openrouter", "":
		opts := []openai.Option{
			openai.WithToken(apiKey),
			openai.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)
	case "anthropic":
		opts := []anthropic.Option{
			anthropic.WithToken(apiKey),
			anthropic.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
}
