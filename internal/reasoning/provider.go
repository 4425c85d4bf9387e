package reasoning

import (
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/concierge/internal/config"
	"github.com/fyrsmithlabs/concierge/internal/redact"
)

// Supported providers.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// NewFromConfig builds a JSON-mode reasoner for the configured provider.
func NewFromConfig(cfg config.LLMConfig) (*LLM, error) {
	model, err := newModel(cfg)
	if err != nil {
		return nil, err
	}
	redactor, err := redact.New(&redact.Config{
		Enabled:     !cfg.Redaction.Disabled,
		Rules:       redact.DefaultRules(),
		Credentials: true,
		AllowList:   cfg.Redaction.AllowList,
	})
	if err != nil {
		return nil, fmt.Errorf("llm.redaction: %w", err)
	}
	return NewLLM(model, Options{
		Redactor:    redactor,
		Temperature: cfg.Temperature,
		MaxRetries:  cfg.MaxRetries,
		RateLimit:   cfg.RateLimit,
		Burst:       cfg.Burst,
		Timeout:     cfg.Timeout.Duration(),
		JSONMode:    true,
	}), nil
}

func newModel(cfg config.LLMConfig) (llms.Model, error) {
	switch cfg.Provider {
	case ProviderOpenAI, "":
		// Without an explicit key the client falls back to OPENAI_API_KEY.
		opts := []openai.Option{openai.WithModel(cfg.Model)}
		if cfg.APIKey.IsSet() {
			opts = append(opts, openai.WithToken(cfg.APIKey.Value()))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)
	case ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.Model), ollama.WithFormat("json")}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		return ollama.New(opts...)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}
