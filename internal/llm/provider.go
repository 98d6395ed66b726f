package llm

import (
	"context"
	"fmt"
	"strings"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderGemini = "gemini"
)

const (
	defaultTemperature = 0.2
	defaultMaxTokens   = 800
)

// Settings selects and configures a backend.
type Settings struct {
	Provider      string
	Environment   string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	OllamaURL     string
	OllamaModel   string
	GeminiAPIKey  string
	GeminiModel   string
}

// DetectProvider picks the provider: an explicit choice wins, otherwise
// production with an OpenAI key uses OpenAI and everything else uses Ollama.
func DetectProvider(explicit, environment, openAIKey string) string {
	switch p := strings.ToLower(strings.TrimSpace(explicit)); p {
	case ProviderOpenAI, ProviderOllama, ProviderGemini:
		return p
	}
	if environment == "production" && openAIKey != "" {
		return ProviderOpenAI
	}
	return ProviderOllama
}

// DefaultModel returns the model used when none is configured.
func DefaultModel(provider, environment string) string {
	prod := environment == "production"
	switch provider {
	case ProviderOpenAI:
		if prod {
			return "gpt-4"
		}
		return "gpt-3.5-turbo"
	case ProviderGemini:
		return "gemini-2.0-flash"
	default:
		if prod {
			return "llama3.2:3b"
		}
		return "llama3.2:1b"
	}
}

// NewBackend builds the backend described by s.
func NewBackend(ctx context.Context, s Settings) (Backend, error) {
	provider := DetectProvider(s.Provider, s.Environment, s.OpenAIAPIKey)
	switch provider {
	case ProviderOpenAI:
		b, err := NewOpenAIBackend(s.OpenAIAPIKey, s.OpenAIBaseURL, orDefault(s.OpenAIModel, provider, s.Environment))
		if err != nil {
			return nil, err
		}
		return b, nil
	case ProviderGemini:
		b, err := NewGeminiBackend(ctx, s.GeminiAPIKey, orDefault(s.GeminiModel, provider, s.Environment))
		if err != nil {
			return nil, err
		}
		return b, nil
	case ProviderOllama:
		return NewOllamaBackend(s.OllamaURL, orDefault(s.OllamaModel, provider, s.Environment)), nil
	}
	return nil, fmt.Errorf("unknown llm provider %q", provider)
}

func orDefault(model, provider, environment string) string {
	if model != "" {
		return model
	}
	return DefaultModel(provider, environment)
}
