package llm

import (
	"strings"

	"github.com/anthropics/anthropic-sdk-go/option"
)

// Provider identifies a language-model provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOllama    Provider = "ollama"
	ProviderOpenAI    Provider = "openai"
)

// ParseModelString parses a model string into provider and model name.
//
//	"ollama/llama3.2"          → (ollama, "llama3.2")
//	"openai/gpt-4o"            → (openai, "gpt-4o")
//	"claude-sonnet-4-20250514" → (anthropic, "claude-sonnet-4-20250514")
//	"gpt-4"                    → (openai, "gpt-4")
//	"llama3.2"                 → (openai, "llama3.2") fallback
func ParseModelString(model string) (Provider, string) {
	if i := strings.Index(model, "/"); i > 0 {
		name := model[i+1:]
		switch strings.ToLower(model[:i]) {
		case "ollama":
			return ProviderOllama, name
		case "openai":
			return ProviderOpenAI, name
		case "anthropic":
			return ProviderAnthropic, name
		}
	}

	lower := strings.ToLower(model)
	if strings.HasPrefix(lower, "claude") {
		return ProviderAnthropic, model
	}
	return ProviderOpenAI, model
}

// ProviderConfig holds the credentials needed to build a client.
type ProviderConfig struct {
	Model         string
	AnthropicKey  string
	AnthropicBase string
	OpenAIKey     string
	OpenAIBase    string
	OllamaHost    string
}

// NewClientForModel creates the client matching cfg.Model and returns it
// together with the provider-local model name.
func NewClientForModel(cfg ProviderConfig) (Client, string) {
	provider, modelName := ParseModelString(cfg.Model)

	switch provider {
	case ProviderOllama:
		return NewOllamaClient(cfg.OllamaHost), modelName
	case ProviderAnthropic:
		// WithRetry owns retries; the SDK would otherwise retry twice more per attempt.
		opts := []option.RequestOption{option.WithMaxRetries(0)}
		if cfg.AnthropicBase != "" {
			opts = append(opts, option.WithBaseURL(cfg.AnthropicBase))
		}
		if cfg.AnthropicKey != "" {
			return NewAnthropicClientWithKey(cfg.AnthropicKey, opts...), modelName
		}
		return NewAnthropicClient(opts...), modelName
	default:
		if cfg.OpenAIBase != "" {
			return NewOpenAICompatibleClient(cfg.OpenAIBase, cfg.OpenAIKey), modelName
		}
		return NewOpenAIClient(cfg.OpenAIKey), modelName
	}
}
