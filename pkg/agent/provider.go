package agent

import (
	"context"
	"fmt"
)

// Provider is an LLM API provider.
type Provider interface {
	Call(ctx context.Context, request Request) (*Response, error)
	Name() string
}

// Factory creates providers from profiles.
type Factory interface {
	NewProvider(profile Profile) (Provider, error)
}

// DefaultFactory builds the Anthropic and OpenAI providers.
type DefaultFactory struct{}

// NewProvider creates a new LLM provider based on the profile.
func (DefaultFactory) NewProvider(profile Profile) (Provider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey, profile.BaseURL), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, profile.Provider)
	}
}
