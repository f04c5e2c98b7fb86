// Package provider defines the language-model backend used by agents
// whose handlers need drafting or assessment help.
package provider

import (
	"context"
	"fmt"
)

// Request is a single completion request.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Provider is a language-model backend.
type Provider interface {
	// Name returns the provider identifier (e.g. "anthropic", "mock").
	Name() string

	// Complete sends the request and returns the model's text.
	Complete(ctx context.Context, req Request) (string, error)
}

// New constructs a provider by name. An empty name selects the mock.
func New(name, model, apiKey string) (Provider, error) {
	switch name {
	case "", "mock":
		return NewMock(), nil
	case "anthropic":
		if apiKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an api key")
		}
		return NewAnthropic(model, apiKey), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
