// Package llm defines the provider capability the engine calls for llm
// nodes, plus schema-guided parsing of model output. Wire protocols live
// behind the Provider interface; the core never speaks HTTP itself.
package llm

import (
	"context"
)

// Usage reports token consumption for a single generation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Result is the outcome of a provider generation call.
type Result struct {
	Text  string `json:"text"`
	Usage Usage  `json:"usage"`
}

// Provider is the llm-provider capability. Implementations are registered
// in the component registry under kind "llm-provider" and resolved by model
// name at compile time.
type Provider interface {
	Generate(ctx context.Context, prompt string, config map[string]any) (Result, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, prompt string, config map[string]any) (Result, error)

// Generate implements Provider.
func (f ProviderFunc) Generate(ctx context.Context, prompt string, config map[string]any) (Result, error) {
	return f(ctx, prompt, config)
}

// StubProvider returns the prompt verbatim as text, with a deterministic
// usage estimate. Useful for tests and dry runs.
func StubProvider() Provider {
	return ProviderFunc(func(_ context.Context, prompt string, _ map[string]any) (Result, error) {
		return Result{
			Text: prompt,
			Usage: Usage{
				InputTokens:  len(prompt) / 4,
				OutputTokens: len(prompt) / 4,
				TotalTokens:  len(prompt) / 2,
			},
		}, nil
	})
}
