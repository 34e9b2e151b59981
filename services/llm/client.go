package llm

import "context"

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// GenerateStream invokes onDelta once per model token fragment, in
	// order. It returns after the stream ends or onDelta errors.
	GenerateStream(ctx context.Context, prompt string, params GenerationParams, onDelta func(delta string) error) error
}
