package core

import "context"

// EmbeddingProvider turns texts into vectors, one per input, in input order.
type EmbeddingProvider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// QueryEmbedder embeds a search query into the same space as stored chunks.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

type LLMProvider interface {
	Generate(ctx context.Context, systemPrompt string, userPrompt string) (string, error)
	// GenerateJSON is Generate constrained to a JSON response body.
	GenerateJSON(ctx context.Context, systemPrompt string, userPrompt string) (string, error)
}
