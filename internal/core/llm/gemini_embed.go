package llm

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/markdave123-py/sapling/internal/core"
)

var (
	_ core.EmbeddingProvider = (*GeminiEmbedder)(nil)
	_ core.QueryEmbedder     = (*GeminiEmbedder)(nil)
)

type GeminiEmbedder struct {
	client    *genai.Client
	modelName string
	dim       int
}

// NewGeminiEmbedder returns an embedder producing vectors of exactly dim values.
// opts are passed to the underlying client after the API key.
func NewGeminiEmbedder(ctx context.Context, apiKey, modelName string, dim int, opts ...option.ClientOption) (*GeminiEmbedder, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}
	cl, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = "gemini-embedding-001"
	}
	return &GeminiEmbedder{client: cl, modelName: modelName, dim: dim}, nil
}

func (g *GeminiEmbedder) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// EmbedTexts embeds document texts in one BatchEmbedContents request.
// Callers are responsible for keeping len(texts) within the provider's batch limit.
func (g *GeminiEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	return g.embed(ctx, texts, genai.TaskTypeRetrievalDocument)
}

// EmbedQuery embeds a search query with the retrieval-query task type.
func (g *GeminiEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := g.embed(ctx, []string{query}, genai.TaskTypeRetrievalQuery)
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("gemini query embed: got %d embeddings", len(vecs))
	}
	return vecs[0], nil
}

func (g *GeminiEmbedder) embed(ctx context.Context, texts []string, task genai.TaskType) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	em := g.client.EmbeddingModel(g.modelName)
	em.TaskType = task

	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	resp, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("gemini batch embed: %w", err)
	}

	out := make([][]float32, 0, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		if e == nil {
			return nil, fmt.Errorf("gemini batch embed: empty embedding at %d", i)
		}
		vec, err := fitDimensions(e.Values, g.dim)
		if err != nil {
			return nil, fmt.Errorf("gemini batch embed: embedding %d: %w", i, err)
		}
		out = append(out, vec)
	}
	return out, nil
}

// fitDimensions truncates a Matryoshka embedding to dim values and re-normalizes it.
// Vectors shorter than dim cannot be widened and are rejected.
func fitDimensions(values []float32, dim int) ([]float32, error) {
	switch {
	case len(values) < dim:
		return nil, fmt.Errorf("got %d dimensions, want %d", len(values), dim)
	case len(values) == dim:
		return values, nil
	}

	vec := make([]float32, dim)
	copy(vec, values[:dim])
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum > 0 {
		norm := float32(1 / math.Sqrt(sum))
		for i := range vec {
			vec[i] *= norm
		}
	}
	return vec, nil
}
