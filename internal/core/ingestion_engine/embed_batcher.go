package ingestion_engine

import (
	"context"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/markdave123-py/sapling/internal/core"
	"github.com/markdave123-py/sapling/internal/logger"
	"github.com/markdave123-py/sapling/internal/models"
)

// EmbedConfig controls how chunk texts are sent to the embedding provider.
type EmbedConfig struct {
	Dimensions  int     // must equal models.EmbeddingDimensions
	BatchSize   int     // texts per provider call, at most 100
	RPS         float64 // provider calls per second; 0 disables throttling
	Concurrency int     // batches in flight; 0 means 1
}

func DefaultEmbedConfig() EmbedConfig {
	return EmbedConfig{Dimensions: models.EmbeddingDimensions, BatchSize: 100, RPS: 5, Concurrency: 1}
}

func (c EmbedConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Dimensions, validation.Required, validation.In(models.EmbeddingDimensions)),
		validation.Field(&c.BatchSize, validation.Required, validation.Min(1), validation.Max(100)),
		validation.Field(&c.RPS, validation.Min(0.0)),
		validation.Field(&c.Concurrency, validation.Min(0)),
	)
}

// EmbeddingResult pairs a vector with the position of its text in the input.
type EmbeddingResult struct {
	Embedding []float32
	Index     int
}

// BatchEmbedder splits texts into provider-sized batches and reassembles the results.
type BatchEmbedder struct {
	provider core.EmbeddingProvider
	cfg      EmbedConfig
	limiter  *rate.Limiter
	log      *zap.Logger
}

func NewBatchEmbedder(provider core.EmbeddingProvider, cfg EmbedConfig, log *zap.Logger) (*BatchEmbedder, error) {
	if provider == nil {
		return nil, fmt.Errorf("embedding provider is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("embedding config: %w", err)
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 1
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	return &BatchEmbedder{
		provider: provider,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		log:      logger.OrNop(log),
	}, nil
}

// EmbedBatch returns one result per text in input order. Any failed batch, short
// response or wrongly sized vector fails the whole call with ErrEmbeddingFailed.
func (b *BatchEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]EmbeddingResult, error) {
	results := make([]EmbeddingResult, len(texts))
	if len(texts) == 0 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Concurrency)

	for start := 0; start < len(texts); start += b.cfg.BatchSize {
		end := min(start+b.cfg.BatchSize, len(texts))
		g.Go(func() error {
			return b.embedRange(gctx, texts, start, end, results)
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// embedRange embeds texts[start:end] into results[start:end].
func (b *BatchEmbedder) embedRange(ctx context.Context, texts []string, start, end int, results []EmbeddingResult) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", core.ErrEmbeddingFailed, err)
	}

	vecs, err := b.provider.EmbedTexts(ctx, texts[start:end])
	if err != nil {
		b.log.Warn("embedding batch failed", zap.Int("start", start), zap.Int("size", end-start), zap.Error(err))
		return fmt.Errorf("%w: batch at %d: %v", core.ErrEmbeddingFailed, start, err)
	}
	if len(vecs) != end-start {
		return fmt.Errorf("%w: batch at %d returned %d vectors for %d texts",
			core.ErrEmbeddingFailed, start, len(vecs), end-start)
	}

	for i, v := range vecs {
		if len(v) != b.cfg.Dimensions {
			return fmt.Errorf("%w: vector %d has %d dimensions, want %d",
				core.ErrEmbeddingFailed, start+i, len(v), b.cfg.Dimensions)
		}
		results[start+i] = EmbeddingResult{Embedding: v, Index: start + i}
	}
	return nil
}
