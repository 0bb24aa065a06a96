package core

import (
	"context"
	"io"
	"time"

	"github.com/markdave123-py/sapling/internal/models"
)

// DbClient defines all persistence operations the services need.
// It abstracts Postgres/pgvector so higher layers never depend on a specific DB.
//
// Writes taking a generation only apply while the source's processing_generation
// still equals it; otherwise they fail with ErrStaleGeneration.
type DbClient interface {
	CreateSpace(ctx context.Context, space *models.Space) error
	GetSpaceByID(ctx context.Context, id string) (*models.Space, error)

	CreateSource(ctx context.Context, src *models.Source) error
	GetSourceByID(ctx context.Context, id string) (*models.Source, error)
	ListSourcesBySpace(ctx context.Context, spaceID string) ([]models.Source, error)
	DeleteSource(ctx context.Context, id string) error
	ResetSourceStatus(ctx context.Context, id string) error

	// ClaimSource moves a non-ready, unclaimed source into a new processing generation.
	ClaimSource(ctx context.Context, id string, lease time.Duration) (int64, error)
	SaveExtractedContent(ctx context.Context, id string, generation int64, content string, patch models.Metadata) error
	ReplaceSourceChunks(ctx context.Context, id string, generation int64, chunks []models.SourceChunk) error
	MarkSourceReady(ctx context.Context, id string, generation int64, patch models.Metadata) error
	MarkSourceFailed(ctx context.Context, id string, generation int64, patch models.Metadata) error
	// ReleaseClaim drops the run's lease and leaves the source in processing.
	ReleaseClaim(ctx context.Context, id string, generation int64) error
	FailStaleSources(ctx context.Context, before time.Time, patch models.Metadata) (int64, error)

	UpsertSourceSummary(ctx context.Context, summary *models.SourceSummary) error
	GetSourceSummary(ctx context.Context, sourceID string) (*models.SourceSummary, error)

	GetChunksBySource(ctx context.Context, sourceID string) ([]models.SourceChunk, error)
	// SearchSpaceChunks returns the closest chunks of ready sources; a minSimilarity of 0 disables the cut-off.
	SearchSpaceChunks(ctx context.Context, spaceID string, queryVec []float32, limit int, minSimilarity float64) ([]models.ScoredChunk, error)

	Close() error
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	Upload(ctx context.Context, key string, data io.Reader, contentType string) (path string, err error)
	Download(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, keys ...string) error
}
