package ingestion_engine

import (
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// IngestConfig is fixed at construction; nothing in the pipeline reads globals.
type IngestConfig struct {
	Chunk ChunkConfig
	Embed EmbedConfig

	Workers       int
	QueueSize     int
	StageTimeout  time.Duration // applied to every external call
	ClaimLease    time.Duration // how long a run owns a source before others may reclaim it
	StaleAfter    time.Duration // processing sources untouched this long are failed by the sweeper
	SweepInterval time.Duration
}

func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		Chunk:         DefaultChunkConfig(),
		Embed:         DefaultEmbedConfig(),
		Workers:       4,
		QueueSize:     64,
		StageTimeout:  2 * time.Minute,
		ClaimLease:    15 * time.Minute,
		StaleAfter:    30 * time.Minute,
		SweepInterval: 5 * time.Minute,
	}
}

func (c IngestConfig) Validate() error {
	if err := c.Chunk.Validate(); err != nil {
		return fmt.Errorf("chunk config: %w", err)
	}
	if err := c.Embed.Validate(); err != nil {
		return fmt.Errorf("embed config: %w", err)
	}
	return validation.ValidateStruct(&c,
		validation.Field(&c.Workers, validation.Required, validation.Min(1)),
		validation.Field(&c.QueueSize, validation.Required, validation.Min(1)),
		validation.Field(&c.StageTimeout, validation.Required),
		validation.Field(&c.ClaimLease, validation.Required),
		validation.Field(&c.StaleAfter, validation.Required),
	)
}
