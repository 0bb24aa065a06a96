package ingestion_engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/sapling/internal/models"
)

const abandonedMessage = "processing abandoned"

// SweepStale moves sources stuck in processing for longer than StaleAfter, with
// no live claim, to error.
func (i *SourceIngestor) SweepStale(ctx context.Context) (int64, error) {
	now := i.now()
	n, err := i.db.FailStaleSources(ctx, now.Add(-i.cfg.StaleAfter), models.Metadata{
		models.MetaError:    abandonedMessage,
		models.MetaFailedAt: now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		i.log.Warn("failed stale sources", zap.Int64("count", n))
	}
	return n, nil
}

// StartSweeper runs SweepStale every SweepInterval until ctx is done.
// A zero interval disables it.
func (i *SourceIngestor) StartSweeper(ctx context.Context) {
	if i.cfg.SweepInterval <= 0 {
		return
	}
	i.workers.Add(1)
	go func() {
		defer i.workers.Done()
		ticker := time.NewTicker(i.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := i.SweepStale(ctx); err != nil {
					i.log.Error("stale sweep failed", zap.Error(err))
				}
			}
		}
	}()
}
