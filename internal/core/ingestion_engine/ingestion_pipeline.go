package ingestion_engine

import "context"

// Ingestor is what the API and admin CLI need from the pipeline.
type Ingestor interface {
	Start(ctx context.Context, numWorkers int)
	// Trigger queues a run and returns immediately; ErrQueueFull when saturated.
	Trigger(sourceID string) error
	// RunIngestion runs the pipeline for one source and waits for it.
	RunIngestion(ctx context.Context, sourceID string) RunResult
	SweepStale(ctx context.Context) (int64, error)
}

var _ Ingestor = (*SourceIngestor)(nil)

// RunResult reports one pipeline run. On failure the same message is stored in
// the source's metadata.
type RunResult struct {
	Success          bool   `json:"success"`
	ChunkCount       int    `json:"chunkCount,omitempty"`
	WordCount        int    `json:"wordCount,omitempty"`
	AlreadyProcessed bool   `json:"alreadyProcessed,omitempty"`
	Message          string `json:"message,omitempty"`
	Error            string `json:"error,omitempty"`
	Err              error  `json:"-"`
}

func failed(err error) RunResult {
	return RunResult{Success: false, Error: err.Error(), Err: err}
}
