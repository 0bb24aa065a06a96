package core

import "errors"

// Pipeline failures. All but ErrSummarizationFailed abort an ingestion run.
var (
	ErrUnsupportedFormat   = errors.New("unsupported format")
	ErrFetchFailed         = errors.New("fetch failed")
	ErrEmptyContent        = errors.New("no content to process")
	ErrEmbeddingFailed     = errors.New("embedding failed")
	ErrPersistenceFailed   = errors.New("persistence failed")
	ErrSummarizationFailed = errors.New("summarization failed")
)

// Store errors.
var (
	ErrSpaceNotFound  = errors.New("space not found")
	ErrSourceNotFound = errors.New("source not found")
	// ErrSourceReady is returned by ClaimSource for sources that already finished processing.
	ErrSourceReady = errors.New("source already processed")
	// ErrSourceBusy is returned by ClaimSource while another run holds an unexpired claim.
	ErrSourceBusy = errors.New("source is being processed")
	// ErrStaleGeneration means a newer run claimed the source since this run started.
	ErrStaleGeneration = errors.New("stale processing generation")
)

// ErrQueueFull is returned when the ingestion queue cannot accept another job.
var ErrQueueFull = errors.New("ingestion queue is full")
