package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/sapling/internal/core"
	"github.com/markdave123-py/sapling/internal/logger"
	"github.com/markdave123-py/sapling/internal/models"
)

// Deps are the collaborators a SourceIngestor drives.
type Deps struct {
	DB         core.DbClient
	Objects    core.ObjectClient
	Fetcher    core.PageFetcher
	Extractor  core.DocumentExtractor
	Embeddings core.EmbeddingProvider
	Summarizer Summarizer
	// Now defaults to time.Now.
	Now func() time.Time
}

// SourceIngestor owns the processing -> ready|error lifecycle of sources.
type SourceIngestor struct {
	db         core.DbClient
	obj        core.ObjectClient
	fetcher    core.PageFetcher
	extractor  core.DocumentExtractor
	chunker    *Chunker
	embedder   *BatchEmbedder
	summarizer Summarizer
	cfg        IngestConfig
	log        *zap.Logger
	now        func() time.Time

	jobs     chan string
	inflight *inflightSet
	workers  sync.WaitGroup
}

// NewSourceIngestor validates cfg and builds the pipeline stages.
func NewSourceIngestor(deps Deps, cfg IngestConfig, log *zap.Logger) (*SourceIngestor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.DB == nil || deps.Extractor == nil || deps.Summarizer == nil {
		return nil, errors.New("ingestor: db, extractor and summarizer are required")
	}
	log = logger.OrNop(log).Named("ingestor")

	chunker, err := NewChunker(cfg.Chunk)
	if err != nil {
		return nil, fmt.Errorf("chunk config: %w", err)
	}
	embedder, err := NewBatchEmbedder(deps.Embeddings, cfg.Embed, log)
	if err != nil {
		return nil, err
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &SourceIngestor{
		db:         deps.DB,
		obj:        deps.Objects,
		fetcher:    deps.Fetcher,
		extractor:  deps.Extractor,
		chunker:    chunker,
		embedder:   embedder,
		summarizer: deps.Summarizer,
		cfg:        cfg,
		log:        log,
		now:        now,
		jobs:       make(chan string, cfg.QueueSize),
		inflight:   newInflightSet(),
	}, nil
}

// Start runs numWorkers goroutines consuming the job queue until ctx is done.
func (i *SourceIngestor) Start(ctx context.Context, numWorkers int) {
	for w := 1; w <= numWorkers; w++ {
		i.workers.Add(1)
		go func(w int) {
			defer i.workers.Done()
			for {
				select {
				case <-ctx.Done():
					i.log.Debug("worker shutting down", zap.Int("worker", w))
					return
				case id := <-i.jobs:
					i.log.Info("processing source", zap.String("source_id", id), zap.Int("worker", w))
					res := i.RunIngestion(ctx, id)
					if !res.Success {
						i.log.Warn("ingestion failed", zap.String("source_id", id), zap.String("error", res.Error))
					}
				}
			}
		}(w)
	}
}

// Wait blocks until every worker started by Start has returned.
func (i *SourceIngestor) Wait() { i.workers.Wait() }

// Trigger queues sourceID without blocking.
func (i *SourceIngestor) Trigger(sourceID string) error {
	select {
	case i.jobs <- sourceID:
		return nil
	default:
		return core.ErrQueueFull
	}
}

// RunIngestion claims the source and runs every stage in order. Stage failures are
// recorded on the source and reported in the result, never returned as errors.
func (i *SourceIngestor) RunIngestion(ctx context.Context, sourceID string) RunResult {
	if !i.inflight.acquire(sourceID) {
		return failed(core.ErrSourceBusy)
	}
	defer i.inflight.release(sourceID)

	gen, err := i.db.ClaimSource(ctx, sourceID, i.cfg.ClaimLease)
	switch {
	case errors.Is(err, core.ErrSourceReady):
		return RunResult{Success: true, AlreadyProcessed: true, Message: "Already processed"}
	case err != nil:
		return failed(err)
	}

	log := i.log.With(zap.String("source_id", sourceID), zap.Int64("generation", gen))
	start := i.now()

	res, err := i.process(ctx, sourceID, gen, log)
	if err != nil {
		if errors.Is(err, core.ErrStaleGeneration) {
			log.Warn("run superseded by a newer claim, discarding results")
			return failed(err)
		}
		if ctx.Err() != nil {
			// Interrupted, not failed: the source stays in processing for a
			// later trigger or the stale sweep.
			i.releaseClaim(ctx, sourceID, gen, err, log)
			return failed(err)
		}
		i.recordFailure(ctx, sourceID, gen, err, log)
		return failed(err)
	}

	log.Info("source ready",
		zap.Int("chunks", res.ChunkCount),
		zap.Int("words", res.WordCount),
		zap.Duration("took", i.now().Sub(start)))
	return res
}

func (i *SourceIngestor) process(ctx context.Context, sourceID string, gen int64, log *zap.Logger) (RunResult, error) {
	src, err := i.db.GetSourceByID(ctx, sourceID)
	if err != nil {
		return RunResult{}, err
	}

	// 1-2. Fetch and extract.
	extracted, err := i.extract(ctx, src)
	if err != nil {
		return RunResult{}, err
	}
	patch := models.Metadata{models.MetaWordCount: extracted.WordCount}
	if extracted.PageCount > 0 {
		patch[models.MetaPageCount] = extracted.PageCount
	}
	if err := i.withStage(ctx, func(ctx context.Context) error {
		return i.db.SaveExtractedContent(ctx, sourceID, gen, extracted.Text, patch)
	}); err != nil {
		return RunResult{}, persistErr("save extracted content", err)
	}
	log.Debug("content extracted", zap.Int("words", extracted.WordCount), zap.Int("pages", extracted.PageCount))
	if strings.TrimSpace(extracted.Text) == "" {
		return RunResult{}, core.ErrEmptyContent
	}

	// 3. Chunk.
	chunks := i.chunker.Chunk(extracted.Text)
	if len(chunks) == 0 {
		return RunResult{}, core.ErrEmptyContent
	}

	// 4. Embed every chunk before anything is written.
	texts := make([]string, len(chunks))
	for k, c := range chunks {
		texts[k] = c.Content
	}
	var embeddings []EmbeddingResult
	if err := i.withStage(ctx, func(ctx context.Context) error {
		var err error
		embeddings, err = i.embedder.EmbedBatch(ctx, texts)
		return err
	}); err != nil {
		if !errors.Is(err, core.ErrEmbeddingFailed) {
			err = fmt.Errorf("%w: %w", core.ErrEmbeddingFailed, err)
		}
		return RunResult{}, err
	}

	// 5. Replace the chunk set.
	rows := make([]models.SourceChunk, len(chunks))
	for k, c := range chunks {
		rows[k] = models.SourceChunk{
			SourceID:   sourceID,
			ChunkIndex: c.Index,
			Content:    c.Content,
			TokenCount: c.TokenCount,
			Embedding:  embeddings[k].Embedding,
			Metadata:   models.Metadata{},
		}
	}
	if err := i.withStage(ctx, func(ctx context.Context) error {
		return i.db.ReplaceSourceChunks(ctx, sourceID, gen, rows)
	}); err != nil {
		return RunResult{}, persistErr("replace chunks", err)
	}

	// 6. Summary, best effort.
	i.summarize(ctx, src, extracted, log)

	// 7. Ready.
	if err := i.withStage(ctx, func(ctx context.Context) error {
		return i.db.MarkSourceReady(ctx, sourceID, gen, models.Metadata{
			models.MetaWordCount:   extracted.WordCount,
			models.MetaChunkCount:  len(chunks),
			models.MetaProcessedAt: i.now().UTC().Format(time.RFC3339),
		})
	}); err != nil {
		return RunResult{}, persistErr("mark ready", err)
	}

	return RunResult{Success: true, ChunkCount: len(chunks), WordCount: extracted.WordCount}, nil
}

// extract resolves the raw content for the source kind and turns it into text.
func (i *SourceIngestor) extract(ctx context.Context, src *models.Source) (*core.ExtractedText, error) {
	switch {
	case src.Kind == models.SourceKindFile && src.FilePath != "":
		if i.obj == nil {
			return nil, fmt.Errorf("%w: object storage not configured", core.ErrFetchFailed)
		}
		var raw []byte
		if err := i.withStage(ctx, func(ctx context.Context) error {
			var err error
			raw, err = i.obj.Download(ctx, src.FilePath)
			return err
		}); err != nil {
			return nil, fmt.Errorf("%w: failed to download file: %w", core.ErrFetchFailed, err)
		}
		contentType := src.FileType
		if contentType == "" {
			contentType = MimePlain
		}
		return i.extractor.Extract(ctx, raw, contentType)

	case src.Kind == models.SourceKindURL && src.SourceURL != "":
		if i.fetcher == nil {
			return nil, fmt.Errorf("%w: no page fetcher configured", core.ErrFetchFailed)
		}
		var page []byte
		if err := i.withStage(ctx, func(ctx context.Context) error {
			var err error
			page, err = i.fetcher.Fetch(ctx, src.SourceURL)
			return err
		}); err != nil {
			if !errors.Is(err, core.ErrFetchFailed) {
				err = fmt.Errorf("%w: %w", core.ErrFetchFailed, err)
			}
			return nil, err
		}
		return i.extractor.ExtractPage(page)

	case src.Kind == models.SourceKindText && src.Content != nil:
		return newExtracted(strings.TrimSpace(*src.Content), 0), nil

	case src.Kind == models.SourceKindFile, src.Kind == models.SourceKindURL, src.Kind == models.SourceKindText:
		return nil, fmt.Errorf("%w: %s source is missing its content", core.ErrEmptyContent, src.Kind)

	default:
		return nil, fmt.Errorf("%w: invalid source type %q", core.ErrUnsupportedFormat, src.Kind)
	}
}

func (i *SourceIngestor) summarize(ctx context.Context, src *models.Source, extracted *core.ExtractedText, log *zap.Logger) {
	var res SummaryResult
	if err := i.withStage(ctx, func(ctx context.Context) error {
		var err error
		res, err = i.summarizer.Summarize(ctx, extracted.Text, src.Title)
		return err
	}); err != nil {
		log.Warn("summarization failed, source will have no summary", zap.Error(err))
		return
	}
	if res.Fallback {
		log.Info("stored fallback summary")
	}

	err := i.withStage(ctx, func(ctx context.Context) error {
		return i.db.UpsertSourceSummary(ctx, &models.SourceSummary{
			SourceID:  src.ID,
			Summary:   res.Summary,
			KeyPoints: res.KeyPoints,
			Topics:    res.Topics,
			WordCount: extracted.WordCount,
		})
	})
	if err != nil {
		log.Warn("failed to save summary", zap.Error(err))
	}
}

// recordFailure stores the error on the source. It runs on a context detached from
// cancellation so a cancelled run still leaves the source in a terminal state.
func (i *SourceIngestor) recordFailure(ctx context.Context, sourceID string, gen int64, cause error, log *zap.Logger) {
	log.Error("ingestion failed", zap.Error(cause))

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.cfg.StageTimeout)
	defer cancel()

	err := i.db.MarkSourceFailed(ctx, sourceID, gen, models.Metadata{
		models.MetaError:    cause.Error(),
		models.MetaFailedAt: i.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		log.Error("failed to record ingestion failure", zap.Error(err))
	}
}

func (i *SourceIngestor) releaseClaim(ctx context.Context, sourceID string, gen int64, cause error, log *zap.Logger) {
	log.Warn("ingestion interrupted, releasing claim", zap.Error(cause))

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.cfg.StageTimeout)
	defer cancel()

	if err := i.db.ReleaseClaim(ctx, sourceID, gen); err != nil {
		log.Warn("failed to release claim", zap.Error(err))
	}
}

// withStage runs fn under the per-stage timeout.
func (i *SourceIngestor) withStage(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, i.cfg.StageTimeout)
	defer cancel()
	return fn(ctx)
}

func persistErr(op string, err error) error {
	if errors.Is(err, core.ErrStaleGeneration) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", core.ErrPersistenceFailed, op, err)
}

// inflightSet keeps a second run for the same source from starting in this process
// while the first still holds it.
type inflightSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newInflightSet() *inflightSet {
	return &inflightSet{ids: make(map[string]struct{})}
}

func (s *inflightSet) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *inflightSet) release(id string) {
	s.mu.Lock()
	delete(s.ids, id)
	s.mu.Unlock()
}
