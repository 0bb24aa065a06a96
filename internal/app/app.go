package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/markdave123-py/sapling/internal/config"
	"github.com/markdave123-py/sapling/internal/core"
	db "github.com/markdave123-py/sapling/internal/core/database"
	"github.com/markdave123-py/sapling/internal/core/ingestion_engine"
	"github.com/markdave123-py/sapling/internal/core/llm"
	objectclient "github.com/markdave123-py/sapling/internal/core/object-client"
	"github.com/markdave123-py/sapling/internal/logger"
)

type App struct {
	Config       *config.Config
	DBClient     core.DbClient
	ObjectClient core.ObjectClient
	Ingestor     *ingestion_engine.SourceIngestor
	Server       *Server
	log          *zap.Logger
	closers      []func() error
}

// IngestConfig maps service settings onto the pipeline configuration.
func IngestConfig(cfg *config.Config) ingestion_engine.IngestConfig {
	return ingestion_engine.IngestConfig{
		Chunk: ingestion_engine.ChunkConfig{
			TargetTokens:  cfg.ChunkTargetTokens,
			MaxTokens:     cfg.ChunkMaxTokens,
			OverlapTokens: cfg.ChunkOverlapTokens,
		},
		Embed: ingestion_engine.EmbedConfig{
			Dimensions:  cfg.EmbedDim,
			BatchSize:   cfg.EmbedBatchSize,
			RPS:         cfg.EmbedRPS,
			Concurrency: 1,
		},
		Workers:       cfg.IngestWorkers,
		QueueSize:     cfg.IngestQueueSize,
		StageTimeout:  cfg.StageTimeout,
		ClaimLease:    cfg.ClaimLease,
		StaleAfter:    cfg.StaleAfter,
		SweepInterval: cfg.SweepInterval,
	}
}

// NewApp connects to Postgres, S3 and Gemini and assembles the pipeline and HTTP server.
func NewApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	log = logger.OrNop(log)
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	a := &App{Config: cfg, log: log}

	dbClient, err := db.NewDatabaseClient(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	a.DBClient = dbClient
	a.closers = append(a.closers, dbClient.Close)
	log.Info("database initialized and ready")

	objClient, err := objectclient.NewS3Client(appCtx, cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.ObjectClient = objClient

	embedder, err := llm.NewGeminiEmbedder(appCtx, cfg.AIAPIKey, cfg.EmbedModel, cfg.EmbedDim)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("couldn't initialize the embedder: %w", err)
	}
	a.closers = append(a.closers, embedder.Close)

	llmProvider, err := llm.NewGeminiLLM(appCtx, cfg.AIAPIKey, cfg.GenModel)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("couldn't initialize the generative model: %w", err)
	}
	a.closers = append(a.closers, llmProvider.Close)

	ing, err := ingestion_engine.NewSourceIngestor(ingestion_engine.Deps{
		DB:         dbClient,
		Objects:    objClient,
		Fetcher:    ingestion_engine.NewHTTPPageFetcher(cfg.StageTimeout),
		Extractor:  ingestion_engine.NewDocconvExtractor(log),
		Embeddings: embedder,
		Summarizer: ingestion_engine.NewLLMSummarizer(llmProvider, log),
	}, IngestConfig(cfg), log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("ingestion pipeline: %w", err)
	}
	a.Ingestor = ing

	router := NewRouter(cfg, RouterDeps{
		DB:         dbClient,
		Objects:    objClient,
		Ingestor:   ing,
		Embeddings: embedder,
		LLM:        llmProvider,
	}, log)
	a.Server = NewServer(cfg, router, log)

	return a, nil
}

// Run starts the ingestion workers, the stale sweeper and the HTTP server, and
// blocks until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.Ingestor.Start(ctx, a.Config.IngestWorkers)
	a.Ingestor.StartSweeper(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Server.Start() }()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}

	cancel()
	a.Ingestor.Wait()
	return runErr
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
}
