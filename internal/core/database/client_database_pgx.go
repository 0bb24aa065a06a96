package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/markdave123-py/sapling/internal/config"
	"github.com/markdave123-py/sapling/internal/core"
	"github.com/markdave123-py/sapling/internal/models"
)

var _ core.DbClient = (*DatabaseClient)(nil)

type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (core.DbClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	dsn := cfg.DatabaseURL
	if cfg.SslCertPath != "" {
		if _, err := os.Stat(cfg.SslCertPath); err != nil {
			return nil, fmt.Errorf("ssl cert not accessible at %q: %w", cfg.SslCertPath, err)
		}
		// Append SSL params to the provided DATABASE_URL safely.
		u, err := url.Parse(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
		q := u.Query()
		q.Set("sslmode", "verify-ca")
		q.Set("sslrootcert", cfg.SslCertPath)
		u.RawQuery = q.Encode()
		dsn = u.String()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Spaces

func (c *DatabaseClient) CreateSpace(ctx context.Context, space *models.Space) error {
	if space == nil {
		return errors.New("nil space")
	}
	if space.ID == "" {
		space.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO spaces (id, user_id, name)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`
	return c.db.QueryRowContext(ctx, q, space.ID, space.UserID, space.Name).
		Scan(&space.CreatedAt, &space.UpdatedAt)
}

func (c *DatabaseClient) GetSpaceByID(ctx context.Context, id string) (*models.Space, error) {
	const q = `
		SELECT id, user_id, name, created_at, updated_at
		FROM spaces WHERE id = $1
	`
	var s models.Space
	err := c.db.QueryRowContext(ctx, q, id).Scan(&s.ID, &s.UserID, &s.Name, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrSpaceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Sources

const sourceColumns = `id, space_id, title, source_type, file_path, file_type, file_size, source_url,
	content, metadata, status, processing_generation, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*models.Source, error) {
	var (
		s                                   models.Source
		filePath, fileType, srcURL, content sql.NullString
		fileSize                            sql.NullInt64
		meta                                []byte
	)
	if err := row.Scan(&s.ID, &s.SpaceID, &s.Title, &s.Kind, &filePath, &fileType, &fileSize, &srcURL,
		&content, &meta, &s.Status, &s.Generation, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.FilePath = filePath.String
	s.FileType = fileType.String
	s.FileSize = fileSize.Int64
	s.SourceURL = srcURL.String
	if content.Valid {
		text := content.String
		s.Content = &text
	}
	md, err := decodeMetadata(meta)
	if err != nil {
		return nil, err
	}
	s.Metadata = md
	return &s, nil
}

func (c *DatabaseClient) CreateSource(ctx context.Context, src *models.Source) error {
	if src == nil {
		return errors.New("nil source")
	}
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	if src.Status == "" {
		src.Status = models.StatusProcessing
	}
	meta, err := encodeMetadata(src.Metadata)
	if err != nil {
		return err
	}
	var content sql.NullString
	if src.Content != nil {
		content = sql.NullString{String: *src.Content, Valid: true}
	}
	const q = `
		INSERT INTO sources
			(id, space_id, title, source_type, file_path, file_type, file_size, source_url, content, metadata, status)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11)
		RETURNING created_at, updated_at
	`
	return c.db.QueryRowContext(ctx, q,
		src.ID, src.SpaceID, src.Title, src.Kind, nullString(src.FilePath), nullString(src.FileType),
		nullInt(src.FileSize), nullString(src.SourceURL), content, meta, src.Status,
	).Scan(&src.CreatedAt, &src.UpdatedAt)
}

func (c *DatabaseClient) GetSourceByID(ctx context.Context, id string) (*models.Source, error) {
	q := `SELECT ` + sourceColumns + ` FROM sources WHERE id = $1`
	s, err := scanSource(c.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrSourceNotFound
	}
	return s, err
}

func (c *DatabaseClient) ListSourcesBySpace(ctx context.Context, spaceID string) ([]models.Source, error) {
	q := `SELECT ` + sourceColumns + ` FROM sources WHERE space_id = $1 ORDER BY created_at DESC`
	rows, err := c.db.QueryContext(ctx, q, spaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// DeleteSource removes the source row; chunks and summary go with it via ON DELETE CASCADE.
func (c *DatabaseClient) DeleteSource(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectRow(res, core.ErrSourceNotFound)
}

func (c *DatabaseClient) ResetSourceStatus(ctx context.Context, id string) error {
	const q = `
		UPDATE sources
		SET status = 'processing', claimed_until = NULL, updated_at = now()
		WHERE id = $1
	`
	res, err := c.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	return expectRow(res, core.ErrSourceNotFound)
}

func (c *DatabaseClient) ClaimSource(ctx context.Context, id string, lease time.Duration) (int64, error) {
	const q = `
		UPDATE sources
		SET status = 'processing',
		    processing_generation = processing_generation + 1,
		    claimed_until = now() + make_interval(secs => $2),
		    updated_at = now()
		WHERE id = $1
		  AND status <> 'ready'
		  AND (claimed_until IS NULL OR claimed_until < now())
		RETURNING processing_generation
	`
	var gen int64
	err := c.db.QueryRowContext(ctx, q, id, lease.Seconds()).Scan(&gen)
	if err == nil {
		return gen, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	// Nothing updated: tell the caller why.
	var status models.SourceStatus
	err = c.db.QueryRowContext(ctx, `SELECT status FROM sources WHERE id = $1`, id).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, core.ErrSourceNotFound
	case err != nil:
		return 0, err
	case status == models.StatusReady:
		return 0, core.ErrSourceReady
	default:
		return 0, core.ErrSourceBusy
	}
}

func (c *DatabaseClient) SaveExtractedContent(ctx context.Context, id string, generation int64, content string, patch models.Metadata) error {
	meta, err := encodeMetadata(patch)
	if err != nil {
		return err
	}
	const q = `
		UPDATE sources
		SET content = $3, metadata = metadata || $4::jsonb, updated_at = now()
		WHERE id = $1 AND processing_generation = $2
	`
	res, err := c.db.ExecContext(ctx, q, id, generation, content, meta)
	if err != nil {
		return err
	}
	return expectRow(res, core.ErrStaleGeneration)
}

// ReplaceSourceChunks deletes the source's chunk set and inserts chunks in a single transaction.
// The source row is locked first so two runs cannot interleave their delete and insert.
func (c *DatabaseClient) ReplaceSourceChunks(ctx context.Context, id string, generation int64, chunks []models.SourceChunk) error {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	err = tx.QueryRowContext(ctx, `SELECT processing_generation FROM sources WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrSourceNotFound
	}
	if err != nil {
		return err
	}
	if current != generation {
		return core.ErrStaleGeneration
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM source_chunks WHERE source_id = $1`, id); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}

	const q = `
		INSERT INTO source_chunks
			(id, source_id, chunk_index, content, token_count, embedding, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range chunks {
		ch := &chunks[i]
		if ch.ID == "" {
			ch.ID = uuid.NewString()
		}
		meta, err := encodeMetadata(ch.Metadata)
		if err != nil {
			return err
		}
		vec := pgvector.NewVector(ch.Embedding)
		if _, err := stmt.ExecContext(ctx,
			ch.ID, id, ch.ChunkIndex, ch.Content, ch.TokenCount, vec, meta,
		); err != nil {
			return fmt.Errorf("insert chunk %d: %w", ch.ChunkIndex, err)
		}
	}
	return tx.Commit()
}

func (c *DatabaseClient) MarkSourceReady(ctx context.Context, id string, generation int64, patch models.Metadata) error {
	return c.finishSource(ctx, id, generation, models.StatusReady, patch)
}

func (c *DatabaseClient) MarkSourceFailed(ctx context.Context, id string, generation int64, patch models.Metadata) error {
	return c.finishSource(ctx, id, generation, models.StatusError, patch)
}

func (c *DatabaseClient) ReleaseClaim(ctx context.Context, id string, generation int64) error {
	const q = `
		UPDATE sources
		SET claimed_until = NULL, updated_at = now()
		WHERE id = $1 AND processing_generation = $2 AND status = 'processing'
	`
	res, err := c.db.ExecContext(ctx, q, id, generation)
	if err != nil {
		return err
	}
	return expectRow(res, core.ErrStaleGeneration)
}

func (c *DatabaseClient) finishSource(ctx context.Context, id string, generation int64, status models.SourceStatus, patch models.Metadata) error {
	meta, err := encodeMetadata(patch)
	if err != nil {
		return err
	}
	const q = `
		UPDATE sources
		SET status = $3, metadata = metadata || $4::jsonb, claimed_until = NULL, updated_at = now()
		WHERE id = $1 AND processing_generation = $2
	`
	res, err := c.db.ExecContext(ctx, q, id, generation, status, meta)
	if err != nil {
		return err
	}
	return expectRow(res, core.ErrStaleGeneration)
}

// FailStaleSources moves sources left in processing by a dead run into error.
func (c *DatabaseClient) FailStaleSources(ctx context.Context, before time.Time, patch models.Metadata) (int64, error) {
	meta, err := encodeMetadata(patch)
	if err != nil {
		return 0, err
	}
	const q = `
		UPDATE sources
		SET status = 'error', metadata = metadata || $2::jsonb, claimed_until = NULL, updated_at = now()
		WHERE status = 'processing'
		  AND updated_at < $1
		  AND (claimed_until IS NULL OR claimed_until < now())
	`
	res, err := c.db.ExecContext(ctx, q, before, meta)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Summaries

func (c *DatabaseClient) UpsertSourceSummary(ctx context.Context, summary *models.SourceSummary) error {
	if summary == nil {
		return errors.New("nil summary")
	}
	if summary.ID == "" {
		summary.ID = uuid.NewString()
	}
	keyPoints, err := encodeStrings(summary.KeyPoints)
	if err != nil {
		return err
	}
	topics, err := encodeStrings(summary.Topics)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO source_summaries (id, source_id, summary, key_points, topics, word_count)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6)
		ON CONFLICT (source_id) DO UPDATE
		SET summary = EXCLUDED.summary,
		    key_points = EXCLUDED.key_points,
		    topics = EXCLUDED.topics,
		    word_count = EXCLUDED.word_count,
		    updated_at = now()
		RETURNING id, created_at, updated_at
	`
	return c.db.QueryRowContext(ctx, q,
		summary.ID, summary.SourceID, summary.Summary, keyPoints, topics, summary.WordCount,
	).Scan(&summary.ID, &summary.CreatedAt, &summary.UpdatedAt)
}

// GetSourceSummary returns nil, nil when the source has no summary.
func (c *DatabaseClient) GetSourceSummary(ctx context.Context, sourceID string) (*models.SourceSummary, error) {
	const q = `
		SELECT id, source_id, summary, key_points, topics, word_count, created_at, updated_at
		FROM source_summaries WHERE source_id = $1
	`
	var (
		s              models.SourceSummary
		points, topics []byte
	)
	err := c.db.QueryRowContext(ctx, q, sourceID).Scan(
		&s.ID, &s.SourceID, &s.Summary, &points, &topics, &s.WordCount, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(points, &s.KeyPoints); err != nil {
		return nil, fmt.Errorf("decode key points: %w", err)
	}
	if err := json.Unmarshal(topics, &s.Topics); err != nil {
		return nil, fmt.Errorf("decode topics: %w", err)
	}
	return &s, nil
}

// Chunks

func (c *DatabaseClient) GetChunksBySource(ctx context.Context, sourceID string) ([]models.SourceChunk, error) {
	const q = `
		SELECT id, source_id, chunk_index, content, token_count, embedding, metadata, created_at
		FROM source_chunks
		WHERE source_id = $1
		ORDER BY chunk_index ASC
	`
	rows, err := c.db.QueryContext(ctx, q, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SourceChunk
	for rows.Next() {
		var (
			ch   models.SourceChunk
			emb  pgvector.Vector
			meta []byte
		)
		if err := rows.Scan(
			&ch.ID, &ch.SourceID, &ch.ChunkIndex, &ch.Content, &ch.TokenCount, &emb, &meta, &ch.CreatedAt,
		); err != nil {
			return nil, err
		}
		ch.Embedding = emb.Slice()
		if ch.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// SearchSpaceChunks finds the chunks of ready sources in a space closest to queryVec (cosine distance).
func (c *DatabaseClient) SearchSpaceChunks(ctx context.Context, spaceID string, queryVec []float32, limit int, minSimilarity float64) ([]models.ScoredChunk, error) {
	const q = `
		SELECT c.id, c.source_id, c.chunk_index, c.content, c.token_count, c.created_at,
		       s.title, c.embedding <=> $2 AS distance
		FROM source_chunks c
		JOIN sources s ON s.id = c.source_id
		WHERE s.space_id = $1 AND s.status = 'ready'
		  AND ($4::float8 = 0 OR 1 - (c.embedding <=> $2) >= $4::float8)
		ORDER BY c.embedding <=> $2
		LIMIT $3
	`
	vec := pgvector.NewVector(queryVec)
	rows, err := c.db.QueryContext(ctx, q, spaceID, vec, limit, minSimilarity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ScoredChunk
	for rows.Next() {
		var sc models.ScoredChunk
		if err := rows.Scan(&sc.ID, &sc.SourceID, &sc.ChunkIndex, &sc.Content, &sc.TokenCount, &sc.CreatedAt,
			&sc.SourceTitle, &sc.Distance); err != nil {
			return nil, err
		}
		sc.Similarity = 1 - sc.Distance
		out = append(out, sc)
	}
	return out, rows.Err()
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}
