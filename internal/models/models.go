package models

import (
	"time"
)

// EmbeddingDimensions is the width of the source_chunks.embedding vector column.
const EmbeddingDimensions = 1536

// SourceKind tells the ingestion pipeline which field of a Source is authoritative.
type SourceKind string

const (
	SourceKindFile SourceKind = "file"
	SourceKindURL  SourceKind = "url"
	SourceKindText SourceKind = "text"
)

// SourceStatus is the processing state of a Source.
type SourceStatus string

const (
	StatusProcessing SourceStatus = "processing"
	StatusReady      SourceStatus = "ready"
	StatusError      SourceStatus = "error"
)

// Metadata keys written by the ingestion pipeline.
const (
	MetaWordCount   = "wordCount"
	MetaPageCount   = "pageCount"
	MetaChunkCount  = "chunkCount"
	MetaContentType = "contentType"
	MetaProcessedAt = "processedAt"
	MetaError       = "error"
	MetaFailedAt    = "failedAt"
)

// Metadata is the free-form key/value map stored on sources and chunks.
// Partial updates are always merged into the stored map, never replace it.
type Metadata map[string]any

// Merge returns a new map holding m overlaid with patch.
func (m Metadata) Merge(patch Metadata) Metadata {
	out := make(Metadata, len(m)+len(patch))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Space is the container owning sources. Only the owner is needed here.
type Space struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Source is a unit of ingestible content (uploaded file, URL or pasted text).
type Source struct {
	ID         string       `db:"id" json:"id"`
	SpaceID    string       `db:"space_id" json:"space_id"`
	Title      string       `db:"title" json:"title"`
	Kind       SourceKind   `db:"source_type" json:"source_type"`
	FilePath   string       `db:"file_path" json:"file_path,omitempty"`
	FileType   string       `db:"file_type" json:"file_type,omitempty"`
	FileSize   int64        `db:"file_size" json:"file_size,omitempty"`
	SourceURL  string       `db:"source_url" json:"source_url,omitempty"`
	Content    *string      `db:"content" json:"content,omitempty"` // nil until extraction completes
	Metadata   Metadata     `db:"metadata" json:"metadata"`
	Status     SourceStatus `db:"status" json:"status"`
	Generation int64        `db:"processing_generation" json:"-"`
	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time    `db:"updated_at" json:"updated_at"`
}

// SourceChunk is one token-bounded slice of a Source's extracted text.
type SourceChunk struct {
	ID         string    `db:"id" json:"id"`
	SourceID   string    `db:"source_id" json:"source_id"`
	ChunkIndex int       `db:"chunk_index" json:"chunk_index"`
	Content    string    `db:"content" json:"content"`
	TokenCount int       `db:"token_count" json:"token_count"`
	Embedding  []float32 `db:"embedding" json:"-"` // pgvector column
	Metadata   Metadata  `db:"metadata" json:"metadata"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// ScoredChunk is a SourceChunk returned from a similarity search.
type ScoredChunk struct {
	SourceChunk
	SourceTitle string  `json:"source_title"`
	Distance    float64 `json:"distance"`
	Similarity  float64 `json:"similarity"` // 1 - Distance
}

// SourceSummary holds the AI (or fallback) summary of a Source. At most one per source.
type SourceSummary struct {
	ID        string    `db:"id" json:"id"`
	SourceID  string    `db:"source_id" json:"source_id"`
	Summary   string    `db:"summary" json:"summary"`
	KeyPoints []string  `db:"key_points" json:"key_points"`
	Topics    []string  `db:"topics" json:"topics"`
	WordCount int       `db:"word_count" json:"word_count"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
