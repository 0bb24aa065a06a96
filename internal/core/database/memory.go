package db

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/sapling/internal/core"
	"github.com/markdave123-py/sapling/internal/models"
)

var _ core.DbClient = (*MemoryClient)(nil)

// MemoryClient is an in-process DbClient with the same claim and generation
// semantics as DatabaseClient. It backs tests and local runs without Postgres.
type MemoryClient struct {
	mu        sync.Mutex
	now       func() time.Time
	spaces    map[string]models.Space
	sources   map[string]*memSource
	chunks    map[string][]models.SourceChunk
	summaries map[string]models.SourceSummary
}

type memSource struct {
	models.Source
	claimedUntil time.Time
}

// NewMemoryClient returns an empty store. now may be nil.
func NewMemoryClient(now func() time.Time) *MemoryClient {
	if now == nil {
		now = time.Now
	}
	return &MemoryClient{
		now:       now,
		spaces:    make(map[string]models.Space),
		sources:   make(map[string]*memSource),
		chunks:    make(map[string][]models.SourceChunk),
		summaries: make(map[string]models.SourceSummary),
	}
}

func (m *MemoryClient) Close() error { return nil }

func (m *MemoryClient) CreateSpace(_ context.Context, space *models.Space) error {
	if space == nil {
		return errors.New("nil space")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if space.ID == "" {
		space.ID = uuid.NewString()
	}
	space.CreatedAt, space.UpdatedAt = m.now(), m.now()
	m.spaces[space.ID] = *space
	return nil
}

func (m *MemoryClient) GetSpaceByID(_ context.Context, id string) (*models.Space, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.spaces[id]
	if !ok {
		return nil, core.ErrSpaceNotFound
	}
	return &s, nil
}

func (m *MemoryClient) CreateSource(_ context.Context, src *models.Source) error {
	if src == nil {
		return errors.New("nil source")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.spaces[src.SpaceID]; !ok {
		return core.ErrSpaceNotFound
	}
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	if src.Status == "" {
		src.Status = models.StatusProcessing
	}
	if src.Metadata == nil {
		src.Metadata = models.Metadata{}
	}
	src.CreatedAt, src.UpdatedAt = m.now(), m.now()
	m.sources[src.ID] = &memSource{Source: copySource(*src)}
	return nil
}

func (m *MemoryClient) GetSourceByID(_ context.Context, id string) (*models.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	if !ok {
		return nil, core.ErrSourceNotFound
	}
	out := copySource(s.Source)
	return &out, nil
}

func (m *MemoryClient) ListSourcesBySpace(_ context.Context, spaceID string) ([]models.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Source
	for _, s := range m.sources {
		if s.SpaceID == spaceID {
			out = append(out, copySource(s.Source))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryClient) DeleteSource(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[id]; !ok {
		return core.ErrSourceNotFound
	}
	delete(m.sources, id)
	delete(m.chunks, id)
	delete(m.summaries, id)
	return nil
}

func (m *MemoryClient) ResetSourceStatus(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	if !ok {
		return core.ErrSourceNotFound
	}
	s.Status = models.StatusProcessing
	s.claimedUntil = time.Time{}
	s.UpdatedAt = m.now()
	return nil
}

func (m *MemoryClient) ClaimSource(_ context.Context, id string, lease time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	if !ok {
		return 0, core.ErrSourceNotFound
	}
	if s.Status == models.StatusReady {
		return 0, core.ErrSourceReady
	}
	now := m.now()
	if !s.claimedUntil.IsZero() && !s.claimedUntil.Before(now) {
		return 0, core.ErrSourceBusy
	}
	s.Status = models.StatusProcessing
	s.Generation++
	s.claimedUntil = now.Add(lease)
	s.UpdatedAt = now
	return s.Generation, nil
}

// owned returns the source if generation is still current. Callers hold m.mu.
func (m *MemoryClient) owned(id string, generation int64) (*memSource, error) {
	s, ok := m.sources[id]
	if !ok {
		return nil, core.ErrSourceNotFound
	}
	if s.Generation != generation {
		return nil, core.ErrStaleGeneration
	}
	return s, nil
}

func (m *MemoryClient) SaveExtractedContent(_ context.Context, id string, generation int64, content string, patch models.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.owned(id, generation)
	if err != nil {
		return err
	}
	s.Content = &content
	s.Metadata = s.Metadata.Merge(patch)
	s.UpdatedAt = m.now()
	return nil
}

func (m *MemoryClient) ReplaceSourceChunks(_ context.Context, id string, generation int64, chunks []models.SourceChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.owned(id, generation); err != nil {
		return err
	}
	out := make([]models.SourceChunk, len(chunks))
	for i, ch := range chunks {
		if ch.ID == "" {
			ch.ID = uuid.NewString()
		}
		ch.SourceID = id
		ch.CreatedAt = m.now()
		ch.Embedding = append([]float32(nil), ch.Embedding...)
		out[i] = ch
	}
	m.chunks[id] = out
	return nil
}

func (m *MemoryClient) MarkSourceReady(_ context.Context, id string, generation int64, patch models.Metadata) error {
	return m.finish(id, generation, models.StatusReady, patch)
}

func (m *MemoryClient) MarkSourceFailed(_ context.Context, id string, generation int64, patch models.Metadata) error {
	return m.finish(id, generation, models.StatusError, patch)
}

func (m *MemoryClient) ReleaseClaim(_ context.Context, id string, generation int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.owned(id, generation)
	if err != nil {
		return err
	}
	if s.Status != models.StatusProcessing {
		return core.ErrStaleGeneration
	}
	s.claimedUntil = time.Time{}
	s.UpdatedAt = m.now()
	return nil
}

func (m *MemoryClient) finish(id string, generation int64, status models.SourceStatus, patch models.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.owned(id, generation)
	if err != nil {
		return err
	}
	s.Status = status
	s.Metadata = s.Metadata.Merge(patch)
	s.claimedUntil = time.Time{}
	s.UpdatedAt = m.now()
	return nil
}

func (m *MemoryClient) FailStaleSources(_ context.Context, before time.Time, patch models.Metadata) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for _, s := range m.sources {
		if s.Status != models.StatusProcessing || !s.UpdatedAt.Before(before) {
			continue
		}
		if !s.claimedUntil.IsZero() && !s.claimedUntil.Before(now) {
			continue
		}
		s.Status = models.StatusError
		s.Metadata = s.Metadata.Merge(patch)
		s.claimedUntil = time.Time{}
		s.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *MemoryClient) UpsertSourceSummary(_ context.Context, summary *models.SourceSummary) error {
	if summary == nil {
		return errors.New("nil summary")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[summary.SourceID]; !ok {
		return core.ErrSourceNotFound
	}
	now := m.now()
	if prev, ok := m.summaries[summary.SourceID]; ok {
		summary.ID = prev.ID
		summary.CreatedAt = prev.CreatedAt
	} else {
		if summary.ID == "" {
			summary.ID = uuid.NewString()
		}
		summary.CreatedAt = now
	}
	summary.UpdatedAt = now
	m.summaries[summary.SourceID] = *summary
	return nil
}

func (m *MemoryClient) GetSourceSummary(_ context.Context, sourceID string) (*models.SourceSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.summaries[sourceID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryClient) GetChunksBySource(_ context.Context, sourceID string) ([]models.SourceChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.SourceChunk(nil), m.chunks[sourceID]...), nil
}

func (m *MemoryClient) SearchSpaceChunks(_ context.Context, spaceID string, queryVec []float32, limit int, minSimilarity float64) ([]models.ScoredChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ScoredChunk
	for id, chunks := range m.chunks {
		src := m.sources[id]
		if src == nil || src.SpaceID != spaceID || src.Status != models.StatusReady {
			continue
		}
		for _, ch := range chunks {
			d := cosineDistance(queryVec, ch.Embedding)
			if minSimilarity != 0 && 1-d < minSimilarity {
				continue
			}
			out = append(out, models.ScoredChunk{
				SourceChunk: ch,
				SourceTitle: src.Title,
				Distance:    d,
				Similarity:  1 - d,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

func copySource(s models.Source) models.Source {
	s.Metadata = models.Metadata{}.Merge(s.Metadata)
	if s.Content != nil {
		c := *s.Content
		s.Content = &c
	}
	return s
}
