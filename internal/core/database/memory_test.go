package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/sapling/internal/core"
	"github.com/markdave123-py/sapling/internal/models"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newStoreWithSource(t *testing.T) (*MemoryClient, *fakeClock, *models.Source) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryClient(clock.Now)
	ctx := context.Background()

	space := &models.Space{UserID: "user-1", Name: "Biology"}
	require.NoError(t, store.CreateSpace(ctx, space))

	src := &models.Source{SpaceID: space.ID, Title: "notes", Kind: models.SourceKindText}
	require.NoError(t, store.CreateSource(ctx, src))
	return store, clock, src
}

func TestMemoryClient_CreateSourceDefaults(t *testing.T) {
	store, _, src := newStoreWithSource(t)

	got, err := store.GetSourceByID(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.NotNil(t, got.Metadata)
	assert.Nil(t, got.Content)
}

func TestMemoryClient_CreateSourceUnknownSpace(t *testing.T) {
	store := NewMemoryClient(nil)
	err := store.CreateSource(context.Background(), &models.Source{SpaceID: "nope"})
	assert.ErrorIs(t, err, core.ErrSpaceNotFound)
}

func TestMemoryClient_ClaimIsExclusiveUntilLeaseExpires(t *testing.T) {
	store, clock, src := newStoreWithSource(t)
	ctx := context.Background()

	gen, err := store.ClaimSource(ctx, src.ID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), gen)

	_, err = store.ClaimSource(ctx, src.ID, time.Minute)
	assert.ErrorIs(t, err, core.ErrSourceBusy)

	clock.Advance(2 * time.Minute)
	gen2, err := store.ClaimSource(ctx, src.ID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), gen2)

	// The first run lost ownership.
	err = store.MarkSourceReady(ctx, src.ID, gen, nil)
	assert.ErrorIs(t, err, core.ErrStaleGeneration)
}

func TestMemoryClient_ClaimReadySource(t *testing.T) {
	store, _, src := newStoreWithSource(t)
	ctx := context.Background()

	gen, err := store.ClaimSource(ctx, src.ID, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.MarkSourceReady(ctx, src.ID, gen, models.Metadata{models.MetaChunkCount: 1}))

	_, err = store.ClaimSource(ctx, src.ID, time.Minute)
	assert.ErrorIs(t, err, core.ErrSourceReady)

	require.NoError(t, store.ResetSourceStatus(ctx, src.ID))
	_, err = store.ClaimSource(ctx, src.ID, time.Minute)
	assert.NoError(t, err)
}

func TestMemoryClient_ClaimUnknownSource(t *testing.T) {
	store := NewMemoryClient(nil)
	_, err := store.ClaimSource(context.Background(), "missing", time.Minute)
	assert.ErrorIs(t, err, core.ErrSourceNotFound)
}

func TestMemoryClient_ReleaseClaim(t *testing.T) {
	store, _, src := newStoreWithSource(t)
	ctx := context.Background()

	gen, err := store.ClaimSource(ctx, src.ID, time.Hour)
	require.NoError(t, err)
	assert.ErrorIs(t, store.ReleaseClaim(ctx, src.ID, gen+1), core.ErrStaleGeneration)
	require.NoError(t, store.ReleaseClaim(ctx, src.ID, gen))

	got, err := store.GetSourceByID(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)

	// Claimable again without waiting for the lease.
	gen2, err := store.ClaimSource(ctx, src.ID, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, gen+1, gen2)

	require.NoError(t, store.MarkSourceReady(ctx, src.ID, gen2, nil))
	assert.ErrorIs(t, store.ReleaseClaim(ctx, src.ID, gen2), core.ErrStaleGeneration)
}

func TestMemoryClient_MetadataIsMerged(t *testing.T) {
	store, _, src := newStoreWithSource(t)
	ctx := context.Background()

	gen, err := store.ClaimSource(ctx, src.ID, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.SaveExtractedContent(ctx, src.ID, gen, "hello", models.Metadata{models.MetaWordCount: 1}))
	require.NoError(t, store.MarkSourceFailed(ctx, src.ID, gen, models.Metadata{models.MetaError: "boom"}))

	got, err := store.GetSourceByID(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Status)
	assert.Equal(t, 1, got.Metadata[models.MetaWordCount])
	assert.Equal(t, "boom", got.Metadata[models.MetaError])
	require.NotNil(t, got.Content)
	assert.Equal(t, "hello", *got.Content)
}

func TestMemoryClient_ReplaceChunksReplacesWholeSet(t *testing.T) {
	store, _, src := newStoreWithSource(t)
	ctx := context.Background()

	gen, err := store.ClaimSource(ctx, src.ID, time.Minute)
	require.NoError(t, err)

	first := []models.SourceChunk{
		{ChunkIndex: 0, Content: "a", Embedding: []float32{1, 0}},
		{ChunkIndex: 1, Content: "b", Embedding: []float32{0, 1}},
	}
	require.NoError(t, store.ReplaceSourceChunks(ctx, src.ID, gen, first))

	second := []models.SourceChunk{{ChunkIndex: 0, Content: "c", Embedding: []float32{1, 1}}}
	require.NoError(t, store.ReplaceSourceChunks(ctx, src.ID, gen, second))

	got, err := store.GetChunksBySource(ctx, src.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].Content)
	assert.Equal(t, src.ID, got[0].SourceID)

	err = store.ReplaceSourceChunks(ctx, src.ID, gen+1, first)
	assert.ErrorIs(t, err, core.ErrStaleGeneration)
}

func TestMemoryClient_FailStaleSources(t *testing.T) {
	store, clock, src := newStoreWithSource(t)
	ctx := context.Background()

	_, err := store.ClaimSource(ctx, src.ID, 10*time.Minute)
	require.NoError(t, err)

	// Claim still live: untouched.
	clock.Advance(5 * time.Minute)
	n, err := store.FailStaleSources(ctx, clock.Now(), models.Metadata{models.MetaError: "processing abandoned"})
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(time.Hour)
	n, err = store.FailStaleSources(ctx, clock.Now().Add(-30*time.Minute), models.Metadata{models.MetaError: "processing abandoned"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.GetSourceByID(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, got.Status)
	assert.Equal(t, "processing abandoned", got.Metadata[models.MetaError])
}

func TestMemoryClient_UpsertSummaryKeepsOneRow(t *testing.T) {
	store, _, src := newStoreWithSource(t)
	ctx := context.Background()

	first := &models.SourceSummary{SourceID: src.ID, Summary: "one"}
	require.NoError(t, store.UpsertSourceSummary(ctx, first))
	second := &models.SourceSummary{SourceID: src.ID, Summary: "two"}
	require.NoError(t, store.UpsertSourceSummary(ctx, second))

	got, err := store.GetSourceSummary(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, "two", got.Summary)
	assert.Equal(t, first.ID, got.ID)

	none, err := store.GetSourceSummary(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMemoryClient_DeleteCascades(t *testing.T) {
	store, _, src := newStoreWithSource(t)
	ctx := context.Background()

	gen, err := store.ClaimSource(ctx, src.ID, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.ReplaceSourceChunks(ctx, src.ID, gen, []models.SourceChunk{{Content: "x", Embedding: []float32{1}}}))
	require.NoError(t, store.UpsertSourceSummary(ctx, &models.SourceSummary{SourceID: src.ID, Summary: "s"}))

	require.NoError(t, store.DeleteSource(ctx, src.ID))

	chunks, err := store.GetChunksBySource(ctx, src.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	summary, err := store.GetSourceSummary(ctx, src.ID)
	require.NoError(t, err)
	assert.Nil(t, summary)
	assert.ErrorIs(t, store.DeleteSource(ctx, src.ID), core.ErrSourceNotFound)
}

func TestMemoryClient_SearchOnlyReadySources(t *testing.T) {
	store, _, src := newStoreWithSource(t)
	ctx := context.Background()

	gen, err := store.ClaimSource(ctx, src.ID, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.ReplaceSourceChunks(ctx, src.ID, gen, []models.SourceChunk{
		{ChunkIndex: 0, Content: "far", Embedding: []float32{0, 1}},
		{ChunkIndex: 1, Content: "near", Embedding: []float32{1, 0.1}},
	}))

	hits, err := store.SearchSpaceChunks(ctx, src.SpaceID, []float32{1, 0}, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, hits, "processing sources are not searchable")

	require.NoError(t, store.MarkSourceReady(ctx, src.ID, gen, nil))
	hits, err = store.SearchSpaceChunks(ctx, src.SpaceID, []float32{1, 0}, 1, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "near", hits[0].Content)
	assert.Equal(t, "notes", hits[0].SourceTitle)
	assert.InDelta(t, 1-hits[0].Distance, hits[0].Similarity, 1e-9)

	// "far" is orthogonal to the query: similarity 0.
	hits, err = store.SearchSpaceChunks(ctx, src.SpaceID, []float32{1, 0}, 5, 0.5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "near", hits[0].Content)
}
