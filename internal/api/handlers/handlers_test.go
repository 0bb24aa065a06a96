package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	middleware "github.com/markdave123-py/sapling/internal/api/middlewares"
	"github.com/markdave123-py/sapling/internal/config"
	"github.com/markdave123-py/sapling/internal/core"
	db "github.com/markdave123-py/sapling/internal/core/database"
	"github.com/markdave123-py/sapling/internal/core/ingestion_engine"
	objectclient "github.com/markdave123-py/sapling/internal/core/object-client"
	"github.com/markdave123-py/sapling/internal/models"
)

const owner = "user-1"

type stubIngestor struct {
	mu         sync.Mutex
	triggered  []string
	triggerErr error
	result     ingestion_engine.RunResult
}

func (s *stubIngestor) Start(context.Context, int) {}

func (s *stubIngestor) Trigger(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.triggerErr != nil {
		return s.triggerErr
	}
	s.triggered = append(s.triggered, id)
	return nil
}

func (s *stubIngestor) RunIngestion(context.Context, string) ingestion_engine.RunResult {
	return s.result
}

func (s *stubIngestor) SweepStale(context.Context) (int64, error) { return 0, nil }

type stubEmbedder struct{}

func (stubEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return []float32{1, 0}, nil
}

type stubLLM struct{ prompt string }

func (s *stubLLM) Generate(_ context.Context, _, user string) (string, error) {
	s.prompt = user
	return "Chlorophyll absorbs light.", nil
}

func (s *stubLLM) GenerateJSON(ctx context.Context, system, user string) (string, error) {
	return s.Generate(ctx, system, user)
}

type testEnv struct {
	router   http.Handler
	store    *db.MemoryClient
	objects  *objectclient.MemoryClient
	ingestor *stubIngestor
	llm      *stubLLM
	space    *models.Space
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    db.NewMemoryClient(nil),
		objects:  objectclient.NewMemoryClient(),
		ingestor: &stubIngestor{},
		llm:      &stubLLM{},
	}
	cfg := &config.Config{MaxUploadBytes: 64}

	spaces := NewSpaceHandler(env.store, nil)
	sources := NewSourceHandler(env.store, env.objects, env.ingestor, cfg, nil)
	chat := NewChatHandler(env.store, stubEmbedder{}, env.llm, nil)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if u := r.Header.Get("X-Test-User"); u != "" {
				r = r.WithContext(middleware.WithUserID(r.Context(), u))
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Post("/spaces", spaces.CreateSpace)
	r.Get("/spaces/{spaceID}", spaces.GetSpace)
	r.Post("/spaces/{spaceID}/sources", sources.CreateSource)
	r.Get("/spaces/{spaceID}/sources", sources.ListSources)
	r.Post("/spaces/{spaceID}/search", chat.Search)
	r.Post("/spaces/{spaceID}/ask", chat.Ask)
	r.Get("/sources/{sourceID}", sources.GetSource)
	r.Delete("/sources/{sourceID}", sources.DeleteSource)
	r.Post("/sources/{sourceID}/process", sources.ProcessSource)
	r.Post("/sources/{sourceID}/reprocess", sources.ReprocessSource)
	env.router = r

	env.space = &models.Space{UserID: owner, Name: "Biology"}
	require.NoError(t, env.store.CreateSpace(context.Background(), env.space))
	return env
}

func (e *testEnv) do(t *testing.T, user, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) upload(t *testing.T, filename, contentType string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("title", ""))

	var (
		part io.Writer
		err  error
	)
	if contentType == "" {
		part, err = mw.CreateFormFile("file", filename)
	} else {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
		h.Set("Content-Type", contentType)
		part, err = mw.CreatePart(h)
	}
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/spaces/"+e.space.ID+"/sources", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Test-User", owner)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCreateSpace(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, owner, http.MethodPost, "/spaces", map[string]string{"name": "Chemistry"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	space := decode[models.Space](t, rec)
	assert.Equal(t, owner, space.UserID)
	assert.NotEmpty(t, space.ID)

	rec = env.do(t, owner, http.MethodPost, "/spaces", map[string]string{"name": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "fields")
}

func TestCreateSpace_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "", http.MethodPost, "/spaces", map[string]string{"name": "x"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateSource_Text(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, owner, http.MethodPost, "/spaces/"+env.space.ID+"/sources", map[string]string{
		"source_type": "text",
		"content":     "Mitochondria are the powerhouse of the cell.",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	src := decode[models.Source](t, rec)
	assert.Equal(t, models.StatusProcessing, src.Status)
	assert.Equal(t, models.SourceKindText, src.Kind)
	assert.Equal(t, "Untitled note", src.Title)
	assert.Equal(t, []string{src.ID}, env.ingestor.triggered)
}

func TestCreateSource_URL(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, owner, http.MethodPost, "/spaces/"+env.space.ID+"/sources", map[string]string{
		"source_type": "url",
		"url":         "https://example.com/article",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	src := decode[models.Source](t, rec)
	assert.Equal(t, "https://example.com/article", src.SourceURL)
	assert.Equal(t, "https://example.com/article", src.Title)
}

func TestCreateSource_Invalid(t *testing.T) {
	env := newTestEnv(t)
	path := "/spaces/" + env.space.ID + "/sources"

	for name, body := range map[string]map[string]string{
		"bad scheme":   {"source_type": "url", "url": "ftp://example.com/x"},
		"missing url":  {"source_type": "url"},
		"missing text": {"source_type": "text"},
		"unknown type": {"source_type": "video"},
	} {
		t.Run(name, func(t *testing.T) {
			rec := env.do(t, owner, http.MethodPost, path, body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, env.ingestor.triggered)
}

func TestCreateSource_ForeignSpace(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, "intruder", http.MethodPost, "/spaces/"+env.space.ID+"/sources", map[string]string{
		"source_type": "text", "content": "x",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, owner, http.MethodGet, "/spaces/nope/sources", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateSource_FileUpload(t *testing.T) {
	env := newTestEnv(t)

	rec := env.upload(t, "notes.txt", "", []byte("hello world"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	src := decode[models.Source](t, rec)
	assert.Equal(t, models.SourceKindFile, src.Kind)
	assert.Equal(t, "text/plain", src.FileType)
	assert.Equal(t, "notes.txt", src.Title)
	assert.Equal(t, int64(11), src.FileSize)
	assert.True(t, strings.HasPrefix(src.FilePath, owner+"/"+env.space.ID+"/"))
	assert.True(t, strings.HasSuffix(src.FilePath, ".txt"))
	assert.True(t, env.objects.Has(src.FilePath))
	assert.Equal(t, []string{src.ID}, env.ingestor.triggered)
}

func TestCreateSource_UnsupportedFile(t *testing.T) {
	env := newTestEnv(t)

	rec := env.upload(t, "photo.jpg", "image/jpeg", []byte{0xff, 0xd8})
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Empty(t, env.ingestor.triggered)

	sources, err := env.store.ListSourcesBySpace(context.Background(), env.space.ID)
	require.NoError(t, err)
	assert.Empty(t, sources)
}

func TestCreateSource_FileTooLarge(t *testing.T) {
	env := newTestEnv(t)
	rec := env.upload(t, "big.txt", "text/plain", bytes.Repeat([]byte("a"), 100))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCreateSource_QueueFullStillCreates(t *testing.T) {
	env := newTestEnv(t)
	env.ingestor.triggerErr = core.ErrQueueFull

	rec := env.do(t, owner, http.MethodPost, "/spaces/"+env.space.ID+"/sources", map[string]string{
		"source_type": "text", "content": "x",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func (e *testEnv) textSource(t *testing.T) *models.Source {
	t.Helper()
	content := "some text"
	src := &models.Source{SpaceID: e.space.ID, Title: "note", Kind: models.SourceKindText, Content: &content}
	require.NoError(t, e.store.CreateSource(context.Background(), src))
	return src
}

func (e *testEnv) markReady(t *testing.T, src *models.Source, chunks ...models.SourceChunk) {
	t.Helper()
	ctx := context.Background()
	gen, err := e.store.ClaimSource(ctx, src.ID, time.Minute)
	require.NoError(t, err)
	require.NoError(t, e.store.ReplaceSourceChunks(ctx, src.ID, gen, chunks))
	require.NoError(t, e.store.MarkSourceReady(ctx, src.ID, gen, models.Metadata{models.MetaChunkCount: len(chunks)}))
}

func TestGetSource_WithSummary(t *testing.T) {
	env := newTestEnv(t)
	src := env.textSource(t)

	rec := env.do(t, owner, http.MethodGet, "/sources/"+src.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `null`, string(decode[map[string]json.RawMessage](t, rec)["summary"]))

	require.NoError(t, env.store.UpsertSourceSummary(context.Background(), &models.SourceSummary{
		SourceID: src.ID, Summary: "About cells.", KeyPoints: []string{}, Topics: []string{},
	}))
	rec = env.do(t, owner, http.MethodGet, "/sources/"+src.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "About cells.")

	rec = env.do(t, "intruder", http.MethodGet, "/sources/"+src.ID, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, owner, http.MethodGet, "/sources/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSources(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, owner, http.MethodGet, "/spaces/"+env.space.ID+"/sources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	env.textSource(t)
	rec = env.do(t, owner, http.MethodGet, "/spaces/"+env.space.ID+"/sources", nil)
	assert.Len(t, decode[[]models.Source](t, rec), 1)
}

func TestProcessSource_Async(t *testing.T) {
	env := newTestEnv(t)
	src := env.textSource(t)

	rec := env.do(t, owner, http.MethodPost, "/sources/"+src.ID+"/process", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"accepted":true}`, rec.Body.String())

	env.ingestor.triggerErr = core.ErrQueueFull
	rec = env.do(t, owner, http.MethodPost, "/sources/"+src.ID+"/process", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProcessSource_AlreadyReady(t *testing.T) {
	env := newTestEnv(t)
	src := env.textSource(t)
	env.markReady(t, src)

	rec := env.do(t, owner, http.MethodPost, "/sources/"+src.ID+"/process", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Already processed"}`, rec.Body.String())
	assert.Empty(t, env.ingestor.triggered)
}

func TestProcessSource_Wait(t *testing.T) {
	env := newTestEnv(t)
	src := env.textSource(t)

	env.ingestor.result = ingestion_engine.RunResult{Success: true, ChunkCount: 3, WordCount: 40}
	rec := env.do(t, owner, http.MethodPost, "/sources/"+src.ID+"/process?wait=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"chunkCount":3,"wordCount":40}`, rec.Body.String())

	env.ingestor.result = ingestion_engine.RunResult{Error: "fetch failed: failed to fetch URL: HTTP 404 Not Found", Err: core.ErrFetchFailed}
	rec = env.do(t, owner, http.MethodPost, "/sources/"+src.ID+"/process?wait=true", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "404")

	env.ingestor.result = ingestion_engine.RunResult{Error: core.ErrSourceBusy.Error(), Err: core.ErrSourceBusy}
	rec = env.do(t, owner, http.MethodPost, "/sources/"+src.ID+"/process?wait=true", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReprocessSource(t *testing.T) {
	env := newTestEnv(t)
	src := env.textSource(t)
	env.markReady(t, src)

	rec := env.do(t, owner, http.MethodPost, "/sources/"+src.ID+"/reprocess", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	got, err := env.store.GetSourceByID(context.Background(), src.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	assert.Equal(t, []string{src.ID}, env.ingestor.triggered)
}

func TestDeleteSource_RemovesFile(t *testing.T) {
	env := newTestEnv(t)
	rec := env.upload(t, "notes.md", "", []byte("# hi"))
	require.Equal(t, http.StatusCreated, rec.Code)
	src := decode[models.Source](t, rec)
	assert.Equal(t, "text/markdown", src.FileType)

	rec = env.do(t, owner, http.MethodDelete, "/sources/"+src.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, env.objects.Has(src.FilePath))

	rec = env.do(t, owner, http.MethodGet, "/sources/"+src.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearchAndAsk(t *testing.T) {
	env := newTestEnv(t)
	src := env.textSource(t)
	env.markReady(t, src,
		models.SourceChunk{ChunkIndex: 0, Content: "Chlorophyll absorbs light.", Embedding: []float32{1, 0}},
		models.SourceChunk{ChunkIndex: 1, Content: "Unrelated.", Embedding: []float32{0, 1}},
	)
	path := "/spaces/" + env.space.ID

	rec := env.do(t, owner, http.MethodPost, path+"/search", map[string]any{"query": "light", "limit": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[searchResponse](t, rec)
	require.Len(t, res.Chunks, 1)
	assert.Equal(t, "Chlorophyll absorbs light.", res.Chunks[0].Content)
	assert.Equal(t, "note", res.Chunks[0].SourceTitle)

	rec = env.do(t, owner, http.MethodPost, path+"/ask", map[string]any{"query": "What absorbs light?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ans := decode[askResponse](t, rec)
	assert.Equal(t, "Chlorophyll absorbs light.", ans.Answer)
	assert.Contains(t, env.llm.prompt, "[note]\nChlorophyll absorbs light.")
	assert.Contains(t, env.llm.prompt, "Question: What absorbs light?")

	rec = env.do(t, owner, http.MethodPost, path+"/search", map[string]any{"query": "light", "threshold": 0.5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res = decode[searchResponse](t, rec)
	require.Len(t, res.Chunks, 1, "the orthogonal chunk is below the threshold")
	assert.InDelta(t, 1.0, res.Chunks[0].Similarity, 1e-6)

	rec = env.do(t, owner, http.MethodPost, path+"/search", map[string]any{"query": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, owner, http.MethodPost, path+"/search", map[string]any{"query": "light", "threshold": 1.5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
