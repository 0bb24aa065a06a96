package ingestion_engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/markdave123-py/sapling/internal/models"
)

// stubEmbedder returns deterministic vectors and records batch sizes.
type stubEmbedder struct {
	mu      sync.Mutex
	dim     int
	batches []int
	failOn  int // 1-based call number that fails; 0 never
	short   bool
	onCall  func()
	// hang blocks each call until its context ends; entered is closed on the first call.
	hang    bool
	entered chan struct{}
	once    sync.Once
}

func newStubEmbedder() *stubEmbedder { return &stubEmbedder{dim: models.EmbeddingDimensions} }

func (s *stubEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if s.onCall != nil {
		s.onCall()
	}
	if s.hang {
		if s.entered != nil {
			s.once.Do(func() { close(s.entered) })
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s.mu.Lock()
	s.batches = append(s.batches, len(texts))
	call := len(s.batches)
	s.mu.Unlock()

	if s.failOn == call {
		return nil, errors.New("provider unavailable")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, s.dim)
		v[0] = float32(len(t))
		out[i] = v
	}
	if s.short && len(out) > 0 {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (s *stubEmbedder) calls() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.batches...)
}

// stubLLM answers every GenerateJSON call with resp or err.
type stubLLM struct {
	resp       string
	err        error
	lastUser   string
	lastSystem string
}

func (s *stubLLM) Generate(ctx context.Context, system, user string) (string, error) {
	return s.GenerateJSON(ctx, system, user)
}

func (s *stubLLM) GenerateJSON(_ context.Context, system, user string) (string, error) {
	s.lastSystem, s.lastUser = system, user
	return s.resp, s.err
}

type stubSummarizer struct {
	res SummaryResult
	err error
}

func (s stubSummarizer) Summarize(context.Context, string, string) (SummaryResult, error) {
	return s.res, s.err
}

type stubFetcher struct {
	body []byte
	err  error
}

func (s stubFetcher) Fetch(context.Context, string) ([]byte, error) { return s.body, s.err }

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
