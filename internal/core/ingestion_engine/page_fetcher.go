package ingestion_engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/markdave123-py/sapling/internal/core"
)

const (
	fetchUserAgent = "Sapling-Ingest/1.0"
	maxPageBytes   = 10 << 20
)

var _ core.PageFetcher = (*HTTPPageFetcher)(nil)

// HTTPPageFetcher downloads URL sources.
type HTTPPageFetcher struct {
	client *http.Client
}

// NewHTTPPageFetcher returns a fetcher with the given per-request timeout.
func NewHTTPPageFetcher(timeout time.Duration) *HTTPPageFetcher {
	return &HTTPPageFetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch GETs url and returns at most 10 MiB of its body.
// Non-2xx responses fail with ErrFetchFailed carrying the status.
func (f *HTTPPageFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrFetchFailed, err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: failed to fetch URL: HTTP %d %s",
			core.ErrFetchFailed, resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", core.ErrFetchFailed, err)
	}
	return body, nil
}
