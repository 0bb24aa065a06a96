package core

import (
	"context"
)

// ExtractedText represents the result of text extraction.
// PageCount is zero for formats without pages.
type ExtractedText struct {
	Text      string
	WordCount int
	PageCount int
}

// DocumentExtractor defines the interface for extracting plain text from raw source content.
type DocumentExtractor interface {
	// Extract decodes raw bytes according to the declared content type.
	// Unknown content types fail with ErrUnsupportedFormat.
	Extract(ctx context.Context, raw []byte, contentType string) (*ExtractedText, error)
	// ExtractPage turns a fetched HTML page into plain text.
	ExtractPage(html []byte) (*ExtractedText, error)
}

// PageFetcher retrieves the body of a URL source.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}
