package ingestion_engine

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"strings"

	"code.sajari.com/docconv"
	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/markdave123-py/sapling/internal/core"
	"github.com/markdave123-py/sapling/internal/logger"
)

var _ core.DocumentExtractor = (*DocconvExtractor)(nil)

// Content types accepted by Extract.
const (
	MimePDF      = "application/pdf"
	MimePlain    = "text/plain"
	MimeMarkdown = "text/markdown"
	MimeXMD      = "text/x-markdown"
	MimeHTML     = "text/html"
	MimeDocx     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeODT      = "application/vnd.oasis.opendocument.text"
)

// DocconvExtractor turns raw source bytes into plain text.
// PDFs go through ledongthuc/pdf, office documents through docconv.
type DocconvExtractor struct {
	log *zap.Logger
}

func NewDocconvExtractor(log *zap.Logger) *DocconvExtractor {
	return &DocconvExtractor{log: logger.OrNop(log)}
}

// SupportedContentType reports whether Extract accepts contentType.
func SupportedContentType(contentType string) bool {
	switch mediaType(contentType) {
	case MimePDF, MimePlain, MimeMarkdown, MimeXMD, MimeHTML, MimeDocx, MimeODT:
		return true
	}
	return false
}

// Extract dispatches on the media type, ignoring parameters such as charset.
func (e *DocconvExtractor) Extract(ctx context.Context, raw []byte, contentType string) (*core.ExtractedText, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch mt := mediaType(contentType); mt {
	case MimePDF:
		return e.extractPDF(raw)
	case MimePlain, MimeMarkdown, MimeXMD:
		return newExtracted(strings.TrimSpace(strings.ToValidUTF8(string(raw), "�")), 0), nil
	case MimeHTML:
		return e.ExtractPage(raw)
	case MimeDocx:
		text, _, err := docconv.ConvertDocx(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("docx extraction: %w", err)
		}
		return newExtracted(strings.TrimSpace(text), 0), nil
	case MimeODT:
		text, _, err := docconv.ConvertODT(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("odt extraction: %w", err)
		}
		return newExtracted(strings.TrimSpace(text), 0), nil
	default:
		return nil, fmt.Errorf("%w: %s", core.ErrUnsupportedFormat, contentType)
	}
}

// extractPDF reads every page from the in-memory document and joins them with
// blank lines. Malformed input that makes the parser panic is returned as an error.
func (e *DocconvExtractor) extractPDF(raw []byte) (res *core.ExtractedText, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn("pdf parser panicked", zap.Any("panic", r))
			res, err = nil, fmt.Errorf("open PDF: malformed document: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("open PDF: %w", err)
	}

	numPages := r.NumPage()
	pages := make([]string, 0, numPages)
	for i := 1; i <= numPages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extract page %d: %w", i, err)
		}
		if text = strings.TrimSpace(text); text != "" {
			pages = append(pages, text)
		}
	}

	return newExtracted(strings.Join(pages, "\n\n"), numPages), nil
}

// ExtractPage drops script and style elements, joins the remaining text nodes
// with spaces and collapses whitespace runs.
func (e *DocconvExtractor) ExtractPage(page []byte) (*core.ExtractedText, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style").Remove()

	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			parts = append(parts, n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range doc.Nodes {
		walk(n)
	}

	text := strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
	return newExtracted(text, 0), nil
}

func newExtracted(text string, pages int) *core.ExtractedText {
	return &core.ExtractedText{Text: text, WordCount: CountWords(text), PageCount: pages}
}

// CountWords counts whitespace-separated tokens.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}
