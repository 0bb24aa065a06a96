package ingestion_engine

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/sapling/internal/core"
)

func TestExtract_PlainText(t *testing.T) {
	e := NewDocconvExtractor(nil)

	got, err := e.Extract(context.Background(), []byte("hello world"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "hello world", got.Text)
	assert.Equal(t, 2, got.WordCount)
	assert.Zero(t, got.PageCount)
}

func TestExtract_MarkdownWithCharset(t *testing.T) {
	e := NewDocconvExtractor(nil)

	got, err := e.Extract(context.Background(), []byte("\n# Title\n\nSome *body* text.\n"), "text/markdown; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, "# Title\n\nSome *body* text.", got.Text)
	assert.Equal(t, 5, got.WordCount)
}

func TestExtract_InvalidUTF8IsReplaced(t *testing.T) {
	e := NewDocconvExtractor(nil)

	got, err := e.Extract(context.Background(), []byte("ok \xff done"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "ok � done", got.Text)
}

func TestExtract_Unsupported(t *testing.T) {
	e := NewDocconvExtractor(nil)

	_, err := e.Extract(context.Background(), []byte{0xff, 0xd8}, "image/jpeg")
	assert.ErrorIs(t, err, core.ErrUnsupportedFormat)
	assert.False(t, SupportedContentType("image/jpeg"))
	assert.True(t, SupportedContentType("application/pdf"))
}

func TestExtract_CancelledContext(t *testing.T) {
	e := NewDocconvExtractor(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Extract(ctx, []byte("text"), "text/plain")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExtract_PDFJoinsPagesWithBlankLines(t *testing.T) {
	e := NewDocconvExtractor(nil)
	raw, err := os.ReadFile("testdata/two_pages.pdf")
	require.NoError(t, err)

	got, err := e.Extract(context.Background(), raw, "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "Sapling pdf page one.\n\nSecond page text here.", got.Text)
	assert.Equal(t, 2, got.PageCount)
	assert.Equal(t, 8, got.WordCount)
}

func TestExtract_BrokenPDF(t *testing.T) {
	e := NewDocconvExtractor(nil)

	for name, raw := range map[string][]byte{
		"not a pdf":   []byte("not a pdf"),
		"header only": []byte("%PDF-1.4\n" + strings.Repeat("x", 200) + "\n%%EOF\n"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := e.Extract(context.Background(), raw, "application/pdf")
			assert.Error(t, err)
		})
	}
}

func TestExtractPage_StripsScriptsAndCollapsesWhitespace(t *testing.T) {
	e := NewDocconvExtractor(nil)
	page := []byte(`<html><head><title>T</title><style>p{color:red}</style></head>
<body><h1>Header</h1><script>var x = 1;</script>
<p>First   para</p><p>second<b>bold</b></p></body></html>`)

	got, err := e.ExtractPage(page)
	require.NoError(t, err)
	assert.Equal(t, "T Header First para second bold", got.Text)
	assert.Equal(t, 6, got.WordCount)
}

func TestExtract_HTMLContentType(t *testing.T) {
	e := NewDocconvExtractor(nil)

	got, err := e.Extract(context.Background(), []byte("<p>a</p><p>b</p>"), "text/html; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, "a b", got.Text)
}
