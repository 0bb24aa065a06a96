package ingestion_engine

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// charsPerToken is the rough English ratio used for every token estimate.
const charsPerToken = 4

// ChunkConfig sizes chunks in approximate tokens.
//
// TargetTokens:  paragraphs are accumulated until the next one would pass this size.
// MaxTokens:     hard limit; longer paragraphs are split by sentence.
// OverlapTokens: tail of a flushed chunk repeated at the start of the next one.
type ChunkConfig struct {
	TargetTokens  int
	MaxTokens     int
	OverlapTokens int
}

// DefaultChunkConfig is 600 target, 800 max, 100 overlap.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{TargetTokens: 600, MaxTokens: 800, OverlapTokens: 100}
}

func (c ChunkConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.OverlapTokens, validation.Required, validation.Min(1), validation.Max(c.TargetTokens-1)),
		validation.Field(&c.TargetTokens, validation.Required, validation.Max(c.MaxTokens)),
		validation.Field(&c.MaxTokens, validation.Required),
	)
}

// Chunk is one slice of text ready for embedding.
type Chunk struct {
	Index      int
	Content    string
	TokenCount int
}

// Chunker splits text into overlapping, token-bounded chunks.
// It holds no state between calls; the same input always gives the same chunks.
type Chunker struct {
	targetChars  int
	maxChars     int
	overlapChars int
}

func NewChunker(cfg ChunkConfig) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{
		targetChars:  cfg.TargetTokens * charsPerToken,
		maxChars:     cfg.MaxTokens * charsPerToken,
		overlapChars: cfg.OverlapTokens * charsPerToken,
	}, nil
}

// EstimateTokens approximates the token count of s as ceil(characters / 4).
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + charsPerToken - 1) / charsPerToken
}

// Chunk splits text on blank lines and packs paragraphs into chunks.
// Empty text yields no chunks.
func (c *Chunker) Chunk(text string) []Chunk {
	var (
		chunks  []Chunk
		current string
	)

	// emit appends s as the next chunk and returns its overlap tail.
	emit := func(s string) string {
		s = strings.TrimSpace(s)
		chunks = append(chunks, Chunk{Index: len(chunks), Content: s, TokenCount: EstimateTokens(s)})
		return c.overlapTail(s)
	}

	for _, para := range splitParagraphs(text) {
		paraLen := utf8.RuneCountInString(para)

		if paraLen > c.maxChars {
			seed := ""
			if current != "" {
				seed = emit(current)
			}
			current = c.splitBySentence(para, seed, emit)
			continue
		}

		if current != "" && utf8.RuneCountInString(current)+paraLen+2 > c.targetChars {
			tail := emit(current)
			if utf8.RuneCountInString(tail)+2+paraLen <= c.maxChars {
				current = tail + "\n\n" + para
			} else {
				// Overlap plus paragraph would pass the hard limit: pack it by
				// sentence so the overlap is kept whole wherever a sentence allows.
				current = c.splitBySentence(para, tail, emit)
			}
			continue
		}

		if current != "" {
			current += "\n\n"
		}
		current += para
	}

	if strings.TrimSpace(current) != "" {
		emit(current)
	}
	return chunks
}

// splitBySentence packs the sentences of an oversized paragraph under the hard limit.
// A sentence longer than the limit becomes a chunk of its own. The unflushed
// remainder is returned so paragraph accumulation can continue after it.
func (c *Chunker) splitBySentence(para, seed string, emit func(string) string) string {
	buf := seed
	fresh := false // buf holds text not yet emitted beyond the seed

	for _, sentence := range splitSentences(para) {
		sLen := utf8.RuneCountInString(sentence)
		if buf != "" && utf8.RuneCountInString(buf)+1+sLen > c.maxChars {
			if fresh {
				buf = emit(buf)
				fresh = false
			}
			if buf != "" && utf8.RuneCountInString(buf)+1+sLen > c.maxChars {
				// The overlap alone would push this sentence past the limit.
				buf = fitOverlap(buf, c.maxChars-sLen-1)
			}
		}
		if buf != "" {
			buf += " "
		}
		buf += sentence
		fresh = true
	}

	if fresh {
		return buf
	}
	return ""
}

// fitOverlap shortens an overlap tail to its last room characters. The hard
// limit wins over the overlap: with no room left the overlap is dropped.
func fitOverlap(tail string, room int) string {
	if room <= 0 {
		return ""
	}
	return strings.TrimLeftFunc(lastRunes(tail, room), unicode.IsSpace)
}

// overlapTail returns the end of a flushed chunk to repeat at the start of the next.
// It prefers to start at a sentence boundary within a 1.5x overlap window and
// returns a literal suffix of text.
func (c *Chunker) overlapTail(text string) string {
	if utf8.RuneCountInString(text) <= c.overlapChars {
		return text
	}

	window := lastRunes(text, c.overlapChars*3/2)
	starts := sentenceStarts(window)
	if len(starts) > 1 {
		limit := c.overlapChars * 6 / 5
		overlap := ""
		for i := len(starts) - 1; i >= 0; i-- {
			candidate := window[starts[i]:]
			if utf8.RuneCountInString(candidate) > limit {
				break
			}
			overlap = candidate
		}
		if overlap != "" {
			return overlap
		}
	}
	return strings.TrimLeftFunc(lastRunes(text, c.overlapChars), unicode.IsSpace)
}

var paragraphBreak = regexp.MustCompile(`\n\s*\n`)

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range paragraphBreak.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences splits on '.', '!' or '?' followed by whitespace.
func splitSentences(text string) []string {
	starts := sentenceStarts(text)
	out := make([]string, 0, len(starts))
	for i, start := range starts {
		end := len(text)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		if s := strings.TrimSpace(text[start:end]); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// sentenceStarts returns the byte offsets at which sentences begin.
func sentenceStarts(text string) []int {
	var (
		starts   []int
		atStart  = true
		terminal bool
	)
	for i, r := range text {
		if unicode.IsSpace(r) {
			if terminal {
				atStart = true
			}
			terminal = false
			continue
		}
		if atStart {
			starts = append(starts, i)
			atStart = false
		}
		terminal = r == '.' || r == '!' || r == '?'
	}
	return starts
}

func lastRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
