package ingestion_engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"

	"github.com/markdave123-py/sapling/internal/core"
	"github.com/markdave123-py/sapling/internal/logger"
)

const (
	maxSummaryInput    = 100_000
	maxFallbackSummary = 500
	emptySummaryText   = "No summary available."
)

const summarySystemPrompt = `You analyze documents for a study notebook.
Respond with a single JSON object and nothing else, shaped as:
{"summary": string, "keyPoints": [string], "topics": [string]}
- summary: a concise summary of the content in 2-3 sentences.
- keyPoints: 3-5 key points extracted from the content.
- topics: 3-5 main topics or themes present in the content.`

// SummaryResult is what callers persist. KeyPoints and Topics are empty, never nil,
// for fallback summaries.
type SummaryResult struct {
	Summary   string
	KeyPoints []string
	Topics    []string
	Fallback  bool
}

// Summarizer produces a SummaryResult from extracted text.
type Summarizer interface {
	Summarize(ctx context.Context, text, title string) (SummaryResult, error)
}

var _ Summarizer = (*LLMSummarizer)(nil)

// LLMSummarizer asks a generative model for a structured summary and falls back
// to the first paragraph of the text when generation or validation fails.
type LLMSummarizer struct {
	llm core.LLMProvider
	log *zap.Logger
}

func NewLLMSummarizer(llm core.LLMProvider, log *zap.Logger) *LLMSummarizer {
	return &LLMSummarizer{llm: llm, log: logger.OrNop(log)}
}

// summaryOutput is the model's JSON response.
type summaryOutput struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"keyPoints"`
	Topics    []string `json:"topics"`
}

func (o summaryOutput) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.Summary, validation.Required),
		validation.Field(&o.KeyPoints, validation.Required, validation.Length(3, 5)),
		validation.Field(&o.Topics, validation.Required, validation.Length(3, 5)),
	)
}

// Summarize never returns an error; failures are logged and replaced by the fallback.
func (s *LLMSummarizer) Summarize(ctx context.Context, text, title string) (SummaryResult, error) {
	out, err := s.generate(ctx, text, title)
	if err != nil {
		s.log.Warn("summary generation failed, using fallback", zap.Error(err))
		return FallbackSummary(text), nil
	}

	res := SummaryResult{
		Summary:   strings.TrimSpace(out.Summary),
		KeyPoints: cleanList(out.KeyPoints),
		Topics:    cleanList(out.Topics),
	}
	if res.Summary == "" {
		s.log.Warn("summary generation returned blank summary, using fallback")
		return FallbackSummary(text), nil
	}
	return res, nil
}

// generate is the model path. Any error it returns wraps ErrSummarizationFailed.
func (s *LLMSummarizer) generate(ctx context.Context, text, title string) (summaryOutput, error) {
	if s.llm == nil {
		return summaryOutput{}, fmt.Errorf("%w: no generative provider configured", core.ErrSummarizationFailed)
	}

	raw, err := s.llm.GenerateJSON(ctx, summarySystemPrompt, buildSummaryPrompt(text, title))
	if err != nil {
		return summaryOutput{}, fmt.Errorf("%w: %v", core.ErrSummarizationFailed, err)
	}

	var out summaryOutput
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &out); err != nil {
		return summaryOutput{}, fmt.Errorf("%w: decode response: %v", core.ErrSummarizationFailed, err)
	}
	if err := out.Validate(); err != nil {
		return summaryOutput{}, fmt.Errorf("%w: %v", core.ErrSummarizationFailed, err)
	}
	return out, nil
}

func buildSummaryPrompt(text, title string) string {
	var b strings.Builder
	b.WriteString("Analyze the following content and provide a summary, key points, and topics.\n\n")
	if t := strings.TrimSpace(title); t != "" {
		b.WriteString("Title: ")
		b.WriteString(t)
		b.WriteString("\n\n")
	}
	b.WriteString("Content:\n")
	b.WriteString(truncateRunes(text, maxSummaryInput, "..."))
	return b.String()
}

// FallbackSummary uses the first blank-line-delimited block of text, cut to 500
// characters including the ellipsis.
func FallbackSummary(text string) SummaryResult {
	first := strings.TrimSpace(strings.SplitN(text, "\n\n", 2)[0])
	if first == "" {
		first = strings.TrimSpace(text)
	}
	summary := truncateRunes(first, maxFallbackSummary-3, "...")
	if utf8.RuneCountInString(first) <= maxFallbackSummary {
		summary = first
	}
	if summary == "" {
		summary = emptySummaryText
	}
	return SummaryResult{Summary: summary, KeyPoints: []string{}, Topics: []string{}, Fallback: true}
}

// truncateRunes cuts s to n runes and appends marker when anything was removed.
func truncateRunes(s string, n int, marker string) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + marker
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// stripCodeFence removes a ```json fence some models wrap around JSON output.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
