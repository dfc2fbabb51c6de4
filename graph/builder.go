package graph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/kgrag/llm"
)

// extractionSystemPrompt frames the model as a structured extractor.
const extractionSystemPrompt = `You extract structured facts from IPO (Initial Public Offering) prospectus text.
Respond with ONLY one valid JSON object and nothing else.`

// extractionPrompt asks for every graph element in a single call.
const extractionPrompt = `TEXT TO ANALYZE:
%s

Extract ALL of the following in a single JSON response:

1. ENTITIES: people, companies, organizations, regulators mentioned
2. CLAIMS: facts linking entities (who owns what, who holds which role, amounts)
3. DEFINITIONS: technical or legal terms defined or explained in the text
4. EVENTS: dated happenings (incorporation, IPO, allotment, ...)

Format:
{
  "entities": [
    {"name": "Yashish Dahiya", "type": "PERSON", "attributes": {"role": "Chairman and CEO"}},
    {"name": "PB Fintech Limited", "type": "COMPANY", "attributes": {}}
  ],
  "claims": [
    {"subject": "Yashish Dahiya", "predicate": "IS_CEO_OF", "object": "PB Fintech Limited"},
    {"subject": "PB Fintech Limited", "predicate": "HAS_TOTAL_INCOME", "object": "9,574.13 million"}
  ],
  "definitions": [
    {"term": "Red Herring Prospectus", "definition": "A preliminary prospectus filed with SEBI before the issue"}
  ],
  "events": [
    {"type": "INCORPORATION", "description": "PB Fintech was incorporated", "date": "2008-06-04"}
  ]
}

Rules:
- Entity types are UPPERCASE: PERSON, COMPANY, REGULATOR, ORGANIZATION, COUNTRY, LOCATION, FINANCIAL_METRIC, SHAREHOLDER
- Predicates are UPPERCASE with underscores: IS_CEO_OF, IS_FOUNDER_OF, IS_PROMOTER_OF, OWNS, IS_SUBSIDIARY_OF
- Use FULL entity names in claims, never "the Company"
- Keep numeric values with their units
- Use an empty array for any category with no items`

const (
	// defaultConcurrency bounds parallel LLM calls during extraction.
	defaultConcurrency = 3

	// defaultUnitTimeout caps a single chunk extraction.
	defaultUnitTimeout = 300 * time.Second

	// maxChunkChars truncates chunk text placed in the prompt.
	maxChunkChars = 2000

	extractionMaxTokens = 4096
)

// Chunk is the unit of extraction.
type Chunk struct {
	ID         string
	Text       string
	PageNumber int
}

// Extractor turns chunks into Extractions with a bounded worker pool.
// Workers share no state; each returns a self-contained result.
type Extractor struct {
	chat        llm.Provider
	concurrency int
	timeout     time.Duration
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithConcurrency sets the number of concurrent LLM calls.
func WithConcurrency(n int) ExtractorOption {
	return func(x *Extractor) {
		if n > 0 {
			x.concurrency = n
		}
	}
}

// WithUnitTimeout sets the per-chunk timeout.
func WithUnitTimeout(d time.Duration) ExtractorOption {
	return func(x *Extractor) {
		if d > 0 {
			x.timeout = d
		}
	}
}

// NewExtractor creates an extractor backed by the given chat provider.
func NewExtractor(chat llm.Provider, opts ...ExtractorOption) *Extractor {
	x := &Extractor{
		chat:        chat,
		concurrency: defaultConcurrency,
		timeout:     defaultUnitTimeout,
	}
	for _, o := range opts {
		o(x)
	}
	return x
}

// Extract processes chunks concurrently and returns one Extraction per
// chunk in input order. A failed, timed-out or cancelled unit yields an
// Extraction with Error set; the batch always runs to completion.
// progress, if non-nil, is called after every finished unit.
func (x *Extractor) Extract(ctx context.Context, chunks []Chunk, progress func(done, total int)) []Extraction {
	results := make([]Extraction, len(chunks))
	total := len(chunks)
	start := time.Now()

	slog.Info("graph: extracting", "chunks", total, "concurrency", x.concurrency, "timeout", x.timeout)

	var (
		g    errgroup.Group
		done atomic.Int64
	)
	g.SetLimit(x.concurrency)

	finish := func(i int, ext Extraction) {
		results[i] = ext
		n := int(done.Add(1))
		if progress != nil {
			progress(n, total)
		}
	}

	for i, c := range chunks {
		if err := ctx.Err(); err != nil {
			finish(i, Extraction{ChunkID: c.ID, Error: err.Error()})
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				finish(i, Extraction{ChunkID: c.ID, Error: err.Error()})
				return nil
			}
			unitCtx, cancel := context.WithTimeout(ctx, x.timeout)
			defer cancel()

			unitStart := time.Now()
			ext := x.ExtractChunk(unitCtx, c)
			if ext.Error != "" {
				slog.Warn("graph: chunk failed", "chunk_id", c.ID, "error", ext.Error,
					"elapsed", time.Since(unitStart).Round(time.Millisecond))
			} else {
				slog.Debug("graph: chunk processed", "chunk_id", c.ID,
					"entities", len(ext.Entities), "claims", len(ext.Claims),
					"elapsed", time.Since(unitStart).Round(time.Millisecond))
			}
			finish(i, ext)
			return nil
		})
	}
	_ = g.Wait()

	sum := Summarize(results)
	slog.Info("graph: extraction complete",
		"succeeded", sum.Chunks-sum.Failed, "failed", sum.Failed,
		"entities", sum.Entities, "claims", sum.Claims,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return results
}

// ExtractChunk runs a single extraction call. It never returns an error;
// failures are recorded on the result.
func (x *Extractor) ExtractChunk(ctx context.Context, c Chunk) Extraction {
	text := strings.TrimSpace(c.Text)
	if text == "" {
		return Extraction{ChunkID: c.ID}
	}
	if len(text) > maxChunkChars {
		text = truncateUTF8(text, maxChunkChars)
	}

	resp, err := x.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: extractionSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(extractionPrompt, text)},
		},
		Temperature:    0.1,
		MaxTokens:      extractionMaxTokens,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return Extraction{ChunkID: c.ID, Error: fmt.Sprintf("llm chat: %v", err)}
	}
	return ParseExtraction(c.ID, resp.Content)
}

// Summary counts the contents of a batch of extractions.
type Summary struct {
	Chunks        int `json:"chunks"`
	Failed        int `json:"failed"`
	Entities      int `json:"entities"`
	Relationships int `json:"relationships"`
	Claims        int `json:"claims"`
	Definitions   int `json:"definitions"`
	Events        int `json:"events"`
}

// Summarize tallies a batch.
func Summarize(xs []Extraction) Summary {
	s := Summary{Chunks: len(xs)}
	for _, x := range xs {
		if x.Error != "" {
			s.Failed++
		}
		s.Entities += len(x.Entities)
		s.Relationships += len(x.Relationships)
		s.Claims += len(x.Claims)
		s.Definitions += len(x.Definitions)
		s.Events += len(x.Events)
	}
	return s
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
