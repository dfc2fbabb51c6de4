package kgrag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brunobiangulo/kgrag/store"
)

// maxEmbedChars is the maximum character length for a single text sent to
// the embedding model. all-MiniLM-L6-v2 truncates at 256 word pieces, so
// anything past a few thousand characters is never seen anyway.
const maxEmbedChars = 8000

// truncateForEmbed truncates text to maxEmbedChars on a word boundary.
func truncateForEmbed(text string) string {
	if len(text) <= maxEmbedChars {
		return text
	}
	cut := strings.LastIndex(text[:maxEmbedChars], " ")
	if cut <= 0 {
		cut = maxEmbedChars
	}
	return text[:cut]
}

// IngestChunks stores the chunks of docID and embeds them.
func (e *engine) IngestChunks(ctx context.Context, docID string, chunks []Chunk) (*IngestReport, error) {
	start := time.Now()
	if strings.TrimSpace(docID) == "" {
		return nil, fmt.Errorf("%w: empty document id", ErrInvalidConfig)
	}
	if len(chunks) == 0 {
		return nil, ErrNoChunks
	}

	rows := make([]store.Chunk, len(chunks))
	seen := make(map[string]bool, len(chunks))
	for i, c := range chunks {
		key := c.ID
		if key == "" {
			key = fmt.Sprintf("%d", i)
		}
		if seen[key] {
			return nil, fmt.Errorf("duplicate chunk id %q", key)
		}
		seen[key] = true
		rows[i] = store.Chunk{Key: key, PageNumber: c.PageNumber, Content: c.Text}
	}

	if err := e.store.UpsertDocument(ctx, store.Document{ID: docID, Status: store.StatusPending}); err != nil {
		return nil, fmt.Errorf("registering document: %w", err)
	}
	ids, err := e.store.ReplaceChunks(ctx, docID, rows)
	if err != nil {
		return nil, fmt.Errorf("storing chunks: %w", err)
	}
	e.forget(docID)

	slog.Info("kgrag: embedding chunks", "document_id", docID, "chunks", len(rows))
	failed, err := e.embedChunks(ctx, rows, ids)
	if err != nil {
		_ = e.store.UpdateDocumentStatus(ctx, docID, store.StatusFailed)
		return nil, err
	}
	if err := e.store.UpdateDocumentStatus(ctx, docID, store.StatusIngested); err != nil {
		return nil, err
	}

	report := &IngestReport{
		DocumentID: docID,
		Chunks:     len(rows),
		Embedded:   len(rows) - failed,
		Failed:     failed,
		Elapsed:    time.Since(start).Round(time.Millisecond),
	}
	slog.Info("kgrag: ingest complete",
		"document_id", docID,
		"chunks", report.Chunks,
		"embedded", report.Embedded,
		"failed", report.Failed,
		"elapsed", report.Elapsed)
	return report, nil
}

// embedChunks generates embeddings for chunks in batches and returns the
// number of chunks left without one. A failed batch falls back to
// embedding each text individually so one bad text does not lose the
// whole batch.
func (e *engine) embedChunks(ctx context.Context, chunks []store.Chunk, chunkIDs []int64) (int, error) {
	batchSize := e.cfg.EmbedBatchSize
	var failed int

	for i := 0; i < len(chunks); i += batchSize {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		end := min(i+batchSize, len(chunks))

		texts := make([]string, end-i)
		for j := i; j < end; j++ {
			texts[j-i] = truncateForEmbed(chunks[j].Content)
		}

		embeddings, err := e.embed.Embed(ctx, texts)
		if err == nil && len(embeddings) != len(texts) {
			err = fmt.Errorf("got %d embeddings for %d texts", len(embeddings), len(texts))
		}
		if err != nil {
			slog.Warn("kgrag: embedding batch failed, falling back to individual",
				"batch_start", i, "batch_end", end, "error", err)
			for j, text := range texts {
				single, serr := e.embed.Embed(ctx, []string{text})
				if serr != nil || len(single) == 0 || len(single[0]) == 0 {
					slog.Warn("kgrag: embedding single text failed",
						"chunk_id", chunks[i+j].Key, "error", serr)
					failed++
					continue
				}
				if serr := e.store.InsertEmbedding(ctx, chunkIDs[i+j], single[0]); serr != nil {
					slog.Warn("kgrag: storing embedding failed",
						"chunk_id", chunks[i+j].Key, "error", serr)
					failed++
				}
			}
			continue
		}

		for j, emb := range embeddings {
			if err := e.store.InsertEmbedding(ctx, chunkIDs[i+j], emb); err != nil {
				slog.Warn("kgrag: storing embedding failed",
					"chunk_id", chunks[i+j].Key, "error", err)
				failed++
			}
		}
	}

	if failed == len(chunks) {
		return failed, fmt.Errorf("%w: all %d chunks failed", ErrEmbeddingFailed, len(chunks))
	}
	if failed > 0 {
		slog.Warn("kgrag: some embeddings failed", "failed", failed, "total", len(chunks))
	}
	return failed, nil
}
