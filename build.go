package kgrag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/brunobiangulo/kgrag/graph"
	"github.com/brunobiangulo/kgrag/resolve"
	"github.com/brunobiangulo/kgrag/store"
)

// BuildOption configures a single Build.
type BuildOption func(*buildOptions)

type buildOptions struct {
	reuse    bool
	progress func(done, total int)
}

// WithReuseExtractions resolves the extractions saved by an earlier build
// instead of calling the chat model again. Chunks without a saved
// extraction are extracted.
func WithReuseExtractions() BuildOption {
	return func(o *buildOptions) { o.reuse = true }
}

// WithProgress calls fn after every extracted chunk.
func WithProgress(fn func(done, total int)) BuildOption {
	return func(o *buildOptions) { o.progress = fn }
}

// Build extracts, resolves and saves the knowledge graph of docID.
func (e *engine) Build(ctx context.Context, docID string, opts ...BuildOption) (*BuildReport, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	start := time.Now()

	if _, err := e.document(ctx, docID); err != nil {
		return nil, err
	}
	rows, err := e.store.GetChunks(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("loading chunks: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNoChunks
	}

	// Phase 1: extraction.
	extractions, err := e.extract(ctx, docID, rows, o)
	if err != nil {
		return nil, err
	}
	summary := graph.Summarize(extractions)
	if summary.Failed == summary.Chunks {
		_ = e.store.UpdateDocumentStatus(ctx, docID, store.StatusFailed)
		return nil, fmt.Errorf("%w: all %d chunks failed", ErrExtractionFailed, summary.Chunks)
	}

	// Phase 2: entity resolution.
	resolverOpts := []resolve.Option{resolve.WithThreshold(e.cfg.Resolver.Threshold)}
	if e.cfg.Resolver.StableOrder {
		resolverOpts = append(resolverOpts, resolve.WithStableOrder())
	}
	resolver := resolve.New(resolverOpts...)
	resolved := resolver.ResolveBatch(extractions)

	// Phase 3: graph construction.
	g := graph.New()
	buildStats := g.BuildFromExtractions(resolved)
	mergeRegistryAttributes(g, resolver.Entities())

	path := e.cfg.graphPath(docID)
	if err := g.Save(path); err != nil {
		return nil, fmt.Errorf("saving graph: %w", err)
	}

	// Phase 4: persistence of the document-level knowledge.
	k := store.Knowledge{Entities: resolver.Entities()}
	for _, x := range resolved {
		k.Claims = append(k.Claims, x.Claims...)
		k.Definitions = append(k.Definitions, x.Definitions...)
		k.Events = append(k.Events, x.Events...)
	}
	if err := e.store.SaveKnowledge(ctx, docID, k); err != nil {
		return nil, fmt.Errorf("saving knowledge: %w", err)
	}
	if err := e.store.RecordBuild(ctx, docID, buildStats.EntitiesAdded,
		buildStats.RelationshipsAdded, buildStats.DroppedDangling); err != nil {
		return nil, err
	}
	e.forget(docID)

	report := &BuildReport{
		DocumentID: docID,
		Extraction: summary,
		Resolver:   resolver.Stats(),
		Build:      buildStats,
		Graph:      g.Stats(),
		GraphPath:  path,
		Elapsed:    time.Since(start).Round(time.Millisecond),
	}
	slog.Info("kgrag: build complete",
		"document_id", docID,
		"chunks", summary.Chunks,
		"failed", summary.Failed,
		"entities", report.Resolver.TotalUniqueEntities,
		"nodes", report.Graph.NumNodes,
		"edges", report.Graph.NumEdges,
		"dropped", buildStats.DroppedDangling,
		"elapsed", report.Elapsed)
	return report, nil
}

// extract returns one extraction per chunk in position order and saves
// the fresh ones.
func (e *engine) extract(ctx context.Context, docID string, rows []store.Chunk, o buildOptions) ([]graph.Extraction, error) {
	saved := make(map[string]graph.Extraction)
	if o.reuse {
		xs, err := e.store.LoadExtractions(ctx, docID)
		if err != nil {
			return nil, fmt.Errorf("loading extractions: %w", err)
		}
		for _, x := range xs {
			if x.Error == "" {
				saved[x.ChunkID] = x
			}
		}
		slog.Info("kgrag: reusing extractions", "document_id", docID, "saved", len(saved))
	}

	var todo []graph.Chunk
	for _, r := range rows {
		if _, ok := saved[r.Key]; !ok {
			todo = append(todo, graph.Chunk{ID: r.Key, Text: r.Content, PageNumber: r.PageNumber})
		}
	}

	if len(todo) > 0 {
		fresh := e.extractor.Extract(ctx, todo, o.progress)
		if err := ctx.Err(); errors.Is(err, context.Canceled) {
			return nil, err
		}
		if err := e.store.SaveExtractions(ctx, docID, fresh); err != nil {
			return nil, fmt.Errorf("saving extractions: %w", err)
		}
		for _, x := range fresh {
			saved[x.ChunkID] = x
		}
	}

	out := make([]graph.Extraction, len(rows))
	for i, r := range rows {
		out[i] = saved[r.Key]
		out[i].ChunkID = r.Key
	}
	return out, nil
}

// mergeRegistryAttributes copies the attributes accumulated by the
// resolver onto the matching nodes. Node payloads otherwise keep the first
// mention only.
func mergeRegistryAttributes(g *graph.Graph, entities []graph.Entity) {
	for _, ent := range entities {
		n, ok := g.Entity(ent.ID)
		if !ok || len(ent.Attributes) == 0 {
			continue
		}
		attrs := make(map[string]any, len(n.Attributes)+len(ent.Attributes))
		maps.Copy(attrs, n.Attributes)
		maps.Copy(attrs, ent.Attributes)
		n.Attributes = attrs
		g.AddEntity(n)
	}
}
