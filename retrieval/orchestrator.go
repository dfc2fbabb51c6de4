package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brunobiangulo/kgrag/router"
)

var (
	// ErrGraphNotLoaded is returned when a mode needs the graph and none is loaded.
	ErrGraphNotLoaded = errors.New("retrieval: knowledge graph not loaded")
	// ErrIndexNotLoaded is returned when a mode needs chunk embeddings and none are loaded.
	ErrIndexNotLoaded = errors.New("retrieval: vector index not loaded")
)

// Embedder encodes query text with the model used for the stored chunks.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Searcher ranks stored chunks against a query embedding.
type Searcher interface {
	Search(ctx context.Context, query []float32, k int) ([]ScoredChunk, error)
}

// IndexSearcher serves Searcher from an in-memory index.
func IndexSearcher(ix *Index) Searcher { return indexSearcher{ix} }

type indexSearcher struct{ ix *Index }

func (s indexSearcher) Search(_ context.Context, query []float32, k int) ([]ScoredChunk, error) {
	return s.ix.Search(query, k)
}

// Result is the context prepared for answer generation.
type Result struct {
	Mode         router.Mode   `json:"mode"`
	Context      string        `json:"context"`
	SystemPrompt string        `json:"system_prompt"`
	Entities     int           `json:"entities"`
	Chunks       []ScoredChunk `json:"chunks,omitempty"`
}

// Orchestrator composes KG and vector retrieval by mode. Either backend
// may be nil; modes that need a missing backend fail with a typed error.
type Orchestrator struct {
	kg       *KG
	searcher Searcher
	embedder Embedder
	topK     int
}

// NewOrchestrator wires the retrieval backends over an in-memory index.
// topK <= 0 means DefaultTopK.
func NewOrchestrator(kg *KG, index *Index, embedder Embedder, topK int) *Orchestrator {
	var s Searcher
	if index != nil {
		s = indexSearcher{index}
	}
	return NewOrchestratorWithSearcher(kg, s, embedder, topK)
}

// NewOrchestratorWithSearcher is NewOrchestrator with vector retrieval
// served by s, which may be nil.
func NewOrchestratorWithSearcher(kg *KG, s Searcher, embedder Embedder, topK int) *Orchestrator {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Orchestrator{kg: kg, searcher: s, embedder: embedder, topK: topK}
}

// Retrieve builds the context for question in mode, which must be kg,
// vector or hybrid. Hybrid runs both builders and labels each section.
func (o *Orchestrator) Retrieve(ctx context.Context, question string, mode router.Mode) (*Result, error) {
	start := time.Now()
	var res *Result
	var err error

	switch mode {
	case router.ModeKG:
		res, err = o.retrieveKG(question)
	case router.ModeVector:
		res, err = o.retrieveVector(ctx, question)
	case router.ModeHybrid:
		res, err = o.retrieveHybrid(ctx, question)
	default:
		return nil, fmt.Errorf("retrieval: unsupported mode %q", mode)
	}
	if err != nil {
		return nil, err
	}

	slog.Debug("retrieval: context built",
		"mode", mode,
		"entities", res.Entities,
		"chunks", len(res.Chunks),
		"context_len", len(res.Context),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

func (o *Orchestrator) retrieveKG(question string) (*Result, error) {
	if o.kg == nil {
		return nil, ErrGraphNotLoaded
	}
	kgCtx, n := o.kg.build(question)
	return &Result{
		Mode:         router.ModeKG,
		Context:      kgCtx,
		SystemPrompt: KGSystemPrompt,
		Entities:     n,
	}, nil
}

func (o *Orchestrator) retrieveVector(ctx context.Context, question string) (*Result, error) {
	hits, err := o.search(ctx, question)
	if err != nil {
		return nil, err
	}
	return &Result{
		Mode:         router.ModeVector,
		Context:      FormatChunks(hits),
		SystemPrompt: VectorSystemPrompt,
		Chunks:       hits,
	}, nil
}

func (o *Orchestrator) retrieveHybrid(ctx context.Context, question string) (*Result, error) {
	if o.kg == nil {
		return nil, ErrGraphNotLoaded
	}
	hits, err := o.search(ctx, question)
	if err != nil {
		return nil, err
	}
	kgCtx, n := o.kg.build(question)
	return &Result{
		Mode:         router.ModeHybrid,
		Context:      HybridContext(kgCtx, FormatChunks(hits)),
		SystemPrompt: HybridSystemPrompt,
		Entities:     n,
		Chunks:       hits,
	}, nil
}

// Search embeds question and returns the top chunks.
func (o *Orchestrator) Search(ctx context.Context, question string) ([]ScoredChunk, error) {
	return o.search(ctx, question)
}

func (o *Orchestrator) search(ctx context.Context, question string) ([]ScoredChunk, error) {
	if o.searcher == nil || o.embedder == nil {
		return nil, ErrIndexNotLoaded
	}
	vecs, err := o.embedder.Embed(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("embedding question: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding question: got %d vectors", len(vecs))
	}
	return o.searcher.Search(ctx, vecs[0], o.topK)
}
