package kgrag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/brunobiangulo/kgrag/graph"
	"github.com/brunobiangulo/kgrag/llm"
	"github.com/brunobiangulo/kgrag/resolve"
	"github.com/brunobiangulo/kgrag/retrieval"
	"github.com/brunobiangulo/kgrag/router"
	"github.com/brunobiangulo/kgrag/store"
)

// Engine is the main entry point for the hybrid KG and vector RAG engine.
type Engine interface {
	// IngestChunks stores a document's chunks and embeds them. Existing
	// chunks of the document are replaced.
	IngestChunks(ctx context.Context, docID string, chunks []Chunk) (*IngestReport, error)

	// Build extracts entities and facts from the document's chunks,
	// resolves them, and saves the knowledge graph.
	Build(ctx context.Context, docID string, opts ...BuildOption) (*BuildReport, error)

	// Ask answers a question as a stream of events. The channel ends with
	// one error or done event and is then closed.
	Ask(ctx context.Context, req AskRequest) <-chan Event

	// Route reports the retrieval mode the rule router picks for question.
	Route(question string) router.Decision

	// Stats reports graph shape and stored row counts for a document.
	Stats(ctx context.Context, docID string) (*DocumentStats, error)

	// Knowledge returns the document's stored entities, claims and defined
	// terms. A non-empty subjectID narrows claims to that entity.
	Knowledge(ctx context.Context, docID, subjectID string) (*Knowledge, error)

	// ListDocuments returns all known documents.
	ListDocuments(ctx context.Context) ([]store.Document, error)

	// Delete removes a document, its chunks, knowledge and graph file.
	Delete(ctx context.Context, docID string) error

	// Close cleanly shuts down the engine.
	Close() error
}

// Chunk is an input chunk of document text.
type Chunk struct {
	ID         string `json:"chunk_id"`
	Text       string `json:"text"`
	PageNumber int    `json:"page_number,omitempty"`
}

// UnmarshalJSON accepts numeric chunk ids as well as strings.
func (c *Chunk) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID         json.RawMessage `json:"chunk_id"`
		Text       string          `json:"text"`
		PageNumber int             `json:"page_number"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.Text, c.PageNumber = raw.Text, raw.PageNumber
	c.ID = ""
	if len(raw.ID) == 0 || string(raw.ID) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw.ID, &c.ID); err == nil {
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw.ID, &n); err != nil {
		return fmt.Errorf("chunk_id must be a string or number: %s", raw.ID)
	}
	c.ID = n.String()
	return nil
}

// IngestReport summarizes IngestChunks.
type IngestReport struct {
	DocumentID string        `json:"document_id"`
	Chunks     int           `json:"chunks"`
	Embedded   int           `json:"embedded"`
	Failed     int           `json:"failed"`
	Elapsed    time.Duration `json:"elapsed"`
}

// BuildReport summarizes Build.
type BuildReport struct {
	DocumentID string           `json:"document_id"`
	Extraction graph.Summary    `json:"extraction"`
	Resolver   resolve.Stats    `json:"resolver"`
	Build      graph.BuildStats `json:"build"`
	Graph      graph.Stats      `json:"graph"`
	GraphPath  string           `json:"graph_path"`
	Elapsed    time.Duration    `json:"elapsed"`
}

// AskRequest is a question about one document. Mode is kg, vector,
// hybrid or auto; empty means auto.
type AskRequest struct {
	DocumentID string `json:"document_id"`
	Question   string `json:"question"`
	Mode       string `json:"mode"`
}

// DocumentStats reports on a stored document.
type DocumentStats struct {
	Document   *store.Document `json:"document"`
	Store      *store.DBStats  `json:"store"`
	GraphBuilt bool            `json:"graph_built"`
	Graph      graph.Stats     `json:"graph"`
}

// Knowledge is the structured content extracted from a document.
type Knowledge struct {
	DocumentID  string             `json:"document_id"`
	Entities    []graph.Entity     `json:"entities"`
	Claims      []graph.Claim      `json:"claims"`
	Definitions []graph.Definition `json:"definitions"`
}

// Option configures an engine.
type Option func(*engine)

// WithChatProvider uses p for extraction, planning and answers instead of
// the provider described by Config.Chat.
func WithChatProvider(p llm.Provider) Option {
	return func(e *engine) { e.chat = p }
}

// WithEmbeddingProvider uses p for chunk and query embeddings instead of
// the provider described by Config.Embedding.
func WithEmbeddingProvider(p llm.Provider) Option {
	return func(e *engine) { e.embed = p }
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg       Config
	store     *store.Store
	chat      llm.Provider
	embed     llm.Provider
	extractor *graph.Extractor
	router    *router.Router
	planner   *router.Planner

	mu   sync.Mutex
	docs map[string]*docState
}

// docState caches the read-only retrieval backends of one document.
type docState struct {
	graph *graph.Graph
	kg    *retrieval.KG
	index *retrieval.Index
}

// New creates an engine with the given configuration.
func New(cfg Config, opts ...Option) (Engine, error) {
	cfg.applyDefaults()
	e := &engine{cfg: cfg, docs: make(map[string]*docState)}
	for _, o := range opts {
		o(e)
	}
	if e.chat != nil && cfg.Chat.Provider == "" {
		cfg.Chat.Provider = "custom"
	}
	if e.embed != nil && cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "custom"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e.cfg = cfg

	var err error
	if e.chat == nil {
		if e.chat, err = llm.NewProvider(cfg.Chat); err != nil {
			return nil, fmt.Errorf("creating chat provider: %w", err)
		}
	}
	if e.embed == nil {
		if e.embed, err = llm.NewProvider(cfg.Embedding); err != nil {
			return nil, fmt.Errorf("creating embedding provider: %w", err)
		}
	}

	s, err := store.New(cfg.resolveDBPath(), cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	e.store = s

	e.extractor = graph.NewExtractor(e.chat,
		graph.WithConcurrency(cfg.Extraction.Concurrency),
		graph.WithUnitTimeout(cfg.Extraction.UnitTimeout))
	e.router = router.New(cfg.Router.Rules)
	if cfg.Router.UsePlanner {
		e.planner = router.NewPlanner(e.chat, router.WithRuleFallback(e.router))
	}

	slog.Info("kgrag: engine ready",
		"db", cfg.resolveDBPath(),
		"chat", cfg.Chat.Provider,
		"embedding", cfg.Embedding.Provider,
		"embedding_dim", cfg.EmbeddingDim,
		"planner", cfg.Router.UsePlanner)
	return e, nil
}

// applyDefaults fills zero values from DefaultConfig.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.EmbeddingDim == 0 {
		c.EmbeddingDim = d.EmbeddingDim
	}
	if c.TopK == 0 {
		c.TopK = d.TopK
	}
	if c.VectorBackend == "" {
		c.VectorBackend = d.VectorBackend
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = d.EmbedBatchSize
	}
	if c.Extraction.Concurrency <= 0 {
		c.Extraction.Concurrency = d.Extraction.Concurrency
	}
	if c.Extraction.UnitTimeout <= 0 {
		c.Extraction.UnitTimeout = d.Extraction.UnitTimeout
	}
	if c.Resolver.Threshold == 0 {
		c.Resolver.Threshold = d.Resolver.Threshold
	}
	if c.Generation.TopP == 0 {
		c.Generation.TopP = d.Generation.TopP
	}
	if c.Generation.MaxTokens == 0 {
		c.Generation.MaxTokens = d.Generation.MaxTokens
	}
}

// Route reports the rule router's decision for question.
func (e *engine) Route(question string) router.Decision {
	return e.router.Route(question)
}

// Stats reports graph shape and stored row counts for a document.
func (e *engine) Stats(ctx context.Context, docID string) (*DocumentStats, error) {
	doc, err := e.document(ctx, docID)
	if err != nil {
		return nil, err
	}
	counts, err := e.store.DBStats(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("counting rows: %w", err)
	}
	out := &DocumentStats{Document: doc, Store: counts}

	g, err := e.loadGraph(docID)
	switch {
	case errors.Is(err, ErrGraphNotFound):
	case err != nil:
		return nil, err
	default:
		out.GraphBuilt = true
		out.Graph = g.Stats()
	}
	return out, nil
}

// Knowledge returns the document's stored entities, claims and definitions.
func (e *engine) Knowledge(ctx context.Context, docID, subjectID string) (*Knowledge, error) {
	if _, err := e.document(ctx, docID); err != nil {
		return nil, err
	}
	k := &Knowledge{DocumentID: docID}
	var err error
	if k.Entities, err = e.store.Entities(ctx, docID); err != nil {
		return nil, fmt.Errorf("reading entities: %w", err)
	}
	if k.Claims, err = e.store.Claims(ctx, docID, subjectID); err != nil {
		return nil, fmt.Errorf("reading claims: %w", err)
	}
	if k.Definitions, err = e.store.Definitions(ctx, docID); err != nil {
		return nil, fmt.Errorf("reading definitions: %w", err)
	}
	return k, nil
}

// ListDocuments returns all known documents.
func (e *engine) ListDocuments(ctx context.Context) ([]store.Document, error) {
	return e.store.ListDocuments(ctx)
}

// Delete removes a document and everything derived from it.
func (e *engine) Delete(ctx context.Context, docID string) error {
	if _, err := e.document(ctx, docID); err != nil {
		return err
	}
	if err := e.store.DeleteDocument(ctx, docID); err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	if err := os.Remove(e.cfg.graphPath(docID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing graph file: %w", err)
	}
	e.forget(docID)
	slog.Info("kgrag: document deleted", "document_id", docID)
	return nil
}

// Close shuts down the engine.
func (e *engine) Close() error {
	var errs []error
	for _, p := range []llm.Provider{e.chat, e.embed} {
		if c, ok := p.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	errs = append(errs, e.store.Close())
	return errors.Join(errs...)
}

// document returns the stored document or ErrDocumentNotFound.
func (e *engine) document(ctx context.Context, docID string) (*store.Document, error) {
	doc, err := e.store.GetDocument(ctx, docID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, docID)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// --- per-document cache ---

func (e *engine) state(docID string) *docState {
	st, ok := e.docs[docID]
	if !ok {
		st = &docState{}
		e.docs[docID] = st
	}
	return st
}

func (e *engine) forget(docID string) {
	e.mu.Lock()
	delete(e.docs, docID)
	e.mu.Unlock()
}

// cached reports which backends of docID are already loaded.
func (e *engine) cached(docID string) (index, kg bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.docs[docID]
	if !ok {
		return false, false
	}
	return st.index != nil, st.kg != nil
}

// searcher returns the vector retrieval backend for docID.
func (e *engine) searcher(ctx context.Context, docID string) (retrieval.Searcher, error) {
	if e.cfg.VectorBackend == VectorBackendSQLite {
		counts, err := e.store.DBStats(ctx, docID)
		if err != nil {
			return nil, fmt.Errorf("counting embeddings: %w", err)
		}
		if counts.Embeddings == 0 {
			return nil, ErrEmbeddingsNotFound
		}
		return storeSearcher{store: e.store, docID: docID}, nil
	}
	ix, err := e.loadIndex(ctx, docID)
	if err != nil {
		return nil, err
	}
	return retrieval.IndexSearcher(ix), nil
}

// storeSearcher runs vector retrieval as a sqlite-vec KNN query.
type storeSearcher struct {
	store *store.Store
	docID string
}

func (s storeSearcher) Search(ctx context.Context, query []float32, k int) ([]retrieval.ScoredChunk, error) {
	rows, err := s.store.VectorSearch(ctx, s.docID, query, k)
	if errors.Is(err, store.ErrDimensionMismatch) {
		return nil, fmt.Errorf("%w: %v", retrieval.ErrDimensionMismatch, err)
	}
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	hits := make([]retrieval.ScoredChunk, len(rows))
	for i, r := range rows {
		hits[i] = retrieval.ScoredChunk{
			Chunk: retrieval.Chunk{ID: r.Key, Text: r.Content, PageNumber: r.PageNumber},
			Score: r.Score,
		}
	}
	return hits, nil
}

// loadIndex returns the document's in-memory vector index, loading it
// from the store on first use.
func (e *engine) loadIndex(ctx context.Context, docID string) (*retrieval.Index, error) {
	e.mu.Lock()
	if st, ok := e.docs[docID]; ok && st.index != nil {
		e.mu.Unlock()
		return st.index, nil
	}
	e.mu.Unlock()

	start := time.Now()
	rows, vecs, err := e.store.ChunkEmbeddings(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("loading embeddings: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrEmbeddingsNotFound
	}
	chunks := make([]retrieval.Chunk, len(rows))
	for i, r := range rows {
		chunks[i] = retrieval.Chunk{ID: r.Key, Text: r.Content, PageNumber: r.PageNumber}
	}
	ix, err := retrieval.NewIndex(chunks, vecs)
	if err != nil {
		return nil, err
	}
	slog.Info("kgrag: vector index loaded", "document_id", docID, "chunks", ix.Len(),
		"dim", ix.Dim(), "elapsed", time.Since(start).Round(time.Millisecond))

	e.mu.Lock()
	e.state(docID).index = ix
	e.mu.Unlock()
	return ix, nil
}

// loadGraph returns the document's graph, reading the saved file on first use.
func (e *engine) loadGraph(docID string) (*graph.Graph, error) {
	e.mu.Lock()
	if st, ok := e.docs[docID]; ok && st.graph != nil {
		e.mu.Unlock()
		return st.graph, nil
	}
	e.mu.Unlock()

	g, err := graph.Load(e.cfg.graphPath(docID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrGraphNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading graph: %w", err)
	}

	e.mu.Lock()
	st := e.state(docID)
	st.graph = g
	e.mu.Unlock()
	return g, nil
}

// loadKG returns the KG retriever over the document's graph.
func (e *engine) loadKG(docID string) (*retrieval.KG, error) {
	e.mu.Lock()
	if st, ok := e.docs[docID]; ok && st.kg != nil {
		e.mu.Unlock()
		return st.kg, nil
	}
	e.mu.Unlock()

	g, err := e.loadGraph(docID)
	if err != nil {
		return nil, err
	}
	kg := retrieval.NewKG(g, e.cfg.Lexicon)
	slog.Info("kgrag: knowledge graph loaded", "document_id", docID,
		"nodes", g.NumNodes(), "edges", g.NumEdges())

	e.mu.Lock()
	e.state(docID).kg = kg
	e.mu.Unlock()
	return kg, nil
}
