package kgrag

import (
	"errors"

	"github.com/brunobiangulo/kgrag/retrieval"
)

var (
	// ErrDocumentNotFound is returned when a document ID does not exist.
	ErrDocumentNotFound = errors.New("kgrag: document not found")

	// ErrNoChunks is returned when ingesting or building from an empty chunk set.
	ErrNoChunks = errors.New("kgrag: no chunks")

	// ErrEmbeddingFailed is returned when embedding generation fails.
	ErrEmbeddingFailed = errors.New("kgrag: embedding generation failed")

	// ErrEmbeddingsNotFound is returned when a document has no chunk embeddings.
	ErrEmbeddingsNotFound = errors.New("kgrag: vector embeddings not found")

	// ErrGraphNotFound is returned when a document has no saved knowledge graph.
	ErrGraphNotFound = errors.New("kgrag: knowledge graph not found")

	// ErrDimensionMismatch is returned when a query embedding does not match
	// the dimension of the indexed chunk embeddings.
	ErrDimensionMismatch = retrieval.ErrDimensionMismatch

	// ErrLLMRequestFailed is returned when answer generation fails.
	ErrLLMRequestFailed = errors.New("kgrag: LLM request failed")

	// ErrExtractionFailed is returned when every chunk of a build failed extraction.
	ErrExtractionFailed = errors.New("kgrag: extraction failed for all chunks")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("kgrag: invalid configuration")

	// ErrInvalidMode is returned for an unrecognized retrieval mode.
	ErrInvalidMode = errors.New("kgrag: invalid retrieval mode")

	// ErrNoDocument is returned when Ask receives no document ID.
	ErrNoDocument = errors.New("kgrag: no document selected")

	// ErrEmptyQuestion is returned when Ask receives a blank question.
	ErrEmptyQuestion = errors.New("kgrag: empty question")
)
