package retrieval

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// DefaultTopK is the number of chunks returned by vector search.
const DefaultTopK = 5

// cosineEpsilon keeps zero vectors from dividing by zero.
const cosineEpsilon = 1e-8

// ErrDimensionMismatch is returned when a query or stored embedding has a
// different length than the index.
var ErrDimensionMismatch = errors.New("retrieval: embedding dimension mismatch")

// Chunk is a searchable piece of document text.
type Chunk struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	PageNumber int    `json:"page_number,omitempty"`
}

// ScoredChunk is a search hit.
type ScoredChunk struct {
	Chunk
	Score float64 `json:"score"`
}

// Index is an in-memory brute-force cosine index over chunk embeddings.
// It is read-only after construction and safe for concurrent searches.
type Index struct {
	chunks []Chunk
	unit   [][]float64 // embeddings divided by (norm + epsilon)
	dim    int
}

// NewIndex builds an index. chunks and embeddings must have equal length
// and every embedding the same dimension.
func NewIndex(chunks []Chunk, embeddings [][]float32) (*Index, error) {
	if len(chunks) != len(embeddings) {
		return nil, fmt.Errorf("retrieval: %d chunks but %d embeddings", len(chunks), len(embeddings))
	}
	ix := &Index{chunks: chunks, unit: make([][]float64, len(embeddings))}
	for i, e := range embeddings {
		if i == 0 {
			ix.dim = len(e)
		} else if len(e) != ix.dim {
			return nil, fmt.Errorf("%w: chunk %s has %d, want %d", ErrDimensionMismatch, chunks[i].ID, len(e), ix.dim)
		}
		ix.unit[i] = normalize(e)
	}
	return ix, nil
}

// Len returns the number of indexed chunks.
func (ix *Index) Len() int { return len(ix.chunks) }

// Dim returns the embedding dimension, 0 for an empty index.
func (ix *Index) Dim() int { return ix.dim }

func normalize(v []float32) []float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum) + cosineEpsilon
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x) / norm
	}
	return out
}

// Cosine returns the cosine similarity of a and b with each vector scaled
// by 1/(norm + 1e-8).
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	ua, ub := normalize(a), normalize(b)
	var dot float64
	for i := range ua {
		dot += ua[i] * ub[i]
	}
	return dot
}

// Search returns the k chunks most similar to query in descending score
// order. Ties keep index order. k <= 0 means DefaultTopK.
func (ix *Index) Search(query []float32, k int) ([]ScoredChunk, error) {
	if k <= 0 {
		k = DefaultTopK
	}
	if len(ix.chunks) == 0 {
		return nil, nil
	}
	if len(query) != ix.dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(query), ix.dim)
	}

	q := normalize(query)
	hits := make([]ScoredChunk, len(ix.chunks))
	for i, u := range ix.unit {
		var dot float64
		for j := range u {
			dot += u[j] * q[j]
		}
		hits[i] = ScoredChunk{Chunk: ix.chunks[i], Score: dot}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// FormatChunks renders hits as "[Score: 0.000] text" blocks separated by
// blank lines.
func FormatChunks(hits []ScoredChunk) string {
	parts := make([]string, len(hits))
	for i, h := range hits {
		parts[i] = fmt.Sprintf("[Score: %.3f] %s", h.Score, h.Text)
	}
	return strings.Join(parts, "\n\n")
}
