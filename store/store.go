package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDimensionMismatch is returned when an embedding does not match
	// the vec0 table dimension.
	ErrDimensionMismatch = errors.New("store: embedding dimension mismatch")
)

// Document represents a row in the documents table.
type Document struct {
	ID                   string `json:"id"`
	Title                string `json:"title,omitempty"`
	Status               string `json:"status"`
	GraphEntities        int    `json:"graph_entities"`
	GraphRelationships   int    `json:"graph_relationships"`
	DroppedRelationships int    `json:"dropped_relationships"`
	CreatedAt            string `json:"created_at"`
	UpdatedAt            string `json:"updated_at"`
}

// Document statuses.
const (
	StatusPending  = "pending"
	StatusIngested = "ingested"
	StatusBuilt    = "built"
	StatusFailed   = "failed"
)

// Chunk represents a row in the chunks table. Key is the caller's chunk id.
type Chunk struct {
	ID          int64  `json:"-"`
	DocumentID  string `json:"document_id"`
	Key         string `json:"chunk_id"`
	Position    int    `json:"position"`
	PageNumber  int    `json:"page_number,omitempty"`
	Content     string `json:"text"`
	ContentHash string `json:"content_hash,omitempty"`
}

// SearchResult is a chunk returned by VectorSearch.
type SearchResult struct {
	Chunk
	Score float64 `json:"score"`
}

// Store wraps the SQLite database for all kgrag persistence.
type Store struct {
	db           *sql.DB
	embeddingDim int
}

// New opens (or creates) a SQLite database at the given path and
// initialises the schema including the sqlite-vec virtual table.
func New(dbPath string, embeddingDim int) (*Store, error) {
	if embeddingDim <= 0 {
		return nil, fmt.Errorf("store: embedding dimension must be positive, got %d", embeddingDim)
	}
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL(embeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: embeddingDim}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// --- Document operations ---

// UpsertDocument creates the document or updates its title and status.
func (s *Store) UpsertDocument(ctx context.Context, doc Document) error {
	if doc.Status == "" {
		doc.Status = StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, status) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = COALESCE(NULLIF(excluded.title, ''), documents.title),
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP
	`, doc.ID, doc.Title, doc.Status)
	return err
}

// GetDocument returns the document or ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	var d Document
	var title sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, status, graph_entities, graph_relationships, dropped_relationships,
			created_at, updated_at
		FROM documents WHERE id = ?
	`, id).Scan(&d.ID, &title, &d.Status, &d.GraphEntities, &d.GraphRelationships,
		&d.DroppedRelationships, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	d.Title = title.String
	return &d, nil
}

// ListDocuments returns all documents ordered by id.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, status, graph_entities, graph_relationships, dropped_relationships,
			created_at, updated_at
		FROM documents ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var title sql.NullString
		if err := rows.Scan(&d.ID, &title, &d.Status, &d.GraphEntities, &d.GraphRelationships,
			&d.DroppedRelationships, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Title = title.String
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// UpdateDocumentStatus sets the status of a document.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id, status string) error {
	return s.updateDocument(ctx,
		"UPDATE documents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?", status, id)
}

// RecordBuild stores graph build counts and marks the document built.
func (s *Store) RecordBuild(ctx context.Context, id string, entities, relationships, dropped int) error {
	return s.updateDocument(ctx, `
		UPDATE documents SET status = ?, graph_entities = ?, graph_relationships = ?,
			dropped_relationships = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, StatusBuilt, entities, relationships, dropped, id)
}

func (s *Store) updateDocument(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: document %v", ErrNotFound, args[len(args)-1])
	}
	return nil
}

// DeleteDocument removes a document and everything derived from it.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		// vec0 rows are not covered by the foreign key cascade.
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM vec_chunks WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)", id); err != nil {
			return fmt.Errorf("deleting embeddings: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id); err != nil {
			return fmt.Errorf("deleting document: %w", err)
		}
		return nil
	})
}

// --- Chunk operations ---

// ReplaceChunks swaps the document's chunks (and their embeddings) for
// chunks. Positions are assigned in slice order. It returns the row ids.
func (s *Store) ReplaceChunks(ctx context.Context, docID string, chunks []Chunk) ([]int64, error) {
	ids := make([]int64, len(chunks))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM vec_chunks WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)", docID); err != nil {
			return fmt.Errorf("clearing embeddings: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", docID); err != nil {
			return fmt.Errorf("clearing chunks: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (document_id, chunk_key, position, page_number, content, content_hash)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, c := range chunks {
			hash := sha256.Sum256([]byte(c.Content))
			res, err := stmt.ExecContext(ctx, docID, c.Key, i, c.PageNumber, c.Content, hex.EncodeToString(hash[:]))
			if err != nil {
				return fmt.Errorf("inserting chunk %s: %w", c.Key, err)
			}
			if ids[i], err = res.LastInsertId(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GetChunks returns the document's chunks in position order.
func (s *Store) GetChunks(ctx context.Context, docID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, chunk_key, position, page_number, content, content_hash
		FROM chunks WHERE document_id = ? ORDER BY position
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var page sql.NullInt64
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Key, &c.Position, &page, &c.Content, &c.ContentHash); err != nil {
			return nil, err
		}
		c.PageNumber = int(page.Int64)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// --- Embedding operations ---

// InsertEmbedding stores a vector embedding for a chunk.
func (s *Store) InsertEmbedding(ctx context.Context, chunkID int64, embedding []float32) error {
	if len(embedding) != s.embeddingDim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(embedding), s.embeddingDim)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)",
		chunkID, serializeFloat32(embedding))
	return err
}

// ChunkEmbeddings returns the document's embedded chunks and their vectors
// in position order. Chunks without an embedding are skipped.
func (s *Store) ChunkEmbeddings(ctx context.Context, docID string) ([]Chunk, [][]float32, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.chunk_key, c.position, c.page_number, c.content, c.content_hash,
			v.embedding
		FROM chunks c
		JOIN vec_chunks v ON v.chunk_id = c.id
		WHERE c.document_id = ?
		ORDER BY c.position
	`, docID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	var vecs [][]float32
	for rows.Next() {
		var c Chunk
		var page sql.NullInt64
		var blob []byte
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Key, &c.Position, &page, &c.Content, &c.ContentHash, &blob); err != nil {
			return nil, nil, err
		}
		c.PageNumber = int(page.Int64)
		chunks = append(chunks, c)
		vecs = append(vecs, deserializeFloat32(blob))
	}
	return chunks, vecs, rows.Err()
}

// vectorOverfetch is the initial KNN width relative to k. vec_chunks holds
// every document's vectors, so the window grows until k of the requested
// document's chunks survive the filter or the whole table is covered.
const vectorOverfetch = 4

// VectorSearch performs a KNN search inside SQLite and returns up to k of
// the document's chunks nearest to query. Scores are 1 - cosine distance.
func (s *Store) VectorSearch(ctx context.Context, docID string, query []float32, k int) ([]SearchResult, error) {
	if len(query) != s.embeddingDim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(query), s.embeddingDim)
	}
	if k <= 0 {
		return nil, nil
	}
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vec_chunks").Scan(&total); err != nil {
		return nil, fmt.Errorf("counting vectors: %w", err)
	}
	if total == 0 {
		return nil, nil
	}

	blob := serializeFloat32(query)
	window := min(k*vectorOverfetch, total)
	for {
		results, err := s.knn(ctx, docID, blob, window, k)
		if err != nil {
			return nil, err
		}
		if len(results) >= k || window >= total {
			return results, nil
		}
		window = min(window*vectorOverfetch, total)
	}
}

func (s *Store) knn(ctx context.Context, docID string, query []byte, window, k int) ([]SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT knn.chunk_id, knn.distance,
			c.document_id, c.chunk_key, c.position, c.page_number, c.content, c.content_hash
		FROM (
			SELECT chunk_id, distance FROM vec_chunks
			WHERE embedding MATCH ? AND k = ?
		) knn
		JOIN chunks c ON c.id = knn.chunk_id
		WHERE c.document_id = ?
		ORDER BY knn.distance
		LIMIT ?
	`, query, window, docID, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var distance float64
		var page sql.NullInt64
		if err := rows.Scan(&r.ID, &distance, &r.DocumentID, &r.Key, &r.Position, &page,
			&r.Content, &r.ContentHash); err != nil {
			return nil, err
		}
		r.PageNumber = int(page.Int64)
		r.Score = 1.0 - distance
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func deserializeFloat32(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
