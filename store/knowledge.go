package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/brunobiangulo/kgrag/graph"
)

// --- Extraction operations ---

// SaveExtractions upserts the raw per-chunk extraction results.
func (s *Store) SaveExtractions(ctx context.Context, docID string, xs []graph.Extraction) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO extractions (document_id, chunk_key, payload, error) VALUES (?, ?, ?, ?)
			ON CONFLICT(document_id, chunk_key) DO UPDATE SET
				payload = excluded.payload,
				error = excluded.error,
				created_at = CURRENT_TIMESTAMP
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, x := range xs {
			payload, err := json.Marshal(x)
			if err != nil {
				return fmt.Errorf("encoding extraction %s: %w", x.ChunkID, err)
			}
			if _, err := stmt.ExecContext(ctx, docID, x.ChunkID, string(payload), nullString(x.Error)); err != nil {
				return fmt.Errorf("saving extraction %s: %w", x.ChunkID, err)
			}
		}
		return nil
	})
}

// LoadExtractions returns the stored extractions in chunk position order.
// Extractions whose chunk no longer exists come last, ordered by key.
func (s *Store) LoadExtractions(ctx context.Context, docID string) ([]graph.Extraction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.payload
		FROM extractions e
		LEFT JOIN chunks c ON c.document_id = e.document_id AND c.chunk_key = e.chunk_key
		WHERE e.document_id = ?
		ORDER BY c.position IS NULL, c.position, e.chunk_key
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var xs []graph.Extraction
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var x graph.Extraction
		if err := json.Unmarshal([]byte(payload), &x); err != nil {
			return nil, fmt.Errorf("decoding extraction: %w", err)
		}
		xs = append(xs, x)
	}
	return xs, rows.Err()
}

// --- Knowledge operations ---

// Knowledge is the resolved, document-level result of a graph build.
type Knowledge struct {
	Entities    []graph.Entity
	Claims      []graph.Claim
	Definitions []graph.Definition
	Events      []graph.Event
}

// SaveKnowledge replaces the document's entities, claims, definitions and
// events in one transaction.
func (s *Store) SaveKnowledge(ctx context.Context, docID string, k Knowledge) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"entities", "claims", "definitions", "events"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE document_id = ?", docID); err != nil {
				return fmt.Errorf("clearing %s: %w", table, err)
			}
		}

		for _, e := range k.Entities {
			if e.Attributes == nil {
				e.Attributes = map[string]any{}
			}
			attrs, err := json.Marshal(e.Attributes)
			if err != nil {
				return fmt.Errorf("encoding attributes of %s: %w", e.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO entities (document_id, entity_id, name, entity_type, attributes)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(document_id, entity_id) DO UPDATE SET
					name = excluded.name, entity_type = excluded.entity_type, attributes = excluded.attributes
			`, docID, e.ID, e.Name, e.Type, string(attrs)); err != nil {
				return fmt.Errorf("inserting entity %s: %w", e.ID, err)
			}
		}
		for _, c := range k.Claims {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO claims (document_id, subject_id, predicate, object_id, object_value, source_chunk_id)
				VALUES (?, ?, ?, ?, ?, ?)
			`, docID, c.SubjectID, c.Predicate, nullString(c.ObjectID), nullString(c.ObjectValue),
				nullString(c.SourceChunkID)); err != nil {
				return fmt.Errorf("inserting claim: %w", err)
			}
		}
		for _, d := range k.Definitions {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO definitions (document_id, term, definition) VALUES (?, ?, ?)",
				docID, d.Term, d.Definition); err != nil {
				return fmt.Errorf("inserting definition: %w", err)
			}
		}
		for _, ev := range k.Events {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO events (document_id, event_type, description, event_date) VALUES (?, ?, ?, ?)",
				docID, ev.Type, ev.Description, nullString(ev.Date)); err != nil {
				return fmt.Errorf("inserting event: %w", err)
			}
		}
		return nil
	})
}

// Entities returns the document's canonical entities ordered by name.
func (s *Store) Entities(ctx context.Context, docID string) ([]graph.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, name, entity_type, attributes
		FROM entities WHERE document_id = ? ORDER BY name, entity_id
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []graph.Entity
	for rows.Next() {
		var e graph.Entity
		var attrs sql.NullString
		if err := rows.Scan(&e.ID, &e.Name, &e.Type, &attrs); err != nil {
			return nil, err
		}
		e.Attributes = map[string]any{}
		if attrs.Valid && attrs.String != "" {
			if err := json.Unmarshal([]byte(attrs.String), &e.Attributes); err != nil {
				return nil, fmt.Errorf("decoding attributes of %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Claims returns the claims about subjectID, or all claims when it is empty.
func (s *Store) Claims(ctx context.Context, docID, subjectID string) ([]graph.Claim, error) {
	query := `SELECT subject_id, predicate, object_id, object_value, source_chunk_id
		FROM claims WHERE document_id = ?`
	args := []any{docID}
	if subjectID != "" {
		query += " AND subject_id = ?"
		args = append(args, subjectID)
	}
	rows, err := s.db.QueryContext(ctx, query+" ORDER BY id", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []graph.Claim
	for rows.Next() {
		var c graph.Claim
		var obj, val, chunk sql.NullString
		if err := rows.Scan(&c.SubjectID, &c.Predicate, &obj, &val, &chunk); err != nil {
			return nil, err
		}
		c.ObjectID, c.ObjectValue, c.SourceChunkID = obj.String, val.String, chunk.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// Definitions returns the document's defined terms in insertion order.
func (s *Store) Definitions(ctx context.Context, docID string) ([]graph.Definition, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT term, definition FROM definitions WHERE document_id = ? ORDER BY id", docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []graph.Definition
	for rows.Next() {
		var d graph.Definition
		if err := rows.Scan(&d.Term, &d.Definition); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Query log ---

// QueryLog represents a row in the query_log table.
type QueryLog struct {
	DocumentID string `json:"document_id"`
	Question   string `json:"question"`
	Mode       string `json:"mode"`
	Rule       string `json:"rule"`
	Answer     string `json:"answer"`
	Error      string `json:"error,omitempty"`
	ElapsedMs  int64  `json:"elapsed_ms"`
}

// LogQuery records a query in the audit log.
func (s *Store) LogQuery(ctx context.Context, q QueryLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_log (document_id, question, mode, rule, answer, error, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, q.DocumentID, q.Question, q.Mode, q.Rule, q.Answer, nullString(q.Error), q.ElapsedMs)
	return err
}

// DBStats holds aggregate row counts for a document.
type DBStats struct {
	Chunks      int `json:"chunks"`
	Embeddings  int `json:"embeddings"`
	Extractions int `json:"extractions"`
	Failed      int `json:"failed_extractions"`
	Entities    int `json:"entities"`
	Claims      int `json:"claims"`
	Definitions int `json:"definitions"`
	Events      int `json:"events"`
	Queries     int `json:"queries"`
}

// DBStats returns row counts for the document.
func (s *Store) DBStats(ctx context.Context, docID string) (*DBStats, error) {
	stats := &DBStats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM chunks WHERE document_id = ?", &stats.Chunks},
		{"SELECT COUNT(*) FROM vec_chunks WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)", &stats.Embeddings},
		{"SELECT COUNT(*) FROM extractions WHERE document_id = ?", &stats.Extractions},
		{"SELECT COUNT(*) FROM extractions WHERE document_id = ? AND error IS NOT NULL", &stats.Failed},
		{"SELECT COUNT(*) FROM entities WHERE document_id = ?", &stats.Entities},
		{"SELECT COUNT(*) FROM claims WHERE document_id = ?", &stats.Claims},
		{"SELECT COUNT(*) FROM definitions WHERE document_id = ?", &stats.Definitions},
		{"SELECT COUNT(*) FROM events WHERE document_id = ?", &stats.Events},
		{"SELECT COUNT(*) FROM query_log WHERE document_id = ?", &stats.Queries},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query, docID).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
