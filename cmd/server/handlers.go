package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/brunobiangulo/kgrag"
	"github.com/brunobiangulo/kgrag/router"
)

type handler struct {
	engine  kgrag.Engine
	metrics *metrics
}

func newHandler(e kgrag.Engine, m *metrics) *handler {
	return &handler{engine: e, metrics: m}
}

// POST /documents/{id}/chunks
// Body is a JSON array of {"chunk_id", "text", "page_number"}.
func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	var chunks []kgrag.Chunk
	if err := json.NewDecoder(r.Body).Decode(&chunks); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: expected a JSON array of chunks")
		return
	}

	docID := r.PathValue("id")
	report, err := h.engine.IngestChunks(ctx, docID, chunks)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, kgrag.ErrNoChunks) || errors.Is(err, kgrag.ErrInvalidConfig) {
			status = http.StatusBadRequest
		}
		writeError(w, status, "ingestion failed: "+err.Error())
		slog.Error("ingest error", "document_id", docID, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// POST /documents/{id}/build
func (h *handler) handleBuild(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Hour)
	defer cancel()

	var opts []kgrag.BuildOption
	if r.URL.Query().Get("reuse") == "true" {
		opts = append(opts, kgrag.WithReuseExtractions())
	}

	docID := r.PathValue("id")
	report, err := h.engine.Build(ctx, docID, opts...)
	if err != nil {
		writeError(w, statusFor(err), "build failed: "+err.Error())
		slog.Error("build error", "document_id", docID, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// POST /ask
// Streams the answer as application/x-ndjson.
func (h *handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		kgrag.AskRequest
		RagMode string `json:"rag_mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Mode == "" {
		req.Mode = req.RagMode
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "No question provided")
		return
	}
	if req.DocumentID == "" {
		writeError(w, http.StatusBadRequest, "No document selected")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}

	outcome := "done"
	events := h.engine.Ask(ctx, req.AskRequest)
	counted := make(chan kgrag.Event)
	go func() {
		defer close(counted)
		for ev := range events {
			switch ev.Type {
			case kgrag.EventToken:
				h.metrics.tokens.Inc()
			case kgrag.EventError:
				outcome = "error"
			}
			counted <- ev
		}
	}()
	if err := kgrag.WriteNDJSON(w, counted, flush); err != nil {
		cancel()
		outcome = "aborted"
		slog.Warn("ask stream aborted", "document_id", req.DocumentID, "error", err)
	}

	mode := "invalid"
	if m, err := router.ParseMode(req.Mode); err == nil {
		mode = string(m)
	}
	h.metrics.asks.WithLabelValues(mode, outcome).Inc()
}

// POST /route
func (h *handler) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question string `json:"question"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Route(req.Question))
}

// GET /documents/{id}/stats
func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("id")
	stats, err := h.engine.Stats(r.Context(), docID)
	if err != nil {
		writeError(w, statusFor(err), "stats failed: "+err.Error())
		slog.Error("stats error", "document_id", docID, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GET /documents/{id}/knowledge?subject=<entity id>
func (h *handler) handleKnowledge(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("id")
	k, err := h.engine.Knowledge(r.Context(), docID, r.URL.Query().Get("subject"))
	if err != nil {
		writeError(w, statusFor(err), "knowledge failed")
		slog.Error("knowledge error", "document_id", docID, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, k)
}

// DELETE /documents/{id}
func (h *handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("id")
	if err := h.engine.Delete(r.Context(), docID); err != nil {
		writeError(w, statusFor(err), "delete failed")
		slog.Error("delete error", "document_id", docID, "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GET /documents
func (h *handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.engine.ListDocuments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		slog.Error("list documents error", "error", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"documents": docs,
	})
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, kgrag.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, kgrag.ErrNoChunks):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
