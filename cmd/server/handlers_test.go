package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/kgrag"
	"github.com/brunobiangulo/kgrag/graph"
	"github.com/brunobiangulo/kgrag/router"
	"github.com/brunobiangulo/kgrag/store"
)

// stubEngine answers every question with a fixed stream.
type stubEngine struct {
	lastAsk     kgrag.AskRequest
	lastChunks  []kgrag.Chunk
	lastSubject string
}

func (s *stubEngine) IngestChunks(_ context.Context, docID string, chunks []kgrag.Chunk) (*kgrag.IngestReport, error) {
	if len(chunks) == 0 {
		return nil, kgrag.ErrNoChunks
	}
	s.lastChunks = chunks
	return &kgrag.IngestReport{DocumentID: docID, Chunks: len(chunks), Embedded: len(chunks)}, nil
}

func (s *stubEngine) Build(_ context.Context, docID string, _ ...kgrag.BuildOption) (*kgrag.BuildReport, error) {
	if docID != "pb" {
		return nil, fmt.Errorf("%w: %s", kgrag.ErrDocumentNotFound, docID)
	}
	return &kgrag.BuildReport{DocumentID: docID}, nil
}

func (s *stubEngine) Ask(_ context.Context, req kgrag.AskRequest) <-chan kgrag.Event {
	s.lastAsk = req
	ch := make(chan kgrag.Event, 4)
	if req.DocumentID != "pb" {
		ch <- kgrag.Event{Type: kgrag.EventError, Msg: "Knowledge Graph not found"}
	} else {
		ch <- kgrag.Event{Type: kgrag.EventStatus, Msg: "Analyzing query (Mode: auto)..."}
		ch <- kgrag.Event{Type: kgrag.EventToken, Content: "Yashish Dahiya"}
		ch <- kgrag.Event{Type: kgrag.EventDone}
	}
	close(ch)
	return ch
}

func (s *stubEngine) Route(q string) router.Decision { return router.New(router.Rules{}).Route(q) }

func (s *stubEngine) Stats(_ context.Context, docID string) (*kgrag.DocumentStats, error) {
	if docID != "pb" {
		return nil, kgrag.ErrDocumentNotFound
	}
	return &kgrag.DocumentStats{Document: &store.Document{ID: "pb"}, GraphBuilt: true}, nil
}

func (s *stubEngine) Knowledge(_ context.Context, docID, subjectID string) (*kgrag.Knowledge, error) {
	if docID != "pb" {
		return nil, kgrag.ErrDocumentNotFound
	}
	s.lastSubject = subjectID
	return &kgrag.Knowledge{
		DocumentID:  docID,
		Entities:    []graph.Entity{{ID: "e1", Name: "Yashish Dahiya", Type: graph.EntityPerson}},
		Definitions: []graph.Definition{{Term: "Company", Definition: "PB Fintech Limited"}},
	}, nil
}

func (s *stubEngine) ListDocuments(context.Context) ([]store.Document, error) {
	return []store.Document{{ID: "pb", Status: store.StatusBuilt}}, nil
}

func (s *stubEngine) Delete(_ context.Context, docID string) error {
	if docID != "pb" {
		return kgrag.ErrDocumentNotFound
	}
	return nil
}

func (s *stubEngine) Close() error { return nil }

func newTestServer(t *testing.T, apiKey string) (*httptest.Server, *stubEngine) {
	t.Helper()
	eng := &stubEngine{}
	reg := prometheus.NewRegistry()
	srv := httptest.NewServer(newServer(eng, apiKey, "", reg))
	t.Cleanup(srv.Close)
	return srv, eng
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAskStreamsNDJSON(t *testing.T) {
	srv, eng := newTestServer(t, "")

	resp := post(t, srv.URL+"/ask", `{"question":"Who is the CEO?","document_id":"pb","rag_mode":"kg"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var events []kgrag.Event
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var ev kgrag.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 3)
	assert.Equal(t, kgrag.EventToken, events[1].Type)
	assert.Equal(t, "Yashish Dahiya", events[1].Content)
	assert.Equal(t, kgrag.EventDone, events[2].Type)
	assert.Equal(t, "kg", eng.lastAsk.Mode)

	assert.Contains(t, scrape(t, srv.URL), `kgrag_ask_total{mode="kg",outcome="done"} 1`)
	assert.Contains(t, scrape(t, srv.URL), `kgrag_ask_token_events_total 1`)
}

func scrape(t *testing.T, base string) string {
	t.Helper()
	resp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestAskErrorEvent(t *testing.T) {
	srv, _ := newTestServer(t, "")

	resp := post(t, srv.URL+"/ask", `{"question":"Who is the CEO?","document_id":"other"}`)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"error","msg":"Knowledge Graph not found"}`+"\n", string(body))
	assert.Contains(t, scrape(t, srv.URL), `kgrag_ask_total{mode="auto",outcome="error"} 1`)
}

func TestAskValidation(t *testing.T) {
	srv, _ := newTestServer(t, "")

	tests := []struct {
		body string
		want string
	}{
		{`{"document_id":"pb"}`, "No question provided"},
		{`{"question":"Who is the CEO?"}`, "No document selected"},
		{`not json`, "invalid JSON"},
	}
	for _, tt := range tests {
		resp := post(t, srv.URL+"/ask", tt.body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		var got map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		assert.Equal(t, tt.want, got["error"])
	}
}

func TestRouteEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "")

	resp := post(t, srv.URL+"/route", `{"question":"Who owns PB Fintech?"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var d router.Decision
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&d))
	assert.Equal(t, router.Decision{Mode: router.ModeKG, Rule: router.RuleStructural, Keyword: "who owns"}, d)
}

func TestDocumentEndpoints(t *testing.T) {
	srv, eng := newTestServer(t, "")

	resp := post(t, srv.URL+"/documents/pb/chunks", `[{"chunk_id":1,"text":"a"},{"chunk_id":"c2","text":"b"}]`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []kgrag.Chunk{{ID: "1", Text: "a"}, {ID: "c2", Text: "b"}}, eng.lastChunks)

	resp = post(t, srv.URL+"/documents/pb/chunks", `[]`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv.URL+"/documents/pb/build?reuse=true", ``)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = post(t, srv.URL+"/documents/nope/build", ``)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	get, err := http.Get(srv.URL + "/documents/pb/stats")
	require.NoError(t, err)
	defer get.Body.Close()
	assert.Equal(t, http.StatusOK, get.StatusCode)
	var stats kgrag.DocumentStats
	require.NoError(t, json.NewDecoder(get.Body).Decode(&stats))
	assert.True(t, stats.GraphBuilt)

	missing, err := http.Get(srv.URL + "/documents/nope/stats")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	kr, err := http.Get(srv.URL + "/documents/pb/knowledge?subject=e1")
	require.NoError(t, err)
	defer kr.Body.Close()
	assert.Equal(t, http.StatusOK, kr.StatusCode)
	var k kgrag.Knowledge
	require.NoError(t, json.NewDecoder(kr.Body).Decode(&k))
	require.Len(t, k.Entities, 1)
	assert.Equal(t, "Yashish Dahiya", k.Entities[0].Name)
	assert.Equal(t, "Company", k.Definitions[0].Term)
	assert.Equal(t, "e1", eng.lastSubject)

	kr404, err := http.Get(srv.URL + "/documents/nope/knowledge")
	require.NoError(t, err)
	defer kr404.Body.Close()
	assert.Equal(t, http.StatusNotFound, kr404.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/documents/pb", nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer del.Body.Close()
	assert.Equal(t, http.StatusOK, del.StatusCode)
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := newTestServer(t, "secret")

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/documents")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/documents", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, "")

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Contains(t, scrape(t, srv.URL), `kgrag_http_requests_total{method="GET",path="GET /health",status="200"} 1`)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}
