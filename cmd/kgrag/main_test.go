package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/kgrag"
	"github.com/brunobiangulo/kgrag/router"
)

func TestRunRoute(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"route", "-log-level", "error", "Who", "owns", "PB", "Fintech?"}, &stdout, &stderr)
	require.NoError(t, err)

	var d router.Decision
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &d))
	assert.Equal(t, router.ModeKG, d.Mode)
	assert.Equal(t, "who owns", d.Keyword)
}

func TestRunRouteCustomRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kgrag.yaml")
	require.NoError(t, os.WriteFile(path, []byte("router:\n  rules:\n    textual: [\"summarize\"]\n"), 0o644))

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"route", "-config", path, "-log-level", "error", "summarize the prospectus"}, &stdout, &stderr)
	require.NoError(t, err)
	assert.Contains(t, stdout.String(), `"mode": "vector"`)
}

func TestRunUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no command", nil, "usage: kgrag"},
		{"unknown", []string{"frobnicate"}, `unknown command "frobnicate"`},
		{"missing doc", []string{"stats"}, "-doc is required"},
		{"knowledge without doc", []string{"knowledge", "-subject", "e1"}, "-doc is required"},
		{"missing chunks", []string{"ingest", "-doc", "pb"}, "-chunks is required"},
		{"missing question", []string{"ask", "-doc", "pb"}, "a question is required"},
		{"bad flag", []string{"build", "-nope"}, "flag provided but not defined"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), tt.args, &stdout, &stderr)
			assert.ErrorIs(t, err, errUsage)
			assert.Contains(t, stderr.String(), tt.want)
		})
	}
}

func TestReadChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunks.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"chunk_id":0,"text":"a","page_number":1},{"chunk_id":"x","text":"b"}]`), 0o644))

	chunks, err := readChunks(path)
	require.NoError(t, err)
	assert.Equal(t, []kgrag.Chunk{{ID: "0", Text: "a", PageNumber: 1}, {ID: "x", Text: "b"}}, chunks)

	require.NoError(t, os.WriteFile(path, []byte(`{"chunks":[]}`), 0o644))
	_, err = readChunks(path)
	assert.Error(t, err)
}

func TestPrintAnswer(t *testing.T) {
	ch := make(chan kgrag.Event, 4)
	ch <- kgrag.Event{Type: kgrag.EventStatus, Msg: "Analyzing query (Mode: kg)..."}
	ch <- kgrag.Event{Type: kgrag.EventToken, Content: "Yashish "}
	ch <- kgrag.Event{Type: kgrag.EventToken, Content: "Dahiya"}
	ch <- kgrag.Event{Type: kgrag.EventDone}
	close(ch)

	var stdout, stderr bytes.Buffer
	require.NoError(t, printAnswer(&stdout, &stderr, ch))
	assert.Equal(t, "Yashish Dahiya\n", stdout.String())
	assert.True(t, strings.Contains(stderr.String(), "Analyzing query (Mode: kg)..."))

	ch = make(chan kgrag.Event, 1)
	ch <- kgrag.Event{Type: kgrag.EventError, Msg: "Knowledge Graph not found"}
	close(ch)
	assert.EqualError(t, printAnswer(&stdout, &stderr, ch), "Knowledge Graph not found")
}
