package graph

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/kgrag/llm"
)

// scriptedChat answers by inspecting the chunk text in the user prompt.
type scriptedChat struct {
	mu       sync.Mutex
	prompts  []string
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (s *scriptedChat) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	prompt := req.Messages[len(req.Messages)-1].Content
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch {
	case strings.Contains(prompt, "FAIL"):
		return nil, errors.New("upstream unavailable")
	case strings.Contains(prompt, "GARBAGE"):
		return &llm.ChatResponse{Content: "sorry, no json here"}, nil
	}
	return &llm.ChatResponse{Content: `{"entities":[{"name":"Yashish Dahiya","type":"person"},{"name":"PB Fintech Limited","type":"COMPANY"}],` +
		`"claims":[{"subject":"Yashish Dahiya","predicate":"is_ceo_of","object":"PB Fintech Limited"}]}`}, nil
}

func (s *scriptedChat) Embed(context.Context, []string) ([][]float32, error) { return nil, nil }

func TestExtractOrderAndFailures(t *testing.T) {
	chat := &scriptedChat{}
	chunks := []Chunk{
		{ID: "c0", Text: "Yashish Dahiya is the CEO."},
		{ID: "c1", Text: "FAIL"},
		{ID: "c2", Text: "GARBAGE"},
		{ID: "c3", Text: "   "},
		{ID: "c4", Text: "Yashish Dahiya is the CEO."},
	}

	var calls atomic.Int32
	var last atomic.Int32
	out := NewExtractor(chat, WithConcurrency(2)).Extract(context.Background(), chunks, func(done, total int) {
		calls.Add(1)
		assert.Equal(t, len(chunks), total)
		last.Store(int32(done))
	})

	require.Len(t, out, len(chunks))
	for i, x := range out {
		assert.Equal(t, chunks[i].ID, x.ChunkID)
	}
	assert.Empty(t, out[0].Error)
	require.Len(t, out[0].Entities, 2)
	assert.Equal(t, EntityPerson, out[0].Entities[0].Type)
	require.Len(t, out[0].Relationships, 1)
	assert.Equal(t, "IS_CEO_OF", out[0].Relationships[0].Type)

	assert.Contains(t, out[1].Error, "upstream unavailable")
	assert.NotEmpty(t, out[2].Error)
	assert.Empty(t, out[3].Error)
	assert.Empty(t, out[3].Entities)

	assert.Equal(t, int32(len(chunks)), calls.Load())
	assert.Equal(t, int32(len(chunks)), last.Load())
	assert.LessOrEqual(t, chat.peak.Load(), int32(2))

	sum := Summarize(out)
	assert.Equal(t, Summary{Chunks: 5, Failed: 2, Entities: 4, Relationships: 2, Claims: 2}, sum)
}

func TestExtractCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := NewExtractor(&scriptedChat{}).Extract(ctx, []Chunk{{ID: "a", Text: "x"}, {ID: "b", Text: "y"}}, nil)
	require.Len(t, out, 2)
	for _, x := range out {
		assert.Equal(t, context.Canceled.Error(), x.Error)
	}
}

func TestExtractUnitTimeout(t *testing.T) {
	chat := &scriptedChat{delay: time.Second}
	out := NewExtractor(chat, WithUnitTimeout(20*time.Millisecond)).
		Extract(context.Background(), []Chunk{{ID: "slow", Text: "Yashish Dahiya"}}, nil)
	require.Len(t, out, 1)
	assert.Contains(t, out[0].Error, "deadline exceeded")
}

func TestExtractChunkTruncatesPrompt(t *testing.T) {
	chat := &scriptedChat{}
	long := strings.Repeat("é", maxChunkChars) // two bytes per rune
	NewExtractor(chat).ExtractChunk(context.Background(), Chunk{ID: "long", Text: long})

	require.Len(t, chat.prompts, 1)
	assert.Contains(t, chat.prompts[0], strings.Repeat("é", maxChunkChars/2))
	assert.NotContains(t, chat.prompts[0], strings.Repeat("é", maxChunkChars/2+1))
}

func TestTruncateUTF8(t *testing.T) {
	assert.Equal(t, "abc", truncateUTF8("abc", 10))
	assert.Equal(t, "ab", truncateUTF8("abc", 2))
	assert.Equal(t, "a", truncateUTF8("aé", 2))
}
