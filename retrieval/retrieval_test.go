package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/kgrag/graph"
	"github.com/brunobiangulo/kgrag/router"
)

func ceoGraph() *graph.Graph {
	g := graph.New()
	g.AddEntity(graph.Node{ID: "p1", Name: "Yashish Dahiya", Type: graph.EntityPerson})
	g.AddEntity(graph.Node{ID: "c1", Name: "PB Fintech Limited", Type: graph.EntityCompany})
	g.AddRelationship("p1", "c1", graph.RelCEOOf, nil)
	return g
}

func TestKGContextCEOScenario(t *testing.T) {
	q := "Who is the CEO?"
	require.Equal(t, router.ModeKG, router.New(router.Rules{}).Route(q).Mode)

	ctx := NewKG(ceoGraph(), Lexicon{}).Context(q)
	assert.Contains(t, ctx, "Yashish Dahiya")
	assert.Contains(t, ctx, "PB Fintech Limited")
	assert.Contains(t, ctx, "Yashish Dahiya --[IS_CEO_OF]--> PB Fintech Limited")
	assert.True(t, strings.HasPrefix(ctx, "**Yashish Dahiya** (PERSON)"))
}

func TestKGContextEmpty(t *testing.T) {
	assert.Equal(t, "No relevant entities found in Knowledge Graph.", NewKG(graph.New(), Lexicon{}).Context("Who is the CEO?"))
	assert.Equal(t, "No relevant entities found in Knowledge Graph.", NewKG(ceoGraph(), Lexicon{}).Context("zzz"))
}

func TestQueryWords(t *testing.T) {
	assert.Equal(t, []string{"who", "is", "the", "ceo", "s", "pb"}, QueryWords("Who is the CEO's PB?"))
	assert.Empty(t, QueryWords("?!"))
}

func TestExpandTerms(t *testing.T) {
	k := NewKG(graph.New(), Lexicon{})
	terms := k.ExpandTerms("Who is the owner?")
	assert.Subset(t, terms, []string{"who", "owner", "promoter", "founder", "shareholder", "stakeholder"})

	// Keys contained in the question expand even inside longer words.
	terms = k.ExpandTerms("Show the offices")
	assert.Contains(t, terms, "registered office")
	assert.Contains(t, terms, "headquarters")
}

func TestKGEntityBlockAttributes(t *testing.T) {
	g := graph.New()
	g.AddEntity(graph.Node{ID: "e", Name: "Alok Bansal", Type: graph.EntityPerson,
		Attributes: map[string]any{"role": "Executive Vice Chairman & Whole-time Director"}})
	ctx := NewKG(g, Lexicon{}).Context("alok")

	want := "**Alok Bansal** (PERSON)\nAttributes: {\n  \"role\": \"Executive Vice Chairman & Whole-time Director\"\n}"
	assert.Equal(t, want, ctx)
}

func TestKGMatchesAttributeKeysAndValues(t *testing.T) {
	g := graph.New()
	g.AddEntity(graph.Node{ID: "a", Name: "Entity A", Type: graph.EntityCompany, Attributes: map[string]any{"registered_office": "Gurugram"}})
	g.AddEntity(graph.Node{ID: "b", Name: "Entity B", Type: graph.EntityCompany, Attributes: map[string]any{"cin": "U51909HR2008PLC037998"}})
	k := NewKG(g, Lexicon{})

	byKey := k.Entities("registered")
	require.Len(t, byKey, 1)
	assert.Equal(t, "a", byKey[0].ID)

	byValue := k.Entities("u51909hr2008plc037998")
	require.Len(t, byValue, 1)
	assert.Equal(t, "b", byValue[0].ID)
}

func TestStringify(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"Gurugram", "Gurugram"},
		{nil, "None"},
		{true, "True"},
		{false, "False"},
		{float64(5), "5.0"},
		{float64(-2), "-2.0"},
		{21.6, "21.6"},
		{1e21, "1e+21"},
		{7, "7"},
		{[]any{"a", float64(1)}, `["a",1]`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stringify(tt.in), "%v", tt.in)
	}
}

func TestKGSynonyms(t *testing.T) {
	g := graph.New()
	g.AddEntity(graph.Node{ID: "pb", Name: "Etechaces Marketing and Consulting", Type: graph.EntityCompany})
	k := NewKG(g, Lexicon{})

	// "fintech" hits the "pb fintech" group, which lists "etechaces".
	got := k.Entities("fintech")
	require.Len(t, got, 1)
	assert.Equal(t, "pb", got[0].ID)
}

func TestKGRelationshipAdditions(t *testing.T) {
	g := graph.New()
	g.AddEntity(graph.Node{ID: "parent", Name: "Alpha", Type: graph.EntityCompany})
	g.AddEntity(graph.Node{ID: "child", Name: "Beta", Type: graph.EntityCompany})
	g.AddEntity(graph.Node{ID: "founder", Name: "Gamma", Type: graph.EntityPerson})
	g.AddRelationship("child", "parent", graph.RelSubsidiaryOf, nil)
	g.AddRelationship("founder", "parent", graph.RelFounderOf, nil)
	k := NewKG(g, Lexicon{})

	ids := func(ns []graph.Node) []string {
		var out []string
		for _, n := range ns {
			out = append(out, n.ID)
		}
		return out
	}

	assert.ElementsMatch(t, []string{"parent", "child"}, ids(k.Entities("which subsidiary?")))
	assert.Equal(t, []string{"founder"}, ids(k.Entities("name the founder")))
}

func TestKGEntityCap(t *testing.T) {
	g := graph.New()
	for i := 0; i < 30; i++ {
		g.AddEntity(graph.Node{ID: fmt.Sprint(i), Name: fmt.Sprintf("Director %d", i), Type: graph.EntityPerson})
	}
	got := NewKG(g, Lexicon{}).Entities("director")
	require.Len(t, got, DefaultMaxEntities)
	assert.Equal(t, "0", got[0].ID)
}

func TestKGPriorityRelationsFirstAndCapped(t *testing.T) {
	g := graph.New()
	g.AddEntity(graph.Node{ID: "hub", Name: "Hub Co", Type: graph.EntityCompany})
	for i := 0; i < 60; i++ {
		id := fmt.Sprintf("n%d", i)
		g.AddEntity(graph.Node{ID: id, Name: fmt.Sprintf("Node%d", i), Type: graph.EntityUnknown})
		g.AddRelationship("hub", id, "MENTIONS", nil)
	}
	g.AddEntity(graph.Node{ID: "ceo", Name: "Chief", Type: graph.EntityPerson})
	g.AddRelationship("ceo", "hub", graph.RelCEOOf, nil)

	ctx := NewKG(g, Lexicon{}).Context("hub")
	lines := strings.Split(ctx, "\n\n")
	require.Len(t, lines, 1+DefaultMaxRelations)
	assert.Equal(t, "Chief --[IS_CEO_OF]--> Hub Co", lines[1])
}

func unitAt(cos float64) []float32 {
	return []float32{float32(cos), float32(math.Sqrt(1 - cos*cos))}
}

func TestVectorOrdering(t *testing.T) {
	chunks := []Chunk{{ID: "low", Text: "low"}, {ID: "high", Text: "high"}, {ID: "mid", Text: "mid"}}
	ix, err := NewIndex(chunks, [][]float32{unitAt(0.1), unitAt(0.9), unitAt(0.5)})
	require.NoError(t, err)

	hits, err := ix.Search([]float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "high", hits[0].ID)
	assert.Equal(t, "mid", hits[1].ID)
	assert.InDelta(t, 0.9, hits[0].Score, 1e-6)
	assert.InDelta(t, 0.5, hits[1].Score, 1e-6)

	assert.Equal(t, "[Score: 0.900] high\n\n[Score: 0.500] mid", FormatChunks(hits))
}

func TestVectorDefaultsAndErrors(t *testing.T) {
	var chunks []Chunk
	var vecs [][]float32
	for i := 0; i < 8; i++ {
		chunks = append(chunks, Chunk{ID: fmt.Sprint(i)})
		vecs = append(vecs, []float32{1, float32(i)})
	}
	ix, err := NewIndex(chunks, vecs)
	require.NoError(t, err)
	assert.Equal(t, 2, ix.Dim())

	hits, err := ix.Search([]float32{1, 0}, 0)
	require.NoError(t, err)
	assert.Len(t, hits, DefaultTopK)

	_, err = ix.Search([]float32{1, 0, 0}, 3)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = NewIndex(chunks[:2], [][]float32{{1, 0}, {1, 0, 0}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = NewIndex(chunks[:2], vecs[:1])
	assert.Error(t, err)
}

func TestCosineZeroVector(t *testing.T) {
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 0}))
	assert.InDelta(t, 1.0, Cosine([]float32{3, 4}, []float32{6, 8}), 1e-6)
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

func TestOrchestratorModes(t *testing.T) {
	ix, err := NewIndex([]Chunk{{ID: "c", Text: "Yashish Dahiya is the Chairman and CEO."}}, [][]float32{{1, 0}})
	require.NoError(t, err)
	o := NewOrchestrator(NewKG(ceoGraph(), Lexicon{}), ix, fakeEmbedder{vec: []float32{1, 0}}, 0)
	ctx := context.Background()

	kg, err := o.Retrieve(ctx, "Who is the CEO?", router.ModeKG)
	require.NoError(t, err)
	assert.Equal(t, KGSystemPrompt, kg.SystemPrompt)
	assert.Equal(t, 1, kg.Entities)

	vec, err := o.Retrieve(ctx, "Who is the CEO?", router.ModeVector)
	require.NoError(t, err)
	assert.Equal(t, "[Score: 1.000] Yashish Dahiya is the Chairman and CEO.", vec.Context)
	assert.Equal(t, VectorSystemPrompt, vec.SystemPrompt)

	hy, err := o.Retrieve(ctx, "Who is the CEO?", router.ModeHybrid)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hy.Context, "[STRUCTURED DATA from Knowledge Graph]\n**Yashish Dahiya**"))
	assert.Contains(t, hy.Context, "\n\n[TEXTUAL EVIDENCE from Document Chunks]\n[Score: 1.000]")
	assert.Equal(t, HybridSystemPrompt, hy.SystemPrompt)

	_, err = o.Retrieve(ctx, "x", router.ModeAuto)
	assert.Error(t, err)
}

func TestOrchestratorMissingBackends(t *testing.T) {
	ctx := context.Background()
	noGraph := NewOrchestrator(nil, nil, nil, 5)

	_, err := noGraph.Retrieve(ctx, "q", router.ModeKG)
	assert.ErrorIs(t, err, ErrGraphNotLoaded)
	_, err = noGraph.Retrieve(ctx, "q", router.ModeVector)
	assert.ErrorIs(t, err, ErrIndexNotLoaded)
	_, err = noGraph.Retrieve(ctx, "q", router.ModeHybrid)
	assert.ErrorIs(t, err, ErrGraphNotLoaded)

	ix, _ := NewIndex([]Chunk{{ID: "c"}}, [][]float32{{1}})
	broken := NewOrchestrator(nil, ix, fakeEmbedder{err: errors.New("down")}, 5)
	_, err = broken.Retrieve(ctx, "q", router.ModeVector)
	assert.ErrorContains(t, err, "down")
}

type recordingSearcher struct {
	query []float32
	k     int
	hits  []ScoredChunk
}

func (r *recordingSearcher) Search(_ context.Context, query []float32, k int) ([]ScoredChunk, error) {
	r.query, r.k = query, k
	return r.hits, nil
}

func TestOrchestratorCustomSearcher(t *testing.T) {
	s := &recordingSearcher{hits: []ScoredChunk{{Chunk: Chunk{ID: "c7", Text: "Listing on NSE and BSE."}, Score: 0.75}}}
	o := NewOrchestratorWithSearcher(nil, s, fakeEmbedder{vec: []float32{0, 1}}, 0)

	res, err := o.Retrieve(context.Background(), "Where will shares list?", router.ModeVector)
	require.NoError(t, err)
	assert.Equal(t, "[Score: 0.750] Listing on NSE and BSE.", res.Context)
	assert.Equal(t, []float32{0, 1}, s.query)
	assert.Equal(t, DefaultTopK, s.k)

	_, err = NewOrchestratorWithSearcher(nil, nil, fakeEmbedder{}, 3).Retrieve(context.Background(), "q", router.ModeVector)
	assert.ErrorIs(t, err, ErrIndexNotLoaded)
}

func TestUserPrompt(t *testing.T) {
	assert.Equal(t, "Context:\nC\n\nQuestion: Q\n\nAnswer:", UserPrompt("C", "Q"))
}
