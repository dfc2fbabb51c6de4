package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/brunobiangulo/kgrag/graph"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Mr. Yashish Dahiya", "yashish dahiya"},
		{"mr. yashish   dahiya", "yashish dahiya"},
		{"Dr. Alok Bansal", "alok bansal"},
		{"PB Fintech Limited", "pb fintech"},
		{"PB Fintech Pvt. Ltd.", "pb fintech"},
		{"Etechaces Marketing Private Limited", "etechaces marketing"},
		{"  Policybazaar  ", "policybazaar"},
		{"Limitedness Corp", "limitedness corp"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 100, Similarity("pb fintech", "pb fintech"))
	assert.Equal(t, 67, Similarity("abc", "abd"))
	assert.Equal(t, 0, Similarity("abc", "xyz"))
	assert.Equal(t, 0, Similarity("", "abc"))
	assert.GreaterOrEqual(t, Similarity("policybazaar", "policy bazaar"), DefaultThreshold)
}

func entity(id, name, typ string, attrs map[string]any) graph.Entity {
	return graph.Entity{ID: id, Name: name, Type: typ, Attributes: attrs}
}

func TestRegisterExactAlias(t *testing.T) {
	r := New()
	id1 := r.Register(entity("e1", "Yashish Dahiya", graph.EntityPerson, nil))
	id2 := r.Register(entity("e2", "Mr. Yashish Dahiya", graph.EntityPerson, nil))

	assert.Equal(t, "e1", id1)
	assert.Equal(t, "e1", id2)
	assert.Len(t, r.Entities(), 1)
}

func TestRegisterFuzzyRecordsAlias(t *testing.T) {
	r := New()
	r.Register(entity("e1", "Policybazaar", graph.EntityCompany, nil))
	id := r.Register(entity("e2", "Policy Bazaar", graph.EntityCompany, nil))

	assert.Equal(t, "e1", id)
	st := r.Stats()
	assert.Equal(t, 1, st.TotalUniqueEntities)
	assert.Equal(t, 2, st.TotalAliases)
	assert.InDelta(t, 2.0, st.DeduplicationRatio, 1e-9)
	assert.Equal(t, map[string]int{graph.EntityCompany: 1}, st.EntityTypeCounts)
}

func TestRegisterTypeIsolation(t *testing.T) {
	r := New()
	company := r.Register(entity("c1", "Policybazaar", graph.EntityCompany, nil))
	product := r.Register(entity("p1", "Policybazaar", graph.EntityProduct, nil))
	near := r.Register(entity("p2", "Policy Bazaar", graph.EntityProduct, nil))

	assert.NotEqual(t, company, product)
	assert.Equal(t, product, near)
	assert.Equal(t, 2, r.Stats().TotalUniqueEntities)
}

func TestRegisterAssignsMissingID(t *testing.T) {
	r := New()
	id := r.Register(entity("", "SEBI", graph.EntityRegulator, nil))
	require.NotEmpty(t, id)

	e, ok := r.Entity(id)
	require.True(t, ok)
	assert.Equal(t, "SEBI", e.Name)
	assert.NotNil(t, e.Attributes)
}

func TestMergeAttributes(t *testing.T) {
	r := New()
	r.Register(entity("e1", "Yashish Dahiya", graph.EntityPerson, map[string]any{
		"role":   "CEO",
		"age":    float64(47),
		"degree": "MBA",
	}))
	r.Register(entity("e2", "Mr. Yashish Dahiya", graph.EntityPerson, map[string]any{
		"role":   "Chairman and CEO", // longer string wins
		"age":    float64(48),        // non-string overwrites
		"degree": "B",                // shorter string loses
		"city":   "Gurugram",         // new key added
		"email":  "",                 // new key added even when empty
	}))
	r.Register(entity("e3", "Yashish Dahiya", graph.EntityPerson, map[string]any{
		"city": "", // empty never replaces
	}))

	e, ok := r.Entity("e1")
	require.True(t, ok)
	assert.Equal(t, "Chairman and CEO", e.Attributes["role"])
	assert.Equal(t, float64(48), e.Attributes["age"])
	assert.Equal(t, "MBA", e.Attributes["degree"])
	assert.Equal(t, "Gurugram", e.Attributes["city"])
	assert.Equal(t, "", e.Attributes["email"])
}

func TestRegisterDoesNotAliasInput(t *testing.T) {
	attrs := map[string]any{"role": "CEO"}
	r := New()
	r.Register(entity("e1", "Alok Bansal", graph.EntityPerson, attrs))
	r.Register(entity("e2", "Alok Bansal", graph.EntityPerson, map[string]any{"role": "Executive Vice Chairman"}))

	assert.Equal(t, "CEO", attrs["role"])
}

func TestResolveExtraction(t *testing.T) {
	r := New()
	r.Register(entity("canon-pb", "PB Fintech Limited", graph.EntityCompany, nil))

	x := graph.Extraction{
		ChunkID: "chunk-2",
		Entities: []graph.Entity{
			entity("a", "Yashish Dahiya", graph.EntityPerson, nil),
			entity("b", "PB Fintech Ltd.", graph.EntityCompany, nil),
		},
		Relationships: []graph.Relationship{
			{SourceID: "a", TargetID: "b", Type: "IS_CEO_OF"},
			{SourceID: "a", TargetID: "", Type: "BROKEN"},
			{SourceID: "a", TargetID: "elsewhere", Type: "KNOWS"},
		},
		Claims: []graph.Claim{
			{SubjectID: "b", Predicate: "HAS_TOTAL_INCOME", ObjectValue: "9,574.13 million"},
		},
		Definitions: []graph.Definition{{Term: "RHP", Definition: "Red Herring Prospectus"}},
	}

	out := r.ResolveExtraction(x)
	require.Len(t, out.Entities, 2)
	assert.Equal(t, "a", out.Entities[0].CanonicalID)
	assert.Equal(t, "canon-pb", out.Entities[1].CanonicalID)
	assert.Equal(t, "b", out.Entities[1].ID)

	require.Len(t, out.Relationships, 2)
	rel := out.Relationships[0]
	assert.Equal(t, "a", rel.SourceID)
	assert.Equal(t, "canon-pb", rel.TargetID)
	assert.Equal(t, "b", rel.OriginalTargetID)
	assert.Equal(t, "elsewhere", out.Relationships[1].TargetID)

	require.Len(t, out.Claims, 1)
	assert.Equal(t, "canon-pb", out.Claims[0].SubjectID)
	assert.Equal(t, "chunk-2", out.Claims[0].SourceChunkID)
	assert.Equal(t, x.Definitions, out.Definitions)
}

func TestResolveBatchStableOrder(t *testing.T) {
	batch := []graph.Extraction{
		{ChunkID: "c2", Entities: []graph.Entity{entity("late", "Paisabazaar", graph.EntityCompany, nil)}},
		{ChunkID: "c1", Entities: []graph.Entity{entity("early", "Paisa bazaar", graph.EntityCompany, nil)}},
	}

	plain := New().ResolveBatch(batch)
	assert.Equal(t, "late", plain[1].Entities[0].CanonicalID)

	stable := New(WithStableOrder()).ResolveBatch(batch)
	assert.Equal(t, "c1", stable[0].ChunkID)
	assert.Equal(t, "early", stable[1].Entities[0].CanonicalID)
	assert.Equal(t, "c2", batch[0].ChunkID, "input slice must not be reordered")
}

func TestIdempotentRegistration(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringMatching(`[A-Za-z][A-Za-z ]{0,30}`).Draw(t, "name")
		typ := rapid.SampledFrom([]string{graph.EntityPerson, graph.EntityCompany}).Draw(t, "type")

		r := New()
		e := entity("id-1", name, typ, map[string]any{"k": "v"})
		first := r.Register(e)
		second := r.Register(e)
		if first != second {
			t.Fatalf("Register twice: %q then %q", first, second)
		}
		if n := len(r.Entities()); n != 1 {
			t.Fatalf("entities = %d, want 1", n)
		}
	})
}

func TestMergeSymmetry(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := rapid.StringMatching(`[a-z]{8,16}`).Draw(t, "base")
		suffix := rapid.StringMatching(`[a-z]`).Draw(t, "suffix")
		a, b := base, base+suffix

		forward := New()
		fa := forward.Register(entity("a", a, graph.EntityCompany, nil))
		fb := forward.Register(entity("b", b, graph.EntityCompany, nil))

		backward := New()
		bb := backward.Register(entity("b", b, graph.EntityCompany, nil))
		ba := backward.Register(entity("a", a, graph.EntityCompany, nil))

		if fa != fb || ba != bb {
			t.Fatalf("%q and %q not merged (score %d)", a, b, Similarity(a, b))
		}
	})
}

func TestTypeIsolationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := rapid.StringMatching(`[a-z]{8,16}`).Draw(t, "base")

		r := New()
		c := r.Register(entity("c", base, graph.EntityCompany, nil))
		p := r.Register(entity("p", base+"x", graph.EntityProduct, nil))
		if c == p {
			t.Fatalf("company %q merged with product", base)
		}
	})
}

func TestWithThreshold(t *testing.T) {
	assert.Equal(t, DefaultThreshold, New().Threshold())
	assert.Equal(t, 70, New(WithThreshold(70)).Threshold())
	assert.Equal(t, DefaultThreshold, New(WithThreshold(0)).Threshold())
	assert.Equal(t, DefaultThreshold, New(WithThreshold(101)).Threshold())
}

func TestRegisterRawIDCollision(t *testing.T) {
	r := New()
	a := r.Register(entity("e1", "PB Fintech Limited", graph.EntityCompany, map[string]any{"cin": "L51909HR2008PLC037998"}))
	b := r.Register(entity("e1", "Securities and Exchange Board of India", graph.EntityRegulator, nil))
	c := r.Register(entity("x9", "PB Fintech", graph.EntityCompany, nil))

	assert.Equal(t, "e1", a)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, c)
	assert.Len(t, r.Entities(), 2)

	company, ok := r.Entity("e1")
	require.True(t, ok)
	assert.Equal(t, "PB Fintech Limited", company.Name)
	assert.Equal(t, graph.EntityCompany, company.Type)
	assert.Equal(t, "L51909HR2008PLC037998", company.Attributes["cin"])

	regulator, ok := r.Entity(b)
	require.True(t, ok)
	assert.Equal(t, graph.EntityRegulator, regulator.Type)
}

func TestResolveBatchRepeatedChunkIDs(t *testing.T) {
	batch := []graph.Extraction{
		{
			ChunkID:  "c1",
			Entities: []graph.Entity{entity("e1", "Yashish Dahiya", graph.EntityPerson, nil)},
		},
		{
			ChunkID: "c2",
			Entities: []graph.Entity{
				entity("e1", "SEBI", graph.EntityRegulator, nil),
				entity("e2", "PB Fintech Limited", graph.EntityCompany, nil),
			},
			Relationships: []graph.Relationship{{SourceID: "e1", TargetID: "e2", Type: "REGULATES"}},
		},
	}

	r := New()
	out := r.ResolveBatch(batch)
	assert.Len(t, r.Entities(), 3)

	sebi := out[1].Entities[0].CanonicalID
	assert.NotEqual(t, "e1", sebi)
	require.Len(t, out[1].Relationships, 1)
	assert.Equal(t, sebi, out[1].Relationships[0].SourceID)
	assert.Equal(t, "e2", out[1].Relationships[0].TargetID)

	person, ok := r.Entity("e1")
	require.True(t, ok)
	assert.Equal(t, "Yashish Dahiya", person.Name)
}
