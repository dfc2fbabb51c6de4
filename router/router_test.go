package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/kgrag/llm"
)

func TestRoute(t *testing.T) {
	r := New(Rules{})
	tests := []struct {
		question string
		mode     Mode
		rule     string
	}{
		{"How many shareholders are there?", ModeKG, RuleStructural},
		{"Who is the CEO?", ModeKG, RuleStructural},
		{"Who owns PB Fintech?", ModeKG, RuleStructural},
		{"List the subsidiaries of the company", ModeKG, RuleStructural},
		{"What is the total revenue?", ModeKG, RuleAggregation},
		{"How many employees work here?", ModeKG, RuleAggregation},
		{"What does 'Red Herring Prospectus' mean?", ModeVector, RuleTextual},
		{"Define book building", ModeVector, RuleTextual},
		{"What is an anchor investor?", ModeVector, RuleTextual},
		{"Tell me about the CEO's background", ModeHybrid, RuleDefault},
		{"Count the pages", ModeHybrid, RuleDefault},
		{"What does IPO mean in this prospectus", ModeVector, RuleTextual},
		{"Meanwhile, did the company grow?", ModeHybrid, RuleDefault},
		{"By what means was capital raised?", ModeHybrid, RuleDefault},
	}
	for _, tt := range tests {
		t.Run(tt.question, func(t *testing.T) {
			d := r.Route(tt.question)
			assert.Equal(t, tt.mode, d.Mode)
			assert.Equal(t, tt.rule, d.Rule)
		})
	}
}

func TestRoutePriority(t *testing.T) {
	// Structural beats textual even when both match.
	d := New(Rules{}).Route("Explain the shareholding structure")
	assert.Equal(t, ModeKG, d.Mode)
	assert.Equal(t, RuleStructural, d.Rule)
	assert.Equal(t, "structure", d.Keyword)

	d = New(Rules{}).Route("What is the total revenue?")
	assert.Equal(t, "total+revenue", d.Keyword)
}

func TestZeroRouterUsesDefaults(t *testing.T) {
	var r Router
	assert.Equal(t, ModeKG, r.Route("Who are the promoters?").Mode)
}

func TestCustomRules(t *testing.T) {
	r := New(Rules{Textual: []string{"risk"}})
	assert.Equal(t, ModeVector, r.Route("What are the key risks?").Mode)
	assert.Equal(t, ModeHybrid, r.Route("Define book building").Mode)
	assert.Equal(t, DefaultRules().Structural, r.Rules().Structural)
}

func TestResolve(t *testing.T) {
	r := New(Rules{})
	assert.Equal(t, Decision{Mode: ModeVector, Rule: RuleForced}, r.Resolve("Who is the CEO?", ModeVector))
	assert.Equal(t, Decision{Mode: ModeHybrid, Rule: RuleForced}, r.Resolve("Who is the CEO?", ModeHybrid))
	assert.Equal(t, ModeKG, r.Resolve("Who is the CEO?", ModeAuto).Mode)
	assert.Equal(t, ModeKG, r.Resolve("Who is the CEO?", "").Mode)
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"kg": ModeKG, "VECTOR": ModeVector, " hybrid ": ModeHybrid, "auto": ModeAuto, "": ModeAuto} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("graph")
	assert.Error(t, err)
}

type fakeChat struct {
	content string
	err     error
	req     llm.ChatRequest
}

func (f *fakeChat) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Content: f.content}, nil
}

func (f *fakeChat) Embed(context.Context, []string) ([][]float32, error) { return nil, nil }

func TestPlannerMultiStep(t *testing.T) {
	chat := &fakeChat{content: "Here is the plan:\n```json\n" + `{"reasoning":"two parts","plan_type":"multi_step","queries":[{"question":"Who is the CEO?","source":"kg"},{"question":"What are the main risks?","source":"VECTOR"}]}` + "\n```"}
	plan := NewPlanner(chat).Plan(context.Background(), "Who is the CEO and what are the main risks?")

	assert.False(t, plan.Fallback)
	assert.Equal(t, PlanMultiStep, plan.PlanType)
	require.Len(t, plan.Queries, 2)
	assert.Equal(t, SubQuery{Question: "Who is the CEO?", Source: ModeKG}, plan.Queries[0])
	assert.Equal(t, ModeVector, plan.Queries[1].Source)
	assert.Equal(t, 300, chat.req.MaxTokens)
	assert.Equal(t, `User: "Who is the CEO and what are the main risks?"`, chat.req.Messages[1].Content)
}

func TestPlannerFallback(t *testing.T) {
	q := "Who is the CEO?"

	plan := NewPlanner(&fakeChat{err: errors.New("boom")}).Plan(context.Background(), q)
	assert.True(t, plan.Fallback)
	assert.Equal(t, []SubQuery{{Question: q, Source: ModeHybrid}}, plan.Queries)

	plan = NewPlanner(&fakeChat{content: "I cannot help"}).Plan(context.Background(), q)
	assert.True(t, plan.Fallback)

	plan = NewPlanner(&fakeChat{content: `{"queries":[]}`}, WithRuleFallback(New(Rules{}))).Plan(context.Background(), q)
	assert.True(t, plan.Fallback)
	assert.Equal(t, ModeKG, plan.Queries[0].Source)
}

func TestParsePlanNormalizesSources(t *testing.T) {
	plan, err := ParsePlan(`{"plan_type":"multi_step","queries":[{"question":"  ","source":"kg"},{"question":"Who?","source":"graph"}]}`)
	require.NoError(t, err)
	assert.Equal(t, PlanSingle, plan.PlanType)
	assert.Equal(t, []SubQuery{{Question: "Who?", Source: ModeHybrid}}, plan.Queries)
}
