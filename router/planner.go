package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brunobiangulo/kgrag/graph"
	"github.com/brunobiangulo/kgrag/llm"
)

const plannerSystemPrompt = `You are an expert Query Router and Planner for an IPO analysis system.
Determine the best retrieval strategy for the user's question.

AVAILABLE SOURCES:
1. "kg": Knowledge Graph. Use for structure, entities, relationships, ownership, specific stats (e.g. "Who is CEO", "Subsidiaries", "Promoters").
2. "vector": Vector Search. Use for textual descriptions, policies, risk factors, definitions, clauses.
3. "hybrid": Combined. Use when the question needs BOTH entity data AND textual context (e.g. "Profile the CEO including his background").

OUTPUT RULES:
- Return ONLY a valid JSON object. No markdown, no explanations outside the JSON.
- Use this exact schema:

{
  "reasoning": "Brief explanation of your choice",
  "plan_type": "single" | "multi_step",
  "queries": [
    {"question": "The sub-question to ask", "source": "kg" | "vector" | "hybrid"}
  ]
}

EXAMPLES:

User: "Who is the CEO of PB Fintech?"
{"reasoning": "Entity lookup for a specific role.", "plan_type": "single", "queries": [{"question": "Who is the CEO of PB Fintech?", "source": "kg"}]}

User: "What are the risk factors?"
{"reasoning": "Request for descriptive text.", "plan_type": "single", "queries": [{"question": "What are the risk factors?", "source": "vector"}]}

User: "Tell me about Yashish Dahiya."
{"reasoning": "Needs his role and his background.", "plan_type": "single", "queries": [{"question": "Tell me about Yashish Dahiya", "source": "hybrid"}]}

User: "Who is the CEO and what are the main risks?"
{"reasoning": "Two distinct questions.", "plan_type": "multi_step", "queries": [{"question": "Who is the CEO?", "source": "kg"}, {"question": "What are the main risks?", "source": "vector"}]}

Now analyze the following question and return ONLY JSON:`

const (
	plannerMaxTokens = 300
	// maxSubQueries bounds a multi-step plan.
	maxSubQueries = 4
)

// Plan types.
const (
	PlanSingle    = "single"
	PlanMultiStep = "multi_step"
)

// SubQuery is one retrieval step of a plan.
type SubQuery struct {
	Question string `json:"question"`
	Source   Mode   `json:"source"`
}

// Plan is a routing plan. Fallback is set when the plan was not produced
// by the model.
type Plan struct {
	Reasoning string     `json:"reasoning"`
	PlanType  string     `json:"plan_type"`
	Queries   []SubQuery `json:"queries"`
	Fallback  bool       `json:"fallback,omitempty"`
}

// Planner routes questions with one LLM call and can split compound
// questions into sub-queries.
type Planner struct {
	chat    llm.Provider
	rules   *Router // optional rule fallback
	timeout time.Duration
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithRuleFallback makes failed planning fall back to the rule router
// instead of a single hybrid query.
func WithRuleFallback(r *Router) PlannerOption {
	return func(p *Planner) { p.rules = r }
}

// WithPlannerTimeout bounds the planning call.
func WithPlannerTimeout(d time.Duration) PlannerOption {
	return func(p *Planner) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// NewPlanner creates a planner backed by chat.
func NewPlanner(chat llm.Provider, opts ...PlannerOption) *Planner {
	p := &Planner{chat: chat, timeout: 30 * time.Second}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Plan asks the model for a routing plan. It never fails: any error or
// unusable response yields the fallback plan.
func (p *Planner) Plan(ctx context.Context, question string) Plan {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: plannerSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("User: %q", question)},
		},
		Temperature: 0.1,
		MaxTokens:   plannerMaxTokens,
	})
	if err != nil {
		slog.Warn("router: planner call failed, using fallback", "error", err)
		return p.fallback(question)
	}

	plan, err := ParsePlan(resp.Content)
	if err != nil {
		slog.Warn("router: unusable plan, using fallback", "error", err)
		return p.fallback(question)
	}
	slog.Info("router: plan generated", "plan_type", plan.PlanType, "queries", len(plan.Queries),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return plan
}

func (p *Planner) fallback(question string) Plan {
	mode := ModeHybrid
	if p.rules != nil {
		mode = p.rules.Route(question).Mode
	}
	return Plan{
		Reasoning: "fallback: could not obtain a plan from the model",
		PlanType:  PlanSingle,
		Queries:   []SubQuery{{Question: question, Source: mode}},
		Fallback:  true,
	}
}

// ParsePlan decodes a plan from model output, tolerating surrounding text.
// Unknown sources become hybrid and empty sub-questions are dropped.
func ParsePlan(raw string) (Plan, error) {
	var plan Plan
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &plan); err != nil {
		obj, err := graph.ExtractJSON(raw)
		if err != nil {
			return Plan{}, err
		}
		if err := json.Unmarshal([]byte(obj), &plan); err != nil {
			return Plan{}, fmt.Errorf("decoding plan: %w", err)
		}
	}

	queries := plan.Queries[:0]
	for _, q := range plan.Queries {
		q.Question = strings.TrimSpace(q.Question)
		if q.Question == "" {
			continue
		}
		switch m := Mode(strings.ToLower(string(q.Source))); m {
		case ModeKG, ModeVector, ModeHybrid:
			q.Source = m
		default:
			q.Source = ModeHybrid
		}
		queries = append(queries, q)
		if len(queries) == maxSubQueries {
			break
		}
	}
	if len(queries) == 0 {
		return Plan{}, fmt.Errorf("plan has no queries")
	}
	plan.Queries = queries
	plan.PlanType = PlanSingle
	if len(queries) > 1 {
		plan.PlanType = PlanMultiStep
	}
	return plan, nil
}
