// Package router picks a retrieval mode for a question.
//
// Route is a keyword-priority cascade over the lowercased question:
// structural keywords select the knowledge graph, an aggregation keyword
// paired with a metric keyword also selects the graph, textual keywords
// select vector search, and anything else gets both.
package router

import (
	"fmt"
	"strings"
)

// Mode is a retrieval mode.
type Mode string

const (
	ModeKG     Mode = "kg"
	ModeVector Mode = "vector"
	ModeHybrid Mode = "hybrid"
	// ModeAuto asks the router to choose.
	ModeAuto Mode = "auto"
)

// ParseMode validates s. The empty string means auto.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeKG, ModeVector, ModeHybrid, ModeAuto:
		return m, nil
	case "":
		return ModeAuto, nil
	default:
		return "", fmt.Errorf("unknown retrieval mode %q", s)
	}
}

// Rules holds the keyword lists of the cascade.
type Rules struct {
	Structural  []string `json:"structural" yaml:"structural"`
	Aggregation []string `json:"aggregation" yaml:"aggregation"`
	Metric      []string `json:"metric" yaml:"metric"`
	Textual     []string `json:"textual" yaml:"textual"`
}

// DefaultRules returns the built-in keyword lists.
func DefaultRules() Rules {
	return Rules{
		Structural: []string{
			"who owns", "subsidiary", "subsidiaries", "promoter", "shareholder",
			"relationship", "connect", "path", "hierarchy", "structure", "hold",
			"ownership", "founder", "director", "board", "management", "role",
			"auditor", "registrar", "who is", "who are",
		},
		Aggregation: []string{"total", "sum", "count", "list all", "how many"},
		Metric:      []string{"share", "revenue", "profit", "employee", "amount", "value"},
		Textual: []string{
			"define", "what is", "meaning", "explain", "summary", "policy",
			"clause", "section", "refer", "mentioned", "formerly known as",
			// Padded so "meanwhile" and "means" stay unmatched.
			"stand for", "abbreviation", "mean?", " mean ",
		},
	}
}

// Rule names reported in a Decision.
const (
	RuleStructural  = "structural"
	RuleAggregation = "aggregation"
	RuleTextual     = "textual"
	RuleDefault     = "default"
	RuleForced      = "forced"
	RulePlanner     = "planner"
)

// Decision is the outcome of routing one question. Keyword is the first
// keyword that triggered Rule; for the aggregation rule it is the
// aggregation and metric keywords joined by "+".
type Decision struct {
	Mode    Mode   `json:"mode"`
	Rule    string `json:"rule"`
	Keyword string `json:"keyword,omitempty"`
}

// Router applies Rules. The zero value uses DefaultRules.
type Router struct {
	rules Rules
}

// New creates a router. A list left empty in rules takes its default.
func New(rules Rules) *Router {
	d := DefaultRules()
	if len(rules.Structural) == 0 {
		rules.Structural = d.Structural
	}
	if len(rules.Aggregation) == 0 {
		rules.Aggregation = d.Aggregation
	}
	if len(rules.Metric) == 0 {
		rules.Metric = d.Metric
	}
	if len(rules.Textual) == 0 {
		rules.Textual = d.Textual
	}
	return &Router{rules: rules}
}

// Rules returns the active keyword lists.
func (r *Router) Rules() Rules {
	if r == nil || len(r.rules.Structural) == 0 {
		return DefaultRules()
	}
	return r.rules
}

// Route classifies question. First matching rule wins.
func (r *Router) Route(question string) Decision {
	rules := r.Rules()
	q := strings.ToLower(question)

	if kw, ok := firstIn(q, rules.Structural); ok {
		return Decision{Mode: ModeKG, Rule: RuleStructural, Keyword: kw}
	}
	if agg, ok := firstIn(q, rules.Aggregation); ok {
		if metric, ok := firstIn(q, rules.Metric); ok {
			return Decision{Mode: ModeKG, Rule: RuleAggregation, Keyword: agg + "+" + metric}
		}
	}
	if kw, ok := firstIn(q, rules.Textual); ok {
		return Decision{Mode: ModeVector, Rule: RuleTextual, Keyword: kw}
	}
	return Decision{Mode: ModeHybrid, Rule: RuleDefault}
}

// Resolve returns the mode to run for a requested mode: forced modes pass
// through and auto is routed.
func (r *Router) Resolve(question string, requested Mode) Decision {
	if requested == "" || requested == ModeAuto {
		return r.Route(question)
	}
	return Decision{Mode: requested, Rule: RuleForced}
}

func firstIn(q string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if strings.Contains(q, kw) {
			return kw, true
		}
	}
	return "", false
}
