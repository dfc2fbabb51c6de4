package retrieval

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/brunobiangulo/kgrag/graph"
)

const (
	// DefaultMaxEntities caps the entities placed in a KG context.
	DefaultMaxEntities = 15
	// DefaultMaxRelations caps the relationship lines per entity.
	DefaultMaxRelations = 50

	noKGContext = "No relevant entities found in Knowledge Graph."
)

// KG builds question contexts from a knowledge graph. The graph must not
// be mutated while a KG uses it.
type KG struct {
	g            *graph.Graph
	lex          Lexicon
	priority     map[string]bool
	expansionKey []string // sorted Expansion keys
	maxEntities  int
	maxRelations int
}

// NewKG creates a KG retriever. Empty lexicon tables take their defaults.
func NewKG(g *graph.Graph, lex Lexicon) *KG {
	lex = lex.withDefaults()
	k := &KG{
		g:            g,
		lex:          lex,
		priority:     make(map[string]bool, len(lex.PriorityRelations)),
		maxEntities:  DefaultMaxEntities,
		maxRelations: DefaultMaxRelations,
	}
	for _, p := range lex.PriorityRelations {
		k.priority[p] = true
	}
	for key := range lex.Expansion {
		k.expansionKey = append(k.expansionKey, key)
	}
	sort.Strings(k.expansionKey)
	return k
}

// QueryWords lowercases question, turns every character that is not a
// letter, digit or space into a space and splits on whitespace.
func QueryWords(question string) []string {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, question)
	return strings.Fields(clean)
}

// ExpandTerms returns words plus the expansions of every word that is an
// expansion key and of every key contained in the lowercased question.
// Terms are unique and keep first-seen order.
func (k *KG) ExpandTerms(question string) []string {
	words := QueryWords(question)
	lower := strings.ToLower(question)

	seen := make(map[string]bool)
	var terms []string
	add := func(ts ...string) {
		for _, t := range ts {
			if !seen[t] {
				seen[t] = true
				terms = append(terms, t)
			}
		}
	}

	add(words...)
	for _, w := range words {
		add(k.lex.Expansion[w]...)
	}
	for _, key := range k.expansionKey {
		if strings.Contains(lower, key) {
			add(k.lex.Expansion[key]...)
		}
	}
	return terms
}

// matchesAnyTerm reports whether a term occurs in the node name, in any
// stringified attribute value or in any attribute key.
func matchesAnyTerm(n graph.Node, terms []string) bool {
	name := strings.ToLower(n.Name)
	for _, t := range terms {
		if strings.Contains(name, t) {
			return true
		}
	}
	for key, val := range n.Attributes {
		keyLower := strings.ToLower(key)
		valLower := strings.ToLower(stringify(val))
		for _, t := range terms {
			if strings.Contains(valLower, t) || strings.Contains(keyLower, t) {
				return true
			}
		}
	}
	return false
}

// matchesSynonym reports whether the entity name belongs to a synonym
// group that one of the terms also hits.
func (k *KG) matchesSynonym(nameLower string, terms []string) bool {
	for canonical, syns := range k.lex.Synonyms {
		if !strings.Contains(nameLower, canonical) && !anyContainedIn(syns, nameLower) {
			continue
		}
		for _, t := range terms {
			if strings.Contains(canonical, t) || anyContains(syns, t) {
				return true
			}
			if strings.Contains(t, canonical) || anyContainedIn(syns, t) {
				return true
			}
		}
	}
	return false
}

// anyContains reports whether some s in list contains sub.
func anyContains(list []string, sub string) bool {
	for _, s := range list {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// anyContainedIn reports whether some s in list is a substring of text.
func anyContainedIn(list []string, text string) bool {
	for _, s := range list {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

// withRelation returns nodes having at least one edge with predicate in dir.
func (k *KG) withRelation(predicate string, dir graph.Direction) []graph.Node {
	var out []graph.Node
	for _, n := range k.g.Nodes() {
		if len(k.g.Relationships(n.ID, predicate, dir)) > 0 {
			out = append(out, n)
		}
	}
	return out
}

// Entities selects the entities relevant to question: term matches on
// names and attributes, synonym matches, and relationship-based additions
// for subsidiary and ownership questions. The result is deduplicated and
// capped.
func (k *KG) Entities(question string) []graph.Node {
	terms := k.ExpandTerms(question)
	lower := strings.ToLower(question)
	nodes := k.g.Nodes()

	var found []graph.Node
	for _, n := range nodes {
		if matchesAnyTerm(n, terms) {
			found = append(found, n)
		}
	}
	for _, n := range nodes {
		if k.matchesSynonym(strings.ToLower(n.Name), terms) {
			found = append(found, n)
		}
	}

	if strings.Contains(lower, "subsidiary") {
		found = append(found, k.withRelation(graph.RelSubsidiaryOf, graph.Both)...)
		found = append(found, k.withRelation(graph.RelHasSubsidiary, graph.Both)...)
	}
	if strings.Contains(lower, "owner") || strings.Contains(lower, "promoter") || strings.Contains(lower, "founder") {
		found = append(found, k.withRelation(graph.RelPromoterOf, graph.Outgoing)...)
		found = append(found, k.withRelation(graph.RelFounderOf, graph.Outgoing)...)
	}

	seen := make(map[string]bool, len(found))
	out := make([]graph.Node, 0, min(len(found), k.maxEntities))
	for _, n := range found {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		out = append(out, n)
		if len(out) == k.maxEntities {
			break
		}
	}
	return out
}

// Context renders the selected entities and their relationships. Each
// entity contributes a "**Name** (TYPE)" block, then up to the relation cap
// of "Src --[PRED]--> Tgt" lines with priority predicates first.
func (k *KG) Context(question string) string {
	ctx, _ := k.build(question)
	return ctx
}

// build returns the context and the number of entities it covers.
func (k *KG) build(question string) (string, int) {
	entities := k.Entities(question)
	var parts []string
	for _, n := range entities {
		block := fmt.Sprintf("**%s** (%s)", n.Name, n.Type)
		if len(n.Attributes) > 0 {
			block += "\nAttributes: " + indentJSON(n.Attributes)
		}
		parts = append(parts, block)

		rels := k.g.Relationships(n.ID, "", graph.Both)
		var priority, other []graph.Edge
		for _, e := range rels {
			if k.priority[e.Predicate] {
				priority = append(priority, e)
			} else {
				other = append(other, e)
			}
		}
		selected := append(priority, other...)
		if len(selected) > k.maxRelations {
			selected = selected[:k.maxRelations]
		}
		for _, e := range selected {
			src, okS := k.g.Entity(e.Source)
			tgt, okT := k.g.Entity(e.Target)
			if !okS || !okT {
				continue
			}
			parts = append(parts, fmt.Sprintf("%s --[%s]--> %s", displayName(src), e.Predicate, displayName(tgt)))
		}
	}

	if len(parts) == 0 {
		return noKGContext, 0
	}
	return strings.Join(parts, "\n\n"), len(entities)
}

func displayName(n graph.Node) string {
	if n.Name == "" {
		return n.ID
	}
	return n.Name
}

// indentJSON renders v with two-space indentation and without HTML escaping.
func indentJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimRight(buf.String(), "\n")
}

// stringify renders an attribute value for substring search.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "None"
	case bool:
		if t {
			return "True"
		}
		return "False"
	case float64:
		// JSON numbers decode as float64; whole values keep a ".0".
		if t == math.Trunc(t) && math.Abs(t) < 1e16 {
			return strconv.FormatFloat(t, 'f', 1, 64)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
