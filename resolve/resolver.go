// Package resolve merges duplicate entities across chunk extractions into
// canonical entities.
//
// Resolution is order-dependent: the first spelling of an entity becomes
// canonical and later near-duplicates of the same type fold into it.
// Use WithStableOrder to make batch results independent of the order
// extractions finished in.
package resolve

import (
	"log/slog"
	"maps"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/brunobiangulo/kgrag/graph"
)

// DefaultThreshold is the minimum Similarity for a fuzzy match.
const DefaultThreshold = 85

// honorificRe matches titles and company suffixes dropped before comparison.
var honorificRe = regexp.MustCompile(`(?i)\b(?:mrs|mr|ms|dr|ltd|pvt)\.|\b(?:limited|private)\b`)

// Normalize strips honorifics and company suffixes, collapses whitespace
// and lowercases.
func Normalize(name string) string {
	name = honorificRe.ReplaceAllString(name, "")
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// Resolver keeps the canonical entity registry. It is not safe for
// concurrent use; resolution runs as a single sequential pass.
type Resolver struct {
	threshold   int
	stableOrder bool

	canonical map[aliasKey]string // typed normalized alias -> canonical id
	registry  map[string]*graph.Entity
	order     []string
}

// aliasKey scopes a normalized name to its entity type so equal names of
// different types never collapse.
type aliasKey struct {
	typ, name string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithThreshold sets the fuzzy match threshold (0-100).
func WithThreshold(t int) Option {
	return func(r *Resolver) {
		if t > 0 && t <= 100 {
			r.threshold = t
		}
	}
}

// WithStableOrder makes ResolveBatch process extractions sorted by chunk id.
func WithStableOrder() Option {
	return func(r *Resolver) { r.stableOrder = true }
}

// New creates an empty resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		threshold: DefaultThreshold,
		canonical: make(map[aliasKey]string),
		registry:  make(map[string]*graph.Entity),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Threshold returns the configured fuzzy match threshold.
func (r *Resolver) Threshold() int { return r.threshold }

// findSimilar returns the canonical id for e, recording a new alias on a
// fuzzy hit.
func (r *Resolver) findSimilar(e graph.Entity) (string, bool) {
	normalized := Normalize(e.Name)
	key := aliasKey{e.Type, normalized}
	if id, ok := r.canonical[key]; ok {
		return id, true
	}

	for _, id := range r.order {
		c := r.registry[id]
		if c.Type != e.Type {
			continue
		}
		if Similarity(normalized, Normalize(c.Name)) >= r.threshold {
			r.canonical[key] = id
			return id, true
		}
	}
	return "", false
}

// Register returns the canonical id for e, merging its attributes into an
// existing canonical entity or registering e as a new one.
func (r *Resolver) Register(e graph.Entity) string {
	if id, ok := r.findSimilar(e); ok {
		r.mergeAttributes(id, e.Attributes)
		return id
	}

	// Raw ids are chunk-local; one already taken by another canonical
	// entity gets a fresh id.
	if _, taken := r.registry[e.ID]; e.ID == "" || taken {
		e.ID = uuid.NewString()
	}
	e.Attributes = maps.Clone(e.Attributes)
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
	r.order = append(r.order, e.ID)
	r.registry[e.ID] = &e
	r.canonical[aliasKey{e.Type, Normalize(e.Name)}] = e.ID
	return e.ID
}

// mergeAttributes folds attrs into the canonical entity. New keys are
// added. For an existing key a non-empty, different value replaces the old
// one, except that between two strings the longer is kept.
func (r *Resolver) mergeAttributes(id string, attrs map[string]any) {
	c := r.registry[id]
	for k, v := range attrs {
		old, ok := c.Attributes[k]
		if !ok {
			c.Attributes[k] = v
			continue
		}
		if !truthy(v) || reflect.DeepEqual(v, old) {
			continue
		}
		newStr, okNew := v.(string)
		oldStr, okOld := old.(string)
		if okNew && okOld {
			if len(newStr) > len(oldStr) {
				c.Attributes[k] = v
			}
			continue
		}
		c.Attributes[k] = v
	}
}

// truthy reports whether v carries a value worth merging.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// ResolveExtraction maps every entity of one chunk to its canonical id and
// rewrites relationship and claim endpoints through the chunk's id mapping.
// Relationships missing either endpoint are dropped; ids absent from the
// mapping pass through unchanged.
func (r *Resolver) ResolveExtraction(x graph.Extraction) graph.ResolvedExtraction {
	mapping := make(map[string]string, len(x.Entities))
	out := graph.ResolvedExtraction{
		ChunkID:     x.ChunkID,
		Entities:    make([]graph.ResolvedEntity, 0, len(x.Entities)),
		Definitions: x.Definitions,
		Events:      x.Events,
	}

	for _, e := range x.Entities {
		id := r.Register(e)
		if e.ID != "" {
			mapping[e.ID] = id
		}
		out.Entities = append(out.Entities, graph.ResolvedEntity{Entity: e, CanonicalID: id})
	}

	remap := func(id string) string {
		if c, ok := mapping[id]; ok {
			return c
		}
		return id
	}

	for _, rel := range x.Relationships {
		if rel.SourceID == "" || rel.TargetID == "" {
			slog.Debug("resolve: skipping relationship without endpoints",
				"chunk_id", x.ChunkID, "type", rel.Type)
			continue
		}
		resolved := graph.ResolvedRelationship{
			Relationship:     rel,
			OriginalSourceID: rel.SourceID,
			OriginalTargetID: rel.TargetID,
		}
		resolved.SourceID = remap(rel.SourceID)
		resolved.TargetID = remap(rel.TargetID)
		out.Relationships = append(out.Relationships, resolved)
	}

	for _, c := range x.Claims {
		c.SubjectID = remap(c.SubjectID)
		if c.ObjectID != "" {
			c.ObjectID = remap(c.ObjectID)
		}
		if c.SourceChunkID == "" {
			c.SourceChunkID = x.ChunkID
		}
		out.Claims = append(out.Claims, c)
	}
	return out
}

// ResolveBatch resolves extractions in order, or sorted by chunk id when
// the resolver was built WithStableOrder. Failed extractions contribute
// nothing but keep their slot.
func (r *Resolver) ResolveBatch(xs []graph.Extraction) []graph.ResolvedExtraction {
	if r.stableOrder {
		xs = append([]graph.Extraction(nil), xs...)
		sort.SliceStable(xs, func(i, j int) bool { return xs[i].ChunkID < xs[j].ChunkID })
	}
	out := make([]graph.ResolvedExtraction, 0, len(xs))
	for _, x := range xs {
		out = append(out, r.ResolveExtraction(x))
	}

	st := r.Stats()
	slog.Info("resolve: batch resolved",
		"extractions", len(xs),
		"unique_entities", st.TotalUniqueEntities,
		"aliases", st.TotalAliases,
		"dedup_ratio", st.DeduplicationRatio)
	return out
}

// Entity returns the canonical entity for id.
func (r *Resolver) Entity(id string) (graph.Entity, bool) {
	e, ok := r.registry[id]
	if !ok {
		return graph.Entity{}, false
	}
	return *e, true
}

// Entities returns all canonical entities in registration order.
func (r *Resolver) Entities() []graph.Entity {
	out := make([]graph.Entity, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.registry[id])
	}
	return out
}

// Stats summarizes the registry.
type Stats struct {
	TotalUniqueEntities int            `json:"total_unique_entities"`
	TotalAliases        int            `json:"total_aliases"`
	EntityTypeCounts    map[string]int `json:"entity_type_counts"`
	DeduplicationRatio  float64        `json:"deduplication_ratio"`
}

// Stats returns registry counts. DeduplicationRatio is aliases per
// canonical entity.
func (r *Resolver) Stats() Stats {
	counts := make(map[string]int)
	for _, e := range r.registry {
		counts[e.Type]++
	}
	n := len(r.registry)
	return Stats{
		TotalUniqueEntities: n,
		TotalAliases:        len(r.canonical),
		EntityTypeCounts:    counts,
		DeduplicationRatio:  float64(len(r.canonical)) / float64(max(n, 1)),
	}
}
