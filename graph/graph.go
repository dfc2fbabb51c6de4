package graph

import (
	"log/slog"
	"maps"
)

// Direction selects which edges of a node Relationships returns.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
	Both
)

// ParseDirection maps "outgoing", "incoming" and "both" to a Direction.
// Unknown values default to Outgoing.
func ParseDirection(s string) Direction {
	switch s {
	case "incoming":
		return Incoming
	case "both":
		return Both
	default:
		return Outgoing
	}
}

// Node is a graph vertex. Extra keeps any additional node-link keys so a
// loaded graph saves back unchanged.
type Node struct {
	ID         string
	Name       string
	Type       string
	Attributes map[string]any
	Extra      map[string]any
}

// Edge is a directed edge keyed by Predicate. Attributes always carries
// "type" equal to the predicate.
type Edge struct {
	Source     string
	Target     string
	Predicate  string
	Attributes map[string]any
}

type edgeKey struct {
	source, target, predicate string
}

// Graph is an in-memory directed multigraph with parallel edges keyed by
// predicate. It is not safe for concurrent mutation; build it once and
// share it read-only.
type Graph struct {
	nodes map[string]*Node
	order []string
	out   map[string][]*Edge
	in    map[string][]*Edge
	edges map[edgeKey]*Edge
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		nodes: make(map[string]*Node),
		out:   make(map[string][]*Edge),
		in:    make(map[string][]*Edge),
		edges: make(map[edgeKey]*Edge),
	}
}

// BuildStats reports what BuildFromExtractions added and dropped.
type BuildStats struct {
	EntitiesAdded      int `json:"entities_added"`
	RelationshipsAdded int `json:"relationships_added"`
	DroppedDangling    int `json:"dropped_dangling"`
}

// AddEntity inserts or replaces the node payload for n.ID.
func (g *Graph) AddEntity(n Node) {
	if n.Attributes == nil {
		n.Attributes = map[string]any{}
	}
	if existing, ok := g.nodes[n.ID]; ok {
		*existing = n
		return
	}
	node := n
	g.nodes[n.ID] = &node
	g.order = append(g.order, n.ID)
}

// HasEntity reports whether id is a node.
func (g *Graph) HasEntity(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// AddRelationship adds source -predicate-> target. Re-adding the same
// triple merges attrs into the existing edge. It returns false and adds
// nothing when either endpoint is not a node.
func (g *Graph) AddRelationship(source, target, predicate string, attrs map[string]any) bool {
	if !g.HasEntity(source) || !g.HasEntity(target) {
		return false
	}
	merged := make(map[string]any, len(attrs)+1)
	maps.Copy(merged, attrs)
	merged["type"] = predicate

	key := edgeKey{source, target, predicate}
	if e, ok := g.edges[key]; ok {
		maps.Copy(e.Attributes, merged)
		return true
	}
	e := &Edge{Source: source, Target: target, Predicate: predicate, Attributes: merged}
	g.edges[key] = e
	g.out[source] = append(g.out[source], e)
	g.in[target] = append(g.in[target], e)
	return true
}

// BuildFromExtractions adds every resolved entity once, keeping the first
// payload seen for a canonical id, then every relationship whose endpoints
// both exist. Relationships with a missing endpoint are dropped and counted.
func (g *Graph) BuildFromExtractions(extractions []ResolvedExtraction) BuildStats {
	var stats BuildStats

	for _, x := range extractions {
		for _, e := range x.Entities {
			id := e.CanonicalID
			if id == "" {
				id = e.ID
			}
			if id == "" || g.HasEntity(id) {
				continue
			}
			g.AddEntity(Node{ID: id, Name: e.Name, Type: e.Type, Attributes: copyAttrs(e.Attributes)})
			stats.EntitiesAdded++
		}
	}

	for _, x := range extractions {
		for _, r := range x.Relationships {
			attrs := copyAttrs(r.Attributes)
			attrs["source_chunk_id"] = x.ChunkID
			if !g.AddRelationship(r.SourceID, r.TargetID, r.Type, attrs) {
				stats.DroppedDangling++
				slog.Debug("graph: dropping dangling relationship",
					"source", r.SourceID, "target", r.TargetID, "type", r.Type, "chunk_id", x.ChunkID)
				continue
			}
			stats.RelationshipsAdded++
		}
	}

	slog.Info("graph: built",
		"entities", stats.EntitiesAdded,
		"relationships", stats.RelationshipsAdded,
		"dropped", stats.DroppedDangling)
	return stats
}

// Entity returns the node for id.
func (g *Graph) Entity(id string) (Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, *g.nodes[id])
	}
	return out
}

// Edges returns all edges grouped by source node in insertion order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, id := range g.order {
		for _, e := range g.out[id] {
			out = append(out, *e)
		}
	}
	return out
}

// NumNodes returns the node count.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// NumEdges returns the edge count, counting parallel edges separately.
func (g *Graph) NumEdges() int { return len(g.edges) }

// Relationships returns the edges touching id, optionally filtered by
// predicate. Both returns outgoing edges followed by incoming edges.
// A missing node yields nil.
func (g *Graph) Relationships(id, predicate string, dir Direction) []Edge {
	if !g.HasEntity(id) {
		return nil
	}
	var out []Edge
	if dir == Outgoing || dir == Both {
		for _, e := range g.out[id] {
			if predicate == "" || e.Predicate == predicate {
				out = append(out, *e)
			}
		}
	}
	if dir == Incoming || dir == Both {
		for _, e := range g.in[id] {
			if predicate == "" || e.Predicate == predicate {
				out = append(out, *e)
			}
		}
	}
	return out
}

// EntitiesByType returns the ids of nodes with the given type.
func (g *Graph) EntitiesByType(entityType string) []string {
	var ids []string
	for _, id := range g.order {
		if g.nodes[id].Type == entityType {
			ids = append(ids, id)
		}
	}
	return ids
}

func copyAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs)+1)
	maps.Copy(out, attrs)
	return out
}
