package graph

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
)

// nodeLinkDoc is the node-link JSON layout written by Save. Load also
// accepts "edges" in place of "links".
type nodeLinkDoc struct {
	Directed   bool             `json:"directed"`
	Multigraph bool             `json:"multigraph"`
	Graph      map[string]any   `json:"graph"`
	Nodes      []map[string]any `json:"nodes"`
	Links      []map[string]any `json:"links"`
	Edges      []map[string]any `json:"edges,omitempty"`
}

// MarshalJSON encodes the graph as a node-link document.
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.nodeLink())
}

func (g *Graph) nodeLink() nodeLinkDoc {
	doc := nodeLinkDoc{
		Directed:   true,
		Multigraph: true,
		Graph:      map[string]any{},
		Nodes:      make([]map[string]any, 0, len(g.order)),
		Links:      make([]map[string]any, 0, len(g.edges)),
	}
	for _, id := range g.order {
		n := g.nodes[id]
		m := make(map[string]any, len(n.Extra)+4)
		for k, v := range n.Extra {
			m[k] = v
		}
		m["id"] = n.ID
		m["name"] = n.Name
		m["type"] = n.Type
		m["attributes"] = n.Attributes
		doc.Nodes = append(doc.Nodes, m)
	}
	for _, e := range g.Edges() {
		m := make(map[string]any, len(e.Attributes)+3)
		var reserved map[string]any
		for k, v := range e.Attributes {
			if linkKeys[k] {
				if reserved == nil {
					reserved = make(map[string]any)
				}
				reserved[k] = v
				continue
			}
			m[k] = v
		}
		if reserved != nil {
			m["attributes"] = reserved
		}
		m["source"] = e.Source
		m["target"] = e.Target
		m["key"] = e.Predicate
		doc.Links = append(doc.Links, m)
	}
	return doc
}

// linkKeys are the link fields owned by the node-link layout. Edge
// attributes with these names are written under "attributes".
var linkKeys = map[string]bool{"source": true, "target": true, "key": true, "attributes": true}

// UnmarshalJSON replaces g with the graph described by a node-link document.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var doc nodeLinkDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("graph: decoding node-link document: %w", err)
	}
	*g = *New()

	for i, raw := range doc.Nodes {
		id, ok := raw["id"]
		if !ok {
			return fmt.Errorf("graph: node %d has no id", i)
		}
		n := Node{ID: idString(id), Extra: map[string]any{}}
		for k, v := range raw {
			switch k {
			case "id":
			case "name":
				n.Name, _ = v.(string)
			case "type":
				n.Type, _ = v.(string)
			case "attributes":
				n.Attributes, _ = v.(map[string]any)
			default:
				n.Extra[k] = v
			}
		}
		if len(n.Extra) == 0 {
			n.Extra = nil
		}
		g.AddEntity(n)
	}

	links := doc.Links
	if len(links) == 0 {
		links = doc.Edges
	}
	for i, raw := range links {
		src, okS := raw["source"]
		tgt, okT := raw["target"]
		if !okS || !okT {
			return fmt.Errorf("graph: link %d is missing source or target", i)
		}
		source, target := idString(src), idString(tgt)
		attrs := make(map[string]any, len(raw))
		for k, v := range raw {
			if !linkKeys[k] {
				attrs[k] = v
			}
		}
		if nested, ok := raw["attributes"].(map[string]any); ok {
			maps.Copy(attrs, nested)
		}
		predicate, _ := raw["key"].(string)
		if predicate == "" {
			predicate, _ = attrs["type"].(string)
		}
		// Endpoints absent from the node list become bare nodes.
		for _, id := range []string{source, target} {
			if !g.HasEntity(id) {
				g.AddEntity(Node{ID: id})
			}
		}
		g.AddRelationship(source, target, predicate, attrs)
	}
	return nil
}

// Save writes the graph to path as indented node-link JSON. The file is
// written to a temporary sibling and renamed into place.
func (g *Graph) Save(path string) error {
	data, err := json.MarshalIndent(g.nodeLink(), "", "  ")
	if err != nil {
		return fmt.Errorf("graph: encoding: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("graph: creating directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("graph: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("graph: renaming into place: %w", err)
	}
	return nil
}

// Load reads a graph saved by Save (or any node-link document).
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	g := New()
	if err := g.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return g, nil
}

func idString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}
