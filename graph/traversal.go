package graph

// FindPath returns the shortest directed path from source to target as a
// list of node ids, or nil when either endpoint is missing or target is
// unreachable.
func (g *Graph) FindPath(source, target string) []string {
	if !g.HasEntity(source) || !g.HasEntity(target) {
		return nil
	}
	if source == target {
		return []string{source}
	}

	parent := map[string]string{source: ""}
	queue := []string{source}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.out[cur] {
			if _, seen := parent[e.Target]; seen {
				continue
			}
			parent[e.Target] = cur
			if e.Target == target {
				return unwindPath(parent, source, target)
			}
			queue = append(queue, e.Target)
		}
	}
	return nil
}

func unwindPath(parent map[string]string, source, target string) []string {
	var rev []string
	for n := target; n != source; n = parent[n] {
		rev = append(rev, n)
	}
	rev = append(rev, source)
	path := make([]string, len(rev))
	for i, n := range rev {
		path[len(rev)-1-i] = n
	}
	return path
}

// Neighbors returns the nodes within hops steps of id, treating edges as
// undirected. The origin is excluded. Ids come back in discovery order.
func (g *Graph) Neighbors(id string, hops int) []string {
	if !g.HasEntity(id) || hops < 1 {
		return nil
	}
	visited := map[string]bool{id: true}
	frontier := []string{id}
	var found []string

	for depth := 0; depth < hops && len(frontier) > 0; depth++ {
		var next []string
		for _, n := range frontier {
			for _, nb := range g.adjacent(n) {
				if visited[nb] {
					continue
				}
				visited[nb] = true
				found = append(found, nb)
				next = append(next, nb)
			}
		}
		frontier = next
	}
	return found
}

// adjacent lists successors then predecessors of id.
func (g *Graph) adjacent(id string) []string {
	out := make([]string, 0, len(g.out[id])+len(g.in[id]))
	for _, e := range g.out[id] {
		out = append(out, e.Target)
	}
	for _, e := range g.in[id] {
		out = append(out, e.Source)
	}
	return out
}

// WeakComponents returns the weakly connected components, each in
// discovery order, ordered by their first node's insertion position.
func (g *Graph) WeakComponents() [][]string {
	visited := make(map[string]bool, len(g.nodes))
	var components [][]string

	for _, start := range g.order {
		if visited[start] {
			continue
		}
		visited[start] = true
		component := []string{start}
		queue := []string{start}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, nb := range g.adjacent(cur) {
				if !visited[nb] {
					visited[nb] = true
					component = append(component, nb)
					queue = append(queue, nb)
				}
			}
		}
		components = append(components, component)
	}
	return components
}

// Stats summarizes graph shape.
type Stats struct {
	NumNodes          int     `json:"num_nodes"`
	NumEdges          int     `json:"num_edges"`
	IsWeaklyConnected bool    `json:"is_weakly_connected"`
	NumComponents     int     `json:"num_components"`
	Density           float64 `json:"density"`
}

// Stats computes node and edge counts, weak connectivity and directed
// density E / (N(N-1)). An empty graph reports not connected.
func (g *Graph) Stats() Stats {
	n := g.NumNodes()
	e := g.NumEdges()
	components := len(g.WeakComponents())

	var density float64
	if n > 1 {
		density = float64(e) / float64(n*(n-1))
	}
	return Stats{
		NumNodes:          n,
		NumEdges:          e,
		IsWeaklyConnected: n > 0 && components == 1,
		NumComponents:     components,
		Density:           density,
	}
}
