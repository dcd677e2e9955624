// Package graph provides the stable topological levelling used to order
// pending operations inside a unit of work.
package graph

// Graph is a directed graph over nodes 0..n-1 where an edge from a to b
// means a must happen before b.
type Graph struct {
	n   int
	adj [][]int
	in  []int
}

// New creates a graph with n nodes and no edges.
func New(n int) *Graph {
	return &Graph{
		n:   n,
		adj: make([][]int, n),
		in:  make([]int, n),
	}
}

// AddEdge records that from must precede to. Duplicate edges are ignored.
func (g *Graph) AddEdge(from, to int) {
	for _, v := range g.adj[from] {
		if v == to {
			return
		}
	}
	g.adj[from] = append(g.adj[from], to)
	g.in[to]++
}

// Levels computes a longest-path layering: level 0 holds nodes with no
// predecessors, level k holds nodes whose deepest predecessor is at k-1.
// Within a level, nodes appear in ascending index order, so callers that
// number nodes by registration order get a deterministic result.
//
// If the graph contains a cycle, Levels returns nil and the members of
// the cyclic region (nodes that lie on a cycle or on a path between
// cycles), in ascending index order.
func (g *Graph) Levels() (levels [][]int, cycle []int) {
	in := make([]int, g.n)
	copy(in, g.in)

	frontier := make([]int, 0, g.n)
	for i := 0; i < g.n; i++ {
		if in[i] == 0 {
			frontier = append(frontier, i)
		}
	}

	seen := 0
	for len(frontier) > 0 {
		levels = append(levels, frontier)
		seen += len(frontier)

		var next []int
		for _, u := range frontier {
			for _, v := range g.adj[u] {
				in[v]--
				if in[v] == 0 {
					next = append(next, v)
				}
			}
		}
		// Kahn waves emit ready nodes in ascending order already when
		// edges were added in index order, but callers may not add them
		// that way.
		sortInts(next)
		frontier = next
	}

	if seen == g.n {
		return levels, nil
	}
	return nil, g.cycleMembers(in)
}

// cycleMembers trims nodes that merely sit downstream of a cycle, leaving
// the cyclic region itself: the remaining subgraph is pruned from the
// back until every surviving node has a successor that also survives.
func (g *Graph) cycleMembers(in []int) []int {
	remaining := make(map[int]bool)
	for i := 0; i < g.n; i++ {
		if in[i] > 0 {
			remaining[i] = true
		}
	}

	for changed := true; changed; {
		changed = false
		for u := range remaining {
			alive := false
			for _, v := range g.adj[u] {
				if remaining[v] {
					alive = true
					break
				}
			}
			if !alive {
				delete(remaining, u)
				changed = true
			}
		}
	}

	members := make([]int, 0, len(remaining))
	for u := range remaining {
		members = append(members, u)
	}
	sortInts(members)
	return members
}

// sortInts is an insertion sort; frontiers are small.
func sortInts(a []int) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && a[j] < a[j-1]; j-- {
			a[j], a[j-1] = a[j-1], a[j]
		}
	}
}
