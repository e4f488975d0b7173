package evalcache

import "github.com/Voskan/reflex-wasm-worker/internal/clockpro"

// Graph is the external dependency DAG: CacheKey nodes point at the root of
// their dependency tree, Tree nodes point at their children (other Tree
// nodes, State leaves, or Cache nodes interposed where one cached
// evaluation's dependency tree embeds a reference to another), and edges
// always run from a dependent node to the thing it depends on. Invalidation
// walks the graph in the opposite direction: given a changed node, find
// every node that (transitively) depends on it.
type Graph struct {
	// forward[n] is the set of nodes n depends on.
	forward map[GraphKey]map[GraphKey]struct{}
	// reverse[n] is the set of nodes that depend on n, i.e. inbound edges.
	reverse map[GraphKey]map[GraphKey]struct{}
	// clock bounds the node count via CLOCK-Pro when non-nil. nil means
	// unbounded, used both by NewGraph and by the short-lived per-bucket
	// subgraphs ParseDependencyTree builds before folding them into a
	// bounded graph via MergeInto.
	clock *clockpro.Clock[GraphKey, struct{}]
}

// NewGraph returns an empty, unbounded dependency graph.
func NewGraph() *Graph {
	return &Graph{
		forward: make(map[GraphKey]map[GraphKey]struct{}),
		reverse: make(map[GraphKey]map[GraphKey]struct{}),
	}
}

// NewBoundedGraph returns an empty dependency graph whose node count is
// bounded by a CLOCK-Pro policy: once more than maxNodes distinct nodes
// have been touched, the coldest unreferenced node is evicted along with
// every edge touching it. maxNodes <= 0 is equivalent to NewGraph
// (unbounded) — this is the knob WithMaxGraphNodes plugs into.
func NewBoundedGraph(maxNodes int) *Graph {
	g := NewGraph()
	if maxNodes <= 0 {
		return g
	}
	c := clockpro.New[GraphKey, struct{}](maxNodes)
	c.EjectFn = func(k GraphKey, _ struct{}, _ clockpro.EvictionReason) {
		g.removeNode(k)
	}
	g.clock = c
	return g
}

// AddNode registers a node with no edges, if not already present. Called
// for leaf State/Cache nodes even when they have no further dependencies of
// their own, so RemoveDeep can still find and remove them.
func (g *Graph) AddNode(n GraphKey) {
	if _, ok := g.forward[n]; !ok {
		g.forward[n] = make(map[GraphKey]struct{})
	}
	if _, ok := g.reverse[n]; !ok {
		g.reverse[n] = make(map[GraphKey]struct{})
	}
	if g.clock != nil {
		g.clock.Touch(n, struct{}{})
	}
}

// AddEdge records that `from` depends on `to`.
func (g *Graph) AddEdge(from, to GraphKey) {
	g.AddNode(from)
	g.AddNode(to)
	g.forward[from][to] = struct{}{}
	g.reverse[to][from] = struct{}{}
}

// HasNode reports whether n has been registered.
func (g *Graph) HasNode(n GraphKey) bool {
	_, ok := g.forward[n]
	return ok
}

// Dependents returns the nodes that directly depend on n.
func (g *Graph) Dependents(n GraphKey) []GraphKey {
	out := make([]GraphKey, 0, len(g.reverse[n]))
	for k := range g.reverse[n] {
		out = append(out, k)
	}
	return out
}

// RemoveDeep removes start and every node transitively reachable from it by
// following inbound edges (nodes that depend on start, directly or through
// a chain of other dependents), visiting each node at most once. It is a
// no-op, returning nil, if start is not present. The returned slice holds
// every removed node, in removal order, so the caller can filter out the
// CacheKey-kind entries to know which cache buckets to clear.
func (g *Graph) RemoveDeep(start GraphKey) []GraphKey {
	if !g.HasNode(start) {
		return nil
	}

	visited := map[GraphKey]struct{}{}
	order := []GraphKey{}
	stack := []GraphKey{start}

	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[n]; seen {
			continue
		}
		visited[n] = struct{}{}
		order = append(order, n)
		for dep := range g.reverse[n] {
			if _, seen := visited[dep]; !seen {
				stack = append(stack, dep)
			}
		}
	}

	for _, n := range order {
		g.removeNode(n)
		if g.clock != nil {
			g.clock.Forget(n)
		}
	}
	return order
}

// removeNode deletes n and every edge touching it from both index maps.
func (g *Graph) removeNode(n GraphKey) {
	for to := range g.forward[n] {
		delete(g.reverse[to], n)
	}
	for from := range g.reverse[n] {
		delete(g.forward[from], n)
	}
	delete(g.forward, n)
	delete(g.reverse, n)
}

// Size returns the number of nodes currently tracked.
func (g *Graph) Size() int { return len(g.forward) }

// MergeInto folds g's nodes and edges into dst, leaving g unchanged. Used
// to fold a freshly parsed dependency tree's edges into the worker's
// long-lived graph without rebuilding it from scratch.
func (g *Graph) MergeInto(dst *Graph) {
	for n := range g.forward {
		dst.AddNode(n)
	}
	for from, tos := range g.forward {
		for to := range tos {
			dst.AddEdge(from, to)
		}
	}
}
