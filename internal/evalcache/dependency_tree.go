package evalcache

import (
	"github.com/Voskan/reflex-wasm-worker/internal/term"
	"github.com/Voskan/reflex-wasm-worker/internal/termarena"
)

// treeVisit is one unit of work in the explicit-stack dependency tree walk:
// a Tree-term pointer and the GraphKey its edges should originate from (the
// parent context: either a CacheKey root or another Tree node).
type treeVisit struct {
	ptr    termarena.Pointer
	parent GraphKey
}

// ParseDependencyTree walks the dependency tree rooted at treePtr
// (typically a cache bucket's Deps pointer) and records it into g as edges
// from owner (a CacheKey node) down through every Tree/State/Cache node the
// tree reaches. lookupCacheDeps resolves a nested Cache leaf's own
// dependency tree pointer, so a cached sub-evaluation's dependencies are
// transitively linked in — the "interposed Cache node" the bucket's deps
// pointer may reference instead of inlining the full subtree again.
//
// The walk is iterative (explicit stack) so an arbitrarily deep expression
// tree never recurses through the Go call stack, and it revisits a Tree
// node's content hash at most once per call even if multiple branches
// reach the same shared subtree.
func ParseDependencyTree(a *termarena.Arena, owner CacheKey, treePtr termarena.Pointer, lookupCacheDeps func(CacheKey) (termarena.Pointer, bool)) (*Graph, error) {
	g := NewGraph()
	ownerNode := CacheNode(owner)
	g.AddNode(ownerNode)

	if treePtr.IsNull() {
		return g, nil
	}

	visitedTrees := map[uint64]struct{}{}
	stack := []treeVisit{{ptr: treePtr, parent: ownerNode}}

	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		h, err := term.ReadHeader(a, v.ptr)
		if err != nil {
			return nil, err
		}

		switch h.Tag {
		case term.TagCondition:
			// A leaf condition: interpret its content hash as a
			// StateKey leaf of the dependency tree.
			node := StateNode(StateKey(h.ContentHash))
			g.AddEdge(v.parent, node)

		case term.TagDependencyTree:
			if _, seen := visitedTrees[h.ContentHash]; seen {
				continue
			}
			visitedTrees[h.ContentHash] = struct{}{}

			treeNode := TreeNode(DepTreeID(h.ContentHash))
			g.AddEdge(v.parent, treeNode)

			kind, id, err := readTreeKey(a, v.ptr)
			if err != nil {
				return nil, err
			}
			if kind == treeKeyCache {
				cacheLeaf := CacheNode(CacheKey(id))
				g.AddEdge(treeNode, cacheLeaf)
				if depsPtr, ok := lookupCacheDeps(CacheKey(id)); ok && !depsPtr.IsNull() {
					stack = append(stack, treeVisit{ptr: depsPtr, parent: cacheLeaf})
				}
				continue
			}

			children, err := term.ChildrenOf(a, v.ptr)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				if c.IsNull() {
					continue
				}
				stack = append(stack, treeVisit{ptr: c, parent: treeNode})
			}

		default:
			// Any other term reached directly as a dependency root
			// (e.g. a bare condition-free signal) contributes no
			// further edges; it is recorded as a State leaf keyed
			// by its own content hash so it can still be found and
			// invalidated by identity.
			g.AddEdge(v.parent, StateNode(StateKey(h.ContentHash)))
		}
	}

	return g, nil
}

type treeKeyKind uint32

const (
	treeKeyBranch treeKeyKind = iota
	treeKeyCache
)

// readTreeKey reads the 12-byte key prefix a DependencyTree node's payload
// reserves ahead of its two branch pointers: a kind discriminant and an id.
// treeKeyCache marks a leaf that is itself another cache entry's key,
// interposing that entry's own dependency tree rather than inlining it.
func readTreeKey(a *termarena.Arena, ptr termarena.Pointer) (treeKeyKind, uint64, error) {
	payload := ptr + term.PayloadOffset
	kind, err := a.ReadUint32(payload)
	if err != nil {
		return 0, 0, err
	}
	id, err := a.ReadUint64(payload + 4)
	if err != nil {
		return 0, 0, err
	}
	return treeKeyKind(kind), id, nil
}
