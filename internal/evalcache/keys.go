// Package evalcache reads the in-WASM-heap evaluation cache and maintains
// the host-side dependency DAG that drives its invalidation. Compiled code
// owns every insertion into the cache; this package only reads cache
// buckets, walks dependency trees into graph edges, and clears buckets
// whose dependencies a state update has invalidated.
//
// Grounded on the EvaluationCache/EvaluationCacheBucket layout and the
// remove_deep-based invalidation algorithm described for the reflex
// evaluation engine's WASM worker task.
//
// © 2025 reflex-wasm-worker authors. MIT License.
package evalcache

import "fmt"

// StateKey identifies one entry of the evaluated state Hashmap: the content
// hash of the state-token condition term a compiled `get` expression reads.
type StateKey uint64

// CacheKey identifies one EvaluationCacheBucket: the content hash of the
// expression that bucket memoizes. It doubles as the worker message-scoping
// key described by the Init/Evaluate/Gc/Result message contract.
type CacheKey uint64

// DepTreeID identifies one node of a dependency tree, addressed by that
// subtree's own content hash so structurally identical sub-trees collapse
// onto the same DAG node regardless of which cache entries reference them.
type DepTreeID uint64

// KeyKind discriminates the three node families the dependency DAG mixes
// into one key space.
type KeyKind uint8

const (
	KindState KeyKind = iota
	KindCache
	KindTree
)

// GraphKey is a DependencyGraphKey: a tagged union over State/Cache/Tree
// identities, comparable and therefore directly usable as a Go map key.
type GraphKey struct {
	Kind KeyKind
	ID   uint64
}

func (k GraphKey) String() string {
	switch k.Kind {
	case KindState:
		return fmt.Sprintf("State(%x)", k.ID)
	case KindCache:
		return fmt.Sprintf("Cache(%x)", k.ID)
	case KindTree:
		return fmt.Sprintf("Tree(%x)", k.ID)
	default:
		return fmt.Sprintf("Unknown(%d,%x)", k.Kind, k.ID)
	}
}

// StateNode, CacheNode and TreeNode build a GraphKey for each node family.
func StateNode(k StateKey) GraphKey { return GraphKey{Kind: KindState, ID: uint64(k)} }
func CacheNode(k CacheKey) GraphKey { return GraphKey{Kind: KindCache, ID: uint64(k)} }
func TreeNode(id DepTreeID) GraphKey { return GraphKey{Kind: KindTree, ID: uint64(id)} }
