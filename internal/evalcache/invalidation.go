package evalcache

import (
	"github.com/Voskan/reflex-wasm-worker/internal/termarena"
)

// Metadata is the host-resident InvalidationMetadata: the dependency DAG
// built from every occupied bucket's dependency tree, plus the cache cell
// address it was built against so a reallocation can be detected cheaply by
// a single pointer comparison before deciding whether an incremental
// update or a full rebuild is required.
type Metadata struct {
	Graph      *Graph
	CellOffset termarena.Pointer
}

// Rebuild performs a full rescan: every occupied bucket's dependency tree
// is walked from scratch and folded into a fresh Graph. Used on first
// evaluation and whenever ReadCache reports a CellOffset different from the
// one Metadata was last built against (the cache table was reallocated by
// compiled code; content hashes are stable across that, but every pointer
// the old Graph held is not, so rebuilding from the new Cache snapshot is
// simpler and just as correct as trying to patch pointers in place).
//
// maxGraphNodes bounds the resulting Graph via NewBoundedGraph (the
// WithMaxGraphNodes knob); <= 0 leaves it unbounded.
func Rebuild(a *termarena.Arena, cache Cache, maxGraphNodes int) (*Metadata, error) {
	g := NewBoundedGraph(maxGraphNodes)

	byKey := make(map[CacheKey]termarena.Pointer, len(cache.Buckets))
	for _, b := range cache.Buckets {
		byKey[b.Key] = b.Deps
	}
	lookup := func(k CacheKey) (termarena.Pointer, bool) {
		p, ok := byKey[k]
		return p, ok
	}

	for _, b := range cache.Buckets {
		sub, err := ParseDependencyTree(a, b.Key, b.Deps, lookup)
		if err != nil {
			return nil, err
		}
		sub.MergeInto(g)
	}

	return &Metadata{Graph: g, CellOffset: cache.CellOffset}, nil
}

// Invalidate finds every cache bucket transitively depending on any of the
// given changed state keys, returning the CacheKeys evicted. It mutates
// only m.Graph (removing the evicted nodes and everything between them and
// the changed state keys); the live WASM heap is left untouched, and the
// evicted buckets are zeroed separately by ClearEvicted.
//
// Re-evaluating with no actual state changes is a no-op: an empty
// changedKeys clears nothing and the DAG's size is left untouched, matching
// the "identical re-evaluation" boundary behaviour.
func (m *Metadata) Invalidate(a *termarena.Arena, cellPtr termarena.Pointer, changedKeys []StateKey) ([]CacheKey, error) {
	var evicted []CacheKey
	seen := map[CacheKey]struct{}{}

	for _, sk := range changedKeys {
		removed := m.Graph.RemoveDeep(StateNode(sk))
		for _, n := range removed {
			if n.Kind != KindCache {
				continue
			}
			ck := CacheKey(n.ID)
			if _, dup := seen[ck]; dup {
				continue
			}
			seen[ck] = struct{}{}
			evicted = append(evicted, ck)
		}
	}

	return evicted, nil
}

// ClearEvicted zeroes every evicted bucket found in cache, matching the
// CacheKeys Invalidate returned.
func ClearEvicted(a *termarena.Arena, cache Cache, evicted []CacheKey) error {
	for _, ck := range evicted {
		if b, ok := cache.BucketByKey(ck); ok {
			if err := ClearBucket(a, cache.CellOffset, b); err != nil {
				return err
			}
		}
	}
	return nil
}
