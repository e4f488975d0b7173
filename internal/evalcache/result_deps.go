package evalcache

import (
	"github.com/Voskan/reflex-wasm-worker/internal/term"
	"github.com/Voskan/reflex-wasm-worker/internal/termarena"
)

// CollectStateDependencies walks the dependency tree an evaluate call
// returned (its deps_ptr result) and flattens it into the StateKey leaves
// it transitively reaches, interposing nested Cache-entry dependency trees
// via lookupCacheDeps exactly as ParseDependencyTree does. Unlike
// ParseDependencyTree this does not build a Graph: it is used for the
// per-evaluation Result.Dependencies list (§4.6.1 step 6), not for the
// cache's own invalidation DAG (§4.4), so only the flat leaf set matters.
func CollectStateDependencies(a *termarena.Arena, treePtr termarena.Pointer, lookupCacheDeps func(CacheKey) (termarena.Pointer, bool)) ([]StateKey, error) {
	if treePtr.IsNull() {
		return nil, nil
	}

	seen := map[uint64]struct{}{}
	var out []StateKey
	stack := []termarena.Pointer{treePtr}

	for len(stack) > 0 {
		ptr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		h, err := term.ReadHeader(a, ptr)
		if err != nil {
			return nil, err
		}

		switch h.Tag {
		case term.TagCondition:
			out = append(out, StateKey(h.ContentHash))

		case term.TagDependencyTree:
			if _, dup := seen[h.ContentHash]; dup {
				continue
			}
			seen[h.ContentHash] = struct{}{}

			kind, id, err := readTreeKey(a, ptr)
			if err != nil {
				return nil, err
			}
			if kind == treeKeyCache {
				if depsPtr, ok := lookupCacheDeps(CacheKey(id)); ok && !depsPtr.IsNull() {
					stack = append(stack, depsPtr)
				}
				continue
			}

			children, err := term.ChildrenOf(a, ptr)
			if err != nil {
				return nil, err
			}
			stack = append(stack, children...)

		default:
			out = append(out, StateKey(h.ContentHash))
		}
	}

	return out, nil
}

// WalkDependencyTree performs the same interposed traversal as
// CollectStateDependencies, but instead of flattening to StateKeys it hands
// every leaf to the caller directly: onState for a state dependency,
// onCache for an occupied cache bucket reached through a Cache-kind tree
// node (continuing the walk into that bucket's own Deps afterwards). Used by
// the GC compactor (§4.5 step 1) to materialise every live intermediate term
// the latest result's dependency tree reaches, something a flat key list
// can't express since it needs the bucket's Value pointer too, not just its
// identity.
func WalkDependencyTree(a *termarena.Arena, treePtr termarena.Pointer, cache Cache, onState func(StateKey) error, onCache func(Bucket) error) error {
	if treePtr.IsNull() {
		return nil
	}

	seenTrees := map[uint64]struct{}{}
	visitedBuckets := map[CacheKey]struct{}{}
	stack := []termarena.Pointer{treePtr}

	for len(stack) > 0 {
		ptr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if ptr.IsNull() {
			continue
		}

		h, err := term.ReadHeader(a, ptr)
		if err != nil {
			return err
		}

		switch h.Tag {
		case term.TagCondition:
			if err := onState(StateKey(h.ContentHash)); err != nil {
				return err
			}

		case term.TagDependencyTree:
			if _, dup := seenTrees[h.ContentHash]; dup {
				continue
			}
			seenTrees[h.ContentHash] = struct{}{}

			kind, id, err := readTreeKey(a, ptr)
			if err != nil {
				return err
			}
			if kind == treeKeyCache {
				ck := CacheKey(id)
				if _, dup := visitedBuckets[ck]; dup {
					continue
				}
				visitedBuckets[ck] = struct{}{}
				if b, ok := cache.BucketByKey(ck); ok {
					if err := onCache(b); err != nil {
						return err
					}
					if !b.Deps.IsNull() {
						stack = append(stack, b.Deps)
					}
				}
				continue
			}

			children, err := term.ChildrenOf(a, ptr)
			if err != nil {
				return err
			}
			stack = append(stack, children...)

		default:
			if err := onState(StateKey(h.ContentHash)); err != nil {
				return err
			}
		}
	}

	return nil
}
