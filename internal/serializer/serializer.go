// Package serializer migrates terms between arenas: a DAG-aware copy that
// deduplicates on content hash and rewrites every pointer to its new home.
// It serves two callers with identical needs: importing a client-supplied
// expression into a fresh worker arena, and the GC's compaction copy of
// surviving terms into a new heap.
//
// Grounded on the copy_term / SerializerState pattern from the reflex
// evaluation engine: post-order DAG traversal, content-hash keyed dedup
// table, explicit work stack (no recursion, so arbitrarily deep expressions
// never blow the Go stack).
//
// © 2025 reflex-wasm-worker authors. MIT License.
package serializer

import (
	"fmt"

	"github.com/Voskan/reflex-wasm-worker/internal/term"
	"github.com/Voskan/reflex-wasm-worker/internal/termarena"
)

// State tracks terms already copied in this migration, keyed by content
// hash so structurally identical sub-terms collapse onto one destination
// copy regardless of how many parents reference them.
type State struct {
	copied map[uint64]termarena.Pointer
}

// NewState returns an empty migration state. Reusing one State across
// multiple Copy calls against the same destination arena extends dedup
// across all of them — this is how GC compaction shares one copy of a term
// referenced from both the latest result and a still-live cache bucket.
func NewState() *State {
	return &State{copied: make(map[uint64]termarena.Pointer)}
}

// stackEntry is one node of the explicit post-order work stack: a source
// pointer awaiting its children to be copied (visited==false) or awaiting
// its own payload copy now that children are done (visited==true).
type stackEntry struct {
	srcPtr  termarena.Pointer
	visited bool
}

// Copy migrates the term rooted at srcPtr from src into dst, returning the
// pointer to its copy in dst. A null srcPtr copies to null without
// allocating. Terms already migrated in this State (by content hash) are
// not copied again; their existing destination pointer is reused.
func (s *State) Copy(src *termarena.Arena, dst *termarena.Arena, srcPtr termarena.Pointer) (termarena.Pointer, error) {
	if srcPtr.IsNull() {
		return termarena.NullPointer, nil
	}

	stack := []stackEntry{{srcPtr: srcPtr}}
	var result termarena.Pointer

	for len(stack) > 0 {
		top := stack[len(stack)-1]

		h, err := term.ReadHeader(src, top.srcPtr)
		if err != nil {
			return termarena.NullPointer, fmt.Errorf("serializer: read header at %d: %w", top.srcPtr, err)
		}

		if existing, ok := s.copied[h.ContentHash]; ok {
			stack = stack[:len(stack)-1]
			result = existing
			continue
		}

		if !top.visited {
			children, err := term.ChildrenOf(src, top.srcPtr)
			if err != nil {
				return termarena.NullPointer, fmt.Errorf("serializer: children of %d: %w", top.srcPtr, err)
			}
			stack[len(stack)-1].visited = true
			for _, c := range children {
				if c.IsNull() {
					continue
				}
				if _, ok := s.copied[mustHash(src, c)]; ok {
					continue
				}
				stack = append(stack, stackEntry{srcPtr: c})
			}
			continue
		}

		dstPtr, err := s.copyOne(src, dst, top.srcPtr, h)
		if err != nil {
			return termarena.NullPointer, err
		}
		s.copied[h.ContentHash] = dstPtr
		stack = stack[:len(stack)-1]
		result = dstPtr
	}

	return result, nil
}

// mustHash reads a term's content hash, returning 0 (never a valid hash in
// practice, but not load-bearing here beyond a map-probe short circuit) on
// error so the explicit-stack loop above can treat a transient read issue
// as "not yet seen" rather than panicking mid-traversal.
func mustHash(a *termarena.Arena, ptr termarena.Pointer) uint64 {
	h, err := term.ReadHeader(a, ptr)
	if err != nil {
		return 0
	}
	return h.ContentHash
}

// copyOne allocates space in dst for one term, copies its header unchanged
// and its payload with every child pointer rewritten to the already-copied
// destination address.
func (s *State) copyOne(src, dst *termarena.Arena, srcPtr termarena.Pointer, h term.Header) (termarena.Pointer, error) {
	layout, ok := term.Layouts[h.Tag]
	if !ok {
		return termarena.NullPointer, fmt.Errorf("serializer: unknown tag %d at %d", h.Tag, srcPtr)
	}

	switch {
	case layout.Children != nil:
		return s.copyCompound(src, dst, srcPtr, h)
	case layout.ScalarLen < 0:
		return s.copyVariableScalar(src, dst, srcPtr, h)
	default:
		return s.copyFixedScalar(src, dst, srcPtr, h, layout.ScalarLen)
	}
}

func (s *State) copyFixedScalar(src, dst *termarena.Arena, srcPtr termarena.Pointer, h term.Header, size int) (termarena.Pointer, error) {
	payload, err := src.ReadBytes(srcPtr+term.PayloadOffset, size)
	if err != nil {
		return termarena.NullPointer, err
	}
	dstPtr, err := dst.Allocate(uint32(term.PayloadOffset + size))
	if err != nil {
		return termarena.NullPointer, err
	}
	if err := term.WriteHeader(dst, dstPtr, h); err != nil {
		return termarena.NullPointer, err
	}
	if err := dst.WriteBytes(dstPtr+term.PayloadOffset, payload); err != nil {
		return termarena.NullPointer, err
	}
	return dstPtr, nil
}

// copyVariableScalar copies a String/Symbol payload: a u32 byte length
// followed by that many raw bytes.
func (s *State) copyVariableScalar(src, dst *termarena.Arena, srcPtr termarena.Pointer, h term.Header) (termarena.Pointer, error) {
	payloadPtr := srcPtr + term.PayloadOffset
	length, err := src.ReadUint32(payloadPtr)
	if err != nil {
		return termarena.NullPointer, err
	}
	data, err := src.ReadBytes(payloadPtr+4, int(length))
	if err != nil {
		return termarena.NullPointer, err
	}

	total := term.PayloadOffset + 4 + int(length)
	dstPtr, err := dst.Allocate(uint32(total))
	if err != nil {
		return termarena.NullPointer, err
	}
	if err := term.WriteHeader(dst, dstPtr, h); err != nil {
		return termarena.NullPointer, err
	}
	if err := dst.WriteUint32(dstPtr+term.PayloadOffset, length); err != nil {
		return termarena.NullPointer, err
	}
	if err := dst.WriteBytes(dstPtr+term.PayloadOffset+4, data); err != nil {
		return termarena.NullPointer, err
	}
	return dstPtr, nil
}

// copyCompound copies a term whose payload is entirely child pointers (or a
// list-style count-prefixed array of them), rewriting each to its already
// migrated destination.
func (s *State) copyCompound(src, dst *termarena.Arena, srcPtr termarena.Pointer, h term.Header) (termarena.Pointer, error) {
	children, err := term.ChildrenOf(src, srcPtr)
	if err != nil {
		return termarena.NullPointer, err
	}

	rewritten := make([]termarena.Pointer, len(children))
	for i, c := range children {
		if c.IsNull() {
			rewritten[i] = termarena.NullPointer
			continue
		}
		h2, err := term.ReadHeader(src, c)
		if err != nil {
			return termarena.NullPointer, err
		}
		dp, ok := s.copied[h2.ContentHash]
		if !ok {
			return termarena.NullPointer, fmt.Errorf("serializer: child at %d not migrated before parent %d", c, srcPtr)
		}
		rewritten[i] = dp
	}

	if h.Tag == term.TagList || h.Tag == term.TagHashset {
		return s.writeList(dst, h, rewritten)
	}
	if h.Tag == term.TagDependencyTree {
		return s.writeDependencyTree(src, dst, srcPtr, h, rewritten)
	}
	if h.Tag == term.TagCondition {
		return s.writeCondition(src, dst, srcPtr, h, rewritten)
	}
	return s.writeFixedPointers(dst, h, rewritten)
}

func (s *State) writeList(dst *termarena.Arena, h term.Header, children []termarena.Pointer) (termarena.Pointer, error) {
	size := 4 + 4*len(children)
	dstPtr, err := dst.Allocate(uint32(term.PayloadOffset + size))
	if err != nil {
		return termarena.NullPointer, err
	}
	if err := term.WriteHeader(dst, dstPtr, h); err != nil {
		return termarena.NullPointer, err
	}
	payload := dstPtr + term.PayloadOffset
	if err := dst.WriteUint32(payload, uint32(len(children))); err != nil {
		return termarena.NullPointer, err
	}
	for i, c := range children {
		if err := dst.WritePointer(payload+4+termarena.Pointer(i*4), c); err != nil {
			return termarena.NullPointer, err
		}
	}
	return dstPtr, nil
}

func (s *State) writeFixedPointers(dst *termarena.Arena, h term.Header, children []termarena.Pointer) (termarena.Pointer, error) {
	size := 4 * len(children)
	dstPtr, err := dst.Allocate(uint32(term.PayloadOffset + size))
	if err != nil {
		return termarena.NullPointer, err
	}
	if err := term.WriteHeader(dst, dstPtr, h); err != nil {
		return termarena.NullPointer, err
	}
	payload := dstPtr + term.PayloadOffset
	for i, c := range children {
		if err := dst.WritePointer(payload+termarena.Pointer(i*4), c); err != nil {
			return termarena.NullPointer, err
		}
	}
	return dstPtr, nil
}

// writeDependencyTree preserves the 12-byte key prefix (kind:u32, id:u64)
// ahead of the two rewritten branch pointers.
func (s *State) writeDependencyTree(src, dst *termarena.Arena, srcPtr termarena.Pointer, h term.Header, children []termarena.Pointer) (termarena.Pointer, error) {
	keyBytes, err := src.ReadBytes(srcPtr+term.PayloadOffset, 12)
	if err != nil {
		return termarena.NullPointer, err
	}
	dstPtr, err := dst.Allocate(uint32(term.PayloadOffset + 12 + 8))
	if err != nil {
		return termarena.NullPointer, err
	}
	if err := term.WriteHeader(dst, dstPtr, h); err != nil {
		return termarena.NullPointer, err
	}
	payload := dstPtr + term.PayloadOffset
	if err := dst.WriteBytes(payload, keyBytes); err != nil {
		return termarena.NullPointer, err
	}
	for i, c := range children {
		if err := dst.WritePointer(payload+12+termarena.Pointer(i*4), c); err != nil {
			return termarena.NullPointer, err
		}
	}
	return dstPtr, nil
}

// writeCondition preserves the 4-byte kind discriminant ahead of the two
// rewritten EffectType/Payload pointers.
func (s *State) writeCondition(src, dst *termarena.Arena, srcPtr termarena.Pointer, h term.Header, children []termarena.Pointer) (termarena.Pointer, error) {
	kindBytes, err := src.ReadBytes(srcPtr+term.PayloadOffset, 4)
	if err != nil {
		return termarena.NullPointer, err
	}
	dstPtr, err := dst.Allocate(uint32(term.PayloadOffset + term.ConditionPayloadSize))
	if err != nil {
		return termarena.NullPointer, err
	}
	if err := term.WriteHeader(dst, dstPtr, h); err != nil {
		return termarena.NullPointer, err
	}
	payload := dstPtr + term.PayloadOffset
	if err := dst.WriteBytes(payload, kindBytes); err != nil {
		return termarena.NullPointer, err
	}
	for i, c := range children {
		if err := dst.WritePointer(payload+4+termarena.Pointer(i*4), c); err != nil {
			return termarena.NullPointer, err
		}
	}
	return dstPtr, nil
}
