package worker

// gc.go implements the §4.5 heap compactor: materialise live terms reachable
// from the latest result, copy them into a fresh arena seeded from the
// module's initial heap snapshot, rebuild the evaluation cache at the same
// capacity with only the still-reachable entries, and overwrite the
// interpreter's linear memory in place. Query-mode workers skip compaction
// entirely (see SPEC_FULL.md §9) and only trim state_values.

import (
	"context"
	"fmt"

	"github.com/Voskan/reflex-wasm-worker/internal/evalcache"
	"github.com/Voskan/reflex-wasm-worker/internal/serializer"
	"github.com/Voskan/reflex-wasm-worker/internal/term"
	"github.com/Voskan/reflex-wasm-worker/internal/termarena"
	"github.com/Voskan/reflex-wasm-worker/internal/wasmvm"
)

// liveCacheEntry holds a cache bucket's migrated Value/Deps pointers,
// discovered while walking the latest result's dependency tree.
type liveCacheEntry struct {
	Value termarena.Pointer
	Deps  termarena.Pointer
}

func (w *Worker) runGc(ctx context.Context) (Statistics, error) {
	before := w.arena.EndOffset()

	cache, err := w.readCache()
	if err != nil {
		return Statistics{}, err
	}

	if w.cfg.evaluationMode == ModeQuery {
		w.trimStateValuesToDependencies()
		return Statistics{
			HeapBytesBefore: uint32(before),
			HeapBytesAfter:  uint32(before),
			CacheEntries:    cache.NumEntries,
		}, nil
	}

	stats, err := w.compact(ctx, cache)
	if err != nil {
		return Statistics{}, err
	}
	w.trimStateValuesToDependencies()
	return stats, nil
}

// compact runs the Standalone-mode compaction algorithm.
func (w *Worker) compact(ctx context.Context, oldCache evalcache.Cache) (Statistics, error) {
	before := w.arena.EndOffset()

	bufSize := w.cfg.heapCapacity
	if bufSize < len(w.initialHeapSnapshot) {
		bufSize = len(w.initialHeapSnapshot)
	}
	buf := make([]byte, bufSize)
	copy(buf, w.initialHeapSnapshot)
	dst := termarena.New(buf, termarena.Pointer(len(w.initialHeapSnapshot)))

	ser := serializer.NewState()

	newResultPtr, err := ser.Copy(w.arena, dst, w.latestResult.Pointer)
	if err != nil {
		return Statistics{}, fmt.Errorf("worker: gc copy result: %w", err)
	}
	newDepsPtr, err := ser.Copy(w.arena, dst, w.latestDepsPtr)
	if err != nil {
		return Statistics{}, fmt.Errorf("worker: gc copy deps tree: %w", err)
	}

	liveCache := make(map[evalcache.CacheKey]liveCacheEntry)
	newStateValues := make(map[StateKey]termarena.Pointer)

	onState := func(sk StateKey) error {
		oldPtr, ok := w.stateValues[sk]
		if !ok {
			return nil
		}
		newPtr, err := ser.Copy(w.arena, dst, oldPtr)
		if err != nil {
			return err
		}
		newStateValues[sk] = newPtr
		return nil
	}
	onCache := func(b evalcache.Bucket) error {
		newValue, err := ser.Copy(w.arena, dst, b.Value)
		if err != nil {
			return err
		}
		newDeps, err := ser.Copy(w.arena, dst, b.Deps)
		if err != nil {
			return err
		}
		liveCache[b.Key] = liveCacheEntry{Value: newValue, Deps: newDeps}
		return nil
	}
	if err := evalcache.WalkDependencyTree(w.arena, w.latestDepsPtr, oldCache, onState, onCache); err != nil {
		return Statistics{}, fmt.Errorf("worker: gc materialise live terms: %w", err)
	}

	newCellPtr, err := buildCompactedCacheCell(dst, oldCache, liveCache)
	if err != nil {
		return Statistics{}, fmt.Errorf("worker: gc build cache cell: %w", err)
	}
	newCachePtrTermAddr, err := allocCachePointerTerm(dst, newCellPtr)
	if err != nil {
		return Statistics{}, fmt.Errorf("worker: gc alloc cache pointer term: %w", err)
	}

	live := dst.Bytes()
	mem := w.vm.DataMut()
	if len(live) > len(mem) {
		return Statistics{}, fmt.Errorf("worker: gc: compacted heap (%d bytes) exceeds module memory (%d bytes)", len(live), len(mem))
	}
	copy(mem, live)
	for i := len(live); i < len(mem); i++ {
		mem[i] = 0
	}

	w.arena.Rebind(mem)
	w.arena.SetEndOffset(dst.EndOffset())

	if !w.vm.SetGlobal(wasmvm.GlobalCache, uint64(newCachePtrTermAddr)) {
		return Statistics{}, fmt.Errorf("worker: gc: failed to rewrite %s global", wasmvm.GlobalCache)
	}

	w.latestResult.Pointer = newResultPtr
	w.latestDepsPtr = newDepsPtr
	w.stateValues = newStateValues

	newCache, err := w.readCache()
	if err != nil {
		return Statistics{}, err
	}
	meta, err := evalcache.Rebuild(w.arena, newCache, w.cfg.maxGraphNodes)
	if err != nil {
		return Statistics{}, err
	}
	w.invalidation = meta

	return Statistics{
		HeapBytesBefore: uint32(before),
		HeapBytesAfter:  uint32(w.arena.EndOffset()),
		CacheEntries:    newCache.NumEntries,
	}, nil
}

// buildCompactedCacheCell allocates a fresh EvaluationCache cell at oldCache's
// original capacity (preserving whatever bucket-index arithmetic the
// compiled code's hash table relies on) and places each still-live entry
// back at its original slot, dropping every bucket the dependency-tree walk
// didn't reach as garbage.
func buildCompactedCacheCell(dst *termarena.Arena, oldCache evalcache.Cache, live map[evalcache.CacheKey]liveCacheEntry) (termarena.Pointer, error) {
	size := 8 + int(oldCache.Capacity)*16
	ptr, err := dst.Allocate(uint32(term.PayloadOffset + size))
	if err != nil {
		return termarena.NullPointer, err
	}
	if err := term.WriteHeader(dst, ptr, term.Header{Tag: term.TagCell, ContentHash: 0}); err != nil {
		return termarena.NullPointer, err
	}

	payload := ptr + term.PayloadOffset
	bucketsBase := payload + 8

	var numEntries uint32
	for _, b := range oldCache.Buckets {
		entry, ok := live[b.Key]
		if !ok {
			continue
		}
		bp := bucketsBase + termarena.Pointer(b.Index*16)
		if err := dst.WriteUint64(bp, uint64(b.Key)); err != nil {
			return termarena.NullPointer, err
		}
		if err := dst.WritePointer(bp+8, entry.Value); err != nil {
			return termarena.NullPointer, err
		}
		if err := dst.WritePointer(bp+12, entry.Deps); err != nil {
			return termarena.NullPointer, err
		}
		numEntries++
	}

	if err := dst.WriteUint32(payload, numEntries); err != nil {
		return termarena.NullPointer, err
	}
	if err := dst.WriteUint32(payload+4, oldCache.Capacity); err != nil {
		return termarena.NullPointer, err
	}
	return ptr, nil
}

// allocCachePointerTerm writes the indirection term the `__cache` global
// addresses: header plus a single pointer to the migrated cell.
func allocCachePointerTerm(a *termarena.Arena, cellPtr termarena.Pointer) (termarena.Pointer, error) {
	ptr, err := a.Allocate(uint32(term.PayloadOffset + 4))
	if err != nil {
		return termarena.NullPointer, err
	}
	if err := term.WriteHeader(a, ptr, term.Header{Tag: term.TagCellPointer, ContentHash: 0}); err != nil {
		return termarena.NullPointer, err
	}
	if err := term.WritePointerTerm(a, ptr, term.PointerTerm{Target: cellPtr}); err != nil {
		return termarena.NullPointer, err
	}
	return ptr, nil
}

// trimStateValuesToDependencies keeps only the state values the latest
// result still depends on (§4.5 step 8), independent of whether compaction
// itself ran.
func (w *Worker) trimStateValuesToDependencies() {
	keep := make(map[StateKey]struct{}, len(w.latestResult.Dependencies))
	for _, k := range w.latestResult.Dependencies {
		keep[k] = struct{}{}
	}
	for k := range w.stateValues {
		if _, ok := keep[k]; !ok {
			delete(w.stateValues, k)
		}
	}
}
