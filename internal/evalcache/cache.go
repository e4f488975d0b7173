package evalcache

import (
	"fmt"

	"github.com/Voskan/reflex-wasm-worker/internal/term"
	"github.com/Voskan/reflex-wasm-worker/internal/termarena"
)

// bucketSize is the on-heap byte size of one EvaluationCacheBucket: an
// 8-byte key, a 4-byte value pointer, and a 4-byte dependency-tree root
// pointer.
const bucketSize = 16

// Bucket is a host-side read view of one EvaluationCacheBucket. A zero Key
// marks an empty slot; compiled code never stores CacheKey(0) because
// content hashes are seeded on the term's tag and are vanishingly unlikely
// to be exactly zero, but the host still treats 0 as "empty" rather than
// "whatever zero happens to hash to" to match the compiled allocator's own
// convention.
type Bucket struct {
	// ptr is this bucket's own address in the arena, needed to clear it
	// in place later.
	ptr termarena.Pointer
	// Index is this bucket's slot number within the cache's bucket array,
	// stable across a read as long as Capacity doesn't change. GC compaction
	// uses it to place a surviving entry back at the same slot in a
	// same-capacity destination cell, preserving whatever bucket-index
	// arithmetic the compiled code's hash table relies on.
	Index uint32
	Key   CacheKey
	Value termarena.Pointer
	Deps  termarena.Pointer
}

// Occupied reports whether this bucket currently holds an entry.
func (b Bucket) Occupied() bool { return b.Key != 0 }

// Cache is a host-side snapshot of the EvaluationCache resident in the WASM
// heap: its cell address (needed to detect reallocation across GC), its
// bucket capacity, and every occupied bucket.
type Cache struct {
	// CellOffset is the byte offset of the CellTerm holding the
	// EvaluationCache payload, i.e. the address the `__cache` global
	// ultimately resolves to. A change in this value across evaluations
	// signals the compiled code reallocated its cache table, which
	// forces a full InvalidationMetadata rebuild rather than an
	// incremental update.
	CellOffset termarena.Pointer
	Capacity   uint32
	NumEntries uint32
	Buckets    []Bucket
}

// ReadCache resolves the `__cache` global's current value (a pointer to a
// PointerTerm) through to the EvaluationCache payload and scans every
// bucket.
func ReadCache(a *termarena.Arena, cacheGlobalValue termarena.Pointer) (Cache, error) {
	if cacheGlobalValue.IsNull() {
		return Cache{}, fmt.Errorf("evalcache: __cache global is null")
	}

	h, err := term.ReadHeader(a, cacheGlobalValue)
	if err != nil {
		return Cache{}, fmt.Errorf("evalcache: read __cache pointer term: %w", err)
	}
	if h.Tag != term.TagCellPointer {
		return Cache{}, fmt.Errorf("evalcache: __cache global does not address a pointer term (tag=%d)", h.Tag)
	}
	pt, err := term.ReadPointerTerm(a, cacheGlobalValue)
	if err != nil {
		return Cache{}, err
	}

	cellPtr := pt.Target
	ch, err := term.ReadHeader(a, cellPtr)
	if err != nil {
		return Cache{}, fmt.Errorf("evalcache: read cache cell header: %w", err)
	}
	if ch.Tag != term.TagCell {
		return Cache{}, fmt.Errorf("evalcache: cache cell has unexpected tag %d", ch.Tag)
	}

	payload := term.CellPayload(cellPtr)
	numEntries, err := a.ReadUint32(payload)
	if err != nil {
		return Cache{}, err
	}
	capacity, err := a.ReadUint32(payload + 4)
	if err != nil {
		return Cache{}, err
	}

	buckets := make([]Bucket, 0, capacity)
	bucketsBase := payload + 8
	for i := uint32(0); i < capacity; i++ {
		bp := bucketsBase + termarena.Pointer(i*bucketSize)
		key, err := a.ReadUint64(bp)
		if err != nil {
			return Cache{}, err
		}
		if key == 0 {
			continue
		}
		value, err := a.ReadPointer(bp + 8)
		if err != nil {
			return Cache{}, err
		}
		deps, err := a.ReadPointer(bp + 12)
		if err != nil {
			return Cache{}, err
		}
		buckets = append(buckets, Bucket{ptr: bp, Index: i, Key: CacheKey(key), Value: value, Deps: deps})
	}

	return Cache{CellOffset: cellPtr, Capacity: capacity, NumEntries: numEntries, Buckets: buckets}, nil
}

// DepsLookup returns a function resolving a CacheKey's current Deps
// pointer, used by ParseDependencyTree/CollectStateDependencies to
// interpose nested cached sub-evaluations.
func (c Cache) DepsLookup() func(CacheKey) (termarena.Pointer, bool) {
	byKey := make(map[CacheKey]termarena.Pointer, len(c.Buckets))
	for _, b := range c.Buckets {
		byKey[b.Key] = b.Deps
	}
	return func(k CacheKey) (termarena.Pointer, bool) {
		p, ok := byKey[k]
		return p, ok
	}
}

// BucketByKey finds the occupied bucket for key, if present.
func (c Cache) BucketByKey(key CacheKey) (Bucket, bool) {
	for _, b := range c.Buckets {
		if b.Key == key {
			return b, true
		}
	}
	return Bucket{}, false
}

// Consistent checks the §8.2 cache-consistency invariant: NumEntries equals
// the count of occupied buckets. (key_to_bucket/bucket_to_key inversion is
// guaranteed by construction here since Buckets is built by scanning the
// bucket table directly, with no separate index to drift out of sync.)
func (c Cache) Consistent() bool { return uint32(len(c.Buckets)) == c.NumEntries }

// ClearBucket zeroes a bucket's key, value and dependency pointers and
// decrements the cell's NumEntries in the live WASM heap, via a. Cache
// snapshots already read are not updated. This is the only mutation the host ever
// performs on the cache: insertion remains the compiled code's job.
func ClearBucket(a *termarena.Arena, cellPtr termarena.Pointer, bucket Bucket) error {
	if err := a.WriteUint64(bucket.ptr, 0); err != nil {
		return err
	}
	if err := a.WritePointer(bucket.ptr+8, termarena.NullPointer); err != nil {
		return err
	}
	if err := a.WritePointer(bucket.ptr+12, termarena.NullPointer); err != nil {
		return err
	}
	payload := term.CellPayload(cellPtr)
	numEntries, err := a.ReadUint32(payload)
	if err != nil {
		return err
	}
	if numEntries > 0 {
		numEntries--
	}
	return a.WriteUint32(payload, numEntries)
}
