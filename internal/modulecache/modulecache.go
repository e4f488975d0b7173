// Package modulecache keeps a bounded, content-hash-keyed pool of compiled
// WASM modules warm across workers that share the same query graph root,
// so instantiating a new worker never re-runs wazero's compiler for bytes
// it has already seen.
//
// Adapted from two ideas in a sibling cache project: a generation-style
// TTL/capacity rotation (there, over arenas; here, over compiled modules)
// and a singleflight-backed loader that collapses concurrent requests for
// the same not-yet-compiled bytes onto a single compile call. The bounded
// index itself is an LRU rather than a hand-rolled ring, since compiled
// modules (unlike generations of bump-allocated values) have no internal
// notion of "current generation" to bump allocate into — capacity and
// recency are all that matters here.
//
// © 2025 reflex-wasm-worker authors. MIT License.
package modulecache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/cespare/xxhash/v2"
	"github.com/tetratelabs/wazero"
	"golang.org/x/sync/singleflight"
)

// entry is one warm compiled module and the bookkeeping needed to expire it.
type entry struct {
	module    wazero.CompiledModule
	compiled  time.Time
}

// Cache is a bounded pool of compiled modules keyed by the content hash of
// their source bytes.
type Cache struct {
	runtime wazero.Runtime
	ttl     time.Duration

	warm  *lru.Cache[uint64, *entry]
	group singleflight.Group
}

// New constructs a module cache backed by rt, holding up to capacity
// compiled modules and expiring any entry compiled more than ttl ago.
// Evicted modules are closed against a background context: they are pure
// compiled artifacts, not instances, so closing one never needs the
// caller's own request context.
func New(rt wazero.Runtime, capacity int, ttl time.Duration) (*Cache, error) {
	c := &Cache{runtime: rt, ttl: ttl}
	warm, err := lru.NewWithEvict[uint64, *entry](capacity, func(_ uint64, e *entry) {
		_ = e.module.Close(context.Background())
	})
	if err != nil {
		return nil, fmt.Errorf("modulecache: %w", err)
	}
	c.warm = warm
	return c, nil
}

// Get returns a compiled module for wasmBytes, compiling and inserting it
// on first use and reusing the warm entry on every subsequent call with the
// same bytes, even across concurrent callers racing to prime the cache.
func (c *Cache) Get(ctx context.Context, wasmBytes []byte) (wazero.CompiledModule, error) {
	key := xxhash.Sum64(wasmBytes)

	if e, ok := c.warm.Get(key); ok && !c.expired(e) {
		return e.module, nil
	}

	groupKey := strconv.FormatUint(key, 16)
	res, err, _ := c.group.Do(groupKey, func() (any, error) {
		if e, ok := c.warm.Get(key); ok && !c.expired(e) {
			return e, nil
		}
		mod, err := c.runtime.CompileModule(ctx, wasmBytes)
		if err != nil {
			return nil, fmt.Errorf("modulecache: compile: %w", err)
		}
		e := &entry{module: mod, compiled: time.Now()}
		c.warm.Add(key, e)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*entry).module, nil
}

// expired reports whether e has outlived its TTL. A zero TTL disables
// expiry entirely, relying on capacity-based LRU eviction alone.
func (c *Cache) expired(e *entry) bool {
	return c.ttl > 0 && time.Since(e.compiled) > c.ttl
}

// Len reports how many compiled modules are currently warm.
func (c *Cache) Len() int { return c.warm.Len() }

// Close closes every warm compiled module.
func (c *Cache) Close(ctx context.Context) error {
	for _, key := range c.warm.Keys() {
		if e, ok := c.warm.Peek(key); ok {
			_ = e.module.Close(ctx)
		}
	}
	c.warm.Purge()
	return nil
}
