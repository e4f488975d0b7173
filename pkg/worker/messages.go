// Package worker implements the worker actor: one long-lived state machine
// per compiled query, owning a WASM interpreter instance, a term arena, and
// the evaluation cache / dependency graph that keeps repeated evaluation
// cheap.
//
// © 2025 reflex-wasm-worker authors. MIT License.
package worker

import (
	"github.com/Voskan/reflex-wasm-worker/internal/evalcache"
	"github.com/Voskan/reflex-wasm-worker/internal/termarena"
)

// StateKey and CacheKey re-export the evalcache identities the message
// contract is phrased in terms of, so callers never need to import
// internal/evalcache directly.
type StateKey = evalcache.StateKey
type CacheKey = evalcache.CacheKey

// StateValue is one imported state update: the encoded bytes of a
// detached-arena term plus the offset of its root within those bytes. The
// worker migrates it into its own arena via the term serializer before use.
type StateValue struct {
	Bytes []byte
	Root  termarena.Pointer
}

// InitMessage asks the worker to compile and instantiate wasmBytes and
// prepare it to serve Evaluate/Gc requests scoped to CacheKey.
type InitMessage struct {
	CacheKey CacheKey
	Bytes    []byte
}

// EvaluateMessage asks an Initialized worker to (re-)evaluate its graph
// root after applying StateUpdates. Messages whose CacheKey does not match
// the worker's are silently ignored, per the message-scoping rule.
type EvaluateMessage struct {
	CacheKey     CacheKey
	StateIndex   uint64
	StateUpdates map[StateKey]StateValue
}

// GcMessage asks an Initialized worker to compact its heap. A GcMessage
// whose StateIndex is older than the last one the worker has seen is
// dropped (state-index monotonicity).
type GcMessage struct {
	CacheKey   CacheKey
	StateIndex uint64
}

// ConditionKind discriminates the category of condition a Signal carries,
// matching the Error/Pending/Custom split §7 assigns different handling to.
type ConditionKind uint8

const (
	ConditionError ConditionKind = iota
	ConditionPending
	ConditionCustom
)

// Condition is one leaf of a Signal result.
type Condition struct {
	Kind    ConditionKind
	Message string
}

// Result is the parsed outcome of one evaluate call: either a plain value
// (IsSignal == false) or a Signal carrying one or more conditions.
type Result struct {
	Pointer      termarena.Pointer
	IsSignal     bool
	Conditions   []Condition
	Dependencies []StateKey
}

// Statistics accompanies every Result/GcComplete message: heap size before
// and after the call and the number of cache entries. Durations are not
// reported here; the worker records them in its own histograms (§6.3
// metric_names).
type Statistics struct {
	HeapBytesBefore uint32
	HeapBytesAfter  uint32
	CacheEntries    uint32
}

// ResultMessage is emitted after a successful Evaluate.
type ResultMessage struct {
	CacheKey   CacheKey
	StateIndex uint64
	Result     Result
	Statistics Statistics
}

// GcCompleteMessage is emitted after a successful Gc.
type GcCompleteMessage struct {
	CacheKey   CacheKey
	Statistics Statistics
}
