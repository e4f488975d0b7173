package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/Voskan/reflex-wasm-worker/internal/evalcache"
	"github.com/Voskan/reflex-wasm-worker/internal/serializer"
	"github.com/Voskan/reflex-wasm-worker/internal/term"
	"github.com/Voskan/reflex-wasm-worker/internal/termarena"
	"github.com/Voskan/reflex-wasm-worker/internal/wasmvm"
)

// lifecycleState is the Uninitialized|Initialized|Error state machine §4.6
// describes. It never transitions back from Error: only an Init failure
// enters it, and an Init failure is terminal for the worker's lifetime.
type lifecycleState uint8

const (
	stateUninitialized lifecycleState = iota
	stateInitialized
	stateError
)

// Worker is the actor owning one WASM interpreter instance, its arena, and
// the evaluation cache / dependency graph built on top of it. A Worker is
// not safe for concurrent Handle* calls: it models a single-threaded actor,
// not a mutex-guarded shared resource — see the concurrency note in
// SPEC_FULL.md §5.
type Worker struct {
	cfg     *config
	runtime wazero.Runtime

	state    lifecycleState
	errReason error

	cacheKey evalcache.CacheKey
	vm       wasmvm.Instance
	arena    *termarena.Arena

	entryPoint          termarena.Pointer
	initialHeapSnapshot []byte

	invalidation     *evalcache.Metadata
	stateValues      map[StateKey]termarena.Pointer
	hasEvaluatedOnce bool
	stateIndex       uint64
	latestResult     Result
	latestDepsPtr    termarena.Pointer

	metrics metricsSink
	inFlight atomic.Bool
}

// New constructs an uninitialized Worker. Call HandleInit before any other
// Handle* method.
func New(runtime wazero.Runtime, opts ...Option) (*Worker, error) {
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Worker{
		cfg:         cfg,
		runtime:     runtime,
		state:       stateUninitialized,
		stateValues: make(map[StateKey]termarena.Pointer),
		metrics:     newMetricsSink(cfg.metricNames, cfg.registry),
	}, nil
}

// guard enters a non-reentrancy check for the duration of one Handle* call.
// Violations only panic under the reflexdebug build tag (see guard_debug.go
// / guard_release.go); in release builds this is a cheap no-op flag flip so
// the actor's single-threaded contract costs nothing on the hot path.
func (w *Worker) guard() func() {
	return guardEnter(&w.inFlight)
}

// HandleInit compiles and instantiates msg.Bytes, resolves the module
// contract's required exports/global, computes the graph root via the
// configured factory export, and builds the initial InvalidationMetadata.
// A failure here transitions the worker permanently to the Error state;
// every subsequent Handle* call returns ErrTerminalError.
func (w *Worker) HandleInit(ctx context.Context, msg InitMessage) error {
	defer w.guard()()

	if w.state == stateError {
		return fmt.Errorf("%w: %v", ErrTerminalError, w.errReason)
	}

	start := time.Now()
	if err := w.doInit(ctx, msg); err != nil {
		w.state = stateError
		w.errReason = err
		w.cfg.logger.Error("worker init failed", zap.Error(err), zap.Uint64("cache_key", uint64(msg.CacheKey)))
		return err
	}
	w.metrics.observeCompile(time.Since(start))
	w.state = stateInitialized
	return nil
}

func (w *Worker) doInit(ctx context.Context, msg InitMessage) error {
	opts := wasmvm.Options{GraphRootFactoryExportName: w.cfg.graphRootFactoryExportName}

	var vm wasmvm.Instance
	var err error
	if w.cfg.moduleCache != nil {
		compiled, cerr := w.cfg.moduleCache.Get(ctx, msg.Bytes)
		if cerr != nil {
			return cerr
		}
		vm, err = wasmvm.InstantiateCompiled(ctx, w.runtime, compiled, opts)
	} else {
		vm, err = wasmvm.Instantiate(ctx, w.runtime, msg.Bytes, opts)
	}
	if err != nil {
		return err
	}

	w.vm = vm
	w.cacheKey = msg.CacheKey
	w.arena = termarena.New(vm.Data(), vm.EndOffset())
	w.initialHeapSnapshot = append([]byte(nil), w.arena.Bytes()...)

	res, err := vm.Call(ctx, w.cfg.graphRootFactoryExportName, uint64(termarena.NullPointer))
	if err != nil {
		return fmt.Errorf("worker: graph root factory: %w", err)
	}
	if len(res) < 1 {
		return fmt.Errorf("worker: graph root factory returned no result")
	}
	w.entryPoint = termarena.Pointer(uint32(res[0]))

	cache, err := w.readCache()
	if err != nil {
		return err
	}
	meta, err := evalcache.Rebuild(w.arena, cache, w.cfg.maxGraphNodes)
	if err != nil {
		return err
	}
	w.invalidation = meta
	return nil
}

// checkReady enforces the lifecycle/cache-key rules every Handle* call
// shares: not-yet-initialized and terminal-error are hard errors; a
// mismatched cache key is silently ignored, returning ErrMismatchedCacheKey
// so the caller can choose to drop the message without logging it as a
// fault.
func (w *Worker) checkReady(msgKey evalcache.CacheKey) error {
	switch w.state {
	case stateUninitialized:
		return ErrUninitialized
	case stateError:
		return fmt.Errorf("%w: %v", ErrTerminalError, w.errReason)
	}
	if msgKey != w.cacheKey {
		return ErrMismatchedCacheKey
	}
	return nil
}

// readCache re-reads the live EvaluationCache via the current __cache
// global value.
func (w *Worker) readCache() (evalcache.Cache, error) {
	raw, ok := w.vm.GetGlobal(wasmvm.GlobalCache)
	if !ok {
		return evalcache.Cache{}, wasmvm.ErrMissingGlobal
	}
	return evalcache.ReadCache(w.arena, termarena.Pointer(uint32(raw)))
}

// HandleEvaluate runs the nine-step Evaluate sequence §4.6.1 describes:
// import state, invalidate affected cache entries, build the state
// Hashmap, call the compiled evaluate export, parse the result and its
// dependencies, and refresh the dependency graph.
func (w *Worker) HandleEvaluate(ctx context.Context, msg EvaluateMessage) (ResultMessage, error) {
	defer w.guard()()

	if err := w.checkReady(msg.CacheKey); err != nil {
		return ResultMessage{}, err
	}

	start := time.Now()

	changedKeys, err := w.importStateUpdates(msg.StateUpdates)
	if err != nil {
		return ResultMessage{}, fmt.Errorf("worker: import state updates: %w", err)
	}

	if w.hasEvaluatedOnce && len(changedKeys) > 0 {
		if err := w.invalidateChanged(changedKeys); err != nil {
			return ResultMessage{}, fmt.Errorf("worker: invalidate: %w", err)
		}
	}

	stateHashmapPtr, err := buildStateHashmap(w.arena, w.stateValues)
	if err != nil {
		return ResultMessage{}, fmt.Errorf("worker: build state hashmap: %w", err)
	}

	preEvalEnd := w.arena.EndOffset()

	res, callErr := w.vm.Call(ctx, wasmvm.ExportEvaluate, uint64(w.entryPoint), uint64(stateHashmapPtr))
	if callErr != nil {
		result := syntheticErrorResult(callErr)
		w.maybeDumpHeap(msg, preEvalEnd, result)
		return ResultMessage{
			CacheKey:   msg.CacheKey,
			StateIndex: msg.StateIndex,
			Result:     result,
			Statistics: Statistics{HeapBytesBefore: uint32(preEvalEnd), HeapBytesAfter: uint32(preEvalEnd)},
		}, nil
	}

	resultPtr := termarena.Pointer(uint32(res[0]))
	var depsPtr termarena.Pointer
	if len(res) > 1 {
		depsPtr = termarena.Pointer(uint32(res[1]))
	}

	cache, err := w.readCache()
	if err != nil {
		return ResultMessage{}, err
	}

	resultDeps, err := evalcache.CollectStateDependencies(w.arena, depsPtr, cache.DepsLookup())
	if err != nil {
		return ResultMessage{}, err
	}

	isSignal, conditions, err := parseSignal(w.arena, resultPtr)
	if err != nil {
		return ResultMessage{}, err
	}

	if err := w.refreshInvalidation(cache); err != nil {
		return ResultMessage{}, err
	}

	result := Result{Pointer: resultPtr, IsSignal: isSignal, Conditions: conditions, Dependencies: resultDeps}
	w.latestResult = result
	w.latestDepsPtr = depsPtr
	w.hasEvaluatedOnce = true
	w.stateIndex = msg.StateIndex

	w.maybeDumpHeap(msg, preEvalEnd, result)
	w.metrics.observeEvaluate(time.Since(start))

	return ResultMessage{
		CacheKey:   msg.CacheKey,
		StateIndex: msg.StateIndex,
		Result:     result,
		Statistics: Statistics{
			HeapBytesBefore: uint32(preEvalEnd),
			HeapBytesAfter:  uint32(w.arena.EndOffset()),
			CacheEntries:    cache.NumEntries,
		},
	}, nil
}

// importStateUpdates migrates every incoming state value into the worker's
// own arena via the term serializer, recording each under its StateKey, and
// returns the set of keys that changed.
func (w *Worker) importStateUpdates(updates map[StateKey]StateValue) ([]StateKey, error) {
	if len(updates) == 0 {
		return nil, nil
	}
	ser := serializer.NewState()
	changed := make([]StateKey, 0, len(updates))
	for key, sv := range updates {
		srcArena := termarena.New(sv.Bytes, termarena.Pointer(len(sv.Bytes)))
		dstPtr, err := ser.Copy(srcArena, w.arena, sv.Root)
		if err != nil {
			return nil, err
		}
		w.stateValues[key] = dstPtr
		changed = append(changed, key)
	}
	return changed, nil
}

// invalidateChanged clears every cache bucket the changed state keys
// transitively invalidate, both in the host-side Graph and in the live
// WASM heap.
func (w *Worker) invalidateChanged(changedKeys []StateKey) error {
	evicted, err := w.invalidation.Invalidate(w.arena, w.invalidation.CellOffset, changedKeys)
	if err != nil {
		return err
	}
	if len(evicted) == 0 {
		return nil
	}
	cache, err := w.readCache()
	if err != nil {
		return err
	}
	return evalcache.ClearEvicted(w.arena, cache, evicted)
}

// refreshInvalidation either rebuilds the dependency graph from scratch
// (the cache cell was reallocated) or folds in dependency trees for any
// newly occupied bucket since the last read.
func (w *Worker) refreshInvalidation(cache evalcache.Cache) error {
	if cache.CellOffset != w.invalidation.CellOffset {
		meta, err := evalcache.Rebuild(w.arena, cache, w.cfg.maxGraphNodes)
		if err != nil {
			return err
		}
		w.invalidation = meta
		return nil
	}

	lookup := cache.DepsLookup()
	for _, b := range cache.Buckets {
		if w.invalidation.Graph.HasNode(evalcache.CacheNode(b.Key)) {
			continue
		}
		sub, err := evalcache.ParseDependencyTree(w.arena, b.Key, b.Deps, lookup)
		if err != nil {
			return err
		}
		sub.MergeInto(w.invalidation.Graph)
	}
	return nil
}

// maybeDumpHeap persists the worker's current heap bytes to cfg.snapshotStore
// if cfg.heapDumpPolicy covers this result, per §4.6.3. preEvalEnd is
// accepted for parity with the call site's bookkeeping but the dump always
// captures the heap as it stands when this is called (post-eval-attempt),
// since a postmortem needs to see whatever the interpreter left behind.
func (w *Worker) maybeDumpHeap(msg EvaluateMessage, preEvalEnd termarena.Pointer, result Result) {
	isQuery := w.cfg.evaluationMode == ModeQuery
	if !w.cfg.heapDumpPolicy.ShouldDump(w.cfg.evaluationMode, isQuery, result) {
		return
	}

	descriptor := "result"
	switch {
	case result.IsSignal && hasConditionKind(result.Conditions, ConditionError):
		descriptor = "error"
	case result.IsSignal && hasConditionKind(result.Conditions, ConditionPending):
		descriptor = "pending"
	case result.IsSignal:
		descriptor = "signal"
	}

	name := DumpName(msg.CacheKey, msg.StateIndex, w.cfg.graphRootFactoryExportName, descriptor)
	data := append([]byte(nil), w.arena.Bytes()...)
	if err := w.cfg.snapshotStore.Put(name, data); err != nil {
		w.cfg.logger.Error("heap dump failed", zap.Error(err), zap.String("name", name))
	}
}

// HandleGc compacts the worker's heap per §4.5, delegating to gc.go. A
// stale GcMessage (StateIndex older than the last one observed) is a
// no-op: *StaleGc is returned so the caller can distinguish it from a real
// failure without treating it as one.
func (w *Worker) HandleGc(ctx context.Context, msg GcMessage) (GcCompleteMessage, error) {
	defer w.guard()()

	if err := w.checkReady(msg.CacheKey); err != nil {
		return GcCompleteMessage{}, err
	}
	if msg.StateIndex < w.stateIndex {
		return GcCompleteMessage{}, &StaleGc{Requested: msg.StateIndex, Current: w.stateIndex}
	}

	start := time.Now()
	stats, err := w.runGc(ctx)
	if err != nil {
		return GcCompleteMessage{}, err
	}
	w.metrics.observeGc(time.Since(start))

	return GcCompleteMessage{CacheKey: msg.CacheKey, Statistics: stats}, nil
}

// LatestResult exposes the most recent successful Evaluate outcome, used by
// Gc to determine which terms are still live.
func (w *Worker) LatestResult() Result { return w.latestResult }

// Close releases the underlying WASM runtime resources.
func (w *Worker) Close(ctx context.Context) error {
	if w.vm == nil {
		return nil
	}
	return w.vm.Close(ctx)
}

// buildStateHashmap allocates the Hashmap term evaluate expects as its
// state argument: parallel Lists of synthesized key-identity Condition
// terms and their associated values. Returns NullPointer for an empty map,
// per the "empty state_values" boundary behaviour.
func buildStateHashmap(a *termarena.Arena, values map[StateKey]termarena.Pointer) (termarena.Pointer, error) {
	if len(values) == 0 {
		return termarena.NullPointer, nil
	}

	keys := make([]termarena.Pointer, 0, len(values))
	vals := make([]termarena.Pointer, 0, len(values))
	for k, v := range values {
		kp, err := allocKeyCondition(a, k)
		if err != nil {
			return termarena.NullPointer, err
		}
		keys = append(keys, kp)
		vals = append(vals, v)
	}

	keysList, err := allocPointerList(a, term.TagList, keys)
	if err != nil {
		return termarena.NullPointer, err
	}
	valsList, err := allocPointerList(a, term.TagList, vals)
	if err != nil {
		return termarena.NullPointer, err
	}

	size := 8
	ptr, err := a.Allocate(uint32(term.PayloadOffset + size))
	if err != nil {
		return termarena.NullPointer, err
	}
	hash := term.HashChildren(term.TagHashmap, []uint64{mustContentHash(a, keysList), mustContentHash(a, valsList)})
	if err := term.WriteHeader(a, ptr, term.Header{Tag: term.TagHashmap, ContentHash: hash}); err != nil {
		return termarena.NullPointer, err
	}
	payload := ptr + term.PayloadOffset
	if err := a.WritePointer(payload, keysList); err != nil {
		return termarena.NullPointer, err
	}
	if err := a.WritePointer(payload+4, valsList); err != nil {
		return termarena.NullPointer, err
	}
	return ptr, nil
}

// allocKeyCondition synthesizes a Condition term whose content hash is
// forced to equal key's own value: the worker already knows the identity
// this key must carry (it is the content hash the compiled code originally
// assigned the client's state-token condition), so it recreates a
// zero-payload placeholder under that exact identity rather than
// re-deriving the hash from scratch.
func allocKeyCondition(a *termarena.Arena, key StateKey) (termarena.Pointer, error) {
	ptr, err := a.Allocate(uint32(term.PayloadOffset + 4))
	if err != nil {
		return termarena.NullPointer, err
	}
	if err := term.WriteHeader(a, ptr, term.Header{Tag: term.TagCondition, ContentHash: uint64(key)}); err != nil {
		return termarena.NullPointer, err
	}
	if err := a.WritePointer(ptr+term.PayloadOffset, termarena.NullPointer); err != nil {
		return termarena.NullPointer, err
	}
	return ptr, nil
}

func allocPointerList(a *termarena.Arena, tag term.Tag, children []termarena.Pointer) (termarena.Pointer, error) {
	size := 4 + 4*len(children)
	ptr, err := a.Allocate(uint32(term.PayloadOffset + size))
	if err != nil {
		return termarena.NullPointer, err
	}
	hashes := make([]uint64, len(children))
	for i, c := range children {
		hashes[i] = mustContentHash(a, c)
	}
	h := term.Header{Tag: tag, ContentHash: term.HashChildren(tag, hashes)}
	if err := term.WriteHeader(a, ptr, h); err != nil {
		return termarena.NullPointer, err
	}
	payload := ptr + term.PayloadOffset
	if err := a.WriteUint32(payload, uint32(len(children))); err != nil {
		return termarena.NullPointer, err
	}
	for i, c := range children {
		if err := a.WritePointer(payload+4+termarena.Pointer(i*4), c); err != nil {
			return termarena.NullPointer, err
		}
	}
	return ptr, nil
}

func mustContentHash(a *termarena.Arena, ptr termarena.Pointer) uint64 {
	h, err := term.ReadHeader(a, ptr)
	if err != nil {
		return 0
	}
	return h.ContentHash
}

// parseSignal inspects resultPtr's header to determine whether the evaluate
// call produced a Signal and, if so, reads its condition list. A Signal's
// single child is a List of Condition terms (never the bare Condition
// itself); each is read via term.ReadCondition and translated into the
// host-facing Condition, dropping any Custom condition whose effect type is
// the internal reflex::cache bookkeeping marker.
func parseSignal(a *termarena.Arena, resultPtr termarena.Pointer) (bool, []Condition, error) {
	h, err := term.ReadHeader(a, resultPtr)
	if err != nil {
		return false, nil, err
	}
	if h.Tag != term.TagSignal {
		return false, nil, nil
	}

	signalChildren, err := term.ChildrenOf(a, resultPtr)
	if err != nil {
		return false, nil, err
	}
	if len(signalChildren) == 0 || signalChildren[0].IsNull() {
		return true, nil, nil
	}

	condPtrs, err := term.ChildrenOf(a, signalChildren[0])
	if err != nil {
		return false, nil, err
	}

	conditions := make([]Condition, 0, len(condPtrs))
	for _, cp := range condPtrs {
		if cp.IsNull() {
			continue
		}
		cond, err := parseCondition(a, cp)
		if err != nil {
			return false, nil, err
		}
		if cond == nil {
			continue
		}
		conditions = append(conditions, *cond)
	}
	return true, conditions, nil
}

// parseCondition reads one Condition term's payload and translates it into
// the host-facing Condition, or returns a nil Condition to signal that ptr
// is a cache-dependency condition (reflex::cache) that must not leave the
// worker.
func parseCondition(a *termarena.Arena, ptr termarena.Pointer) (*Condition, error) {
	payload, err := term.ReadCondition(a, ptr)
	if err != nil {
		return nil, err
	}

	switch payload.Kind {
	case term.ConditionKindPending:
		return &Condition{Kind: ConditionPending}, nil
	case term.ConditionKindError:
		msg, err := readConditionMessage(a, payload.Payload)
		if err != nil {
			return nil, err
		}
		return &Condition{Kind: ConditionError, Message: msg}, nil
	default:
		effectType, err := readConditionMessage(a, payload.EffectType)
		if err != nil {
			return nil, err
		}
		if effectType == term.CacheEffectType {
			return nil, nil
		}
		return &Condition{Kind: ConditionCustom, Message: effectType}, nil
	}
}

// readConditionMessage reads a String/Symbol term's text, returning "" for a
// null pointer (a Pending condition's Error-shaped field, or a Custom
// condition with no payload).
func readConditionMessage(a *termarena.Arena, ptr termarena.Pointer) (string, error) {
	if ptr.IsNull() {
		return "", nil
	}
	data, err := term.ReadVariableBytes(a, ptr)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// syntheticErrorResult builds the error Signal §7 requires evaluate to
// surface in its Result when the interpreter call itself fails (a trap or
// an env.abort), without transitioning the worker into its terminal Error
// state — only Init failures do that.
func syntheticErrorResult(callErr error) Result {
	return Result{
		IsSignal:   true,
		Conditions: []Condition{{Kind: ConditionError, Message: callErr.Error()}},
	}
}
