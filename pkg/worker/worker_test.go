package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/Voskan/reflex-wasm-worker/internal/evalcache"
	"github.com/Voskan/reflex-wasm-worker/internal/term"
	"github.com/Voskan/reflex-wasm-worker/internal/termarena"
	"github.com/Voskan/reflex-wasm-worker/internal/wasmvm"
)

// fakeInstance is a hand-rolled wasmvm.Instance backed by a plain byte
// slice, standing in for a real wazero-instantiated module exactly as
// internal/wasmvm's own doc comment anticipates: pkg/worker depends on the
// Instance interface precisely so it can be driven without a real WASM
// runtime in tests.
type fakeInstance struct {
	mem      []byte
	globals  map[string]uint64
	evaluate func(args []uint64) ([]uint64, error)
	closed   bool
}

func newFakeInstance(mem []byte) *fakeInstance {
	return &fakeInstance{mem: mem, globals: make(map[string]uint64)}
}

func (f *fakeInstance) Call(ctx context.Context, name string, args ...uint64) ([]uint64, error) {
	if name == wasmvm.ExportEvaluate && f.evaluate != nil {
		return f.evaluate(args)
	}
	return nil, errors.New("fakeInstance: unexpected call " + name)
}

func (f *fakeInstance) CallTableIndex(ctx context.Context, index uint32, args ...uint64) ([]uint64, error) {
	return nil, errors.New("fakeInstance: CallTableIndex not supported")
}

func (f *fakeInstance) GetGlobal(name string) (uint64, bool) {
	v, ok := f.globals[name]
	return v, ok
}

func (f *fakeInstance) SetGlobal(name string, value uint64) bool {
	f.globals[name] = value
	return true
}

func (f *fakeInstance) Data() []byte    { return f.mem }
func (f *fakeInstance) DataMut() []byte { return f.mem }

func (f *fakeInstance) EndOffset() termarena.Pointer { return termarena.Pointer(len(f.mem)) }

func (f *fakeInstance) IndirectFunctionArity() []wasmvm.Arity { return nil }

func (f *fakeInstance) Close(ctx context.Context) error {
	f.closed = true
	return nil
}

// newTestWorker builds an Initialized Worker directly (bypassing HandleInit,
// which would require a real compiled module) against a fresh arena backed
// by fake, with an empty evaluation cache already installed.
func newTestWorker(t *testing.T, fake *fakeInstance) (*Worker, *termarena.Arena) {
	t.Helper()
	a := termarena.New(fake.mem, 8) // live region is only the 8-byte null prefix
	globalPtr := buildEmptyCache(t, a, 8)
	fake.globals[wasmvm.GlobalCache] = uint64(globalPtr)

	cfg, err := applyOptions([]Option{WithGraphRootFactoryExportName("graph_root")})
	if err != nil {
		t.Fatal(err)
	}

	w := &Worker{
		cfg:         cfg,
		state:       stateInitialized,
		cacheKey:    CacheKey(1),
		vm:          fake,
		arena:       a,
		stateValues: make(map[StateKey]termarena.Pointer),
		metrics:     noopMetrics{},
	}

	cache, err := w.readCache()
	if err != nil {
		t.Fatal(err)
	}
	meta, err := evalcache.Rebuild(a, cache, cfg.maxGraphNodes)
	if err != nil {
		t.Fatal(err)
	}
	w.invalidation = meta

	return w, a
}

// buildEmptyCache writes a minimal zero-entry EvaluationCache cell and
// returns the PointerTerm address a `__cache` global would hold.
func buildEmptyCache(t *testing.T, a *termarena.Arena, capacity uint32) termarena.Pointer {
	t.Helper()
	cellSize := 8 + int(capacity)*16
	cellPtr, err := a.Allocate(uint32(term.PayloadOffset + cellSize))
	if err != nil {
		t.Fatal(err)
	}
	if err := term.WriteHeader(a, cellPtr, term.Header{Tag: term.TagCell}); err != nil {
		t.Fatal(err)
	}
	payload := cellPtr + term.PayloadOffset
	if err := a.WriteUint32(payload, 0); err != nil {
		t.Fatal(err)
	}
	if err := a.WriteUint32(payload+4, capacity); err != nil {
		t.Fatal(err)
	}

	ptrTermPtr, err := a.Allocate(term.PayloadOffset + 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := term.WriteHeader(a, ptrTermPtr, term.Header{Tag: term.TagCellPointer}); err != nil {
		t.Fatal(err)
	}
	if err := term.WritePointerTerm(a, ptrTermPtr, term.PointerTerm{Target: cellPtr}); err != nil {
		t.Fatal(err)
	}
	return ptrTermPtr
}

func writeIntResult(t *testing.T, a *termarena.Arena, v uint64) termarena.Pointer {
	t.Helper()
	ptr, err := a.Allocate(term.PayloadOffset + 8)
	if err != nil {
		t.Fatal(err)
	}
	if err := term.WriteHeader(a, ptr, term.Header{Tag: term.TagInt, ContentHash: term.HashScalarBytes(term.TagInt, nil)}); err != nil {
		t.Fatal(err)
	}
	if err := a.WriteUint64(ptr+term.PayloadOffset, v); err != nil {
		t.Fatal(err)
	}
	return ptr
}

// writeConditionTerm allocates one Condition term of the given kind, with an
// optional effect-type name (Custom only) and payload string (Error/Custom).
func writeConditionTerm(t *testing.T, a *termarena.Arena, kind term.ConditionKind, effectType, payload string) termarena.Pointer {
	t.Helper()
	var effectPtr, payloadPtr termarena.Pointer
	var err error
	if effectType != "" {
		effectPtr, err = term.WriteSymbol(a, effectType)
		if err != nil {
			t.Fatal(err)
		}
	}
	if payload != "" {
		payloadPtr, err = term.WriteSymbol(a, payload)
		if err != nil {
			t.Fatal(err)
		}
	}
	ptr, err := a.Allocate(term.PayloadOffset + term.ConditionPayloadSize)
	if err != nil {
		t.Fatal(err)
	}
	if err := term.WriteHeader(a, ptr, term.Header{Tag: term.TagCondition, ContentHash: uint64(kind) + 1}); err != nil {
		t.Fatal(err)
	}
	if err := term.WriteCondition(a, ptr, term.ConditionPayload{Kind: kind, EffectType: effectPtr, Payload: payloadPtr}); err != nil {
		t.Fatal(err)
	}
	return ptr
}

// writeSignalResult allocates a Signal wrapping a List of the given
// Condition term pointers (possibly empty, producing a signal with a null
// condition list).
func writeSignalResult(t *testing.T, a *termarena.Arena, conditions ...termarena.Pointer) termarena.Pointer {
	t.Helper()
	var listPtr termarena.Pointer
	if len(conditions) > 0 {
		var err error
		listPtr, err = allocPointerList(a, term.TagList, conditions)
		if err != nil {
			t.Fatal(err)
		}
	}
	ptr, err := a.Allocate(term.PayloadOffset + 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := term.WriteHeader(a, ptr, term.Header{Tag: term.TagSignal}); err != nil {
		t.Fatal(err)
	}
	if err := a.WritePointer(ptr+term.PayloadOffset, listPtr); err != nil {
		t.Fatal(err)
	}
	return ptr
}

func TestHandleEvaluateUninitialized(t *testing.T) {
	w := &Worker{}
	_, err := w.HandleEvaluate(context.Background(), EvaluateMessage{CacheKey: 1})
	if !errors.Is(err, ErrUninitialized) {
		t.Fatalf("err = %v, want ErrUninitialized", err)
	}
}

func TestHandleEvaluateMismatchedCacheKey(t *testing.T) {
	fake := newFakeInstance(make([]byte, 4096))
	w, _ := newTestWorker(t, fake)
	_, err := w.HandleEvaluate(context.Background(), EvaluateMessage{CacheKey: 99})
	if !errors.Is(err, ErrMismatchedCacheKey) {
		t.Fatalf("err = %v, want ErrMismatchedCacheKey", err)
	}
}

func TestHandleEvaluatePlainResult(t *testing.T) {
	fake := newFakeInstance(make([]byte, 4096))
	w, a := newTestWorker(t, fake)

	resultPtr := writeIntResult(t, a, 42)
	fake.evaluate = func(args []uint64) ([]uint64, error) {
		return []uint64{uint64(resultPtr), uint64(termarena.NullPointer)}, nil
	}

	msg, err := w.HandleEvaluate(context.Background(), EvaluateMessage{CacheKey: 1, StateIndex: 1})
	if err != nil {
		t.Fatal(err)
	}
	if msg.Result.IsSignal {
		t.Fatal("expected a plain (non-signal) result")
	}
	if msg.Result.Pointer != resultPtr {
		t.Fatalf("Result.Pointer = %d, want %d", msg.Result.Pointer, resultPtr)
	}
	if w.LatestResult().Pointer != resultPtr {
		t.Fatal("LatestResult() did not reflect the just-evaluated result")
	}
}

func TestHandleEvaluateSignalResult(t *testing.T) {
	fake := newFakeInstance(make([]byte, 4096))
	w, a := newTestWorker(t, fake)

	cond := writeConditionTerm(t, a, term.ConditionKindPending, "", "")
	resultPtr := writeSignalResult(t, a, cond)
	fake.evaluate = func(args []uint64) ([]uint64, error) {
		return []uint64{uint64(resultPtr), uint64(termarena.NullPointer)}, nil
	}

	msg, err := w.HandleEvaluate(context.Background(), EvaluateMessage{CacheKey: 1, StateIndex: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !msg.Result.IsSignal {
		t.Fatal("expected a signal result")
	}
	if len(msg.Result.Conditions) != 1 || msg.Result.Conditions[0].Kind != ConditionPending {
		t.Fatalf("Conditions = %v, want one ConditionPending", msg.Result.Conditions)
	}
}

func TestHandleEvaluateSignalResultErrorCondition(t *testing.T) {
	fake := newFakeInstance(make([]byte, 4096))
	w, a := newTestWorker(t, fake)

	cond := writeConditionTerm(t, a, term.ConditionKindError, "", "boom")
	resultPtr := writeSignalResult(t, a, cond)
	fake.evaluate = func(args []uint64) ([]uint64, error) {
		return []uint64{uint64(resultPtr), uint64(termarena.NullPointer)}, nil
	}

	msg, err := w.HandleEvaluate(context.Background(), EvaluateMessage{CacheKey: 1, StateIndex: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.Result.Conditions) != 1 {
		t.Fatalf("Conditions = %v, want exactly one", msg.Result.Conditions)
	}
	got := msg.Result.Conditions[0]
	if got.Kind != ConditionError || got.Message != "boom" {
		t.Fatalf("Conditions[0] = %+v, want ConditionError{boom}", got)
	}
}

func TestHandleEvaluateSignalResultCustomCondition(t *testing.T) {
	fake := newFakeInstance(make([]byte, 4096))
	w, a := newTestWorker(t, fake)

	cond := writeConditionTerm(t, a, term.ConditionKindCustom, "app::retry", "")
	resultPtr := writeSignalResult(t, a, cond)
	fake.evaluate = func(args []uint64) ([]uint64, error) {
		return []uint64{uint64(resultPtr), uint64(termarena.NullPointer)}, nil
	}

	msg, err := w.HandleEvaluate(context.Background(), EvaluateMessage{CacheKey: 1, StateIndex: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.Result.Conditions) != 1 || msg.Result.Conditions[0].Kind != ConditionCustom {
		t.Fatalf("Conditions = %v, want one ConditionCustom", msg.Result.Conditions)
	}
	if msg.Result.Conditions[0].Message != "app::retry" {
		t.Fatalf("Conditions[0].Message = %q, want %q", msg.Result.Conditions[0].Message, "app::retry")
	}
}

func TestHandleEvaluateSignalResultFiltersCacheDependencyCondition(t *testing.T) {
	fake := newFakeInstance(make([]byte, 4096))
	w, a := newTestWorker(t, fake)

	cacheCond := writeConditionTerm(t, a, term.ConditionKindCustom, term.CacheEffectType, "")
	pending := writeConditionTerm(t, a, term.ConditionKindPending, "", "")
	resultPtr := writeSignalResult(t, a, cacheCond, pending)
	fake.evaluate = func(args []uint64) ([]uint64, error) {
		return []uint64{uint64(resultPtr), uint64(termarena.NullPointer)}, nil
	}

	msg, err := w.HandleEvaluate(context.Background(), EvaluateMessage{CacheKey: 1, StateIndex: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.Result.Conditions) != 1 || msg.Result.Conditions[0].Kind != ConditionPending {
		t.Fatalf("Conditions = %v, want the cache-dependency condition filtered out leaving one ConditionPending", msg.Result.Conditions)
	}
}

func TestHandleEvaluateSignalResultEmptyConditionList(t *testing.T) {
	fake := newFakeInstance(make([]byte, 4096))
	w, a := newTestWorker(t, fake)

	resultPtr := writeSignalResult(t, a)
	fake.evaluate = func(args []uint64) ([]uint64, error) {
		return []uint64{uint64(resultPtr), uint64(termarena.NullPointer)}, nil
	}

	msg, err := w.HandleEvaluate(context.Background(), EvaluateMessage{CacheKey: 1, StateIndex: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !msg.Result.IsSignal {
		t.Fatal("expected a signal result")
	}
	if len(msg.Result.Conditions) != 0 {
		t.Fatalf("Conditions = %v, want none", msg.Result.Conditions)
	}
}

func TestHandleEvaluateTrapProducesSyntheticErrorResult(t *testing.T) {
	fake := newFakeInstance(make([]byte, 4096))
	w, _ := newTestWorker(t, fake)

	fake.evaluate = func(args []uint64) ([]uint64, error) {
		return nil, errors.New("boom: trapped")
	}

	msg, err := w.HandleEvaluate(context.Background(), EvaluateMessage{CacheKey: 1, StateIndex: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !msg.Result.IsSignal {
		t.Fatal("a trapped evaluate call should synthesize a signal result")
	}
	if len(msg.Result.Conditions) != 1 || msg.Result.Conditions[0].Kind != ConditionError {
		t.Fatalf("Conditions = %v, want one ConditionError", msg.Result.Conditions)
	}
	if w.state == stateError {
		t.Fatal("a trapped evaluate call must not transition the worker to terminal error state")
	}
}

func TestHandleGcStaleRequest(t *testing.T) {
	fake := newFakeInstance(make([]byte, 4096))
	w, _ := newTestWorker(t, fake)
	w.stateIndex = 5

	_, err := w.HandleGc(context.Background(), GcMessage{CacheKey: 1, StateIndex: 3})
	var stale *StaleGc
	if !errors.As(err, &stale) {
		t.Fatalf("err = %v, want *StaleGc", err)
	}
	if stale.Requested != 3 || stale.Current != 5 {
		t.Fatalf("StaleGc = %+v, want Requested=3 Current=5", stale)
	}
}

func TestHandleGcUninitialized(t *testing.T) {
	w := &Worker{}
	_, err := w.HandleGc(context.Background(), GcMessage{CacheKey: 1})
	if !errors.Is(err, ErrUninitialized) {
		t.Fatalf("err = %v, want ErrUninitialized", err)
	}
}

func TestBuildStateHashmapEmpty(t *testing.T) {
	a := termarena.NewEmpty(64)
	ptr, err := buildStateHashmap(a, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ptr.IsNull() {
		t.Fatalf("buildStateHashmap(empty) = %d, want null", ptr)
	}
}

func TestBuildStateHashmapNonEmpty(t *testing.T) {
	a := termarena.NewEmpty(512)
	valPtr := writeIntResult(t, a, 7)
	ptr, err := buildStateHashmap(a, map[StateKey]termarena.Pointer{StateKey(111): valPtr})
	if err != nil {
		t.Fatal(err)
	}
	if ptr.IsNull() {
		t.Fatal("buildStateHashmap(non-empty) returned null")
	}
	h, err := term.ReadHeader(a, ptr)
	if err != nil {
		t.Fatal(err)
	}
	if h.Tag != term.TagHashmap {
		t.Fatalf("tag = %v, want TagHashmap", h.Tag)
	}
}

func TestImportStateUpdatesMigratesIntoWorkerArena(t *testing.T) {
	fake := newFakeInstance(make([]byte, 4096))
	w, _ := newTestWorker(t, fake)

	srcArena := termarena.NewEmpty(256)
	srcPtr := writeIntResult(t, srcArena, 123)

	updates := map[StateKey]StateValue{
		StateKey(55): {Bytes: srcArena.Bytes(), Root: srcPtr},
	}
	changed, err := w.importStateUpdates(updates)
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 1 || changed[0] != StateKey(55) {
		t.Fatalf("changed = %v, want [55]", changed)
	}
	dstPtr, ok := w.stateValues[StateKey(55)]
	if !ok {
		t.Fatal("state value not recorded")
	}
	v, err := w.arena.ReadUint64(dstPtr + term.PayloadOffset)
	if err != nil {
		t.Fatal(err)
	}
	if v != 123 {
		t.Fatalf("migrated value = %d, want 123", v)
	}
}

func TestImportStateUpdatesEmptyIsNoop(t *testing.T) {
	fake := newFakeInstance(make([]byte, 4096))
	w, _ := newTestWorker(t, fake)
	changed, err := w.importStateUpdates(nil)
	if err != nil {
		t.Fatal(err)
	}
	if changed != nil {
		t.Fatalf("changed = %v, want nil", changed)
	}
}

func TestCloseClosesUnderlyingInstance(t *testing.T) {
	fake := newFakeInstance(make([]byte, 4096))
	w, _ := newTestWorker(t, fake)
	if err := w.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !fake.closed {
		t.Fatal("Close did not close the underlying Instance")
	}
}

func TestCloseNilVMIsNoop(t *testing.T) {
	w := &Worker{}
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close on an uninitialized worker should be a no-op, got %v", err)
	}
}
