// Package wasmvm wraps a single compiled interpreter module: table-indirect
// calls, typed heap access, and global lookup. It knows nothing about terms,
// caches, or dependency graphs — those live in internal/term, internal/
// evalcache and pkg/worker. pkg/worker depends on the small Instance
// interface defined here so it can be exercised against a fake in tests
// without instantiating a real WASM runtime.
//
// © 2025 reflex-wasm-worker authors. MIT License.
package wasmvm

import (
	"context"
	"errors"

	"github.com/Voskan/reflex-wasm-worker/internal/termarena"
)

// Required export and global names, per the module contract every paired
// compiler output must satisfy.
const (
	ExportMemory                 = "memory"
	ExportIndirectFunctionTable  = "__indirect_function_table"
	ExportIndirectFunctionArity  = "__indirect_function_arity"
	ExportEvaluate               = "evaluate"
	GlobalCache                  = "__cache"
)

var (
	// ErrMissingExport is returned when a required export is absent from
	// the module.
	ErrMissingExport = errors.New("wasmvm: required export missing")
	// ErrMissingGlobal is returned when the __cache global is absent.
	ErrMissingGlobal = errors.New("wasmvm: required global missing")
	// ErrImpureModuleEntryPoint is returned when a graph-root factory
	// export returns a non-null dependencies pointer: factories must be
	// pure, so any reported dependency is a hard configuration error.
	ErrImpureModuleEntryPoint = errors.New("wasmvm: graph-root factory export is impure")
	// ErrInvalidFunctionTableArityLookup is returned when a table slot
	// that resolves to a known builtin reports an arity inconsistent
	// with that builtin's declared arity.
	ErrInvalidFunctionTableArityLookup = errors.New("wasmvm: indirect function arity mismatch against known builtin")
)

// Arity describes one function-table slot's calling convention, as reported
// by __indirect_function_arity.
type Arity struct {
	NumPositional int
	HasVariadic   bool
}

// Instance is the minimal surface pkg/worker needs from a running
// interpreter. The wazero-backed implementation lives in
// vm.go; tests use a hand-rolled fake satisfying the same interface.
type Instance interface {
	// Call invokes an exported function by name with the given u32/u64
	// arguments packed as uint64, returning its raw result words.
	Call(ctx context.Context, name string, args ...uint64) ([]uint64, error)

	// CallTableIndex invokes a table-indirect function by its index into
	// __indirect_function_table.
	CallTableIndex(ctx context.Context, index uint32, args ...uint64) ([]uint64, error)

	// GetGlobal returns the current value of a named mutable global
	// (used for __cache).
	GetGlobal(name string) (uint64, bool)

	// SetGlobal overwrites a named mutable global.
	SetGlobal(name string, value uint64) bool

	// Data returns a live view of linear memory. Callers must copy
	// anything they need to keep across another Call.
	Data() []byte

	// DataMut returns a writable view of linear memory, sized to the
	// module's current memory.Size(). Same aliasing caveat as Data.
	DataMut() []byte

	// EndOffset reports the interpreter's own notion of heap high-water
	// mark (e.g. a shadow-stack or bump-pointer global the compiled code
	// maintains). Init uses it as the end offset of the worker's arena and
	// of the initial heap snapshot.
	EndOffset() termarena.Pointer

	// IndirectFunctionArity returns the arity table built at
	// instantiation time, indexed by table slot.
	IndirectFunctionArity() []Arity

	// Close releases the underlying runtime resources.
	Close(ctx context.Context) error
}
