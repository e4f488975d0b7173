package wasmvm

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/Voskan/reflex-wasm-worker/internal/termarena"
)

// KnownBuiltinArities cross-validates table slots that resolve to stdlib
// builtins against their compiled-in declared arity. Populated by callers
// that know which builtins a given module build ships (the paired compiler
// documents this mapping); left empty, no cross-validation is performed.
type KnownBuiltinArities map[uint32]Arity

// abortError is the panic value recovered at the Call boundary when the
// compiled module invokes its imported env.abort — an unrecoverable
// interpreter-internal error, distinct from a Signal/Condition result.
type abortError struct {
	message string
}

func (e *abortError) Error() string { return "wasmvm: module aborted: " + e.message }

// VM is the wazero-backed Instance implementation.
type VM struct {
	mu sync.Mutex

	runtime wazero.Runtime
	module  api.Module

	memory        api.Memory
	evaluateFn    api.Function
	arityFn       api.Function
	endOffsetFn   api.Function // optional: a compiled export reporting current heap end; falls back to memory.Size()
	arities       []Arity
	knownBuiltins KnownBuiltinArities
}

// Options configures instantiation.
type Options struct {
	// GraphRootFactoryExportName, if set, is purity-checked at
	// instantiation time by calling it with a null query token and
	// verifying the returned dependencies pointer is null.
	GraphRootFactoryExportName string
	// KnownBuiltins cross-validates indirect-call arities.
	KnownBuiltins KnownBuiltinArities
	// EndOffsetExportName names an optional zero-arg export returning the
	// interpreter's bump-pointer high-water mark. When empty, EndOffset
	// falls back to the module's current memory size.
	EndOffsetExportName string
}

// Instantiate compiles and instantiates wasmBytes against rt, registers the
// host import module, and validates the required export/global contract.
func Instantiate(ctx context.Context, rt wazero.Runtime, wasmBytes []byte, opts Options) (*VM, error) {
	if err := registerHostModule(ctx, rt); err != nil {
		return nil, err
	}

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("wasmvm: compile: %w", err)
	}

	return InstantiateCompiled(ctx, rt, compiled, opts)
}

// InstantiateCompiled instantiates an already-compiled module against rt,
// sharing a compiled.CompiledModule across many Workers that embed the same
// WASM bytes (see internal/modulecache). It registers the host import module
// and validates the required export/global contract exactly as Instantiate
// does.
func InstantiateCompiled(ctx context.Context, rt wazero.Runtime, compiled wazero.CompiledModule, opts Options) (*VM, error) {
	if err := registerHostModule(ctx, rt); err != nil {
		return nil, err
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		return nil, fmt.Errorf("wasmvm: instantiate: %w", err)
	}

	vm := &VM{runtime: rt, module: mod, knownBuiltins: opts.KnownBuiltins}

	vm.memory = mod.Memory()
	if vm.memory == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingExport, ExportMemory)
	}

	vm.evaluateFn = mod.ExportedFunction(ExportEvaluate)
	if vm.evaluateFn == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingExport, ExportEvaluate)
	}

	vm.arityFn = mod.ExportedFunction(ExportIndirectFunctionArity)
	if vm.arityFn == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingExport, ExportIndirectFunctionArity)
	}

	if _, ok := mod.ExportedGlobal(GlobalCache).(api.Global); !ok {
		if mod.ExportedGlobal(GlobalCache) == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingGlobal, GlobalCache)
		}
	}

	if opts.EndOffsetExportName != "" {
		vm.endOffsetFn = mod.ExportedFunction(opts.EndOffsetExportName)
	}

	if err := vm.buildArityTable(ctx, mod); err != nil {
		_ = mod.Close(ctx)
		return nil, err
	}

	if opts.GraphRootFactoryExportName != "" {
		if err := vm.checkFactoryPurity(ctx, opts.GraphRootFactoryExportName); err != nil {
			_ = mod.Close(ctx)
			return nil, err
		}
	}

	return vm, nil
}

// buildArityTable calls __indirect_function_arity for every slot in
// __indirect_function_table and cross-validates against known builtins.
func (vm *VM) buildArityTable(ctx context.Context, mod api.Module) error {
	size, err := vm.tableSize(ctx, mod)
	if err != nil {
		return err
	}

	vm.arities = make([]Arity, size)
	for i := uint32(0); i < size; i++ {
		res, err := vm.arityFn.Call(ctx, uint64(i))
		if err != nil {
			return fmt.Errorf("wasmvm: %s(%d): %w", ExportIndirectFunctionArity, i, err)
		}
		if len(res) < 2 {
			return fmt.Errorf("wasmvm: %s returned %d results, want 2", ExportIndirectFunctionArity, len(res))
		}
		a := Arity{NumPositional: int(res[0]), HasVariadic: res[1] != 0}
		vm.arities[i] = a

		if known, ok := vm.knownBuiltins[i]; ok && known != a {
			return fmt.Errorf("%w: slot %d: have %+v, want %+v", ErrInvalidFunctionTableArityLookup, i, a, known)
		}
	}
	return nil
}

// tableSize resolves the length of __indirect_function_table by calling a
// zero-arg __indirect_function_table_size export; the table object itself
// is not inspected. A module without that export fails with
// ErrMissingExport.
func (vm *VM) tableSize(ctx context.Context, mod api.Module) (uint32, error) {
	fn := mod.ExportedFunction("__indirect_function_table_size")
	if fn == nil {
		// Fall back to a conservative single-slot probe loop is not
		// viable without a size export; require modules to publish it.
		return 0, fmt.Errorf("%w: __indirect_function_table_size", ErrMissingExport)
	}
	res, err := fn.Call(ctx)
	if err != nil {
		return 0, fmt.Errorf("wasmvm: __indirect_function_table_size: %w", err)
	}
	return uint32(res[0]), nil
}

// checkFactoryPurity calls the named export with a null query token and
// verifies the reported dependencies pointer (the second result word) is
// null, per the module contract's purity requirement.
func (vm *VM) checkFactoryPurity(ctx context.Context, name string) error {
	fn := vm.module.ExportedFunction(name)
	if fn == nil {
		return fmt.Errorf("%w: %s", ErrMissingExport, name)
	}
	res, err := fn.Call(ctx, uint64(termarena.NullPointer))
	if err != nil {
		return fmt.Errorf("wasmvm: %s: %w", name, err)
	}
	if len(res) >= 2 && res[1] != 0 {
		return fmt.Errorf("%w: %s", ErrImpureModuleEntryPoint, name)
	}
	return nil
}

func (vm *VM) Call(ctx context.Context, name string, args ...uint64) (res []uint64, err error) {
	fn := vm.module.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingExport, name)
	}
	return vm.callFn(ctx, fn, args...)
}

func (vm *VM) CallTableIndex(ctx context.Context, index uint32, args ...uint64) ([]uint64, error) {
	if int(index) >= len(vm.arities) {
		return nil, fmt.Errorf("wasmvm: table index %d out of range (%d slots)", index, len(vm.arities))
	}
	fn := vm.module.ExportedFunction(fmt.Sprintf("__indirect_call_%d", index))
	if fn == nil {
		return nil, fmt.Errorf("%w: __indirect_call_%d", ErrMissingExport, index)
	}
	return vm.callFn(ctx, fn, args...)
}

func (vm *VM) callFn(ctx context.Context, fn api.Function, args ...uint64) (res []uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			if ae, ok := r.(*abortError); ok {
				err = ae
				return
			}
			panic(r)
		}
	}()
	res, err = fn.Call(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("wasmvm: call trapped: %w", err)
	}
	return res, nil
}

func (vm *VM) GetGlobal(name string) (uint64, bool) {
	g := vm.module.ExportedGlobal(name)
	if g == nil {
		return 0, false
	}
	return g.Get(), true
}

func (vm *VM) SetGlobal(name string, value uint64) bool {
	g := vm.module.ExportedGlobal(name)
	mg, ok := g.(api.MutableGlobal)
	if !ok {
		return false
	}
	mg.Set(value)
	return true
}

func (vm *VM) Data() []byte {
	buf, ok := vm.memory.Read(0, vm.memory.Size())
	if !ok {
		return nil
	}
	return buf
}

func (vm *VM) DataMut() []byte { return vm.Data() }

func (vm *VM) EndOffset() termarena.Pointer {
	if vm.endOffsetFn != nil {
		if res, err := vm.endOffsetFn.Call(context.Background()); err == nil && len(res) > 0 {
			return termarena.Pointer(uint32(res[0]))
		}
	}
	return termarena.Pointer(vm.memory.Size())
}

func (vm *VM) IndirectFunctionArity() []Arity { return vm.arities }

func (vm *VM) Close(ctx context.Context) error {
	return vm.module.Close(ctx)
}
