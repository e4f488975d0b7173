package wasmvm

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// hostModuleName is the single import namespace compiled modules may use.
const hostModuleName = "env"

// registerHostModule installs the one host import every compiled module is
// allowed to call: abort, used to signal an unrecoverable interpreter
// fault. Anything a query needs from the outside world arrives through
// evaluate's state Hashmap argument, never through an ad hoc host call, so
// the import surface stays deliberately tiny. It is a no-op when rt already
// has a module named env instantiated, so Instantiate and InstantiateCompiled
// can both call it against the same runtime.
func registerHostModule(ctx context.Context, rt wazero.Runtime) error {
	if rt.Module(hostModuleName) != nil {
		return nil
	}
	_, err := rt.NewHostModuleBuilder(hostModuleName).
		NewFunctionBuilder().
		WithFunc(hostAbort).
		Export("abort").
		Instantiate(ctx)
	return err
}

// hostAbort reads the message the compiled module wants to report and
// panics with an *abortError, recovered at the VM.Call boundary.
func hostAbort(ctx context.Context, mod api.Module, messagePtr, messageLen uint32) {
	message := "aborted"
	if b, ok := mod.Memory().Read(messagePtr, messageLen); ok {
		message = string(b)
	}
	panic(&abortError{message: message})
}
