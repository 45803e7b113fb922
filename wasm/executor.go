// Package wasm hosts the wasmer-go sandbox used to prove the WASM execution
// path alive (spec §6 "Boot entry" self-tests) and, more generally, to run
// any niladic, i32-returning exported function from a compiled module —
// the host-code-execution counterpart to elfload's native-applet loader.
package wasm

import (
	"fmt"

	"github.com/wasmerio/wasmer-go/wasmer"
)

// Run compiles wasmBytes, instantiates it with no imports, and calls the
// named niladic export, returning its i32 result.
func Run(wasmBytes []byte, funcName string) (int32, error) {
	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)
	module, err := wasmer.NewModule(store, wasmBytes)
	if err != nil {
		return 0, fmt.Errorf("wasm: compile module: %w", err)
	}
	instance, err := wasmer.NewInstance(module, wasmer.NewImportObject())
	if err != nil {
		return 0, fmt.Errorf("wasm: instantiate module: %w", err)
	}
	fn, err := instance.Exports.GetFunction(funcName)
	if err != nil {
		return 0, fmt.Errorf("wasm: resolve export %q: %w", funcName, err)
	}
	result, err := fn()
	if err != nil {
		return 0, fmt.Errorf("wasm: call %q: %w", funcName, err)
	}
	rc, ok := result.(int32)
	if !ok {
		return 0, fmt.Errorf("wasm: %q returned %T, want int32", funcName, result)
	}
	return rc, nil
}
