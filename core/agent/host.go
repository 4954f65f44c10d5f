package agent

import (
	"context"
	"sync"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/mcp-zero/mcpzero/internal/errs"
)

// WasmHost sandboxes plugin execution behind wasmer-go, the same JIT the
// teacher's HeavyVM wraps for contract execution (virtual_machine.go's
// Execute: NewStore, NewModule, NewInstance, GetFunction). A plugin with
// no loaded module is a capability-only declaration: its ethical check
// always passes and invoke echoes its inputs back unchanged.
type WasmHost struct {
	engine *wasmer.Engine

	mu      sync.Mutex
	modules map[string]*wasmer.Module
}

// NewWasmHost creates a host with a fresh wasmer engine.
func NewWasmHost() *WasmHost {
	return &WasmHost{engine: wasmer.NewEngine(), modules: make(map[string]*wasmer.Module)}
}

// LoadModule compiles a plugin's WASM bytecode once, ahead of any
// execute call referencing pluginID.
func (h *WasmHost) LoadModule(pluginID string, code []byte) error {
	store := wasmer.NewStore(h.engine)
	mod, err := wasmer.NewModule(store, code)
	if err != nil {
		return errs.Wrap(errs.PolicyViolation, "compile plugin module "+pluginID, err)
	}
	h.mu.Lock()
	h.modules[pluginID] = mod
	h.mu.Unlock()
	return nil
}

func (h *WasmHost) instantiate(pluginID string) (*wasmer.Instance, bool, error) {
	h.mu.Lock()
	mod, ok := h.modules[pluginID]
	h.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	instance, err := wasmer.NewInstance(mod, wasmer.NewImportObject())
	if err != nil {
		return nil, true, errs.Wrap(errs.InternalCrypto, "instantiate plugin "+pluginID, err)
	}
	return instance, true, nil
}

// CheckEthical calls the plugin's exported ethical_check() entry point if
// present, treating a zero return as denied.
func (h *WasmHost) CheckEthical(ctx context.Context, pluginID, intent string, inputs, policy map[string]any) (bool, error) {
	instance, loaded, err := h.instantiate(pluginID)
	if err != nil {
		return false, err
	}
	if !loaded {
		return true, nil
	}
	fn, err := instance.Exports.GetFunction("ethical_check")
	if err != nil {
		return true, nil
	}
	verdict, err := fn()
	if err != nil {
		return false, errs.Wrap(errs.PolicyViolation, "ethical_check export failed for "+pluginID, err)
	}
	code, ok := verdict.(int32)
	if !ok {
		return true, nil
	}
	return code != 0, nil
}

// Invoke calls the plugin's exported invoke() entry point if present,
// else echoes inputs back as the result.
func (h *WasmHost) Invoke(ctx context.Context, pluginID, intent string, inputs map[string]any) (map[string]any, error) {
	instance, loaded, err := h.instantiate(pluginID)
	if err != nil {
		return nil, err
	}
	if !loaded {
		return inputs, nil
	}
	fn, err := instance.Exports.GetFunction("invoke")
	if err != nil {
		return inputs, nil
	}
	if _, err := fn(); err != nil {
		return nil, errs.Wrap(errs.InternalCrypto, "invoke export failed for "+pluginID, err)
	}
	return inputs, nil
}
