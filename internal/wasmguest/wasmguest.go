// Package wasmguest adapts a real wazero-instantiated Python-in-WASM guest
// to the backend interface the root pybox package drives, for callers
// that supply a compiled guest binary implementing spec.md §6's export
// surface instead of using the in-process guest of internal/guestcore (see
// SPEC_FULL.md §1's "Guest realization decision").
//
// Grounded on wazero-dash/dash.go's Dash type: the same compile-once/
// instantiate-per-session shape, the same malloc/free string-marshalling
// helpers, and the same "exported function call with a ptr/len calling
// convention" style, adapted from dash's shell-eval ABI to pybox's
// exec/assign/protect/init_local/init_local_from ABI and with the
// env.__setjmp/__longjmp host import replaced by the single
// env.pybox_json_rpc import of spec.md §4.B.
package wasmguest

import (
	"context"

	"github.com/pkg/errors"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Dispatcher is the host-side callback a Guest routes env.pybox_json_rpc
// through, matching bridge.Bridge.Dispatch's signature exactly so the
// dispatch bridge can drive a real wasm guest without modification.
type Dispatcher func(handle uint32, request []byte) (status int32, response []byte)

// Guest export names, per spec.md §6: "exec, assign, protect, init_local,
// init_local_from entry points ... a linear-memory allocator pair."
const (
	exportMalloc         = "malloc"
	exportFree           = "free"
	exportInit           = "pybox_init"
	exportInitLocal      = "pybox_init_local"
	exportInitLocalFrom  = "pybox_init_local_from"
	exportAssign         = "pybox_assign"
	exportProtect        = "pybox_protect"
	exportExec           = "pybox_exec"
	importModuleName     = "env"
	importFunctionName   = "pybox_json_rpc"
)

// Status codes shared with the ABI's fallible entry points (init_local,
// init_local_from, assign, protect); 0 is always success.
const (
	statusOK = 0
)

// Guest wraps a wazero-instantiated module implementing spec.md §6's guest
// export surface.
type Guest struct {
	runtime wazero.Runtime
	mod     api.Module

	malloc api.Function
	free   api.Function

	fnInit          api.Function
	fnInitLocal     api.Function
	fnInitLocalFrom api.Function
	fnAssign        api.Function
	fnProtect       api.Function
	fnExec          api.Function

	dispatch Dispatcher
}

// Compile compiles wasmBytes for later instantiation, letting callers reuse
// one CompiledModule across many Guest instances (mirrors dash.CompileDash).
func Compile(ctx context.Context, r wazero.Runtime, wasmBytes []byte) (wazero.CompiledModule, error) {
	return r.CompileModule(ctx, wasmBytes)
}

// New instantiates compiled as a guest module, wiring dispatch as the
// implementation of the single host import env.pybox_json_rpc described in
// spec.md §4.B. Call Close when done.
func New(ctx context.Context, r wazero.Runtime, compiled wazero.CompiledModule, config wazero.ModuleConfig, dispatch Dispatcher) (*Guest, error) {
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		return nil, errors.Wrap(err, "wasmguest: instantiate wasi")
	}

	g := &Guest{runtime: r, dispatch: dispatch}

	if _, err := r.NewHostModuleBuilder(importModuleName).
		NewFunctionBuilder().
		WithFunc(g.pyboxJSONRPCHost).
		Export(importFunctionName).
		Instantiate(ctx); err != nil {
		return nil, errors.Wrap(err, "wasmguest: instantiate host module")
	}

	mod, err := r.InstantiateModule(ctx, compiled, config)
	if err != nil {
		return nil, errors.Wrap(err, "wasmguest: instantiate guest module")
	}
	g.mod = mod

	if initFn := mod.ExportedFunction("_initialize"); initFn != nil {
		if _, err := initFn.Call(ctx); err != nil {
			_ = mod.Close(ctx)
			return nil, errors.Wrap(err, "wasmguest: _initialize failed")
		}
	}

	g.malloc = mod.ExportedFunction(exportMalloc)
	g.free = mod.ExportedFunction(exportFree)
	g.fnInit = mod.ExportedFunction(exportInit)
	g.fnInitLocal = mod.ExportedFunction(exportInitLocal)
	g.fnInitLocalFrom = mod.ExportedFunction(exportInitLocalFrom)
	g.fnAssign = mod.ExportedFunction(exportAssign)
	g.fnProtect = mod.ExportedFunction(exportProtect)
	g.fnExec = mod.ExportedFunction(exportExec)

	for name, fn := range map[string]api.Function{
		exportMalloc: g.malloc, exportFree: g.free,
		exportInitLocal: g.fnInitLocal, exportInitLocalFrom: g.fnInitLocalFrom,
		exportAssign: g.fnAssign, exportProtect: g.fnProtect, exportExec: g.fnExec,
	} {
		if fn == nil {
			_ = mod.Close(ctx)
			return nil, errors.Errorf("wasmguest: missing export %q", name)
		}
	}

	if g.fnInit != nil {
		if _, err := g.fnInit.Call(ctx); err != nil {
			_ = mod.Close(ctx)
			return nil, errors.Wrap(err, "wasmguest: pybox_init failed")
		}
	}

	return g, nil
}

// Memory returns the guest's linear memory, for wrapping in
// memio.NewWazeroMemory so the snapshot engine operates on it directly.
func (g *Guest) Memory() api.Memory {
	return g.mod.Memory()
}

// Close releases the guest module.
func (g *Guest) Close(ctx context.Context) error {
	return g.mod.Close(ctx)
}

// pyboxJSONRPCHost implements the env.pybox_json_rpc import of spec.md
// §4.B: (handle, request_ptr, request_len, response_ptr_out,
// response_len_out) -> status. The response is allocated in guest memory
// via the guest's own malloc so its lifetime is owned by the guest, exactly
// as spec.md requires ("response written into guest-allocated memory").
func (g *Guest) pyboxJSONRPCHost(ctx context.Context, mod api.Module, handle uint32, reqPtr, reqLen, respPtrOut, respLenOut uint32) int32 {
	request, ok := mod.Memory().Read(reqPtr, reqLen)
	if !ok {
		return 1
	}
	reqCopy := append([]byte(nil), request...)

	status, response := g.dispatch(handle, reqCopy)
	if len(response) == 0 {
		mod.Memory().WriteUint32Le(respPtrOut, 0)
		mod.Memory().WriteUint32Le(respLenOut, 0)
		return status
	}

	ptr, err := g.allocBytes(ctx, response)
	if err != nil {
		return 1
	}
	mod.Memory().WriteUint32Le(respPtrOut, ptr)
	mod.Memory().WriteUint32Le(respLenOut, uint32(len(response)))
	return status
}

// allocString allocates a string (without a trailing NUL; the ABI passes
// explicit lengths throughout, unlike dash's C-string convention) in guest
// memory via malloc.
func (g *Guest) allocString(ctx context.Context, s string) (uint32, error) {
	return g.allocBytes(ctx, []byte(s))
}

func (g *Guest) allocBytes(ctx context.Context, b []byte) (uint32, error) {
	if len(b) == 0 {
		return 0, nil
	}
	results, err := g.malloc.Call(ctx, uint64(len(b)))
	if err != nil {
		return 0, err
	}
	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, errors.New("wasmguest: malloc returned null")
	}
	if !g.mod.Memory().Write(ptr, b) {
		_, _ = g.free.Call(ctx, uint64(ptr))
		return 0, errors.New("wasmguest: failed to write to guest memory")
	}
	return ptr, nil
}

func (g *Guest) freePtr(ctx context.Context, ptr uint32) {
	if ptr != 0 {
		_, _ = g.free.Call(ctx, uint64(ptr))
	}
}

// readOut reads an (ptr, len) pair that a guest export wrote through two
// out-parameters, copies it host-side, and frees the guest allocation.
func (g *Guest) readOut(ctx context.Context, ptrOut, lenOut uint32) (string, error) {
	ptr, ok := g.mod.Memory().ReadUint32Le(ptrOut)
	if !ok {
		return "", errors.New("wasmguest: failed to read out-pointer")
	}
	n, ok := g.mod.Memory().ReadUint32Le(lenOut)
	if !ok {
		return "", errors.New("wasmguest: failed to read out-length")
	}
	if ptr == 0 || n == 0 {
		return "", nil
	}
	defer g.freePtr(ctx, ptr)
	data, ok := g.mod.Memory().Read(ptr, n)
	if !ok {
		return "", errors.New("wasmguest: failed to read out-buffer")
	}
	return string(data), nil
}

// scratchOutParams allocates two adjacent 4-byte guest-memory cells to
// serve as a call's (ptr_out, len_out) scratch space.
func (g *Guest) scratchOutParams(ctx context.Context) (ptrOut, lenOut uint32, err error) {
	results, err := g.malloc.Call(ctx, 8)
	if err != nil {
		return 0, 0, err
	}
	base := uint32(results[0])
	if base == 0 {
		return 0, 0, errors.New("wasmguest: malloc returned null for scratch")
	}
	return base, base + 4, nil
}

// InitLocal implements the guest ABI operation of the same name (spec.md §4.C).
func (g *Guest) InitLocal(ctx context.Context, id string) error {
	idPtr, err := g.allocString(ctx, id)
	if err != nil {
		return err
	}
	defer g.freePtr(ctx, idPtr)

	results, err := g.fnInitLocal.Call(ctx, uint64(idPtr), uint64(len(id)))
	if err != nil {
		return errors.Wrap(err, "wasmguest: pybox_init_local trapped")
	}
	if int32(results[0]) != statusOK {
		return errors.Errorf("wasmguest: pybox_init_local status %d", int32(results[0]))
	}
	return nil
}

// InitLocalFrom implements the guest ABI operation of the same name.
func (g *Guest) InitLocalFrom(ctx context.Context, childID, parentID string) error {
	childPtr, err := g.allocString(ctx, childID)
	if err != nil {
		return err
	}
	defer g.freePtr(ctx, childPtr)
	parentPtr, err := g.allocString(ctx, parentID)
	if err != nil {
		return err
	}
	defer g.freePtr(ctx, parentPtr)

	results, err := g.fnInitLocalFrom.Call(ctx,
		uint64(childPtr), uint64(len(childID)),
		uint64(parentPtr), uint64(len(parentID)))
	if err != nil {
		return errors.Wrap(err, "wasmguest: pybox_init_local_from trapped")
	}
	if int32(results[0]) != statusOK {
		return errors.Errorf("wasmguest: pybox_init_local_from status %d", int32(results[0]))
	}
	return nil
}

// Assign implements the guest ABI operation of the same name. value is the
// wireformat-JSON-encoded single value (see guestcore's wire encoding for
// the equivalent in-process shape).
func (g *Guest) Assign(ctx context.Context, id, name string, value []byte) error {
	idPtr, err := g.allocString(ctx, id)
	if err != nil {
		return err
	}
	defer g.freePtr(ctx, idPtr)
	namePtr, err := g.allocString(ctx, name)
	if err != nil {
		return err
	}
	defer g.freePtr(ctx, namePtr)
	valPtr, err := g.allocBytes(ctx, value)
	if err != nil {
		return err
	}
	defer g.freePtr(ctx, valPtr)

	results, err := g.fnAssign.Call(ctx,
		uint64(idPtr), uint64(len(id)),
		uint64(namePtr), uint64(len(name)),
		uint64(valPtr), uint64(len(value)))
	if err != nil {
		return errors.Wrap(err, "wasmguest: pybox_assign trapped")
	}
	if int32(results[0]) != statusOK {
		return errors.Errorf("wasmguest: pybox_assign status %d", int32(results[0]))
	}
	return nil
}

// Protect implements the guest ABI operation of the same name.
func (g *Guest) Protect(ctx context.Context, id, name string) error {
	idPtr, err := g.allocString(ctx, id)
	if err != nil {
		return err
	}
	defer g.freePtr(ctx, idPtr)
	namePtr, err := g.allocString(ctx, name)
	if err != nil {
		return err
	}
	defer g.freePtr(ctx, namePtr)

	results, err := g.fnProtect.Call(ctx, uint64(idPtr), uint64(len(id)), uint64(namePtr), uint64(len(name)))
	if err != nil {
		return errors.Wrap(err, "wasmguest: pybox_protect trapped")
	}
	if int32(results[0]) != statusOK {
		return errors.Errorf("wasmguest: pybox_protect status %d", int32(results[0]))
	}
	return nil
}

// Exec implements the guest ABI operation of the same name, returning the
// captured stdout/stderr buffer.
func (g *Guest) Exec(ctx context.Context, id, code string) (string, error) {
	idPtr, err := g.allocString(ctx, id)
	if err != nil {
		return "", err
	}
	defer g.freePtr(ctx, idPtr)
	codePtr, err := g.allocString(ctx, code)
	if err != nil {
		return "", err
	}
	defer g.freePtr(ctx, codePtr)
	ptrOut, lenOut, err := g.scratchOutParams(ctx)
	if err != nil {
		return "", err
	}
	defer g.freePtr(ctx, ptrOut)

	results, err := g.fnExec.Call(ctx,
		uint64(idPtr), uint64(len(id)),
		uint64(codePtr), uint64(len(code)),
		uint64(ptrOut), uint64(lenOut))
	if err != nil {
		return "", errors.Wrap(err, "wasmguest: pybox_exec trapped")
	}
	if int32(results[0]) != statusOK {
		return "", errors.Errorf("wasmguest: pybox_exec status %d", int32(results[0]))
	}
	return g.readOut(ctx, ptrOut, lenOut)
}
