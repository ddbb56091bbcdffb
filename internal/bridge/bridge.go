// Package bridge implements the synchronous, reentrant, thread-affine
// guest<->host dispatch bridge of spec.md §4.B: handler registration,
// enter_guest, and the pybox_json_rpc status-code protocol (0 success,
// 1 unknown handle, 2 handler exception, 3 host escape).
package bridge

import (
	"errors"
	"log"

	"github.com/s0duku/pybox/internal/wireformat"
)

// Status codes returned to the guest's pybox_json_rpc glue, per spec.md §4.B.
const (
	StatusOK            int32 = 0
	StatusUnknownHandle int32 = 1
	StatusHandlerError  int32 = 2
	StatusHostEscape    int32 = 3
)

// Bridge owns the handler registry and the reentrant engine lock that
// serializes every operation which drives the guest, per spec.md §3
// "Dispatch bridge" and §5.
type Bridge struct {
	registry      *HandlerRegistry
	mu            *reentrantMutex
	pendingEscape *EscapeSignal
}

// New returns an empty Bridge.
func New() *Bridge {
	return &Bridge{
		registry: NewHandlerRegistry(),
		mu:       newReentrantMutex(),
	}
}

// Registry exposes the handler registry for registration/unregistration.
func (b *Bridge) Registry() *HandlerRegistry {
	return b.registry
}

// EnterGuest performs a synchronous call into the guest on the caller's
// goroutine, acquiring the reentrant engine lock for the duration of fn.
// A nested EnterGuest from inside a Handler invoked by fn (reentrancy, per
// spec.md B2) re-acquires the same lock without blocking. If fn's
// execution caused a handler to signal HostEscape, the stored signal is
// returned as fn's error instead of whatever fn itself returned, exactly
// matching the EscapePending -> Idle transition in spec.md's call-frame
// state machine.
func (b *Bridge) EnterGuest(fn func() ([]byte, error)) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	result, err := fn()

	if b.pendingEscape != nil {
		escape := b.pendingEscape
		b.pendingEscape = nil
		return nil, escape
	}
	return result, err
}

// Dispatch is invoked by the guest's RPC glue when it calls
// pybox_json_rpc(handle, ...). It looks up the handler, invokes it on the
// current goroutine (asserting that goroutine is the one that owns the
// enclosing EnterGuest call), and returns the status code and response
// bytes to write back into guest memory.
func (b *Bridge) Dispatch(handle uint32, request []byte) (status int32, response []byte) {
	fn, ok := b.registry.Lookup(handle)
	if !ok {
		return StatusUnknownHandle, nil
	}

	frame := newFrame(handle, request)
	if owner := b.mu.ownerGoID(); owner != 0 && owner != frame.ownerGoID {
		panic("bridge: handler dispatched off the goroutine that entered the guest")
	}

	resp, err := fn(request)
	if err == nil {
		frame.Response = resp
		log.Printf("bridge: frame %s handle=%d status=ok bytes=%d", frame.TraceID, frame.Handle, len(frame.Response))
		return StatusOK, resp
	}

	var escape *EscapeSignal
	if errors.As(err, &escape) {
		frame.EscapeErr = escape
		b.pendingEscape = escape
		log.Printf("bridge: frame %s handle=%d status=escape err=%v", frame.TraceID, frame.Handle, frame.EscapeErr)
		return StatusHostEscape, nil
	}

	excResp, encErr := wireformat.EncodeException(handlerErrorKind(err), err.Error())
	if encErr != nil {
		// Encoding the error itself failed; surface an unknown-handle-shaped
		// failure rather than writing an invalid payload into guest memory.
		return StatusUnknownHandle, nil
	}
	frame.EscapeErr = err
	log.Printf("bridge: frame %s handle=%d status=handlererror err=%v", frame.TraceID, frame.Handle, frame.EscapeErr)
	return StatusHandlerError, excResp
}

// kindNamer lets a Handler attach a Python-exception-style kind name to an
// error, mirroring the "<Kind>: <message>" convention from
// PyBoxJSONRPCHandler._handler_impl. Handlers that don't implement it are
// reported under the generic "HandlerError" kind of spec.md §7.
type kindNamer interface {
	Kind() string
}

func handlerErrorKind(err error) string {
	var named kindNamer
	if errors.As(err, &named) {
		return named.Kind()
	}
	return "HandlerError"
}
