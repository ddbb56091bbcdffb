package bridge

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Handler is a host function reachable from the guest's pybox_json_rpc
// import. It receives the raw request payload and returns either a raw
// response payload or an error. An error of type *EscapeSignal triggers the
// HostEscape path (status 3); any other error is encoded as a normal
// handler exception (status 2) by the caller.
type Handler func(request []byte) ([]byte, error)

// Sentinel errors for handler-registry misuse, per spec.md §7.
var (
	// ErrConflict is returned by RegisterAt when the handle is already taken.
	ErrConflict = errors.New("bridge: handle already registered")
	// ErrUnknownHandler is returned by Unregister for an unassigned handle.
	// (Dispatch reports an unassigned handle as StatusUnknownHandle instead.)
	ErrUnknownHandler = errors.New("bridge: unknown handler")
)

// HandlerRegistry is the dense handle -> Handler mapping of spec.md §3
// "Handler registry". Handles are assigned monotonically starting at zero
// as tools are registered; the source implementation reuses `len(registry)`
// at registration time and never supports unregistration, but per the
// design notes in spec.md §9 ("Handle allocation"), this implementation
// picks monotonic allocation over dense reuse so a guest stub's captured
// handle never silently becomes a different tool after an unregister.
type HandlerRegistry struct {
	handlers map[uint32]Handler
	next     uint32
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[uint32]Handler)}
}

// Register assigns the next monotonic handle to fn and returns it.
func (r *HandlerRegistry) Register(fn Handler) uint32 {
	h := r.next
	r.next++
	r.handlers[h] = fn
	return h
}

// RegisterAt records fn at an explicit handle, failing with ErrConflict if
// that handle is already taken.
func (r *HandlerRegistry) RegisterAt(handle uint32, fn Handler) error {
	if _, exists := r.handlers[handle]; exists {
		return ErrConflict
	}
	r.handlers[handle] = fn
	if handle >= r.next {
		r.next = handle + 1
	}
	return nil
}

// Unregister removes handle, failing with ErrUnknownHandler if absent.
func (r *HandlerRegistry) Unregister(handle uint32) error {
	if _, exists := r.handlers[handle]; !exists {
		return ErrUnknownHandler
	}
	delete(r.handlers, handle)
	return nil
}

// Lookup returns the handler for handle, or ok=false if unassigned.
func (r *HandlerRegistry) Lookup(handle uint32) (Handler, bool) {
	fn, ok := r.handlers[handle]
	return fn, ok
}

// Frame is a per-in-flight-call record, per spec.md §3 "Call frame". Each
// frame is tagged with a UUID (google/uuid, pulled in the same way
// ClusterCockpit-cc-backend and ghjramos-aistore do) so Dispatch's
// diagnostic log lines let concurrent engines' interleaved frames be told
// apart; Response and EscapeErr are filled in by Dispatch once the handler
// returns and are read back by those same log lines.
type Frame struct {
	TraceID   uuid.UUID
	Handle    uint32
	Request   []byte
	Response  []byte
	EscapeErr error
	ownerGoID int64
}

func newFrame(handle uint32, request []byte) *Frame {
	return &Frame{
		TraceID:   uuid.New(),
		Handle:    handle,
		Request:   request,
		ownerGoID: goroutineID(),
	}
}
