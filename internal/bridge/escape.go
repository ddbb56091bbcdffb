package bridge

// EscapeSignal is the HostEscape error kind of spec.md §7: a sentinel
// carrying an arbitrary host-side exception object. When a Handler returns
// one, the bridge does not encode it into the response payload; instead it
// sets the facade-wide "escape pending" state, returns status 3 to the
// guest, and EnterGuest returns this signal itself to the host caller once
// the guest unwinds (see Bridge.EnterGuest); Unwrap yields the original
// error unchanged.
type EscapeSignal struct {
	Err error
}

// NewEscapeSignal wraps err as an escape signal.
func NewEscapeSignal(err error) *EscapeSignal {
	return &EscapeSignal{Err: err}
}

// Error implements error.
func (e *EscapeSignal) Error() string {
	if e.Err == nil {
		return "bridge: host escape"
	}
	return "bridge: host escape: " + e.Err.Error()
}

// Unwrap exposes the original error for errors.As/errors.Is.
func (e *EscapeSignal) Unwrap() error {
	return e.Err
}
