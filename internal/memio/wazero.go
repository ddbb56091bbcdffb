package memio

import "github.com/tetratelabs/wazero/api"

// WazeroMemory adapts a real wazero-instantiated module's linear memory to
// LinearMemory, letting the snapshot engine and dispatch bridge operate
// against an actual WASM guest exactly as they do against the in-process
// guest in internal/guestcore.
type WazeroMemory struct {
	mem api.Memory
}

// NewWazeroMemory wraps mem for use as a LinearMemory.
func NewWazeroMemory(mem api.Memory) *WazeroMemory {
	return &WazeroMemory{mem: mem}
}

// Size implements LinearMemory.
func (w *WazeroMemory) Size() uint32 {
	return w.mem.Size()
}

// Read implements LinearMemory.
func (w *WazeroMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	return w.mem.Read(offset, byteCount)
}

// Write implements LinearMemory.
func (w *WazeroMemory) Write(offset uint32, v []byte) bool {
	return w.mem.Write(offset, v)
}
