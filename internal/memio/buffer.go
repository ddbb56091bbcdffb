package memio

// BufferMemory is a plain Go-backed LinearMemory, standing in for a guest's
// linear memory when no real WASM module is instantiated (see
// internal/guestcore.Guest). Grows only explicitly via Grow, mirroring the
// no-implicit-grow contract of wazero's api.Memory.
type BufferMemory struct {
	buf []byte
}

// NewBufferMemory returns a zeroed memory of the given size.
func NewBufferMemory(size uint32) *BufferMemory {
	return &BufferMemory{buf: make([]byte, size)}
}

// Size implements LinearMemory.
func (b *BufferMemory) Size() uint32 {
	return uint32(len(b.buf))
}

// Grow extends the memory by delta bytes, zero-filled, returning the new size.
func (b *BufferMemory) Grow(delta uint32) uint32 {
	b.buf = append(b.buf, make([]byte, delta)...)
	return uint32(len(b.buf))
}

// Read implements LinearMemory.
func (b *BufferMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	end := uint64(offset) + uint64(byteCount)
	if end > uint64(len(b.buf)) {
		return nil, false
	}
	return b.buf[offset:end], true
}

// Write implements LinearMemory.
func (b *BufferMemory) Write(offset uint32, v []byte) bool {
	end := uint64(offset) + uint64(len(v))
	if end > uint64(len(b.buf)) {
		return false
	}
	copy(b.buf[offset:end], v)
	return true
}
