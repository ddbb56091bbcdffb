// Package memio defines the narrow linear-memory interface shared by the
// snapshot engine and the dispatch bridge, plus adapters onto it.
package memio

// LinearMemory is the subset of wazero's api.Memory that the snapshot
// engine and dispatch bridge need: byte-addressed reads that return a
// write-through view (no copy), and offset writes. Modeled directly on
// github.com/tetratelabs/wazero/api.Memory so a real wazero-backed guest
// satisfies it without an adapter beyond type aliasing (see WazeroMemory).
type LinearMemory interface {
	// Size returns the number of bytes currently available.
	Size() uint32

	// Read returns a write-through view of byteCount bytes at offset, or
	// false if the range is out of bounds. Callers must not retain the
	// slice past a Grow/Write that could reallocate the backing buffer.
	Read(offset, byteCount uint32) ([]byte, bool)

	// Write copies v into the buffer at offset, or returns false if out
	// of bounds.
	Write(offset uint32, v []byte) bool
}
