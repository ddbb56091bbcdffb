// Package snapshot implements the block-hashed, copy-on-write linear-memory
// snapshot engine: a base image, a block-hash vector, and a stack of
// checkpoints holding only the blocks that changed since the previous
// capture. Ported from the dirty-block algorithm in
// _examples/original_source/crates/pybox-python/src/snapshot.py, adapted to
// operate over memio.LinearMemory instead of a numpy/wasmtime buffer.
package snapshot

import (
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/s0duku/pybox/internal/memio"
)

// DefaultBlockSize is the default dirty-tracking granularity (16 KiB), per
// spec.md §4.A.
const DefaultBlockSize = 16384

// digestSize is the truncated BLAKE2b digest length used for block hashes.
const digestSize = 16

// Sentinel error kinds, matching spec.md §7.
var (
	// ErrNotReady is returned when CaptureDelta or Restore is called before
	// a base image exists.
	ErrNotReady = errors.New("snapshot: not ready (capture_base required)")
	// ErrOutOfRange is returned for a checkpoint index outside the valid
	// range, or a negative rollback step count.
	ErrOutOfRange = errors.New("snapshot: index out of range")
	// ErrAlreadyCaptured is returned when CaptureBase is called twice
	// without an intervening Reset.
	ErrAlreadyCaptured = errors.New("snapshot: base already captured")
)

// checkpoint is a captured delta relative to the base image and all prior
// checkpoints. Mirrors the Python Checkpoint dataclass.
type checkpoint struct {
	name        string
	dirtyBlocks map[uint32][]byte
	memorySize  uint32
}

func (c *checkpoint) memoryUsage() int {
	n := 0
	for _, b := range c.dirtyBlocks {
		n += len(b)
	}
	return n
}

// Stats summarizes the engine's current state, per spec.md §4.A `stats()`.
type Stats struct {
	BaseSize                    uint32
	BlockSize                   uint32
	TotalBlocks                 int
	NumCheckpoints              int
	TotalDirtyBlocks            int
	CheckpointMemoryUsage       int
	AvgDirtyBlocksPerCheckpoint float64
}

// Engine is the Linear-Memory Snapshot Engine of spec.md §4.A. It is not
// safe for concurrent use; callers serialize access (the pybox.Engine
// facade does so via its own mutex).
type Engine struct {
	blockSize   uint32
	base        []byte
	blockHashes [][digestSize]byte
	checkpoints []*checkpoint
}

// NewEngine constructs a snapshot engine with the given block size. A
// blockSize of 0 selects DefaultBlockSize.
func NewEngine(blockSize uint32) *Engine {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	return &Engine{blockSize: blockSize}
}

func hashBlock(b []byte) [digestSize]byte {
	h, _ := blake2b.New(digestSize, nil)
	h.Write(b)
	var out [digestSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

func numBlocks(size, blockSize uint32) int {
	if size == 0 {
		return 0
	}
	return int((uint64(size) + uint64(blockSize) - 1) / uint64(blockSize))
}

func blockRange(i int, blockSize, total uint32) (start, end uint32) {
	start = uint32(i) * blockSize
	end = start + blockSize
	if end > total {
		end = total
	}
	return
}

// CaptureBase deep-copies mem's entire linear memory as the base image and
// computes the initial block-hash vector. Fails with ErrAlreadyCaptured if
// a base already exists; call Reset first to recapture.
func (e *Engine) CaptureBase(mem memio.LinearMemory) (uint32, error) {
	if e.base != nil {
		return 0, ErrAlreadyCaptured
	}
	size := mem.Size()
	view, ok := mem.Read(0, size)
	if !ok {
		return 0, errors.New("snapshot: failed to read guest memory")
	}
	e.base = append([]byte(nil), view...)
	e.computeHashes()
	return size, nil
}

// Reset drops the base image, hash vector, and all checkpoints, returning
// the engine to its pre-CaptureBase state.
func (e *Engine) Reset() {
	e.base = nil
	e.blockHashes = nil
	e.checkpoints = nil
}

func (e *Engine) computeHashes() {
	total := numBlocks(uint32(len(e.base)), e.blockSize)
	e.blockHashes = make([][digestSize]byte, total)
	for i := 0; i < total; i++ {
		start, end := blockRange(i, e.blockSize, uint32(len(e.base)))
		e.blockHashes[i] = hashBlock(e.base[start:end])
	}
}

// CaptureDelta hashes every block of mem's current memory, records a new
// checkpoint holding only the blocks whose hash changed since the last
// capture, and updates the stored hash vector in place. If mem has grown
// past the base length, the base is zero-extended with the live tail first
// and the new blocks are hashed as reference (not reported dirty). Returns
// the dirty block count and the bytes the checkpoint holds.
func (e *Engine) CaptureDelta(mem memio.LinearMemory, name string) (dirtyCount int, bytesHeld int, err error) {
	if e.base == nil {
		return 0, 0, ErrNotReady
	}

	size := mem.Size()
	cur, ok := mem.Read(0, size)
	if !ok {
		return 0, 0, errors.New("snapshot: failed to read guest memory")
	}

	totalBlocks := numBlocks(size, e.blockSize)
	if totalBlocks > len(e.blockHashes) {
		e.expandBase(cur, totalBlocks)
	}

	dirty := make(map[uint32][]byte)
	for i := 0; i < totalBlocks; i++ {
		start, end := blockRange(i, e.blockSize, size)
		block := cur[start:end]
		h := hashBlock(block)
		if h != e.blockHashes[i] {
			dirty[uint32(i)] = append([]byte(nil), block...)
			e.blockHashes[i] = h
		}
	}

	cp := &checkpoint{name: name, dirtyBlocks: dirty, memorySize: size}
	e.checkpoints = append(e.checkpoints, cp)
	return len(dirty), cp.memoryUsage(), nil
}

// expandBase zero-extends the base image to match the live memory's new
// length, copies the live tail in as the new reference bytes, and hashes
// the newly-added blocks. Those blocks are not dirty: they define the
// reference state for subsequent deltas.
func (e *Engine) expandBase(cur []byte, newTotalBlocks int) {
	oldLen := len(e.base)
	newLen := len(cur)

	expanded := make([]byte, newLen)
	copy(expanded, e.base)
	copy(expanded[oldLen:], cur[oldLen:])
	e.base = expanded

	oldTotalBlocks := len(e.blockHashes)
	for i := oldTotalBlocks; i < newTotalBlocks; i++ {
		start, end := blockRange(i, e.blockSize, uint32(newLen))
		e.blockHashes = append(e.blockHashes, hashBlock(e.base[start:end]))
	}
}

// resolveIndex turns a (possibly negative) checkpoint index into a
// 0-based index into e.checkpoints, or -1 meaning "base only".
func (e *Engine) resolveIndex(index int) (int, error) {
	n := len(e.checkpoints)
	if index < 0 {
		index = n + index
	}
	if index < -1 || index >= n {
		return 0, ErrOutOfRange
	}
	return index, nil
}

// Restore writes the base image into mem at offset 0, then replays every
// checkpoint's dirty blocks from index 0 through the resolved index
// (inclusive). index follows Python slice semantics: negative counts from
// the end, -1 is the latest checkpoint, and an index resolving to "before
// checkpoint 0" restores the base alone. The stored hash vector is left
// untouched: the next CaptureDelta measures drift from the pre-restore
// hashes and will report the blocks changed by this restore as dirty.
func (e *Engine) Restore(mem memio.LinearMemory, index int) (uint32, error) {
	if e.base == nil {
		return 0, ErrNotReady
	}
	resolved, err := e.resolveIndex(index)
	if err != nil {
		return 0, err
	}

	if !mem.Write(0, e.base) {
		return 0, errors.New("snapshot: failed to write base image to guest memory")
	}

	for i := 0; i <= resolved; i++ {
		cp := e.checkpoints[i]
		for blockIdx, data := range cp.dirtyBlocks {
			offset := blockIdx * e.blockSize
			if !mem.Write(offset, data) {
				return 0, errors.New("snapshot: failed to write dirty block to guest memory")
			}
		}
	}

	return uint32(len(e.base)), nil
}

// RestoreLatest restores to the most recent checkpoint (or base, if none).
func (e *Engine) RestoreLatest(mem memio.LinearMemory) (uint32, error) {
	return e.Restore(mem, -1)
}

// Rollback restores to len(checkpoints) - steps - 1, clamped to the base
// when steps meets or exceeds the number of checkpoints. steps must be >= 1.
func (e *Engine) Rollback(mem memio.LinearMemory, steps int) (uint32, error) {
	if steps < 1 {
		return 0, ErrOutOfRange
	}
	target := len(e.checkpoints) - steps - 1
	if target < -1 {
		target = -1
	}
	return e.Restore(mem, target)
}

// ClearCheckpoints drops all checkpoint records, keeping the base image and
// its hash vector intact.
func (e *Engine) ClearCheckpoints() {
	e.checkpoints = nil
}

// Stats reports the engine's current bookkeeping, per spec.md §4.A.
func (e *Engine) Stats() Stats {
	totalDirty := 0
	totalBytes := 0
	for _, cp := range e.checkpoints {
		totalDirty += len(cp.dirtyBlocks)
		totalBytes += cp.memoryUsage()
	}
	avg := 0.0
	if len(e.checkpoints) > 0 {
		avg = float64(totalDirty) / float64(len(e.checkpoints))
	}
	return Stats{
		BaseSize:                    uint32(len(e.base)),
		BlockSize:                   e.blockSize,
		TotalBlocks:                 len(e.blockHashes),
		NumCheckpoints:              len(e.checkpoints),
		TotalDirtyBlocks:            totalDirty,
		CheckpointMemoryUsage:       totalBytes,
		AvgDirtyBlocksPerCheckpoint: avg,
	}
}
