package pybox

import "github.com/s0duku/pybox/internal/snapshot"

// Snapshot is a convenience wrapper matching spec.md §4.D: "constructing a
// Snapshot captures the base on first use and a delta on every subsequent
// capture; its restore calls into the snapshot engine." Ported from the
// capture-then-repeated-delta usage in
// _examples/original_source/examples/snapshot.py.
type Snapshot struct {
	engine   *Engine
	captured bool
}

// NewSnapshot returns a Snapshot bound to engine. No capture happens yet.
func NewSnapshot(engine *Engine) *Snapshot {
	return &Snapshot{engine: engine}
}

// Capture takes the base image on first call and an incremental delta
// checkpoint (optionally named) on every subsequent call.
func (s *Snapshot) Capture(name string) error {
	if !s.captured {
		if err := s.engine.captureBase(); err != nil {
			return err
		}
		s.captured = true
		return nil
	}
	_, _, err := s.engine.captureDelta(name)
	return err
}

// Restore rewinds the engine to the latest checkpoint (or the base image,
// if none has been captured yet).
func (s *Snapshot) Restore() error {
	return s.engine.restoreIndex(-1)
}

// CaptureBase deep-copies the current guest memory as the snapshot base
// image and computes its block-hash vector. Fails with
// snapshot.ErrAlreadyCaptured on every later call: Engine exposes no way to
// drop a captured base.
func (e *Engine) CaptureBase() error {
	return e.captureBase()
}

func (e *Engine) captureBase() error {
	_, err := e.run(func() ([]byte, error) {
		_, err := e.snap.CaptureBase(e.backend.Mem())
		return nil, err
	})
	return err
}

// CaptureDelta records a checkpoint of every block that changed since the
// last capture, returning the dirty block count and the bytes it holds.
func (e *Engine) CaptureDelta(name string) (int, int, error) {
	return e.captureDelta(name)
}

func (e *Engine) captureDelta(name string) (int, int, error) {
	var dirty, bytesHeld int
	_, err := e.run(func() ([]byte, error) {
		d, b, err := e.snap.CaptureDelta(e.backend.Mem(), name)
		dirty, bytesHeld = d, b
		return nil, err
	})
	return dirty, bytesHeld, err
}

// Restore rewinds the guest's entire state (every context, its bindings,
// and its protected set) to the state observed at the given checkpoint
// index, following the same negative-index convention as spec.md §4.A.
func (e *Engine) Restore(index int) error {
	return e.restoreIndex(index)
}

func (e *Engine) restoreIndex(index int) error {
	_, err := e.run(func() ([]byte, error) {
		if _, err := e.snap.Restore(e.backend.Mem(), index); err != nil {
			return nil, err
		}
		return nil, e.backend.AfterRestore()
	})
	if err == nil {
		e.bumpEpoch()
	}
	return err
}

// Rollback restores `steps` checkpoints back from the latest, clamped to
// the base image if steps meets or exceeds the checkpoint count.
func (e *Engine) Rollback(steps int) error {
	_, err := e.run(func() ([]byte, error) {
		if _, err := e.snap.Rollback(e.backend.Mem(), steps); err != nil {
			return nil, err
		}
		return nil, e.backend.AfterRestore()
	})
	if err == nil {
		e.bumpEpoch()
	}
	return err
}

// ClearCheckpoints drops all checkpoints, keeping the base image.
func (e *Engine) ClearCheckpoints() {
	_, _ = e.run(func() ([]byte, error) {
		e.snap.ClearCheckpoints()
		return nil, nil
	})
}

// SnapshotStats reports the snapshot engine's current bookkeeping.
func (e *Engine) SnapshotStats() snapshot.Stats {
	return e.snap.Stats()
}
