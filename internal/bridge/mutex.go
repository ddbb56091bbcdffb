package bridge

import "sync"

// reentrantMutex is a mutex that the owning goroutine may re-acquire
// without deadlocking, per spec.md §4.B/§5: "the engine lock is reentrant
// on the owning thread". No library in the example corpus implements a
// reentrant lock (the corpus's mutex usage is all plain sync.Mutex guarding
// non-reentrant critical sections), so this is built directly on
// sync.Mutex and a 1-buffered channel acting as a binary semaphore.
type reentrantMutex struct {
	sem   chan struct{}
	state sync.Mutex
	owner int64
	depth int
}

func newReentrantMutex() *reentrantMutex {
	return &reentrantMutex{sem: make(chan struct{}, 1)}
}

// Lock acquires the mutex, blocking cross-goroutine callers until the
// owning goroutine's outermost Unlock. A call from the current owner
// increments the reentrancy depth instead of blocking.
func (m *reentrantMutex) Lock() {
	gid := goroutineID()

	m.state.Lock()
	if m.depth > 0 && m.owner == gid {
		m.depth++
		m.state.Unlock()
		return
	}
	m.state.Unlock()

	m.sem <- struct{}{}

	m.state.Lock()
	m.owner = gid
	m.depth = 1
	m.state.Unlock()
}

// Unlock releases one level of reentrancy, releasing the underlying
// semaphore only when the outermost lock unwinds.
func (m *reentrantMutex) Unlock() {
	m.state.Lock()
	m.depth--
	done := m.depth == 0
	if done {
		m.owner = 0
	}
	m.state.Unlock()

	if done {
		<-m.sem
	}
}

// ownerGoID returns the goroutine id currently holding the lock, or 0 if
// unlocked. Used only for the thread-affinity assertion in Dispatch.
func (m *reentrantMutex) ownerGoID() int64 {
	m.state.Lock()
	defer m.state.Unlock()
	return m.owner
}
