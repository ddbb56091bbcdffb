package bridge

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID extracts the calling goroutine's id from its stack trace
// header ("goroutine 123 [running]:"). reentrantMutex.Lock uses it to
// recognize a re-acquisition by the owning goroutine, and Dispatch uses it
// to assert the thread affinity invariant of spec.md §4.B (B2): every
// handler invoked while a given EnterGuest call is in flight must run on
// the goroutine that made that call (a violation panics).
func goroutineID() int64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if idx := bytes.IndexByte(buf, ' '); idx >= 0 {
		buf = buf[:idx]
	}
	id, _ := strconv.ParseInt(string(buf), 10, 64)
	return id
}
