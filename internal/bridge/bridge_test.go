package bridge_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/s0duku/pybox/internal/bridge"
)

func TestDispatchUnknownHandle(t *testing.T) {
	b := bridge.New()
	status, resp := b.Dispatch(42, []byte("{}"))
	require.Equal(t, bridge.StatusUnknownHandle, status)
	require.Nil(t, resp)
}

func TestDispatchSuccess(t *testing.T) {
	b := bridge.New()
	handle := b.Registry().Register(func(req []byte) ([]byte, error) {
		return []byte(`{"result":"ok"}`), nil
	})

	_, err := b.EnterGuest(func() ([]byte, error) {
		status, resp := b.Dispatch(handle, []byte("{}"))
		require.Equal(t, bridge.StatusOK, status)
		require.Equal(t, `{"result":"ok"}`, string(resp))
		return nil, nil
	})
	require.NoError(t, err)
}

func TestDispatchHandlerError(t *testing.T) {
	b := bridge.New()
	handle := b.Registry().Register(func(req []byte) ([]byte, error) {
		return nil, errTest
	})

	_, err := b.EnterGuest(func() ([]byte, error) {
		status, _ := b.Dispatch(handle, []byte("{}"))
		require.Equal(t, bridge.StatusHandlerError, status)
		return nil, nil
	})
	require.NoError(t, err)
}

var errTest = errBoom{}

// TestEscapePropagation exercises testable property 7: a handler raising
// HostEscape surfaces the same object, identity-equal, from EnterGuest.
func TestEscapePropagation(t *testing.T) {
	b := bridge.New()
	original := errors.New("boom")
	handle := b.Registry().Register(func(req []byte) ([]byte, error) {
		return nil, bridge.NewEscapeSignal(original)
	})

	_, err := b.EnterGuest(func() ([]byte, error) {
		status, _ := b.Dispatch(handle, []byte("{}"))
		require.Equal(t, bridge.StatusHostEscape, status)
		return nil, nil
	})
	require.Error(t, err)
	escape, ok := err.(*bridge.EscapeSignal)
	require.True(t, ok)
	require.Same(t, original, escape.Unwrap())

	// A subsequent EnterGuest succeeds normally (escape does not latch the
	// bridge into a permanently broken state).
	_, err = b.EnterGuest(func() ([]byte, error) { return []byte("done"), nil })
	require.NoError(t, err)
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

// TestReentrantEnterGuest exercises testable property 6: a handler invoked
// from inside EnterGuest may call EnterGuest again on the same goroutine
// without deadlocking, and its result is observed by the outer call.
func TestReentrantEnterGuest(t *testing.T) {
	b := bridge.New()
	var nestedRan bool

	handle := b.Registry().Register(func(req []byte) ([]byte, error) {
		_, err := b.EnterGuest(func() ([]byte, error) {
			nestedRan = true
			return []byte("nested"), nil
		})
		return nil, err
	})

	_, err := b.EnterGuest(func() ([]byte, error) {
		status, _ := b.Dispatch(handle, []byte("{}"))
		require.Equal(t, bridge.StatusOK, status)
		return nil, nil
	})
	require.NoError(t, err)
	require.True(t, nestedRan)
}

// TestConcurrentCallersBlock exercises testable property 5/§5: a second
// goroutine's EnterGuest blocks until the first's outermost call returns.
func TestConcurrentCallersBlock(t *testing.T) {
	b := bridge.New()
	release := make(chan struct{})
	firstEntered := make(chan struct{})

	var mu sync.Mutex
	var order []string

	go func() {
		_, _ = b.EnterGuest(func() ([]byte, error) {
			mu.Lock()
			order = append(order, "first-start")
			mu.Unlock()
			close(firstEntered)
			<-release
			mu.Lock()
			order = append(order, "first-end")
			mu.Unlock()
			return nil, nil
		})
	}()

	<-firstEntered
	done := make(chan struct{})
	go func() {
		_, _ = b.EnterGuest(func() ([]byte, error) {
			mu.Lock()
			order = append(order, "second-start")
			mu.Unlock()
			return nil, nil
		})
		close(done)
	}()

	// Give the second goroutine a chance to run; it must still be blocked.
	select {
	case <-done:
		t.Fatal("second EnterGuest returned before the first released the lock")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first-start", "first-end", "second-start"}, order)
}

func TestHandlerRegistryConflictAndUnknown(t *testing.T) {
	reg := bridge.NewHandlerRegistry()
	h := reg.Register(func([]byte) ([]byte, error) { return nil, nil })
	require.ErrorIs(t, reg.RegisterAt(h, nil), bridge.ErrConflict)
	require.ErrorIs(t, reg.Unregister(999), bridge.ErrUnknownHandler)
	require.NoError(t, reg.Unregister(h))
	_, ok := reg.Lookup(h)
	require.False(t, ok)
}
