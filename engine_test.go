package pybox_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s0duku/pybox"
)

// TestAssignExecPrint is spec.md E1.
func TestAssignExecPrint(t *testing.T) {
	e := pybox.NewEngine(nil)
	require.NoError(t, e.InitLocal("r"))
	require.NoError(t, e.Assign("r", "test_val", map[string]any{"value": "hello pybox"}))

	out, err := e.Exec("print(test_val)", "r")
	require.NoError(t, err)
	require.Equal(t, "{'value': 'hello pybox'}\n", out)
}

// TestInheritanceIsolation is spec.md E2.
func TestInheritanceIsolation(t *testing.T) {
	e := pybox.NewEngine(nil)
	require.NoError(t, e.InitLocal("root"))
	_, err := e.Exec("root_val='I am root'", "root")
	require.NoError(t, err)

	require.NoError(t, e.InitLocalFrom("child", "root"))
	_, err = e.Exec("child_val='I am child'", "child")
	require.NoError(t, err)

	out, err := e.Exec("print(root_val)\nprint(child_val)", "root")
	require.NoError(t, err)
	require.Contains(t, out, "I am root")
	require.NotContains(t, out, "I am child")

	out, err = e.Exec("print(root_val)\nprint(child_val)", "child")
	require.NoError(t, err)
	require.Contains(t, out, "I am root")
	require.Contains(t, out, "I am child")
}

// TestProtectRejectsReassignment is spec.md E3.
func TestProtectRejectsReassignment(t *testing.T) {
	e := pybox.NewEngine(nil)
	require.NoError(t, e.InitLocal("id"))
	require.NoError(t, e.Assign("id", "protected", 1))
	require.NoError(t, e.Protect("id", "protected"))

	out, err := e.Exec("protected=10", "id")
	require.NoError(t, err)
	require.Contains(t, out, "Cannot modify protected")
}

// TestSnapshotRestoreRewindsState is spec.md E4: capture, mutate, restore,
// observe the pre-mutation state again.
func TestSnapshotRestoreRewindsState(t *testing.T) {
	e := pybox.NewEngine(nil)
	require.NoError(t, e.InitLocal("id"))
	require.NoError(t, e.Assign("id", "x", 1))
	require.NoError(t, e.CaptureBase())

	_, _, err := e.CaptureDelta("cp0")
	require.NoError(t, err)

	_, err = e.Exec("x=2", "id")
	require.NoError(t, err)
	out, err := e.Exec("print(x)", "id")
	require.NoError(t, err)
	require.Contains(t, out, "2")

	require.NoError(t, e.Restore(0))
	out, err = e.Exec("print(x)", "id")
	require.NoError(t, err)
	require.Contains(t, out, "1")
}

// TestRegisterToolAndHostEscape is spec.md E5 (reentrant tool call) and E6
// (host escape propagates identity-equal to the Exec call site).
func TestRegisterToolAndHostEscape(t *testing.T) {
	e := pybox.NewEngine(nil)
	require.NoError(t, e.InitLocal("id"))

	require.NoError(t, e.RegisterTool("id", "greet", []string{"name"}, func(args []any, kwargs map[string]any) (any, error) {
		name, _ := args[0].(string)
		return "hello " + name, nil
	}))

	out, err := e.Exec("print(greet('pybox'))", "id")
	require.NoError(t, err)
	require.Contains(t, out, "hello pybox")

	sentinel := errors.New("boom from host")
	require.NoError(t, e.RegisterTool("id", "boom", nil, func(args []any, kwargs map[string]any) (any, error) {
		return nil, pybox.HostEscape(sentinel)
	}))

	_, err = e.Exec("boom()", "id")
	require.Error(t, err)
	require.ErrorIs(t, err, sentinel)
}

// TestReentrantToolCall exercises a tool handler that itself drives the
// engine (e.g. running another Exec) without deadlocking, per testable
// property 6.
func TestReentrantToolCall(t *testing.T) {
	e := pybox.NewEngine(nil)
	require.NoError(t, e.InitLocal("id"))
	require.NoError(t, e.Assign("id", "counter", 0))

	require.NoError(t, e.RegisterTool("id", "bump", nil, func(args []any, kwargs map[string]any) (any, error) {
		out, err := e.Exec("counter=counter+1", "id")
		return out, err
	}))

	_, err := e.Exec("bump()", "id")
	require.NoError(t, err)

	out, err := e.Exec("print(counter)", "id")
	require.NoError(t, err)
	require.Equal(t, "1\n", out)
}

// TestExecCacheServesUnmutatedRepeat exercises the exec-result cache: an
// identical (code, id) pair run twice with no mutation in between is served
// from cache the second time (observable only indirectly here -- that it
// returns an identical, correct result -- since cache hits are an internal
// optimization, not an externally distinguishable behavior. The mutation
// case below establishes a negative control).
func TestExecCacheServesUnmutatedRepeat(t *testing.T) {
	e := pybox.NewEngine(nil)
	require.NoError(t, e.InitLocal("id"))
	require.NoError(t, e.Assign("id", "x", 1))

	first, err := e.Exec("print(x)", "id")
	require.NoError(t, err)
	second, err := e.Exec("print(x)", "id")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestExecCacheInvalidatedByMutation(t *testing.T) {
	e := pybox.NewEngine(nil)
	require.NoError(t, e.InitLocal("id"))
	require.NoError(t, e.Assign("id", "x", 1))

	_, err := e.Exec("print(x)", "id")
	require.NoError(t, err)
	require.NoError(t, e.Assign("id", "x", 2))

	out, err := e.Exec("print(x)", "id")
	require.NoError(t, err)
	require.Contains(t, out, "2")
}

// TestExecCacheInvalidatedByRestore guards against a cache entry captured
// under one checkpoint being served after restoring to a different one,
// even though the in-process registry's own Version counter resets to 0
// after every LoadSnapshot.
func TestExecCacheInvalidatedByRestore(t *testing.T) {
	e := pybox.NewEngine(nil)
	require.NoError(t, e.InitLocal("id"))
	require.NoError(t, e.Assign("id", "x", 1))
	require.NoError(t, e.CaptureBase())

	out, err := e.Exec("print(x)", "id")
	require.NoError(t, err)
	require.Contains(t, out, "1")

	_, err = e.Exec("x=2", "id")
	require.NoError(t, err)
	_, _, err = e.CaptureDelta("cp0")
	require.NoError(t, err)

	require.NoError(t, e.Restore(-1))
	out, err = e.Exec("print(x)", "id")
	require.NoError(t, err)
	require.Contains(t, out, "2")
}

// TestListDirIsolation is testable property 8: only preopened guest paths
// are reachable, and they reflect the real host directory.
func TestListDirIsolation(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))

	e := pybox.NewEngine(map[string]string{"/work": dir})

	entries, err := e.ListDir("/work")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "a.txt", entries[0].Name())

	_, err = e.ListDir("/etc")
	require.ErrorIs(t, err, pybox.ErrNotPreopened)
}

func TestGuestTrapLatchesEngineUnusable(t *testing.T) {
	e := pybox.NewEngine(nil)
	require.NoError(t, e.InitLocal("id"))
	require.NoError(t, e.RegisterTool("id", "panics", nil, func(args []any, kwargs map[string]any) (any, error) {
		panic("guest fault")
	}))

	_, err := e.Exec("panics()", "id")
	require.Error(t, err)
	require.ErrorIs(t, err, pybox.ErrGuestTrapped)

	_, err = e.Exec("print(1)", "id")
	require.ErrorIs(t, err, pybox.ErrGuestTrapped)
}
