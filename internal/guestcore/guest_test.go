package guestcore_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/s0duku/pybox/internal/guestcore"
)

// noopRPC is an RPC double for evaluator tests that don't exercise tool
// stubs.
type noopRPC struct{}

func (noopRPC) Call(handle uint32, request []byte) (int32, []byte) { return 1, nil }

// TestAssignAndExec is spec.md E1: assign a dict, print it, see its repr.
func TestAssignAndExec(t *testing.T) {
	g := guestcore.NewGuest(noopRPC{})
	require.NoError(t, g.InitLocal("r"))

	d := guestcore.NewDict()
	d.Set("value", "hello pybox")
	require.NoError(t, g.Assign("r", "test_val", d))

	out, err := g.Exec("r", "print(test_val)")
	require.NoError(t, err)
	require.Contains(t, out, "{'value': 'hello pybox'}")
}

// TestInheritance is spec.md E2: a child sees its parent's bindings; the
// parent does not see the child's.
func TestInheritance(t *testing.T) {
	g := guestcore.NewGuest(noopRPC{})
	require.NoError(t, g.InitLocal("root"))
	_, err := g.Exec("root", "root_val='I am root'")
	require.NoError(t, err)

	require.NoError(t, g.InitLocalFrom("child", "root"))
	_, err = g.Exec("child", "child_val='I am child'")
	require.NoError(t, err)

	// root cannot see child_val: the evaluator reports it as a trace, not
	// a Go error, since it's an ordinary uncaught NameError.
	out, err := g.Exec("root", "print(root_val)\nprint(child_val)")
	require.NoError(t, err)
	require.Contains(t, out, "I am root")
	require.Contains(t, out, "NameError")
	require.NotContains(t, out, "I am child")

	// child sees both.
	out, err = g.Exec("child", "print(root_val)\nprint(child_val)")
	require.NoError(t, err)
	require.Contains(t, out, "I am root")
	require.Contains(t, out, "I am child")
}

// TestCopyOnWrite is testable property 3: a child's write never mutates
// the parent.
func TestCopyOnWrite(t *testing.T) {
	g := guestcore.NewGuest(noopRPC{})
	require.NoError(t, g.InitLocal("parent"))
	require.NoError(t, g.Assign("parent", "x", 1))
	require.NoError(t, g.InitLocalFrom("child", "parent"))

	_, err := g.Exec("child", "x=2")
	require.NoError(t, err)

	out, err := g.Exec("parent", "print(x)")
	require.NoError(t, err)
	require.Contains(t, out, "1")
}

// TestLiveParentLookup: a parent's later reassignment is observed by a
// child that has not since shadowed the name.
func TestLiveParentLookup(t *testing.T) {
	g := guestcore.NewGuest(noopRPC{})
	require.NoError(t, g.InitLocal("parent"))
	require.NoError(t, g.Assign("parent", "x", 1))
	require.NoError(t, g.InitLocalFrom("child", "parent"))

	require.NoError(t, g.Assign("parent", "x", 99))
	out, err := g.Exec("child", "print(x)")
	require.NoError(t, err)
	require.Contains(t, out, "99")
}

// TestProtect is spec.md E3/testable property 4.
func TestProtect(t *testing.T) {
	g := guestcore.NewGuest(noopRPC{})
	require.NoError(t, g.InitLocal("id"))
	require.NoError(t, g.Assign("id", "protected", 1))
	require.NoError(t, g.Protect("id", "protected"))

	out, err := g.Exec("id", "protected=10")
	require.NoError(t, err)
	require.Contains(t, out, "Cannot modify protected")

	out, err = g.Exec("id", "print(protected)")
	require.NoError(t, err)
	require.Contains(t, out, "1")
}

// TestProtectedSetInheritsAndExtends is invariant C4.
func TestProtectedSetInheritsAndExtends(t *testing.T) {
	g := guestcore.NewGuest(noopRPC{})
	require.NoError(t, g.InitLocal("parent"))
	require.NoError(t, g.Protect("parent", "locked"))
	require.NoError(t, g.InitLocalFrom("child", "parent"))
	require.NoError(t, g.Protect("child", "also_locked"))

	out, err := g.Exec("child", "locked=1")
	require.NoError(t, err)
	require.Contains(t, out, "Cannot modify protected")
	out, _ = g.Exec("child", "also_locked=2")
	require.Contains(t, out, "Cannot modify protected")
}

func TestInitLocalAlreadyExists(t *testing.T) {
	g := guestcore.NewGuest(noopRPC{})
	require.NoError(t, g.InitLocal("dup"))
	require.ErrorIs(t, g.InitLocal("dup"), guestcore.ErrAlreadyExists)
}

func TestInitLocalFromUnknownParent(t *testing.T) {
	g := guestcore.NewGuest(noopRPC{})
	require.ErrorIs(t, g.InitLocalFrom("child", "ghost"), guestcore.ErrUnknownContext)
}

// TestInitLocalFromRejectsCycle: a parent chain must never cycle back to
// the child being created.
func TestInitLocalFromRejectsCycle(t *testing.T) {
	g := guestcore.NewGuest(noopRPC{})
	require.NoError(t, g.InitLocal("a"))
	require.NoError(t, g.InitLocalFrom("b", "a"))
	require.NoError(t, g.InitLocalFrom("c", "b"))

	// Creating "a" from "c" would close the loop a->(doesn't exist yet) --
	// instead verify that re-deriving a context whose ancestor chain already
	// contains the proposed child is rejected. Since InitLocalFrom only
	// creates new contexts, simulate by asking to parent a fresh context
	// named "a" is impossible (already exists); instead assert that using
	// "c" as a parent for a context literally named like an ancestor is
	// naturally a no-op case -- the only reachable cycle attempt is via a
	// not-yet-existing id equal to an ancestor name, which AlreadyExists
	// pre-empts. Assert that property directly:
	require.ErrorIs(t, g.InitLocalFrom("a", "c"), guestcore.ErrAlreadyExists)
}

func TestVersionBumpsOnMutation(t *testing.T) {
	g := guestcore.NewGuest(noopRPC{})
	v0 := g.Version()
	require.NoError(t, g.InitLocal("x"))
	require.Greater(t, g.Version(), v0)

	v1 := g.Version()
	_, err := g.Exec("x", "a=1")
	require.NoError(t, err)
	require.Greater(t, g.Version(), v1)

	v2 := g.Version()
	_, err = g.Exec("x", "print(a)")
	require.NoError(t, err)
	require.Equal(t, v2, g.Version(), "a read-only program must not bump the version")
}

// TestGenerateStubRoundTrip exercises RegisterTool's plumbing: a generated
// stub, once Exec'd, binds name to a callable that forwards to
// pybox_json_rpc with the registered handle.
func TestGenerateStubRoundTrip(t *testing.T) {
	var gotHandle uint32
	var gotRequest string
	rpc := rpcFunc(func(handle uint32, request []byte) (int32, []byte) {
		gotHandle = handle
		gotRequest = string(request)
		return 0, []byte(`{"result":"Hello pybox"}`)
	})

	g := guestcore.NewGuest(rpc)
	require.NoError(t, g.InitLocal("id"))

	stub := guestcore.GenerateStub("hello", 7, []string{"name"})
	require.True(t, strings.HasPrefix(stub, "def hello(name):"))

	_, err := g.Exec("id", stub)
	require.NoError(t, err)

	out, err := g.Exec("id", `print(hello('pybox'))`)
	require.NoError(t, err)
	require.Contains(t, out, "Hello pybox")
	require.Equal(t, uint32(7), gotHandle)
	require.Contains(t, gotRequest, "pybox")
}

type rpcFunc func(handle uint32, request []byte) (int32, []byte)

func (f rpcFunc) Call(handle uint32, request []byte) (int32, []byte) { return f(handle, request) }

// TestHostEscapeStopsEvaluation: a tool call reporting status 3
// stops the program immediately with no trailing trace text.
func TestHostEscapeStopsEvaluation(t *testing.T) {
	rpc := rpcFunc(func(handle uint32, request []byte) (int32, []byte) { return 3, nil })
	g := guestcore.NewGuest(rpc)
	require.NoError(t, g.InitLocal("id"))

	_, err := g.Exec("id", guestcore.GenerateStub("boom", 0, nil))
	require.NoError(t, err)

	out, err := g.Exec("id", "boom()\nprint('unreachable')")
	require.NoError(t, err)
	require.NotContains(t, out, "unreachable")
	require.Equal(t, "", strings.TrimSpace(out))
}

// TestSnapshotRoundTrip verifies the guest registry's own serialization
// round-trips through Snapshot/LoadSnapshot bit-for-bit in effect.
func TestSnapshotRoundTrip(t *testing.T) {
	g := guestcore.NewGuest(noopRPC{})
	require.NoError(t, g.InitLocal("a"))
	require.NoError(t, g.Assign("a", "x", 100))
	require.NoError(t, g.Protect("a", "x"))

	data := g.Snapshot()

	g2 := guestcore.NewGuest(noopRPC{})
	require.NoError(t, g2.LoadSnapshot(data))

	out, err := g2.Exec("a", "print(x)")
	require.NoError(t, err)
	require.Contains(t, out, "100")

	out, err = g2.Exec("a", "x=1")
	require.NoError(t, err)
	require.Contains(t, out, "Cannot modify protected")
}
