package guestcore

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/s0duku/pybox/internal/wireformat"
)

// RPC is the guest-side view of the single host import pybox_json_rpc
// (spec.md §4.B/§6): it carries an already-encoded {args, kwargs} request
// payload (see callTool) to the bridge and reports the bridge's status code
// and response payload back.
// Implemented by *bridge.Bridge in production; a test double is enough to
// exercise the evaluator in isolation.
type RPC interface {
	Call(handle uint32, request []byte) (status int32, response []byte)
}

// Guest is the in-process realization of "the guest" chosen in
// SPEC_FULL.md §1: a context registry plus a minimal evaluator, talking to
// the host exclusively through the RPC interface exactly as a real
// Python-in-WASM guest would talk through pybox_json_rpc.
type Guest struct {
	reg *Registry
	rpc RPC
}

// NewGuest returns a Guest whose tool calls are dispatched through rpc.
func NewGuest(rpc RPC) *Guest {
	return &Guest{reg: NewRegistry(), rpc: rpc}
}

// InitLocal implements the guest ABI operation of the same name.
func (g *Guest) InitLocal(id string) error {
	return g.reg.InitLocal(id)
}

// InitLocalFrom implements the guest ABI operation of the same name.
func (g *Guest) InitLocalFrom(childID, parentID string) error {
	return g.reg.InitLocalFrom(childID, parentID)
}

// Assign implements the guest ABI operation of the same name: a
// host-trusted write that bypasses the protected-name guard. value is
// normalized into the evaluator's own value vocabulary first (see
// normalizeHostValue) so a host-provided map[string]any prints and
// snapshots exactly like a guest-constructed dict literal.
func (g *Guest) Assign(id, name string, value any) error {
	return g.reg.Assign(id, name, normalizeHostValue(value))
}

// Protect implements the guest ABI operation of the same name.
func (g *Guest) Protect(id, name string) error {
	return g.reg.Protect(id, name)
}

// Version returns the registry's monotonic mutation counter (see
// Registry.Version), used by Engine's exec-result cache.
func (g *Guest) Version() uint64 {
	return g.reg.Version()
}

// defRe recognizes the first line of a generated tool stub: `def
// name(params):`. See stub.go's GenerateStub, which is the only producer
// of this shape Exec needs to understand.
var defRe = regexp.MustCompile(`^def\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(([^)]*)\)\s*:$`)

// returnRe recognizes a stub body line: `return pybox_json_rpc(handle,
// params...)`.
var returnRe = regexp.MustCompile(`^return\s+pybox_json_rpc\(\s*(\d+)\s*(?:,\s*(.*))?\)$`)

// Exec evaluates code as a top-level program against id's namespace,
// capturing print() output into the returned string. Per spec.md §4.C, a
// protected-name assignment is suppressed (its diagnostic is appended to
// the output) without aborting the remaining statements; any other
// evaluator error appends a textual trace and stops the program, matching
// uncaught-exception semantics. A HostEscape from a tool call aborts
// immediately with no trace text (the bridge recovers the actual
// exception once this call returns; see bridge.Bridge.EnterGuest).
func (g *Guest) Exec(id, code string) (string, error) {
	if !g.reg.Exists(id) {
		return "", ErrUnknownContext
	}

	var out strings.Builder
	rawLines := strings.Split(code, "\n")

	for i := 0; i < len(rawLines); i++ {
		line := strings.TrimSpace(rawLines[i])
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if m := defRe.FindStringSubmatch(line); m != nil {
			name := m[1]
			j := i + 1
			for j < len(rawLines) && strings.TrimSpace(rawLines[j]) == "" {
				j++
			}
			if j >= len(rawLines) {
				out.WriteString(fmt.Sprintf("SyntaxError: expected body for def %s\n", name))
				break
			}
			body := strings.TrimSpace(rawLines[j])
			rm := returnRe.FindStringSubmatch(body)
			if rm == nil {
				out.WriteString(fmt.Sprintf("SyntaxError: unsupported def body for %s\n", name))
				break
			}
			handle := parseHandle(rm[1])
			var params []string
			if strings.TrimSpace(rm[2]) != "" {
				for _, p := range splitTopLevel(rm[2], ',') {
					params = append(params, strings.TrimSpace(p))
				}
			}
			g.reg.setLocal(id, name, &toolBinding{handle: handle, name: name, params: params})
			i = j
			continue
		}

		if stop := g.execStatements(id, line, &out); stop {
			return out.String(), nil
		}
	}

	return out.String(), nil
}

// execStatements runs every ';'-separated statement on a single source
// line, returning true if the program must stop (an evaluator error or a
// HostEscape).
func (g *Guest) execStatements(id, line string, out *strings.Builder) bool {
	for _, stmt := range splitTopLevel(line, ';') {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if g.execStatement(id, stmt, out) {
			return true
		}
	}
	return false
}

// execStatement runs one statement, returning true if the program must stop:
// after an ordinary error (trace appended) or a HostEscape (no trace text).
// A rejected protected-name assignment returns false so the program goes on.
func (g *Guest) execStatement(id, stmt string, out *strings.Builder) (stop bool) {
	if name, expr, ok := matchAssignment(stmt); ok {
		if g.reg.isProtected(id, name) {
			out.WriteString(fmt.Sprintf("Cannot modify protected %s\n", name))
			return false
		}
		v, err := g.evalExpr(id, expr)
		if err != nil {
			return g.reportError(err, out)
		}
		g.reg.setLocal(id, name, v)
		return false
	}

	v, err := g.evalExpr(id, stmt)
	if err != nil {
		return g.reportError(err, out)
	}
	if p, ok := v.(printCall); ok {
		out.WriteString(p.String())
		out.WriteString("\n")
	}
	return false
}

func (g *Guest) reportError(err error, out *strings.Builder) (stop bool) {
	if err == errHostEscape {
		return true
	}
	out.WriteString("Traceback (most recent call last):\n")
	out.WriteString(err.Error())
	out.WriteString("\n")
	return true
}

// matchAssignment recognizes `name = expr` at the top level of a
// statement, rejecting anything that looks like a comparison (`==`).
func matchAssignment(stmt string) (name, expr string, ok bool) {
	idx := strings.IndexByte(stmt, '=')
	if idx <= 0 || idx+1 >= len(stmt) || stmt[idx+1] == '=' {
		return "", "", false
	}
	if idx > 0 && stmt[idx-1] == '!' {
		return "", "", false
	}
	lhs := strings.TrimSpace(stmt[:idx])
	if !isIdentifier(lhs) {
		return "", "", false
	}
	return lhs, strings.TrimSpace(stmt[idx+1:]), true
}

func parseHandle(s string) uint32 {
	var h uint32
	fmt.Sscanf(s, "%d", &h)
	return h
}

// callTool marshals args through the RPC, per spec.md §4.B's payload
// format, and interprets the status code.
func (g *Guest) callTool(binding *toolBinding, args []any) (any, error) {
	req, err := wireformat.EncodeRequest(args, nil)
	if err != nil {
		return nil, fmt.Errorf("RuntimeError: %v", err)
	}

	status, resp := g.rpc.Call(binding.handle, req)
	switch status {
	case 0:
		decoded, err := wireformat.DecodeResponse(resp)
		if err != nil {
			return nil, fmt.Errorf("RuntimeError: %v", err)
		}
		return decoded.Result, nil
	case 1:
		return nil, fmt.Errorf("NameError: handler for '%s' is not registered", binding.name)
	case 2:
		decoded, err := wireformat.DecodeResponse(resp)
		if err != nil {
			return nil, fmt.Errorf("RuntimeError: %v", err)
		}
		return nil, fmt.Errorf("%s", decoded.Exception)
	case 3:
		return nil, errHostEscape
	default:
		return nil, fmt.Errorf("RuntimeError: unknown dispatch status %d", status)
	}
}
