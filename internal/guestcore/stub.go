package guestcore

import (
	"strconv"
	"strings"
)

// GenerateStub renders the guest-side stub definition for a host tool,
// ported from _examples/original_source/python/pybox/tool.py's
// PyboxPTCTool.stub(): a function definition whose body forwards every
// parameter to pybox_json_rpc(handle, ...). Guest.Exec recognizes exactly
// this two-line shape (see defRe/returnRe in guest.go) and binds name to a
// callable tool reference instead of literally interpreting it as Python.
func GenerateStub(name string, handle uint32, params []string) string {
	var b strings.Builder
	b.WriteString("def ")
	b.WriteString(name)
	b.WriteByte('(')
	b.WriteString(strings.Join(params, ", "))
	b.WriteString("):\n    return pybox_json_rpc(")
	b.WriteString(strconv.Itoa(int(handle)))
	if len(params) > 0 {
		b.WriteString(", ")
		b.WriteString(strings.Join(params, ", "))
	}
	b.WriteString(")")
	return b.String()
}
