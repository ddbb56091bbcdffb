// Package guestcore implements the parts of spec.md that live "inside the
// guest": the Context Namespace Manager (§4.C) and a minimal evaluator
// standing in for the Python interpreter the spec treats as an external,
// out-of-scope collaborator (see SPEC_FULL.md §1). Grounded on the
// namespace/protected-set semantics of
// _examples/original_source/python/pybox/box.py and the registry pattern
// the teacher uses for its dash shell state (wazero-dash/dash.go's
// dashState).
package guestcore

import "github.com/pkg/errors"

// Sentinel errors for context-registry misuse, per spec.md §7.
var (
	// ErrAlreadyExists is returned by InitLocal/InitLocalFrom for a taken id.
	ErrAlreadyExists = errors.New("guestcore: context already exists")
	// ErrUnknownContext is returned when a referenced context id is absent.
	ErrUnknownContext = errors.New("guestcore: unknown context")
	// ErrCycle is returned by InitLocalFrom if the parent chain would cycle.
	ErrCycle = errors.New("guestcore: parent chain would cycle")
)

// Context is a named Python-globals namespace with an optional parent and
// a set of protected names, per spec.md §3.
// locals/protected track insertion order alongside their maps so the
// registry can be serialized deterministically for the snapshot engine
// (see wire.go): unordered map iteration would make unchanged state hash
// differently from one CaptureDelta to the next.
type Context struct {
	id           string
	locals       map[string]any
	localOrder   []string
	protected    map[string]struct{}
	protectOrder []string
	parentID     string
	hasParent    bool
}

func newContext(id string) *Context {
	return &Context{
		id:        id,
		locals:    make(map[string]any),
		protected: make(map[string]struct{}),
	}
}

// Registry is the context registry of spec.md §3: at most one Context per
// identifier, with live (not copied) parent lookups. ctxOrder tracks
// creation order for the same determinism reason as Context.localOrder.
type Registry struct {
	contexts map[string]*Context
	ctxOrder []string
	version  uint64
}

// NewRegistry returns an empty context registry.
func NewRegistry() *Registry {
	return &Registry{contexts: make(map[string]*Context)}
}

// Version returns a monotonic counter bumped by every state-mutating
// operation (InitLocal, InitLocalFrom, Assign, Protect, and any top-level
// assignment executed by Guest.Exec). Engine's result cache uses this to
// recognize "the same code against a context that has not mutated" per
// SPEC_FULL.md §3's xxhash-keyed dedup cache.
func (r *Registry) Version() uint64 {
	return r.version
}

// InitLocal creates a fresh, parentless context. Fails with ErrAlreadyExists
// if id is taken; leaves no partial state on failure.
func (r *Registry) InitLocal(id string) error {
	if _, exists := r.contexts[id]; exists {
		return ErrAlreadyExists
	}
	r.contexts[id] = newContext(id)
	r.ctxOrder = append(r.ctxOrder, id)
	r.version++
	return nil
}

// InitLocalFrom creates childID with parentID as its lookup fallback. The
// child's protected set starts as a copy of the parent's (C4: inherited,
// extend-only from here). Fails with ErrUnknownContext if the parent is
// absent, ErrAlreadyExists if the child is taken, ErrCycle if parentID's
// ancestor chain already contains childID.
func (r *Registry) InitLocalFrom(childID, parentID string) error {
	parent, ok := r.contexts[parentID]
	if !ok {
		return ErrUnknownContext
	}
	if _, exists := r.contexts[childID]; exists {
		return ErrAlreadyExists
	}

	visited := map[string]struct{}{parentID: {}}
	cur := parent
	for cur.hasParent {
		if cur.parentID == childID {
			return ErrCycle
		}
		if _, seen := visited[cur.parentID]; seen {
			break // already-cycle-free ancestor chain, defensive stop
		}
		visited[cur.parentID] = struct{}{}
		next, ok := r.contexts[cur.parentID]
		if !ok {
			break
		}
		cur = next
	}

	child := newContext(childID)
	child.parentID = parentID
	child.hasParent = true
	for _, name := range parent.protectOrder {
		child.protected[name] = struct{}{}
		child.protectOrder = append(child.protectOrder, name)
	}
	r.contexts[childID] = child
	r.ctxOrder = append(r.ctxOrder, childID)
	r.version++
	return nil
}

// Assign writes a host-provided value into id's local mapping, bypassing
// the protected-set check (the host is trusted; per spec.md §4.C this is
// how stub injection and RegisterTool's generated stubs get their bindings
// in place).
func (r *Registry) Assign(id, name string, value any) error {
	ctx, ok := r.contexts[id]
	if !ok {
		return ErrUnknownContext
	}
	ctx.setLocal(name, value)
	r.version++
	return nil
}

// Protect adds name to id's protected set.
func (r *Registry) Protect(id, name string) error {
	ctx, ok := r.contexts[id]
	if !ok {
		return ErrUnknownContext
	}
	if _, exists := ctx.protected[name]; !exists {
		ctx.protected[name] = struct{}{}
		ctx.protectOrder = append(ctx.protectOrder, name)
		r.version++
	}
	return nil
}

// setLocal writes name into the context's own local mapping, appending to
// localOrder only on first insertion.
func (c *Context) setLocal(name string, value any) {
	if _, exists := c.locals[name]; !exists {
		c.localOrder = append(c.localOrder, name)
	}
	c.locals[name] = value
}

// Get resolves a read of name inside id's context: the local mapping, then
// parent pointers transitively. Lookups are live: a parent's later
// reassignment is observed by a child that has not since shadowed the name.
func (r *Registry) Get(id, name string) (any, bool) {
	ctx, ok := r.contexts[id]
	if !ok {
		return nil, false
	}
	for {
		if v, ok := ctx.locals[name]; ok {
			return v, true
		}
		if !ctx.hasParent {
			return nil, false
		}
		parent, ok := r.contexts[ctx.parentID]
		if !ok {
			return nil, false
		}
		ctx = parent
	}
}

// isProtected reports whether name is in id's protected set.
func (r *Registry) isProtected(id, name string) bool {
	ctx, ok := r.contexts[id]
	if !ok {
		return false
	}
	_, protected := ctx.protected[name]
	return protected
}

// setLocal writes name into id's own local mapping (guarded caller is
// responsible for the protected-name check).
func (r *Registry) setLocal(id, name string, value any) {
	r.contexts[id].setLocal(name, value)
	r.version++
}

// Exists reports whether id has been created.
func (r *Registry) Exists(id string) bool {
	_, ok := r.contexts[id]
	return ok
}
