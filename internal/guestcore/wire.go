package guestcore

import (
	jsoniter "github.com/json-iterator/go"
)

var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// wireValue is a self-describing, order-preserving encoding of a namespace
// value for the registry's byte-buffer representation (see Guest.Snapshot/
// Guest.LoadSnapshot and SPEC_FULL.md §1). Plain `any` + encoding/json
// would lose Dict key order and collapse *toolBinding into a generic map,
// breaking both deterministic hashing and round-tripping; this tagged
// union keeps both exact.
type wireValue struct {
	Type  string         `json:"t"`
	Str   string         `json:"s,omitempty"`
	Int   int64          `json:"i,omitempty"`
	Float float64        `json:"f,omitempty"`
	Bool  bool           `json:"b,omitempty"`
	Dict  []wireDictItem `json:"d,omitempty"`
	List  []wireValue    `json:"l,omitempty"`
	Tool  *wireTool      `json:"tool,omitempty"`
}

type wireDictItem struct {
	Key string    `json:"k"`
	Val wireValue `json:"v"`
}

type wireTool struct {
	Handle uint32   `json:"handle"`
	Name   string   `json:"name"`
	Params []string `json:"params"`
}

func encodeValue(v any) wireValue {
	switch t := v.(type) {
	case nil:
		return wireValue{Type: "none"}
	case bool:
		return wireValue{Type: "bool", Bool: t}
	case string:
		return wireValue{Type: "str", Str: t}
	case int:
		return wireValue{Type: "int", Int: int64(t)}
	case int64:
		return wireValue{Type: "int", Int: t}
	case float64:
		return wireValue{Type: "float", Float: t}
	case *Dict:
		items := make([]wireDictItem, 0, len(t.keys))
		for _, k := range t.keys {
			items = append(items, wireDictItem{Key: k, Val: encodeValue(t.vals[k])})
		}
		return wireValue{Type: "dict", Dict: items}
	case []any:
		items := make([]wireValue, 0, len(t))
		for _, e := range t {
			items = append(items, encodeValue(e))
		}
		return wireValue{Type: "list", List: items}
	case *toolBinding:
		return wireValue{Type: "tool", Tool: &wireTool{Handle: t.handle, Name: t.name, Params: t.params}}
	case map[string]any:
		// Assign normalizes host maps into *Dict before they ever reach the
		// registry, but handle the raw shape too: a snapshot must never
		// silently collapse a host-assigned dict into None.
		return encodeValue(normalizeHostValue(t))
	default:
		return wireValue{Type: "none"}
	}
}

func decodeValue(w wireValue) any {
	switch w.Type {
	case "none":
		return nil
	case "bool":
		return w.Bool
	case "str":
		return w.Str
	case "int":
		return int(w.Int)
	case "float":
		return w.Float
	case "dict":
		d := NewDict()
		for _, item := range w.Dict {
			d.Set(item.Key, decodeValue(item.Val))
		}
		return d
	case "list":
		out := make([]any, 0, len(w.List))
		for _, e := range w.List {
			out = append(out, decodeValue(e))
		}
		return out
	case "tool":
		return &toolBinding{handle: w.Tool.Handle, name: w.Tool.Name, params: append([]string(nil), w.Tool.Params...)}
	default:
		return nil
	}
}

// wireContext is the serialized shape of a single Context.
type wireContext struct {
	ID        string         `json:"id"`
	Locals    []wireDictItem `json:"locals"`
	Protected []string       `json:"protected"`
	ParentID  string         `json:"parent_id,omitempty"`
	HasParent bool           `json:"has_parent,omitempty"`
}

// Snapshot serializes the entire registry deterministically (creation
// order, insertion order within each context) so it can be treated as the
// guest's "linear memory" by the snapshot engine.
func (g *Guest) Snapshot() []byte {
	contexts := make([]wireContext, 0, len(g.reg.ctxOrder))
	for _, id := range g.reg.ctxOrder {
		ctx := g.reg.contexts[id]
		locals := make([]wireDictItem, 0, len(ctx.localOrder))
		for _, name := range ctx.localOrder {
			locals = append(locals, wireDictItem{Key: name, Val: encodeValue(ctx.locals[name])})
		}
		contexts = append(contexts, wireContext{
			ID:        ctx.id,
			Locals:    locals,
			Protected: append([]string(nil), ctx.protectOrder...),
			ParentID:  ctx.parentID,
			HasParent: ctx.hasParent,
		})
	}
	data, err := wireJSON.Marshal(contexts)
	if err != nil {
		// Every value type this evaluator produces is one of the cases
		// encodeValue handles explicitly; reaching here means a new
		// value kind was added to the evaluator without a wire case.
		panic("guestcore: unserializable namespace state: " + err.Error())
	}
	return data
}

// LoadSnapshot replaces the registry's entire contents with the state
// encoded by a prior Snapshot call, as Restore would after rewinding the
// guest's linear memory to a checkpoint.
func (g *Guest) LoadSnapshot(data []byte) error {
	var contexts []wireContext
	if err := wireJSON.Unmarshal(data, &contexts); err != nil {
		return err
	}

	reg := NewRegistry()
	for _, wc := range contexts {
		ctx := newContext(wc.ID)
		ctx.parentID = wc.ParentID
		ctx.hasParent = wc.HasParent
		for _, item := range wc.Locals {
			ctx.setLocal(item.Key, decodeValue(item.Val))
		}
		for _, name := range wc.Protected {
			ctx.protected[name] = struct{}{}
			ctx.protectOrder = append(ctx.protectOrder, name)
		}
		reg.contexts[wc.ID] = ctx
		reg.ctxOrder = append(reg.ctxOrder, wc.ID)
	}
	g.reg = reg
	return nil
}
