package state

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"parlor.gg/internal/schema"
)

// Tree holds one room's authoritative state as field instances: one
// entry per concrete instantiation of a declared shape. The owning room
// loop is the only writer, so nothing here locks.
type Tree struct {
	schema    *schema.Schema
	instances map[string]*instance
	dirty     map[string]struct{}
}

type instance struct {
	field *schema.Field
	keys  []string
	value any
}

func NewTree(s *schema.Schema) *Tree {
	return &Tree{
		schema:    s,
		instances: make(map[string]*instance),
		dirty:     make(map[string]struct{}),
	}
}

func (t *Tree) Schema() *schema.Schema { return t.schema }

// Size returns the number of live field instances.
func (t *Tree) Size() int { return len(t.instances) }

// DirtyCount returns the number of instances touched since the last
// ClearDirty.
func (t *Tree) DirtyCount() int { return len(t.dirty) }

// Write sets the value at path, creating the field instance and any
// intermediate containers, and marks the instance dirty.
func (t *Tree) Write(path string, v any) error {
	f, keys, rest, err := t.schema.Resolve(path)
	if err != nil {
		return err
	}
	ipath := f.Instance(keys)
	inst := t.instances[ipath]
	if inst == nil {
		inst = &instance{field: f, keys: append([]string(nil), keys...)}
		t.instances[ipath] = inst
	}
	if len(rest) == 0 {
		inst.value = v
	} else {
		updated, err := setIn(inst.value, rest, v)
		if err != nil {
			return fmt.Errorf("write %q: %w", path, err)
		}
		inst.value = updated
	}
	t.dirty[ipath] = struct{}{}
	return nil
}

// Append appends v to the array at path, creating the array when the
// target does not exist yet.
func (t *Tree) Append(path string, v any) error {
	f, keys, rest, err := t.schema.Resolve(path)
	if err != nil {
		return err
	}
	ipath := f.Instance(keys)
	inst := t.instances[ipath]
	if inst == nil {
		inst = &instance{field: f, keys: append([]string(nil), keys...)}
		t.instances[ipath] = inst
	}
	updated, err := appendIn(inst.value, rest, v)
	if err != nil {
		return fmt.Errorf("append %q: %w", path, err)
	}
	inst.value = updated
	t.dirty[ipath] = struct{}{}
	return nil
}

// Delete removes the value at path. A path above the field layer (for
// example one player's subtree when fields are declared per attribute)
// removes every field instance beneath it. Missing targets are a no-op.
func (t *Tree) Delete(path string) error {
	f, keys, rest, err := t.schema.Resolve(path)
	switch {
	case err == nil:
	case errors.Is(err, schema.ErrAboveFields):
		t.deletePrefix(path)
		return nil
	default:
		return err
	}
	ipath := f.Instance(keys)
	inst := t.instances[ipath]
	if inst == nil {
		return nil
	}
	if len(rest) == 0 {
		delete(t.instances, ipath)
		t.dirty[ipath] = struct{}{}
		return nil
	}
	updated, changed, err := deleteIn(inst.value, rest)
	if err != nil {
		return fmt.Errorf("delete %q: %w", path, err)
	}
	if changed {
		inst.value = updated
		t.dirty[ipath] = struct{}{}
	}
	return nil
}

func (t *Tree) deletePrefix(path string) {
	prefix := path + "/"
	for ipath := range t.instances {
		if strings.HasPrefix(ipath, prefix) {
			delete(t.instances, ipath)
			t.dirty[ipath] = struct{}{}
		}
	}
}

// Get returns a deep copy of the value at path. All mutation goes
// through Write/Append/Delete so dirty tracking stays truthful.
func (t *Tree) Get(path string) (any, bool) {
	f, keys, rest, err := t.schema.Resolve(path)
	if err != nil {
		return nil, false
	}
	inst := t.instances[f.Instance(keys)]
	if inst == nil {
		return nil, false
	}
	v := inst.value
	for _, seg := range rest {
		switch c := v.(type) {
		case map[string]any:
			var ok bool
			if v, ok = c[seg]; !ok {
				return nil, false
			}
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(c) {
				return nil, false
			}
			v = c[i]
		default:
			return nil, false
		}
	}
	return DeepCopy(v), true
}

// Entry is one field instance surfaced to the sync engine. Value is a
// live reference: the engine copies whatever it keeps.
type Entry struct {
	Field  *schema.Field
	Keys   []string
	Path   string
	Exists bool
	Value  any
}

// Dirty lists instances touched since the last ClearDirty in stable
// (declaration, path) order. Deleted instances come back with
// Exists=false.
func (t *Tree) Dirty() []Entry {
	out := make([]Entry, 0, len(t.dirty))
	for ipath := range t.dirty {
		if inst, ok := t.instances[ipath]; ok {
			out = append(out, Entry{Field: inst.field, Keys: inst.keys, Path: ipath, Exists: true, Value: inst.value})
			continue
		}
		f, keys, _, err := t.schema.Resolve(ipath)
		if err != nil {
			continue
		}
		out = append(out, Entry{Field: f, Keys: keys, Path: ipath})
	}
	sortEntries(out)
	return out
}

// ClearDirty resets dirty tracking. Only the sync engine calls this,
// after a round's patches are handed off.
func (t *Tree) ClearDirty() {
	t.dirty = make(map[string]struct{})
}

// Entries lists every live instance in stable order.
func (t *Tree) Entries() []Entry {
	out := make([]Entry, 0, len(t.instances))
	for ipath, inst := range t.instances {
		out = append(out, Entry{Field: inst.field, Keys: inst.keys, Path: ipath, Exists: true, Value: inst.value})
	}
	sortEntries(out)
	return out
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].Field.Index != es[j].Field.Index {
			return es[i].Field.Index < es[j].Field.Index
		}
		return es[i].Path < es[j].Path
	})
}

// Current rebuilds the nested server-side view of the whole tree as a
// deep copy, serverOnly fields included.
func (t *Tree) Current() map[string]any {
	root := make(map[string]any)
	for ipath, inst := range t.instances {
		segs := strings.Split(ipath, "/")
		m := root
		for _, seg := range segs[:len(segs)-1] {
			child, ok := m[seg].(map[string]any)
			if !ok {
				child = make(map[string]any)
				m[seg] = child
			}
			m = child
		}
		m[segs[len(segs)-1]] = DeepCopy(inst.value)
	}
	return root
}

func setIn(container any, segs []string, v any) (any, error) {
	if len(segs) == 0 {
		return v, nil
	}
	seg := segs[0]
	switch c := container.(type) {
	case nil:
		child, err := setIn(nil, segs[1:], v)
		if err != nil {
			return nil, err
		}
		return map[string]any{seg: child}, nil
	case map[string]any:
		child, err := setIn(c[seg], segs[1:], v)
		if err != nil {
			return nil, err
		}
		c[seg] = child
		return c, nil
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(c) {
			return nil, fmt.Errorf("index %q out of range", seg)
		}
		child, err := setIn(c[i], segs[1:], v)
		if err != nil {
			return nil, err
		}
		c[i] = child
		return c, nil
	default:
		return nil, fmt.Errorf("segment %q descends through a scalar", seg)
	}
}

func appendIn(container any, segs []string, v any) (any, error) {
	if len(segs) == 0 {
		switch c := container.(type) {
		case nil:
			return []any{v}, nil
		case []any:
			return append(c, v), nil
		default:
			return nil, fmt.Errorf("target is not an array")
		}
	}
	seg := segs[0]
	switch c := container.(type) {
	case nil:
		child, err := appendIn(nil, segs[1:], v)
		if err != nil {
			return nil, err
		}
		return map[string]any{seg: child}, nil
	case map[string]any:
		child, err := appendIn(c[seg], segs[1:], v)
		if err != nil {
			return nil, err
		}
		c[seg] = child
		return c, nil
	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(c) {
			return nil, fmt.Errorf("index %q out of range", seg)
		}
		child, err := appendIn(c[i], segs[1:], v)
		if err != nil {
			return nil, err
		}
		c[i] = child
		return c, nil
	default:
		return nil, fmt.Errorf("segment %q descends through a scalar", seg)
	}
}

func deleteIn(container any, segs []string) (any, bool, error) {
	seg := segs[0]
	switch c := container.(type) {
	case nil:
		return nil, false, nil
	case map[string]any:
		if len(segs) == 1 {
			if _, ok := c[seg]; !ok {
				return c, false, nil
			}
			delete(c, seg)
			return c, true, nil
		}
		child, ok := c[seg]
		if !ok {
			return c, false, nil
		}
		updated, changed, err := deleteIn(child, segs[1:])
		if err != nil {
			return nil, false, err
		}
		c[seg] = updated
		return c, changed, nil
	case []any:
		return nil, false, fmt.Errorf("cannot delete inside an array; set the array instead")
	default:
		return nil, false, fmt.Errorf("segment %q descends through a scalar", seg)
	}
}
