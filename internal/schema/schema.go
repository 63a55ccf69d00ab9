package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Wildcard is the shape segment standing for any concrete map key or
// array index. Concrete numeric keys are written as strings.
const Wildcard = "*"

// ErrAboveFields marks a concrete path that follows declared shapes but
// ends before reaching a field, e.g. "players/p1" when the declared
// fields sit at "players/*/hp". Deleting such a prefix removes every
// field instance beneath it.
var ErrAboveFields = errors.New("path stops above any declared field")

// Field is one declared path shape with its replication policy.
type Field struct {
	Shape    string // canonical form, e.g. "players/*/hp"
	Segments []string
	Policy   Policy
	Hash     uint32
	Wilds    int // number of wildcard segments
	Index    int // declaration order within the schema
}

// Instance returns the concrete path for this field with keys filling
// its wildcard segments, in order. len(keys) must equal Wilds.
func (f *Field) Instance(keys []string) string {
	if f.Wilds == 0 {
		return f.Shape
	}
	segs := make([]string, len(f.Segments))
	k := 0
	for i, seg := range f.Segments {
		if seg == Wildcard {
			segs[i] = keys[k]
			k++
			continue
		}
		segs[i] = seg
	}
	return strings.Join(segs, "/")
}

type node struct {
	children map[string]*node
	wild     *node
	field    *Field
}

// Schema is the immutable field table a room type is built around.
// Fields never nest: a concrete path resolves to exactly one field.
type Schema struct {
	fields  []*Field
	byShape map[string]*Field
	byHash  map[uint32]*Field
	root    *node
}

// Fields returns the declared fields in declaration order.
func (s *Schema) Fields() []*Field { return s.fields }

func (s *Schema) ByHash(h uint32) (*Field, bool) {
	f, ok := s.byHash[h]
	return f, ok
}

func (s *Schema) ByShape(shape string) (*Field, bool) {
	f, ok := s.byShape[shape]
	return f, ok
}

// Resolve maps a concrete path to its declared field. keys holds the
// concrete values of the field's wildcard segments; rest holds any
// segments below the field's own depth.
func (s *Schema) Resolve(path string) (f *Field, keys []string, rest []string, err error) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("path %q: %w", path, err)
	}
	n := s.root
	for i, seg := range segs {
		next, ok := n.children[seg]
		if !ok && n.wild != nil {
			next = n.wild
			keys = append(keys, seg)
			ok = true
		}
		if !ok {
			return nil, nil, nil, fmt.Errorf("path %q: no field under %q", path, strings.Join(segs[:i+1], "/"))
		}
		if next.field != nil {
			return next.field, keys, segs[i+1:], nil
		}
		n = next
	}
	return nil, nil, nil, fmt.Errorf("path %q: %w", path, ErrAboveFields)
}

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("empty segment")
		}
	}
	return segs, nil
}
