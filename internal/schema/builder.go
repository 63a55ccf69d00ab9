package schema

import (
	"fmt"
	"strings"
)

// Builder accumulates field declarations for one room type. All
// declaration errors surface at Build, so a bad schema stops room-type
// registration before any participant can join.
type Builder struct {
	decls []decl
}

type decl struct {
	shape  string
	policy Policy
}

func NewBuilder() *Builder { return &Builder{} }

// Field declares one path shape. Shapes use "/" separators with "*"
// wildcard segments, e.g. "players/*/hp".
func (b *Builder) Field(shape string, p Policy) *Builder {
	b.decls = append(b.decls, decl{shape: shape, policy: p})
	return b
}

func (b *Builder) Build() (*Schema, error) {
	if len(b.decls) == 0 {
		return nil, fmt.Errorf("schema: no fields declared")
	}
	s := &Schema{
		byShape: make(map[string]*Field, len(b.decls)),
		byHash:  make(map[uint32]*Field, len(b.decls)),
		root:    &node{},
	}
	for _, d := range b.decls {
		f, err := buildField(d)
		if err != nil {
			return nil, fmt.Errorf("schema: field %q: %w", d.shape, err)
		}
		if _, dup := s.byShape[f.Shape]; dup {
			return nil, fmt.Errorf("schema: field %q declared twice", f.Shape)
		}
		if prev, clash := s.byHash[f.Hash]; clash {
			return nil, fmt.Errorf("schema: path hash collision between %q and %q", prev.Shape, f.Shape)
		}
		if err := s.insert(f); err != nil {
			return nil, fmt.Errorf("schema: field %q: %w", f.Shape, err)
		}
		f.Index = len(s.fields)
		s.fields = append(s.fields, f)
		s.byShape[f.Shape] = f
		s.byHash[f.Hash] = f
	}
	return s, nil
}

func buildField(d decl) (*Field, error) {
	segs, err := splitPath(d.shape)
	if err != nil {
		return nil, err
	}
	f := &Field{
		Shape:    strings.Join(segs, "/"),
		Segments: segs,
		Policy:   d.policy,
	}
	for _, seg := range segs {
		if seg == Wildcard {
			f.Wilds++
			continue
		}
		if strings.Contains(seg, Wildcard) {
			return nil, fmt.Errorf("segment %q mixes wildcard and literal", seg)
		}
	}
	f.Hash = PathHash(f.Shape)
	switch d.policy.Kind {
	case KindPerParticipantSlice:
		if f.Wilds == 0 {
			return nil, fmt.Errorf("perParticipantSlice requires a wildcard segment")
		}
	case KindPerParticipant, KindCustom:
		if d.policy.Filter == nil {
			return nil, fmt.Errorf("%s policy requires a filter func", d.policy.Kind)
		}
	case KindMasked:
		if d.policy.Mask == nil {
			return nil, fmt.Errorf("masked policy requires a mask func")
		}
	}
	return f, nil
}

// insert places f in the lookup trie. Fields must not nest and a
// wildcard edge must not share a node with literal edges; both would
// make instance ownership of a concrete path ambiguous.
func (s *Schema) insert(f *Field) error {
	n := s.root
	for i, seg := range f.Segments {
		last := i == len(f.Segments)-1
		var next *node
		if seg == Wildcard {
			if len(n.children) > 0 {
				return fmt.Errorf("wildcard overlaps sibling literal segments")
			}
			if n.wild == nil {
				n.wild = &node{}
			}
			next = n.wild
		} else {
			if n.wild != nil {
				return fmt.Errorf("segment %q overlaps a sibling wildcard", seg)
			}
			if n.children == nil {
				n.children = make(map[string]*node)
			}
			if n.children[seg] == nil {
				n.children[seg] = &node{}
			}
			next = n.children[seg]
		}
		if next.field != nil {
			return fmt.Errorf("nested under field %q", next.field.Shape)
		}
		if last {
			if len(next.children) > 0 || next.wild != nil {
				return fmt.Errorf("field would contain other fields")
			}
			next.field = f
		}
		n = next
	}
	return nil
}
