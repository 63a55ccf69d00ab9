// Package keytab compresses dynamic key strings into small integer
// slots. A Table owns one scope's slot assignment (the room's shared
// broadcast scope or one room-participant scope) while a Stream
// tracks which definitions a single receiver has been sent, so every
// reference on the wire is decodable by the receiver it reaches.
package keytab

import (
	"fmt"

	"parlor.gg/internal/protocol"
)

// Table assigns slots to observed keys in first-seen order. A full
// table stops assigning; further keys travel raw. Tables are created at
// scope start and discarded with the scope, which is what bounds their
// growth across a room's lifetime.
type Table struct {
	slots map[string]int
	max   int
}

// NewTable caps slot growth at max; max <= 0 means unbounded.
func NewTable(max int) *Table {
	return &Table{slots: make(map[string]int), max: max}
}

// Assign returns the slot for key, allocating the next free slot on
// first sight. ok is false when the table is full and key has no slot.
func (t *Table) Assign(key string) (slot int, ok bool) {
	if s, have := t.slots[key]; have {
		return s, true
	}
	if t.max > 0 && len(t.slots) >= t.max {
		return 0, false
	}
	s := len(t.slots)
	t.slots[key] = s
	return s, true
}

func (t *Table) Len() int { return len(t.slots) }

// Stream encodes dynamic keys for one receiver over a shared Table.
// Slot numbers are stable across receivers; which definitions each
// receiver holds is tracked here, so a receiver that starts late (or
// starts over after a resync) gets definitions before references.
type Stream struct {
	table *Table
	seen  map[int]struct{}
}

func NewStream(t *Table) *Stream {
	return &Stream{table: t, seen: make(map[int]struct{})}
}

// Tokens encodes keys, outermost first. A slot's first appearance in
// this stream defines it; later appearances reference it bare. Keys the
// table cannot seat stay raw. A two-token [slot, raw] rendering would
// collide with the wire's definition shape, so in that one case the
// leading key degrades to raw as well.
func (s *Stream) Tokens(keys []string) []protocol.KeyToken {
	if len(keys) == 0 {
		return nil
	}
	out := make([]protocol.KeyToken, len(keys))
	for i, key := range keys {
		out[i] = s.token(key)
	}
	if len(out) == 2 && out[0].HasSlot && !out[0].HasRaw && out[1].HasRaw && !out[1].HasSlot {
		out[0] = protocol.RawKey(keys[0])
	}
	return out
}

func (s *Stream) token(key string) protocol.KeyToken {
	slot, ok := s.table.Assign(key)
	if !ok {
		return protocol.RawKey(key)
	}
	if _, defined := s.seen[slot]; defined {
		return protocol.SlotKey(slot)
	}
	s.seen[slot] = struct{}{}
	return protocol.DefKey(slot, key)
}

// Decoder is the receiving side of one scope: it learns definitions as
// they arrive and resolves references against them.
type Decoder struct {
	byslot map[int]string
}

func NewDecoder() *Decoder { return &Decoder{byslot: make(map[int]string)} }

// Keys resolves wire tokens back to raw keys, absorbing any definitions
// they carry. A reference to a slot never defined for this decoder is a
// stale-slot error; the caller's recovery is a forced resync.
func (d *Decoder) Keys(tokens []protocol.KeyToken) ([]string, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		switch {
		case tok.IsDef():
			d.byslot[tok.Slot] = tok.Raw
			out[i] = tok.Raw
		case tok.HasSlot:
			key, ok := d.byslot[tok.Slot]
			if !ok {
				return nil, fmt.Errorf("stale slot %d", tok.Slot)
			}
			out[i] = key
		default:
			out[i] = tok.Raw
		}
	}
	return out, nil
}
