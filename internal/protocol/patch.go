package protocol

import "fmt"

// Patch operations.
const (
	OpSet    = "set"
	OpDelete = "del"
	OpAdd    = "add"
)

// Patch is one replicated mutation. Path is the precompiled hash of the
// field's static path shape; Keys fills in the wildcard segments when
// the shape has any, encoded per EncodeKeys. Value is absent for OpDelete.
type Patch struct {
	Path  uint32 `json:"p"`
	Keys  any    `json:"k,omitempty"`
	Op    string `json:"o"`
	Value any    `json:"v,omitempty"`
}

// KeyToken is one dynamic-key segment. Exactly one of three forms:
//   - raw string (HasRaw): key not defined in the scope's table
//   - slot reference (HasSlot): a previously defined slot
//   - definition (both): binds Slot to Raw for the rest of the scope
type KeyToken struct {
	Slot    int
	Raw     string
	HasSlot bool
	HasRaw  bool
}

func RawKey(s string) KeyToken { return KeyToken{Raw: s, HasRaw: true} }
func SlotKey(n int) KeyToken   { return KeyToken{Slot: n, HasSlot: true} }
func DefKey(n int, s string) KeyToken {
	return KeyToken{Slot: n, Raw: s, HasSlot: true, HasRaw: true}
}

// IsDef reports whether the token defines its slot.
func (t KeyToken) IsDef() bool { return t.HasSlot && t.HasRaw }

// EncodeKeys renders tokens for the Patch.Keys field: nil for none, the
// bare token for one, an ordered list (outermost first) for several.
// Callers must never produce a two-token list rendering as
// [integer, string]; that shape is reserved for a lone definition
// token (see DecodeKeys).
func EncodeKeys(tokens []KeyToken) any {
	switch len(tokens) {
	case 0:
		return nil
	case 1:
		return encodeKey(tokens[0])
	default:
		out := make([]any, len(tokens))
		for i, t := range tokens {
			out[i] = encodeKey(t)
		}
		return out
	}
}

func encodeKey(t KeyToken) any {
	switch {
	case t.IsDef():
		return []any{t.Slot, t.Raw}
	case t.HasSlot:
		return t.Slot
	default:
		return t.Raw
	}
}

// DecodeKeys parses a Patch.Keys value back into tokens. A two-element
// array is a single definition iff its first element is an integer and
// its second a string; any other array is a multi-key token list.
func DecodeKeys(v any) ([]KeyToken, error) {
	if v == nil {
		return nil, nil
	}
	if slot, raw, ok := defShape(v); ok {
		return []KeyToken{DefKey(slot, raw)}, nil
	}
	if list, ok := v.([]any); ok {
		out := make([]KeyToken, len(list))
		for i, el := range list {
			t, err := decodeKey(el)
			if err != nil {
				return nil, fmt.Errorf("key %d: %w", i, err)
			}
			out[i] = t
		}
		return out, nil
	}
	t, err := decodeKey(v)
	if err != nil {
		return nil, err
	}
	return []KeyToken{t}, nil
}

func decodeKey(v any) (KeyToken, error) {
	if slot, raw, ok := defShape(v); ok {
		return DefKey(slot, raw), nil
	}
	switch k := v.(type) {
	case string:
		return RawKey(k), nil
	case float64:
		n, ok := wholeSlot(k)
		if !ok {
			return KeyToken{}, fmt.Errorf("slot ref %v is not a non-negative integer", k)
		}
		return SlotKey(n), nil
	case int: // tokens built in-process rather than decoded from JSON
		if k < 0 {
			return KeyToken{}, fmt.Errorf("slot ref %d is negative", k)
		}
		return SlotKey(k), nil
	default:
		return KeyToken{}, fmt.Errorf("bad key token %T", v)
	}
}

// defShape matches the reserved [slot, rawString] pair.
func defShape(v any) (slot int, raw string, ok bool) {
	pair, isList := v.([]any)
	if !isList || len(pair) != 2 {
		return 0, "", false
	}
	raw, sOK := pair[1].(string)
	if !sOK {
		return 0, "", false
	}
	switch n := pair[0].(type) {
	case float64:
		slot, ok = wholeSlot(n)
	case int:
		slot, ok = n, n >= 0
	}
	if !ok {
		return 0, "", false
	}
	return slot, raw, true
}

func wholeSlot(f float64) (int, bool) {
	n := int(f)
	if float64(n) != f || n < 0 {
		return 0, false
	}
	return n, true
}
