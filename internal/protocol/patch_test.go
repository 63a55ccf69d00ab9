package protocol

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestEncodeKeysShapes(t *testing.T) {
	if got := EncodeKeys(nil); got != nil {
		t.Fatalf("no tokens: got %v, want nil", got)
	}
	if got := EncodeKeys([]KeyToken{RawKey("abc")}); got != "abc" {
		t.Fatalf("single raw: got %#v", got)
	}
	if got := EncodeKeys([]KeyToken{SlotKey(3)}); got != 3 {
		t.Fatalf("single slot: got %#v", got)
	}
	got := EncodeKeys([]KeyToken{DefKey(2, "p9")})
	if !reflect.DeepEqual(got, []any{2, "p9"}) {
		t.Fatalf("single def: got %#v", got)
	}
	got = EncodeKeys([]KeyToken{DefKey(0, "a"), RawKey("b")})
	if !reflect.DeepEqual(got, []any{[]any{0, "a"}, "b"}) {
		t.Fatalf("def+raw list: got %#v", got)
	}
}

func TestDecodeKeysDefinitionRule(t *testing.T) {
	// A two-element array is a single definition iff [integer, string].
	toks, err := DecodeKeys([]any{2.0, "p9"})
	if err != nil {
		t.Fatalf("decode def: %v", err)
	}
	if len(toks) != 1 || !toks[0].IsDef() || toks[0].Slot != 2 || toks[0].Raw != "p9" {
		t.Fatalf("decode def: got %+v", toks)
	}

	// Any other two-element array is a token list.
	toks, err = DecodeKeys([]any{"a", "b"})
	if err != nil {
		t.Fatalf("decode raw pair: %v", err)
	}
	if len(toks) != 2 || !toks[0].HasRaw || !toks[1].HasRaw {
		t.Fatalf("decode raw pair: got %+v", toks)
	}
	toks, err = DecodeKeys([]any{1.0, 2.0})
	if err != nil {
		t.Fatalf("decode slot pair: %v", err)
	}
	if len(toks) != 2 || toks[0].Slot != 1 || toks[1].Slot != 2 || toks[0].HasRaw || toks[1].HasRaw {
		t.Fatalf("decode slot pair: got %+v", toks)
	}

	// Nested definitions inside a longer list.
	toks, err = DecodeKeys([]any{[]any{0.0, "a"}, 1.0, "c"})
	if err != nil {
		t.Fatalf("decode mixed list: %v", err)
	}
	want := []KeyToken{DefKey(0, "a"), SlotKey(1), RawKey("c")}
	if !reflect.DeepEqual(toks, want) {
		t.Fatalf("decode mixed list: got %+v, want %+v", toks, want)
	}
}

func TestDecodeKeysScalars(t *testing.T) {
	toks, err := DecodeKeys(nil)
	if err != nil || toks != nil {
		t.Fatalf("nil keys: got %+v, %v", toks, err)
	}
	toks, err = DecodeKeys("abc")
	if err != nil || len(toks) != 1 || toks[0].Raw != "abc" || toks[0].HasSlot {
		t.Fatalf("raw scalar: got %+v, %v", toks, err)
	}
	toks, err = DecodeKeys(7.0)
	if err != nil || len(toks) != 1 || toks[0].Slot != 7 || toks[0].HasRaw {
		t.Fatalf("slot scalar: got %+v, %v", toks, err)
	}
}

func TestDecodeKeysRejectsBadTokens(t *testing.T) {
	for _, v := range []any{true, -1.0, 1.5, []any{true, "x"}, []any{[]any{"a", "b"}}} {
		if _, err := DecodeKeys(v); err == nil {
			t.Fatalf("expected error for %#v", v)
		}
	}
}

func TestPatchKeysJSONRoundTrip(t *testing.T) {
	in := Patch{
		Path: 0xDEADBEEF,
		Keys: EncodeKeys([]KeyToken{DefKey(0, "p1"), RawKey("inv")}),
		Op:   OpSet,
		Value: map[string]any{
			"count": 3,
		},
	}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Patch
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Path != in.Path || out.Op != in.Op {
		t.Fatalf("round trip header: got %+v", out)
	}
	toks, err := DecodeKeys(out.Keys)
	if err != nil {
		t.Fatalf("decode keys: %v", err)
	}
	want := []KeyToken{DefKey(0, "p1"), RawKey("inv")}
	if !reflect.DeepEqual(toks, want) {
		t.Fatalf("round trip keys: got %+v, want %+v", toks, want)
	}
}

func TestPatchDeleteOmitsValue(t *testing.T) {
	raw, err := json.Marshal(Patch{Path: 9, Op: OpDelete})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["v"]; ok {
		t.Fatalf("delete patch carries value: %s", raw)
	}
	if _, ok := m["k"]; ok {
		t.Fatalf("keyless patch carries keys: %s", raw)
	}
}
