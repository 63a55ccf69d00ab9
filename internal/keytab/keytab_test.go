package keytab

import (
	"encoding/json"
	"reflect"
	"testing"

	"parlor.gg/internal/protocol"
)

func TestTableAssign(t *testing.T) {
	tab := NewTable(2)
	a, ok := tab.Assign("a")
	if !ok || a != 0 {
		t.Fatalf("assign a: %d %v", a, ok)
	}
	b, ok := tab.Assign("b")
	if !ok || b != 1 {
		t.Fatalf("assign b: %d %v", b, ok)
	}
	if again, ok := tab.Assign("a"); !ok || again != 0 {
		t.Fatalf("reassign a: %d %v", again, ok)
	}
	if _, ok := tab.Assign("c"); ok {
		t.Fatalf("full table must refuse new keys")
	}
	if tab.Len() != 2 {
		t.Fatalf("len: %d", tab.Len())
	}
}

func TestStreamDefinesOnceThenReferences(t *testing.T) {
	tab := NewTable(0)
	st := NewStream(tab)

	first := st.Tokens([]string{"p1"})
	if len(first) != 1 || !first[0].IsDef() || first[0].Slot != 0 || first[0].Raw != "p1" {
		t.Fatalf("first use must define: %+v", first)
	}
	for i := 0; i < 3; i++ {
		again := st.Tokens([]string{"p1"})
		if len(again) != 1 || again[0].IsDef() || !again[0].HasSlot || again[0].Slot != 0 {
			t.Fatalf("later use must reference bare slot: %+v", again)
		}
	}
}

func TestStreamsShareSlotsDefineIndependently(t *testing.T) {
	tab := NewTable(0)
	a := NewStream(tab)
	b := NewStream(tab)

	ta := a.Tokens([]string{"p1"})
	if !ta[0].IsDef() || ta[0].Slot != 0 {
		t.Fatalf("stream a first use: %+v", ta)
	}
	// Same slot number, but b has not been sent the definition yet.
	tb := b.Tokens([]string{"p1"})
	if !tb[0].IsDef() || tb[0].Slot != 0 {
		t.Fatalf("stream b first use must still define: %+v", tb)
	}
	if tok := b.Tokens([]string{"p1"}); tok[0].IsDef() {
		t.Fatalf("stream b second use: %+v", tok)
	}
}

func TestTokensAvoidDefinitionShape(t *testing.T) {
	tab := NewTable(1)
	st := NewStream(tab)

	// Seat "room9" in the only slot and send its definition.
	if tok := st.Tokens([]string{"room9"}); !tok[0].IsDef() {
		t.Fatalf("expected definition: %+v", tok)
	}
	// Natural encoding would now be [0, "guest"], which reads as a
	// definition of slot 0. The leading key must degrade to raw.
	toks := st.Tokens([]string{"room9", "guest"})
	enc := protocol.EncodeKeys(toks)
	if !reflect.DeepEqual(enc, []any{"room9", "guest"}) {
		t.Fatalf("ambiguous shape not avoided: %#v", enc)
	}
	dec, err := protocol.DecodeKeys(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(dec) != 2 || dec[0].Raw != "room9" || dec[1].Raw != "guest" {
		t.Fatalf("decoded: %+v", dec)
	}
}

func TestStreamDecoderRoundTrip(t *testing.T) {
	tab := NewTable(0)
	st := NewStream(tab)
	dec := NewDecoder()

	send := func(keys []string) []string {
		t.Helper()
		// Run the tokens through real JSON to cover the wire shapes.
		raw, err := json.Marshal(protocol.EncodeKeys(st.Tokens(keys)))
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var wire any
		if err := json.Unmarshal(raw, &wire); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		toks, err := protocol.DecodeKeys(wire)
		if err != nil {
			t.Fatalf("decode keys: %v", err)
		}
		got, err := dec.Keys(toks)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		return got
	}

	for _, keys := range [][]string{
		{"p1"},
		{"p1"},
		{"p2", "inv"},
		{"p1", "inv"},
		{"p2", "inv", "slot0"},
	} {
		if got := send(keys); !reflect.DeepEqual(got, keys) {
			t.Fatalf("round trip %v: got %v", keys, got)
		}
	}
}

func TestDecoderStaleSlot(t *testing.T) {
	dec := NewDecoder()
	if _, err := dec.Keys([]protocol.KeyToken{protocol.SlotKey(7)}); err == nil {
		t.Fatalf("expected stale slot error")
	}
}
