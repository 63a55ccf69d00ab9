package sync

import (
	"fmt"
	"reflect"
	"testing"

	"parlor.gg/internal/protocol"
	"parlor.gg/internal/schema"
	"parlor.gg/internal/state"
)

// engineSchema exercises every policy kind: broadcast fields, a masked
// seed, a per-participant slice, a filtered radar map, a custom
// transform and a serverOnly field.
func engineSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.NewBuilder().
		Field("phase", schema.Broadcast()).
		Field("seed", schema.Masked(func(v any) any { return "****" })).
		Field("players/*/hp", schema.PerParticipantSlice()).
		Field("players/*/pos", schema.Broadcast()).
		Field("chat", schema.Broadcast()).
		Field("radar", schema.PerParticipant(func(id string, v any) (any, bool) {
			m, ok := v.(map[string]any)
			if !ok {
				return nil, false
			}
			out, ok := m[id]
			return out, ok
		})).
		Field("banner", schema.Custom(func(id string, v any) (any, bool) {
			return fmt.Sprintf("%v:%s", v, id), true
		})).
		Field("secret", schema.ServerOnly()).
		Build()
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	return s
}

func mustWrite(t *testing.T, tr *state.Tree, path string, v any) {
	t.Helper()
	if err := tr.Write(path, v); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func rrFor(t *testing.T, r *Round, id string) ReceiverRound {
	t.Helper()
	if r == nil {
		t.Fatalf("round is nil")
	}
	rr, ok := r.Receivers[id]
	if !ok {
		t.Fatalf("round has nothing for %q", id)
	}
	return rr
}

func findPatch(p *Payload, hash uint32) (protocol.Patch, bool) {
	if p == nil {
		return protocol.Patch{}, false
	}
	for _, pc := range p.Patches {
		if pc.Path == hash {
			return pc, true
		}
	}
	return protocol.Patch{}, false
}

func TestFirstSyncCoversVisibleState(t *testing.T) {
	s := engineSchema(t)
	tr := state.NewTree(s)
	e := NewEngine(tr, 0)

	mustWrite(t, tr, "phase", "lobby")
	mustWrite(t, tr, "seed", 424242)
	mustWrite(t, tr, "players/a/hp", 100)
	mustWrite(t, tr, "players/a/pos", map[string]any{"x": 0})
	mustWrite(t, tr, "players/b/hp", 90)
	mustWrite(t, tr, "radar", map[string]any{"a": "ra", "b": "rb"})
	mustWrite(t, tr, "banner", "day1")
	mustWrite(t, tr, "secret", "hush")
	e.Track("a")

	r := e.Compute()
	rr := rrFor(t, r, "a")
	if rr.Broadcast == nil || rr.Broadcast.Mode != protocol.ModeFirstSync {
		t.Fatalf("broadcast payload: %+v", rr.Broadcast)
	}
	if rr.Self == nil || rr.Self.Mode != protocol.ModeFirstSync {
		t.Fatalf("self payload: %+v", rr.Self)
	}

	if p, ok := findPatch(rr.Broadcast, schema.PathHash("phase")); !ok || p.Value != "lobby" {
		t.Fatalf("phase patch: %+v ok=%v", p, ok)
	}
	if p, ok := findPatch(rr.Broadcast, schema.PathHash("seed")); !ok || p.Value != "****" {
		t.Fatalf("seed must arrive masked: %+v ok=%v", p, ok)
	}
	if _, ok := findPatch(rr.Broadcast, schema.PathHash("players/*/pos")); !ok {
		t.Fatalf("pos missing from broadcast firstSync")
	}

	hpHash := schema.PathHash("players/*/hp")
	var hpPatches []protocol.Patch
	for _, pc := range rr.Self.Patches {
		if pc.Path == hpHash {
			hpPatches = append(hpPatches, pc)
		}
	}
	if len(hpPatches) != 1 || hpPatches[0].Value != 100 {
		t.Fatalf("self firstSync must carry only own hp entry: %+v", hpPatches)
	}
	if p, ok := findPatch(rr.Self, schema.PathHash("radar")); !ok || p.Value != "ra" {
		t.Fatalf("radar patch: %+v ok=%v", p, ok)
	}
	if p, ok := findPatch(rr.Self, schema.PathHash("banner")); !ok || p.Value != "day1:a" {
		t.Fatalf("banner patch: %+v ok=%v", p, ok)
	}

	secretHash := schema.PathHash("secret")
	for _, payload := range []*Payload{rr.Broadcast, rr.Self} {
		if _, ok := findPatch(payload, secretHash); ok {
			t.Fatalf("serverOnly field leaked")
		}
	}
}

func TestDiffCollapsesWritesToLastValue(t *testing.T) {
	s := engineSchema(t)
	tr := state.NewTree(s)
	e := NewEngine(tr, 0)
	e.Track("a")
	e.Compute()

	for _, v := range []any{10, 20, 30} {
		mustWrite(t, tr, "players/a/hp", v)
	}
	r := e.Compute()
	rr := rrFor(t, r, "a")
	if rr.Broadcast != nil {
		t.Fatalf("unexpected broadcast payload: %+v", rr.Broadcast)
	}
	if rr.Self == nil || rr.Self.Mode != protocol.ModeDiff || len(rr.Self.Patches) != 1 {
		t.Fatalf("self diff: %+v", rr.Self)
	}
	if p := rr.Self.Patches[0]; p.Op != protocol.OpSet || p.Value != 30 {
		t.Fatalf("collapsed patch: %+v", p)
	}
}

func TestQuietRoundsProduceNothing(t *testing.T) {
	s := engineSchema(t)
	tr := state.NewTree(s)
	e := NewEngine(tr, 0)
	e.Track("a")
	if r := e.Compute(); r == nil {
		t.Fatalf("first round must emit firstSync anchors")
	}
	if r := e.Compute(); r != nil {
		t.Fatalf("no-change round: %+v", r)
	}
	// serverOnly churn is invisible.
	mustWrite(t, tr, "secret", "v2")
	if r := e.Compute(); r != nil {
		t.Fatalf("serverOnly-only round: %+v", r)
	}
	// Rewriting the same value is snapshot-equal, so nothing ships.
	mustWrite(t, tr, "phase", "lobby")
	e.Compute()
	mustWrite(t, tr, "phase", "lobby")
	if r := e.Compute(); r != nil {
		t.Fatalf("equal-value round: %+v", r)
	}
}

func TestBroadcastDiffSharedAcrossReceivers(t *testing.T) {
	s := engineSchema(t)
	tr := state.NewTree(s)
	e := NewEngine(tr, 0)
	e.Track("a")
	e.Track("b")
	e.Compute()

	mustWrite(t, tr, "phase", "live")
	r := e.Compute()
	for _, id := range []string{"a", "b"} {
		rr := rrFor(t, r, id)
		if rr.Self != nil {
			t.Fatalf("%s: unexpected self payload", id)
		}
		if rr.Broadcast == nil || rr.Broadcast.Mode != protocol.ModeDiff || len(rr.Broadcast.Patches) != 1 {
			t.Fatalf("%s: broadcast diff: %+v", id, rr.Broadcast)
		}
		if p := rr.Broadcast.Patches[0]; p.Path != schema.PathHash("phase") || p.Value != "live" {
			t.Fatalf("%s: patch %+v", id, p)
		}
	}
}

func TestSliceEntriesStayPrivate(t *testing.T) {
	s := engineSchema(t)
	tr := state.NewTree(s)
	e := NewEngine(tr, 0)
	e.Track("a")
	e.Track("b")
	e.Compute()

	mustWrite(t, tr, "players/a/hp", 80)
	mustWrite(t, tr, "players/b/hp", 70)
	r := e.Compute()
	wants := map[string]any{"a": 80, "b": 70}
	for id, want := range wants {
		rr := rrFor(t, r, id)
		if rr.Self == nil || len(rr.Self.Patches) != 1 {
			t.Fatalf("%s: self diff: %+v", id, rr.Self)
		}
		if p := rr.Self.Patches[0]; p.Value != want {
			t.Fatalf("%s: saw someone else's entry: %+v", id, p)
		}
	}
}

func TestLateJoinerGetsFullFirstSyncThenDiffs(t *testing.T) {
	s := engineSchema(t)
	tr := state.NewTree(s)
	e := NewEngine(tr, 0)
	e.Track("a")
	mustWrite(t, tr, "phase", "lobby")
	mustWrite(t, tr, "players/n1/pos", map[string]any{"x": 1})
	e.Compute()
	mustWrite(t, tr, "phase", "live")
	e.Compute()

	// b joins a running room: full firstSync first, diffs after.
	e.Track("b")
	mustWrite(t, tr, "players/b/hp", 50)
	mustWrite(t, tr, "players/n1/pos", map[string]any{"x": 9})
	r := e.Compute()
	rb := rrFor(t, r, "b")
	if rb.Broadcast == nil || rb.Broadcast.Mode != protocol.ModeFirstSync {
		t.Fatalf("late joiner broadcast: %+v", rb.Broadcast)
	}
	if p, ok := findPatch(rb.Broadcast, schema.PathHash("phase")); !ok || p.Value != "live" {
		t.Fatalf("late joiner must see pre-join state: %+v ok=%v", p, ok)
	}
	if _, ok := findPatch(rb.Broadcast, schema.PathHash("players/*/pos")); !ok {
		t.Fatalf("late joiner missing keyed broadcast state")
	}
	if rb.Self == nil || rb.Self.Mode != protocol.ModeFirstSync {
		t.Fatalf("late joiner self: %+v", rb.Self)
	}

	// a, already live, gets a plain diff in the same round.
	ra := rrFor(t, r, "a")
	if ra.Broadcast == nil || ra.Broadcast.Mode != protocol.ModeDiff || len(ra.Broadcast.Patches) != 1 {
		t.Fatalf("existing receiver payload: %+v", ra.Broadcast)
	}

	// b's stream alone, starting at its firstSync, must decode: keyed
	// patches in later diffs reference slots b itself saw defined.
	ap := NewApplier(s)
	if err := ap.ApplyRound(rb); err != nil {
		t.Fatalf("apply firstSync: %v", err)
	}
	mustWrite(t, tr, "phase", "over")
	mustWrite(t, tr, "players/n1/pos", map[string]any{"x": 2})
	r = e.Compute()
	rb = rrFor(t, r, "b")
	if rb.Broadcast == nil || rb.Broadcast.Mode != protocol.ModeDiff {
		t.Fatalf("late joiner second round: %+v", rb.Broadcast)
	}
	if err := ap.ApplyRound(rb); err != nil {
		t.Fatalf("apply diff: %v", err)
	}
	if v, ok := ap.Value("players/n1/pos"); !ok || !reflect.DeepEqual(v, map[string]any{"x": 2}) {
		t.Fatalf("late joiner view: %#v ok=%v", v, ok)
	}
}

func TestDeleteEmitsDelAndDropsCache(t *testing.T) {
	s := engineSchema(t)
	tr := state.NewTree(s)
	e := NewEngine(tr, 0)
	e.Track("a")
	mustWrite(t, tr, "players/a/hp", 100)
	mustWrite(t, tr, "players/a/pos", map[string]any{"x": 1})
	e.Compute()

	if err := tr.Delete("players/a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	r := e.Compute()
	rr := rrFor(t, r, "a")
	p, ok := findPatch(rr.Broadcast, schema.PathHash("players/*/pos"))
	if !ok || p.Op != protocol.OpDelete || p.Value != nil {
		t.Fatalf("pos delete patch: %+v ok=%v", p, ok)
	}
	p, ok = findPatch(rr.Self, schema.PathHash("players/*/hp"))
	if !ok || p.Op != protocol.OpDelete {
		t.Fatalf("hp delete patch: %+v ok=%v", p, ok)
	}

	// Recreating after a delete is a plain set.
	mustWrite(t, tr, "players/a/pos", map[string]any{"x": 2})
	r = e.Compute()
	p, ok = findPatch(rrFor(t, r, "a").Broadcast, schema.PathHash("players/*/pos"))
	if !ok || p.Op != protocol.OpSet {
		t.Fatalf("recreate patch: %+v ok=%v", p, ok)
	}
}

func TestSingleAppendCompressesToAdd(t *testing.T) {
	s := engineSchema(t)
	tr := state.NewTree(s)
	e := NewEngine(tr, 0)
	e.Track("a")
	if err := tr.Append("chat", "one"); err != nil {
		t.Fatalf("append: %v", err)
	}
	e.Compute()

	if err := tr.Append("chat", "two"); err != nil {
		t.Fatalf("append: %v", err)
	}
	r := e.Compute()
	p, ok := findPatch(rrFor(t, r, "a").Broadcast, schema.PathHash("chat"))
	if !ok || p.Op != protocol.OpAdd || p.Value != "two" {
		t.Fatalf("add patch: %+v ok=%v", p, ok)
	}

	// Two appends inside one interval fall back to a full set.
	if err := tr.Append("chat", "three"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tr.Append("chat", "four"); err != nil {
		t.Fatalf("append: %v", err)
	}
	r = e.Compute()
	p, ok = findPatch(rrFor(t, r, "a").Broadcast, schema.PathHash("chat"))
	if !ok || p.Op != protocol.OpSet {
		t.Fatalf("multi-append patch: %+v ok=%v", p, ok)
	}
	want := []any{"one", "two", "three", "four"}
	if !reflect.DeepEqual(p.Value, want) {
		t.Fatalf("multi-append value: %+v", p.Value)
	}
}

func TestRejoinAndResyncStartOver(t *testing.T) {
	s := engineSchema(t)
	tr := state.NewTree(s)
	e := NewEngine(tr, 0)
	mustWrite(t, tr, "phase", "lobby")
	e.Track("a")
	e.Compute()

	e.Drop("a")
	e.Track("a")
	r := e.Compute()
	rr := rrFor(t, r, "a")
	if rr.Broadcast == nil || rr.Broadcast.Mode != protocol.ModeFirstSync {
		t.Fatalf("rejoin must restart from firstSync: %+v", rr.Broadcast)
	}

	mustWrite(t, tr, "phase", "live")
	e.Compute()
	e.Resync("a")
	r = e.Compute()
	rr = rrFor(t, r, "a")
	if rr.Broadcast == nil || rr.Broadcast.Mode != protocol.ModeFirstSync {
		t.Fatalf("resync must restart from firstSync: %+v", rr.Broadcast)
	}
	if p, ok := findPatch(rr.Broadcast, schema.PathHash("phase")); !ok || p.Value != "live" {
		t.Fatalf("resync firstSync content: %+v ok=%v", p, ok)
	}
}

func TestSlotDefinedOnceThenReferencedBare(t *testing.T) {
	s := engineSchema(t)
	tr := state.NewTree(s)
	e := NewEngine(tr, 0)
	e.Track("a")
	mustWrite(t, tr, "players/n1/pos", map[string]any{"x": 1})
	r := e.Compute()
	p, ok := findPatch(rrFor(t, r, "a").Broadcast, schema.PathHash("players/*/pos"))
	if !ok {
		t.Fatalf("firstSync missing pos patch")
	}
	toks, err := protocol.DecodeKeys(p.Keys)
	if err != nil || len(toks) != 1 || !toks[0].IsDef() || toks[0].Raw != "n1" {
		t.Fatalf("first reference must define: %+v err=%v", toks, err)
	}
	slot := toks[0].Slot

	for i := 0; i < 3; i++ {
		mustWrite(t, tr, "players/n1/pos", map[string]any{"x": 2 + i})
		r = e.Compute()
		p, ok = findPatch(rrFor(t, r, "a").Broadcast, schema.PathHash("players/*/pos"))
		if !ok {
			t.Fatalf("diff missing pos patch")
		}
		if p.Keys != slot {
			t.Fatalf("later reference must be the bare slot %d: %#v", slot, p.Keys)
		}
	}
}

func TestRoundTripMatchesDirectSnapshot(t *testing.T) {
	s := engineSchema(t)
	tr := state.NewTree(s)
	e := NewEngine(tr, 0)
	ap := NewApplier(s)
	e.Track("a")

	step := func() {
		t.Helper()
		r := e.Compute()
		if r == nil {
			return
		}
		if rr, ok := r.Receivers["a"]; ok {
			if err := ap.ApplyRound(rr); err != nil {
				t.Fatalf("apply: %v", err)
			}
		}
	}

	mustWrite(t, tr, "phase", "lobby")
	mustWrite(t, tr, "seed", 7)
	mustWrite(t, tr, "players/a/hp", 100)
	mustWrite(t, tr, "players/a/pos", map[string]any{"x": 0, "y": 0})
	mustWrite(t, tr, "players/n1/pos", map[string]any{"x": 5, "y": 5})
	mustWrite(t, tr, "radar", map[string]any{"a": "quiet", "b": "loud"})
	mustWrite(t, tr, "banner", "w1")
	mustWrite(t, tr, "secret", "hush")
	step()

	mustWrite(t, tr, "phase", "live")
	mustWrite(t, tr, "players/a/hp", 80)
	if err := tr.Append("chat", "hello"); err != nil {
		t.Fatalf("append: %v", err)
	}
	step()

	mustWrite(t, tr, "players/a/pos/x", 3)
	if err := tr.Append("chat", "world"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tr.Delete("players/n1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	mustWrite(t, tr, "radar", map[string]any{"a": "ping", "b": "boom"})
	step()

	want := map[string]any{
		"phase": "live",
		"seed":  "****",
		"players": map[string]any{
			"a": map[string]any{
				"hp":  80,
				"pos": map[string]any{"x": 3, "y": 0},
			},
		},
		"chat":   []any{"hello", "world"},
		"radar":  "ping",
		"banner": "w1:a",
	}
	if got := ap.View(); !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip view:\n got %#v\nwant %#v", got, want)
	}
}

func TestRoundNumbersAdvanceOnlyWhenSomethingShips(t *testing.T) {
	s := engineSchema(t)
	tr := state.NewTree(s)
	e := NewEngine(tr, 0)
	e.Track("a")
	r1 := e.Compute()
	if r1 == nil || r1.Number != 1 {
		t.Fatalf("round 1: %+v", r1)
	}
	if r := e.Compute(); r != nil {
		t.Fatalf("empty round: %+v", r)
	}
	mustWrite(t, tr, "phase", "x")
	r2 := e.Compute()
	if r2 == nil || r2.Number != 2 {
		t.Fatalf("round 2: %+v", r2)
	}
}

func TestObserverGetsBroadcastScopeOnly(t *testing.T) {
	s := engineSchema(t)
	tr := state.NewTree(s)
	e := NewEngine(tr, 0)

	mustWrite(t, tr, "phase", "lobby")
	mustWrite(t, tr, "seed", 7)
	mustWrite(t, tr, "players/a/hp", 100)
	e.Track("a")
	e.TrackObserver("watch:1")

	r := e.Compute()
	rr := rrFor(t, r, "watch:1")
	if rr.Broadcast == nil || rr.Broadcast.Mode != protocol.ModeFirstSync {
		t.Fatalf("observer broadcast: %+v", rr.Broadcast)
	}
	if rr.Self != nil {
		t.Fatalf("observer must not get a self scope: %+v", rr.Self)
	}
	if p, ok := findPatch(rr.Broadcast, schema.PathHash("seed")); !ok || p.Value != "****" {
		t.Fatalf("seed must arrive masked for observers too: %+v ok=%v", p, ok)
	}
	if _, ok := findPatch(rr.Broadcast, schema.PathHash("players/*/hp")); ok {
		t.Fatalf("self-scope field leaked into observer broadcast")
	}

	// A personal-only change produces nothing for the observer.
	mustWrite(t, tr, "players/a/hp", 55)
	r = e.Compute()
	if r == nil {
		t.Fatalf("participant diff missing")
	}
	if _, ok := r.Receivers["watch:1"]; ok {
		t.Fatalf("observer received a personal-only round")
	}

	// A broadcast change reaches the observer as a diff.
	mustWrite(t, tr, "phase", "live")
	r = e.Compute()
	rr = rrFor(t, r, "watch:1")
	if rr.Broadcast == nil || rr.Broadcast.Mode != protocol.ModeDiff {
		t.Fatalf("observer diff: %+v", rr.Broadcast)
	}

	// Resync keeps the observer broadcast-only.
	e.Resync("watch:1")
	mustWrite(t, tr, "players/a/hp", 40)
	r = e.Compute()
	rr = rrFor(t, r, "watch:1")
	if rr.Broadcast == nil || rr.Broadcast.Mode != protocol.ModeFirstSync || rr.Self != nil {
		t.Fatalf("observer after resync: %+v", rr)
	}

	e.Drop("watch:1")
	mustWrite(t, tr, "phase", "over")
	r = e.Compute()
	if _, ok := r.Receivers["watch:1"]; ok {
		t.Fatalf("dropped observer still receiving")
	}
}
