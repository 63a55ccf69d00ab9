// Package sync computes per-round patch sets: one broadcast view shared
// by every participant and one individualized view per tracked
// participant. Diffing is snapshot-vs-snapshot against the engine's own
// caches; the caches are never authoritative.
package sync

import (
	"reflect"
	"sort"

	"parlor.gg/internal/keytab"
	"parlor.gg/internal/protocol"
	"parlor.gg/internal/schema"
	"parlor.gg/internal/state"
)

// Payload is one scope's rendering of a round for one receiver.
type Payload struct {
	Scope   string
	Mode    string
	Patches []protocol.Patch
}

// ReceiverRound couples the payloads one receiver gets for a round.
// Either side may be nil; a receiver with nothing to receive is left
// out of the round entirely.
type ReceiverRound struct {
	Broadcast *Payload
	Self      *Payload
}

// Round is one computed sync round. Patch values are shared read-only
// copies; token encodings are per receiver.
type Round struct {
	Number    uint64
	Receivers map[string]ReceiverRound
}

// PatchCount sums the patches across every receiver payload.
func (r *Round) PatchCount() int {
	n := 0
	for _, rr := range r.Receivers {
		if rr.Broadcast != nil {
			n += len(rr.Broadcast.Patches)
		}
		if rr.Self != nil {
			n += len(rr.Self.Patches)
		}
	}
	return n
}

// change is one diffed mutation before token encoding.
type change struct {
	field *schema.Field
	keys  []string
	path  string
	op    string
	value any
}

type cacheEntry struct {
	field *schema.Field
	keys  []string
	value any
}

// receiver is one sync-target's state. A rejoin or forced resync
// replaces the whole struct, which resets its caches and table scopes
// exactly once per scope lifetime. Broadcast-only receivers (watchers)
// carry no self scope at all.
type receiver struct {
	broadcastOnly bool
	bcastStream   *keytab.Stream
	bcastFresh    bool
	selfCache     map[string]cacheEntry
	selfTable     *keytab.Table
	selfStream    *keytab.Stream
	selfFresh     bool
}

// Engine owns the sync caches and dynamic key tables for one room. It
// is driven only from the room's serialized path: nothing here locks.
type Engine struct {
	tree     *state.Tree
	maxSlots int
	round    uint64

	// bcastCache mirrors every broadcast-visible instance (masked
	// values stored post-transform), so a late receiver's firstSync is
	// a straight render of the cache.
	bcastCache map[string]cacheEntry
	bcastTable *keytab.Table
	receivers  map[string]*receiver
}

// NewEngine wires an engine to its tree. maxSlots caps each dynamic key
// table scope; <= 0 means unbounded.
func NewEngine(tree *state.Tree, maxSlots int) *Engine {
	return &Engine{
		tree:       tree,
		maxSlots:   maxSlots,
		bcastCache: make(map[string]cacheEntry),
		bcastTable: keytab.NewTable(maxSlots),
		receivers:  make(map[string]*receiver),
	}
}

func (e *Engine) newReceiver(broadcastOnly bool) *receiver {
	r := &receiver{
		broadcastOnly: broadcastOnly,
		bcastStream:   keytab.NewStream(e.bcastTable),
		bcastFresh:    true,
	}
	if !broadcastOnly {
		st := keytab.NewTable(e.maxSlots)
		r.selfCache = make(map[string]cacheEntry)
		r.selfTable = st
		r.selfStream = keytab.NewStream(st)
		r.selfFresh = true
	}
	return r
}

// Track makes participantID a sync target. Tracking an id that is
// already tracked (a rejoin under a new session) starts it over from a
// fresh firstSync.
func (e *Engine) Track(participantID string) {
	e.receivers[participantID] = e.newReceiver(false)
}

// TrackObserver registers a broadcast-only target. Watchers share the
// broadcast stream with the participants and never get a self scope.
func (e *Engine) TrackObserver(id string) {
	e.receivers[id] = e.newReceiver(true)
}

// Drop removes the target with its caches and table scopes.
func (e *Engine) Drop(participantID string) {
	delete(e.receivers, participantID)
}

// Resync discards the target's caches and scopes so its next round is a
// full firstSync. The transport reaches this through the room after a
// dropped send.
func (e *Engine) Resync(participantID string) {
	if r, ok := e.receivers[participantID]; ok {
		e.receivers[participantID] = e.newReceiver(r.broadcastOnly)
	}
}

// Compute runs one sync round: it consumes the tree's dirty set, diffs
// against the caches and returns what each receiver should be sent.
// Returns nil when no receiver has anything to receive; the caches
// still absorb the consumed changes so nothing is lost.
func (e *Engine) Compute() *Round {
	dirty := e.tree.Dirty()
	e.tree.ClearDirty()

	bcastChanges := e.diffBroadcast(dirty)

	out := make(map[string]ReceiverRound)
	for id, r := range e.receivers {
		var rr ReceiverRound

		if r.bcastFresh {
			rr.Broadcast = encode(protocol.ScopeBroadcast, protocol.ModeFirstSync, renderCache(e.bcastCache), r.bcastStream)
			r.bcastFresh = false
		} else if len(bcastChanges) > 0 {
			rr.Broadcast = encode(protocol.ScopeBroadcast, protocol.ModeDiff, bcastChanges, r.bcastStream)
		}

		if r.broadcastOnly {
			if rr.Broadcast != nil {
				out[id] = rr
			}
			continue
		}

		if r.selfFresh {
			rr.Self = encode(protocol.ScopeSelf, protocol.ModeFirstSync, e.personalSnapshot(id, r), r.selfStream)
			r.selfFresh = false
		} else if ch := e.diffPersonal(id, r, dirty); len(ch) > 0 {
			rr.Self = encode(protocol.ScopeSelf, protocol.ModeDiff, ch, r.selfStream)
		}

		if rr.Broadcast != nil || rr.Self != nil {
			out[id] = rr
		}
	}
	if len(out) == 0 {
		return nil
	}
	e.round++
	return &Round{Number: e.round, Receivers: out}
}

// diffBroadcast folds the dirty set into the shared broadcast cache and
// returns the resulting changes. Masked fields are compared and cached
// post-transform so receivers only ever see the masked value.
func (e *Engine) diffBroadcast(dirty []state.Entry) []change {
	var out []change
	for _, en := range dirty {
		k := en.Field.Policy.Kind
		if k != schema.KindBroadcast && k != schema.KindMasked {
			continue
		}
		if !en.Exists {
			if _, had := e.bcastCache[en.Path]; had {
				delete(e.bcastCache, en.Path)
				out = append(out, change{field: en.Field, keys: en.Keys, path: en.Path, op: protocol.OpDelete})
			}
			continue
		}
		newVal := state.DeepCopy(en.Value)
		if k == schema.KindMasked {
			newVal = en.Field.Policy.Mask(newVal)
		}
		prev, had := e.bcastCache[en.Path]
		if had && reflect.DeepEqual(prev.value, newVal) {
			continue
		}
		op, val := protocol.OpSet, newVal
		if had {
			if el, ok := appendOfOne(prev.value, newVal); ok {
				op, val = protocol.OpAdd, el
			}
		}
		e.bcastCache[en.Path] = cacheEntry{field: en.Field, keys: en.Keys, value: newVal}
		out = append(out, change{field: en.Field, keys: en.Keys, path: en.Path, op: op, value: val})
	}
	return out
}

// diffPersonal diffs one receiver's filtered view of the dirty set
// against their cache. Visibility transitions fall out of the snapshot
// comparison: a value that filters to invisible deletes, one that
// becomes visible sets.
func (e *Engine) diffPersonal(id string, r *receiver, dirty []state.Entry) []change {
	var out []change
	for _, en := range dirty {
		if !personalKind(en.Field.Policy.Kind) {
			continue
		}
		if !en.Exists {
			if _, had := r.selfCache[en.Path]; had {
				delete(r.selfCache, en.Path)
				out = append(out, change{field: en.Field, keys: en.Keys, path: en.Path, op: protocol.OpDelete})
			}
			continue
		}
		view, visible := personalView(id, en.Field, en.Keys, en.Value)
		prev, had := r.selfCache[en.Path]
		switch {
		case !visible && had:
			delete(r.selfCache, en.Path)
			out = append(out, change{field: en.Field, keys: en.Keys, path: en.Path, op: protocol.OpDelete})
		case !visible:
		case had && reflect.DeepEqual(prev.value, view):
		default:
			op, val := protocol.OpSet, view
			if had {
				if el, ok := appendOfOne(prev.value, view); ok {
					op, val = protocol.OpAdd, el
				}
			}
			r.selfCache[en.Path] = cacheEntry{field: en.Field, keys: en.Keys, value: view}
			out = append(out, change{field: en.Field, keys: en.Keys, path: en.Path, op: op, value: val})
		}
	}
	return out
}

// personalSnapshot builds a fresh receiver's full individualized view
// and primes their cache with it.
func (e *Engine) personalSnapshot(id string, r *receiver) []change {
	var out []change
	for _, en := range e.tree.Entries() {
		if !personalKind(en.Field.Policy.Kind) {
			continue
		}
		view, visible := personalView(id, en.Field, en.Keys, en.Value)
		if !visible {
			continue
		}
		r.selfCache[en.Path] = cacheEntry{field: en.Field, keys: en.Keys, value: view}
		out = append(out, change{field: en.Field, keys: en.Keys, path: en.Path, op: protocol.OpSet, value: view})
	}
	return out
}

func personalKind(k schema.Kind) bool {
	return k == schema.KindPerParticipantSlice || k == schema.KindPerParticipant || k == schema.KindCustom
}

// personalView derives one participant's view of a live entry. The
// returned value is the participant's own copy.
func personalView(participantID string, f *schema.Field, keys []string, live any) (any, bool) {
	switch f.Policy.Kind {
	case schema.KindPerParticipantSlice:
		if len(keys) == 0 || keys[0] != participantID {
			return nil, false
		}
		return state.DeepCopy(live), true
	case schema.KindPerParticipant, schema.KindCustom:
		return f.Policy.Filter(participantID, state.DeepCopy(live))
	default:
		return nil, false
	}
}

func encode(scope, mode string, changes []change, st *keytab.Stream) *Payload {
	p := &Payload{Scope: scope, Mode: mode, Patches: make([]protocol.Patch, 0, len(changes))}
	for _, c := range changes {
		p.Patches = append(p.Patches, protocol.Patch{
			Path:  c.field.Hash,
			Keys:  protocol.EncodeKeys(st.Tokens(c.keys)),
			Op:    c.op,
			Value: c.value,
		})
	}
	return p
}

func renderCache(cache map[string]cacheEntry) []change {
	out := make([]change, 0, len(cache))
	for p, ce := range cache {
		out = append(out, change{field: ce.field, keys: ce.keys, path: p, op: protocol.OpSet, value: ce.value})
	}
	sortChanges(out)
	return out
}

func sortChanges(cs []change) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].field.Index != cs[j].field.Index {
			return cs[i].field.Index < cs[j].field.Index
		}
		return cs[i].path < cs[j].path
	})
}

// appendOfOne reports whether next is prev plus exactly one trailing
// element, the case the add op compresses.
func appendOfOne(prev, next any) (any, bool) {
	pa, ok := prev.([]any)
	if !ok {
		return nil, false
	}
	na, ok := next.([]any)
	if !ok || len(na) != len(pa)+1 {
		return nil, false
	}
	for i := range pa {
		if !reflect.DeepEqual(pa[i], na[i]) {
			return nil, false
		}
	}
	return na[len(pa)], true
}
