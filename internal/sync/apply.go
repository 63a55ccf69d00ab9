package sync

import (
	"fmt"
	"strings"

	"parlor.gg/internal/keytab"
	"parlor.gg/internal/protocol"
	"parlor.gg/internal/schema"
	"parlor.gg/internal/state"
)

// Applier reconstructs a receiver's view from sync payloads: the client
// half of the engine. cmd/bot drives one per session, and the
// round-trip tests hold it against the server's own snapshots.
type Applier struct {
	schema *schema.Schema
	dec    map[string]*keytab.Decoder
	views  map[string]map[string]any // scope -> instance path -> value
}

func NewApplier(s *schema.Schema) *Applier {
	return &Applier{
		schema: s,
		dec:    make(map[string]*keytab.Decoder),
		views:  make(map[string]map[string]any),
	}
}

// Apply ingests one scope payload. A firstSync restarts the scope: its
// decoder table and view are replaced before the patches apply.
func (a *Applier) Apply(scope, mode string, patches []protocol.Patch) error {
	if mode == protocol.ModeFirstSync || a.dec[scope] == nil {
		a.dec[scope] = keytab.NewDecoder()
		a.views[scope] = make(map[string]any)
	}
	dec := a.dec[scope]
	view := a.views[scope]
	for i, p := range patches {
		f, ok := a.schema.ByHash(p.Path)
		if !ok {
			return fmt.Errorf("patch %d: unknown path hash %d", i, p.Path)
		}
		toks, err := protocol.DecodeKeys(p.Keys)
		if err != nil {
			return fmt.Errorf("patch %d (%s): %w", i, f.Shape, err)
		}
		keys, err := dec.Keys(toks)
		if err != nil {
			return fmt.Errorf("patch %d (%s): %w", i, f.Shape, err)
		}
		if len(keys) != f.Wilds {
			return fmt.Errorf("patch %d (%s): %d keys for %d wildcards", i, f.Shape, len(keys), f.Wilds)
		}
		ipath := f.Instance(keys)
		switch p.Op {
		case protocol.OpSet:
			view[ipath] = p.Value
		case protocol.OpDelete:
			delete(view, ipath)
		case protocol.OpAdd:
			arr, _ := view[ipath].([]any)
			view[ipath] = append(arr, p.Value)
		default:
			return fmt.Errorf("patch %d (%s): unknown op %q", i, f.Shape, p.Op)
		}
	}
	return nil
}

// ApplyRound ingests both payloads of one receiver's round.
func (a *Applier) ApplyRound(rr ReceiverRound) error {
	if rr.Broadcast != nil {
		if err := a.Apply(rr.Broadcast.Scope, rr.Broadcast.Mode, rr.Broadcast.Patches); err != nil {
			return err
		}
	}
	if rr.Self != nil {
		if err := a.Apply(rr.Self.Scope, rr.Self.Mode, rr.Self.Patches); err != nil {
			return err
		}
	}
	return nil
}

// View merges every scope into one nested map, deep-copied.
func (a *Applier) View() map[string]any {
	root := make(map[string]any)
	for _, view := range a.views {
		for ipath, v := range view {
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
			m[segs[len(segs)-1]] = state.DeepCopy(v)
		}
	}
	return root
}

// Value returns the value at one concrete instance path, if present in
// any scope.
func (a *Applier) Value(ipath string) (any, bool) {
	for _, view := range a.views {
		if v, ok := view[ipath]; ok {
			return state.DeepCopy(v), true
		}
	}
	return nil, false
}
