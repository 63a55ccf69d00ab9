package schema

import "fmt"

// Kind enumerates the closed set of replication policies.
type Kind uint8

const (
	KindServerOnly Kind = iota
	KindBroadcast
	KindPerParticipantSlice
	KindPerParticipant
	KindMasked
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindServerOnly:
		return "serverOnly"
	case KindBroadcast:
		return "broadcast"
	case KindPerParticipantSlice:
		return "perParticipantSlice"
	case KindPerParticipant:
		return "perParticipant"
	case KindMasked:
		return "masked"
	case KindCustom:
		return "custom"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// FilterFunc derives one participant's view of a stored value. Returning
// ok=false omits the field from that participant's view entirely.
type FilterFunc func(participantID string, v any) (out any, ok bool)

// MaskFunc transforms a stored value identically for every receiver.
type MaskFunc func(v any) any

// Policy is fixed per field for the schema's lifetime; only values
// change. Policy functions must be pure and total over every value the
// field can hold: a panic inside one is an authoring error and is not
// recovered by the runtime.
type Policy struct {
	Kind   Kind
	Filter FilterFunc
	Mask   MaskFunc
}

// ServerOnly fields never leave the process.
func ServerOnly() Policy { return Policy{Kind: KindServerOnly} }

// Broadcast fields replicate identically to every participant.
func Broadcast() Policy { return Policy{Kind: KindBroadcast} }

// PerParticipantSlice marks a map field keyed by participant id: each
// participant sees only the entry under their own id. The field's first
// wildcard segment carries the participant id.
func PerParticipantSlice() Policy { return Policy{Kind: KindPerParticipantSlice} }

// PerParticipant filters the stored value per receiver through fn.
func PerParticipant(fn FilterFunc) Policy {
	return Policy{Kind: KindPerParticipant, Filter: fn}
}

// Masked sends fn(value), the same transform for every receiver.
func Masked(fn MaskFunc) Policy { return Policy{Kind: KindMasked, Mask: fn} }

// Custom transforms the stored value arbitrarily per receiver.
func Custom(fn FilterFunc) Policy { return Policy{Kind: KindCustom, Filter: fn} }
