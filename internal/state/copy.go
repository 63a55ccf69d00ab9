package state

// DeepCopy clones JSON-shaped values: string-keyed maps, slices and
// scalars. Any other type is returned as-is and must be treated as
// immutable by whoever stores it.
func DeepCopy(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = DeepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = DeepCopy(e)
		}
		return out
	default:
		return v
	}
}
