package schema

import "hash/fnv"

// PathHash is the 32-bit FNV-1a of a field's canonical shape string.
// Collisions between a schema's shapes are rejected at build time, so a
// hash identifies exactly one field within its schema.
func PathHash(shape string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(shape))
	return h.Sum32()
}
