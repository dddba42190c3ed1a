package schemaregistry

import (
	"hash/fnv"
	"sort"
)

// sortStrings sorts ss in place; a tiny local helper so namespaceFor does
// not need to import a general-purpose slices/sort utility package for one
// call site.
func sortStrings(ss []string) {
	sort.Strings(ss)
}

// hashStrings combines ss (already sorted by the caller) into a stable
// 64-bit value used as a short, deterministic namespace suffix. Not
// cryptographic: collisions only risk two distinct profile sets sharing an
// Avro namespace, which is a schema-registry cache key, not a security
// boundary.
func hashStrings(ss []string) uint64 {
	h := fnv.New64a()
	for _, s := range ss {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return h.Sum64()
}
