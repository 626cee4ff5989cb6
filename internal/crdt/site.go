package crdt

import "hash/fnv"

// SiteFromString derives a site id from a stable identity string such as a
// connection or agent uuid. Collisions between concurrent writers of the
// same document would break seq contiguity, but a 64-bit FNV over uuids
// makes that vanishingly unlikely.
func SiteFromString(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	v := h.Sum64()
	if v == 0 {
		v = 1
	}
	return v
}
