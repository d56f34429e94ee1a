package config

import "hash/fnv"

// hashBytes is the content fingerprint used to skip redundant reload
// publishes. Not cryptographic; collisions only cost one extra publish.
func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
