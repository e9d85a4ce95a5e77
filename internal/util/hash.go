// Package util contains internal helpers (hashing, padding, powers of two).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

const (
	fnvOffset32 = 2166136261
	fnvPrime32  = 16777619
)

// Fnv32a hashes b using 32-bit FNV-1a.
//
// The dictionary stores slot hashes as a u32 in the shared region, hence the
// 32-bit variant. FNV is not flood-resistant; cache keys are expected to be
// application-generated query fingerprints, not untrusted input.
func Fnv32a(b []byte) uint32 {
	h := uint32(fnvOffset32)
	for _, c := range b {
		h ^= uint32(c)
		h *= fnvPrime32
	}
	return h
}
