package util

import "github.com/cespare/xxhash/v2"

// PrimaryHash64 is the primary hash used by the record store's bucket
// selection (spec §4.2). The teacher's dependency graph has no hashing
// library of its own, so this is grounded on the pack's
// rpcpool-yellowstone-faithful dependency on github.com/cespare/xxhash/v2,
// a fast, well-tested 64-bit hash, used here in place of the source's
// hand-rolled Murmur-style mix.
func PrimaryHash64(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// BucketResidue derives the one-byte BST residue spec §4.2 describes
// ("a secondary one-byte residue stored in the record header accelerates
// BST compares") from the same 64-bit hash used for bucket selection,
// rather than computing a second independent hash.
func BucketResidue(hash uint64) byte {
	return byte(hash >> 56)
}

// BucketIndex reduces a 64-bit hash to a bucket number.
func BucketIndex(hash uint64, bnum uint64) uint64 {
	if bnum == 0 {
		return 0
	}
	return hash % bnum
}
