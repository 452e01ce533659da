// Package util holds small leaf utilities shared by the storage engine, the
// B+ tree index and the query planner: sortable numeric encoding,
// Unicode case-insensitive normalization, a context-carrying stable sort,
// and the primary hash used by the record store's bucket selection.
package util

import (
	"encoding/binary"
	"math"
)

// EncodeSortableFloat64 produces an 8-byte big-endian encoding of f such
// that byte-wise comparison of two encodings matches numeric ordering of
// the originals. This is the "sortable decimal ASCII" contract from the
// B+ tree's number key kind (spec §4.3), implemented with the standard
// IEEE-754 sortable-bits trick rather than literal ASCII digits: flip the
// sign bit for non-negative values, invert every bit for negative ones.
func EncodeSortableFloat64(f float64) [8]byte {
	bits := math.Float64bits(f)
	if math.Signbit(f) {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], bits)
	return out
}

// DecodeSortableFloat64 inverts EncodeSortableFloat64.
func DecodeSortableFloat64(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

// EncodeSortableInt64 is the integer specialization: shifting the sign bit
// the same way keeps negative integers sorting before non-negative ones.
func EncodeSortableInt64(i int64) [8]byte {
	var out [8]byte
	binary.BigEndian.PutUint64(out[:], uint64(i)^(1<<63))
	return out
}

// DecodeSortableInt64 inverts EncodeSortableInt64.
func DecodeSortableInt64(b []byte) int64 {
	u := binary.BigEndian.Uint64(b) ^ (1 << 63)
	return int64(u)
}
