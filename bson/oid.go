package bson

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// OID is the 12-byte EJDB object identifier: 4-byte big-endian seconds since
// epoch, 4-byte process fuzz, 4-byte big-endian monotonic counter. This
// differs from a MongoDB ObjectID (4+5+3) in the split of the last 8 bytes;
// the generation strategy otherwise follows bson.NewObjectId, swapping the
// hostname-hash machine id for a uuid-seeded fuzz word so that multiple
// EJDB database directories opened by unrelated processes on the same host
// don't collide.
type OID [12]byte

// oidCounter is the process-global monotonic counter.
var oidCounter uint32

// oidFuzz is lazily initialized once per process.
var oidFuzz uint32
var oidFuzzInit int32 // 0=unset, 1=set

func ensureFuzz() uint32 {
	if atomic.LoadInt32(&oidFuzzInit) == 1 {
		return atomic.LoadUint32(&oidFuzz)
	}
	id := uuid.New()
	f := binary.BigEndian.Uint32(id[:4])
	atomic.StoreUint32(&oidFuzz, f)
	atomic.StoreInt32(&oidFuzzInit, 1)
	return f
}

// NewOID generates a new OID using the current time, process fuzz and the
// next value of the monotonic counter. The counter wraps after 2^32
// inserts within the same second, which spec invariants accept as the
// monotonicity bound.
func NewOID() OID {
	return NewOIDAt(time.Now())
}

// NewOIDAt generates an OID stamped with the given time, useful for
// deterministic tests and for range queries bracketing a timestamp.
func NewOIDAt(t time.Time) OID {
	var id OID
	binary.BigEndian.PutUint32(id[0:4], uint32(t.Unix()))
	binary.BigEndian.PutUint32(id[4:8], ensureFuzz())
	c := atomic.AddUint32(&oidCounter, 1)
	binary.BigEndian.PutUint32(id[8:12], c)
	return id
}

// ErrInvalidOID is returned when parsing a malformed hex OID string.
var ErrInvalidOID = errors.New("bson: invalid oid")

// OIDFromHex parses a 24-character lowercase hex string into an OID.
func OIDFromHex(s string) (OID, error) {
	if len(s) != 24 {
		return OID{}, ErrInvalidOID
	}
	var id OID
	n, err := hex.Decode(id[:], []byte(s))
	if err != nil || n != 12 {
		return OID{}, ErrInvalidOID
	}
	return id, nil
}

// MustOIDFromHex is OIDFromHex but panics on error; useful in tests and
// literal construction.
func MustOIDFromHex(s string) OID {
	id, err := OIDFromHex(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Hex returns the 24-character lowercase hex representation.
func (id OID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id OID) String() string { return id.Hex() }

// IsZero reports whether the OID is the all-zero value.
func (id OID) IsZero() bool { return id == OID{} }

// Time extracts the embedded creation second.
func (id OID) Time() time.Time {
	secs := binary.BigEndian.Uint32(id[0:4])
	return time.Unix(int64(secs), 0).UTC()
}

// Compare gives a lexicographic ordering, which for OIDs coincides with
// creation-time ordering (the seconds field is the leading big-endian
// component).
func (id OID) Compare(other OID) int {
	for i := range id {
		if id[i] != other[i] {
			if id[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (id OID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

func (id *OID) UnmarshalText(text []byte) error {
	parsed, err := OIDFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
