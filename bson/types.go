// Package bson implements the EJDB document value tree and its binary wire
// encoding: the typed tree described in the design (objects, arrays,
// strings, integers, doubles, booleans, OIDs, dates, regexes, binary,
// timestamps) plus byte-exact length-prefixed little-endian encode/decode,
// field-path navigation, structural compare, merge, patch and strip/rename.
//
// The encoding is used uniformly for stored documents, query literals and
// the public API — there is no separate "query AST" wire format.
package bson

import "fmt"

// Type tags a Value with its wire encoding. The numeric values match the
// byte that precedes each element on the wire (see Document.MarshalBinary).
type Type byte

const (
	TypeDouble        Type = 0x01
	TypeString        Type = 0x02
	TypeObject        Type = 0x03
	TypeArray         Type = 0x04
	TypeBinary        Type = 0x05
	TypeUndefined     Type = 0x06
	TypeOID           Type = 0x07
	TypeBool          Type = 0x08
	TypeDate          Type = 0x09
	TypeNull          Type = 0x0A
	TypeRegex         Type = 0x0B
	TypeCode          Type = 0x0D
	TypeSymbol        Type = 0x0E
	TypeCodeWithScope Type = 0x0F
	TypeInt32         Type = 0x10
	TypeTimestamp     Type = 0x11
	TypeInt64         Type = 0x12
)

func (t Type) String() string {
	switch t {
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeObject:
		return "object"
	case TypeArray:
		return "array"
	case TypeBinary:
		return "binary"
	case TypeUndefined:
		return "undefined"
	case TypeOID:
		return "oid"
	case TypeBool:
		return "bool"
	case TypeDate:
		return "date"
	case TypeNull:
		return "null"
	case TypeRegex:
		return "regex"
	case TypeCode:
		return "code"
	case TypeSymbol:
		return "symbol"
	case TypeCodeWithScope:
		return "code_with_scope"
	case TypeInt32:
		return "int32"
	case TypeTimestamp:
		return "timestamp"
	case TypeInt64:
		return "int64"
	default:
		return fmt.Sprintf("type(0x%02x)", byte(t))
	}
}

// typeOrder groups types into the ordering classes Compare uses: null and
// undefined compare equal and smallest, numbers share an order, strings and
// symbols share an order, then bindata, then OID, then object/array.
func (t Type) typeOrder() int {
	switch t {
	case TypeNull, TypeUndefined:
		return 0
	case TypeDouble, TypeInt32, TypeInt64, TypeBool, TypeDate:
		return 1
	case TypeString, TypeSymbol, TypeCode:
		return 2
	case TypeBinary:
		return 3
	case TypeOID:
		return 4
	case TypeObject:
		return 5
	case TypeArray:
		return 6
	case TypeRegex:
		return 7
	case TypeTimestamp:
		return 8
	case TypeCodeWithScope:
		return 9
	default:
		return 10
	}
}

// Binary is a blob with a BSON subtype byte.
type Binary struct {
	Subtype byte
	Data    []byte
}

// Regex holds a pattern and its option flags, stored as two C strings on
// the wire.
type Regex struct {
	Pattern string
	Options string
}

// Timestamp is a MongoDB-style internal replication timestamp: an ordinal
// increment plus a Unix-seconds value.
type Timestamp struct {
	Increment int32
	Seconds   int32
}

// CodeWithScope pairs a code string with a scope document.
type CodeWithScope struct {
	Code  string
	Scope *Document
}
