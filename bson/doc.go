package bson

import "sort"

// M is a convenience alias for an unordered document, directly grounded on
// the teacher's bson.M (see other_examples/.../mgo/bson.go). There is no
// special handling beyond what ToDocument below performs; field order on
// encode is the sorted key order since a Go map has none of its own.
type M map[string]interface{}

// D is an ordered alternative to M, again grounded on the teacher's
// bson.D/DocElem pair.
type D []DocElem

// DocElem is one ordered element of a D.
type DocElem struct {
	Name  string
	Value interface{}
}

// ToDocument converts a Go-native M into the tagged Document tree. Map
// iteration order is non-deterministic, so keys are sorted for a stable
// encoding.
func (m M) ToDocument() (*Document, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	doc := NewDocument()
	for _, k := range keys {
		v, err := FromNative(m[k])
		if err != nil {
			return nil, err
		}
		doc.Append(k, v)
	}
	return doc, nil
}

// ToDocument converts an ordered D into the tagged Document tree,
// preserving order.
func (d D) ToDocument() (*Document, error) {
	doc := NewDocument()
	for _, e := range d {
		v, err := FromNative(e.Value)
		if err != nil {
			return nil, err
		}
		doc.Append(e.Name, v)
	}
	return doc, nil
}

// ToM converts a Document back into a Go-native M, recursively.
func ToM(doc *Document) M {
	if doc == nil {
		return nil
	}
	m := make(M, doc.Len())
	for _, e := range doc.Elements() {
		m[e.Key] = ToNative(e.Value)
	}
	return m
}

// FromNative converts a Go value into a Value using the same type
// mapping ToNative uses in reverse. Supported inputs: nil, bool, int,
// int8, int16, int32, int64, uint, uint32, float32, float64, string,
// []byte, Binary, time.Time, OID, Regex, Timestamp, M, D, *Document,
// *Array, []interface{}, maps, pointers, and slices of any supported
// element type. uint8, uint16 and uint64 are rejected.
func FromNative(in interface{}) (Value, error) {
	return fromNative(in)
}

// ToNative converts a Value into plain Go data: nil, bool, int32/int64,
// float64, string, []byte (binary data of any subtype, subtype dropped),
// OID, time.Time, Regex, Timestamp, M (object), or []interface{} (array).
func ToNative(v Value) interface{} {
	return toNative(v)
}
