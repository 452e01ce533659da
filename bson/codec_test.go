package bson_test

import (
	"bytes"
	"testing"

	"github.com/softmotions/ejdb/bson"
)

func mustDoc(t *testing.T, m bson.M) *bson.Document {
	t.Helper()
	d, err := m.ToDocument()
	if err != nil {
		t.Fatalf("ToDocument: %v", err)
	}
	return d
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	id := bson.NewOID()
	doc := mustDoc(t, bson.M{
		"_id":    id,
		"name":   "alice",
		"age":    int32(30),
		"score":  12.5,
		"active": true,
		"tags":   []interface{}{"a", "b", "c"},
		"nested": bson.M{"x": int64(1), "y": "z"},
	})

	encoded, err := bson.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	decoded, err := bson.Unmarshal(encoded)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if !bson.DocumentsEqual(doc, decoded) {
		t.Fatalf("round trip mismatch:\n in=%#v\nout=%#v", bson.ToM(doc), bson.ToM(decoded))
	}

	// encode(decode(b)) == b
	reencoded, err := bson.Marshal(decoded)
	if err != nil {
		t.Fatalf("re-Marshal: %v", err)
	}
	if !bytes.Equal(reencoded, encoded) {
		t.Fatalf("re-encoded bytes differ: %d vs %d bytes", len(reencoded), len(encoded))
	}
}

func TestDecodePrefixStream(t *testing.T) {
	d1, _ := bson.M{"a": int32(1)}.ToDocument()
	d2, _ := bson.M{"b": int32(2)}.ToDocument()
	e1, _ := bson.Marshal(d1)
	e2, _ := bson.Marshal(d2)
	buf := append(append([]byte{}, e1...), e2...)

	got1, n1, err := bson.UnmarshalPrefix(buf)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if n1 != len(e1) {
		t.Fatalf("expected to consume %d bytes, consumed %d", len(e1), n1)
	}
	got2, n2, err := bson.UnmarshalPrefix(buf[n1:])
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if n2 != len(e2) {
		t.Fatalf("expected to consume %d bytes, consumed %d", len(e2), n2)
	}
	if !bson.DocumentsEqual(got1, d1) || !bson.DocumentsEqual(got2, d2) {
		t.Fatalf("stream decode mismatch")
	}
}

func TestKeyValidationFlags(t *testing.T) {
	doc := bson.NewDocument().Append("bad.key", bson.Int32(1))
	if _, err := bson.Marshal(doc); err == nil {
		t.Fatalf("expected has-dot validation error")
	}
	doc2 := bson.NewDocument().Append("$bad", bson.Int32(1))
	if _, err := bson.Marshal(doc2); err == nil {
		t.Fatalf("expected starts-dollar validation error")
	}
	if _, err := bson.MarshalWithOptions(doc2, bson.EncodeOptions{QueryMode: true}); err != nil {
		t.Fatalf("query mode should allow $ prefixed keys: %v", err)
	}
}

func TestSizeOverflowRejectedOnDecode(t *testing.T) {
	data := []byte{0xff, 0xff, 0xff, 0x7f, 0x00}
	if _, err := bson.Unmarshal(data); err == nil {
		t.Fatalf("expected size-overflow error")
	}
}
