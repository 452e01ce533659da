package bson

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"
)

// MaxDocumentSize is the largest document the codec will encode or decode;
// it matches the 64 MiB import cap from the spec's non-goals (§1) and the
// document-too-large error kind from §7.
const MaxDocumentSize = 64 << 20

// CodecError is returned for malformed encode/decode input, distinguishing
// the specific validation flag that failed (§4.1's has-dot, starts-dollar,
// not-utf8, size-overflow, document-not-finished, document-already-finished
// flags).
type CodecError struct {
	Flag string
	Msg  string
}

func (e *CodecError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("bson: %s: %s", e.Flag, e.Msg)
	}
	return fmt.Sprintf("bson: %s", e.Flag)
}

func codecErr(flag, format string, args ...interface{}) error {
	return &CodecError{Flag: flag, Msg: fmt.Sprintf(format, args...)}
}

// EncodeOptions controls the field-name validation performed while
// encoding. Query construction mode relaxes the "leading dot/dollar"
// checks, per §4.1's "finish fails if any is set except in explicit
// query-construction mode".
type EncodeOptions struct {
	QueryMode bool
}

// Marshal encodes a document into the wire format:
// int32 total_size | elements | 0x00, little-endian, total_size inclusive
// of the trailing null.
func Marshal(doc *Document) ([]byte, error) {
	return MarshalWithOptions(doc, EncodeOptions{})
}

// MarshalWithOptions is Marshal with field-name validation control.
func MarshalWithOptions(doc *Document, opts EncodeOptions) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(128)
	// placeholder for the int32 total size, patched below
	buf.Write([]byte{0, 0, 0, 0})
	if err := encodeDocumentBody(&buf, doc, opts); err != nil {
		return nil, err
	}
	buf.WriteByte(0x00)
	size := buf.Len()
	if size > math.MaxInt32 {
		return nil, codecErr("size-overflow", "document encodes to %d bytes", size)
	}
	out := buf.Bytes()
	binary.LittleEndian.PutUint32(out[0:4], uint32(size))
	return out, nil
}

func encodeDocumentBody(buf *bytes.Buffer, doc *Document, opts EncodeOptions) error {
	for _, el := range doc.Elements() {
		if err := validateKey(el.Key, opts); err != nil {
			return err
		}
		if err := encodeElement(buf, el.Key, el.Value, opts); err != nil {
			return err
		}
	}
	return nil
}

func validateKey(key string, opts EncodeOptions) error {
	if !opts.QueryMode {
		if len(key) > 0 && key[0] == '$' {
			return codecErr("key-starts-dollar", "field %q", key)
		}
		if bytes.IndexByte([]byte(key), '.') >= 0 {
			return codecErr("key-has-dot", "field %q", key)
		}
	}
	if !utf8.ValidString(key) {
		return codecErr("not-utf8", "field key %q", key)
	}
	return nil
}

func encodeElement(buf *bytes.Buffer, key string, v Value, opts EncodeOptions) error {
	buf.WriteByte(byte(v.Type))
	buf.WriteString(key)
	buf.WriteByte(0)
	switch v.Type {
	case TypeDouble:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(v.f64))
		buf.Write(b[:])
	case TypeString, TypeCode, TypeSymbol:
		s, _ := v.AsString()
		return encodeCString(buf, s)
	case TypeObject:
		return encodeDocumentValue(buf, v.doc, opts)
	case TypeArray:
		return encodeArrayValue(buf, v.arr, opts)
	case TypeBinary:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(len(v.bin.Data)))
		buf.Write(b[:])
		buf.WriteByte(v.bin.Subtype)
		if v.bin.Subtype == 0x02 {
			var b2 [4]byte
			binary.LittleEndian.PutUint32(b2[:], uint32(len(v.bin.Data)))
			buf.Write(b2[:])
		}
		buf.Write(v.bin.Data)
	case TypeUndefined, TypeNull:
		// no payload
	case TypeOID:
		buf.Write(v.oid[:])
	case TypeBool:
		if v.i64 != 0 {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case TypeDate:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v.i64))
		buf.Write(b[:])
	case TypeRegex:
		if err := writeCStringRaw(buf, v.str); err != nil {
			return err
		}
		return writeCStringRaw(buf, v.str2)
	case TypeCodeWithScope:
		scopeBytes, err := MarshalWithOptions(v.doc, opts)
		if err != nil {
			return err
		}
		codeLen := len(v.code) + 1
		total := 4 + 4 + codeLen + len(scopeBytes)
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(total))
		buf.Write(b[:])
		binary.LittleEndian.PutUint32(b[:], uint32(codeLen))
		buf.Write(b[:])
		buf.WriteString(v.code)
		buf.WriteByte(0)
		buf.Write(scopeBytes)
	case TypeInt32:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(int32(v.i64)))
		buf.Write(b[:])
	case TypeTimestamp:
		var b [8]byte
		binary.LittleEndian.PutUint32(b[0:4], uint32(v.ts.Increment))
		binary.LittleEndian.PutUint32(b[4:8], uint32(v.ts.Seconds))
		buf.Write(b[:])
	case TypeInt64:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v.i64))
		buf.Write(b[:])
	default:
		return codecErr("invalid-document", "unknown type 0x%02x", byte(v.Type))
	}
	return nil
}

func encodeCString(buf *bytes.Buffer, s string) error {
	if !utf8.ValidString(s) {
		return codecErr("not-utf8", "string value")
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(len(s)+1))
	buf.Write(b[:])
	buf.WriteString(s)
	buf.WriteByte(0)
	return nil
}

func writeCStringRaw(buf *bytes.Buffer, s string) error {
	if !utf8.ValidString(s) {
		return codecErr("not-utf8", "string value")
	}
	buf.WriteString(s)
	buf.WriteByte(0)
	return nil
}

func encodeDocumentValue(buf *bytes.Buffer, doc *Document, opts EncodeOptions) error {
	b, err := MarshalWithOptions(doc, opts)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

func encodeArrayValue(buf *bytes.Buffer, arr *Array, opts EncodeOptions) error {
	ad := NewDocument()
	for i, item := range arr.Items() {
		ad.Append(itoa(i), item)
	}
	return encodeDocumentValue(buf, ad, opts)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b [20]byte
	pos := len(b)
	for i > 0 {
		pos--
		b[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(b[pos:])
}

// Unmarshal decodes a single top-level document from the wire format. It
// returns an error if trailing bytes remain; UnmarshalPrefix decodes a
// document from the front of a longer buffer and reports its length.
func Unmarshal(data []byte) (*Document, error) {
	doc, n, err := UnmarshalPrefix(data)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, codecErr("invalid-document", "trailing %d bytes after document", len(data)-n)
	}
	return doc, nil
}

// UnmarshalPrefix decodes one document from the start of data and returns
// the number of bytes consumed, allowing callers (the record store,
// concatenated export files) to decode a stream of back-to-back documents.
func UnmarshalPrefix(data []byte) (*Document, int, error) {
	if len(data) < 5 {
		return nil, 0, codecErr("document-not-finished", "truncated header")
	}
	size := int(binary.LittleEndian.Uint32(data[0:4]))
	if size < 5 {
		return nil, 0, codecErr("invalid-document", "size %d too small", size)
	}
	if size > MaxDocumentSize {
		return nil, 0, codecErr("size-overflow", "document is %d bytes", size)
	}
	if size > len(data) {
		return nil, 0, codecErr("document-not-finished", "need %d bytes, have %d", size, len(data))
	}
	if data[size-1] != 0x00 {
		return nil, 0, codecErr("invalid-document", "missing trailing null")
	}
	doc, err := decodeDocumentBody(data[4 : size-1])
	if err != nil {
		return nil, 0, err
	}
	return doc, size, nil
}

func decodeDocumentBody(body []byte) (*Document, error) {
	doc := NewDocument()
	pos := 0
	for pos < len(body) {
		t := Type(body[pos])
		pos++
		keyStart := pos
		nul := bytes.IndexByte(body[pos:], 0)
		if nul < 0 {
			return nil, codecErr("document-not-finished", "unterminated key")
		}
		key := string(body[keyStart : keyStart+nul])
		pos += nul + 1
		v, n, err := decodeValue(t, body[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		doc.Append(key, v)
	}
	return doc, nil
}

func decodeValue(t Type, b []byte) (Value, int, error) {
	switch t {
	case TypeDouble:
		if len(b) < 8 {
			return Value{}, 0, codecErr("document-not-finished", "double")
		}
		f := math.Float64frombits(binary.LittleEndian.Uint64(b[:8]))
		return Double(f), 8, nil
	case TypeString, TypeCode, TypeSymbol:
		s, n, err := decodeLString(b)
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Type: t, str: s}, n, nil
	case TypeObject:
		sub, n, err := UnmarshalPrefix(b)
		if err != nil {
			return Value{}, 0, err
		}
		return ObjectVal(sub), n, nil
	case TypeArray:
		sub, n, err := UnmarshalPrefix(b)
		if err != nil {
			return Value{}, 0, err
		}
		arr := NewArray()
		for _, el := range sub.Elements() {
			arr.Append(el.Value)
		}
		return ArrayVal(arr), n, nil
	case TypeBinary:
		if len(b) < 5 {
			return Value{}, 0, codecErr("document-not-finished", "binary")
		}
		length := int(binary.LittleEndian.Uint32(b[:4]))
		subtype := b[4]
		off := 5
		if subtype == 0x02 {
			if len(b) < 9 {
				return Value{}, 0, codecErr("document-not-finished", "legacy binary")
			}
			length = int(binary.LittleEndian.Uint32(b[5:9]))
			off = 9
		}
		if off+length > len(b) {
			return Value{}, 0, codecErr("document-not-finished", "binary payload")
		}
		data := make([]byte, length)
		copy(data, b[off:off+length])
		return BinaryVal(subtype, data), off + length, nil
	case TypeUndefined:
		return Undefined(), 0, nil
	case TypeOID:
		if len(b) < 12 {
			return Value{}, 0, codecErr("document-not-finished", "oid")
		}
		var id OID
		copy(id[:], b[:12])
		return OIDVal(id), 12, nil
	case TypeBool:
		if len(b) < 1 {
			return Value{}, 0, codecErr("document-not-finished", "bool")
		}
		return Bool(b[0] != 0), 1, nil
	case TypeDate:
		if len(b) < 8 {
			return Value{}, 0, codecErr("document-not-finished", "date")
		}
		ms := int64(binary.LittleEndian.Uint64(b[:8]))
		return DateMillis(ms), 8, nil
	case TypeNull:
		return Null(), 0, nil
	case TypeRegex:
		pat, n1, err := decodeCString(b)
		if err != nil {
			return Value{}, 0, err
		}
		opt, n2, err := decodeCString(b[n1:])
		if err != nil {
			return Value{}, 0, err
		}
		return RegexVal(pat, opt), n1 + n2, nil
	case TypeCodeWithScope:
		if len(b) < 8 {
			return Value{}, 0, codecErr("document-not-finished", "code_with_scope")
		}
		total := int(binary.LittleEndian.Uint32(b[:4]))
		if total > len(b) {
			return Value{}, 0, codecErr("document-not-finished", "code_with_scope body")
		}
		code, n1, err := decodeLString(b[4:])
		if err != nil {
			return Value{}, 0, err
		}
		scope, _, err := UnmarshalPrefix(b[4+n1 : total])
		if err != nil {
			return Value{}, 0, err
		}
		return CodeWithScopeVal(code, scope), total, nil
	case TypeInt32:
		if len(b) < 4 {
			return Value{}, 0, codecErr("document-not-finished", "int32")
		}
		return Int32(int32(binary.LittleEndian.Uint32(b[:4]))), 4, nil
	case TypeTimestamp:
		if len(b) < 8 {
			return Value{}, 0, codecErr("document-not-finished", "timestamp")
		}
		inc := int32(binary.LittleEndian.Uint32(b[0:4]))
		secs := int32(binary.LittleEndian.Uint32(b[4:8]))
		return TimestampVal(inc, secs), 8, nil
	case TypeInt64:
		if len(b) < 8 {
			return Value{}, 0, codecErr("document-not-finished", "int64")
		}
		return Int64(int64(binary.LittleEndian.Uint64(b[:8]))), 8, nil
	default:
		return Value{}, 0, codecErr("invalid-document", "unknown type tag 0x%02x", byte(t))
	}
}

// decodeLString reads an int32-length-prefixed, null-terminated string
// (the "string" element encoding) and returns bytes consumed including the
// 4-byte length and trailing null.
func decodeLString(b []byte) (string, int, error) {
	if len(b) < 4 {
		return "", 0, codecErr("document-not-finished", "string length")
	}
	length := int(binary.LittleEndian.Uint32(b[:4]))
	if length < 1 || 4+length > len(b) {
		return "", 0, codecErr("document-not-finished", "string body")
	}
	s := string(b[4 : 4+length-1])
	if !utf8.ValidString(s) {
		return "", 0, codecErr("not-utf8", "string value")
	}
	return s, 4 + length, nil
}

// decodeCString reads a raw null-terminated string with no length prefix
// (used by regex pattern/options), returning bytes consumed including the
// null.
func decodeCString(b []byte) (string, int, error) {
	nul := bytes.IndexByte(b, 0)
	if nul < 0 {
		return "", 0, codecErr("document-not-finished", "unterminated cstring")
	}
	s := string(b[:nul])
	if !utf8.ValidString(s) {
		return "", 0, codecErr("not-utf8", "cstring value")
	}
	return s, nul + 1, nil
}

// MarshalBinary implements encoding.BinaryMarshaler so Document composes
// with code (the record store, the WAL) that expects that interface.
func (d *Document) MarshalBinary() ([]byte, error) { return Marshal(d) }

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (d *Document) UnmarshalBinary(data []byte) error {
	parsed, err := Unmarshal(data)
	if err != nil {
		return err
	}
	*d = *parsed
	return nil
}
