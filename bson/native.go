package bson

import (
	"fmt"
	"reflect"
	"time"
)

// fromNative type-switches over the common cases, falling back to
// reflection for slices and maps so arbitrary nested bson.M/bson.D/slice
// literals convert without the caller hand-building a Document.
func fromNative(in interface{}) (Value, error) {
	if in == nil {
		return Null(), nil
	}
	switch v := in.(type) {
	case Value:
		return v, nil
	case bool:
		return Bool(v), nil
	case int:
		return Int64(int64(v)), nil
	case int8:
		return Int32(int32(v)), nil
	case int16:
		return Int32(int32(v)), nil
	case int32:
		return Int32(v), nil
	case int64:
		return Int64(v), nil
	case uint:
		return Int64(int64(v)), nil
	case uint32:
		return Int64(int64(v)), nil
	case float32:
		return Double(float64(v)), nil
	case float64:
		return Double(v), nil
	case string:
		return String(v), nil
	case []byte:
		return BinaryVal(0x00, v), nil
	case OID:
		return OIDVal(v), nil
	case time.Time:
		return DateVal(v), nil
	case Regex:
		return RegexVal(v.Pattern, v.Options), nil
	case Timestamp:
		return TimestampVal(v.Increment, v.Seconds), nil
	case Binary:
		return BinaryVal(v.Subtype, v.Data), nil
	case M:
		d, err := v.ToDocument()
		if err != nil {
			return Value{}, err
		}
		return ObjectVal(d), nil
	case D:
		d, err := v.ToDocument()
		if err != nil {
			return Value{}, err
		}
		return ObjectVal(d), nil
	case *Document:
		return ObjectVal(v), nil
	case *Array:
		return ArrayVal(v), nil
	case map[string]interface{}:
		return fromNative(M(v))
	case []interface{}:
		arr := NewArray()
		for _, item := range v {
			iv, err := fromNative(item)
			if err != nil {
				return Value{}, err
			}
			arr.Append(iv)
		}
		return ArrayVal(arr), nil
	}

	rv := reflect.ValueOf(in)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		arr := NewArray()
		for i := 0; i < rv.Len(); i++ {
			iv, err := fromNative(rv.Index(i).Interface())
			if err != nil {
				return Value{}, err
			}
			arr.Append(iv)
		}
		return ArrayVal(arr), nil
	case reflect.Map:
		m := make(M, rv.Len())
		for _, k := range rv.MapKeys() {
			m[fmt.Sprintf("%v", k.Interface())] = rv.MapIndex(k).Interface()
		}
		return fromNative(m)
	case reflect.Ptr:
		if rv.IsNil() {
			return Null(), nil
		}
		return fromNative(rv.Elem().Interface())
	}
	return Value{}, fmt.Errorf("bson: unsupported native type %T", in)
}

// toNative is grounded on the teacher's convertOfficialToMGO.
func toNative(v Value) interface{} {
	switch v.Type {
	case TypeNull, TypeUndefined:
		return nil
	case TypeBool:
		b, _ := v.AsBool()
		return b
	case TypeInt32:
		i, _ := v.AsInt32()
		return i
	case TypeInt64:
		i, _ := v.AsInt64()
		return i
	case TypeDouble:
		f, _ := v.AsDouble()
		return f
	case TypeString, TypeCode, TypeSymbol:
		s, _ := v.AsString()
		return s
	case TypeBinary:
		b, _ := v.AsBinary()
		return b.Data
	case TypeOID:
		o, _ := v.AsOID()
		return o
	case TypeDate:
		t, _ := v.AsTime()
		return t
	case TypeRegex:
		r, _ := v.AsRegex()
		return r
	case TypeTimestamp:
		ts, _ := v.AsTimestamp()
		return ts
	case TypeObject:
		d, _ := v.AsDocument()
		return ToM(d)
	case TypeArray:
		a, _ := v.AsArray()
		out := make([]interface{}, a.Len())
		for i, item := range a.Items() {
			out[i] = toNative(item)
		}
		return out
	default:
		return nil
	}
}
