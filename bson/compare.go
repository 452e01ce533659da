package bson

import "bytes"

// Compare orders two values by type ordering first (null/undefined are
// equal and smallest; numbers share an order; strings and symbols share an
// order; then bindata by bytes; then OID lex; then object/array
// recursively, prefix-shorter is smaller), then by value. Cross-type
// comparisons return a stable type-difference sign rather than
// "incomparable" — matching the "duck-typed numeric comparisons" design
// note's Scalar.numeric_order contract.
func Compare(a, b Value) int {
	if a.IsNullish() && b.IsNullish() {
		return 0
	}
	oa, ob := a.Type.typeOrder(), b.Type.typeOrder()
	if oa != ob {
		// Numbers and nullish never get here for the case both numeric;
		// handle numeric cross-order explicitly since int/double/bool/date
		// all share order class 1 already. Any other class mismatch falls
		// through to the stable order-class tiebreak.
		if oa < ob {
			return -1
		}
		return 1
	}
	switch a.Type.typeOrder() {
	case 0:
		return 0
	case 1:
		fa, _ := a.Numeric()
		fb, _ := b.Numeric()
		if fa < fb {
			return -1
		}
		if fa > fb {
			return 1
		}
		return 0
	case 2:
		sa, _ := a.AsString()
		sb, _ := b.AsString()
		return compareStrings(sa, sb)
	case 3:
		ba, _ := a.AsBinary()
		bb, _ := b.AsBinary()
		return bytes.Compare(ba.Data, bb.Data)
	case 4:
		oida, _ := a.AsOID()
		oidb, _ := b.AsOID()
		return oida.Compare(oidb)
	case 5:
		return compareDocuments(a.doc, b.doc)
	case 6:
		return compareArrays(a.arr, b.arr)
	case 7:
		ra, _ := a.AsRegex()
		rb, _ := b.AsRegex()
		if c := compareStrings(ra.Pattern, rb.Pattern); c != 0 {
			return c
		}
		return compareStrings(ra.Options, rb.Options)
	case 8:
		ta, _ := a.AsTimestamp()
		tb, _ := b.AsTimestamp()
		if ta.Seconds != tb.Seconds {
			if ta.Seconds < tb.Seconds {
				return -1
			}
			return 1
		}
		if ta.Increment != tb.Increment {
			if ta.Increment < tb.Increment {
				return -1
			}
			return 1
		}
		return 0
	default:
		return 0
	}
}

func compareStrings(a, b string) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// compareDocuments compares two objects field by field in stored order; a
// document that is a strict prefix of another (fewer fields, matching up
// to that point) compares smaller.
func compareDocuments(a, b *Document) int {
	ae, be := a.Elements(), b.Elements()
	n := len(ae)
	if len(be) < n {
		n = len(be)
	}
	for i := 0; i < n; i++ {
		if c := compareStrings(ae[i].Key, be[i].Key); c != 0 {
			return c
		}
		if c := Compare(ae[i].Value, be[i].Value); c != 0 {
			return c
		}
	}
	if len(ae) != len(be) {
		if len(ae) < len(be) {
			return -1
		}
		return 1
	}
	return 0
}

func compareArrays(a, b *Array) int {
	ai, bi := a.Items(), b.Items()
	n := len(ai)
	if len(bi) < n {
		n = len(bi)
	}
	for i := 0; i < n; i++ {
		if c := Compare(ai[i], bi[i]); c != 0 {
			return c
		}
	}
	if len(ai) != len(bi) {
		if len(ai) < len(bi) {
			return -1
		}
		return 1
	}
	return 0
}

// Equal reports whether two values compare equal, including structural
// equality for objects and arrays (duplicate-key collapsed form assumed).
func Equal(a, b Value) bool { return Compare(a, b) == 0 }

// DocumentsEqual reports structural equality modulo field order — used by
// the save/load round-trip invariant where _id addition must not otherwise
// perturb equality.
func DocumentsEqual(a, b *Document) bool {
	if a.Len() != b.Len() {
		return false
	}
	for _, e := range a.Elements() {
		bv, ok := b.Get(e.Key)
		if !ok || !Equal(e.Value, bv) {
			return false
		}
	}
	return true
}
