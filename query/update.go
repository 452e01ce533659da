package query

import (
	"math"

	"github.com/softmotions/ejdb/bson"
)

// ApplyUpdate applies every operator in update to a clone of doc, returning
// the updated document and whether $dropall requested the document's
// removal (callers should delete the document rather than save the
// returned value in that case). positions resolves the positional "$"
// operator in any operator's target path (e.g. "items.$.qty") against the
// $elemMatch array index that matched this document; pass nil if the
// query contained no $elemMatch.
func ApplyUpdate(doc *bson.Document, update *bson.Document, positions map[string]int) (*bson.Document, bool, error) {
	result := doc.Clone()
	if result == nil {
		result = bson.NewDocument()
	}
	dropAll := false

	resolve := func(path string) (string, error) {
		resolved, ok := ResolvePositional(path, positions)
		if !ok {
			return "", parseErr("positional operator $ could not be resolved for %q", path)
		}
		return resolved, nil
	}

	for _, el := range update.Elements() {
		switch el.Key {
		case "$set":
			sub, ok := el.Value.AsDocument()
			if !ok {
				return nil, false, parseErr("$set must be an object")
			}
			for _, se := range sub.Elements() {
				path, err := resolve(se.Key)
				if err != nil {
					return nil, false, err
				}
				bson.SetPath(result, path, se.Value)
			}
		case "$unset":
			sub, ok := el.Value.AsDocument()
			if !ok {
				return nil, false, parseErr("$unset must be an object")
			}
			for _, se := range sub.Elements() {
				path, err := resolve(se.Key)
				if err != nil {
					return nil, false, err
				}
				bson.UnsetPath(result, path)
			}
		case "$inc":
			sub, ok := el.Value.AsDocument()
			if !ok {
				return nil, false, parseErr("$inc must be an object")
			}
			for _, se := range sub.Elements() {
				path, err := resolve(se.Key)
				if err != nil {
					return nil, false, err
				}
				cur, _, found := bson.FindPathOpt(bson.ObjectVal(result), path, bson.FindOptions{})
				if !found {
					cur = bson.Int32(0)
				}
				bson.SetPath(result, path, incValue(cur, se.Value))
			}
		case "$rename":
			sub, ok := el.Value.AsDocument()
			if !ok {
				return nil, false, parseErr("$rename must be an object")
			}
			for _, se := range sub.Elements() {
				path, err := resolve(se.Key)
				if err != nil {
					return nil, false, err
				}
				v, _, found := bson.FindPathOpt(bson.ObjectVal(result), path, bson.FindOptions{})
				if !found {
					continue
				}
				newPath, _ := se.Value.AsString()
				bson.UnsetPath(result, path)
				bson.SetPath(result, newPath, v)
			}
		case "$addToSet":
			sub, ok := el.Value.AsDocument()
			if !ok {
				return nil, false, parseErr("$addToSet must be an object")
			}
			for _, se := range sub.Elements() {
				path, err := resolve(se.Key)
				if err != nil {
					return nil, false, err
				}
				addToSet(result, path, []bson.Value{se.Value})
			}
		case "$addToSetAll":
			sub, ok := el.Value.AsDocument()
			if !ok {
				return nil, false, parseErr("$addToSetAll must be an object")
			}
			for _, se := range sub.Elements() {
				arr, ok := se.Value.AsArray()
				if !ok {
					return nil, false, parseErr("$addToSetAll values must be arrays")
				}
				path, err := resolve(se.Key)
				if err != nil {
					return nil, false, err
				}
				addToSet(result, path, arr.Items())
			}
		case "$push":
			sub, ok := el.Value.AsDocument()
			if !ok {
				return nil, false, parseErr("$push must be an object")
			}
			for _, se := range sub.Elements() {
				path, err := resolve(se.Key)
				if err != nil {
					return nil, false, err
				}
				pushVals(result, path, []bson.Value{se.Value})
			}
		case "$pushAll":
			sub, ok := el.Value.AsDocument()
			if !ok {
				return nil, false, parseErr("$pushAll must be an object")
			}
			for _, se := range sub.Elements() {
				arr, ok := se.Value.AsArray()
				if !ok {
					return nil, false, parseErr("$pushAll values must be arrays")
				}
				path, err := resolve(se.Key)
				if err != nil {
					return nil, false, err
				}
				pushVals(result, path, arr.Items())
			}
		case "$pull":
			sub, ok := el.Value.AsDocument()
			if !ok {
				return nil, false, parseErr("$pull must be an object")
			}
			for _, se := range sub.Elements() {
				path, err := resolve(se.Key)
				if err != nil {
					return nil, false, err
				}
				pullVals(result, path, []bson.Value{se.Value})
			}
		case "$pullAll":
			sub, ok := el.Value.AsDocument()
			if !ok {
				return nil, false, parseErr("$pullAll must be an object")
			}
			for _, se := range sub.Elements() {
				arr, ok := se.Value.AsArray()
				if !ok {
					return nil, false, parseErr("$pullAll values must be arrays")
				}
				path, err := resolve(se.Key)
				if err != nil {
					return nil, false, err
				}
				pullVals(result, path, arr.Items())
			}
		case "$do":
			sub, ok := el.Value.AsDocument()
			if !ok {
				return nil, false, parseErr("$do must be an object")
			}
			for _, se := range sub.Elements() {
				opDoc, ok := se.Value.AsDocument()
				if !ok {
					return nil, false, parseErr("$do entries must be objects")
				}
				path, err := resolve(se.Key)
				if err != nil {
					return nil, false, err
				}
				if err := applyDo(result, path, opDoc); err != nil {
					return nil, false, err
				}
			}
		case "$dropall":
			dropAll, _ = el.Value.AsBool()
		default:
			return nil, false, parseErr("unknown update operator %q", el.Key)
		}
	}
	return result, dropAll, nil
}

// incValue adds delta to cur for $inc, preserving cur's integer type
// instead of always widening to double: only an operand that is itself a
// double (or already outside int32 range) promotes the result to double
// or int64, matching the original engine's "don't silently change a
// field's stored numeric type" behavior.
func incValue(cur, delta bson.Value) bson.Value {
	curN, _ := cur.Numeric()
	deltaN, _ := delta.Numeric()
	sum := curN + deltaN

	if cur.Type == bson.TypeDouble || delta.Type == bson.TypeDouble {
		return bson.Double(sum)
	}
	if sum != float64(int64(sum)) {
		return bson.Double(sum)
	}
	if cur.Type == bson.TypeInt64 || delta.Type == bson.TypeInt64 {
		return bson.Int64(int64(sum))
	}
	if sum < math.MinInt32 || sum > math.MaxInt32 {
		return bson.Int64(int64(sum))
	}
	return bson.Int32(int32(sum))
}

func currentArray(doc *bson.Document, path string) *bson.Array {
	v, _, found := bson.FindPathOpt(bson.ObjectVal(doc), path, bson.FindOptions{})
	if found {
		if arr, ok := v.AsArray(); ok {
			return arr.Clone()
		}
	}
	return bson.NewArray()
}

func addToSet(doc *bson.Document, path string, vals []bson.Value) {
	arr := currentArray(doc, path)
	for _, v := range vals {
		found := false
		for _, item := range arr.Items() {
			if bson.Equal(item, v) {
				found = true
				break
			}
		}
		if !found {
			arr.Append(v)
		}
	}
	bson.SetPath(doc, path, bson.ArrayVal(arr))
}

func pushVals(doc *bson.Document, path string, vals []bson.Value) {
	arr := currentArray(doc, path)
	for _, v := range vals {
		arr.Append(v)
	}
	bson.SetPath(doc, path, bson.ArrayVal(arr))
}

func pullVals(doc *bson.Document, path string, vals []bson.Value) {
	arr := currentArray(doc, path)
	kept := bson.NewArray()
	for _, item := range arr.Items() {
		remove := false
		for _, v := range vals {
			if bson.Equal(item, v) {
				remove = true
				break
			}
		}
		if !remove {
			kept.Append(item)
		}
	}
	bson.SetPath(doc, path, bson.ArrayVal(kept))
}

// applyDo implements $do's two sub-operators: $join appends another
// array's elements to the array at path, and $slice truncates the array
// at path to its first n elements (n >= 0) or its last |n| (n < 0).
func applyDo(doc *bson.Document, path string, opDoc *bson.Document) error {
	if joinVal, ok := opDoc.Get("$join"); ok {
		arr, ok := joinVal.AsArray()
		if !ok {
			return parseErr("$join must be an array")
		}
		pushVals(doc, path, arr.Items())
	}
	if sliceVal, ok := opDoc.Get("$slice"); ok {
		n, _ := sliceVal.Numeric()
		arr := currentArray(doc, path)
		bson.SetPath(doc, path, bson.ArrayVal(sliceArray(arr, int(n))))
	}
	return nil
}

func sliceArray(arr *bson.Array, n int) *bson.Array {
	items := arr.Items()
	out := bson.NewArray()
	if n >= 0 {
		if n > len(items) {
			n = len(items)
		}
		for _, v := range items[:n] {
			out.Append(v)
		}
		return out
	}
	n = -n
	if n > len(items) {
		n = len(items)
	}
	for _, v := range items[len(items)-n:] {
		out.Append(v)
	}
	return out
}
