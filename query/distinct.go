package query

import (
	"sort"

	"github.com/softmotions/ejdb/bson"
)

// Distinct returns the distinct values present at path across docs, sorted
// ascending by bson.Compare. A document missing the path contributes
// nothing; one holding an array there contributes each of the array's
// elements individually, matching the array-token index's per-element
// semantics.
func Distinct(docs []*bson.Document, path string) []bson.Value {
	var out []bson.Value
	for _, doc := range docs {
		v, _, found := bson.FindPathOpt(bson.ObjectVal(doc), path, bson.FindOptions{})
		if !found {
			continue
		}
		if arr, ok := v.AsArray(); ok {
			out = appendDistinct(out, arr.Items()...)
			continue
		}
		out = appendDistinct(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return bson.Compare(out[i], out[j]) < 0 })
	return out
}

func appendDistinct(out []bson.Value, vals ...bson.Value) []bson.Value {
	for _, v := range vals {
		dup := false
		for _, existing := range out {
			if bson.Equal(existing, v) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	return out
}
