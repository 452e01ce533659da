package query

import (
	"github.com/softmotions/ejdb/bson"
	"github.com/softmotions/ejdb/internal/util"
)

// SortMatches stably sorts matches in place by the given multi-key order,
// ascending unless a key's Desc flag is set. Missing fields sort using
// bson.Compare's nullish-is-smallest rule.
func SortMatches(matches []Match, keys []SortKey) {
	util.StableSortSlice(matches, func(a, b Match) bool {
		return lessByKeys(a.Doc, b.Doc, keys)
	})
}

// SortDocuments is SortMatches' counterpart for plain document slices,
// for callers that have no primary keys to carry along.
func SortDocuments(docs []*bson.Document, keys []SortKey) {
	util.StableSortSlice(docs, func(a, b *bson.Document) bool {
		return lessByKeys(a, b, keys)
	})
}

func lessByKeys(a, b *bson.Document, keys []SortKey) bool {
	for _, k := range keys {
		av, _, _ := bson.FindPathOpt(bson.ObjectVal(a), k.Path, bson.FindOptions{})
		bv, _, _ := bson.FindPathOpt(bson.ObjectVal(b), k.Path, bson.FindOptions{})
		c := bson.Compare(av, bv)
		if c == 0 {
			continue
		}
		if k.Desc {
			return c > 0
		}
		return c < 0
	}
	return false
}
