// Package index maintains one ordered secondary index (backed by package
// btree) over a single dotted field path of a collection, translating
// document field values into canonical, byte-comparable index keys and
// computing the delta of keys a document contributes when it changes.
package index

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/softmotions/ejdb/bson"
	"github.com/softmotions/ejdb/internal/btree"
	"github.com/softmotions/ejdb/internal/util"
)

// Kind selects how a field's values are encoded into index keys, mirroring
// the index flavors a collection can declare for a field path.
type Kind uint8

const (
	// KindStringLex orders by raw UTF-8 byte value (case-sensitive).
	KindStringLex Kind = iota + 1
	// KindIStringLex orders by case-folded, Unicode-normalized bytes.
	KindIStringLex
	// KindNumber orders numerically (ints, doubles, dates all compare
	// numerically, matching bson.Value.Numeric's duck typing).
	KindNumber
	// KindArrayToken indexes each element of an array field individually,
	// so a single document can contribute many keys (used for $elemMatch
	// and membership-style queries over array fields).
	KindArrayToken
)

func (k Kind) String() string {
	switch k {
	case KindStringLex:
		return "string"
	case KindIStringLex:
		return "istring"
	case KindNumber:
		return "number"
	case KindArrayToken:
		return "array"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// typeTag prefixes an encoded key so that, within an array-token index,
// elements of different underlying BSON kinds never collide or interleave
// unexpectedly under byte comparison.
const (
	tagNumber byte = 1
	tagString byte = 2
)

// Index owns one btree.Tree keyed by canonical-encoded field values,
// mapping to the set of primary-store keys (document IDs) holding that
// value.
type Index struct {
	Path   []string
	Kind   Kind
	Unique bool

	tree *btree.Tree

	mu             sync.Mutex
	queries        int64
	candidatesSeen int64
}

// Open loads (or creates) the index log file at path.
func Open(path string, fieldPath []string, kind Kind, unique bool) (*Index, error) {
	t, err := btree.Open(path)
	if err != nil {
		return nil, err
	}
	return &Index{Path: fieldPath, Kind: kind, Unique: unique, tree: t}, nil
}

func (idx *Index) Close() error { return idx.tree.Close() }

// EncodeValue turns a single scalar BSON value into its canonical index
// key for this index's Kind. Returns (nil, false) if the value's type does
// not belong in this index (e.g. a string value under a KindNumber
// index).
func EncodeValue(kind Kind, v bson.Value) ([]byte, bool) {
	switch kind {
	case KindNumber:
		n, ok := v.Numeric()
		if !ok {
			return nil, false
		}
		enc := util.EncodeSortableFloat64(n)
		return append([]byte{tagNumber}, enc[:]...), true
	case KindStringLex:
		s, ok := v.AsString()
		if !ok {
			return nil, false
		}
		return append([]byte{tagString}, []byte(s)...), true
	case KindIStringLex:
		s, ok := v.AsString()
		if !ok {
			return nil, false
		}
		return append([]byte{tagString}, []byte(util.FoldNormalize(s))...), true
	case KindArrayToken:
		return EncodeValue(scalarKindFor(v), v)
	default:
		return nil, false
	}
}

// KeysForDocument navigates doc along the index's field path and computes
// the full contribution set of index keys the document produces: zero keys
// if the path is absent or the wrong type, one key for a scalar index, or
// one key per matching array element for KindArrayToken.
func (idx *Index) KeysForDocument(doc *bson.Document) [][]byte {
	v, _, ok := bson.FindPathOpt(bson.ObjectVal(doc), bson.JoinPath(idx.Path), bson.FindOptions{StopOnNestedArray: idx.Kind == KindArrayToken})
	if !ok {
		return nil
	}
	if idx.Kind == KindArrayToken {
		arr, ok := v.AsArray()
		if !ok {
			// a scalar under an array-token index still contributes itself
			if k, ok := EncodeValue(elementKind(v), v); ok {
				return [][]byte{k}
			}
			return nil
		}
		seen := map[string]bool{}
		var out [][]byte
		for i := 0; i < arr.Len(); i++ {
			item, _ := arr.At(i)
			k, ok := EncodeValue(scalarKindFor(item), item)
			if !ok {
				continue
			}
			if seen[string(k)] {
				continue
			}
			seen[string(k)] = true
			out = append(out, k)
		}
		return out
	}
	k, ok := EncodeValue(idx.Kind, v)
	if !ok {
		return nil
	}
	return [][]byte{k}
}

// elementKind is used when an array-token index field holds a bare scalar
// instead of an array: fall back to numeric-or-string auto-detection.
func elementKind(v bson.Value) Kind { return scalarKindFor(v) }

func scalarKindFor(v bson.Value) Kind {
	if v.IsNumeric() {
		return KindNumber
	}
	return KindStringLex
}

// Apply computes the symmetric difference between oldDoc's and newDoc's
// contribution sets for docID and applies exactly the Insert/Delete calls
// needed to bring the index up to date. Either doc may be nil (insert-only
// or delete-only).
func (idx *Index) Apply(docID []byte, oldDoc, newDoc *bson.Document) error {
	var oldKeys, newKeys [][]byte
	if oldDoc != nil {
		oldKeys = idx.KeysForDocument(oldDoc)
	}
	if newDoc != nil {
		newKeys = idx.KeysForDocument(newDoc)
	}
	oldSet := keySet(oldKeys)
	newSet := keySet(newKeys)
	for k := range oldSet {
		if !newSet[k] {
			if err := idx.tree.Delete([]byte(k), docID); err != nil {
				return err
			}
		}
	}
	for k := range newSet {
		if !oldSet[k] {
			if err := idx.tree.Insert([]byte(k), docID); err != nil {
				return err
			}
		}
	}
	return nil
}

func keySet(keys [][]byte) map[string]bool {
	if len(keys) == 0 {
		return nil
	}
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[string(k)] = true
	}
	return m
}

// Lookup returns the sorted document IDs whose contributed key exactly
// equals the encoded form of v, recording the hit for selectivity
// tracking.
func (idx *Index) Lookup(v bson.Value) [][]byte {
	k, ok := EncodeValue(idx.Kind, v)
	if !ok {
		return nil
	}
	c := idx.tree.Cursor()
	var out [][]byte
	if c.Jump(k) {
		for {
			ck, doc, ok := c.Next()
			if !ok || !bytes.Equal(ck, k) {
				break
			}
			out = append(out, doc)
		}
	}
	atomic.AddInt64(&idx.queries, 1)
	atomic.AddInt64(&idx.candidatesSeen, int64(len(out)))
	return out
}

// RangeCursor returns a fresh snapshot cursor for a planner to drive a
// range scan (jumping to a lower bound, walking forward or backward until
// an upper bound is exceeded).
func (idx *Index) RangeCursor() *btree.Cursor { return idx.tree.Cursor() }

// SelectivityPercent estimates, from 0 to 100, what fraction of a
// collection's documents a typical equality lookup against this index
// returns, based on queries observed so far and the collection's current
// live-record count. Returns -1 if no queries have been observed yet.
func (idx *Index) SelectivityPercent(collectionSize int64) float64 {
	idx.mu.Lock()
	q := atomic.LoadInt64(&idx.queries)
	c := atomic.LoadInt64(&idx.candidatesSeen)
	idx.mu.Unlock()
	if q == 0 || collectionSize <= 0 {
		return -1
	}
	avg := float64(c) / float64(q)
	return avg / float64(collectionSize) * 100
}

// Len reports the number of distinct keys currently indexed.
func (idx *Index) Len() int { return idx.tree.Len() }

// Compact rewrites the index's backing log down to its live state.
func (idx *Index) Compact() error { return idx.tree.Compact() }
