package query

import (
	"bytes"
	"errors"

	"github.com/softmotions/ejdb/bson"
	"github.com/softmotions/ejdb/internal/index"
)

// ErrStale is returned by a Fetch function when a candidate ID (typically
// produced by an index lookup) no longer resolves to a live document; the
// executor treats it as "does not match" rather than a hard failure, since
// index maintenance and the primary store are updated in separate steps.
var ErrStale = errors.New("query: stale index candidate")

// Match pairs a matched document with its primary-store key. Positions
// records, for every $elemMatch in the query that the document satisfied,
// the array index that satisfied it — used to resolve the positional `$`
// operator in update paths and $fields projection.
type Match struct {
	ID        []byte
	Doc       *bson.Document
	Positions map[string]int
}

// Fetch resolves a primary-store key to its document.
type Fetch func(id []byte) (*bson.Document, error)

// Scan visits every (id) in the collection's primary store, stopping if
// visit returns false.
type Scan func(visit func(id []byte) bool) error

// Execute runs q against a collection: it drives the cursor of the
// indexed leaf condition planCandidates picks (equality, $bt, $begin or a
// range comparison), falling back to a full scan when none qualifies, then
// applies the full predicate as a residual filter (so an
// index hit is always re-verified), then sort, skip and limit.
func Execute(q *Query, indexes map[string]*index.Index, collectionSize int64, fetch Fetch, scan Scan) ([]Match, error) {
	candidates, usedIndex := planCandidates(q.root, indexes, collectionSize)

	var matches []Match
	var fetchErr error
	visit := func(id []byte) bool {
		doc, err := fetch(id)
		if err == ErrStale {
			return true
		}
		if err != nil {
			fetchErr = err // returned by Execute once the walk stops
			return false
		}
		if doc == nil {
			return true
		}
		if ok, positions := q.MatchPositions(doc); ok {
			matches = append(matches, Match{ID: id, Doc: doc, Positions: positions})
		}
		return true
	}

	var scanErr error
	if usedIndex {
		for _, id := range candidates {
			if !visit(id) {
				break
			}
		}
	} else {
		scanErr = scan(visit)
	}
	if scanErr != nil {
		return nil, scanErr
	}
	if fetchErr != nil {
		return nil, fetchErr
	}

	if len(q.OrderBy) > 0 {
		SortMatches(matches, q.OrderBy)
	}
	if q.Skip > 0 {
		if int(q.Skip) >= len(matches) {
			matches = nil
		} else {
			matches = matches[q.Skip:]
		}
	}
	if q.Limit > 0 && int64(len(matches)) > q.Limit {
		matches = matches[:q.Limit]
	}
	return matches, nil
}

// indexedCandidate is one indexed leaf condition found while walking the
// predicate tree, scored by planCandidates per §4.6.2 step 2.
type indexedCandidate struct {
	path string
	idx  *index.Index
	c    cond
}

// operatorWeight ranks operators per §4.6.2's "equality > between > prefix
// > range" ordering; operators that cannot drive an index cursor score 0
// and are never collected in the first place.
func operatorWeight(op opKind) int {
	switch op {
	case opEq:
		return 4
	case opBt:
		return 3
	case opBegin:
		return 2
	case opGt, opGte, opLt, opLte:
		return 1
	default:
		return 0
	}
}

// selectivityScore converts Index.SelectivityPercent's "fraction of the
// collection a typical lookup returns" (low is good) into a 0-100 score
// where high is good, so it composes with operatorWeight. An index with no
// observed queries yet (-1) is optimistically scored 100: it hasn't had a
// chance to prove itself expensive, and §4.6.2 step 3 only rejects indexes
// once their selectivity is actually known to be poor.
func selectivityScore(idx *index.Index, collectionSize int64) float64 {
	pct := idx.SelectivityPercent(collectionSize)
	if pct < 0 {
		return 100
	}
	return 100 - pct
}

// collectIndexedCandidates walks the AND-conjoined top level of the
// predicate tree (OR branches are planned independently and are out of
// scope here), gathering every leaf condition whose field carries a
// registered index and whose operator can drive a cursor.
func collectIndexedCandidates(n *Node, indexes map[string]*index.Index, out []indexedCandidate) []indexedCandidate {
	switch n.Kind {
	case nodeLeaf:
		idx, ok := indexes[n.Path]
		if !ok {
			return out
		}
		for _, c := range n.Conds {
			if c.icase && idx.Kind != index.KindIStringLex {
				continue // a case-sensitive index cannot return case variants
			}
			if operatorWeight(c.op) > 0 {
				out = append(out, indexedCandidate{path: n.Path, idx: idx, c: c})
			}
		}
	case nodeAnd:
		for _, child := range n.Children {
			out = collectIndexedCandidates(child, indexes, out)
		}
	}
	return out
}

// planCandidates implements §4.6.2's planning steps 2-4: score every
// indexed condition in the query (operator weight plus the index's
// measured selectivity), reject any whose selectivity score is ≤ 20, and
// drive the cursor for the single highest-scoring survivor. Falls back to
// a full collection scan when no condition qualifies.
func planCandidates(root *Node, indexes map[string]*index.Index, collectionSize int64) ([][]byte, bool) {
	candidates := collectIndexedCandidates(root, indexes, nil)

	var best *indexedCandidate
	bestScore := -1.0
	for i := range candidates {
		cand := &candidates[i]
		sel := selectivityScore(cand.idx, collectionSize)
		if sel <= 20 {
			continue
		}
		score := float64(operatorWeight(cand.c.op))*1000 + sel
		if score > bestScore {
			bestScore = score
			best = cand
		}
	}
	if best == nil {
		return nil, false
	}
	if best.c.op == opEq {
		return best.idx.Lookup(best.c.value), true
	}
	return rangeCandidates(best.idx, best.c), true
}

// rangeCandidates drives idx's cursor over the byte-comparable encoded key
// range implied by c, collecting document IDs in ascending key order until
// the upper bound (if any) is exceeded.
func rangeCandidates(idx *index.Index, c cond) [][]byte {
	var lowKey, highKey []byte
	lowStrict, highStrict := false, false
	switch c.op {
	case opGt:
		lowKey, _ = index.EncodeValue(idx.Kind, c.value)
		lowStrict = true
	case opGte:
		lowKey, _ = index.EncodeValue(idx.Kind, c.value)
	case opLt:
		highKey, _ = index.EncodeValue(idx.Kind, c.value)
		highStrict = true
	case opLte:
		highKey, _ = index.EncodeValue(idx.Kind, c.value)
	case opBt:
		lowKey, _ = index.EncodeValue(idx.Kind, c.btLow)
		highKey, _ = index.EncodeValue(idx.Kind, c.btHigh)
	}

	cur := idx.RangeCursor()
	var out [][]byte
	started := lowKey != nil && cur.Jump(lowKey)
	if lowKey == nil {
		started = true // no lower bound: start from the beginning
	}
	if !started {
		return nil
	}
	for {
		k, doc, ok := cur.Next()
		if !ok {
			break
		}
		if lowKey != nil && lowStrict && bytes.Equal(k, lowKey) {
			continue
		}
		if highKey != nil {
			cmp := bytes.Compare(k, highKey)
			if cmp > 0 || (cmp == 0 && highStrict) {
				break
			}
		}
		out = append(out, doc)
	}
	return out
}
