// Package query implements ejdb's query language: parsing a BSON query
// document into a predicate tree, planning which secondary index (if any)
// can narrow the candidate set, executing the predicate against
// documents, applying update operators, and the supporting projection,
// sort, and distinct operations a collection's query surface needs.
package query

import "github.com/softmotions/ejdb/bson"

// nodeKind discriminates the predicate tree's node union.
type nodeKind int

const (
	nodeAnd nodeKind = iota
	nodeOr
	nodeNot
	nodeLeaf
	nodeElemMatch
)

// opKind is a single comparison or membership test within a Leaf.
type opKind int

const (
	opEq opKind = iota
	opNe
	opGt
	opGte
	opLt
	opLte
	opIn
	opNin
	opExists
	opType
	opMod
	opSize
	opRegex
	opBegin  // $begin: string prefix
	opBt     // $bt: numeric between two endpoints, inclusive
	opStrand // $strand: all tokens present in a tokenizable string/array field
	opStror  // $stror: any token present
)

// cond is one operator applied to a leaf's field value.
type cond struct {
	op       opKind
	value    bson.Value
	values   []bson.Value // $in / $nin / $strand / $stror
	modBy    int64        // $mod divisor
	modEq    int64        // $mod remainder
	exists   bool         // $exists argument
	typ      bson.Type    // $type argument
	regex    bson.Regex
	btLow    bson.Value // $bt lower bound
	btHigh   bson.Value // $bt upper bound
	icase    bool       // wrap string comparisons (eq/begin/in) with case folding
}

// Node is one node of the predicate tree. And/Or/Not hold Children; Leaf
// holds a field Path and the list of conditions every value at that path
// must satisfy (an implicit AND across Conds, matching Mongo's operator-
// document semantics); ElemMatch holds a field Path plus a nested
// sub-predicate evaluated against each element of the array at that path.
type Node struct {
	Kind     nodeKind
	Children []*Node

	Path  string
	Conds []cond

	Sub *Node // ElemMatch's nested predicate
}

func andNode(children ...*Node) *Node { return &Node{Kind: nodeAnd, Children: children} }
func orNode(children ...*Node) *Node  { return &Node{Kind: nodeOr, Children: children} }
func notNode(child *Node) *Node       { return &Node{Kind: nodeNot, Children: []*Node{child}} }
