package query

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/softmotions/ejdb/bson"
	"github.com/softmotions/ejdb/internal/util"
)

// Query is a compiled query: a predicate tree plus the optional
// projection, sort, skip/limit, and update document that accompanied it.
type Query struct {
	root *Node

	Fields   *bson.Document // $fields projection spec, nil if none
	OrderBy  []SortKey
	Skip     int64
	Limit    int64 // 0 means unbounded
	Update   *bson.Document // the update document, nil for a plain find
	Upsert   bool
}

// SortKey is one key of a multi-key sort, in priority order.
type SortKey struct {
	Path string
	Desc bool
}

// CreateQuery compiles a query document. Recognized top-level control
// keys are $orderby (or $sort), $skip (or $min), $limit (or $max),
// $fields, and $upsert; top-level update operators ($set, $inc, ...,
// $dropall) are gathered into Query.Update for ApplyUpdate. $min/$max are the lower/upper pagination-window hints
// named in §4.6.1's Hints list; this implementation treats them as plain
// aliases for $skip/$limit rather than an index-bound range scan, since
// nothing else in the query language ties a bare numeric hint to a
// specific field.
func CreateQuery(q *bson.Document) (*Query, error) {
	if q == nil {
		q = bson.NewDocument()
	}
	out := &Query{}
	var leaves []*Node
	for _, el := range q.Elements() {
		switch el.Key {
		case "$orderby", "$sort":
			sub, ok := el.Value.AsDocument()
			if !ok {
				return nil, parseErr("%s must be an object", el.Key)
			}
			for _, se := range sub.Elements() {
				desc := false
				if n, ok := se.Value.Numeric(); ok && n < 0 {
					desc = true
				}
				out.OrderBy = append(out.OrderBy, SortKey{Path: se.Key, Desc: desc})
			}
		case "$skip", "$min":
			if n, ok := el.Value.Numeric(); ok {
				out.Skip = int64(n)
			}
		case "$limit", "$max":
			if n, ok := el.Value.Numeric(); ok {
				out.Limit = int64(n)
			}
		case "$fields":
			sub, ok := el.Value.AsDocument()
			if !ok {
				return nil, parseErr("$fields must be an object")
			}
			out.Fields = sub
		case "$set", "$unset", "$inc", "$rename", "$addToSet", "$addToSetAll",
			"$push", "$pushAll", "$pull", "$pullAll", "$do", "$dropall":
			if out.Update == nil {
				out.Update = bson.NewDocument()
			}
			out.Update.Append(el.Key, el.Value)
		case "$upsert":
			out.Upsert = true
		default:
			n, err := parseField(el.Key, el.Value)
			if err != nil {
				return nil, err
			}
			leaves = append(leaves, n)
		}
	}
	switch len(leaves) {
	case 0:
		out.root = andNode() // matches everything
	case 1:
		out.root = leaves[0]
	default:
		out.root = andNode(leaves...)
	}
	return out, nil
}

// parseField compiles one top-level query-document field into a node:
// $and/$or/$not get their own node kinds, a field whose value is itself an
// operator document (keys starting with '$') becomes a multi-condition
// Leaf, and anything else is an implicit equality Leaf.
func parseField(key string, v bson.Value) (*Node, error) {
	switch key {
	case "$and":
		arr, ok := v.AsArray()
		if !ok {
			return nil, parseErr("$and must be an array")
		}
		children, err := parseDocArray(arr)
		if err != nil {
			return nil, err
		}
		return andNode(children...), nil
	case "$or":
		arr, ok := v.AsArray()
		if !ok {
			return nil, parseErr("$or must be an array")
		}
		children, err := parseDocArray(arr)
		if err != nil {
			return nil, err
		}
		return orNode(children...), nil
	case "$not":
		sub, ok := v.AsDocument()
		if !ok {
			return nil, parseErr("$not must be an object")
		}
		inner, err := CreateQuery(sub)
		if err != nil {
			return nil, err
		}
		return notNode(inner.root), nil
	}

	if opDoc, ok := v.AsDocument(); ok && isOperatorDoc(opDoc) {
		for _, oe := range opDoc.Elements() {
			if oe.Key == "$elemMatch" {
				sub, ok := oe.Value.AsDocument()
				if !ok {
					return nil, parseErr("$elemMatch must be an object")
				}
				inner, err := CreateQuery(sub)
				if err != nil {
					return nil, err
				}
				return &Node{Kind: nodeElemMatch, Path: key, Sub: inner.root}, nil
			}
		}
		conds, err := parseConds(opDoc)
		if err != nil {
			return nil, err
		}
		return &Node{Kind: nodeLeaf, Path: key, Conds: conds}, nil
	}

	return &Node{Kind: nodeLeaf, Path: key, Conds: []cond{{op: opEq, value: v}}}, nil
}

func parseDocArray(arr *bson.Array) ([]*Node, error) {
	var out []*Node
	for _, item := range arr.Items() {
		d, ok := item.AsDocument()
		if !ok {
			return nil, parseErr("expected an object in $and/$or array")
		}
		inner, err := CreateQuery(d)
		if err != nil {
			return nil, err
		}
		out = append(out, inner.root)
	}
	return out, nil
}

func isOperatorDoc(d *bson.Document) bool {
	if d.Len() == 0 {
		return false
	}
	for _, e := range d.Elements() {
		if !strings.HasPrefix(e.Key, "$") {
			return false
		}
	}
	return true
}

func parseConds(opDoc *bson.Document) ([]cond, error) {
	var out []cond
	for _, oe := range opDoc.Elements() {
		switch oe.Key {
		case "$eq":
			out = append(out, cond{op: opEq, value: oe.Value})
		case "$ne":
			out = append(out, cond{op: opNe, value: oe.Value})
		case "$gt":
			out = append(out, cond{op: opGt, value: oe.Value})
		case "$gte":
			out = append(out, cond{op: opGte, value: oe.Value})
		case "$lt":
			out = append(out, cond{op: opLt, value: oe.Value})
		case "$lte":
			out = append(out, cond{op: opLte, value: oe.Value})
		case "$in":
			arr, ok := oe.Value.AsArray()
			if !ok {
				return nil, parseErr("$in must be an array")
			}
			out = append(out, cond{op: opIn, values: arr.Items()})
		case "$nin":
			arr, ok := oe.Value.AsArray()
			if !ok {
				return nil, parseErr("$nin must be an array")
			}
			out = append(out, cond{op: opNin, values: arr.Items()})
		case "$exists":
			b, _ := oe.Value.AsBool()
			out = append(out, cond{op: opExists, exists: b})
		case "$type":
			n, _ := oe.Value.Numeric()
			out = append(out, cond{op: opType, typ: bson.Type(byte(n))})
		case "$size":
			n, _ := oe.Value.Numeric()
			out = append(out, cond{op: opSize, value: bson.Double(n)})
		case "$mod":
			arr, ok := oe.Value.AsArray()
			if !ok || arr.Len() != 2 {
				return nil, parseErr("$mod must be a 2-element array")
			}
			d0, _ := arr.At(0)
			d1, _ := arr.At(1)
			by, _ := d0.Numeric()
			eq, _ := d1.Numeric()
			out = append(out, cond{op: opMod, modBy: int64(by), modEq: int64(eq)})
		case "$regex":
			pat, _ := oe.Value.AsString()
			opts := ""
			if ropts, ok := opDoc.Get("$options"); ok {
				opts, _ = ropts.AsString()
			}
			out = append(out, cond{op: opRegex, regex: bson.Regex{Pattern: pat, Options: opts}})
		case "$options":
			// consumed alongside $regex
		case "$begin":
			s, ok := oe.Value.AsString()
			if !ok {
				return nil, parseErr("$begin must be a string")
			}
			out = append(out, cond{op: opBegin, value: bson.String(s)})
		case "$bt":
			arr, ok := oe.Value.AsArray()
			if !ok || arr.Len() != 2 {
				return nil, parseErr("$bt must be a 2-element array")
			}
			lo, _ := arr.At(0)
			hi, _ := arr.At(1)
			out = append(out, cond{op: opBt, btLow: lo, btHigh: hi})
		case "$strand":
			arr, ok := oe.Value.AsArray()
			if !ok {
				return nil, parseErr("$strand must be an array")
			}
			out = append(out, cond{op: opStrand, values: arr.Items()})
		case "$stror":
			arr, ok := oe.Value.AsArray()
			if !ok {
				return nil, parseErr("$stror must be an array")
			}
			out = append(out, cond{op: opStror, values: arr.Items()})
		case "$icase":
			nested, err := parseIcase(oe.Value)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
		default:
			return nil, parseErr("unknown query operator %q", oe.Key)
		}
	}
	return out, nil
}

// parseIcase implements $icase: {$icase: {$eq: "val", $begin: "pre"}} (or
// {$icase: "val"} as shorthand for an equality) wraps the nested string
// comparisons so they fold case, per spec.md §4.6.1's "$icase wraps the
// next string compare with case folding".
func parseIcase(v bson.Value) ([]cond, error) {
	if sub, ok := v.AsDocument(); ok && isOperatorDoc(sub) {
		nested, err := parseConds(sub)
		if err != nil {
			return nil, err
		}
		for i := range nested {
			nested[i].icase = true
		}
		return nested, nil
	}
	return []cond{{op: opEq, value: v, icase: true}}, nil
}

// tokensOf splits a string field on Unicode whitespace, or returns an
// array field's string elements as-is. $strand/$stror are evaluated per
// document only: the planner never drives an index from them, and the
// array-token index does not split strings (a string value is one key).
func tokensOf(v bson.Value) []string {
	if arr, ok := v.AsArray(); ok {
		var out []string
		for _, item := range arr.Items() {
			if s, ok := item.AsString(); ok {
				out = append(out, s)
			}
		}
		return out
	}
	if s, ok := v.AsString(); ok {
		return strings.FieldsFunc(s, unicode.IsSpace)
	}
	return nil
}

func containsToken(toks []string, want string) bool {
	for _, t := range toks {
		if t == want {
			return true
		}
	}
	return false
}

// EqualityFields extracts the top-level equality conditions of the query
// (ignoring $or/$not/$elemMatch branches, which don't pin a single value)
// into a flat document, used to seed a newly created document when
// $upsert matches nothing.
func (q *Query) EqualityFields() *bson.Document {
	out := bson.NewDocument()
	collectEquality(q.root, out)
	return out
}

func collectEquality(n *Node, out *bson.Document) {
	if n == nil {
		return
	}
	switch n.Kind {
	case nodeAnd:
		for _, c := range n.Children {
			collectEquality(c, out)
		}
	case nodeLeaf:
		if len(n.Conds) == 1 && n.Conds[0].op == opEq {
			bson.SetPath(out, n.Path, n.Conds[0].value)
		}
	}
}

// Matches reports whether doc satisfies the query's predicate.
func (q *Query) Matches(doc *bson.Document) bool {
	return evalNode(q.root, doc)
}

// MatchPositions evaluates doc against the query, additionally recording,
// for every $elemMatch the predicate passed through, the array index of
// the element that satisfied it. The positional `$` operator in a
// projection or update path (e.g. "items.$.qty") is resolved against this
// map: the prefix before ".$" is looked up to find which element matched.
func (q *Query) MatchPositions(doc *bson.Document) (bool, map[string]int) {
	positions := make(map[string]int)
	ok := evalNodePos(q.root, doc, positions)
	return ok, positions
}

func evalNodePos(n *Node, doc *bson.Document, positions map[string]int) bool {
	switch n.Kind {
	case nodeAnd:
		for _, c := range n.Children {
			if !evalNodePos(c, doc, positions) {
				return false
			}
		}
		return true
	case nodeOr:
		if len(n.Children) == 0 {
			return true
		}
		for _, c := range n.Children {
			if evalNodePos(c, doc, positions) {
				return true
			}
		}
		return false
	case nodeNot:
		return !evalNodePos(n.Children[0], doc, positions)
	case nodeElemMatch:
		v, _, ok := bson.FindPathOpt(bson.ObjectVal(doc), n.Path, bson.FindOptions{StopOnNestedArray: true})
		if !ok {
			return false
		}
		arr, ok := v.AsArray()
		if !ok {
			return false
		}
		rewritten := rewritePath(n.Sub, "_")
		for i, item := range arr.Items() {
			wrapped := bson.NewDocument().Append("_", item)
			if evalNode(rewritten, wrapped) {
				positions[n.Path] = i
				return true
			}
		}
		return false
	case nodeLeaf:
		return evalLeaf(n, doc)
	}
	return false
}

// ResolvePositional substitutes the first "$" path segment in path with
// the matched array index recorded for that field's $elemMatch in
// positions. path is expected in the form "field.$" or "field.$.rest";
// returns ok=false if no matching $elemMatch position was recorded.
func ResolvePositional(path string, positions map[string]int) (string, bool) {
	idx := strings.Index(path, "$")
	if idx < 0 {
		return path, true
	}
	prefix := strings.TrimSuffix(path[:idx], ".")
	rest := path[idx+1:]
	pos, ok := positions[prefix]
	if !ok {
		return "", false
	}
	out := prefix + "." + strconv.Itoa(pos) + rest
	return out, true
}

func evalNode(n *Node, doc *bson.Document) bool {
	switch n.Kind {
	case nodeAnd:
		for _, c := range n.Children {
			if !evalNode(c, doc) {
				return false
			}
		}
		return true
	case nodeOr:
		if len(n.Children) == 0 {
			return true
		}
		for _, c := range n.Children {
			if evalNode(c, doc) {
				return true
			}
		}
		return false
	case nodeNot:
		return !evalNode(n.Children[0], doc)
	case nodeElemMatch:
		v, _, ok := bson.FindPathOpt(bson.ObjectVal(doc), n.Path, bson.FindOptions{StopOnNestedArray: true})
		if !ok {
			return false
		}
		arr, ok := v.AsArray()
		if !ok {
			return false
		}
		for _, item := range arr.Items() {
			wrapped := bson.NewDocument().Append("_", item)
			if evalNode(rewritePath(n.Sub, "_"), wrapped) {
				return true
			}
		}
		return false
	case nodeLeaf:
		return evalLeaf(n, doc)
	}
	return false
}

// rewritePath re-homes a sub-predicate's leaf paths under a synthetic root
// key so $elemMatch can reuse CreateQuery's normal leaf evaluation against
// a single wrapped array element.
func rewritePath(n *Node, root string) *Node {
	switch n.Kind {
	case nodeLeaf:
		path := root
		if n.Path != "" {
			path = root + "." + n.Path
		}
		return &Node{Kind: nodeLeaf, Path: path, Conds: n.Conds}
	case nodeElemMatch:
		return &Node{Kind: nodeElemMatch, Path: root + "." + n.Path, Sub: n.Sub}
	default:
		children := make([]*Node, len(n.Children))
		for i, c := range n.Children {
			children[i] = rewritePath(c, root)
		}
		return &Node{Kind: n.Kind, Children: children}
	}
}

func evalLeaf(n *Node, doc *bson.Document) bool {
	v, _, found := bson.FindPathOpt(bson.ObjectVal(doc), n.Path, bson.FindOptions{})
	for _, c := range n.Conds {
		if !evalCond(c, v, found) {
			return false
		}
	}
	return true
}

func evalCond(c cond, v bson.Value, found bool) bool {
	switch c.op {
	case opExists:
		return found == c.exists
	case opEq:
		if !found {
			return c.value.IsNullish()
		}
		if c.icase {
			if sa, ok := v.AsString(); ok {
				if sb, ok := c.value.AsString(); ok {
					return util.EqualFold(sa, sb)
				}
			}
		}
		return bson.Equal(v, c.value)
	case opNe:
		if !found {
			return !c.value.IsNullish()
		}
		return !bson.Equal(v, c.value)
	case opGt:
		return found && bson.Compare(v, c.value) > 0
	case opGte:
		return found && bson.Compare(v, c.value) >= 0
	case opLt:
		return found && bson.Compare(v, c.value) < 0
	case opLte:
		return found && bson.Compare(v, c.value) <= 0
	case opIn:
		if !found {
			for _, cv := range c.values {
				if cv.IsNullish() {
					return true
				}
			}
			return false
		}
		for _, cv := range c.values {
			if c.icase {
				sa, okA := v.AsString()
				sb, okB := cv.AsString()
				if okA && okB && util.EqualFold(sa, sb) {
					return true
				}
			}
			if bson.Equal(v, cv) {
				return true
			}
		}
		return false
	case opNin:
		return !evalCond(cond{op: opIn, values: c.values}, v, found)
	case opType:
		return found && v.Type == c.typ
	case opSize:
		if !found {
			return false
		}
		arr, ok := v.AsArray()
		if !ok {
			return false
		}
		want, _ := c.value.Numeric()
		return float64(arr.Len()) == want
	case opMod:
		if !found {
			return false
		}
		n, ok := v.Numeric()
		if !ok || c.modBy == 0 {
			return false
		}
		return int64(n)%c.modBy == c.modEq
	case opRegex:
		if !found {
			return false
		}
		s, ok := v.AsString()
		if !ok {
			return false
		}
		pat := c.regex.Pattern
		if strings.Contains(c.regex.Options, "i") {
			pat = "(?i)" + pat
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	case opBegin:
		if !found {
			return false
		}
		s, ok := v.AsString()
		if !ok {
			return false
		}
		pre, _ := c.value.AsString()
		if c.icase {
			return strings.HasPrefix(util.FoldNormalize(s), util.FoldNormalize(pre))
		}
		return strings.HasPrefix(s, pre)
	case opBt:
		if !found {
			return false
		}
		n, ok := v.Numeric()
		if !ok {
			return false
		}
		lo, okl := c.btLow.Numeric()
		hi, okh := c.btHigh.Numeric()
		return okl && okh && n >= lo && n <= hi
	case opStrand:
		if !found {
			return false
		}
		toks := tokensOf(v)
		for _, want := range c.values {
			ws, _ := want.AsString()
			if !containsToken(toks, ws) {
				return false
			}
		}
		return true
	case opStror:
		if !found {
			return false
		}
		toks := tokensOf(v)
		for _, want := range c.values {
			ws, _ := want.AsString()
			if containsToken(toks, ws) {
				return true
			}
		}
		return false
	}
	return false
}
