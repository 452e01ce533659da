package bson

import "strings"

// FindOptions controls FindPath's handling of arrays encountered on a
// middle path segment.
type FindOptions struct {
	// StopOnNestedArray makes a non-numeric segment into an array return
	// the array itself (rather than failing), so callers can apply
	// $elemMatch-style semantics over its elements.
	StopOnNestedArray bool
}

// FindPath walks a dot-separated field path from doc's root. A numeric
// segment into an array indexes positionally; a non-numeric segment into
// an array fails. FindPathOpt with StopOnNestedArray set instead returns
// the array itself along with the remaining unconsumed path.
func FindPath(doc *Document, path string) (Value, bool) {
	v, _, ok := FindPathOpt(ObjectVal(doc), path, FindOptions{})
	return v, ok
}

// FindPathOpt is FindPath generalized to start from an arbitrary Value
// (needed for $elemMatch, which resumes a path lookup from inside a
// matched array element) and to report the remaining path when stopped
// early on a nested array.
func FindPathOpt(v Value, path string, opts FindOptions) (Value, string, bool) {
	if path == "" {
		return v, "", true
	}
	segs := strings.Split(path, ".")
	return findSegs(v, segs, opts)
}

func findSegs(v Value, segs []string, opts FindOptions) (Value, string, bool) {
	if len(segs) == 0 {
		return v, "", true
	}
	seg := segs[0]
	rest := segs[1:]

	switch v.Type {
	case TypeObject:
		child, ok := v.doc.Get(seg)
		if !ok {
			return Value{}, "", false
		}
		if len(rest) == 0 {
			return child, "", true
		}
		return findSegs(child, rest, opts)
	case TypeArray:
		if idx, ok := parseArrayIndex(seg); ok {
			child, ok := v.arr.At(idx)
			if !ok {
				return Value{}, "", false
			}
			if len(rest) == 0 {
				return child, "", true
			}
			return findSegs(child, rest, opts)
		}
		if opts.StopOnNestedArray {
			return v, strings.Join(segs, "."), true
		}
		return Value{}, "", false
	default:
		return Value{}, "", false
	}
}

func parseArrayIndex(seg string) (int, bool) {
	if seg == "" {
		return 0, false
	}
	n := 0
	for _, c := range seg {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

// SplitPath splits a dotted field path into its segments.
func SplitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// JoinPath is the inverse of SplitPath.
func JoinPath(segs []string) string {
	return strings.Join(segs, ".")
}

// SetPath creates intermediate objects as needed and sets the value at a
// dotted field path, used by $set and by MergeFieldPaths.
func SetPath(doc *Document, path string, v Value) {
	segs := SplitPath(path)
	setSegs(doc, segs, v)
}

func setSegs(doc *Document, segs []string, v Value) {
	if len(segs) == 1 {
		doc.Set(segs[0], v)
		return
	}
	seg := segs[0]
	child, ok := doc.Get(seg)
	if ok && child.Type == TypeArray {
		setArraySegs(child.arr, segs[1:], v)
		return
	}
	var childDoc *Document
	if ok {
		if d, isDoc := child.AsDocument(); isDoc {
			childDoc = d
		}
	}
	if childDoc == nil {
		childDoc = NewDocument()
		doc.Set(seg, ObjectVal(childDoc))
	}
	setSegs(childDoc, segs[1:], v)
}

// setArraySegs mirrors setSegs for a path segment that lands inside an
// array: the next segment must be a decimal index, and the array grows
// (padded with nulls) to accommodate it, matching SetPath's "create
// intermediate structure as needed" contract for object paths.
func setArraySegs(arr *Array, segs []string, v Value) {
	idx, ok := parseArrayIndex(segs[0])
	if !ok {
		return
	}
	if len(segs) == 1 {
		arr.Set(idx, v)
		return
	}
	cur, ok := arr.At(idx)
	if ok && cur.Type == TypeArray {
		setArraySegs(cur.arr, segs[1:], v)
		return
	}
	var childDoc *Document
	if ok {
		if d, isDoc := cur.AsDocument(); isDoc {
			childDoc = d
		}
	}
	if childDoc == nil {
		childDoc = NewDocument()
		arr.Set(idx, ObjectVal(childDoc))
	}
	setSegs(childDoc, segs[1:], v)
}

// UnsetPath removes the value at a dotted field path if present.
func UnsetPath(doc *Document, path string) {
	segs := SplitPath(path)
	unsetSegs(doc, segs)
}

func unsetSegs(doc *Document, segs []string) {
	if doc == nil || len(segs) == 0 {
		return
	}
	if len(segs) == 1 {
		doc.Delete(segs[0])
		return
	}
	child, ok := doc.Get(segs[0])
	if !ok {
		return
	}
	if d, isDoc := child.AsDocument(); isDoc {
		unsetSegs(d, segs[1:])
		return
	}
	if arr, isArr := child.AsArray(); isArr {
		unsetArraySegs(arr, segs[1:])
	}
}

func unsetArraySegs(arr *Array, segs []string) {
	if arr == nil || len(segs) == 0 {
		return
	}
	idx, ok := parseArrayIndex(segs[0])
	if !ok {
		return
	}
	item, ok := arr.At(idx)
	if !ok {
		return
	}
	if len(segs) == 1 {
		// Array slots can't be removed without re-indexing later elements
		// (which $unset must not do), so the slot is nulled in place,
		// matching Mongo's documented $unset-on-array-index behavior.
		arr.Set(idx, Null())
		return
	}
	if d, isDoc := item.AsDocument(); isDoc {
		unsetSegs(d, segs[1:])
	} else if a2, isArr := item.AsArray(); isArr {
		unsetArraySegs(a2, segs[1:])
	}
}
