package bson

// MergeOptions controls Merge's recursive behavior.
type MergeOptions struct {
	// Recursive enables descent into matching object and array fields
	// instead of outright replacement.
	Recursive bool
	// Overwrite, when false and Recursive is false, keeps A's existing
	// leaf values instead of replacing them with B's.
	Overwrite bool
}

// Merge combines B into A (A is the base, B the overlay) and returns the
// result as a new document; neither input is mutated. At a leaf path with
// Overwrite=true, B's value wins. At an object path with Recursive=true,
// fields are merged recursively. Recursive array merge appends B's
// elements after A's, re-keying indices.
func Merge(a, b *Document, opts MergeOptions) *Document {
	out := a.Clone()
	for _, be := range b.Elements() {
		ae, hasA := out.Get(be.Key)
		if !hasA {
			out.Set(be.Key, be.Value.clone())
			continue
		}
		merged := mergeValue(ae, be.Value, opts)
		out.Set(be.Key, merged)
	}
	return out
}

func mergeValue(a, b Value, opts MergeOptions) Value {
	if opts.Recursive {
		if ad, aok := a.AsDocument(); aok {
			if bd, bok := b.AsDocument(); bok {
				return ObjectVal(Merge(ad, bd, opts))
			}
		}
		if aa, aok := a.AsArray(); aok {
			if ba, bok := b.AsArray(); bok {
				merged := NewArray()
				for _, v := range aa.Items() {
					merged.Append(v.clone())
				}
				for _, v := range ba.Items() {
					merged.Append(v.clone())
				}
				return ArrayVal(merged)
			}
		}
	}
	if opts.Overwrite || opts.Recursive {
		return b.clone()
	}
	return a.clone()
}

// MergeFieldPaths applies a flat patch document whose keys may be dotted
// field paths onto base, creating intermediate objects as needed, and
// collapses duplicate keys on completion.
func MergeFieldPaths(base *Document, patch *Document) *Document {
	out := base.Clone()
	for _, pe := range patch.Elements() {
		SetPath(out, pe.Key, pe.Value.clone())
	}
	return CollapseDuplicates(out)
}

// CollapseDuplicates merges repeated object fields: when both occurrences
// are objects, they are recursively merged; when both are arrays, they are
// concatenated (re-keyed); otherwise the last occurrence wins. It recurses
// into nested objects and arrays.
func CollapseDuplicates(doc *Document) *Document {
	out := NewDocument()
	index := map[string]int{}
	for _, e := range doc.Elements() {
		v := collapseValue(e.Value)
		if pos, ok := index[e.Key]; ok {
			existing := out.elems[pos].Value
			out.elems[pos].Value = collapseDuplicatePair(existing, v)
			continue
		}
		index[e.Key] = len(out.elems)
		out.Append(e.Key, v)
	}
	return out
}

func collapseValue(v Value) Value {
	if d, ok := v.AsDocument(); ok {
		return ObjectVal(CollapseDuplicates(d))
	}
	if a, ok := v.AsArray(); ok {
		na := NewArray()
		for _, item := range a.Items() {
			na.Append(collapseValue(item))
		}
		return ArrayVal(na)
	}
	return v
}

func collapseDuplicatePair(existing, next Value) Value {
	if ed, ok := existing.AsDocument(); ok {
		if nd, ok2 := next.AsDocument(); ok2 {
			return ObjectVal(Merge(ed, nd, MergeOptions{Recursive: true, Overwrite: true}))
		}
	}
	if ea, ok := existing.AsArray(); ok {
		if na, ok2 := next.AsArray(); ok2 {
			merged := NewArray()
			for _, v := range ea.Items() {
				merged.Append(v)
			}
			for _, v := range na.Items() {
				merged.Append(v)
			}
			return ArrayVal(merged)
		}
	}
	return next
}
