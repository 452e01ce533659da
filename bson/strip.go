package bson

import "strings"

// StripMode selects whether Strip's path set names fields to keep or
// fields to drop.
type StripMode int

const (
	StripInclude StripMode = iota
	StripExclude
)

// StripSpec describes one projected field path and an optional rename
// target. A non-empty RenameTo causes the matched value to be placed at
// the renamed path in a separate collector document instead of in the
// stripped result.
type StripSpec struct {
	Path     string
	RenameTo string
}

// Strip produces a new document preserving (StripInclude) or omitting
// (StripExclude) exactly the given field paths. When one or more specs
// carry a RenameTo, their matched values go into a second "collector"
// document keyed by the rename target instead of into the stripped
// result, and it is returned separately. ParseFieldSpec never sets
// RenameTo, and Collection.Project discards the collector.
func Strip(doc *Document, mode StripMode, specs []StripSpec) (stripped *Document, collector *Document) {
	collector = NewDocument()
	switch mode {
	case StripInclude:
		stripped = NewDocument()
		for _, spec := range specs {
			v, ok := FindPath(doc, spec.Path)
			if !ok {
				continue
			}
			if spec.RenameTo != "" {
				SetPath(collector, spec.RenameTo, v)
			} else {
				SetPath(stripped, spec.Path, v)
			}
		}
	case StripExclude:
		stripped = doc.Clone()
		for _, spec := range specs {
			v, ok := FindPath(doc, spec.Path)
			UnsetPath(stripped, spec.Path)
			if ok && spec.RenameTo != "" {
				SetPath(collector, spec.RenameTo, v)
			}
		}
	}
	return stripped, collector
}

// ParseFieldSpec expands the dotted-path-to-bool/int map convention used
// by §4.6.1's $fields hint ({"a.b": 1, "c": 0, ...}) into StripSpecs plus
// the detected mode; it rejects mixing include (non-zero) and exclude
// (zero) values in the same spec, matching the fields-include-exclude-mix
// error kind from §7. The special key "_id" is skipped: it neither decides
// the mode nor becomes a StripSpec, so its value has no effect here.
func ParseFieldSpec(fields *Document) (mode StripMode, specs []StripSpec, err error) {
	haveInclude, haveExclude := false, false
	for _, e := range fields.Elements() {
		include := isTruthyInt(e.Value)
		if e.Key == "_id" {
			continue
		}
		if include {
			haveInclude = true
		} else {
			haveExclude = true
		}
	}
	if haveInclude && haveExclude {
		return 0, nil, codecErr("fields-include-exclude-mix", "cannot mix include and exclude in one $fields spec")
	}
	mode = StripExclude
	if haveInclude {
		mode = StripInclude
	}
	for _, e := range fields.Elements() {
		if e.Key == "_id" {
			continue
		}
		path := e.Key
		renameTo := ""
		if idx := strings.LastIndex(path, ".$"); idx >= 0 {
			// positional projection marker resolved later by the query
			// engine; left as-is here.
		}
		specs = append(specs, StripSpec{Path: path, RenameTo: renameTo})
	}
	return mode, specs, nil
}

func isTruthyInt(v Value) bool {
	if b, ok := v.AsBool(); ok {
		return b
	}
	if i, ok := v.AsInt32(); ok {
		return i != 0
	}
	if i, ok := v.AsInt64(); ok {
		return i != 0
	}
	if f, ok := v.AsDouble(); ok {
		return f != 0
	}
	return true
}
