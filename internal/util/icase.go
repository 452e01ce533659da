package util

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var foldCaser = cases.Fold()

// FoldNormalize implements the istring-lex key normalization from spec
// §4.3: "first passed through Unicode case-fold then NFC normalize". It is
// used both to build istring B+ tree keys and to evaluate $icase query
// comparisons, so the two stay byte-identical.
func FoldNormalize(s string) string {
	folded := foldCaser.String(s)
	return norm.NFC.String(folded)
}

// EqualFold reports whether a and b are equal under FoldNormalize.
func EqualFold(a, b string) bool {
	return FoldNormalize(a) == FoldNormalize(b)
}
