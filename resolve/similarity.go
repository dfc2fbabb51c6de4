package resolve

import (
	"math"

	"github.com/pmezard/go-difflib/difflib"
)

// Similarity scores two strings from 0 to 100 as round(100 * 2M / T),
// where M is the number of characters matched by Ratcliff/Obershelp block
// matching and T is the combined length, rounded half to even. An empty
// operand scores 0.
func Similarity(a, b string) int {
	if a == "" || b == "" {
		return 0
	}
	m := difflib.NewMatcher(runes(a), runes(b))
	return int(math.RoundToEven(100 * m.Ratio()))
}

// runes splits s into one-character elements for the matcher.
func runes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}
