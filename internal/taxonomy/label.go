// Package taxonomy folds free-form model output into a canonical catalogue of
// (category, subcategory) pairs. Raw labels are normalized, rewritten through
// a synonym table, matched against known entries (exactly, via recorded
// aliases, or fuzzily by edit distance), and inserted when nothing fits.
package taxonomy

import (
	"strings"
	"unicode"
)

// Normalize lowercases a label, keeps alphanumerics, collapses whitespace
// runs to single spaces, and trims the ends. Everything else is dropped.
func Normalize(input string) string {
	var b strings.Builder
	b.Grow(len(input))

	lastWasSpace := true
	for _, r := range input {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			lastWasSpace = false
		case unicode.IsSpace(r):
			if !lastWasSpace {
				b.WriteByte(' ')
				lastWasSpace = true
			}
		}
	}

	return strings.TrimSpace(b.String())
}

var trailingStopwords = map[string]bool{
	"file": true, "files": true,
	"doc": true, "docs": true, "document": true, "documents": true,
	"image": true, "images": true,
	"photo": true, "photos": true,
	"pic": true, "pics": true,
}

// StripTrailingStopwords removes filler tokens like "files" or "docs" from
// the end of a normalized label. The last remaining token is never stripped.
func StripTrailingStopwords(normalized string) string {
	if normalized == "" {
		return normalized
	}

	tokens := strings.Fields(normalized)
	if len(tokens) <= 1 {
		return normalized
	}
	for len(tokens) > 1 && trailingStopwords[tokens[len(tokens)-1]] {
		tokens = tokens[:len(tokens)-1]
	}
	if len(tokens) == 0 {
		return normalized
	}
	return strings.Join(tokens, " ")
}

// Similarity returns 1 - levenshtein(a, b) / max(len(a), len(b)), so equal
// strings score 1.0 and fully dissimilar strings score 0.0.
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}

	m := len(a)
	n := len(b)
	prev := make([]int, n+1)
	curr := make([]int, n+1)

	for j := 0; j <= n; j++ {
		prev[j] = j
	}

	for i := 1; i <= m; i++ {
		curr[0] = i
		for j := 1; j <= n; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}

	dist := float64(prev[n])
	maxLen := float64(max(m, n))
	return 1.0 - dist/maxLen
}
