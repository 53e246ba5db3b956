package similarity

import (
	"golang.org/x/text/unicode/norm"
)

// Levenshtein returns the edit distance between a and b counted in runes
func Levenshtein(a, b []rune) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// TextSimilarity is 1 - lev(a, b) / max(len(a), len(b)) over NFC
// normalized runes. Two empty strings are identical.
func TextSimilarity(a, b string) float64 {
	ra := []rune(norm.NFC.String(a))
	rb := []rune(norm.NFC.String(b))
	return textScore(ra, rb)
}

func textScore(a, b []rune) float64 {
	longest := max(len(a), len(b))
	if longest == 0 {
		return 1.0
	}
	return 1.0 - float64(Levenshtein(a, b))/float64(longest)
}

// scoreBound is the best score two strings of these lengths can reach
func scoreBound(la, lb int) float64 {
	longest := max(la, lb)
	if longest == 0 {
		return 1.0
	}
	diff := la - lb
	if diff < 0 {
		diff = -diff
	}
	return 1.0 - float64(diff)/float64(longest)
}
