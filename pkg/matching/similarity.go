package matching

import (
	"strings"
	"unicode"
)

const (
	winklerPrefix = 4
	winklerScale  = 0.1
)

// JaroWinkler is Jaro similarity boosted by up to four shared leading runes,
// in [0, 1]
func JaroWinkler(a, b string) float64 {
	if a == b {
		return 1.0
	}
	ra, rb := []rune(a), []rune(b)
	sim := jaro(ra, rb)

	prefix := 0
	for prefix < min(len(ra), len(rb), winklerPrefix) && ra[prefix] == rb[prefix] {
		prefix++
	}
	return sim + float64(prefix)*winklerScale*(1.0-sim)
}

// Jaro is the Jaro similarity of a and b, in [0, 1]
func Jaro(a, b string) float64 {
	if a == b {
		return 1.0
	}
	return jaro([]rune(a), []rune(b))
}

func jaro(a, b []rune) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	window := max(max(len(a), len(b))/2-1, 0)
	usedB := make([]bool, len(b))
	matchedA := make([]rune, 0, len(a))
	for i, r := range a {
		for j := max(0, i-window); j < min(len(b), i+window+1); j++ {
			if !usedB[j] && b[j] == r {
				usedB[j] = true
				matchedA = append(matchedA, r)
				break
			}
		}
	}
	m := len(matchedA)
	if m == 0 {
		return 0.0
	}

	// matched runes of b in order, compared pairwise with those of a
	half := 0
	k := 0
	for j, used := range usedB {
		if !used {
			continue
		}
		if b[j] != matchedA[k] {
			half++
		}
		k++
	}

	mf := float64(m)
	return (mf/float64(len(a)) + mf/float64(len(b)) + (mf-float64(half)/2)/mf) / 3
}

// Levenshtein is 1 - distance/longer length, in [0, 1]
func Levenshtein(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 1.0
	}
	return 1.0 - float64(editDistance(ra, rb))/float64(longest)
}

// LevenshteinDistance is the number of single rune edits turning a into b
func LevenshteinDistance(a, b string) int {
	if a == b {
		return 0
	}
	return editDistance([]rune(a), []rune(b))
}

// editDistance keeps a single row; diag holds the previous row's value at
// j-1 before it is overwritten
func editDistance(a, b []rune) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	dist := make([]int, len(b)+1)
	for j := range dist {
		dist[j] = j
	}
	for i, ra := range a {
		diag := dist[0]
		dist[0] = i + 1
		for j, rb := range b {
			sub := diag
			if ra != rb {
				sub++
			}
			diag = dist[j+1]
			dist[j+1] = min(dist[j+1]+1, dist[j]+1, sub)
		}
	}
	return dist[len(b)]
}

// Soundex calculates the four character Soundex code of a string.
// Non-letters are skipped; an input without letters encodes to "".
func Soundex(str string) string {
	letters := make([]rune, 0, len(str))
	for _, r := range strings.ToUpper(str) {
		if r >= 'A' && r <= 'Z' {
			letters = append(letters, r)
		}
	}
	if len(letters) == 0 {
		return ""
	}

	var result strings.Builder
	result.WriteRune(letters[0])
	prevCode := soundexCode(letters[0])
	n := 1

	for _, r := range letters[1:] {
		if n == 4 {
			break
		}
		code := soundexCode(r)
		// H and W do not separate letters with the same code
		if r == 'H' || r == 'W' {
			continue
		}
		if code != '0' && code != prevCode {
			result.WriteByte(code)
			n++
		}
		prevCode = code
	}

	for ; n < 4; n++ {
		result.WriteByte('0')
	}

	return result.String()
}

func soundexCode(char rune) byte {
	switch char {
	case 'B', 'F', 'P', 'V':
		return '1'
	case 'C', 'G', 'J', 'K', 'Q', 'S', 'X', 'Z':
		return '2'
	case 'D', 'T':
		return '3'
	case 'L':
		return '4'
	case 'M', 'N':
		return '5'
	case 'R':
		return '6'
	default:
		return '0'
	}
}

// Tokens splits normalized text into lower-cased word tokens
func Tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// TokenOverlap is the Jaccard similarity of the token sets of a and b
func TokenOverlap(a, b string) float64 {
	ta, tb := Tokens(a), Tokens(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1.0
	}
	return jaccard(toSet(ta), toSet(tb))
}

// Trigrams returns the set of trigrams of s the way pg_trgm builds them:
// each word is lower-cased and padded with two leading and one trailing space.
func Trigrams(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, word := range Tokens(s) {
		padded := []rune("  " + word + " ")
		for i := 0; i+3 <= len(padded); i++ {
			out[string(padded[i:i+3])] = struct{}{}
		}
	}
	return out
}

// TrigramSimilarity is shared trigrams over the union of trigrams, the same
// measure as pg_trgm's similarity()
func TrigramSimilarity(a, b string) float64 {
	ta, tb := Trigrams(a), Trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0.0
	}
	return jaccard(ta, tb)
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	shared := 0
	for k := range a {
		if _, ok := b[k]; ok {
			shared++
		}
	}
	union := len(a) + len(b) - shared
	if union == 0 {
		return 0.0
	}
	return float64(shared) / float64(union)
}
