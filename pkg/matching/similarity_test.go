package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevenshtein(t *testing.T) {
	testCases := []struct {
		name     string
		a, b     string
		distance int
	}{
		{name: "identical", a: "smith", b: "smith", distance: 0},
		{name: "classic", a: "kitten", b: "sitting", distance: 3},
		{name: "empty", a: "", b: "abc", distance: 3},
		{name: "unicode", a: "josé", b: "jose", distance: 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.distance, LevenshteinDistance(tc.a, tc.b))
		})
	}

	assert.InDelta(t, 1.0-3.0/7.0, Levenshtein("kitten", "sitting"), 1e-9)
	assert.Equal(t, 1.0, Levenshtein("", ""))
}

func TestJaroWinkler(t *testing.T) {
	assert.Equal(t, 1.0, JaroWinkler("martha", "martha"))
	assert.InDelta(t, 0.961, JaroWinkler("MARTHA", "MARHTA"), 0.001)
	assert.InDelta(t, 0.944, Jaro("MARTHA", "MARHTA"), 0.001)
	assert.Equal(t, 0.0, JaroWinkler("abc", ""))
	assert.Equal(t, 0.0, JaroWinkler("abc", "xyz"))
}

func TestSoundex(t *testing.T) {
	testCases := []struct {
		input    string
		expected string
	}{
		{input: "Robert", expected: "R163"},
		{input: "Rupert", expected: "R163"},
		{input: "Ashcraft", expected: "A261"},
		{input: "Tymczak", expected: "T522"},
		{input: "Pfister", expected: "P236"},
		{input: "Lee", expected: "L000"},
		{input: "1234", expected: ""},
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			assert.Equal(t, tc.expected, Soundex(tc.input))
		})
	}
}

func TestTrigramSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, TrigramSimilarity("123 main st", "123 main st"))
	assert.Equal(t, 0.0, TrigramSimilarity("abc", "xyz"))
	assert.Equal(t, 0.0, TrigramSimilarity("", "xyz"))
	// 11 shared trigrams over a union of 17
	assert.InDelta(t, 11.0/17.0, TrigramSimilarity("123 main st", "123 main street"), 1e-9)

	grams := Trigrams("cat")
	assert.Len(t, grams, 4)
	assert.Contains(t, grams, "  c")
	assert.Contains(t, grams, "at ")
}

func TestTokenOverlap(t *testing.T) {
	assert.Equal(t, 1.0, TokenOverlap("domestic short hair", "Short Hair Domestic"))
	assert.InDelta(t, 0.5, TokenOverlap("domestic short hair", "domestic long hair"), 1e-9)
	assert.Equal(t, 1.0, TokenOverlap("", ""))
}
