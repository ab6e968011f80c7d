package matching

import (
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/params"
)

// Comparator decides agreement for one pair of field values and reports the
// underlying similarity.
type Comparator func(a, b string, f params.FieldSpec) (similarity float64, agree bool)

var comparators = map[string]Comparator{
	params.ComparatorExact:           compareExact,
	params.ComparatorNormalizedExact: compareNormalizedExact,
	params.ComparatorLevenshtein:     compareLevenshtein,
	params.ComparatorJaroWinkler:     compareJaroWinkler,
	params.ComparatorTokenOverlap:    compareTokenOverlap,
	params.ComparatorSoundex:         compareSoundex,
	params.ComparatorTrigram:         compareTrigram,
}

// GetComparator returns a comparator by name
func GetComparator(name string) (Comparator, bool) {
	c, ok := comparators[name]
	return c, ok
}

// prepare applies the field's normalizer, or trim+lowercase+fold by default
func prepare(v string, f params.FieldSpec) string {
	if f.Normalizer != "" {
		return normalizers.Apply(v, f.Normalizer)
	}
	return normalizers.ApplyChain(v, "trim", "lowercase", "fold")
}

func threshold(f params.FieldSpec, fallback float64) float64 {
	if f.Threshold > 0 {
		return f.Threshold
	}
	return fallback
}

func boolSim(agree bool) float64 {
	if agree {
		return 1.0
	}
	return 0.0
}

func compareExact(a, b string, _ params.FieldSpec) (float64, bool) {
	agree := a == b
	return boolSim(agree), agree
}

func compareNormalizedExact(a, b string, f params.FieldSpec) (float64, bool) {
	agree := prepare(a, f) == prepare(b, f)
	return boolSim(agree), agree
}

func compareLevenshtein(a, b string, f params.FieldSpec) (float64, bool) {
	na, nb := prepare(a, f), prepare(b, f)
	dist := LevenshteinDistance(na, nb)
	return Levenshtein(na, nb), dist <= f.MaxEdits
}

func compareJaroWinkler(a, b string, f params.FieldSpec) (float64, bool) {
	sim := JaroWinkler(prepare(a, f), prepare(b, f))
	return sim, sim >= threshold(f, 0.9)
}

func compareTokenOverlap(a, b string, f params.FieldSpec) (float64, bool) {
	sim := TokenOverlap(prepare(a, f), prepare(b, f))
	return sim, sim >= threshold(f, 0.5)
}

func compareSoundex(a, b string, f params.FieldSpec) (float64, bool) {
	ca, cb := Soundex(prepare(a, f)), Soundex(prepare(b, f))
	agree := ca != "" && ca == cb
	return boolSim(agree), agree
}

func compareTrigram(a, b string, f params.FieldSpec) (float64, bool) {
	sim := TrigramSimilarity(prepare(a, f), prepare(b, f))
	return sim, sim >= threshold(f, 0.6)
}
