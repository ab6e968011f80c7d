// Package matching scores candidate pairs with the Fellegi-Sunter model.
//
// Each compared field contributes log2(m/u) when the comparator agrees,
// log2((1-m)/(1-u)) when it disagrees, and nothing when either side has no
// value. The total is a log-odds score; Probability maps it to [0,1] for display.
package matching

import (
	"math"
	"sort"
	"time"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/params"
)

// Profile is the comparable view of a subject or an incoming record
type Profile struct {
	ID          string
	Kind        models.SubjectKind
	Attributes  models.Attributes
	Identifiers map[models.IdentifierType][]string
	CreatedAt   time.Time
}

// NewProfile builds a profile from a stored subject and its identifiers
func NewProfile(s *models.Subject, ids []models.Identifier) Profile {
	p := Profile{
		ID:          s.ID,
		Kind:        s.Kind,
		Attributes:  s.Attributes,
		Identifiers: make(map[models.IdentifierType][]string),
		CreatedAt:   s.CreatedAt,
	}
	for _, id := range ids {
		p.AddIdentifier(id.Type, id.Value)
	}
	return p
}

// AddIdentifier attaches a normalized identifier value, ignoring duplicates
func (p *Profile) AddIdentifier(t models.IdentifierType, value string) {
	if p.Identifiers == nil {
		p.Identifiers = make(map[models.IdentifierType][]string)
	}
	for _, v := range p.Identifiers[t] {
		if v == value {
			return
		}
	}
	p.Identifiers[t] = append(p.Identifiers[t], value)
}

// IdentifierMatch is an agreeing identifier field
type IdentifierMatch struct {
	Type   models.IdentifierType `json:"type"`
	Value  string                `json:"value"`
	Weight float64               `json:"weight"`
}

// Key returns the type-qualified identifier value
func (m IdentifierMatch) Key() string {
	return string(m.Type) + ":" + m.Value
}

// Result is the score of one pair
type Result struct {
	Score       float64
	Probability float64
	Comparisons models.Comparisons
	// Agreeing identifier fields, highest weight first
	Identifiers    []IdentifierMatch
	NameSimilarity float64
	AddressAgrees  bool
}

// Corroborating returns the number of agreeing identifier fields
func (r Result) Corroborating() int {
	return len(r.Identifiers)
}

// Decisive returns the identifier that contributed most, if any agreed
func (r Result) Decisive() *IdentifierMatch {
	if len(r.Identifiers) == 0 {
		return nil
	}
	d := r.Identifiers[0]
	return &d
}

// Probability maps a log2-odds score to a match probability
func Probability(score, priorLogOdds float64) float64 {
	return 1.0 / (1.0 + math.Exp2(-(score + priorLogOdds)))
}

// Scorer computes Fellegi-Sunter scores. It holds no state; weights come
// from the parameter set passed to each call.
type Scorer struct{}

// NewScorer creates a new Scorer
func NewScorer() *Scorer {
	return &Scorer{}
}

// Score compares a and b field by field under p
func (s *Scorer) Score(p *params.Params, a, b Profile) Result {
	fields := p.FieldsFor(a.Kind)
	res := Result{
		Comparisons: make(models.Comparisons, 0, len(fields)),
	}

	for _, f := range fields {
		cmp, ok := GetComparator(f.Comparator)
		if !ok {
			continue
		}

		var c models.FieldComparison
		if f.Kind == params.FieldKindIdentifier {
			c = compareSets(cmp, f, a.Identifiers[models.IdentifierType(f.Name)], b.Identifiers[models.IdentifierType(f.Name)])
		} else {
			c = compareSets(cmp, f, single(a.Attributes[f.Name]), single(b.Attributes[f.Name]))
		}

		switch c.Outcome {
		case models.FieldAgree:
			c.Weight = f.AgreementWeight()
		case models.FieldDisagree:
			c.Weight = f.DisagreementWeight()
		}
		res.Score += c.Weight
		res.Comparisons = append(res.Comparisons, c)

		if f.Kind == params.FieldKindIdentifier && c.Outcome == models.FieldAgree {
			res.Identifiers = append(res.Identifiers, IdentifierMatch{
				Type:   models.IdentifierType(f.Name),
				Value:  c.Value,
				Weight: c.Weight,
			})
			if models.IdentifierType(f.Name) == models.IdentifierAddress {
				res.AddressAgrees = true
			}
		}
	}

	sort.SliceStable(res.Identifiers, func(i, j int) bool {
		return res.Identifiers[i].Weight > res.Identifiers[j].Weight
	})

	res.NameSimilarity = NameSimilarity(a.Attributes[models.AttributeName], b.Attributes[models.AttributeName])
	res.Probability = Probability(res.Score, p.PriorLogOdds)
	return res
}

// NameSimilarity is the normalized edit-distance similarity of two names,
// 0 when either is shorter than the minimum usable length.
func NameSimilarity(a, b string) float64 {
	na, nb := normalizers.NormalizeName(a), normalizers.NormalizeName(b)
	if len([]rune(na)) < normalizers.MinNameLength || len([]rune(nb)) < normalizers.MinNameLength {
		return 0
	}
	return Levenshtein(na, nb)
}

func single(v string) []string {
	if v == "" {
		return nil
	}
	return []string{v}
}

// compareSets compares every value pair and keeps the best one. The field
// agrees when any pair agrees.
func compareSets(cmp Comparator, f params.FieldSpec, as, bs []string) models.FieldComparison {
	c := models.FieldComparison{
		Field:      f.Name,
		Comparator: f.Comparator,
		Outcome:    models.FieldMissing,
	}
	if len(as) == 0 || len(bs) == 0 {
		return c
	}

	c.Outcome = models.FieldDisagree
	bestAgree := false
	for _, a := range sortedCopy(as) {
		for _, b := range sortedCopy(bs) {
			sim, agree := cmp(a, b, f)
			if (agree && !bestAgree) || (agree == bestAgree && sim > c.Similarity) {
				bestAgree = agree
				c.Similarity = sim
				if agree {
					c.Value = a
				}
			}
		}
	}
	if bestAgree {
		c.Outcome = models.FieldAgree
	}
	return c
}

func sortedCopy(v []string) []string {
	out := append([]string(nil), v...)
	sort.Strings(out)
	return out
}
