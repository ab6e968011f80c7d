package matching

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/params"
	"github.com/Ramsey-B/clover/pkg/params/paramstest"
)

func person(id, name string, ids map[models.IdentifierType][]string) Profile {
	p := Profile{
		ID:          id,
		Kind:        models.SubjectKindPerson,
		Attributes:  models.Attributes{models.AttributeName: name},
		Identifiers: map[models.IdentifierType][]string{},
	}
	for t, vs := range ids {
		for _, v := range vs {
			p.AddIdentifier(t, v)
		}
	}
	return p
}

func field(t *testing.T, p *params.Params, name string) params.FieldSpec {
	for _, f := range p.Fields {
		if f.Name == name {
			return f
		}
	}
	require.Failf(t, "missing field", "field %s not configured", name)
	return params.FieldSpec{}
}

func comparison(r Result, name string) models.FieldComparison {
	for _, c := range r.Comparisons {
		if c.Field == name {
			return c
		}
	}
	return models.FieldComparison{}
}

func TestScorer_Score(t *testing.T) {
	p := paramstest.Default()
	s := NewScorer()

	t.Run("email phone and name agree", func(t *testing.T) {
		a := person("a", "Maria Lopez", map[models.IdentifierType][]string{
			models.IdentifierEmail: {"maria@example.com"},
			models.IdentifierPhone: {"5035550100"},
		})
		b := person("b", "Maria Lopez", map[models.IdentifierType][]string{
			models.IdentifierEmail: {"maria@example.com"},
			models.IdentifierPhone: {"5035550100"},
		})

		res := s.Score(p, a, b)

		expected := field(t, p, "email").AgreementWeight() +
			field(t, p, "phone").AgreementWeight() +
			field(t, p, "name").AgreementWeight()
		assert.InDelta(t, expected, res.Score, 1e-9)
		assert.Greater(t, res.Score, p.Thresholds.Upper)
		assert.Equal(t, 2, res.Corroborating())
		require.NotNil(t, res.Decisive())
		assert.Equal(t, models.IdentifierEmail, res.Decisive().Type)
		assert.Equal(t, "email:maria@example.com", res.Decisive().Key())
		assert.Equal(t, 1.0, res.NameSimilarity)
	})

	t.Run("missing fields contribute nothing", func(t *testing.T) {
		a := person("a", "Maria Lopez", map[models.IdentifierType][]string{
			models.IdentifierPhone: {"5035550100"},
		})
		b := person("b", "Maria Lopez", nil)

		res := s.Score(p, a, b)

		assert.Equal(t, models.FieldMissing, comparison(res, "phone").Outcome)
		assert.Equal(t, 0.0, comparison(res, "phone").Weight)
		assert.InDelta(t, field(t, p, "name").AgreementWeight(), res.Score, 1e-9)
		assert.Nil(t, res.Decisive())
	})

	t.Run("disagreement lowers the score", func(t *testing.T) {
		a := person("a", "Maria Lopez", map[models.IdentifierType][]string{
			models.IdentifierPhone: {"5035550100"},
		})
		b := person("b", "Maria Lopez", map[models.IdentifierType][]string{
			models.IdentifierPhone: {"5035550199"},
		})

		res := s.Score(p, a, b)

		assert.Equal(t, models.FieldDisagree, comparison(res, "phone").Outcome)
		assert.Less(t, comparison(res, "phone").Weight, 0.0)
		assert.Less(t, res.Score, field(t, p, "name").AgreementWeight())
	})

	t.Run("any shared value agrees", func(t *testing.T) {
		a := person("a", "Maria Lopez", map[models.IdentifierType][]string{
			models.IdentifierPhone: {"5035550100", "5035550111"},
		})
		b := person("b", "M Lopez", map[models.IdentifierType][]string{
			models.IdentifierPhone: {"9715550000", "5035550111"},
		})

		res := s.Score(p, a, b)

		c := comparison(res, "phone")
		assert.Equal(t, models.FieldAgree, c.Outcome)
		assert.Equal(t, "5035550111", c.Value)
	})

	t.Run("animal fields are skipped for people", func(t *testing.T) {
		res := s.Score(p, person("a", "Rex", nil), person("b", "Rex", nil))
		for _, c := range res.Comparisons {
			assert.NotEqual(t, "microchip", c.Field)
			assert.NotEqual(t, "species", c.Field)
		}
	})
}

func TestScorer_Monotonic(t *testing.T) {
	p := paramstest.Default()
	s := NewScorer()

	a := person("a", "Dana Kim", nil)
	b := person("b", "Dana Kimm", nil)
	base := s.Score(p, a, b)

	for _, f := range p.FieldsFor(models.SubjectKindPerson) {
		if f.Kind != params.FieldKindIdentifier {
			continue
		}
		t.Run(f.Name, func(t *testing.T) {
			value := map[models.IdentifierType]string{
				models.IdentifierEmail:   "dana@example.com",
				models.IdentifierPhone:   "5415550123",
				models.IdentifierAddress: "12 oak st apt 4",
			}[models.IdentifierType(f.Name)]

			a2, b2 := a, b
			a2.Identifiers = map[models.IdentifierType][]string{}
			b2.Identifiers = map[models.IdentifierType][]string{}
			a2.AddIdentifier(models.IdentifierType(f.Name), value)
			b2.AddIdentifier(models.IdentifierType(f.Name), value)

			res := s.Score(p, a2, b2)
			assert.Greater(t, res.Score, base.Score)
			assert.InDelta(t, base.Score+f.AgreementWeight(), res.Score, 1e-9)
			assert.GreaterOrEqual(t, res.Probability, base.Probability)
		})
	}
}

func TestProbability(t *testing.T) {
	assert.Equal(t, 0.5, Probability(0, 0))
	assert.Equal(t, 0.5, Probability(10, -10))
	assert.InDelta(t, 1.0/(1.0+math.Exp2(-5)), Probability(15, -10), 1e-12)
	assert.Less(t, Probability(-3, 0), Probability(3, 0))
}

func TestNameSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, NameSimilarity("José García", "jose garcia"))
	assert.InDelta(t, 0.9, NameSimilarity("John Smith", "Jon Smith"), 1e-9)
	assert.Equal(t, 0.0, NameSimilarity("J", "J"))
}

func TestLegacy(t *testing.T) {
	t.Run("shared phone", func(t *testing.T) {
		a := person("a", "Ann Lee", map[models.IdentifierType][]string{models.IdentifierPhone: {"5035550100"}})
		b := person("b", "Bob Ray", map[models.IdentifierType][]string{models.IdentifierPhone: {"5035550100"}})

		lc := Legacy(a, b)
		require.NotNil(t, lc)
		assert.Equal(t, 1.0, lc.Confidence)
		assert.Equal(t, 0, lc.Tier)
		assert.Equal(t, []string{"phone"}, lc.MatchedOn)
	})

	t.Run("name and area code", func(t *testing.T) {
		a := person("a", "John Smith", map[models.IdentifierType][]string{models.IdentifierPhone: {"5035550100"}})
		b := person("b", "Jon Smith", map[models.IdentifierType][]string{models.IdentifierPhone: {"5039990000"}})

		lc := Legacy(a, b)
		require.NotNil(t, lc)
		assert.InDelta(t, 0.94, lc.Confidence, 1e-9)
		assert.Equal(t, 1, lc.Tier)
	})

	t.Run("name only", func(t *testing.T) {
		lc := Legacy(person("a", "John Smith", nil), person("b", "Jon Smith", nil))
		require.NotNil(t, lc)
		assert.InDelta(t, 0.77, lc.Confidence, 1e-9)
		assert.Equal(t, 2, lc.Tier)
	})

	t.Run("no signal", func(t *testing.T) {
		assert.Nil(t, Legacy(person("a", "John Smith", nil), person("b", "Alice Wong", nil)))
	})
}
