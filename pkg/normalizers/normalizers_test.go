package normalizers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
)

func TestNormalizers(t *testing.T) {
	tests := []struct {
		name     string
		fn       Normalizer
		input    string
		expected string
	}{
		{"name folds accents and drops suffix", NormalizeName, "  José García Jr. ", "jose garcia"},
		{"name hyphen and apostrophe", NormalizeName, "Mary-Ann O'Neil", "mary ann oneil"},
		{"name collapses spaces", NormalizeName, "Ann    Lee", "ann lee"},
		{"phone drops country code", NormalizePhone, "+1 (555) 123-4567", "5551234567"},
		{"phone keeps international", NormalizePhone, "+44 20 7946 0958", "442079460958"},
		{"email", NormalizeEmail, "  Bob@Example.COM ", "bob@example.com"},
		{"microchip", NormalizeMicrochip, "985-112 003 456 789", "985112003456789"},
		{"microchip letters", NormalizeMicrochip, "ab12-cd34-ef", "AB12CD34EF"},
		{"address", NormalizeAddress, "123 North Main Street, Apt. #4", "123 n main st apt #4"},
		{"address keeps slash", NormalizeAddress, "12 1/2 Oak  Road", "12 1/2 oak rd"},
		{"fold", FoldAccents, "Ñandú", "Nandu"},
		{"digits", DigitsOnly, "a1b2c3", "123"},
		{"alphanumeric", Alphanumeric, "a-1_b 2!", "a1b2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.fn(tt.input))
		})
	}
}

func TestAreaCode(t *testing.T) {
	assert.Equal(t, "555", AreaCode("5551234567"))
	assert.Equal(t, "", AreaCode("1234567"))
}

func TestRegistry(t *testing.T) {
	fn, ok := Get("nphone")
	require.True(t, ok)
	assert.Equal(t, "5551234567", fn("555.123.4567"))

	assert.Equal(t, "hello", ApplyChain("  HeLLo ", "trim", "lowercase"))
	assert.Equal(t, "As Is", Apply("As Is", "missing"))

	Register("reverse_test", func(s string) string {
		r := []rune(s)
		for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
			r[i], r[j] = r[j], r[i]
		}
		return string(r)
	})
	assert.Equal(t, "cba", Apply("abc", "reverse_test"))
}

func TestNormalizeIdentifier(t *testing.T) {
	tests := []struct {
		name     string
		idType   models.IdentifierType
		raw      string
		expected string
		wantErr  bool
	}{
		{name: "phone", idType: models.IdentifierPhone, raw: "(555) 123-4567", expected: "5551234567"},
		{name: "phone too short", idType: models.IdentifierPhone, raw: "12345", wantErr: true},
		{name: "phone too long", idType: models.IdentifierPhone, raw: "1234567890123456", wantErr: true},
		{name: "email", idType: models.IdentifierEmail, raw: "Ann@Example.com", expected: "ann@example.com"},
		{name: "email without local part", idType: models.IdentifierEmail, raw: "@example.com", wantErr: true},
		{name: "email double at", idType: models.IdentifierEmail, raw: "a@b@c.com", wantErr: true},
		{name: "email trailing at", idType: models.IdentifierEmail, raw: "ann@", wantErr: true},
		{name: "microchip", idType: models.IdentifierMicrochip, raw: "985 112 003 456 789", expected: "985112003456789"},
		{name: "microchip too short", idType: models.IdentifierMicrochip, raw: "ABC123", wantErr: true},
		{name: "address", idType: models.IdentifierAddress, raw: "9 Elm Street", expected: "9 elm st"},
		{name: "address too short", idType: models.IdentifierAddress, raw: "1 a", wantErr: true},
		{name: "unknown type", idType: models.IdentifierType("ssn"), raw: "123-45-6789", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeIdentifier(tt.idType, tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, clerrors.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestNormalizeRecord(t *testing.T) {
	rec := models.Record{
		Kind:   models.SubjectKindPerson,
		Source: "  intake ",
		Identifiers: []models.IdentifierInput{
			{Type: models.IdentifierPhone, Value: "555-123-4567"},
			{Type: models.IdentifierPhone, Value: "(555) 123 4567", Confidence: 0.5},
			{Type: models.IdentifierEmail, Value: "Ann@Example.com", Confidence: 0.8},
		},
		Attributes: models.Attributes{" First_Name ": " Ann ", "middle": "  ", "": "x"},
	}

	out, err := NormalizeRecord(rec)
	require.NoError(t, err)

	assert.Equal(t, "intake", out.Source)
	require.Len(t, out.Identifiers, 2)
	assert.Equal(t, "5551234567", out.Identifiers[0].Value)
	assert.Equal(t, "555-123-4567", out.Identifiers[0].Raw)
	assert.Equal(t, 1.0, out.Identifiers[0].Confidence)
	assert.Equal(t, "ann@example.com", out.Identifiers[1].Value)
	assert.Equal(t, 0.8, out.Identifiers[1].Confidence)
	assert.Equal(t, models.Attributes{"first_name": "Ann"}, out.Attributes)

	// the input is left untouched
	assert.Equal(t, "555-123-4567", rec.Identifiers[0].Value)
}

func TestNormalizeRecord_Invalid(t *testing.T) {
	tests := []struct {
		name string
		rec  models.Record
	}{
		{name: "unknown kind", rec: models.Record{Kind: "robot", Source: "intake"}},
		{name: "missing source", rec: models.Record{Kind: models.SubjectKindAnimal, Source: " "}},
		{name: "bad location", rec: models.Record{
			Kind: models.SubjectKindPlace, Source: "intake",
			Location: &models.Location{Latitude: 91, Longitude: 0},
		}},
		{name: "bad identifier", rec: models.Record{
			Kind: models.SubjectKindPerson, Source: "intake",
			Identifiers: []models.IdentifierInput{{Type: models.IdentifierEmail, Value: "nope"}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeRecord(tt.rec)
			require.Error(t, err)
			assert.True(t, clerrors.IsValidation(err))
		})
	}
}
