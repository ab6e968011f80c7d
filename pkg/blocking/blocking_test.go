package blocking

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/params"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func subject(id string, kind models.SubjectKind, name string, lat, lng *float64) *models.Subject {
	return &models.Subject{
		ID:         id,
		Kind:       kind,
		Attributes: models.Attributes{models.AttributeName: name},
		Latitude:   lat,
		Longitude:  lng,
		CreatedAt:  time.Now(),
	}
}

func ident(t models.IdentifierType, v string) models.Identifier {
	return models.Identifier{Type: t, Value: v}
}

func ptr(f float64) *float64 { return &f }

func TestMemoryIndex_LookupExact(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()

	idx.Put(subject("s1", models.SubjectKindPerson, "Ann Lee", nil, nil), []models.Identifier{ident(models.IdentifierPhone, "5035550100")})
	idx.Put(subject("s2", models.SubjectKindPerson, "Bo Lee", nil, nil), []models.Identifier{ident(models.IdentifierPhone, "5035550100")})
	idx.Put(subject("a1", models.SubjectKindAnimal, "Rex", nil, nil), []models.Identifier{ident(models.IdentifierPhone, "5035550100")})

	ids, err := idx.LookupExact(ctx, models.SubjectKindPerson, models.IdentifierPhone, "5035550100")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, ids)

	idx.Remove("s1")
	ids, err = idx.LookupExact(ctx, models.SubjectKindPerson, models.IdentifierPhone, "5035550100")
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, ids)

	ids, err = idx.LookupExact(ctx, models.SubjectKindPerson, models.IdentifierEmail, "nobody@example.com")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMemoryIndex_TombstonesAreNotIndexed(t *testing.T) {
	idx := NewMemoryIndex()
	s := subject("s1", models.SubjectKindPerson, "Ann Lee", nil, nil)
	idx.Put(s, []models.Identifier{ident(models.IdentifierEmail, "ann@example.com")})
	assert.Equal(t, 1, idx.Len())

	winner := "s2"
	s.MergedInto = &winner
	idx.Put(s, nil)
	assert.Equal(t, 0, idx.Len())
}

func TestMemoryIndex_LookupSimilar(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	idx.Put(subject("s1", models.SubjectKindPerson, "Jonathan Smith", nil, nil), nil)
	idx.Put(subject("s2", models.SubjectKindPerson, "Jonathon Smyth", nil, nil), nil)
	idx.Put(subject("s3", models.SubjectKindPerson, "Alice Wong", nil, nil), nil)

	hits, err := idx.LookupSimilar(ctx, models.SubjectKindPerson, FieldName, "jonathan smith", 0.3, 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "s1", hits[0].SubjectID)
	assert.Equal(t, 1.0, hits[0].Similarity)
	for _, h := range hits {
		assert.NotEqual(t, "s3", h.SubjectID)
		assert.GreaterOrEqual(t, h.Similarity, 0.3)
	}

	hits, err = idx.LookupSimilar(ctx, models.SubjectKindPerson, FieldName, "jonathan smith", 0.3, 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestMemoryIndex_LookupNear(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	// roughly 50m and 5km north of the query
	idx.Put(subject("p1", models.SubjectKindPlace, "Barn", ptr(45.52345), ptr(-122.67621)), nil)
	idx.Put(subject("p2", models.SubjectKindPlace, "Shed", ptr(45.56800), ptr(-122.67621)), nil)

	hits, err := idx.LookupNear(ctx, models.SubjectKindPlace, models.Location{Latitude: 45.5230, Longitude: -122.67621}, 150, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "p1", hits[0].SubjectID)
	assert.InDelta(t, 50, hits[0].DistanceMeters, 2)

	hits, err = idx.LookupNear(ctx, models.SubjectKindPlace, models.Location{Latitude: 45.5230, Longitude: -122.67621}, 10000, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestHaversineMeters(t *testing.T) {
	assert.Equal(t, 0.0, HaversineMeters(45, -122, 45, -122))
	// one degree of latitude
	assert.InDelta(t, 111195, HaversineMeters(0, 0, 1, 0), 10)
}

func TestCellPrecision(t *testing.T) {
	assert.Equal(t, uint(7), CellPrecision(150))
	assert.Equal(t, uint(6), CellPrecision(500))
	assert.Equal(t, uint(5), CellPrecision(1000))
	assert.Len(t, SearchCells(45.5, -122.6, 150), 9)
}

func TestGenerator_Generate(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	cfg := params.Blocking{MaxCandidates: 50, TrigramFloor: 0.45, RadiusMeters: 150}

	idx.Put(subject("exact", models.SubjectKindPerson, "Someone Else", nil, nil), []models.Identifier{ident(models.IdentifierEmail, "maria@example.com")})
	idx.Put(subject("fuzzy", models.SubjectKindPerson, "Maria Lopez", nil, nil), nil)
	idx.Put(subject("other", models.SubjectKindPerson, "Zed Quark", nil, nil), nil)

	gen := NewGenerator(testLogger(), idx)

	t.Run("exact hits rank first", func(t *testing.T) {
		query := NewQuery(models.SubjectKindPerson,
			models.Attributes{models.AttributeName: "María López"},
			map[models.IdentifierType][]string{models.IdentifierEmail: {"maria@example.com"}},
			nil)

		got, err := gen.Generate(ctx, query, cfg)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "exact", got[0].SubjectID)
		assert.Equal(t, 1, got[0].ExactHits)
		assert.Equal(t, "fuzzy", got[1].SubjectID)
		assert.Equal(t, 1.0, got[1].Similarity)
	})

	t.Run("excluded subjects are skipped", func(t *testing.T) {
		query := NewQuery(models.SubjectKindPerson, models.Attributes{models.AttributeName: "Maria Lopez"}, nil, nil)
		query.Exclude = []string{"fuzzy"}

		got, err := gen.Generate(ctx, query, cfg)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("empty result is not an error", func(t *testing.T) {
		query := NewQuery(models.SubjectKindAnimal, models.Attributes{models.AttributeName: "Rex"}, nil, nil)
		got, err := gen.Generate(ctx, query, cfg)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestGenerator_CapsAtK(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	for i := 0; i < 80; i++ {
		idx.Put(subject(fmt.Sprintf("s%02d", i), models.SubjectKindPerson, "Pat Doe", nil, nil),
			[]models.Identifier{ident(models.IdentifierPhone, "5035550100")})
	}

	gen := NewGenerator(testLogger(), idx)
	query := NewQuery(models.SubjectKindPerson, models.Attributes{models.AttributeName: "Pat Doe"},
		map[models.IdentifierType][]string{models.IdentifierPhone: {"5035550100"}}, nil)

	got, err := gen.Generate(ctx, query, params.Blocking{MaxCandidates: 50, TrigramFloor: 0.45})
	require.NoError(t, err)
	assert.Len(t, got, 50)
	assert.Equal(t, "s00", got[0].SubjectID)
}
