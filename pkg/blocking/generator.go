package blocking

import (
	"context"
	"sort"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/params"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Query is the normalized view of a record used to find candidates
type Query struct {
	Kind        models.SubjectKind
	Identifiers map[models.IdentifierType][]string
	Name        string
	Location    *models.Location
	// Subjects never returned, e.g. the record's own subject on refresh
	Exclude []string
}

// NewQuery builds a query from a normalized record
func NewQuery(kind models.SubjectKind, attrs models.Attributes, ids map[models.IdentifierType][]string, loc *models.Location) Query {
	return Query{
		Kind:        kind,
		Identifiers: ids,
		Name:        normalizers.NormalizeName(attrs[models.AttributeName]),
		Location:    loc,
	}
}

// Candidate is a blocked subject and every reason it was selected
type Candidate struct {
	SubjectID      string
	ExactHits      int
	Similarity     float64
	DistanceMeters float64
	Near           bool
}

// Generator produces at most K candidate subjects for a query
type Generator struct {
	logger ectologger.Logger
	index  Index
}

// NewGenerator creates a new candidate generator
func NewGenerator(logger ectologger.Logger, index Index) *Generator {
	return &Generator{logger: logger, index: index}
}

// Generate runs every applicable lookup and merges the hits. Exact identifier
// hits rank first, then trigram similarity, then distance. An empty result is
// not an error.
func (g *Generator) Generate(ctx context.Context, query Query, cfg params.Blocking) ([]Candidate, error) {
	ctx, span := tracing.StartSpan(ctx, "blocking.Generator.Generate")
	defer span.End()

	limit := cfg.MaxCandidates
	byID := make(map[string]*Candidate)
	exclude := make(map[string]bool, len(query.Exclude))
	for _, id := range query.Exclude {
		exclude[id] = true
	}
	get := func(id string) *Candidate {
		c, ok := byID[id]
		if !ok {
			c = &Candidate{SubjectID: id}
			byID[id] = c
		}
		return c
	}

	for _, t := range sortedTypes(query.Identifiers) {
		for _, v := range query.Identifiers[t] {
			ids, err := g.index.LookupExact(ctx, query.Kind, t, v)
			if err != nil {
				return nil, err
			}
			for _, id := range ids {
				if !exclude[id] {
					get(id).ExactHits++
				}
			}
		}
	}

	similar := func(field, value string) error {
		if value == "" || cfg.TrigramFloor <= 0 {
			return nil
		}
		hits, err := g.index.LookupSimilar(ctx, query.Kind, field, value, cfg.TrigramFloor, limit)
		if err != nil {
			return err
		}
		for _, h := range hits {
			if exclude[h.SubjectID] {
				continue
			}
			c := get(h.SubjectID)
			if h.Similarity > c.Similarity {
				c.Similarity = h.Similarity
			}
		}
		return nil
	}
	if err := similar(FieldName, query.Name); err != nil {
		return nil, err
	}
	for _, addr := range query.Identifiers[models.IdentifierAddress] {
		if err := similar(FieldAddress, addr); err != nil {
			return nil, err
		}
	}

	if query.Location != nil && cfg.RadiusMeters > 0 {
		hits, err := g.index.LookupNear(ctx, query.Kind, *query.Location, cfg.RadiusMeters, limit)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			if exclude[h.SubjectID] {
				continue
			}
			c := get(h.SubjectID)
			c.Near = true
			c.DistanceMeters = h.DistanceMeters
		}
	}

	out := make([]Candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ExactHits != b.ExactHits {
			return a.ExactHits > b.ExactHits
		}
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.Near != b.Near {
			return a.Near
		}
		if a.DistanceMeters != b.DistanceMeters {
			return a.DistanceMeters < b.DistanceMeters
		}
		return a.SubjectID < b.SubjectID
	})

	if limit > 0 && len(out) > limit {
		g.logger.WithContext(ctx).WithFields(map[string]any{
			"kind":      query.Kind,
			"generated": len(out),
			"limit":     limit,
		}).Debug("Truncating blocked candidates")
		out = out[:limit]
	}
	return out, nil
}

func sortedTypes(ids map[models.IdentifierType][]string) []models.IdentifierType {
	out := make([]models.IdentifierType, 0, len(ids))
	for t := range ids {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
