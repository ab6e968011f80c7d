package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/clover/pkg/tracing"
)

const maxHops = 4

// QueryService answers read-only Cypher queries over the mirror
type QueryService struct {
	client *Client
	logger ectologger.Logger
}

// NewQueryService creates a query service
func NewQueryService(client *Client, logger ectologger.Logger) *QueryService {
	return &QueryService{
		client: client,
		logger: logger,
	}
}

// Neighborhood is the part of the graph around one subject
type Neighborhood struct {
	SubjectID string         `json:"subject_id"`
	Hops      int            `json:"hops"`
	Subjects  []GraphSubject `json:"subjects"`
	Links     []GraphLink    `json:"links"`
}

// GraphSubject is a mirrored subject node
type GraphSubject struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind,omitempty"`
	MergedInto string         `json:"merged_into,omitempty"`
	Properties map[string]any `json:"properties"`
}

// GraphLink is a relationship between two mirrored subjects
type GraphLink struct {
	ID     string `json:"id,omitempty"`
	Type   string `json:"type"`
	FromID string `json:"from_id"`
	ToID   string `json:"to_id"`
	Source string `json:"source,omitempty"`
}

// Neighbors returns the subjects within hops of subjectID, hops clamped to
// [1, 4]. Tombstones appear only through their MERGED_INTO link.
func (s *QueryService) Neighbors(ctx context.Context, subjectID string, hops int) (*Neighborhood, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.QueryService.Neighbors")
	defer span.End()

	hops = min(max(hops, 1), maxHops)
	cypher := fmt.Sprintf(`
		MATCH (start:%s {id: $id})
		MATCH p = (start)-[*1..%d]-(neighbor)
		RETURN p
	`, subjectLabel, hops)

	out, err := s.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{"id": subjectID})
		if err != nil {
			return nil, err
		}
		b := newNeighborhoodBuilder(subjectID, hops)
		for result.Next(ctx) {
			for _, val := range result.Record().Values {
				b.add(val)
			}
		}
		if err := result.Err(); err != nil {
			return nil, err
		}
		return b.build(), nil
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"subject_id": subjectID,
			"hops":       hops,
		}).Error("Failed to query graph neighborhood")
		return nil, fmt.Errorf("failed to query graph neighborhood: %w", err)
	}
	return out.(*Neighborhood), nil
}

// neighborhoodBuilder dedupes path elements. Relationships reference nodes by
// element id, so links are resolved to subject ids only at build time.
type neighborhoodBuilder struct {
	subjectID string
	hops      int
	subjects  map[string]GraphSubject
	elements  map[string]string
	rels      map[string]neo4j.Relationship
}

func newNeighborhoodBuilder(subjectID string, hops int) *neighborhoodBuilder {
	return &neighborhoodBuilder{
		subjectID: subjectID,
		hops:      hops,
		subjects:  map[string]GraphSubject{},
		elements:  map[string]string{},
		rels:      map[string]neo4j.Relationship{},
	}
}

func (b *neighborhoodBuilder) add(val any) {
	switch v := val.(type) {
	case neo4j.Path:
		for _, n := range v.Nodes {
			b.add(n)
		}
		for _, r := range v.Relationships {
			b.add(r)
		}
	case neo4j.Node:
		id, _ := v.Props["id"].(string)
		if id == "" {
			return
		}
		b.elements[v.ElementId] = id
		if _, ok := b.subjects[id]; ok {
			return
		}
		subject := GraphSubject{ID: id, Properties: v.Props}
		subject.Kind, _ = v.Props["kind"].(string)
		subject.MergedInto, _ = v.Props["merged_into"].(string)
		b.subjects[id] = subject
	case neo4j.Relationship:
		b.rels[v.ElementId] = v
	case []any:
		for _, item := range v {
			b.add(item)
		}
	}
}

func (b *neighborhoodBuilder) build() *Neighborhood {
	n := &Neighborhood{
		SubjectID: b.subjectID,
		Hops:      b.hops,
		Subjects:  make([]GraphSubject, 0, len(b.subjects)),
		Links:     make([]GraphLink, 0, len(b.rels)),
	}
	for _, s := range b.subjects {
		if s.ID == b.subjectID {
			continue
		}
		n.Subjects = append(n.Subjects, s)
	}
	for _, r := range b.rels {
		from, okFrom := b.elements[r.StartElementId]
		to, okTo := b.elements[r.EndElementId]
		if !okFrom || !okTo {
			continue
		}
		link := GraphLink{Type: r.Type, FromID: from, ToID: to}
		link.ID, _ = r.Props["id"].(string)
		link.Source, _ = r.Props["source"].(string)
		n.Links = append(n.Links, link)
	}

	sort.Slice(n.Subjects, func(i, j int) bool { return n.Subjects[i].ID < n.Subjects[j].ID })
	sort.Slice(n.Links, func(i, j int) bool {
		a, c := n.Links[i], n.Links[j]
		if a.FromID != c.FromID {
			return a.FromID < c.FromID
		}
		if a.ToID != c.ToID {
			return a.ToID < c.ToID
		}
		return a.Type < c.Type
	})
	return n
}
