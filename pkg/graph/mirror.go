package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const (
	subjectLabel   = "Subject"
	mergedIntoType = "MERGED_INTO"
)

// Mirror projects subjects and edges into the graph. Every node carries the
// Subject label plus one label for its kind.
type Mirror struct {
	client *Client
	logger ectologger.Logger
}

// NewMirror creates a graph mirror
func NewMirror(client *Client, logger ectologger.Logger) *Mirror {
	return &Mirror{
		client: client,
		logger: logger,
	}
}

// UpsertSubject creates or refreshes a subject node
func (m *Mirror) UpsertSubject(ctx context.Context, s *models.Subject) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Mirror.UpsertSubject")
	defer span.End()

	cypher := fmt.Sprintf(`
		MERGE (s:%s {id: $id})
		SET s:%s
		SET s += $props
	`, subjectLabel, kindLabel(s.Kind))

	_, err := m.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return run(ctx, tx, cypher, map[string]any{
			"id":    s.ID,
			"props": subjectProps(s),
		})
	})
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).WithField("subject_id", s.ID).Error("Failed to upsert subject in graph")
		return fmt.Errorf("failed to upsert subject in graph: %w", err)
	}
	return nil
}

// UpsertEdge creates the relationship for an edge, creating bare endpoint
// nodes when they have not been mirrored yet
func (m *Mirror) UpsertEdge(ctx context.Context, e models.Edge) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Mirror.UpsertEdge")
	defer span.End()

	cypher := fmt.Sprintf(`
		MERGE (from:%[1]s {id: $from_id})
		MERGE (to:%[1]s {id: $to_id})
		MERGE (from)-[r:%[2]s]->(to)
		SET r.id = $id, r.source = $source
	`, subjectLabel, relType(e.Type))

	_, err := m.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return run(ctx, tx, cypher, map[string]any{
			"id":      e.ID,
			"from_id": e.FromID,
			"to_id":   e.ToID,
			"source":  e.Source,
		})
	})
	if err != nil {
		m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"edge_type": e.Type,
			"from_id":   e.FromID,
			"to_id":     e.ToID,
		}).Error("Failed to upsert edge in graph")
		return fmt.Errorf("failed to upsert edge in graph: %w", err)
	}
	return nil
}

// loserRel is one relationship of a merged node that moves to the winner
type loserRel struct {
	Type     string
	Outgoing bool
	Other    string
	ID       any
	Source   any
}

// MergeSubjects moves the loser's relationships to the winner, links the
// loser with MERGED_INTO and points every earlier tombstone of the loser at
// the winner. Runs in one write transaction.
func (m *Mirror) MergeSubjects(ctx context.Context, loserID, winnerID string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Mirror.MergeSubjects")
	defer span.End()

	log := m.logger.WithContext(ctx).WithFields(map[string]any{
		"loser_id":  loserID,
		"winner_id": winnerID,
	})
	ids := map[string]any{"loser_id": loserID, "winner_id": winnerID}

	_, err := m.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, fmt.Sprintf(`
			MERGE (w:%[1]s {id: $winner_id})
			MERGE (l:%[1]s {id: $loser_id})
			WITH l
			MATCH (l)-[r]-(o)
			WHERE type(r) <> '%[2]s'
			RETURN type(r) AS type, startNode(r) = l AS outgoing, o.id AS other, r.id AS id, r.source AS source
		`, subjectLabel, mergedIntoType), ids)
		if err != nil {
			return nil, err
		}
		var rels []loserRel
		for result.Next(ctx) {
			rec := result.Record()
			typ, _ := rec.Get("type")
			out, _ := rec.Get("outgoing")
			other, _ := rec.Get("other")
			id, _ := rec.Get("id")
			src, _ := rec.Get("source")
			rel := loserRel{ID: id, Source: src}
			rel.Type, _ = typ.(string)
			rel.Outgoing, _ = out.(bool)
			rel.Other, _ = other.(string)
			rels = append(rels, rel)
		}
		if err := result.Err(); err != nil {
			return nil, err
		}

		for _, rel := range rels {
			if rel.Other == winnerID || rel.Other == "" {
				continue
			}
			pattern := "(w)-[r:%[2]s]->(o)"
			if !rel.Outgoing {
				pattern = "(o)-[r:%[2]s]->(w)"
			}
			cypher := fmt.Sprintf(`
				MATCH (w:%[1]s {id: $winner_id})
				MATCH (o:%[1]s {id: $other_id})
				MERGE `+pattern+`
				SET r.id = coalesce(r.id, $id), r.source = coalesce(r.source, $source)
			`, subjectLabel, relType(rel.Type))
			if _, err := tx.Run(ctx, cypher, map[string]any{
				"winner_id": winnerID,
				"other_id":  rel.Other,
				"id":        rel.ID,
				"source":    rel.Source,
			}); err != nil {
				return nil, err
			}
		}

		cleanup := fmt.Sprintf(`
			MATCH (l:%[1]s {id: $loser_id})
			MATCH (w:%[1]s {id: $winner_id})
			OPTIONAL MATCH (l)-[r]-()
			WHERE type(r) <> '%[2]s'
			DELETE r
			WITH DISTINCT l, w
			SET l.merged_into = $winner_id
			MERGE (l)-[:%[2]s]->(w)
			WITH l, w
			OPTIONAL MATCH (t:%[1]s)-[old:%[2]s]->(l)
			DELETE old
			WITH w, collect(t) AS tombstones
			UNWIND tombstones AS t
			SET t.merged_into = $winner_id
			MERGE (t)-[:%[2]s]->(w)
		`, subjectLabel, mergedIntoType)
		return run(ctx, tx, cleanup, ids)
	})
	if err != nil {
		log.WithError(err).Error("Failed to merge subjects in graph")
		return fmt.Errorf("failed to merge subjects in graph: %w", err)
	}

	log.Debug("Merged subjects in graph")
	return nil
}

func subjectProps(s *models.Subject) map[string]any {
	props := map[string]any{
		"id":         s.ID,
		"kind":       string(s.Kind),
		"source":     s.Source,
		"protected":  s.Protected,
		"created_at": s.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		"updated_at": s.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
	for k, v := range s.Attributes {
		if key := sanitizeLabel(k); key != "Entity" {
			props[key] = v
		}
	}
	if s.Latitude != nil && s.Longitude != nil {
		props["latitude"] = *s.Latitude
		props["longitude"] = *s.Longitude
	}
	if s.MergedInto != nil {
		props["merged_into"] = *s.MergedInto
	}
	return props
}

// kindLabel returns the label for a subject kind, e.g. Person
func kindLabel(kind models.SubjectKind) string {
	k := sanitizeLabel(string(kind))
	return strings.ToUpper(k[:1]) + k[1:]
}

// relType returns the relationship type for an edge type, e.g. OWNER_OF
func relType(edgeType string) string {
	return strings.ToUpper(sanitizeLabel(edgeType))
}

// sanitizeLabel ensures the label is safe for Cypher
func sanitizeLabel(label string) string {
	// Only allow alphanumeric and underscore
	var b strings.Builder
	for _, c := range label {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return "Entity"
	}
	return b.String()
}
