package graph

import (
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"

	"github.com/Ramsey-B/clover/pkg/models"
)

func TestLabels(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"kind label", kindLabel(models.SubjectKindAnimal), "Animal"},
		{"edge type", relType(models.EdgeTypeOwnerOf), "OWNER_OF"},
		{"strips injection", relType("owner_of]->(x) DETACH DELETE x //"), "OWNER_OFXDETACHDELETEX"},
		{"empty label", sanitizeLabel("-- "), "Entity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestSubjectProps(t *testing.T) {
	lat, lng := 45.5, -122.6
	winner := "w"
	s := &models.Subject{
		ID:         "s1",
		Kind:       models.SubjectKindPerson,
		Attributes: models.Attributes{"name": "Ann Lee", "bad key!": "x"},
		Source:     "clinic",
		Latitude:   &lat,
		Longitude:  &lng,
		MergedInto: &winner,
		CreatedAt:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	props := subjectProps(s)
	assert.Equal(t, "s1", props["id"])
	assert.Equal(t, "person", props["kind"])
	assert.Equal(t, "Ann Lee", props["name"])
	assert.Equal(t, "x", props["badkey"])
	assert.Equal(t, 45.5, props["latitude"])
	assert.Equal(t, "w", props["merged_into"])
	assert.Equal(t, "2024-01-02T03:04:05Z", props["created_at"])
}

func TestNeighborhoodBuilder(t *testing.T) {
	ann := neo4j.Node{ElementId: "n1", Props: map[string]any{"id": "ann", "kind": "person"}}
	rex := neo4j.Node{ElementId: "n2", Props: map[string]any{"id": "rex", "kind": "animal"}}
	old := neo4j.Node{ElementId: "n3", Props: map[string]any{"id": "old", "kind": "animal", "merged_into": "rex"}}
	owns := neo4j.Relationship{
		ElementId: "r1", StartElementId: "n1", EndElementId: "n2", Type: "OWNER_OF",
		Props: map[string]any{"id": "e1", "source": "clinic"},
	}
	merged := neo4j.Relationship{ElementId: "r2", StartElementId: "n3", EndElementId: "n2", Type: mergedIntoType}
	dangling := neo4j.Relationship{ElementId: "r3", StartElementId: "n1", EndElementId: "n9", Type: "LIVES_AT"}

	b := newNeighborhoodBuilder("ann", 2)
	b.add(neo4j.Path{Nodes: []neo4j.Node{ann, rex}, Relationships: []neo4j.Relationship{owns}})
	b.add(neo4j.Path{Nodes: []neo4j.Node{ann, rex, old}, Relationships: []neo4j.Relationship{owns, merged}})
	b.add([]any{dangling, neo4j.Node{ElementId: "n8"}})
	n := b.build()

	assert.Equal(t, "ann", n.SubjectID)
	assert.Equal(t, 2, n.Hops)
	if assert.Len(t, n.Subjects, 2) {
		assert.Equal(t, "old", n.Subjects[0].ID)
		assert.Equal(t, "rex", n.Subjects[0].MergedInto)
		assert.Equal(t, "rex", n.Subjects[1].ID)
		assert.Equal(t, "animal", n.Subjects[1].Kind)
	}
	assert.Equal(t, []GraphLink{
		{ID: "e1", Type: "OWNER_OF", FromID: "ann", ToID: "rex", Source: "clinic"},
		{Type: mergedIntoType, FromID: "old", ToID: "rex"},
	}, n.Links)
}
