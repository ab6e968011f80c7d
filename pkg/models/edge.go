package models

import "time"

// Well-known edge types. Structural types are configured per parameter set.
const (
	EdgeTypeOwnerOf     = "owner_of"
	EdgeTypeCaretakerOf = "caretaker_of"
	EdgeTypeLivesAt     = "lives_at"
	EdgeTypeParentOf    = "parent_of"
)

// Edge is a directed relationship between two subjects. Unique on (type, from_id, to_id).
type Edge struct {
	ID        string    `json:"id" db:"id"`
	Type      string    `json:"type" db:"type"`
	FromID    string    `json:"from_id" db:"from_id"`
	ToID      string    `json:"to_id" db:"to_id"`
	Source    string    `json:"source" db:"source"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Key returns the uniqueness key of the edge
func (e Edge) Key() string {
	return e.Type + "|" + e.FromID + "|" + e.ToID
}

// RepointResult summarizes edge or identifier repointing during a merge
type RepointResult struct {
	Repointed  int      `json:"repointed"`
	Dropped    int      `json:"dropped"`
	DroppedIDs []string `json:"dropped_ids,omitempty"`
}

// CreateEdgeRequest is the request to link two subjects
type CreateEdgeRequest struct {
	Type   string `json:"type" validate:"required"`
	FromID string `json:"from_id" validate:"required"`
	ToID   string `json:"to_id" validate:"required"`
	Source string `json:"source" validate:"required"`
}
