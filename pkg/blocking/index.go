// Package blocking narrows the subjects worth scoring against an incoming
// record, using exact identifier hits, trigram similarity and geographic
// proximity.
package blocking

import (
	"context"

	"github.com/Ramsey-B/clover/pkg/models"
)

// Similarity fields supported by LookupSimilar
const (
	FieldName    = "name"
	FieldAddress = "address"
)

// Reason says which lookup produced a hit
type Reason string

const (
	ReasonExact   Reason = "exact"
	ReasonSimilar Reason = "similar"
	ReasonNear    Reason = "near"
)

// Hit is one subject returned by an index lookup
type Hit struct {
	SubjectID      string  `json:"subject_id"`
	Reason         Reason  `json:"reason"`
	Similarity     float64 `json:"similarity,omitempty"`
	DistanceMeters float64 `json:"distance_meters,omitempty"`
}

// Index answers blocking lookups over canonical subjects of one kind. Values
// passed in are already normalized.
type Index interface {
	LookupExact(ctx context.Context, kind models.SubjectKind, t models.IdentifierType, value string) ([]string, error)
	LookupSimilar(ctx context.Context, kind models.SubjectKind, field, value string, floor float64, limit int) ([]Hit, error)
	LookupNear(ctx context.Context, kind models.SubjectKind, loc models.Location, radiusMeters float64, limit int) ([]Hit, error)
}
