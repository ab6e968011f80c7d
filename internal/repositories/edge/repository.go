package edge

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Ramsey-B/clover/pkg/database"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const table = "edges"

var columns = []string{"id", "type", "from_id", "to_id", "source", "created_at"}

// Repository handles relationship edge persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new edge repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create inserts an edge. When (type, from, to) already exists the stored
// edge is loaded into e instead.
func (r *Repository) Create(ctx context.Context, e *models.Edge) error {
	ctx, span := tracing.StartSpan(ctx, "edge.Repository.Create")
	defer span.End()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols(columns...)
	ib.Values(e.ID, e.Type, e.FromID, e.ToID, e.Source, e.CreatedAt)
	query, args := ib.Build()
	query = database.Returning(database.OnConflictDoNothing(query, "type", "from_id", "to_id"), "id")

	q := database.Conn(ctx, r.db)
	var inserted []string
	if err := q.SelectContext(ctx, &inserted, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"type":    e.Type,
			"from_id": e.FromID,
			"to_id":   e.ToID,
		}).Error("Failed to create edge")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create edge")
	}
	if len(inserted) > 0 {
		return nil
	}

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Equal("type", e.Type),
		sb.Equal("from_id", e.FromID),
		sb.Equal("to_id", e.ToID),
	)
	query, args = sb.Build()
	if err := q.GetContext(ctx, e, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to load existing edge")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create edge")
	}
	return nil
}

// List returns every edge touching a subject
func (r *Repository) List(ctx context.Context, subjectID string) ([]models.Edge, error) {
	ctx, span := tracing.StartSpan(ctx, "edge.Repository.List")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Or(
		sb.Equal("from_id", subjectID),
		sb.Equal("to_id", subjectID),
	))
	sb.OrderBy("type", `from_id COLLATE "C"`, `to_id COLLATE "C"`)

	query, args := sb.Build()
	out := []models.Edge{}
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &out, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("subject_id", subjectID).Error("Failed to list edges")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list edges")
	}
	return out, nil
}

// Repoint moves both ends of the edges of from onto to. Edges that would
// become self-loops or duplicate an existing (type, from, to) are deleted.
func (r *Repository) Repoint(ctx context.Context, from, to string) (models.RepointResult, error) {
	ctx, span := tracing.StartSpan(ctx, "edge.Repository.Repoint")
	defer span.End()

	var res models.RepointResult
	q := database.Conn(ctx, r.db)
	log := r.logger.WithContext(ctx).WithFields(map[string]any{"from": from, "to": to})

	dropQuery := `
		DELETE FROM edges e
		WHERE (e.from_id = $1 OR e.to_id = $1)
		AND (
			(CASE WHEN e.from_id = $1 THEN $2 ELSE e.from_id END) = (CASE WHEN e.to_id = $1 THEN $2 ELSE e.to_id END)
			OR EXISTS (
				SELECT 1 FROM edges o
				WHERE o.id <> e.id
				AND o.type = e.type
				AND o.from_id = (CASE WHEN e.from_id = $1 THEN $2 ELSE e.from_id END)
				AND o.to_id = (CASE WHEN e.to_id = $1 THEN $2 ELSE e.to_id END)
			)
		)
		RETURNING e.id
	`
	if err := q.SelectContext(ctx, &res.DroppedIDs, dropQuery, from, to); err != nil {
		log.WithError(err).Error("Failed to drop colliding edges")
		return res, httperror.NewHTTPError(http.StatusInternalServerError, "failed to repoint edges")
	}
	res.Dropped = len(res.DroppedIDs)

	updateQuery := `
		UPDATE edges
		SET from_id = CASE WHEN from_id = $1 THEN $2 ELSE from_id END,
			to_id = CASE WHEN to_id = $1 THEN $2 ELSE to_id END
		WHERE from_id = $1 OR to_id = $1
	`
	result, err := q.ExecContext(ctx, updateQuery, from, to)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return res, clerrors.NewIntegrityError("repoint edges", err)
		}
		log.WithError(err).Error("Failed to repoint edges")
		return res, httperror.NewHTTPError(http.StatusInternalServerError, "failed to repoint edges")
	}
	n, _ := result.RowsAffected()
	res.Repointed = int(n)
	return res, nil
}

// Between returns an edge of one of the types linking a and b in either
// direction, or nil
func (r *Repository) Between(ctx context.Context, a, b string, types []string) (*models.Edge, error) {
	ctx, span := tracing.StartSpan(ctx, "edge.Repository.Between")
	defer span.End()

	if len(types) == 0 {
		return nil, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		"type = ANY("+sb.Var(pq.Array(types))+")",
		sb.Or(
			sb.And(sb.Equal("from_id", a), sb.Equal("to_id", b)),
			sb.And(sb.Equal("from_id", b), sb.Equal("to_id", a)),
		),
	)
	sb.Limit(1)

	query, args := sb.Build()
	var out []models.Edge
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &out, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to look up edge between subjects")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to look up edge")
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}
