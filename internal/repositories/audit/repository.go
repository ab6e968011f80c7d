package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const table = "audit_entries"

var columns = []string{"id", "entity_type", "entity_id", "action", "changes", "actor", "reason", "created_at"}

// Repository is the append-only audit log. It has no update or delete.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new audit repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Append writes one entry
func (r *Repository) Append(ctx context.Context, e *models.AuditEntry) error {
	ctx, span := tracing.StartSpan(ctx, "audit.Repository.Append")
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
	ib.Values(e.ID, e.EntityType, e.EntityID, e.Action, e.Changes, e.Actor, e.Reason, e.CreatedAt)

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_type": e.EntityType,
			"entity_id":   e.EntityID,
			"action":      e.Action,
		}).Error("Failed to append audit entry")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to append audit entry")
	}
	return nil
}

// List returns matching entries, newest first
func (r *Repository) List(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "audit.Repository.List")
	defer span.End()

	f.Normalize()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	var where []string
	if f.EntityType != "" {
		where = append(where, sb.Equal("entity_type", f.EntityType))
	}
	if f.EntityID != "" {
		where = append(where, sb.Equal("entity_id", f.EntityID))
	}
	if f.Action != "" {
		where = append(where, sb.Equal("action", f.Action))
	}
	if len(where) > 0 {
		sb.Where(where...)
	}
	sb.OrderBy("seq DESC")
	sb.Limit(f.Limit)
	sb.Offset(f.Offset)

	query, args := sb.Build()
	out := []models.AuditEntry{}
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &out, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list audit entries")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list audit entries")
	}
	return out, nil
}
