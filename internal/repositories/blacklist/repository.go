package blacklist

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const table = "soft_blacklist"

var columns = []string{
	"id", "identifier_type", "value", "reason_code", "distinct_subjects",
	"min_name_similarity", "require_address_match", "created_by", "created_at", "reviewed_at",
}

// Repository handles soft blacklist entries
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new blacklist repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// GetByIdentifier returns the entry for an identifier value, or nil when it is not listed
func (r *Repository) GetByIdentifier(ctx context.Context, t models.IdentifierType, value string) (*models.SoftBlacklistEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "blacklist.Repository.GetByIdentifier")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("identifier_type", t), sb.Equal("value", value))

	query, args := sb.Build()
	var e models.SoftBlacklistEntry
	if err := database.Conn(ctx, r.db).GetContext(ctx, &e, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithField("identifier_type", t).Error("Failed to get blacklist entry")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get blacklist entry")
	}
	return &e, nil
}

// Get returns an entry by id
func (r *Repository) Get(ctx context.Context, id string) (*models.SoftBlacklistEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "blacklist.Repository.Get")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var e models.SoftBlacklistEntry
	if err := database.Conn(ctx, r.db).GetContext(ctx, &e, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, clerrors.NewNotFoundError("soft_blacklist", id)
		}
		r.logger.WithContext(ctx).WithError(err).WithField("id", id).Error("Failed to get blacklist entry")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get blacklist entry")
	}
	return &e, nil
}

// Upsert adds an entry or replaces the entry of the same identifier, keeping
// its id and creation time
func (r *Repository) Upsert(ctx context.Context, e *models.SoftBlacklistEntry) error {
	ctx, span := tracing.StartSpan(ctx, "blacklist.Repository.Upsert")
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
	ib.Values(e.ID, e.IdentifierType, e.Value, e.ReasonCode, e.DistinctSubjects,
		e.MinNameSimilarity, e.RequireAddressMatch, e.CreatedBy, e.CreatedAt, e.ReviewedAt)
	query, args := ib.Build()

	update := []string{}
	for _, col := range []string{"reason_code", "distinct_subjects", "min_name_similarity", "require_address_match", "created_by", "reviewed_at"} {
		update = append(update, col+" = "+database.Excluded(col))
	}
	query = database.Returning(database.OnConflictUpdate(query, []string{"identifier_type", "value"}, update...), "id", "created_at")

	if err := database.Conn(ctx, r.db).QueryRowxContext(ctx, query, args...).Scan(&e.ID, &e.CreatedAt); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"identifier_type": e.IdentifierType,
			"reason_code":     e.ReasonCode,
		}).Error("Failed to upsert blacklist entry")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert blacklist entry")
	}
	return nil
}

// Delete removes an entry
func (r *Repository) Delete(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, "blacklist.Repository.Delete")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(table)
	db.Where(db.Equal("id", id))

	query, args := db.Build()
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("id", id).Error("Failed to delete blacklist entry")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete blacklist entry")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return clerrors.NewNotFoundError("soft_blacklist", id)
	}
	return nil
}

// List pages entries in identifier order
func (r *Repository) List(ctx context.Context, limit, offset int) ([]models.SoftBlacklistEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "blacklist.Repository.List")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.OrderBy("identifier_type", `value COLLATE "C"`)
	if limit > 0 {
		sb.Limit(limit)
	}
	if offset > 0 {
		sb.Offset(offset)
	}

	query, args := sb.Build()
	out := []models.SoftBlacklistEntry{}
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &out, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list blacklist entries")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list blacklist entries")
	}
	return out, nil
}
