package checkpoint

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const table = "job_checkpoints"

// Repository stores the cursor of resumable batch jobs
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new checkpoint repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Get returns the saved cursor of a job; jobs never saved start from ""
func (r *Repository) Get(ctx context.Context, job string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "checkpoint.Repository.Get")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("cursor_key")
	sb.From(table)
	sb.Where(sb.Equal("job", job))

	query, args := sb.Build()
	var cursor string
	if err := database.Conn(ctx, r.db).GetContext(ctx, &cursor, query, args...); err != nil {
		if database.IsNoRows(err) {
			return "", nil
		}
		r.logger.WithContext(ctx).WithError(err).WithField("job", job).Error("Failed to get checkpoint")
		return "", httperror.NewHTTPError(http.StatusInternalServerError, "failed to get checkpoint")
	}
	return cursor, nil
}

// Save records the cursor of a job
func (r *Repository) Save(ctx context.Context, job, cursor string) error {
	ctx, span := tracing.StartSpan(ctx, "checkpoint.Repository.Save")
	defer span.End()

	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols("job", "cursor_key", "updated_at")
	ib.Values(job, cursor, time.Now().UTC())
	query, args := ib.Build()
	query = database.OnConflictUpdate(query, []string{"job"},
		"cursor_key = "+database.Excluded("cursor_key"),
		"updated_at = "+database.Excluded("updated_at"),
	)

	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("job", job).Error("Failed to save checkpoint")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to save checkpoint")
	}
	return nil
}
