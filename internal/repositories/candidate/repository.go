package candidate

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/database"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const table = "merge_candidates"

var columns = []string{
	"id", "subject_a", "subject_b", "kind", "score", "probability", "tier", "status",
	"decisive_identifier", "reason", "comparisons", "params_version",
	"created_at", "updated_at", "resolved_at", "resolved_by",
}

// Repository handles the merge candidate review queue
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new merge candidate repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// takeIfHigher keeps the stored value unless the incoming score is higher
func takeIfHigher(column string) string {
	return column + " = CASE WHEN " + database.Excluded("score") + " > " + table + ".score THEN " +
		database.Excluded(column) + " ELSE " + table + "." + column + " END"
}

// Upsert inserts a pending candidate or raises the score of the pending
// pair. Resolved pairs are left alone; for them the stored row is returned
// with written=false.
func (r *Repository) Upsert(ctx context.Context, c *models.MergeCandidate) (*models.MergeCandidate, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "candidate.Repository.Upsert")
	defer span.End()

	c.SubjectA, c.SubjectB = models.OrderPair(c.SubjectA, c.SubjectB)
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	c.Status = models.MergeCandidateStatusPending
	c.CreatedAt = now
	c.UpdatedAt = now

	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols(columns...)
	ib.Values(c.ID, c.SubjectA, c.SubjectB, c.Kind, c.Score, c.Probability, c.Tier, c.Status,
		c.DecisiveIdentifier, c.Reason, c.Comparisons, c.ParamsVersion,
		c.CreatedAt, c.UpdatedAt, nil, nil)
	query, args := ib.Build()

	query = database.OnConflictUpdate(query, []string{"subject_a", "subject_b"},
		takeIfHigher("probability"),
		takeIfHigher("tier"),
		takeIfHigher("decisive_identifier"),
		takeIfHigher("reason"),
		takeIfHigher("comparisons"),
		takeIfHigher("params_version"),
		"score = GREATEST("+table+".score, "+database.Excluded("score")+")",
		"updated_at = "+database.Excluded("updated_at"),
	)
	query += " WHERE " + table + ".status = 'pending'"
	query = database.Returning(query, columns...)

	q := database.Conn(ctx, r.db)
	var rows []models.MergeCandidate
	if err := q.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"subject_a": c.SubjectA,
			"subject_b": c.SubjectB,
		}).Error("Failed to upsert merge candidate")
		return nil, false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert merge candidate")
	}
	if len(rows) > 0 {
		return &rows[0], true, nil
	}

	// the pair exists and is resolved
	stored, err := r.getPair(ctx, c.SubjectA, c.SubjectB)
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

func (r *Repository) getPair(ctx context.Context, a, b string) (*models.MergeCandidate, error) {
	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("subject_a", a), sb.Equal("subject_b", b))

	query, args := sb.Build()
	var c models.MergeCandidate
	if err := database.Conn(ctx, r.db).GetContext(ctx, &c, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, clerrors.NewNotFoundError("merge_candidate", a+"|"+b)
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get merge candidate pair")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get merge candidate")
	}
	return &c, nil
}

// Get returns a candidate by id
func (r *Repository) Get(ctx context.Context, id string) (*models.MergeCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "candidate.Repository.Get")
	defer span.End()

	return r.get(ctx, id, false)
}

func (r *Repository) get(ctx context.Context, id string, forUpdate bool) (*models.MergeCandidate, error) {
	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("id", id))
	if forUpdate {
		sb.ForUpdate()
	}

	query, args := sb.Build()
	var c models.MergeCandidate
	if err := database.Conn(ctx, r.db).GetContext(ctx, &c, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, clerrors.NewNotFoundError("merge_candidate", id)
		}
		r.logger.WithContext(ctx).WithError(err).WithField("candidate_id", id).Error("Failed to get merge candidate")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get merge candidate")
	}
	return &c, nil
}

// List pages the review queue, highest score first
func (r *Repository) List(ctx context.Context, f models.CandidateFilter) (*models.CandidatePage, error) {
	ctx, span := tracing.StartSpan(ctx, "candidate.Repository.List")
	defer span.End()

	f.Normalize()

	sb := database.NewSelectBuilder()
	sb.From(table)
	var where []string
	if f.Status != "" {
		where = append(where, sb.Equal("status", f.Status))
	}
	if f.Tier != "" {
		where = append(where, sb.Equal("tier", f.Tier))
	}
	if f.MinScore != nil {
		where = append(where, sb.GreaterEqualThan("score", *f.MinScore))
	}
	if f.MaxScore != nil {
		where = append(where, sb.LessEqualThan("score", *f.MaxScore))
	}
	if f.SubjectID != "" {
		where = append(where, sb.Or(sb.Equal("subject_a", f.SubjectID), sb.Equal("subject_b", f.SubjectID)))
	}
	if len(where) > 0 {
		sb.Where(where...)
	}

	q := database.Conn(ctx, r.db)
	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"status": f.Status,
		"tier":   f.Tier,
	})

	sb.Select("count(*)")
	countQuery, countArgs := sb.Build()
	page := &models.CandidatePage{Items: []models.MergeCandidate{}, Limit: f.Limit, Offset: f.Offset}
	if err := q.GetContext(ctx, &page.Total, countQuery, countArgs...); err != nil {
		log.WithError(err).Error("Failed to count merge candidates")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list merge candidates")
	}

	sb.Select(columns...)
	sb.OrderBy("score DESC", "created_at ASC", `id COLLATE "C"`)
	sb.Limit(f.Limit)
	sb.Offset(f.Offset)
	query, args := sb.Build()
	if err := q.SelectContext(ctx, &page.Items, query, args...); err != nil {
		log.WithError(err).Error("Failed to list merge candidates")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list merge candidates")
	}
	return page, nil
}

// Resolve moves a pending candidate to a terminal status
func (r *Repository) Resolve(ctx context.Context, id string, status models.MergeCandidateStatus, actor string, reason *string) (*models.MergeCandidate, error) {
	ctx, span := tracing.StartSpan(ctx, "candidate.Repository.Resolve")
	defer span.End()

	var out *models.MergeCandidate
	err := database.RunInTx(ctx, r.logger, r.db, nil, func(ctx context.Context) error {
		c, err := r.get(ctx, id, true)
		if err != nil {
			return err
		}
		if c.Status.Terminal() {
			return clerrors.NewConflictError("candidate already resolved").With("status", c.Status)
		}

		now := time.Now().UTC()
		ub := database.NewUpdateBuilder()
		ub.Update(table)
		assignments := []string{
			ub.Assign("status", status),
			ub.Assign("resolved_at", now),
			ub.Assign("resolved_by", actor),
			ub.Assign("updated_at", now),
		}
		if reason != nil {
			assignments = append(assignments, ub.Assign("reason", *reason))
		}
		ub.Set(assignments...)
		ub.Where(ub.Equal("id", id))

		query, args := ub.Build()
		var rows []models.MergeCandidate
		if err := database.Conn(ctx, r.db).SelectContext(ctx, &rows, database.Returning(query, columns...), args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("candidate_id", id).Error("Failed to resolve merge candidate")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to resolve merge candidate")
		}
		if len(rows) == 0 {
			return clerrors.NewNotFoundError("merge_candidate", id)
		}
		out = &rows[0]
		return nil
	})
	return out, err
}

// ClosePending resolves every pending candidate involving loser: the
// (loser, winner) pair becomes merged, the rest dismissed
func (r *Repository) ClosePending(ctx context.Context, loser, winner, actor string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "candidate.Repository.ClosePending")
	defer span.End()

	a, b := models.OrderPair(loser, winner)
	query := strings.TrimSpace(`
		UPDATE merge_candidates
		SET status = CASE WHEN subject_a = $2 AND subject_b = $3 THEN 'merged' ELSE 'dismissed' END,
			resolved_at = $4,
			resolved_by = $5,
			updated_at = $4
		WHERE status = 'pending'
		AND (subject_a = $1 OR subject_b = $1)
	`)
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, loser, a, b, time.Now().UTC(), actor)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"loser_id":  loser,
			"winner_id": winner,
		}).Error("Failed to close pending candidates")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to close pending candidates")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountPending counts pending candidates involving a subject
func (r *Repository) CountPending(ctx context.Context, subjectID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "candidate.Repository.CountPending")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("count(*)")
	sb.From(table)
	sb.Where(
		sb.Equal("status", models.MergeCandidateStatusPending),
		sb.Or(sb.Equal("subject_a", subjectID), sb.Equal("subject_b", subjectID)),
	)

	query, args := sb.Build()
	var n int
	if err := database.Conn(ctx, r.db).GetContext(ctx, &n, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("subject_id", subjectID).Error("Failed to count pending candidates")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count pending candidates")
	}
	return n, nil
}
