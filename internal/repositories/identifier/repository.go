package identifier

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Ramsey-B/clover/pkg/blocking"
	"github.com/Ramsey-B/clover/pkg/database"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const table = "identifiers"

var columns = []string{"id", "subject_id", "type", "value", "raw", "source", "confidence", "created_at"}

// Repository handles identifier persistence and exact-key lookups
type Repository struct {
	db     database.DB
	logger ectologger.Logger
	unique func() []models.IdentifierType
}

// NewRepository creates a new identifier repository. unique lists the types
// whose values may be held by one canonical subject only.
func NewRepository(db database.DB, logger ectologger.Logger, unique func() []models.IdentifierType) *Repository {
	if unique == nil {
		unique = func() []models.IdentifierType { return nil }
	}
	return &Repository{
		db:     db,
		logger: logger,
		unique: unique,
	}
}

func heldError(in models.Identifier, holder string) error {
	return clerrors.NewIntegrityError("add identifier",
		clerrors.NewConflictError("identifier already held").With("identifier", in.Key()).With("subject_id", holder))
}

// Add attaches identifiers, skipping values the subject already holds, and
// returns the ones inserted
func (r *Repository) Add(ctx context.Context, ids []models.Identifier) ([]models.Identifier, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.Add")
	defer span.End()

	q := database.Conn(ctx, r.db)
	unique := r.unique()
	added := make([]models.Identifier, 0, len(ids))

	for _, in := range ids {
		if slices.Contains(unique, in.Type) {
			holders, err := r.holders(ctx, in.Type, in.Value)
			if err != nil {
				return nil, err
			}
			for _, h := range holders {
				if h != in.SubjectID {
					return nil, heldError(in, h)
				}
			}
		}

		if in.ID == "" {
			in.ID = uuid.New().String()
		}
		if in.CreatedAt.IsZero() {
			in.CreatedAt = time.Now().UTC()
		}

		ib := database.NewInsertBuilder()
		ib.InsertInto(table)
		ib.Cols(columns...)
		ib.Values(in.ID, in.SubjectID, in.Type, in.Value, in.Raw, in.Source, in.Confidence, in.CreatedAt)
		query, args := ib.Build()
		query = database.Returning(database.OnConflictDoNothing(query, "subject_id", "type", "value"), "id")

		var inserted []string
		if err := q.SelectContext(ctx, &inserted, query, args...); err != nil {
			if database.IsUniqueViolation(err) {
				return nil, heldError(in, "")
			}
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"subject_id": in.SubjectID,
				"type":       in.Type,
			}).Error("Failed to add identifier")
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to add identifier")
		}
		if len(inserted) > 0 {
			added = append(added, in)
		}
	}
	return added, nil
}

// List returns the identifiers of the given subjects ordered by type and value
func (r *Repository) List(ctx context.Context, subjectIDs ...string) ([]models.Identifier, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.List")
	defer span.End()

	out := []models.Identifier{}
	if len(subjectIDs) == 0 {
		return out, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where("subject_id = ANY(" + sb.Var(pq.Array(subjectIDs)) + ")")
	sb.OrderBy("type", `value COLLATE "C"`, `subject_id COLLATE "C"`)

	query, args := sb.Build()
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &out, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list identifiers")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list identifiers")
	}
	return out, nil
}

func (r *Repository) holders(ctx context.Context, t models.IdentifierType, value string) ([]string, error) {
	sb := database.NewSelectBuilder()
	sb.Select("DISTINCT i.subject_id")
	sb.From("identifiers i")
	sb.Join("subjects s", "s.id = i.subject_id")
	sb.Where(
		sb.Equal("i.type", t),
		sb.Equal("i.value", value),
		sb.IsNull("s.merged_into"),
	)

	query, args := sb.Build()
	var out []string
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &out, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("type", t).Error("Failed to find identifier holders")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find identifier holders")
	}
	return out, nil
}

// FindHolders returns the canonical subjects of a kind holding an identifier value
func (r *Repository) FindHolders(ctx context.Context, kind models.SubjectKind, t models.IdentifierType, value string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.FindHolders")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("i.subject_id")
	sb.From("identifiers i")
	sb.Join("subjects s", "s.id = i.subject_id")
	sb.Where(
		sb.Equal("i.type", t),
		sb.Equal("i.value", value),
		sb.Equal("s.kind", kind),
		sb.IsNull("s.merged_into"),
	)
	sb.GroupBy("i.subject_id")
	sb.OrderBy(`i.subject_id COLLATE "C"`)

	query, args := sb.Build()
	out := []string{}
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &out, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("type", t).Error("Failed to find identifier holders")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to find identifier holders")
	}
	return out, nil
}

// Move reassigns identifiers from one subject to another. Values the target
// already holds are deleted from the source instead.
func (r *Repository) Move(ctx context.Context, from, to string) (models.RepointResult, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.Move")
	defer span.End()

	var res models.RepointResult
	q := database.Conn(ctx, r.db)
	log := r.logger.WithContext(ctx).WithFields(map[string]any{"from": from, "to": to})

	dropQuery := `
		DELETE FROM identifiers l
		USING identifiers w
		WHERE l.subject_id = $1
		AND w.subject_id = $2
		AND w.type = l.type
		AND w.value = l.value
		RETURNING l.id
	`
	if err := q.SelectContext(ctx, &res.DroppedIDs, dropQuery, from, to); err != nil {
		log.WithError(err).Error("Failed to drop duplicate identifiers")
		return res, httperror.NewHTTPError(http.StatusInternalServerError, "failed to move identifiers")
	}
	res.Dropped = len(res.DroppedIDs)

	ub := database.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(ub.Assign("subject_id", to))
	ub.Where(ub.Equal("subject_id", from))
	query, args := ub.Build()

	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return res, clerrors.NewIntegrityError("move identifiers", err)
		}
		log.WithError(err).Error("Failed to move identifiers")
		return res, httperror.NewHTTPError(http.StatusInternalServerError, "failed to move identifiers")
	}
	n, _ := result.RowsAffected()
	res.Repointed = int(n)
	return res, nil
}

type sharedRow struct {
	Type       models.IdentifierType `db:"type"`
	Value      string                `db:"value"`
	SubjectIDs pq.StringArray        `db:"subject_ids"`
}

// Shared pages identifier values of one type held by at least minSubjects
// canonical subjects, in key order after afterKey
func (r *Repository) Shared(ctx context.Context, t models.IdentifierType, minSubjects int, afterKey string, limit int) ([]models.SharedIdentifier, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.Shared")
	defer span.End()

	// keys of one type share the "type:" prefix, so values order like keys
	prefix := string(t) + ":"
	afterValue := ""
	switch {
	case strings.HasPrefix(afterKey, prefix):
		afterValue = strings.TrimPrefix(afterKey, prefix)
	case afterKey > prefix:
		return []models.SharedIdentifier{}, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select("i.type", "i.value", `array_agg(DISTINCT i.subject_id ORDER BY i.subject_id) AS subject_ids`)
	sb.From("identifiers i")
	sb.Join("subjects s", "s.id = i.subject_id")
	where := []string{
		sb.Equal("i.type", t),
		sb.IsNull("s.merged_into"),
	}
	if afterValue != "" {
		where = append(where, `i.value COLLATE "C" > `+sb.Var(afterValue))
	}
	sb.Where(where...)
	sb.GroupBy("i.type", "i.value")
	sb.Having(sb.GreaterEqualThan("count(DISTINCT i.subject_id)", minSubjects))
	sb.OrderBy(`i.value COLLATE "C"`)
	if limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()
	var rows []sharedRow
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("type", t).Error("Failed to list shared identifiers")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list shared identifiers")
	}

	out := make([]models.SharedIdentifier, 0, len(rows))
	for _, row := range rows {
		ids := []string(row.SubjectIDs)
		slices.Sort(ids)
		out = append(out, models.SharedIdentifier{Type: row.Type, Value: row.Value, SubjectIDs: ids})
	}
	return out, nil
}

// LookupExact returns canonical subjects of a kind holding the value
func (r *Repository) LookupExact(ctx context.Context, kind models.SubjectKind, t models.IdentifierType, value string) ([]string, error) {
	return r.FindHolders(ctx, kind, t, value)
}

type similarRow struct {
	SubjectID  string  `db:"subject_id"`
	Similarity float64 `db:"similarity"`
}

// LookupSimilarAddress finds canonical subjects holding an address
// trigram-similar to value, scored by their best address
func (r *Repository) LookupSimilarAddress(ctx context.Context, kind models.SubjectKind, value string, floor float64, limit int) ([]blocking.Hit, error) {
	ctx, span := tracing.StartSpan(ctx, "identifier.Repository.LookupSimilarAddress")
	defer span.End()

	if strings.TrimSpace(value) == "" {
		return nil, nil
	}

	sb := database.NewSelectBuilder()
	sim := "similarity(i.value, " + sb.Var(value) + ")"
	sb.Select("i.subject_id", "max("+sim+") AS similarity")
	sb.From("identifiers i")
	sb.Join("subjects s", "s.id = i.subject_id")
	sb.Where(
		sb.Equal("i.type", models.IdentifierAddress),
		sb.Equal("s.kind", kind),
		sb.IsNull("s.merged_into"),
		sim+" >= "+sb.Var(floor),
	)
	sb.GroupBy("i.subject_id")
	sb.OrderBy("similarity DESC", `i.subject_id COLLATE "C"`)
	if limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()
	var rows []similarRow
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("kind", kind).Error("Failed to look up similar addresses")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to look up similar addresses")
	}

	hits := make([]blocking.Hit, 0, len(rows))
	for _, row := range rows {
		hits = append(hits, blocking.Hit{SubjectID: row.SubjectID, Reason: blocking.ReasonSimilar, Similarity: row.Similarity})
	}
	return hits, nil
}
