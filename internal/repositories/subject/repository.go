package subject

import (
	"context"
	"net/http"
	"sort"
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
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const table = "subjects"

var columns = []string{
	"id", "kind", "attributes", "attribute_sources", "merged_into", "source",
	"protected", "protected_reason", "latitude", "longitude", "geohash",
	"created_at", "updated_at",
}

var insertColumns = append(append([]string{}, columns...), "name_norm")

// Repository handles subject persistence and the name and proximity lookups
// used for blocking
type Repository struct {
	db     database.DB
	logger ectologger.Logger
	now    func() time.Time
}

// NewRepository creates a new subject repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a subject
func (r *Repository) Create(ctx context.Context, s *models.Subject) error {
	ctx, span := tracing.StartSpan(ctx, "subject.Repository.Create")
	defer span.End()

	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := r.now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.Attributes == nil {
		s.Attributes = models.Attributes{}
	}
	if s.AttributeSources == nil {
		s.AttributeSources = models.Attributes{}
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols(insertColumns...)
	ib.Values(s.ID, s.Kind, s.Attributes, s.AttributeSources, s.MergedInto, s.Source,
		s.Protected, s.ProtectedReason, s.Latitude, s.Longitude, s.Geohash,
		s.CreatedAt, s.UpdatedAt, normalizers.NormalizeName(s.Name()))

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		if database.IsUniqueViolation(err) {
			return clerrors.NewIntegrityError("create subject", clerrors.NewConflictError("subject already exists").With("id", s.ID))
		}
		r.logger.WithContext(ctx).WithError(err).WithField("subject_id", s.ID).Error("Failed to create subject")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create subject")
	}
	return nil
}

// Get returns a subject by id, tombstones included
func (r *Repository) Get(ctx context.Context, id string) (*models.Subject, error) {
	ctx, span := tracing.StartSpan(ctx, "subject.Repository.Get")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var s models.Subject
	if err := database.Conn(ctx, r.db).GetContext(ctx, &s, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, clerrors.NewNotFoundError("subject", id)
		}
		r.logger.WithContext(ctx).WithError(err).WithField("subject_id", id).Error("Failed to get subject")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get subject")
	}
	return &s, nil
}

// GetMany returns the subjects with the given ids in request order. Unknown ids are skipped.
func (r *Repository) GetMany(ctx context.Context, ids []string) ([]*models.Subject, error) {
	ctx, span := tracing.StartSpan(ctx, "subject.Repository.GetMany")
	defer span.End()

	if len(ids) == 0 {
		return nil, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where("id = ANY(" + sb.Var(pq.Array(ids)) + ")")

	query, args := sb.Build()
	var rows []models.Subject
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("count", len(ids)).Error("Failed to get subjects")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get subjects")
	}

	byID := make(map[string]*models.Subject, len(rows))
	for i := range rows {
		byID[rows[i].ID] = &rows[i]
	}
	out := make([]*models.Subject, 0, len(rows))
	for _, id := range ids {
		if s, ok := byID[id]; ok {
			out = append(out, s)
			delete(byID, id)
		}
	}
	return out, nil
}

// Update overwrites the mutable columns of a subject
func (r *Repository) Update(ctx context.Context, s *models.Subject) error {
	ctx, span := tracing.StartSpan(ctx, "subject.Repository.Update")
	defer span.End()

	s.UpdatedAt = r.now()

	ub := database.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("attributes", s.Attributes),
		ub.Assign("attribute_sources", s.AttributeSources),
		ub.Assign("name_norm", normalizers.NormalizeName(s.Name())),
		ub.Assign("merged_into", s.MergedInto),
		ub.Assign("protected", s.Protected),
		ub.Assign("protected_reason", s.ProtectedReason),
		ub.Assign("latitude", s.Latitude),
		ub.Assign("longitude", s.Longitude),
		ub.Assign("geohash", s.Geohash),
		ub.Assign("updated_at", s.UpdatedAt),
	)
	ub.Where(ub.Equal("id", s.ID))

	query, args := ub.Build()
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("subject_id", s.ID).Error("Failed to update subject")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update subject")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return clerrors.NewNotFoundError("subject", s.ID)
	}
	return nil
}

// RepointMergedInto moves tombstones of from onto to and returns their ids
func (r *Repository) RepointMergedInto(ctx context.Context, from, to string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "subject.Repository.RepointMergedInto")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("merged_into", to),
		ub.Assign("updated_at", r.now()),
	)
	ub.Where(ub.Equal("merged_into", from))

	query, args := ub.Build()
	var moved []string
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &moved, database.Returning(query, "id"), args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"from": from,
			"to":   to,
		}).Error("Failed to repoint merged subjects")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to repoint merged subjects")
	}
	sort.Strings(moved)
	return moved, nil
}

// ListCanonicalIDs pages canonical subject ids of a kind in byte order
func (r *Repository) ListCanonicalIDs(ctx context.Context, kind models.SubjectKind, afterID string, limit int) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "subject.Repository.ListCanonicalIDs")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id")
	sb.From(table)
	sb.Where(
		sb.Equal("kind", kind),
		sb.IsNull("merged_into"),
		`id COLLATE "C" > `+sb.Var(afterID),
	)
	sb.OrderBy(`id COLLATE "C"`)
	if limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()
	ids := []string{}
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &ids, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("kind", kind).Error("Failed to list canonical subjects")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list subjects")
	}
	return ids, nil
}

type similarRow struct {
	ID         string  `db:"id"`
	Similarity float64 `db:"similarity"`
}

// LookupSimilarName finds canonical subjects whose normalized name is
// trigram-similar to name
func (r *Repository) LookupSimilarName(ctx context.Context, kind models.SubjectKind, name string, floor float64, limit int) ([]blocking.Hit, error) {
	ctx, span := tracing.StartSpan(ctx, "subject.Repository.LookupSimilarName")
	defer span.End()

	if strings.TrimSpace(name) == "" {
		return nil, nil
	}

	sb := database.NewSelectBuilder()
	sim := "similarity(name_norm, " + sb.Var(name) + ")"
	sb.Select("id", sim+" AS similarity")
	sb.From(table)
	sb.Where(
		sb.Equal("kind", kind),
		sb.IsNull("merged_into"),
		"name_norm <> ''",
		sim+" >= "+sb.Var(floor),
	)
	sb.OrderBy("similarity DESC", `id COLLATE "C"`)
	if limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()
	var rows []similarRow
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("kind", kind).Error("Failed to look up similar names")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to look up similar subjects")
	}

	hits := make([]blocking.Hit, 0, len(rows))
	for _, row := range rows {
		hits = append(hits, blocking.Hit{SubjectID: row.ID, Reason: blocking.ReasonSimilar, Similarity: row.Similarity})
	}
	return hits, nil
}

type pointRow struct {
	ID        string  `db:"id"`
	Latitude  float64 `db:"latitude"`
	Longitude float64 `db:"longitude"`
}

// LookupNear finds canonical subjects within radius meters. Candidates come
// from the geohash cells covering the circle; distance is exact haversine.
func (r *Repository) LookupNear(ctx context.Context, kind models.SubjectKind, loc models.Location, radiusMeters float64, limit int) ([]blocking.Hit, error) {
	ctx, span := tracing.StartSpan(ctx, "subject.Repository.LookupNear")
	defer span.End()

	if radiusMeters <= 0 {
		return nil, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select("id", "latitude", "longitude")
	sb.From(table)

	cells := blocking.SearchCells(loc.Latitude, loc.Longitude, radiusMeters)
	prefixes := make([]string, 0, len(cells))
	for _, cell := range cells {
		prefixes = append(prefixes, sb.Like("geohash", cell+"%"))
	}
	sb.Where(
		sb.Equal("kind", kind),
		sb.IsNull("merged_into"),
		sb.IsNotNull("latitude"),
		sb.IsNotNull("longitude"),
		sb.Or(prefixes...),
	)

	query, args := sb.Build()
	var rows []pointRow
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("kind", kind).Error("Failed to look up nearby subjects")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to look up nearby subjects")
	}

	hits := make([]blocking.Hit, 0, len(rows))
	for _, row := range rows {
		d := blocking.HaversineMeters(loc.Latitude, loc.Longitude, row.Latitude, row.Longitude)
		if d <= radiusMeters {
			hits = append(hits, blocking.Hit{SubjectID: row.ID, Reason: blocking.ReasonNear, DistanceMeters: d})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceMeters != hits[j].DistanceMeters {
			return hits[i].DistanceMeters < hits[j].DistanceMeters
		}
		return hits[i].SubjectID < hits[j].SubjectID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}
