// Package postgres assembles the repositories into a store.Store backed by
// one Postgres database.
package postgres

import (
	"context"
	"database/sql"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/internal/repositories/audit"
	"github.com/Ramsey-B/clover/internal/repositories/blacklist"
	"github.com/Ramsey-B/clover/internal/repositories/candidate"
	"github.com/Ramsey-B/clover/internal/repositories/checkpoint"
	"github.com/Ramsey-B/clover/internal/repositories/edge"
	"github.com/Ramsey-B/clover/internal/repositories/identifier"
	"github.com/Ramsey-B/clover/internal/repositories/subject"
	"github.com/Ramsey-B/clover/pkg/blocking"
	"github.com/Ramsey-B/clover/pkg/database"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/store"
)

// Store implements store.Store on Postgres. Blocking lookups run as indexed
// queries: identifier values by hash index, names and addresses with
// pg_trgm similarity, proximity by geohash prefix.
type Store struct {
	db     database.DB
	logger ectologger.Logger

	subjects    *subject.Repository
	identifiers *identifier.Repository
	edges       *edge.Repository
	candidates  *candidate.Repository
	audit       *audit.Repository
	blacklist   *blacklist.Repository
	checkpoints *checkpoint.Repository
}

var _ store.Store = (*Store)(nil)

// New creates a Postgres store. unique lists the identifier types a single
// canonical subject may hold, read on every insert so it follows reloads.
func New(db database.DB, logger ectologger.Logger, unique func() []models.IdentifierType) *Store {
	return &Store{
		db:          db,
		logger:      logger,
		subjects:    subject.NewRepository(db, logger),
		identifiers: identifier.NewRepository(db, logger, unique),
		edges:       edge.NewRepository(db, logger),
		candidates:  candidate.NewRepository(db, logger),
		audit:       audit.NewRepository(db, logger),
		blacklist:   blacklist.NewRepository(db, logger),
		checkpoints: checkpoint.NewRepository(db, logger),
	}
}

// RunInTx implements store.Transactor. Read committed is enough: every
// writer serializes on guard locks before it opens a transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return database.RunInTx(ctx, s.logger, s.db, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, fn)
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) CreateSubject(ctx context.Context, subj *models.Subject) error {
	return s.subjects.Create(ctx, subj)
}

func (s *Store) GetSubject(ctx context.Context, id string) (*models.Subject, error) {
	return s.subjects.Get(ctx, id)
}

func (s *Store) GetSubjects(ctx context.Context, ids []string) ([]*models.Subject, error) {
	return s.subjects.GetMany(ctx, ids)
}

func (s *Store) UpdateSubject(ctx context.Context, subj *models.Subject) error {
	return s.subjects.Update(ctx, subj)
}

func (s *Store) RepointMergedInto(ctx context.Context, from, to string) ([]string, error) {
	return s.subjects.RepointMergedInto(ctx, from, to)
}

func (s *Store) ListCanonicalIDs(ctx context.Context, kind models.SubjectKind, afterID string, limit int) ([]string, error) {
	return s.subjects.ListCanonicalIDs(ctx, kind, afterID, limit)
}

func (s *Store) AddIdentifiers(ctx context.Context, ids []models.Identifier) ([]models.Identifier, error) {
	return s.identifiers.Add(ctx, ids)
}

func (s *Store) ListIdentifiers(ctx context.Context, subjectIDs ...string) ([]models.Identifier, error) {
	return s.identifiers.List(ctx, subjectIDs...)
}

func (s *Store) FindHolders(ctx context.Context, kind models.SubjectKind, t models.IdentifierType, value string) ([]string, error) {
	return s.identifiers.FindHolders(ctx, kind, t, value)
}

func (s *Store) MoveIdentifiers(ctx context.Context, from, to string) (models.RepointResult, error) {
	return s.identifiers.Move(ctx, from, to)
}

func (s *Store) SharedIdentifiers(ctx context.Context, t models.IdentifierType, minSubjects int, afterKey string, limit int) ([]models.SharedIdentifier, error) {
	return s.identifiers.Shared(ctx, t, minSubjects, afterKey, limit)
}

func (s *Store) CreateEdge(ctx context.Context, e *models.Edge) error {
	return s.edges.Create(ctx, e)
}

func (s *Store) ListEdges(ctx context.Context, subjectID string) ([]models.Edge, error) {
	return s.edges.List(ctx, subjectID)
}

func (s *Store) RepointEdges(ctx context.Context, from, to string) (models.RepointResult, error) {
	return s.edges.Repoint(ctx, from, to)
}

func (s *Store) EdgeBetween(ctx context.Context, a, b string, types []string) (*models.Edge, error) {
	return s.edges.Between(ctx, a, b, types)
}

func (s *Store) UpsertCandidate(ctx context.Context, c *models.MergeCandidate) (*models.MergeCandidate, bool, error) {
	return s.candidates.Upsert(ctx, c)
}

func (s *Store) GetCandidate(ctx context.Context, id string) (*models.MergeCandidate, error) {
	return s.candidates.Get(ctx, id)
}

func (s *Store) ListCandidates(ctx context.Context, f models.CandidateFilter) (*models.CandidatePage, error) {
	return s.candidates.List(ctx, f)
}

func (s *Store) ResolveCandidate(ctx context.Context, id string, status models.MergeCandidateStatus, actor string, reason *string) (*models.MergeCandidate, error) {
	return s.candidates.Resolve(ctx, id, status, actor, reason)
}

func (s *Store) ClosePending(ctx context.Context, loser, winner, actor string) (int, error) {
	return s.candidates.ClosePending(ctx, loser, winner, actor)
}

func (s *Store) CountPending(ctx context.Context, subjectID string) (int, error) {
	return s.candidates.CountPending(ctx, subjectID)
}

func (s *Store) AppendAudit(ctx context.Context, e *models.AuditEntry) error {
	return s.audit.Append(ctx, e)
}

func (s *Store) ListAudit(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, error) {
	return s.audit.List(ctx, f)
}

func (s *Store) GetBlacklistEntry(ctx context.Context, t models.IdentifierType, value string) (*models.SoftBlacklistEntry, error) {
	return s.blacklist.GetByIdentifier(ctx, t, value)
}

func (s *Store) GetBlacklistEntryByID(ctx context.Context, id string) (*models.SoftBlacklistEntry, error) {
	return s.blacklist.Get(ctx, id)
}

func (s *Store) UpsertBlacklistEntry(ctx context.Context, e *models.SoftBlacklistEntry) error {
	return s.blacklist.Upsert(ctx, e)
}

func (s *Store) DeleteBlacklistEntry(ctx context.Context, id string) error {
	return s.blacklist.Delete(ctx, id)
}

func (s *Store) ListBlacklist(ctx context.Context, limit, offset int) ([]models.SoftBlacklistEntry, error) {
	return s.blacklist.List(ctx, limit, offset)
}

func (s *Store) GetCheckpoint(ctx context.Context, job string) (string, error) {
	return s.checkpoints.Get(ctx, job)
}

func (s *Store) SaveCheckpoint(ctx context.Context, job, cursor string) error {
	return s.checkpoints.Save(ctx, job, cursor)
}

// LookupExact implements blocking.Index
func (s *Store) LookupExact(ctx context.Context, kind models.SubjectKind, t models.IdentifierType, value string) ([]string, error) {
	return s.identifiers.LookupExact(ctx, kind, t, value)
}

// LookupSimilar implements blocking.Index
func (s *Store) LookupSimilar(ctx context.Context, kind models.SubjectKind, field, value string, floor float64, limit int) ([]blocking.Hit, error) {
	switch field {
	case blocking.FieldName:
		return s.subjects.LookupSimilarName(ctx, kind, value, floor, limit)
	case blocking.FieldAddress:
		return s.identifiers.LookupSimilarAddress(ctx, kind, value, floor, limit)
	}
	return nil, clerrors.NewValidationError("field", "unsupported similarity field %q", field)
}

// LookupNear implements blocking.Index
func (s *Store) LookupNear(ctx context.Context, kind models.SubjectKind, loc models.Location, radiusMeters float64, limit int) ([]blocking.Hit, error) {
	return s.subjects.LookupNear(ctx, kind, loc, radiusMeters, limit)
}
