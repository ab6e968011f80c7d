// Package store defines the persistence contracts of the resolution engine.
// Every method joins the transaction carried by ctx when one is open.
package store

import (
	"context"

	"github.com/Ramsey-B/clover/pkg/blocking"
	"github.com/Ramsey-B/clover/pkg/models"
)

// Transactor runs fn in one transaction. Nested calls join the outer
// transaction; only the outermost call commits. Any error from fn rolls back
// every write made inside it.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SubjectStore persists subjects
type SubjectStore interface {
	CreateSubject(ctx context.Context, s *models.Subject) error
	// GetSubject returns a NotFoundError for unknown ids, tombstones included
	GetSubject(ctx context.Context, id string) (*models.Subject, error)
	GetSubjects(ctx context.Context, ids []string) ([]*models.Subject, error)
	UpdateSubject(ctx context.Context, s *models.Subject) error
	// RepointMergedInto rewrites merged_into=from to to, returning the rewritten ids
	RepointMergedInto(ctx context.Context, from, to string) ([]string, error)
	// ListCanonicalIDs pages canonical subject ids of a kind in id order
	ListCanonicalIDs(ctx context.Context, kind models.SubjectKind, afterID string, limit int) ([]string, error)
}

// IdentifierStore persists identifiers
type IdentifierStore interface {
	// AddIdentifiers attaches identifiers, skipping values the subject already
	// holds, and returns the ones inserted
	AddIdentifiers(ctx context.Context, ids []models.Identifier) ([]models.Identifier, error)
	ListIdentifiers(ctx context.Context, subjectIDs ...string) ([]models.Identifier, error)
	// FindHolders returns canonical subjects holding an identifier value
	FindHolders(ctx context.Context, kind models.SubjectKind, t models.IdentifierType, value string) ([]string, error)
	// MoveIdentifiers reassigns identifiers from one subject to another,
	// dropping values the target already holds
	MoveIdentifiers(ctx context.Context, from, to string) (models.RepointResult, error)
	// SharedIdentifiers pages identifier values held by at least minSubjects
	// canonical subjects, in key order after afterKey
	SharedIdentifiers(ctx context.Context, t models.IdentifierType, minSubjects int, afterKey string, limit int) ([]models.SharedIdentifier, error)
}

// EdgeStore persists relationship edges
type EdgeStore interface {
	CreateEdge(ctx context.Context, e *models.Edge) error
	ListEdges(ctx context.Context, subjectID string) ([]models.Edge, error)
	// RepointEdges moves both ends of edges from one subject to another,
	// dropping duplicates on (type, from, to) and self-loops
	RepointEdges(ctx context.Context, from, to string) (models.RepointResult, error)
	// EdgeBetween returns an edge of one of the types linking a and b either way, or nil
	EdgeBetween(ctx context.Context, a, b string, types []string) (*models.Edge, error)
}

// CandidateStore persists the review queue
type CandidateStore interface {
	// UpsertCandidate inserts a pending candidate or raises the score of an
	// existing pending one. Resolved pairs are never reopened; for them the
	// stored row is returned with written=false.
	UpsertCandidate(ctx context.Context, c *models.MergeCandidate) (stored *models.MergeCandidate, written bool, err error)
	GetCandidate(ctx context.Context, id string) (*models.MergeCandidate, error)
	ListCandidates(ctx context.Context, f models.CandidateFilter) (*models.CandidatePage, error)
	ResolveCandidate(ctx context.Context, id string, status models.MergeCandidateStatus, actor string, reason *string) (*models.MergeCandidate, error)
	// ClosePending resolves every pending candidate involving loser: the
	// (loser, winner) pair becomes merged, the rest dismissed
	ClosePending(ctx context.Context, loser, winner, actor string) (int, error)
	CountPending(ctx context.Context, subjectID string) (int, error)
}

// AuditStore is append-only
type AuditStore interface {
	AppendAudit(ctx context.Context, e *models.AuditEntry) error
	ListAudit(ctx context.Context, f models.AuditFilter) ([]models.AuditEntry, error)
}

// BlacklistStore persists soft blacklist entries
type BlacklistStore interface {
	// GetBlacklistEntry returns nil, nil when the identifier is not listed
	GetBlacklistEntry(ctx context.Context, t models.IdentifierType, value string) (*models.SoftBlacklistEntry, error)
	GetBlacklistEntryByID(ctx context.Context, id string) (*models.SoftBlacklistEntry, error)
	UpsertBlacklistEntry(ctx context.Context, e *models.SoftBlacklistEntry) error
	DeleteBlacklistEntry(ctx context.Context, id string) error
	ListBlacklist(ctx context.Context, limit, offset int) ([]models.SoftBlacklistEntry, error)
}

// CheckpointStore records progress of resumable batch jobs
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, job string) (string, error)
	SaveCheckpoint(ctx context.Context, job, cursor string) error
}

// Store is everything the engine persists, plus the blocking index over it
type Store interface {
	Transactor
	SubjectStore
	IdentifierStore
	EdgeStore
	CandidateStore
	AuditStore
	BlacklistStore
	CheckpointStore
	blocking.Index
	// Ping reports whether the backing storage is reachable
	Ping(ctx context.Context) error
}
