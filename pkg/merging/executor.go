// Package merging folds one subject into another: edges and identifiers are
// repointed, attributes survive by source priority, the loser is tombstoned
// and the whole change is audited in one transaction.
package merging

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/blocking"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/guard"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/params"
	"github.com/Ramsey-B/clover/pkg/store"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Conflict reasons shown to reviewers
const (
	ReasonProtected      = "blocked: institutional record"
	ReasonParentChild    = "blocked: parent/child relationship"
	ReasonAlreadyMerged  = "subject already merged into another subject"
	ReasonTombstoneWrite = "subject is merged and cannot be modified"
)

// maxAbsorbRedirects bounds how many merged_into hops Absorb follows
const maxAbsorbRedirects = 3

// Mirror keeps an external projection of the subject graph in step with merges
type Mirror interface {
	MergeSubjects(ctx context.Context, loserID, winnerID string) error
}

// Executor runs merges and absorbs
type Executor struct {
	logger ectologger.Logger
	store  store.Store
	guard  *guard.Guard
	params params.Provider
	events *events.Emitter
	mirror Mirror
}

// NewExecutor creates a merge executor. events and mirror may be nil.
func NewExecutor(
	logger ectologger.Logger,
	st store.Store,
	g *guard.Guard,
	provider params.Provider,
	emitter *events.Emitter,
	mirror Mirror,
) *Executor {
	return &Executor{
		logger: logger,
		store:  st,
		guard:  g,
		params: provider,
		events: emitter,
		mirror: mirror,
	}
}

// Merge folds req.LoserID into req.WinnerID. Merging two ids that already
// share a canonical subject is a no-op reported with AlreadyMerged=true.
func (e *Executor) Merge(ctx context.Context, req models.MergeRequest) (*models.MergeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Executor.Merge")
	defer span.End()

	start := time.Now()
	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"loser_id":  req.LoserID,
		"winner_id": req.WinnerID,
		"actor":     req.Actor,
	})

	if req.LoserID == "" || req.WinnerID == "" {
		return nil, clerrors.NewValidationError("loser_id", "loser and winner are required")
	}
	if req.LoserID == req.WinnerID {
		return nil, clerrors.NewValidationError("winner_id", "cannot merge a subject into itself")
	}
	if req.Actor == "" {
		req.Actor = "system"
	}

	// The winner may itself be a tombstone; lock its canonical subject too.
	keys := []string{guard.Key(guard.KeySubject, req.LoserID), guard.Key(guard.KeySubject, req.WinnerID)}
	if w, err := e.store.GetSubject(ctx, req.WinnerID); err == nil && w.MergedInto != nil {
		keys = append(keys, guard.Key(guard.KeySubject, *w.MergedInto))
	}

	var (
		res  *models.MergeResult
		kind models.SubjectKind
	)
	err := e.guard.WithLock(ctx, keys, func(ctx context.Context) error {
		return e.store.RunInTx(ctx, func(ctx context.Context) error {
			var err error
			res, kind, err = e.merge(ctx, req)
			return err
		})
	})

	switch {
	case clerrors.IsAlreadyMerged(err):
		log.Info("Subjects already merged")
		metrics.RecordMerge("already_merged", time.Since(start))
		return &models.MergeResult{WinnerID: req.WinnerID, LoserID: req.LoserID, AlreadyMerged: true}, nil
	case err != nil:
		log.WithError(err).Warn("Merge failed")
		metrics.RecordMerge(outcome(err), time.Since(start))
		return nil, err
	}

	metrics.RecordMerge("merged", time.Since(start))
	log.WithFields(map[string]any{
		"winner_id":         res.WinnerID,
		"edges_repointed":   res.Edges.Repointed,
		"edges_dropped":     res.Edges.Dropped,
		"flattened":         len(res.Flattened),
		"candidates_closed": res.CandidatesClosed,
	}).Info("Merged subjects")

	e.afterMerge(ctx, kind, res, req.Actor)
	return res, nil
}

// merge runs inside the guard and the transaction
func (e *Executor) merge(ctx context.Context, req models.MergeRequest) (*models.MergeResult, models.SubjectKind, error) {
	p := e.params.Current()

	loser, err := e.store.GetSubject(ctx, req.LoserID)
	if err != nil {
		return nil, "", err
	}
	winner, err := e.canonical(ctx, req.WinnerID)
	if err != nil {
		return nil, "", err
	}

	if loser.ID == winner.ID {
		return nil, "", clerrors.NewAlreadyMergedError(req.LoserID, winner.ID)
	}
	if loser.MergedInto != nil {
		if *loser.MergedInto == winner.ID {
			return nil, "", clerrors.NewAlreadyMergedError(loser.ID, winner.ID)
		}
		return nil, "", clerrors.NewConflictError(ReasonAlreadyMerged).
			With("loser_id", loser.ID).
			With("merged_into", *loser.MergedInto)
	}
	if loser.Kind != winner.Kind {
		return nil, "", clerrors.NewValidationError("kind", "cannot merge %s into %s", loser.Kind, winner.Kind)
	}

	if loser.Protected {
		return nil, "", clerrors.NewConflictError(ReasonProtected).With("subject_id", loser.ID)
	}
	if len(p.StructuralEdges) > 0 {
		edge, err := e.store.EdgeBetween(ctx, loser.ID, winner.ID, p.StructuralEdges)
		if err != nil {
			return nil, "", err
		}
		if edge != nil {
			return nil, "", clerrors.NewConflictError(ReasonParentChild).With("edge_type", edge.Type)
		}
	}

	res := &models.MergeResult{WinnerID: winner.ID, LoserID: loser.ID}

	if res.Edges, err = e.store.RepointEdges(ctx, loser.ID, winner.ID); err != nil {
		return nil, "", integrity("repoint edges", err)
	}
	if res.Identifiers, err = e.store.MoveIdentifiers(ctx, loser.ID, winner.ID); err != nil {
		return nil, "", integrity("move identifiers", err)
	}

	merger := NewFieldMerger(p)
	changes := merger.MergeInto(winner, loser.Attributes, loser.AttributeSources, loser.Source)
	changes = append(changes, merger.FillLocation(winner, loser.Latitude, loser.Longitude, loser.Geohash)...)
	for _, c := range changes {
		res.ChangedFields = append(res.ChangedFields, c.Field)
	}
	if len(changes) > 0 {
		if err := e.store.UpdateSubject(ctx, winner); err != nil {
			return nil, "", err
		}
	}

	if res.Flattened, err = e.store.RepointMergedInto(ctx, loser.ID, winner.ID); err != nil {
		return nil, "", integrity("flatten", err)
	}

	winnerID := winner.ID
	loser.MergedInto = &winnerID
	if err := e.store.UpdateSubject(ctx, loser); err != nil {
		return nil, "", err
	}

	if res.CandidatesClosed, err = e.store.ClosePending(ctx, loser.ID, winner.ID, req.Actor); err != nil {
		return nil, "", err
	}

	changes.Add("merged_into", nil, winner.ID)
	changes.Add("loser_id", nil, loser.ID)
	if res.Edges.Repointed > 0 || res.Edges.Dropped > 0 {
		changes.Add("edges", nil, res.Edges)
	}
	if res.Identifiers.Repointed > 0 || res.Identifiers.Dropped > 0 {
		changes.Add("identifiers", nil, res.Identifiers)
	}
	if len(res.Flattened) > 0 {
		changes.Add("flattened", nil, res.Flattened)
	}

	entry := &models.AuditEntry{
		ID:         uuid.New().String(),
		EntityType: models.AuditEntitySubject,
		EntityID:   winner.ID,
		Action:     models.AuditActionMerge,
		Changes:    changes,
		Actor:      req.Actor,
		Reason:     req.Reason,
	}
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		return nil, "", err
	}
	res.AuditEntryID = entry.ID

	return res, winner.Kind, nil
}

// canonical loads a subject and follows merged_into one hop
func (e *Executor) canonical(ctx context.Context, id string) (*models.Subject, error) {
	s, err := e.store.GetSubject(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.MergedInto == nil {
		return s, nil
	}
	return e.store.GetSubject(ctx, *s.MergedInto)
}

// afterMerge publishes the merge and updates the graph mirror. Both are best
// effort and never undo the committed merge.
func (e *Executor) afterMerge(ctx context.Context, kind models.SubjectKind, res *models.MergeResult, actor string) {
	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"loser_id":  res.LoserID,
		"winner_id": res.WinnerID,
	})
	if err := e.events.EmitSubjectMerged(ctx, kind, res, actor); err != nil {
		log.WithError(err).Warn("Failed to publish merge event")
	}
	if e.mirror != nil {
		if err := e.mirror.MergeSubjects(ctx, res.LoserID, res.WinnerID); err != nil {
			log.WithError(err).Warn("Failed to update graph mirror")
		}
	}
}

// AbsorbResult is the outcome of folding a record into an existing subject
type AbsorbResult struct {
	Subject       *models.Subject
	Identifiers   []models.Identifier
	ChangedFields []string
}

// Absorb applies an incoming record to an existing canonical subject:
// identifiers are attached, attributes survive by source priority and the
// change is audited. The record is normalized first. When winnerID has been
// merged away the record lands on the subject it was merged into; the result
// names the subject actually written.
func (e *Executor) Absorb(ctx context.Context, winnerID string, rec models.Record, actor string) (*AbsorbResult, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Executor.Absorb")
	defer span.End()

	rec, err := normalizers.NormalizeRecord(rec)
	if err != nil {
		return nil, err
	}
	if actor == "" {
		actor = rec.Source
	}

	var res *AbsorbResult
	target := winnerID
	for hop := 0; ; hop++ {
		var next string
		err = e.guard.WithLock(ctx, []string{guard.Key(guard.KeySubject, target)}, func(ctx context.Context) error {
			return e.store.RunInTx(ctx, func(ctx context.Context) error {
				var err error
				res, next, err = e.absorb(ctx, target, rec, actor)
				return err
			})
		})
		if err != nil || next == "" {
			break
		}
		// the target was merged after it was matched; follow it to the survivor
		if hop == maxAbsorbRedirects {
			err = clerrors.NewConflictError(ReasonTombstoneWrite).
				With("subject_id", target).
				With("merged_into", next)
			break
		}
		e.logger.WithContext(ctx).WithFields(map[string]any{
			"subject_id":  target,
			"merged_into": next,
		}).Debug("Absorb target was merged, following")
		target = next
	}
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("subject_id", winnerID).Warn("Absorb failed")
		return nil, err
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"subject_id":  res.Subject.ID,
		"requested":   winnerID,
		"source":      rec.Source,
		"identifiers": len(res.Identifiers),
		"changed":     len(res.ChangedFields),
	}).Debug("Absorbed record")

	if len(res.Identifiers) > 0 || len(res.ChangedFields) > 0 {
		if err := e.events.EmitSubjectAbsorbed(ctx, res.Subject, rec.Source, res.ChangedFields); err != nil {
			e.logger.WithContext(ctx).WithError(err).Warn("Failed to publish absorb event")
		}
	}
	return res, nil
}

// absorb writes rec into winnerID under its subject lock. A tombstoned
// winner writes nothing and returns the id it was merged into.
func (e *Executor) absorb(ctx context.Context, winnerID string, rec models.Record, actor string) (*AbsorbResult, string, error) {
	winner, err := e.store.GetSubject(ctx, winnerID)
	if err != nil {
		return nil, "", err
	}
	if winner.MergedInto != nil {
		return nil, *winner.MergedInto, nil
	}
	if winner.Kind != rec.Kind {
		return nil, "", clerrors.NewValidationError("kind", "cannot absorb %s record into %s", rec.Kind, winner.Kind)
	}

	ids := IdentifiersFromRecord(winner.ID, rec)
	added, err := e.store.AddIdentifiers(ctx, ids)
	if err != nil {
		return nil, "", integrity("attach identifiers", err)
	}

	merger := NewFieldMerger(e.params.Current())
	changes := merger.MergeInto(winner, rec.Attributes, nil, rec.Source)
	if rec.Location != nil {
		lat, lng := rec.Location.Latitude, rec.Location.Longitude
		gh := blocking.Geohash(lat, lng)
		changes = append(changes, merger.FillLocation(winner, &lat, &lng, &gh)...)
	}
	if len(changes) > 0 {
		if err := e.store.UpdateSubject(ctx, winner); err != nil {
			return nil, "", err
		}
	}

	res := &AbsorbResult{Subject: winner, Identifiers: added}
	for _, c := range changes {
		res.ChangedFields = append(res.ChangedFields, c.Field)
	}
	for _, id := range added {
		changes.Add("identifiers."+string(id.Type), nil, id.Value)
	}
	if len(changes) == 0 {
		return res, "", nil
	}

	err = e.store.AppendAudit(ctx, &models.AuditEntry{
		EntityType: models.AuditEntitySubject,
		EntityID:   winner.ID,
		Action:     models.AuditActionAbsorb,
		Changes:    changes,
		Actor:      actor,
		Reason:     "absorbed record from " + rec.Source,
	})
	if err != nil {
		return nil, "", err
	}
	return res, "", nil
}

// IdentifiersFromRecord builds identifier rows for a normalized record
func IdentifiersFromRecord(subjectID string, rec models.Record) []models.Identifier {
	out := make([]models.Identifier, 0, len(rec.Identifiers))
	for _, in := range rec.Identifiers {
		raw := in.Raw
		if raw == "" {
			raw = in.Value
		}
		out = append(out, models.Identifier{
			SubjectID:  subjectID,
			Type:       in.Type,
			Value:      in.Value,
			Raw:        raw,
			Source:     rec.Source,
			Confidence: in.Confidence,
		})
	}
	return out
}

// integrity wraps a store failure in the middle of a merge. Domain errors
// pass through unchanged.
func integrity(op string, err error) error {
	if clerrors.IsIntegrity(err) || clerrors.IsConflict(err) || clerrors.IsNotFound(err) {
		return err
	}
	return clerrors.NewIntegrityError(op, err)
}

func outcome(err error) string {
	switch {
	case clerrors.IsConflict(err):
		return "conflict"
	case clerrors.IsValidation(err):
		return "invalid"
	case clerrors.IsLockTimeout(err):
		return "lock_timeout"
	case clerrors.IsIntegrity(err):
		return "integrity"
	case clerrors.IsNotFound(err):
		return "not_found"
	}
	return "error"
}
