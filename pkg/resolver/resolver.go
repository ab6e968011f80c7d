// Package resolver is the entry point of the engine: it decides whether an
// incoming record describes a known subject or a new one, and exposes the
// review queue, canonical lookups and corrections.
package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/blocking"
	"github.com/Ramsey-B/clover/pkg/decision"
	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/guard"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
	"github.com/Ramsey-B/clover/pkg/params"
	"github.com/Ramsey-B/clover/pkg/store"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Mirror keeps an external projection of subjects and edges
type Mirror interface {
	merging.Mirror
	UpsertSubject(ctx context.Context, s *models.Subject) error
	UpsertEdge(ctx context.Context, e models.Edge) error
}

// Resolver runs resolve_or_create and the review operations
type Resolver struct {
	logger    ectologger.Logger
	store     store.Store
	guard     *guard.Guard
	params    params.Provider
	generator *blocking.Generator
	scorer    *matching.Scorer
	decider   *decision.Engine
	executor  *merging.Executor
	events    *events.Emitter
	mirror    Mirror
	now       func() time.Time
}

// New creates a resolver. The store doubles as the blocking index. emitter
// and mirror may be nil.
func New(
	logger ectologger.Logger,
	st store.Store,
	g *guard.Guard,
	provider params.Provider,
	decider *decision.Engine,
	executor *merging.Executor,
	emitter *events.Emitter,
	mirror Mirror,
) *Resolver {
	return &Resolver{
		logger:    logger,
		store:     st,
		guard:     g,
		params:    provider,
		generator: blocking.NewGenerator(logger, st),
		scorer:    matching.NewScorer(),
		decider:   decider,
		executor:  executor,
		events:    emitter,
		mirror:    mirror,
		now:       time.Now,
	}
}

// NaturalKeys returns the guard keys of a normalized record: one per
// identifier, or the kind and name when the record has no identifiers.
func NaturalKeys(rec models.Record) []string {
	keys := make([]string, 0, len(rec.Identifiers))
	for _, id := range rec.Identifiers {
		keys = append(keys, guard.Key(string(id.Type), id.Value))
	}
	if len(keys) == 0 {
		if name := normalizers.NormalizeName(rec.Attributes[models.AttributeName]); name != "" {
			keys = append(keys, guard.Key("name", string(rec.Kind)+"|"+name))
		}
	}
	return keys
}

// ResolveOrCreate attaches the record to the subject it describes or creates
// a new one. Validation happens before any lock is taken.
func (r *Resolver) ResolveOrCreate(ctx context.Context, rec models.Record) (*models.Resolution, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.ResolveOrCreate")
	defer span.End()

	start := r.now()
	rec, err := normalizers.NormalizeRecord(rec)
	if err != nil {
		return nil, err
	}
	keys := NaturalKeys(rec)
	if len(keys) == 0 {
		return nil, clerrors.NewValidationError("identifiers", "record has no identifier and no name")
	}

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"kind":        rec.Kind,
		"source":      rec.Source,
		"identifiers": len(rec.Identifiers),
	})

	var (
		res     *models.Resolution
		created *models.Subject
		queued  []models.MergeCandidate
	)
	err = r.guard.WithLock(ctx, keys, func(ctx context.Context) error {
		var err error
		res, created, queued, err = r.resolve(ctx, rec)
		return err
	})
	if err != nil {
		log.WithError(err).Warn("Failed to resolve record")
		metrics.RecordResolution(string(rec.Kind), "error", r.now().Sub(start))
		return nil, err
	}

	outcome := string(res.Tier)
	if res.Created {
		outcome = "created_" + outcome
	}
	metrics.RecordResolution(string(rec.Kind), outcome, r.now().Sub(start))
	log.WithFields(map[string]any{
		"subject_id": res.SubjectID,
		"tier":       res.Tier,
		"score":      res.Score,
		"created":    res.Created,
		"matched_id": res.MatchedID,
	}).Info("Resolved record")

	if created != nil {
		if err := r.events.EmitSubjectCreated(ctx, created); err != nil {
			log.WithError(err).Warn("Failed to publish subject event")
		}
		if r.mirror != nil {
			if err := r.mirror.UpsertSubject(ctx, created); err != nil {
				log.WithError(err).Warn("Failed to update graph mirror")
			}
		}
	}
	for i := range queued {
		metrics.RecordCandidate(string(queued[i].Tier))
		if err := r.events.EmitCandidate(ctx, &queued[i], rec.Source); err != nil {
			log.WithError(err).Warn("Failed to publish candidate event")
		}
	}
	return res, nil
}

// resolve runs under the record's natural key locks
func (r *Resolver) resolve(ctx context.Context, rec models.Record) (*models.Resolution, *models.Subject, []models.MergeCandidate, error) {
	p := r.params.Current()

	holder, err := r.uniqueHolder(ctx, p, rec)
	if err != nil {
		return nil, nil, nil, err
	}
	if holder != "" {
		absorbed, err := r.executor.Absorb(ctx, holder, rec, rec.Source)
		if err != nil {
			return nil, nil, nil, err
		}
		id := absorbed.Subject.ID
		return &models.Resolution{SubjectID: id, Tier: models.TierAutoMerge, MatchedID: id}, nil, nil, nil
	}

	profile := RecordProfile(rec, r.now())
	query := blocking.NewQuery(rec.Kind, rec.Attributes, profile.Identifiers, rec.Location)
	d, err := r.Match(ctx, p, query, profile)
	if err != nil {
		return nil, nil, nil, err
	}

	if d.Tier == models.TierAutoMerge {
		// Absorb follows the target if a merge tombstoned it since Match
		absorbed, err := r.executor.Absorb(ctx, d.Target.Candidate.ID, rec, rec.Source)
		if err != nil {
			return nil, nil, nil, err
		}
		target := absorbed.Subject.ID
		return &models.Resolution{
			SubjectID: target,
			Tier:      models.TierAutoMerge,
			Score:     d.Score(),
			MatchedID: target,
		}, nil, nil, nil
	}

	var (
		subject *models.Subject
		queued  []models.MergeCandidate
	)
	err = r.store.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		subject, err = r.create(ctx, rec)
		if err != nil {
			return err
		}
		if d.Tier != models.TierNeedsReview {
			return nil
		}
		queued, err = r.queue(ctx, p, subject, d)
		return err
	})
	if err != nil {
		return nil, nil, nil, err
	}

	res := &models.Resolution{SubjectID: subject.ID, Created: true, Tier: d.Tier, Score: d.Score()}
	if d.Target != nil && d.Tier == models.TierNeedsReview {
		res.MatchedID = d.Target.Candidate.ID
		for _, c := range queued {
			if c.Involves(res.MatchedID) {
				res.CandidateID = c.ID
			}
		}
	}
	return res, subject, queued, nil
}

// uniqueHolder returns the canonical subject already holding one of the
// record's unique identifiers, "" when there is none
func (r *Resolver) uniqueHolder(ctx context.Context, p *params.Params, rec models.Record) (string, error) {
	found := ""
	for _, id := range rec.Identifiers {
		if !p.IsUnique(id.Type) {
			continue
		}
		holders, err := r.store.FindHolders(ctx, rec.Kind, id.Type, id.Value)
		if err != nil {
			return "", err
		}
		for _, h := range holders {
			if found != "" && found != h {
				return "", clerrors.NewConflictError("unique identifiers are held by different subjects").
					With("subject_ids", []string{found, h})
			}
			found = h
		}
	}
	return found, nil
}

// Match generates, scores and decides candidates for a profile. Read only.
func (r *Resolver) Match(ctx context.Context, p *params.Params, query blocking.Query, profile matching.Profile) (decision.Decision, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.Match")
	defer span.End()

	cands, err := r.generator.Generate(ctx, query, p.Blocking)
	if err != nil {
		return decision.Decision{}, err
	}
	if len(cands) == 0 {
		return r.decider.Decide(ctx, p, nil)
	}

	ids := make([]string, 0, len(cands))
	for _, c := range cands {
		ids = append(ids, c.SubjectID)
	}
	subjects, err := r.store.GetSubjects(ctx, ids)
	if err != nil {
		return decision.Decision{}, err
	}
	identifiers, err := r.store.ListIdentifiers(ctx, ids...)
	if err != nil {
		return decision.Decision{}, err
	}
	bySubject := make(map[string][]models.Identifier, len(subjects))
	for _, id := range identifiers {
		bySubject[id.SubjectID] = append(bySubject[id.SubjectID], id)
	}

	scored := make([]decision.Scored, 0, len(subjects))
	for _, s := range subjects {
		if !s.IsCanonical() || s.Kind != profile.Kind {
			continue
		}
		candidate := matching.NewProfile(s, bySubject[s.ID])
		scored = append(scored, decision.Scored{
			Candidate: candidate,
			Result:    r.scorer.Score(p, profile, candidate),
		})
	}
	return r.decider.Decide(ctx, p, scored)
}

// RecordProfile builds the comparable view of a normalized record
func RecordProfile(rec models.Record, now time.Time) matching.Profile {
	p := matching.Profile{
		Kind:        rec.Kind,
		Attributes:  rec.Attributes,
		Identifiers: make(map[models.IdentifierType][]string),
		CreatedAt:   now,
	}
	for _, id := range rec.Identifiers {
		p.AddIdentifier(id.Type, id.Value)
	}
	return p
}

// create inserts a new subject for the record with its identifiers and audit entry
func (r *Resolver) create(ctx context.Context, rec models.Record) (*models.Subject, error) {
	s := &models.Subject{
		ID:               uuid.New().String(),
		Kind:             rec.Kind,
		Attributes:       rec.Attributes.Clone(),
		AttributeSources: models.Attributes{},
		Source:           rec.Source,
		Protected:        rec.Protected,
	}
	for k := range s.Attributes {
		s.AttributeSources[k] = rec.Source
	}
	if rec.Protected {
		reason := "institutional record from " + rec.Source
		s.ProtectedReason = &reason
	}
	if rec.Location != nil {
		lat, lng := rec.Location.Latitude, rec.Location.Longitude
		gh := blocking.Geohash(lat, lng)
		s.Latitude, s.Longitude, s.Geohash = &lat, &lng, &gh
	}

	if err := r.store.CreateSubject(ctx, s); err != nil {
		return nil, err
	}
	if _, err := r.store.AddIdentifiers(ctx, merging.IdentifiersFromRecord(s.ID, rec)); err != nil {
		return nil, err
	}

	var changes models.Changes
	for _, k := range s.Attributes.Keys() {
		changes.Add("attributes."+k, nil, s.Attributes[k])
	}
	for _, id := range rec.Identifiers {
		changes.Add("identifiers."+string(id.Type), nil, id.Value)
	}
	err := r.store.AppendAudit(ctx, &models.AuditEntry{
		EntityType: models.AuditEntitySubject,
		EntityID:   s.ID,
		Action:     models.AuditActionCreate,
		Changes:    changes,
		Actor:      rec.Source,
		Reason:     "new record from " + rec.Source,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// queue writes pending candidates for a needs_review decision, best first,
// at most MaxCandidatesPerSubject
func (r *Resolver) queue(ctx context.Context, p *params.Params, subject *models.Subject, d decision.Decision) ([]models.MergeCandidate, error) {
	var out []models.MergeCandidate
	limit := p.Blocking.MaxCandidatesPerSubject
	for i, s := range d.Qualifying {
		if len(out) >= limit {
			break
		}
		tier := decision.TierFor(s.Result.Score, p.Thresholds)
		reason := fmt.Sprintf("score %.2f", s.Result.Score)
		if i == 0 {
			tier = d.Tier
			reason = d.Reason
		}
		if tier == models.TierAutoMerge {
			tier = models.TierNeedsReview
		}
		c, written, err := r.store.UpsertCandidate(ctx, NewCandidate(p, subject.ID, subject.Kind, s, tier, reason))
		if err != nil {
			return nil, err
		}
		if written {
			out = append(out, *c)
		}
	}
	return out, nil
}

// NewCandidate builds a pending candidate for a scored pair
func NewCandidate(p *params.Params, subjectID string, kind models.SubjectKind, s decision.Scored, tier models.Tier, reason string) *models.MergeCandidate {
	c := &models.MergeCandidate{
		SubjectA:      subjectID,
		SubjectB:      s.Candidate.ID,
		Kind:          kind,
		Score:         s.Result.Score,
		Probability:   s.Result.Probability,
		Tier:          tier,
		Comparisons:   s.Result.Comparisons,
		ParamsVersion: p.Version,
	}
	if reason != "" {
		c.Reason = &reason
	}
	if decisive := s.Result.Decisive(); decisive != nil {
		key := decisive.Key()
		c.DecisiveIdentifier = &key
	}
	return c
}
