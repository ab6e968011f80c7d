package resolver

import (
	"context"

	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// CandidateOutcome is the result of a review action
type CandidateOutcome struct {
	Candidate *models.MergeCandidate `json:"candidate"`
	Merge     *models.MergeResult    `json:"merge,omitempty"`
}

// ListCandidates pages the review queue, highest score first
func (r *Resolver) ListCandidates(ctx context.Context, f models.CandidateFilter) (*models.CandidatePage, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.ListCandidates")
	defer span.End()

	return r.store.ListCandidates(ctx, f)
}

// CandidateView is a candidate with the heuristic confidence reviewers
// compare against the weighted score
type CandidateView struct {
	*models.MergeCandidate
	Legacy *matching.LegacyConfidence `json:"legacy,omitempty"`
}

// GetCandidate returns one candidate. Legacy is computed from both subjects
// as they are now and is left empty when either one is gone.
func (r *Resolver) GetCandidate(ctx context.Context, id string) (*CandidateView, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.GetCandidate")
	defer span.End()

	c, err := r.store.GetCandidate(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &CandidateView{MergeCandidate: c}

	subjects, err := r.store.GetSubjects(ctx, []string{c.SubjectA, c.SubjectB})
	if err != nil {
		return nil, tracing.Fail(span, err)
	}
	if len(subjects) != 2 {
		return view, nil
	}
	identifiers, err := r.store.ListIdentifiers(ctx, c.SubjectA, c.SubjectB)
	if err != nil {
		return nil, tracing.Fail(span, err)
	}
	bySubject := make(map[string][]models.Identifier, 2)
	for _, ident := range identifiers {
		bySubject[ident.SubjectID] = append(bySubject[ident.SubjectID], ident)
	}

	view.Legacy = matching.Legacy(
		matching.NewProfile(subjects[0], bySubject[subjects[0].ID]),
		matching.NewProfile(subjects[1], bySubject[subjects[1].ID]),
	)
	return view, nil
}

// ResolveCandidate applies a reviewer decision. merge folds the younger
// subject into the older one unless a winner is given; keep_separate and
// dismiss only close the candidate. Resolved candidates cannot be resolved again.
func (r *Resolver) ResolveCandidate(ctx context.Context, id string, req models.ResolveCandidateRequest, actor string) (*CandidateOutcome, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.ResolveCandidate")
	defer span.End()

	status, ok := req.Decision.Status()
	if !ok {
		return nil, clerrors.NewValidationError("decision", "unknown decision %q", req.Decision)
	}
	if actor == "" {
		return nil, clerrors.NewValidationError("actor", "is required")
	}

	c, err := r.store.GetCandidate(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, clerrors.NewConflictError("candidate already resolved").With("status", c.Status)
	}

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"candidate_id": id,
		"decision":     req.Decision,
		"actor":        actor,
	})

	out := &CandidateOutcome{}
	if req.Decision == models.CandidateDecisionMerge {
		winner, loser, err := r.pickWinner(ctx, c, req.WinnerID)
		if err != nil {
			return nil, err
		}
		reason := req.Reason
		if reason == "" {
			reason = "review candidate " + c.ID
		}
		out.Merge, err = r.executor.Merge(ctx, models.MergeRequest{
			LoserID:  loser,
			WinnerID: winner,
			Reason:   reason,
			Actor:    actor,
		})
		if err != nil {
			log.WithError(err).Warn("Review merge rejected")
			return nil, err
		}
	}

	// A merge closes its own pair; anything still pending is closed here.
	c, err = r.store.GetCandidate(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.Status.Terminal() {
		err = r.store.RunInTx(ctx, func(ctx context.Context) error {
			var reason *string
			if req.Reason != "" {
				reason = &req.Reason
			}
			resolved, err := r.store.ResolveCandidate(ctx, id, status, actor, reason)
			if err != nil {
				return err
			}
			c = resolved

			var changes models.Changes
			changes.Add("status", models.MergeCandidateStatusPending, status)
			return r.store.AppendAudit(ctx, &models.AuditEntry{
				EntityType: models.AuditEntityCandidate,
				EntityID:   id,
				Action:     models.AuditActionCandidateResolve,
				Changes:    changes,
				Actor:      actor,
				Reason:     req.Reason,
			})
		})
		if err != nil {
			return nil, err
		}
	}
	out.Candidate = c

	log.WithField("status", c.Status).Info("Resolved candidate")
	if err := r.events.EmitCandidate(ctx, c, actor); err != nil {
		log.WithError(err).Warn("Failed to publish candidate event")
	}
	return out, nil
}

// pickWinner returns the winner and loser of a review merge. Without an
// override the older subject wins, ties broken by id.
func (r *Resolver) pickWinner(ctx context.Context, c *models.MergeCandidate, override string) (string, string, error) {
	if override != "" {
		switch override {
		case c.SubjectA:
			return c.SubjectA, c.SubjectB, nil
		case c.SubjectB:
			return c.SubjectB, c.SubjectA, nil
		}
		return "", "", clerrors.NewValidationError("winner_id", "must be one of the candidate's subjects")
	}

	a, err := r.store.GetSubject(ctx, c.SubjectA)
	if err != nil {
		return "", "", err
	}
	b, err := r.store.GetSubject(ctx, c.SubjectB)
	if err != nil {
		return "", "", err
	}
	if b.CreatedAt.Before(a.CreatedAt) {
		return b.ID, a.ID, nil
	}
	return a.ID, b.ID, nil
}
