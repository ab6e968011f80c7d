package resolver

import (
	"context"
	"strings"

	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/guard"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/params"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// SubjectView is a subject with its identifiers and edges
type SubjectView struct {
	*models.Subject
	Identifiers []models.Identifier `json:"identifiers"`
	Edges       []models.Edge       `json:"edges"`
}

// Subject returns a subject as stored, tombstones included
func (r *Resolver) Subject(ctx context.Context, id string) (*SubjectView, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.Subject")
	defer span.End()

	s, err := r.store.GetSubject(ctx, id)
	if err != nil {
		return nil, err
	}
	ids, err := r.store.ListIdentifiers(ctx, id)
	if err != nil {
		return nil, err
	}
	edges, err := r.store.ListEdges(ctx, id)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []models.Identifier{}
	}
	if edges == nil {
		edges = []models.Edge{}
	}
	return &SubjectView{Subject: s, Identifiers: ids, Edges: edges}, nil
}

// Canonical follows merged_into one hop. Flattening at merge time keeps
// every tombstone one hop from its canonical subject.
func (r *Resolver) Canonical(ctx context.Context, id string) (*models.Subject, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.Canonical")
	defer span.End()

	s, err := r.store.GetSubject(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.MergedInto == nil {
		return s, nil
	}
	return r.store.GetSubject(ctx, *s.MergedInto)
}

// Correct sets one attribute of a canonical subject. The value is marked as
// a manual correction so later records of any source cannot overwrite it; an
// empty value removes the attribute.
func (r *Resolver) Correct(ctx context.Context, subjectID string, req models.CorrectionRequest, actor string) (*models.Subject, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.Correct")
	defer span.End()

	field := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(req.Field, "attributes.")))
	if field == "" {
		return nil, clerrors.NewValidationError("field", "is required")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, clerrors.NewValidationError("reason", "is required")
	}
	if actor == "" {
		return nil, clerrors.NewValidationError("actor", "is required")
	}
	value := strings.TrimSpace(req.Value)

	var (
		subject *models.Subject
		changed bool
	)
	err := r.guard.WithLock(ctx, []string{guard.Key(guard.KeySubject, subjectID)}, func(ctx context.Context) error {
		return r.store.RunInTx(ctx, func(ctx context.Context) error {
			s, err := r.store.GetSubject(ctx, subjectID)
			if err != nil {
				return err
			}
			if s.MergedInto != nil {
				return clerrors.NewConflictError(merging.ReasonTombstoneWrite).
					With("subject_id", s.ID).
					With("merged_into", *s.MergedInto)
			}

			old := s.Attributes[field]
			if old == value {
				subject = s
				return nil
			}
			if s.Attributes == nil {
				s.Attributes = models.Attributes{}
			}
			if s.AttributeSources == nil {
				s.AttributeSources = models.Attributes{}
			}
			if value == "" {
				delete(s.Attributes, field)
				delete(s.AttributeSources, field)
			} else {
				s.Attributes[field] = value
				s.AttributeSources[field] = params.SourceManual
			}
			if err := r.store.UpdateSubject(ctx, s); err != nil {
				return err
			}

			var changes models.Changes
			changes.Add("attributes."+field, nullable(old), nullable(value))
			if err := r.store.AppendAudit(ctx, &models.AuditEntry{
				EntityType: models.AuditEntitySubject,
				EntityID:   s.ID,
				Action:     models.AuditActionCorrect,
				Changes:    changes,
				Actor:      actor,
				Reason:     req.Reason,
			}); err != nil {
				return err
			}
			subject = s
			changed = true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if changed {
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"subject_id": subjectID,
			"field":      field,
			"actor":      actor,
		}).Info("Corrected subject")
		if err := r.events.EmitSubjectCorrected(ctx, subject, field, actor); err != nil {
			r.logger.WithContext(ctx).WithError(err).Warn("Failed to publish correction event")
		}
	}
	return subject, nil
}

// Link creates an edge between two canonical subjects. Tombstoned ends are
// resolved to their canonical subject first.
func (r *Resolver) Link(ctx context.Context, req models.CreateEdgeRequest) (*models.Edge, error) {
	ctx, span := tracing.StartSpan(ctx, "resolver.Resolver.Link")
	defer span.End()

	if req.Type == "" || req.FromID == "" || req.ToID == "" {
		return nil, clerrors.NewValidationError("type", "type, from_id and to_id are required")
	}

	from, err := r.Canonical(ctx, req.FromID)
	if err != nil {
		return nil, err
	}
	to, err := r.Canonical(ctx, req.ToID)
	if err != nil {
		return nil, err
	}
	if from.ID == to.ID {
		return nil, clerrors.NewValidationError("to_id", "an edge cannot link a subject to itself")
	}

	edge := &models.Edge{Type: req.Type, FromID: from.ID, ToID: to.ID, Source: req.Source}
	keys := []string{guard.Key(guard.KeySubject, from.ID), guard.Key(guard.KeySubject, to.ID)}
	err = r.guard.WithLock(ctx, keys, func(ctx context.Context) error {
		return r.store.RunInTx(ctx, func(ctx context.Context) error {
			for _, id := range []string{from.ID, to.ID} {
				s, err := r.store.GetSubject(ctx, id)
				if err != nil {
					return err
				}
				if s.MergedInto != nil {
					return clerrors.NewConflictError(merging.ReasonTombstoneWrite).With("subject_id", id)
				}
			}
			return r.store.CreateEdge(ctx, edge)
		})
	})
	if err != nil {
		return nil, err
	}

	if r.mirror != nil {
		if err := r.mirror.UpsertEdge(ctx, *edge); err != nil {
			r.logger.WithContext(ctx).WithError(err).Warn("Failed to update graph mirror")
		}
	}
	return edge, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
