// Package events handles event emission for subject lifecycle changes
package events

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// Publisher delivers an encoded event under a partition key
type Publisher interface {
	Publish(ctx context.Context, key string, eventType string, event any) error
}

// Emitter handles event emission. Emission happens after commit and is best
// effort: failures are logged and returned, never rolled back.
type Emitter struct {
	publisher Publisher
	logger    ectologger.Logger
}

// NewEmitter creates a new event emitter. A nil publisher discards events.
func NewEmitter(publisher Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		publisher: publisher,
		logger:    logger,
	}
}

func (e *Emitter) emit(ctx context.Context, key string, eventType EventType, event any) error {
	if e == nil || e.publisher == nil {
		return nil
	}
	if err := e.publisher.Publish(ctx, key, string(eventType), event); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("event_type", eventType).Error("Failed to emit event")
		return err
	}
	return nil
}

func correlation(ctx context.Context) string {
	return tracing.TraceID(ctx)
}

// EmitSubjectCreated emits a subject.created event
func (e *Emitter) EmitSubjectCreated(ctx context.Context, s *models.Subject) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitSubjectCreated")
	defer span.End()

	return e.emit(ctx, s.ID, EventTypeSubjectCreated, &SubjectEvent{
		BaseEvent: NewBaseEvent(EventTypeSubjectCreated, correlation(ctx)),
		SubjectID: s.ID,
		Kind:      s.Kind,
		Subject:   s,
		Source:    s.Source,
	})
}

// EmitSubjectAbsorbed emits a subject.absorbed event when a record was folded
// into an existing subject
func (e *Emitter) EmitSubjectAbsorbed(ctx context.Context, s *models.Subject, source string, changed []string) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitSubjectAbsorbed")
	defer span.End()

	return e.emit(ctx, s.ID, EventTypeSubjectAbsorbed, &SubjectEvent{
		BaseEvent:     NewBaseEvent(EventTypeSubjectAbsorbed, correlation(ctx)),
		SubjectID:     s.ID,
		Kind:          s.Kind,
		Subject:       s,
		Source:        source,
		ChangedFields: changed,
	})
}

// EmitSubjectCorrected emits a subject.corrected event
func (e *Emitter) EmitSubjectCorrected(ctx context.Context, s *models.Subject, field, actor string) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitSubjectCorrected")
	defer span.End()

	return e.emit(ctx, s.ID, EventTypeSubjectCorrected, &SubjectEvent{
		BaseEvent:     NewBaseEvent(EventTypeSubjectCorrected, correlation(ctx)),
		SubjectID:     s.ID,
		Kind:          s.Kind,
		Subject:       s,
		ChangedFields: []string{field},
		Actor:         actor,
	})
}

// EmitSubjectMerged emits a subject.merged event keyed by the winner
func (e *Emitter) EmitSubjectMerged(ctx context.Context, kind models.SubjectKind, res *models.MergeResult, actor string) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitSubjectMerged")
	defer span.End()

	return e.emit(ctx, res.WinnerID, EventTypeSubjectMerged, &MergeEvent{
		BaseEvent:     NewBaseEvent(EventTypeSubjectMerged, correlation(ctx)),
		WinnerID:      res.WinnerID,
		LoserID:       res.LoserID,
		Kind:          kind,
		Flattened:     res.Flattened,
		ChangedFields: res.ChangedFields,
		AuditEntryID:  res.AuditEntryID,
		Actor:         actor,
	})
}

// EmitCandidate emits candidate.queued for pending pairs and
// candidate.resolved otherwise
func (e *Emitter) EmitCandidate(ctx context.Context, c *models.MergeCandidate, actor string) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitCandidate")
	defer span.End()

	eventType := EventTypeCandidateResolved
	if c.Status == models.MergeCandidateStatusPending {
		eventType = EventTypeCandidateQueued
	}

	return e.emit(ctx, c.SubjectA, eventType, &CandidateEvent{
		BaseEvent:   NewBaseEvent(eventType, correlation(ctx)),
		CandidateID: c.ID,
		SubjectA:    c.SubjectA,
		SubjectB:    c.SubjectB,
		Kind:        c.Kind,
		Score:       c.Score,
		Tier:        c.Tier,
		Status:      c.Status,
		Actor:       actor,
	})
}
