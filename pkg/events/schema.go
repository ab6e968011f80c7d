package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/clover/pkg/models"
)

// EventType defines the type of event
type EventType string

const (
	// Subject events
	EventTypeSubjectCreated   EventType = "subject.created"
	EventTypeSubjectAbsorbed  EventType = "subject.absorbed"
	EventTypeSubjectMerged    EventType = "subject.merged"
	EventTypeSubjectCorrected EventType = "subject.corrected"

	// Review queue events
	EventTypeCandidateQueued   EventType = "candidate.queued"
	EventTypeCandidateResolved EventType = "candidate.resolved"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventType     EventType `json:"event_type"`
	SchemaVersion string    `json:"schema_version"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Type returns the event type
func (b BaseEvent) Type() EventType {
	return b.EventType
}

// SubjectEvent is emitted when a canonical subject is created or changed
type SubjectEvent struct {
	BaseEvent
	SubjectID     string             `json:"subject_id"`
	Kind          models.SubjectKind `json:"kind"`
	Subject       *models.Subject    `json:"subject,omitempty"`
	Source        string             `json:"source,omitempty"`
	ChangedFields []string           `json:"changed_fields,omitempty"`
	Actor         string             `json:"actor,omitempty"`
}

// MergeEvent is emitted after a loser subject is folded into a winner
type MergeEvent struct {
	BaseEvent
	WinnerID      string             `json:"winner_id"`
	LoserID       string             `json:"loser_id"`
	Kind          models.SubjectKind `json:"kind"`
	Flattened     []string           `json:"flattened,omitempty"`
	ChangedFields []string           `json:"changed_fields,omitempty"`
	AuditEntryID  string             `json:"audit_entry_id"`
	Actor         string             `json:"actor"`
}

// CandidateEvent is emitted when a pair enters or leaves the review queue
type CandidateEvent struct {
	BaseEvent
	CandidateID string                      `json:"candidate_id"`
	SubjectA    string                      `json:"subject_a"`
	SubjectB    string                      `json:"subject_b"`
	Kind        models.SubjectKind          `json:"kind"`
	Score       float64                     `json:"score"`
	Tier        models.Tier                 `json:"tier"`
	Status      models.MergeCandidateStatus `json:"status"`
	Actor       string                      `json:"actor,omitempty"`
}

// NewBaseEvent creates a base event with common fields
func NewBaseEvent(eventType EventType, correlationID string) BaseEvent {
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	return BaseEvent{
		EventType:     eventType,
		SchemaVersion: SchemaVersion,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
}
