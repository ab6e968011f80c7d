package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// MergeCandidateStatus is the review status of a candidate pair
type MergeCandidateStatus string

const (
	MergeCandidateStatusPending      MergeCandidateStatus = "pending"
	MergeCandidateStatusMerged       MergeCandidateStatus = "merged"
	MergeCandidateStatusKeptSeparate MergeCandidateStatus = "kept_separate"
	MergeCandidateStatusDismissed    MergeCandidateStatus = "dismissed"
)

// Terminal reports whether the status is final. Terminal pairs are never re-created.
func (s MergeCandidateStatus) Terminal() bool {
	return s != MergeCandidateStatusPending
}

// Tier is the outcome of the decision engine for a scored pair
type Tier string

const (
	TierAutoMerge   Tier = "auto_merge"
	TierNeedsReview Tier = "needs_review"
	TierNoMatch     Tier = "no_match"
)

// Rank orders tiers, higher is stronger
func (t Tier) Rank() int {
	switch t {
	case TierAutoMerge:
		return 2
	case TierNeedsReview:
		return 1
	}
	return 0
}

// Downgrade returns the tier one level below t
func (t Tier) Downgrade() Tier {
	switch t {
	case TierAutoMerge:
		return TierNeedsReview
	default:
		return TierNoMatch
	}
}

// FieldOutcome is the comparator result for one field of a pair
type FieldOutcome string

const (
	FieldAgree    FieldOutcome = "agree"
	FieldDisagree FieldOutcome = "disagree"
	FieldMissing  FieldOutcome = "missing"
)

// FieldComparison records how one field contributed to a score
type FieldComparison struct {
	Field      string       `json:"field"`
	Comparator string       `json:"comparator"`
	Outcome    FieldOutcome `json:"outcome"`
	Similarity float64      `json:"similarity"`
	Weight     float64      `json:"weight"`
	Value      string       `json:"value,omitempty"`
}

// Comparisons is the per-field breakdown stored with a candidate. Stored as JSONB.
type Comparisons []FieldComparison

// Scan implements sql.Scanner
func (c *Comparisons) Scan(src any) error {
	if src == nil {
		*c = nil
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("Comparisons.Scan: expected []byte, got %T", src)
	}
	return json.Unmarshal(b, (*[]FieldComparison)(c))
}

// Value implements driver.Valuer
func (c Comparisons) Value() (driver.Value, error) {
	if c == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]FieldComparison(c))
}

// MergeCandidate is a scored pair of subjects that may describe the same entity.
// SubjectA < SubjectB lexically so a pair has one row.
type MergeCandidate struct {
	ID                 string               `json:"id" db:"id"`
	SubjectA           string               `json:"subject_a" db:"subject_a"`
	SubjectB           string               `json:"subject_b" db:"subject_b"`
	Kind               SubjectKind          `json:"kind" db:"kind"`
	Score              float64              `json:"score" db:"score"`
	Probability        float64              `json:"probability" db:"probability"`
	Tier               Tier                 `json:"tier" db:"tier"`
	Status             MergeCandidateStatus `json:"status" db:"status"`
	DecisiveIdentifier *string              `json:"decisive_identifier,omitempty" db:"decisive_identifier"`
	Reason             *string              `json:"reason,omitempty" db:"reason"`
	Comparisons        Comparisons          `json:"comparisons" db:"comparisons"`
	ParamsVersion      int                  `json:"params_version" db:"params_version"`
	CreatedAt          time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at" db:"updated_at"`
	ResolvedAt         *time.Time           `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy         *string              `json:"resolved_by,omitempty" db:"resolved_by"`
}

// OrderPair returns the two ids in canonical candidate order
func OrderPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Involves reports whether the candidate references the subject
func (c *MergeCandidate) Involves(subjectID string) bool {
	return c.SubjectA == subjectID || c.SubjectB == subjectID
}

// CandidateFilter filters and paginates the review queue
type CandidateFilter struct {
	Status    MergeCandidateStatus `query:"status"`
	Tier      Tier                 `query:"tier"`
	MinScore  *float64             `query:"min_score"`
	MaxScore  *float64             `query:"max_score"`
	SubjectID string               `query:"subject_id"`
	Limit     int                  `query:"limit"`
	Offset    int                  `query:"offset"`
}

// Normalize applies paging defaults
func (f *CandidateFilter) Normalize() {
	if f.Limit < 1 || f.Limit > 500 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// CandidatePage is one page of the review queue
type CandidatePage struct {
	Items  []MergeCandidate `json:"items"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

// CandidateDecision is a reviewer's resolution of a candidate
type CandidateDecision string

const (
	CandidateDecisionMerge        CandidateDecision = "merge"
	CandidateDecisionKeepSeparate CandidateDecision = "keep_separate"
	CandidateDecisionDismiss      CandidateDecision = "dismiss"
)

// Status returns the terminal status a decision leads to
func (d CandidateDecision) Status() (MergeCandidateStatus, bool) {
	switch d {
	case CandidateDecisionMerge:
		return MergeCandidateStatusMerged, true
	case CandidateDecisionKeepSeparate:
		return MergeCandidateStatusKeptSeparate, true
	case CandidateDecisionDismiss:
		return MergeCandidateStatusDismissed, true
	}
	return "", false
}

// ResolveCandidateRequest is the body of a review action
type ResolveCandidateRequest struct {
	Decision CandidateDecision `json:"decision" validate:"required,oneof=merge keep_separate dismiss"`
	WinnerID string            `json:"winner_id,omitempty"`
	Reason   string            `json:"reason,omitempty"`
}
