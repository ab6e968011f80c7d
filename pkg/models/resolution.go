package models

// Resolution is the outcome of resolving one incoming record
type Resolution struct {
	SubjectID   string  `json:"subject_id"`
	Created     bool    `json:"created"`
	Tier        Tier    `json:"tier"`
	Score       float64 `json:"score,omitempty"`
	MatchedID   string  `json:"matched_id,omitempty"`
	CandidateID string  `json:"candidate_id,omitempty"`
}

// MergeRequest asks the executor to fold Loser into Winner
type MergeRequest struct {
	LoserID  string `json:"loser_id" validate:"required"`
	WinnerID string `json:"winner_id" validate:"required"`
	Reason   string `json:"reason" validate:"required"`
	Actor    string `json:"actor"`
}

// MergeResult summarizes an executed merge
type MergeResult struct {
	WinnerID         string        `json:"winner_id"`
	LoserID          string        `json:"loser_id"`
	AlreadyMerged    bool          `json:"already_merged"`
	Edges            RepointResult `json:"edges"`
	Identifiers      RepointResult `json:"identifiers"`
	Flattened        []string      `json:"flattened,omitempty"`
	ChangedFields    []string      `json:"changed_fields,omitempty"`
	AuditEntryID     string        `json:"audit_entry_id,omitempty"`
	CandidatesClosed int           `json:"candidates_closed"`
}

// CorrectionRequest is a direct, audited edit of a canonical subject
type CorrectionRequest struct {
	Field  string `json:"field" validate:"required"`
	Value  string `json:"value"`
	Reason string `json:"reason" validate:"required"`
}
