package models

import "time"

// Blacklist reason codes
const (
	BlacklistReasonSharedCaretaker = "shared_caretaker"
	BlacklistReasonInstitutional   = "institutional_contact"
	BlacklistReasonDetected        = "detected_shared"
	BlacklistReasonManual          = "manual"
)

// SoftBlacklistEntry marks an identifier legitimately shared by distinct subjects.
// A match driven by it needs corroboration before it may auto-merge.
type SoftBlacklistEntry struct {
	ID                  string         `json:"id" db:"id"`
	IdentifierType      IdentifierType `json:"identifier_type" db:"identifier_type"`
	Value               string         `json:"value" db:"value"`
	ReasonCode          string         `json:"reason_code" db:"reason_code"`
	DistinctSubjects    int            `json:"distinct_subjects" db:"distinct_subjects"`
	MinNameSimilarity   float64        `json:"min_name_similarity" db:"min_name_similarity"`
	RequireAddressMatch bool           `json:"require_address_match" db:"require_address_match"`
	CreatedBy           string         `json:"created_by" db:"created_by"`
	CreatedAt           time.Time      `json:"created_at" db:"created_at"`
	ReviewedAt          *time.Time     `json:"reviewed_at,omitempty" db:"reviewed_at"`
}

// Key returns the type-qualified identifier value
func (e SoftBlacklistEntry) Key() string {
	return string(e.IdentifierType) + ":" + e.Value
}

// CreateBlacklistEntryRequest is the request to add or replace an entry
type CreateBlacklistEntryRequest struct {
	IdentifierType      IdentifierType `json:"identifier_type" validate:"required,oneof=email phone microchip address"`
	Value               string         `json:"value" validate:"required"`
	ReasonCode          string         `json:"reason_code" validate:"required"`
	MinNameSimilarity   float64        `json:"min_name_similarity" validate:"gte=0,lte=1"`
	RequireAddressMatch bool           `json:"require_address_match"`
}
