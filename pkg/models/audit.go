package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// AuditAction names a state-changing action
type AuditAction string

const (
	AuditActionCreate           AuditAction = "create"
	AuditActionAbsorb           AuditAction = "absorb"
	AuditActionMerge            AuditAction = "merge"
	AuditActionCorrect          AuditAction = "correct"
	AuditActionCandidateResolve AuditAction = "candidate_resolve"
	AuditActionBlacklistAdd     AuditAction = "blacklist_add"
	AuditActionBlacklistRemove  AuditAction = "blacklist_remove"
)

// Audit entity types
const (
	AuditEntitySubject   = "subject"
	AuditEntityCandidate = "merge_candidate"
	AuditEntityBlacklist = "soft_blacklist"
)

// FieldChange is one old/new pair of an audit diff
type FieldChange struct {
	Field    string `json:"field"`
	OldValue any    `json:"old_value"`
	NewValue any    `json:"new_value"`
}

// Changes is the diff of an audit entry. Stored as JSONB.
type Changes []FieldChange

// Scan implements sql.Scanner
func (c *Changes) Scan(src any) error {
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
		return fmt.Errorf("Changes.Scan: expected []byte, got %T", src)
	}
	return json.Unmarshal(b, (*[]FieldChange)(c))
}

// Value implements driver.Valuer
func (c Changes) Value() (driver.Value, error) {
	if c == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]FieldChange(c))
}

// Add appends a change
func (c *Changes) Add(field string, oldValue, newValue any) {
	*c = append(*c, FieldChange{Field: field, OldValue: oldValue, NewValue: newValue})
}

// AuditEntry is an immutable record of a state-changing action
type AuditEntry struct {
	ID         string      `json:"id" db:"id"`
	EntityType string      `json:"entity_type" db:"entity_type"`
	EntityID   string      `json:"entity_id" db:"entity_id"`
	Action     AuditAction `json:"action" db:"action"`
	Changes    Changes     `json:"changes" db:"changes"`
	Actor      string      `json:"actor" db:"actor"`
	Reason     string      `json:"reason" db:"reason"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
}

// AuditFilter selects audit entries
type AuditFilter struct {
	EntityType string      `query:"entity_type"`
	EntityID   string      `query:"entity_id"`
	Action     AuditAction `query:"action"`
	Limit      int         `query:"limit"`
	Offset     int         `query:"offset"`
}

// Normalize applies paging defaults
func (f *AuditFilter) Normalize() {
	if f.Limit < 1 || f.Limit > 500 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}
