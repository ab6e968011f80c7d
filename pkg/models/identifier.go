package models

import "time"

// IdentifierType is the kind of natural key attached to a subject
type IdentifierType string

const (
	IdentifierEmail     IdentifierType = "email"
	IdentifierPhone     IdentifierType = "phone"
	IdentifierMicrochip IdentifierType = "microchip"
	IdentifierAddress   IdentifierType = "address"
)

// Valid reports whether t is a known identifier type
func (t IdentifierType) Valid() bool {
	switch t {
	case IdentifierEmail, IdentifierPhone, IdentifierMicrochip, IdentifierAddress:
		return true
	}
	return false
}

// Identifier is a typed, normalized key attached to a subject
type Identifier struct {
	ID         string         `json:"id" db:"id"`
	SubjectID  string         `json:"subject_id" db:"subject_id"`
	Type       IdentifierType `json:"type" db:"type"`
	Value      string         `json:"value" db:"value"`
	Raw        string         `json:"raw" db:"raw"`
	Source     string         `json:"source" db:"source"`
	Confidence float64        `json:"confidence" db:"confidence"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

// Key returns the type-qualified identifier value
func (i Identifier) Key() string {
	return string(i.Type) + ":" + i.Value
}

// IdentifierInput is an identifier as submitted by a source, before normalization
type IdentifierInput struct {
	Type       IdentifierType `json:"type" validate:"required"`
	Value      string         `json:"value" validate:"required"`
	Confidence float64        `json:"confidence,omitempty" validate:"gte=0,lte=1"`
	Raw        string         `json:"-"`
}

// SharedIdentifier is an identifier value held by more than one active subject
type SharedIdentifier struct {
	Type       IdentifierType `json:"type" db:"type"`
	Value      string         `json:"value" db:"value"`
	SubjectIDs []string       `json:"subject_ids" db:"-"`
}

// Key returns the type-qualified identifier value
func (s SharedIdentifier) Key() string {
	return string(s.Type) + ":" + s.Value
}
