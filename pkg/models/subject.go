package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// SubjectKind is the kind of real-world entity a subject represents
type SubjectKind string

const (
	SubjectKindPerson SubjectKind = "person"
	SubjectKindAnimal SubjectKind = "animal"
	SubjectKindPlace  SubjectKind = "place"
)

// Valid reports whether k is a known subject kind
func (k SubjectKind) Valid() bool {
	switch k {
	case SubjectKindPerson, SubjectKindAnimal, SubjectKindPlace:
		return true
	}
	return false
}

// Attributes holds typed scalar fields of a subject (name, sex, species, ...).
// Stored as JSONB.
type Attributes map[string]string

// Scan implements sql.Scanner
func (a *Attributes) Scan(src any) error {
	if src == nil {
		*a = Attributes{}
		return nil
	}
	var b []byte
	switch v := src.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("Attributes.Scan: expected []byte, got %T", src)
	}
	m := map[string]string{}
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*a = m
	return nil
}

// Value implements driver.Valuer
func (a Attributes) Value() (driver.Value, error) {
	if a == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]string(a))
}

// Clone returns a copy of the attribute map
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Keys returns the attribute names in sorted order
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Subject is a person, animal, or place. A subject with MergedInto set is a
// tombstone: readable for audit, excluded from canonical lookups.
type Subject struct {
	ID               string      `json:"id" db:"id"`
	Kind             SubjectKind `json:"kind" db:"kind"`
	Attributes       Attributes  `json:"attributes" db:"attributes"`
	AttributeSources Attributes  `json:"attribute_sources" db:"attribute_sources"`
	MergedInto       *string     `json:"merged_into,omitempty" db:"merged_into"`
	Source           string      `json:"source" db:"source"`
	Protected        bool        `json:"protected" db:"protected"`
	ProtectedReason  *string     `json:"protected_reason,omitempty" db:"protected_reason"`
	Latitude         *float64    `json:"latitude,omitempty" db:"latitude"`
	Longitude        *float64    `json:"longitude,omitempty" db:"longitude"`
	Geohash          *string     `json:"-" db:"geohash"`
	CreatedAt        time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at" db:"updated_at"`
}

// IsCanonical reports whether the subject has not been merged away
func (s *Subject) IsCanonical() bool {
	return s.MergedInto == nil
}

// Name returns the subject's name attribute, if any
func (s *Subject) Name() string {
	return s.Attributes[AttributeName]
}

// HasLocation reports whether coordinates are attached
func (s *Subject) HasLocation() bool {
	return s.Latitude != nil && s.Longitude != nil
}

// Location returns the attached coordinates, nil without any
func (s *Subject) Location() *Location {
	if !s.HasLocation() {
		return nil
	}
	return &Location{Latitude: *s.Latitude, Longitude: *s.Longitude}
}

// Clone returns a deep copy suitable for diffing and undo
func (s *Subject) Clone() *Subject {
	c := *s
	c.Attributes = s.Attributes.Clone()
	c.AttributeSources = s.AttributeSources.Clone()
	if s.MergedInto != nil {
		v := *s.MergedInto
		c.MergedInto = &v
	}
	if s.ProtectedReason != nil {
		v := *s.ProtectedReason
		c.ProtectedReason = &v
	}
	if s.Latitude != nil {
		v := *s.Latitude
		c.Latitude = &v
	}
	if s.Longitude != nil {
		v := *s.Longitude
		c.Longitude = &v
	}
	if s.Geohash != nil {
		v := *s.Geohash
		c.Geohash = &v
	}
	return &c
}

// Well-known attribute names
const (
	AttributeName    = "name"
	AttributeSex     = "sex"
	AttributeSpecies = "species"
	AttributeBreed   = "breed"
	AttributeRole    = "role"
)

// Location is a geocoded point supplied by an upstream collaborator
type Location struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
}

// Record is an incoming description of a subject from one source
type Record struct {
	Kind        SubjectKind       `json:"kind" validate:"required"`
	Identifiers []IdentifierInput `json:"identifiers" validate:"dive"`
	Attributes  Attributes        `json:"attributes"`
	Source      string            `json:"source" validate:"required"`
	Location    *Location         `json:"location,omitempty"`
	Protected   bool              `json:"protected,omitempty"`
}
