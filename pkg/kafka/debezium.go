package kafka

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Ramsey-B/clover/pkg/models"
)

// Debezium operation codes
const (
	opCreate   = "c"
	opUpdate   = "u"
	opDelete   = "d"
	opSnapshot = "r"
)

// changeEnvelope is the subset of a Debezium change event that clover reads.
// The schema block and connector metadata are ignored.
type changeEnvelope struct {
	Payload *changePayload `json:"payload"`
}

type changePayload struct {
	Op     string     `json:"op"`
	TsMs   int64      `json:"ts_ms"`
	Before *IntakeRow `json:"before"`
	After  *IntakeRow `json:"after"`
	Source struct {
		Name  string `json:"name"`
		Table string `json:"table"`
	} `json:"source"`
}

// decodeChange returns the change payload, or nil when data is valid JSON but
// not a change envelope
func decodeChange(data []byte) (*changePayload, error) {
	var env changeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Payload == nil || env.Payload.Op == "" {
		return nil, nil
	}
	switch env.Payload.Op {
	case opCreate, opUpdate, opDelete, opSnapshot:
		return env.Payload, nil
	}
	return nil, fmt.Errorf("unknown change operation %q", env.Payload.Op)
}

// row returns the row state carried by the change, nil for deletes and
// soft-deleted rows
func (p *changePayload) row() *IntakeRow {
	if p.Op == opDelete || p.After == nil || p.After.DeletedAt != nil && *p.After.DeletedAt != "" {
		return nil
	}
	return p.After
}

// IntakeRow is one row of a source system's intake table, streamed by a
// Debezium connector. Each row describes one person, animal or place.
type IntakeRow struct {
	ID         string      `json:"id"`
	Kind       string      `json:"kind"`
	Source     string      `json:"source"`
	Name       string      `json:"name"`
	Email      string      `json:"email"`
	Phone      string      `json:"phone"`
	Microchip  string      `json:"microchip"`
	Address    string      `json:"address"`
	Species    string      `json:"species"`
	Breed      string      `json:"breed"`
	Sex        string      `json:"sex"`
	Role       string      `json:"role"`
	Latitude   *float64    `json:"latitude"`
	Longitude  *float64    `json:"longitude"`
	Protected  bool        `json:"protected"`
	Attributes extraFields `json:"attributes"`
	DeletedAt  *string     `json:"deleted_at"`
}

// extraFields holds the string members of a json/jsonb column. Connectors
// emit such columns either as an object or as a string holding one.
type extraFields map[string]string

func (e *extraFields) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return err
		}
		if inner == "" {
			return nil
		}
		data = []byte(inner)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("attributes: %w", err)
	}
	out := make(extraFields, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	*e = out
	return nil
}

// ToRecord converts the row to a record; explicit columns win over extra
// attributes of the same name
func (r *IntakeRow) ToRecord() models.Record {
	rec := models.Record{
		Kind:       models.SubjectKind(r.Kind),
		Source:     r.Source,
		Attributes: models.Attributes{},
		Protected:  r.Protected,
	}
	for k, v := range r.Attributes {
		rec.Attributes[k] = v
	}
	setIf := func(key, value string) {
		if value != "" {
			rec.Attributes[key] = value
		}
	}
	setIf(models.AttributeName, r.Name)
	setIf(models.AttributeSpecies, r.Species)
	setIf(models.AttributeBreed, r.Breed)
	setIf(models.AttributeSex, r.Sex)
	setIf(models.AttributeRole, r.Role)

	addID := func(t models.IdentifierType, value string) {
		if value != "" {
			rec.Identifiers = append(rec.Identifiers, models.IdentifierInput{Type: t, Value: value})
		}
	}
	addID(models.IdentifierMicrochip, r.Microchip)
	addID(models.IdentifierEmail, r.Email)
	addID(models.IdentifierPhone, r.Phone)
	addID(models.IdentifierAddress, r.Address)

	if r.Latitude != nil && r.Longitude != nil {
		rec.Location = &models.Location{Latitude: *r.Latitude, Longitude: *r.Longitude}
	}
	return rec
}
