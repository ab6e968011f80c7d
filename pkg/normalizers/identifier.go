package normalizers

import (
	"strings"

	clerrors "github.com/Ramsey-B/clover/pkg/errors"
	"github.com/Ramsey-B/clover/pkg/models"
)

const (
	minPhoneDigits     = 7
	maxPhoneDigits     = 15
	minMicrochipLength = 9
	maxMicrochipLength = 15
	minAddressLength   = 5

	// MinNameLength is the shortest normalized name usable for matching
	MinNameLength = 2
)

// NormalizeIdentifier returns the canonical form of an identifier value, or a
// ValidationError when the value cannot serve as a key.
func NormalizeIdentifier(t models.IdentifierType, raw string) (string, error) {
	field := "identifiers." + string(t)

	switch t {
	case models.IdentifierPhone:
		v := NormalizePhone(raw)
		if len(v) < minPhoneDigits || len(v) > maxPhoneDigits {
			return "", clerrors.NewValidationError(field, "phone %q must have %d-%d digits", raw, minPhoneDigits, maxPhoneDigits)
		}
		return v, nil

	case models.IdentifierEmail:
		v := NormalizeEmail(raw)
		at := strings.Index(v, "@")
		if at <= 0 || at != strings.LastIndex(v, "@") || at == len(v)-1 || strings.ContainsAny(v, " \t") {
			return "", clerrors.NewValidationError(field, "email %q is malformed", raw)
		}
		return v, nil

	case models.IdentifierMicrochip:
		v := NormalizeMicrochip(raw)
		if len(v) < minMicrochipLength || len(v) > maxMicrochipLength {
			return "", clerrors.NewValidationError(field, "microchip %q must have %d-%d characters", raw, minMicrochipLength, maxMicrochipLength)
		}
		return v, nil

	case models.IdentifierAddress:
		v := NormalizeAddress(raw)
		if len(v) < minAddressLength {
			return "", clerrors.NewValidationError(field, "address %q is too short", raw)
		}
		return v, nil
	}

	return "", clerrors.NewValidationError("identifiers.type", "unknown identifier type %q", t)
}

// NormalizeAttributes trims values and drops empty ones. Names are kept as
// given; comparators normalize them.
func NormalizeAttributes(attrs models.Attributes) models.Attributes {
	out := make(models.Attributes, len(attrs))
	for k, v := range attrs {
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// NormalizeRecord validates a record and returns a copy with normalized
// identifiers (deduplicated, in input order) and attributes.
func NormalizeRecord(rec models.Record) (models.Record, error) {
	if !rec.Kind.Valid() {
		return rec, clerrors.NewValidationError("kind", "unknown subject kind %q", rec.Kind)
	}
	if strings.TrimSpace(rec.Source) == "" {
		return rec, clerrors.NewValidationError("source", "is required")
	}
	if rec.Location != nil {
		if rec.Location.Latitude < -90 || rec.Location.Latitude > 90 || rec.Location.Longitude < -180 || rec.Location.Longitude > 180 {
			return rec, clerrors.NewValidationError("location", "coordinates out of range")
		}
	}

	out := rec
	out.Source = strings.TrimSpace(rec.Source)
	out.Attributes = NormalizeAttributes(rec.Attributes)
	out.Identifiers = make([]models.IdentifierInput, 0, len(rec.Identifiers))
	seen := make(map[string]bool, len(rec.Identifiers))
	for _, in := range rec.Identifiers {
		v, err := NormalizeIdentifier(in.Type, in.Value)
		if err != nil {
			return rec, err
		}
		key := string(in.Type) + ":" + v
		if seen[key] {
			continue
		}
		seen[key] = true
		if in.Confidence == 0 {
			in.Confidence = 1
		}
		if in.Raw == "" {
			in.Raw = in.Value
		}
		in.Value = v
		out.Identifiers = append(out.Identifiers, in)
	}
	return out, nil
}
