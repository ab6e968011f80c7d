package matching

import (
	"math"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/normalizers"
)

// LegacyConfidence is the tiered heuristic confidence reviewers were used to
// before weighted scoring. It is shown next to candidates for reference and
// never drives a decision.
type LegacyConfidence struct {
	Confidence     float64  `json:"confidence"`
	Tier           int      `json:"tier"`
	MatchedOn      []string `json:"matched_on"`
	NameSimilarity float64  `json:"name_similarity"`
}

const legacyNameFloor = 0.7

// Legacy computes the heuristic confidence of a pair, or nil when no signal
// reaches the reporting floor.
func Legacy(a, b Profile) *LegacyConfidence {
	var matched []string
	confidence := 0.0

	if sharesValue(a.Identifiers[models.IdentifierPhone], b.Identifiers[models.IdentifierPhone], func(v string) bool { return len(v) >= 10 }) {
		matched = append(matched, "phone")
		confidence = math.Max(confidence, 1.0)
	}
	if sharesValue(a.Identifiers[models.IdentifierEmail], b.Identifiers[models.IdentifierEmail], nil) {
		matched = append(matched, "email")
		confidence = math.Max(confidence, 0.98)
	}

	sim := NameSimilarity(a.Attributes[models.AttributeName], b.Attributes[models.AttributeName])
	if sim >= legacyNameFloor {
		matched = append(matched, "name")
		if sharesAreaCode(a.Identifiers[models.IdentifierPhone], b.Identifiers[models.IdentifierPhone]) {
			matched = append(matched, "area_code")
			confidence = math.Max(confidence, 0.85+sim*0.1)
		} else {
			confidence = math.Max(confidence, 0.50+sim*0.3)
		}
	}

	if len(matched) == 0 || confidence < 0.40 {
		return nil
	}

	return &LegacyConfidence{
		Confidence:     math.Round(confidence*1000) / 1000,
		Tier:           legacyTier(confidence),
		MatchedOn:      matched,
		NameSimilarity: math.Round(sim*1000) / 1000,
	}
}

func legacyTier(c float64) int {
	switch {
	case c >= 0.95:
		return 0
	case c >= 0.80:
		return 1
	case c >= 0.50:
		return 2
	default:
		return 3
	}
}

func sharesValue(as, bs []string, ok func(string) bool) bool {
	for _, a := range as {
		if ok != nil && !ok(a) {
			continue
		}
		for _, b := range bs {
			if a == b {
				return true
			}
		}
	}
	return false
}

func sharesAreaCode(as, bs []string) bool {
	for _, a := range as {
		ac := normalizers.AreaCode(a)
		if ac == "" {
			continue
		}
		for _, b := range bs {
			if normalizers.AreaCode(b) == ac {
				return true
			}
		}
	}
	return false
}
