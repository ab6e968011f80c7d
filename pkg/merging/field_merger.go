package merging

import (
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/params"
)

// FieldMerger applies source-priority survivorship to subject attributes
type FieldMerger struct {
	params *params.Params
}

// NewFieldMerger creates a FieldMerger over one parameter version
func NewFieldMerger(p *params.Params) *FieldMerger {
	return &FieldMerger{params: p}
}

// fieldValue is one candidate value for an attribute and the source that supplied it
type fieldValue struct {
	Value  string
	Source string
}

// MergeInto folds incoming attributes into the target subject. Any source may
// fill an empty field. A conflicting value replaces the current one only when
// its source ranks strictly higher and the target is not protected. Returns
// the diff of every changed field.
func (m *FieldMerger) MergeInto(target *models.Subject, incoming models.Attributes, sources models.Attributes, defaultSource string) models.Changes {
	if target.Attributes == nil {
		target.Attributes = models.Attributes{}
	}
	if target.AttributeSources == nil {
		target.AttributeSources = models.Attributes{}
	}

	var changes models.Changes
	for _, field := range incoming.Keys() {
		in := fieldValue{Value: incoming[field], Source: sources[field]}
		if in.Source == "" {
			in.Source = defaultSource
		}
		if in.Value == "" {
			continue
		}

		cur := fieldValue{Value: target.Attributes[field], Source: target.AttributeSources[field]}
		if cur.Source == "" {
			cur.Source = target.Source
		}

		winner := m.preferNonEmpty(cur, in)
		if cur.Value != "" && cur.Value != in.Value && !target.Protected {
			winner = m.mostTrusted(cur, in)
		}
		if winner.Value == cur.Value && winner.Source == cur.Source {
			continue
		}

		changes.Add("attributes."+field, nullable(cur.Value), winner.Value)
		target.Attributes[field] = winner.Value
		target.AttributeSources[field] = winner.Source
	}
	return changes
}

// FillLocation copies coordinates when the target has none
func (m *FieldMerger) FillLocation(target *models.Subject, lat, lng *float64, geohash *string) models.Changes {
	if target.HasLocation() || lat == nil || lng == nil {
		return nil
	}
	la, ln := *lat, *lng
	target.Latitude = &la
	target.Longitude = &ln
	if geohash != nil {
		g := *geohash
		target.Geohash = &g
	}
	var changes models.Changes
	changes.Add("location", nil, models.Location{Latitude: la, Longitude: ln})
	return changes
}

// mostTrusted keeps the current value unless the incoming source ranks
// strictly higher. Ties keep the current value.
func (m *FieldMerger) mostTrusted(cur, in fieldValue) fieldValue {
	if m.params.SourceRank(in.Source) < m.params.SourceRank(cur.Source) {
		return in
	}
	return cur
}

func (m *FieldMerger) preferNonEmpty(cur, in fieldValue) fieldValue {
	if cur.Value != "" {
		return cur
	}
	return in
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
